package transporthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/martsec/patterns-of-distributed-systems/internal/raft/storage"
	"github.com/martsec/patterns-of-distributed-systems/internal/types"
)

// --- RPC DTOs ---

type VoteRequest struct {
	Generation        uint64       `json:"generation"`
	CandidateID       types.NodeID `json:"candidate_id"`
	LastLogIndex      uint64       `json:"last_log_index"`
	LastLogGeneration uint64       `json:"last_log_generation"`
}

type VoteResponse struct {
	Generation uint64 `json:"generation"`
	Granted    bool   `json:"granted"`
}

type AppendRequest struct {
	Generation        uint64             `json:"generation"`
	LeaderID          types.NodeID       `json:"leader_id"`
	LeaderAddr        string             `json:"leader_addr"`
	PrevLogIndex      uint64             `json:"prev_log_index"`
	PrevLogGeneration uint64             `json:"prev_log_generation"`
	Entries           []storage.LogEntry `json:"entries,omitempty"`
	LeaderCommit      uint64             `json:"leader_commit"`
}

type AppendResponse struct {
	Generation         uint64 `json:"generation"`
	Success            bool   `json:"success"`
	MatchIndex         uint64 `json:"match_index,omitempty"`
	ConflictIndex      uint64 `json:"conflict_index,omitempty"`
	ConflictGeneration uint64 `json:"conflict_generation,omitempty"`
}

// --- Interfaces ---

// RPCHandler is implemented by the node to handle incoming RPCs.
type RPCHandler interface {
	HandleVoteRequest(ctx context.Context, req VoteRequest) (VoteResponse, error)
	HandleAppendRequest(ctx context.Context, req AppendRequest) (AppendResponse, error)
}

// Transport is the interface the node uses to send RPCs.
type Transport interface {
	RequestVote(ctx context.Context, to types.NodeID, req VoteRequest) (VoteResponse, error)
	AppendEntries(ctx context.Context, to types.NodeID, req AppendRequest) (AppendResponse, error)
}

// --- PeerResolver ---

// PeerResolver maps NodeID to network address.
type PeerResolver struct {
	peers map[types.NodeID]string
}

func NewPeerResolver(peers map[types.NodeID]string) *PeerResolver {
	return &PeerResolver{peers: peers}
}

func (r *PeerResolver) Resolve(id types.NodeID) (string, error) {
	addr, ok := r.peers[id]
	if !ok {
		return "", fmt.Errorf("unknown peer: %s", id)
	}
	return addr, nil
}

// --- HTTPTransport (client) ---

type HTTPTransport struct {
	resolver *PeerResolver
	client   *http.Client
}

func NewHTTPTransport(resolver *PeerResolver) *HTTPTransport {
	return &HTTPTransport{
		resolver: resolver,
		client:   &http.Client{},
	}
}

func (t *HTTPTransport) RequestVote(ctx context.Context, to types.NodeID, req VoteRequest) (VoteResponse, error) {
	var resp VoteResponse
	if err := t.post(ctx, to, "/raft/request_vote", req, &resp); err != nil {
		return VoteResponse{}, err
	}
	return resp, nil
}

func (t *HTTPTransport) AppendEntries(ctx context.Context, to types.NodeID, req AppendRequest) (AppendResponse, error) {
	var resp AppendResponse
	if err := t.post(ctx, to, "/raft/append_entries", req, &resp); err != nil {
		return AppendResponse{}, err
	}
	return resp, nil
}

func (t *HTTPTransport) post(ctx context.Context, to types.NodeID, path string, req, resp any) error {
	addr, err := t.resolver.Resolve(to)
	if err != nil {
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s to %s returned %d", path, to, httpResp.StatusCode)
	}

	return json.NewDecoder(httpResp.Body).Decode(resp)
}

// --- HTTPServer (server mux) ---

type HTTPServer struct {
	handler RPCHandler
}

func NewHTTPServer(handler RPCHandler) *HTTPServer {
	return &HTTPServer{handler: handler}
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/raft/request_vote", postOnly(s.handleRequestVote))
	mux.HandleFunc("/raft/append_entries", postOnly(s.handleAppendEntries))
	return mux
}

// postOnly enforces the POST method; the Go 1.22 "POST /path" mux
// patterns are unavailable on the Go 1.21 toolchain this builds with.
func postOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h(w, r)
	}
}

func (s *HTTPServer) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var req VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad JSON")
		return
	}

	resp, err := s.handler.HandleVoteRequest(r.Context(), req)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *HTTPServer) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var req AppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad JSON")
		return
	}

	resp, err := s.handler.HandleAppendRequest(r.Context(), req)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
