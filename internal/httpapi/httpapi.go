// Package httpapi serves the client-facing REST API backed by a
// ReplicatedKV. Writes against a follower answer with a temporary
// redirect to the current leader.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/martsec/patterns-of-distributed-systems/internal/replicatedkv"
	"github.com/martsec/patterns-of-distributed-systems/internal/types"
)

// Server serves the HTTP API.
type Server struct {
	rkv *replicatedkv.ReplicatedKV
}

// New creates a new HTTP API server.
func New(rkv *replicatedkv.ReplicatedKV) *Server {
	return &Server{rkv: rkv}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.Healthz)
	r.Get("/status", s.Status)
	r.Get("/kv", s.ListKeys)
	r.Get("/kv/{key}", s.GetKey)
	r.Put("/kv/{key}", s.PutKey)
	r.Delete("/kv/{key}", s.DeleteKey)
	r.Post("/kv/cas", s.CAS)
	r.Post("/kv/mget", s.MGet)
	r.Post("/kv/mput", s.MPut)
	r.Post("/kv/mdelete", s.MDelete)
	return r
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rkv.Status())
}

func (s *Server) ListKeys(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.rkv.List(r.Context(), r.URL.Query().Get("prefix"), limit)
	if err != nil {
		s.writeReadError(w, err)
		return
	}
	if entries == nil {
		entries = []types.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entries": entries})
}

func (s *Server) GetKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, ok, err := s.rkv.Get(r.Context(), key)
	if err != nil {
		s.writeReadError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "value": v})
}

func (s *Server) PutKey(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	var body struct {
		ClientID string `json:"client_id"`
		Seq      uint64 `json:"seq"`
		Value    string `json:"value"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	cmd := types.Command{
		ClientID: body.ClientID,
		Seq:      body.Seq,
		Key:      chi.URLParam(r, "key"),
		Value:    body.Value,
	}
	s.respondWrite(w, r, func() (types.ApplyResult, error) {
		return s.rkv.Put(r.Context(), cmd)
	})
}

func (s *Server) DeleteKey(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	var body struct {
		ClientID string `json:"client_id"`
		Seq      uint64 `json:"seq"`
	}
	_ = decodeJSON(r, &body)
	cmd := types.Command{
		ClientID: body.ClientID,
		Seq:      body.Seq,
		Key:      chi.URLParam(r, "key"),
	}
	s.respondWrite(w, r, func() (types.ApplyResult, error) {
		return s.rkv.Delete(r.Context(), cmd)
	})
}

func (s *Server) CAS(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	var body struct {
		ClientID string `json:"client_id"`
		Seq      uint64 `json:"seq"`
		Key      string `json:"key"`
		Expected string `json:"expected"`
		Value    string `json:"value"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	cmd := types.Command{
		ClientID: body.ClientID,
		Seq:      body.Seq,
		Key:      body.Key,
		Expected: body.Expected,
		Value:    body.Value,
	}
	s.respondWrite(w, r, func() (types.ApplyResult, error) {
		return s.rkv.CAS(r.Context(), cmd)
	})
}

func (s *Server) MGet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keys []string `json:"keys"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	values, err := s.rkv.MGet(r.Context(), body.Keys)
	if err != nil {
		s.writeReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "values": values})
}

func (s *Server) MPut(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	var body struct {
		ClientID string        `json:"client_id"`
		Seq      uint64        `json:"seq"`
		Entries  []types.Entry `json:"entries"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	cmd := types.Command{
		ClientID: body.ClientID,
		Seq:      body.Seq,
		Entries:  body.Entries,
	}
	s.respondWrite(w, r, func() (types.ApplyResult, error) {
		return s.rkv.BatchPut(r.Context(), cmd)
	})
}

func (s *Server) MDelete(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w) {
		return
	}
	var body struct {
		ClientID string   `json:"client_id"`
		Seq      uint64   `json:"seq"`
		Keys     []string `json:"keys"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	cmd := types.Command{
		ClientID: body.ClientID,
		Seq:      body.Seq,
		Keys:     body.Keys,
	}
	s.respondWrite(w, r, func() (types.ApplyResult, error) {
		return s.rkv.BatchDelete(r.Context(), cmd)
	})
}

// --- helpers ---

func (s *Server) respondWrite(w http.ResponseWriter, r *http.Request, do func() (types.ApplyResult, error)) {
	res, err := do()
	if errors.Is(err, replicatedkv.ErrNotLeader) {
		s.redirectToLeader(w)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if !res.Ok {
		writeJSON(w, http.StatusBadRequest, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// redirectIfNotLeader answers early for requests that would surely fail;
// the leadership check in respondWrite still catches the race where
// leadership is lost mid-request.
func (s *Server) redirectIfNotLeader(w http.ResponseWriter) bool {
	if s.rkv.IsLeader() {
		return false
	}
	s.redirectToLeader(w)
	return true
}

func (s *Server) redirectToLeader(w http.ResponseWriter) {
	hint := s.rkv.LeaderHint()
	if hint.LeaderAddr != "" {
		w.Header().Set("Location", hint.LeaderAddr)
	}
	writeJSON(w, http.StatusTemporaryRedirect, map[string]any{
		"ok":          false,
		"err_code":    "not_leader",
		"leader_hint": hint,
	})
}

func (s *Server) writeReadError(w http.ResponseWriter, err error) {
	if errors.Is(err, replicatedkv.ErrNotLeader) {
		s.redirectToLeader(w)
		return
	}
	writeError(w, http.StatusServiceUnavailable, "read_failed", err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "err_code": errCode, "err_msg": msg})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
