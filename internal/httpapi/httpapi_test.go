package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/martsec/patterns-of-distributed-systems/internal/kvsm"
	"github.com/martsec/patterns-of-distributed-systems/internal/replicatedkv"
	"github.com/martsec/patterns-of-distributed-systems/internal/types"
)

type fakeNode struct {
	sm     *kvsm.KVStateMachine
	leader bool
	hint   types.LeaderHint
	commit uint64
}

func (f *fakeNode) Propose(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	if !f.leader {
		return types.ApplyResult{}, replicatedkv.ErrNotLeader
	}
	f.commit++
	return f.sm.Apply(cmd), nil
}

func (f *fakeNode) IsLeader() bool               { return f.leader }
func (f *fakeNode) LeaderHint() types.LeaderHint { return f.hint }
func (f *fakeNode) Status() types.NodeStatus {
	return types.NodeStatus{ID: "n1", Role: "leader", CommitIndex: f.commit}
}
func (f *fakeNode) CommittedIndex() uint64 { return f.commit }

func (f *fakeNode) WaitApplied(ctx context.Context, idx uint64) error { return nil }

func newTestServer(t *testing.T, leader bool, hint types.LeaderHint) (*httptest.Server, *kvsm.KVStateMachine) {
	t.Helper()
	sm := kvsm.New()
	node := &fakeNode{sm: sm, leader: leader, hint: hint}
	rkv := replicatedkv.New(node, sm, replicatedkv.Config{ReadPolicy: types.ReadPolicyStale})
	srv := httptest.NewServer(New(rkv).Handler())
	t.Cleanup(srv.Close)
	return srv, sm
}

// noRedirectClient keeps the 307 visible instead of following it.
func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := noRedirectClient().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestPutThenGet(t *testing.T) {
	srv, _ := newTestServer(t, true, types.LeaderHint{})

	resp := doJSON(t, http.MethodPut, srv.URL+"/kv/greeting", map[string]any{"value": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, decodeBody(t, resp)["ok"])

	resp = doJSON(t, http.MethodGet, srv.URL+"/kv/greeting", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", decodeBody(t, resp)["value"])
}

func TestGetMissingKey(t *testing.T) {
	srv, _ := newTestServer(t, true, types.LeaderHint{})
	resp := doJSON(t, http.MethodGet, srv.URL+"/kv/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "not_found", decodeBody(t, resp)["err_code"])
}

func TestDeleteKey(t *testing.T) {
	srv, sm := newTestServer(t, true, types.LeaderHint{})
	sm.Apply(types.Command{Op: types.OpPut, Key: "k", Value: "v"})

	resp := doJSON(t, http.MethodDelete, srv.URL+"/kv/k", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), decodeBody(t, resp)["deleted"])

	resp = doJSON(t, http.MethodGet, srv.URL+"/kv/k", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestListWithPrefixAndLimit(t *testing.T) {
	srv, sm := newTestServer(t, true, types.LeaderHint{})
	for _, kv := range []types.Entry{
		{Key: "app/a", Value: "1"},
		{Key: "app/b", Value: "2"},
		{Key: "app/c", Value: "3"},
		{Key: "other", Value: "4"},
	} {
		sm.Apply(types.Command{Op: types.OpPut, Key: kv.Key, Value: kv.Value})
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/kv?prefix=app/&limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	entries := body["entries"].([]any)
	require.Len(t, entries, 2)
	require.Equal(t, "app/a", entries[0].(map[string]any)["key"])
	require.Equal(t, "app/b", entries[1].(map[string]any)["key"])
}

func TestCASConflict(t *testing.T) {
	srv, sm := newTestServer(t, true, types.LeaderHint{})
	sm.Apply(types.Command{Op: types.OpPut, Key: "k", Value: "actual"})

	resp := doJSON(t, http.MethodPost, srv.URL+"/kv/cas", map[string]any{
		"key": "k", "expected": "wrong", "value": "new",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "cas_failed", decodeBody(t, resp)["err_code"])

	resp = doJSON(t, http.MethodPost, srv.URL+"/kv/cas", map[string]any{
		"key": "k", "expected": "actual", "value": "new",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	v, _ := sm.Get("k")
	require.Equal(t, "new", v)
}

func TestBatchEndpoints(t *testing.T) {
	srv, sm := newTestServer(t, true, types.LeaderHint{})

	resp := doJSON(t, http.MethodPost, srv.URL+"/kv/mput", map[string]any{
		"entries": []types.Entry{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.Equal(t, 2, sm.Len())

	resp = doJSON(t, http.MethodPost, srv.URL+"/kv/mget", map[string]any{
		"keys": []string{"a", "b", "missing"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	values := decodeBody(t, resp)["values"].(map[string]any)
	require.Equal(t, map[string]any{"a": "1", "b": "2"}, values)

	resp = doJSON(t, http.MethodPost, srv.URL+"/kv/mdelete", map[string]any{
		"keys": []string{"a", "b"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(2), decodeBody(t, resp)["deleted"])
	require.Equal(t, 0, sm.Len())
}

func TestWriteOnFollowerRedirects(t *testing.T) {
	hint := types.LeaderHint{LeaderID: "n2", LeaderAddr: "http://leader:8080"}
	srv, _ := newTestServer(t, false, hint)

	resp := doJSON(t, http.MethodPut, srv.URL+"/kv/k", map[string]any{"value": "v"})
	require.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	require.Equal(t, "http://leader:8080", resp.Header.Get("Location"))

	body := decodeBody(t, resp)
	require.Equal(t, "not_leader", body["err_code"])
	require.Equal(t, "n2", body["leader_hint"].(map[string]any)["leader_id"])
}

func TestStatusAndHealth(t *testing.T) {
	srv, _ := newTestServer(t, true, types.LeaderHint{})

	resp := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, srv.URL+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "leader", decodeBody(t, resp)["role"])
}

func TestInvalidLimitRejected(t *testing.T) {
	srv, _ := newTestServer(t, true, types.LeaderHint{})
	resp := doJSON(t, http.MethodGet, srv.URL+"/kv?limit=banana", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
