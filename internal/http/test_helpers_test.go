package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mistakeknot/intercom/internal/coord"
	"github.com/mistakeknot/intercom/internal/storage/sqlite"
	"github.com/mistakeknot/intercom/internal/ws"
)

// testEnv bundles the coordination service, an httptest.Server and a ws.Hub
// for handler tests. The store is wrapped in the resilient layer the server
// uses.
type testEnv struct {
	srv   *httptest.Server
	hub   *ws.Hub
	store *sqlite.ResilientStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := sqlite.NewInMemory()
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	rs := sqlite.NewResilient(st)
	t.Cleanup(func() { rs.Close() })
	hub := ws.NewHub()
	svc := coord.NewService(rs).WithBroadcaster(hub)
	hub.WithActiveChecker(svc)
	srv := httptest.NewServer(NewRouter(NewService(svc), hub.Handler(), RequestLogger(nil)))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, hub: hub, store: rs}
}

func (e *testEnv) register(t *testing.T, project string, names ...string) {
	t.Helper()
	for _, n := range names {
		resp := e.post(t, "/api/agents", map[string]any{"project_key": project, "program": "codex-cli", "model": "gpt-5", "name": n})
		requireStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) delete(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, e.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}
