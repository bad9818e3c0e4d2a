package httpapi

import (
	"net/http"
	"strings"
	"testing"
)

func TestRegisterAndWhois(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/agents", map[string]any{"project_key": "/backend", "program": "codex-cli", "model": "gpt-5", "name": "GreenCastle"})
	requireStatus(t, resp, http.StatusOK)
	agent := decodeJSON[map[string]any](t, resp)
	if agent["name"] != "GreenCastle" || agent["project"] != "backend" {
		t.Fatalf("unexpected register result: %v", agent)
	}

	resp = env.get(t, "/api/agents/GreenCastle?project=Backend")
	requireStatus(t, resp, http.StatusOK)
	who := decodeJSON[map[string]any](t, resp)
	if _, ok := who["deregistered_ts"]; ok {
		t.Fatalf("active agent carries deregistered_ts: %v", who)
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	for _, body := range []map[string]any{
		{"project_key": "backend", "model": "m"},
		{"project_key": "", "program": "p", "model": "m"},
		{"project_key": "backend", "program": "p", "model": "m", "name": "has space"},
	} {
		resp := env.post(t, "/api/agents", body)
		requireStatus(t, resp, http.StatusBadRequest)
		resp.Body.Close()
	}
	resp, err := http.Post(env.srv.URL+"/api/agents", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestWhoisUnknown(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get(t, "/api/agents/Ghost?project=backend")
	requireStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestListAgentsProjectFilter(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "proj-a", "agent-a", "agent-c")
	env.register(t, "proj-b", "agent-b")

	resp := env.get(t, "/api/agents?project=proj-a")
	requireStatus(t, resp, http.StatusOK)
	result := decodeJSON[listAgentsResponse](t, resp)
	if len(result.Agents) != 2 || result.Agents[0].Name != "agent-a" || result.Agents[1].Name != "agent-c" {
		t.Fatalf("unexpected agents: %+v", result.Agents)
	}
}

func TestDeregisterCascadeOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "backend", "GreenCastle", "BlueLake")

	resp := env.post(t, "/api/agents/BlueLake/contacts", map[string]any{"project": "backend", "to": "GreenCastle"})
	requireStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
	resp = env.post(t, "/api/agents/BlueLake/contacts", map[string]any{"project": "backend", "to": "GreenCastle"})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	resp = env.post(t, "/api/agents/GreenCastle/contacts", map[string]any{"project": "backend", "to": "BlueLake"})
	requireStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
	resp = env.post(t, "/api/reservations", map[string]any{"project_key": "backend", "agent_name": "GreenCastle", "paths": []string{"src/**"}})
	requireStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = env.delete(t, "/api/agents/GreenCastle?project=backend&delete_inbox=true")
	requireStatus(t, resp, http.StatusOK)
	res := decodeJSON[map[string]any](t, resp)
	if res["was_registered"] != true || res["already_deregistered"] != false {
		t.Fatalf("unexpected flags: %v", res)
	}
	if res["contact_links_removed"].(float64) != 2 || res["file_reservations_released"].(float64) != 1 {
		t.Fatalf("unexpected counts: %v", res)
	}

	resp = env.get(t, "/api/agents/BlueLake/contacts?project=backend")
	requireStatus(t, resp, http.StatusOK)
	contacts := decodeJSON[listContactsResponse](t, resp)
	if len(contacts.Contacts) != 0 {
		t.Fatalf("dangling contacts after cascade: %+v", contacts.Contacts)
	}

	resp = env.post(t, "/api/agents/BlueLake/contacts", map[string]any{"project": "backend", "to": "GreenCastle"})
	requireStatus(t, resp, http.StatusConflict)
	body := decodeJSON[map[string]string](t, resp)
	if !strings.Contains(body["message"], "deregistered") {
		t.Fatalf("gating message %q does not mention deregistered", body["message"])
	}

	resp = env.delete(t, "/api/agents/GreenCastle?project=backend")
	requireStatus(t, resp, http.StatusOK)
	again := decodeJSON[map[string]any](t, resp)
	if again["already_deregistered"] != true || again["contact_links_removed"].(float64) != 0 {
		t.Fatalf("second deregister not idempotent: %v", again)
	}

	resp = env.delete(t, "/api/agents/Nobody?project=backend")
	requireStatus(t, resp, http.StatusOK)
	none := decodeJSON[map[string]any](t, resp)
	if none["was_registered"] != false {
		t.Fatalf("unknown deregister: %v", none)
	}

	resp = env.delete(t, "/api/agents/GreenCastle?project=backend&delete_inbox=maybe")
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get(t, "/healthz")
	requireStatus(t, resp, http.StatusOK)
	body := decodeJSON[map[string]string](t, resp)
	if body["status"] != "ok" || body["circuit_breaker"] != "closed" {
		t.Fatalf("unexpected health: %v", body)
	}
}
