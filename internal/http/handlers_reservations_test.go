package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestReservationConflictPayload(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "proj-a", "GreenCastle", "BlueLake")

	resp := env.post(t, "/api/reservations", map[string]any{
		"project_key": "proj-a",
		"agent_name":  "GreenCastle",
		"paths":       []string{"internal/http/*.go"},
		"ttl_seconds": 600,
		"reason":      "refactor",
	})
	requireStatus(t, resp, http.StatusCreated)
	granted := decodeJSON[map[string][]map[string]any](t, resp)
	if len(granted["granted"]) != 1 || granted["granted"][0]["exclusive"] != true {
		t.Fatalf("unexpected grant: %v", granted)
	}

	resp = env.post(t, "/api/reservations", map[string]any{
		"project_key": "proj-a",
		"agent_name":  "BlueLake",
		"paths":       []string{"internal/http/router.go", "docs/*.md"},
	})
	requireStatus(t, resp, http.StatusConflict)
	var body struct {
		Error     string `json:"error"`
		Conflicts []struct {
			Pattern string `json:"pattern"`
			Holder  string `json:"holder"`
		} `json:"conflicts"`
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "reservation_conflict" {
		t.Fatalf("expected reservation_conflict, got %q", body.Error)
	}
	if len(body.Conflicts) != 1 || body.Conflicts[0].Holder != "GreenCastle" || body.Conflicts[0].Pattern != "internal/http/router.go" {
		t.Fatalf("unexpected conflicts: %+v", body.Conflicts)
	}

	// all-or-nothing: docs/*.md was not granted either
	resp = env.get(t, "/api/reservations?project=proj-a&agent=BlueLake")
	requireStatus(t, resp, http.StatusOK)
	list := decodeJSON[reservationsResponse](t, resp)
	if len(list.Reservations) != 0 {
		t.Fatalf("partial grant leaked: %+v", list.Reservations)
	}

	shared := false
	resp = env.post(t, "/api/reservations", map[string]any{
		"project_key": "proj-a",
		"agent_name":  "BlueLake",
		"paths":       []string{"docs/*.md"},
		"exclusive":   &shared,
	})
	requireStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
}

func TestReleaseAndRenewOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "proj-a", "GreenCastle")

	resp := env.post(t, "/api/reservations", map[string]any{"project_key": "proj-a", "agent_name": "GreenCastle", "paths": []string{"a/**", "b/**"}})
	requireStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = env.post(t, "/api/reservations/renew", map[string]any{"project_key": "proj-a", "agent_name": "GreenCastle", "extend_seconds": 60})
	requireStatus(t, resp, http.StatusOK)
	renewed := decodeJSON[map[string]any](t, resp)
	if renewed["renewed"].(float64) != 2 {
		t.Fatalf("expected 2 renewed, got %v", renewed)
	}

	resp = env.post(t, "/api/reservations/release", map[string]any{"project_key": "proj-a", "agent_name": "GreenCastle", "paths": []string{"a/**"}})
	requireStatus(t, resp, http.StatusOK)
	released := decodeJSON[map[string]any](t, resp)
	if released["released"].(float64) != 1 {
		t.Fatalf("expected 1 released, got %v", released)
	}

	resp = env.get(t, "/api/reservations?project=proj-a")
	requireStatus(t, resp, http.StatusOK)
	list := decodeJSON[reservationsResponse](t, resp)
	if len(list.Reservations) != 1 || list.Reservations[0].PathPattern != "b/**" {
		t.Fatalf("unexpected remaining reservations: %+v", list.Reservations)
	}
}

func TestReserveByDeregisteredAgent(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "proj-a", "GreenCastle")
	resp := env.delete(t, "/api/agents/GreenCastle?project=proj-a")
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.post(t, "/api/reservations", map[string]any{"project_key": "proj-a", "agent_name": "GreenCastle", "paths": []string{"x"}})
	requireStatus(t, resp, http.StatusConflict)
	body := decodeJSON[map[string]string](t, resp)
	if body["error"] != "deregistered" {
		t.Fatalf("expected deregistered error, got %v", body)
	}
}
