package internal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/intercom/internal/config"
	"github.com/mistakeknot/intercom/internal/server"
)

func callTool(t *testing.T, base, name string, args any) (int, map[string]any) {
	t.Helper()
	buf, _ := json.Marshal(args)
	resp, err := http.Post(base+"/api/tools/"+name, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", name, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", name, err)
	}
	return resp.StatusCode, out
}

func TestSmokeToolFlowOverFullApp(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "smoke.db")
	app, err := server.NewApp(cfg, nil)
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	t.Cleanup(func() { app.Close() })
	srv := httptest.NewServer(app.Handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, name := range []string{"GreenCastle", "BlueLake"} {
		status, _ := callTool(t, srv.URL, "register_agent", map[string]any{
			"project_key": "/data/backend", "program": "p", "model": "m", "name": name,
		})
		if status != http.StatusOK {
			t.Fatalf("register %s: %d", name, status)
		}
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agents/BlueLake?project=/data/backend"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	for app.Hub.Subscribers("/data/backend", "BlueLake") == 0 {
		if ctx.Err() != nil {
			t.Fatal("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	status, _ := callTool(t, srv.URL, "file_reservation_paths", map[string]any{
		"project_key": "/data/backend", "agent_name": "GreenCastle", "paths": []string{"src/**"},
	})
	if status != http.StatusOK {
		t.Fatalf("reserve: %d", status)
	}
	status, body := callTool(t, srv.URL, "file_reservation_paths", map[string]any{
		"project_key": "/data/backend", "agent_name": "BlueLake", "paths": []string{"src/main.go"},
	})
	if status != http.StatusConflict || body["error"] != "reservation_conflict" {
		t.Fatalf("expected conflict, got %d %v", status, body)
	}

	status, _ = callTool(t, srv.URL, "send_message", map[string]any{
		"project_key": "/data/backend", "sender_name": "GreenCastle", "to": []string{"BlueLake"},
		"subject": "handoff", "body_md": "src is yours after I leave",
	})
	if status != http.StatusOK {
		t.Fatalf("send: %d", status)
	}
	var evt map[string]any
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	if evt["type"] != "message.created" {
		t.Fatalf("unexpected event: %v", evt)
	}

	status, body = callTool(t, srv.URL, "deregister_agent", map[string]any{
		"project_key": "/data/backend", "agent_name": "GreenCastle",
	})
	result, _ := body["result"].(map[string]any)
	if status != http.StatusOK || result["file_reservations_released"] != float64(1) {
		t.Fatalf("deregister: %d %v", status, body)
	}

	status, _ = callTool(t, srv.URL, "file_reservation_paths", map[string]any{
		"project_key": "/data/backend", "agent_name": "BlueLake", "paths": []string{"src/main.go"},
	})
	if status != http.StatusOK {
		t.Fatalf("reserve after cascade: %d", status)
	}
	status, body = callTool(t, srv.URL, "send_message", map[string]any{
		"project_key": "/data/backend", "sender_name": "BlueLake", "to": []string{"GreenCastle"},
		"subject": "thanks", "body_md": "got it",
	})
	if status != http.StatusConflict || body["error"] != "deregistered" {
		t.Fatalf("expected deregistered recipient refusal, got %d %v", status, body)
	}
}
