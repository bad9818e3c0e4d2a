package embedded

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/mistakeknot/intercom/internal/coord"
)

func TestEmbeddedServer(t *testing.T) {
	srv, err := New(Config{DBPath: filepath.Join(t.TempDir(), "embedded.db")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	if _, err := srv.Service().RegisterAgent(context.Background(), coord.RegisterAgentArgs{
		ProjectKey: "backend", Program: "p", Model: "m", Name: "GreenCastle",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, err := http.Get(srv.URL() + "/api/agents/GreenCastle?project=backend")
	if err != nil {
		t.Fatalf("whois: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("whois status %d", resp.StatusCode)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
