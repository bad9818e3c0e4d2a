package core

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLifecycleStates(t *testing.T) {
	if !Active().IsActive() {
		t.Fatal("Active() should be active")
	}
	if _, ok := Active().DeregisteredTime(); ok {
		t.Fatal("active lifecycle should have no deregistration time")
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := DeregisteredAt(at)
	if l.IsActive() {
		t.Fatal("deregistered lifecycle reported active")
	}
	got, ok := l.DeregisteredTime()
	if !ok || !got.Equal(at) {
		t.Fatalf("DeregisteredTime = %v, %v; want %v, true", got, ok, at)
	}
	if l.State.String() != "deregistered" || Active().State.String() != "active" {
		t.Fatalf("unexpected state strings %q/%q", l.State, Active().State)
	}
}

func TestRequireActive(t *testing.T) {
	a := Agent{Project: "Backend", Name: "GreenCastle", Lifecycle: Active()}
	if err := a.RequireActive(RoleSender); err != nil {
		t.Fatalf("active agent rejected: %v", err)
	}
	a.Lifecycle = DeregisteredAt(time.Now())
	err := a.RequireActive(RoleSender)
	if err == nil {
		t.Fatal("expected error for deregistered agent")
	}
	if !errors.Is(err, ErrDeregistered) {
		t.Fatalf("expected ErrDeregistered, got %v", err)
	}
	var dpe *DeregisteredPartyError
	if !errors.As(err, &dpe) || dpe.Role != RoleSender || dpe.Agent != "GreenCastle" {
		t.Fatalf("unexpected error detail: %+v", err)
	}
}

func TestDeregisteredPartyErrorMessage(t *testing.T) {
	for _, known := range []bool{true, false} {
		err := &DeregisteredPartyError{Project: "p", Agent: "BlueLake", Role: RoleRecipient, Known: known}
		msg := strings.ToLower(err.Error())
		if !strings.Contains(msg, "deregistered") {
			t.Fatalf("known=%v: message %q lacks 'deregistered'", known, msg)
		}
		if !strings.Contains(msg, "bluelake") {
			t.Fatalf("known=%v: message %q lacks agent name", known, msg)
		}
	}
}

func TestReservationActive(t *testing.T) {
	now := time.Now()
	r := Reservation{ExpiresAt: now.Add(time.Minute)}
	if !r.Active(now) {
		t.Fatal("future expiry should be active")
	}
	r.ExpiresAt = now
	if r.Active(now) {
		t.Fatal("expires_ts <= now must count as released")
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"GreenCastle", true},
		{"agent_1-b", true},
		{"", false},
		{"has space", false},
		{"slash/name", false},
		{strings.Repeat("a", MaxNameLength+1), false},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateName(%q) err = %v, want ok=%v", tt.name, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidInput) {
			t.Errorf("ValidateName(%q) should wrap ErrInvalidInput", tt.name)
		}
	}
}

func TestUniqueNames(t *testing.T) {
	got := UniqueNames([]string{" b ", "a", "b", "", "a", "c"})
	want := []string{"b", "a", "c"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("UniqueNames = %v, want %v", got, want)
	}
}

func TestConflictErrorMessage(t *testing.T) {
	err := &ConflictError{Conflicts: []ConflictDetail{
		{Pattern: "src/*", Holder: "BlueLake"},
		{Pattern: "src/a.go", Holder: "BlueLake"},
		{Pattern: "src/b.go", Holder: "RedStone"},
	}}
	msg := err.Error()
	if !strings.Contains(msg, "3 overlapping") || !strings.Contains(msg, "BlueLake, RedStone") {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestProjectSlug(t *testing.T) {
	tests := map[string]string{
		"Backend":              "backend",
		"/backend":             "backend",
		" /data/Projects/API ": "data-projects-api",
		"my_app--v2":           "my-app-v2",
		"///":                  "",
	}
	for in, want := range tests {
		if got := ProjectSlug(in); got != want {
			t.Errorf("ProjectSlug(%q) = %q, want %q", in, got, want)
		}
	}
	if err := ValidateProject("///"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid project, got %v", err)
	}
}
