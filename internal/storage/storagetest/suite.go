// Package storagetest holds the behavioral suite every storage.Store
// implementation runs in its own tests.
package storagetest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/intercom/internal/core"
	"github.com/mistakeknot/intercom/internal/storage"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory builds a fresh, empty store that reads time from clock.
type Factory func(t *testing.T, clock *Clock) storage.Store

const project = "/data/projects/backend"

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, st storage.Store, clock *Clock)
	}{
		{"RegisterCreatesAndUpdates", testRegisterCreatesAndUpdates},
		{"RegisterGeneratesName", testRegisterGeneratesName},
		{"DeregisterUnknownIsNoop", testDeregisterUnknownIsNoop},
		{"DeregisterTwiceIsIdempotent", testDeregisterTwiceIsIdempotent},
		{"ReactivationClearsFlag", testReactivationClearsFlag},
		{"CascadeRemovesEverything", testCascadeRemovesEverything},
		{"CascadeKeepsInboxByDefault", testCascadeKeepsInboxByDefault},
		{"ListAgentsOmitsDeregistered", testListAgentsOmitsDeregistered},
		{"ContactGating", testContactGating},
		{"ContactRequestIdempotent", testContactRequestIdempotent},
		{"ReserveConflicts", testReserveConflicts},
		{"ReserveSharedAndRefresh", testReserveSharedAndRefresh},
		{"ReserveExpiryIsLazy", testReserveExpiryIsLazy},
		{"ReserveGating", testReserveGating},
		{"ReleaseAndRenew", testReleaseAndRenew},
		{"SweepExpired", testSweepExpired},
		{"SendGating", testSendGating},
		{"FetchInbox", testFetchInbox},
		{"InboxPurgeThenFetch", testInboxPurgeThenFetch},
		{"MarkReadAndAck", testMarkReadAndAck},
		{"ProjectsAreIsolated", testProjectsAreIsolated},
		{"MutationsTouchAgent", testMutationsTouchAgent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := NewClock()
			st := newStore(t, clock)
			t.Cleanup(func() { _ = st.Close() })
			tt.fn(t, st, clock)
		})
	}
}

func register(t *testing.T, st storage.Store, name string) core.Agent {
	t.Helper()
	a, _, err := st.RegisterAgent(context.Background(), core.Agent{
		Project: project,
		Name:    name,
		Program: "claude-code",
		Model:   "opus",
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return a
}

func deregister(t *testing.T, st storage.Store, name string, deleteInbox bool) core.DeregisterResult {
	t.Helper()
	res, err := st.DeregisterAgent(context.Background(), project, name, deleteInbox)
	if err != nil {
		t.Fatalf("deregister %s: %v", name, err)
	}
	return res
}

func send(t *testing.T, st storage.Store, from string, to ...string) core.Message {
	t.Helper()
	msg, err := st.SendMessage(context.Background(), core.Message{
		Project: project,
		From:    from,
		To:      to,
		Subject: "hello",
		Body:    "body",
	})
	if err != nil {
		t.Fatalf("send %s -> %v: %v", from, to, err)
	}
	return msg
}

func requireDeregistered(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected deregistered error, got nil")
	}
	if !errors.Is(err, core.ErrDeregistered) {
		t.Fatalf("expected ErrDeregistered, got %v", err)
	}
	if !strings.Contains(strings.ToLower(err.Error()), "deregistered") {
		t.Fatalf("error %q does not mention deregistration", err)
	}
}

func testRegisterCreatesAndUpdates(t *testing.T, st storage.Store, clock *Clock) {
	ctx := context.Background()
	a, outcome, err := st.RegisterAgent(ctx, core.Agent{
		Project:  project,
		Name:     "GreenCastle",
		Program:  "claude-code",
		Model:    "opus",
		Metadata: map[string]string{"role": "backend"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if outcome != core.RegisterCreated {
		t.Fatalf("expected created, got %s", outcome)
	}
	if !a.Lifecycle.IsActive() || !a.RegisteredAt.Equal(clock.Now()) {
		t.Fatalf("unexpected agent %+v", a)
	}

	clock.Advance(time.Minute)
	b, outcome, err := st.RegisterAgent(ctx, core.Agent{Project: project, Name: "GreenCastle", Program: "codex", Model: "gpt-5"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if outcome != core.RegisterUpdated {
		t.Fatalf("expected updated, got %s", outcome)
	}
	if b.Program != "codex" || b.Model != "gpt-5" {
		t.Fatalf("program/model not overwritten: %+v", b)
	}
	if !b.RegisteredAt.Equal(a.RegisteredAt) {
		t.Fatalf("registered_at changed: %v -> %v", a.RegisteredAt, b.RegisteredAt)
	}

	got, err := st.GetAgent(ctx, project, "GreenCastle")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Program != "codex" || len(got.Metadata) != 0 {
		t.Fatalf("stored agent not updated: %+v", got)
	}

	if _, err := st.GetAgent(ctx, project, "Nobody"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testRegisterGeneratesName(t *testing.T, st storage.Store, _ *Clock) {
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		a := register(t, st, "")
		if a.Name == "" {
			t.Fatal("expected generated name")
		}
		if err := core.ValidateName(a.Name); err != nil {
			t.Fatalf("generated invalid name %q: %v", a.Name, err)
		}
		if seen[a.Name] {
			t.Fatalf("generated duplicate name %q", a.Name)
		}
		seen[a.Name] = true
	}
}

func testDeregisterUnknownIsNoop(t *testing.T, st storage.Store, _ *Clock) {
	res := deregister(t, st, "Ghost", true)
	if res != (core.DeregisterResult{}) {
		t.Fatalf("expected zero result, got %+v", res)
	}
	if _, err := st.GetAgent(context.Background(), project, "Ghost"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("unknown deregister created a row: %v", err)
	}
}

func testDeregisterTwiceIsIdempotent(t *testing.T, st storage.Store, clock *Clock) {
	register(t, st, "GreenCastle")
	register(t, st, "BlueLake")
	if _, _, err := st.RequestContact(context.Background(), project, "GreenCastle", "BlueLake", ""); err != nil {
		t.Fatalf("contact: %v", err)
	}

	first := deregister(t, st, "GreenCastle", false)
	if !first.WasRegistered || first.AlreadyDeregistered || first.ContactLinksRemoved != 1 {
		t.Fatalf("unexpected first result %+v", first)
	}
	a, _ := st.GetAgent(context.Background(), project, "GreenCastle")
	at, ok := a.Lifecycle.DeregisteredTime()
	if !ok {
		t.Fatal("expected deregistered lifecycle")
	}

	clock.Advance(time.Hour)
	second := deregister(t, st, "GreenCastle", true)
	want := core.DeregisterResult{WasRegistered: true, AlreadyDeregistered: true}
	if second != want {
		t.Fatalf("second deregister = %+v, want %+v", second, want)
	}
	a, _ = st.GetAgent(context.Background(), project, "GreenCastle")
	again, _ := a.Lifecycle.DeregisteredTime()
	if !again.Equal(at) {
		t.Fatalf("deregistered_ts moved from %v to %v", at, again)
	}
}

func testReactivationClearsFlag(t *testing.T, st storage.Store, clock *Clock) {
	ctx := context.Background()
	register(t, st, "GreenCastle")
	register(t, st, "BlueLake")
	if _, _, err := st.RequestContact(ctx, project, "GreenCastle", "BlueLake", ""); err != nil {
		t.Fatalf("contact: %v", err)
	}
	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "GreenCastle", Patterns: []string{"src/**"}, TTL: time.Hour, Exclusive: true}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	deregister(t, st, "GreenCastle", false)

	clock.Advance(time.Minute)
	a, outcome, err := st.RegisterAgent(ctx, core.Agent{Project: project, Name: "GreenCastle", Program: "codex", Model: "gpt-5"})
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if outcome != core.RegisterReactivated {
		t.Fatalf("expected reactivated, got %s", outcome)
	}
	if !a.Lifecycle.IsActive() {
		t.Fatal("reactivated agent still deregistered")
	}
	if _, ok := a.Lifecycle.DeregisteredTime(); ok {
		t.Fatal("deregistered time survived reactivation")
	}
	if a.Program != "codex" || a.Model != "gpt-5" {
		t.Fatalf("program/model not replaced: %+v", a)
	}

	links, err := st.ListContacts(ctx, project, "GreenCastle")
	if err != nil || len(links) != 0 {
		t.Fatalf("links resurrected: %v %v", links, err)
	}
	res, err := st.ListReservations(ctx, project, "GreenCastle")
	if err != nil || len(res) != 0 {
		t.Fatalf("reservations resurrected: %v %v", res, err)
	}
}

func testCascadeRemovesEverything(t *testing.T, st storage.Store, clock *Clock) {
	ctx := context.Background()
	for _, n := range []string{"GreenCastle", "BlueLake", "RedStone"} {
		register(t, st, n)
	}
	for _, pair := range [][2]string{{"GreenCastle", "BlueLake"}, {"BlueLake", "GreenCastle"}, {"RedStone", "GreenCastle"}, {"BlueLake", "RedStone"}} {
		if _, _, err := st.RequestContact(ctx, project, pair[0], pair[1], ""); err != nil {
			t.Fatalf("contact %v: %v", pair, err)
		}
	}
	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "GreenCastle", Patterns: []string{"old/*.py"}, TTL: time.Minute, Exclusive: true}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "GreenCastle", Patterns: []string{"src/app.py", "src/db.py"}, TTL: time.Hour, Exclusive: true}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	send(t, st, "BlueLake", "GreenCastle")
	send(t, st, "RedStone", "GreenCastle", "BlueLake")

	res := deregister(t, st, "GreenCastle", true)
	want := core.DeregisterResult{WasRegistered: true, ContactLinksRemoved: 3, FileReservationsReleased: 2, InboxRecordsDeleted: 2}
	if res != want {
		t.Fatalf("cascade = %+v, want %+v", res, want)
	}

	for _, n := range []string{"BlueLake", "RedStone"} {
		links, err := st.ListContacts(ctx, project, n)
		if err != nil {
			t.Fatalf("list contacts: %v", err)
		}
		for _, l := range links {
			if l.To == "GreenCastle" {
				t.Fatalf("link %s -> GreenCastle survived", n)
			}
		}
	}
	links, _ := st.ListContacts(ctx, project, "BlueLake")
	if len(links) != 1 || links[0].To != "RedStone" {
		t.Fatalf("unrelated link removed: %+v", links)
	}
	all, err := st.ListReservations(ctx, project, "")
	if err != nil || len(all) != 0 {
		t.Fatalf("reservations survived: %+v %v", all, err)
	}
	swept, err := st.SweepExpired(ctx, clock.Now().Add(24*time.Hour))
	if err != nil || len(swept) != 0 {
		t.Fatalf("expired reservation rows survived cascade: %+v %v", swept, err)
	}

	// BlueLake still sees its copy of the shared message.
	inbox, err := st.FetchInbox(ctx, project, "BlueLake", 0, 0)
	if err != nil || len(inbox) != 1 {
		t.Fatalf("BlueLake inbox = %+v, %v", inbox, err)
	}
}

func testCascadeKeepsInboxByDefault(t *testing.T, st storage.Store, _ *Clock) {
	ctx := context.Background()
	register(t, st, "GreenCastle")
	register(t, st, "BlueLake")
	send(t, st, "BlueLake", "GreenCastle")
	res := deregister(t, st, "GreenCastle", false)
	if res.InboxRecordsDeleted != 0 {
		t.Fatalf("inbox deleted without delete_inbox: %+v", res)
	}
	register(t, st, "GreenCastle")
	inbox, err := st.FetchInbox(ctx, project, "GreenCastle", 0, 0)
	if err != nil || len(inbox) != 1 {
		t.Fatalf("kept inbox = %+v, %v", inbox, err)
	}
}

func testListAgentsOmitsDeregistered(t *testing.T, st storage.Store, _ *Clock) {
	register(t, st, "GreenCastle")
	register(t, st, "BlueLake")
	deregister(t, st, "GreenCastle", false)
	agents, err := st.ListAgents(context.Background(), project)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 1 || agents[0].Name != "BlueLake" {
		t.Fatalf("unexpected directory %+v", agents)
	}
	// whois still answers for the deregistered agent.
	a, err := st.GetAgent(context.Background(), project, "GreenCastle")
	if err != nil || a.Lifecycle.IsActive() {
		t.Fatalf("whois deregistered = %+v, %v", a, err)
	}
}

func testContactGating(t *testing.T, st storage.Store, _ *Clock) {
	ctx := context.Background()
	register(t, st, "GreenCastle")
	register(t, st, "BlueLake")

	_, _, err := st.RequestContact(ctx, project, "GreenCastle", "Ghost", "")
	requireDeregistered(t, err)
	var dpe *core.DeregisteredPartyError
	if !errors.As(err, &dpe) || dpe.Agent != "Ghost" || dpe.Known {
		t.Fatalf("expected unknown target in error, got %v", err)
	}

	deregister(t, st, "BlueLake", false)
	_, _, err = st.RequestContact(ctx, project, "GreenCastle", "BlueLake", "")
	requireDeregistered(t, err)
	_, _, err = st.RequestContact(ctx, project, "BlueLake", "GreenCastle", "")
	requireDeregistered(t, err)
	if !errors.As(err, &dpe) || dpe.Agent != "BlueLake" || dpe.Role != core.RoleContactFrom {
		t.Fatalf("error should name the requester: %v", err)
	}

	_, _, err = st.RequestContact(ctx, project, "GreenCastle", "GreenCastle", "")
	if !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("self link: expected ErrInvalidInput, got %v", err)
	}
}

func testContactRequestIdempotent(t *testing.T, st storage.Store, clock *Clock) {
	ctx := context.Background()
	for _, n := range []string{"GreenCastle", "BlueLake", "RedStone"} {
		register(t, st, n)
	}
	first, created, err := st.RequestContact(ctx, project, "GreenCastle", "RedStone", "review")
	if err != nil || !created {
		t.Fatalf("first request: created=%v err=%v", created, err)
	}
	clock.Advance(time.Second)
	if _, _, err := st.RequestContact(ctx, project, "GreenCastle", "BlueLake", ""); err != nil {
		t.Fatalf("second link: %v", err)
	}
	again, created, err := st.RequestContact(ctx, project, "GreenCastle", "RedStone", "other")
	if err != nil || created {
		t.Fatalf("repeat request: created=%v err=%v", created, err)
	}
	if !again.CreatedAt.Equal(first.CreatedAt) || again.Reason != "review" {
		t.Fatalf("repeat returned %+v, want existing %+v", again, first)
	}
	links, err := st.ListContacts(ctx, project, "GreenCastle")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(links) != 2 || links[0].To != "RedStone" || links[1].To != "BlueLake" {
		t.Fatalf("links not in insertion order: %+v", links)
	}
}

func testReserveConflicts(t *testing.T, st storage.Store, _ *Clock) {
	ctx := context.Background()
	register(t, st, "GreenCastle")
	register(t, st, "BlueLake")
	held, err := st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "GreenCastle", Patterns: []string{"src/**", "docs/guide.md"}, TTL: time.Hour, Exclusive: true})
	if err != nil || len(held) != 2 {
		t.Fatalf("reserve: %+v %v", held, err)
	}

	_, err = st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "BlueLake", Patterns: []string{"tests/a.py", "src/app.py", "docs/*.md"}, TTL: time.Hour})
	var ce *core.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(ce.Conflicts) != 2 {
		t.Fatalf("expected 2 conflicts, got %+v", ce.Conflicts)
	}
	for _, c := range ce.Conflicts {
		if c.Holder != "GreenCastle" {
			t.Fatalf("unexpected holder %+v", c)
		}
	}
	mine, _ := st.ListReservations(ctx, project, "BlueLake")
	if len(mine) != 0 {
		t.Fatalf("rejected call left reservations behind: %+v", mine)
	}

	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "BlueLake", Patterns: []string{"tests/a.py"}, TTL: time.Hour, Exclusive: true}); err != nil {
		t.Fatalf("disjoint reserve: %v", err)
	}

	_, err = st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "BlueLake", Patterns: []string{"src/[bad"}})
	if !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("bad pattern: expected ErrInvalidInput, got %v", err)
	}
}

func testReserveSharedAndRefresh(t *testing.T, st storage.Store, clock *Clock) {
	ctx := context.Background()
	register(t, st, "GreenCastle")
	register(t, st, "BlueLake")
	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "GreenCastle", Patterns: []string{"README.md"}, TTL: time.Hour}); err != nil {
		t.Fatalf("shared reserve: %v", err)
	}
	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "BlueLake", Patterns: []string{"README.md"}, TTL: time.Hour}); err != nil {
		t.Fatalf("second shared reserve: %v", err)
	}
	_, err := st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "BlueLake", Patterns: []string{"*.md"}, TTL: time.Hour, Exclusive: true})
	var ce *core.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("exclusive over shared: expected conflict, got %v", err)
	}

	first, err := st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "GreenCastle", Patterns: []string{"src/app.py"}, TTL: time.Minute, Exclusive: true})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clock.Advance(30 * time.Second)
	second, err := st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "GreenCastle", Patterns: []string{"./src/app.py"}, TTL: 0, Exclusive: true, Reason: "refresh"})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second[0].ID != first[0].ID {
		t.Fatalf("refresh created a new reservation: %s != %s", second[0].ID, first[0].ID)
	}
	if !second[0].ExpiresAt.Equal(clock.Now().Add(storage.DefaultReservationTTL)) {
		t.Fatalf("ttl<=0 should use default: expires %v", second[0].ExpiresAt)
	}
	list, _ := st.ListReservations(ctx, project, "GreenCastle")
	if len(list) != 2 {
		t.Fatalf("expected 2 reservations, got %+v", list)
	}
}

func testReserveExpiryIsLazy(t *testing.T, st storage.Store, clock *Clock) {
	ctx := context.Background()
	register(t, st, "GreenCastle")
	register(t, st, "BlueLake")
	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "GreenCastle", Patterns: []string{"src/**"}, TTL: time.Minute, Exclusive: true}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clock.Advance(time.Minute)
	list, err := st.ListReservations(ctx, project, "")
	if err != nil || len(list) != 0 {
		t.Fatalf("expired reservation listed: %+v %v", list, err)
	}
	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "BlueLake", Patterns: []string{"src/app.py"}, TTL: time.Minute, Exclusive: true}); err != nil {
		t.Fatalf("expired lease still conflicts: %v", err)
	}
	n, err := st.ReleaseAllForAgent(ctx, project, "GreenCastle")
	if err != nil || n != 0 {
		t.Fatalf("expired lease counted as released: %d %v", n, err)
	}
}

func testReserveGating(t *testing.T, st storage.Store, _ *Clock) {
	ctx := context.Background()
	register(t, st, "GreenCastle")
	deregister(t, st, "GreenCastle", false)
	_, err := st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "GreenCastle", Patterns: []string{"a.py"}})
	requireDeregistered(t, err)
	_, err = st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "Ghost", Patterns: []string{"a.py"}})
	requireDeregistered(t, err)
}

func testReleaseAndRenew(t *testing.T, st storage.Store, clock *Clock) {
	ctx := context.Background()
	register(t, st, "GreenCastle")
	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "GreenCastle", Patterns: []string{"a.py", "b.py", "c.py"}, TTL: time.Minute, Exclusive: true}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	renewed, err := st.RenewReservations(ctx, project, "GreenCastle", time.Hour, []string{"a.py"})
	if err != nil || len(renewed) != 1 {
		t.Fatalf("renew: %+v %v", renewed, err)
	}
	if !renewed[0].ExpiresAt.Equal(clock.Now().Add(time.Minute + time.Hour)) {
		t.Fatalf("renew did not extend: %v", renewed[0].ExpiresAt)
	}
	n, err := st.ReleaseReservations(ctx, project, "GreenCastle", []string{"b.py"})
	if err != nil || n != 1 {
		t.Fatalf("release one: %d %v", n, err)
	}
	clock.Advance(2 * time.Minute)
	list, _ := st.ListReservations(ctx, project, "GreenCastle")
	if len(list) != 1 || list[0].PathPattern != "a.py" {
		t.Fatalf("unexpected remaining reservations %+v", list)
	}
	n, err = st.ReleaseReservations(ctx, project, "GreenCastle", nil)
	if err != nil || n != 1 {
		t.Fatalf("release all: %d %v", n, err)
	}
	if _, err := st.RenewReservations(ctx, project, "GreenCastle", 0, nil); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("zero extension: expected ErrInvalidInput, got %v", err)
	}
}

func testSweepExpired(t *testing.T, st storage.Store, clock *Clock) {
	ctx := context.Background()
	register(t, st, "GreenCastle")
	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "GreenCastle", Patterns: []string{"a.py"}, TTL: time.Minute, Exclusive: true}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "GreenCastle", Patterns: []string{"b.py"}, TTL: time.Hour, Exclusive: true}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clock.Advance(10 * time.Minute)
	swept, err := st.SweepExpired(ctx, clock.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(swept) != 1 || swept[0].PathPattern != "a.py" {
		t.Fatalf("unexpected sweep result %+v", swept)
	}
	swept, _ = st.SweepExpired(ctx, clock.Now())
	if len(swept) != 0 {
		t.Fatalf("second sweep should be empty, got %+v", swept)
	}
	list, _ := st.ListReservations(ctx, project, "")
	if len(list) != 1 {
		t.Fatalf("active reservation swept: %+v", list)
	}
}

func testSendGating(t *testing.T, st storage.Store, _ *Clock) {
	ctx := context.Background()
	for _, n := range []string{"GreenCastle", "BlueLake", "RedStone"} {
		register(t, st, n)
	}
	deregister(t, st, "BlueLake", false)

	_, err := st.SendMessage(ctx, core.Message{Project: project, From: "GreenCastle", To: []string{"RedStone", "BlueLake"}, Body: "x"})
	requireDeregistered(t, err)
	var dpe *core.DeregisteredPartyError
	if !errors.As(err, &dpe) || dpe.Role != core.RoleRecipient || dpe.Agent != "BlueLake" {
		t.Fatalf("error should name the recipient: %v", err)
	}
	inbox, _ := st.FetchInbox(ctx, project, "RedStone", 0, 0)
	if len(inbox) != 0 {
		t.Fatalf("partial delivery after rejected send: %+v", inbox)
	}

	_, err = st.SendMessage(ctx, core.Message{Project: project, From: "BlueLake", To: []string{"RedStone"}, Body: "x"})
	requireDeregistered(t, err)
	if !errors.As(err, &dpe) || dpe.Role != core.RoleSender {
		t.Fatalf("error should name the sender: %v", err)
	}

	_, err = st.SendMessage(ctx, core.Message{Project: project, From: "GreenCastle", To: []string{"Ghost"}, Body: "x"})
	requireDeregistered(t, err)

	_, err = st.SendMessage(ctx, core.Message{Project: project, From: "GreenCastle", Body: "x"})
	if !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("no recipients: expected ErrInvalidInput, got %v", err)
	}
}

func testFetchInbox(t *testing.T, st storage.Store, _ *Clock) {
	ctx := context.Background()
	register(t, st, "GreenCastle")
	register(t, st, "BlueLake")

	if _, err := st.FetchInbox(ctx, project, "Ghost", 0, 0); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("unknown inbox: expected ErrNotFound, got %v", err)
	}

	first := send(t, st, "GreenCastle", "BlueLake", "BlueLake", " BlueLake ")
	if len(first.To) != 1 {
		t.Fatalf("recipients not de-duplicated: %v", first.To)
	}
	second := send(t, st, "GreenCastle", "BlueLake")
	third := send(t, st, "GreenCastle", "BlueLake")
	if !(first.Cursor < second.Cursor && second.Cursor < third.Cursor) {
		t.Fatalf("cursors not increasing: %d %d %d", first.Cursor, second.Cursor, third.Cursor)
	}

	all, err := st.FetchInbox(ctx, project, "BlueLake", 0, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("fetch all: %+v %v", all, err)
	}
	if all[0].Message.ID != first.ID || all[2].Message.ID != third.ID {
		t.Fatalf("inbox not in cursor order: %+v", all)
	}
	if all[0].Message.Subject != "hello" || all[0].Message.From != "GreenCastle" {
		t.Fatalf("message fields lost: %+v", all[0].Message)
	}
	since, err := st.FetchInbox(ctx, project, "BlueLake", first.Cursor, 1)
	if err != nil || len(since) != 1 || since[0].Message.ID != second.ID {
		t.Fatalf("fetch since/limit: %+v %v", since, err)
	}
	own, err := st.FetchInbox(ctx, project, "GreenCastle", 0, 0)
	if err != nil || len(own) != 0 {
		t.Fatalf("sender inbox should be empty: %+v %v", own, err)
	}
}

func testInboxPurgeThenFetch(t *testing.T, st storage.Store, _ *Clock) {
	ctx := context.Background()
	register(t, st, "GreenCastle")
	register(t, st, "BlueLake")
	send(t, st, "BlueLake", "GreenCastle")
	deregister(t, st, "GreenCastle", true)
	_, err := st.FetchInbox(ctx, project, "GreenCastle", 0, 0)
	requireDeregistered(t, err)
}

func testMarkReadAndAck(t *testing.T, st storage.Store, clock *Clock) {
	ctx := context.Background()
	register(t, st, "GreenCastle")
	register(t, st, "BlueLake")
	msg := send(t, st, "GreenCastle", "BlueLake")

	if _, err := st.MarkRead(ctx, project, "GreenCastle", msg.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("sender mark read: expected ErrNotFound, got %v", err)
	}
	readAt, err := st.MarkRead(ctx, project, "BlueLake", msg.ID)
	if err != nil || !readAt.Equal(clock.Now()) {
		t.Fatalf("mark read: %v %v", readAt, err)
	}
	clock.Advance(time.Minute)
	again, _ := st.MarkRead(ctx, project, "BlueLake", msg.ID)
	if !again.Equal(readAt) {
		t.Fatalf("read_at changed on repeat: %v -> %v", readAt, again)
	}
	ackAt, err := st.MarkAck(ctx, project, "BlueLake", msg.ID)
	if err != nil || !ackAt.Equal(clock.Now()) {
		t.Fatalf("ack: %v %v", ackAt, err)
	}
	inbox, _ := st.FetchInbox(ctx, project, "BlueLake", 0, 0)
	if len(inbox) != 1 || inbox[0].ReadAt == nil || inbox[0].AckAt == nil {
		t.Fatalf("read/ack not reflected in inbox: %+v", inbox)
	}

	deregister(t, st, "BlueLake", false)
	_, err = st.MarkAck(ctx, project, "BlueLake", msg.ID)
	requireDeregistered(t, err)
}

func testProjectsAreIsolated(t *testing.T, st storage.Store, _ *Clock) {
	ctx := context.Background()
	register(t, st, "GreenCastle")
	if _, _, err := st.RegisterAgent(ctx, core.Agent{Project: "/other", Name: "GreenCastle", Program: "p", Model: "m"}); err != nil {
		t.Fatalf("register other project: %v", err)
	}
	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: "/other", Agent: "GreenCastle", Patterns: []string{"src/**"}, TTL: time.Hour, Exclusive: true}); err != nil {
		t.Fatalf("reserve other: %v", err)
	}
	register(t, st, "BlueLake")
	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: project, Agent: "BlueLake", Patterns: []string{"src/app.py"}, TTL: time.Hour, Exclusive: true}); err != nil {
		t.Fatalf("reservation leaked across projects: %v", err)
	}
	deregister(t, st, "GreenCastle", false)
	other, err := st.GetAgent(ctx, "/other", "GreenCastle")
	if err != nil || !other.Lifecycle.IsActive() {
		t.Fatalf("deregister leaked across projects: %+v %v", other, err)
	}
	agents, _ := st.ListAgents(ctx, "/empty")
	if len(agents) != 0 {
		t.Fatalf("unknown project should list nothing: %+v", agents)
	}
}

func testMutationsTouchAgent(t *testing.T, st storage.Store, clock *Clock) {
	ctx := context.Background()
	a := register(t, st, "GreenCastle")
	register(t, st, "BlueLake")
	clock.Advance(time.Minute)
	send(t, st, "GreenCastle", "BlueLake")
	got, _ := st.GetAgent(ctx, project, "GreenCastle")
	if !got.LastActiveAt.After(a.LastActiveAt) || !got.LastActiveAt.Equal(clock.Now()) {
		t.Fatalf("send did not touch sender: %v -> %v", a.LastActiveAt, got.LastActiveAt)
	}
}
