package coord

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/intercom/internal/core"
	"github.com/mistakeknot/intercom/internal/storage"
	"github.com/mistakeknot/intercom/internal/storage/storagetest"
)

type recordingBus struct {
	mu           sync.Mutex
	events       []core.Event
	disconnected []string
}

func (b *recordingBus) Broadcast(project, agent string, event any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev, ok := event.(core.Event); ok {
		b.events = append(b.events, ev)
	}
}

func (b *recordingBus) Disconnect(project, agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnected = append(b.disconnected, project+"/"+agent)
}

func (b *recordingBus) count(typ core.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func newTestService(t *testing.T) (*Service, *recordingBus, *storagetest.Clock) {
	t.Helper()
	clock := storagetest.NewClock()
	st := storage.NewInMemory().WithNow(clock.Now)
	bus := &recordingBus{}
	svc := NewService(st).WithBroadcaster(bus).WithNow(clock.Now)
	return svc, bus, clock
}

// call runs a tool through the JSON dispatch table and decodes the result
// into a generic value, the way a transport would see it.
func call(t *testing.T, svc *Service, name string, args any) (map[string]any, error) {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	res, err := svc.Call(context.Background(), name, raw)
	if err != nil {
		return nil, err
	}
	buf, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(buf, &out); err != nil {
		t.Fatalf("result of %s is not an object: %s", name, buf)
	}
	return out, nil
}

func callList(t *testing.T, svc *Service, name string, args any) []map[string]any {
	t.Helper()
	raw, _ := json.Marshal(args)
	res, err := svc.Call(context.Background(), name, raw)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	buf, _ := json.Marshal(res)
	var out []map[string]any
	if err := json.Unmarshal(buf, &out); err != nil {
		t.Fatalf("result of %s is not a list: %s", name, buf)
	}
	return out
}

func mustCall(t *testing.T, svc *Service, name string, args any) map[string]any {
	t.Helper()
	out, err := call(t, svc, name, args)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return out
}

func requireDeregistered(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected a deregistered error, got nil")
	}
	if !errors.Is(err, core.ErrDeregistered) {
		t.Fatalf("expected ErrDeregistered, got %v", err)
	}
	if !strings.Contains(err.Error(), "deregistered") {
		t.Fatalf("error message %q does not mention deregistered", err)
	}
}

// TestDeregistrationScenario walks the full lifecycle of two agents sharing
// a project addressed by two spellings of its key.
func TestDeregistrationScenario(t *testing.T) {
	svc, bus, _ := newTestService(t)

	mustCall(t, svc, "ensure_project", map[string]any{"human_key": "/backend"})
	mustCall(t, svc, "register_agent", map[string]any{"project_key": "Backend", "program": "codex-cli", "model": "gpt-5", "name": "GreenCastle"})
	mustCall(t, svc, "register_agent", map[string]any{"project_key": "Backend", "program": "claude-code", "model": "opus", "name": "BlueLake"})

	mustCall(t, svc, "request_contact", map[string]any{"project_key": "Backend", "from_agent": "GreenCastle", "to_agent": "BlueLake"})
	mustCall(t, svc, "request_contact", map[string]any{"project_key": "Backend", "from_agent": "BlueLake", "to_agent": "GreenCastle"})
	mustCall(t, svc, "file_reservation_paths", map[string]any{"project_key": "Backend", "agent_name": "GreenCastle", "paths": []string{"src/**"}, "ttl_seconds": 3600})
	mustCall(t, svc, "send_message", map[string]any{"project_key": "Backend", "sender_name": "BlueLake", "to": []string{"GreenCastle"}, "subject": "hi", "body_md": "hello"})

	res := mustCall(t, svc, "deregister_agent", map[string]any{"project_key": "Backend", "agent_name": "GreenCastle", "delete_inbox": true})
	if res["was_registered"] != true || res["already_deregistered"] != false {
		t.Fatalf("unexpected flags: %v", res)
	}
	if res["contact_links_removed"].(float64) < 2 {
		t.Fatalf("expected >= 2 links removed, got %v", res["contact_links_removed"])
	}
	if res["file_reservations_released"].(float64) < 1 {
		t.Fatalf("expected >= 1 reservation released, got %v", res["file_reservations_released"])
	}
	if res["inbox_records_deleted"].(float64) < 1 {
		t.Fatalf("expected >= 1 inbox row deleted, got %v", res["inbox_records_deleted"])
	}
	if _, ok := res["deregistered_ts"]; !ok {
		t.Fatalf("expected deregistered_ts in result: %v", res)
	}

	who := mustCall(t, svc, "whois", map[string]any{"project_key": "/backend", "agent_name": "GreenCastle"})
	if _, ok := who["deregistered_ts"]; !ok {
		t.Fatalf("whois should carry deregistered_ts: %v", who)
	}

	_, err := call(t, svc, "send_message", map[string]any{"project_key": "Backend", "sender_name": "BlueLake", "to": []string{"GreenCastle"}, "subject": "x", "body_md": "x"})
	requireDeregistered(t, err)
	_, err = call(t, svc, "send_message", map[string]any{"project_key": "Backend", "sender_name": "GreenCastle", "to": []string{"BlueLake"}, "subject": "x", "body_md": "x"})
	requireDeregistered(t, err)
	_, err = call(t, svc, "request_contact", map[string]any{"project_key": "Backend", "from_agent": "BlueLake", "to_agent": "GreenCastle"})
	requireDeregistered(t, err)
	_, err = svc.Call(context.Background(), "fetch_inbox", json.RawMessage(`{"project_key":"Backend","agent_name":"GreenCastle"}`))
	requireDeregistered(t, err)

	contacts := callList(t, svc, "list_contacts", map[string]any{"project_key": "Backend", "agent_name": "BlueLake"})
	if len(contacts) != 0 {
		t.Fatalf("BlueLake still lists contacts: %v", contacts)
	}
	agents := callList(t, svc, "list_agents", map[string]any{"project_key": "Backend"})
	if len(agents) != 1 || agents[0]["name"] != "BlueLake" {
		t.Fatalf("expected only BlueLake listed, got %v", agents)
	}

	again := mustCall(t, svc, "deregister_agent", map[string]any{"project_key": "Backend", "agent_name": "GreenCastle"})
	if again["already_deregistered"] != true {
		t.Fatalf("second deregister should report already_deregistered: %v", again)
	}
	for _, k := range []string{"contact_links_removed", "file_reservations_released", "inbox_records_deleted"} {
		if again[k].(float64) != 0 {
			t.Fatalf("second deregister %s = %v, want 0", k, again[k])
		}
	}

	mustCall(t, svc, "register_agent", map[string]any{"project_key": "Backend", "program": "claude-code", "model": "sonnet", "name": "GreenCastle"})
	who = mustCall(t, svc, "whois", map[string]any{"project_key": "Backend", "agent_name": "GreenCastle"})
	if _, ok := who["deregistered_ts"]; ok {
		t.Fatalf("reactivated agent still carries deregistered_ts: %v", who)
	}
	if who["program"] != "claude-code" || who["model"] != "sonnet" {
		t.Fatalf("reactivation did not replace program/model: %v", who)
	}
	inbox := callList(t, svc, "fetch_inbox", map[string]any{"project_key": "Backend", "agent_name": "GreenCastle"})
	if len(inbox) != 0 {
		t.Fatalf("purged inbox came back: %v", inbox)
	}

	if bus.count(core.EventAgentDeregistered) != 1 {
		t.Fatalf("expected one deregistered event, got %d", bus.count(core.EventAgentDeregistered))
	}
	if len(bus.disconnected) != 1 || bus.disconnected[0] != "backend/GreenCastle" {
		t.Fatalf("unexpected disconnects: %v", bus.disconnected)
	}
}

func TestDeregisterUnknownAgent(t *testing.T) {
	svc, bus, _ := newTestService(t)
	res, err := svc.DeregisterAgent(context.Background(), DeregisterAgentArgs{ProjectKey: "backend", AgentName: "Nobody"})
	if err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if res.WasRegistered || res.AlreadyDeregistered || res.DeregisteredTS != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(bus.events) != 0 || len(bus.disconnected) != 0 {
		t.Fatalf("no-op deregister emitted events: %v %v", bus.events, bus.disconnected)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	cases := []RegisterAgentArgs{
		{ProjectKey: "", Program: "p", Model: "m"},
		{ProjectKey: "///", Program: "p", Model: "m"},
		{ProjectKey: "backend", Model: "m"},
		{ProjectKey: "backend", Program: "p"},
		{ProjectKey: "backend", Program: "p", Model: "m", Name: "bad name"},
	}
	for i, c := range cases {
		if _, err := svc.RegisterAgent(ctx, c); !errors.Is(err, core.ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}

	v, err := svc.RegisterAgent(ctx, RegisterAgentArgs{ProjectKey: "backend", Program: "p", Model: "m"})
	if err != nil {
		t.Fatalf("register generated: %v", err)
	}
	if err := core.ValidateName(v.Name); err != nil {
		t.Fatalf("generated name %q invalid: %v", v.Name, err)
	}
	if v.DeregisteredTS != nil {
		t.Fatal("new agent should not carry deregistered_ts")
	}
}

func TestWhoisUnknownIsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Whois(context.Background(), AgentArgs{ProjectKey: "backend", AgentName: "Ghost"})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIsActive(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.RegisterAgent(ctx, RegisterAgentArgs{ProjectKey: "backend", Program: "p", Model: "m", Name: "GreenCastle"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if ok, err := svc.IsActive(ctx, "Backend", "GreenCastle"); err != nil || !ok {
		t.Fatalf("expected active, got %v %v", ok, err)
	}
	if ok, err := svc.IsActive(ctx, "backend", "Ghost"); err != nil || ok {
		t.Fatalf("unknown agent: got %v %v", ok, err)
	}
	if _, err := svc.DeregisterAgent(ctx, DeregisterAgentArgs{ProjectKey: "backend", AgentName: "GreenCastle"}); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if ok, _ := svc.IsActive(ctx, "backend", "GreenCastle"); ok {
		t.Fatal("deregistered agent reported active")
	}
}

func TestSelfContactRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.RequestContact(context.Background(), RequestContactArgs{ProjectKey: "backend", FromAgent: "A", ToAgent: "A"})
	if !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestReservePathsDefaults(t *testing.T) {
	svc, bus, clock := newTestService(t)
	svc.WithDefaultTTL(10 * time.Minute)
	ctx := context.Background()
	for _, n := range []string{"GreenCastle", "BlueLake"} {
		if _, err := svc.RegisterAgent(ctx, RegisterAgentArgs{ProjectKey: "backend", Program: "p", Model: "m", Name: n}); err != nil {
			t.Fatalf("register %s: %v", n, err)
		}
	}

	got, err := svc.ReservePaths(ctx, ReservePathsArgs{ProjectKey: "backend", AgentName: "GreenCastle", Paths: []string{"internal/**/*.go"}})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(got.Granted) != 1 || !got.Granted[0].Exclusive {
		t.Fatalf("expected one exclusive grant, got %+v", got)
	}
	wantExpiry := formatTime(clock.Now().Add(10 * time.Minute))
	if got.Granted[0].ExpiresTS != wantExpiry {
		t.Fatalf("expires_ts = %s, want %s", got.Granted[0].ExpiresTS, wantExpiry)
	}
	if bus.count(core.EventReservationCreated) != 1 {
		t.Fatal("expected a reservation.created event")
	}

	_, err = svc.ReservePaths(ctx, ReservePathsArgs{ProjectKey: "backend", AgentName: "BlueLake", Paths: []string{"internal/storage/sqlite.go"}})
	var ce *core.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(ce.Conflicts) != 1 || ce.Conflicts[0].Holder != "GreenCastle" {
		t.Fatalf("unexpected conflicts: %+v", ce.Conflicts)
	}

	clock.Advance(11 * time.Minute)
	if _, err := svc.ReservePaths(ctx, ReservePathsArgs{ProjectKey: "backend", AgentName: "BlueLake", Paths: []string{"internal/storage/sqlite.go"}}); err != nil {
		t.Fatalf("reserve after expiry: %v", err)
	}

	if _, err := svc.ReservePaths(ctx, ReservePathsArgs{ProjectKey: "backend", AgentName: "BlueLake"}); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("empty paths: expected ErrInvalidInput, got %v", err)
	}
}

func TestReleaseAndRenew(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	if _, err := svc.RegisterAgent(ctx, RegisterAgentArgs{ProjectKey: "backend", Program: "p", Model: "m", Name: "GreenCastle"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.ReservePaths(ctx, ReservePathsArgs{ProjectKey: "backend", AgentName: "GreenCastle", Paths: []string{"a/**", "b/**"}, TTLSeconds: 60}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	renewed, err := svc.RenewReservations(ctx, RenewPathsArgs{ProjectKey: "backend", AgentName: "GreenCastle", ExtendSeconds: 120, Paths: []string{"a/**"}})
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed.Renewed != 1 {
		t.Fatalf("expected 1 renewed, got %d", renewed.Renewed)
	}
	want := formatTime(clock.Now().Add(180 * time.Second))
	if renewed.Reservations[0].ExpiresTS != want {
		t.Fatalf("renewed expiry %s, want %s", renewed.Reservations[0].ExpiresTS, want)
	}

	rel, err := svc.ReleaseReservations(ctx, ReleasePathsArgs{ProjectKey: "backend", AgentName: "GreenCastle"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if rel.Released != 2 {
		t.Fatalf("expected 2 released, got %d", rel.Released)
	}
	list, err := svc.ListReservations(ctx, ListReservationsArgs{ProjectKey: "backend"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no active reservations, got %+v", list)
	}
}

func TestSendMessageValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for _, n := range []string{"GreenCastle", "BlueLake"} {
		if _, err := svc.RegisterAgent(ctx, RegisterAgentArgs{ProjectKey: "backend", Program: "p", Model: "m", Name: n}); err != nil {
			t.Fatalf("register %s: %v", n, err)
		}
	}
	if _, err := svc.SendMessage(ctx, SendMessageArgs{ProjectKey: "backend", SenderName: "BlueLake", Subject: "s"}); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("no recipients: expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.SendMessage(ctx, SendMessageArgs{ProjectKey: "backend", SenderName: "BlueLake", To: []string{"GreenCastle"}, Importance: "extreme"}); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("bad importance: expected ErrInvalidInput, got %v", err)
	}
	_, err := svc.SendMessage(ctx, SendMessageArgs{ProjectKey: "backend", SenderName: "BlueLake", To: []string{"GreenCastle", "Ghost"}, Subject: "s"})
	requireDeregistered(t, err)
	inbox, err := svc.FetchInbox(ctx, FetchInboxArgs{ProjectKey: "backend", AgentName: "GreenCastle"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(inbox) != 0 {
		t.Fatalf("rejected send was partially delivered: %+v", inbox)
	}
}

func TestInboxCursorAndMarks(t *testing.T) {
	svc, bus, _ := newTestService(t)
	ctx := context.Background()
	for _, n := range []string{"GreenCastle", "BlueLake"} {
		if _, err := svc.RegisterAgent(ctx, RegisterAgentArgs{ProjectKey: "backend", Program: "p", Model: "m", Name: n}); err != nil {
			t.Fatalf("register %s: %v", n, err)
		}
	}
	var ids []string
	for _, subj := range []string{"one", "two", "three"} {
		sent, err := svc.SendMessage(ctx, SendMessageArgs{ProjectKey: "backend", SenderName: "BlueLake", To: []string{"GreenCastle", "GreenCastle"}, Subject: subj, AckRequired: true})
		if err != nil {
			t.Fatalf("send %s: %v", subj, err)
		}
		if len(sent.Recipients) != 1 {
			t.Fatalf("duplicate recipient not collapsed: %v", sent.Recipients)
		}
		ids = append(ids, sent.ID)
	}
	if bus.count(core.EventMessageCreated) != 3 {
		t.Fatalf("expected 3 message.created events, got %d", bus.count(core.EventMessageCreated))
	}

	first, err := svc.FetchInbox(ctx, FetchInboxArgs{ProjectKey: "backend", AgentName: "GreenCastle", Limit: 2})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(first) != 2 || first[0].Subject != "one" || first[1].Subject != "two" {
		t.Fatalf("unexpected first page: %+v", first)
	}
	rest, err := svc.FetchInbox(ctx, FetchInboxArgs{ProjectKey: "backend", AgentName: "GreenCastle", SinceCursor: first[1].Cursor})
	if err != nil {
		t.Fatalf("fetch rest: %v", err)
	}
	if len(rest) != 1 || rest[0].Subject != "three" {
		t.Fatalf("unexpected second page: %+v", rest)
	}

	if _, err := svc.Acknowledge(ctx, MessageActionArgs{ProjectKey: "backend", AgentName: "GreenCastle", MessageID: ids[0]}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := svc.MarkRead(ctx, MessageActionArgs{ProjectKey: "backend", AgentName: "BlueLake", MessageID: ids[0]}); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("sender marking its own message: expected ErrNotFound, got %v", err)
	}
	after, err := svc.FetchInbox(ctx, FetchInboxArgs{ProjectKey: "backend", AgentName: "GreenCastle", Limit: 1})
	if err != nil {
		t.Fatalf("fetch after ack: %v", err)
	}
	if after[0].AckTS == nil || after[0].ReadTS == nil {
		t.Fatalf("ack should stamp both read_ts and ack_ts: %+v", after[0])
	}
	if _, err := svc.MarkRead(ctx, MessageActionArgs{ProjectKey: "backend", AgentName: "GreenCastle"}); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("missing id: expected ErrInvalidInput, got %v", err)
	}
}

func TestCallUnknownToolAndBadArgs(t *testing.T) {
	svc, _, _ := newTestService(t)
	var unknown *ErrUnknownTool
	if _, err := svc.Call(context.Background(), "drop_tables", nil); !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	if _, err := svc.Call(context.Background(), "whois", json.RawMessage(`{"project_key": 7}`)); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad args, got %v", err)
	}
}

func TestToolsListed(t *testing.T) {
	want := []string{
		"register_agent", "deregister_agent", "whois", "list_agents",
		"request_contact", "list_contacts", "file_reservation_paths",
		"release_file_reservations", "renew_file_reservations", "list_reservations",
		"send_message", "fetch_inbox", "mark_message_read", "acknowledge_message",
	}
	have := make(map[string]bool)
	for i, tool := range Tools() {
		have[tool.Name] = true
		if i > 0 && Tools()[i-1].Name >= tool.Name {
			t.Fatalf("tools not sorted at %d", i)
		}
	}
	for _, name := range want {
		if !have[name] {
			t.Fatalf("tool %s missing", name)
		}
	}
}
