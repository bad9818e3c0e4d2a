package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/intercom/internal/core"
)

type recordingBus struct {
	mu     sync.Mutex
	events []core.Event
}

func (b *recordingBus) Broadcast(project, agent string, event any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev, ok := event.(core.Event); ok {
		b.events = append(b.events, ev)
	}
}

func TestSweeperRemovesExpiredPastGrace(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st := NewInMemory().WithNow(clock)
	ctx := context.Background()
	if _, _, err := st.RegisterAgent(ctx, core.Agent{Project: "p", Name: "GreenCastle"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: "p", Agent: "GreenCastle", Patterns: []string{"a.py"}, TTL: time.Minute, Exclusive: true}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := st.Reserve(ctx, core.ReserveRequest{Project: "p", Agent: "GreenCastle", Patterns: []string{"b.py"}, TTL: time.Hour, Exclusive: true}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	bus := &recordingBus{}
	sw := NewSweeper(st, bus, time.Minute, 5*time.Minute, nil)
	sw.now = func() time.Time { return now }

	now = now.Add(3 * time.Minute)
	if n := sw.SweepOnce(ctx); n != 0 {
		t.Fatalf("swept %d rows inside the grace period", n)
	}
	now = now.Add(5 * time.Minute)
	if n := sw.SweepOnce(ctx); n != 1 {
		t.Fatalf("expected 1 row swept, got %d", n)
	}
	if len(bus.events) != 1 || bus.events[0].Type != core.EventReservationExpired {
		t.Fatalf("unexpected events %+v", bus.events)
	}
	if bus.events[0].Data["path_pattern"] != "a.py" {
		t.Fatalf("wrong reservation reported: %+v", bus.events[0])
	}
}

func TestSweeperStartStop(t *testing.T) {
	sw := NewSweeper(NewInMemory(), nil, 10*time.Millisecond, 0, nil)
	sw.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	sw.Stop()
	sw.Stop()
}
