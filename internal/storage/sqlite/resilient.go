package sqlite

import (
	"context"
	"time"

	"github.com/mistakeknot/intercom/internal/core"
)

// ResilientStore wraps every method of *Store with CircuitBreaker + RetryOnDBLock
// to ride out transient SQLite errors (database-is-locked, connection failures).
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
}

// NewResilient creates a ResilientStore with default circuit breaker settings
// (threshold=5, resetTimeout=30s).
func NewResilient(inner *Store) *ResilientStore {
	return &ResilientStore{inner: inner, cb: NewCircuitBreaker(5, 30*time.Second).WithLogger(inner.logger)}
}

// NewResilientWithBreaker creates a ResilientStore with a custom circuit breaker.
func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb}
}

// CircuitBreakerState returns the current state of the circuit breaker as a string.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

// Ping checks the underlying connection without going through the breaker.
func (r *ResilientStore) Ping(ctx context.Context) error {
	return r.inner.Ping(ctx)
}

func call[T any](ctx context.Context, r *ResilientStore, fn func() (T, error)) (T, error) {
	var result T
	err := r.cb.Execute(func() error {
		return RetryOnDBLock(ctx, func() error {
			var innerErr error
			result, innerErr = fn()
			return innerErr
		})
	})
	return result, err
}

func (r *ResilientStore) RegisterAgent(ctx context.Context, agent core.Agent) (core.Agent, core.RegisterOutcome, error) {
	var outcome core.RegisterOutcome
	a, err := call(ctx, r, func() (core.Agent, error) {
		var (
			out      core.Agent
			innerErr error
		)
		out, outcome, innerErr = r.inner.RegisterAgent(ctx, agent)
		return out, innerErr
	})
	return a, outcome, err
}

func (r *ResilientStore) DeregisterAgent(ctx context.Context, project, name string, deleteInbox bool) (core.DeregisterResult, error) {
	return call(ctx, r, func() (core.DeregisterResult, error) {
		return r.inner.DeregisterAgent(ctx, project, name, deleteInbox)
	})
}

func (r *ResilientStore) GetAgent(ctx context.Context, project, name string) (core.Agent, error) {
	return call(ctx, r, func() (core.Agent, error) {
		return r.inner.GetAgent(ctx, project, name)
	})
}

func (r *ResilientStore) ListAgents(ctx context.Context, project string) ([]core.Agent, error) {
	return call(ctx, r, func() ([]core.Agent, error) {
		return r.inner.ListAgents(ctx, project)
	})
}

func (r *ResilientStore) RequestContact(ctx context.Context, project, from, to, reason string) (core.ContactLink, bool, error) {
	var created bool
	link, err := call(ctx, r, func() (core.ContactLink, error) {
		var (
			out      core.ContactLink
			innerErr error
		)
		out, created, innerErr = r.inner.RequestContact(ctx, project, from, to, reason)
		return out, innerErr
	})
	return link, created, err
}

func (r *ResilientStore) ListContacts(ctx context.Context, project, agent string) ([]core.ContactLink, error) {
	return call(ctx, r, func() ([]core.ContactLink, error) {
		return r.inner.ListContacts(ctx, project, agent)
	})
}

func (r *ResilientStore) Reserve(ctx context.Context, req core.ReserveRequest) ([]core.Reservation, error) {
	return call(ctx, r, func() ([]core.Reservation, error) {
		return r.inner.Reserve(ctx, req)
	})
}

func (r *ResilientStore) ReleaseReservations(ctx context.Context, project, agent string, patterns []string) (int, error) {
	return call(ctx, r, func() (int, error) {
		return r.inner.ReleaseReservations(ctx, project, agent, patterns)
	})
}

func (r *ResilientStore) ReleaseAllForAgent(ctx context.Context, project, agent string) (int, error) {
	return call(ctx, r, func() (int, error) {
		return r.inner.ReleaseAllForAgent(ctx, project, agent)
	})
}

func (r *ResilientStore) RenewReservations(ctx context.Context, project, agent string, extend time.Duration, patterns []string) ([]core.Reservation, error) {
	return call(ctx, r, func() ([]core.Reservation, error) {
		return r.inner.RenewReservations(ctx, project, agent, extend, patterns)
	})
}

func (r *ResilientStore) ListReservations(ctx context.Context, project, agent string) ([]core.Reservation, error) {
	return call(ctx, r, func() ([]core.Reservation, error) {
		return r.inner.ListReservations(ctx, project, agent)
	})
}

func (r *ResilientStore) SweepExpired(ctx context.Context, before time.Time) ([]core.Reservation, error) {
	return call(ctx, r, func() ([]core.Reservation, error) {
		return r.inner.SweepExpired(ctx, before)
	})
}

func (r *ResilientStore) SendMessage(ctx context.Context, msg core.Message) (core.Message, error) {
	return call(ctx, r, func() (core.Message, error) {
		return r.inner.SendMessage(ctx, msg)
	})
}

func (r *ResilientStore) FetchInbox(ctx context.Context, project, agent string, sinceCursor uint64, limit int) ([]core.InboxEntry, error) {
	return call(ctx, r, func() ([]core.InboxEntry, error) {
		return r.inner.FetchInbox(ctx, project, agent, sinceCursor, limit)
	})
}

func (r *ResilientStore) MarkRead(ctx context.Context, project, agent, messageID string) (time.Time, error) {
	return call(ctx, r, func() (time.Time, error) {
		return r.inner.MarkRead(ctx, project, agent, messageID)
	})
}

func (r *ResilientStore) MarkAck(ctx context.Context, project, agent, messageID string) (time.Time, error) {
	return call(ctx, r, func() (time.Time, error) {
		return r.inner.MarkAck(ctx, project, agent, messageID)
	})
}

func (r *ResilientStore) Close() error {
	return r.inner.Close()
}
