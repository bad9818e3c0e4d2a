package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/mistakeknot/intercom/internal/core"
)

// Broadcaster is the interface for emitting events to WebSocket clients.
type Broadcaster interface {
	Broadcast(project, agent string, event any)
}

// Sweeper periodically deletes reservations that expired more than grace
// ago. Expiry is already enforced lazily by every read; the sweeper only
// reclaims rows and tells listeners.
type Sweeper struct {
	store    Store
	bus      Broadcaster
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a new Sweeper. Call Start() to begin sweeping.
func NewSweeper(store Store, bus Broadcaster, interval, grace time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		bus:      bus,
		interval: interval,
		grace:    grace,
		logger:   logger.With("component", "sweeper"),
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(sw.done)

		sw.SweepOnce(ctx)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.SweepOnce(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel == nil {
		return
	}
	sw.cancel()
	<-sw.done
}

// SweepOnce runs a single sweep and returns the number of rows removed.
func (sw *Sweeper) SweepOnce(ctx context.Context) int {
	cutoff := sw.now().UTC().Add(-sw.grace)
	deleted, err := sw.store.SweepExpired(ctx, cutoff)
	if err != nil {
		sw.logger.Error("sweep failed", "error", err)
		return 0
	}
	if len(deleted) == 0 {
		return 0
	}

	sw.logger.Info("swept expired reservations", "count", len(deleted), "cutoff", cutoff)

	if sw.bus != nil {
		for _, r := range deleted {
			sw.bus.Broadcast(r.Project, r.Agent, core.Event{
				Type:    core.EventReservationExpired,
				Project: r.Project,
				Agent:   r.Agent,
				Data: map[string]any{
					"reservation_id": r.ID,
					"path_pattern":   r.PathPattern,
					"expires_ts":     r.ExpiresAt,
				},
				CreatedAt: sw.now().UTC(),
			})
		}
	}
	return len(deleted)
}
