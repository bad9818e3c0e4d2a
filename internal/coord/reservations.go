package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/mistakeknot/intercom/internal/core"
)

// ReservePaths leases every path pattern for the agent or none of them.
// exclusive defaults to true; ttl_seconds <= 0 uses the service default.
func (s *Service) ReservePaths(ctx context.Context, args ReservePathsArgs) (ReserveView, error) {
	project, name, err := projectAgent(args.ProjectKey, args.AgentName)
	if err != nil {
		return ReserveView{}, err
	}
	if len(args.Paths) == 0 {
		return ReserveView{}, core.Invalid("at least one path required")
	}
	ttl := s.defaultTTL
	if args.TTLSeconds > 0 {
		ttl = time.Duration(args.TTLSeconds) * time.Second
	}
	exclusive := true
	if args.Exclusive != nil {
		exclusive = *args.Exclusive
	}

	granted, err := s.store.Reserve(ctx, core.ReserveRequest{
		Project:   project,
		Agent:     name,
		Patterns:  args.Paths,
		TTL:       ttl,
		Exclusive: exclusive,
		Reason:    args.Reason,
	})
	if err != nil {
		return ReserveView{}, fmt.Errorf("reserve paths: %w", err)
	}
	for _, r := range granted {
		s.emit(project, name, core.EventReservationCreated, map[string]any{
			"reservation_id": r.ID,
			"path_pattern":   r.PathPattern,
			"exclusive":      r.Exclusive,
			"expires_ts":     formatTime(r.ExpiresAt),
		})
	}
	return ReserveView{Granted: reservationViews(granted)}, nil
}

// ReleaseReservations drops the agent's active leases on the given patterns,
// or all of them when paths is empty.
func (s *Service) ReleaseReservations(ctx context.Context, args ReleasePathsArgs) (ReleaseView, error) {
	project, name, err := projectAgent(args.ProjectKey, args.AgentName)
	if err != nil {
		return ReleaseView{}, err
	}
	n, err := s.store.ReleaseReservations(ctx, project, name, args.Paths)
	if err != nil {
		return ReleaseView{}, fmt.Errorf("release reservations: %w", err)
	}
	if n > 0 {
		s.emit(project, name, core.EventReservationReleased, map[string]any{
			"released": n,
			"paths":    args.Paths,
		})
	}
	return ReleaseView{Released: n, ReleasedTS: formatTime(s.now())}, nil
}

// RenewReservations pushes expiry out by extend_seconds (default 30m).
func (s *Service) RenewReservations(ctx context.Context, args RenewPathsArgs) (RenewView, error) {
	project, name, err := projectAgent(args.ProjectKey, args.AgentName)
	if err != nil {
		return RenewView{}, err
	}
	extend := defaultRenewal
	if args.ExtendSeconds > 0 {
		extend = time.Duration(args.ExtendSeconds) * time.Second
	}
	renewed, err := s.store.RenewReservations(ctx, project, name, extend, args.Paths)
	if err != nil {
		return RenewView{}, fmt.Errorf("renew reservations: %w", err)
	}
	return RenewView{Renewed: len(renewed), Reservations: reservationViews(renewed)}, nil
}

// ListReservations returns active leases in the project, optionally for one
// agent.
func (s *Service) ListReservations(ctx context.Context, args ListReservationsArgs) ([]ReservationView, error) {
	project, err := projectKey(args.ProjectKey)
	if err != nil {
		return nil, err
	}
	if args.AgentName != "" {
		if err := core.ValidateName(args.AgentName); err != nil {
			return nil, err
		}
	}
	rs, err := s.store.ListReservations(ctx, project, args.AgentName)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return reservationViews(rs), nil
}
