package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/intercom/internal/core"
	"github.com/mistakeknot/intercom/internal/storage"
)

const reservationColumns = `id, project, agent, path_pattern, exclusive, reason, created_at, expires_at`

func scanReservation(row rowScanner) (core.Reservation, error) {
	var (
		r                    core.Reservation
		exclusive            int
		createdAt, expiresAt string
	)
	if err := row.Scan(&r.ID, &r.Project, &r.Agent, &r.PathPattern, &exclusive, &r.Reason, &createdAt, &expiresAt); err != nil {
		return core.Reservation{}, err
	}
	r.Exclusive = exclusive != 0
	r.CreatedAt = parseTS(createdAt)
	r.ExpiresAt = parseTS(expiresAt)
	return r, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryReservations(ctx context.Context, q queryer, query string, args ...any) ([]core.Reservation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()

	var out []core.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *Store) Reserve(ctx context.Context, req core.ReserveRequest) ([]core.Reservation, error) {
	patterns, compiled, err := storage.CompilePatterns(req.Patterns)
	if err != nil {
		return nil, err
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = storage.DefaultReservationTTL
	}

	var out []core.Reservation
	err = s.withTx(ctx, "reserve", func(tx *sql.Tx) error {
		out = nil
		if err := requireActive(ctx, tx, req.Project, req.Agent, core.RoleReservationBy); err != nil {
			return err
		}
		now := s.clock()
		nowTS := formatTS(now)

		others, err := queryReservations(ctx, tx,
			`SELECT `+reservationColumns+` FROM file_reservations
			 WHERE project = ? AND agent != ? AND expires_at > ? ORDER BY seq`,
			req.Project, req.Agent, nowTS)
		if err != nil {
			return err
		}
		var conflicts []core.ConflictDetail
		for i, pat := range compiled {
			for _, held := range others {
				conflict, err := storage.Conflicts(pat, req.Exclusive, held)
				if err != nil {
					return err
				}
				if conflict {
					conflicts = append(conflicts, storage.ConflictFor(patterns[i], held))
				}
			}
		}
		if len(conflicts) > 0 {
			return &core.ConflictError{Conflicts: conflicts}
		}

		expiresTS := formatTS(now.Add(ttl))
		for _, pattern := range patterns {
			result, err := tx.ExecContext(ctx,
				`UPDATE file_reservations SET expires_at = ?, exclusive = ?, reason = ?
				 WHERE project = ? AND agent = ? AND path_pattern = ? AND expires_at > ?`,
				expiresTS, boolToInt(req.Exclusive), req.Reason, req.Project, req.Agent, pattern, nowTS)
			if err != nil {
				return fmt.Errorf("refresh reservation: %w", err)
			}
			if n, _ := result.RowsAffected(); n == 0 {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO file_reservations (id, project, agent, path_pattern, exclusive, reason, created_at, expires_at)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
					uuid.NewString(), req.Project, req.Agent, pattern, boolToInt(req.Exclusive), req.Reason, nowTS, expiresTS,
				); err != nil {
					return fmt.Errorf("insert reservation: %w", err)
				}
			}
			rs, err := queryReservations(ctx, tx,
				`SELECT `+reservationColumns+` FROM file_reservations
				 WHERE project = ? AND agent = ? AND path_pattern = ? AND expires_at > ? ORDER BY seq LIMIT 1`,
				req.Project, req.Agent, pattern, nowTS)
			if err != nil {
				return err
			}
			out = append(out, rs...)
		}
		return touch(ctx, tx, req.Project, req.Agent, nowTS)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ReleaseReservations(ctx context.Context, project, agent string, patterns []string) (int, error) {
	var released int
	err := s.withTx(ctx, "release reservations", func(tx *sql.Tx) error {
		if err := requireActive(ctx, tx, project, agent, core.RoleReservationBy); err != nil {
			return err
		}
		now := s.clock()
		var err error
		if len(patterns) == 0 {
			released, err = releaseAll(ctx, tx, project, agent, now)
		} else {
			released, err = releasePatterns(ctx, tx, project, agent, storage.NormalizedSet(patterns), now)
		}
		if err != nil {
			return err
		}
		return touch(ctx, tx, project, agent, formatTS(now))
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

func (s *Store) ReleaseAllForAgent(ctx context.Context, project, agent string) (int, error) {
	var released int
	err := s.withTx(ctx, "release all reservations", func(tx *sql.Tx) error {
		var err error
		released, err = releaseAll(ctx, tx, project, agent, s.clock())
		return err
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// releaseAll deletes every reservation row the agent owns and returns how
// many were still active; expired rows were already released.
func releaseAll(ctx context.Context, tx *sql.Tx, project, agent string, now time.Time) (int, error) {
	var active int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_reservations WHERE project = ? AND agent = ? AND expires_at > ?`,
		project, agent, formatTS(now)).Scan(&active); err != nil {
		return 0, fmt.Errorf("count reservations: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM file_reservations WHERE project = ? AND agent = ?`, project, agent); err != nil {
		return 0, fmt.Errorf("delete reservations: %w", err)
	}
	return active, nil
}

func releasePatterns(ctx context.Context, tx *sql.Tx, project, agent string, want map[string]bool, now time.Time) (int, error) {
	nowTS := formatTS(now)
	released := 0
	for pattern := range want {
		var active int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM file_reservations WHERE project = ? AND agent = ? AND path_pattern = ? AND expires_at > ?`,
			project, agent, pattern, nowTS).Scan(&active); err != nil {
			return 0, fmt.Errorf("count reservations: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM file_reservations WHERE project = ? AND agent = ? AND path_pattern = ?`,
			project, agent, pattern); err != nil {
			return 0, fmt.Errorf("delete reservation: %w", err)
		}
		released += active
	}
	return released, nil
}

func (s *Store) RenewReservations(ctx context.Context, project, agent string, extend time.Duration, patterns []string) ([]core.Reservation, error) {
	if extend <= 0 {
		return nil, core.Invalid("extension must be positive")
	}
	var out []core.Reservation
	err := s.withTx(ctx, "renew reservations", func(tx *sql.Tx) error {
		out = nil
		if err := requireActive(ctx, tx, project, agent, core.RoleReservationBy); err != nil {
			return err
		}
		nowTS := formatTS(s.clock())
		active, err := queryReservations(ctx, tx,
			`SELECT `+reservationColumns+` FROM file_reservations
			 WHERE project = ? AND agent = ? AND expires_at > ? ORDER BY seq`,
			project, agent, nowTS)
		if err != nil {
			return err
		}
		want := storage.NormalizedSet(patterns)
		for _, r := range active {
			if len(want) > 0 && !want[r.PathPattern] {
				continue
			}
			r.ExpiresAt = r.ExpiresAt.Add(extend)
			if _, err := tx.ExecContext(ctx,
				`UPDATE file_reservations SET expires_at = ? WHERE id = ?`, formatTS(r.ExpiresAt), r.ID); err != nil {
				return fmt.Errorf("renew reservation: %w", err)
			}
			out = append(out, r)
		}
		return touch(ctx, tx, project, agent, nowTS)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListReservations(ctx context.Context, project, agent string) ([]core.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM file_reservations WHERE project = ? AND expires_at > ?`
	args := []any{project, formatTS(s.clock())}
	if agent != "" {
		query += ` AND agent = ?`
		args = append(args, agent)
	}
	return queryReservations(ctx, s.db, query+` ORDER BY seq`, args...)
}

// SweepExpired deletes reservations that expired at or before the cutoff and
// returns them.
func (s *Store) SweepExpired(ctx context.Context, before time.Time) ([]core.Reservation, error) {
	var out []core.Reservation
	err := s.withTx(ctx, "sweep reservations", func(tx *sql.Tx) error {
		cutoff := formatTS(before)
		var err error
		out, err = queryReservations(ctx, tx,
			`SELECT `+reservationColumns+` FROM file_reservations WHERE expires_at <= ? ORDER BY seq`, cutoff)
		if err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		ids := make([]string, len(out))
		args := make([]any, len(out))
		for i, r := range out {
			ids[i] = "?"
			args[i] = r.ID
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM file_reservations WHERE id IN (`+strings.Join(ids, ",")+`)`, args...); err != nil {
			return fmt.Errorf("delete expired: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
