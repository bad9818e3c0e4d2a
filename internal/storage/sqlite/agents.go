package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mistakeknot/intercom/internal/core"
	"github.com/mistakeknot/intercom/internal/names"
)

const nameAttempts = 32

const agentColumns = `name, program, model, task_description, metadata_json, registered_at, last_active_at, deregistered_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(project string, row rowScanner) (core.Agent, error) {
	var (
		a                         core.Agent
		metaJSON, regAt, activeAt string
		deregAt                   sql.NullString
	)
	if err := row.Scan(&a.Name, &a.Program, &a.Model, &a.TaskDescription, &metaJSON, &regAt, &activeAt, &deregAt); err != nil {
		return core.Agent{}, err
	}
	a.Project = project
	if metaJSON != "" && metaJSON != "{}" && metaJSON != "null" {
		_ = json.Unmarshal([]byte(metaJSON), &a.Metadata)
	}
	a.RegisteredAt = parseTS(regAt)
	a.LastActiveAt = parseTS(activeAt)
	if at := parseNullTS(deregAt); at != nil {
		a.Lifecycle = core.DeregisteredAt(*at)
	} else {
		a.Lifecycle = core.Active()
	}
	return a, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadAgent(ctx context.Context, q queryRower, project, name string) (core.Agent, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project = ? AND name = ?`, project, name)
	a, err := scanAgent(project, row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Agent{}, core.ErrNotFound
	}
	if err != nil {
		return core.Agent{}, fmt.Errorf("load agent: %w", err)
	}
	return a, nil
}

// requireActive is the in-transaction gate. Unknown names are reported as
// not active.
func requireActive(ctx context.Context, tx *sql.Tx, project, name, role string) error {
	a, err := loadAgent(ctx, tx, project, name)
	if errors.Is(err, core.ErrNotFound) {
		return &core.DeregisteredPartyError{Project: project, Agent: name, Role: role}
	}
	if err != nil {
		return err
	}
	return a.RequireActive(role)
}

func touch(ctx context.Context, tx *sql.Tx, project, name, ts string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE agents SET last_active_at = ? WHERE project = ? AND name = ?`, ts, project, name); err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	return nil
}

func (s *Store) RegisterAgent(ctx context.Context, agent core.Agent) (core.Agent, core.RegisterOutcome, error) {
	var (
		out     core.Agent
		outcome core.RegisterOutcome
	)
	err := s.withTx(ctx, "register agent", func(tx *sql.Tx) error {
		now := s.clock()
		ts := formatTS(now)

		if agent.Name == "" {
			var lookupErr error
			agent.Name = names.GenerateUnique(func(n string) bool {
				_, err := loadAgent(ctx, tx, agent.Project, n)
				if err != nil && !errors.Is(err, core.ErrNotFound) {
					lookupErr = err
				}
				return err == nil
			}, nameAttempts)
			if lookupErr != nil {
				return lookupErr
			}
		}

		metaJSON, err := json.Marshal(agent.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if agent.Metadata == nil {
			metaJSON = []byte("{}")
		}

		existing, err := loadAgent(ctx, tx, agent.Project, agent.Name)
		switch {
		case errors.Is(err, core.ErrNotFound):
			outcome = core.RegisterCreated
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO agents (project, name, program, model, task_description, metadata_json, registered_at, last_active_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				agent.Project, agent.Name, agent.Program, agent.Model, agent.TaskDescription, string(metaJSON), ts, ts,
			); err != nil {
				return fmt.Errorf("insert agent: %w", err)
			}
		case err != nil:
			return err
		default:
			outcome = core.RegisterUpdated
			if !existing.Lifecycle.IsActive() {
				outcome = core.RegisterReactivated
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE agents SET program = ?, model = ?, task_description = ?, metadata_json = ?, last_active_at = ?, deregistered_at = NULL
				 WHERE project = ? AND name = ?`,
				agent.Program, agent.Model, agent.TaskDescription, string(metaJSON), ts, agent.Project, agent.Name,
			); err != nil {
				return fmt.Errorf("update agent: %w", err)
			}
		}

		out, err = loadAgent(ctx, tx, agent.Project, agent.Name)
		return err
	})
	if err != nil {
		return core.Agent{}, 0, err
	}
	return out, outcome, nil
}

// DeregisterAgent flags the agent and runs the cascade in one transaction:
// contact links in both directions, every reservation row it owns, and
// optionally its recipient rows.
func (s *Store) DeregisterAgent(ctx context.Context, project, name string, deleteInbox bool) (core.DeregisterResult, error) {
	var res core.DeregisterResult
	err := s.withTx(ctx, "deregister agent", func(tx *sql.Tx) error {
		res = core.DeregisterResult{}
		a, err := loadAgent(ctx, tx, project, name)
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		res.WasRegistered = true
		if !a.Lifecycle.IsActive() {
			res.AlreadyDeregistered = true
			return nil
		}

		now := s.clock()
		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET deregistered_at = ? WHERE project = ? AND name = ?`,
			formatTS(now), project, name); err != nil {
			return fmt.Errorf("mark deregistered: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`DELETE FROM contact_links WHERE project = ? AND (from_agent = ? OR to_agent = ?)`,
			project, name, name)
		if err != nil {
			return fmt.Errorf("delete contact links: %w", err)
		}
		n, _ := result.RowsAffected()
		res.ContactLinksRemoved = int(n)

		released, err := releaseAll(ctx, tx, project, name, now)
		if err != nil {
			return err
		}
		res.FileReservationsReleased = released

		if deleteInbox {
			result, err := tx.ExecContext(ctx,
				`DELETE FROM message_recipients WHERE project = ? AND agent = ?`, project, name)
			if err != nil {
				return fmt.Errorf("delete inbox: %w", err)
			}
			n, _ := result.RowsAffected()
			res.InboxRecordsDeleted = int(n)
		}
		return nil
	})
	if err != nil {
		return core.DeregisterResult{}, err
	}
	return res, nil
}

func (s *Store) GetAgent(ctx context.Context, project, name string) (core.Agent, error) {
	return loadAgent(ctx, s.db, project, name)
}

func (s *Store) ListAgents(ctx context.Context, project string) ([]core.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project = ? AND deregistered_at IS NULL ORDER BY name`, project)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []core.Agent
	for rows.Next() {
		a, err := scanAgent(project, rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}
