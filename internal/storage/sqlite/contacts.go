package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mistakeknot/intercom/internal/core"
)

func (s *Store) RequestContact(ctx context.Context, project, from, to, reason string) (core.ContactLink, bool, error) {
	if from == to {
		return core.ContactLink{}, false, core.Invalid("agent %q cannot request contact with itself", from)
	}
	var (
		link    core.ContactLink
		created bool
	)
	err := s.withTx(ctx, "request contact", func(tx *sql.Tx) error {
		if err := requireActive(ctx, tx, project, from, core.RoleContactFrom); err != nil {
			return err
		}
		if err := requireActive(ctx, tx, project, to, core.RoleContactTo); err != nil {
			return err
		}
		ts := formatTS(s.clock())
		result, err := tx.ExecContext(ctx,
			`INSERT INTO contact_links (project, from_agent, to_agent, reason, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(project, from_agent, to_agent) DO NOTHING`,
			project, from, to, reason, ts)
		if err != nil {
			return fmt.Errorf("insert contact link: %w", err)
		}
		n, _ := result.RowsAffected()
		created = n > 0
		if err := touch(ctx, tx, project, from, ts); err != nil {
			return err
		}

		var reasonOut, createdAt string
		if err := tx.QueryRowContext(ctx,
			`SELECT reason, created_at FROM contact_links WHERE project = ? AND from_agent = ? AND to_agent = ?`,
			project, from, to).Scan(&reasonOut, &createdAt); err != nil {
			return fmt.Errorf("load contact link: %w", err)
		}
		link = core.ContactLink{Project: project, From: from, To: to, Reason: reasonOut, CreatedAt: parseTS(createdAt)}
		return nil
	})
	if err != nil {
		return core.ContactLink{}, false, err
	}
	return link, created, nil
}

func (s *Store) ListContacts(ctx context.Context, project, agent string) ([]core.ContactLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT to_agent, reason, created_at FROM contact_links
		 WHERE project = ? AND from_agent = ? ORDER BY seq ASC`, project, agent)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []core.ContactLink
	for rows.Next() {
		var to, reason, createdAt string
		if err := rows.Scan(&to, &reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, core.ContactLink{Project: project, From: agent, To: to, Reason: reason, CreatedAt: parseTS(createdAt)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}
