package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/intercom/internal/core"
)

func (s *Store) SendMessage(ctx context.Context, msg core.Message) (core.Message, error) {
	msg.To = core.UniqueNames(msg.To)
	if len(msg.To) == 0 {
		return core.Message{}, core.Invalid("at least one recipient required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Importance == "" {
		msg.Importance = "normal"
	}
	toJSON, err := json.Marshal(msg.To)
	if err != nil {
		return core.Message{}, fmt.Errorf("marshal recipients: %w", err)
	}

	var out core.Message
	err = s.withTx(ctx, "send message", func(tx *sql.Tx) error {
		if err := requireActive(ctx, tx, msg.Project, msg.From, core.RoleSender); err != nil {
			return err
		}
		for _, to := range msg.To {
			if err := requireActive(ctx, tx, msg.Project, to, core.RoleRecipient); err != nil {
				return err
			}
		}
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ?`, msg.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check message id: %w", err)
		}
		if exists > 0 {
			return core.Invalid("message id %q already used", msg.ID)
		}

		now := s.clock()
		ts := formatTS(now)
		result, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, project, thread_id, from_agent, to_json, subject, body, importance, ack_required, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.Project, msg.ThreadID, msg.From, string(toJSON), msg.Subject, msg.Body, msg.Importance, boolToInt(msg.AckRequired), ts)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		cursor, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("cursor: %w", err)
		}
		for _, to := range msg.To {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO message_recipients (project, message_id, agent, cursor) VALUES (?, ?, ?, ?)`,
				msg.Project, msg.ID, to, cursor); err != nil {
				return fmt.Errorf("insert recipient: %w", err)
			}
		}
		if err := touch(ctx, tx, msg.Project, msg.From, ts); err != nil {
			return err
		}
		out = msg
		out.Cursor = uint64(cursor)
		out.CreatedAt = now
		return nil
	})
	if err != nil {
		return core.Message{}, err
	}
	return out, nil
}

func (s *Store) FetchInbox(ctx context.Context, project, agent string, sinceCursor uint64, limit int) ([]core.InboxEntry, error) {
	var out []core.InboxEntry
	err := s.withTx(ctx, "fetch inbox", func(tx *sql.Tx) error {
		out = nil
		a, err := loadAgent(ctx, tx, project, agent)
		if err != nil {
			return err
		}
		if err := a.RequireActive(core.RoleInboxOwner); err != nil {
			return err
		}

		query := `SELECT m.cursor, m.id, m.thread_id, m.from_agent, m.to_json, m.subject, m.body, m.importance, m.ack_required, m.created_at,
		                 r.read_at, r.ack_at
		          FROM message_recipients r
		          JOIN messages m ON m.id = r.message_id
		          WHERE r.project = ? AND r.agent = ? AND r.cursor > ?
		          ORDER BY r.cursor ASC`
		args := []any{project, agent, int64(sinceCursor)}
		if limit > 0 {
			query += ` LIMIT ?`
			args = append(args, limit)
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query inbox: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				m               core.Message
				cursor          int64
				toJSON, created string
				ack             int
				readAt, ackAt   sql.NullString
			)
			if err := rows.Scan(&cursor, &m.ID, &m.ThreadID, &m.From, &toJSON, &m.Subject, &m.Body, &m.Importance, &ack, &created, &readAt, &ackAt); err != nil {
				return fmt.Errorf("scan inbox: %w", err)
			}
			_ = json.Unmarshal([]byte(toJSON), &m.To)
			m.Project = project
			m.Cursor = uint64(cursor)
			m.AckRequired = ack != 0
			m.CreatedAt = parseTS(created)
			out = append(out, core.InboxEntry{
				Message: m,
				Agent:   agent,
				ReadAt:  parseNullTS(readAt),
				AckAt:   parseNullTS(ackAt),
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) MarkRead(ctx context.Context, project, agent, messageID string) (time.Time, error) {
	return s.markRecipient(ctx, project, agent, messageID, false)
}

func (s *Store) MarkAck(ctx context.Context, project, agent, messageID string) (time.Time, error) {
	return s.markRecipient(ctx, project, agent, messageID, true)
}

// markRecipient stamps read_at (and ack_at) once; repeats return the first
// stamp.
func (s *Store) markRecipient(ctx context.Context, project, agent, messageID string, ack bool) (time.Time, error) {
	var at time.Time
	err := s.withTx(ctx, "mark recipient", func(tx *sql.Tx) error {
		if err := requireActive(ctx, tx, project, agent, core.RoleInboxOwner); err != nil {
			return err
		}
		ts := formatTS(s.clock())
		set := `read_at = COALESCE(read_at, ?)`
		args := []any{ts}
		if ack {
			set += `, ack_at = COALESCE(ack_at, ?)`
			args = append(args, ts)
		}
		args = append(args, project, messageID, agent)
		result, err := tx.ExecContext(ctx,
			`UPDATE message_recipients SET `+set+` WHERE project = ? AND message_id = ? AND agent = ?`, args...)
		if err != nil {
			return fmt.Errorf("mark recipient: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return core.ErrNotFound
		}

		var readAt, ackAt sql.NullString
		if err := tx.QueryRowContext(ctx,
			`SELECT read_at, ack_at FROM message_recipients WHERE project = ? AND message_id = ? AND agent = ?`,
			project, messageID, agent).Scan(&readAt, &ackAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return core.ErrNotFound
			}
			return fmt.Errorf("load recipient: %w", err)
		}
		stamp := readAt
		if ack {
			stamp = ackAt
		}
		if p := parseNullTS(stamp); p != nil {
			at = *p
		}
		return touch(ctx, tx, project, agent, ts)
	})
	if err != nil {
		return time.Time{}, err
	}
	return at, nil
}
