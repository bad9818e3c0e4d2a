package coord

import (
	"context"
	"fmt"
	"strings"

	"github.com/mistakeknot/intercom/internal/core"
)

// SendMessage delivers to every recipient or to none. Sender and all
// recipients must be active.
func (s *Service) SendMessage(ctx context.Context, args SendMessageArgs) (SendView, error) {
	project, sender, err := projectAgent(args.ProjectKey, args.SenderName)
	if err != nil {
		return SendView{}, err
	}
	to := core.UniqueNames(args.To)
	if len(to) == 0 {
		return SendView{}, core.Invalid("at least one recipient required")
	}
	for _, r := range to {
		if err := core.ValidateName(r); err != nil {
			return SendView{}, err
		}
	}
	importance := strings.ToLower(strings.TrimSpace(args.Importance))
	if importance == "" {
		importance = "normal"
	}
	if !importances[importance] {
		return SendView{}, core.Invalid("importance %q not one of low, normal, high, urgent", args.Importance)
	}

	msg, err := s.store.SendMessage(ctx, core.Message{
		Project:     project,
		ThreadID:    strings.TrimSpace(args.ThreadID),
		From:        sender,
		To:          to,
		Subject:     args.Subject,
		Body:        args.BodyMD,
		Importance:  importance,
		AckRequired: args.AckRequired,
	})
	if err != nil {
		return SendView{}, fmt.Errorf("send message: %w", err)
	}
	for _, r := range msg.To {
		s.emit(project, r, core.EventMessageCreated, map[string]any{
			"message_id": msg.ID,
			"cursor":     msg.Cursor,
			"from":       msg.From,
			"subject":    msg.Subject,
			"importance": msg.Importance,
		})
	}
	return SendView{ID: msg.ID, Cursor: msg.Cursor, Recipients: msg.To, CreatedTS: formatTime(msg.CreatedAt)}, nil
}

// FetchInbox returns entries after since_cursor in cursor order.
func (s *Service) FetchInbox(ctx context.Context, args FetchInboxArgs) ([]InboxView, error) {
	project, name, err := projectAgent(args.ProjectKey, args.AgentName)
	if err != nil {
		return nil, err
	}
	limit := args.Limit
	switch {
	case limit <= 0:
		limit = defaultInboxLimit
	case limit > maxInboxLimit:
		limit = maxInboxLimit
	}
	entries, err := s.store.FetchInbox(ctx, project, name, args.SinceCursor, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch inbox: %w", err)
	}
	out := make([]InboxView, 0, len(entries))
	for _, e := range entries {
		out = append(out, inboxView(e))
	}
	return out, nil
}

// MarkRead stamps read_ts on the agent's copy. Repeat calls keep the first
// stamp.
func (s *Service) MarkRead(ctx context.Context, args MessageActionArgs) (MessageActionView, error) {
	project, name, id, err := messageAction(args)
	if err != nil {
		return MessageActionView{}, err
	}
	at, err := s.store.MarkRead(ctx, project, name, id)
	if err != nil {
		return MessageActionView{}, fmt.Errorf("mark read: %w", err)
	}
	s.emit(project, name, core.EventMessageRead, map[string]any{"message_id": id})
	return MessageActionView{MessageID: id, Agent: name, ReadTS: formatTime(at)}, nil
}

// Acknowledge stamps ack_ts (and read_ts if unset).
func (s *Service) Acknowledge(ctx context.Context, args MessageActionArgs) (MessageActionView, error) {
	project, name, id, err := messageAction(args)
	if err != nil {
		return MessageActionView{}, err
	}
	at, err := s.store.MarkAck(ctx, project, name, id)
	if err != nil {
		return MessageActionView{}, fmt.Errorf("acknowledge: %w", err)
	}
	s.emit(project, name, core.EventMessageAck, map[string]any{"message_id": id})
	return MessageActionView{MessageID: id, Agent: name, AckTS: formatTime(at)}, nil
}

func messageAction(args MessageActionArgs) (project, name, id string, err error) {
	project, name, err = projectAgent(args.ProjectKey, args.AgentName)
	if err != nil {
		return "", "", "", err
	}
	id = strings.TrimSpace(args.MessageID)
	if id == "" {
		return "", "", "", core.Invalid("message_id required")
	}
	return project, name, id, nil
}
