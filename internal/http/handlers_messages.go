package httpapi

import (
	"net/http"
	"strconv"

	"github.com/mistakeknot/intercom/internal/coord"
	"github.com/mistakeknot/intercom/internal/core"
)

type inboxResponse struct {
	Messages []coord.InboxView `json:"messages"`
	Cursor   uint64            `json:"cursor"`
}

// POST /api/messages
func (s *Service) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req coord.SendMessageArgs
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.coord.SendMessage(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GET /api/inbox/{agent}?project=&since_cursor=&limit=
func (s *Service) handleInbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	args := coord.FetchInboxArgs{ProjectKey: q.Get("project"), AgentName: r.PathValue("agent")}
	if v := q.Get("since_cursor"); v != "" {
		since, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeError(w, r, core.Invalid("since_cursor %q is not a cursor", v))
			return
		}
		args.SinceCursor = since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, core.Invalid("limit %q is not a number", v))
			return
		}
		args.Limit = limit
	}
	entries, err := s.coord.FetchInbox(r.Context(), args)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cursor := args.SinceCursor
	if n := len(entries); n > 0 {
		cursor = entries[n-1].Cursor
	}
	writeJSON(w, http.StatusOK, inboxResponse{Messages: entries, Cursor: cursor})
}

type messageActionRequest struct {
	Project string `json:"project"`
	Agent   string `json:"agent"`
}

// POST /api/messages/{id}/read and /api/messages/{id}/ack
func (s *Service) handleMessageAction(ack bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messageActionRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		args := coord.MessageActionArgs{ProjectKey: req.Project, AgentName: req.Agent, MessageID: r.PathValue("id")}
		var (
			view coord.MessageActionView
			err  error
		)
		if ack {
			view, err = s.coord.Acknowledge(r.Context(), args)
		} else {
			view, err = s.coord.MarkRead(r.Context(), args)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}
