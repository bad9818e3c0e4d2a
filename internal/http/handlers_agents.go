package httpapi

import (
	"net/http"
	"strconv"

	"github.com/mistakeknot/intercom/internal/coord"
)

type listAgentsResponse struct {
	Agents []coord.AgentView `json:"agents"`
}

type listContactsResponse struct {
	Contacts []coord.ContactView `json:"contacts"`
}

// POST /api/agents
func (s *Service) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req coord.RegisterAgentArgs
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.coord.RegisterAgent(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GET /api/agents?project=
func (s *Service) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.coord.ListAgents(r.Context(), coord.ProjectArgs{ProjectKey: r.URL.Query().Get("project")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listAgentsResponse{Agents: agents})
}

// GET /api/agents/{name}?project=
func (s *Service) handleWhois(w http.ResponseWriter, r *http.Request) {
	view, err := s.coord.Whois(r.Context(), coord.AgentArgs{
		ProjectKey: r.URL.Query().Get("project"),
		AgentName:  r.PathValue("name"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// DELETE /api/agents/{name}?project=&delete_inbox=
func (s *Service) handleDeregister(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deleteInbox := false
	if v := q.Get("delete_inbox"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_input", "message": "delete_inbox must be a boolean"})
			return
		}
		deleteInbox = b
	}
	view, err := s.coord.DeregisterAgent(r.Context(), coord.DeregisterAgentArgs{
		ProjectKey:  q.Get("project"),
		AgentName:   r.PathValue("name"),
		DeleteInbox: deleteInbox,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GET /api/agents/{name}/contacts?project=
func (s *Service) handleListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.coord.ListContacts(r.Context(), coord.AgentArgs{
		ProjectKey: r.URL.Query().Get("project"),
		AgentName:  r.PathValue("name"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listContactsResponse{Contacts: contacts})
}

type contactRequest struct {
	Project string `json:"project"`
	To      string `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

// POST /api/agents/{name}/contacts
func (s *Service) handleRequestContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.coord.RequestContact(r.Context(), coord.RequestContactArgs{
		ProjectKey: req.Project,
		FromAgent:  r.PathValue("name"),
		ToAgent:    req.To,
		Reason:     req.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if view.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, view)
}
