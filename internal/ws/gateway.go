package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mistakeknot/intercom/internal/core"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// ActiveChecker gates subscriptions: only active agents receive events.
type ActiveChecker interface {
	IsActive(ctx context.Context, project, agent string) (bool, error)
}

// Hub fans events out to websocket subscribers keyed by project slug and
// agent name.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]map[string]map[*websocket.Conn]struct{}
	checker ActiveChecker
	logger  *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		conns:  make(map[string]map[string]map[*websocket.Conn]struct{}),
		logger: slog.Default().With("component", "ws"),
	}
}

// WithActiveChecker refuses subscriptions from agents the checker reports
// inactive.
func (h *Hub) WithActiveChecker(c ActiveChecker) *Hub {
	h.checker = c
	return h
}

func (h *Hub) WithLogger(l *slog.Logger) *Hub {
	if l != nil {
		h.logger = l.With("component", "ws")
	}
	return h
}

// Handler serves /ws/agents/{name}?project=.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/ws/agents/")
		agent := strings.Trim(path, "/")
		if agent == "" || strings.Contains(agent, "/") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rawProject := strings.TrimSpace(r.URL.Query().Get("project"))
		project := core.ProjectSlug(rawProject)
		if project == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if h.checker != nil {
			active, err := h.checker.IsActive(r.Context(), rawProject, agent)
			if errors.Is(err, core.ErrInvalidInput) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if err != nil {
				h.logger.Warn("subscription check failed", "project", project, "agent", agent, "error", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			if !active {
				w.WriteHeader(http.StatusForbidden)
				return
			}
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		h.add(project, agent, conn)
		defer h.remove(project, agent, conn)

		ctx := r.Context()
		for {
			var v any
			if err := wsjson.Read(ctx, conn, &v); err != nil {
				return
			}
		}
	}
}

type connEntry struct {
	conn    *websocket.Conn
	project string
	agent   string
}

// Broadcast writes event to every subscriber of (project, agent). An empty
// agent reaches the whole project; an empty project reaches every project.
func (h *Hub) Broadcast(project, agent string, event any) {
	entries := h.snapshot(project, agent)
	if len(entries) == 0 {
		return
	}
	for _, e := range entries {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, e.conn, event)
		cancel()
		if err != nil {
			go func(e connEntry) {
				e.conn.Close(websocket.StatusGoingAway, "write error")
				h.remove(e.project, e.agent, e.conn)
			}(e)
		}
	}
}

// Disconnect closes every connection held by the agent.
func (h *Hub) Disconnect(project, agent string) {
	if agent == "" {
		return
	}
	entries := h.snapshot(project, agent)
	for _, e := range entries {
		h.remove(e.project, e.agent, e.conn)
		go e.conn.Close(websocket.StatusPolicyViolation, "agent deregistered")
	}
	if len(entries) > 0 {
		h.logger.Info("closed subscriptions", "project", project, "agent", agent, "count", len(entries))
	}
}

// Subscribers counts open connections for (project, agent). project may be
// a human key or its slug.
func (h *Hub) Subscribers(project, agent string) int {
	return len(h.snapshot(core.ProjectSlug(project), agent))
}

func (h *Hub) snapshot(project, agent string) []connEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []connEntry
	collectAgent := func(proj string, m map[string]map[*websocket.Conn]struct{}, target string) {
		if target == "" {
			for agentName, conns := range m {
				for conn := range conns {
					out = append(out, connEntry{conn: conn, project: proj, agent: agentName})
				}
			}
			return
		}
		for conn := range m[target] {
			out = append(out, connEntry{conn: conn, project: proj, agent: target})
		}
	}
	if project != "" {
		if perAgent, ok := h.conns[project]; ok {
			collectAgent(project, perAgent, agent)
		}
		return out
	}
	for proj, perAgent := range h.conns {
		collectAgent(proj, perAgent, agent)
	}
	return out
}

func (h *Hub) add(project, agent string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perProject, ok := h.conns[project]
	if !ok {
		perProject = make(map[string]map[*websocket.Conn]struct{})
		h.conns[project] = perProject
	}
	perAgent, ok := perProject[agent]
	if !ok {
		perAgent = make(map[*websocket.Conn]struct{})
		perProject[agent] = perAgent
	}
	perAgent[conn] = struct{}{}
}

func (h *Hub) remove(project, agent string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perProject, ok := h.conns[project]
	if !ok {
		return
	}
	perAgent, ok := perProject[agent]
	if !ok {
		return
	}
	delete(perAgent, conn)
	if len(perAgent) == 0 {
		delete(perProject, agent)
	}
	if len(perProject) == 0 {
		delete(h.conns, project)
	}
}
