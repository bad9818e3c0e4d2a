// Package coord is the operation surface over a storage.Store: argument
// validation, project key normalization, event fan-out and the named tool
// table used by the HTTP layer.
package coord

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mistakeknot/intercom/internal/core"
	"github.com/mistakeknot/intercom/internal/storage"
)

const (
	defaultInboxLimit = 20
	maxInboxLimit     = 500
	defaultRenewal    = 30 * time.Minute
)

var importances = map[string]bool{"low": true, "normal": true, "high": true, "urgent": true}

// Broadcaster receives events after the state change that produced them has
// committed.
type Broadcaster interface {
	Broadcast(project, agent string, event any)
}

// Disconnector is implemented by broadcasters that hold per-agent
// connections. It is called once an agent is deregistered.
type Disconnector interface {
	Disconnect(project, agent string)
}

type Service struct {
	store      storage.Store
	bus        Broadcaster
	logger     *slog.Logger
	now        func() time.Time
	defaultTTL time.Duration
}

func NewService(store storage.Store) *Service {
	return &Service{
		store:      store,
		logger:     slog.Default().With("component", "coord"),
		now:        func() time.Time { return time.Now().UTC() },
		defaultTTL: storage.DefaultReservationTTL,
	}
}

func (s *Service) WithBroadcaster(b Broadcaster) *Service {
	s.bus = b
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l.With("component", "coord")
	}
	return s
}

// WithDefaultTTL sets the lease length used when a reserve call omits
// ttl_seconds.
func (s *Service) WithDefaultTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.defaultTTL = ttl
	}
	return s
}

// WithNow sets the clock used for event timestamps.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store returns the backing store.
func (s *Service) Store() storage.Store {
	return s.store
}

func (s *Service) emit(project, agent string, typ core.EventType, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Broadcast(project, agent, core.Event{
		Type:      typ,
		Project:   project,
		Agent:     agent,
		Data:      data,
		CreatedAt: s.now(),
	})
}

// projectKey validates a human project key and returns its slug.
func projectKey(raw string) (string, error) {
	if err := core.ValidateProject(raw); err != nil {
		return "", err
	}
	return core.ProjectSlug(raw), nil
}

// projectAgent validates the (project, agent) pair every per-agent call takes.
func projectAgent(rawProject, agent string) (string, string, error) {
	project, err := projectKey(rawProject)
	if err != nil {
		return "", "", err
	}
	agent = strings.TrimSpace(agent)
	if err := core.ValidateName(agent); err != nil {
		return "", "", err
	}
	return project, agent, nil
}

// EnsureProject reports the slug a human key maps to. Projects exist
// implicitly; nothing is written.
func (s *Service) EnsureProject(_ context.Context, args EnsureProjectArgs) (ProjectView, error) {
	slug, err := projectKey(args.HumanKey)
	if err != nil {
		return ProjectView{}, err
	}
	return ProjectView{Slug: slug, HumanKey: strings.TrimSpace(args.HumanKey)}, nil
}
