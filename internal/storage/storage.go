package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/intercom/internal/core"
	"github.com/mistakeknot/intercom/internal/names"
)

type Event = core.Event

// DefaultReservationTTL is used when a reserve call passes ttl <= 0.
const DefaultReservationTTL = time.Hour

// nameAttempts bounds random tries before GenerateUnique falls back to suffixes.
const nameAttempts = 32

// Store is the coordination state. Every method is atomic with respect to
// the project it touches: gating checks run under the same lock or
// transaction as the mutation they guard.
type Store interface {
	// Agent directory
	RegisterAgent(ctx context.Context, agent core.Agent) (core.Agent, core.RegisterOutcome, error)
	DeregisterAgent(ctx context.Context, project, name string, deleteInbox bool) (core.DeregisterResult, error)
	GetAgent(ctx context.Context, project, name string) (core.Agent, error)
	ListAgents(ctx context.Context, project string) ([]core.Agent, error)

	// Contact graph
	RequestContact(ctx context.Context, project, from, to, reason string) (core.ContactLink, bool, error)
	ListContacts(ctx context.Context, project, agent string) ([]core.ContactLink, error)

	// Reservations
	Reserve(ctx context.Context, req core.ReserveRequest) ([]core.Reservation, error)
	ReleaseReservations(ctx context.Context, project, agent string, patterns []string) (int, error)
	ReleaseAllForAgent(ctx context.Context, project, agent string) (int, error)
	RenewReservations(ctx context.Context, project, agent string, extend time.Duration, patterns []string) ([]core.Reservation, error)
	ListReservations(ctx context.Context, project, agent string) ([]core.Reservation, error)
	SweepExpired(ctx context.Context, before time.Time) ([]core.Reservation, error)

	// Mailbox
	SendMessage(ctx context.Context, msg core.Message) (core.Message, error)
	FetchInbox(ctx context.Context, project, agent string, sinceCursor uint64, limit int) ([]core.InboxEntry, error)
	MarkRead(ctx context.Context, project, agent, messageID string) (time.Time, error)
	MarkAck(ctx context.Context, project, agent, messageID string) (time.Time, error)

	Close() error
}

type recipientRow struct {
	messageID string
	agent     string
	cursor    uint64
	readAt    *time.Time
	ackAt     *time.Time
}

type projectState struct {
	mu           sync.RWMutex
	agents       map[string]*core.Agent
	contacts     []core.ContactLink
	reservations []core.Reservation
	messages     map[string]core.Message
	recipients   []recipientRow
	cursor       uint64
}

// InMemory is a Store kept in process memory. Each project has its own
// RWMutex; there is no cross-project locking.
type InMemory struct {
	mu       sync.Mutex
	projects map[string]*projectState
	now      func() time.Time
}

func NewInMemory() *InMemory {
	return &InMemory{
		projects: make(map[string]*projectState),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNow replaces the clock used for timestamps and expiry.
func (m *InMemory) WithNow(now func() time.Time) *InMemory {
	m.now = now
	return m
}

func (m *InMemory) Close() error { return nil }

func (m *InMemory) project(key string, create bool) *projectState {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[key]
	if !ok && create {
		p = &projectState{
			agents:   make(map[string]*core.Agent),
			messages: make(map[string]core.Message),
		}
		m.projects[key] = p
	}
	return p
}

func (m *InMemory) allProjects() []*projectState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*projectState, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p)
	}
	return out
}

func copyAgent(a *core.Agent) core.Agent {
	out := *a
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// requireActive returns the agent if it exists and is active.
func (p *projectState) requireActive(project, name, role string) (*core.Agent, error) {
	a, ok := p.agents[name]
	if !ok {
		return nil, &core.DeregisteredPartyError{Project: project, Agent: name, Role: role}
	}
	if err := a.RequireActive(role); err != nil {
		return nil, err
	}
	return a, nil
}

func (m *InMemory) RegisterAgent(_ context.Context, agent core.Agent) (core.Agent, core.RegisterOutcome, error) {
	p := m.project(agent.Project, true)
	p.mu.Lock()
	defer p.mu.Unlock()

	now := m.now()
	if agent.Name == "" {
		agent.Name = names.GenerateUnique(func(n string) bool {
			_, taken := p.agents[n]
			return taken
		}, nameAttempts)
	}

	existing, ok := p.agents[agent.Name]
	if !ok {
		agent.RegisteredAt = now
		agent.LastActiveAt = now
		agent.Lifecycle = core.Active()
		stored := copyAgent(&agent)
		p.agents[agent.Name] = &stored
		return copyAgent(&stored), core.RegisterCreated, nil
	}

	outcome := core.RegisterUpdated
	if !existing.Lifecycle.IsActive() {
		outcome = core.RegisterReactivated
	}
	existing.Program = agent.Program
	existing.Model = agent.Model
	existing.TaskDescription = agent.TaskDescription
	existing.Metadata = copyAgent(&agent).Metadata
	existing.LastActiveAt = now
	existing.Lifecycle = core.Active()
	return copyAgent(existing), outcome, nil
}

func (m *InMemory) DeregisterAgent(_ context.Context, project, name string, deleteInbox bool) (core.DeregisterResult, error) {
	p := m.project(project, false)
	if p == nil {
		return core.DeregisterResult{}, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[name]
	if !ok {
		return core.DeregisterResult{}, nil
	}
	if !a.Lifecycle.IsActive() {
		return core.DeregisterResult{WasRegistered: true, AlreadyDeregistered: true}, nil
	}

	now := m.now()
	res := core.DeregisterResult{WasRegistered: true}
	a.Lifecycle = core.DeregisteredAt(now)

	kept := p.contacts[:0]
	for _, c := range p.contacts {
		if c.From == name || c.To == name {
			res.ContactLinksRemoved++
			continue
		}
		kept = append(kept, c)
	}
	p.contacts = kept

	res.FileReservationsReleased = p.releaseAll(name, now)

	if deleteInbox {
		rows := p.recipients[:0]
		for _, r := range p.recipients {
			if r.agent == name {
				res.InboxRecordsDeleted++
				continue
			}
			rows = append(rows, r)
		}
		p.recipients = rows
	}
	return res, nil
}

func (m *InMemory) GetAgent(_ context.Context, project, name string) (core.Agent, error) {
	p := m.project(project, false)
	if p == nil {
		return core.Agent{}, core.ErrNotFound
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.agents[name]
	if !ok {
		return core.Agent{}, core.ErrNotFound
	}
	return copyAgent(a), nil
}

func (m *InMemory) ListAgents(_ context.Context, project string) ([]core.Agent, error) {
	p := m.project(project, false)
	if p == nil {
		return nil, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]core.Agent, 0, len(p.agents))
	for _, a := range p.agents {
		if a.Lifecycle.IsActive() {
			out = append(out, copyAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *InMemory) RequestContact(_ context.Context, project, from, to, reason string) (core.ContactLink, bool, error) {
	if from == to {
		return core.ContactLink{}, false, core.Invalid("agent %q cannot request contact with itself", from)
	}
	p := m.project(project, true)
	p.mu.Lock()
	defer p.mu.Unlock()

	requester, err := p.requireActive(project, from, core.RoleContactFrom)
	if err != nil {
		return core.ContactLink{}, false, err
	}
	if _, err := p.requireActive(project, to, core.RoleContactTo); err != nil {
		return core.ContactLink{}, false, err
	}
	now := m.now()
	requester.LastActiveAt = now
	for _, c := range p.contacts {
		if c.From == from && c.To == to {
			return c, false, nil
		}
	}
	link := core.ContactLink{Project: project, From: from, To: to, Reason: reason, CreatedAt: now}
	p.contacts = append(p.contacts, link)
	return link, true, nil
}

func (m *InMemory) ListContacts(_ context.Context, project, agent string) ([]core.ContactLink, error) {
	p := m.project(project, false)
	if p == nil {
		return nil, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []core.ContactLink
	for _, c := range p.contacts {
		if c.From == agent {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *InMemory) Reserve(_ context.Context, req core.ReserveRequest) ([]core.Reservation, error) {
	patterns, compiled, err := CompilePatterns(req.Patterns)
	if err != nil {
		return nil, err
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}

	p := m.project(req.Project, true)
	p.mu.Lock()
	defer p.mu.Unlock()

	holder, err := p.requireActive(req.Project, req.Agent, core.RoleReservationBy)
	if err != nil {
		return nil, err
	}
	now := m.now()

	var conflicts []core.ConflictDetail
	for i, pat := range compiled {
		for _, r := range p.reservations {
			if r.Agent == req.Agent || !r.Active(now) {
				continue
			}
			if conflict, err := Conflicts(pat, req.Exclusive, r); err != nil {
				return nil, err
			} else if conflict {
				conflicts = append(conflicts, ConflictFor(patterns[i], r))
			}
		}
	}
	if len(conflicts) > 0 {
		return nil, &core.ConflictError{Conflicts: conflicts}
	}

	out := make([]core.Reservation, 0, len(patterns))
	for _, pattern := range patterns {
		idx := -1
		for i, r := range p.reservations {
			if r.Agent == req.Agent && r.PathPattern == pattern && r.Active(now) {
				idx = i
				break
			}
		}
		if idx >= 0 {
			r := &p.reservations[idx]
			r.ExpiresAt = now.Add(ttl)
			r.Exclusive = req.Exclusive
			r.Reason = req.Reason
			out = append(out, *r)
			continue
		}
		r := core.Reservation{
			ID:          uuid.NewString(),
			Project:     req.Project,
			Agent:       req.Agent,
			PathPattern: pattern,
			Exclusive:   req.Exclusive,
			Reason:      req.Reason,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}
		p.reservations = append(p.reservations, r)
		out = append(out, r)
	}
	holder.LastActiveAt = now
	return out, nil
}

func (m *InMemory) ReleaseReservations(_ context.Context, project, agent string, patterns []string) (int, error) {
	p := m.project(project, true)
	p.mu.Lock()
	defer p.mu.Unlock()

	holder, err := p.requireActive(project, agent, core.RoleReservationBy)
	if err != nil {
		return 0, err
	}
	now := m.now()
	holder.LastActiveAt = now
	if len(patterns) == 0 {
		return p.releaseAll(agent, now), nil
	}
	want := NormalizedSet(patterns)
	released := 0
	kept := p.reservations[:0]
	for _, r := range p.reservations {
		if r.Agent == agent && want[r.PathPattern] {
			if r.Active(now) {
				released++
			}
			continue
		}
		kept = append(kept, r)
	}
	p.reservations = kept
	return released, nil
}

func (m *InMemory) ReleaseAllForAgent(_ context.Context, project, agent string) (int, error) {
	p := m.project(project, false)
	if p == nil {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseAll(agent, m.now()), nil
}

// releaseAll deletes every reservation the agent owns and returns how many
// were still active. Caller holds p.mu.
func (p *projectState) releaseAll(agent string, now time.Time) int {
	released := 0
	kept := p.reservations[:0]
	for _, r := range p.reservations {
		if r.Agent == agent {
			if r.Active(now) {
				released++
			}
			continue
		}
		kept = append(kept, r)
	}
	p.reservations = kept
	return released
}

func (m *InMemory) RenewReservations(_ context.Context, project, agent string, extend time.Duration, patterns []string) ([]core.Reservation, error) {
	if extend <= 0 {
		return nil, core.Invalid("extension must be positive")
	}
	p := m.project(project, true)
	p.mu.Lock()
	defer p.mu.Unlock()

	holder, err := p.requireActive(project, agent, core.RoleReservationBy)
	if err != nil {
		return nil, err
	}
	now := m.now()
	want := NormalizedSet(patterns)
	var out []core.Reservation
	for i := range p.reservations {
		r := &p.reservations[i]
		if r.Agent != agent || !r.Active(now) {
			continue
		}
		if len(want) > 0 && !want[r.PathPattern] {
			continue
		}
		r.ExpiresAt = r.ExpiresAt.Add(extend)
		out = append(out, *r)
	}
	holder.LastActiveAt = now
	return out, nil
}

func (m *InMemory) ListReservations(_ context.Context, project, agent string) ([]core.Reservation, error) {
	p := m.project(project, false)
	if p == nil {
		return nil, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := m.now()
	var out []core.Reservation
	for _, r := range p.reservations {
		if !r.Active(now) {
			continue
		}
		if agent != "" && r.Agent != agent {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *InMemory) SweepExpired(_ context.Context, before time.Time) ([]core.Reservation, error) {
	var out []core.Reservation
	for _, p := range m.allProjects() {
		p.mu.Lock()
		kept := p.reservations[:0]
		for _, r := range p.reservations {
			if !r.ExpiresAt.After(before) {
				out = append(out, r)
				continue
			}
			kept = append(kept, r)
		}
		p.reservations = kept
		p.mu.Unlock()
	}
	return out, nil
}

func (m *InMemory) SendMessage(_ context.Context, msg core.Message) (core.Message, error) {
	msg.To = core.UniqueNames(msg.To)
	if len(msg.To) == 0 {
		return core.Message{}, core.Invalid("at least one recipient required")
	}
	p := m.project(msg.Project, true)
	p.mu.Lock()
	defer p.mu.Unlock()

	sender, err := p.requireActive(msg.Project, msg.From, core.RoleSender)
	if err != nil {
		return core.Message{}, err
	}
	for _, to := range msg.To {
		if _, err := p.requireActive(msg.Project, to, core.RoleRecipient); err != nil {
			return core.Message{}, err
		}
	}

	now := m.now()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, dup := p.messages[msg.ID]; dup {
		return core.Message{}, core.Invalid("message id %q already used", msg.ID)
	}
	p.cursor++
	msg.Cursor = p.cursor
	msg.CreatedAt = now
	p.messages[msg.ID] = msg
	for _, to := range msg.To {
		p.recipients = append(p.recipients, recipientRow{messageID: msg.ID, agent: to, cursor: msg.Cursor})
	}
	sender.LastActiveAt = now
	return msg, nil
}

func (m *InMemory) FetchInbox(_ context.Context, project, agent string, sinceCursor uint64, limit int) ([]core.InboxEntry, error) {
	p := m.project(project, false)
	if p == nil {
		return nil, core.ErrNotFound
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	a, ok := p.agents[agent]
	if !ok {
		return nil, core.ErrNotFound
	}
	if err := a.RequireActive(core.RoleInboxOwner); err != nil {
		return nil, err
	}
	var out []core.InboxEntry
	for _, r := range p.recipients {
		if r.agent != agent || r.cursor <= sinceCursor {
			continue
		}
		out = append(out, core.InboxEntry{
			Message: p.messages[r.messageID],
			Agent:   agent,
			ReadAt:  r.readAt,
			AckAt:   r.ackAt,
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *InMemory) MarkRead(_ context.Context, project, agent, messageID string) (time.Time, error) {
	return m.markRecipient(project, agent, messageID, false)
}

func (m *InMemory) MarkAck(_ context.Context, project, agent, messageID string) (time.Time, error) {
	return m.markRecipient(project, agent, messageID, true)
}

func (m *InMemory) markRecipient(project, agent, messageID string, ack bool) (time.Time, error) {
	p := m.project(project, true)
	p.mu.Lock()
	defer p.mu.Unlock()

	a, err := p.requireActive(project, agent, core.RoleInboxOwner)
	if err != nil {
		return time.Time{}, err
	}
	now := m.now()
	for i := range p.recipients {
		r := &p.recipients[i]
		if r.agent != agent || r.messageID != messageID {
			continue
		}
		if r.readAt == nil {
			t := now
			r.readAt = &t
		}
		a.LastActiveAt = now
		if !ack {
			return *r.readAt, nil
		}
		if r.ackAt == nil {
			t := now
			r.ackAt = &t
		}
		return *r.ackAt, nil
	}
	return time.Time{}, core.ErrNotFound
}
