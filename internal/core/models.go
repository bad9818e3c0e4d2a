package core

import "time"

type EventType string

const (
	EventAgentRegistered     EventType = "agent.registered"
	EventAgentDeregistered   EventType = "agent.deregistered"
	EventContactLinked       EventType = "contact.linked"
	EventReservationCreated  EventType = "reservation.created"
	EventReservationReleased EventType = "reservation.released"
	EventReservationExpired  EventType = "reservation.expired"
	EventMessageCreated      EventType = "message.created"
	EventMessageRead         EventType = "message.read"
	EventMessageAck          EventType = "message.ack"
)

// Agent is a named participant in a project. The (Project, Name) pair is the
// identity; the row survives deregistration so whois keeps working.
type Agent struct {
	Project         string
	Name            string
	Program         string
	Model           string
	TaskDescription string
	Metadata        map[string]string
	RegisteredAt    time.Time
	LastActiveAt    time.Time
	Lifecycle       Lifecycle
}

// ContactLink is a directed edge: From may contact To.
type ContactLink struct {
	Project   string
	From      string
	To        string
	Reason    string
	CreatedAt time.Time
}

// Reservation is a TTL lease over a path pattern.
type Reservation struct {
	ID          string
	Project     string
	Agent       string
	PathPattern string
	Exclusive   bool
	Reason      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Active reports whether the lease is still held at now. Expired leases count
// as released everywhere, even before the row is deleted.
func (r Reservation) Active(now time.Time) bool {
	return r.ExpiresAt.After(now)
}

// ReserveRequest asks for one lease per pattern, all or nothing.
type ReserveRequest struct {
	Project   string
	Agent     string
	Patterns  []string
	TTL       time.Duration
	Exclusive bool
	Reason    string
}

// ConflictDetail describes an active lease that blocks a requested pattern.
type ConflictDetail struct {
	Pattern       string    `json:"pattern"`
	ReservationID string    `json:"reservation_id"`
	Holder        string    `json:"holder"`
	HeldPattern   string    `json:"held_pattern"`
	Exclusive     bool      `json:"exclusive"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type Message struct {
	ID          string
	Project     string
	ThreadID    string
	From        string
	To          []string
	Subject     string
	Body        string
	Importance  string
	AckRequired bool
	CreatedAt   time.Time
	Cursor      uint64
}

// InboxEntry is one recipient row joined with its message.
type InboxEntry struct {
	Message Message
	Agent   string
	ReadAt  *time.Time
	AckAt   *time.Time
}

// DeregisterResult reports what a single deregister call changed.
type DeregisterResult struct {
	WasRegistered            bool
	AlreadyDeregistered      bool
	ContactLinksRemoved      int
	FileReservationsReleased int
	InboxRecordsDeleted      int
}

// Event is pushed to listeners after a state change commits.
type Event struct {
	Type      EventType      `json:"type"`
	Project   string         `json:"project"`
	Agent     string         `json:"agent,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// RegisterOutcome tells the caller which branch register took.
type RegisterOutcome int

const (
	RegisterCreated RegisterOutcome = iota
	RegisterReactivated
	RegisterUpdated
)

func (o RegisterOutcome) String() string {
	switch o {
	case RegisterCreated:
		return "created"
	case RegisterReactivated:
		return "reactivated"
	case RegisterUpdated:
		return "updated"
	default:
		return "unknown"
	}
}
