package coord

import (
	"time"

	"github.com/mistakeknot/intercom/internal/core"
)

// Tool argument shapes. Field names follow the tool-call wire format.

type EnsureProjectArgs struct {
	HumanKey string `json:"human_key"`
}

type RegisterAgentArgs struct {
	ProjectKey      string            `json:"project_key"`
	Program         string            `json:"program"`
	Model           string            `json:"model"`
	Name            string            `json:"name,omitempty"`
	TaskDescription string            `json:"task_description,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type DeregisterAgentArgs struct {
	ProjectKey  string `json:"project_key"`
	AgentName   string `json:"agent_name"`
	DeleteInbox bool   `json:"delete_inbox,omitempty"`
}

type AgentArgs struct {
	ProjectKey string `json:"project_key"`
	AgentName  string `json:"agent_name"`
}

type ProjectArgs struct {
	ProjectKey string `json:"project_key"`
}

type RequestContactArgs struct {
	ProjectKey string `json:"project_key"`
	FromAgent  string `json:"from_agent"`
	ToAgent    string `json:"to_agent"`
	Reason     string `json:"reason,omitempty"`
}

type ReservePathsArgs struct {
	ProjectKey string   `json:"project_key"`
	AgentName  string   `json:"agent_name"`
	Paths      []string `json:"paths"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
	Exclusive  *bool    `json:"exclusive,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

type ReleasePathsArgs struct {
	ProjectKey string   `json:"project_key"`
	AgentName  string   `json:"agent_name"`
	Paths      []string `json:"paths,omitempty"`
}

type RenewPathsArgs struct {
	ProjectKey    string   `json:"project_key"`
	AgentName     string   `json:"agent_name"`
	ExtendSeconds int      `json:"extend_seconds"`
	Paths         []string `json:"paths,omitempty"`
}

type ListReservationsArgs struct {
	ProjectKey string `json:"project_key"`
	AgentName  string `json:"agent_name,omitempty"`
}

type SendMessageArgs struct {
	ProjectKey  string   `json:"project_key"`
	SenderName  string   `json:"sender_name"`
	To          []string `json:"to"`
	Subject     string   `json:"subject"`
	BodyMD      string   `json:"body_md"`
	ThreadID    string   `json:"thread_id,omitempty"`
	Importance  string   `json:"importance,omitempty"`
	AckRequired bool     `json:"ack_required,omitempty"`
}

type FetchInboxArgs struct {
	ProjectKey  string `json:"project_key"`
	AgentName   string `json:"agent_name"`
	SinceCursor uint64 `json:"since_cursor,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

type MessageActionArgs struct {
	ProjectKey string `json:"project_key"`
	AgentName  string `json:"agent_name"`
	MessageID  string `json:"message_id"`
}

// Result shapes.

type ProjectView struct {
	Slug     string `json:"slug"`
	HumanKey string `json:"human_key"`
}

// AgentView is the whois/register result. DeregisteredTS is present only for
// deregistered agents.
type AgentView struct {
	Name            string            `json:"name"`
	Project         string            `json:"project"`
	Program         string            `json:"program"`
	Model           string            `json:"model"`
	TaskDescription string            `json:"task_description"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	InceptionTS     string            `json:"inception_ts"`
	LastActiveTS    string            `json:"last_active_ts"`
	DeregisteredTS  *string           `json:"deregistered_ts,omitempty"`
}

type DeregisterView struct {
	Agent                    string  `json:"agent"`
	WasRegistered            bool    `json:"was_registered"`
	AlreadyDeregistered      bool    `json:"already_deregistered"`
	ContactLinksRemoved      int     `json:"contact_links_removed"`
	FileReservationsReleased int     `json:"file_reservations_released"`
	InboxRecordsDeleted      int     `json:"inbox_records_deleted"`
	DeregisteredTS           *string `json:"deregistered_ts,omitempty"`
}

type ContactView struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
	CreatedTS string `json:"created_ts"`
	Created   bool   `json:"created,omitempty"`
}

type ReservationView struct {
	ID          string `json:"id"`
	Agent       string `json:"agent"`
	PathPattern string `json:"path_pattern"`
	Exclusive   bool   `json:"exclusive"`
	Reason      string `json:"reason,omitempty"`
	CreatedTS   string `json:"created_ts"`
	ExpiresTS   string `json:"expires_ts"`
}

type ReserveView struct {
	Granted []ReservationView `json:"granted"`
}

type ReleaseView struct {
	Released   int    `json:"released"`
	ReleasedTS string `json:"released_ts"`
}

type RenewView struct {
	Renewed      int               `json:"renewed"`
	Reservations []ReservationView `json:"file_reservations"`
}

type SendView struct {
	ID         string   `json:"id"`
	Cursor     uint64   `json:"cursor"`
	Recipients []string `json:"recipients"`
	CreatedTS  string   `json:"created_ts"`
}

type InboxView struct {
	ID          string   `json:"id"`
	Cursor      uint64   `json:"cursor"`
	ThreadID    string   `json:"thread_id,omitempty"`
	From        string   `json:"from"`
	To          []string `json:"to"`
	Subject     string   `json:"subject"`
	BodyMD      string   `json:"body_md"`
	Importance  string   `json:"importance"`
	AckRequired bool     `json:"ack_required"`
	CreatedTS   string   `json:"created_ts"`
	ReadTS      *string  `json:"read_ts,omitempty"`
	AckTS       *string  `json:"ack_ts,omitempty"`
}

type MessageActionView struct {
	MessageID string `json:"message_id"`
	Agent     string `json:"agent"`
	ReadTS    string `json:"read_ts,omitempty"`
	AckTS     string `json:"ack_ts,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func agentView(a core.Agent) AgentView {
	v := AgentView{
		Name:            a.Name,
		Project:         a.Project,
		Program:         a.Program,
		Model:           a.Model,
		TaskDescription: a.TaskDescription,
		Metadata:        a.Metadata,
		InceptionTS:     formatTime(a.RegisteredAt),
		LastActiveTS:    formatTime(a.LastActiveAt),
	}
	switch a.Lifecycle.State {
	case core.LifecycleDeregistered:
		v.DeregisteredTS = formatTimePtr(&a.Lifecycle.At)
	case core.LifecycleActive:
	}
	return v
}

func contactView(c core.ContactLink) ContactView {
	return ContactView{From: c.From, To: c.To, Reason: c.Reason, CreatedTS: formatTime(c.CreatedAt)}
}

func reservationView(r core.Reservation) ReservationView {
	return ReservationView{
		ID:          r.ID,
		Agent:       r.Agent,
		PathPattern: r.PathPattern,
		Exclusive:   r.Exclusive,
		Reason:      r.Reason,
		CreatedTS:   formatTime(r.CreatedAt),
		ExpiresTS:   formatTime(r.ExpiresAt),
	}
}

func reservationViews(rs []core.Reservation) []ReservationView {
	out := make([]ReservationView, 0, len(rs))
	for _, r := range rs {
		out = append(out, reservationView(r))
	}
	return out
}

func inboxView(e core.InboxEntry) InboxView {
	m := e.Message
	return InboxView{
		ID:          m.ID,
		Cursor:      m.Cursor,
		ThreadID:    m.ThreadID,
		From:        m.From,
		To:          m.To,
		Subject:     m.Subject,
		BodyMD:      m.Body,
		Importance:  m.Importance,
		AckRequired: m.AckRequired,
		CreatedTS:   formatTime(m.CreatedAt),
		ReadTS:      formatTimePtr(e.ReadAt),
		AckTS:       formatTimePtr(e.AckAt),
	}
}
