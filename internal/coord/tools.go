package coord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mistakeknot/intercom/internal/core"
)

// ErrUnknownTool is returned by Call for a name not in the table.
type ErrUnknownTool struct{ Name string }

func (e *ErrUnknownTool) Error() string { return fmt.Sprintf("unknown tool %q", e.Name) }

type handler func(ctx context.Context, s *Service, raw json.RawMessage) (any, error)

// Tool describes one named operation.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	call        handler
}

func bind[A, R any](fn func(*Service, context.Context, A) (R, error)) handler {
	return func(ctx context.Context, s *Service, raw json.RawMessage) (any, error) {
		var args A
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, core.Invalid("decode arguments: %v", err)
			}
		}
		return fn(s, ctx, args)
	}
}

var tools = map[string]Tool{
	"ensure_project":            {Description: "Resolve a human project key to its slug.", call: bind((*Service).EnsureProject)},
	"register_agent":            {Description: "Create, reactivate or update an agent identity.", call: bind((*Service).RegisterAgent)},
	"deregister_agent":          {Description: "Deregister an agent and cascade its links, leases and optionally inbox.", call: bind((*Service).DeregisterAgent)},
	"whois":                     {Description: "Look up an agent record, including deregistered ones.", call: bind((*Service).Whois)},
	"list_agents":               {Description: "List active agents in a project.", call: bind((*Service).ListAgents)},
	"request_contact":           {Description: "Add a directed contact link between two active agents.", call: bind((*Service).RequestContact)},
	"list_contacts":             {Description: "List an agent's outgoing contact links.", call: bind((*Service).ListContacts)},
	"file_reservation_paths":    {Description: "Lease path patterns for an agent, all or nothing.", call: bind((*Service).ReservePaths)},
	"release_file_reservations": {Description: "Release an agent's leases.", call: bind((*Service).ReleaseReservations)},
	"renew_file_reservations":   {Description: "Extend an agent's active leases.", call: bind((*Service).RenewReservations)},
	"list_reservations":         {Description: "List active leases in a project.", call: bind((*Service).ListReservations)},
	"send_message":              {Description: "Send a message to one or more active agents.", call: bind((*Service).SendMessage)},
	"fetch_inbox":               {Description: "Read an active agent's inbox after a cursor.", call: bind((*Service).FetchInbox)},
	"mark_message_read":         {Description: "Mark a received message read.", call: bind((*Service).MarkRead)},
	"acknowledge_message":       {Description: "Acknowledge a received message.", call: bind((*Service).Acknowledge)},
}

// Tools lists the table sorted by name.
func Tools() []Tool {
	out := make([]Tool, 0, len(tools))
	for name, t := range tools {
		t.Name = name
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call runs the named tool with JSON arguments.
func (s *Service) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	t, ok := tools[name]
	if !ok {
		return nil, &ErrUnknownTool{Name: name}
	}
	return t.call(ctx, s, args)
}
