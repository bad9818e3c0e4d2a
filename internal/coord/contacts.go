package coord

import (
	"context"
	"fmt"
	"strings"

	"github.com/mistakeknot/intercom/internal/core"
)

// RequestContact adds the directed edge from -> to. Both ends must be active.
func (s *Service) RequestContact(ctx context.Context, args RequestContactArgs) (ContactView, error) {
	project, from, err := projectAgent(args.ProjectKey, args.FromAgent)
	if err != nil {
		return ContactView{}, err
	}
	to := strings.TrimSpace(args.ToAgent)
	if err := core.ValidateName(to); err != nil {
		return ContactView{}, err
	}
	if from == to {
		return ContactView{}, core.Invalid("agent %q cannot contact itself", from)
	}
	link, created, err := s.store.RequestContact(ctx, project, from, to, args.Reason)
	if err != nil {
		return ContactView{}, fmt.Errorf("request contact: %w", err)
	}
	view := contactView(link)
	view.Created = created
	if created {
		s.emit(project, to, core.EventContactLinked, map[string]any{"from": from, "to": to})
	}
	return view, nil
}

// ListContacts returns the agent's outgoing edges in insertion order.
func (s *Service) ListContacts(ctx context.Context, args AgentArgs) ([]ContactView, error) {
	project, name, err := projectAgent(args.ProjectKey, args.AgentName)
	if err != nil {
		return nil, err
	}
	links, err := s.store.ListContacts(ctx, project, name)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	out := make([]ContactView, 0, len(links))
	for _, l := range links {
		out = append(out, contactView(l))
	}
	return out, nil
}
