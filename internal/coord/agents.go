package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mistakeknot/intercom/internal/core"
)

// RegisterAgent creates, reactivates or updates an agent. An empty name gets
// a generated one.
func (s *Service) RegisterAgent(ctx context.Context, args RegisterAgentArgs) (AgentView, error) {
	project, err := projectKey(args.ProjectKey)
	if err != nil {
		return AgentView{}, err
	}
	program := strings.TrimSpace(args.Program)
	model := strings.TrimSpace(args.Model)
	if program == "" {
		return AgentView{}, core.Invalid("program required")
	}
	if model == "" {
		return AgentView{}, core.Invalid("model required")
	}
	name := strings.TrimSpace(args.Name)
	if name != "" {
		if err := core.ValidateName(name); err != nil {
			return AgentView{}, err
		}
	}

	agent, outcome, err := s.store.RegisterAgent(ctx, core.Agent{
		Project:         project,
		Name:            name,
		Program:         program,
		Model:           model,
		TaskDescription: args.TaskDescription,
		Metadata:        args.Metadata,
	})
	if err != nil {
		return AgentView{}, fmt.Errorf("register agent: %w", err)
	}
	s.logger.Info("agent registered", "project", project, "agent", agent.Name, "outcome", outcome.String())
	s.emit(project, agent.Name, core.EventAgentRegistered, map[string]any{
		"outcome": outcome.String(),
		"program": agent.Program,
		"model":   agent.Model,
	})
	return agentView(agent), nil
}

// DeregisterAgent runs the cascade. Unknown names and repeated calls are
// reported, not rejected.
func (s *Service) DeregisterAgent(ctx context.Context, args DeregisterAgentArgs) (DeregisterView, error) {
	project, name, err := projectAgent(args.ProjectKey, args.AgentName)
	if err != nil {
		return DeregisterView{}, err
	}
	res, err := s.store.DeregisterAgent(ctx, project, name, args.DeleteInbox)
	if err != nil {
		return DeregisterView{}, fmt.Errorf("deregister agent: %w", err)
	}
	view := DeregisterView{
		Agent:                    name,
		WasRegistered:            res.WasRegistered,
		AlreadyDeregistered:      res.AlreadyDeregistered,
		ContactLinksRemoved:      res.ContactLinksRemoved,
		FileReservationsReleased: res.FileReservationsReleased,
		InboxRecordsDeleted:      res.InboxRecordsDeleted,
	}
	if !res.WasRegistered {
		return view, nil
	}
	if agent, err := s.store.GetAgent(ctx, project, name); err == nil {
		if at, ok := agent.Lifecycle.DeregisteredTime(); ok {
			view.DeregisteredTS = formatTimePtr(&at)
		}
	}
	if res.AlreadyDeregistered {
		return view, nil
	}

	s.logger.Info("agent deregistered",
		"project", project,
		"agent", name,
		"contact_links_removed", res.ContactLinksRemoved,
		"file_reservations_released", res.FileReservationsReleased,
		"inbox_records_deleted", res.InboxRecordsDeleted,
	)
	s.emit(project, name, core.EventAgentDeregistered, map[string]any{
		"contact_links_removed":      res.ContactLinksRemoved,
		"file_reservations_released": res.FileReservationsReleased,
		"inbox_records_deleted":      res.InboxRecordsDeleted,
	})
	if d, ok := s.bus.(Disconnector); ok {
		d.Disconnect(project, name)
	}
	return view, nil
}

// Whois returns the agent record, including deregistered agents.
func (s *Service) Whois(ctx context.Context, args AgentArgs) (AgentView, error) {
	project, name, err := projectAgent(args.ProjectKey, args.AgentName)
	if err != nil {
		return AgentView{}, err
	}
	agent, err := s.store.GetAgent(ctx, project, name)
	if err != nil {
		return AgentView{}, fmt.Errorf("whois %s: %w", name, err)
	}
	return agentView(agent), nil
}

// IsActive reports whether name is a registered, non-deregistered agent.
// Unknown names are simply inactive.
func (s *Service) IsActive(ctx context.Context, projectRaw, name string) (bool, error) {
	project, name, err := projectAgent(projectRaw, name)
	if err != nil {
		return false, err
	}
	agent, err := s.store.GetAgent(ctx, project, name)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is active: %w", err)
	}
	return agent.Lifecycle.IsActive(), nil
}

// ListAgents returns active agents ordered by name.
func (s *Service) ListAgents(ctx context.Context, args ProjectArgs) ([]AgentView, error) {
	project, err := projectKey(args.ProjectKey)
	if err != nil {
		return nil, err
	}
	agents, err := s.store.ListAgents(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	out := make([]AgentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentView(a))
	}
	return out, nil
}
