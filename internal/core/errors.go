package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDeregistered = errors.New("agent deregistered")
	ErrInvalidInput = errors.New("invalid input")
)

// Party roles used in DeregisteredPartyError.
const (
	RoleAgent         = "agent"
	RoleSender        = "sender"
	RoleRecipient     = "recipient"
	RoleContactFrom   = "contact requester"
	RoleContactTo     = "contact target"
	RoleInboxOwner    = "inbox owner"
	RoleReservationBy = "reservation holder"
)

// DeregisteredPartyError is returned when a required party is not an active
// agent. Known is false when the name was never registered; the message
// still says "deregistered" so callers can match on one word.
type DeregisteredPartyError struct {
	Project string
	Agent   string
	Role    string
	Known   bool
}

func (e *DeregisteredPartyError) Error() string {
	role := e.Role
	if role == "" {
		role = RoleAgent
	}
	if e.Known {
		return fmt.Sprintf("%s %q is deregistered in project %q", role, e.Agent, e.Project)
	}
	return fmt.Sprintf("%s %q is not registered in project %q (unknown or deregistered)", role, e.Agent, e.Project)
}

func (e *DeregisteredPartyError) Is(target error) bool {
	return target == ErrDeregistered
}

// ConflictError lists every active lease that blocked a reservation request.
type ConflictError struct {
	Conflicts []ConflictDetail
}

func (e *ConflictError) Error() string {
	holders := make([]string, 0, len(e.Conflicts))
	seen := make(map[string]bool)
	for _, c := range e.Conflicts {
		if seen[c.Holder] {
			continue
		}
		seen[c.Holder] = true
		holders = append(holders, c.Holder)
	}
	return fmt.Sprintf("reservation conflict: %d overlapping reservation(s) held by %s",
		len(e.Conflicts), strings.Join(holders, ", "))
}

// Invalid wraps ErrInvalidInput with a message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
