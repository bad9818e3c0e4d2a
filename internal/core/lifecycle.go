package core

import "time"

// LifecycleState is the agent state machine. There is no way back to
// "unregistered": once a row exists it is only ever flagged.
type LifecycleState int

const (
	LifecycleActive LifecycleState = iota
	LifecycleDeregistered
)

func (s LifecycleState) String() string {
	switch s {
	case LifecycleActive:
		return "active"
	case LifecycleDeregistered:
		return "deregistered"
	default:
		return "unknown"
	}
}

// Lifecycle is Active or Deregistered{At}. At is only meaningful when
// State is LifecycleDeregistered.
type Lifecycle struct {
	State LifecycleState
	At    time.Time
}

func Active() Lifecycle {
	return Lifecycle{State: LifecycleActive}
}

func DeregisteredAt(at time.Time) Lifecycle {
	return Lifecycle{State: LifecycleDeregistered, At: at}
}

func (l Lifecycle) IsActive() bool {
	return l.State == LifecycleActive
}

// DeregisteredTime returns the deregistration time and true, or zero and
// false for an active agent.
func (l Lifecycle) DeregisteredTime() (time.Time, bool) {
	switch l.State {
	case LifecycleDeregistered:
		return l.At, true
	default:
		return time.Time{}, false
	}
}

// RequireActive is the gate every mailbox, contact and reservation call runs
// through. role names the party in the error ("sender", "recipient", ...).
func (a Agent) RequireActive(role string) error {
	switch a.Lifecycle.State {
	case LifecycleActive:
		return nil
	case LifecycleDeregistered:
		return &DeregisteredPartyError{Project: a.Project, Agent: a.Name, Role: role, Known: true}
	default:
		return &DeregisteredPartyError{Project: a.Project, Agent: a.Name, Role: role, Known: true}
	}
}
