package sessionmgr

import (
	"context"

	"github.com/mecanywhere/offloadd/pkg/common/types"
)

// --------- Dependency interfaces ---------

// Surface is the part of the internal execution surface the registry talks to.
type Surface interface {
	// RequestRegistration asks the execution surface to accept the session and
	// blocks until it answers.
	RequestRegistration(ctx context.Context, sessionID string) (bool, error)
	// Deregister tells the execution surface the session is gone.
	Deregister(ctx context.Context, sessionID string) error
}

// Sink is the delivery endpoint of one connected session. Acknowledge
// receives the submitting context and completes before any result of the
// job reaches Deliver.
type Sink interface {
	Acknowledge(ctx context.Context, ack types.SubmissionAck)
	Deliver(result types.Result)
}

// Hooks are called once per registration transition, in transition order.
// They must not call back into the Registry.
type Hooks struct {
	OnRegistered   func(sessionID string)
	OnDeregistered func(sessionID string)
}

// --------- Registration slot ---------

type slotState int

const (
	slotFree slotState = iota
	slotPending
	slotRegistered
	// slotReleasing covers the deregister notification of a disconnecting holder.
	slotReleasing
)

func (s slotState) String() string {
	switch s {
	case slotFree:
		return "free"
	case slotPending:
		return "pending"
	case slotRegistered:
		return "registered"
	case slotReleasing:
		return "releasing"
	default:
		return "unknown"
	}
}

type slot struct {
	state  slotState
	holder string
}

type entry struct {
	session  types.Session
	sink     Sink
	releases []func()
}
