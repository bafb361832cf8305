package service

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"

	"github.com/pesio-ai/be-travel-approvals/internal/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

// Lifecycle events.
const (
	EventAdvance  statekit.EventType = "ADVANCE"
	EventDelegate statekit.EventType = "DELEGATE"
	EventEscalate statekit.EventType = "ESCALATE"
	EventRemind   statekit.EventType = "REMIND"
	EventApprove  statekit.EventType = "APPROVE_FINAL"
	EventReject   statekit.EventType = "REJECT"
	EventCancel   statekit.EventType = "CANCEL"
	EventExpire   statekit.EventType = "EXPIRE"
)

const (
	stateIDPending   = statekit.StateID(repository.StatusPending)
	stateIDApproved  = statekit.StateID(repository.StatusApproved)
	stateIDRejected  = statekit.StateID(repository.StatusRejected)
	stateIDCancelled = statekit.StateID(repository.StatusCancelled)
	stateIDExpired   = statekit.StateID(repository.StatusExpired)
)

// lifecycleContext is the interpreter context. The request lifecycle has no
// guards, so it carries only the request id for diagnostics.
type lifecycleContext struct {
	RequestID string
}

// lifecycle is the request status table. Every terminal state is final, so a
// request only ever moves out of pending.
type lifecycle struct {
	newInterpreter func() *statekit.Interpreter[lifecycleContext]
}

func newLifecycle() (*lifecycle, error) {
	machine, err := statekit.NewMachine[lifecycleContext]("approval-request").
		WithInitial(stateIDPending).
		State(stateIDPending).
		On(EventAdvance).Target(stateIDPending).
		On(EventDelegate).Target(stateIDPending).
		On(EventEscalate).Target(stateIDPending).
		On(EventRemind).Target(stateIDPending).
		On(EventApprove).Target(stateIDApproved).
		On(EventReject).Target(stateIDRejected).
		On(EventCancel).Target(stateIDCancelled).
		On(EventExpire).Target(stateIDExpired).
		Done().
		State(stateIDApproved).
		Final().
		Done().
		State(stateIDRejected).
		Final().
		Done().
		State(stateIDCancelled).
		Final().
		Done().
		State(stateIDExpired).
		Final().
		Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build approval lifecycle: %w", err)
	}

	return &lifecycle{
		newInterpreter: func() *statekit.Interpreter[lifecycleContext] {
			return statekit.NewInterpreter(machine)
		},
	}, nil
}

// next returns the status reached by sending ev to a request in status from.
func (l *lifecycle) next(from repository.RequestStatus, ev statekit.EventType) (repository.RequestStatus, error) {
	if from.Terminal() {
		return from, errors.New(errors.ErrCodeAlreadyResolved,
			fmt.Sprintf("request is already %s", from))
	}

	interp := l.newInterpreter()
	interp.Start()
	interp.Send(statekit.Event{Type: ev})

	to := repository.RequestStatus(interp.State().Value)
	if to == from && ev != EventAdvance && ev != EventDelegate && ev != EventEscalate && ev != EventRemind {
		return from, errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("event %s is not valid in status %s", ev, from))
	}
	return to, nil
}
