package service

import (
	"testing"

	"github.com/felixgeelhaar/statekit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-travel-approvals/internal/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

func TestLifecycleTransitions(t *testing.T) {
	lc, err := newLifecycle()
	require.NoError(t, err)

	tests := []struct {
		event statekit.EventType
		want  repository.RequestStatus
	}{
		{EventAdvance, repository.StatusPending},
		{EventDelegate, repository.StatusPending},
		{EventEscalate, repository.StatusPending},
		{EventRemind, repository.StatusPending},
		{EventApprove, repository.StatusApproved},
		{EventReject, repository.StatusRejected},
		{EventCancel, repository.StatusCancelled},
		{EventExpire, repository.StatusExpired},
	}
	for _, tt := range tests {
		t.Run(string(tt.event), func(t *testing.T) {
			got, err := lc.next(repository.StatusPending, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLifecycleTerminalStatesAreFinal(t *testing.T) {
	lc, err := newLifecycle()
	require.NoError(t, err)

	for _, from := range []repository.RequestStatus{
		repository.StatusApproved,
		repository.StatusRejected,
		repository.StatusCancelled,
		repository.StatusExpired,
	} {
		got, err := lc.next(from, EventApprove)
		assert.Equal(t, from, got)
		assert.Equal(t, errors.ErrCodeAlreadyResolved, errors.CodeOf(err), string(from))
	}
}

func TestLifecycleUnknownEvent(t *testing.T) {
	lc, err := newLifecycle()
	require.NoError(t, err)

	_, err = lc.next(repository.StatusPending, "TELEPORT")
	assert.Equal(t, errors.ErrCodeInternal, errors.CodeOf(err))
}
