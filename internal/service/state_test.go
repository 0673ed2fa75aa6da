package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ex-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ex-approvals/internal/repository"
)

func TestInstanceStatus_Apply(t *testing.T) {
	testCases := []struct {
		from     InstanceStatus
		event    Event
		to       InstanceStatus
		document string
	}{
		{StatusNone, EventSubmit, StatusSubmitted, repository.DocumentSubmitted},
		{StatusReturned, EventResubmit, StatusSubmitted, repository.DocumentSubmitted},
		{StatusSubmitted, EventAdvance, StatusSubmitted, repository.DocumentInReview},
		{StatusSubmitted, EventFinalize, StatusFinalized, repository.DocumentFinalized},
		{StatusSubmitted, EventReject, StatusRejected, repository.DocumentRejected},
		{StatusSubmitted, EventReturn, StatusReturned, repository.DocumentReturned},
		{StatusSubmitted, EventCancel, StatusCancelled, repository.DocumentCancelled},
	}

	for _, tc := range testCases {
		t.Run(string(tc.from)+"/"+string(tc.event), func(t *testing.T) {
			tr, err := tc.from.Apply(tc.event)
			require.NoError(t, err)
			assert.Equal(t, tc.to, tr.To)
			assert.Equal(t, tc.document, tr.Document)
			assert.Equal(t, tc.to.Terminal(), tc.to == StatusFinalized || tc.to == StatusRejected || tc.to == StatusCancelled)
		})
	}
}

func TestInstanceStatus_RejectsOtherTransitions(t *testing.T) {
	events := []Event{EventSubmit, EventResubmit, EventAdvance, EventFinalize, EventReject, EventReturn, EventCancel}
	for _, from := range []InstanceStatus{StatusFinalized, StatusRejected, StatusCancelled} {
		for _, ev := range events {
			_, err := from.Apply(ev)
			assert.True(t, errors.IsCode(err, errors.ErrCodeConflict), "%s/%s", from, ev)
		}
	}

	for _, ev := range []Event{EventAdvance, EventReject, EventReturn, EventCancel, EventSubmit} {
		_, err := StatusReturned.Apply(ev)
		assert.Error(t, err, "returned/%s", ev)
	}
	_, err := StatusSubmitted.Apply(EventResubmit)
	assert.Error(t, err)
	_, err = StatusNone.Apply(EventAdvance)
	assert.Error(t, err)
}

func TestDecisionEvent(t *testing.T) {
	ev, err := decisionEvent("APP", true)
	require.NoError(t, err)
	assert.Equal(t, EventAdvance, ev)

	ev, err = decisionEvent("APP", false)
	require.NoError(t, err)
	assert.Equal(t, EventFinalize, ev)

	_, err = decisionEvent("approve", false)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}
