package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		expect ErrorCode
	}{
		{name: "not found", err: NotFound("workflow_template", "t1"), expect: ErrCodeNotFound},
		{name: "wrapped state", err: fmt.Errorf("act: %w", State("instance %s is terminal", "i1")), expect: ErrCodeConflict},
		{name: "permission", err: Permission("only the applicant can cancel"), expect: ErrCodeForbidden},
		{name: "plain error", err: stderrors.New("boom"), expect: ErrCodeInternal},
		{name: "wrap keeps code", err: Wrap(stderrors.New("pg down"), ErrCodeInternal, "failed to load"), expect: ErrCodeInternal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, CodeOf(tc.err))
		})
	}
}

func TestValidation_ListsEveryViolation(t *testing.T) {
	err := Validation("approver selection rejected", []Violation{
		{StepID: "s1", StepOrder: 1, Reason: "no approver selected"},
		{StepID: "s2", StepOrder: 2, Reason: "selected approver is not eligible"},
	})

	assert.True(t, IsCode(err, ErrCodeValidation))
	assert.Len(t, ViolationsOf(fmt.Errorf("submit: %w", err)), 2)
	assert.Contains(t, err.Error(), "step s1 (order 1): no approver selected")
	assert.Contains(t, err.Error(), "step s2 (order 2): selected approver is not eligible")
}

func TestAppError_Is(t *testing.T) {
	err := fmt.Errorf("outer: %w", State("stale pointer"))
	assert.True(t, stderrors.Is(err, &AppError{Code: ErrCodeConflict}))
	assert.False(t, stderrors.Is(err, &AppError{Code: ErrCodeNotFound}))
}

func TestWrap_Nil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "unused"))
}
