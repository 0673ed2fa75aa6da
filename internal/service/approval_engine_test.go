package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ex-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ex-approvals/internal/repository"
)

func TestTwoStep_ApproveThroughAccounting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst := h.submitTwoStep(t, "doc-1")
	assert.Equal(t, string(StatusSubmitted), inst.Status)
	assert.Equal(t, 1, *inst.StepOrder)
	assert.Equal(t, repository.DocumentSubmitted, h.docStatus(t, "doc-1"))
	assert.Len(t, h.notifier.To("a@example.com"), 1)

	inst = h.act(t, inst, "A", repository.AssignmentApproved)
	assert.Equal(t, string(StatusSubmitted), inst.Status)
	assert.Equal(t, "s2", *inst.StepID)
	assert.Equal(t, repository.DocumentInReview, h.docStatus(t, "doc-1"))

	rows := h.assignments(t, "doc-1")
	require.Len(t, rows, 2)
	assert.Equal(t, "B", rows[1].PersonID, "automatic step assigns the first accountant")
	assert.Equal(t, repository.AssignmentPending, rows[1].Status)
	assert.Len(t, h.notifier.To("b@example.com"), 1)

	inst = h.act(t, inst, "B", repository.AssignmentApproved)
	assert.Equal(t, string(StatusFinalized), inst.Status)
	assert.NotNil(t, inst.CompletedAt)
	assert.Equal(t, repository.DocumentFinalized, h.docStatus(t, "doc-1"))

	_, err := h.engine.Act(ctx, ActRequest{InstanceID: inst.ID, ExpectedVersion: inst.Version, ActorID: "B", Decision: "APP"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
	assert.Len(t, h.ledger(t, "doc-1"), 3)
}

func TestTwoStep_RejectCreatesNoLaterAssignment(t *testing.T) {
	h := newHarness(t)

	inst := h.submitTwoStep(t, "doc-1")
	inst = h.act(t, inst, "A", repository.AssignmentRejected)

	assert.Equal(t, string(StatusRejected), inst.Status)
	assert.NotNil(t, inst.CompletedAt)
	assert.Equal(t, repository.DocumentRejected, h.docStatus(t, "doc-1"))

	for _, a := range h.assignments(t, "doc-1") {
		assert.NotEqual(t, 2, a.StepOrder, "step 2 must never be assigned")
	}
}

func TestKApprovalsFinalize(t *testing.T) {
	h := newHarness(t)

	inst := h.submitThreeStep(t, "doc-1")
	for _, actor := range []string{"A", "C", "D"} {
		require.NotEqual(t, string(StatusFinalized), inst.Status)
		inst = h.act(t, inst, actor, repository.AssignmentApproved)
	}

	assert.Equal(t, string(StatusFinalized), inst.Status)
	assert.NotNil(t, inst.CompletedAt)
	assert.Equal(t, repository.DocumentFinalized, h.docStatus(t, "doc-1"))
}

func TestAbsorbingStates(t *testing.T) {
	testCases := []struct {
		name      string
		terminate func(t *testing.T, h *harness, inst *repository.WorkflowInstance) *repository.WorkflowInstance
	}{
		{
			name: "rejected",
			terminate: func(t *testing.T, h *harness, inst *repository.WorkflowInstance) *repository.WorkflowInstance {
				return h.act(t, inst, "A", repository.AssignmentRejected)
			},
		},
		{
			name: "cancelled",
			terminate: func(t *testing.T, h *harness, _ *repository.WorkflowInstance) *repository.WorkflowInstance {
				out, err := h.engine.Cancel(context.Background(), "doc-1", "app")
				require.NoError(t, err)
				return out
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			inst := tc.terminate(t, h, h.submitTwoStep(t, "doc-1"))
			before := len(h.ledger(t, "doc-1"))

			for _, decision := range []string{"APP", "REJ", "RET"} {
				_, err := h.engine.Act(ctx, ActRequest{InstanceID: inst.ID, ExpectedVersion: inst.Version, ActorID: "A", Decision: decision})
				assert.True(t, errors.IsCode(err, errors.ErrCodeConflict), decision)
			}
			_, err := h.engine.Cancel(ctx, "doc-1", "app")
			assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
			_, err = h.engine.Cancel(ctx, "doc-1", "C")
			assert.True(t, errors.IsCode(err, errors.ErrCodeConflict), "state is checked before permission")

			assert.Len(t, h.ledger(t, "doc-1"), before)
		})
	}
}

func TestReturn_MovesToNearestLowerOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.submitThreeStep(t, "doc-1")
	inst := h.act(t, first, "A", repository.AssignmentApproved)
	require.Equal(t, 20, *inst.StepOrder)

	inst = h.act(t, inst, "C", repository.AssignmentReturned)
	assert.Equal(t, string(StatusReturned), inst.Status)
	assert.Equal(t, 10, *inst.StepOrder, "returns to order 10, not 19")
	assert.Nil(t, inst.CompletedAt)
	assert.Equal(t, repository.DocumentReturned, h.docStatus(t, "doc-1"))

	_, err := h.engine.Act(ctx, ActRequest{InstanceID: inst.ID, ExpectedVersion: inst.Version, ActorID: "A", Decision: "APP"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict), "returned instances await resubmission")

	res, err := h.engine.Submit(ctx, SubmitRequest{DocumentID: "doc-1", ApplicantID: "app", TemplateID: "three-step", Comment: "fixed receipts"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, res.Instance.ID, "resubmission reuses the instance")
	assert.Equal(t, string(StatusSubmitted), res.Instance.Status)
	assert.Equal(t, 10, *res.Instance.StepOrder)
	assert.Equal(t, repository.DocumentSubmitted, h.docStatus(t, "doc-1"))

	ledger := h.ledger(t, "doc-1")
	require.Len(t, ledger, 4)
	assert.Equal(t, repository.ActionResubmit, ledger[3].Action)

	active, err := h.store.Repositories().Assignments.ListActive(ctx, "doc-1", 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "A", active[0].PersonID, "previous assignee is reused")
	assert.Equal(t, repository.AssignmentPending, active[0].Status)

	inst = h.act(t, res.Instance, "A", repository.AssignmentApproved)
	inst = h.act(t, inst, "C", repository.AssignmentApproved)
	inst = h.act(t, inst, "D", repository.AssignmentApproved)
	assert.Equal(t, string(StatusFinalized), inst.Status)
}

func TestReturn_AtEntryStaysPut(t *testing.T) {
	h := newHarness(t)

	inst := h.submitThreeStep(t, "doc-1")
	inst = h.act(t, inst, "A", repository.AssignmentReturned)

	assert.Equal(t, string(StatusReturned), inst.Status)
	assert.Equal(t, 10, *inst.StepOrder)
	assert.Equal(t, "t10", *inst.StepID)
}

func TestSubmit_CollectsEveryViolation(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Submit(context.Background(), SubmitRequest{
		DocumentID:  "doc-1",
		ApplicantID: "app",
		TemplateID:  "three-step",
		Selections: map[string]Selection{
			"t10": {PersonID: "app"},
			"t30": {PersonID: "ghost"},
		},
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))

	violations := errors.ViolationsOf(err)
	require.Len(t, violations, 3)
	assert.Equal(t, "t10", violations[0].StepID)
	assert.Equal(t, "t20", violations[1].StepID)
	assert.Equal(t, "t30", violations[2].StepID)

	_, err = h.engine.GetInstance(context.Background(), "doc-1")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound), "a failed submit writes nothing")
	assert.Empty(t, h.ledger(t, "doc-1"))
}

func TestSubmit_RankThresholdRejectsJuniorApprover(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Submit(context.Background(), SubmitRequest{
		DocumentID:  "doc-1",
		ApplicantID: "app",
		TemplateID:  "two-step",
		Selections:  map[string]Selection{"s1": {PersonID: "C"}},
	})
	require.Error(t, err)
	violations := errors.ViolationsOf(err)
	require.Len(t, violations, 1)
	assert.Equal(t, "s1", violations[0].StepID)
}

func TestSubmit_UnknownReferences(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, SubmitRequest{DocumentID: "d", ApplicantID: "app", TemplateID: "nope"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	_, err = h.engine.Submit(ctx, SubmitRequest{DocumentID: "d", ApplicantID: "app", TemplateID: "two-step",
		Selections: map[string]Selection{"zz": {PersonID: "A"}}})
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	_, err = h.engine.Submit(ctx, SubmitRequest{DocumentID: "", ApplicantID: "app", TemplateID: "two-step"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

func TestSubmit_WhileInProgressIsStateError(t *testing.T) {
	h := newHarness(t)
	h.submitTwoStep(t, "doc-1")

	_, err := h.engine.Submit(context.Background(), SubmitRequest{
		DocumentID: "doc-1", ApplicantID: "app", TemplateID: "two-step",
		Selections: map[string]Selection{"s1": {PersonID: "A"}},
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
}

func TestAct_StaleVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst := h.submitThreeStep(t, "doc-1")
	stale := *inst
	h.act(t, inst, "A", repository.AssignmentApproved)

	_, err := h.engine.Act(ctx, ActRequest{InstanceID: stale.ID, ExpectedVersion: stale.Version, ActorID: "D", Decision: "APP"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
	assert.Len(t, h.ledger(t, "doc-1"), 2)

	_, err = h.engine.Act(ctx, ActRequest{InstanceID: stale.ID, ActorID: "D", Decision: "APP"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

func TestAct_ConcurrentDecisionsCommitOnce(t *testing.T) {
	h := newHarness(t)
	inst := h.submitThreeStep(t, "doc-1")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for _, actor := range []string{"A", "E"} {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			_, err := h.engine.Act(context.Background(), ActRequest{
				InstanceID: inst.ID, ExpectedVersion: inst.Version, ActorID: actor, Decision: "APP",
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if errors.IsCode(err, errors.ErrCodeConflict) {
				conflicts++
			}
		}(actor)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
	got, err := h.engine.GetInstance(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 20, *got.StepOrder, "the loser must not advance past the winner")
}

func TestAct_Permissions(t *testing.T) {
	testCases := []struct {
		name  string
		actor string
	}{
		{name: "applicant", actor: "app"},
		{name: "employee who is not the assignee", actor: "C"},
		{name: "unknown actor", actor: "nobody"},
		{name: "approver from another unit", actor: "D"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			inst := h.submitThreeStep(t, "doc-1")

			_, err := h.engine.Act(context.Background(), ActRequest{InstanceID: inst.ID, ExpectedVersion: inst.Version, ActorID: tc.actor, Decision: "APP"})
			assert.True(t, errors.IsCode(err, errors.ErrCodeForbidden), "got %v", err)
			assert.Len(t, h.ledger(t, "doc-1"), 1)
		})
	}
}

func TestAct_AssigneeMayActRegardlessOfRole(t *testing.T) {
	h := newHarness(t)
	inst := h.submitThreeStep(t, "doc-1")
	inst = h.act(t, inst, "A", repository.AssignmentApproved) // step 20 belongs to C, an employee

	_, err := h.engine.Act(context.Background(), ActRequest{InstanceID: inst.ID, ExpectedVersion: inst.Version, ActorID: "C", Decision: "APP"})
	require.NoError(t, err)
}

func TestAct_DelegatedFallbackAnnotatesRemarks(t *testing.T) {
	testCases := []struct {
		name   string
		actor  string
		remark string
	}{
		{name: "approver sharing the applicant's unit", actor: "E", remark: "acted by: Lead E(E)"},
		{name: "accountant from any unit", actor: "B", remark: "acted by: Accountant B(B)"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			inst := h.submitThreeStep(t, "doc-1")

			h.act(t, inst, tc.actor, repository.AssignmentApproved)

			rows := h.assignments(t, "doc-1")
			var decided *repository.ApproverAssignment
			for _, a := range rows {
				if a.StepOrder == 10 {
					decided = a
				}
			}
			require.NotNil(t, decided)
			assert.Equal(t, "A", decided.PersonID)
			assert.Equal(t, repository.AssignmentApproved, decided.Status)
			assert.Contains(t, decided.Remarks, tc.remark)

			ledger := h.ledger(t, "doc-1")
			assert.Equal(t, tc.actor, ledger[1].ActorID)
		})
	}
}

func TestAct_ApproverOutsideUnitCannotReject(t *testing.T) {
	h := newHarness(t)
	inst := h.submitThreeStep(t, "doc-1")

	_, err := h.engine.Act(context.Background(), ActRequest{InstanceID: inst.ID, ExpectedVersion: inst.Version, ActorID: "D", Decision: "REJ"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeForbidden), "got %v", err)

	got, err := h.engine.GetInstance(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, string(StatusSubmitted), got.Status)
	for _, a := range h.assignments(t, "doc-1") {
		if a.StepOrder == 10 {
			assert.Equal(t, repository.AssignmentPending, a.Status)
			assert.Empty(t, a.Remarks)
		}
	}
}

func TestAct_InvalidDecision(t *testing.T) {
	h := newHarness(t)
	inst := h.submitTwoStep(t, "doc-1")

	_, err := h.engine.Act(context.Background(), ActRequest{InstanceID: inst.ID, ExpectedVersion: inst.Version, ActorID: "A", Decision: "MAYBE"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submitTwoStep(t, "doc-1")

	_, err := h.engine.Cancel(ctx, "doc-1", "A")
	assert.True(t, errors.IsCode(err, errors.ErrCodeForbidden))

	inst, err := h.engine.Cancel(ctx, "doc-1", "app")
	require.NoError(t, err)
	assert.Equal(t, string(StatusCancelled), inst.Status)
	assert.NotNil(t, inst.CompletedAt)
	assert.Equal(t, repository.DocumentCancelled, h.docStatus(t, "doc-1"))

	ledger := h.ledger(t, "doc-1")
	require.Len(t, ledger, 2)
	assert.Equal(t, repository.ActionCancel, ledger[1].Action)
	assert.Len(t, h.notifier.To("a@example.com"), 2, "approval request then withdrawal")

	pending, err := h.engine.PendingFor(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, pending)

	leftover, err := h.store.Repositories().Assignments.ListPendingForPerson(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, leftover, "the current step's assignment is closed with the instance")
	active, err := h.store.Repositories().Assignments.ListActive(ctx, "doc-1", 1)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCancel_OnlyWhileSubmitted(t *testing.T) {
	h := newHarness(t)
	inst := h.submitTwoStep(t, "doc-1")
	h.act(t, inst, "A", repository.AssignmentApproved)

	_, err := h.engine.Cancel(context.Background(), "doc-1", "app")
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))

	_, err = h.engine.Cancel(context.Background(), "missing", "app")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestIdempotentSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := SubmitRequest{
		DocumentID:   "doc-1",
		ApplicantID:  "app",
		TemplateID:   "two-step",
		Selections:   map[string]Selection{"s1": {PersonID: "A"}},
		SubmissionID: "sub-123",
	}

	first, err := h.engine.Submit(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := h.engine.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Instance.ID, again.Instance.ID)
	assert.Len(t, h.ledger(t, "doc-1"), 1)

	other := req
	other.DocumentID = "doc-2"
	_, err = h.engine.Submit(ctx, other)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))

	h.clock.Advance(25 * time.Hour)
	res, err := h.engine.Submit(ctx, other)
	require.NoError(t, err, "an expired key no longer binds")
	assert.False(t, res.Replayed)

	h.clock.Advance(25 * time.Hour)
	n, err := h.engine.PurgeExpiredKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSaveDraft_ThenSubmitUsesDraftSelections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	saved, err := h.engine.SaveDraft(ctx, DraftRequest{
		DocumentID:  "doc-1",
		ApplicantID: "app",
		TemplateID:  "two-step",
		Selections:  map[string]Selection{"s1": {PersonID: "D"}},
	})
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, "D", saved[0].PersonID)
	assert.Equal(t, "B", saved[1].PersonID)
	assert.Equal(t, repository.DocumentDraft, h.docStatus(t, "doc-1"))

	_, err = h.engine.GetInstance(ctx, "doc-1")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound), "drafts have no instance")

	res, err := h.engine.Submit(ctx, SubmitRequest{DocumentID: "doc-1", ApplicantID: "app", TemplateID: "two-step"})
	require.NoError(t, err)

	active, err := h.store.Repositories().Assignments.ListActive(ctx, "doc-1", 1)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "D", active[0].PersonID)
	assert.Equal(t, repository.AssignmentPending, active[0].Status)

	_, err = h.engine.SaveDraft(ctx, DraftRequest{DocumentID: "doc-1", ApplicantID: "app", TemplateID: "two-step"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
	assert.NotEmpty(t, res.Instance.ID)
}

func TestSaveDraft_SkipsInvalidSelections(t *testing.T) {
	h := newHarness(t)

	saved, err := h.engine.SaveDraft(context.Background(), DraftRequest{
		DocumentID:  "doc-1",
		ApplicantID: "app",
		TemplateID:  "two-step",
		Selections:  map[string]Selection{"s1": {PersonID: "C"}},
	})
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, 2, saved[0].StepOrder)
}

func TestPendingFor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst := h.submitThreeStep(t, "doc-1")
	h.submitTwoStep(t, "doc-2")

	pending, err := h.engine.PendingFor(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	h.act(t, inst, "A", repository.AssignmentApproved)
	pending, err = h.engine.PendingFor(ctx, "A")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "doc-2", pending[0].Instance.DocumentID)

	pending, err = h.engine.PendingFor(ctx, "C")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 20, pending[0].Assignment.StepOrder)
}

func TestGetHistory_OrderedWithDisplayNames(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst := h.submitTwoStep(t, "doc-1")
	inst = h.act(t, inst, "A", repository.AssignmentApproved)
	h.act(t, inst, "B", repository.AssignmentReturned)

	history, err := h.engine.GetHistory(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.Equal(t, repository.ActionSubmit, history[0].Action)
	assert.Equal(t, "Submitted", history[0].StatusName)
	assert.Equal(t, repository.ActionApprove, history[1].Action)
	assert.Equal(t, "In review", history[1].StatusName)
	assert.Equal(t, repository.ActionReturn, history[2].Action)
	assert.Equal(t, "Returned", history[2].StatusName)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].ActionedAt.Before(history[i-1].ActionedAt))
	}

	empty, err := h.engine.GetHistory(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestResolveCandidatesAndSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	people, err := h.engine.ResolveCandidates(ctx, CandidateQuery{ApplicantID: "app", TemplateID: "two-step", StepID: "s1"})
	require.NoError(t, err)
	require.Len(t, people, 2)
	assert.Equal(t, "D", people[0].ID)
	assert.Equal(t, "A", people[1].ID)

	_, err = h.engine.ResolveCandidates(ctx, CandidateQuery{ApplicantID: "app", TemplateID: "two-step", StepID: "s9"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	steps, err := h.engine.StepsWithCandidates(ctx, "app", "two-step")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Len(t, steps[1].Candidates, 1)
	assert.Equal(t, "B", steps[1].Candidates[0].ID)
}
