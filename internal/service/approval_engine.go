package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-ex-approvals/internal/client"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/tracing"
	"github.com/pesio-ai/be-ex-approvals/internal/repository"
)

// DefaultIdempotencyTTL bounds how long a submission id de-duplicates.
const DefaultIdempotencyTTL = 24 * time.Hour

// Selection is the applicant's choice of approver for one step. OrgUnit feeds
// the "others" scope.
type Selection struct {
	PersonID string `json:"person_id"`
	OrgUnit  string `json:"org_unit,omitempty"`
}

// SubmitRequest starts or resumes the workflow of a document.
type SubmitRequest struct {
	DocumentID  string
	ApplicantID string
	TemplateID  string
	// Selections is keyed by step id.
	Selections   map[string]Selection
	SubmissionID string
	Comment      string
}

// SubmitResult is the instance after a submit. Replayed is set when the
// submission id had already been processed.
type SubmitResult struct {
	Instance *repository.WorkflowInstance
	Replayed bool
}

// ActRequest is an approver decision. ExpectedVersion must echo the instance
// version the actor saw.
type ActRequest struct {
	InstanceID      string
	ExpectedVersion int
	ActorID         string
	Decision        string // APP | REJ | RET
	Comment         string
}

// DraftRequest saves approver selections ahead of submission.
type DraftRequest struct {
	DocumentID  string
	ApplicantID string
	TemplateID  string
	Selections  map[string]Selection
}

// CandidateQuery asks for the eligible approvers of one step.
type CandidateQuery struct {
	ApplicantID string
	TemplateID  string
	StepID      string
	Unit        string
}

// StepCandidates pairs a step with its resolved candidates.
type StepCandidates struct {
	Step       repository.WorkflowStep
	Candidates []*repository.Person
}

// HistoryEntry is a ledger entry decorated with its status display name.
type HistoryEntry struct {
	repository.LedgerEntry
	StatusName string
}

// PendingApproval is an assignment awaiting a person's decision.
type PendingApproval struct {
	Assignment *repository.ApproverAssignment
	Instance   *repository.WorkflowInstance
}

// EngineOptions tunes the engine; zero values select defaults.
type EngineOptions struct {
	IdempotencyTTL time.Duration
	Now            func() time.Time
}

// ApprovalEngine runs the approval workflow: candidate validation, instance
// transitions, assignments and the action ledger. Every mutating operation
// is one store transaction.
type ApprovalEngine struct {
	store     repository.Store
	registry  *StepRegistry
	directory repository.Directory
	resolver  *CandidateResolver
	statuses  *StatusCatalog
	notifier  client.Notifier
	log       *logger.Logger
	ttl       time.Duration
	now       func() time.Time
}

// NewApprovalEngine creates an ApprovalEngine.
func NewApprovalEngine(
	store repository.Store,
	registry *StepRegistry,
	directory repository.Directory,
	notifier client.Notifier,
	log *logger.Logger,
	opts EngineOptions,
) *ApprovalEngine {
	e := &ApprovalEngine{
		store:     store,
		registry:  registry,
		directory: directory,
		resolver:  NewCandidateResolver(directory, log),
		statuses:  NewStatusCatalog(store, log),
		notifier:  notifier,
		log:       log,
		ttl:       opts.IdempotencyTTL,
		now:       opts.Now,
	}
	if e.ttl <= 0 {
		e.ttl = DefaultIdempotencyTTL
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// Registry exposes the template registry.
func (e *ApprovalEngine) Registry() *StepRegistry { return e.registry }

// Statuses exposes the status catalog.
func (e *ApprovalEngine) Statuses() *StatusCatalog { return e.statuses }

// ── Candidates ────────────────────────────────────────────────────────────────

// ResolveCandidates returns the eligible approvers of one step.
func (e *ApprovalEngine) ResolveCandidates(ctx context.Context, q CandidateQuery) ([]*repository.Person, error) {
	step, err := e.registry.Step(q.TemplateID, q.StepID)
	if err != nil {
		return nil, err
	}
	snap, applicant, err := e.snapshotFor(ctx, q.ApplicantID)
	if err != nil {
		return nil, err
	}
	return snap.Resolve(applicant, step, unitFor(step, q.Unit)), nil
}

// StepsWithCandidates resolves candidates for every step of a template.
func (e *ApprovalEngine) StepsWithCandidates(ctx context.Context, applicantID, templateID string) ([]StepCandidates, error) {
	steps, err := e.registry.Steps(templateID)
	if err != nil {
		return nil, err
	}
	snap, applicant, err := e.snapshotFor(ctx, applicantID)
	if err != nil {
		return nil, err
	}
	out := make([]StepCandidates, 0, len(steps))
	for _, s := range steps {
		out = append(out, StepCandidates{Step: s, Candidates: snap.Resolve(applicant, s, unitFor(s, ""))})
	}
	return out, nil
}

func (e *ApprovalEngine) snapshotFor(ctx context.Context, applicantID string) (*DirectorySnapshot, *repository.Person, error) {
	if applicantID == "" {
		return nil, nil, errors.InvalidInput("applicant_id", "is required")
	}
	snap, err := e.resolver.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	applicant, ok := snap.Person(applicantID)
	if !ok {
		return nil, nil, errors.NotFound("person", applicantID)
	}
	return snap, applicant, nil
}

// ── Submit ────────────────────────────────────────────────────────────────────

// Submit creates the instance at the entry step, or resumes a RETURNED
// instance at its current step. Every offending selection is reported in one
// ValidationError.
func (e *ApprovalEngine) Submit(ctx context.Context, req SubmitRequest) (res *SubmitResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "approval.submit", map[string]string{
		"document_id": req.DocumentID,
		"template_id": req.TemplateID,
	})
	defer func() { span.End(err) }()

	if err := requireFields("document_id", req.DocumentID, "applicant_id", req.ApplicantID, "template_id", req.TemplateID); err != nil {
		return nil, err
	}
	steps, err := e.registry.Steps(req.TemplateID)
	if err != nil {
		return nil, err
	}
	for stepID := range req.Selections {
		if _, err := e.registry.Step(req.TemplateID, stepID); err != nil {
			return nil, err
		}
	}
	snap, applicant, err := e.snapshotFor(ctx, req.ApplicantID)
	if err != nil {
		return nil, err
	}

	var (
		inst     *repository.WorkflowInstance
		tr       Transition
		replayed bool
		entry    *plannedAssignment
	)
	err = e.store.InTransaction(ctx, func(r repository.Repositories) error {
		now := e.now()

		if req.SubmissionID != "" {
			prior, ok, err := e.replay(ctx, r, req, now)
			if err != nil {
				return err
			}
			if ok {
				inst, replayed = prior, true
				return nil
			}
		}

		cur, err := r.Instances.LockByDocumentID(ctx, req.DocumentID)
		if err != nil && !errors.IsCode(err, errors.ErrCodeNotFound) {
			return err
		}

		from, ev := StatusNone, EventSubmit
		pointer := steps[0]
		if cur != nil {
			from, ev = InstanceStatus(cur.Status), EventResubmit
		}
		if tr, err = from.Apply(ev); err != nil {
			return err
		}
		if cur != nil {
			if cur.ApplicantID != req.ApplicantID {
				return errors.Permission("only the applicant may resubmit document %s", req.DocumentID)
			}
			if cur.TemplateID != req.TemplateID {
				return errors.InvalidInput("template_id", fmt.Sprintf("document uses template %q", cur.TemplateID))
			}
			if cur.StepOrder != nil {
				if pointer, err = e.registry.StepAt(cur.TemplateID, *cur.StepOrder); err != nil {
					return err
				}
			}
		}

		history, err := r.Assignments.ListByDocument(ctx, req.DocumentID)
		if err != nil {
			return err
		}
		plan, violations := planAssignments(snap, applicant, remainingSteps(steps, pointer.Order),
			req.Selections, lastAssignees(history), pointer.Order)
		if len(violations) > 0 {
			return errors.Validation("invalid approver selection", violations)
		}

		if cur == nil {
			inst = &repository.WorkflowInstance{
				ID:          uuid.NewString(),
				DocumentID:  req.DocumentID,
				TemplateID:  req.TemplateID,
				ApplicantID: req.ApplicantID,
				StepID:      ptr(pointer.ID),
				StepOrder:   ptr(pointer.Order),
				Status:      string(tr.To),
				StartedAt:   now,
			}
			if err := r.Instances.Create(ctx, inst); err != nil {
				return err
			}
		} else {
			inst = cur
			expected := inst.Version
			inst.Status = string(tr.To)
			inst.StepID, inst.StepOrder = ptr(pointer.ID), ptr(pointer.Order)
			if err := r.Instances.Update(ctx, inst, expected); err != nil {
				return err
			}
		}

		if err := r.Assignments.DeleteActive(ctx, req.DocumentID, pointer.Order); err != nil {
			return err
		}
		for i := range plan {
			a := plan[i].row(req.DocumentID, now)
			if err := r.Assignments.Insert(ctx, a); err != nil {
				return err
			}
			if plan[i].status == repository.AssignmentPending {
				entry = &plan[i]
			}
		}

		if err := r.Ledger.Append(ctx, &repository.LedgerEntry{
			ID:           uuid.NewString(),
			InstanceID:   inst.ID,
			DocumentID:   inst.DocumentID,
			StepID:       ptr(pointer.ID),
			StepOrder:    ptr(pointer.Order),
			ActorID:      req.ApplicantID,
			Action:       tr.Action,
			ResultStatus: tr.Result,
			Comment:      req.Comment,
			ActionedAt:   now,
		}); err != nil {
			return err
		}
		if err := r.Documents.SetStatus(ctx, req.DocumentID, tr.Document); err != nil {
			return err
		}

		if req.SubmissionID != "" {
			return r.Idempotency.Put(ctx, &repository.IdempotencyKey{
				Key:        req.SubmissionID,
				DocumentID: req.DocumentID,
				InstanceID: inst.ID,
				CreatedAt:  now,
				ExpiresAt:  now.Add(e.ttl),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if replayed {
		e.log.Info().
			Str("document_id", req.DocumentID).
			Str("submission_id", req.SubmissionID).
			Msg("Duplicate submission replayed")
		return &SubmitResult{Instance: inst, Replayed: true}, nil
	}

	e.log.Info().
		Str("document_id", inst.DocumentID).
		Str("instance_id", inst.ID).
		Str("action", tr.Action).
		Int("step_order", *inst.StepOrder).
		Msg("Document submitted")

	if entry != nil {
		e.notifyPerson(ctx, entry.personID, client.Notification{
			EventType:  "approval_required",
			DocumentID: inst.DocumentID,
			ActorID:    req.ApplicantID,
			Subject:    "[Expenses] Approval requested",
			Body:       fmt.Sprintf("Document %s from %s awaits your approval.", inst.DocumentID, applicant.Name),
		})
	}
	return &SubmitResult{Instance: inst}, nil
}

// replay returns the instance a live submission key points to.
func (e *ApprovalEngine) replay(ctx context.Context, r repository.Repositories, req SubmitRequest, now time.Time) (*repository.WorkflowInstance, bool, error) {
	key, err := r.Idempotency.Get(ctx, req.SubmissionID)
	if errors.IsCode(err, errors.ErrCodeNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if key.Expired(now) {
		return nil, false, nil
	}
	if key.DocumentID != req.DocumentID {
		return nil, false, errors.State("submission id %q was already used for document %s", req.SubmissionID, key.DocumentID)
	}
	inst, err := r.Instances.GetByID(ctx, key.InstanceID)
	if err != nil {
		return nil, false, err
	}
	return inst, true, nil
}

type plannedAssignment struct {
	step     repository.WorkflowStep
	personID string
	status   string
}

func (p plannedAssignment) row(documentID string, now time.Time) *repository.ApproverAssignment {
	return &repository.ApproverAssignment{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		StepID:     p.step.ID,
		StepOrder:  p.step.Order,
		PersonID:   p.personID,
		Status:     p.status,
		CreatedAt:  now,
	}
}

// planAssignments validates selections for steps and returns the rows to
// write: pending for the step at activeOrder, draft for later manual steps.
// Automatic steps are only checked for a candidate unless they are active;
// their rows are written when the pointer reaches them. A missing selection
// falls back to the step's previous assignee.
func planAssignments(
	snap *DirectorySnapshot,
	applicant *repository.Person,
	steps []repository.WorkflowStep,
	selections map[string]Selection,
	previous map[int]string,
	activeOrder int,
) ([]plannedAssignment, []errors.Violation) {
	var (
		plan       []plannedAssignment
		violations []errors.Violation
	)
	for _, step := range steps {
		status := repository.AssignmentDraft
		if step.Order == activeOrder {
			status = repository.AssignmentPending
		}

		if normalizeScope(step.Scope).AutoAssigned() {
			candidates := snap.Resolve(applicant, step, unitFor(step, ""))
			if len(candidates) == 0 {
				violations = append(violations, errors.Violation{StepID: step.ID, StepOrder: step.Order,
					Reason: "no eligible approver for automatic step"})
				continue
			}
			if status == repository.AssignmentPending {
				plan = append(plan, plannedAssignment{step: step, personID: candidates[0].ID, status: status})
			}
			continue
		}

		sel := selections[step.ID]
		personID := sel.PersonID
		if personID == "" {
			personID = previous[step.Order]
		}
		if personID == "" {
			violations = append(violations, errors.Violation{StepID: step.ID, StepOrder: step.Order,
				Reason: "approver selection is required"})
			continue
		}
		if !snap.IsCandidate(applicant, step, personID, unitFor(step, sel.OrgUnit)) {
			violations = append(violations, errors.Violation{StepID: step.ID, StepOrder: step.Order,
				Reason: fmt.Sprintf("person %q is not an eligible approver", personID)})
			continue
		}
		plan = append(plan, plannedAssignment{step: step, personID: personID, status: status})
	}
	return plan, violations
}

func remainingSteps(steps []repository.WorkflowStep, fromOrder int) []repository.WorkflowStep {
	out := make([]repository.WorkflowStep, 0, len(steps))
	for _, s := range steps {
		if s.Order >= fromOrder {
			out = append(out, s)
		}
	}
	return out
}

// lastAssignees maps each order to the person of its most recent assignment.
func lastAssignees(history []*repository.ApproverAssignment) map[int]string {
	out := make(map[int]string, len(history))
	for _, a := range history {
		out[a.StepOrder] = a.PersonID
	}
	return out
}

// ── Act ───────────────────────────────────────────────────────────────────────

// Act applies an approver decision to the instance's current step.
func (e *ApprovalEngine) Act(ctx context.Context, req ActRequest) (inst *repository.WorkflowInstance, err error) {
	ctx, span := tracing.StartSpan(ctx, "approval.act", map[string]string{
		"instance_id": req.InstanceID,
		"decision":    req.Decision,
	})
	defer func() { span.End(err) }()

	if err := requireFields("instance_id", req.InstanceID, "actor_id", req.ActorID); err != nil {
		return nil, err
	}
	if _, err := decisionEvent(req.Decision, false); err != nil {
		return nil, err
	}
	if req.ExpectedVersion <= 0 {
		return nil, errors.InvalidInput("expected_version", "is required")
	}
	actor, err := e.directory.GetPerson(ctx, req.ActorID)
	if errors.IsCode(err, errors.ErrCodeNotFound) {
		return nil, errors.Permission("actor %q is not known to the directory", req.ActorID)
	}
	if err != nil {
		return nil, err
	}

	var (
		tr       Transition
		decided  repository.ApproverAssignment
		next     *repository.ApproverAssignment
		fromStep repository.WorkflowStep
	)
	err = e.store.InTransaction(ctx, func(r repository.Repositories) error {
		cur, err := r.Instances.LockByID(ctx, req.InstanceID)
		if err != nil {
			return err
		}
		status := InstanceStatus(cur.Status)
		switch {
		case status.Terminal():
			return errors.State("instance %s is %s", cur.ID, status)
		case status == StatusReturned:
			return errors.State("instance %s was returned and awaits resubmission", cur.ID)
		case cur.Version != req.ExpectedVersion:
			return errors.State("instance %s is at version %d, not %d", cur.ID, cur.Version, req.ExpectedVersion)
		case cur.StepOrder == nil:
			return errors.State("instance %s has no current step", cur.ID)
		}

		if fromStep, err = e.registry.StepAt(cur.TemplateID, *cur.StepOrder); err != nil {
			return err
		}
		nextStep, hasNext, err := e.registry.Next(cur.TemplateID, fromStep.Order)
		if err != nil {
			return err
		}
		ev, err := decisionEvent(req.Decision, hasNext)
		if err != nil {
			return err
		}
		if tr, err = status.Apply(ev); err != nil {
			return err
		}

		if actor.ID == cur.ApplicantID {
			return errors.Permission("the applicant cannot decide on document %s", cur.DocumentID)
		}
		active, err := r.Assignments.ListActive(ctx, cur.DocumentID, fromStep.Order)
		if err != nil {
			return err
		}
		a := pickAssignment(active, actor.ID)
		if a == nil {
			return errors.State("step %d of document %s has no pending assignment", fromStep.Order, cur.DocumentID)
		}
		delegated := a.PersonID != actor.ID
		if delegated && !actor.Role.CanApprove() {
			return errors.Permission("actor %s is neither the assignee nor an approver", actor.ID)
		}
		if delegated && actor.Role == repository.RoleApprover {
			applicant, err := e.directory.GetPerson(ctx, cur.ApplicantID)
			if err != nil {
				return err
			}
			if !actor.InUnit(unitSet(applicant.OrgUnits)) {
				return errors.Permission("approver %s is outside the units of applicant %s", actor.ID, applicant.ID)
			}
		}

		now := e.now()
		a.Status = req.Decision
		a.DecidedAt = &now
		if delegated {
			a.Remarks = appendRemark(a.Remarks, fmt.Sprintf("acted by: %s(%s)", actor.Name, actor.ID))
		}
		if err := r.Assignments.Update(ctx, a); err != nil {
			return err
		}
		decided = *a

		if err := r.Ledger.Append(ctx, &repository.LedgerEntry{
			ID:           uuid.NewString(),
			InstanceID:   cur.ID,
			DocumentID:   cur.DocumentID,
			StepID:       ptr(fromStep.ID),
			StepOrder:    ptr(fromStep.Order),
			ActorID:      actor.ID,
			Action:       tr.Action,
			ResultStatus: tr.Result,
			Comment:      req.Comment,
			ActionedAt:   now,
		}); err != nil {
			return err
		}

		expected := cur.Version
		switch ev {
		case EventAdvance:
			cur.StepID, cur.StepOrder = ptr(nextStep.ID), ptr(nextStep.Order)
			if next, err = e.activate(ctx, r, cur, nextStep); err != nil {
				return err
			}
		case EventFinalize, EventReject:
			cur.CompletedAt = &now
		case EventReturn:
			prev, ok, err := e.registry.Prev(cur.TemplateID, fromStep.Order)
			if err != nil {
				return err
			}
			if ok {
				cur.StepID, cur.StepOrder = ptr(prev.ID), ptr(prev.Order)
			}
		}
		cur.Status = string(tr.To)
		if err := r.Instances.Update(ctx, cur, expected); err != nil {
			return err
		}
		if err := r.Documents.SetStatus(ctx, cur.DocumentID, tr.Document); err != nil {
			return err
		}
		inst = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("instance_id", inst.ID).
		Str("document_id", inst.DocumentID).
		Str("actor_id", actor.ID).
		Str("decision", req.Decision).
		Str("status", inst.Status).
		Int("from_order", fromStep.Order).
		Bool("delegated", decided.PersonID != actor.ID).
		Msg("Approval decision recorded")

	e.notifyPerson(ctx, inst.ApplicantID, client.Notification{
		EventType:  decisionEventType[tr.Event],
		DocumentID: inst.DocumentID,
		ActorID:    actor.ID,
		Subject:    "[Expenses] Decision on your request",
		Body: fmt.Sprintf("Document %s result: %s\nComment: %s",
			inst.DocumentID, e.statuses.DisplayName(ctx, tr.Document), orNone(req.Comment)),
	})
	if next != nil {
		e.notifyPerson(ctx, next.PersonID, client.Notification{
			EventType:  "approval_required",
			DocumentID: inst.DocumentID,
			ActorID:    actor.ID,
			Subject:    "[Expenses] Approval requested",
			Body:       fmt.Sprintf("Document %s awaits your approval at step %d.", inst.DocumentID, next.StepOrder),
		})
	}
	return inst, nil
}

var decisionEventType = map[Event]string{
	EventAdvance:  "approved",
	EventFinalize: "finalized",
	EventReject:   "rejected",
	EventReturn:   "returned",
}

// pickAssignment prefers the actor's own pending row, then the first pending
// row, then the first draft.
func pickAssignment(active []*repository.ApproverAssignment, actorID string) *repository.ApproverAssignment {
	var firstPending *repository.ApproverAssignment
	for _, a := range active {
		if a.Status != repository.AssignmentPending {
			continue
		}
		if a.PersonID == actorID {
			return a
		}
		if firstPending == nil {
			firstPending = a
		}
	}
	if firstPending != nil {
		return firstPending
	}
	if len(active) > 0 {
		return active[0]
	}
	return nil
}

// activate makes sure step has a pending assignment once the pointer reaches
// it: a draft is promoted, an automatic step resolves its first candidate, and
// anything else reuses the step's previous assignee.
func (e *ApprovalEngine) activate(ctx context.Context, r repository.Repositories, inst *repository.WorkflowInstance, step repository.WorkflowStep) (*repository.ApproverAssignment, error) {
	active, err := r.Assignments.ListActive(ctx, inst.DocumentID, step.Order)
	if err != nil {
		return nil, err
	}
	for _, a := range active {
		if a.Status == repository.AssignmentPending {
			return a, nil
		}
	}
	if len(active) > 0 {
		a := active[0]
		a.Status = repository.AssignmentPending
		return a, r.Assignments.Update(ctx, a)
	}

	var personID string
	if normalizeScope(step.Scope).AutoAssigned() {
		snap, applicant, err := e.snapshotFor(ctx, inst.ApplicantID)
		if err != nil {
			return nil, err
		}
		if candidates := snap.Resolve(applicant, step, unitFor(step, "")); len(candidates) > 0 {
			personID = candidates[0].ID
		}
	} else {
		history, err := r.Assignments.ListByDocument(ctx, inst.DocumentID)
		if err != nil {
			return nil, err
		}
		personID = lastAssignees(history)[step.Order]
	}
	if personID == "" {
		return nil, errors.Validation("cannot activate step", []errors.Violation{{
			StepID: step.ID, StepOrder: step.Order, Reason: "no approver available",
		}})
	}

	a := &repository.ApproverAssignment{
		ID:         uuid.NewString(),
		DocumentID: inst.DocumentID,
		StepID:     step.ID,
		StepOrder:  step.Order,
		PersonID:   personID,
		Status:     repository.AssignmentPending,
		CreatedAt:  e.now(),
	}
	return a, r.Assignments.Insert(ctx, a)
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// Cancel withdraws a document that is still SUB. Only the applicant may cancel.
func (e *ApprovalEngine) Cancel(ctx context.Context, documentID, actorID string) (inst *repository.WorkflowInstance, err error) {
	ctx, span := tracing.StartSpan(ctx, "approval.cancel", map[string]string{"document_id": documentID})
	defer func() { span.End(err) }()

	if err := requireFields("document_id", documentID, "actor_id", actorID); err != nil {
		return nil, err
	}

	var pending []*repository.ApproverAssignment
	err = e.store.InTransaction(ctx, func(r repository.Repositories) error {
		cur, err := r.Instances.LockByDocumentID(ctx, documentID)
		if err != nil {
			return err
		}
		docStatus, err := r.Documents.GetStatus(ctx, documentID)
		if err != nil {
			return err
		}
		status := InstanceStatus(cur.Status)
		if docStatus != repository.DocumentSubmitted {
			return errors.State("document %s is %s; only submitted documents can be cancelled", documentID, docStatus)
		}
		tr, err := status.Apply(EventCancel)
		if err != nil {
			return err
		}
		if actorID != cur.ApplicantID {
			return errors.Permission("only the applicant may cancel document %s", documentID)
		}

		now := e.now()
		if cur.StepOrder != nil {
			if pending, err = r.Assignments.ListActive(ctx, documentID, *cur.StepOrder); err != nil {
				return err
			}
			if err := r.Assignments.DeleteActive(ctx, documentID, *cur.StepOrder); err != nil {
				return err
			}
		}
		if err := r.Ledger.Append(ctx, &repository.LedgerEntry{
			ID:           uuid.NewString(),
			InstanceID:   cur.ID,
			DocumentID:   documentID,
			StepID:       cur.StepID,
			StepOrder:    cur.StepOrder,
			ActorID:      actorID,
			Action:       tr.Action,
			ResultStatus: tr.Result,
			Comment:      "cancelled by applicant",
			ActionedAt:   now,
		}); err != nil {
			return err
		}

		expected := cur.Version
		cur.Status = string(tr.To)
		cur.CompletedAt = &now
		if err := r.Instances.Update(ctx, cur, expected); err != nil {
			return err
		}
		if err := r.Documents.SetStatus(ctx, documentID, tr.Document); err != nil {
			return err
		}
		inst = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().Str("document_id", documentID).Str("instance_id", inst.ID).Msg("Document cancelled")
	for _, a := range pending {
		e.notifyPerson(ctx, a.PersonID, client.Notification{
			EventType:  "cancelled",
			DocumentID: documentID,
			ActorID:    actorID,
			Subject:    "[Expenses] Request withdrawn",
			Body:       fmt.Sprintf("Document %s was withdrawn by the applicant.", documentID),
		})
	}
	return inst, nil
}

// ── Drafts ────────────────────────────────────────────────────────────────────

// SaveDraft stores approver selections as draft assignments and marks the
// document DRA. Invalid or missing selections are skipped; automatic steps are
// filled with their first candidate.
func (e *ApprovalEngine) SaveDraft(ctx context.Context, req DraftRequest) (saved []*repository.ApproverAssignment, err error) {
	ctx, span := tracing.StartSpan(ctx, "approval.save_draft", map[string]string{"document_id": req.DocumentID})
	defer func() { span.End(err) }()

	if err := requireFields("document_id", req.DocumentID, "applicant_id", req.ApplicantID, "template_id", req.TemplateID); err != nil {
		return nil, err
	}
	steps, err := e.registry.Steps(req.TemplateID)
	if err != nil {
		return nil, err
	}
	snap, applicant, err := e.snapshotFor(ctx, req.ApplicantID)
	if err != nil {
		return nil, err
	}

	err = e.store.InTransaction(ctx, func(r repository.Repositories) error {
		if _, err := r.Instances.LockByDocumentID(ctx, req.DocumentID); err == nil {
			return errors.State("document %s is already submitted", req.DocumentID)
		} else if !errors.IsCode(err, errors.ErrCodeNotFound) {
			return err
		}
		if err := r.Assignments.DeleteActive(ctx, req.DocumentID, math.MinInt32); err != nil {
			return err
		}

		now := e.now()
		for _, step := range steps {
			var personID string
			if normalizeScope(step.Scope).AutoAssigned() {
				if c := snap.Resolve(applicant, step, unitFor(step, "")); len(c) > 0 {
					personID = c[0].ID
				}
			} else if sel, ok := req.Selections[step.ID]; ok && sel.PersonID != "" &&
				snap.IsCandidate(applicant, step, sel.PersonID, unitFor(step, sel.OrgUnit)) {
				personID = sel.PersonID
			}
			if personID == "" {
				continue
			}
			a := plannedAssignment{step: step, personID: personID, status: repository.AssignmentDraft}.row(req.DocumentID, now)
			if err := r.Assignments.Insert(ctx, a); err != nil {
				return err
			}
			saved = append(saved, a)
		}
		return r.Documents.SetStatus(ctx, req.DocumentID, repository.DocumentDraft)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().Str("document_id", req.DocumentID).Int("assignments", len(saved)).Msg("Draft saved")
	return saved, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetInstance returns the instance of a document.
func (e *ApprovalEngine) GetInstance(ctx context.Context, documentID string) (*repository.WorkflowInstance, error) {
	return e.store.Repositories().Instances.GetByDocumentID(ctx, documentID)
}

// GetDocumentStatus returns the document status code.
func (e *ApprovalEngine) GetDocumentStatus(ctx context.Context, documentID string) (string, error) {
	return e.store.Repositories().Documents.GetStatus(ctx, documentID)
}

// GetHistory returns the ledger of a document, oldest first.
func (e *ApprovalEngine) GetHistory(ctx context.Context, documentID string) ([]HistoryEntry, error) {
	entries, err := e.store.Repositories().Ledger.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(entries))
	for _, en := range entries {
		out = append(out, HistoryEntry{LedgerEntry: *en, StatusName: e.statuses.DisplayName(ctx, en.ResultStatus)})
	}
	return out, nil
}

// PendingFor lists the assignments awaiting personID on live instances.
func (e *ApprovalEngine) PendingFor(ctx context.Context, personID string) ([]PendingApproval, error) {
	repos := e.store.Repositories()
	rows, err := repos.Assignments.ListPendingForPerson(ctx, personID)
	if err != nil {
		return nil, err
	}
	var out []PendingApproval
	for _, a := range rows {
		inst, err := repos.Instances.GetByDocumentID(ctx, a.DocumentID)
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if InstanceStatus(inst.Status) != StatusSubmitted || inst.StepOrder == nil || *inst.StepOrder != a.StepOrder {
			continue
		}
		out = append(out, PendingApproval{Assignment: a, Instance: inst})
	}
	return out, nil
}

// PurgeExpiredKeys deletes idempotency keys past their expiry.
func (e *ApprovalEngine) PurgeExpiredKeys(ctx context.Context) (int64, error) {
	n, err := e.store.Repositories().Idempotency.DeleteExpired(ctx, e.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.Info().Int64("deleted", n).Msg("Expired submission keys purged")
	}
	return n, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (e *ApprovalEngine) notifyPerson(ctx context.Context, personID string, n client.Notification) {
	if e.notifier == nil {
		return
	}
	p, err := e.directory.GetPerson(ctx, personID)
	if err != nil {
		e.log.Warn().Err(err).Str("person_id", personID).Msg("Notification recipient lookup failed")
		return
	}
	n.Recipient = p.Email
	e.notifier.Notify(ctx, n)
}

// requireFields takes name/value pairs and reports the first empty value.
func requireFields(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return errors.InvalidInput(pairs[i], "is required")
		}
	}
	return nil
}

func appendRemark(remarks, note string) string {
	if remarks == "" {
		return note
	}
	return remarks + "\n" + note
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func unitSet(units []string) map[string]struct{} {
	out := make(map[string]struct{}, len(units))
	for _, u := range units {
		out[u] = struct{}{}
	}
	return out
}

func ptr[T any](v T) *T { return &v }
