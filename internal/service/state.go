package service

import (
	"github.com/pesio-ai/be-ex-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ex-approvals/internal/repository"
)

// InstanceStatus is the lifecycle state of a workflow instance. StatusNone
// stands for a document that has no instance yet.
type InstanceStatus string

const (
	StatusNone      InstanceStatus = ""
	StatusSubmitted InstanceStatus = "SUBMITTED"
	StatusReturned  InstanceStatus = "RETURNED"
	StatusFinalized InstanceStatus = "FINALIZED"
	StatusRejected  InstanceStatus = "REJECTED"
	StatusCancelled InstanceStatus = "CANCELLED"
)

// Terminal reports the absorbing states.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case StatusFinalized, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Event drives an instance transition.
type Event string

const (
	EventSubmit   Event = "submit"
	EventResubmit Event = "resubmit"
	EventAdvance  Event = "advance"  // APP with a later step
	EventFinalize Event = "finalize" // APP on the last step
	EventReject   Event = "reject"
	EventReturn   Event = "return"
	EventCancel   Event = "cancel"
)

// Transition is the outcome of applying an Event.
type Transition struct {
	From  InstanceStatus
	Event Event
	To    InstanceStatus
	// Document is the Document.status projection after the transition.
	Document string
	// Action and Result are what the ledger records.
	Action string
	Result string
}

type transitionKey struct {
	from InstanceStatus
	ev   Event
}

type transitionRule struct {
	to       InstanceStatus
	document string
	action   string
	result   string
}

var transitions = map[transitionKey]transitionRule{
	{StatusNone, EventSubmit}:        {StatusSubmitted, repository.DocumentSubmitted, repository.ActionSubmit, repository.DocumentSubmitted},
	{StatusReturned, EventResubmit}:  {StatusSubmitted, repository.DocumentSubmitted, repository.ActionResubmit, repository.DocumentSubmitted},
	{StatusSubmitted, EventAdvance}:  {StatusSubmitted, repository.DocumentInReview, repository.ActionApprove, repository.AssignmentApproved},
	{StatusSubmitted, EventFinalize}: {StatusFinalized, repository.DocumentFinalized, repository.ActionApprove, repository.AssignmentApproved},
	{StatusSubmitted, EventReject}:   {StatusRejected, repository.DocumentRejected, repository.ActionReject, repository.AssignmentRejected},
	{StatusSubmitted, EventReturn}:   {StatusReturned, repository.DocumentReturned, repository.ActionReturn, repository.AssignmentReturned},
	{StatusSubmitted, EventCancel}:   {StatusCancelled, repository.DocumentCancelled, repository.ActionCancel, repository.DocumentCancelled},
}

// Apply returns the transition for ev, or a StateError when the current state
// does not accept it.
func (s InstanceStatus) Apply(ev Event) (Transition, error) {
	rule, ok := transitions[transitionKey{s, ev}]
	if !ok {
		from := string(s)
		if s == StatusNone {
			from = "no instance"
		}
		return Transition{}, errors.State("cannot %s: instance is %s", ev, from)
	}
	return Transition{
		From:     s,
		Event:    ev,
		To:       rule.to,
		Document: rule.document,
		Action:   rule.action,
		Result:   rule.result,
	}, nil
}

// decisionEvent maps an approver decision onto an event; APP depends on
// whether a later step exists.
func decisionEvent(decision string, hasNext bool) (Event, error) {
	switch decision {
	case repository.AssignmentApproved:
		if hasNext {
			return EventAdvance, nil
		}
		return EventFinalize, nil
	case repository.AssignmentRejected:
		return EventReject, nil
	case repository.AssignmentReturned:
		return EventReturn, nil
	}
	return "", errors.InvalidInput("decision", "must be one of APP, REJ, RET")
}
