package repository

import "time"

// ── Directory records (read-only to the engine) ──────────────────────────────

// Role is a person's authority inside the expense system.
type Role string

const (
	RoleEmployee      Role = "employee"
	RoleApprover      Role = "approver"
	RoleAccountant    Role = "accountant"
	RoleFinalApprover Role = "final_approver"
)

// CanApprove reports whether the role belongs to the approving set.
func (r Role) CanApprove() bool {
	switch r {
	case RoleApprover, RoleAccountant, RoleFinalApprover:
		return true
	}
	return false
}

// OrganizationUnit is an organizational grouping. ParentID is informational only.
type OrganizationUnit struct {
	ID       string
	Name     string
	ParentID *string
}

// OrgRelation is a directed link Unit → RelatedUnit.
type OrgRelation struct {
	Unit        string
	RelatedUnit string
}

// Rank is a position; lower Seniority is more senior.
type Rank struct {
	ID        string
	Name      string
	Seniority int
}

// Person is an applicant or approver as supplied by the directory.
type Person struct {
	ID       string
	Name     string
	Email    string
	OrgUnits []string
	Rank     *Rank // nil when the person holds no rank
	Role     Role
}

// InUnit reports membership of any of the given units.
func (p Person) InUnit(units map[string]struct{}) bool {
	for _, u := range p.OrgUnits {
		if _, ok := units[u]; ok {
			return true
		}
	}
	return false
}

// ── Workflow definitions (immutable at run time) ─────────────────────────────

// StepType describes what a step asks of its approver.
type StepType string

const (
	StepTypeApproval     StepType = "approval"
	StepTypeReception    StepType = "reception"
	StepTypeConfirmation StepType = "confirmation"
)

// Scope is the organizational eligibility rule attached to a step.
type Scope string

const (
	ScopeSame   Scope = "same"
	ScopeParent Scope = "parent"
	ScopeKeiri  Scope = "keiri"
	ScopeAny    Scope = "any"
	ScopeOthers Scope = "others"
)

// AutoAssigned reports scopes whose approver is picked by the engine instead of
// the applicant.
func (s Scope) AutoAssigned() bool { return s == ScopeKeiri }

// WorkflowTemplate is an ordered approval route for a document type.
type WorkflowTemplate struct {
	ID          string
	Name        string
	Description string
	Steps       []WorkflowStep
}

// WorkflowStep is one position in a template.
type WorkflowStep struct {
	ID         string
	TemplateID string
	Order      int
	Type       StepType
	// ThresholdRankID references the least senior rank allowed to decide.
	ThresholdRankID *string
	// RankThreshold is the seniority ceiling; nil means no rank filter.
	RankThreshold *int
	Scope         Scope
	OrgGroupHint  *string
}

// ── Workflow runtime records ─────────────────────────────────────────────────

// WorkflowInstance is the live execution state of a template for one document.
type WorkflowInstance struct {
	ID          string
	DocumentID  string
	TemplateID  string
	ApplicantID string
	StepID      *string
	StepOrder   *int
	Status      string // SUBMITTED | RETURNED | FINALIZED | REJECTED | CANCELLED
	Version     int
	StartedAt   time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// Assignment statuses.
const (
	AssignmentDraft    = "draft"
	AssignmentPending  = "pending"
	AssignmentApproved = "APP"
	AssignmentRejected = "REJ"
	AssignmentReturned = "RET"
)

// ApproverAssignment records who is slated for, or decided, a document step.
type ApproverAssignment struct {
	ID         string
	DocumentID string
	StepID     string
	StepOrder  int
	PersonID   string
	Status     string // draft | pending | APP | REJ | RET
	DecidedAt  *time.Time
	Remarks    string
	CreatedAt  time.Time
}

// Active reports whether the assignment still awaits a decision.
func (a ApproverAssignment) Active() bool {
	return a.Status == AssignmentDraft || a.Status == AssignmentPending
}

// Ledger actions.
const (
	ActionSubmit   = "submit"
	ActionResubmit = "resubmit"
	ActionApprove  = "approve"
	ActionReject   = "reject"
	ActionReturn   = "return"
	ActionCancel   = "cancel"
)

// LedgerEntry is one immutable record of a transition.
type LedgerEntry struct {
	ID           string
	InstanceID   string
	DocumentID   string
	StepID       *string
	StepOrder    *int
	ActorID      string
	Action       string
	ResultStatus string // status code, e.g. SUB, APP, REJ, RET, CAN
	Comment      string
	ActionedAt   time.Time
	Seq          int64
}

// StatusRecord is a display entry of the status catalog.
type StatusRecord struct {
	Code       string
	Name       string
	ActionName string
}

// IdempotencyKey binds a caller-supplied submission id to the instance it produced.
type IdempotencyKey struct {
	Key        string
	DocumentID string
	InstanceID string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the key no longer de-duplicates at time now.
func (k IdempotencyKey) Expired(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}
