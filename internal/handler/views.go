package handler

import (
	"time"

	"github.com/pesio-ai/be-ex-approvals/internal/repository"
	"github.com/pesio-ai/be-ex-approvals/internal/service"
)

// JSON shapes shared by the HTTP and gRPC handlers.

type personView struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	OrgUnits  []string `json:"org_units"`
	Role      string   `json:"role"`
	RankID    string   `json:"rank_id,omitempty"`
	RankName  string   `json:"rank_name,omitempty"`
	Seniority *int     `json:"seniority,omitempty"`
}

type stepView struct {
	ID            string       `json:"id"`
	Order         int          `json:"order"`
	Type          string       `json:"type"`
	Scope         string       `json:"scope"`
	RankThreshold *int         `json:"rank_threshold,omitempty"`
	OrgGroupHint  *string      `json:"org_group_hint,omitempty"`
	Candidates    []personView `json:"candidates,omitempty"`
}

type instanceView struct {
	ID          string     `json:"id"`
	DocumentID  string     `json:"document_id"`
	TemplateID  string     `json:"template_id"`
	ApplicantID string     `json:"applicant_id"`
	StepID      *string    `json:"step_id"`
	StepOrder   *int       `json:"step_order"`
	Status      string     `json:"status"`
	Version     int        `json:"version"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type assignmentView struct {
	ID        string     `json:"id"`
	StepID    string     `json:"step_id"`
	StepOrder int        `json:"step_order"`
	PersonID  string     `json:"person_id"`
	Status    string     `json:"status"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	Remarks   string     `json:"remarks,omitempty"`
}

type historyView struct {
	StepID       *string   `json:"step_id,omitempty"`
	StepOrder    *int      `json:"step_order,omitempty"`
	ActorID      string    `json:"actor_id"`
	Action       string    `json:"action"`
	ResultStatus string    `json:"result_status"`
	StatusName   string    `json:"status_name"`
	Comment      string    `json:"comment,omitempty"`
	ActionedAt   time.Time `json:"actioned_at"`
}

func toPersonViews(people []*repository.Person) []personView {
	out := make([]personView, 0, len(people))
	for _, p := range people {
		v := personView{ID: p.ID, Name: p.Name, OrgUnits: p.OrgUnits, Role: string(p.Role)}
		if p.Rank != nil {
			seniority := p.Rank.Seniority
			v.RankID, v.RankName, v.Seniority = p.Rank.ID, p.Rank.Name, &seniority
		}
		out = append(out, v)
	}
	return out
}

func toStepView(s repository.WorkflowStep) stepView {
	return stepView{
		ID:            s.ID,
		Order:         s.Order,
		Type:          string(s.Type),
		Scope:         string(s.Scope),
		RankThreshold: s.RankThreshold,
		OrgGroupHint:  s.OrgGroupHint,
	}
}

func toInstanceView(inst *repository.WorkflowInstance) instanceView {
	return instanceView{
		ID:          inst.ID,
		DocumentID:  inst.DocumentID,
		TemplateID:  inst.TemplateID,
		ApplicantID: inst.ApplicantID,
		StepID:      inst.StepID,
		StepOrder:   inst.StepOrder,
		Status:      inst.Status,
		Version:     inst.Version,
		StartedAt:   inst.StartedAt,
		CompletedAt: inst.CompletedAt,
	}
}

func toAssignmentView(a *repository.ApproverAssignment) assignmentView {
	return assignmentView{
		ID:        a.ID,
		StepID:    a.StepID,
		StepOrder: a.StepOrder,
		PersonID:  a.PersonID,
		Status:    a.Status,
		DecidedAt: a.DecidedAt,
		Remarks:   a.Remarks,
	}
}

func toHistoryView(e service.HistoryEntry) historyView {
	return historyView{
		StepID:       e.StepID,
		StepOrder:    e.StepOrder,
		ActorID:      e.ActorID,
		Action:       e.Action,
		ResultStatus: e.ResultStatus,
		StatusName:   e.StatusName,
		Comment:      e.Comment,
		ActionedAt:   e.ActionedAt,
	}
}
