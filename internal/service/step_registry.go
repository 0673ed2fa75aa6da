package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/pesio-ai/be-ex-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ex-approvals/internal/repository"
)

// StepRegistry is the read-only set of workflow templates, each with its steps
// sorted by order.
type StepRegistry struct {
	templates map[string]*repository.WorkflowTemplate
	ids       []string
}

// LoadStepRegistry reads every template from src.
func LoadStepRegistry(ctx context.Context, src repository.TemplateSource) (*StepRegistry, error) {
	templates, err := src.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	return NewStepRegistry(templates)
}

// NewStepRegistry copies and validates templates. A template without steps or
// with repeated orders or step ids is refused.
func NewStepRegistry(templates []*repository.WorkflowTemplate) (*StepRegistry, error) {
	reg := &StepRegistry{templates: make(map[string]*repository.WorkflowTemplate, len(templates))}
	var violations []errors.Violation

	for _, t := range templates {
		if _, dup := reg.templates[t.ID]; dup {
			violations = append(violations, errors.Violation{Field: "template", Reason: fmt.Sprintf("duplicate template %q", t.ID)})
			continue
		}
		if len(t.Steps) == 0 {
			violations = append(violations, errors.Violation{Field: "template", Reason: fmt.Sprintf("template %q has no steps", t.ID)})
			continue
		}

		cp := *t
		cp.Steps = append([]repository.WorkflowStep(nil), t.Steps...)
		sort.SliceStable(cp.Steps, func(i, j int) bool { return cp.Steps[i].Order < cp.Steps[j].Order })

		seenID := map[string]bool{}
		for i, s := range cp.Steps {
			if i > 0 && cp.Steps[i-1].Order == s.Order {
				violations = append(violations, errors.Violation{StepID: s.ID, StepOrder: s.Order,
					Reason: fmt.Sprintf("template %q repeats order %d", t.ID, s.Order)})
			}
			if seenID[s.ID] {
				violations = append(violations, errors.Violation{StepID: s.ID, StepOrder: s.Order,
					Reason: fmt.Sprintf("template %q repeats step id", t.ID)})
			}
			seenID[s.ID] = true
			cp.Steps[i].TemplateID = t.ID
		}

		reg.templates[t.ID] = &cp
		reg.ids = append(reg.ids, t.ID)
	}

	if len(violations) > 0 {
		return nil, errors.Validation("invalid workflow templates", violations)
	}
	sort.Strings(reg.ids)
	return reg, nil
}

// TemplateIDs lists registered templates in id order.
func (r *StepRegistry) TemplateIDs() []string {
	return append([]string(nil), r.ids...)
}

// Template returns a template; unknown ids are NotFound.
func (r *StepRegistry) Template(templateID string) (*repository.WorkflowTemplate, error) {
	t, ok := r.templates[templateID]
	if !ok {
		return nil, errors.NotFound("workflow_template", templateID)
	}
	return t, nil
}

// Steps returns the steps of a template in ascending order.
func (r *StepRegistry) Steps(templateID string) ([]repository.WorkflowStep, error) {
	t, err := r.Template(templateID)
	if err != nil {
		return nil, err
	}
	return append([]repository.WorkflowStep(nil), t.Steps...), nil
}

// Entry returns the step with the minimum order.
func (r *StepRegistry) Entry(templateID string) (repository.WorkflowStep, error) {
	t, err := r.Template(templateID)
	if err != nil {
		return repository.WorkflowStep{}, err
	}
	return t.Steps[0], nil
}

// Step returns a step by id.
func (r *StepRegistry) Step(templateID, stepID string) (repository.WorkflowStep, error) {
	t, err := r.Template(templateID)
	if err != nil {
		return repository.WorkflowStep{}, err
	}
	for _, s := range t.Steps {
		if s.ID == stepID {
			return s, nil
		}
	}
	return repository.WorkflowStep{}, errors.NotFound("workflow_step", stepID)
}

// StepAt returns the step with exactly the given order.
func (r *StepRegistry) StepAt(templateID string, order int) (repository.WorkflowStep, error) {
	t, err := r.Template(templateID)
	if err != nil {
		return repository.WorkflowStep{}, err
	}
	i := sort.Search(len(t.Steps), func(i int) bool { return t.Steps[i].Order >= order })
	if i < len(t.Steps) && t.Steps[i].Order == order {
		return t.Steps[i], nil
	}
	return repository.WorkflowStep{}, errors.NotFound("workflow_step", fmt.Sprintf("%s#%d", templateID, order))
}

// Next returns the step with the smallest order strictly greater than order.
func (r *StepRegistry) Next(templateID string, order int) (repository.WorkflowStep, bool, error) {
	t, err := r.Template(templateID)
	if err != nil {
		return repository.WorkflowStep{}, false, err
	}
	i := sort.Search(len(t.Steps), func(i int) bool { return t.Steps[i].Order > order })
	if i == len(t.Steps) {
		return repository.WorkflowStep{}, false, nil
	}
	return t.Steps[i], true, nil
}

// Prev returns the step with the largest order strictly less than order.
func (r *StepRegistry) Prev(templateID string, order int) (repository.WorkflowStep, bool, error) {
	t, err := r.Template(templateID)
	if err != nil {
		return repository.WorkflowStep{}, false, err
	}
	i := sort.Search(len(t.Steps), func(i int) bool { return t.Steps[i].Order >= order })
	if i == 0 {
		return repository.WorkflowStep{}, false, nil
	}
	return t.Steps[i-1], true, nil
}
