package catalog

import (
	"fmt"
	"sort"

	"github.com/pesio-ai/be-ex-approvals/internal/repository"
)

// Problem is one lint finding. Errors make the catalog unusable by the server;
// warnings degrade behaviour (e.g. a step with an unknown rank is unfiltered).
type Problem struct {
	Severity string // error | warning
	Path     string
	Message  string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %s: %s", p.Severity, p.Path, p.Message)
}

var (
	validScopes = map[string]bool{
		string(repository.ScopeSame): true, string(repository.ScopeParent): true,
		string(repository.ScopeKeiri): true, string(repository.ScopeAny): true,
		string(repository.ScopeOthers): true,
	}
	validTypes = map[string]bool{
		string(repository.StepTypeApproval): true, string(repository.StepTypeReception): true,
		string(repository.StepTypeConfirmation): true,
	}
	validRoles = map[string]bool{
		string(repository.RoleEmployee): true, string(repository.RoleApprover): true,
		string(repository.RoleAccountant): true, string(repository.RoleFinalApprover): true,
	}
)

// Lint checks references and invariants, returning every problem found.
func (c *Catalog) Lint() []Problem {
	var out []Problem
	add := func(sev, path, format string, args ...any) {
		out = append(out, Problem{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	ranks := map[string]bool{}
	for i, r := range c.Ranks {
		path := fmt.Sprintf("ranks[%d]", i)
		if r.ID == "" {
			add("error", path, "id is required")
		} else if ranks[r.ID] {
			add("error", path, "duplicate rank id %q", r.ID)
		}
		ranks[r.ID] = true
	}

	units := map[string]bool{}
	for i, u := range c.Units {
		path := fmt.Sprintf("units[%d]", i)
		if u.ID == "" {
			add("error", path, "id is required")
		} else if units[u.ID] {
			add("error", path, "duplicate unit id %q", u.ID)
		}
		units[u.ID] = true
	}
	for i, u := range c.Units {
		if u.Parent != "" && !units[u.Parent] {
			add("warning", fmt.Sprintf("units[%d]", i), "unknown parent unit %q", u.Parent)
		}
	}
	for i, r := range c.Relations {
		path := fmt.Sprintf("relations[%d]", i)
		if !units[r.Unit] {
			add("warning", path, "unknown unit %q", r.Unit)
		}
		if !units[r.Related] {
			add("warning", path, "unknown related unit %q", r.Related)
		}
	}

	people := map[string]bool{}
	for i, p := range c.People {
		path := fmt.Sprintf("people[%d]", i)
		if p.ID == "" {
			add("error", path, "id is required")
		} else if people[p.ID] {
			add("error", path, "duplicate person id %q", p.ID)
		}
		people[p.ID] = true
		if !validRoles[p.Role] {
			add("error", path, "unknown role %q", p.Role)
		}
		if p.Rank != "" && !ranks[p.Rank] {
			add("warning", path, "unknown rank %q", p.Rank)
		}
		for _, u := range p.Units {
			if !units[u] {
				add("warning", path, "unknown unit %q", u)
			}
		}
	}

	templates := map[string]bool{}
	for i, t := range c.Templates {
		path := fmt.Sprintf("templates[%d]", i)
		if t.ID == "" {
			add("error", path, "id is required")
		} else if templates[t.ID] {
			add("error", path, "duplicate template id %q", t.ID)
		}
		templates[t.ID] = true
		if len(t.Steps) == 0 {
			add("error", path, "template has no steps")
		}

		orders := map[int]bool{}
		stepIDs := map[string]bool{}
		for j, s := range t.Steps {
			spath := fmt.Sprintf("%s.steps[%d]", path, j)
			if orders[s.Order] {
				add("error", spath, "duplicate order %d", s.Order)
			}
			orders[s.Order] = true
			if stepIDs[s.ID] {
				add("error", spath, "duplicate step id %q", s.ID)
			}
			stepIDs[s.ID] = true
			if !validScopes[s.Scope] {
				add("error", spath, "unknown scope %q", s.Scope)
			}
			if !validTypes[s.Type] {
				add("error", spath, "unknown step type %q", s.Type)
			}
			if s.ThresholdRank != "" && !ranks[s.ThresholdRank] {
				add("warning", spath, "unknown threshold rank %q; step will not filter by rank", s.ThresholdRank)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Severity < out[j].Severity })
	return out
}

// HasErrors reports whether any problem is an error.
func HasErrors(problems []Problem) bool {
	for _, p := range problems {
		if p.Severity == "error" {
			return true
		}
	}
	return false
}
