// Package catalog reads workflow templates, and optionally a directory fixture,
// from a YAML file. A Catalog serves as repository.TemplateSource and as
// repository.Directory for the in-memory backend.
package catalog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-ex-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ex-approvals/internal/repository"
)

// Catalog is the decoded YAML document.
type Catalog struct {
	Ranks     []RankDef     `yaml:"ranks"`
	Units     []UnitDef     `yaml:"units"`
	Relations []RelationDef `yaml:"relations"`
	People    []PersonDef   `yaml:"people"`
	Templates []TemplateDef `yaml:"templates"`
}

type RankDef struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Seniority int    `yaml:"seniority"`
}

type UnitDef struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Parent string `yaml:"parent,omitempty"`
}

type RelationDef struct {
	Unit    string `yaml:"unit"`
	Related string `yaml:"related"`
}

type PersonDef struct {
	ID    string   `yaml:"id"`
	Name  string   `yaml:"name"`
	Email string   `yaml:"email,omitempty"`
	Units []string `yaml:"units,omitempty"`
	Rank  string   `yaml:"rank,omitempty"`
	Role  string   `yaml:"role,omitempty"`
}

type TemplateDef struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	Steps       []StepDef `yaml:"steps"`
}

type StepDef struct {
	ID            string `yaml:"id"`
	Order         int    `yaml:"order"`
	Type          string `yaml:"type,omitempty"`
	ThresholdRank string `yaml:"threshold_rank,omitempty"`
	Scope         string `yaml:"scope,omitempty"`
	OrgGroupHint  string `yaml:"org_group_hint,omitempty"`
}

// ParseYAML decodes a catalog and fills defaults (type approval, scope any, role employee).
func ParseYAML(data []byte) (*Catalog, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("catalog: payload is empty")
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	c.normalize()
	return &c, nil
}

// LoadReader reads catalog data from r.
func LoadReader(r io.Reader) (*Catalog, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("catalog: read: %w", err)
	}
	return ParseYAML(content)
}

// LoadFile reads the catalog at path.
func LoadFile(path string) (*Catalog, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	c, err := ParseYAML(content)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", path, err)
	}
	return c, nil
}

func (c *Catalog) normalize() {
	for i := range c.People {
		c.People[i].Role = strings.ToLower(strings.TrimSpace(c.People[i].Role))
		if c.People[i].Role == "" {
			c.People[i].Role = string(repository.RoleEmployee)
		}
	}
	for i := range c.Templates {
		for j := range c.Templates[i].Steps {
			s := &c.Templates[i].Steps[j]
			s.Scope = strings.ToLower(strings.TrimSpace(s.Scope))
			if s.Scope == "" {
				s.Scope = string(repository.ScopeAny)
			}
			s.Type = strings.ToLower(strings.TrimSpace(s.Type))
			if s.Type == "" {
				s.Type = string(repository.StepTypeApproval)
			}
			if s.ID == "" {
				s.ID = fmt.Sprintf("%s-%d", c.Templates[i].ID, s.Order)
			}
		}
	}
}

// ── repository.TemplateSource ────────────────────────────────────────────────

// ListTemplates converts template definitions, resolving threshold ranks to a
// seniority ceiling. Unknown rank references leave the step unfiltered.
func (c *Catalog) ListTemplates(_ context.Context) ([]*repository.WorkflowTemplate, error) {
	ranks := c.rankIndex()
	out := make([]*repository.WorkflowTemplate, 0, len(c.Templates))
	for _, td := range c.Templates {
		t := &repository.WorkflowTemplate{ID: td.ID, Name: td.Name, Description: td.Description}
		for _, sd := range td.Steps {
			step := repository.WorkflowStep{
				ID:         sd.ID,
				TemplateID: td.ID,
				Order:      sd.Order,
				Type:       repository.StepType(sd.Type),
				Scope:      repository.Scope(sd.Scope),
			}
			if sd.ThresholdRank != "" {
				id := sd.ThresholdRank
				step.ThresholdRankID = &id
				if rk, ok := ranks[id]; ok {
					seniority := rk.Seniority
					step.RankThreshold = &seniority
				}
			}
			if sd.OrgGroupHint != "" {
				hint := sd.OrgGroupHint
				step.OrgGroupHint = &hint
			}
			t.Steps = append(t.Steps, step)
		}
		out = append(out, t)
	}
	return out, nil
}

// ── repository.Directory ─────────────────────────────────────────────────────

// GetPerson looks a person up by id.
func (c *Catalog) GetPerson(_ context.Context, id string) (*repository.Person, error) {
	ranks := c.rankIndex()
	for _, pd := range c.People {
		if pd.ID == id {
			return pd.toPerson(ranks), nil
		}
	}
	return nil, errors.NotFound("person", id)
}

// ListPersons returns every person in file order.
func (c *Catalog) ListPersons(_ context.Context) ([]*repository.Person, error) {
	ranks := c.rankIndex()
	out := make([]*repository.Person, 0, len(c.People))
	for _, pd := range c.People {
		out = append(out, pd.toPerson(ranks))
	}
	return out, nil
}

// ListRelations returns the unit → related unit pairs.
func (c *Catalog) ListRelations(_ context.Context) ([]repository.OrgRelation, error) {
	out := make([]repository.OrgRelation, 0, len(c.Relations))
	for _, r := range c.Relations {
		out = append(out, repository.OrgRelation{Unit: r.Unit, RelatedUnit: r.Related})
	}
	return out, nil
}

// ListRanks returns the rank table.
func (c *Catalog) ListRanks(_ context.Context) ([]repository.Rank, error) {
	out := make([]repository.Rank, 0, len(c.Ranks))
	for _, r := range c.Ranks {
		out = append(out, repository.Rank{ID: r.ID, Name: r.Name, Seniority: r.Seniority})
	}
	return out, nil
}

func (c *Catalog) rankIndex() map[string]RankDef {
	idx := make(map[string]RankDef, len(c.Ranks))
	for _, r := range c.Ranks {
		idx[r.ID] = r
	}
	return idx
}

func (pd PersonDef) toPerson(ranks map[string]RankDef) *repository.Person {
	p := &repository.Person{
		ID:       pd.ID,
		Name:     pd.Name,
		Email:    pd.Email,
		OrgUnits: slices.Clone(pd.Units),
		Role:     repository.Role(pd.Role),
	}
	if rk, ok := ranks[pd.Rank]; ok {
		p.Rank = &repository.Rank{ID: rk.ID, Name: rk.Name, Seniority: rk.Seniority}
	}
	return p
}
