package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/errors"
)

// DirectoryRepo reads people, ranks and org relations from Postgres.
type DirectoryRepo struct {
	db database.Querier
}

// NewDirectoryRepo creates a DirectoryRepo.
func NewDirectoryRepo(db database.Querier) *DirectoryRepo {
	return &DirectoryRepo{db: db}
}

const personQuery = `
	SELECT p.id, p.name, p.email, p.role,
	       r.id, r.name, r.seniority,
	       COALESCE(array_agg(pu.unit_id ORDER BY pu.unit_id) FILTER (WHERE pu.unit_id IS NOT NULL), '{}')
	FROM persons p
	LEFT JOIN ranks r         ON r.id = p.rank_id
	LEFT JOIN person_units pu ON pu.person_id = p.id
`

// GetPerson returns one person with units and rank.
func (r *DirectoryRepo) GetPerson(ctx context.Context, id string) (*Person, error) {
	query := personQuery + ` WHERE p.id = $1 GROUP BY p.id, r.id`

	p, err := scanPerson(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("person", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get person")
	}
	return p, nil
}

// ListPersons returns everyone in the directory.
func (r *DirectoryRepo) ListPersons(ctx context.Context) ([]*Person, error) {
	query := personQuery + ` GROUP BY p.id, r.id ORDER BY p.id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list persons")
	}
	defer rows.Close()

	var out []*Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan person")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListRelations returns every unit → related unit pair.
func (r *DirectoryRepo) ListRelations(ctx context.Context) ([]OrgRelation, error) {
	rows, err := r.db.Query(ctx, `SELECT unit_id, related_unit_id FROM org_relations`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list org relations")
	}
	defer rows.Close()

	var out []OrgRelation
	for rows.Next() {
		var rel OrgRelation
		if err := rows.Scan(&rel.Unit, &rel.RelatedUnit); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan org relation")
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

// ListRanks returns ranks, most senior first.
func (r *DirectoryRepo) ListRanks(ctx context.Context) ([]Rank, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, seniority FROM ranks ORDER BY seniority, id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list ranks")
	}
	defer rows.Close()

	var out []Rank
	for rows.Next() {
		var rk Rank
		if err := rows.Scan(&rk.ID, &rk.Name, &rk.Seniority); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan rank")
		}
		out = append(out, rk)
	}
	return out, rows.Err()
}

func scanPerson(row rowScanner) (*Person, error) {
	var (
		p         Person
		role      string
		rankID    *string
		rankName  *string
		seniority *int
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Email, &role, &rankID, &rankName, &seniority, &p.OrgUnits); err != nil {
		return nil, err
	}
	p.Role = Role(role)
	if rankID != nil && seniority != nil {
		p.Rank = &Rank{ID: *rankID, Seniority: *seniority}
		if rankName != nil {
			p.Rank.Name = *rankName
		}
	}
	return &p, nil
}

// TemplateRepo loads workflow templates from Postgres.
type TemplateRepo struct {
	db database.Querier
}

// NewTemplateRepo creates a TemplateRepo.
func NewTemplateRepo(db database.Querier) *TemplateRepo {
	return &TemplateRepo{db: db}
}

// ListTemplates returns every template with its steps sorted by order.
func (r *TemplateRepo) ListTemplates(ctx context.Context) ([]*WorkflowTemplate, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, description FROM workflow_templates ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow templates")
	}

	var templates []*WorkflowTemplate
	byID := map[string]*WorkflowTemplate{}
	for rows.Next() {
		t := &WorkflowTemplate{}
		if err := rows.Scan(&t.ID, &t.Name, &t.Description); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow template")
		}
		templates = append(templates, t)
		byID[t.ID] = t
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate workflow templates")
	}

	stepRows, err := r.db.Query(ctx, `
		SELECT s.id, s.template_id, s.step_order, s.step_type,
		       s.threshold_rank_id, rk.seniority, s.scope, s.org_group_hint
		FROM workflow_steps s
		LEFT JOIN ranks rk ON rk.id = s.threshold_rank_id
		ORDER BY s.template_id, s.step_order
	`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow steps")
	}
	defer stepRows.Close()

	for stepRows.Next() {
		var (
			s        WorkflowStep
			stepType string
			scope    string
		)
		if err := stepRows.Scan(&s.ID, &s.TemplateID, &s.Order, &stepType,
			&s.ThresholdRankID, &s.RankThreshold, &scope, &s.OrgGroupHint); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow step")
		}
		s.Type = StepType(stepType)
		s.Scope = Scope(scope)
		if t, ok := byID[s.TemplateID]; ok {
			t.Steps = append(t.Steps, s)
		}
	}
	return templates, stepRows.Err()
}
