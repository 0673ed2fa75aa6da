package service

import (
	"context"
	"sort"
	"strings"

	"github.com/pesio-ai/be-ex-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ex-approvals/internal/repository"
)

// RelationIndex answers reverse lookups over unit → related unit pairs.
type RelationIndex struct {
	pointingAt map[string][]string // related unit → units pointing at it
}

// NewRelationIndex indexes relations by their related unit.
func NewRelationIndex(relations []repository.OrgRelation) *RelationIndex {
	idx := &RelationIndex{pointingAt: make(map[string][]string, len(relations))}
	for _, rel := range relations {
		idx.pointingAt[rel.RelatedUnit] = append(idx.pointingAt[rel.RelatedUnit], rel.Unit)
	}
	return idx
}

// RelatedUnits returns {r.Unit : r.RelatedUnit ∈ units}.
func (x *RelationIndex) RelatedUnits(units ...string) map[string]struct{} {
	out := map[string]struct{}{}
	if x == nil {
		return out
	}
	for _, u := range units {
		for _, src := range x.pointingAt[u] {
			out[src] = struct{}{}
		}
	}
	return out
}

// ResolveOptions carries out-of-band resolver input.
type ResolveOptions struct {
	// Unit substitutes the organizational filter of the "others" scope.
	Unit string
}

// FilterCandidates returns the people eligible to decide step for applicant,
// ordered by (seniority, name, id) with rankless people last. It never fails:
// missing ranks or an unresolvable threshold simply relax the rank filter.
func FilterCandidates(
	applicant *repository.Person,
	step repository.WorkflowStep,
	people []*repository.Person,
	relations *RelationIndex,
	opts ResolveOptions,
) []*repository.Person {
	var allowedUnits map[string]struct{}
	switch normalizeScope(step.Scope) {
	case repository.ScopeSame:
		if applicant != nil {
			allowedUnits = relations.RelatedUnits(applicant.OrgUnits...)
		} else {
			allowedUnits = map[string]struct{}{}
		}
	case repository.ScopeOthers:
		if opts.Unit != "" {
			allowedUnits = relations.RelatedUnits(opts.Unit)
			allowedUnits[opts.Unit] = struct{}{}
		}
	}
	keiri := normalizeScope(step.Scope) == repository.ScopeKeiri

	out := make([]*repository.Person, 0, len(people))
	for _, p := range people {
		if p == nil || (applicant != nil && p.ID == applicant.ID) {
			continue
		}
		if step.RankThreshold != nil && (p.Rank == nil || p.Rank.Seniority > *step.RankThreshold) {
			continue
		}
		if keiri && p.Role != repository.RoleAccountant && p.Role != repository.RoleFinalApprover {
			continue
		}
		if allowedUnits != nil && !p.InUnit(allowedUnits) {
			continue
		}
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Rank == nil) != (b.Rank == nil) {
			return b.Rank == nil
		}
		if a.Rank != nil && a.Rank.Seniority != b.Rank.Seniority {
			return a.Rank.Seniority < b.Rank.Seniority
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return out
}

// normalizeScope maps unknown scopes to any. parent is kept distinct here but
// filters exactly like any.
func normalizeScope(s repository.Scope) repository.Scope {
	switch repository.Scope(strings.ToLower(strings.TrimSpace(string(s)))) {
	case repository.ScopeSame:
		return repository.ScopeSame
	case repository.ScopeKeiri:
		return repository.ScopeKeiri
	case repository.ScopeOthers:
		return repository.ScopeOthers
	case repository.ScopeParent:
		return repository.ScopeParent
	default:
		return repository.ScopeAny
	}
}

// ── Directory snapshot ────────────────────────────────────────────────────────

// DirectorySnapshot is a point-in-time copy of the directory used for one
// resolution pass, so every step of a request sees the same people.
type DirectorySnapshot struct {
	people    []*repository.Person
	byID      map[string]*repository.Person
	relations *RelationIndex
}

// NewDirectorySnapshot builds a snapshot from already loaded records.
func NewDirectorySnapshot(people []*repository.Person, relations []repository.OrgRelation) *DirectorySnapshot {
	byID := make(map[string]*repository.Person, len(people))
	for _, p := range people {
		byID[p.ID] = p
	}
	return &DirectorySnapshot{people: people, byID: byID, relations: NewRelationIndex(relations)}
}

// Person returns a person of the snapshot.
func (d *DirectorySnapshot) Person(id string) (*repository.Person, bool) {
	p, ok := d.byID[id]
	return p, ok
}

// Resolve runs FilterCandidates over the snapshot.
func (d *DirectorySnapshot) Resolve(applicant *repository.Person, step repository.WorkflowStep, opts ResolveOptions) []*repository.Person {
	return FilterCandidates(applicant, step, d.people, d.relations, opts)
}

// IsCandidate reports whether personID is among the resolved candidates.
func (d *DirectorySnapshot) IsCandidate(applicant *repository.Person, step repository.WorkflowStep, personID string, opts ResolveOptions) bool {
	for _, p := range d.Resolve(applicant, step, opts) {
		if p.ID == personID {
			return true
		}
	}
	return false
}

// CandidateResolver loads directory snapshots.
type CandidateResolver struct {
	dir repository.Directory
	log *logger.Logger
}

// NewCandidateResolver creates a CandidateResolver.
func NewCandidateResolver(dir repository.Directory, log *logger.Logger) *CandidateResolver {
	return &CandidateResolver{dir: dir, log: log}
}

// Snapshot reads people and relations from the directory.
func (r *CandidateResolver) Snapshot(ctx context.Context) (*DirectorySnapshot, error) {
	people, err := r.dir.ListPersons(ctx)
	if err != nil {
		return nil, err
	}
	relations, err := r.dir.ListRelations(ctx)
	if err != nil {
		return nil, err
	}
	r.log.Debug().Int("people", len(people)).Int("relations", len(relations)).Msg("Directory snapshot loaded")
	return NewDirectorySnapshot(people, relations), nil
}

// unitFor picks the "others" unit: the caller's explicit unit, else the step's hint.
func unitFor(step repository.WorkflowStep, explicit string) ResolveOptions {
	if explicit != "" {
		return ResolveOptions{Unit: explicit}
	}
	if step.OrgGroupHint != nil {
		return ResolveOptions{Unit: *step.OrgGroupHint}
	}
	return ResolveOptions{}
}
