package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ex-approvals/internal/catalog"
	"github.com/pesio-ai/be-ex-approvals/internal/client"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ex-approvals/internal/repository"
	"github.com/pesio-ai/be-ex-approvals/internal/repository/memory"
)

const fixtureYAML = `
ranks:
  - { id: R1, name: Director, seniority: 1 }
  - { id: R2, name: Manager, seniority: 2 }
  - { id: R3, name: Lead, seniority: 3 }
  - { id: R4, name: Senior, seniority: 4 }
  - { id: R5, name: Staff, seniority: 5 }
units:
  - { id: U1, name: Sales }
  - { id: U2, name: Planning }
  - { id: ACCT, name: Accounting }
relations:
  - { unit: U1, related: U1 }
people:
  - { id: app, name: Applicant, email: app@example.com, units: [U1], rank: R5, role: employee }
  - { id: A, name: Approver A, email: a@example.com, units: [U1], rank: R2, role: approver }
  - { id: B, name: Accountant B, email: b@example.com, units: [ACCT], rank: R4, role: accountant }
  - { id: C, name: Clerk C, email: c@example.com, units: [U1], rank: R3, role: employee }
  - { id: D, name: Director D, email: d@example.com, units: [U2], rank: R1, role: approver }
  - { id: E, name: Lead E, email: e@example.com, units: [U1], rank: R3, role: approver }
templates:
  - id: two-step
    name: Expense
    steps:
      - { id: s1, order: 1, threshold_rank: R2, scope: any }
      - { id: s2, order: 2, scope: keiri, type: reception }
  - id: three-step
    name: Travel
    steps:
      - { id: t10, order: 10, scope: any }
      - { id: t20, order: 20, scope: any }
      - { id: t30, order: 30, scope: any }
`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []client.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg client.Notification) {
	n.mu.Lock()
	n.sent = append(n.sent, msg)
	n.mu.Unlock()
}

func (n *recordingNotifier) To(recipient string) []client.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []client.Notification
	for _, m := range n.sent {
		if m.Recipient == recipient {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	engine   *ApprovalEngine
	store    *memory.Store
	clock    *fakeClock
	notifier *recordingNotifier
	catalog  *catalog.Catalog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cat, err := catalog.ParseYAML([]byte(fixtureYAML))
	require.NoError(t, err)
	reg, err := LoadStepRegistry(context.Background(), cat)
	require.NoError(t, err)

	h := &harness{
		store:    memory.NewStore(),
		clock:    &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
		catalog:  cat,
	}
	h.engine = NewApprovalEngine(h.store, reg, cat, h.notifier, logger.Nop(), EngineOptions{Now: h.clock.Now})
	return h
}

func (h *harness) submitTwoStep(t *testing.T, doc string) *repository.WorkflowInstance {
	t.Helper()
	res, err := h.engine.Submit(context.Background(), SubmitRequest{
		DocumentID:  doc,
		ApplicantID: "app",
		TemplateID:  "two-step",
		Selections:  map[string]Selection{"s1": {PersonID: "A"}},
	})
	require.NoError(t, err)
	return res.Instance
}

func (h *harness) submitThreeStep(t *testing.T, doc string) *repository.WorkflowInstance {
	t.Helper()
	res, err := h.engine.Submit(context.Background(), SubmitRequest{
		DocumentID:  doc,
		ApplicantID: "app",
		TemplateID:  "three-step",
		Selections: map[string]Selection{
			"t10": {PersonID: "A"},
			"t20": {PersonID: "C"},
			"t30": {PersonID: "D"},
		},
	})
	require.NoError(t, err)
	return res.Instance
}

func (h *harness) act(t *testing.T, inst *repository.WorkflowInstance, actor, decision string) *repository.WorkflowInstance {
	t.Helper()
	out, err := h.engine.Act(context.Background(), ActRequest{
		InstanceID:      inst.ID,
		ExpectedVersion: inst.Version,
		ActorID:         actor,
		Decision:        decision,
	})
	require.NoError(t, err)
	return out
}

func (h *harness) assignments(t *testing.T, doc string) []*repository.ApproverAssignment {
	t.Helper()
	rows, err := h.store.Repositories().Assignments.ListByDocument(context.Background(), doc)
	require.NoError(t, err)
	return rows
}

func (h *harness) ledger(t *testing.T, doc string) []*repository.LedgerEntry {
	t.Helper()
	rows, err := h.store.Repositories().Ledger.ListByDocument(context.Background(), doc)
	require.NoError(t, err)
	return rows
}

func (h *harness) docStatus(t *testing.T, doc string) string {
	t.Helper()
	st, err := h.engine.GetDocumentStatus(context.Background(), doc)
	require.NoError(t, err)
	return st
}
