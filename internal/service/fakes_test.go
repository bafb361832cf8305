package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-travel-approvals/internal/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/logger"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// ── clock ─────────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ── request store ─────────────────────────────────────────────────────────────

type fakeStore struct {
	mu        sync.Mutex
	reqs      map[string]*repository.ApprovalRequest
	saves     int
	conflicts int
	// beforeSave runs once, outside the lock, ahead of the next Save.
	beforeSave func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{reqs: map[string]*repository.ApprovalRequest{}}
}

func (s *fakeStore) Load(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reqs[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return r.Clone(), nil
}

func (s *fakeStore) Save(_ context.Context, req *repository.ApprovalRequest, expected int64) error {
	s.mu.Lock()
	hook := s.beforeSave
	s.beforeSave = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.reqs[req.ID]
	switch {
	case expected == 0 && exists:
		s.conflicts++
		return errors.New(errors.ErrCodeVersionConflict, "already exists")
	case expected != 0 && !exists:
		return errors.NotFound("approval_request", req.ID)
	case expected != 0 && cur.Version != expected:
		s.conflicts++
		return errors.New(errors.ErrCodeVersionConflict, fmt.Sprintf("version %d != %d", cur.Version, expected))
	}

	req.Version = expected + 1
	req.UpdatedAt = time.Now()
	s.reqs[req.ID] = req.Clone()
	s.saves++
	return nil
}

func (s *fakeStore) Query(_ context.Context, f repository.RequestFilter) ([]*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.ApprovalRequest
	for _, r := range s.reqs {
		if f.CompanyID != "" && r.CompanyID != f.CompanyID {
			continue
		}
		if f.RequesterID != "" && r.RequesterID != f.RequesterID {
			continue
		}
		if f.Status != "" && r.FinalStatus != f.Status {
			continue
		}
		if f.Urgency != "" && r.Justification.Urgency != f.Urgency {
			continue
		}
		if f.MinAmount != nil && r.Financials.Amount < *f.MinAmount {
			continue
		}
		if f.MaxAmount != nil && r.Financials.Amount > *f.MaxAmount {
			continue
		}
		if f.RequiredByLTE != nil && r.Timeline.RequiredBy.After(*f.RequiredByLTE) {
			continue
		}
		if f.ApproverID != "" && !holdsPendingStep(r, f.ApproverID) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timeline.RequiredBy.Equal(out[j].Timeline.RequiredBy) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timeline.RequiredBy.Before(out[j].Timeline.RequiredBy)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func holdsPendingStep(r *repository.ApprovalRequest, userID string) bool {
	for _, s := range r.Chain {
		if s.Status != repository.StepPending {
			continue
		}
		if s.ApproverID == userID || (s.DelegatedToID != nil && *s.DelegatedToID == userID) {
			return true
		}
	}
	return false
}

func (s *fakeStore) get(t *testing.T, id string) *repository.ApprovalRequest {
	t.Helper()
	r, err := s.Load(context.Background(), id)
	require.NoError(t, err)
	return r
}

// ── directory and policy ──────────────────────────────────────────────────────

type fakeDirectory struct {
	mu    sync.Mutex
	users map[string]*repository.DirectoryUser
}

func newFakeDirectory(users ...*repository.DirectoryUser) *fakeDirectory {
	d := &fakeDirectory{users: map[string]*repository.DirectoryUser{}}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *fakeDirectory) add(u *repository.DirectoryUser) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

func (d *fakeDirectory) update(id string, fn func(u *repository.DirectoryUser)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.users[id])
}

func (d *fakeDirectory) GetUser(_ context.Context, id string) (*repository.DirectoryUser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return nil, errors.NotFound("user", id)
	}
	cp := *u
	return &cp, nil
}

func (d *fakeDirectory) ManagerOf(_ context.Context, id string) (*repository.DirectoryUser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok || u.ManagerID == nil {
		return nil, nil
	}
	m, ok := d.users[*u.ManagerID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (d *fakeDirectory) TopAdministrator(_ context.Context, companyID string) (*repository.DirectoryUser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var best *repository.DirectoryUser
	for _, u := range d.users {
		if u.CompanyID != companyID || u.Role != repository.RoleCompanyAdmin || !u.IsActive {
			continue
		}
		if best == nil || u.Seniority > best.Seniority {
			best = u
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (d *fakeDirectory) ListApprovers(_ context.Context, companyID string) ([]*repository.DirectoryUser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*repository.DirectoryUser
	for _, u := range d.users {
		if u.CompanyID == companyID && u.CanApprove && u.IsActive {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seniority == out[j].Seniority {
			return out[i].ID < out[j].ID
		}
		return out[i].Seniority > out[j].Seniority
	})
	return out, nil
}

type fakePolicies map[string]*repository.CompanyPolicy

func (p fakePolicies) GetCompanyPolicy(_ context.Context, companyID string) (*repository.CompanyPolicy, error) {
	pol, ok := p[companyID]
	if !ok {
		return nil, errors.NotFound("company_policy", companyID)
	}
	return pol, nil
}

// ── dispatcher and stats ──────────────────────────────────────────────────────

type recordingDispatcher struct {
	mu      sync.Mutex
	intents []Intent
}

func (d *recordingDispatcher) Dispatch(_ context.Context, in Intent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.intents = append(d.intents, in)
}

func (d *recordingDispatcher) all() []Intent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Intent(nil), d.intents...)
}

func (d *recordingDispatcher) types() []IntentType {
	var out []IntentType
	for _, in := range d.all() {
		out = append(out, in.Type)
	}
	return out
}

func (d *recordingDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.intents = nil
}

type fakeStats struct {
	mu       sync.Mutex
	recorded []repository.DecisionStats
	err      error
}

func (s *fakeStats) RecordDecision(_ context.Context, st repository.DecisionStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.recorded = append(s.recorded, st)
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*repository.AuditEntry
	err     error
}

func (a *fakeAudit) Append(_ context.Context, e *repository.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, e)
	return nil
}

func (a *fakeAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		out = append(out, e.Action+"@"+e.PerformedBy)
	}
	return out
}

// ── org fixtures ──────────────────────────────────────────────────────────────

const company = "acme"

func strPtr(s string) *string { return &s }

func approver(id, managerID string, limit int64) *repository.DirectoryUser {
	u := &repository.DirectoryUser{
		ID:            id,
		CompanyID:     company,
		Name:          id,
		Email:         id + "@acme.test",
		Role:          repository.RoleManager,
		ApprovalLimit: limit,
		CanApprove:    true,
		IsActive:      true,
	}
	if managerID != "" {
		u.ManagerID = strPtr(managerID)
	}
	return u
}

func employee(id, managerID string) *repository.DirectoryUser {
	u := approver(id, managerID, 0)
	u.Role = repository.RoleEmployee
	u.CanApprove = false
	return u
}

func admin(id string, seniority int) *repository.DirectoryUser {
	u := approver(id, "", 10_000_000)
	u.Role = repository.RoleCompanyAdmin
	u.Seniority = seniority
	return u
}

// standardOrg: emp -> mgr (3,000.00) -> gm (20,000.00) -> vp (50,000.00),
// plus a company admin.
func standardOrg() *fakeDirectory {
	return newFakeDirectory(
		employee("emp", "mgr"),
		approver("mgr", "gm", 300_000),
		approver("gm", "vp", 2_000_000),
		approver("vp", "", 5_000_000),
		admin("admin", 10),
	)
}

func standardPolicy() fakePolicies {
	return fakePolicies{company: {
		CompanyID:            company,
		ApprovalRequired:     true,
		ApprovalLimit:        100_000,
		ExemptRoles:          []string{repository.RoleSuperAdmin},
		DefaultDeadlineHours: 24,
	}}
}

// ── harness ───────────────────────────────────────────────────────────────────

type harness struct {
	clock       *fakeClock
	store       *fakeStore
	dir         *fakeDirectory
	policies    fakePolicies
	dispatcher  *recordingDispatcher
	stats       *fakeStats
	deadlines   *DeadlineCalculator
	machine     *ApprovalStateMachine
	coordinator *RequestCoordinator
	seq         int
}

func newHarness(t *testing.T, dir *fakeDirectory, policies fakePolicies) *harness {
	t.Helper()

	h := &harness{
		clock:      &fakeClock{now: t0},
		store:      newFakeStore(),
		dir:        dir,
		policies:   policies,
		dispatcher: &recordingDispatcher{},
		stats:      &fakeStats{},
	}
	log := logger.Nop()
	h.deadlines = NewDeadlineCalculator(h.clock.Now)

	machine, err := NewApprovalStateMachine(h.store, h.dir, h.stats, h.deadlines, log)
	require.NoError(t, err)
	h.machine = machine

	h.coordinator = NewRequestCoordinator(
		h.policies,
		h.dir,
		h.store,
		NewChainBuilder(h.dir, log),
		h.deadlines,
		h.machine,
		h.dispatcher,
		CoordinatorConfig{
			RetryAttempts:        4,
			RetryInitialWait:     time.Millisecond,
			RetryMaxWait:         5 * time.Millisecond,
			MaxEscalations:       2,
			DefaultDeadlineHours: 24,
		},
		log,
	)
	h.coordinator.newID = func() string {
		h.seq++
		return fmt.Sprintf("req-%d", h.seq)
	}
	return h
}

// seed creates a pending request for "emp" with the given chain.
func (h *harness) seed(t *testing.T, amount int64, links ...ChainLink) *repository.ApprovalRequest {
	t.Helper()
	h.seq++
	res, err := h.machine.Create(context.Background(), NewRequest{
		ID:            fmt.Sprintf("seed-%d", h.seq),
		RequesterID:   "emp",
		CompanyID:     company,
		PurchaseRefID: fmt.Sprintf("booking-%d", h.seq),
		Chain:         links,
		Justification: repository.Justification{Purpose: "client visit", Urgency: repository.UrgencyMedium},
		Financials:    repository.Financials{Amount: amount, Currency: "EUR"},
		RequiredBy:    t0.Add(72 * time.Hour),
		Rules:         repository.Rules{AutoEscalationDelayHours: 4},
	})
	require.NoError(t, err)
	return res.Request
}

func link(id string, level int) ChainLink {
	return ChainLink{ApproverID: id, Level: level, Urgency: repository.UrgencyMedium}
}

func intentTypes(intents []Intent) []IntentType {
	var out []IntentType
	for _, in := range intents {
		out = append(out, in.Type)
	}
	return out
}

func stepOf(req *repository.ApprovalRequest, approverID string) repository.ApprovalStep {
	for _, s := range req.Chain {
		if s.ApproverID == approverID {
			return s
		}
	}
	return repository.ApprovalStep{}
}
