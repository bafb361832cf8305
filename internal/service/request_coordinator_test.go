package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-travel-approvals/internal/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

func draft(amount int64) PurchaseDraft {
	return PurchaseDraft{PurchaseRefID: "booking-1", Amount: amount, Currency: "EUR", CostCenter: "CC-7"}
}

func justification(u repository.Urgency) repository.Justification {
	return repository.Justification{Purpose: "customer workshop", Urgency: u}
}

func TestSubmitBelowPolicyLimit(t *testing.T) {
	h := newHarness(t, standardOrg(), standardPolicy())

	res, err := h.coordinator.Submit(context.Background(), draft(50_000), "emp", justification(repository.UrgencyMedium))
	require.NoError(t, err)
	assert.False(t, res.RequiresApproval)
	assert.Equal(t, ReasonBelowLimit, res.Reason)
	assert.Empty(t, res.RequestID)
	assert.Empty(t, h.dispatcher.all())
	assert.Zero(t, h.store.saves)
}

func TestSubmitExemptRole(t *testing.T) {
	dir := standardOrg()
	boss := approver("boss", "", 0)
	boss.Role = repository.RoleSuperAdmin
	dir.add(boss)
	h := newHarness(t, dir, standardPolicy())

	res, err := h.coordinator.Submit(context.Background(), draft(5_000_000), "boss", justification(repository.UrgencyHigh))
	require.NoError(t, err)
	assert.False(t, res.RequiresApproval)
	assert.Equal(t, ReasonExemptRole, res.Reason)
}

func TestSubmitOpensRequest(t *testing.T) {
	h := newHarness(t, standardOrg(), standardPolicy())

	res, err := h.coordinator.Submit(context.Background(), draft(500_000), "emp", justification(repository.UrgencyMedium))
	require.NoError(t, err)

	assert.True(t, res.RequiresApproval)
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, []string{"gm"}, res.FirstApprovers)
	require.NotNil(t, res.Deadline)
	assert.Equal(t, t0.Add(24*time.Hour), *res.Deadline)

	stored := h.store.get(t, res.RequestID)
	assert.Equal(t, repository.StatusPending, stored.FinalStatus)
	assert.Equal(t, 1, stored.CurrentLevel)
	assert.Equal(t, "emp", stored.RequesterID)
	assert.Equal(t, company, stored.CompanyID)
	assert.Equal(t, "booking-1", stored.PurchaseRefID)
	assert.Equal(t, 24, stored.Timeline.SLATargetHours)
	assert.Equal(t, 24, stored.Rules.AutoEscalationDelayHours)
	assert.Equal(t, "CC-7", stored.Financials.CostCenter)

	assert.Equal(t, []IntentType{
		IntentNotifyApprovers,
		IntentScheduleReminders,
		IntentScheduleEscalation,
		IntentMarkPurchasePending,
	}, h.dispatcher.types())
	sched := h.dispatcher.all()[1]
	assert.Equal(t, []int{12, 24}, sched.Payload["offsets_hours"])
	esc := h.dispatcher.all()[2]
	assert.Equal(t, t0.Add(24*time.Hour), esc.Payload["at"])
}

func TestSubmitCapsDeadlineBeforeTravel(t *testing.T) {
	h := newHarness(t, standardOrg(), standardPolicy())
	d := draft(500_000)
	travel := t0.Add(30 * time.Hour)
	d.TravelDate = &travel

	res, err := h.coordinator.Submit(context.Background(), d, "emp", justification(repository.UrgencyLow))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(6*time.Hour), *res.Deadline)
}

func TestSubmitMissingPolicyFailsClosed(t *testing.T) {
	h := newHarness(t, standardOrg(), fakePolicies{})

	res, err := h.coordinator.Submit(context.Background(), draft(100), "emp", justification(repository.UrgencyLow))
	require.NoError(t, err)
	assert.True(t, res.RequiresApproval)
	assert.Equal(t, ReasonPolicyMissing, res.Reason)
}

func TestSubmitUsesPolicyEscalationDelay(t *testing.T) {
	policies := standardPolicy()
	policies[company].AutoEscalationDelayHours = 6
	h := newHarness(t, standardOrg(), policies)

	res, err := h.coordinator.Submit(context.Background(), draft(500_000), "emp", justification(repository.UrgencyLow))
	require.NoError(t, err)
	assert.Equal(t, 6, res.Request.Rules.AutoEscalationDelayHours)
}

func TestSubmitNoApproverFound(t *testing.T) {
	dir := newFakeDirectory(employee("emp", ""), approver("mgr", "", 1_000))
	h := newHarness(t, dir, standardPolicy())

	_, err := h.coordinator.Submit(context.Background(), draft(500_000), "emp", justification(repository.UrgencyMedium))
	assert.Equal(t, errors.ErrCodeNoApproverFound, errors.CodeOf(err))
	assert.Zero(t, h.store.saves)
	assert.Empty(t, h.dispatcher.all())
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, standardOrg(), standardPolicy())
	ctx := context.Background()

	cases := map[string]func(d *PurchaseDraft, j *repository.Justification, requester *string){
		"missing requester": func(_ *PurchaseDraft, _ *repository.Justification, r *string) { *r = "" },
		"missing reference": func(d *PurchaseDraft, _ *repository.Justification, _ *string) { d.PurchaseRefID = "" },
		"negative amount":   func(d *PurchaseDraft, _ *repository.Justification, _ *string) { d.Amount = -1 },
		"missing currency":  func(d *PurchaseDraft, _ *repository.Justification, _ *string) { d.Currency = " " },
		"unknown urgency":   func(_ *PurchaseDraft, j *repository.Justification, _ *string) { j.Urgency = "asap" },
		"foreign company":   func(d *PurchaseDraft, _ *repository.Justification, _ *string) { d.CompanyID = "other" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			d, j, requester := draft(500_000), justification(repository.UrgencyMedium), "emp"
			mutate(&d, &j, &requester)
			_, err := h.coordinator.Submit(ctx, d, requester, j)
			assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
		})
	}

	_, err := h.coordinator.Submit(ctx, draft(500_000), "ghost", justification(repository.UrgencyMedium))
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestSubmitDefaultsUrgencyToMedium(t *testing.T) {
	h := newHarness(t, standardOrg(), standardPolicy())

	res, err := h.coordinator.Submit(context.Background(), draft(500_000), "emp", repository.Justification{Purpose: "x"})
	require.NoError(t, err)
	assert.Equal(t, repository.UrgencyMedium, res.Request.Justification.Urgency)
}

func TestSingleStepChainApprovesFinal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, standardOrg(), standardPolicy())

	sub, err := h.coordinator.Submit(ctx, draft(500_000), "emp", justification(repository.UrgencyMedium))
	require.NoError(t, err)
	h.dispatcher.reset()

	res, err := h.coordinator.Decide(ctx, sub.RequestID, "gm", DecisionApprove, "enjoy")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApprovedFinal, res.Outcome)
	assert.Equal(t, []IntentType{IntentNotifyRequester, IntentConfirmPurchase}, h.dispatcher.types())
}

func TestLargePurchaseNeedsAdministrator(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, standardOrg(), standardPolicy())

	sub, err := h.coordinator.Submit(ctx, draft(1_500_000), "emp", justification(repository.UrgencyMedium))
	require.NoError(t, err)

	for _, id := range []string{"gm", "vp"} {
		res, err := h.coordinator.Decide(ctx, sub.RequestID, id, DecisionApprove, "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeApprovedPartial, res.Outcome, id)
	}
	res, err := h.coordinator.Decide(ctx, sub.RequestID, "admin", DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApprovedFinal, res.Outcome)
}

func TestDecideRetriesVersionConflict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, levelsOrg(), standardPolicy())
	req := h.seed(t, 500_000, link("a1", 1), link("b", 2))

	// A concurrent escalation lands between a1's read and write.
	h.store.beforeSave = func() {
		_, err := h.machine.Escalate(ctx, req.ID, "timeout")
		require.NoError(t, err)
	}

	res, err := h.coordinator.Decide(ctx, req.ID, "a1", DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApprovedPartial, res.Outcome)
	assert.Equal(t, 1, h.store.conflicts)
	assert.Equal(t, 1, res.Request.Escalation.EscalationLevel)
	assert.Equal(t, int64(3), res.Request.Version)
}

func TestDecideRaceLoserSeesNewState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, levelsOrg(), standardPolicy())
	req := h.seed(t, 500_000, link("a1", 1), link("a2", 1), link("b", 2))

	// a2 wins the race for level 1 while a1 is mid-flight.
	h.store.beforeSave = func() {
		_, err := h.machine.Decide(ctx, req.ID, "a2", DecisionApprove, "")
		require.NoError(t, err)
	}

	_, err := h.coordinator.Decide(ctx, req.ID, "a1", DecisionApprove, "")
	assert.Equal(t, errors.ErrCodeNotAuthorized, errors.CodeOf(err))

	stored := h.store.get(t, req.ID)
	assert.Equal(t, 2, stored.CurrentLevel)
	assert.Equal(t, repository.StepApproved, stepOf(stored, "a2").Status)
	assert.Equal(t, repository.StepPending, stepOf(stored, "a1").Status)
	assert.Empty(t, h.dispatcher.all())
}

func TestConcurrentDecisionsOnSameStep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, levelsOrg(), standardPolicy())
	req := h.seed(t, 500_000, link("a1", 1), link("b", 2))

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		codes     []errors.ErrorCode
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.coordinator.Decide(ctx, req.ID, "a1", DecisionApprove, "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			codes = append(codes, errors.CodeOf(err))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	for _, c := range codes {
		assert.Contains(t, []errors.ErrorCode{
			errors.ErrCodeNotAuthorized,
			errors.ErrCodeAlreadyResolved,
			errors.ErrCodeVersionConflict,
		}, c)
	}
	stored := h.store.get(t, req.ID)
	assert.Equal(t, 2, stored.CurrentLevel)
	assert.Equal(t, int64(2), stored.Version)
}

func TestCoordinatorExpireTwiceDispatchesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, levelsOrg(), standardPolicy())
	req := h.seed(t, 500_000, link("a1", 1))
	h.clock.Advance(100 * time.Hour)

	_, err := h.coordinator.Expire(ctx, req.ID)
	require.NoError(t, err)
	_, err = h.coordinator.Expire(ctx, req.ID)
	require.NoError(t, err)

	assert.Equal(t, []IntentType{IntentCancelPurchase, IntentNotifyRequester}, h.dispatcher.types())
}

func TestCoordinatorAuditsPersistedTransitions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, standardOrg(), standardPolicy())
	audit := &fakeAudit{}
	h.coordinator.SetAuditLog(audit)

	sub, err := h.coordinator.Submit(ctx, draft(500_000), "emp", justification(repository.UrgencyMedium))
	require.NoError(t, err)
	_, err = h.coordinator.Decide(ctx, sub.RequestID, "gm", DecisionApprove, "")
	require.NoError(t, err)
	_, err = h.coordinator.Expire(ctx, sub.RequestID)
	require.NoError(t, err)

	assert.Equal(t, []string{"created@emp", "approved_final@gm"}, audit.actions())
	last := audit.entries[1]
	assert.Equal(t, repository.StatusApproved, last.StatusAfter)
	assert.Equal(t, int64(2), last.Version)
	assert.Equal(t, []string{"notify_requester", "confirm_purchase"}, last.Metadata["intents"])
}

func TestCoordinatorAuditFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, standardOrg(), standardPolicy())
	h.coordinator.SetAuditLog(&fakeAudit{err: assert.AnError})

	sub, err := h.coordinator.Submit(ctx, draft(500_000), "emp", justification(repository.UrgencyMedium))
	require.NoError(t, err)
	res, err := h.coordinator.Decide(ctx, sub.RequestID, "gm", DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApprovedFinal, res.Outcome)
}

func TestListPendingFor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, levelsOrg(), standardPolicy())
	first := h.seed(t, 500_000, link("a1", 1), link("b", 2))
	second := h.seed(t, 500_000, link("b", 1))
	h.seed(t, 500_000, link("c", 1))

	got, err := h.coordinator.ListPendingFor(ctx, "b", PendingFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, second.ID, got[0].ID)

	_, err = h.coordinator.Decide(ctx, first.ID, "a1", DecisionApprove, "")
	require.NoError(t, err)

	got, err = h.coordinator.ListPendingFor(ctx, "b", PendingFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = h.coordinator.ListPendingFor(ctx, "b", PendingFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = h.coordinator.ListPendingFor(ctx, "", PendingFilter{})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestHistoryIsChronological(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, levelsOrg(), standardPolicy())
	req := h.seed(t, 500_000, link("a1", 1), link("b", 2))

	h.clock.Advance(time.Hour)
	_, err := h.coordinator.Delegate(ctx, req.ID, "a1", "d", "travelling")
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	_, err = h.coordinator.Decide(ctx, req.ID, "d", DecisionApprove, "fine")
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	_, err = h.coordinator.Escalate(ctx, req.ID, "timeout")
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	_, err = h.coordinator.Decide(ctx, req.ID, "b", DecisionReject, "over budget")
	require.NoError(t, err)

	events, err := h.coordinator.History(ctx, req.ID)
	require.NoError(t, err)

	var types []string
	for i, e := range events {
		types = append(types, e.Type)
		if i > 0 {
			assert.False(t, e.At.Before(events[i-1].At))
		}
	}
	assert.Equal(t, []string{"submitted", CommDelegation, "approved", "escalated", "rejected"}, types)
	assert.Equal(t, "d", events[2].ActorID)
	assert.Equal(t, "over budget", events[4].Message)
}

func TestSweepOne(t *testing.T) {
	ctx := context.Background()

	t.Run("expires overdue request", func(t *testing.T) {
		h := newHarness(t, levelsOrg(), standardPolicy())
		req := h.seed(t, 500_000, link("a1", 1))
		h.clock.Advance(73 * time.Hour)

		res, err := h.coordinator.SweepOne(ctx, req, h.clock.Now())
		require.NoError(t, err)
		assert.Equal(t, OutcomeExpired, res.Outcome)
	})

	t.Run("escalates after delay and respects the cap", func(t *testing.T) {
		h := newHarness(t, levelsOrg(), standardPolicy())
		req := h.seed(t, 500_000, link("a1", 1))

		sweep := func() Outcome {
			cur := h.store.get(t, req.ID)
			res, err := h.coordinator.SweepOne(ctx, cur, h.clock.Now())
			require.NoError(t, err)
			return res.Outcome
		}

		h.clock.Advance(3 * time.Hour)
		assert.Equal(t, OutcomeNoop, sweep())

		h.clock.Advance(time.Hour)
		assert.Equal(t, OutcomeEscalated, sweep())

		h.clock.Advance(2 * time.Hour)
		assert.Equal(t, OutcomeNoop, sweep(), "window restarts after escalation")

		h.clock.Advance(2 * time.Hour)
		assert.Equal(t, OutcomeEscalated, sweep())

		// MaxEscalations is 2; further sweeps only remind.
		h.clock.Advance(4 * time.Hour)
		assert.Equal(t, OutcomeReminded, sweep())
		assert.Equal(t, 2, h.store.get(t, req.ID).Escalation.EscalationLevel)
	})

	t.Run("sends reminders", func(t *testing.T) {
		h := newHarness(t, levelsOrg(), standardPolicy())
		req := h.seed(t, 500_000, link("a1", 1))
		h.store.reqs[req.ID].Rules.AutoEscalationDelayHours = 48

		h.clock.Advance(12 * time.Hour)
		res, err := h.coordinator.SweepOne(ctx, h.store.get(t, req.ID), h.clock.Now())
		require.NoError(t, err)
		assert.Equal(t, OutcomeReminded, res.Outcome)
		assert.Equal(t, []IntentType{IntentReminder}, h.dispatcher.types())
	})

	t.Run("ignores resolved requests", func(t *testing.T) {
		h := newHarness(t, levelsOrg(), standardPolicy())
		req := h.seed(t, 500_000, link("a1", 1))
		_, err := h.coordinator.Cancel(ctx, req.ID, "emp", "")
		require.NoError(t, err)

		res, err := h.coordinator.SweepOne(ctx, h.store.get(t, req.ID), h.clock.Now().Add(1000*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoop, res.Outcome)
	})
}

func TestSweepCandidatesOnlyPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, levelsOrg(), standardPolicy())
	open := h.seed(t, 500_000, link("a1", 1))
	closed := h.seed(t, 500_000, link("a1", 1))
	_, err := h.coordinator.Cancel(ctx, closed.ID, "emp", "")
	require.NoError(t, err)

	got, err := h.coordinator.SweepCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, open.ID, got[0].ID)
}
