package service

import (
	"time"

	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

// travelBlackout is the window before travel in which no approval deadline
// may fall.
const travelBlackout = 24 * time.Hour

const fallbackDeadlineHours = 24

// urgencyTable maps each urgency to its hour values.
type urgencyTable map[repository.Urgency]int

var (
	deadlineHours = urgencyTable{
		repository.UrgencyLow:      48,
		repository.UrgencyMedium:   24,
		repository.UrgencyHigh:     12,
		repository.UrgencyCritical: 6,
	}
	slaHours = urgencyTable{
		repository.UrgencyLow:      48,
		repository.UrgencyMedium:   24,
		repository.UrgencyHigh:     8,
		repository.UrgencyCritical: 4,
	}
	escalationDelayHours = urgencyTable{
		repository.UrgencyLow:      48,
		repository.UrgencyMedium:   24,
		repository.UrgencyHigh:     12,
		repository.UrgencyCritical: 4,
	}
	reminderOffsetHours = map[repository.Urgency][]int{
		repository.UrgencyLow:      {24, 48},
		repository.UrgencyMedium:   {12, 24},
		repository.UrgencyHigh:     {6, 12},
		repository.UrgencyCritical: {2, 4},
	}
)

// lookup falls back to the medium row for unknown urgencies.
func (t urgencyTable) lookup(u repository.Urgency) int {
	if h, ok := t[u]; ok {
		return h
	}
	return t[repository.UrgencyMedium]
}

// DeadlineCalculator derives deadlines, SLA targets and timer offsets from
// urgency. All results are a function of the injected clock.
type DeadlineCalculator struct {
	now func() time.Time
}

// NewDeadlineCalculator creates a calculator. A nil clock uses time.Now.
func NewDeadlineCalculator(now func() time.Time) *DeadlineCalculator {
	if now == nil {
		now = time.Now
	}
	return &DeadlineCalculator{now: now}
}

// ComputeDeadline returns now + the urgency's deadline hours, pulled back to
// travelDate - 24h when that is earlier. Unknown urgency uses
// companyDefaultHours, or 24h when that is not positive.
func (c *DeadlineCalculator) ComputeDeadline(travelDate *time.Time, urgency repository.Urgency, companyDefaultHours int) time.Time {
	hours, ok := deadlineHours[urgency]
	if !ok {
		hours = companyDefaultHours
		if hours <= 0 {
			hours = fallbackDeadlineHours
		}
	}

	deadline := c.now().Add(time.Duration(hours) * time.Hour)
	if travelDate != nil {
		if limit := travelDate.Add(-travelBlackout); limit.Before(deadline) {
			deadline = limit
		}
	}
	return deadline
}

// ComputeSLA returns the target response time in hours.
func (c *DeadlineCalculator) ComputeSLA(urgency repository.Urgency) int {
	return slaHours.lookup(urgency)
}

// ComputeEscalationDelay returns hours without a decision before escalating.
func (c *DeadlineCalculator) ComputeEscalationDelay(urgency repository.Urgency) int {
	return escalationDelayHours.lookup(urgency)
}

// ComputeReminderOffsets returns reminder offsets in hours after notification.
func (c *DeadlineCalculator) ComputeReminderOffsets(urgency repository.Urgency) []int {
	offsets, ok := reminderOffsetHours[urgency]
	if !ok {
		offsets = reminderOffsetHours[repository.UrgencyMedium]
	}
	return append([]int(nil), offsets...)
}

// Now exposes the calculator's clock.
func (c *DeadlineCalculator) Now() time.Time {
	return c.now()
}
