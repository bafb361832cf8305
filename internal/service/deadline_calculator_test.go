package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

var allUrgencies = []repository.Urgency{
	repository.UrgencyLow,
	repository.UrgencyMedium,
	repository.UrgencyHigh,
	repository.UrgencyCritical,
}

func fixedNow() time.Time { return t0 }

func TestComputeDeadlineTable(t *testing.T) {
	c := NewDeadlineCalculator(fixedNow)

	want := map[repository.Urgency]time.Duration{
		repository.UrgencyLow:      48 * time.Hour,
		repository.UrgencyMedium:   24 * time.Hour,
		repository.UrgencyHigh:     12 * time.Hour,
		repository.UrgencyCritical: 6 * time.Hour,
	}
	for u, d := range want {
		assert.Equal(t, t0.Add(d), c.ComputeDeadline(nil, u, 99), string(u))
	}
}

func TestComputeDeadlineUnknownUrgencyUsesCompanyDefault(t *testing.T) {
	c := NewDeadlineCalculator(fixedNow)

	assert.Equal(t, t0.Add(36*time.Hour), c.ComputeDeadline(nil, "whenever", 36))
	assert.Equal(t, t0.Add(24*time.Hour), c.ComputeDeadline(nil, "whenever", 0))
}

func TestComputeDeadlineCappedBeforeTravel(t *testing.T) {
	c := NewDeadlineCalculator(fixedNow)

	travel := t0.Add(30 * time.Hour)
	assert.Equal(t, t0.Add(6*time.Hour), c.ComputeDeadline(&travel, repository.UrgencyLow, 24))

	far := t0.Add(30 * 24 * time.Hour)
	assert.Equal(t, t0.Add(48*time.Hour), c.ComputeDeadline(&far, repository.UrgencyLow, 24))
}

func TestComputeDeadlineNeverInsideBlackout(t *testing.T) {
	c := NewDeadlineCalculator(fixedNow)

	for _, u := range append(allUrgencies, "unknown") {
		for h := -48; h <= 24*10; h += 5 {
			travel := t0.Add(time.Duration(h) * time.Hour)
			got := c.ComputeDeadline(&travel, u, 24)
			assert.False(t, got.After(travel.Add(-24*time.Hour)),
				"urgency=%s travel=+%dh deadline=%s", u, h, got)
		}
	}
}

func TestComputeSLAAndEscalationDelay(t *testing.T) {
	c := NewDeadlineCalculator(fixedNow)

	sla := map[repository.Urgency]int{"low": 48, "medium": 24, "high": 8, "critical": 4}
	esc := map[repository.Urgency]int{"low": 48, "medium": 24, "high": 12, "critical": 4}
	for _, u := range allUrgencies {
		assert.Equal(t, sla[u], c.ComputeSLA(u), string(u))
		assert.Equal(t, esc[u], c.ComputeEscalationDelay(u), string(u))
	}

	assert.Equal(t, 24, c.ComputeSLA("bogus"))
	assert.Equal(t, 24, c.ComputeEscalationDelay("bogus"))
}

func TestComputeReminderOffsets(t *testing.T) {
	c := NewDeadlineCalculator(fixedNow)

	assert.Equal(t, []int{24, 48}, c.ComputeReminderOffsets(repository.UrgencyLow))
	assert.Equal(t, []int{12, 24}, c.ComputeReminderOffsets(repository.UrgencyMedium))
	assert.Equal(t, []int{6, 12}, c.ComputeReminderOffsets(repository.UrgencyHigh))
	assert.Equal(t, []int{2, 4}, c.ComputeReminderOffsets(repository.UrgencyCritical))
	assert.Equal(t, []int{12, 24}, c.ComputeReminderOffsets("bogus"))

	// Callers may not mutate the shared table.
	got := c.ComputeReminderOffsets(repository.UrgencyHigh)
	got[0] = 999
	assert.Equal(t, []int{6, 12}, c.ComputeReminderOffsets(repository.UrgencyHigh))
}
