package focus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var anchor = time.Date(2026, 1, 29, 10, 0, 0, 0, time.Local)

func item(created time.Time) *Focus {
	return &Focus{
		ID:        1,
		Content:   "准备考研",
		Status:    StatusActive,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestVisibleWithinTTL(t *testing.T) {
	f := item(anchor.AddDate(0, 0, -13))
	assert.True(t, Visible(f, anchor, DefaultTTL, InjectionCooldown))
}

func TestExpiredPastTTL(t *testing.T) {
	f := item(anchor.AddDate(0, 0, -15))
	assert.False(t, Visible(f, anchor, DefaultTTL, InjectionCooldown))
}

func TestTTLBoundaryDayStillVisible(t *testing.T) {
	// Expiry compares dates, so day 14 is the last visible day.
	f := item(anchor.AddDate(0, 0, -14))
	assert.True(t, Visible(f, anchor, DefaultTTL, InjectionCooldown))
}

func TestDeadlineGetsOneDayBuffer(t *testing.T) {
	f := item(anchor.AddDate(0, 0, -30))
	f.ExpectedDate = anchor.AddDate(0, 0, -1).Format("2006-01-02")
	// One day past the deadline is still visible.
	assert.True(t, Visible(f, anchor, DefaultTTL, InjectionCooldown))

	f.ExpectedDate = anchor.AddDate(0, 0, -2).Format("2006-01-02")
	assert.False(t, Visible(f, anchor, DefaultTTL, InjectionCooldown))
}

func TestDeadlineOverridesTTL(t *testing.T) {
	// Older than the default TTL but the deadline is still ahead.
	f := item(anchor.AddDate(0, 0, -40))
	f.ExpectedDate = anchor.AddDate(0, 0, 5).Format("2006-01-02")
	assert.True(t, Visible(f, anchor, DefaultTTL, InjectionCooldown))
}

func TestCooldownHidesItem(t *testing.T) {
	f := item(anchor.AddDate(0, 0, -1))

	injected := anchor.Add(-6 * time.Hour)
	f.LastInjectedAt = &injected
	assert.False(t, Visible(f, anchor, DefaultTTL, InjectionCooldown))

	injected = anchor.Add(-13 * time.Hour)
	f.LastInjectedAt = &injected
	assert.True(t, Visible(f, anchor, DefaultTTL, InjectionCooldown))
}

func TestUnparseableDeadlineFallsThrough(t *testing.T) {
	f := item(anchor.AddDate(0, 0, -1))
	f.ExpectedDate = "下周三"
	assert.True(t, Visible(f, anchor, DefaultTTL, InjectionCooldown))
}

func TestNewestPendingSkipsConsumed(t *testing.T) {
	w := NewestPending([]*Whisper{
		{ID: 1, Suggestion: "早点问问考试", CreatedAt: anchor.Add(-2 * time.Hour)},
		{ID: 2, Suggestion: "提一下面试", CreatedAt: anchor.Add(-time.Hour)},
		{ID: 3, Suggestion: "已经用过的", CreatedAt: anchor, Consumed: true},
	})
	require.NotNil(t, w)
	assert.Equal(t, int64(2), w.ID)
}

func TestNewestPendingTieBreaksOnID(t *testing.T) {
	w := NewestPending([]*Whisper{
		{ID: 5, Suggestion: "a", CreatedAt: anchor},
		{ID: 7, Suggestion: "b", CreatedAt: anchor},
	})
	require.NotNil(t, w)
	assert.Equal(t, int64(7), w.ID)
}

func TestNewestPendingEmptyQueue(t *testing.T) {
	assert.Nil(t, NewestPending(nil))
	assert.Nil(t, NewestPending([]*Whisper{
		{ID: 1, Suggestion: "a", CreatedAt: anchor, Consumed: true},
	}))
}
