package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextRunAt(t *testing.T) {
	loc := time.Local

	// Before the slot: same day.
	now := time.Date(2026, 1, 29, 1, 30, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 1, 29, 3, 0, 0, 0, loc), NextRunAt(now, 3, 0))

	// After the slot: next day.
	now = time.Date(2026, 1, 29, 3, 0, 1, 0, loc)
	assert.Equal(t, time.Date(2026, 1, 30, 3, 0, 0, 0, loc), NextRunAt(now, 3, 0))

	// Exactly at the slot: next day, never a zero wait.
	now = time.Date(2026, 1, 29, 3, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 1, 30, 3, 0, 0, 0, loc), NextRunAt(now, 3, 0))
}

func TestSkipDigest(t *testing.T) {
	assert.True(t, SkipDigest(""))
	assert.True(t, SkipDigest("  "))
	assert.True(t, SkipDigest("无对话记录"))
	assert.True(t, SkipDigest("无有效对话内容"))
	assert.False(t, SkipDigest("用户今天聊了面试的事"))
}
