// Package jobs runs the offline analysis batch: once a day every
// user's conversation log is summarized and handed to the psychologist,
// whose trait updates land in the profile store.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/agents"
	"github.com/companion-memory-kernel/internal/jsonx"
)

// DayLayout keys summaries by calendar day.
const DayLayout = "2006-01-02"

// StoredSummary is one persisted daily digest.
type StoredSummary struct {
	Date             string   `json:"date"`
	Summary          string   `json:"summary"`
	KeyEvents        []string `json:"key_events"`
	EmotionalChanges string   `json:"emotional_changes"`
	PersonalInfo     []string `json:"personal_info"`
	CreatedAt        string   `json:"created_at"`
}

// SummaryStore keeps daily digests in redis, one hash per user keyed
// by date. Re-running a day overwrites its entry.
type SummaryStore struct {
	redis  *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewSummaryStore creates the digest store.
func NewSummaryStore(redisClient *redis.Client, logger *zap.Logger) *SummaryStore {
	return &SummaryStore{
		redis:  redisClient,
		logger: logger.Named("summaries"),
		now:    time.Now,
	}
}

func summaryKey(userID string) string { return "dailysum:" + userID }

// Save persists one day's digest.
func (s *SummaryStore) Save(ctx context.Context, userID string, day time.Time, digest *agents.DailySummary) error {
	stored := StoredSummary{
		Date:             day.Format(DayLayout),
		Summary:          digest.Summary,
		KeyEvents:        digest.KeyEvents,
		EmotionalChanges: digest.EmotionalChanges,
		PersonalInfo:     digest.PersonalInfo,
		CreatedAt:        s.now().Format(time.RFC3339),
	}
	raw, err := jsonx.MarshalToString(stored)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	return s.redis.HSet(ctx, summaryKey(userID), stored.Date, raw).Err()
}

// Get returns the digest for one day, or nil when absent.
func (s *SummaryStore) Get(ctx context.Context, userID string, day time.Time) (*StoredSummary, error) {
	raw, err := s.redis.HGet(ctx, summaryKey(userID), day.Format(DayLayout)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load summary: %w", err)
	}

	var stored StoredSummary
	if err := jsonx.UnmarshalFromString(raw, &stored); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	return &stored, nil
}

// Recent returns the newest digests, most recent day first.
func (s *SummaryStore) Recent(ctx context.Context, userID string, days int) ([]StoredSummary, error) {
	fields, err := s.redis.HGetAll(ctx, summaryKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}

	out := make([]StoredSummary, 0, len(fields))
	for _, raw := range fields {
		var stored StoredSummary
		if err := jsonx.UnmarshalFromString(raw, &stored); err != nil {
			s.logger.Warn("corrupt summary entry skipped", zap.String("user", userID), zap.Error(err))
			continue
		}
		out = append(out, stored)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if days > 0 && len(out) > days {
		out = out[:days]
	}
	return out, nil
}

// Clear drops every digest for a user.
func (s *SummaryStore) Clear(ctx context.Context, userID string) error {
	return s.redis.Del(ctx, summaryKey(userID)).Err()
}
