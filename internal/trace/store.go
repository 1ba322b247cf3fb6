// Package trace records one row per turn: stage latencies, the exact
// prompt sent, the raw reply, token usage, and the memories the async
// tail produced. Traces make a turn replayable after the fact.
package trace

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/jsonx"
)

// Trace is one recorded turn.
type Trace struct {
	TraceID        string           `json:"trace_id"`
	UserID         string           `json:"user_id"`
	LatencyMs      int64            `json:"latency_ms"`
	Steps          map[string]int64 `json:"steps"`
	PromptSnapshot string           `json:"prompt_snapshot"`
	ModelReply     string           `json:"model_reply"`
	TokenUsage     map[string]int   `json:"token_usage"`
	NewMemories    []string         `json:"new_memories,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Store keeps traces in redis: one value per trace plus a per-user
// recency list.
type Store struct {
	redis  *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates a trace store.
func NewStore(redisClient *redis.Client, logger *zap.Logger) *Store {
	return &Store{
		redis:  redisClient,
		logger: logger.Named("trace"),
		now:    time.Now,
	}
}

func traceKey(traceID string) string { return "trace:" + traceID }
func userKey(userID string) string   { return "traces:" + userID }

// Record stores a completed turn and returns its trace id. Recording
// never fails a turn; errors are logged and an empty id returned.
func (s *Store) Record(ctx context.Context, t Trace) string {
	t.TraceID = uuid.New().String()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	if t.TokenUsage == nil {
		t.TokenUsage = map[string]int{}
	}

	if err := s.write(ctx, &t); err != nil {
		s.logger.Error("failed to record trace", zap.String("user", t.UserID), zap.Error(err))
		return ""
	}
	if err := s.redis.LPush(ctx, userKey(t.UserID), t.TraceID).Err(); err != nil {
		s.logger.Warn("failed to index trace", zap.String("trace", t.TraceID), zap.Error(err))
	}
	return t.TraceID
}

// UpdateMemories attaches the async tail's extracted memories to an
// existing trace.
func (s *Store) UpdateMemories(ctx context.Context, traceID string, memories []string) error {
	t, err := s.Get(ctx, traceID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("trace %s not found", traceID)
	}
	t.NewMemories = memories
	return s.write(ctx, t)
}

// Get returns one trace, or nil when unknown.
func (s *Store) Get(ctx context.Context, traceID string) (*Trace, error) {
	raw, err := s.redis.Get(ctx, traceKey(traceID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load trace: %w", err)
	}

	var t Trace
	if err := jsonx.UnmarshalFromString(raw, &t); err != nil {
		return nil, fmt.Errorf("unmarshal trace: %w", err)
	}
	return &t, nil
}

// Recent returns a user's latest traces, newest first.
func (s *Store) Recent(ctx context.Context, userID string, limit int) ([]Trace, error) {
	if limit <= 0 {
		limit = 10
	}
	ids, err := s.redis.LRange(ctx, userKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("load trace index: %w", err)
	}

	out := make([]Trace, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err != nil || t == nil {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) write(ctx context.Context, t *Trace) error {
	raw, err := jsonx.MarshalToString(t)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	return s.redis.Set(ctx, traceKey(t.TraceID), raw, 0).Err()
}
