// Package chatlog persists the append-only conversation audit log.
// The short-term window compacts and memories get rewritten; this log
// is the one place the raw exchange survives, and the daily analysis
// job reads from here.
package chatlog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/jsonx"
)

// TimeLayout is the storage timestamp format.
const TimeLayout = "2006-01-02 15:04:05"

// Entry is one logged message.
type Entry struct {
	ID               int64  `json:"id"`
	Role             string `json:"role"`
	Content          string `json:"content"`
	CreatedAt        string `json:"created_at"`
	CharacterName    string `json:"character_name,omitempty"`
	CharacterPersona string `json:"character_persona,omitempty"`
}

// Message is one role/content pair to log.
type Message struct {
	Role    string
	Content string
}

// Store keeps chat logs in redis, one hash per user plus a user
// registry for the daily job.
type Store struct {
	redis  *redis.Client
	stream *Stream
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates a chat log store.
func NewStore(redisClient *redis.Client, logger *zap.Logger) *Store {
	return &Store{
		redis:  redisClient,
		logger: logger.Named("chatlog"),
		now:    time.Now,
	}
}

func key(userID string) string { return "chatlog:" + userID }

const usersKey = "chatlog:users"

// LogMessage appends one message. createdAt may be "" for now, or a
// pre-built timestamp for simulated dates.
func (s *Store) LogMessage(ctx context.Context, userID, role, content, createdAt, characterName, characterPersona string) error {
	if createdAt == "" {
		createdAt = s.now().Format(TimeLayout)
	}

	id, err := s.redis.Incr(ctx, key(userID)+":seq").Result()
	if err != nil {
		return fmt.Errorf("allocate log id: %w", err)
	}

	entry := Entry{
		ID:               id,
		Role:             role,
		Content:          content,
		CreatedAt:        createdAt,
		CharacterName:    characterName,
		CharacterPersona: characterPersona,
	}
	raw, err := jsonx.MarshalToString(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	pipe := s.redis.Pipeline()
	pipe.HSet(ctx, key(userID), fmt.Sprintf("%d", id), raw)
	pipe.SAdd(ctx, usersKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}

	s.stream.Publish(RoundEvent{
		UserID:    userID,
		Role:      role,
		Content:   content,
		CreatedAt: createdAt,
	})
	return nil
}

// LogMessages appends a batch. A virtual date stamps every entry at
// noon of that day instead of now.
func (s *Store) LogMessages(ctx context.Context, userID string, messages []Message, virtualDate, characterName, characterPersona string) error {
	createdAt := ""
	if virtualDate != "" {
		createdAt = VirtualTimestamp(virtualDate)
	}
	for _, m := range messages {
		if err := s.LogMessage(ctx, userID, m.Role, m.Content, createdAt, characterName, characterPersona); err != nil {
			return err
		}
	}
	return nil
}

// VirtualTimestamp places a simulated date at noon so it sorts inside
// the day it claims.
func VirtualTimestamp(virtualDate string) string {
	return virtualDate + " 12:00:00"
}

// DailyLogs returns a day's messages in chronological order.
func (s *Store) DailyLogs(ctx context.Context, userID string, day time.Time) ([]Entry, error) {
	entries, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	prefix := day.Format("2006-01-02")
	out := make([]Entry, 0)
	for _, e := range entries {
		if len(e.CreatedAt) >= len(prefix) && e.CreatedAt[:len(prefix)] == prefix {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// History pages backwards through a user's log, newest first. beforeID
// of 0 starts at the top.
func (s *Store) History(ctx context.Context, userID string, limit int, beforeID int64) ([]Entry, error) {
	entries, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID > entries[j].ID
	})

	out := make([]Entry, 0, limit)
	for _, e := range entries {
		if beforeID > 0 && e.ID >= beforeID {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// UserIDs returns every user with at least one logged message.
func (s *Store) UserIDs(ctx context.Context) ([]string, error) {
	return s.redis.SMembers(ctx, usersKey).Result()
}

// Clear removes a user's entire log.
func (s *Store) Clear(ctx context.Context, userID string) error {
	pipe := s.redis.Pipeline()
	pipe.Del(ctx, key(userID))
	pipe.Del(ctx, key(userID)+":seq")
	pipe.SRem(ctx, usersKey, userID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) load(ctx context.Context, userID string) ([]Entry, error) {
	fields, err := s.redis.HGetAll(ctx, key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load chat log: %w", err)
	}

	entries := make([]Entry, 0, len(fields))
	for _, raw := range fields {
		var e Entry
		if err := jsonx.UnmarshalFromString(raw, &e); err != nil {
			s.logger.Warn("corrupt log entry, skipping", zap.String("user", userID), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
