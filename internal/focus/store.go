// Package focus manages a user's short-lived attention items and the
// whisper queue that carries guidance from one turn into the next.
//
// Focus items are never deleted on expiry; visibility is computed on
// read from a deadline buffer, a default TTL and an injection
// cooldown. Whispers are single-consume: peek never side-effects,
// consume marks the newest pending one read.
package focus

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/jsonx"
)

const (
	// DefaultTTL bounds focus items that carry no explicit deadline.
	DefaultTTL = 14 * 24 * time.Hour
	// InjectionCooldown hides an item after it has been surfaced.
	InjectionCooldown = 12 * time.Hour

	StatusActive   = "active"
	StatusArchived = "archived"
)

// Focus is one stored attention item.
type Focus struct {
	ID             int64      `json:"id"`
	Content        string     `json:"content"`
	Status         string     `json:"status"`
	ExpectedDate   string     `json:"expected_date,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastInjectedAt *time.Time `json:"last_injected_at,omitempty"`
}

// Item is the read-side view of a visible focus.
type Item struct {
	ID           int64  `json:"id"`
	Content      string `json:"content"`
	RecordedAt   string `json:"recorded_at"`
	ExpectedDate string `json:"expected_date,omitempty"`
}

// Whisper is one queued next-turn suggestion.
type Whisper struct {
	ID         int64     `json:"id"`
	Suggestion string    `json:"suggestion"`
	Consumed   bool      `json:"is_consumed"`
	CreatedAt  time.Time `json:"created_at"`
}

// Config tunes visibility windows.
type Config struct {
	TTL      time.Duration
	Cooldown time.Duration
}

// Store keeps focus items and whispers in redis hashes, one per user.
type Store struct {
	redis  *redis.Client
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates a focus store.
func NewStore(redisClient *redis.Client, cfg Config, logger *zap.Logger) *Store {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = InjectionCooldown
	}
	return &Store{
		redis:  redisClient,
		cfg:    cfg,
		logger: logger.Named("focus"),
		now:    time.Now,
	}
}

func focusKey(userID string) string   { return "focus:" + userID }
func whisperKey(userID string) string { return "whisper:" + userID }

// AddFocus records a new attention item. An active item with the same
// content is refreshed instead of duplicated; a provided deadline
// replaces the old one.
func (s *Store) AddFocus(ctx context.Context, userID, content, expectedDate string) error {
	items, err := s.loadFocus(ctx, userID)
	if err != nil {
		return err
	}

	now := s.now()
	for _, f := range items {
		if f.Status == StatusActive && f.Content == content {
			f.UpdatedAt = now
			if expectedDate != "" {
				f.ExpectedDate = expectedDate
			}
			s.logger.Info("refreshed existing focus", zap.String("user", userID), zap.Int64("id", f.ID))
			return s.writeFocus(ctx, userID, f)
		}
	}

	id, err := s.redis.Incr(ctx, focusKey(userID)+":seq").Result()
	if err != nil {
		return fmt.Errorf("allocate focus id: %w", err)
	}
	f := &Focus{
		ID:           id,
		Content:      content,
		Status:       StatusActive,
		ExpectedDate: expectedDate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.logger.Info("added focus", zap.String("user", userID), zap.Int64("id", id))
	return s.writeFocus(ctx, userID, f)
}

// ActiveFocus returns the visible attention items, newest first.
// Expired items and items inside the injection cooldown are filtered,
// not deleted.
func (s *Store) ActiveFocus(ctx context.Context, userID string) ([]Item, error) {
	items, err := s.loadFocus(ctx, userID)
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	now := s.now()
	var out []Item
	for _, f := range items {
		if f.Status != StatusActive || !Visible(f, now, s.cfg.TTL, s.cfg.Cooldown) {
			continue
		}
		out = append(out, Item{
			ID:           f.ID,
			Content:      f.Content,
			RecordedAt:   f.CreatedAt.Format("2006-01-02"),
			ExpectedDate: f.ExpectedDate,
		})
	}
	return out, nil
}

// MarkInjected stamps an item's last injection time, starting its
// cooldown.
func (s *Store) MarkInjected(ctx context.Context, userID string, focusID int64) error {
	items, err := s.loadFocus(ctx, userID)
	if err != nil {
		return err
	}
	for _, f := range items {
		if f.ID == focusID {
			now := s.now()
			f.LastInjectedAt = &now
			return s.writeFocus(ctx, userID, f)
		}
	}
	return fmt.Errorf("focus %d not found", focusID)
}

// Archive retires every item matching content. Returns whether
// anything changed.
func (s *Store) Archive(ctx context.Context, userID, content string) (bool, error) {
	items, err := s.loadFocus(ctx, userID)
	if err != nil {
		return false, err
	}

	changed := false
	now := s.now()
	for _, f := range items {
		if f.Content == content && f.Status != StatusArchived {
			f.Status = StatusArchived
			f.UpdatedAt = now
			if err := s.writeFocus(ctx, userID, f); err != nil {
				return changed, err
			}
			changed = true
		}
	}
	return changed, nil
}

// ClearAll archives every active item and consumes every pending
// whisper so nothing stale surfaces later.
func (s *Store) ClearAll(ctx context.Context, userID string) error {
	items, err := s.loadFocus(ctx, userID)
	if err != nil {
		return err
	}

	now := s.now()
	for _, f := range items {
		if f.Status == StatusActive {
			f.Status = StatusArchived
			f.UpdatedAt = now
			if err := s.writeFocus(ctx, userID, f); err != nil {
				return err
			}
		}
	}

	whispers, err := s.loadWhispers(ctx, userID)
	if err != nil {
		return err
	}
	for _, w := range whispers {
		if !w.Consumed {
			w.Consumed = true
			if err := s.writeWhisper(ctx, userID, w); err != nil {
				return err
			}
		}
	}

	s.logger.Info("cleared all focus", zap.String("user", userID))
	return nil
}

// SaveWhisper queues a suggestion for the next turn.
func (s *Store) SaveWhisper(ctx context.Context, userID, suggestion string) error {
	id, err := s.redis.Incr(ctx, whisperKey(userID)+":seq").Result()
	if err != nil {
		return fmt.Errorf("allocate whisper id: %w", err)
	}
	return s.writeWhisper(ctx, userID, &Whisper{
		ID:         id,
		Suggestion: suggestion,
		CreatedAt:  s.now(),
	})
}

// ConsumeWhisper returns the newest pending suggestion and marks it
// read. Returns "" when the queue is empty. Select-and-mark runs as one
// optimistic transaction; a ClearAll or second consumer racing it
// retries against the fresh queue instead of resurrecting a whisper.
func (s *Store) ConsumeWhisper(ctx context.Context, userID string) (string, error) {
	var suggestion string
	consume := func(tx *redis.Tx) error {
		suggestion = ""
		fields, err := tx.HGetAll(ctx, whisperKey(userID)).Result()
		if err != nil {
			return fmt.Errorf("load whispers: %w", err)
		}
		w := NewestPending(s.parseWhispers(userID, fields))
		if w == nil {
			return nil
		}

		w.Consumed = true
		raw, err := jsonx.MarshalToString(w)
		if err != nil {
			return fmt.Errorf("marshal whisper: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, whisperKey(userID), fmt.Sprintf("%d", w.ID), raw)
			return nil
		})
		if err == nil {
			suggestion = w.Suggestion
		}
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := s.redis.Watch(ctx, consume, whisperKey(userID))
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return "", err
		}
		return suggestion, nil
	}
	return "", fmt.Errorf("consume whisper: %w", redis.TxFailedErr)
}

// PeekWhisper returns the newest pending suggestion without consuming
// it, or nil.
func (s *Store) PeekWhisper(ctx context.Context, userID string) (*Whisper, error) {
	return s.latestPending(ctx, userID)
}

func (s *Store) latestPending(ctx context.Context, userID string) (*Whisper, error) {
	whispers, err := s.loadWhispers(ctx, userID)
	if err != nil {
		return nil, err
	}
	return NewestPending(whispers), nil
}

// NewestPending picks the unconsumed whisper with the latest creation
// time, ties broken by higher id. Returns nil when none is pending.
func NewestPending(whispers []*Whisper) *Whisper {
	var latest *Whisper
	for _, w := range whispers {
		if w.Consumed {
			continue
		}
		if latest == nil || w.CreatedAt.After(latest.CreatedAt) ||
			(w.CreatedAt.Equal(latest.CreatedAt) && w.ID > latest.ID) {
			latest = w
		}
	}
	return latest
}

func (s *Store) loadFocus(ctx context.Context, userID string) ([]*Focus, error) {
	fields, err := s.redis.HGetAll(ctx, focusKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load focus: %w", err)
	}

	items := make([]*Focus, 0, len(fields))
	for _, raw := range fields {
		var f Focus
		if err := jsonx.UnmarshalFromString(raw, &f); err != nil {
			s.logger.Warn("corrupt focus row, skipping", zap.String("user", userID), zap.Error(err))
			continue
		}
		items = append(items, &f)
	}
	return items, nil
}

func (s *Store) writeFocus(ctx context.Context, userID string, f *Focus) error {
	raw, err := jsonx.MarshalToString(f)
	if err != nil {
		return fmt.Errorf("marshal focus: %w", err)
	}
	return s.redis.HSet(ctx, focusKey(userID), fmt.Sprintf("%d", f.ID), raw).Err()
}

func (s *Store) loadWhispers(ctx context.Context, userID string) ([]*Whisper, error) {
	fields, err := s.redis.HGetAll(ctx, whisperKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load whispers: %w", err)
	}
	return s.parseWhispers(userID, fields), nil
}

func (s *Store) parseWhispers(userID string, fields map[string]string) []*Whisper {
	whispers := make([]*Whisper, 0, len(fields))
	for _, raw := range fields {
		var w Whisper
		if err := jsonx.UnmarshalFromString(raw, &w); err != nil {
			s.logger.Warn("corrupt whisper row, skipping", zap.String("user", userID), zap.Error(err))
			continue
		}
		whispers = append(whispers, &w)
	}
	return whispers
}

func (s *Store) writeWhisper(ctx context.Context, userID string, w *Whisper) error {
	raw, err := jsonx.MarshalToString(w)
	if err != nil {
		return fmt.Errorf("marshal whisper: %w", err)
	}
	return s.redis.HSet(ctx, whisperKey(userID), fmt.Sprintf("%d", w.ID), raw).Err()
}

// Visible reports whether a focus item should surface at now. An item
// with a deadline survives until one full day past it; without one it
// lives for the TTL from creation. An item inside its injection
// cooldown stays hidden either way.
func Visible(f *Focus, now time.Time, ttl, cooldown time.Duration) bool {
	today := dateOnly(now)

	if f.ExpectedDate != "" {
		if exp, err := time.ParseInLocation("2006-01-02", f.ExpectedDate, now.Location()); err == nil {
			if today.After(exp.AddDate(0, 0, 1)) {
				return false
			}
		}
	} else {
		ttlDays := int(ttl.Hours() / 24)
		if today.After(dateOnly(f.CreatedAt).AddDate(0, 0, ttlDays)) {
			return false
		}
	}

	if f.LastInjectedAt != nil && now.Before(f.LastInjectedAt.Add(cooldown)) {
		return false
	}
	return true
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
