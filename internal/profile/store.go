package profile

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/jsonx"
	"github.com/companion-memory-kernel/internal/llm"
)

// Store keeps one profile per user in redis, the whole slot map as a
// single JSON value.
type Store struct {
	redis  *redis.Client
	gw     llm.Gateway
	logger *zap.Logger
}

// NewStore creates a profile store.
func NewStore(redisClient *redis.Client, gw llm.Gateway, logger *zap.Logger) *Store {
	return &Store{
		redis:  redisClient,
		gw:     gw,
		logger: logger.Named("profile"),
	}
}

func key(userID string) string {
	return "profile:" + userID
}

// GetAll returns the user's slot map; missing users get an empty map.
func (s *Store) GetAll(ctx context.Context, userID string) (map[string]interface{}, error) {
	raw, err := s.redis.Get(ctx, key(userID)).Result()
	if err == redis.Nil {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	slots := map[string]interface{}{}
	if err := jsonx.UnmarshalFromString(raw, &slots); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	return slots, nil
}

// PromptText renders the user's profile for the system prompt.
func (s *Store) PromptText(ctx context.Context, userID string) (string, error) {
	slots, err := s.GetAll(ctx, userID)
	if err != nil {
		return "", err
	}
	return Render(slots), nil
}

// ExtractResult reports one extraction pass.
type ExtractResult struct {
	Extracted    map[string]interface{} `json:"extracted"`
	UpdatedSlots []string               `json:"updated_slots"`
}

// ExtractSlots runs the slot extractor over a conversation and merges
// whatever it finds into the user's profile.
func (s *Store) ExtractSlots(ctx context.Context, userID, conversation string) (*ExtractResult, error) {
	raw, err := s.gw.JSON(ctx, []llm.ChatMessage{
		{Role: "system", Content: ExtractionPrompt()},
		{Role: "user", Content: "对话内容：\n" + conversation},
	}, "", llm.ChatOptions{Temperature: llm.Temp(0.1), MaxTokens: 500})
	if err != nil {
		return nil, fmt.Errorf("slot extraction: %w", err)
	}

	extracted := map[string]interface{}{}
	if err := jsonx.Unmarshal(raw, &extracted); err != nil {
		return nil, fmt.Errorf("unmarshal extracted slots: %w", err)
	}
	if len(extracted) == 0 {
		return &ExtractResult{Extracted: map[string]interface{}{}}, nil
	}

	current, err := s.GetAll(ctx, userID)
	if err != nil {
		return nil, err
	}

	updated := Merge(current, extracted, s.judge(ctx))
	if len(updated) > 0 {
		if err := s.save(ctx, userID, current); err != nil {
			return nil, err
		}
	}

	s.logger.Info("slots extracted",
		zap.String("user", userID),
		zap.Strings("updated", updated))

	return &ExtractResult{Extracted: extracted, UpdatedSlots: updated}, nil
}

// UpdateSlot writes one slot directly.
func (s *Store) UpdateSlot(ctx context.Context, userID, slotKey string, value interface{}) error {
	if _, ok := Lookup(slotKey); !ok {
		return fmt.Errorf("未知槽位: %s", slotKey)
	}

	current, err := s.GetAll(ctx, userID)
	if err != nil {
		return err
	}
	current[slotKey] = value
	return s.save(ctx, userID, current)
}

// BatchResult reports a batch write.
type BatchResult struct {
	UpdatedCount int      `json:"updated_count"`
	Errors       []string `json:"errors,omitempty"`
}

// BatchUpdate lands pre-adjudicated updates, skipping empty values.
// Nothing is written when no slot actually changes.
func (s *Store) BatchUpdate(ctx context.Context, userID string, updates []SlotUpdate) (*BatchResult, error) {
	current, err := s.GetAll(ctx, userID)
	if err != nil {
		return nil, err
	}

	changed, errs := Apply(current, updates)
	if changed > 0 {
		if err := s.save(ctx, userID, current); err != nil {
			return nil, err
		}
	}
	return &BatchResult{UpdatedCount: changed, Errors: errs}, nil
}

// Clear removes a user's profile.
func (s *Store) Clear(ctx context.Context, userID string) error {
	return s.redis.Del(ctx, key(userID)).Err()
}

func (s *Store) save(ctx context.Context, userID string, slots map[string]interface{}) error {
	raw, err := jsonx.MarshalToString(slots)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	return s.redis.Set(ctx, key(userID), raw, 0).Err()
}

// judge adjudicates contested llm_judge slots; model failure keeps the
// new value.
func (s *Store) judge(ctx context.Context) JudgeFunc {
	return func(slotKey, oldValue, newValue string) string {
		raw, err := s.gw.JSON(ctx, []llm.ChatMessage{
			{Role: "system", Content: "你是一个用户画像更新助手。"},
			{Role: "user", Content: MergeJudgmentPrompt(slotKey, oldValue, newValue)},
		}, "", llm.ChatOptions{Temperature: llm.Temp(0.1), MaxTokens: 100})
		if err != nil {
			s.logger.Warn("merge judgment failed, keeping new value",
				zap.String("slot", slotKey),
				zap.Error(err))
			return newValue
		}

		var verdict struct {
			Action string `json:"action"`
			Value  string `json:"value"`
		}
		if err := jsonx.Unmarshal(raw, &verdict); err != nil || verdict.Value == "" {
			return newValue
		}
		return verdict.Value
	}
}
