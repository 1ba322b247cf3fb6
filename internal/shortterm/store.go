// Package shortterm manages per-user rolling conversation context: a
// running summary plus the recent message window, with automatic
// compaction when the window grows past the round threshold.
package shortterm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/jsonx"
	"github.com/companion-memory-kernel/internal/llm"
)

// Message is one turn half in the recent window.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Context is what a turn sees of the short-term state.
type Context struct {
	Summary  string    `json:"summary"`
	History  []Message `json:"history"`
	FullText string    `json:"full_text"`
}

// Config tunes the store.
type Config struct {
	MaxRounds      int
	SessionTimeout time.Duration
}

// DefaultConfig returns the production thresholds: compaction at 50
// rounds, summary reset after 3 idle hours.
func DefaultConfig() Config {
	return Config{
		MaxRounds:      50,
		SessionTimeout: 3 * time.Hour,
	}
}

// Store keeps short-term context in redis, one hash per user.
type Store struct {
	redis  *redis.Client
	gw     llm.Gateway
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates a short-term context store.
func NewStore(redisClient *redis.Client, gw llm.Gateway, cfg Config, logger *zap.Logger) *Store {
	if cfg.MaxRounds == 0 {
		cfg.MaxRounds = 50
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 3 * time.Hour
	}
	return &Store{
		redis:  redisClient,
		gw:     gw,
		cfg:    cfg,
		logger: logger.Named("shortterm"),
		now:    time.Now,
	}
}

func key(userID string) string {
	return "ctx:" + userID
}

// GetContext loads a user's context, resetting the summary when the
// session has been idle past the timeout and compacting the window when
// it holds MaxRounds or more rounds. Both checks happen on read so idle
// users cost nothing.
func (s *Store) GetContext(ctx context.Context, userID string) (*Context, error) {
	summary, history, updatedRaw, err := s.read(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Session timeout only matters when there is a summary to drop.
	if summary != "" && updatedRaw != "" {
		if updatedAt, err := time.Parse(time.RFC3339, updatedRaw); err == nil {
			if s.now().Sub(updatedAt) > s.cfg.SessionTimeout {
				s.logger.Info("session expired, clearing summary",
					zap.String("user", userID),
					zap.Duration("timeout", s.cfg.SessionTimeout))
				summary = ""
				if err := s.redis.HSet(ctx, key(userID), "summary", "").Err(); err != nil {
					return nil, fmt.Errorf("clear expired summary: %w", err)
				}
			}
		}
	}

	if Rounds(history) >= s.cfg.MaxRounds {
		s.logger.Info("compacting context",
			zap.String("user", userID),
			zap.Int("rounds", Rounds(history)))

		newSummary, remaining := s.compact(ctx, summary, history)
		if err := s.write(ctx, userID, newSummary, remaining); err != nil {
			return nil, err
		}
		summary = newSummary
		history = remaining
	}

	return &Context{
		Summary:  summary,
		History:  history,
		FullText: BuildFullText(summary, history),
	}, nil
}

// Peek returns the stored context without the session-expiry and
// compaction side effects of GetContext. Background readers use it so
// a slow compaction can never overwrite rounds appended concurrently.
func (s *Store) Peek(ctx context.Context, userID string) (*Context, error) {
	summary, history, _, err := s.read(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Context{
		Summary:  summary,
		History:  history,
		FullText: BuildFullText(summary, history),
	}, nil
}

func (s *Store) read(ctx context.Context, userID string) (string, []Message, string, error) {
	fields, err := s.redis.HGetAll(ctx, key(userID)).Result()
	if err != nil {
		return "", nil, "", fmt.Errorf("load context: %w", err)
	}

	history := []Message{}
	if raw := fields["recent"]; raw != "" {
		if err := jsonx.UnmarshalFromString(raw, &history); err != nil {
			s.logger.Warn("corrupt recent messages, resetting",
				zap.String("user", userID), zap.Error(err))
			history = []Message{}
		}
	}
	return fields["summary"], history, fields["updated_at"], nil
}

// Append adds messages to the recent window without triggering
// compaction; that happens on the next read.
func (s *Store) Append(ctx context.Context, userID string, messages []Message) error {
	raw, err := s.redis.HGet(ctx, key(userID), "recent").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("load recent messages: %w", err)
	}

	var history []Message
	if raw != "" {
		if err := jsonx.UnmarshalFromString(raw, &history); err != nil {
			history = nil
		}
	}
	history = append(history, messages...)

	summary, err := s.redis.HGet(ctx, key(userID), "summary").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("load summary: %w", err)
	}
	return s.write(ctx, userID, summary, history)
}

// Clear removes all short-term state for a user.
func (s *Store) Clear(ctx context.Context, userID string) error {
	return s.redis.Del(ctx, key(userID)).Err()
}

// ClearSummary drops only the summary, keeping the recent window.
func (s *Store) ClearSummary(ctx context.Context, userID string) error {
	return s.redis.HSet(ctx, key(userID), "summary", "").Err()
}

func (s *Store) write(ctx context.Context, userID, summary string, history []Message) error {
	raw, err := jsonx.MarshalToString(history)
	if err != nil {
		return fmt.Errorf("marshal recent messages: %w", err)
	}
	return s.redis.HSet(ctx, key(userID),
		"summary", summary,
		"recent", raw,
		"updated_at", s.now().Format(time.RFC3339),
	).Err()
}

// compact folds the window into a merged summary, keeping the last
// round so the history never goes fully empty. On model failure the
// current state is returned untouched.
func (s *Store) compact(ctx context.Context, currentSummary string, history []Message) (string, []Message) {
	resp, err := s.gw.Chat(ctx, []llm.ChatMessage{
		{Role: "system", Content: "你是一个专业的对话摘要助手。"},
		{Role: "user", Content: CompactionPrompt(currentSummary, history)},
	}, llm.ChatOptions{Temperature: llm.Temp(0.3)})
	if err != nil {
		s.logger.Error("context compaction failed", zap.Error(err))
		return currentSummary, history
	}

	return strings.TrimSpace(resp.Text), KeepLastRound(history)
}

// Rounds counts full rounds in the window; one round is a user message
// plus the reply.
func Rounds(history []Message) int {
	return len(history) / 2
}

// KeepLastRound returns the final two messages of the window.
func KeepLastRound(history []Message) []Message {
	if len(history) >= 2 {
		return history[len(history)-2:]
	}
	return history
}

// HistoryText renders the window as "role: content" lines.
func HistoryText(history []Message) string {
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, m.Role+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

// BuildFullText renders the injectable context block.
func BuildFullText(summary string, history []Message) string {
	var b strings.Builder
	if summary != "" {
		b.WriteString("前情提要:\n")
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	if text := HistoryText(history); text != "" {
		b.WriteString("最近对话:\n")
		b.WriteString(text)
	}
	return b.String()
}

// CompactionPrompt builds the merge-summary instruction.
func CompactionPrompt(currentSummary string, history []Message) string {
	existing := ""
	if currentSummary != "" {
		existing = "已有摘要：" + currentSummary
	}
	return fmt.Sprintf(`请对以下对话历史进行简要概括。重点关注：
1. 讨论了什么话题
2. 用户的情绪状态和需求（是想倾诉、求建议、还是闲聊）
3. 有没有敏感/被回避的话题
4. 对话是怎么结束的（自然结束、话题转移、用户情绪变化）

%s

新增对话：
%s

请输出一个新的、合并后的摘要，包含关键信息（如用户意图、重要事实、讨论话题），字数控制在300字以内。
直接输出摘要内容。`, existing, HistoryText(history))
}
