package agents

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/chatlog"
	"github.com/companion-memory-kernel/internal/jsonx"
	"github.com/companion-memory-kernel/internal/llm"
)

const summaryPrompt = `
你是一个对话摘要助手。请将以下对话整理成简洁的摘要，重点关注：
1. 用户提到的重要事件
2. 用户表达的情绪变化
3. 用户透露的个人信息
4. 对话中的关键转折点

对话内容：
{dialogue}

请输出 JSON 格式，不要包含 markdown 代码块标记：
{
  "key_events": ["事件1", "事件2"],
  "emotional_changes": "情绪变化描述",
  "personal_info": ["信息1", "信息2"],
  "summary": "整体摘要文本（200字以内）"
}

如果对话内容很少或无实质内容，请输出：
{
  "key_events": [],
  "emotional_changes": "",
  "personal_info": [],
  "summary": "无有效对话内容"
}
`

// DailySummary is the structured digest of one day's conversation,
// consumed by the psychologist.
type DailySummary struct {
	KeyEvents        []string `json:"key_events"`
	EmotionalChanges string   `json:"emotional_changes"`
	PersonalInfo     []string `json:"personal_info"`
	Summary          string   `json:"summary"`
}

// Summarizer compresses a day's chat log into a DailySummary.
type Summarizer struct {
	gw     llm.Gateway
	model  string
	logger *zap.Logger
}

// NewSummarizer creates the summarizer. A fast model is enough here.
func NewSummarizer(gw llm.Gateway, model string, logger *zap.Logger) *Summarizer {
	return &Summarizer{
		gw:     gw,
		model:  model,
		logger: logger.Named("summarizer"),
	}
}

// Summarize digests one day of messages. An empty log yields a stub
// summary without a model call.
func (s *Summarizer) Summarize(ctx context.Context, logs []chatlog.Message) (*DailySummary, error) {
	if len(logs) == 0 {
		return &DailySummary{
			KeyEvents:    []string{},
			PersonalInfo: []string{},
			Summary:      "无对话记录",
		}, nil
	}

	prompt := strings.Replace(summaryPrompt, "{dialogue}", FormatDialogue(logs), 1)

	raw, err := s.gw.JSON(ctx, []llm.ChatMessage{
		{Role: "user", Content: prompt},
	}, "", llm.ChatOptions{Model: s.model, Temperature: llm.Temp(0.3), MaxTokens: 500})
	if err != nil {
		return nil, err
	}

	var summary DailySummary
	if err := jsonx.Unmarshal(raw, &summary); err != nil {
		return nil, err
	}
	if summary.KeyEvents == nil {
		summary.KeyEvents = []string{}
	}
	if summary.PersonalInfo == nil {
		summary.PersonalInfo = []string{}
	}

	s.logger.Info("daily summary generated",
		zap.Int("messages", len(logs)),
		zap.Int("key_events", len(summary.KeyEvents)))
	return &summary, nil
}

// FormatDialogue renders messages with speaker labels for summarizing.
func FormatDialogue(logs []chatlog.Message) string {
	lines := make([]string, 0, len(logs))
	for _, m := range logs {
		role := "角色"
		if m.Role == "user" {
			role = "用户"
		}
		lines = append(lines, role+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}
