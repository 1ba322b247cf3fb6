package agents

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/focus"
	"github.com/companion-memory-kernel/internal/jsonx"
	"github.com/companion-memory-kernel/internal/llm"
	"github.com/companion-memory-kernel/internal/shortterm"
)

const whispererPrompt = `
<role>
你是一个**信息筛选器 (Whisperer)**。
你的职责是观察当前对话，从用户的近期关注和画像中，
挑选出下一轮对话中角色应该额外知道的信息。
你不生成回复，不指导角色怎么说话。
你只决定：角色下一轮需要额外知道什么。
</role>

<input_context>
1. **当前时间**: 现在的日期和时间
2. **用户画像**: 用户的基础信息、爱好兴趣、回答偏好、行为观察
3. **近期关注**: 用户最近正在经历或即将发生的重要事项（格式: [ID: x] 内容 (时间信息)）
4. **近期对话摘要**: 之前对话的摘要，提供近期对话的整体脉络
5. **对话历史**: 摘要之后到当前的详细对话记录（可附带消息时间）
</input_context>

<rules>
  1. **克制**：如果当前对话不需要额外信息，返回空。
     不要强行注入。大部分轮次应该返回空。
  2. **每次最多注入一条**：避免信息过载。
  3. **注入时机判断**：
     - “最新一轮”的对话内容与某条近期关注/画像信息产生了关联 → 注入
     - 某条近期关注即将过期（如明天就考试了）→ 注入
     - 对话陷入闲聊，有自然切入点 → 可以注入
     - 对话正在深入某个话题 → 不要打断，返回空
     - 你的判断标准如下：
       a) 当前对话与该信息有语义关联（情绪、话题、场景相关）
       b) 该信息在chat_history中未被角色提及
       c) 当前时间很接近该信息的预期时间
       必须同时满足a 和 b 或者满足c 时，才进行注入
     - chat_summary 仅用于理解背景，不作为注入触发条件
  4. **时效性判断**：
     - 如果某条近期关注即将到期（如明天、后天），优先级提高
</rules>

<output_format>
请输出 JSON 格式：
{
    "inject": null 或 "字符串（要注入的信息，如：用户下周有四级考试）",
    "used_focus_id": null 或 整数ID（如果使用了某条近期关注，填入其ID；否则null）
}
</output_format>

<current_time>
{current_time}
</current_time>

<user_profile>
{user_profile}
</user_profile>

<recent_focus>
{recent_focus}
</recent_focus>

<chat_summary>
{chat_summary}
</chat_summary>

<chat_history>
{chat_history}
</chat_history>
`

// whisperHistoryWindow is how many trailing messages the whisperer sees.
const whisperHistoryWindow = 10

// WhisperInput is everything the whisperer observes for one turn.
type WhisperInput struct {
	Profile map[string]interface{}
	Focus   []focus.Item
	Summary string
	History []shortterm.Message
	Now     time.Time
}

// Suggestion is a whisper decision. UsedFocusID is zero when no focus
// item backed the suggestion.
type Suggestion struct {
	Inject      string
	UsedFocusID int64
}

// Whisperer watches the conversation flow and decides what extra
// knowledge the character should carry into the next turn.
type Whisperer struct {
	gw     llm.Gateway
	model  string
	logger *zap.Logger
}

// NewWhisperer creates the whisperer. model should be the strong model.
func NewWhisperer(gw llm.Gateway, model string, logger *zap.Logger) *Whisperer {
	return &Whisperer{
		gw:     gw,
		model:  model,
		logger: logger.Named("whisperer"),
	}
}

// Suggest returns at most one injection for the next turn, or nil when
// nothing should be whispered. Model failure also returns nil: a lost
// whisper costs nothing.
func (w *Whisperer) Suggest(ctx context.Context, in WhisperInput) *Suggestion {
	if EmptyWorkload(in) {
		w.logger.Debug("nothing to whisper about, skipping model call")
		return nil
	}

	profileStr, err := jsonx.MarshalToString(in.Profile)
	if err != nil || len(in.Profile) == 0 {
		profileStr = "{}"
	}

	prompt := strings.NewReplacer(
		"{current_time}", in.Now.Format("2006-01-02 15:04:05"),
		"{user_profile}", profileStr,
		"{recent_focus}", FormatFocus(in.Focus),
		"{chat_summary}", orPlaceholder(in.Summary),
		"{chat_history}", HistoryWindow(in.History, whisperHistoryWindow),
	).Replace(whispererPrompt)

	raw, err := w.gw.JSON(ctx, []llm.ChatMessage{
		{Role: "system", Content: prompt},
		{Role: "user", Content: "请根据以上信息，输出你的策略判断。"},
	}, "", llm.ChatOptions{Model: w.model, Temperature: llm.Temp(0.7)})
	if err != nil {
		w.logger.Error("whisper failed", zap.Error(err))
		return nil
	}

	var result struct {
		Inject      *string `json:"inject"`
		UsedFocusID *int64  `json:"used_focus_id"`
	}
	if err := jsonx.Unmarshal(raw, &result); err != nil {
		w.logger.Error("whisper unparseable", zap.Error(err))
		return nil
	}

	if result.Inject == nil || strings.TrimSpace(*result.Inject) == "" {
		w.logger.Info("whisperer declined to inject")
		return nil
	}

	s := &Suggestion{Inject: *result.Inject}
	if result.UsedFocusID != nil {
		s.UsedFocusID = *result.UsedFocusID
	}
	w.logger.Info("whisper decided",
		zap.String("inject", s.Inject),
		zap.Int64("focus_id", s.UsedFocusID))
	return s
}

// EmptyWorkload reports whether there is nothing the whisperer could
// draw on: no focus, no profile and at most one round of history.
func EmptyWorkload(in WhisperInput) bool {
	return len(in.Focus) == 0 && len(in.Profile) == 0 && len(in.History) <= 2
}

// FormatFocus renders active focus items for the whisperer prompt.
func FormatFocus(items []focus.Item) string {
	if len(items) == 0 {
		return "无"
	}

	lines := make([]string, 0, len(items))
	var b strings.Builder
	for _, f := range items {
		b.Reset()
		b.WriteString("[ID: ")
		b.WriteString(strconv.FormatInt(f.ID, 10))
		b.WriteString("] - ")
		b.WriteString(f.Content)

		var meta []string
		if f.RecordedAt != "" {
			meta = append(meta, "添加于: "+f.RecordedAt)
		}
		if f.ExpectedDate != "" {
			meta = append(meta, "截止: "+f.ExpectedDate)
		}
		if len(meta) > 0 {
			b.WriteString(" (")
			b.WriteString(strings.Join(meta, ", "))
			b.WriteString(")")
		}
		lines = append(lines, b.String())
	}
	return strings.Join(lines, "\n")
}

// HistoryWindow renders the last n messages as "role: content" lines.
func HistoryWindow(history []shortterm.Message, n int) string {
	if len(history) > n {
		history = history[len(history)-n:]
	}
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, m.Role+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

func orPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return "无"
	}
	return s
}
