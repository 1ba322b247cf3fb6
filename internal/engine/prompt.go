package engine

import (
	"sort"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/companion-memory-kernel/internal/memory"
	"github.com/companion-memory-kernel/internal/profile"
	"github.com/companion-memory-kernel/internal/shortterm"
)

// DefaultSystemPrompt is the role description used when the caller
// supplies none.
const DefaultSystemPrompt = `
你是一个拥有长期记忆的 AI 伴侣。请根据提供的[过往记忆]、[用户资料]和[上下文]来回复用户。
风格要求：亲切、自然、简洁。
`

// PromptInput collects everything the prompt template consumes.
type PromptInput struct {
	SystemPrompt string
	Memories     []memory.Result
	Profile      map[string]interface{}
	Summary      string
	History      []shortterm.Message
	Whisper      string
	Now          time.Time
	Query        string
}

// BuildPrompt assembles the final system prompt. The layout puts
// memories, profile and history inside <context>, the whisper inside
// its own <guidance> block right before the environment and task.
func BuildPrompt(in PromptInput) string {
	base := in.SystemPrompt
	if base == "" {
		base = DefaultSystemPrompt
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.WriteString("<role>\n")
	buf.WriteString(base)
	buf.WriteString("\n在此角色设定基础上，你必须严格按照特定格式输出：只输出回复内容字符串。\n</role>\n\n\n")

	buf.WriteString("<context>\n")
	buf.WriteString(memoriesBlock(in.Memories))
	buf.WriteString(profileBlock(in.Profile))
	buf.WriteString(summaryBlock(in.Summary))
	buf.WriteString(historyBlock(in.History))
	buf.WriteString("\n</context>\n\n")

	buf.WriteString("<output_format>\n严禁输出 Markdown 代码块标记（如 ")
	buf.WriteString("```json")
	buf.WriteString("），仅输出纯字符串。\n</output_format>\n")

	if in.Whisper != "" {
		buf.WriteString("\n<guidance>\n【耳语】")
		buf.WriteString(in.Whisper)
		buf.WriteString("\n</guidance>\n")
	}

	buf.WriteString("\n<environment>\n现在的时间是: ")
	buf.WriteString(CurrentTimeString(in.Now))
	buf.WriteString("\n</environment>\n\n")

	buf.WriteString("<task>\n用户对你说：")
	buf.WriteString(in.Query)
	buf.WriteString("\n请根据上述要求生成回复：\n</task>")

	return buf.String()
}

func memoriesBlock(memories []memory.Result) string {
	if len(memories) == 0 {
		return ""
	}
	out := "【过往记忆】\n"
	for _, m := range memories {
		out += "- " + m.Fact + "\n"
	}
	return out
}

func profileBlock(slots map[string]interface{}) string {
	if len(slots) == 0 {
		return ""
	}

	keys := make([]string, 0, len(slots))
	for k := range slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := "【用户资料】\n"
	for _, k := range keys {
		out += "- " + k + ": " + profile.Stringify(slots[k]) + "\n"
	}
	return out
}

func summaryBlock(summary string) string {
	if summary == "" {
		return ""
	}
	return "【长期聊史】" + summary + "\n"
}

func historyBlock(history []shortterm.Message) string {
	if len(history) == 0 {
		return ""
	}
	out := "【近期对话】\n"
	for i, m := range history {
		if i > 0 {
			out += "\n"
		}
		out += m.Role + ": " + m.Content
	}
	return out
}

// CurrentTimeString renders the clock with its time-of-day label.
func CurrentTimeString(now time.Time) string {
	return now.Format("2006-01-02 15:04") + " (" + TimeOfDay(now.Hour()) + ")"
}

// TimeOfDay maps an hour to its Chinese day-part label.
func TimeOfDay(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return "上午"
	case hour >= 12 && hour < 14:
		return "中午"
	case hour >= 14 && hour < 18:
		return "下午"
	case hour >= 18 && hour < 22:
		return "晚上"
	default:
		return "深夜"
	}
}
