package shortterm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func round(i int) []Message {
	return []Message{
		{Role: "user", Content: "问题"},
		{Role: "assistant", Content: "回答"},
	}
}

func TestRounds(t *testing.T) {
	assert.Equal(t, 0, Rounds(nil))
	assert.Equal(t, 0, Rounds([]Message{{Role: "user", Content: "hi"}}))

	var history []Message
	for i := 0; i < 50; i++ {
		history = append(history, round(i)...)
	}
	assert.Equal(t, 50, Rounds(history))
}

func TestKeepLastRound(t *testing.T) {
	history := []Message{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "two"},
		{Role: "user", Content: "three"},
		{Role: "assistant", Content: "four"},
	}
	kept := KeepLastRound(history)
	assert.Equal(t, []Message{
		{Role: "user", Content: "three"},
		{Role: "assistant", Content: "four"},
	}, kept)

	single := []Message{{Role: "user", Content: "only"}}
	assert.Equal(t, single, KeepLastRound(single))
	assert.Empty(t, KeepLastRound(nil))
}

func TestBuildFullText(t *testing.T) {
	history := []Message{
		{Role: "user", Content: "今天好累"},
		{Role: "assistant", Content: "怎么了？"},
	}

	full := BuildFullText("用户最近在准备考试", history)
	assert.True(t, strings.HasPrefix(full, "前情提要:\n用户最近在准备考试\n\n"))
	assert.Contains(t, full, "最近对话:\nuser: 今天好累\nassistant: 怎么了？")
}

func TestBuildFullTextNoSummary(t *testing.T) {
	history := []Message{{Role: "user", Content: "hi"}}
	full := BuildFullText("", history)
	assert.NotContains(t, full, "前情提要")
	assert.Equal(t, "最近对话:\nuser: hi", full)
}

func TestBuildFullTextEmpty(t *testing.T) {
	assert.Equal(t, "", BuildFullText("", nil))
}

func TestCompactionPromptIncludesExistingSummary(t *testing.T) {
	prompt := CompactionPrompt("旧摘要", []Message{{Role: "user", Content: "新内容"}})
	assert.Contains(t, prompt, "已有摘要：旧摘要")
	assert.Contains(t, prompt, "user: 新内容")
	assert.Contains(t, prompt, "300字以内")
}

func TestCompactionPromptOmitsEmptySummaryLabel(t *testing.T) {
	prompt := CompactionPrompt("", []Message{{Role: "user", Content: "新内容"}})
	assert.NotContains(t, prompt, "已有摘要")
}
