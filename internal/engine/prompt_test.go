package engine

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companion-memory-kernel/internal/agents"
	"github.com/companion-memory-kernel/internal/memory"
	"github.com/companion-memory-kernel/internal/profile"
	"github.com/companion-memory-kernel/internal/shortterm"
)

func TestTimeOfDay(t *testing.T) {
	cases := map[int]string{
		5:  "上午",
		11: "上午",
		12: "中午",
		13: "中午",
		14: "下午",
		17: "下午",
		18: "晚上",
		21: "晚上",
		22: "深夜",
		3:  "深夜",
	}
	for hour, want := range cases {
		assert.Equal(t, want, TimeOfDay(hour), "hour %d", hour)
	}
}

func TestCurrentTimeString(t *testing.T) {
	now := time.Date(2026, 1, 29, 14, 30, 0, 0, time.Local)
	assert.Equal(t, "2026-01-29 14:30 (下午)", CurrentTimeString(now))
}

func TestBuildPromptFull(t *testing.T) {
	got := BuildPrompt(PromptInput{
		SystemPrompt: "你是小鱼。",
		Memories:     []memory.Result{{Fact: "用户上周面试失败"}},
		Profile:      map[string]interface{}{"nickname": "小明", "hobbies": []string{"打游戏", "看动漫"}},
		Summary:      "用户最近在找工作",
		History: []shortterm.Message{
			{Role: "user", Content: "今天好累"},
			{Role: "assistant", Content: "辛苦啦"},
		},
		Whisper: "用户明天有面试",
		Now:     time.Date(2026, 1, 29, 20, 15, 0, 0, time.Local),
		Query:   "陪我聊聊吧",
	})

	assert.Contains(t, got, "<role>\n你是小鱼。")
	assert.Contains(t, got, "【过往记忆】\n- 用户上周面试失败")
	assert.Contains(t, got, "【用户资料】\n- hobbies: 打游戏、看动漫\n- nickname: 小明")
	assert.Contains(t, got, "【长期聊史】用户最近在找工作")
	assert.Contains(t, got, "【近期对话】\nuser: 今天好累\nassistant: 辛苦啦")
	assert.Contains(t, got, "<guidance>\n【耳语】用户明天有面试\n</guidance>")
	assert.Contains(t, got, "现在的时间是: 2026-01-29 20:15 (晚上)")
	assert.Contains(t, got, "用户对你说：陪我聊聊吧")
	assert.True(t, strings.HasSuffix(got, "</task>"))

	// Whisper sits between output_format and environment.
	assert.Less(t,
		strings.Index(got, "<output_format>"),
		strings.Index(got, "<guidance>"))
	assert.Less(t,
		strings.Index(got, "<guidance>"),
		strings.Index(got, "<environment>"))
}

func TestBuildPromptOmitsEmptyBlocks(t *testing.T) {
	got := BuildPrompt(PromptInput{
		Now:   time.Date(2026, 1, 29, 10, 0, 0, 0, time.Local),
		Query: "你好",
	})

	assert.Contains(t, got, "你是一个拥有长期记忆的 AI 伴侣")
	assert.NotContains(t, got, "【过往记忆】")
	assert.NotContains(t, got, "【用户资料】")
	assert.NotContains(t, got, "【长期聊史】")
	assert.NotContains(t, got, "【近期对话】")
	assert.NotContains(t, got, "<guidance>")
}

func TestLatestRound(t *testing.T) {
	query, reply := LatestRound([]shortterm.Message{
		{Role: "user", Content: "旧的"},
		{Role: "assistant", Content: "旧回复"},
		{Role: "user", Content: "新的"},
		{Role: "assistant", Content: "新回复"},
	})
	assert.Equal(t, "新的", query)
	assert.Equal(t, "新回复", reply)

	query, reply = LatestRound([]shortterm.Message{{Role: "assistant", Content: "只有回复"}})
	assert.Equal(t, "", query)
	assert.Equal(t, "只有回复", reply)
}

func TestTraceLines(t *testing.T) {
	lines := TraceLines(&agents.Analysis{
		SlotUpdates: []profile.SlotUpdate{{Slot: "nickname", Value: "小明"}},
		MemoryItems: []agents.MemoryItem{{Content: "用户上周面试失败", Type: "event", Source: "user"}},
		RecentFocus: []agents.FocusLead{{Content: "用户最近在找工作"}},
	})

	require.Len(t, lines, 3)
	assert.Equal(t, "用户上周面试失败", lines[0])
	assert.Equal(t, "近期关注: 用户最近在找工作", lines[1])
	assert.Equal(t, "更新画像 [nickname]: 小明", lines[2])
}

func TestBacklogOrderPerKey(t *testing.T) {
	b := newBacklog()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		b.enqueue("u1", func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	b.flush()

	require.Len(t, order, 20)
	for i, got := range order {
		assert.Equal(t, i, got)
	}
}

func TestBacklogKeysIndependent(t *testing.T) {
	b := newBacklog()

	release := make(chan struct{})
	done := make(chan struct{})
	b.enqueue("slow", func() { <-release })
	b.enqueue("fast", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fast key blocked behind slow key")
	}
	close(release)
	b.flush()
}
