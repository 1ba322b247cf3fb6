package agents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/companion-memory-kernel/internal/chatlog"
	"github.com/companion-memory-kernel/internal/focus"
	"github.com/companion-memory-kernel/internal/llm"
	"github.com/companion-memory-kernel/internal/shortterm"
)

type fakeGateway struct {
	jsonResp  []byte
	jsonErr   error
	jsonCalls int
	lastMsgs  []llm.ChatMessage
}

func (f *fakeGateway) Chat(ctx context.Context, messages []llm.ChatMessage, opts llm.ChatOptions) (*llm.ChatResult, error) {
	return &llm.ChatResult{Text: "ok"}, nil
}

func (f *fakeGateway) JSON(ctx context.Context, messages []llm.ChatMessage, schema string, opts llm.ChatOptions) ([]byte, error) {
	f.jsonCalls++
	f.lastMsgs = messages
	return f.jsonResp, f.jsonErr
}

func (f *fakeGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGateway) Rerank(ctx context.Context, query string, candidates []string) ([]float64, error) {
	return nil, errors.New("not implemented")
}

func TestDeciderFailOpenOnRetrieve(t *testing.T) {
	gw := &fakeGateway{jsonErr: errors.New("boom")}
	d := NewDecider(gw, "fast", zaptest.NewLogger(t))

	ok, reason := d.ShouldRetrieve(context.Background(), "我喜欢吃什么")
	assert.True(t, ok)
	assert.Contains(t, reason, "默认检索")
}

func TestDeciderFailClosedOnStore(t *testing.T) {
	gw := &fakeGateway{jsonErr: errors.New("boom")}
	d := NewDecider(gw, "fast", zaptest.NewLogger(t))

	ok, reason := d.ShouldStore(context.Background(), "user: 哈哈哈")
	assert.False(t, ok)
	assert.Contains(t, reason, "默认不存储")
}

func TestDeciderCachesVerdicts(t *testing.T) {
	gw := &fakeGateway{jsonResp: []byte(`{"should_retrieve": true, "reason": "询问个人偏好"}`)}
	d := NewDecider(gw, "fast", zaptest.NewLogger(t))

	ok1, _ := d.ShouldRetrieve(context.Background(), "我喜欢吃什么")
	ok2, reason := d.ShouldRetrieve(context.Background(), "我喜欢吃什么")
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, "询问个人偏好", reason)
	assert.Equal(t, 1, gw.jsonCalls, "second call answered from cache")
}

func TestDeciderDoesNotCacheFailures(t *testing.T) {
	gw := &fakeGateway{jsonErr: errors.New("boom")}
	d := NewDecider(gw, "fast", zaptest.NewLogger(t))

	d.ShouldRetrieve(context.Background(), "之前聊过什么")
	d.ShouldRetrieve(context.Background(), "之前聊过什么")
	assert.Equal(t, 2, gw.jsonCalls)
}

func TestExtractorDropsUnknownSlots(t *testing.T) {
	gw := &fakeGateway{jsonResp: []byte(`{
		"slot_updates": [
			{"slot": "nickname", "value": "小明", "evidence": "我叫小明"},
			{"slot": "age", "value": "25", "evidence": "我25岁"}
		],
		"memory_items": [],
		"recent_focus": []
	}`)}
	x := NewExtractor(gw, "strong", zaptest.NewLogger(t))

	got := x.Analyze(context.Background(), "我叫小明，今年25岁", "")
	require.Len(t, got.SlotUpdates, 1)
	assert.Equal(t, "nickname", got.SlotUpdates[0].Slot)
}

func TestExtractorEmptyOnFailure(t *testing.T) {
	gw := &fakeGateway{jsonErr: errors.New("boom")}
	x := NewExtractor(gw, "strong", zaptest.NewLogger(t))

	got := x.Analyze(context.Background(), "我下周要考四级", "加油")
	assert.Empty(t, got.SlotUpdates)
	assert.NotNil(t, got.MemoryItems)
	assert.NotNil(t, got.RecentFocus)
}

func TestExtractorAnchorsCurrentDate(t *testing.T) {
	gw := &fakeGateway{jsonResp: []byte(`{"slot_updates": [], "memory_items": [], "recent_focus": []}`)}
	x := NewExtractor(gw, "strong", zaptest.NewLogger(t))
	x.now = func() time.Time { return time.Date(2026, 1, 29, 10, 0, 0, 0, time.Local) }

	x.Analyze(context.Background(), "后天要考试", "")
	require.Len(t, gw.lastMsgs, 2)
	assert.Contains(t, gw.lastMsgs[0].Content, "当前日期: 2026-01-29 Thursday")
}

func TestExtractorDropsAssistantSourcedFocus(t *testing.T) {
	gw := &fakeGateway{jsonResp: []byte(`{
		"slot_updates": [],
		"memory_items": [],
		"recent_focus": [
			{"content": "用户下周有四级考试", "evidence": "我下周要考四级"},
			{"content": "用户最近在准备演出", "evidence": "你上次说的演出快到了吧"}
		]
	}`)}
	x := NewExtractor(gw, "strong", zaptest.NewLogger(t))

	got := x.Analyze(context.Background(), "我下周要考四级", "加油！你上次说的演出快到了吧")
	require.Len(t, got.RecentFocus, 1)
	assert.Equal(t, "用户下周有四级考试", got.RecentFocus[0].Content)
}

func TestAssistantSourced(t *testing.T) {
	// Evidence only in the reply: the role is citing, not the user.
	assert.True(t, AssistantSourced("演出快到了", "今天好累", "你说的演出快到了"))
	// Evidence in the user's own words stays.
	assert.False(t, AssistantSourced("下周要考四级", "我下周要考四级", "加油，下周要考四级也别熬夜"))
	// No evidence to check against.
	assert.False(t, AssistantSourced("", "今天好累", "抱抱"))
}

func TestConversationInput(t *testing.T) {
	assert.Equal(t, "【用户】: 你好", ConversationInput("你好", ""))
	assert.Equal(t, "【用户】: 你好\n\n【角色】: 嗯", ConversationInput("你好", "嗯"))
}

func TestFormatFocus(t *testing.T) {
	assert.Equal(t, "无", FormatFocus(nil))

	items := []focus.Item{
		{ID: 3, Content: "用户下周有四级考试", RecordedAt: "2026-01-29", ExpectedDate: "2026-02-05"},
		{ID: 4, Content: "用户最近在找工作"},
	}
	got := FormatFocus(items)
	assert.Equal(t,
		"[ID: 3] - 用户下周有四级考试 (添加于: 2026-01-29, 截止: 2026-02-05)\n[ID: 4] - 用户最近在找工作",
		got)
}

func TestHistoryWindow(t *testing.T) {
	var history []shortterm.Message
	for i := 0; i < 12; i++ {
		history = append(history, shortterm.Message{Role: "user", Content: "m"})
	}
	history = append(history, shortterm.Message{Role: "assistant", Content: "last"})

	got := HistoryWindow(history, 10)
	lines := 1
	for _, c := range got {
		if c == '\n' {
			lines++
		}
	}
	assert.Equal(t, 10, lines)
	assert.Contains(t, got, "assistant: last")
}

func TestEmptyWorkload(t *testing.T) {
	assert.True(t, EmptyWorkload(WhisperInput{History: make([]shortterm.Message, 2)}))
	assert.False(t, EmptyWorkload(WhisperInput{History: make([]shortterm.Message, 3)}))
	assert.False(t, EmptyWorkload(WhisperInput{Focus: []focus.Item{{ID: 1}}}))
	assert.False(t, EmptyWorkload(WhisperInput{Profile: map[string]interface{}{"nickname": "小明"}}))
}

func TestWhispererSkipsEmptyWorkload(t *testing.T) {
	gw := &fakeGateway{}
	w := NewWhisperer(gw, "strong", zaptest.NewLogger(t))

	got := w.Suggest(context.Background(), WhisperInput{Now: time.Now()})
	assert.Nil(t, got)
	assert.Equal(t, 0, gw.jsonCalls, "no model call without material")
}

func TestWhispererParsesInjection(t *testing.T) {
	gw := &fakeGateway{jsonResp: []byte(`{"inject": "用户下周有四级考试", "used_focus_id": 3}`)}
	w := NewWhisperer(gw, "strong", zaptest.NewLogger(t))

	got := w.Suggest(context.Background(), WhisperInput{
		Focus: []focus.Item{{ID: 3, Content: "用户下周有四级考试"}},
		Now:   time.Date(2026, 1, 29, 10, 0, 0, 0, time.Local),
	})
	require.NotNil(t, got)
	assert.Equal(t, "用户下周有四级考试", got.Inject)
	assert.Equal(t, int64(3), got.UsedFocusID)
}

func TestWhispererDeclines(t *testing.T) {
	gw := &fakeGateway{jsonResp: []byte(`{"inject": null, "used_focus_id": null}`)}
	w := NewWhisperer(gw, "strong", zaptest.NewLogger(t))

	got := w.Suggest(context.Background(), WhisperInput{
		Focus: []focus.Item{{ID: 3, Content: "用户最近在找工作"}},
		Now:   time.Now(),
	})
	assert.Nil(t, got)
}

func TestWhispererPromptCarriesContext(t *testing.T) {
	gw := &fakeGateway{jsonResp: []byte(`{"inject": null}`)}
	w := NewWhisperer(gw, "strong", zaptest.NewLogger(t))

	w.Suggest(context.Background(), WhisperInput{
		Focus:   []focus.Item{{ID: 7, Content: "用户最近在找工作", RecordedAt: "2026-01-20"}},
		Summary: "用户最近压力很大",
		History: []shortterm.Message{{Role: "user", Content: "今天面试了"}},
		Now:     time.Date(2026, 1, 29, 14, 30, 0, 0, time.Local),
	})

	require.Len(t, gw.lastMsgs, 2)
	system := gw.lastMsgs[0].Content
	assert.Contains(t, system, "2026-01-29 14:30:00")
	assert.Contains(t, system, "[ID: 7] - 用户最近在找工作 (添加于: 2026-01-20)")
	assert.Contains(t, system, "用户最近压力很大")
	assert.Contains(t, system, "user: 今天面试了")
}

func TestPsychologistFiltersUpdates(t *testing.T) {
	gw := &fakeGateway{jsonResp: []byte(`{
		"slot_updates": [
			{"slot": "emotional_baseline", "value": "容易焦虑", "evidence": "多次表达焦虑"},
			{"slot": "nickname", "value": "小明", "evidence": "不归心理学家管"},
			{"slot": "stress_coping", "value": "", "evidence": "空值"}
		]
	}`)}
	p := NewPsychologist(gw, "strong", zaptest.NewLogger(t))

	got := p.Analyze(context.Background(), "u1", "用户今天多次表达对工作的焦虑")
	require.Len(t, got, 1)
	assert.Equal(t, "emotional_baseline", got[0].Slot)
}

func TestPsychologistSkipsEmptySummary(t *testing.T) {
	gw := &fakeGateway{}
	p := NewPsychologist(gw, "strong", zaptest.NewLogger(t))

	assert.Nil(t, p.Analyze(context.Background(), "u1", "  "))
	assert.Equal(t, 0, gw.jsonCalls)
}

func TestSummarizerEmptyLogs(t *testing.T) {
	gw := &fakeGateway{}
	s := NewSummarizer(gw, "fast", zaptest.NewLogger(t))

	got, err := s.Summarize(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "无对话记录", got.Summary)
	assert.Equal(t, 0, gw.jsonCalls)
}

func TestSummarizerParsesDigest(t *testing.T) {
	gw := &fakeGateway{jsonResp: []byte(`{
		"key_events": ["用户面试失败"],
		"emotional_changes": "从沮丧到平静",
		"personal_info": [],
		"summary": "用户今天聊了面试的事"
	}`)}
	s := NewSummarizer(gw, "fast", zaptest.NewLogger(t))

	got, err := s.Summarize(context.Background(), []chatlog.Message{
		{Role: "user", Content: "我面试挂了"},
		{Role: "assistant", Content: "抱抱你"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"用户面试失败"}, got.KeyEvents)
	assert.Equal(t, "用户今天聊了面试的事", got.Summary)
}

func TestFormatDialogue(t *testing.T) {
	got := FormatDialogue([]chatlog.Message{
		{Role: "user", Content: "你好"},
		{Role: "assistant", Content: "你好呀"},
	})
	assert.Equal(t, "用户: 你好\n角色: 你好呀", got)
}
