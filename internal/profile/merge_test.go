package profile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noJudge(t *testing.T) JudgeFunc {
	return func(key, oldValue, newValue string) string {
		t.Fatalf("judge should not be called for slot %s", key)
		return ""
	}
}

func TestMergeNewSlotSetsDirectly(t *testing.T) {
	current := map[string]interface{}{}
	updated := Merge(current, map[string]interface{}{"nickname": "小明"}, noJudge(t))

	assert.Equal(t, []string{"nickname"}, updated)
	assert.Equal(t, "小明", current["nickname"])
}

func TestMergeReplaceOverwrites(t *testing.T) {
	current := map[string]interface{}{"occupation": "学生"}
	updated := Merge(current, map[string]interface{}{"occupation": "程序员"}, noJudge(t))

	assert.Equal(t, []string{"occupation"}, updated)
	assert.Equal(t, "程序员", current["occupation"])
}

func TestMergeAppendUnions(t *testing.T) {
	current := map[string]interface{}{"hobbies": []string{"养花", "打游戏"}}
	updated := Merge(current, map[string]interface{}{
		"hobbies": []interface{}{"打游戏", "健身"},
	}, noJudge(t))

	assert.Equal(t, []string{"hobbies"}, updated)
	assert.Equal(t, []string{"养花", "打游戏", "健身"}, current["hobbies"])
}

func TestMergeAppendIdempotent(t *testing.T) {
	current := map[string]interface{}{"hobbies": []string{"养花"}}
	updated := Merge(current, map[string]interface{}{"hobbies": "养花"}, noJudge(t))

	assert.Empty(t, updated)
	assert.Equal(t, []string{"养花"}, current["hobbies"])
}

func TestMergeAppendPromotesScalar(t *testing.T) {
	current := map[string]interface{}{"preferences": "爱吃辣"}
	updated := Merge(current, map[string]interface{}{"preferences": "不吃香菜"}, noJudge(t))

	assert.Equal(t, []string{"preferences"}, updated)
	assert.Equal(t, []string{"爱吃辣", "不吃香菜"}, current["preferences"])
}

func TestMergeLLMJudge(t *testing.T) {
	judge := func(key, oldValue, newValue string) string {
		assert.Equal(t, "emotional_baseline", key)
		assert.Equal(t, "容易焦虑", oldValue)
		assert.Equal(t, "平静", newValue)
		return "整体趋于平静，偶尔焦虑"
	}

	current := map[string]interface{}{"emotional_baseline": "容易焦虑"}
	updated := Merge(current, map[string]interface{}{"emotional_baseline": "平静"}, judge)

	assert.Equal(t, []string{"emotional_baseline"}, updated)
	assert.Equal(t, "整体趋于平静，偶尔焦虑", current["emotional_baseline"])
}

func TestMergeLLMJudgeNoChange(t *testing.T) {
	judge := func(key, oldValue, newValue string) string { return oldValue }

	current := map[string]interface{}{"emotional_baseline": "平静"}
	updated := Merge(current, map[string]interface{}{"emotional_baseline": "稳定"}, judge)

	assert.Empty(t, updated)
	assert.Equal(t, "平静", current["emotional_baseline"])
}

func TestMergeSkipsUnknownSlots(t *testing.T) {
	current := map[string]interface{}{}
	updated := Merge(current, map[string]interface{}{"shoe_size": "42"}, noJudge(t))

	assert.Empty(t, updated)
	assert.NotContains(t, current, "shoe_size")
}

func TestMergeFiltersEmptyValues(t *testing.T) {
	current := map[string]interface{}{}
	updated := Merge(current, map[string]interface{}{
		"nickname":    "",
		"occupation":  "  ",
		"hobbies":     []interface{}{},
		"preferences": []interface{}{"", ""},
		"recent_mood": nil,
	}, noJudge(t))

	assert.Empty(t, updated)
	assert.Empty(t, current)
}

func TestMergeReplaceKeepsExistingOnEmpty(t *testing.T) {
	current := map[string]interface{}{"nickname": "小明"}
	updated := Merge(current, map[string]interface{}{"nickname": ""}, noJudge(t))

	assert.Empty(t, updated)
	assert.Equal(t, "小明", current["nickname"])
}

func TestApplyFiltersEmptyValues(t *testing.T) {
	current := map[string]interface{}{}
	changed, errs := Apply(current, []SlotUpdate{
		{Slot: "nickname", Value: ""},
		{Slot: "nickname", Value: "  "},
		{Slot: "hobbies", Value: []interface{}{}},
		{Slot: "hobbies", Value: []interface{}{"", ""}},
		{Slot: "recent_mood", Value: nil},
	})

	assert.Equal(t, 0, changed)
	assert.Empty(t, errs)
	assert.Empty(t, current)
}

func TestApplyReportsInvalidSlots(t *testing.T) {
	current := map[string]interface{}{}
	changed, errs := Apply(current, []SlotUpdate{
		{Slot: "not_a_slot", Value: "x"},
	})

	assert.Equal(t, 0, changed)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "not_a_slot")
}

func TestApplyAppendAndReplace(t *testing.T) {
	current := map[string]interface{}{
		"hobbies":     []string{"养花"},
		"recent_mood": "低落",
	}
	changed, errs := Apply(current, []SlotUpdate{
		{Slot: "hobbies", Value: "健身"},
		{Slot: "recent_mood", Value: "平静"},
		{Slot: "recent_mood", Value: "平静"},
	})

	assert.Empty(t, errs)
	assert.Equal(t, 2, changed)
	assert.Equal(t, []string{"养花", "健身"}, current["hobbies"])
	assert.Equal(t, "平静", current["recent_mood"])
}

func TestRenderGroupsByCategory(t *testing.T) {
	text := Render(map[string]interface{}{
		"nickname":    "小明",
		"hobbies":     []string{"养花", "健身"},
		"recent_mood": "平静",
	})

	require.True(t, strings.HasPrefix(text, "## 用户画像"))
	assert.Contains(t, text, "### 身份背景")
	assert.Contains(t, text, "- 称呼: 小明")
	assert.Contains(t, text, "### 生活信息")
	assert.Contains(t, text, "- 爱好兴趣: 养花、健身")
	assert.Contains(t, text, "### 当前状态")
	assert.Contains(t, text, "- 近期情绪: 平静")

	// Category order follows the schema.
	assert.Less(t, strings.Index(text, "身份背景"), strings.Index(text, "生活信息"))
	assert.Less(t, strings.Index(text, "生活信息"), strings.Index(text, "当前状态"))
}

func TestRenderEmptyProfile(t *testing.T) {
	assert.Equal(t, "", Render(nil))
	assert.Equal(t, "", Render(map[string]interface{}{}))
	assert.Equal(t, "", Render(map[string]interface{}{"nickname": ""}))
}

func TestExtractionPromptOnlyOffersExtractionSlots(t *testing.T) {
	prompt := ExtractionPrompt()

	assert.Contains(t, prompt, "nickname")
	assert.Contains(t, prompt, "hobbies")
	assert.NotContains(t, prompt, "emotional_baseline")
	assert.NotContains(t, prompt, "attachment_style")
}

func TestSchemaLayers(t *testing.T) {
	assert.Len(t, Slots, 32)
	assert.Len(t, KeysByLayer(LayerExtraction), 14)
	assert.Len(t, KeysByLayer(LayerPsychologist), 18)
}

func TestMergeJudgmentPrompt(t *testing.T) {
	prompt := MergeJudgmentPrompt("emotional_baseline", "焦虑", "平静")
	assert.Contains(t, prompt, "情绪基调")
	assert.Contains(t, prompt, "旧值：焦虑")
	assert.Contains(t, prompt, "新值：平静")
	assert.Contains(t, prompt, `"action": "replace"`)
}
