// Package profile maintains the per-user slot profile: a fixed schema
// of identity, lifestyle, state and psychology slots, each with its own
// merge strategy. Slots feed the system prompt every turn.
package profile

import (
	"fmt"
	"strings"
)

// MergeStrategy decides how a new observation lands on an existing
// slot value.
type MergeStrategy string

const (
	// StrategyReplace overwrites the old value.
	StrategyReplace MergeStrategy = "replace"
	// StrategyAppend unions into a list, preserving insertion order.
	StrategyAppend MergeStrategy = "append"
	// StrategyLLMJudge asks a small model whether to replace or merge.
	StrategyLLMJudge MergeStrategy = "llm_judge"
)

// Layer marks which extraction pass owns a slot.
type Layer string

const (
	// LayerExtraction slots hold facts the turn-level extractor fills.
	LayerExtraction Layer = "extraction"
	// LayerPsychologist slots hold inferences only the daily analysis
	// pass may write.
	LayerPsychologist Layer = "psychologist"
)

// Slot describes one profile slot.
type Slot struct {
	Key         string
	Description string
	Definition  string
	Category    string
	Strategy    MergeStrategy
	Layer       Layer
	Examples    []string
}

// Slots is the full schema in definition order. Order matters: prompt
// rendering groups categories by first appearance.
var Slots = []Slot{
	// 身份背景
	{"nickname", "称呼", "用户希望被叫的名字", "身份背景", StrategyReplace, LayerExtraction, []string{"小明", "明明", "阿明"}},
	{"age_range", "年龄段", "用户的大致年龄范围", "身份背景", StrategyReplace, LayerExtraction, []string{"20-25岁", "大学生", "30出头"}},
	{"occupation", "职业", "用户当前的工作或学业", "身份背景", StrategyReplace, LayerExtraction, []string{"程序员", "学生", "自由职业"}},
	{"life_status", "生活状态", "用户的居住/家庭状况", "身份背景", StrategyReplace, LayerExtraction, []string{"独居", "和父母住", "刚毕业", "已婚有娃"}},

	// 生活信息
	{"hobbies", "爱好兴趣", "用户空闲时喜欢做的活动（长期兴趣）", "生活信息", StrategyAppend, LayerExtraction, []string{"养花", "打游戏", "看动漫", "健身", "品鉴美食"}},
	{"preferences", "偏好", "用户喜欢/不喜欢的具体事物（食物、品牌、类型等）", "生活信息", StrategyAppend, LayerExtraction, []string{"爱吃辣", "不吃香菜", "喜欢海鲜意面", "偏爱日系风格"}},
	{"daily_routine", "日常习惯", "用户的作息或生活规律", "生活信息", StrategyReplace, LayerExtraction, []string{"夜猫子", "早起锻炼", "三餐不规律"}},
	{"important_people", "重要关系", "用户提到的亲密的人", "生活信息", StrategyAppend, LayerExtraction, []string{"男朋友叫小王", "有个弟弟在上大学", "妈妈在老家"}},
	{"health_status", "健康状态", "用户的身体/睡眠状况", "生活信息", StrategyReplace, LayerExtraction, []string{"最近失眠", "有胃病", "身体健康"}},
	{"response_preference", "回答偏好", "用户明确说出的对角色回复方式的要求", "沟通偏好", StrategyReplace, LayerExtraction, []string{"不要太粘人", "多说点脏话", "叫我主人"}},

	// 当前状态
	{"recent_focus", "近期关注", "用户最近在忙的事情", "当前状态", StrategyReplace, LayerExtraction, []string{"找工作", "考研", "减肥", "学习新技能"}},
	{"recent_mood", "近期情绪", "用户最近的情绪状态", "当前状态", StrategyReplace, LayerExtraction, []string{"低落", "焦虑", "平静", "兴奋"}},
	{"recent_events", "近期事件", "用户最近发生的重要事件", "当前状态", StrategyAppend, LayerExtraction, []string{"刚分手", "升职了", "和家人吵架", "搬家"}},
	{"goals", "目标愿望", "用户近期想做的事情", "当前状态", StrategyReplace, LayerExtraction, []string{"想学吉他", "准备考研", "计划旅行"}},

	// 性格特质
	{"emotional_baseline", "情绪基调", "用户的默认情绪倾向", "性格特质", StrategyLLMJudge, LayerPsychologist, []string{"容易焦虑", "乐观开朗", "情绪稳定", "敏感"}},
	{"social_tendency", "社交倾向", "用户对社交的态度", "性格特质", StrategyLLMJudge, LayerPsychologist, []string{"内向", "外向", "喜欢独处", "社恐"}},
	{"stress_coping", "压力应对", "用户面对压力时的惯用方式", "性格特质", StrategyLLMJudge, LayerPsychologist, []string{"逃避", "倾诉", "运动", "睡觉", "暴饮暴食"}},
	{"self_perception", "自我认知", "用户对自己的整体评价", "性格特质", StrategyLLMJudge, LayerPsychologist, []string{"自卑", "自信", "迷茫", "清醒"}},

	// 情感需求
	{"core_emotional_need", "核心情感需求", "用户最渴望获得的情感满足", "情感需求", StrategyLLMJudge, LayerPsychologist, []string{"被认可", "陪伴", "被理解", "安全感", "自由"}},
	{"security_source", "安全感来源", "什么让用户感到安心", "情感需求", StrategyLLMJudge, LayerPsychologist, []string{"被认可", "有人陪伴", "经济稳定", "计划明确"}},
	{"anxiety_trigger", "焦虑触发器", "什么容易让用户焦虑", "情感需求", StrategyAppend, LayerPsychologist, []string{"被催婚", "工作deadline", "社交场合", "被否定"}},
	{"disliked_responses", "讨厌的回应", "用户反感的沟通方式", "情感需求", StrategyAppend, LayerPsychologist, []string{"说教", "敷衍", "过度乐观", "讲大道理"}},
	{"liked_responses", "喜欢的回应", "用户偏好的沟通方式", "情感需求", StrategyAppend, LayerPsychologist, []string{"倾听", "共情", "直接建议", "幽默化解"}},
	{"boundaries", "边界", "用户不愿讨论的话题", "情感需求", StrategyAppend, LayerPsychologist, []string{"不聊家庭", "不催婚", "不提前任"}},

	// 沟通偏好
	{"reply_style_pref", "回复风格偏好", "用户喜欢的回复语气", "沟通偏好", StrategyReplace, LayerPsychologist, []string{"简洁", "温柔", "幽默", "理性"}},
	{"role_expectation", "角色期望", "用户希望AI扮演的角色", "沟通偏好", StrategyReplace, LayerPsychologist, []string{"朋友", "知心姐姐", "理性分析师", "树洞"}},
	{"interaction_mode", "互动模式", "用户偏好的互动方式", "沟通偏好", StrategyReplace, LayerPsychologist, []string{"主动关心", "被动回应", "深度对话", "轻松闲聊"}},

	// 深层心理
	{"core_beliefs", "核心信念", "用户对自己/世界的基本看法", "深层心理", StrategyLLMJudge, LayerPsychologist, []string{"努力就会成功", "人不可信", "我不够好", "世界是公平的"}},
	{"values", "价值观", "用户认为重要的原则", "深层心理", StrategyAppend, LayerPsychologist, []string{"重视家庭", "追求自由", "讨厌虚伪", "崇尚效率"}},
	{"defense_mechanisms", "心理防御机制", "用户应对焦虑的潜意识策略", "深层心理", StrategyLLMJudge, LayerPsychologist, []string{"合理化", "投射", "否认", "压抑"}},
	{"attachment_style", "依恋风格", "用户在亲密关系中的模式", "深层心理", StrategyReplace, LayerPsychologist, []string{"安全型", "焦虑型", "回避型", "混乱型"}},
	{"emotion_regulation", "情绪调节方式", "用户习惯的自我调节方法", "深层心理", StrategyLLMJudge, LayerPsychologist, []string{"独处冷静", "找人倾诉", "运动发泄", "写日记"}},
}

var slotByKey = func() map[string]Slot {
	m := make(map[string]Slot, len(Slots))
	for _, s := range Slots {
		m[s.Key] = s
	}
	return m
}()

// Lookup returns a slot definition by key.
func Lookup(key string) (Slot, bool) {
	s, ok := slotByKey[key]
	return s, ok
}

// KeysByLayer returns slot keys owned by one extraction layer, in
// schema order.
func KeysByLayer(layer Layer) []string {
	var keys []string
	for _, s := range Slots {
		if s.Layer == layer {
			keys = append(keys, s.Key)
		}
	}
	return keys
}

// CategoriesInOrder returns category names by first appearance, each
// with its slot keys in schema order.
func CategoriesInOrder() []struct {
	Name string
	Keys []string
} {
	var order []string
	byName := make(map[string][]string)
	for _, s := range Slots {
		if _, seen := byName[s.Category]; !seen {
			order = append(order, s.Category)
		}
		byName[s.Category] = append(byName[s.Category], s.Key)
	}

	out := make([]struct {
		Name string
		Keys []string
	}, 0, len(order))
	for _, name := range order {
		out = append(out, struct {
			Name string
			Keys []string
		}{name, byName[name]})
	}
	return out
}

// ExtractionPrompt builds the system prompt for the turn-level slot
// extractor. Only extraction-layer slots are offered.
func ExtractionPrompt() string {
	var descs []string
	for _, s := range Slots {
		if s.Layer != LayerExtraction {
			continue
		}
		examples := s.Examples
		if len(examples) > 3 {
			examples = examples[:3]
		}
		descs = append(descs, fmt.Sprintf("  - %s: %s（如：%s）", s.Key, s.Description, strings.Join(examples, "、")))
	}

	return fmt.Sprintf(`你是一个用户画像分析助手。根据对话内容，提取用户的个人信息填入对应槽位。

可用槽位：
%s

规则：
1. 只提取对话中明确提到的信息，不要推测
2. 如果某个槽位没有相关信息，不要包含在输出中
3. 对于列表类型的槽位（如 hobbies），返回数组

请输出 JSON 格式，只包含有值的槽位：
{"nickname": "值", "occupation": "值", ...}

如果没有任何可提取的信息，返回空对象 {}`, strings.Join(descs, "\n"))
}

// MergeJudgmentPrompt builds the replace-or-merge adjudication prompt
// for one contested slot.
func MergeJudgmentPrompt(key, oldValue, newValue string) string {
	desc := ""
	if s, ok := Lookup(key); ok {
		desc = s.Description
	}
	return fmt.Sprintf(`你是一个用户画像更新助手。

槽位：%s（%s）
旧值：%s
新值：%s

请判断如何处理：
1. 如果新值是对旧值的更新/修正，返回 {"action": "replace", "value": "新值"}
2. 如果新值是对旧值的补充，返回 {"action": "merge", "value": "合并后的值"}
3. 如果新值与旧值矛盾，以新值为准，返回 {"action": "replace", "value": "新值"}

只返回 JSON，不要其他内容。`, key, desc, oldValue, newValue)
}
