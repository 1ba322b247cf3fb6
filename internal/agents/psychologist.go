package agents

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/jsonx"
	"github.com/companion-memory-kernel/internal/llm"
	"github.com/companion-memory-kernel/internal/profile"
)

const psychologistPrompt = `
<role>
你是一位资深心理分析师。你的任务是根据用户的每日对话摘要，**深入分析用户的心理特质和沟通偏好**。
你需要从多次对话中归纳出用户稳定的性格特点，而不是即时的情绪波动。
</role>

<knowledge_base>
请关注以下槽位维度，每个槽位附带定义：

**1. 性格特质**
*   ` + "`emotional_baseline`" + ` - 情绪基调：用户的默认情绪倾向（如容易焦虑、乐观开朗、情绪稳定）
*   ` + "`social_tendency`" + ` - 社交倾向：用户对社交的态度（如内向、外向、社恐、喜欢独处）
*   ` + "`stress_coping`" + ` - 压力应对：用户面对压力时的惯用方式（如逃避、倾诉、运动、暴饮暴食）
*   ` + "`self_perception`" + ` - 自我认知：用户对自己的整体评价（如自卑、自信、迷茫）

**2. 情感需求**
*   ` + "`core_emotional_need`" + ` - 核心情感需求：用户最渴望获得的情感满足（如被认可、陪伴、被理解、安全感）
*   ` + "`security_source`" + ` - 安全感来源：什么让用户感到安心（如被认可、有人陪伴、经济稳定）
*   ` + "`anxiety_trigger`" + ` - 焦虑触发器：什么容易让用户焦虑（如被催婚、工作deadline、社交场合）
*   ` + "`disliked_responses`" + ` - 讨厌的回应：用户反感的沟通方式（如说教、敷衍、过度乐观、讲大道理）
*   ` + "`liked_responses`" + ` - 喜欢的回应：用户偏好的沟通方式（如倾听、共情、直接建议、幽默化解）
*   ` + "`boundaries`" + ` - 边界：用户不愿讨论的话题（如不聊家庭、不催婚、不提前任）

**3. 沟通偏好**
*   ` + "`reply_style_pref`" + ` - 回复风格偏好：用户喜欢的回复语气（如简洁、温柔、幽默、理性）
*   ` + "`role_expectation`" + ` - 角色期望：用户希望AI扮演的角色（如朋友、知心姐姐、理性分析师、树洞）
*   ` + "`interaction_mode`" + ` - 互动模式：用户偏好的互动方式（如主动关心、被动回应、深度对话、轻松闲聊）

**4. 深层心理**
*   ` + "`core_beliefs`" + ` - 核心信念：用户对自己/世界的基本看法（如「努力就会成功」「我不够好」「人不可信」）
*   ` + "`values`" + ` - 价值观：用户认为重要的原则（如重视家庭、追求自由、讨厌虚伪）
*   ` + "`defense_mechanisms`" + ` - 心理防御机制：用户应对焦虑的潜意识策略（如合理化、投射、否认、压抑）
*   ` + "`attachment_style`" + ` - 依恋风格：用户在亲密关系中的模式（如安全型、焦虑型、回避型）
*   ` + "`emotion_regulation`" + ` - 情绪调节方式：用户习惯的自我调节方法（如独处冷静、找人倾诉、运动发泄）
</knowledge_base>

<rules>
**提取判断逻辑：**

1.  **不要编造**。只有在有**明确证据**时才提取。
2.  对于心理层面的推断，需要有**多次对话**或**明确表达**的支撑。
3.  输出时必须附带 ` + "`evidence`" + `（原文依据）。
4.  如果某个维度没有明显证据，**不要输出该项**。
5.  区分**稳定特质 vs 临时状态**：
    *   「我今天很焦虑」→ 临时状态，不提取到 emotional_baseline
    *   「我一直都是个容易焦虑的人」→ 稳定特质，可以提取
</rules>

<input>
每日对话摘要：
{daily_summary}
</input>

<output_format>
请输出 JSON 格式，包含检测到的心理特质。

{
  "slot_updates": [
    {
      "slot": "槽位英文名",
      "value": "提取的值",
      "evidence": "原文依据的引用"
    }
  ]
}

如果没有检测到任何特质，返回：
{
  "slot_updates": []
}
</output_format>

注意：只返回 JSON，不要其他内容。
`

// psychologistSlots are the slot keys the psychologist may write; the
// extractor owns the factual layer.
var psychologistSlots = map[string]bool{
	"emotional_baseline": true,
	"social_tendency":    true,
	"stress_coping":      true,
	"self_perception":    true,

	"core_emotional_need": true,
	"security_source":     true,
	"anxiety_trigger":     true,
	"disliked_responses":  true,
	"liked_responses":     true,
	"boundaries":          true,

	"reply_style_pref": true,
	"role_expectation": true,
	"interaction_mode": true,

	"core_beliefs":       true,
	"values":             true,
	"defense_mechanisms": true,
	"attachment_style":   true,
	"emotion_regulation": true,
}

// Psychologist infers stable psychological traits from daily summaries.
// It never sees raw chat; the summarizer feeds it.
type Psychologist struct {
	gw     llm.Gateway
	model  string
	logger *zap.Logger
}

// NewPsychologist creates the analyst. model should be the strong model.
func NewPsychologist(gw llm.Gateway, model string, logger *zap.Logger) *Psychologist {
	return &Psychologist{
		gw:     gw,
		model:  model,
		logger: logger.Named("psychologist"),
	}
}

// Analyze reads a daily summary and returns trait updates for the
// psychological slot layer. Unknown slots and empty values are dropped;
// model failure yields no updates.
func (p *Psychologist) Analyze(ctx context.Context, userID, dailySummary string) []profile.SlotUpdate {
	if strings.TrimSpace(dailySummary) == "" {
		return nil
	}

	prompt := strings.Replace(psychologistPrompt, "{daily_summary}", dailySummary, 1)

	raw, err := p.gw.JSON(ctx, []llm.ChatMessage{
		{Role: "system", Content: "You are a helpful assistant designed to output JSON."},
		{Role: "user", Content: prompt},
	}, "", llm.ChatOptions{Model: p.model, Temperature: llm.Temp(0.1)})
	if err != nil {
		p.logger.Error("trait analysis failed", zap.String("user", userID), zap.Error(err))
		return nil
	}

	var result struct {
		SlotUpdates []profile.SlotUpdate `json:"slot_updates"`
	}
	if err := jsonx.Unmarshal(raw, &result); err != nil {
		p.logger.Error("trait analysis unparseable", zap.String("user", userID), zap.Error(err))
		return nil
	}

	kept := make([]profile.SlotUpdate, 0, len(result.SlotUpdates))
	for _, u := range result.SlotUpdates {
		if profile.IsEmpty(u.Value) {
			continue
		}
		if !psychologistSlots[u.Slot] {
			p.logger.Warn("ignoring invalid slot", zap.String("slot", u.Slot))
			continue
		}
		kept = append(kept, u)
	}

	p.logger.Info("trait analysis complete",
		zap.String("user", userID),
		zap.Int("traits", len(kept)))
	return kept
}
