// Package agents holds the model-backed analysis roles that run around
// a conversation turn: the retrieval/storage gate, the fact extractor,
// the whisperer and the daily-summary pair. Every agent degrades
// gracefully: a model failure yields an empty or conservative result,
// never a blocked turn.
package agents

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/jsonx"
	"github.com/companion-memory-kernel/internal/llm"
)

const shouldRetrievePrompt = `你是一个记忆检索决策助手。你的任务是判断【用户问题的类型】是否需要去记忆库中检索信息。

【重要】你不需要知道记忆库里有没有相关信息，你只需要根据问题本身的特征来判断。
- 如果问题看起来是在询问过去的事、用户的偏好、或个人信息 → 需要检索
- 如果问题是通用知识问答或闲聊 → 不需要检索

【需要检索的问题类型】
1. 询问过去发生的事（"我上次..."、"之前..."、"还记得..."）
2. 测试/验证记忆（"你知不知道我..."、"你还记得...吗"、"我跟你说过..."）
3. 询问用户偏好/习惯（"我喜欢吃什么"、"我平时..."）
4. 包含时间指示词指向过去（"昨天"、"上周"、"之前"、"以前"）
5. 询问用户个人信息（"我的生日"、"我叫什么"）

【不需要检索的问题类型】
1. 通用知识问答（"什么是量子力学"）
2. 闲聊/打招呼（"你好"、"早上好"）
3. 用户在主动讲述新事情（不是在问）

请只返回 JSON：{"should_retrieve": true/false, "reason": "判断原因"}`

const shouldStorePrompt = `你是一个记忆管理助手。判断这段对话是否值得存入长期记忆。

【值得存储的内容】
1. 用户的个人偏好（喜欢/不喜欢什么）
2. 用户的个人信息（生日、职业、家庭情况等）
3. 重要的经历或事件（发生了什么事）
4. 用户明确要求记住的事情
5. 对理解用户有帮助的信息

【不需要存储的内容】
1. 纯粹的闲聊（"哈哈哈"、"嗯嗯"）
2. 与用户个人无关的知识问答
3. 临时性、一次性的信息
4. 重复的、已经存储过的信息

请只返回 JSON 格式：{"should_store": true/false, "reason": "判断原因"}`

// verdictCacheSize bounds each LRU. Verdicts depend only on the input
// text, so repeats across users are safe to share.
const verdictCacheSize = 1024

type verdict struct {
	ok     bool
	reason string
}

// Decider gates memory retrieval and storage with a small fast model.
// Retrieval fails open (a missed skip only costs latency); storage
// fails closed (a bad store pollutes the graph).
type Decider struct {
	gw     llm.Gateway
	model  string
	logger *zap.Logger

	retrieveCache *lru.Cache[string, verdict]
	storeCache    *lru.Cache[string, verdict]
}

// NewDecider creates the gate. model should be the cheap fast model.
func NewDecider(gw llm.Gateway, model string, logger *zap.Logger) *Decider {
	rc, _ := lru.New[string, verdict](verdictCacheSize)
	sc, _ := lru.New[string, verdict](verdictCacheSize)
	return &Decider{
		gw:            gw,
		model:         model,
		logger:        logger.Named("decider"),
		retrieveCache: rc,
		storeCache:    sc,
	}
}

// ShouldRetrieve reports whether the query calls for memory retrieval.
// On model failure it answers yes so nothing personal gets missed.
func (d *Decider) ShouldRetrieve(ctx context.Context, query string) (bool, string) {
	if v, ok := d.retrieveCache.Get(query); ok {
		return v.ok, v.reason
	}

	raw, err := d.gw.JSON(ctx, []llm.ChatMessage{
		{Role: "system", Content: shouldRetrievePrompt},
		{Role: "user", Content: query},
	}, "", llm.ChatOptions{Model: d.model, Temperature: llm.Temp(0.1), MaxTokens: 150})
	if err != nil {
		d.logger.Warn("retrieve verdict failed, defaulting to retrieve", zap.Error(err))
		return true, fmt.Sprintf("判断出错，默认检索: %v", err)
	}

	var result struct {
		ShouldRetrieve bool   `json:"should_retrieve"`
		Reason         string `json:"reason"`
	}
	if err := jsonx.Unmarshal(raw, &result); err != nil {
		d.logger.Warn("retrieve verdict unparseable, defaulting to retrieve", zap.Error(err))
		return true, fmt.Sprintf("判断出错，默认检索: %v", err)
	}

	d.retrieveCache.Add(query, verdict{result.ShouldRetrieve, result.Reason})
	return result.ShouldRetrieve, result.Reason
}

// ShouldStore reports whether the conversation is worth remembering.
// On model failure it answers no to keep junk out of the graph.
func (d *Decider) ShouldStore(ctx context.Context, conversation string) (bool, string) {
	if v, ok := d.storeCache.Get(conversation); ok {
		return v.ok, v.reason
	}

	raw, err := d.gw.JSON(ctx, []llm.ChatMessage{
		{Role: "system", Content: shouldStorePrompt},
		{Role: "user", Content: "请判断这段对话：\n\n" + conversation},
	}, "", llm.ChatOptions{Model: d.model, Temperature: llm.Temp(0.1), MaxTokens: 150})
	if err != nil {
		d.logger.Warn("store verdict failed, defaulting to skip", zap.Error(err))
		return false, fmt.Sprintf("判断出错，默认不存储: %v", err)
	}

	var result struct {
		ShouldStore bool   `json:"should_store"`
		Reason      string `json:"reason"`
	}
	if err := jsonx.Unmarshal(raw, &result); err != nil {
		d.logger.Warn("store verdict unparseable, defaulting to skip", zap.Error(err))
		return false, fmt.Sprintf("判断出错，默认不存储: %v", err)
	}

	d.storeCache.Add(conversation, verdict{result.ShouldStore, result.Reason})
	return result.ShouldStore, result.Reason
}
