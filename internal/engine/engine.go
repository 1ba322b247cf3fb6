// Package engine orchestrates a conversation turn: the synchronous hot
// path that assembles the prompt and generates the reply, and the
// asynchronous tail that extracts memories, updates the profile and
// focus, and prepares the next turn's whisper.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/agents"
	"github.com/companion-memory-kernel/internal/chatlog"
	"github.com/companion-memory-kernel/internal/focus"
	"github.com/companion-memory-kernel/internal/llm"
	"github.com/companion-memory-kernel/internal/locks"
	"github.com/companion-memory-kernel/internal/memory"
	"github.com/companion-memory-kernel/internal/profile"
	"github.com/companion-memory-kernel/internal/shortterm"
	"github.com/companion-memory-kernel/internal/trace"
)

// backgroundTimeout bounds one extraction tail. Tails run model calls
// in sequence, so this is generous.
const backgroundTimeout = 5 * time.Minute

// Deps are the engine's collaborators.
type Deps struct {
	Context   *shortterm.Store
	Memory    *memory.Engine
	Profile   *profile.Store
	Focus     *focus.Store
	ChatLog   *chatlog.Store
	Traces    *trace.Store
	Decider   memory.Decider
	Extractor *agents.Extractor
	Whisperer *agents.Whisperer
	Gateway   llm.Gateway
	ChatModel string
}

// Engine runs conversation turns.
type Engine struct {
	deps   Deps
	turns  *locks.UserMutexes
	bg     *backlog
	logger *zap.Logger
	now    func() time.Time
}

// New creates the turn engine.
func New(deps Deps, logger *zap.Logger) *Engine {
	return &Engine{
		deps:   deps,
		turns:  locks.NewUserMutexes(),
		bg:     newBacklog(),
		logger: logger.Named("engine"),
		now:    time.Now,
	}
}

// InteractRequest is one user turn.
type InteractRequest struct {
	UserQuery    string `json:"user_query"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	VirtualDate  string `json:"virtual_date,omitempty"`
}

// DebugInfo exposes what the turn did, for inspection surfaces.
type DebugInfo struct {
	TraceID         string           `json:"trace_id"`
	Latency         map[string]int64 `json:"latency"`
	TotalLatencyMs  int64            `json:"total_latency_ms"`
	PromptPreview   string           `json:"prompt_preview"`
	TokenUsage      map[string]int   `json:"token_usage"`
	WhisperConsumed string           `json:"whisper_consumed,omitempty"`
}

// InteractResponse is the turn's outcome.
type InteractResponse struct {
	Reply     string    `json:"reply"`
	DebugInfo DebugInfo `json:"debug_info"`
}

// Interact runs one full turn: gather context, assemble the prompt,
// generate the reply, persist the round, then hand the analysis tail to
// the background queue. A generation failure surfaces as an error with
// nothing persisted.
func (e *Engine) Interact(ctx context.Context, userID string, req InteractRequest) (*InteractResponse, error) {
	e.turns.Lock(userID)
	defer e.turns.Unlock(userID)

	start := time.Now()
	steps := make(map[string]int64, 4)

	// Preparation: context, memory, profile and the previous turn's
	// whisper. Each read degrades independently.
	t0 := time.Now()
	ctxData, err := e.deps.Context.GetContext(ctx, userID)
	if err != nil {
		e.logger.Warn("context load failed", zap.String("user", userID), zap.Error(err))
		ctxData = &shortterm.Context{}
	}

	searchRes, err := e.deps.Memory.Retrieve(ctx, e.deps.Decider, userID, req.UserQuery, 0)
	if err != nil {
		e.logger.Warn("memory retrieval failed", zap.String("user", userID), zap.Error(err))
		searchRes = nil
	}

	slots, err := e.deps.Profile.GetAll(ctx, userID)
	if err != nil {
		e.logger.Warn("profile load failed", zap.String("user", userID), zap.Error(err))
		slots = nil
	}

	whisper, err := e.deps.Focus.ConsumeWhisper(ctx, userID)
	if err != nil {
		e.logger.Warn("whisper consume failed", zap.String("user", userID), zap.Error(err))
		whisper = ""
	}
	steps["preparation"] = time.Since(t0).Milliseconds()

	t0 = time.Now()
	var memories []memory.Result
	if searchRes != nil {
		memories = searchRes.Facts
	}
	prompt := BuildPrompt(PromptInput{
		SystemPrompt: req.SystemPrompt,
		Memories:     memories,
		Profile:      slots,
		Summary:      ctxData.Summary,
		History:      ctxData.History,
		Whisper:      whisper,
		Now:          e.now(),
		Query:        req.UserQuery,
	})
	steps["prompt_assembly"] = time.Since(t0).Milliseconds()

	t0 = time.Now()
	chatRes, err := e.deps.Gateway.Chat(ctx, []llm.ChatMessage{
		{Role: "system", Content: prompt},
		{Role: "user", Content: req.UserQuery},
	}, llm.ChatOptions{Model: e.deps.ChatModel, MaxTokens: 2048})
	if err != nil {
		return nil, fmt.Errorf("reply generation: %w", err)
	}
	reply := chatRes.Text
	steps["llm_generation"] = time.Since(t0).Milliseconds()

	// Persist the round right away so the next turn sees it.
	t0 = time.Now()
	if err := e.deps.ChatLog.LogMessages(ctx, userID, []chatlog.Message{
		{Role: "user", Content: req.UserQuery},
		{Role: "assistant", Content: reply},
	}, req.VirtualDate, "", ""); err != nil {
		e.logger.Warn("chat log write failed", zap.String("user", userID), zap.Error(err))
	}
	if err := e.deps.Context.Append(ctx, userID, []shortterm.Message{
		{Role: "user", Content: req.UserQuery},
		{Role: "assistant", Content: reply},
	}); err != nil {
		e.logger.Warn("context append failed", zap.String("user", userID), zap.Error(err))
	}
	steps["post_processing"] = time.Since(t0).Milliseconds()

	total := time.Since(start).Milliseconds()
	traceID := e.deps.Traces.Record(ctx, trace.Trace{
		UserID:         userID,
		LatencyMs:      total,
		Steps:          steps,
		PromptSnapshot: prompt + "\n\n[User]: " + req.UserQuery,
		ModelReply:     reply,
		TokenUsage: map[string]int{
			"prompt":     chatRes.Usage.PromptTokens,
			"completion": chatRes.Usage.CompletionTokens,
			"total":      chatRes.Usage.TotalTokens,
		},
	})

	e.bg.enqueue(userID, func() {
		e.processTurn(userID, req.UserQuery, reply, req.VirtualDate, traceID)
	})

	return &InteractResponse{
		Reply: reply,
		DebugInfo: DebugInfo{
			TraceID:         traceID,
			Latency:         steps,
			TotalLatencyMs:  total,
			PromptPreview:   prompt,
			TokenUsage:      map[string]int{"prompt": chatRes.Usage.PromptTokens, "completion": chatRes.Usage.CompletionTokens, "total": chatRes.Usage.TotalTokens},
			WhisperConsumed: whisper,
		},
	}, nil
}

// MemoryView is the retrieval slice of a prepare call.
type MemoryView struct {
	ShouldRetrieve bool                   `json:"should_retrieve"`
	Reason         string                 `json:"reason"`
	Memories       []memory.Result        `json:"memories"`
	Episodes       []memory.EpisodeResult `json:"episodes,omitempty"`
}

// PrepareResult aggregates everything a caller-side generation needs.
type PrepareResult struct {
	Context *shortterm.Context     `json:"context"`
	Memory  *MemoryView            `json:"memory"`
	Profile map[string]interface{} `json:"profile"`
}

// Prepare is the read-only half of a turn: context, gated retrieval and
// profile, with no generation and no writes.
func (e *Engine) Prepare(ctx context.Context, userID, query string) (*PrepareResult, error) {
	ctxData, err := e.deps.Context.GetContext(ctx, userID)
	if err != nil {
		return nil, err
	}

	view := &MemoryView{Memories: []memory.Result{}}
	view.ShouldRetrieve, view.Reason = e.deps.Decider.ShouldRetrieve(ctx, query)
	if view.ShouldRetrieve {
		res, err := e.deps.Memory.Search(ctx, userID, query, 0)
		if err != nil {
			e.logger.Warn("prepare retrieval failed", zap.String("user", userID), zap.Error(err))
		} else {
			view.Memories = res.Facts
			view.Episodes = res.Episodes
		}
	}

	slots, err := e.deps.Profile.GetAll(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &PrepareResult{Context: ctxData, Memory: view, Profile: slots}, nil
}

// Complete records an externally generated round and queues the
// analysis tail, for callers that run generation themselves.
func (e *Engine) Complete(ctx context.Context, userID string, messages []shortterm.Message, virtualDate string) error {
	e.turns.Lock(userID)
	defer e.turns.Unlock(userID)

	logMsgs := make([]chatlog.Message, 0, len(messages))
	for _, m := range messages {
		logMsgs = append(logMsgs, chatlog.Message{Role: m.Role, Content: m.Content})
	}
	if err := e.deps.ChatLog.LogMessages(ctx, userID, logMsgs, virtualDate, "", ""); err != nil {
		return err
	}
	if err := e.deps.Context.Append(ctx, userID, messages); err != nil {
		return err
	}

	query, reply := LatestRound(messages)
	if query == "" {
		e.logger.Warn("no user query in round, skipping analysis", zap.String("user", userID))
		return nil
	}

	e.bg.enqueue(userID, func() {
		e.processTurn(userID, query, reply, virtualDate, "")
	})
	return nil
}

// LatestRound picks the newest user query and assistant reply out of a
// message batch, scanning from the end.
func LatestRound(messages []shortterm.Message) (query, reply string) {
	for i := len(messages) - 1; i >= 0; i-- {
		switch {
		case messages[i].Role == "user" && query == "":
			query = messages[i].Content
		case messages[i].Role == "assistant" && reply == "":
			reply = messages[i].Content
		}
		if query != "" && reply != "" {
			break
		}
	}
	return query, reply
}

// Flush blocks until every queued background tail has finished. Test
// and shutdown hook.
func (e *Engine) Flush() {
	e.bg.flush()
}
