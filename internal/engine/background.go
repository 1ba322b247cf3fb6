package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/agents"
	"github.com/companion-memory-kernel/internal/graph"
	"github.com/companion-memory-kernel/internal/profile"
	"github.com/companion-memory-kernel/internal/shortterm"
)

// backlog runs queued tasks strictly in order per key, one drainer
// goroutine per key with work pending.
type backlog struct {
	mu     sync.Mutex
	queues map[string][]func()
	active map[string]bool
	wg     sync.WaitGroup
}

func newBacklog() *backlog {
	return &backlog{
		queues: make(map[string][]func()),
		active: make(map[string]bool),
	}
}

func (b *backlog) enqueue(key string, task func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queues[key] = append(b.queues[key], task)
	if !b.active[key] {
		b.active[key] = true
		b.wg.Add(1)
		go b.drain(key)
	}
}

func (b *backlog) drain(key string) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		q := b.queues[key]
		if len(q) == 0 {
			b.active[key] = false
			b.mu.Unlock()
			return
		}
		task := q[0]
		b.queues[key] = q[1:]
		b.mu.Unlock()

		task()
	}
}

func (b *backlog) flush() {
	b.wg.Wait()
}

// processTurn is the asynchronous tail of a turn: extraction, profile
// and focus updates, episode ingestion, then the whisper for next turn.
// Every step is failure-isolated; a broken tail never reaches the user.
func (e *Engine) processTurn(userID, query, reply, virtualDate, traceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	log := e.logger.With(zap.String("user", userID))
	log.Info("analysis tail started", zap.String("trace", traceID))

	analysis := e.deps.Extractor.Analyze(ctx, query, reply)

	// Keyed-store writes hold the turn mutex so the tail never
	// interleaves with the next synchronous turn's reads and appends.
	// Episode ingestion stays outside it; the memory engine serializes
	// graph writes per user on its own.
	e.turns.Lock(userID)
	for _, f := range analysis.RecentFocus {
		if err := e.deps.Focus.AddFocus(ctx, userID, f.Content, f.ExpectedDate); err != nil {
			log.Warn("focus add failed", zap.String("content", f.Content), zap.Error(err))
		}
	}
	e.turns.Unlock(userID)

	if lines := TraceLines(analysis); traceID != "" && len(lines) > 0 {
		if err := e.deps.Traces.UpdateMemories(ctx, traceID, lines); err != nil {
			log.Warn("trace memory update failed", zap.Error(err))
		}
	}

	refTime := e.now()
	for _, item := range analysis.MemoryItems {
		if _, err := e.deps.Memory.AddEpisode(ctx, userID, item.Content, graph.SourceAPI, refTime); err != nil {
			log.Warn("episode ingestion failed", zap.String("content", item.Content), zap.Error(err))
		}
	}

	if len(analysis.SlotUpdates) > 0 {
		e.turns.Lock(userID)
		_, err := e.deps.Profile.BatchUpdate(ctx, userID, analysis.SlotUpdates)
		e.turns.Unlock(userID)
		if err != nil {
			log.Warn("profile update failed", zap.Error(err))
		}
	}

	e.whisperTail(ctx, userID, virtualDate)
	log.Info("analysis tail finished",
		zap.Int("memories", len(analysis.MemoryItems)),
		zap.Int("slots", len(analysis.SlotUpdates)),
		zap.Int("focus", len(analysis.RecentFocus)))
}

// whisperTail runs after extraction so the whisperer sees the updated
// focus and profile. Its output waits in the store for the next turn.
func (e *Engine) whisperTail(ctx context.Context, userID, virtualDate string) {
	items, err := e.deps.Focus.ActiveFocus(ctx, userID)
	if err != nil {
		e.logger.Warn("active focus load failed", zap.String("user", userID), zap.Error(err))
	}

	slots, err := e.deps.Profile.GetAll(ctx, userID)
	if err != nil {
		e.logger.Warn("profile load failed", zap.String("user", userID), zap.Error(err))
	}

	// Peek avoids GetContext's compaction write; a tail read must never
	// clobber rounds the next turn appended meanwhile.
	ctxData, err := e.deps.Context.Peek(ctx, userID)
	if err != nil {
		e.logger.Warn("context load failed", zap.String("user", userID), zap.Error(err))
		ctxData = &shortterm.Context{}
	}

	s := e.deps.Whisperer.Suggest(ctx, agents.WhisperInput{
		Profile: slots,
		Focus:   items,
		Summary: ctxData.Summary,
		History: ctxData.History,
		Now:     e.virtualNow(virtualDate),
	})
	if s == nil {
		return
	}

	e.turns.Lock(userID)
	defer e.turns.Unlock(userID)
	if err := e.deps.Focus.SaveWhisper(ctx, userID, s.Inject); err != nil {
		e.logger.Warn("whisper save failed", zap.String("user", userID), zap.Error(err))
		return
	}
	if s.UsedFocusID != 0 {
		if err := e.deps.Focus.MarkInjected(ctx, userID, s.UsedFocusID); err != nil {
			e.logger.Warn("focus cooldown mark failed",
				zap.String("user", userID),
				zap.Int64("focus_id", s.UsedFocusID),
				zap.Error(err))
		}
	}
}

// virtualNow overlays a simulated date on the real clock when set.
func (e *Engine) virtualNow(virtualDate string) time.Time {
	now := e.now()
	if virtualDate == "" {
		return now
	}
	d, err := time.ParseInLocation("2006-01-02", virtualDate, time.Local)
	if err != nil {
		return now
	}
	return time.Date(d.Year(), d.Month(), d.Day(),
		now.Hour(), now.Minute(), now.Second(), 0, time.Local)
}

// TraceLines renders an analysis as the new-memory lines attached to
// the turn's trace.
func TraceLines(a *agents.Analysis) []string {
	lines := make([]string, 0, len(a.MemoryItems)+len(a.RecentFocus)+len(a.SlotUpdates))
	for _, m := range a.MemoryItems {
		lines = append(lines, m.Content)
	}
	for _, f := range a.RecentFocus {
		lines = append(lines, "近期关注: "+f.Content)
	}
	for _, u := range a.SlotUpdates {
		lines = append(lines, "更新画像 ["+u.Slot+"]: "+profile.Stringify(u.Value))
	}
	return lines
}
