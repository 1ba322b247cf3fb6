package jobs

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/agents"
	"github.com/companion-memory-kernel/internal/chatlog"
	"github.com/companion-memory-kernel/internal/locks"
	"github.com/companion-memory-kernel/internal/profile"
)

// DailyAnalysis summarizes every user's previous day and feeds the
// digest to the psychologist. One user's failure never stops the batch.
type DailyAnalysis struct {
	chatLog      *chatlog.Store
	summaries    *SummaryStore
	profiles     *profile.Store
	summarizer   *agents.Summarizer
	psychologist *agents.Psychologist
	turnLocks    *locks.TurnLockManager
	logger       *zap.Logger
	now          func() time.Time
}

// NewDailyAnalysis creates the batch job.
func NewDailyAnalysis(chatLog *chatlog.Store, summaries *SummaryStore, profiles *profile.Store,
	summarizer *agents.Summarizer, psychologist *agents.Psychologist,
	turnLocks *locks.TurnLockManager, logger *zap.Logger) *DailyAnalysis {
	return &DailyAnalysis{
		chatLog:      chatLog,
		summaries:    summaries,
		profiles:     profiles,
		summarizer:   summarizer,
		psychologist: psychologist,
		turnLocks:    turnLocks,
		logger:       logger.Named("daily_job"),
		now:          time.Now,
	}
}

// Run analyzes yesterday for every known user.
func (j *DailyAnalysis) Run(ctx context.Context) {
	j.RunForDay(ctx, j.now().AddDate(0, 0, -1))
}

// RunForDay analyzes one specific day for every known user.
func (j *DailyAnalysis) RunForDay(ctx context.Context, day time.Time) {
	j.logger.Info("daily analysis started", zap.String("day", day.Format(DayLayout)))

	userIDs, err := j.chatLog.UserIDs(ctx)
	if err != nil {
		j.logger.Error("user listing failed", zap.Error(err))
		return
	}

	analyzed := 0
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			j.logger.Warn("daily analysis aborted", zap.Error(ctx.Err()))
			return
		}
		if j.analyzeUser(ctx, userID, day) {
			analyzed++
		}
	}

	j.logger.Info("daily analysis finished",
		zap.Int("users", len(userIDs)),
		zap.Int("analyzed", analyzed))
}

// analyzeUser runs the summarize-then-analyze chain for one user.
// Reports whether traits were actually extracted and applied.
func (j *DailyAnalysis) analyzeUser(ctx context.Context, userID string, day time.Time) bool {
	log := j.logger.With(zap.String("user", userID))

	entries, err := j.chatLog.DailyLogs(ctx, userID, day)
	if err != nil {
		log.Error("daily log load failed", zap.Error(err))
		return false
	}
	if len(entries) == 0 {
		log.Debug("no conversation that day, skipping")
		return false
	}

	digest, err := j.summarizer.Summarize(ctx, entriesToMessages(entries))
	if err != nil {
		log.Error("summary failed", zap.Error(err))
		return false
	}
	if SkipDigest(digest.Summary) {
		log.Info("empty digest, skipping analysis")
		return false
	}

	if err := j.summaries.Save(ctx, userID, day, digest); err != nil {
		log.Warn("digest save failed", zap.Error(err))
	}

	updates := j.psychologist.Analyze(ctx, userID, digest.Summary)
	if len(updates) == 0 {
		return false
	}

	// Scheduled and manually triggered runs may overlap across
	// instances; only one writer touches a user's profile at a time.
	lock, err := j.turnLocks.AcquireUserLock(ctx, userID)
	if err != nil {
		log.Warn("user busy, skipping profile update", zap.Error(err))
		return false
	}
	defer lock.Release()

	result, err := j.profiles.BatchUpdate(ctx, userID, updates)
	if err != nil {
		log.Error("profile update failed", zap.Error(err))
		return false
	}

	log.Info("psychological traits applied",
		zap.Int("extracted", len(updates)),
		zap.Int("applied", result.UpdatedCount))
	return true
}

// SkipDigest reports whether a summary carries nothing to analyze.
func SkipDigest(summary string) bool {
	trimmed := strings.TrimSpace(summary)
	return trimmed == "" || trimmed == "无对话记录" || trimmed == "无有效对话内容"
}

func entriesToMessages(entries []chatlog.Entry) []chatlog.Message {
	msgs := make([]chatlog.Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, chatlog.Message{Role: e.Role, Content: e.Content})
	}
	return msgs
}

// Scheduler fires the daily analysis at a fixed local wall-clock time.
type Scheduler struct {
	job    *DailyAnalysis
	hour   int
	minute int
	logger *zap.Logger
	stop   chan struct{}
}

// NewScheduler creates a scheduler firing at hour:minute local time.
func NewScheduler(job *DailyAnalysis, hour, minute int, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		job:    job,
		hour:   hour,
		minute: minute,
		logger: logger.Named("scheduler"),
		stop:   make(chan struct{}),
	}
}

// Start runs the schedule loop until Stop is called.
func (s *Scheduler) Start() {
	go s.loop()
	s.logger.Info("scheduler started",
		zap.Int("hour", s.hour),
		zap.Int("minute", s.minute))
}

// Stop halts the schedule loop.
func (s *Scheduler) Stop() {
	close(s.stop)
}

func (s *Scheduler) loop() {
	for {
		wait := time.Until(NextRunAt(time.Now(), s.hour, s.minute))
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			s.job.Run(context.Background())
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

// NextRunAt returns the next hour:minute wall-clock instant after now.
func NextRunAt(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
