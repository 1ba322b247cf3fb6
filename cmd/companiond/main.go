// companiond is the conversational memory backend: short-term context,
// per-user temporal knowledge graph, profile, focus and the turn
// orchestrator, behind one HTTP surface.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/agents"
	"github.com/companion-memory-kernel/internal/cache"
	"github.com/companion-memory-kernel/internal/chatlog"
	"github.com/companion-memory-kernel/internal/config"
	"github.com/companion-memory-kernel/internal/engine"
	"github.com/companion-memory-kernel/internal/focus"
	"github.com/companion-memory-kernel/internal/graph"
	"github.com/companion-memory-kernel/internal/jobs"
	"github.com/companion-memory-kernel/internal/llm"
	"github.com/companion-memory-kernel/internal/locks"
	"github.com/companion-memory-kernel/internal/memory"
	"github.com/companion-memory-kernel/internal/profile"
	"github.com/companion-memory-kernel/internal/shortterm"
	"github.com/companion-memory-kernel/internal/textindex"
	"github.com/companion-memory-kernel/internal/trace"
	"github.com/companion-memory-kernel/internal/vectorindex"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("starting companiond")

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatal("configuration load failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis unreachable", zap.Error(err))
	}

	graphCfg := graph.DefaultClientConfig()
	graphCfg.Address = cfg.Dgraph.Address
	graphClient, err := graph.NewClient(ctx, graphCfg, logger)
	if err != nil {
		logger.Fatal("graph connection failed", zap.Error(err))
	}
	defer graphClient.Close()

	gw := llm.NewClient(llm.ClientConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		ChatModel:   cfg.LLM.ChatModel,
		SmallModel:  cfg.LLM.SmallModel,
		EmbedModel:  cfg.LLM.EmbedModel,
		RerankURL:   cfg.LLM.RerankURL,
		RerankModel: cfg.LLM.RerankModel,
		Timeout:     cfg.LLM.Timeout,
	}, logger)

	facts, err := textindex.NewFactIndex(textindex.DefaultConfig(), logger)
	if err != nil {
		logger.Fatal("keyword index open failed", zap.Error(err))
	}
	defer facts.Close()

	embeds, err := cache.NewEmbedCache(cfg.Cache.MaxCost, cfg.Cache.TTL, redisClient, logger)
	if err != nil {
		logger.Fatal("embedding cache init failed", zap.Error(err))
	}
	defer embeds.Close()

	vectors := vectorindex.NewIndex(logger)

	memCfg := memory.DefaultConfig()
	memCfg.SearchTopK = cfg.Memory.SearchTopK
	memCfg.IncludeEpisodes = cfg.Memory.IncludeEpisodes
	memEngine := memory.NewEngine(graphClient, gw, facts, vectors, embeds, memCfg, logger)

	contextStore := shortterm.NewStore(redisClient, gw, shortterm.Config{
		MaxRounds:      cfg.Context.MaxRounds,
		SessionTimeout: cfg.Context.SessionTimeout,
	}, logger)
	profileStore := profile.NewStore(redisClient, gw, logger)
	focusStore := focus.NewStore(redisClient, focus.Config{
		TTL:      cfg.Focus.TTL,
		Cooldown: cfg.Focus.Cooldown,
	}, logger)
	chatLogStore := chatlog.NewStore(redisClient, logger)
	traceStore := trace.NewStore(redisClient, logger)

	if cfg.NATS.Enabled {
		stream, err := chatlog.NewStream(cfg.NATS.URL, logger)
		if err != nil {
			logger.Warn("chat log streaming disabled", zap.Error(err))
		} else {
			chatLogStore.WithStream(stream)
			defer stream.Close()
		}
	}

	decider := agents.NewDecider(gw, cfg.LLM.SmallModel, logger)
	extractor := agents.NewExtractor(gw, cfg.LLM.ChatModel, logger)
	whisperer := agents.NewWhisperer(gw, cfg.LLM.ChatModel, logger)
	summarizer := agents.NewSummarizer(gw, cfg.LLM.SmallModel, logger)
	psychologist := agents.NewPsychologist(gw, cfg.LLM.ChatModel, logger)

	turnEngine := engine.New(engine.Deps{
		Context:   contextStore,
		Memory:    memEngine,
		Profile:   profileStore,
		Focus:     focusStore,
		ChatLog:   chatLogStore,
		Traces:    traceStore,
		Decider:   decider,
		Extractor: extractor,
		Whisperer: whisperer,
		Gateway:   gw,
		ChatModel: cfg.LLM.ChatModel,
	}, logger)

	summaryStore := jobs.NewSummaryStore(redisClient, logger)
	turnLocks := locks.NewTurnLockManager(redisClient, logger)
	dailyJob := jobs.NewDailyAnalysis(chatLogStore, summaryStore, profileStore, summarizer, psychologist, turnLocks, logger)
	scheduler := jobs.NewScheduler(dailyJob, 3, 0, logger)
	scheduler.Start()
	defer scheduler.Stop()

	api := &apiServer{
		engine:    turnEngine,
		memory:    memEngine,
		decider:   decider,
		context:   contextStore,
		profile:   profileStore,
		focus:     focusStore,
		chatLog:   chatLogStore,
		traces:    traceStore,
		summaries: summaryStore,
		dailyJob:  dailyJob,
		logger:    logger.Named("api"),
	}

	router := mux.NewRouter()
	api.routes(router)

	server := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: handlers.RecoveryHandler()(
			handlers.CombinedLoggingHandler(os.Stdout, router)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("http server starting", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	// Let queued analysis tails land before the process exits.
	turnEngine.Flush()

	logger.Info("shutdown complete")
}
