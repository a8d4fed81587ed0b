package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/companion-core/server/internal/agent/graph"
	"github.com/companion-core/server/internal/agent/graph/conversations"
	"github.com/companion-core/server/internal/agent/graph/nodes"
	"github.com/companion-core/server/internal/agent/memory"
	"github.com/companion-core/server/internal/agent/model"
	"github.com/companion-core/server/internal/agent/repo"
	"github.com/companion-core/server/internal/agent/summary"
	"github.com/companion-core/server/internal/core"
	"github.com/companion-core/server/internal/server"
	logx "github.com/companion-core/server/pkg/logger"
	pkgpostgres "github.com/companion-core/server/pkg/postgres"
	pkgredis "github.com/companion-core/server/pkg/redis"
)

// AppConfig defines all configurable parameters for the service, sourced
// from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"APP_ENV" default:"development"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`

	// Infrastructure
	Redis    pkgredis.Config
	Postgres pkgpostgres.Config

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	// Agent configs
	Analyst      model.AnalystModelConfig
	Response     model.ResponseModelConfig
	Prompt       model.ResponsePromptConfig
	Conversation model.ConversationConfig
	MemoryModel  model.MemoryModelConfig
	Memory       model.MemoryConfig
	Summary      model.SummaryConfig
}

func main() {
	ctx := context.Background()

	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Failed to process environment config: %v", err)
	}

	logx.Init(logx.LoggerOpts{Environment: core.ParseEnvironment(cfg.Environment)})

	rdb, err := cfg.Redis.New()
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to initialise Redis client")
	}
	defer rdb.Close()

	db, err := cfg.Postgres.New()
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to initialise Postgres pool")
	}
	defer db.Close()

	store := repo.NewStore(db)
	if err := store.InitSchema(ctx); err != nil {
		logx.Fatal().Err(err).Msg("Failed to initialise database schema")
	}

	ttl, err := time.ParseDuration(cfg.Conversation.TTL)
	if err != nil {
		logx.Fatal().Str("value", cfg.Conversation.TTL).Err(err).Msg("Invalid CONVERSATION_TTL")
	}
	convRepo := repo.NewRedisConversationRepository(rdb, ttl)

	// One Gemini client shared by the graph, the memory extractor and the
	// summarizer.
	cms, err := nodes.NewChatModels(ctx, nodes.ChatModelConfig{
		APIKey:        cfg.APIKey,
		BaseURL:       cfg.BaseURL,
		AnalystConfig: &cfg.Analyst,
		RespConfig:    &cfg.Response,
		MemoryConfig:  &cfg.MemoryModel,
	})
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to create chat models")
	}

	summarizer := summary.NewSummarizer(store, cms.Memory, cms.MemoryModelName, rdb, summary.Config{
		MinNewMessages:   cfg.Summary.MinNewMessages,
		MinTotalMessages: cfg.Summary.MinTotalMessages,
		MinChars:         cfg.Summary.MinChars,
		CacheTTL:         mustDuration(cfg.Summary.CacheTTL, "SUMMARY_CACHE_TTL"),
	})

	mm := conversations.NewMessagesManager(convRepo, cfg.Conversation, store, store, store, summarizer)

	runnable, err := graph.BuildGraph(ctx, &graph.GraphConfig{
		ChatModels:           cms,
		MessagesManager:      mm,
		AnalystConfig:        &cfg.Analyst,
		ResponsePromptConfig: &cfg.Prompt,
		Memories:             store,
		Activities:           store,
		ToolMaxCalls:         cfg.Conversation.Tools.MaxCalls,
	})
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to build graph")
	}
	runner := graph.NewRunner(runnable)

	extractor := memory.NewExtractor(cms.Memory, cms.MemoryModelName,
		cfg.Memory.MaxRetries, mustDuration(cfg.Memory.RetryBase, "MEMORY_RETRY_BASE"))
	worker := memory.NewWorker(store, store, extractor, memory.WorkerConfig{
		TriggerEvery: cfg.Memory.TriggerEvery,
		Window:       cfg.Memory.Window,
		RunTimeout:   mustDuration(cfg.Memory.RunTimeout, "MEMORY_RUN_TIMEOUT"),
	})

	handler := server.NewHandler(runner, worker, summarizer, store, store,
		cfg.Memory.TriggerEvery,
		func(ctx context.Context) error { return db.PingContext(ctx) },
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logx.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logx.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logx.Error().Err(err).Msg("HTTP shutdown failed")
	}
	// Let in-flight extraction and summary runs finish before the pools close.
	worker.Wait()
	summarizer.Wait()
	logx.Info().Msg("Shutdown complete")
}

func mustDuration(v, name string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		logx.Fatal().Str("value", v).Str("name", name).Err(err).Msg("Invalid duration")
	}
	return d
}
