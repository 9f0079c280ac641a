package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/polyglot-chat-backend/internal/agent"
	"github.com/tjfontaine/polyglot-chat-backend/internal/api"
	"github.com/tjfontaine/polyglot-chat-backend/internal/auth"
	"github.com/tjfontaine/polyglot-chat-backend/internal/chat"
	"github.com/tjfontaine/polyglot-chat-backend/internal/config"
	"github.com/tjfontaine/polyglot-chat-backend/internal/history"
	"github.com/tjfontaine/polyglot-chat-backend/internal/llm"
	"github.com/tjfontaine/polyglot-chat-backend/internal/server"
	"github.com/tjfontaine/polyglot-chat-backend/internal/storage/sqldb"
	"github.com/tjfontaine/polyglot-chat-backend/internal/stream"
	"github.com/tjfontaine/polyglot-chat-backend/internal/telemetry"
	"github.com/tjfontaine/polyglot-chat-backend/internal/threads"
	"github.com/tjfontaine/polyglot-chat-backend/internal/tools"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to the YAML config file")
	port := pflag.IntP("port", "p", 0, "listen port (overrides server.port)")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(telemetry.Options{
			ServiceName:    "polyglot-chat-backend",
			ServiceVersion: cfg.App.Version,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	if err := run(cfg, *configPath, logger); err != nil {
		logger.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string, logger *slog.Logger) error {
	store, err := sqldb.New(sqldb.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	var registered []tools.Tool
	if cfg.Search.APIKey != "" {
		registered = append(registered, tools.NewTavilySearch(cfg.Search.APIKey, cfg.Search.MaxResults,
			tools.WithTavilyBaseURL(cfg.Search.BaseURL)))
	} else {
		logger.Warn("search.api_key not set, web search tool disabled")
	}
	registry := tools.NewRegistry(registered...)

	model := llm.NewClient(cfg.LLM.APIKey, llm.WithBaseURL(cfg.LLM.BaseURL))
	runner := agent.NewLLMRunner(model, store, registry, agent.Options{
		Model:         cfg.LLM.Model,
		Temperature:   cfg.LLM.Temperature,
		SystemPrompt:  cfg.LLM.SystemPrompt,
		MaxSteps:      cfg.LLM.MaxSteps,
		ContextTokens: cfg.LLM.ContextTokens,
	}, logger)

	framer := stream.NewFramer(cfg.Stream.ChunkDelay, logger)
	deleter := history.NewDeleter(store, cfg.History.DeleteAttempts, logger)
	titles := llm.NewClient(cfg.Title.APIKey, llm.WithBaseURL(cfg.Title.BaseURL))

	var keys *auth.KeySet
	if cfg.Auth.JWKSURL != "" {
		keys = auth.NewKeySet(cfg.Auth.JWKSURL, cfg.Auth.MaxCachedKeys, cfg.Auth.JWKSTTL, logger,
			auth.WithMinRefreshInterval(cfg.Auth.JWKSMinRefresh))
	}
	verifier, err := auth.NewVerifier(keys, cfg.Auth.VerificationKey, logger)
	if err != nil {
		return fmt.Errorf("configure auth: %w", err)
	}

	srv := server.New(server.Options{
		Port:        cfg.Server.Port,
		CORSOrigins: cfg.Server.CORSOrigins,
		ServiceName: "polyglot-chat-backend",
	}, logger)

	api.NewHandler(api.Deps{
		Chat:           chat.NewService(runner, framer, logger),
		Mock:           chat.NewService(agent.NewScriptedRunner(nil), framer, logger),
		Threads:        threads.NewService(store, deleter, titles, cfg.Title.Model, logger),
		Ownership:      store,
		Reconstructor:  history.NewReconstructor(store, logger),
		Deleter:        deleter,
		AppName:        cfg.App.Name,
		Version:        cfg.App.Version,
		AllowedOrigins: cfg.Server.CORSOrigins,
		Logger:         logger,
	}).Mount(srv.Router, cfg.Server.APIPrefix, server.AuthMiddleware(verifier, store), cfg.Server.RequestTimeout)

	var watcher *config.Watcher
	if _, err := os.Stat(configPath); err == nil {
		watcher, err = config.NewWatcher(configPath, cfg, logger)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)

	if watcher != nil {
		g.Go(func() error {
			return watcher.Watch(gctx, func(next *config.Config) {
				framer.SetChunkDelay(next.Stream.ChunkDelay)
				logger.Info("applied config reload", slog.Duration("chunk_delay", next.Stream.ChunkDelay))
			})
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received, stopping server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server shutdown complete")
	return nil
}
