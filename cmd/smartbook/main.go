package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/owner888/smartbook/internal/book"
	"github.com/owner888/smartbook/internal/broker"
	"github.com/owner888/smartbook/internal/chunker"
	"github.com/owner888/smartbook/internal/config"
	"github.com/owner888/smartbook/internal/history"
	"github.com/owner888/smartbook/internal/httpapi"
	"github.com/owner888/smartbook/internal/llm"
	"github.com/owner888/smartbook/internal/mcp"
	"github.com/owner888/smartbook/internal/mcp/session"
	"github.com/owner888/smartbook/internal/prompt"
	"github.com/owner888/smartbook/internal/respcache"
	"github.com/owner888/smartbook/internal/tools"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis backs conversation history and the response cache. The server
	// starts without it; both stores degrade to pass-through on errors.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unreachable, caching and history degraded", zap.Error(err))
	}

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to configure provider", zap.Error(err))
	}

	// Book library and lazy index registry.
	extractors := book.DefaultExtractors()
	library := book.NewLibrary(cfg.Books.Dir, cfg.Books.CacheDir, extractors, logger)
	builder := book.NewBuilder(extractors,
		chunker.New(chunker.Config{ChunkSize: cfg.Books.ChunkSize, Overlap: cfg.Books.Overlap}),
		provider, logger)
	books := book.NewRegistry(library, builder, logger)
	go func() {
		if err := library.Watch(ctx); err != nil {
			logger.Warn("library watcher stopped", zap.Error(err))
		}
	}()

	modes, err := prompt.LoadModes(cfg.Prompt.ModesFile)
	if err != nil {
		logger.Fatal("Failed to load prompt modes", zap.Error(err))
	}
	assembler := prompt.NewAssembler(modes)

	hist := history.NewStore(rdb, history.Options{
		TTL:                cfg.Chat.TTL,
		MaxHistoryLength:   cfg.Chat.MaxHistoryLength,
		SummarizeThreshold: cfg.Chat.SummarizeThreshold,
		KeepRecent:         cfg.Chat.KeepRecentMessages,
	}, logger)
	respCache := respcache.NewCache(rdb, respcache.Options{
		TTL:       cfg.Cache.TTL,
		Threshold: cfg.Cache.SemanticThreshold,
		MaxSize:   cfg.Cache.SemanticMaxSize,
	}, logger)

	br := broker.New(provider, assembler, respCache, hist, cfg.Search.KeywordWeight, logger)

	var defaultBook string
	if cfg.Books.BookPath != "" {
		defaultBook = filepath.Base(cfg.Books.BookPath)
	}
	web := httpapi.NewServer(br, books, respCache, defaultBook, logger)

	// MCP session and task state survives restarts in dotfiles next to the
	// library.
	sessions, err := session.NewManager(
		session.NewFileStore[session.Session](filepath.Join(cfg.Books.Dir, ".mcp_sessions.json")),
		session.NewFileStore[session.Task](filepath.Join(cfg.Books.Dir, ".mcp_tasks.json")),
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to load MCP session state", zap.Error(err))
	}
	registry := tools.NewRegistry(logger)
	remotes, err := cfg.Tools.Remotes()
	if err != nil {
		logger.Fatal("Failed to parse remote MCP servers", zap.Error(err))
	}
	for _, rs := range remotes {
		connectCtx, connectCancel := context.WithTimeout(ctx, 15*time.Second)
		if err := registry.RegisterRemote(connectCtx, rs.Name, rs.URL); err != nil {
			logger.Warn("remote MCP server unavailable, tools not proxied",
				zap.String("server", rs.Name), zap.String("url", rs.URL), zap.Error(err))
		}
		connectCancel()
	}
	mcpServer := mcp.NewServer(sessions, registry, books, provider, mcp.Options{
		KeywordWeight: cfg.Search.KeywordWeight,
		Debug:         cfg.LogLevel == "debug",
	}, logger)

	var servers []*http.Server

	if cfg.Web.Enabled {
		mux := web.Routes()
		mux.Handle("GET /metrics", promhttp.Handler())
		servers = append(servers, startServer("web", cfg.Web.Addr(), mux, logger))
	}
	if cfg.WS.Enabled {
		servers = append(servers, startServer("ws", cfg.WS.Addr(), web.WSRoutes(), logger))
	}
	if cfg.MCP.Enabled {
		servers = append(servers, startServer("mcp", cfg.MCP.Addr(), mcpServer.Routes(), logger))
	}
	if len(servers) == 0 {
		logger.Fatal("all listeners disabled, nothing to serve")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
	logger.Info("stopped")
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// buildProvider wires the configured upstream behind the shared embedding
// cache.
func buildProvider(cfg *config.Config, logger *zap.Logger) (llm.Provider, error) {
	var p llm.Provider
	switch cfg.Provider.Name {
	case "openai":
		if cfg.Provider.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
		}
		p = llm.NewOpenAIClient(cfg.Provider.OpenAIAPIKey, cfg.Provider.OpenAIBaseURL,
			cfg.Provider.Model, cfg.Provider.EmbedModel, logger,
			llm.WithOpenAITimeouts(cfg.Provider.CallTimeout, cfg.Provider.StreamTimeout))
	default:
		if cfg.Provider.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required for the gemini provider")
		}
		p = llm.NewGeminiClient(cfg.Provider.GeminiAPIKey,
			cfg.Provider.Model, cfg.Provider.EmbedModel, logger,
			llm.WithGeminiTimeouts(cfg.Provider.CallTimeout, cfg.Provider.StreamTimeout))
	}
	return llm.NewCachedEmbedder(p, cfg.Provider.EmbedModel, 512, cfg.Cache.TTL), nil
}

func startServer(name, addr string, handler http.Handler, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// no write timeout: SSE and WebSocket connections are long-lived
		WriteTimeout: 0,
		IdleTimeout:  300 * time.Second,
	}
	go func() {
		logger.Info("listener starting", zap.String("server", name), zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listener failed", zap.String("server", name), zap.Error(err))
		}
	}()
	return srv
}
