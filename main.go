package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/aggregate"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/background"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/chat"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/circuitbreaker"
	cfg "github.com/Kocoro-lab/Shannon/go/ragrouter/internal/config"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/db"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/debug"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/dispatch"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/embeddings"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/episodic"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/health"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/httpapi"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/llm"
	_ "github.com/Kocoro-lab/Shannon/go/ragrouter/internal/metrics" // Import for side effects
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/planner"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/routing"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/store"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/strategy"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/summary"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/vectordb"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	settings, err := cfg.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if err := tracing.Initialize(tracing.Config{
		Enabled:      settings.Tracing.Enabled,
		ServiceName:  settings.Tracing.ServiceName,
		OTLPEndpoint: settings.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed", zap.Error(err))
	}

	circuitbreaker.StartMetricsCollection(ctx)

	// ------------------------------------------------------------------
	// Health manager first so probes answer while dependencies come up
	// ------------------------------------------------------------------
	hm := health.NewManager(30*time.Second, logger)
	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)

	// Redis: v9 for telemetry and debug records, v8 behind the breaker
	// wrapper for the embedding cache.
	rdb := redis.NewClient(&redis.Options{
		Addr:     settings.Redis.Addr,
		Password: settings.Redis.Password,
		DB:       settings.Redis.DB,
	})
	defer rdb.Close()
	cacheRedis := circuitbreaker.NewRedisWrapper(redisv8.NewClient(&redisv8.Options{
		Addr:     settings.Redis.Addr,
		Password: settings.Redis.Password,
		DB:       settings.Redis.DB,
	}), "embedding-cache", logger)
	defer cacheRedis.Close()
	redisNeeded := settings.Debug.Backend == "redis" || settings.Stream.EventLogMaxLen > 0
	if redisNeeded {
		_ = hm.Register(health.NewRedisChecker(rdb, cacheRedis, settings.Debug.Backend == "redis"))
	}

	// Conversation store
	var (
		conversations store.ConversationStore
		summaries     store.SummaryStore
		memStore      = store.NewMemory()
	)
	if settings.Database.Driver == "memory" {
		conversations, summaries = memStore, memStore
		logger.Info("Using in-memory conversation store")
	} else {
		dbClient, err := db.NewClient(ctx, db.Config{
			Driver:          settings.Database.Driver,
			DSN:             settings.DatabaseDSN(),
			MaxConnections:  settings.Database.MaxConnections,
			IdleConnections: settings.Database.IdleConnections,
			MaxLifetime:     5 * time.Minute,
			HealthInterval:  30 * time.Second,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize database client", zap.Error(err))
		}
		defer dbClient.Close()
		if err := dbClient.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to ensure database schema", zap.Error(err))
		}
		conversations, summaries = dbClient, dbClient
		_ = hm.Register(health.NewDatabaseChecker(dbClient.Wrapper().DB(), dbClient.Wrapper()))
	}

	llmClient := llm.NewClient(llm.Config{
		BaseURL:     settings.LLM.BaseURL,
		APIKey:      settings.LLM.APIKey,
		Model:       settings.LLM.Model,
		Temperature: settings.LLM.Temperature,
		MaxTokens:   settings.LLM.MaxTokens,
	}, logger)
	_ = hm.Register(health.NewHTTPChecker("llm", settings.LLM.BaseURL, "/models", false))

	// ------------------------------------------------------------------
	// Background memory: summaries and episodic recall, each with its own pool
	// ------------------------------------------------------------------
	bgSlots := int64(max(settings.Memory.BackgroundConcurrency, 1))
	summaryCoord := background.NewCoordinator("summary", semaphore.NewWeighted(bgSlots), logger)
	episodeCoord := background.NewCoordinator("episodic", semaphore.NewWeighted(bgSlots), logger)

	var summarizer chat.Summaries
	if settings.Memory.SummaryEnabled {
		summarizer = summary.New(summaries, llmClient, summaryCoord, summary.DefaultOptions(), logger)
	}

	var episodes chat.Episodes
	if settings.Memory.EpisodicEnabled {
		var cache embeddings.EmbeddingCache
		if settings.Embeddings.RedisCaching {
			cache = embeddings.NewRedisCache(cacheRedis)
		}
		embedder := embeddings.NewService(embeddings.Config{
			BaseURL:  settings.Embeddings.BaseURL,
			Model:    settings.Embeddings.Model,
			CacheTTL: time.Duration(settings.Embeddings.CacheTTLMin) * time.Minute,
			MaxLRU:   settings.Embeddings.LRUCapacity,
		}, cache, logger)

		var episodeStore store.EpisodeStore = memStore
		if settings.Vector.Enabled {
			vc := vectordb.NewClient(vectordb.Config{
				Enabled:    true,
				Host:       settings.Vector.Host,
				Port:       settings.Vector.Port,
				Collection: settings.Vector.Collection,
				Dimension:  settings.Vector.Dimension,
				Timeout:    time.Duration(settings.Vector.TimeoutS * float64(time.Second)),
			}, logger)
			if err := vc.EnsureCollection(ctx); err != nil {
				logger.Warn("Vector collection unavailable, episodes kept in memory", zap.Error(err))
			} else {
				episodeStore = vectordb.NewEpisodeStore(vc)
			}
			_ = hm.Register(health.NewPingChecker("qdrant", vc, vc, false))
		}

		opts := episodic.DefaultOptions()
		opts.Mode = settings.Memory.EpisodicRecallMode
		if settings.Memory.EpisodicTopK > 0 {
			opts.TopK = settings.Memory.EpisodicTopK
		}
		episodes = episodic.New(episodeStore, conversations, embedder, episodeCoord, opts, logger)
	}

	// ------------------------------------------------------------------
	// Routing with hot-reloadable keyword rules
	// ------------------------------------------------------------------
	rules, err := routing.NewRuleSet(settings.Routing.RulesPath, logger)
	if err != nil {
		logger.Fatal("Failed to load routing rules", zap.Error(err))
	}
	if settings.Routing.RulesReload && settings.Routing.RulesPath != "" {
		configMgr, err := cfg.NewConfigManager(filepath.Dir(settings.Routing.RulesPath), logger)
		if err != nil {
			logger.Warn("Routing rules watcher unavailable", zap.Error(err))
		} else {
			configMgr.RegisterHandler(filepath.Base(settings.Routing.RulesPath), rules.HandleChange)
			if err := configMgr.Start(ctx); err != nil {
				logger.Warn("Routing rules watcher failed to start", zap.Error(err))
			} else {
				defer configMgr.Stop()
			}
		}
	}

	domains := rules.Rules().Domains()
	for d := range settings.Strategies {
		if d != "*" {
			domains = append(domains, d)
		}
	}
	classifier := routing.NewLLMClassifier(llmClient, domains, settings.ClassifierTimeout(), logger)
	engine := routing.NewEngine(routing.Policy{
		AutoRoute:     settings.Routing.AutoRoute,
		AllowOverride: settings.Routing.AutoRouteOverride,
		MinConfidence: settings.Routing.MinConfidence,
	}, rules, classifier, domains, logger)

	registry := strategy.NewRegistry(logger)
	registry.RegisterAll(strategy.NewRemoteConstructor(strategy.RemoteConfig{Endpoints: settings.Strategies}, nil, logger))
	dispatcher := dispatch.New(registry, logger)

	pipeline := streaming.NewPipeline(engine, planner.Default(), dispatcher, llmClient, streaming.Config{
		AnswerTimeout: settings.AnswerTimeout(),
		Aggregate: aggregate.Options{
			PreferredOrder:   settings.RAG.PreferredOrder,
			MaxEvidence:      settings.RAG.SynthesizeMaxEvidence,
			MaxChars:         settings.RAG.SynthesizeMaxChars,
			EvidenceStrategy: settings.RAG.SynthesizeEvidenceStrategy,
		},
		CombinedContextMaxChars: settings.Stream.DebugCombinedContextMax,
	}, logger)

	// Telemetry and debug records
	var events streaming.EventLog
	if settings.Stream.EventLogMaxLen > 0 {
		events = streaming.NewRedisLog(rdb, settings.Stream.EventLogMaxLen, settings.EventLogTTL(), logger)
	} else {
		events = streaming.NewMemoryLog(0, 0, settings.EventLogTTL())
	}
	var debugStore debug.Store
	if settings.Debug.Backend == "redis" {
		debugStore = debug.NewRedisStore(rdb, settings.DebugTTL())
	} else {
		debugStore = debug.NewMemoryStore(settings.Debug.MaxEntries, settings.DebugTTL())
	}

	svc := chat.NewService(chat.Deps{
		Conversations: conversations,
		Pipeline:      pipeline,
		Summaries:     summarizer,
		Episodes:      episodes,
		Events:        events,
		Debug:         debugStore,
	}, chat.Options{HistoryLimit: settings.Memory.HistoryLimit}, logger)

	limiter := httpapi.NewUserLimiter(settings.RateLimit.RequestsPerSecond, settings.RateLimit.Burst, 0, 0)
	apiMux := http.NewServeMux()
	httpapi.NewChatHandler(svc, limiter, httpapi.ChatOptions{
		Heartbeat:      settings.Heartbeat(),
		WSPingInterval: time.Duration(settings.Stream.WebSocketPingIntervalS * float64(time.Second)),
		WSMaxMessage:   settings.Stream.WebSocketMaxMessageBytes,
	}, logger).RegisterRoutes(apiMux)
	httpapi.NewDebugHandler(debugStore, events, logger).RegisterRoutes(apiMux)
	health.NewHTTPHandler(hm, logger).RegisterRoutes(apiMux)

	hm.Start()
	defer hm.Stop()

	// Streams outlive any write timeout, so the API server sets none.
	apiServer := &http.Server{
		Addr:              ":" + strconv.Itoa(settings.Server.Port),
		Handler:           httpapi.Middleware(logger, apiMux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	adminServer := &http.Server{
		Addr:         ":" + strconv.Itoa(settings.Server.AdminPort),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              ":" + strconv.Itoa(settings.Server.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serve := func(name string, srv *http.Server) {
		logger.Info("HTTP server listening", zap.String("server", name), zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.String("server", name), zap.Error(err))
			stop()
		}
	}
	go serve("api", apiServer)
	go serve("admin", adminServer)
	go serve("metrics", metricsServer)

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{apiServer, adminServer, metricsServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown error", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
	for _, c := range []*background.Coordinator{summaryCoord, episodeCoord} {
		if err := c.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Background coordinator shutdown timed out", zap.Error(err))
		}
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown error", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}
