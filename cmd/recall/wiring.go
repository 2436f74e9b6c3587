package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/recall/internal/config"
	"github.com/nidhogg/recall/internal/consolidation"
	"github.com/nidhogg/recall/internal/conversation"
	"github.com/nidhogg/recall/internal/embedding"
	"github.com/nidhogg/recall/internal/engine"
	"github.com/nidhogg/recall/internal/events"
	"github.com/nidhogg/recall/internal/graph"
	"github.com/nidhogg/recall/internal/memory"
	"github.com/nidhogg/recall/internal/metrics"
	"github.com/nidhogg/recall/internal/profile"
	"github.com/nidhogg/recall/internal/provider"
	"github.com/nidhogg/recall/internal/retrieval"
	"github.com/nidhogg/recall/internal/store"
	"github.com/nidhogg/recall/internal/vectorstore"
	"github.com/nidhogg/recall/internal/window"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds a development logger for "debug" and a production
// logger at the configured level otherwise.
func newLogger(level string) (*zap.Logger, error) {
	if strings.EqualFold(level, "debug") {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// build wires every component from cfg. Optional backends (Qdrant, Neo4j,
// Redis) that cannot be reached are logged and skipped.
func build(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*engine.Engine, error) {
	var closers []engine.Closer

	var backend store.Backend
	if !strings.EqualFold(cfg.Storage.Driver, "memory") {
		b, err := store.Open(ctx, cfg.StoreConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		backend = b
		closers = append(closers, func(context.Context) error { return b.Close() })
	} else {
		logger.Warn("storage driver is memory, nothing will survive a restart")
	}

	embedder, err := embedding.New(cfg.EmbeddingConfig(), logger)
	if err != nil {
		return nil, err
	}

	var vec memory.VectorIndex
	switch strings.ToLower(cfg.VectorStore.Backend) {
	case "qdrant":
		q, err := vectorstore.NewQdrantIndex(cfg.QdrantConfig(), logger)
		if err != nil {
			logger.Warn("Qdrant unavailable, using brute-force search", zap.Error(err))
			break
		}
		vec = q
		closers = append(closers, func(context.Context) error { return q.Close() })
	case "chromem":
		vec = vectorstore.NewChromemIndex(logger)
	}

	var memRepo memory.Repository
	var convRepo conversation.Repository
	var profRepo profile.Repository
	if backend != nil {
		memRepo, convRepo, profRepo = backend, backend, backend
	}

	memCfg := cfg.MemoryIndexConfig()
	memCfg.Dimension = embedder.Dimension()
	idx := memory.NewIndex(memCfg, memRepo, vec, logger)
	if err := idx.Load(ctx); err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	convs := conversation.NewStore(cfg.ConversationStoreConfig(), convRepo, logger)
	if err := convs.Load(ctx); err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	profiles := profile.NewManager(profRepo, logger)

	ranker := retrieval.NewRanker(cfg.RetrievalConfig(), idx, logger)
	windows := window.NewBuilder(cfg.WindowConfig(), convs, ranker, idx, embedder, logger)

	router, err := buildRouter(cfg, logger)
	if err != nil {
		return nil, err
	}

	var bus events.Bus
	if url := cfg.Redis().URL; url != "" {
		rb, err := events.NewRedisBus(ctx, url, cfg.Redis().Stream, logger)
		if err != nil {
			logger.Warn("Redis unavailable, using in-process events", zap.Error(err))
		} else {
			bus = rb
		}
	}
	if bus == nil {
		bus = events.NewLocalBus(logger)
	}

	opts := []consolidation.Option{
		consolidation.WithEmbedder(embedder),
		consolidation.WithBus(bus),
		consolidation.WithMetrics(m),
	}
	deps := engine.Deps{
		Conversations: convs,
		Memory:        idx,
		Windows:       windows,
		Profiles:      profiles,
		Embedder:      embedder,
		Reasoner:      router,
		Bus:           bus,
		Metrics:       m,
	}
	if uri := cfg.Database.Neo4j.URI; uri != "" {
		lin, err := connectLineage(ctx, cfg.GraphConfig(), logger)
		if err != nil {
			logger.Warn("Neo4j unavailable, running without lineage", zap.Error(err))
		} else {
			opts = append(opts, consolidation.WithLineage(lin))
			deps.Lineage = lin
			closers = append(closers, lin.Close)
		}
	}
	deps.Scheduler = consolidation.NewScheduler(cfg.SchedulerConfig(), idx, logger, opts...)
	deps.Closers = closers

	return engine.New(cfg.EngineConfig(), deps, logger)
}

func buildRouter(cfg *config.Config, logger *zap.Logger) (*provider.Router, error) {
	router := provider.NewRouter(logger)
	for _, pc := range cfg.ProviderConfigs() {
		p, err := provider.New(pc, logger)
		if err != nil {
			return nil, err
		}
		router.Register(p)
	}
	if d := cfg.Reasoner.Default; d != "" {
		router.SetDefault(d)
	}
	for purpose, id := range cfg.Reasoner.Bindings {
		router.Bind(purpose, id)
	}
	if len(cfg.Reasoner.Fallbacks) > 0 {
		router.SetFallbacks(cfg.Engine.ReasonerPurpose, cfg.Reasoner.Fallbacks)
	}
	return router, nil
}

func connectLineage(ctx context.Context, cfg graph.Config, logger *zap.Logger) (*graph.Lineage, error) {
	lin, err := graph.NewLineage(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := lin.Ping(ctx); err != nil {
		lin.Close(ctx)
		return nil, err
	}
	if err := lin.EnsureSchema(ctx); err != nil {
		lin.Close(ctx)
		return nil, err
	}
	return lin, nil
}
