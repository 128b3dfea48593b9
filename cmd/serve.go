package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/gofrs/flock"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docgraph/docgraph/db"
	"github.com/docgraph/docgraph/internal/config"
	"github.com/docgraph/docgraph/internal/database"
	"github.com/docgraph/docgraph/internal/embed"
	"github.com/docgraph/docgraph/internal/engine"
	"github.com/docgraph/docgraph/internal/log"
	"github.com/docgraph/docgraph/internal/observability"
	"github.com/docgraph/docgraph/internal/store"
	"github.com/docgraph/docgraph/internal/tenant"
)

// statsInterval paces the periodic per-tenant index summary log line.
const statsInterval = 10 * time.Minute

// runServe is the long-running mode: migrate, activate every configured
// project, and keep the index consistent until SIGINT or SIGTERM.
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := log.New(log.Config{Level: log.ParseLevel(cfg.LogLevel), JSON: cfg.LogJSON})

	// One instance per machine; two watchers on the same roots would race
	// their optimistic writes endlessly.
	lockPath := filepath.Join(os.TempDir(), "docgraph.lock")
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another docgraph instance is running (lock %s)", lockPath)
	}
	defer func() { _ = lock.Unlock() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}()

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.Open(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer pool.Close()

	eng, err := buildEngine(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("engine shutdown", "error", err)
		}
	}()

	if len(cfg.Projects) == 0 {
		logger.Warn("no projects configured; serving an empty index")
	}
	tenants := make([]tenant.Context, 0, len(cfg.Projects))
	for _, p := range cfg.Projects {
		result, err := eng.ActivateProject(ctx, p.Name, p.Branch, p.Root)
		if err != nil {
			return fmt.Errorf("activating %s/%s: %w", p.Name, p.Branch, err)
		}
		tn, err := tenant.New(p.Name, p.Branch, p.Root)
		if err != nil {
			return err
		}
		tenants = append(tenants, tn)
		logger.Info("project ready",
			"tenant", tn.Key(),
			"indexed", result.Indexed,
			"unchanged", result.Unchanged,
			"deleted", result.Deleted,
			"failed", result.Failed,
		)
	}

	logger.Info("docgraph serving", "version", AppVersion, "projects", len(tenants))

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			return nil
		case <-ticker.C:
			logStats(context.Background(), eng, tenants, logger)
		}
	}
}

// buildEngine assembles the embedding gateway and the engine facade.
func buildEngine(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger log.Logger) (*engine.Engine, error) {
	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, fmt.Errorf("failed to initialize genkit")
	}
	embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if embedder == nil {
		return nil, fmt.Errorf("embedder model %q not available", cfg.EmbedderModel)
	}

	gateway := embed.NewGateway(embed.NewGenkitEmbedFunc(embedder), embed.Config{
		Dimension: cfg.EmbedderDimension,
		Timeout:   time.Duration(cfg.Embedding.TimeoutMs) * time.Millisecond,
		Retry: embed.RetryConfig{
			MaxRetries:      cfg.Embedding.MaxRetries,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
		},
		Breaker: embed.CircuitBreakerConfig{
			FailureThreshold: cfg.Embedding.FailureThreshold,
			Cooldown:         time.Duration(cfg.Embedding.CooldownMs) * time.Millisecond,
		},
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
	}, logger)

	st := store.New(pool, logger)
	return engine.New(st, gateway, cfg, logger), nil
}

func logStats(ctx context.Context, eng *engine.Engine, tenants []tenant.Context, logger log.Logger) {
	for _, tn := range tenants {
		stats, err := eng.Stats(ctx, tn)
		if err != nil {
			logger.Warn("stats unavailable", "tenant", tn.Key(), "error", err)
			continue
		}
		logger.Info("index stats",
			"tenant", tn.Key(),
			"documents", stats.Documents,
			"chunks", stats.Chunks,
		)
	}
}

// runMigrate applies pending migrations and exits.
func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return err
	}
	fmt.Println("migrations applied")
	return nil
}
