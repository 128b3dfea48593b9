// Package engine is the facade over the indexing pipeline: it owns the
// per-project watch loops and exposes the operations callers integrate with.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/docgraph/docgraph/internal/config"
	"github.com/docgraph/docgraph/internal/linkgraph"
	"github.com/docgraph/docgraph/internal/log"
	"github.com/docgraph/docgraph/internal/query"
	"github.com/docgraph/docgraph/internal/reconcile"
	"github.com/docgraph/docgraph/internal/store"
	"github.com/docgraph/docgraph/internal/tenant"
	"github.com/docgraph/docgraph/internal/watch"
)

var (
	// ErrInvalidRoot means an activation root does not exist or is not a
	// directory.
	ErrInvalidRoot = errors.New("invalid documentation root")
	// ErrShutdown means the engine has been closed.
	ErrShutdown = errors.New("engine is shut down")
	// ErrNotActive means no active project matches the tenant.
	ErrNotActive = errors.New("project not active")
)

// unavailableRetryDelay paces worker retries while the store is down.
const unavailableRetryDelay = 5 * time.Second

// Embedder produces embeddings for both indexing and queries.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Repository is the persistence surface the engine drives. *store.Store
// satisfies it.
type Repository interface {
	Upsert(ctx context.Context, doc *store.Document, chunks []store.Chunk, baseHash string) error
	GetByPath(ctx context.Context, tn tenant.Context, path string) (*store.Document, error)
	GetByPaths(ctx context.Context, tn tenant.Context, paths []string) ([]store.Document, error)
	ListPaths(ctx context.Context, tn tenant.Context) (map[string]string, error)
	ListDocuments(ctx context.Context, tn tenant.Context) ([]store.DocumentRef, error)
	Search(ctx context.Context, tn tenant.Context, embedding []float32, opts ...store.SearchOption) ([]store.SearchResult, error)
	DeleteByPath(ctx context.Context, tn tenant.Context, path string) error
	DeleteByTenant(ctx context.Context, tn tenant.Context) (int64, error)
	UpdatePromotionLevel(ctx context.Context, tn tenant.Context, path string, level int) error
	CountByTenant(ctx context.Context, tn tenant.Context) (docs, chunks int64, err error)
	OnInvalidate(fn func(tenant.Context))
}

// Stats are per-tenant index counts.
type Stats struct {
	Documents int64
	Chunks    int64
}

// project is one active watch loop.
type project struct {
	tn      tenant.Context
	root    string
	watcher *watch.Watcher
}

// Engine wires the store, reconciler, link graph, and query engine together
// and runs one watcher, debouncer, and reconcile worker per activated
// project. Workers are sequential per tenant; tenants run concurrently.
type Engine struct {
	store    Repository
	recon    *reconcile.Reconciler
	queries  *query.Engine
	links    *linkgraph.Resolver
	cfg      *config.Config
	logger   log.Logger
	tracer   trace.Tracer
	debounce time.Duration

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	projects map[string]*project // keyed by tenant key
	closed   bool
}

// New assembles an engine over an opened store. logger may be nil.
func New(st Repository, embedder Embedder, cfg *config.Config, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.NewNop()
	}

	links := linkgraph.NewResolver(st, logger)
	st.OnInvalidate(links.Invalidate)

	recon := reconcile.New(st, embedder, reconcile.Config{
		ChunkThresholdLines: cfg.Sync.ChunkThresholdLines,
	}, logger)
	queries := query.New(embedder, st, links, cfg.QueryFor, logger)

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	return &Engine{
		store:    st,
		recon:    recon,
		queries:  queries,
		links:    links,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("docgraph/engine"),
		debounce: time.Duration(cfg.Sync.DebounceMs) * time.Millisecond,
		group:    group,
		ctx:      ctx,
		cancel:   cancel,
		projects: make(map[string]*project),
	}
}

// ActivateProject validates the root, starts the tenant's watch loop, and
// reconciles the whole tree against the index. Activating an already active
// tenant is an error.
func (e *Engine) ActivateProject(ctx context.Context, projectName, branch, root string) (*reconcile.Result, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRoot, root)
	}

	tn, err := tenant.New(projectName, branch, root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrShutdown
	}
	if _, active := e.projects[tn.Key()]; active {
		e.mu.Unlock()
		return nil, fmt.Errorf("project %s already active", tn.Key())
	}
	// Reserve the slot so concurrent activations of the same tenant collide
	// here instead of racing the full reconcile.
	e.projects[tn.Key()] = &project{tn: tn, root: root}
	e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "engine.ActivateProject",
		trace.WithAttributes(attribute.String("tenant", tn.Key())))
	defer span.End()

	// The watch loop starts before the full pass so edits made while it runs
	// settle into change sets instead of going unobserved. Overlapping writes
	// are safe: every upsert re-checks the stored hash before committing.
	watcher, err := watch.NewWatcher(root, e.logger)
	if err != nil {
		e.deactivate(tn)
		return nil, fmt.Errorf("starting watcher: %w", err)
	}
	debouncer := watch.NewDebouncer(watcher.Events(), e.debounce, e.logger)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = watcher.Close()
		for range debouncer.Changes() {
		}
		e.deactivate(tn)
		return nil, ErrShutdown
	}
	e.projects[tn.Key()].watcher = watcher
	e.mu.Unlock()

	e.group.Go(func() error {
		e.runWorker(tn, root, debouncer)
		return nil
	})

	result, err := e.recon.FullReconcile(ctx, tn, root)
	if err != nil {
		// Closing the watcher ends the event stream; the worker drains the
		// debouncer to close and exits.
		_ = watcher.Close()
		e.deactivate(tn)
		return nil, fmt.Errorf("initial reconciliation: %w", err)
	}

	e.logger.Info("project activated",
		"tenant", tn.Key(),
		"root", root,
		"indexed", result.Indexed,
		"deleted", result.Deleted,
	)
	return result, nil
}

// runWorker drains settled change sets for one tenant until the watcher
// closes. Store outages pause and retry the same change set; everything else
// is already contained per path by the reconciler. The loop always ranges to
// channel close so the debouncer's final flush can never block, even during
// shutdown.
func (e *Engine) runWorker(tn tenant.Context, root string, debouncer *watch.Debouncer) {
	for cs := range debouncer.Changes() {
		if e.ctx.Err() != nil {
			continue
		}
		for {
			ctx, span := e.tracer.Start(e.ctx, "engine.reconcile",
				trace.WithAttributes(
					attribute.String("tenant", tn.Key()),
					attribute.Int("paths", cs.Len()),
				))
			result, err := e.recon.Reconcile(ctx, tn, root, cs)
			span.End()

			if err == nil {
				if result.Indexed+result.Deleted > 0 {
					e.logger.Info("change set reconciled",
						"tenant", tn.Key(),
						"indexed", result.Indexed,
						"deleted", result.Deleted,
						"failed", result.Failed,
					)
				}
				break
			}
			if !errors.Is(err, store.ErrUnavailable) {
				e.logger.Error("reconciliation failed", "tenant", tn.Key(), "error", err)
				break
			}

			e.logger.Warn("store unavailable, retrying change set",
				"tenant", tn.Key(), "retry_in", unavailableRetryDelay)
			select {
			case <-e.ctx.Done():
			case <-time.After(unavailableRetryDelay):
			}
			if e.ctx.Err() != nil {
				// Abandoned; the next full reconcile restores consistency.
				break
			}
		}
	}
}

// IndexDocument re-indexes one root-relative path for an active tenant.
func (e *Engine) IndexDocument(ctx context.Context, tn tenant.Context, path string) (*reconcile.Result, error) {
	root, err := e.rootFor(tn)
	if err != nil {
		return nil, err
	}
	return e.recon.IndexPath(ctx, tn, root, path)
}

// RAGQuery retrieves relevant chunks plus link-graph context for synthesis.
func (e *Engine) RAGQuery(ctx context.Context, tn tenant.Context, text string, opts query.Options) (*query.Response, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "engine.RAGQuery",
		trace.WithAttributes(attribute.String("tenant", tn.Key())))
	defer span.End()
	return e.queries.RAGQuery(ctx, tn, text, opts)
}

// SemanticSearch retrieves ranked chunks without link expansion.
func (e *Engine) SemanticSearch(ctx context.Context, tn tenant.Context, text string, opts query.Options) (*query.Response, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "engine.SemanticSearch",
		trace.WithAttributes(attribute.String("tenant", tn.Key())))
	defer span.End()
	return e.queries.SemanticSearch(ctx, tn, text, opts)
}

// DeleteDocuments removes the given paths from the tenant's index, or the
// whole tenant when paths is empty. Returns the number of documents removed.
func (e *Engine) DeleteDocuments(ctx context.Context, tn tenant.Context, paths []string) (int64, error) {
	if err := e.ensureOpen(); err != nil {
		return 0, err
	}
	if len(paths) == 0 {
		return e.store.DeleteByTenant(ctx, tn)
	}
	var removed int64
	for _, p := range paths {
		if err := e.store.DeleteByPath(ctx, tn, p); err != nil {
			return removed, fmt.Errorf("deleting %s: %w", p, err)
		}
		removed++
	}
	return removed, nil
}

// UpdatePromotionLevel sets a document's promotion level, propagating it to
// the document's chunks without re-embedding anything.
func (e *Engine) UpdatePromotionLevel(ctx context.Context, tn tenant.Context, path string, level int) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return e.store.UpdatePromotionLevel(ctx, tn, path, level)
}

// Stats reports the tenant's index counts.
func (e *Engine) Stats(ctx context.Context, tn tenant.Context) (Stats, error) {
	if err := e.ensureOpen(); err != nil {
		return Stats{}, err
	}
	docs, chunks, err := e.store.CountByTenant(ctx, tn)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Documents: docs, Chunks: chunks}, nil
}

// ActiveProjects lists the tenant keys with running watch loops.
func (e *Engine) ActiveProjects() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.projects))
	for key := range e.projects {
		keys = append(keys, key)
	}
	return keys
}

// Close stops every watch loop, waits for in-flight reconciliations to
// drain, and rejects further operations with ErrShutdown. Safe to call once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	watchers := make([]*watch.Watcher, 0, len(e.projects))
	for _, p := range e.projects {
		if p.watcher != nil {
			watchers = append(watchers, p.watcher)
		}
	}
	e.mu.Unlock()

	// Closing the watchers closes their event streams; the debouncers flush
	// and close, and the workers run the channels to completion.
	var errs []error
	for _, w := range watchers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	// Cancel before waiting so workers stuck in outage retries exit instead
	// of stalling shutdown.
	e.cancel()
	if err := e.group.Wait(); err != nil {
		errs = append(errs, err)
	}

	e.logger.Info("engine stopped", "projects", len(watchers))
	return errors.Join(errs...)
}

func (e *Engine) ensureOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrShutdown
	}
	return nil
}

func (e *Engine) rootFor(tn tenant.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrShutdown
	}
	p, ok := e.projects[tn.Key()]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotActive, tn.Key())
	}
	return p.root, nil
}

func (e *Engine) deactivate(tn tenant.Context) {
	e.mu.Lock()
	delete(e.projects, tn.Key())
	e.mu.Unlock()
}
