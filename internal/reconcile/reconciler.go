// Package reconcile aligns stored index state with disk state. It is the
// only writer path for content-derived fields: on activation it diffs the
// whole tree against the repository, and on each settled change set it
// processes just the affected paths. Failures on one path never abort the
// rest of the batch; only a storage outage makes the whole pass meaningless.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docgraph/docgraph/internal/log"
	"github.com/docgraph/docgraph/internal/markdown"
	"github.com/docgraph/docgraph/internal/store"
	"github.com/docgraph/docgraph/internal/tenant"
	"github.com/docgraph/docgraph/internal/watch"
)

// DocumentStore is the persistence surface the reconciler drives.
type DocumentStore interface {
	GetByPath(ctx context.Context, tn tenant.Context, path string) (*store.Document, error)
	ListPaths(ctx context.Context, tn tenant.Context) (map[string]string, error)
	Upsert(ctx context.Context, doc *store.Document, chunks []store.Chunk, baseHash string) error
	DeleteByPath(ctx context.Context, tn tenant.Context, path string) error
}

// Embedder produces the fixed-dimension vector for one chunk of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config tunes the reconciler.
type Config struct {
	// ChunkThresholdLines is the single-chunk line limit passed to the chunker.
	ChunkThresholdLines int
}

// PathError records a contained per-path failure within a batch.
type PathError struct {
	Path string
	Op   string
	Err  error
}

func (e PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e PathError) Unwrap() error { return e.Err }

// Result summarizes one reconciliation pass.
type Result struct {
	Indexed   int
	Unchanged int
	Deleted   int
	Failed    int
	Errors    []PathError
	Duration  time.Duration
}

// Reconciler drives repository mutations through the chunker and the
// embedding gateway.
type Reconciler struct {
	store          DocumentStore
	embedder       Embedder
	chunkThreshold int
	logger         log.Logger
}

// New creates a Reconciler. logger may be nil.
func New(docs DocumentStore, embedder Embedder, cfg Config, logger log.Logger) *Reconciler {
	if logger == nil {
		logger = log.NewNop()
	}
	threshold := cfg.ChunkThresholdLines
	if threshold <= 0 {
		threshold = markdown.DefaultChunkThreshold
	}
	return &Reconciler{
		store:          docs,
		embedder:       embedder,
		chunkThreshold: threshold,
		logger:         logger,
	}
}

// FullReconcile lists every Markdown file under root, re-indexes paths that
// are absent or stale in the repository, and deletes repository documents
// whose source files are gone.
func (r *Reconciler) FullReconcile(ctx context.Context, tn tenant.Context, root string) (*Result, error) {
	start := time.Now()
	result := &Result{}

	dir, err := os.OpenRoot(root)
	if err != nil {
		return nil, fmt.Errorf("opening root %s: %w", root, err)
	}
	defer func() { _ = dir.Close() }()

	onDisk, err := listMarkdown(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", root, err)
	}

	stored, err := r.store.ListPaths(ctx, tn)
	if err != nil {
		return nil, fmt.Errorf("listing stored documents: %w", err)
	}

	for _, rel := range onDisk {
		if err := r.indexPath(ctx, dir, tn, rel, result); err != nil {
			return nil, err
		}
	}

	diskSet := make(map[string]struct{}, len(onDisk))
	for _, rel := range onDisk {
		diskSet[rel] = struct{}{}
	}
	for rel := range stored {
		if _, live := diskSet[rel]; live {
			continue
		}
		if err := r.deletePath(ctx, tn, rel, result); err != nil {
			return nil, err
		}
	}

	result.Duration = time.Since(start)
	r.logger.Info("full reconciliation completed",
		"tenant", tn.Key(),
		"indexed", result.Indexed,
		"unchanged", result.Unchanged,
		"deleted", result.Deleted,
		"failed", result.Failed,
		"duration", result.Duration,
	)
	return result, nil
}

// Reconcile processes one settled change set. Created, modified, and
// rename-target paths are (re)indexed; deleted and rename-source paths are
// removed.
func (r *Reconciler) Reconcile(ctx context.Context, tn tenant.Context, root string, cs watch.ChangeSet) (*Result, error) {
	start := time.Now()
	result := &Result{}

	dir, err := os.OpenRoot(root)
	if err != nil {
		return nil, fmt.Errorf("opening root %s: %w", root, err)
	}
	defer func() { _ = dir.Close() }()

	for _, rel := range cs.Deleted {
		if err := r.deletePath(ctx, tn, rel, result); err != nil {
			return nil, err
		}
	}
	for _, rn := range cs.Renamed {
		if err := r.deletePath(ctx, tn, rn.From, result); err != nil {
			return nil, err
		}
		if err := r.indexPath(ctx, dir, tn, rn.To, result); err != nil {
			return nil, err
		}
	}
	for _, rel := range cs.Created {
		if err := r.indexPath(ctx, dir, tn, rel, result); err != nil {
			return nil, err
		}
	}
	for _, rel := range cs.Modified {
		if err := r.indexPath(ctx, dir, tn, rel, result); err != nil {
			return nil, err
		}
	}

	result.Duration = time.Since(start)
	if result.Failed > 0 {
		r.logger.Warn("reconciliation completed with failures",
			"tenant", tn.Key(), "failed", result.Failed, "indexed", result.Indexed)
	}
	return result, nil
}

// IndexPath re-indexes a single file, for callers outside the watch loop.
func (r *Reconciler) IndexPath(ctx context.Context, tn tenant.Context, root, rel string) (*Result, error) {
	return r.Reconcile(ctx, tn, root, watch.ChangeSet{Modified: []string{rel}})
}

// indexPath reconciles one path. Per-path failures are recorded in result
// and contained; only storage unavailability propagates as an error.
func (r *Reconciler) indexPath(ctx context.Context, dir *os.Root, tn tenant.Context, rel string, result *Result) error {
	// One silent retry on optimistic-write conflict; a second conflict is
	// surfaced like any other contained failure.
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = r.indexOnce(ctx, dir, tn, rel, result)
		if !errors.Is(err, store.ErrConflict) {
			break
		}
		r.logger.Debug("conflicting write, retrying once", "tenant", tn.Key(), "path", rel)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrUnavailable) {
		return err
	}
	result.Failed++
	result.Errors = append(result.Errors, PathError{Path: rel, Op: "index", Err: err})
	r.logger.Warn("failed to index document",
		"tenant", tn.Key(), "path", rel, "error", err)
	return nil
}

// indexOnce runs one read → hash → chunk → embed → upsert cycle.
func (r *Reconciler) indexOnce(ctx context.Context, dir *os.Root, tn tenant.Context, rel string, result *Result) error {
	content, err := readRelative(dir, rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Deleted between the event and now; the delete event follows.
			result.Unchanged++
			return nil
		}
		return fmt.Errorf("reading file: %w", err)
	}

	hash := markdown.Hash(content)
	baseHash := ""
	promotionLevel := 0
	existing, err := r.store.GetByPath(ctx, tn, rel)
	switch {
	case err == nil:
		if existing.ContentHash == hash {
			result.Unchanged++
			return nil
		}
		baseHash = existing.ContentHash
		promotionLevel = existing.PromotionLevel
	case errors.Is(err, store.ErrNotFound):
		// First index of this path.
	default:
		return fmt.Errorf("loading stored document: %w", err)
	}

	sections := markdown.Chunk(string(content), r.chunkThreshold)
	chunks := make([]store.Chunk, 0, len(sections))
	for _, sec := range sections {
		vec, err := r.embedder.Embed(ctx, sec.Content)
		if err != nil {
			return fmt.Errorf("embedding chunk %d: %w", sec.Index, err)
		}
		chunks = append(chunks, store.Chunk{
			Index:       sec.Index,
			HeadingPath: sec.HeadingPath,
			Content:     sec.Content,
			Embedding:   vec,
		})
	}

	// Optimistic recheck: if the file moved on while we were embedding, a
	// newer reconciliation owns this path now. Skip the commit, no lock held.
	current, err := readRelative(dir, rel)
	if err != nil || markdown.Hash(current) != hash {
		r.logger.Debug("index superseded by newer content", "tenant", tn.Key(), "path", rel)
		result.Unchanged++
		return nil
	}

	doc := &store.Document{
		Tenant:         tn,
		RelativePath:   rel,
		Content:        string(content),
		ContentHash:    hash,
		PromotionLevel: promotionLevel,
	}
	if err := r.store.Upsert(ctx, doc, chunks, baseHash); err != nil {
		return err
	}

	result.Indexed++
	r.logger.Debug("document indexed",
		"tenant", tn.Key(), "path", rel, "chunks", len(chunks))
	return nil
}

func (r *Reconciler) deletePath(ctx context.Context, tn tenant.Context, rel string, result *Result) error {
	if err := r.store.DeleteByPath(ctx, tn, rel); err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return err
		}
		result.Failed++
		result.Errors = append(result.Errors, PathError{Path: rel, Op: "delete", Err: err})
		return nil
	}
	result.Deleted++
	return nil
}

// readRelative reads a root-relative file through the restricted root, which
// prevents path traversal and symlink escapes.
func readRelative(dir *os.Root, rel string) ([]byte, error) {
	return dir.ReadFile(filepath.FromSlash(rel))
}

// listMarkdown walks the root and returns every Markdown path in slash form,
// skipping hidden directories.
func listMarkdown(dir *os.Root) ([]string, error) {
	var paths []string
	err := fs.WalkDir(dir.FS(), ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != "." && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".md") {
			paths = append(paths, filepath.ToSlash(path))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}
