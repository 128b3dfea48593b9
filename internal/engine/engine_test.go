package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/docgraph/docgraph/internal/config"
	"github.com/docgraph/docgraph/internal/log"
	"github.com/docgraph/docgraph/internal/query"
	"github.com/docgraph/docgraph/internal/store"
	"github.com/docgraph/docgraph/internal/tenant"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRepo is an in-memory Repository. The watch worker writes from its own
// goroutine, so every method locks.
type fakeRepo struct {
	mu     sync.Mutex
	docs   map[string]*store.Document // tenantKey + "\x00" + path
	chunks map[string][]store.Chunk
	hooks  []func(tenant.Context)
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		docs:   make(map[string]*store.Document),
		chunks: make(map[string][]store.Chunk),
	}
}

func key(tn tenant.Context, path string) string { return tn.Key() + "\x00" + path }

func (f *fakeRepo) Upsert(_ context.Context, doc *store.Document, chunks []store.Chunk, baseHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(doc.Tenant, doc.RelativePath)
	if existing, ok := f.docs[k]; ok {
		if existing.ContentHash == doc.ContentHash {
			return nil
		}
		if existing.ContentHash != baseHash {
			return store.ErrConflict
		}
	}
	cp := *doc
	cp.UpdatedAt = time.Now()
	f.docs[k] = &cp
	f.chunks[k] = chunks
	f.notify(doc.Tenant)
	return nil
}

func (f *fakeRepo) GetByPath(_ context.Context, tn tenant.Context, path string) (*store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[key(tn, path)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeRepo) GetByPaths(_ context.Context, tn tenant.Context, paths []string) ([]store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Document
	for _, p := range paths {
		if doc, ok := f.docs[key(tn, p)]; ok {
			out = append(out, *doc)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListPaths(_ context.Context, tn tenant.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for _, doc := range f.docs {
		if doc.Tenant.Key() == tn.Key() {
			out[doc.RelativePath] = doc.ContentHash
		}
	}
	return out, nil
}

func (f *fakeRepo) ListDocuments(_ context.Context, tn tenant.Context) ([]store.DocumentRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var refs []store.DocumentRef
	for _, doc := range f.docs {
		if doc.Tenant.Key() == tn.Key() {
			refs = append(refs, store.DocumentRef{RelativePath: doc.RelativePath, Content: doc.Content})
		}
	}
	return refs, nil
}

func (f *fakeRepo) Search(_ context.Context, tn tenant.Context, _ []float32, opts ...store.SearchOption) ([]store.SearchResult, error) {
	params := store.ResolveSearchOptions(opts...)
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []store.SearchResult
	for k, doc := range f.docs {
		if doc.Tenant.Key() != tn.Key() {
			continue
		}
		for _, c := range f.chunks[k] {
			score := 0.9
			if score < params.MinRelevance {
				continue
			}
			results = append(results, store.SearchResult{
				RelativePath: doc.RelativePath,
				ChunkIndex:   c.Index,
				HeadingPath:  c.HeadingPath,
				Content:      c.Content,
				Score:        score,
			})
			if len(results) >= params.Limit {
				return results, nil
			}
		}
	}
	return results, nil
}

func (f *fakeRepo) DeleteByPath(_ context.Context, tn tenant.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(tn, path)
	delete(f.docs, k)
	delete(f.chunks, k)
	f.notify(tn)
	return nil
}

func (f *fakeRepo) DeleteByTenant(_ context.Context, tn tenant.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, doc := range f.docs {
		if doc.Tenant.Key() == tn.Key() {
			delete(f.docs, k)
			delete(f.chunks, k)
			n++
		}
	}
	f.notify(tn)
	return n, nil
}

func (f *fakeRepo) UpdatePromotionLevel(_ context.Context, tn tenant.Context, path string, level int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(tn, path)
	doc, ok := f.docs[k]
	if !ok {
		return store.ErrNotFound
	}
	doc.PromotionLevel = level
	for i := range f.chunks[k] {
		f.chunks[k][i].PromotionLevel = level
	}
	f.notify(tn)
	return nil
}

func (f *fakeRepo) CountByTenant(_ context.Context, tn tenant.Context) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var docs, chunks int64
	for k, doc := range f.docs {
		if doc.Tenant.Key() == tn.Key() {
			docs++
			chunks += int64(len(f.chunks[k]))
		}
	}
	return docs, chunks, nil
}

func (f *fakeRepo) OnInvalidate(fn func(tenant.Context)) {
	f.hooks = append(f.hooks, fn)
}

// notify runs with f.mu held; the only hook is the link-graph invalidation,
// which takes its own lock and never calls back into the repo.
func (f *fakeRepo) notify(tn tenant.Context) {
	for _, fn := range f.hooks {
		fn(tn)
	}
}

func (f *fakeRepo) paths(tn tenant.Context) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, doc := range f.docs {
		if doc.Tenant.Key() == tn.Key() {
			out = append(out, doc.RelativePath)
		}
	}
	return out
}

// gatedRepo pauses the first ListPaths call so tests can interleave
// filesystem writes with an in-flight full reconciliation.
type gatedRepo struct {
	*fakeRepo
	listed  chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedRepo) ListPaths(ctx context.Context, tn tenant.Context) (map[string]string, error) {
	g.once.Do(func() {
		close(g.listed)
		<-g.release
	})
	return g.fakeRepo.ListPaths(ctx, tn)
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Sync: config.SyncConfig{
			DebounceMs:          25,
			ChunkThresholdLines: config.DefaultChunkThresholdLines,
		},
		Query: config.QuerySettings{
			MinRelevanceRAG:    config.DefaultMinRelevanceRAG,
			MinRelevanceSearch: config.DefaultMinRelevanceSearch,
			MaxResults:         config.DefaultMaxResults,
			MaxLinkedDocs:      config.DefaultMaxLinkedDocs,
			LinkMaxDepth:       config.DefaultLinkMaxDepth,
		},
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestEngine(t *testing.T) (*Engine, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	e := New(repo, fixedEmbedder{}, testConfig(), log.NewNop())
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e, repo
}

func TestActivateProject(t *testing.T) {
	ctx := context.Background()

	t.Run("missing root fails early", func(t *testing.T) {
		e, _ := newTestEngine(t)
		_, err := e.ActivateProject(ctx, "docs", "main", filepath.Join(t.TempDir(), "nope"))
		assert.ErrorIs(t, err, ErrInvalidRoot)
	})

	t.Run("file as root fails early", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "a.md", "# A\n")
		e, _ := newTestEngine(t)
		_, err := e.ActivateProject(ctx, "docs", "main", filepath.Join(root, "a.md"))
		assert.ErrorIs(t, err, ErrInvalidRoot)
	})

	t.Run("initial reconcile indexes the tree", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "readme.md", "# Readme\n")
		writeFile(t, root, "docs/setup.md", "# Setup\n")
		e, repo := newTestEngine(t)

		result, err := e.ActivateProject(ctx, "docs", "main", root)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Indexed)

		tn, err := tenant.New("docs", "main", root)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"readme.md", "docs/setup.md"}, repo.paths(tn))
	})

	t.Run("double activation rejected", func(t *testing.T) {
		root := t.TempDir()
		e, _ := newTestEngine(t)
		_, err := e.ActivateProject(ctx, "docs", "main", root)
		require.NoError(t, err)
		_, err = e.ActivateProject(ctx, "docs", "main", root)
		assert.ErrorContains(t, err, "already active")
	})

	t.Run("same project on two branches activates twice", func(t *testing.T) {
		rootA, rootB := t.TempDir(), t.TempDir()
		e, _ := newTestEngine(t)
		_, err := e.ActivateProject(ctx, "docs", "main", rootA)
		require.NoError(t, err)
		_, err = e.ActivateProject(ctx, "docs", "feature", rootB)
		require.NoError(t, err)
		assert.Len(t, e.ActiveProjects(), 2)
	})
}

func TestWatchLoop(t *testing.T) {
	if testing.Short() {
		t.Skip("filesystem watch test")
	}
	ctx := context.Background()

	t.Run("new file is indexed after the window settles", func(t *testing.T) {
		root := t.TempDir()
		e, repo := newTestEngine(t)
		_, err := e.ActivateProject(ctx, "docs", "main", root)
		require.NoError(t, err)
		tn, err := tenant.New("docs", "main", root)
		require.NoError(t, err)

		writeFile(t, root, "new.md", "# New\n")

		assert.Eventually(t, func() bool {
			doc, err := repo.GetByPath(ctx, tn, "new.md")
			return err == nil && doc.Content == "# New\n"
		}, 3*time.Second, 20*time.Millisecond)
	})

	t.Run("file written during the initial pass is indexed", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "first.md", "# First\n")

		repo := newFakeRepo()
		gated := &gatedRepo{fakeRepo: repo, listed: make(chan struct{}), release: make(chan struct{})}
		e := New(gated, fixedEmbedder{}, testConfig(), log.NewNop())
		t.Cleanup(func() { require.NoError(t, e.Close()) })

		done := make(chan error, 1)
		go func() {
			_, err := e.ActivateProject(ctx, "docs", "main", root)
			done <- err
		}()

		// The full pass has already listed the tree and is paused here, so
		// this write can only reach the index through the watch loop.
		<-gated.listed
		writeFile(t, root, "during.md", "# During\n")
		close(gated.release)
		require.NoError(t, <-done)

		tn, err := tenant.New("docs", "main", root)
		require.NoError(t, err)
		assert.Eventually(t, func() bool {
			_, err := repo.GetByPath(ctx, tn, "during.md")
			return err == nil
		}, 3*time.Second, 20*time.Millisecond)
	})

	t.Run("deleted file leaves the index", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "gone.md", "# Gone\n")
		e, repo := newTestEngine(t)
		_, err := e.ActivateProject(ctx, "docs", "main", root)
		require.NoError(t, err)
		tn, err := tenant.New("docs", "main", root)
		require.NoError(t, err)

		require.NoError(t, os.Remove(filepath.Join(root, "gone.md")))

		assert.Eventually(t, func() bool {
			_, err := repo.GetByPath(ctx, tn, "gone.md")
			return err != nil
		}, 3*time.Second, 20*time.Millisecond)
	})
}

func TestOperations(t *testing.T) {
	ctx := context.Background()

	activate := func(t *testing.T) (*Engine, *fakeRepo, tenant.Context) {
		t.Helper()
		root := t.TempDir()
		writeFile(t, root, "guide.md", "# Guide\n\nConfigure via [api](api.md).\n")
		writeFile(t, root, "api.md", "# API\n")
		e, repo := newTestEngine(t)
		_, err := e.ActivateProject(ctx, "docs", "main", root)
		require.NoError(t, err)
		tn, err := tenant.New("docs", "main", root)
		require.NoError(t, err)
		return e, repo, tn
	}

	t.Run("IndexDocument requires an active project", func(t *testing.T) {
		e, _ := newTestEngine(t)
		tn, err := tenant.New("docs", "main", t.TempDir())
		require.NoError(t, err)
		_, err = e.IndexDocument(ctx, tn, "a.md")
		assert.ErrorIs(t, err, ErrNotActive)
	})

	t.Run("RAGQuery returns primary hits with linked context", func(t *testing.T) {
		e, _, tn := activate(t)
		resp, err := e.RAGQuery(ctx, tn, "how do I configure", query.Options{})
		require.NoError(t, err)
		assert.NotEmpty(t, resp.Primary)
		assert.NotEmpty(t, resp.Context)
	})

	t.Run("SemanticSearch honors the lower default floor", func(t *testing.T) {
		e, _, tn := activate(t)
		resp, err := e.SemanticSearch(ctx, tn, "api", query.Options{})
		require.NoError(t, err)
		assert.NotEmpty(t, resp.Primary)
		assert.Empty(t, resp.Linked)
	})

	t.Run("DeleteDocuments by path and all", func(t *testing.T) {
		e, repo, tn := activate(t)
		n, err := e.DeleteDocuments(ctx, tn, []string{"api.md"})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		assert.ElementsMatch(t, []string{"guide.md"}, repo.paths(tn))

		n, err = e.DeleteDocuments(ctx, tn, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		assert.Empty(t, repo.paths(tn))
	})

	t.Run("UpdatePromotionLevel propagates to chunks", func(t *testing.T) {
		e, repo, tn := activate(t)
		require.NoError(t, e.UpdatePromotionLevel(ctx, tn, "guide.md", 2))
		doc, err := repo.GetByPath(ctx, tn, "guide.md")
		require.NoError(t, err)
		assert.Equal(t, 2, doc.PromotionLevel)

		err = e.UpdatePromotionLevel(ctx, tn, "absent.md", 1)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Stats counts documents and chunks", func(t *testing.T) {
		e, _, tn := activate(t)
		stats, err := e.Stats(ctx, tn)
		require.NoError(t, err)
		assert.EqualValues(t, 2, stats.Documents)
		assert.GreaterOrEqual(t, stats.Chunks, stats.Documents)
	})
}

func TestClose(t *testing.T) {
	ctx := context.Background()

	t.Run("operations return ErrShutdown after Close", func(t *testing.T) {
		root := t.TempDir()
		repo := newFakeRepo()
		e := New(repo, fixedEmbedder{}, testConfig(), log.NewNop())
		_, err := e.ActivateProject(ctx, "docs", "main", root)
		require.NoError(t, err)
		tn, err := tenant.New("docs", "main", root)
		require.NoError(t, err)

		require.NoError(t, e.Close())

		_, err = e.RAGQuery(ctx, tn, "q", query.Options{})
		assert.ErrorIs(t, err, ErrShutdown)
		_, err = e.SemanticSearch(ctx, tn, "q", query.Options{})
		assert.ErrorIs(t, err, ErrShutdown)
		_, err = e.DeleteDocuments(ctx, tn, nil)
		assert.ErrorIs(t, err, ErrShutdown)
		_, err = e.Stats(ctx, tn)
		assert.ErrorIs(t, err, ErrShutdown)
		_, err = e.IndexDocument(ctx, tn, "a.md")
		assert.ErrorIs(t, err, ErrShutdown)
		_, err = e.ActivateProject(ctx, "docs", "other", root)
		assert.ErrorIs(t, err, ErrShutdown)
	})

	t.Run("Close is idempotent", func(t *testing.T) {
		e := New(newFakeRepo(), fixedEmbedder{}, testConfig(), log.NewNop())
		require.NoError(t, e.Close())
		require.NoError(t, e.Close())
	})
}
