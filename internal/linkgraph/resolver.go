// Package linkgraph answers bounded traversal queries over the directed
// graph of intra-corpus document references. The graph is derived lazily
// from stored document content, cached per tenant, and invalidated whenever
// the store commits a write for that tenant.
package linkgraph

import (
	"context"
	"fmt"
	"sync"

	"github.com/docgraph/docgraph/internal/log"
	"github.com/docgraph/docgraph/internal/markdown"
	"github.com/docgraph/docgraph/internal/store"
	"github.com/docgraph/docgraph/internal/tenant"
)

// Default traversal bounds.
const (
	DefaultMaxDepth      = 2
	DefaultMaxLinkedDocs = 5
)

// DocumentLister is the store projection the graph is built from.
type DocumentLister interface {
	ListDocuments(ctx context.Context, tn tenant.Context) ([]store.DocumentRef, error)
}

// Resolver builds and caches per-tenant link graphs.
type Resolver struct {
	docs   DocumentLister
	logger log.Logger

	mu    sync.Mutex
	cache map[string]adjacency // keyed by tenant key
}

// adjacency maps each path to its outgoing link targets in extraction order.
type adjacency map[string][]string

// NewResolver creates a Resolver. logger may be nil.
func NewResolver(docs DocumentLister, logger log.Logger) *Resolver {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Resolver{
		docs:   docs,
		logger: logger,
		cache:  make(map[string]adjacency),
	}
}

// Invalidate drops the cached graph for a tenant. The store's invalidation
// hook calls this after every write.
func (r *Resolver) Invalidate(tn tenant.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, tn.Key())
}

// Expand returns the paths reachable from roots via corpus links, in
// breadth-first discovery order (closest first), excluding the roots
// themselves. Traversal depth is bounded by maxDepth (default 2) and the
// result by maxDocs (default 5). Cycles terminate via the visited set and
// log a warning rather than erroring.
func (r *Resolver) Expand(ctx context.Context, tn tenant.Context, roots []string, maxDepth, maxDocs int) ([]string, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if maxDocs <= 0 {
		maxDocs = DefaultMaxLinkedDocs
	}

	graph, err := r.graphFor(ctx, tn)
	if err != nil {
		return nil, err
	}

	visited := make(map[string]struct{}, len(roots))
	type node struct {
		path  string
		depth int
	}
	queue := make([]node, 0, len(roots))
	for _, root := range roots {
		if _, seen := visited[root]; seen {
			continue
		}
		visited[root] = struct{}{}
		queue = append(queue, node{path: root})
	}

	var reachable []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}
		for _, target := range graph[cur.path] {
			if _, seen := visited[target]; seen {
				// Either a diamond or a genuine cycle; both stop here.
				r.logger.Warn("link graph revisit, stopping branch",
					"tenant", tn.Key(), "from", cur.path, "to", target)
				continue
			}
			visited[target] = struct{}{}
			if len(reachable) < maxDocs {
				reachable = append(reachable, target)
			}
			queue = append(queue, node{path: target, depth: cur.depth + 1})
		}
		if len(reachable) >= maxDocs {
			break
		}
	}

	return reachable, nil
}

// graphFor returns the tenant's adjacency, building and caching it on demand.
func (r *Resolver) graphFor(ctx context.Context, tn tenant.Context) (adjacency, error) {
	key := tn.Key()

	r.mu.Lock()
	if graph, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return graph, nil
	}
	r.mu.Unlock()

	refs, err := r.docs.ListDocuments(ctx, tn)
	if err != nil {
		return nil, fmt.Errorf("building link graph: %w", err)
	}

	graph := make(adjacency, len(refs))
	edges := 0
	for _, ref := range refs {
		targets := markdown.ExtractLinks(ref.Content, ref.RelativePath)
		if len(targets) == 0 {
			continue
		}
		graph[ref.RelativePath] = targets
		edges += len(targets)
	}

	r.mu.Lock()
	r.cache[key] = graph
	r.mu.Unlock()

	r.logger.Debug("link graph built",
		"tenant", key, "documents", len(refs), "edges", edges)
	return graph, nil
}
