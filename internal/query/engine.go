// Package query orchestrates retrieval: embed the query text, rank chunks by
// similarity, and for RAG mode expand the primary hits through the link
// graph into an assembled context string. Answer synthesis is the caller's
// concern; this package never generates text.
package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/docgraph/docgraph/internal/config"
	"github.com/docgraph/docgraph/internal/log"
	"github.com/docgraph/docgraph/internal/store"
	"github.com/docgraph/docgraph/internal/tenant"
)

// Searcher is the repository surface queries read from.
type Searcher interface {
	Search(ctx context.Context, tn tenant.Context, embedding []float32, opts ...store.SearchOption) ([]store.SearchResult, error)
	GetByPaths(ctx context.Context, tn tenant.Context, paths []string) ([]store.Document, error)
}

// Embedder produces the query embedding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// LinkExpander walks the tenant's link graph outward from the primary hits.
type LinkExpander interface {
	Expand(ctx context.Context, tn tenant.Context, roots []string, maxDepth, maxDocs int) ([]string, error)
}

// SettingsFunc resolves the effective query settings for a tenant key.
// config.(*Config).QueryFor satisfies it.
type SettingsFunc func(tenantKey string) config.QuerySettings

// Options are call-site overrides. Zero values inherit the tenant settings;
// MinRelevance uses a pointer so an explicit 0 can override upward defaults.
type Options struct {
	MaxResults    int
	MinRelevance  *float64
	MaxLinkedDocs int
	LinkMaxDepth  int
}

// Response is the structured retrieval result handed to the caller's
// synthesis step.
type Response struct {
	Primary []store.SearchResult
	Linked  []store.Document
	Context string
}

// Engine answers RAG queries and plain semantic searches.
type Engine struct {
	embedder Embedder
	searcher Searcher
	links    LinkExpander
	settings SettingsFunc
	logger   log.Logger
}

// New creates a query engine. logger may be nil.
func New(embedder Embedder, searcher Searcher, links LinkExpander, settings SettingsFunc, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Engine{
		embedder: embedder,
		searcher: searcher,
		links:    links,
		settings: settings,
		logger:   logger,
	}
}

// RAGQuery retrieves primary results and expands them through the link
// graph, merging linked documents into the assembled context.
func (e *Engine) RAGQuery(ctx context.Context, tn tenant.Context, text string, opts Options) (*Response, error) {
	settings := e.settings(tn.Key())
	resp, err := e.search(ctx, tn, text, opts, settings.MinRelevanceRAG, settings)
	if err != nil {
		return nil, err
	}
	if len(resp.Primary) == 0 {
		resp.Context = ""
		return resp, nil
	}

	roots := primaryPaths(resp.Primary)
	maxDepth := opts.LinkMaxDepth
	if maxDepth <= 0 {
		maxDepth = settings.LinkMaxDepth
	}
	maxDocs := opts.MaxLinkedDocs
	if maxDocs <= 0 {
		maxDocs = settings.MaxLinkedDocs
	}

	linked, err := e.links.Expand(ctx, tn, roots, maxDepth, maxDocs)
	if err != nil {
		// Retrieval still has value without expansion; degrade, don't fail.
		e.logger.Warn("link expansion failed", "tenant", tn.Key(), "error", err)
	} else if len(linked) > 0 {
		docs, err := e.searcher.GetByPaths(ctx, tn, linked)
		if err != nil {
			e.logger.Warn("fetching linked documents failed", "tenant", tn.Key(), "error", err)
		} else {
			resp.Linked = docs
		}
	}

	resp.Context = assembleContext(resp.Primary, resp.Linked)
	return resp, nil
}

// SemanticSearch retrieves ranked results without link expansion.
func (e *Engine) SemanticSearch(ctx context.Context, tn tenant.Context, text string, opts Options) (*Response, error) {
	settings := e.settings(tn.Key())
	resp, err := e.search(ctx, tn, text, opts, settings.MinRelevanceSearch, settings)
	if err != nil {
		return nil, err
	}
	resp.Context = assembleContext(resp.Primary, nil)
	return resp, nil
}

func (e *Engine) search(ctx context.Context, tn tenant.Context, text string, opts Options, minRelevance float64, settings config.QuerySettings) (*Response, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("query text must not be empty")
	}

	if opts.MinRelevance != nil {
		minRelevance = *opts.MinRelevance
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = settings.MaxResults
	}

	embedding, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	primary, err := e.searcher.Search(ctx, tn, embedding,
		store.WithLimit(maxResults),
		store.WithMinRelevance(minRelevance),
	)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	e.logger.Debug("query executed",
		"tenant", tn.Key(),
		"results", len(primary),
		"min_relevance", minRelevance,
	)
	return &Response{Primary: primary}, nil
}

// primaryPaths returns the distinct document paths of the primary results,
// in rank order.
func primaryPaths(results []store.SearchResult) []string {
	seen := make(map[string]struct{}, len(results))
	var paths []string
	for _, r := range results {
		if _, ok := seen[r.RelativePath]; ok {
			continue
		}
		seen[r.RelativePath] = struct{}{}
		paths = append(paths, r.RelativePath)
	}
	return paths
}

// assembleContext renders the retrieval outcome as one context string for an
// external synthesizer.
func assembleContext(primary []store.SearchResult, linked []store.Document) string {
	if len(primary) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, r := range primary {
		sb.WriteString("--- ")
		sb.WriteString(r.RelativePath)
		if r.HeadingPath != "" {
			sb.WriteString(" > ")
			sb.WriteString(r.HeadingPath)
		}
		fmt.Fprintf(&sb, " (score %.2f) ---\n", r.Score)
		sb.WriteString(strings.TrimRight(r.Content, "\n"))
		sb.WriteString("\n\n")
	}
	for _, d := range linked {
		sb.WriteString("--- linked: ")
		sb.WriteString(d.RelativePath)
		sb.WriteString(" ---\n")
		sb.WriteString(strings.TrimRight(d.Content, "\n"))
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}
