package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/docgraph/docgraph/internal/tenant"
)

// Document represents one indexed source file. Content-derived fields are
// written only by the reconciler; external callers may adjust PromotionLevel
// or issue deletes.
type Document struct {
	ID             uuid.UUID
	Tenant         tenant.Context
	RelativePath   string
	Content        string
	ContentHash    string
	PromotionLevel int
	ChunkCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Chunk is one embedded span of a document. Every document owns at least one
// chunk; a single-chunk document's chunk spans its whole content. Chunks are
// replaced as a full set on every content change, never patched in place.
type Chunk struct {
	ID             uuid.UUID
	DocumentID     uuid.UUID
	Index          int
	HeadingPath    string
	Content        string
	Embedding      []float32
	PromotionLevel int
}

// DocumentRef is the light projection the link graph builds from.
type DocumentRef struct {
	RelativePath string
	Content      string
}

// SearchResult is one ranked hit from a similarity search.
type SearchResult struct {
	DocumentID     uuid.UUID
	RelativePath   string
	ChunkIndex     int
	HeadingPath    string
	Content        string
	PromotionLevel int
	Score          float64
	UpdatedAt      time.Time
}

// SearchParams holds resolved search parameters.
type SearchParams struct {
	Limit        int
	MinRelevance float64
}

// SearchOption customizes a similarity search.
type SearchOption func(*SearchParams)

// WithLimit caps the number of results. Default 10.
func WithLimit(n int) SearchOption {
	return func(p *SearchParams) {
		if n > 0 {
			p.Limit = n
		}
	}
}

// WithMinRelevance sets the inclusive cosine-score floor. Default 0.
func WithMinRelevance(score float64) SearchOption {
	return func(p *SearchParams) {
		p.MinRelevance = score
	}
}

// ResolveSearchOptions applies opts over the defaults.
func ResolveSearchOptions(opts ...SearchOption) SearchParams {
	p := SearchParams{Limit: 10}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}
