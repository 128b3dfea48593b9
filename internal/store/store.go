// Package store is the tenant-scoped vector repository: the single owner of
// persisted index state. All mutation flows through its atomic upsert and
// delete operations; similarity search reads chunks joined to their owning
// documents and never crosses tenant boundaries.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/docgraph/docgraph/internal/log"
	"github.com/docgraph/docgraph/internal/tenant"
)

// Store provides tenant-scoped persistence over PostgreSQL with pgvector.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger

	mu          sync.RWMutex
	invalidated []func(tenant.Context)
}

// New creates a Store. logger may be nil.
func New(pool *pgxpool.Pool, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// OnInvalidate registers a hook called after every successful write for a
// tenant. The link graph cache subscribes here.
func (s *Store) OnInvalidate(fn func(tenant.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, fn)
}

func (s *Store) notifyInvalidate(tn tenant.Context) {
	s.mu.RLock()
	hooks := s.invalidated
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(tn)
	}
}

// Upsert atomically replaces a document row and its full chunk set.
//
// baseHash is the content hash the caller observed before producing chunks
// ("" for a new document). If the stored hash has since moved past baseHash,
// Upsert returns ErrConflict and writes nothing; if the stored hash already
// equals the new content hash, Upsert is a no-op. Either way no partial
// chunk set is ever visible.
func (s *Store) Upsert(ctx context.Context, doc *Document, chunks []Chunk, baseHash string) error {
	if len(chunks) == 0 {
		return fmt.Errorf("upsert %s: document must carry at least one chunk", doc.RelativePath)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", classify(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tn := doc.Tenant
	var existingID uuid.UUID
	var storedHash string
	err = tx.QueryRow(ctx, `
		SELECT id, content_hash FROM documents
		WHERE project_name = $1 AND branch_name = $2 AND path_hash = $3 AND relative_path = $4
		FOR UPDATE`,
		tn.Project, tn.Branch, tn.PathHash, doc.RelativePath,
	).Scan(&existingID, &storedHash)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if doc.ID == uuid.Nil {
			doc.ID = uuid.New()
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO documents (id, project_name, branch_name, path_hash, relative_path,
				content, content_hash, promotion_level, chunk_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING created_at, updated_at`,
			doc.ID, tn.Project, tn.Branch, tn.PathHash, doc.RelativePath,
			doc.Content, doc.ContentHash, doc.PromotionLevel, len(chunks),
		).Scan(&doc.CreatedAt, &doc.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert document %s: %w", doc.RelativePath, classify(err))
		}

	case err != nil:
		return fmt.Errorf("lock document %s: %w", doc.RelativePath, classify(err))

	case storedHash == doc.ContentHash:
		// Already at the target content. Idempotent no-op.
		s.logger.Debug("upsert skipped, hash unchanged",
			"tenant", tn.Key(), "path", doc.RelativePath)
		return nil

	case storedHash != baseHash:
		return fmt.Errorf("upsert %s: stored hash moved past base: %w",
			doc.RelativePath, ErrConflict)

	default:
		doc.ID = existingID
		err = tx.QueryRow(ctx, `
			UPDATE documents
			SET content = $2, content_hash = $3, promotion_level = $4,
				chunk_count = $5, updated_at = now()
			WHERE id = $1
			RETURNING created_at, updated_at`,
			doc.ID, doc.Content, doc.ContentHash, doc.PromotionLevel, len(chunks),
		).Scan(&doc.CreatedAt, &doc.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update document %s: %w", doc.RelativePath, classify(err))
		}
		if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, doc.ID); err != nil {
			return fmt.Errorf("clear chunks %s: %w", doc.RelativePath, classify(err))
		}
	}

	for i := range chunks {
		c := &chunks[i]
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.DocumentID = doc.ID
		c.PromotionLevel = doc.PromotionLevel
		_, err := tx.Exec(ctx, `
			INSERT INTO chunks (id, document_id, chunk_index, heading_path, content,
				embedding, promotion_level)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, c.DocumentID, c.Index, c.HeadingPath, c.Content,
			pgvector.NewVector(c.Embedding), c.PromotionLevel)
		if err != nil {
			return fmt.Errorf("insert chunk %d of %s: %w", c.Index, doc.RelativePath, classify(err))
		}
	}
	doc.ChunkCount = len(chunks)

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert %s: %w", doc.RelativePath, classify(err))
	}

	s.logger.Debug("document upserted",
		"tenant", tn.Key(), "path", doc.RelativePath, "chunks", len(chunks))
	s.notifyInvalidate(tn)
	return nil
}

// GetByPath returns the live document at path, or ErrNotFound.
func (s *Store) GetByPath(ctx context.Context, tn tenant.Context, path string) (*Document, error) {
	doc := Document{Tenant: tn, RelativePath: path}
	err := s.pool.QueryRow(ctx, `
		SELECT id, content, content_hash, promotion_level, chunk_count, created_at, updated_at
		FROM documents
		WHERE project_name = $1 AND branch_name = $2 AND path_hash = $3 AND relative_path = $4`,
		tn.Project, tn.Branch, tn.PathHash, path,
	).Scan(&doc.ID, &doc.Content, &doc.ContentHash, &doc.PromotionLevel,
		&doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, classify(err))
	}
	return &doc, nil
}

// GetByPaths bulk-fetches documents for link expansion. Paths with no live
// document are silently absent from the result; order follows the input.
func (s *Store) GetByPaths(ctx context.Context, tn tenant.Context, paths []string) ([]Document, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, relative_path, content, content_hash, promotion_level,
			chunk_count, created_at, updated_at
		FROM documents
		WHERE project_name = $1 AND branch_name = $2 AND path_hash = $3
			AND relative_path = ANY($4)`,
		tn.Project, tn.Branch, tn.PathHash, paths)
	if err != nil {
		return nil, fmt.Errorf("get by paths: %w", classify(err))
	}
	defer rows.Close()

	byPath := make(map[string]Document, len(paths))
	for rows.Next() {
		doc := Document{Tenant: tn}
		if err := rows.Scan(&doc.ID, &doc.RelativePath, &doc.Content, &doc.ContentHash,
			&doc.PromotionLevel, &doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", classify(err))
		}
		byPath[doc.RelativePath] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get by paths: %w", classify(err))
	}

	docs := make([]Document, 0, len(byPath))
	for _, p := range paths {
		if doc, ok := byPath[p]; ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// ListPaths returns path -> content hash for every live document of a
// tenant. The reconciler diffs this against disk state.
func (s *Store) ListPaths(ctx context.Context, tn tenant.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT relative_path, content_hash FROM documents
		WHERE project_name = $1 AND branch_name = $2 AND path_hash = $3`,
		tn.Project, tn.Branch, tn.PathHash)
	if err != nil {
		return nil, fmt.Errorf("list paths: %w", classify(err))
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, fmt.Errorf("scan path: %w", classify(err))
		}
		hashes[path] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list paths: %w", classify(err))
	}
	return hashes, nil
}

// ListDocuments returns the path+content projection the link graph is built
// from, ordered by path for determinism.
func (s *Store) ListDocuments(ctx context.Context, tn tenant.Context) ([]DocumentRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT relative_path, content FROM documents
		WHERE project_name = $1 AND branch_name = $2 AND path_hash = $3
		ORDER BY relative_path`,
		tn.Project, tn.Branch, tn.PathHash)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", classify(err))
	}
	defer rows.Close()

	var refs []DocumentRef
	for rows.Next() {
		var ref DocumentRef
		if err := rows.Scan(&ref.RelativePath, &ref.Content); err != nil {
			return nil, fmt.Errorf("scan document ref: %w", classify(err))
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: %w", classify(err))
	}
	return refs, nil
}

// Search ranks chunks by cosine similarity to the query embedding, filtered
// to the tenant, scores at or above the floor only, ties broken by most
// recent update.
func (s *Store) Search(ctx context.Context, tn tenant.Context, embedding []float32, opts ...SearchOption) ([]SearchResult, error) {
	params := ResolveSearchOptions(opts...)

	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.relative_path, c.chunk_index, c.heading_path, c.content,
			c.promotion_level, 1 - (c.embedding <=> $4) AS score, d.updated_at
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.project_name = $1 AND d.branch_name = $2 AND d.path_hash = $3
			AND 1 - (c.embedding <=> $4) >= $5
		ORDER BY score DESC, d.updated_at DESC
		LIMIT $6`,
		tn.Project, tn.Branch, tn.PathHash,
		pgvector.NewVector(embedding), params.MinRelevance, params.Limit)
	if err != nil {
		return nil, fmt.Errorf("search: %w", classify(err))
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.DocumentID, &r.RelativePath, &r.ChunkIndex, &r.HeadingPath,
			&r.Content, &r.PromotionLevel, &r.Score, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan search result: %w", classify(err))
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search: %w", classify(err))
	}

	s.logger.Debug("search completed",
		"tenant", tn.Key(), "results", len(results), "min_relevance", params.MinRelevance)
	return results, nil
}

// DeleteByPath removes a document and, via cascade, all its chunks.
// Deleting an unindexed path is an idempotent no-op.
func (s *Store) DeleteByPath(ctx context.Context, tn tenant.Context, path string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM documents
		WHERE project_name = $1 AND branch_name = $2 AND path_hash = $3 AND relative_path = $4`,
		tn.Project, tn.Branch, tn.PathHash, path)
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, classify(err))
	}
	if tag.RowsAffected() > 0 {
		s.logger.Debug("document deleted", "tenant", tn.Key(), "path", path)
		s.notifyInvalidate(tn)
	}
	return nil
}

// DeleteByTenant removes every document of a tenant, returning the count.
func (s *Store) DeleteByTenant(ctx context.Context, tn tenant.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM documents
		WHERE project_name = $1 AND branch_name = $2 AND path_hash = $3`,
		tn.Project, tn.Branch, tn.PathHash)
	if err != nil {
		return 0, fmt.Errorf("delete tenant %s: %w", tn.Key(), classify(err))
	}
	count := tag.RowsAffected()
	if count > 0 {
		s.logger.Info("tenant purged", "tenant", tn.Key(), "documents", count)
		s.notifyInvalidate(tn)
	}
	return count, nil
}

// UpdatePromotionLevel sets the promotion level on a document and all its
// chunks in one transaction. Embeddings and content are untouched. Returns
// ErrNotFound when the path has no live document.
func (s *Store) UpdatePromotionLevel(ctx context.Context, tn tenant.Context, path string, level int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin promotion update: %w", classify(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var docID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE documents SET promotion_level = $5, updated_at = now()
		WHERE project_name = $1 AND branch_name = $2 AND path_hash = $3 AND relative_path = $4
		RETURNING id`,
		tn.Project, tn.Branch, tn.PathHash, path, level,
	).Scan(&docID)
	if err != nil {
		return fmt.Errorf("promote %s: %w", path, classify(err))
	}

	if _, err := tx.Exec(ctx,
		`UPDATE chunks SET promotion_level = $2 WHERE document_id = $1`, docID, level); err != nil {
		return fmt.Errorf("promote chunks of %s: %w", path, classify(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit promotion %s: %w", path, classify(err))
	}

	s.logger.Debug("promotion level updated",
		"tenant", tn.Key(), "path", path, "level", level)
	s.notifyInvalidate(tn)
	return nil
}

// CountByTenant returns live document and chunk counts for a tenant.
func (s *Store) CountByTenant(ctx context.Context, tn tenant.Context) (docs, chunks int64, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT count(d.id), coalesce(sum(d.chunk_count), 0)
		FROM documents d
		WHERE d.project_name = $1 AND d.branch_name = $2 AND d.path_hash = $3`,
		tn.Project, tn.Branch, tn.PathHash,
	).Scan(&docs, &chunks)
	if err != nil {
		return 0, 0, fmt.Errorf("count tenant %s: %w", tn.Key(), classify(err))
	}
	return docs, chunks, nil
}
