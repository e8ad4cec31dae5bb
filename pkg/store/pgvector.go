package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/xhad/capture/internal/models"
	"github.com/xhad/capture/internal/types"
)

type PgVectorConfig struct {
	ConnString  string
	TablePrefix string
	VectorDim   int
}

// PgVectorStore persists documents and chunks in PostgreSQL, with pgvector
// for approximate nearest-neighbor search and tsvector for keyword search.
type PgVectorStore struct {
	config PgVectorConfig
	pool   *pgxpool.Pool
	docs   string // documents table name
	chunks string // chunks table name
}

var _ types.Driver = (*PgVectorStore)(nil)

func NewPgVector(ctx context.Context, config PgVectorConfig) (*PgVectorStore, error) {
	if config.TablePrefix == "" {
		config.TablePrefix = "capture"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	vs := &PgVectorStore{
		config: config,
		pool:   pool,
		docs:   config.TablePrefix + "_documents",
		chunks: config.TablePrefix + "_chunks",
	}

	if err := vs.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

func (vs *PgVectorStore) initialize(ctx context.Context) error {
	// Enable pgvector extension
	if _, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %v", err)
	}

	statements := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			original_content TEXT NOT NULL,
			processed_content TEXT,
			doc_type TEXT NOT NULL,
			source_url TEXT,
			metadata JSONB,
			tags TEXT[],
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, vs.docs),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			embedding vector(%d),
			embedding_model TEXT,
			embedding_version INTEGER
		)`, vs.chunks, vs.docs, vs.config.VectorDim),
		fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_idx
		ON %s
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`, vs.chunks, vs.chunks),
		fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_content_fts_idx
		ON %s
		USING gin (to_tsvector('english', content))`, vs.chunks, vs.chunks),
		fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_due_idx
		ON %s (status, next_attempt_at)`, vs.docs, vs.docs),
	}

	for _, stmt := range statements {
		if _, err := vs.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %v", err)
		}
	}

	return nil
}

func (vs *PgVectorStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	stmt := fmt.Sprintf(`
		INSERT INTO %s
		(id, title, original_content, processed_content, doc_type, source_url,
		 metadata, tags, status, retry_count, next_attempt_at, last_error,
		 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		vs.docs)

	_, err := vs.pool.Exec(ctx, stmt,
		doc.ID,
		sanitizeUTF8(doc.Title),
		sanitizeUTF8(doc.OriginalContent),
		doc.ProcessedContent,
		doc.DocType,
		doc.SourceURL,
		doc.Metadata,
		doc.Tags,
		string(doc.Status),
		doc.RetryCount,
		nullableTime(doc.NextAttemptAt),
		doc.LastError,
		doc.CreatedAt,
		doc.UpdatedAt,
	)
	if err != nil {
		return types.Unavailable("store create", err)
	}
	return nil
}

func (vs *PgVectorStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	stmt := fmt.Sprintf(`
		SELECT id, title, original_content, processed_content, doc_type,
		       COALESCE(source_url, ''), metadata, tags, status, retry_count,
		       next_attempt_at, COALESCE(last_error, ''), created_at, updated_at
		FROM %s WHERE id = $1`, vs.docs)

	var doc models.Document
	var status string
	var nextAttempt *time.Time
	err := vs.pool.QueryRow(ctx, stmt, id).Scan(
		&doc.ID, &doc.Title, &doc.OriginalContent, &doc.ProcessedContent,
		&doc.DocType, &doc.SourceURL, &doc.Metadata, &doc.Tags, &status,
		&doc.RetryCount, &nextAttempt, &doc.LastError, &doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, types.Unavailable("store get", err)
	}
	doc.Status = models.Status(status)
	if nextAttempt != nil {
		doc.NextAttemptAt = *nextAttempt
	}
	return &doc, nil
}

func (vs *PgVectorStore) UpdateStatus(ctx context.Context, id string, status models.Status, retryCount int, nextAttemptAt time.Time, lastError string) error {
	stmt := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, retry_count = $3, next_attempt_at = $4,
		    last_error = $5, updated_at = now()
		WHERE id = $1`, vs.docs)

	tag, err := vs.pool.Exec(ctx, stmt, id, string(status), retryCount,
		nullableTime(nextAttemptAt), lastError)
	if err != nil {
		return types.Unavailable("store update status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (vs *PgVectorStore) DuePending(ctx context.Context, now time.Time, limit int) ([]*models.Document, error) {
	stmt := fmt.Sprintf(`
		SELECT id, title, original_content, processed_content, doc_type,
		       COALESCE(source_url, ''), metadata, tags, status, retry_count,
		       next_attempt_at, COALESCE(last_error, ''), created_at, updated_at
		FROM %s
		WHERE status = 'pending'
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY created_at
		LIMIT $2`, vs.docs)

	rows, err := vs.pool.Query(ctx, stmt, now, limit)
	if err != nil {
		return nil, types.Unavailable("store due pending", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		var doc models.Document
		var status string
		var nextAttempt *time.Time
		err := rows.Scan(
			&doc.ID, &doc.Title, &doc.OriginalContent, &doc.ProcessedContent,
			&doc.DocType, &doc.SourceURL, &doc.Metadata, &doc.Tags, &status,
			&doc.RetryCount, &nextAttempt, &doc.LastError, &doc.CreatedAt,
			&doc.UpdatedAt,
		)
		if err != nil {
			return nil, types.Unavailable("store due pending", err)
		}
		doc.Status = models.Status(status)
		if nextAttempt != nil {
			doc.NextAttemptAt = *nextAttempt
		}
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Unavailable("store due pending", err)
	}
	return docs, nil
}

func (vs *PgVectorStore) ListDocuments(ctx context.Context, limit, offset int) ([]*models.Document, error) {
	stmt := fmt.Sprintf(`
		SELECT id, title, original_content, processed_content, doc_type,
		       COALESCE(source_url, ''), metadata, tags, status, retry_count,
		       next_attempt_at, COALESCE(last_error, ''), created_at, updated_at
		FROM %s
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, vs.docs)

	rows, err := vs.pool.Query(ctx, stmt, limit, offset)
	if err != nil {
		return nil, types.Unavailable("store list", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		var doc models.Document
		var status string
		var nextAttempt *time.Time
		err := rows.Scan(
			&doc.ID, &doc.Title, &doc.OriginalContent, &doc.ProcessedContent,
			&doc.DocType, &doc.SourceURL, &doc.Metadata, &doc.Tags, &status,
			&doc.RetryCount, &nextAttempt, &doc.LastError, &doc.CreatedAt,
			&doc.UpdatedAt,
		)
		if err != nil {
			return nil, types.Unavailable("store list", err)
		}
		doc.Status = models.Status(status)
		if nextAttempt != nil {
			doc.NextAttemptAt = *nextAttempt
		}
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Unavailable("store list", err)
	}
	return docs, nil
}

// Write replaces the document's chunk set and marks it completed in one
// transaction, so the retrieval side never sees a partial chunk set.
func (vs *PgVectorStore) Write(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return types.Unavailable("store write", err)
	}
	defer tx.Rollback(ctx)

	update := fmt.Sprintf(`
		UPDATE %s
		SET processed_content = $2, tags = $3, status = $4,
		    retry_count = $5, next_attempt_at = NULL, last_error = '',
		    updated_at = now()
		WHERE id = $1`, vs.docs)
	if _, err := tx.Exec(ctx, update, doc.ID, doc.ProcessedContent, doc.Tags,
		string(models.StatusCompleted), doc.RetryCount); err != nil {
		return types.Unavailable("store write", err)
	}

	// Discard chunks from any prior attempt before inserting the new set.
	if _, err := tx.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE document_id = $1", vs.chunks),
		doc.ID); err != nil {
		return types.Unavailable("store write", err)
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s
		(id, document_id, content, chunk_index, embedding, embedding_model, embedding_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, vs.chunks)
	for _, chunk := range chunks {
		_, err := tx.Exec(ctx, insert,
			chunk.ID,
			chunk.DocumentID,
			sanitizeUTF8(chunk.Content),
			chunk.ChunkIndex,
			pgvector.NewVector(chunk.Embedding),
			chunk.EmbeddingModel,
			chunk.EmbeddingVersion,
		)
		if err != nil {
			return types.Unavailable("store write", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Unavailable("store write", err)
	}
	return nil
}

func (vs *PgVectorStore) VectorSearch(ctx context.Context, embedding []float32, topK int, filters types.SearchFilters) ([]types.ScoredChunk, error) {
	where, args := vs.filterClauses(filters, 2)

	stmt := fmt.Sprintf(`
		SELECT c.id, c.document_id, c.content, c.chunk_index,
		       c.embedding_model, c.embedding_version,
		       d.title, d.tags, d.created_at,
		       1 - (c.embedding <=> $1) AS score
		FROM %s c
		JOIN %s d ON d.id = c.document_id
		WHERE d.status = 'completed' AND c.embedding IS NOT NULL%s
		ORDER BY c.embedding <=> $1
		LIMIT %d`, vs.chunks, vs.docs, where, topK)

	queryArgs := append([]interface{}{pgvector.NewVector(embedding)}, args...)
	return vs.scanScored(ctx, stmt, queryArgs)
}

func (vs *PgVectorStore) KeywordSearch(ctx context.Context, query string, topK int, filters types.SearchFilters) ([]types.ScoredChunk, error) {
	where, args := vs.filterClauses(filters, 2)

	stmt := fmt.Sprintf(`
		SELECT c.id, c.document_id, c.content, c.chunk_index,
		       c.embedding_model, c.embedding_version,
		       d.title, d.tags, d.created_at,
		       ts_rank(to_tsvector('english', c.content), plainto_tsquery('english', $1)) AS score
		FROM %s c
		JOIN %s d ON d.id = c.document_id
		WHERE d.status = 'completed'
		  AND to_tsvector('english', c.content) @@ plainto_tsquery('english', $1)%s
		ORDER BY score DESC
		LIMIT %d`, vs.chunks, vs.docs, where, topK)

	queryArgs := append([]interface{}{query}, args...)
	return vs.scanScored(ctx, stmt, queryArgs)
}

// filterClauses renders the pushed-down filter predicates starting at the
// given placeholder ordinal.
func (vs *PgVectorStore) filterClauses(filters types.SearchFilters, next int) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if len(filters.DocTypes) > 0 {
		clauses = append(clauses, fmt.Sprintf("d.doc_type = ANY($%d)", next))
		args = append(args, filters.DocTypes)
		next++
	}
	if len(filters.Tags) > 0 {
		clauses = append(clauses, fmt.Sprintf("d.tags && $%d", next))
		args = append(args, filters.Tags)
		next++
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

func (vs *PgVectorStore) scanScored(ctx context.Context, stmt string, args []interface{}) ([]types.ScoredChunk, error) {
	rows, err := vs.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, types.Unavailable("store search", err)
	}
	defer rows.Close()

	var results []types.ScoredChunk
	for rows.Next() {
		var sc types.ScoredChunk
		err := rows.Scan(
			&sc.Chunk.ID, &sc.Chunk.DocumentID, &sc.Chunk.Content,
			&sc.Chunk.ChunkIndex, &sc.Chunk.EmbeddingModel,
			&sc.Chunk.EmbeddingVersion, &sc.DocumentTitle, &sc.DocumentTags,
			&sc.CreatedAt, &sc.Score,
		)
		if err != nil {
			return nil, types.Unavailable("store search", err)
		}
		results = append(results, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Unavailable("store search", err)
	}
	return results, nil
}

func (vs *PgVectorStore) Count(ctx context.Context) (int, error) {
	var count int
	err := vs.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT count(*) FROM %s", vs.docs)).Scan(&count)
	if err != nil {
		return 0, types.Unavailable("store count", err)
	}
	return count, nil
}

func (vs *PgVectorStore) Delete(ctx context.Context, documentID string) error {
	// Chunks cascade from the foreign key.
	tag, err := vs.pool.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = $1", vs.docs), documentID)
	if err != nil {
		return types.Unavailable("store delete", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (vs *PgVectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func sanitizeUTF8(s string) string {
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}
			v = append(v, r)
		}
		return string(v)
	}
	return s
}
