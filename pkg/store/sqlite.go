package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/xhad/capture/internal/models"
	"github.com/xhad/capture/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    original_content TEXT NOT NULL,
    processed_content TEXT,
    doc_type TEXT NOT NULL,
    source_url TEXT,
    metadata TEXT,
    tags TEXT,
    status TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    next_attempt_at TEXT,
    last_error TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
    id TEXT PRIMARY KEY,
    document_id TEXT NOT NULL,
    content TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    embedding BLOB,
    embedding_model TEXT,
    embedding_version INTEGER,
    FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
);

CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(chunk_id UNINDEXED, content);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_documents_due ON documents(status, next_attempt_at);
`

// SQLiteStore is the embedded backend. Keyword search uses FTS5; vector
// search deserializes chunk embeddings and scans with cosine similarity,
// which is adequate at single-node corpus sizes.
type SQLiteStore struct {
	conn *sql.DB
}

var _ types.Driver = (*SQLiteStore)(nil)

func NewSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := conn.Exec(sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{conn: conn}, nil
}

func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	metadata, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return err
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO documents
		(id, title, original_content, processed_content, doc_type, source_url,
		 metadata, tags, status, retry_count, next_attempt_at, last_error,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.OriginalContent, doc.ProcessedContent,
		doc.DocType, doc.SourceURL, metadata, strings.Join(doc.Tags, ","),
		string(doc.Status), doc.RetryCount, encodeTime(doc.NextAttemptAt),
		doc.LastError, encodeTime(doc.CreatedAt), encodeTime(doc.UpdatedAt))
	if err != nil {
		return types.Unavailable("store create", err)
	}
	return nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, title, original_content, processed_content, doc_type,
		       COALESCE(source_url, ''), COALESCE(metadata, ''),
		       COALESCE(tags, ''), status, retry_count,
		       COALESCE(next_attempt_at, ''), COALESCE(last_error, ''),
		       created_at, updated_at
		FROM documents WHERE id = ?`, id)

	doc, err := scanSQLiteDocument(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, types.Unavailable("store get", err)
	}
	return doc, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status models.Status, retryCount int, nextAttemptAt time.Time, lastError string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE documents
		SET status = ?, retry_count = ?, next_attempt_at = ?, last_error = ?,
		    updated_at = ?
		WHERE id = ?`,
		string(status), retryCount, encodeTime(nextAttemptAt), lastError,
		encodeTime(time.Now().UTC()), id)
	if err != nil {
		return types.Unavailable("store update status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return types.Unavailable("store update status", err)
	}
	if affected == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DuePending(ctx context.Context, now time.Time, limit int) ([]*models.Document, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, title, original_content, processed_content, doc_type,
		       COALESCE(source_url, ''), COALESCE(metadata, ''),
		       COALESCE(tags, ''), status, retry_count,
		       COALESCE(next_attempt_at, ''), COALESCE(last_error, ''),
		       created_at, updated_at
		FROM documents
		WHERE status = 'pending'
		  AND (next_attempt_at IS NULL OR next_attempt_at = '' OR next_attempt_at <= ?)
		ORDER BY created_at
		LIMIT ?`, encodeTime(now), limit)
	if err != nil {
		return nil, types.Unavailable("store due pending", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanSQLiteDocument(rows.Scan)
		if err != nil {
			return nil, types.Unavailable("store due pending", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Unavailable("store due pending", err)
	}
	return docs, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, limit, offset int) ([]*models.Document, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, title, original_content, processed_content, doc_type,
		       COALESCE(source_url, ''), COALESCE(metadata, ''),
		       COALESCE(tags, ''), status, retry_count,
		       COALESCE(next_attempt_at, ''), COALESCE(last_error, ''),
		       created_at, updated_at
		FROM documents
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, types.Unavailable("store list", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanSQLiteDocument(rows.Scan)
		if err != nil {
			return nil, types.Unavailable("store list", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Unavailable("store list", err)
	}
	return docs, nil
}

// Write replaces the chunk set and the completed status in one transaction;
// the FTS index is maintained in the same transaction so keyword search can
// never observe a partially indexed document.
func (s *SQLiteStore) Write(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.Unavailable("store write", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET processed_content = ?, tags = ?, status = ?, retry_count = ?,
		    next_attempt_at = '', last_error = '', updated_at = ?
		WHERE id = ?`,
		doc.ProcessedContent, strings.Join(doc.Tags, ","),
		string(models.StatusCompleted), doc.RetryCount,
		encodeTime(time.Now().UTC()), doc.ID); err != nil {
		return types.Unavailable("store write", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks_fts WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`,
		doc.ID); err != nil {
		return types.Unavailable("store write", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = ?`, doc.ID); err != nil {
		return types.Unavailable("store write", err)
	}

	for _, chunk := range chunks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks
			(id, document_id, content, chunk_index, embedding, embedding_model, embedding_version)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			chunk.ID, chunk.DocumentID, chunk.Content, chunk.ChunkIndex,
			serializeVector(chunk.Embedding), chunk.EmbeddingModel,
			chunk.EmbeddingVersion); err != nil {
			return types.Unavailable("store write", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)`,
			chunk.ID, chunk.Content); err != nil {
			return types.Unavailable("store write", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return types.Unavailable("store write", err)
	}
	return nil
}

func (s *SQLiteStore) VectorSearch(ctx context.Context, embedding []float32, topK int, filters types.SearchFilters) ([]types.ScoredChunk, error) {
	where, args := sqliteFilterClauses(filters)

	rows, err := s.conn.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.content, c.chunk_index, c.embedding,
		       COALESCE(c.embedding_model, ''), COALESCE(c.embedding_version, 0),
		       d.title, COALESCE(d.tags, ''), d.created_at
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.status = 'completed' AND c.embedding IS NOT NULL`+where,
		args...)
	if err != nil {
		return nil, types.Unavailable("store search", err)
	}
	defer rows.Close()

	var results []types.ScoredChunk
	for rows.Next() {
		var sc types.ScoredChunk
		var vectorBytes []byte
		var tags, createdAt string
		err := rows.Scan(&sc.Chunk.ID, &sc.Chunk.DocumentID, &sc.Chunk.Content,
			&sc.Chunk.ChunkIndex, &vectorBytes, &sc.Chunk.EmbeddingModel,
			&sc.Chunk.EmbeddingVersion, &sc.DocumentTitle, &tags, &createdAt)
		if err != nil {
			return nil, types.Unavailable("store search", err)
		}
		sc.Chunk.Embedding = deserializeVector(vectorBytes)
		sc.DocumentTags = splitTags(tags)
		sc.CreatedAt = decodeTime(createdAt)
		sc.Score = cosineSimilarity(embedding, sc.Chunk.Embedding)
		results = append(results, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Unavailable("store search", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

func (s *SQLiteStore) KeywordSearch(ctx context.Context, query string, topK int, filters types.SearchFilters) ([]types.ScoredChunk, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	where, args := sqliteFilterClauses(filters)
	queryArgs := append([]interface{}{match}, args...)
	queryArgs = append(queryArgs, topK)

	// fts5 bm25 ranks are negative, lower-is-better; negate into a
	// positive higher-is-better score.
	rows, err := s.conn.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.content, c.chunk_index,
		       COALESCE(c.embedding_model, ''), COALESCE(c.embedding_version, 0),
		       d.title, COALESCE(d.tags, ''), d.created_at,
		       bm25(chunks_fts) AS rank
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE chunks_fts MATCH ? AND d.status = 'completed'`+where+`
		ORDER BY rank
		LIMIT ?`, queryArgs...)
	if err != nil {
		return nil, types.Unavailable("store search", err)
	}
	defer rows.Close()

	var results []types.ScoredChunk
	for rows.Next() {
		var sc types.ScoredChunk
		var tags, createdAt string
		var rank float64
		err := rows.Scan(&sc.Chunk.ID, &sc.Chunk.DocumentID, &sc.Chunk.Content,
			&sc.Chunk.ChunkIndex, &sc.Chunk.EmbeddingModel,
			&sc.Chunk.EmbeddingVersion, &sc.DocumentTitle, &tags, &createdAt,
			&rank)
		if err != nil {
			return nil, types.Unavailable("store search", err)
		}
		sc.DocumentTags = splitTags(tags)
		sc.CreatedAt = decodeTime(createdAt)
		sc.Score = math.Max(-rank, 0)
		results = append(results, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Unavailable("store search", err)
	}
	return results, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM documents`).Scan(&count); err != nil {
		return 0, types.Unavailable("store count", err)
	}
	return count, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, documentID string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.Unavailable("store delete", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks_fts WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`,
		documentID); err != nil {
		return types.Unavailable("store delete", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE id = ?`, documentID)
	if err != nil {
		return types.Unavailable("store delete", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return types.Unavailable("store delete", err)
	}
	if affected == 0 {
		return types.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return types.Unavailable("store delete", err)
	}
	return nil
}

func (s *SQLiteStore) Close() {
	s.conn.Close()
}

func scanSQLiteDocument(scan func(dest ...interface{}) error) (*models.Document, error) {
	var doc models.Document
	var status, metadata, tags, nextAttempt, createdAt, updatedAt string
	err := scan(&doc.ID, &doc.Title, &doc.OriginalContent,
		&doc.ProcessedContent, &doc.DocType, &doc.SourceURL, &metadata,
		&tags, &status, &doc.RetryCount, &nextAttempt, &doc.LastError,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	doc.Status = models.Status(status)
	doc.Tags = splitTags(tags)
	doc.NextAttemptAt = decodeTime(nextAttempt)
	doc.CreatedAt = decodeTime(createdAt)
	doc.UpdatedAt = decodeTime(updatedAt)
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &doc, nil
}

func sqliteFilterClauses(filters types.SearchFilters) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if len(filters.DocTypes) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filters.DocTypes)), ",")
		clauses = append(clauses, "d.doc_type IN ("+placeholders+")")
		for _, dt := range filters.DocTypes {
			args = append(args, dt)
		}
	}
	if len(filters.Tags) > 0 {
		var tagClauses []string
		for _, tag := range filters.Tags {
			tagClauses = append(tagClauses, "(',' || d.tags || ',') LIKE ?")
			args = append(args, "%,"+tag+",%")
		}
		clauses = append(clauses, "("+strings.Join(tagClauses, " OR ")+")")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

var ftsToken = regexp.MustCompile(`[a-zA-Z0-9]+`)

// ftsQuery rewrites free text into an FTS5 OR-query, since raw user input
// can be invalid MATCH syntax.
func ftsQuery(query string) string {
	tokens := ftsToken.FindAllString(query, -1)
	if len(tokens) == 0 {
		return ""
	}
	for i, tok := range tokens {
		tokens[i] = `"` + tok + `"`
	}
	return strings.Join(tokens, " OR ")
}

func splitTags(tags string) []string {
	if tags == "" {
		return nil
	}
	return strings.Split(tags, ",")
}

func encodeMetadata(metadata map[string]interface{}) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(data), nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// serializeVector converts a float32 slice to bytes for storage.
func serializeVector(vector []float32) []byte {
	if vector == nil {
		return nil
	}
	buf := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeVector converts bytes back to a float32 slice.
func deserializeVector(data []byte) []float32 {
	vector := make([]float32, len(data)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// cosineSimilarity calculates the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
