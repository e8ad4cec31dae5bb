package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/capture/internal/models"
	"github.com/xhad/capture/internal/types"
)

// memDriver is an in-memory types.Driver for exercising the coordinator
// without a database.
type memDriver struct {
	mu     sync.Mutex
	docs   map[string]*models.Document
	chunks map[string][]models.Chunk

	writeErr error

	// statusDeadlines records, per UpdateStatus call, whether the context
	// carried a deadline.
	statusDeadlines []bool
}

func newMemDriver() *memDriver {
	return &memDriver{
		docs:   make(map[string]*models.Document),
		chunks: make(map[string][]models.Chunk),
	}
}

func (m *memDriver) CreateDocument(ctx context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *doc
	m.docs[doc.ID] = &copied
	return nil
}

func (m *memDriver) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

func (m *memDriver) UpdateStatus(ctx context.Context, id string, status models.Status, retryCount int, nextAttemptAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, hasDeadline := ctx.Deadline()
	m.statusDeadlines = append(m.statusDeadlines, hasDeadline)
	doc, ok := m.docs[id]
	if !ok {
		return types.ErrNotFound
	}
	doc.Status = status
	doc.RetryCount = retryCount
	doc.NextAttemptAt = nextAttemptAt
	doc.LastError = lastError
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memDriver) DuePending(ctx context.Context, now time.Time, limit int) ([]*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*models.Document
	for _, doc := range m.docs {
		if doc.Status == models.StatusPending && !doc.NextAttemptAt.After(now) {
			copied := *doc
			due = append(due, &copied)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (m *memDriver) ListDocuments(ctx context.Context, limit, offset int) ([]*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var docs []*models.Document
	for _, doc := range m.docs {
		copied := *doc
		docs = append(docs, &copied)
	}
	return docs, nil
}

func (m *memDriver) Write(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	stored, ok := m.docs[doc.ID]
	if !ok {
		return types.ErrNotFound
	}
	stored.Status = models.StatusCompleted
	stored.ProcessedContent = doc.ProcessedContent
	stored.Tags = doc.Tags
	stored.LastError = ""
	stored.UpdatedAt = time.Now().UTC()
	m.chunks[doc.ID] = append([]models.Chunk(nil), chunks...)
	return nil
}

func (m *memDriver) VectorSearch(ctx context.Context, embedding []float32, topK int, filters types.SearchFilters) ([]types.ScoredChunk, error) {
	return nil, nil
}

func (m *memDriver) KeywordSearch(ctx context.Context, query string, topK int, filters types.SearchFilters) ([]types.ScoredChunk, error) {
	return nil, nil
}

func (m *memDriver) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs), nil
}

func (m *memDriver) Delete(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, documentID)
	delete(m.chunks, documentID)
	return nil
}

func (m *memDriver) Close() {}

// flakyEmbedder fails its first failN calls, then succeeds.
type flakyEmbedder struct {
	mu    sync.Mutex
	calls int
	failN int
}

func (f *flakyEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if call <= f.failN {
		return nil, types.Unavailable("embed", errors.New("connection refused"))
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{1, 0, 0}
	}
	return vectors, nil
}

func (f *flakyEmbedder) Dimension() int { return 3 }
func (f *flakyEmbedder) Model() string  { return "test-embed" }
func (f *flakyEmbedder) Version() int   { return 1 }

type fakeProcessor struct {
	err error
}

func (p *fakeProcessor) Process(content, docType string) ([]string, []string, error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	return []string{content}, []string{"type:" + docType}, nil
}

func testCoordinator(store types.Driver, embedder types.Embedder, proc types.Processor) *Coordinator {
	return NewCoordinator(CoordinatorConfig{
		MaxRetries:     3,
		BackoffBase:    time.Millisecond,
		BackoffCap:     10 * time.Millisecond,
		Workers:        2,
		MaxContentSize: 1000,
	}, store, proc, embedder)
}

func TestSubmit_Validation(t *testing.T) {
	c := testCoordinator(newMemDriver(), &flakyEmbedder{}, &fakeProcessor{})
	ctx := context.Background()

	cases := []struct {
		name string
		sub  models.Submission
	}{
		{"empty title", models.Submission{Content: "body"}},
		{"empty content", models.Submission{Title: "t"}},
		{"whitespace content", models.Submission{Title: "t", Content: "   "}},
		{"oversized content", models.Submission{Title: "t", Content: strings.Repeat("x", 1001)}},
		{"bad source url", models.Submission{Title: "t", Content: "body", SourceURL: "ftp://x"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Submit(ctx, tc.sub)
			assert.True(t, errors.Is(err, types.ErrValidation))
		})
	}
}

func TestSubmit_CreatesPending(t *testing.T) {
	store := newMemDriver()
	c := testCoordinator(store, &flakyEmbedder{}, &fakeProcessor{})

	id, err := c.Submit(context.Background(), models.Submission{
		Title:   "Notes",
		Content: "Some content worth keeping.",
		Tags:    []string{"manual"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	snapshot, err := c.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, snapshot.Status)
	assert.Equal(t, 0, snapshot.RetryCount)
}

func TestGetStatus_NotFound(t *testing.T) {
	c := testCoordinator(newMemDriver(), &flakyEmbedder{}, &fakeProcessor{})

	_, err := c.GetStatus(context.Background(), "missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

// runToTerminal drives processing attempts the way the scheduler would,
// re-reading the document between attempts and waiting out the retry
// deadline, until it reaches a terminal state.
func runToTerminal(t *testing.T, c *Coordinator, store *memDriver, id string) *models.Document {
	t.Helper()
	for i := 0; i < 10; i++ {
		doc, err := store.GetDocument(context.Background(), id)
		require.NoError(t, err)
		if doc.Status.Terminal() {
			return doc
		}
		if wait := time.Until(doc.NextAttemptAt); wait > 0 {
			time.Sleep(wait)
		}
		c.processOne(doc)
	}
	t.Fatal("document never reached a terminal state")
	return nil
}

func TestProcess_Success(t *testing.T) {
	store := newMemDriver()
	c := testCoordinator(store, &flakyEmbedder{}, &fakeProcessor{})

	id, err := c.Submit(context.Background(), models.Submission{
		Title:   "Notes",
		Content: "Some content worth keeping.",
		DocType: "note",
		Tags:    []string{"manual"},
	})
	require.NoError(t, err)

	doc := runToTerminal(t, c, store, id)

	assert.Equal(t, models.StatusCompleted, doc.Status)
	assert.Equal(t, 0, doc.RetryCount)
	assert.Empty(t, doc.LastError)
	// User tags come first, auto tags are appended.
	assert.Equal(t, []string{"manual", "type:note"}, doc.Tags)
	require.Len(t, store.chunks[id], 1)
	assert.Equal(t, "test-embed", store.chunks[id][0].EmbeddingModel)
}

func TestProcess_TransientFailureRetries(t *testing.T) {
	store := newMemDriver()
	c := testCoordinator(store, &flakyEmbedder{failN: 2}, &fakeProcessor{})

	id, err := c.Submit(context.Background(), models.Submission{Title: "t", Content: "body"})
	require.NoError(t, err)

	doc := runToTerminal(t, c, store, id)

	assert.Equal(t, models.StatusCompleted, doc.Status)
	assert.Equal(t, 2, doc.RetryCount)
}

func TestProcess_RetriesExhausted(t *testing.T) {
	store := newMemDriver()
	c := testCoordinator(store, &flakyEmbedder{failN: 100}, &fakeProcessor{})

	id, err := c.Submit(context.Background(), models.Submission{Title: "t", Content: "body"})
	require.NoError(t, err)

	doc := runToTerminal(t, c, store, id)

	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Equal(t, 3, doc.RetryCount)
	assert.Contains(t, doc.LastError, "connection refused")
}

func TestProcess_PermanentFailureSkipsRetry(t *testing.T) {
	store := newMemDriver()
	proc := &fakeProcessor{err: types.Validationf("unsupported content")}
	c := testCoordinator(store, &flakyEmbedder{}, proc)

	id, err := c.Submit(context.Background(), models.Submission{Title: "t", Content: "body"})
	require.NoError(t, err)

	doc := runToTerminal(t, c, store, id)

	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Equal(t, 0, doc.RetryCount)
	assert.Contains(t, doc.LastError, "unsupported content")
}

func TestProcess_StaleQueueEntryNeverRegressesCompleted(t *testing.T) {
	store := newMemDriver()
	embedder := &flakyEmbedder{}
	c := testCoordinator(store, embedder, &fakeProcessor{})

	id, err := c.Submit(context.Background(), models.Submission{Title: "t", Content: "body"})
	require.NoError(t, err)

	// Two scheduler passes can queue the same pending document twice: the
	// second queue entry is a stale snapshot that still says pending.
	queued, err := store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	stale := *queued

	c.processOne(queued)

	doc, err := store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, doc.Status)

	c.processOne(&stale)

	doc, err = store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, doc.Status)
	assert.Equal(t, 1, embedder.calls, "stale queue entry must not start a second attempt")
	assert.Len(t, store.chunks[id], 1)
}

func TestProcess_NotYetDueEntrySkipped(t *testing.T) {
	store := newMemDriver()
	embedder := &flakyEmbedder{}
	c := testCoordinator(store, embedder, &fakeProcessor{})

	id, err := c.Submit(context.Background(), models.Submission{Title: "t", Content: "body"})
	require.NoError(t, err)

	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, store.UpdateStatus(context.Background(), id,
		models.StatusPending, 1, future, "transient"))

	queued, err := store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	c.processOne(queued)

	doc, err := store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, doc.Status)
	assert.Zero(t, embedder.calls)
}

func TestProcess_StatusWritesCarryDeadline(t *testing.T) {
	store := newMemDriver()
	c := testCoordinator(store, &flakyEmbedder{failN: 100}, &fakeProcessor{})

	id, err := c.Submit(context.Background(), models.Submission{Title: "t", Content: "body"})
	require.NoError(t, err)

	runToTerminal(t, c, store, id)

	require.NotEmpty(t, store.statusDeadlines)
	for i, hasDeadline := range store.statusDeadlines {
		assert.True(t, hasDeadline, "status write %d missing a deadline", i)
	}
}

func TestTruncateError(t *testing.T) {
	long := errors.New(strings.Repeat("e", 600))
	assert.Len(t, truncateError(long), 500)
	assert.Equal(t, "short", truncateError(errors.New("short")))
}

func TestMergeTags(t *testing.T) {
	merged := mergeTags([]string{"a", "b", " "}, []string{"b", "c", ""})
	assert.Equal(t, []string{"a", "b", "c"}, merged)
}
