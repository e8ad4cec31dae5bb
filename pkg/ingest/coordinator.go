package ingest

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xhad/capture/internal/models"
	"github.com/xhad/capture/internal/types"
)

type CoordinatorConfig struct {
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	PollInterval   time.Duration
	Workers        int
	StepTimeout    time.Duration
	MaxContentSize int
	DefaultDocType string
}

// Coordinator owns the document lifecycle state machine. Submit persists a
// pending record and returns immediately; processing happens on background
// workers fed by the retry scheduler.
type Coordinator struct {
	config    CoordinatorConfig
	store     types.Driver
	processor types.Processor
	embedder  types.Embedder

	leases *leaseTable
	workCh chan *models.Document
	nudge  chan struct{}
}

func NewCoordinator(config CoordinatorConfig, store types.Driver, processor types.Processor, embedder types.Embedder) *Coordinator {
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.BackoffBase == 0 {
		config.BackoffBase = 2 * time.Second
	}
	if config.BackoffCap == 0 {
		config.BackoffCap = 5 * time.Minute
	}
	if config.PollInterval == 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.Workers == 0 {
		config.Workers = 4
	}
	if config.StepTimeout == 0 {
		config.StepTimeout = time.Minute
	}
	if config.MaxContentSize == 0 {
		config.MaxContentSize = 1_000_000
	}
	if config.DefaultDocType == "" {
		config.DefaultDocType = "note"
	}

	return &Coordinator{
		config:    config,
		store:     store,
		processor: processor,
		embedder:  embedder,
		leases:    newLeaseTable(),
		workCh:    make(chan *models.Document, config.Workers*2),
		nudge:     make(chan struct{}, 1),
	}
}

// Submit validates the submission, persists a pending record and returns
// its id. All failures past validation surface asynchronously via GetStatus.
func (c *Coordinator) Submit(ctx context.Context, sub models.Submission) (string, error) {
	if strings.TrimSpace(sub.Title) == "" {
		return "", types.Validationf("title is required")
	}
	if strings.TrimSpace(sub.Content) == "" {
		return "", types.Validationf("content is required")
	}
	if len(sub.Content) > c.config.MaxContentSize {
		return "", types.Validationf("content size %d exceeds limit %d",
			len(sub.Content), c.config.MaxContentSize)
	}
	if sub.SourceURL != "" && !strings.HasPrefix(sub.SourceURL, "http://") &&
		!strings.HasPrefix(sub.SourceURL, "https://") {
		return "", types.Validationf("source_url must start with http:// or https://")
	}

	docType := sub.DocType
	if docType == "" {
		docType = c.config.DefaultDocType
	}

	now := time.Now().UTC()
	doc := &models.Document{
		ID:              uuid.NewString(),
		Title:           sub.Title,
		OriginalContent: sub.Content,
		DocType:         docType,
		SourceURL:       sub.SourceURL,
		Metadata:        sub.Metadata,
		Tags:            sub.Tags,
		Status:          models.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := c.store.CreateDocument(ctx, doc); err != nil {
		return "", err
	}

	// Wake the scheduler; the pending record is the source of truth, so a
	// missed nudge only costs one poll interval.
	select {
	case c.nudge <- struct{}{}:
	default:
	}

	return doc.ID, nil
}

// GetStatus returns the polling snapshot for a document.
func (c *Coordinator) GetStatus(ctx context.Context, id string) (*models.StatusSnapshot, error) {
	doc, err := c.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.StatusSnapshot{
		ID:         doc.ID,
		Status:     doc.Status,
		RetryCount: doc.RetryCount,
		LastError:  doc.LastError,
	}, nil
}

// Run starts the worker pool and the retry scheduler, blocking until ctx is
// cancelled. Once submitted, a document runs to a terminal state or retry
// exhaustion; there is no caller-facing cancellation of ingestion.
func (c *Coordinator) Run(ctx context.Context) {
	for i := 0; i < c.config.Workers; i++ {
		go c.worker(ctx)
	}
	c.schedule(ctx)
}

func (c *Coordinator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case doc := <-c.workCh:
			// The lease keeps concurrent workers from processing the
			// same document; losing the race is not an error.
			if !c.leases.tryAcquire(doc.ID) {
				continue
			}
			c.processOne(doc)
			c.leases.release(doc.ID)
		}
	}
}

// processOne runs a single processing attempt. Every store and model call
// gets a bounded step timeout; any failure fails the whole attempt and the
// retry policy decides what happens next.
func (c *Coordinator) processOne(queued *models.Document) {
	ctx := context.Background()

	readCtx, cancel := context.WithTimeout(ctx, c.config.StepTimeout)
	doc, err := c.store.GetDocument(readCtx, queued.ID)
	cancel()
	if err != nil {
		log.Printf("ingest: document %s: failed to read before attempt: %v", queued.ID, err)
		return
	}

	// The queue can hold a stale copy from an earlier scheduler pass. Only
	// a pending document whose retry deadline has passed may start an
	// attempt; anything else either already ran or is not yet due. This is
	// what keeps completed from ever regressing.
	if doc.Status != models.StatusPending || doc.NextAttemptAt.After(time.Now().UTC()) {
		return
	}

	if err := c.setStatus(ctx, doc.ID, models.StatusProcessing,
		doc.RetryCount, time.Time{}, ""); err != nil {
		log.Printf("ingest: document %s: failed to mark processing: %v", doc.ID, err)
		return
	}

	chunkTexts, autoTags, err := c.processor.Process(doc.OriginalContent, doc.DocType)
	if err != nil {
		c.failAttempt(ctx, doc, fmt.Errorf("process content: %w", err))
		return
	}

	embedCtx, cancel := context.WithTimeout(ctx, c.config.StepTimeout)
	vectors, err := c.embedder.EmbedTexts(embedCtx, chunkTexts)
	cancel()
	if err != nil {
		c.failAttempt(ctx, doc, fmt.Errorf("embed chunks: %w", err))
		return
	}

	chunks := make([]models.Chunk, len(chunkTexts))
	for i, text := range chunkTexts {
		chunks[i] = models.Chunk{
			ID:               uuid.NewString(),
			DocumentID:       doc.ID,
			Content:          text,
			ChunkIndex:       i,
			Embedding:        vectors[i],
			EmbeddingModel:   c.embedder.Model(),
			EmbeddingVersion: c.embedder.Version(),
		}
	}

	doc.ProcessedContent = strings.Join(chunkTexts, "\n\n")
	doc.Tags = mergeTags(doc.Tags, autoTags)

	writeCtx, cancel := context.WithTimeout(ctx, c.config.StepTimeout)
	err = c.store.Write(writeCtx, doc, chunks)
	cancel()
	if err != nil {
		c.failAttempt(ctx, doc, fmt.Errorf("write chunks: %w", err))
		return
	}

	log.Printf("ingest: document %s completed with %d chunks (attempt %d)",
		doc.ID, len(chunks), doc.RetryCount+1)
}

// failAttempt applies the retry policy: permanent failures and exhausted
// retries go terminal failed; transient failures go back to pending with a
// backoff deadline. A document never regresses from completed.
func (c *Coordinator) failAttempt(ctx context.Context, doc *models.Document, attemptErr error) {
	lastError := truncateError(attemptErr)

	if !types.IsTransient(attemptErr) {
		log.Printf("ingest: document %s failed permanently: %v", doc.ID, attemptErr)
		if err := c.setStatus(ctx, doc.ID, models.StatusFailed,
			doc.RetryCount, time.Time{}, lastError); err != nil {
			log.Printf("ingest: document %s: failed to record failure: %v", doc.ID, err)
		}
		return
	}

	newCount := doc.RetryCount + 1
	if newCount >= c.config.MaxRetries {
		log.Printf("ingest: document %s failed after %d attempts: %v",
			doc.ID, newCount, attemptErr)
		if err := c.setStatus(ctx, doc.ID, models.StatusFailed,
			newCount, time.Time{}, lastError); err != nil {
			log.Printf("ingest: document %s: failed to record failure: %v", doc.ID, err)
		}
		return
	}

	delay := withJitter(backoff(newCount, c.config.BackoffBase, c.config.BackoffCap))
	nextAttempt := time.Now().UTC().Add(delay)
	log.Printf("ingest: document %s attempt %d failed, retrying in %s: %v",
		doc.ID, newCount, delay.Round(time.Millisecond), attemptErr)

	doc.RetryCount = newCount
	if err := c.setStatus(ctx, doc.ID, models.StatusPending,
		newCount, nextAttempt, lastError); err != nil {
		log.Printf("ingest: document %s: failed to schedule retry: %v", doc.ID, err)
	}
}

// setStatus is UpdateStatus with the step timeout applied, so a hung store
// connection cannot wedge a worker on a bookkeeping write.
func (c *Coordinator) setStatus(ctx context.Context, id string, status models.Status, retryCount int, nextAttemptAt time.Time, lastError string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.StepTimeout)
	defer cancel()
	return c.store.UpdateStatus(ctx, id, status, retryCount, nextAttemptAt, lastError)
}

const maxErrorLength = 500

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorLength {
		return msg[:maxErrorLength]
	}
	return msg
}

func mergeTags(userTags, autoTags []string) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, tags := range [][]string{userTags, autoTags} {
		for _, tag := range tags {
			tag = strings.TrimSpace(tag)
			if tag != "" && !seen[tag] {
				seen[tag] = true
				merged = append(merged, tag)
			}
		}
	}
	return merged
}
