// ABOUTME: Lazy embedding coordinator with an at-most-once guarantee per document
// ABOUTME: Per-key compare-and-set gate, waiter signalling, bounded concurrency and backoff retries

package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nainya/policycore/internal/logger"
	"github.com/nainya/policycore/internal/metrics"
	"github.com/nainya/policycore/pkg/family"
	"github.com/nainya/policycore/pkg/store"
)

// ErrNotFailed is returned by Reprocess when the document is not in the
// failed state.
var ErrNotFailed = errors.New("document embedding is not in failed state")

// jobTimeout bounds one embedding computation independently of any
// caller's query timeout. Cancellation of a waiting caller never cancels
// the job itself.
const jobTimeout = 5 * time.Minute

// pollInterval is the bounded-backoff polling period used when the state
// row says in-progress but no job exists in this process (e.g. after a
// crash or when another process owns the job).
const pollInterval = 200 * time.Millisecond

// job is the in-process handle for one in-flight embedding computation.
// Waiters block on done instead of recomputing.
type job struct {
	done chan struct{}
}

// Config holds coordinator tuning knobs.
type Config struct {
	Concurrency int           // Max in-flight embedding jobs
	MaxAttempts int           // Failed attempts before manual reprocess is required
	BackoffBase time.Duration // Base for exponential retry backoff
}

// Coordinator guarantees at-most-one concurrent embedding computation per
// document. Any number of simultaneous callers of EnsureEmbedded trigger
// exactly one computation and observe the identical final state.
type Coordinator struct {
	store    *store.Store
	embedder Embedder
	chunker  Chunker
	families *family.Manager
	log      *logger.Logger
	met      *metrics.Metrics

	mu   sync.Mutex
	jobs map[string]*job // document_id -> in-flight job handle

	sem         chan struct{}
	maxAttempts int
	backoffBase time.Duration
}

// NewCoordinator creates a lazy embedding coordinator. families and met
// may be nil (no centroid maintenance / no metrics).
func NewCoordinator(s *store.Store, e Embedder, c Chunker, fm *family.Manager,
	cfg Config, log *logger.Logger, met *metrics.Metrics) *Coordinator {
	if c == nil {
		c = NewParagraphChunker()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Coordinator{
		store:       s,
		embedder:    e,
		chunker:     c,
		families:    fm,
		log:         log.Component("embedding"),
		met:         met,
		jobs:        make(map[string]*job),
		sem:         make(chan struct{}, cfg.Concurrency),
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
	}
}

// EnsureEmbedded is idempotent: it returns once the document's embedding
// state is embedded or failed. Losing callers wait for the winner's
// completion signal instead of recomputing. ctx bounds only the caller's
// wait; an in-flight job runs to completion for the benefit of future
// queries.
func (c *Coordinator) EnsureEmbedded(ctx context.Context, documentID string) (store.EmbeddingStatus, error) {
	for {
		st, err := c.store.GetEmbeddingState(documentID)
		if err != nil {
			return "", err
		}

		switch st.Status {
		case store.StatusEmbedded:
			return store.StatusEmbedded, nil

		case store.StatusFailed:
			if st.RetryCount >= c.maxAttempts {
				// Stays failed until an explicit manual reprocess.
				return store.StatusFailed, nil
			}
			if !c.retryEligible(st) {
				// Backoff window still open; the caller proceeds with
				// keyword-only matching for this document.
				return store.StatusFailed, nil
			}
			if c.met != nil {
				c.met.EmbeddingRetriesTotal.Inc()
			}

		case store.StatusInProgress:
			if j := c.activeJob(documentID); j != nil {
				if c.met != nil {
					c.met.EmbeddingWaitersTotal.Inc()
				}
				select {
				case <-j.done:
					continue // re-read final state
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			// In progress with no local handle: another process owns the
			// job, or a crash left the row stuck. Poll with a bound.
			select {
			case <-time.After(pollInterval):
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		// not_embedded, or failed and retry-eligible: race for the gate.
		won, err := c.store.TryMarkInProgress(documentID)
		if err != nil {
			return "", err
		}
		if !won {
			continue // lost the gate; next iteration observes in_progress
		}

		j := c.registerJob(documentID)
		go c.runJob(documentID, j)

		select {
		case <-j.done:
			continue // re-read final state
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Reprocess resets a permanently failed document so the next query (or an
// explicit EnsureEmbedded) recomputes its embedding.
func (c *Coordinator) Reprocess(documentID string) error {
	st, err := c.store.GetEmbeddingState(documentID)
	if err != nil {
		return err
	}
	if st.Status != store.StatusFailed {
		return fmt.Errorf("document %s: %w", documentID, ErrNotFailed)
	}
	return c.store.ResetEmbedding(documentID)
}

func (c *Coordinator) retryEligible(st *store.EmbeddingState) bool {
	if st.LastAttemptAt == nil {
		return true
	}
	// Exponential backoff: base * 2^(attempts-1).
	backoff := c.backoffBase << (st.RetryCount - 1)
	return time.Now().After(st.LastAttemptAt.Add(backoff))
}

func (c *Coordinator) activeJob(documentID string) *job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs[documentID]
}

func (c *Coordinator) registerJob(documentID string) *job {
	c.mu.Lock()
	defer c.mu.Unlock()
	j := &job{done: make(chan struct{})}
	c.jobs[documentID] = j
	return j
}

// runJob computes and persists the embedding for one document. It runs
// detached from any caller context: the embedding compute resource is a
// bottleneck, so the semaphore caps in-flight jobs and queues the rest.
func (c *Coordinator) runJob(documentID string, j *job) {
	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	if c.met != nil {
		c.met.EmbeddingJobsInFlight.Inc()
		defer c.met.EmbeddingJobsInFlight.Dec()
	}

	start := time.Now()
	chunkCount, err := c.compute(documentID)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "failed"
		if markErr := c.store.MarkFailed(documentID, err.Error()); markErr != nil {
			c.log.Error("failed to record embedding failure").
				Str("document_id", documentID).
				Err(markErr).
				Send()
		}
	}
	if c.met != nil {
		c.met.RecordEmbeddingJob(status, duration)
	}
	c.log.LogEmbeddingJob(documentID, chunkCount, duration, err)

	c.mu.Lock()
	delete(c.jobs, documentID)
	c.mu.Unlock()
	close(j.done)
}

func (c *Coordinator) compute(documentID string) (int, error) {
	doc, err := c.store.GetDocument(documentID)
	if err != nil {
		return 0, fmt.Errorf("load document: %w", err)
	}

	texts := c.chunker.Chunk(doc.Text)
	if len(texts) == 0 {
		return 0, fmt.Errorf("document produced no chunks")
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	vecs, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed %d chunks: %w", len(texts), err)
	}
	if len(vecs) != len(texts) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(texts))
	}

	chunks := make([]store.Chunk, len(texts))
	for i := range texts {
		chunks[i] = store.Chunk{
			DocumentID: documentID,
			ChunkIndex: i,
			Text:       texts[i],
			Embedding:  vecs[i],
		}
	}

	// Chunks, vectors and the state flip commit as one batch.
	if err := c.store.MarkEmbedded(documentID, chunks); err != nil {
		return 0, fmt.Errorf("persist chunks: %w", err)
	}

	// Fold the document vector into the family centroid. Failure here
	// never fails the job; the centroid catches up on a later member.
	if c.families != nil && doc.FamilyID != "" {
		if err := c.families.AddEmbedding(doc.FamilyID, meanVector(vecs)); err != nil {
			c.log.Warn("centroid update failed").
				Str("family_id", doc.FamilyID).
				Err(err).
				Send()
		}
	}

	return len(chunks), nil
}

// meanVector averages the chunk vectors into one document vector.
func meanVector(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	mean := make([]float32, len(vecs[0]))
	for _, v := range vecs {
		for i := range mean {
			mean[i] += v[i]
		}
	}
	inv := 1 / float32(len(vecs))
	for i := range mean {
		mean[i] *= inv
	}
	return mean
}
