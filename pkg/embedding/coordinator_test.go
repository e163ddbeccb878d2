// ABOUTME: Tests for the lazy embedding coordinator
// ABOUTME: Verifies single-flight jobs, retries and manual reprocessing

package embedding

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/policycore/internal/logger"
	"github.com/nainya/policycore/pkg/family"
	"github.com/nainya/policycore/pkg/store"
)

// countingEmbedder wraps the hashing embedder and counts Embed calls,
// optionally failing the first failUntil calls.
type countingEmbedder struct {
	inner     *HashingEmbedder
	calls     atomic.Int64
	failUntil int64
	delay     time.Duration
}

func (e *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	n := e.calls.Add(1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if n <= e.failUntil {
		return nil, errors.New("embedder unavailable")
	}
	return e.inner.Embed(ctx, texts)
}

func (e *countingEmbedder) Dims() int { return e.inner.Dims() }

func setupCoordinator(t *testing.T, e Embedder, cfg Config) (*Coordinator, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "coord_test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	log := logger.NewLogger(logger.Config{Level: "error"})
	fam := family.NewManager(s, 0.62, log)
	return NewCoordinator(s, e, nil, fam, cfg, log, nil), s
}

func insertTestDoc(t *testing.T, s *store.Store, text string) *store.Document {
	t.Helper()
	doc := &store.Document{
		ID:            uuid.NewString(),
		Title:         "Test Document",
		MinistryID:    "moe",
		InstitutionID: "inst-1",
		UploaderID:    "user-1",
		VersionNumber: 1,
		IsLatest:      true,
		ContentHash:   uuid.NewString(),
		Visibility:    store.VisibilityPublic,
		Approval:      store.ApprovalApproved,
		Text:          text,
		IngestedAt:    time.Now().UTC(),
	}
	if err := s.InsertDocument(doc); err != nil {
		t.Fatalf("InsertDocument failed: %v", err)
	}
	return doc
}

func TestEnsureEmbeddedHappyPath(t *testing.T) {
	e := &countingEmbedder{inner: NewHashingEmbedder(32)}
	c, s := setupCoordinator(t, e, Config{})

	doc := insertTestDoc(t, s, "First paragraph.\n\nSecond paragraph.")

	status, err := c.EnsureEmbedded(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("EnsureEmbedded failed: %v", err)
	}
	if status != store.StatusEmbedded {
		t.Fatalf("Expected embedded, got %s", status)
	}

	chunks, err := s.ChunksByDocument(doc.ID)
	if err != nil {
		t.Fatalf("ChunksByDocument failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk for short text, got %d", len(chunks))
	}
	if chunks[0].ChunkIndex != 0 || len(chunks[0].Embedding) != 32 {
		t.Errorf("Expected indexed chunk with 32-dim vector, got idx=%d dims=%d",
			chunks[0].ChunkIndex, len(chunks[0].Embedding))
	}
}

func TestEnsureEmbeddedIdempotent(t *testing.T) {
	e := &countingEmbedder{inner: NewHashingEmbedder(32)}
	c, s := setupCoordinator(t, e, Config{})

	doc := insertTestDoc(t, s, "Some policy text.")

	for i := 0; i < 3; i++ {
		if _, err := c.EnsureEmbedded(context.Background(), doc.ID); err != nil {
			t.Fatalf("EnsureEmbedded %d failed: %v", i, err)
		}
	}

	if got := e.calls.Load(); got != 1 {
		t.Errorf("Expected exactly 1 embed call, got %d", got)
	}
}

func TestConcurrentEnsureEmbeddedComputesOnce(t *testing.T) {
	e := &countingEmbedder{inner: NewHashingEmbedder(32), delay: 50 * time.Millisecond}
	c, s := setupCoordinator(t, e, Config{Concurrency: 4})

	doc := insertTestDoc(t, s, "Concurrency test document text.")

	const callers = 10
	var wg sync.WaitGroup
	statuses := make([]store.EmbeddingStatus, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i], errs[i] = c.EnsureEmbedded(context.Background(), doc.ID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("Caller %d failed: %v", i, errs[i])
		}
		if statuses[i] != store.StatusEmbedded {
			t.Errorf("Caller %d saw status %s", i, statuses[i])
		}
	}

	// The winner computed once; everyone else waited on its signal.
	if got := e.calls.Load(); got != 1 {
		t.Errorf("Expected exactly 1 embed call across %d callers, got %d", callers, got)
	}

	chunks, err := s.ChunksByDocument(doc.ID)
	if err != nil {
		t.Fatalf("ChunksByDocument failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Errorf("Expected 1 chunk, got %d", len(chunks))
	}
}

func TestFailureThenRetrySucceeds(t *testing.T) {
	e := &countingEmbedder{inner: NewHashingEmbedder(32), failUntil: 1}
	c, s := setupCoordinator(t, e, Config{BackoffBase: 200 * time.Millisecond})

	doc := insertTestDoc(t, s, "Document that fails once.")

	status, err := c.EnsureEmbedded(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("EnsureEmbedded failed: %v", err)
	}
	if status != store.StatusFailed {
		t.Fatalf("Expected failed after first attempt, got %s", status)
	}

	st, err := s.GetEmbeddingState(doc.ID)
	if err != nil {
		t.Fatalf("GetEmbeddingState failed: %v", err)
	}
	if st.RetryCount != 1 || st.LastError == "" {
		t.Errorf("Expected recorded failure, got count=%d err=%q", st.RetryCount, st.LastError)
	}

	// After the backoff window the next call retries and succeeds.
	time.Sleep(250 * time.Millisecond)
	status, err = c.EnsureEmbedded(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("Retry EnsureEmbedded failed: %v", err)
	}
	if status != store.StatusEmbedded {
		t.Errorf("Expected embedded after retry, got %s", status)
	}
}

func TestFailureWithinBackoffReturnsFailed(t *testing.T) {
	e := &countingEmbedder{inner: NewHashingEmbedder(32), failUntil: 100}
	c, s := setupCoordinator(t, e, Config{BackoffBase: time.Hour})

	doc := insertTestDoc(t, s, "Document that keeps failing.")

	if _, err := c.EnsureEmbedded(context.Background(), doc.ID); err != nil {
		t.Fatalf("EnsureEmbedded failed: %v", err)
	}

	// The backoff window is open: the caller gets failed immediately with
	// no new attempt.
	before := e.calls.Load()
	status, err := c.EnsureEmbedded(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("Second EnsureEmbedded failed: %v", err)
	}
	if status != store.StatusFailed {
		t.Errorf("Expected failed, got %s", status)
	}
	if e.calls.Load() != before {
		t.Error("Expected no new attempt within the backoff window")
	}
}

func TestMaxAttemptsThenManualReprocess(t *testing.T) {
	e := &countingEmbedder{inner: NewHashingEmbedder(32), failUntil: 2}
	c, s := setupCoordinator(t, e, Config{MaxAttempts: 2, BackoffBase: time.Millisecond})

	doc := insertTestDoc(t, s, "Document exhausting attempts.")

	for i := 0; i < 2; i++ {
		if _, err := c.EnsureEmbedded(context.Background(), doc.ID); err != nil {
			t.Fatalf("EnsureEmbedded attempt %d failed: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Attempts exhausted: stays failed without new computation.
	before := e.calls.Load()
	status, err := c.EnsureEmbedded(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("EnsureEmbedded after exhaustion failed: %v", err)
	}
	if status != store.StatusFailed || e.calls.Load() != before {
		t.Errorf("Expected permanent failed state, got %s (calls %d->%d)",
			status, before, e.calls.Load())
	}

	// Manual reprocess resets the state and the next call succeeds.
	if err := c.Reprocess(doc.ID); err != nil {
		t.Fatalf("Reprocess failed: %v", err)
	}
	status, err = c.EnsureEmbedded(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("EnsureEmbedded after reprocess failed: %v", err)
	}
	if status != store.StatusEmbedded {
		t.Errorf("Expected embedded after reprocess, got %s", status)
	}
}

func TestReprocessRejectsNonFailed(t *testing.T) {
	e := &countingEmbedder{inner: NewHashingEmbedder(32)}
	c, s := setupCoordinator(t, e, Config{})

	doc := insertTestDoc(t, s, "Healthy document.")

	if err := c.Reprocess(doc.ID); !errors.Is(err, ErrNotFailed) {
		t.Errorf("Expected ErrNotFailed for not_embedded document, got %v", err)
	}

	if _, err := c.EnsureEmbedded(context.Background(), doc.ID); err != nil {
		t.Fatalf("EnsureEmbedded failed: %v", err)
	}
	if err := c.Reprocess(doc.ID); !errors.Is(err, ErrNotFailed) {
		t.Errorf("Expected ErrNotFailed for embedded document, got %v", err)
	}
}

func TestEnsureEmbeddedUnknownDocument(t *testing.T) {
	e := &countingEmbedder{inner: NewHashingEmbedder(32)}
	c, _ := setupCoordinator(t, e, Config{})

	if _, err := c.EnsureEmbedded(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCallerCancellationDoesNotCancelJob(t *testing.T) {
	e := &countingEmbedder{inner: NewHashingEmbedder(32), delay: 100 * time.Millisecond}
	c, s := setupCoordinator(t, e, Config{})

	doc := insertTestDoc(t, s, "Slow embedding document.")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.EnsureEmbedded(ctx, doc.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded for the waiting caller, got %v", err)
	}

	// The detached job finishes anyway; a later caller sees embedded.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := s.GetEmbeddingState(doc.ID)
		if err != nil {
			t.Fatalf("GetEmbeddingState failed: %v", err)
		}
		if st.Status == store.StatusEmbedded {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Expected job to complete despite caller cancellation")
}
