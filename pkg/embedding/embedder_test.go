// ABOUTME: Tests for hashing and HTTP embedders
// ABOUTME: Verifies determinism, normalization and API wire format

package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHashingEmbedderDeterministic(t *testing.T) {
	e := NewHashingEmbedder(64)

	a, err := e.Embed(context.Background(), []string{"scholarship eligibility rules"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	b, err := e.Embed(context.Background(), []string{"scholarship eligibility rules"})
	if err != nil {
		t.Fatalf("Second Embed failed: %v", err)
	}

	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatalf("Expected deterministic vectors, differ at %d", i)
		}
	}
}

func TestHashingEmbedderNormalized(t *testing.T) {
	e := NewHashingEmbedder(64)

	vecs, err := e.Embed(context.Background(), []string{"some policy text about fees"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	var norm float64
	for _, v := range vecs[0] {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1.0) > 1e-5 {
		t.Errorf("Expected unit norm, got %f", math.Sqrt(norm))
	}
}

func TestHashingEmbedderDims(t *testing.T) {
	if got := NewHashingEmbedder(128).Dims(); got != 128 {
		t.Errorf("Expected dims 128, got %d", got)
	}
	if got := NewHashingEmbedder(0).Dims(); got != 256 {
		t.Errorf("Expected default dims 256, got %d", got)
	}
}

func TestHashingEmbedderSimilarTextsScoreHigher(t *testing.T) {
	e := NewHashingEmbedder(256)

	vecs, err := e.Embed(context.Background(), []string{
		"scholarship eligibility requires a minimum grade",
		"scholarship eligibility needs a minimum grade",
		"hostel rooms must be vacated in summer",
	})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	dot := func(a, b []float32) float64 {
		var sum float64
		for i := range a {
			sum += float64(a[i]) * float64(b[i])
		}
		return sum
	}

	similar := dot(vecs[0], vecs[1])
	different := dot(vecs[0], vecs[2])
	if similar <= different {
		t.Errorf("Expected similar texts closer: %f vs %f", similar, different)
	}
}

func TestHashingEmbedderEmptyText(t *testing.T) {
	e := NewHashingEmbedder(32)

	vecs, err := e.Embed(context.Background(), []string{""})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	for _, v := range vecs[0] {
		if v != 0 {
			t.Error("Expected zero vector for empty text")
			break
		}
	}
}

func TestHTTPEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("Expected /embeddings path, got %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Expected bearer auth, got %q", auth)
		}

		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}

		// Return vectors out of order to exercise index placement.
		resp := embeddingResponse{}
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: []float32{float32(i), 1}, Index: i})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(srv.URL, "test-key", "test-model", 2)
	vecs, err := e.Embed(context.Background(), []string{"first", "second", "third"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("Expected 3 vectors, got %d", len(vecs))
	}
	for i, v := range vecs {
		if v[0] != float32(i) {
			t.Errorf("Vector %d misplaced: got %v", i, v)
		}
	}
}

func TestHTTPEmbedderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(srv.URL, "", "test-model", 2)
	if _, err := e.Embed(context.Background(), []string{"text"}); err == nil {
		t.Error("Expected error for non-200 response")
	}
}

func TestHTTPEmbedderEmptyInput(t *testing.T) {
	e := NewHTTPEmbedder("http://unused", "", "m", 2)

	vecs, err := e.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Expected no-op for empty input, got %v", err)
	}
	if vecs != nil {
		t.Errorf("Expected nil vectors, got %v", vecs)
	}
}
