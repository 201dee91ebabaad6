package embed

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pavelanni/examrag/internal/model"
)

func TestHashingDeterministic(t *testing.T) {
	h, err := NewHashing(64)
	if err != nil {
		t.Fatalf("NewHashing: %v", err)
	}
	ctx := context.Background()

	vecs, err := h.Embed(ctx, []string{"Audit of information systems", "audit OF information systems", "network security"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vecs))
	}
	for i, v := range vecs {
		if len(v) != 64 {
			t.Errorf("vector %d: expected 64 dims, got %d", i, len(v))
		}
	}
	for i := range vecs[0] {
		if vecs[0][i] != vecs[1][i] {
			t.Fatal("case should not change the vector")
		}
	}

	var norm float64
	for _, x := range vecs[2] {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("expected unit norm, got %f", norm)
	}

	empty, err := EmbedOne(ctx, h, "   ")
	if err != nil {
		t.Fatalf("EmbedOne: %v", err)
	}
	for _, x := range empty {
		if x != 0 {
			t.Fatal("text without tokens should embed to the zero vector")
		}
	}
}

func TestHashingInvalidDimension(t *testing.T) {
	if _, err := NewHashing(0); err == nil {
		t.Error("expected error for zero dimension")
	}
}

func TestHashingCancelled(t *testing.T) {
	h, _ := NewHashing(8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Embed(ctx, []string{"a"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

type embeddingsRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// fakeEmbeddings serves /embeddings, returning vectors of dim floats whose
// first element is the input length. Data is returned in reverse order to
// exercise index-based reordering.
func fakeEmbeddings(t *testing.T, dim int, failFirst int32, batches *atomic.Int32) *httptest.Server {
	t.Helper()
	var failures atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		if failures.Add(1) <= failFirst {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		batches.Add(1)
		var req embeddingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		type item struct {
			Object    string    `json:"object"`
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		var data []item
		for i := len(req.Input) - 1; i >= 0; i-- {
			v := make([]float32, dim)
			v[0] = float32(len(req.Input[i]))
			data = append(data, item{Object: "embedding", Embedding: v, Index: i})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIEmbedBatchesAndOrders(t *testing.T) {
	var batches atomic.Int32
	srv := fakeEmbeddings(t, 4, 0, &batches)

	e, err := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, APIKey: "test", Model: "m", Dimension: 4, BatchSize: 2})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := e.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(vecs))
	}
	for i, v := range vecs {
		if int(v[0]) != len(texts[i]) {
			t.Errorf("vector %d out of order: first element %v", i, v[0])
		}
	}
	if got := batches.Load(); got != 3 {
		t.Errorf("expected 3 batched requests, got %d", got)
	}
}

func TestOpenAIRetriesServerErrors(t *testing.T) {
	var batches atomic.Int32
	srv := fakeEmbeddings(t, 3, 2, &batches)

	e, _ := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, APIKey: "test", Dimension: 3, MaxRetries: 3, Backoff: time.Millisecond})
	if _, err := e.Embed(context.Background(), []string{"x"}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}

	srv2 := fakeEmbeddings(t, 3, 5, &batches)
	e2, _ := NewOpenAI(OpenAIConfig{BaseURL: srv2.URL, APIKey: "test", Dimension: 3, MaxRetries: 1, Backoff: time.Millisecond})
	_, err := e2.Embed(context.Background(), []string{"x"})
	if !errors.Is(err, model.ErrBackendUnavailable) {
		t.Errorf("expected backend unavailable, got %v", err)
	}
}

func TestOpenAIDimensionMismatch(t *testing.T) {
	var batches atomic.Int32
	srv := fakeEmbeddings(t, 5, 0, &batches)

	e, _ := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, APIKey: "test", Dimension: 4})
	_, err := e.Embed(context.Background(), []string{"x"})
	if !errors.Is(err, model.ErrDimensionMismatch) {
		t.Errorf("expected dimension mismatch, got %v", err)
	}
}

func TestOpenAIContextCancelled(t *testing.T) {
	var batches atomic.Int32
	srv := fakeEmbeddings(t, 3, 100, &batches)

	e, _ := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, APIKey: "test", Dimension: 3, MaxRetries: 10, Backoff: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Embed(ctx, []string{"x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation should not wait for backoff")
	}
}
