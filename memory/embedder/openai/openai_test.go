package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/whisperengine-ai/whisperengine-v2-sub016/memory/embedder/openai"
)

func embeddingsServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func writeOpenAIResponse(w http.ResponseWriter, vec []float32) {
	resp := map[string]any{
		"data": []map[string]any{{"embedding": vec}},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func TestEmbedOpenAIShape(t *testing.T) {
	var gotAuth, gotInput string
	srv := embeddingsServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var body struct {
			Input string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotInput = body.Input
		writeOpenAIResponse(w, []float32{0.1, 0.2, 0.3})
	})

	e, err := openai.New(openai.Config{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		Dimensions: 3,
	})
	gt.NoError(t, err)

	vec, err := e.Embed(context.Background(), "hello")
	gt.NoError(t, err)
	gt.V(t, len(vec)).Equal(3)
	gt.Equal(t, gotAuth, "Bearer test-key")
	gt.Equal(t, gotInput, "hello")
}

func TestEmbedOllamaShape(t *testing.T) {
	srv := embeddingsServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding": []float32{0.5, 0.5},
		})
	})

	// Local servers need no API key.
	e, err := openai.New(openai.Config{BaseURL: srv.URL, Dimensions: 2})
	gt.NoError(t, err)

	vec, err := e.Embed(context.Background(), "hello")
	gt.NoError(t, err)
	gt.V(t, len(vec)).Equal(2)
}

func TestEmbedQueryAppliesPrefix(t *testing.T) {
	var gotInput string
	srv := embeddingsServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Input string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotInput = body.Input
		writeOpenAIResponse(w, []float32{1})
	})

	e, err := openai.New(openai.Config{
		BaseURL:     srv.URL,
		Dimensions:  1,
		QueryPrefix: "query: ",
	})
	gt.NoError(t, err)

	_, err = e.EmbedQuery(context.Background(), "find cats")
	gt.NoError(t, err)
	gt.Equal(t, gotInput, "query: find cats")

	_, err = e.Embed(context.Background(), "cats are mammals")
	gt.NoError(t, err)
	gt.Equal(t, gotInput, "cats are mammals")
}

func TestEmbedRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := embeddingsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeOpenAIResponse(w, []float32{1, 2})
	})

	e, err := openai.New(openai.Config{BaseURL: srv.URL, Dimensions: 2, MaxRetries: 5})
	gt.NoError(t, err)

	vec, err := e.Embed(context.Background(), "hello")
	gt.NoError(t, err)
	gt.V(t, len(vec)).Equal(2)
	gt.Equal(t, calls.Load(), int32(3))
}

func TestEmbedRejectionIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := embeddingsServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	e, err := openai.New(openai.Config{BaseURL: srv.URL, Dimensions: 2, MaxRetries: 5})
	gt.NoError(t, err)

	_, err = e.Embed(context.Background(), "hello")
	gt.Error(t, err)
	gt.Equal(t, calls.Load(), int32(1))
}

func TestEmbedDimensionsMismatch(t *testing.T) {
	srv := embeddingsServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeOpenAIResponse(w, []float32{1, 2, 3, 4})
	})

	e, err := openai.New(openai.Config{BaseURL: srv.URL, Dimensions: 3})
	gt.NoError(t, err)

	_, err = e.Embed(context.Background(), "hello")
	gt.Error(t, err)
}

func TestEmbedContextCancellation(t *testing.T) {
	srv := embeddingsServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
	})

	e, err := openai.New(openai.Config{BaseURL: srv.URL, Dimensions: 2})
	gt.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = e.Embed(ctx, "hello")
	gt.Error(t, err)
	gt.True(t, time.Since(start) < 2*time.Second)
}

func TestNewRequiresAPIKeyWhenEnvNamed(t *testing.T) {
	t.Setenv("TEST_EMPTY_KEY", "")
	_, err := openai.New(openai.Config{APIKeyEnv: "TEST_EMPTY_KEY"})
	gt.Error(t, err)
}
