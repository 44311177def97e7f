// Package openai provides an embedder backed by an OpenAI-compatible
// embeddings endpoint. Ollama's native response shape is accepted too, so
// local models work without a translation proxy.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Config configures the embeddings client.
type Config struct {
	// BaseURL of the API, without the /embeddings suffix.
	// Defaults to https://api.openai.com/v1.
	BaseURL string

	// APIKey is the bearer token. If empty, APIKeyEnv names an environment
	// variable to read it from. Both empty is allowed for local servers
	// that do not authenticate.
	APIKey    string
	APIKeyEnv string

	// Model defaults to text-embedding-3-small.
	Model string

	// Dimensions must match what the model produces. Defaults to 1536.
	Dimensions int

	// QueryPrefix, when set, is prepended to query-time inputs. Some
	// retrieval models are trained with asymmetric prefixes like
	// "query: " and "passage: ".
	QueryPrefix string

	// Timeout per HTTP request. Defaults to 30s.
	Timeout time.Duration

	// MaxRetries for transient failures. Defaults to 5.
	MaxRetries int
}

// Embedder calls a remote embeddings endpoint.
type Embedder struct {
	baseURL     string
	apiKey      string
	model       string
	dimensions  int
	queryPrefix string
	maxRetries  int
	client      *http.Client
}

// New creates an embeddings client from cfg.
func New(cfg Config) (*Embedder, error) {
	key := cfg.APIKey
	if key == "" && cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
		if key == "" {
			return nil, goerr.New("api key environment variable is empty", goerr.V("env", cfg.APIKeyEnv))
		}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1536
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	return &Embedder{
		baseURL:     cfg.BaseURL,
		apiKey:      key,
		model:       cfg.Model,
		dimensions:  cfg.Dimensions,
		queryPrefix: cfg.QueryPrefix,
		maxRetries:  cfg.MaxRetries,
		client:      &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Embed returns the embedding vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, text)
}

// EmbedQuery embeds query-side text, applying the configured prefix.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, e.queryPrefix+text)
}

// Dimensions returns the configured vector size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

func (e *Embedder) embed(ctx context.Context, text string) ([]float32, error) {
	type reqBody struct {
		Input  string `json:"input,omitempty"`
		Prompt string `json:"prompt,omitempty"`
		Model  string `json:"model"`
	}
	url := e.baseURL + "/embeddings"

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay(attempt - 1)):
			}
		}

		data, err := json.Marshal(reqBody{Input: text, Prompt: text, Model: e.model})
		if err != nil {
			return nil, goerr.Wrap(err, "failed to encode embeddings request")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to build embeddings request")
		}
		req.Header.Set("Content-Type", "application/json")
		if e.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+e.apiKey)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			// Respect Retry-After when the server provides one.
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, perr := strconv.Atoi(ra); perr == nil {
					_ = resp.Body.Close()
					select {
					case <-ctx.Done():
						return nil, ctx.Err()
					case <-time.After(time.Duration(secs) * time.Second):
					}
					lastErr = goerr.New("embeddings request throttled", goerr.V("status", resp.Status))
					continue
				}
			}
			_ = resp.Body.Close()
			lastErr = goerr.New("embeddings request failed", goerr.V("status", resp.Status))
			continue
		}

		if resp.StatusCode >= 300 {
			_ = resp.Body.Close()
			return nil, goerr.New("embeddings request rejected", goerr.V("status", resp.Status))
		}

		payload, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		vec, ok := decodeEmbedding(payload)
		if !ok {
			lastErr = goerr.New("no embedding in response body")
			continue
		}
		if len(vec) != e.dimensions {
			return nil, goerr.New("embedding dimensions mismatch",
				goerr.V("want", e.dimensions), goerr.V("got", len(vec)), goerr.V("model", e.model))
		}
		return vec, nil
	}
	return nil, goerr.Wrap(lastErr, "embeddings request exhausted retries",
		goerr.V("attempts", e.maxRetries+1), goerr.V("model", e.model))
}

// decodeEmbedding accepts the OpenAI response shape and falls back to the
// Ollama-native one.
func decodeEmbedding(payload []byte) ([]float32, bool) {
	var openaiOut struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &openaiOut); err == nil {
		if len(openaiOut.Data) > 0 && len(openaiOut.Data[0].Embedding) > 0 {
			return openaiOut.Data[0].Embedding, true
		}
	}
	var ollamaOut struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(payload, &ollamaOut); err == nil && len(ollamaOut.Embedding) > 0 {
		return ollamaOut.Embedding, true
	}
	return nil, false
}

func retryDelay(attempt int) time.Duration {
	base := 200 * time.Millisecond
	d := base << attempt
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
