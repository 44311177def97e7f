package memory

import (
	"context"
	"sort"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
)

// Coordinator wraps one embedding backend per named aspect behind a single
// atomic call: either every requested aspect embeds, or the call fails and
// nothing is persisted. It is constructed once at process start and passed
// explicitly to every component that embeds text.
//
// Results are cached by (kind, aspect, text) so re-embedding the same text
// reuses the prior vector even when the backing model is not bit-for-bit
// deterministic.
type Coordinator struct {
	backends     map[string]Embedder
	aspects      []string
	modelVersion string
	cache        *ristretto.Cache
}

// defaultEmbedCacheBytes bounds the embed result cache.
const defaultEmbedCacheBytes = 64 << 20

// NewCoordinator builds a coordinator over one backend per aspect.
// modelVersion is stamped into every chunk payload so stale embeddings can
// be detected during reindexing.
func NewCoordinator(backends map[string]Embedder, modelVersion string) (*Coordinator, error) {
	if len(backends) == 0 {
		return nil, goerr.New("at least one aspect backend is required")
	}
	if modelVersion == "" {
		return nil, goerr.New("model version is required")
	}
	for aspect, b := range backends {
		if b == nil {
			return nil, goerr.New("nil backend", goerr.V("aspect", aspect))
		}
		if b.Dimensions() <= 0 {
			return nil, goerr.New("backend reports no dimensions", goerr.V("aspect", aspect))
		}
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     defaultEmbedCacheBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "create embed cache")
	}

	aspects := make([]string, 0, len(backends))
	for aspect := range backends {
		aspects = append(aspects, aspect)
	}
	sort.Strings(aspects)

	return &Coordinator{
		backends:     backends,
		aspects:      aspects,
		modelVersion: modelVersion,
		cache:        cache,
	}, nil
}

// Aspects returns the configured aspect names, sorted.
func (c *Coordinator) Aspects() []string {
	out := make([]string, len(c.aspects))
	copy(out, c.aspects)
	return out
}

// ModelVersion identifies the embedding model generation.
func (c *Coordinator) ModelVersion() string {
	return c.modelVersion
}

// Dimensions returns the vector size for an aspect, or 0 for unknown aspects.
func (c *Coordinator) Dimensions(aspect string) int {
	b, ok := c.backends[aspect]
	if !ok {
		return 0
	}
	return b.Dimensions()
}

// Embed produces document vectors for every requested aspect, atomically.
func (c *Coordinator) Embed(ctx context.Context, text string, aspects []string) (map[string][]float32, error) {
	return c.embed(ctx, text, aspects, false)
}

// EmbedQuery produces query vectors for every requested aspect. Backends
// implementing QueryEmbedder encode queries distinctly; others reuse their
// document encoding.
func (c *Coordinator) EmbedQuery(ctx context.Context, text string, aspects []string) (map[string][]float32, error) {
	return c.embed(ctx, text, aspects, true)
}

func (c *Coordinator) embed(ctx context.Context, text string, aspects []string, query bool) (map[string][]float32, error) {
	if len(aspects) == 0 {
		aspects = c.aspects
	}

	out := make(map[string][]float32, len(aspects))
	for _, aspect := range aspects {
		backend, ok := c.backends[aspect]
		if !ok {
			return nil, goerr.New("unknown aspect", goerr.V("aspect", aspect))
		}

		key := cacheKey(query, aspect, text)
		if v, ok := c.cache.Get(key); ok {
			if vec, ok := v.([]float32); ok {
				out[aspect] = vec
				continue
			}
		}

		var vec []float32
		var err error
		if qe, ok := backend.(QueryEmbedder); ok && query {
			vec, err = qe.EmbedQuery(ctx, text)
		} else {
			vec, err = backend.Embed(ctx, text)
		}
		if err != nil {
			// One failed aspect fails the whole call: no partially
			// embedded chunk may be persisted.
			return nil, goerr.Wrap(err, "embed aspect", goerr.V("aspect", aspect), goerr.V("query", query))
		}
		if len(vec) != backend.Dimensions() {
			return nil, goerr.New("embedding dimension mismatch",
				goerr.V("aspect", aspect),
				goerr.V("want", backend.Dimensions()),
				goerr.V("got", len(vec)))
		}

		c.cache.Set(key, vec, int64(len(vec)*4))
		out[aspect] = vec
	}
	return out, nil
}

func cacheKey(query bool, aspect, text string) string {
	kind := "d"
	if query {
		kind = "q"
	}
	return kind + "\x00" + aspect + "\x00" + text
}
