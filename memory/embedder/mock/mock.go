// Package mock provides deterministic embedders for tests and local use,
// requiring no model files and no network.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const defaultDimensions = 384

// Embedder generates hash-based pseudo-random unit vectors. Output is
// bit-for-bit deterministic for a given (aspect, text) pair; the aspect
// salt keeps distinct aspects in distinct vector spaces.
//
// Hash vectors carry no semantic similarity. Use BagOfWords when a test
// needs overlap-sensitive scores.
type Embedder struct {
	aspect     string
	dimensions int
}

// New creates a hash embedder salted for one aspect.
func New(aspect string) *Embedder {
	return &Embedder{aspect: aspect, dimensions: defaultDimensions}
}

// Embed derives a deterministic unit vector from the text hash.
func (e *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(e.aspect))
	h.Write([]byte{0})
	h.Write([]byte(text))

	vec := make([]float32, e.dimensions)
	seed := h.Sum64()
	for i := range vec {
		// LCG keeps generation cheap and reproducible.
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec), nil
}

// Dimensions returns the vector size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// BagOfWords embeds text as a normalized token-frequency vector over hash
// buckets. Cosine similarity then reflects actual token overlap, which is
// enough to exercise ranking, deduplication, and the dilution behavior of
// long documents.
type BagOfWords struct {
	dimensions int
}

// NewBagOfWords creates a bag-of-words embedder.
func NewBagOfWords() *BagOfWords {
	return &BagOfWords{dimensions: 512}
}

// Embed buckets lowercase tokens by hash and normalizes the counts.
func (b *BagOfWords) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, b.dimensions)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[int(h.Sum32())%b.dimensions]++
	}
	return normalize(vec), nil
}

// Dimensions returns the vector size.
func (b *BagOfWords) Dimensions() int {
	return b.dimensions
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
