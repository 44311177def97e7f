package mock_test

import (
	"context"
	"math"
	"testing"

	"github.com/m-mizutani/gt"

	"github.com/whisperengine-ai/whisperengine-v2-sub016/memory/embedder/mock"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestHashEmbedderDeterministic(t *testing.T) {
	ctx := context.Background()
	e := mock.New("content")

	a, err := e.Embed(ctx, "hello world")
	gt.NoError(t, err)
	b, err := e.Embed(ctx, "hello world")
	gt.NoError(t, err)
	gt.Equal(t, a, b)
	gt.V(t, len(a)).Equal(e.Dimensions())
	gt.True(t, math.Abs(norm(a)-1.0) < 1e-5)
}

func TestHashEmbedderAspectSalt(t *testing.T) {
	ctx := context.Background()
	content := mock.New("content")
	affect := mock.New("affect")

	a, err := content.Embed(ctx, "hello world")
	gt.NoError(t, err)
	b, err := affect.Embed(ctx, "hello world")
	gt.NoError(t, err)

	// Same text under different aspect salts lands far apart.
	gt.True(t, cosine(a, b) < 0.5)
}

func TestBagOfWordsSimilarityTracksOverlap(t *testing.T) {
	ctx := context.Background()
	e := mock.NewBagOfWords()

	cat, err := e.Embed(ctx, "the cat sat on the mat")
	gt.NoError(t, err)
	catToo, err := e.Embed(ctx, "the cat sat on a mat")
	gt.NoError(t, err)
	ship, err := e.Embed(ctx, "container ships crossed the pacific ocean")
	gt.NoError(t, err)

	gt.True(t, cosine(cat, catToo) > cosine(cat, ship))
	gt.True(t, math.Abs(norm(cat)-1.0) < 1e-5)
}

func TestBagOfWordsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	e := mock.NewBagOfWords()

	a, err := e.Embed(ctx, "Hello World")
	gt.NoError(t, err)
	b, err := e.Embed(ctx, "hello world")
	gt.NoError(t, err)
	gt.Equal(t, a, b)
}

func TestBagOfWordsEmptyText(t *testing.T) {
	e := mock.NewBagOfWords()
	vec, err := e.Embed(context.Background(), "")
	gt.NoError(t, err)
	gt.V(t, len(vec)).Equal(e.Dimensions())
}
