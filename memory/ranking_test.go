package memory

import (
	"math"
	"testing"

	"github.com/m-mizutani/gt"
)

func hit(recordID string, index, count int, score float64) ScoredChunk {
	return ScoredChunk{
		Chunk: Chunk{
			ID:       ChunkID(recordID, index),
			RecordID: recordID,
			Index:    index,
			Count:    count,
		},
		Score: score,
	}
}

func TestMergeRankDedupByRecord(t *testing.T) {
	cfg := DefaultConfig()
	perAspect := map[string][]ScoredChunk{
		AspectContent: {
			hit("rec-a", 0, 3, 0.50),
			hit("rec-a", 1, 3, 0.90),
			hit("rec-a", 2, 3, 0.70),
			hit("rec-b", 0, 1, 0.80),
		},
	}

	results := mergeRank(perAspect, cfg, 10)
	gt.V(t, len(results)).Equal(2)

	gt.Equal(t, results[0].RecordID, "rec-a")
	gt.Equal(t, results[0].ChunkIndex, 1)
	gt.True(t, results[0].IsPartial)

	gt.Equal(t, results[1].RecordID, "rec-b")
	gt.Equal(t, results[1].ChunkIndex, 0)
	gt.False(t, results[1].IsPartial)
}

func TestMergeRankCombinesAspects(t *testing.T) {
	cfg := DefaultConfig()
	perAspect := map[string][]ScoredChunk{
		AspectContent: {hit("rec-a", 0, 1, 0.8)},
		AspectAffect:  {hit("rec-a", 0, 1, 0.4)},
	}

	results := mergeRank(perAspect, cfg, 10)
	gt.V(t, len(results)).Equal(1)

	// Equal weights average the two aspect scores.
	gt.True(t, math.Abs(results[0].Score-0.6) < 1e-9)
	gt.V(t, results[0].AspectScores[AspectContent]).Equal(0.8)
	gt.V(t, results[0].AspectScores[AspectAffect]).Equal(0.4)
}

func TestMergeRankRespectsWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AspectWeights = map[string]float64{
		AspectContent: 3.0,
		AspectAffect:  1.0,
	}

	perAspect := map[string][]ScoredChunk{
		AspectContent: {hit("rec-a", 0, 1, 1.0), hit("rec-b", 0, 1, 0.0)},
		AspectAffect:  {hit("rec-a", 0, 1, 0.0), hit("rec-b", 0, 1, 1.0)},
	}

	results := mergeRank(perAspect, cfg, 10)
	gt.V(t, len(results)).Equal(2)

	// Content dominates at 3:1, so rec-a wins.
	gt.Equal(t, results[0].RecordID, "rec-a")
	gt.True(t, math.Abs(results[0].Score-0.75) < 1e-9)
	gt.True(t, math.Abs(results[1].Score-0.25) < 1e-9)
}

func TestMergeRankMissingAspectScoresAsZero(t *testing.T) {
	cfg := DefaultConfig()
	perAspect := map[string][]ScoredChunk{
		AspectContent: {hit("rec-a", 0, 1, 0.9)},
		AspectAffect:  {hit("rec-b", 0, 1, 0.9)},
	}

	results := mergeRank(perAspect, cfg, 10)
	gt.V(t, len(results)).Equal(2)
	for _, r := range results {
		// Each record matched only one of two equally weighted aspects.
		gt.True(t, math.Abs(r.Score-0.45) < 1e-9)
	}
}

func TestMergeRankTruncatesToLimit(t *testing.T) {
	cfg := DefaultConfig()
	perAspect := map[string][]ScoredChunk{
		AspectContent: {
			hit("rec-a", 0, 1, 0.9),
			hit("rec-b", 0, 1, 0.8),
			hit("rec-c", 0, 1, 0.7),
			hit("rec-d", 0, 1, 0.6),
		},
	}

	results := mergeRank(perAspect, cfg, 2)
	gt.V(t, len(results)).Equal(2)
	gt.Equal(t, results[0].RecordID, "rec-a")
	gt.Equal(t, results[1].RecordID, "rec-b")
}

func TestMergeRankDeterministicTieBreak(t *testing.T) {
	cfg := DefaultConfig()
	perAspect := map[string][]ScoredChunk{
		AspectContent: {
			hit("rec-b", 0, 1, 0.5),
			hit("rec-a", 0, 1, 0.5),
			hit("rec-c", 0, 1, 0.5),
		},
	}

	for i := 0; i < 10; i++ {
		results := mergeRank(perAspect, cfg, 10)
		gt.Equal(t, results[0].RecordID, "rec-a")
		gt.Equal(t, results[1].RecordID, "rec-b")
		gt.Equal(t, results[2].RecordID, "rec-c")
	}
}

func TestMergeRankEmptyInput(t *testing.T) {
	results := mergeRank(map[string][]ScoredChunk{}, DefaultConfig(), 10)
	gt.V(t, len(results)).Equal(0)
}
