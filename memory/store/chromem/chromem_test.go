package chromem_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/whisperengine-ai/whisperengine-v2-sub016/memory"
	"github.com/whisperengine-ai/whisperengine-v2-sub016/memory/store/chromem"
)

const dims = 4

func vec(vals ...float32) []float32 {
	out := make([]float32, dims)
	copy(out, vals)
	return out
}

func chunk(recordID string, index, count int, ownerID, scopeID string, v []float32) memory.Chunk {
	return memory.Chunk{
		ID:           memory.ChunkID(recordID, index),
		RecordID:     recordID,
		Index:        index,
		Count:        count,
		OwnerID:      ownerID,
		ScopeID:      scopeID,
		Text:         "chunk text of " + recordID,
		CreatedAt:    time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		ModelVersion: "v1",
		Vectors:      map[string][]float32{"content": v},
	}
}

func newStore(t *testing.T) *chromem.Store {
	t.Helper()
	s, err := chromem.New(chromem.Config{Aspects: []string{"content"}})
	gt.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRequiresAspects(t *testing.T) {
	_, err := chromem.New(chromem.Config{})
	gt.Error(t, err)
}

func TestStoreUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	gt.NoError(t, s.Upsert(ctx, []memory.Chunk{
		chunk("rec-a", 0, 1, "u1", "", vec(1, 0, 0, 0)),
		chunk("rec-b", 0, 1, "u1", "", vec(0, 1, 0, 0)),
	}))

	hits, err := s.Search(ctx, "content", vec(1, 0, 0, 0), memory.Filter{OwnerID: "u1"}, 10)
	gt.NoError(t, err)
	gt.True(t, len(hits) >= 1)

	top := hits[0]
	gt.Equal(t, top.Chunk.RecordID, "rec-a")
	gt.Equal(t, top.Aspect, "content")
	gt.Equal(t, top.Chunk.ModelVersion, "v1")
	gt.True(t, top.Score > 0.99)
}

func TestStoreSearchMissingVectorRejected(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	c := chunk("rec-a", 0, 1, "u1", "", vec(1, 0, 0, 0))
	c.Vectors = map[string][]float32{"affect": vec(1, 0, 0, 0)}
	gt.Error(t, s.Upsert(ctx, []memory.Chunk{c}))
}

func TestStoreOwnerIsolation(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	gt.NoError(t, s.Upsert(ctx, []memory.Chunk{
		chunk("rec-a", 0, 1, "alice", "", vec(1, 0, 0, 0)),
		chunk("rec-b", 0, 1, "bob", "", vec(1, 0, 0, 0)),
	}))

	hits, err := s.Search(ctx, "content", vec(1, 0, 0, 0), memory.Filter{OwnerID: "alice"}, 10)
	gt.NoError(t, err)
	gt.V(t, len(hits)).Equal(1)
	gt.Equal(t, hits[0].Chunk.RecordID, "rec-a")
}

func TestStoreScopeFilter(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	gt.NoError(t, s.Upsert(ctx, []memory.Chunk{
		chunk("rec-work", 0, 1, "u1", "work", vec(1, 0, 0, 0)),
		chunk("rec-home", 0, 1, "u1", "home", vec(1, 0, 0, 0)),
	}))

	scoped, err := s.Search(ctx, "content", vec(1, 0, 0, 0), memory.Filter{OwnerID: "u1", ScopeID: "work"}, 10)
	gt.NoError(t, err)
	gt.V(t, len(scoped)).Equal(1)
	gt.Equal(t, scoped[0].Chunk.RecordID, "rec-work")

	all, err := s.Search(ctx, "content", vec(1, 0, 0, 0), memory.Filter{OwnerID: "u1"}, 10)
	gt.NoError(t, err)
	gt.V(t, len(all)).Equal(2)
}

func TestStoreScopeFilterReturnsAllMatchesInLargeCollection(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	// The scope filter matches far fewer documents than the collection
	// holds, and the match count is not a power-of-two fraction of the
	// request, so a search that undershoots would drop matches.
	var chunks []memory.Chunk
	for i := 0; i < 40; i++ {
		chunks = append(chunks, chunk(fmt.Sprintf("bulk-%d", i), 0, 1, "u1", "other", vec(0, 1, 0, 0)))
	}
	for i := 0; i < 3; i++ {
		chunks = append(chunks, chunk(fmt.Sprintf("rare-%d", i), 0, 1, "u1", "rare", vec(1, 0, 0, 0)))
	}
	gt.NoError(t, s.Upsert(ctx, chunks))

	hits, err := s.Search(ctx, "content", vec(1, 0, 0, 0), memory.Filter{OwnerID: "u1", ScopeID: "rare"}, 10)
	gt.NoError(t, err)
	gt.V(t, len(hits)).Equal(3)
	for _, h := range hits {
		gt.Equal(t, h.Chunk.ScopeID, "rare")
	}
}

func TestStoreSearchEmptyCollection(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	hits, err := s.Search(ctx, "content", vec(1, 0, 0, 0), memory.Filter{OwnerID: "nobody"}, 10)
	gt.NoError(t, err)
	gt.V(t, len(hits)).Equal(0)
}

func TestStoreLimitLargerThanCollection(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	gt.NoError(t, s.Upsert(ctx, []memory.Chunk{
		chunk("rec-a", 0, 1, "u1", "", vec(1, 0, 0, 0)),
	}))

	hits, err := s.Search(ctx, "content", vec(1, 0, 0, 0), memory.Filter{OwnerID: "u1"}, 50)
	gt.NoError(t, err)
	gt.V(t, len(hits)).Equal(1)
}

func TestStoreDeleteCascade(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	gt.NoError(t, s.Upsert(ctx, []memory.Chunk{
		chunk("rec-a", 0, 2, "u1", "", vec(1, 0, 0, 0)),
		chunk("rec-a", 1, 2, "u1", "", vec(0.9, 0.1, 0, 0)),
		chunk("rec-b", 0, 1, "u1", "", vec(0, 1, 0, 0)),
	}))

	gt.NoError(t, s.Delete(ctx, "u1", "rec-a"))

	hits, err := s.Search(ctx, "content", vec(1, 0, 0, 0), memory.Filter{OwnerID: "u1"}, 10)
	gt.NoError(t, err)
	for _, h := range hits {
		gt.True(t, h.Chunk.RecordID != "rec-a")
	}
}

func TestStoreDeleteUnknownRecordIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	gt.NoError(t, s.Delete(ctx, "u1", "never-stored"))
}

func TestStoreMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	c := chunk("rec-a", 1, 3, "u1", "work", vec(1, 0, 0, 0))
	c.Metadata = map[string]string{"role": "assistant"}
	gt.NoError(t, s.Upsert(ctx, []memory.Chunk{c}))

	hits, err := s.Search(ctx, "content", vec(1, 0, 0, 0), memory.Filter{OwnerID: "u1"}, 10)
	gt.NoError(t, err)
	gt.V(t, len(hits)).Equal(1)

	got := hits[0].Chunk
	gt.Equal(t, got.ID, memory.ChunkID("rec-a", 1))
	gt.Equal(t, got.Index, 1)
	gt.Equal(t, got.Count, 3)
	gt.Equal(t, got.ScopeID, "work")
	gt.Equal(t, got.CreatedAt, c.CreatedAt)
	gt.Equal(t, got.Metadata["role"], "assistant")
}

func TestStorePersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := chromem.New(chromem.Config{Aspects: []string{"content"}, PersistPath: dir})
	gt.NoError(t, err)
	gt.NoError(t, s1.Upsert(ctx, []memory.Chunk{
		chunk("rec-a", 0, 1, "u1", "", vec(1, 0, 0, 0)),
	}))
	gt.NoError(t, s1.Close())

	s2, err := chromem.New(chromem.Config{Aspects: []string{"content"}, PersistPath: dir})
	gt.NoError(t, err)
	defer s2.Close()

	hits, err := s2.Search(ctx, "content", vec(1, 0, 0, 0), memory.Filter{OwnerID: "u1"}, 10)
	gt.NoError(t, err)
	gt.V(t, len(hits)).Equal(1)
	gt.Equal(t, hits[0].Chunk.RecordID, "rec-a")
}
