// Package chromem adapts chromem-go, a pure Go embedded vector database,
// to the memory.VectorStore interface.
//
// Namespacing is structural: every (owner, aspect) pair gets its own
// collection, so one owner's chunks can never surface in another owner's
// search regardless of similarity. Scope filtering within an owner uses
// metadata where-clauses.
package chromem

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	chromem "github.com/philippgille/chromem-go"

	"github.com/whisperengine-ai/whisperengine-v2-sub016/memory"
)

// Payload keys. Everything needed at query time travels with the point so
// no secondary lookup is required.
const (
	metaParentRecordID = "parent_record_id"
	metaChunkIndex     = "chunk_index"
	metaChunkCount     = "chunk_count"
	metaOwnerID        = "owner_id"
	metaScopeID        = "scope_id"
	metaCreatedAt      = "created_at"
	metaModelVersion   = "model_version"

	// extensionPrefix namespaces caller-supplied metadata keys.
	extensionPrefix = "meta_"
)

// Config configures the chromem store.
type Config struct {
	// Aspects enumerates the aspect collections managed per owner.
	Aspects []string

	// PersistPath enables the persistent backend. Empty keeps everything
	// in process memory.
	PersistPath string

	// Compress gzips persisted collections.
	Compress bool
}

// Store implements memory.VectorStore on chromem-go.
type Store struct {
	db      *chromem.DB
	aspects []string

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// New creates a chromem-backed vector store.
func New(cfg Config) (*Store, error) {
	if len(cfg.Aspects) == 0 {
		return nil, goerr.New("at least one aspect is required")
	}

	var db *chromem.DB
	var err error
	if cfg.PersistPath != "" {
		db, err = chromem.NewPersistentDB(cfg.PersistPath, cfg.Compress)
		if err != nil {
			return nil, goerr.Wrap(err, "open persistent vector db", goerr.V("path", cfg.PersistPath))
		}
	} else {
		db = chromem.NewDB()
	}

	return &Store{
		db:          db,
		aspects:     append([]string(nil), cfg.Aspects...),
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// collectionName keeps the owner/aspect namespacing readable in persisted
// layouts. Empty owner holds global memories.
func collectionName(ownerID, aspect string) string {
	if ownerID == "" {
		return fmt.Sprintf("global_%s", aspect)
	}
	return fmt.Sprintf("owner_%s_%s", ownerID, aspect)
}

func (s *Store) collection(ownerID, aspect string) (*chromem.Collection, error) {
	name := collectionName(ownerID, aspect)

	s.mu.RLock()
	col, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	// Embeddings are always provided by the coordinator, so neither an
	// embedding function nor a custom distance is registered.
	col, err := s.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "get or create collection", goerr.V("collection", name))
	}
	s.collections[name] = col
	return col, nil
}

// Upsert stores every aspect vector of every chunk, batched per collection.
func (s *Store) Upsert(ctx context.Context, chunks []memory.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	type batch struct {
		ownerID string
		aspect  string
		docs    []chromem.Document
	}
	batches := make(map[string]*batch)

	for i := range chunks {
		c := &chunks[i]
		meta := payload(c)
		for _, aspect := range s.aspects {
			vec, ok := c.Vectors[aspect]
			if !ok {
				return goerr.New("chunk missing aspect vector",
					goerr.V("chunk_id", c.ID), goerr.V("aspect", aspect))
			}
			key := collectionName(c.OwnerID, aspect)
			b, ok := batches[key]
			if !ok {
				b = &batch{ownerID: c.OwnerID, aspect: aspect}
				batches[key] = b
			}
			b.docs = append(b.docs, chromem.Document{
				ID:        c.ID,
				Content:   c.Text,
				Embedding: vec,
				Metadata:  meta,
			})
		}
	}

	for _, b := range batches {
		col, err := s.collection(b.ownerID, b.aspect)
		if err != nil {
			return err
		}
		if err := col.AddDocuments(ctx, b.docs, 1); err != nil {
			return goerr.Wrap(err, "add documents",
				goerr.V("aspect", b.aspect), goerr.V("count", len(b.docs)))
		}
	}
	return nil
}

// Search answers a nearest-neighbor query for one aspect. Owner isolation
// comes from the collection split; the where clause re-asserts it and adds
// the optional scope constraint.
func (s *Store) Search(ctx context.Context, aspect string, query []float32, filter memory.Filter, limit int) ([]memory.ScoredChunk, error) {
	if limit <= 0 {
		return nil, nil
	}

	col, err := s.collection(filter.OwnerID, aspect)
	if err != nil {
		return nil, err
	}
	if col.Count() == 0 {
		return nil, nil
	}

	where := map[string]string{metaOwnerID: filter.OwnerID}
	if filter.ScopeID != "" {
		where[metaScopeID] = filter.ScopeID
	}

	// chromem requires nResults <= the count of documents matching the where
	// clause, and that count is not exposed. Try the full request first, then
	// binary search the largest size the filter can satisfy.
	n := limit
	if cnt := col.Count(); cnt < n {
		n = cnt
	}
	results, err := col.QueryEmbedding(ctx, query, n, where, nil)
	if err != nil {
		if !isTooFewDocsError(err) {
			return nil, goerr.Wrap(err, "query embedding", goerr.V("aspect", aspect))
		}
		lo, hi := 1, n-1
		results = nil
		for lo <= hi {
			mid := lo + (hi-lo)/2
			res, qerr := col.QueryEmbedding(ctx, query, mid, where, nil)
			switch {
			case qerr == nil:
				results = res
				lo = mid + 1
			case isTooFewDocsError(qerr):
				hi = mid - 1
			default:
				return nil, goerr.Wrap(qerr, "query embedding", goerr.V("aspect", aspect))
			}
		}
		if results == nil {
			return nil, nil
		}
	}

	scored := make([]memory.ScoredChunk, 0, len(results))
	for _, r := range results {
		chunk, err := chunkFromResult(r)
		if err != nil {
			return nil, err
		}
		scored = append(scored, memory.ScoredChunk{
			Chunk:  chunk,
			Aspect: aspect,
			Score:  float64(r.Similarity),
		})
	}
	return scored, nil
}

// Delete removes every chunk of a record from every aspect collection.
// Any per-aspect failure is reported so the caller can retry the cascade;
// orphaned chunks are a correctness violation.
func (s *Store) Delete(ctx context.Context, ownerID, recordID string) error {
	where := map[string]string{metaParentRecordID: recordID}
	for _, aspect := range s.aspects {
		col, err := s.collection(ownerID, aspect)
		if err != nil {
			return err
		}
		if col.Count() == 0 {
			continue
		}
		if err := col.Delete(ctx, where, nil); err != nil {
			return goerr.Wrap(err, "delete chunks",
				goerr.V("record_id", recordID), goerr.V("aspect", aspect))
		}
	}
	return nil
}

// Close releases the store. chromem flushes on every write, so there is
// nothing to sync here.
func (s *Store) Close() error {
	return nil
}

func payload(c *memory.Chunk) map[string]string {
	meta := map[string]string{
		metaParentRecordID: c.RecordID,
		metaChunkIndex:     strconv.Itoa(c.Index),
		metaChunkCount:     strconv.Itoa(c.Count),
		metaOwnerID:        c.OwnerID,
		metaScopeID:        c.ScopeID,
		metaCreatedAt:      c.CreatedAt.UTC().Format(time.RFC3339Nano),
		metaModelVersion:   c.ModelVersion,
	}
	for k, v := range c.Metadata {
		meta[extensionPrefix+k] = v
	}
	return meta
}

func chunkFromResult(r chromem.Result) (memory.Chunk, error) {
	index, err := strconv.Atoi(r.Metadata[metaChunkIndex])
	if err != nil {
		return memory.Chunk{}, goerr.Wrap(err, "parse chunk index", goerr.V("chunk_id", r.ID))
	}
	count, err := strconv.Atoi(r.Metadata[metaChunkCount])
	if err != nil {
		return memory.Chunk{}, goerr.Wrap(err, "parse chunk count", goerr.V("chunk_id", r.ID))
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, r.Metadata[metaCreatedAt])

	var extensions map[string]string
	for k, v := range r.Metadata {
		if strings.HasPrefix(k, extensionPrefix) {
			if extensions == nil {
				extensions = make(map[string]string)
			}
			extensions[strings.TrimPrefix(k, extensionPrefix)] = v
		}
	}

	return memory.Chunk{
		ID:           r.ID,
		RecordID:     r.Metadata[metaParentRecordID],
		Index:        index,
		Count:        count,
		OwnerID:      r.Metadata[metaOwnerID],
		ScopeID:      r.Metadata[metaScopeID],
		Text:         r.Content,
		CreatedAt:    createdAt,
		ModelVersion: r.Metadata[metaModelVersion],
		Metadata:     extensions,
	}, nil
}

// isTooFewDocsError detects chromem's complaint that nResults exceeds the
// number of matching documents.
func isTooFewDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
