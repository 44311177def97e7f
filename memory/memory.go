package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Canonical aspect names. Deployments may configure any aspect set; these
// are the defaults used by the conversational memory pipeline.
const (
	AspectContent = "content"
	AspectAffect  = "affect"
	AspectTopic   = "topic"
)

// Error tags classify failures for callers that degrade gracefully.
var (
	// TagNotFound marks expected not-found outcomes (deleted or unknown
	// records). These are first-class results, not failures.
	TagNotFound = goerr.NewTag("not_found")

	// TagUnavailable marks transient backend failures that survived retry.
	// Callers should proceed without memory context rather than fail.
	TagUnavailable = goerr.NewTag("unavailable")
)

var (
	// ErrRecordNotFound is returned when a record does not exist, typically
	// because it was deleted after its chunks were surfaced in a result.
	ErrRecordNotFound = goerr.New("record not found", goerr.T(TagNotFound))

	// ErrMemoryUnavailable is returned after retries against a backend are
	// exhausted.
	ErrMemoryUnavailable = goerr.New("memory unavailable", goerr.T(TagUnavailable))
)

// IsNotFound reports whether err is a not-found outcome.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) || goerr.HasTag(err, TagNotFound)
}

// IsUnavailable reports whether err is a transient-backend failure that
// exhausted its retries.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrMemoryUnavailable) || goerr.HasTag(err, TagUnavailable)
}

// Record is the immutable unit of stored memory: one message or document.
// Content corrections are new records, never in-place updates.
type Record struct {
	ID        string
	OwnerID   string
	ScopeID   string
	Text      string
	CreatedAt time.Time

	// Metadata is an open extension map (role, significance, tags).
	// The engine itself only depends on the first-class fields above.
	Metadata map[string]string
}

// Chunk is a derived, embeddable fragment of a record with positional
// linkage back to its parent. A record at or below the chunking threshold
// yields exactly one chunk whose text equals the record text.
type Chunk struct {
	ID           string
	RecordID     string
	Index        int
	Count        int
	OwnerID      string
	ScopeID      string
	Text         string
	CreatedAt    time.Time
	ModelVersion string

	// Vectors maps aspect name to the fixed-length embedding for that
	// aspect. A chunk is never persisted partially embedded.
	Vectors map[string][]float32

	Metadata map[string]string
}

// ChunkID derives the deterministic chunk identifier for a record fragment.
func ChunkID(recordID string, index int) string {
	return fmt.Sprintf("%s#%d", recordID, index)
}

// ScoredChunk is a vector store search hit: a chunk plus its similarity
// score along the aspect that was searched.
type ScoredChunk struct {
	Chunk  Chunk
	Aspect string
	Score  float64
}

// RankedResult is a deduplicated, merged retrieval result. IsPartial marks
// results whose text is a fragment of a larger record; callers needing the
// full text hydrate by RecordID.
type RankedResult struct {
	RecordID     string
	ChunkID      string
	Text         string
	Score        float64
	AspectScores map[string]float64
	ChunkIndex   int
	ChunkCount   int
	IsPartial    bool
	Metadata     map[string]string
}

// Tier is a storage-speed classification. It influences latency only;
// cold records remain fully retrievable.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// TierAssignment tracks access frequency and recency for one record.
// Mutated asynchronously by the tier manager, never on the read/write path.
type TierAssignment struct {
	RecordID       string
	Tier           Tier
	AccessCount    int64
	LastAccessedAt time.Time
}

// Embedder converts text to a fixed-length vector along a single aspect.
// Implementations: mock (testing/local), openai (HTTP API), onnx (local model).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// QueryEmbedder is optionally implemented by backends whose query encoding
// differs from document encoding. The coordinator falls back to Embed for
// backends that do not implement it.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Filter constrains a vector search to one owner and, when ScopeID is set,
// one conversation scope. Owner filtering is a hard constraint: a search
// never returns another owner's chunks regardless of similarity.
type Filter struct {
	OwnerID string
	ScopeID string
}

// VectorStore persists chunk vectors plus payload metadata and answers
// nearest-neighbor queries per aspect.
type VectorStore interface {
	// Upsert stores every aspect vector of every chunk. Chunks carry their
	// full payload so no secondary lookup is needed at query time.
	Upsert(ctx context.Context, chunks []Chunk) error

	// Search returns up to limit chunks for one aspect, most similar first.
	// An empty index yields an empty result, not an error.
	Search(ctx context.Context, aspect string, query []float32, filter Filter, limit int) ([]ScoredChunk, error)

	// Delete removes every chunk whose parent is recordID, across all
	// aspects. Orphaned chunks are a correctness violation, so any partial
	// failure must be reported.
	Delete(ctx context.Context, ownerID, recordID string) error

	Close() error
}

// RecordStore holds the canonical record text for hydration.
type RecordStore interface {
	// PutRecord persists a record. Re-putting an existing ID is a no-op:
	// records are immutable.
	PutRecord(ctx context.Context, rec *Record) error

	// GetRecord is a direct primary-key lookup. Returns ErrRecordNotFound
	// for unknown or deleted records.
	GetRecord(ctx context.Context, recordID string) (*Record, error)

	// DeleteRecord removes a record. Returns ErrRecordNotFound when the
	// record does not exist.
	DeleteRecord(ctx context.Context, recordID string) error

	Close() error
}

// TierStore persists tier assignments.
type TierStore interface {
	UpsertTier(ctx context.Context, ta TierAssignment) error
	GetTier(ctx context.Context, recordID string) (*TierAssignment, error)

	// DemoteIdle moves every non-cold record last accessed before idleBefore
	// to the cold tier, returning how many were demoted.
	DemoteIdle(ctx context.Context, idleBefore time.Time) (int, error)
}
