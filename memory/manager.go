package memory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"
)

// Manager orchestrates the memory pipeline: chunk, embed, persist on the
// write path; embed, search, merge, dedup on the read path. It holds no
// mutable state of its own beyond injected dependencies, so all operations
// are safe for concurrent use across owners and scopes.
type Manager struct {
	cfg     *Config
	chunker *Chunker
	coord   *Coordinator
	vectors VectorStore
	records RecordStore
	tiers   *TierManager
	logger  *slog.Logger
}

// Option configures the manager.
type Option func(*Manager)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithTierManager attaches the optional tier accelerator. Retrieval and
// hydration notify it about record accesses; hot records hydrate from its
// cache.
func WithTierManager(t *TierManager) Option {
	return func(m *Manager) {
		m.tiers = t
	}
}

// NewManager wires the engine. Configuration problems are reported here,
// never at runtime.
func NewManager(cfg *Config, coord *Coordinator, vectors VectorStore, records RecordStore, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if coord == nil {
		return nil, goerr.New("embedding coordinator is required")
	}
	if vectors == nil {
		return nil, goerr.New("vector store is required")
	}
	if records == nil {
		return nil, goerr.New("record store is required")
	}

	chunker, err := NewChunker(cfg)
	if err != nil {
		return nil, err
	}
	for _, aspect := range cfg.Aspects {
		if coord.Dimensions(aspect) == 0 {
			return nil, goerr.New("no embedding backend for configured aspect", goerr.V("aspect", aspect))
		}
	}

	m := &Manager{
		cfg:     cfg,
		chunker: chunker,
		coord:   coord,
		vectors: vectors,
		records: records,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Store ingests a record: chunk, embed every chunk along every configured
// aspect, upsert the chunks, then persist the canonical text. Storing the
// same caller-supplied ID twice is idempotent and returns the existing ID
// without re-indexing.
//
// A failure after chunks were written triggers a cascade cleanup of that
// record's chunks before the error returns, so a half-indexed record is
// never visible to Search.
func (m *Manager) Store(ctx context.Context, rec *Record) (string, error) {
	if rec == nil || strings.TrimSpace(rec.Text) == "" {
		return "", goerr.New("record text is empty")
	}
	if rec.OwnerID == "" {
		return "", goerr.New("owner id is required")
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	} else {
		existing, err := m.records.GetRecord(ctx, rec.ID)
		switch {
		case err == nil:
			m.logger.Debug("record already stored", "record_id", rec.ID)
			return existing.ID, nil
		case !IsNotFound(err):
			return "", goerr.Wrap(err, "check existing record", goerr.V("record_id", rec.ID))
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	chunks := m.chunker.Split(rec)

	// Embed everything before the first upsert: cancellation mid-pipeline
	// must not leave a partially embedded chunk persisted.
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(m.cfg.EmbedWorkers)
	for i := range chunks {
		i := i
		eg.Go(func() error {
			var vectors map[string][]float32
			err := m.withRetry(ectx, m.cfg.EmbedTimeout, "embed chunk", func(callCtx context.Context) error {
				var embedErr error
				vectors, embedErr = m.coord.Embed(callCtx, chunks[i].Text, m.cfg.Aspects)
				return embedErr
			})
			if err != nil {
				return goerr.Wrap(err, "embed chunk", goerr.V("chunk_id", chunks[i].ID))
			}
			chunks[i].Vectors = vectors
			chunks[i].ModelVersion = m.coord.ModelVersion()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return "", err
	}

	if err := m.withRetry(ctx, m.cfg.UpsertTimeout, "upsert chunks", func(callCtx context.Context) error {
		return m.vectors.Upsert(callCtx, chunks)
	}); err != nil {
		m.cleanupChunks(ctx, rec.OwnerID, rec.ID)
		return "", err
	}

	if err := m.withRetry(ctx, m.cfg.UpsertTimeout, "put record", func(callCtx context.Context) error {
		return m.records.PutRecord(callCtx, rec)
	}); err != nil {
		m.cleanupChunks(ctx, rec.OwnerID, rec.ID)
		return "", err
	}

	m.logger.Debug("record stored",
		"record_id", rec.ID, "owner_id", rec.OwnerID, "scope_id", rec.ScopeID,
		"chunks", len(chunks))
	return rec.ID, nil
}

// Query embeds the text along every configured aspect, searches each aspect
// with an over-fetch, and merges the candidates into a deduplicated ranked
// list. No matches is a valid outcome: the result is an empty slice, not an
// error.
func (m *Manager) Query(ctx context.Context, text, ownerID, scopeID string, limit int) ([]RankedResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, goerr.New("query text is empty")
	}
	if ownerID == "" {
		return nil, goerr.New("owner id is required")
	}
	if limit <= 0 {
		limit = m.cfg.QueryLimit
	}

	var queryVectors map[string][]float32
	if err := m.withRetry(ctx, m.cfg.EmbedTimeout, "embed query", func(callCtx context.Context) error {
		var embedErr error
		queryVectors, embedErr = m.coord.EmbedQuery(callCtx, text, m.cfg.Aspects)
		return embedErr
	}); err != nil {
		return nil, err
	}

	filter := Filter{OwnerID: ownerID, ScopeID: scopeID}
	overfetch := limit * m.cfg.OverfetchFactor

	perAspect := make(map[string][]ScoredChunk, len(m.cfg.Aspects))
	for _, aspect := range m.cfg.Aspects {
		var hits []ScoredChunk
		if err := m.withRetry(ctx, m.cfg.SearchTimeout, "vector search", func(callCtx context.Context) error {
			var searchErr error
			hits, searchErr = m.vectors.Search(callCtx, aspect, queryVectors[aspect], filter, overfetch)
			return searchErr
		}); err != nil {
			return nil, goerr.Wrap(err, "search aspect", goerr.V("aspect", aspect))
		}
		perAspect[aspect] = hits
	}

	results := mergeRank(perAspect, m.cfg, limit)
	if m.tiers != nil {
		for _, r := range results {
			m.tiers.Touch(r.RecordID)
		}
	}

	m.logger.Debug("query served",
		"owner_id", ownerID, "scope_id", scopeID, "results", len(results))
	return results, nil
}

// Hydrate returns the full original record for an identifier surfaced in a
// partial result. It is a direct primary-key lookup; no similarity is
// computed. A record deleted after its chunk was indexed yields
// ErrRecordNotFound, which callers treat as "the memory has been forgotten".
func (m *Manager) Hydrate(ctx context.Context, recordID string) (*Record, error) {
	if recordID == "" {
		return nil, goerr.New("record id is required")
	}

	if m.tiers != nil {
		if rec, ok := m.tiers.CachedRecord(recordID); ok {
			m.tiers.Touch(recordID)
			return rec, nil
		}
	}

	var rec *Record
	if err := m.withRetry(ctx, m.cfg.SearchTimeout, "get record", func(callCtx context.Context) error {
		var getErr error
		rec, getErr = m.records.GetRecord(callCtx, recordID)
		return getErr
	}); err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		return nil, goerr.Wrap(err, "hydrate record", goerr.V("record_id", recordID))
	}

	if m.tiers != nil {
		m.tiers.Touch(recordID)
		m.tiers.Admit(rec)
	}
	return rec, nil
}

// Delete removes a record and every one of its chunks. The chunk cascade
// runs first so Search can never surface a chunk whose parent text is gone.
// Deleting an unknown record, or naming an owner other than the one that
// stored it, returns ErrRecordNotFound.
func (m *Manager) Delete(ctx context.Context, ownerID, recordID string) error {
	if recordID == "" {
		return goerr.New("record id is required")
	}
	if ownerID == "" {
		return goerr.New("owner id is required")
	}

	// Resolve the record before touching anything so the cascade targets the
	// owner that actually stored it. A mismatched caller must not be able to
	// strand another owner's chunks.
	var rec *Record
	if err := m.withRetry(ctx, m.cfg.SearchTimeout, "get record", func(callCtx context.Context) error {
		var getErr error
		rec, getErr = m.records.GetRecord(callCtx, recordID)
		return getErr
	}); err != nil {
		return err
	}
	if rec.OwnerID != ownerID {
		return goerr.Wrap(ErrRecordNotFound, "record not owned by caller",
			goerr.V("record_id", recordID), goerr.V("owner_id", ownerID))
	}

	if err := m.withRetry(ctx, m.cfg.UpsertTimeout, "delete chunks", func(callCtx context.Context) error {
		return m.vectors.Delete(callCtx, rec.OwnerID, recordID)
	}); err != nil {
		return err
	}

	if err := m.records.DeleteRecord(ctx, recordID); err != nil {
		return err
	}
	if m.tiers != nil {
		m.tiers.Forget(recordID)
	}

	m.logger.Debug("record deleted", "record_id", recordID, "owner_id", ownerID)
	return nil
}

// Close releases the underlying stores.
func (m *Manager) Close() error {
	if m.tiers != nil {
		m.tiers.Stop()
	}
	vErr := m.vectors.Close()
	rErr := m.records.Close()
	if vErr != nil {
		return vErr
	}
	return rErr
}

// cleanupChunks removes any chunks already written for a failed ingestion.
// Runs detached from the caller's (possibly canceled) context.
func (m *Manager) cleanupChunks(ctx context.Context, ownerID, recordID string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.UpsertTimeout)
	defer cancel()
	if err := m.vectors.Delete(cleanupCtx, ownerID, recordID); err != nil {
		m.logger.Warn("cleanup of partially stored record failed",
			"record_id", recordID, "error", err)
	}
}

// withRetry runs fn under a per-attempt timeout with bounded exponential
// backoff. Not-found outcomes and context cancellation are terminal;
// exhausted retries surface as a memory-unavailable error.
func (m *Manager) withRetry(ctx context.Context, timeout time.Duration, op string, fn func(context.Context) error) error {
	delay := m.cfg.RetryBaseDelay
	var lastErr error

	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			m.logger.Debug("retrying", "op", op, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return goerr.Wrap(ctx.Err(), op)
			case <-time.After(delay):
			}
			delay *= 2
			if delay > m.cfg.RetryMaxDelay {
				delay = m.cfg.RetryMaxDelay
			}
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		lastErr = fn(callCtx)
		if cancel != nil {
			cancel()
		}

		if lastErr == nil {
			return nil
		}
		if IsNotFound(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return goerr.Wrap(lastErr, op)
		}
	}

	return goerr.Wrap(errors.Join(ErrMemoryUnavailable, lastErr), op,
		goerr.V("attempts", m.cfg.MaxRetries+1))
}
