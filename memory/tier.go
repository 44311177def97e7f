package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
)

// TierConfig controls the advisory tiering policy.
//
// Policy: a record touched HotAccessCount times within HotWindow is hot and
// its hydrated text is pinned in the in-process cache (bounded by
// HotCacheBytes, ristretto eviction). Any tracked access makes a record at
// least warm. A record idle for longer than ColdAfter demotes to cold. Cold
// is a latency hint only; nothing is ever evicted from primary storage.
type TierConfig struct {
	HotAccessCount int
	HotWindow      time.Duration
	ColdAfter      time.Duration
	FlushInterval  time.Duration
	HotCacheBytes  int64
	EventBuffer    int
}

// DefaultTierConfig returns the tiering defaults.
func DefaultTierConfig() TierConfig {
	return TierConfig{
		HotAccessCount: 3,
		HotWindow:      10 * time.Minute,
		ColdAfter:      30 * 24 * time.Hour,
		FlushInterval:  30 * time.Second,
		HotCacheBytes:  32 << 20,
		EventBuffer:    1024,
	}
}

// accessState is the in-memory view of one record's recent accesses.
type accessState struct {
	tier        Tier
	count       int64
	windowStart time.Time
	lastAccess  time.Time
	dirty       bool
}

// TierManager tracks access frequency and recency per record and advises
// hot/warm/cold placement. It runs as an independent best-effort background
// process: Touch never blocks the read path (a full event buffer drops the
// event), flush failures are logged and retried on the next interval, and
// no tier decision ever affects correctness.
type TierManager struct {
	store  TierStore
	cfg    TierConfig
	cache  *ristretto.Cache
	events chan string
	logger *slog.Logger

	mu    sync.Mutex
	state map[string]*accessState

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// TierOption configures the tier manager.
type TierOption func(*TierManager)

// WithTierLogger sets the structured logger. Defaults to slog.Default().
func WithTierLogger(logger *slog.Logger) TierOption {
	return func(t *TierManager) {
		t.logger = logger
	}
}

// withClock overrides the time source for tests.
func withClock(now func() time.Time) TierOption {
	return func(t *TierManager) {
		t.now = now
	}
}

// NewTierManager builds and starts the tier manager.
func NewTierManager(store TierStore, cfg TierConfig, opts ...TierOption) (*TierManager, error) {
	if store == nil {
		return nil, goerr.New("tier store is required")
	}
	if cfg.HotAccessCount <= 0 || cfg.HotWindow <= 0 || cfg.ColdAfter <= 0 || cfg.FlushInterval <= 0 {
		return nil, goerr.New("tier thresholds must be positive",
			goerr.V("hot_access_count", cfg.HotAccessCount),
			goerr.V("hot_window", cfg.HotWindow),
			goerr.V("cold_after", cfg.ColdAfter),
			goerr.V("flush_interval", cfg.FlushInterval))
	}
	if cfg.HotCacheBytes <= 0 {
		cfg.HotCacheBytes = DefaultTierConfig().HotCacheBytes
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultTierConfig().EventBuffer
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     cfg.HotCacheBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "create hot record cache")
	}

	t := &TierManager{
		store:  store,
		cfg:    cfg,
		cache:  cache,
		events: make(chan string, cfg.EventBuffer),
		logger: slog.Default(),
		state:  make(map[string]*accessState),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	t.wg.Add(1)
	go t.loop()
	return t, nil
}

// Touch records an access. Never blocks: when the buffer is full the event
// is dropped, which only costs tiering accuracy.
func (t *TierManager) Touch(recordID string) {
	select {
	case t.events <- recordID:
	default:
	}
}

// CachedRecord returns a hot record from the in-process cache.
func (t *TierManager) CachedRecord(recordID string) (*Record, bool) {
	v, ok := t.cache.Get(recordID)
	if !ok {
		return nil, false
	}
	rec, ok := v.(*Record)
	return rec, ok
}

// Admit offers a hydrated record to the hot cache. Only records currently
// classified hot are kept.
func (t *TierManager) Admit(rec *Record) {
	if rec == nil {
		return
	}
	t.mu.Lock()
	st, tracked := t.state[rec.ID]
	hot := tracked && st.tier == TierHot
	t.mu.Unlock()

	if hot {
		t.cache.Set(rec.ID, rec, int64(len(rec.Text)))
	}
}

// Forget drops all tier state for a deleted record.
func (t *TierManager) Forget(recordID string) {
	t.cache.Del(recordID)
	t.mu.Lock()
	delete(t.state, recordID)
	t.mu.Unlock()
}

// Stop flushes outstanding state and halts the background loop.
func (t *TierManager) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
}

func (t *TierManager) loop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case id := <-t.events:
			t.record(id)
		case <-ticker.C:
			t.flush()
			t.sweep()
		case <-t.done:
			t.drain()
			t.flush()
			return
		}
	}
}

// drain consumes events still buffered at shutdown.
func (t *TierManager) drain() {
	for {
		select {
		case id := <-t.events:
			t.record(id)
		default:
			return
		}
	}
}

func (t *TierManager) record(recordID string) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.state[recordID]
	if !ok {
		st = &accessState{tier: TierWarm, windowStart: now}
		t.state[recordID] = st
	}
	if now.Sub(st.windowStart) > t.cfg.HotWindow {
		st.windowStart = now
		st.count = 0
		if st.tier == TierHot {
			st.tier = TierWarm
		}
	}
	st.count++
	st.lastAccess = now
	st.dirty = true
	if st.count >= int64(t.cfg.HotAccessCount) {
		st.tier = TierHot
	}
}

// flush persists dirty assignments. Errors are logged only; the next
// interval retries.
func (t *TierManager) flush() {
	type row struct {
		id string
		ta TierAssignment
	}

	t.mu.Lock()
	rows := make([]row, 0, len(t.state))
	for id, st := range t.state {
		if !st.dirty {
			continue
		}
		rows = append(rows, row{id: id, ta: TierAssignment{
			RecordID:       id,
			Tier:           st.tier,
			AccessCount:    st.count,
			LastAccessedAt: st.lastAccess,
		}})
		st.dirty = false
	}
	t.mu.Unlock()

	if len(rows) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.FlushInterval)
	defer cancel()
	for _, r := range rows {
		if err := t.store.UpsertTier(ctx, r.ta); err != nil {
			t.logger.Warn("tier flush failed", "record_id", r.id, "error", err)
			t.mu.Lock()
			if st, ok := t.state[r.id]; ok {
				st.dirty = true
			}
			t.mu.Unlock()
			return
		}
	}
}

// sweep demotes idle records to cold, both persisted and in-memory, and
// evicts them from the hot cache.
func (t *TierManager) sweep() {
	cutoff := t.now().Add(-t.cfg.ColdAfter)

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.FlushInterval)
	defer cancel()
	if n, err := t.store.DemoteIdle(ctx, cutoff); err != nil {
		t.logger.Warn("tier demotion sweep failed", "error", err)
	} else if n > 0 {
		t.logger.Debug("records demoted to cold", "count", n)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, st := range t.state {
		if st.lastAccess.Before(cutoff) && st.tier != TierCold {
			st.tier = TierCold
			st.dirty = true
			t.cache.Del(id)
		}
	}
}
