package memory

import (
	"errors"
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// Defaults for the chunking and retrieval pipeline. Sizes are in runes so
// multi-byte characters are never split.
const (
	DefaultChunkThreshold  = 1000
	DefaultChunkSize       = 500
	DefaultChunkOverlap    = 50
	DefaultOverfetchFactor = 3
	DefaultQueryLimit      = 10
	DefaultEmbedWorkers    = 4
)

// Config holds the engine configuration. Invalid values are rejected by
// Validate at construction time, never at runtime.
type Config struct {
	// ChunkThreshold is the record length (runes) at or below which a
	// record is stored as a single chunk.
	ChunkThreshold int `yaml:"chunk_threshold"`

	// ChunkSize and ChunkOverlap control segmentation of longer records.
	// Overlap must be smaller than size.
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`

	// Aspects are the embedding aspects computed for every chunk and query.
	Aspects []string `yaml:"aspects"`

	// AspectWeights adjusts score merging. Missing aspects weigh 1.0;
	// weights are normalized over the aspects present in a query.
	AspectWeights map[string]float64 `yaml:"aspect_weights"`

	// OverfetchFactor multiplies the caller's limit for per-aspect searches
	// so deduplication still fills the final result set.
	OverfetchFactor int `yaml:"overfetch_factor"`

	// QueryLimit is the default result cap when the caller passes limit <= 0.
	QueryLimit int `yaml:"query_limit"`

	// EmbedWorkers bounds per-record embedding concurrency so the backend
	// is not overwhelmed by a single long record.
	EmbedWorkers int `yaml:"embed_workers"`

	// Timeouts for the external calls of one operation.
	EmbedTimeout  time.Duration `yaml:"-"`
	SearchTimeout time.Duration `yaml:"-"`
	UpsertTimeout time.Duration `yaml:"-"`

	// Retry policy for transient backend failures: bounded exponential
	// backoff, then ErrMemoryUnavailable.
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"-"`
	RetryMaxDelay  time.Duration `yaml:"-"`
}

// DefaultConfig returns the defaults used by the conversational pipeline.
func DefaultConfig() *Config {
	return &Config{
		ChunkThreshold:  DefaultChunkThreshold,
		ChunkSize:       DefaultChunkSize,
		ChunkOverlap:    DefaultChunkOverlap,
		Aspects:         []string{AspectContent, AspectAffect, AspectTopic},
		OverfetchFactor: DefaultOverfetchFactor,
		QueryLimit:      DefaultQueryLimit,
		EmbedWorkers:    DefaultEmbedWorkers,
		EmbedTimeout:    30 * time.Second,
		SearchTimeout:   15 * time.Second,
		UpsertTimeout:   30 * time.Second,
		MaxRetries:      3,
		RetryBaseDelay:  200 * time.Millisecond,
		RetryMaxDelay:   5 * time.Second,
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return goerr.New("chunk size must be positive", goerr.V("chunk_size", c.ChunkSize))
	}
	if c.ChunkOverlap < 0 {
		return goerr.New("chunk overlap must not be negative", goerr.V("chunk_overlap", c.ChunkOverlap))
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return goerr.New("chunk overlap must be smaller than chunk size",
			goerr.V("chunk_size", c.ChunkSize), goerr.V("chunk_overlap", c.ChunkOverlap))
	}
	if c.ChunkThreshold < 0 {
		return goerr.New("chunk threshold must not be negative", goerr.V("chunk_threshold", c.ChunkThreshold))
	}
	if len(c.Aspects) == 0 {
		return goerr.New("at least one aspect is required")
	}
	seen := make(map[string]bool, len(c.Aspects))
	for _, a := range c.Aspects {
		if a == "" {
			return goerr.New("aspect name must not be empty")
		}
		if seen[a] {
			return goerr.New("duplicate aspect", goerr.V("aspect", a))
		}
		seen[a] = true
	}
	for a, w := range c.AspectWeights {
		if !seen[a] {
			return goerr.New("weight for unknown aspect", goerr.V("aspect", a))
		}
		if w < 0 {
			return goerr.New("aspect weight must not be negative",
				goerr.V("aspect", a), goerr.V("weight", w))
		}
	}
	if c.OverfetchFactor < 1 {
		return goerr.New("overfetch factor must be at least 1", goerr.V("overfetch_factor", c.OverfetchFactor))
	}
	if c.EmbedWorkers < 1 {
		return goerr.New("embed workers must be at least 1", goerr.V("embed_workers", c.EmbedWorkers))
	}
	if c.MaxRetries < 0 {
		return goerr.New("max retries must not be negative", goerr.V("max_retries", c.MaxRetries))
	}
	return nil
}

// weight returns the configured merge weight for an aspect, defaulting to
// equal weighting.
func (c *Config) weight(aspect string) float64 {
	if c.AspectWeights == nil {
		return 1.0
	}
	if w, ok := c.AspectWeights[aspect]; ok {
		return w
	}
	return 1.0
}

// fileConfig mirrors Config for YAML files, with durations in seconds.
type fileConfig struct {
	ChunkThreshold   int                `yaml:"chunk_threshold"`
	ChunkSize        int                `yaml:"chunk_size"`
	ChunkOverlap     int                `yaml:"chunk_overlap"`
	Aspects          []string           `yaml:"aspects"`
	AspectWeights    map[string]float64 `yaml:"aspect_weights"`
	OverfetchFactor  int                `yaml:"overfetch_factor"`
	QueryLimit       int                `yaml:"query_limit"`
	EmbedWorkers     int                `yaml:"embed_workers"`
	EmbedTimeoutSecs int                `yaml:"embed_timeout_secs"`
	SearchTimeoutSec int                `yaml:"search_timeout_secs"`
	UpsertTimeoutSec int                `yaml:"upsert_timeout_secs"`
	MaxRetries       *int               `yaml:"max_retries"`
	RetryBaseMillis  int                `yaml:"retry_base_millis"`
	RetryMaxMillis   int                `yaml:"retry_max_millis"`
}

// LoadConfig reads a YAML config file, layering it over the defaults.
// A missing file yields the defaults; a malformed or invalid file is a
// configuration error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, goerr.Wrap(err, "read config", goerr.V("path", path))
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, goerr.Wrap(err, "parse config", goerr.V("path", path))
	}

	if fc.ChunkThreshold > 0 {
		cfg.ChunkThreshold = fc.ChunkThreshold
	}
	if fc.ChunkSize > 0 {
		cfg.ChunkSize = fc.ChunkSize
	}
	if fc.ChunkOverlap > 0 {
		cfg.ChunkOverlap = fc.ChunkOverlap
	}
	if len(fc.Aspects) > 0 {
		cfg.Aspects = fc.Aspects
	}
	if len(fc.AspectWeights) > 0 {
		cfg.AspectWeights = fc.AspectWeights
	}
	if fc.OverfetchFactor > 0 {
		cfg.OverfetchFactor = fc.OverfetchFactor
	}
	if fc.QueryLimit > 0 {
		cfg.QueryLimit = fc.QueryLimit
	}
	if fc.EmbedWorkers > 0 {
		cfg.EmbedWorkers = fc.EmbedWorkers
	}
	if fc.EmbedTimeoutSecs > 0 {
		cfg.EmbedTimeout = time.Duration(fc.EmbedTimeoutSecs) * time.Second
	}
	if fc.SearchTimeoutSec > 0 {
		cfg.SearchTimeout = time.Duration(fc.SearchTimeoutSec) * time.Second
	}
	if fc.UpsertTimeoutSec > 0 {
		cfg.UpsertTimeout = time.Duration(fc.UpsertTimeoutSec) * time.Second
	}
	if fc.MaxRetries != nil {
		cfg.MaxRetries = *fc.MaxRetries
	}
	if fc.RetryBaseMillis > 0 {
		cfg.RetryBaseDelay = time.Duration(fc.RetryBaseMillis) * time.Millisecond
	}
	if fc.RetryMaxMillis > 0 {
		cfg.RetryMaxDelay = time.Duration(fc.RetryMaxMillis) * time.Millisecond
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
