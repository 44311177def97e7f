package memory

import (
	"time"
	"unicode"
)

// Chunker splits record text into overlapping, embeddable segments.
//
// A single embedding approximates the average semantic content of its text.
// Past the encoder's effective window, specific phrases are diluted by the
// surrounding content and targeted recall silently degrades. Chunking bounds
// that dilution radius while the overlap keeps phrases near a split point
// intact in at least one segment.
//
// All sizes are in runes; a multi-byte character is never split.
type Chunker struct {
	threshold int
	size      int
	overlap   int
}

// NewChunker builds a chunker from an already validated config.
func NewChunker(cfg *Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{
		threshold: cfg.ChunkThreshold,
		size:      cfg.ChunkSize,
		overlap:   cfg.ChunkOverlap,
	}, nil
}

// Split derives chunks from a record. Records at or below the threshold
// yield exactly one chunk whose text equals the record text. Longer records
// split into segments of roughly the configured size, each segment after
// the first repeating the last overlap runes of its predecessor, so
// concatenating chunk 0 with every later chunk minus its overlap prefix
// reconstructs the record text exactly.
func (c *Chunker) Split(rec *Record) []Chunk {
	runes := []rune(rec.Text)
	n := len(runes)

	if n <= c.threshold {
		return []Chunk{c.newChunk(rec, 0, 1, rec.Text)}
	}

	step := c.size - c.overlap
	count := (n - c.overlap + step - 1) / step
	if count < 1 {
		count = 1
	}

	// Interior boundaries sit at multiples of the stride, snapped backward
	// to the nearest word start when one is close enough. Snapping never
	// moves a boundary before the previous one or into the overlap window
	// of the record head, so the overlap prefix stays exactly c.overlap runes.
	window := c.overlap
	if max := step / 2; window > max {
		window = max
	}

	bounds := make([]int, count+1)
	bounds[count] = n
	for k := 1; k < count; k++ {
		b := snapToWordStart(runes, k*step, window)
		if b < c.overlap {
			b = c.overlap
		}
		if b <= bounds[k-1] {
			b = bounds[k-1] + 1
		}
		if b > n {
			b = n
		}
		bounds[k] = b
	}

	chunks := make([]Chunk, 0, count)
	for k := 0; k < count; k++ {
		if bounds[k+1] <= bounds[k] {
			continue
		}
		start := bounds[k]
		if k > 0 {
			start -= c.overlap
		}
		chunks = append(chunks, c.newChunk(rec, len(chunks), count, string(runes[start:bounds[k+1]])))
	}

	// Boundary clamping can collapse segments for extreme overlap settings.
	if len(chunks) != count {
		for i := range chunks {
			chunks[i].Count = len(chunks)
		}
	}
	return chunks
}

func (c *Chunker) newChunk(rec *Record, index, count int, text string) Chunk {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return Chunk{
		ID:        ChunkID(rec.ID, index),
		RecordID:  rec.ID,
		Index:     index,
		Count:     count,
		OwnerID:   rec.OwnerID,
		ScopeID:   rec.ScopeID,
		Text:      text,
		CreatedAt: createdAt,
		Metadata:  rec.Metadata,
	}
}

// snapToWordStart searches backward from ideal for the start of a word,
// giving up after window runes so segments stay near their target size.
func snapToWordStart(runes []rune, ideal, window int) int {
	if ideal >= len(runes) {
		return len(runes)
	}
	for off := 0; off <= window && ideal-off > 0; off++ {
		if unicode.IsSpace(runes[ideal-off-1]) {
			return ideal - off
		}
	}
	return ideal
}
