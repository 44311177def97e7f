// Package memory implements a long-term semantic memory engine for
// conversational agents.
//
// Inbound text is split into overlapping chunks, embedded along multiple
// named aspects (content, affect, topic), and persisted in a vector store
// namespaced by owner. Queries embed the question along the same aspects,
// over-fetch candidates per aspect, merge them with a weighted score, and
// deduplicate so each source record appears at most once. Partial matches
// can be expanded to the full original text through hydration, a direct
// primary-key lookup that never touches the vector index.
//
// Architecture:
//   - Chunker: bounds the semantic dilution radius of long records
//   - Coordinator: multi-aspect embedding behind a single atomic call
//   - VectorStore: chunk vectors plus payload metadata (chromem-go adapter)
//   - RecordStore: canonical record text for hydration (SQLite adapter)
//   - Manager: Store / Query / Hydrate / Delete orchestration
//   - TierManager: advisory hot/warm/cold access tracking, hot-record cache
//
// Records are immutable: a "write" is always a creation, never an in-place
// update, so concurrent writes to distinct records never conflict. The tier
// manager is a best-effort accelerator; its failure affects latency only,
// never correctness.
package memory
