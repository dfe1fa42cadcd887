// Package memory implements the conversation memory of nim-recall.
//
// Memory is split in two tiers:
//   - TokenBuffer: the short-term, token-budgeted window of the live
//     conversation. Oldest turns are evicted first when the budget is exceeded.
//   - Stream + VectorIndex: the long-term, append-only log of summarized
//     documents, searched by the SalienceRetriever which blends semantic
//     similarity with a per-hour recency decay.
//
// Architecture:
//   - Embedder: Text-to-vector conversion (mock for tests, ONNX locally, OpenAI in production)
//   - VectorIndex: Nearest-neighbour search over document embeddings (chromem-go)
//   - Manager: Orchestrates ingestion, retrieval and prompt formatting
//   - PersistenceBackend: Durable per-conversation snapshots (files or SQLite)
//
// Integration:
//   - RETRIEVE phase: rank long-term memories before generation
//   - RECORD phase: append turns, summarize evicted turns into new documents
//
// Every type in this package is owned by a single conversation and is not
// safe for concurrent use; the engine serializes access per conversation id.
package memory
