// Package embeddings turns text into vectors for the memory store.
//
// Providers:
//   - tei: HuggingFace text-embeddings-inference over HTTP (default)
//   - fastembed: local ONNX models, cgo builds only
//   - hash: deterministic feature hashing, for offline runs and tests
package embeddings
