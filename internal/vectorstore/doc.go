// Package vectorstore stores embedded records in named collections and
// answers nearest-neighbour queries over them.
//
// Callers embed text themselves and hand the store finished vectors, so a
// store never talks to an embedding model. Two backends exist: chromem-go
// (embedded, optionally persisted to disk) and Qdrant over gRPC.
package vectorstore
