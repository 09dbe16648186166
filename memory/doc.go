// Package memory provides process-local implementations of the TaskMesh
// store interfaces: a versioned shared knowledge store, a per-worker
// episodic store with substring similarity search, and a TTL cache with
// entity-indexed invalidation.
//
// All implementations are safe for concurrent use and suitable for tests and
// single-process deployments. Production deployments typically swap the
// shared store for the SQLite-backed implementation in the sqlite
// sub-package or a custom backend.
package memory
