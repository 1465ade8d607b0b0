// Package storage persists scheduled actions and their audit trail.
//
// Three drivers implement Store:
//   - "sqlite": modernc.org/sqlite database (WAL, retried on transient lock errors)
//   - "file":   snapshot + JSON Lines journal, compacted periodically
//   - "memory": process-local, for tests and storage-less runs
//
// Action ids are assigned by the store, strictly increasing, and never reused.
package storage
