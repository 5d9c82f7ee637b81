// Package storage persists execution ledger records keyed by (site, operation).
//
// Drivers:
//   - memory: process-local map, for tests and single-shot runs
//   - sqlite: embedded database file (modernc.org/sqlite)
//   - postgres: shared database for multi-instance deployments (lib/pq)
//
// All drivers expose Mutate, a read-modify-write under a per-key lock, which is
// the only place ledger state changes.
package storage
