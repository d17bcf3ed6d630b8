// Package storage persists tracked patterns and the attempt ledger.
//
// Backends:
//   - sqlite: a single database file (modernc.org/sqlite, no cgo)
//   - file: a JSON patterns snapshot plus an append-only attempts journal
package storage
