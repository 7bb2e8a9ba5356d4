// Package storage keeps the history of verification runs.
//
// Backends:
//   - "file": JSON Lines appended to <prefix>.runs.jsonl
//   - "sqlite": a SQLite database (modernc.org/sqlite, no cgo)
package storage
