// Package storage persists timer fire history.
//
// Drivers:
//   - "file": JSON Lines, compacted by rewriting the tail
//   - "sqlite": SQLite via modernc.org/sqlite (pure Go, no cgo)
//
// Driver "" or "none" disables storage; Open then returns (nil, nil).
package storage
