// Package store persists deferred actions and relay records.
//
// Two backends share one interface: a dependency-free file backend
// (snapshot + jsonl journal) and an optional SQLite backend behind the
// "sqlite" build tag. Both keep past-due actions across restarts so downtime
// never silently drops a scheduled side effect.
package store
