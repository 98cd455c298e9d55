// Package storage is the durable job registry: one ReminderJob per task id.
//
// Drivers:
//   - "sqlite": modernc SQLite database file (default)
//   - "file": snapshot + fsynced JSONL journal in a directory
//   - "redis": one JSON value per job plus a sorted index of scheduled fire times
//   - "memory": process-local map, for tests and dry runs
//
// Every write has reached the backend's durable medium when the call returns.
package storage
