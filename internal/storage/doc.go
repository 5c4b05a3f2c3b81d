// Package storage is the optional persistence layer for delivery audit
// records and announcement dedup marks. It is separate from the scheduling
// state file: losing it costs history, not schedules.
//
// Drivers: "file" (JSON Lines + snapshot, dependency-free) and "sqlite"
// (behind the sqlite build tag).
package storage
