package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one audit row: a delivery attempt, a confirmation, a rollover
// or a role change. Keep it compact and schema-stable.
type Record struct {
	At        time.Time
	Kind      string // deliver|announce|confirm|rollover|role
	OwnerID   int64
	ChatID    int64
	ItemID    string
	RoutineID string
	Outcome   string // sent|failed|gave_up|confirmed|missed|kept|granted|revoked
	Error     string
	Attempts  int
	TookMS    int64
}
