package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "cerebroso/pkg/logx"
)

// Store is the minimal persistence API used by the delivery and routine
// services.
type Store interface {
	AppendAudit(ctx context.Context, r Record) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store. A blank or "none" driver means
// storage is off and Open returns (nil, nil); callers treat a nil Store
// as "skip auditing".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", d)
	}
}
