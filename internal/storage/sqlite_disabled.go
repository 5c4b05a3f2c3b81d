//go:build !sqlite
// +build !sqlite

package storage

import (
	"errors"

	logx "cerebroso/pkg/logx"
)

func openSQLite(Config, logx.Logger) (Store, error) {
	return nil, errors.New("sqlite driver not compiled in; rebuild with -tags sqlite")
}
