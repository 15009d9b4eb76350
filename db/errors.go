package db

import (
	"strings"

	"github.com/teranos/engage/errors"
)

// ErrDatabaseClosed is returned when a write races process shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err comes from a closed database, either
// ErrDatabaseClosed or the driver's own "database is closed" error, which
// cannot be wrapped at the source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
