// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import "strings"

// Lock contention surfaces from the pure-Go SQLite driver as string-coded
// errors rather than typed values, so matching is substring-based.
var sqliteContentionMarkers = []string{
	"SQLITE_BUSY",
	"database is locked",
}

// IsSQLiteConflictError reports whether err is a SQLite lock-contention
// error (SQLITE_BUSY or "database is locked"). Store write paths retry
// these with backoff because every service shares a single database file.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range sqliteContentionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
