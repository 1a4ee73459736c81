package state

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// CorruptStateError reports a period unit that exists but cannot be trusted.
type CorruptStateError struct {
	// Period is the canonical key of the affected period.
	Period string

	// Path is the database file.
	Path string

	// Reason describes what check failed.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

func (e *CorruptStateError) Error() string {
	msg := fmt.Sprintf("corrupt state for period %s (%s): %s", e.Period, e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptStateError) Unwrap() error {
	return e.Err
}

// IsCorruptState reports whether err is or wraps a *CorruptStateError.
func IsCorruptState(err error) bool {
	var ce *CorruptStateError
	return errors.As(err, &ce)
}

// isCorruptSQLite reports whether err is an SQLite error that means the file
// content is damaged rather than temporarily unavailable.
func isCorruptSQLite(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrNotADB || se.Code == sqlite3.ErrCorrupt || se.Code == sqlite3.ErrFormat
}
