package sqlite

import (
	"database/sql"
	"errors"
	"strings"
)

// modernc.org/sqlite surfaces constraint failures as plain error strings
// rather than typed errors, so classification is by message. The two
// spellings below cover the driver versions seen in the wild.

// isUniqueViolation reports whether err is a unique constraint failure,
// e.g. a second insert of the same record id or content hash.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// isForeignKeyViolation reports whether err is a foreign key failure,
// e.g. a file row inserted for a content hash with no blob row.
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// isNoRows reports whether err means the query matched nothing.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
