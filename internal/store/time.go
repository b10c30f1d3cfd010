package store

import (
	"database/sql"
	"time"
)

// Millis converts t to the unix-millisecond representation used in every table.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts a stored unix-millisecond value back to UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// FromNullMillis converts a nullable column. Returns nil for NULL.
func FromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMillis(v.Int64)
	return &t
}
