package store

import (
	"database/sql"
	"fmt"
	"time"
)

// timeLayout is the canonical timestamp encoding for every timestamp column.
// The columns are declared TEXT so the driver hands the stored string back
// untouched; fixed-width fractional seconds and a forced UTC offset keep
// SQLite's lexicographic comparison equivalent to chronological order, which
// the lease and outbox predicates rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtNullTime(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return fmtTime(t.Time)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(s sql.NullString) (sql.NullTime, error) {
	if !s.Valid {
		return sql.NullTime{}, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return sql.NullTime{}, err
	}
	return sql.NullTime{Time: t, Valid: true}, nil
}
