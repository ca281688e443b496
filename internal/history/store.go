package history

import (
	"context"
	"time"
)

// Store persists history records.
type Store interface {
	// Init creates the schema if needed.
	Init(ctx context.Context) error

	// Insert writes records, skipping ids already stored. It returns how
	// many rows were inserted.
	Insert(ctx context.Context, records []Record) (int, error)

	// Recent returns matching records, newest first.
	Recent(ctx context.Context, q Query) ([]Record, error)

	Close() error
}

// DefaultQueryLimit applies when Query.Limit is unset.
const DefaultQueryLimit = 50

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultQueryLimit
	}
	return q.Limit
}

// nullString maps "" to NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullPayload maps an empty payload to NULL.
func nullPayload(p []byte) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us)
}
