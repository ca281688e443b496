package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS history (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	name        TEXT NOT NULL,
	status      TEXT,
	run_id      TEXT,
	session_key TEXT,
	seq         BIGINT,
	payload     JSONB,
	error       TEXT,
	at          BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_session ON history (session_key, at);
CREATE INDEX IF NOT EXISTS idx_history_run ON history (run_id, at);
`

// PostgresStore keeps history in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore wraps an open pool. Close closes the pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the schema.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create postgres schema: %w", err)
	}
	return nil
}

// Insert writes records using pgx.Batch with ON CONFLICT DO NOTHING.
func (s *PostgresStore) Insert(ctx context.Context, records []Record) (int, error) {
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO history (id, kind, name, status, run_id, session_key, seq, payload, error, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)
			ON CONFLICT (id) DO NOTHING
		`, r.ID, string(r.Kind), r.Name,
			nullString(r.Status), nullString(r.RunID), nullString(r.SessionKey),
			r.Seq, nullPayload(r.Payload), nullString(r.Error),
			r.At.UnixMicro())
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range records {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// Recent returns matching records, newest first.
func (s *PostgresStore) Recent(ctx context.Context, q Query) ([]Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, kind, name, status, run_id, session_key, seq, payload::text, error, at
		FROM history
		WHERE ($1 = '' OR session_key = $1)
		  AND ($2 = '' OR run_id = $2)
		  AND ($3 = '' OR kind = $3)
		ORDER BY at DESC
		LIMIT $4
	`, q.SessionKey, q.RunID, string(q.Kind), q.limit())
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                                       Record
			kind                                    string
			status, runID, session, payload, errMsg *string
			at                                      int64
		)
		if err := rows.Scan(&r.ID, &kind, &r.Name, &status, &runID, &session, &r.Seq, &payload, &errMsg, &at); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.Kind = Kind(kind)
		r.Status = deref(status)
		r.RunID = deref(runID)
		r.SessionKey = deref(session)
		r.Error = deref(errMsg)
		if payload != nil {
			r.Payload = json.RawMessage(*payload)
		}
		r.At = fromMicros(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
