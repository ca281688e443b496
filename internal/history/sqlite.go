package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS history (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	name        TEXT NOT NULL,
	status      TEXT,
	run_id      TEXT,
	session_key TEXT,
	seq         INTEGER,
	payload     TEXT,
	error       TEXT,
	at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_session ON history (session_key, at);
CREATE INDEX IF NOT EXISTS idx_history_run ON history (run_id, at);
`

// SQLiteStore keeps history in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows one writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Init creates the schema.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create sqlite schema: %w", err)
	}
	return nil
}

// Insert writes records in one transaction.
func (s *SQLiteStore) Insert(ctx context.Context, records []Record) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO history (id, kind, name, status, run_id, session_key, seq, payload, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range records {
		res, err := stmt.ExecContext(ctx,
			r.ID, string(r.Kind), r.Name,
			nullString(r.Status), nullString(r.RunID), nullString(r.SessionKey),
			r.Seq, nullPayload(r.Payload), nullString(r.Error),
			r.At.UnixMicro(),
		)
		if err != nil {
			return 0, fmt.Errorf("insert %s: %w", r.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// Recent returns matching records, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, q Query) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, name, status, run_id, session_key, seq, payload, error, at
		FROM history
		WHERE (?1 = '' OR session_key = ?1)
		  AND (?2 = '' OR run_id = ?2)
		  AND (?3 = '' OR kind = ?3)
		ORDER BY at DESC, rowid DESC
		LIMIT ?4
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
			status, runID, session, payload, errMsg sql.NullString
			seq                                     sql.NullInt64
			at                                      int64
		)
		if err := rows.Scan(&r.ID, &kind, &r.Name, &status, &runID, &session, &seq, &payload, &errMsg, &at); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.Kind = Kind(kind)
		r.Status = status.String
		r.RunID = runID.String
		r.SessionKey = session.String
		r.Error = errMsg.String
		if seq.Valid {
			v := seq.Int64
			r.Seq = &v
		}
		if payload.Valid {
			r.Payload = json.RawMessage(payload.String)
		}
		r.At = fromMicros(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
