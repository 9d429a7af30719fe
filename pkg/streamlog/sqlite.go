package streamlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/streamfold/pkg/engine"
)

// SQLiteStore mirrors stream records into sqlite, keeping the most recent
// Limit streams.
type SQLiteStore struct {
	db    *sql.DB
	limit int
}

var _ Log = &SQLiteStore{}

func NewSQLiteStore(dsn string, limit int) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite stream log: empty dsn")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db, limit: limit}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stream_records (
		  seq INTEGER PRIMARY KEY AUTOINCREMENT,
		  stream_id TEXT NOT NULL UNIQUE,
		  completed INTEGER NOT NULL DEFAULT 0,
		  error TEXT NOT NULL DEFAULT '',
		  started_at_ms INTEGER NOT NULL,
		  ended_at_ms INTEGER NOT NULL,
		  objects INTEGER NOT NULL DEFAULT 0,
		  applied INTEGER NOT NULL DEFAULT 0,
		  malformed INTEGER NOT NULL DEFAULT 0,
		  dropped INTEGER NOT NULL DEFAULT 0,
		  chunk_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS stream_chunks (
		  stream_id TEXT NOT NULL REFERENCES stream_records(stream_id) ON DELETE CASCADE,
		  seq INTEGER NOT NULL,
		  ts_ms INTEGER NOT NULL,
		  text TEXT NOT NULL,
		  PRIMARY KEY (stream_id, seq)
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite stream log: migrate")
		}
	}
	return nil
}

// Record stores rec, replacing an earlier record with the same id, then prunes
// to the most recent streams.
func (s *SQLiteStore) Record(ctx context.Context, rec engine.StreamRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite stream log: db is nil")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("sqlite stream log: stream id is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite stream log: begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM stream_records WHERE stream_id = ?`, rec.ID); err != nil {
		return errors.Wrap(err, "sqlite stream log: replace record")
	}
	completed := 0
	if rec.Completed {
		completed = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stream_records (
			stream_id, completed, error, started_at_ms, ended_at_ms,
			objects, applied, malformed, dropped, chunk_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, completed, rec.Error, toMs(rec.StartedAt), toMs(rec.EndedAt),
		rec.Objects, rec.Applied, rec.Malformed, rec.Dropped, len(rec.Chunks))
	if err != nil {
		return errors.Wrap(err, "sqlite stream log: insert record")
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO stream_chunks (stream_id, seq, ts_ms, text) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "sqlite stream log: prepare chunks")
	}
	defer func() { _ = stmt.Close() }()
	for _, c := range rec.Chunks {
		if _, err := stmt.ExecContext(ctx, rec.ID, c.Sequence, toMs(c.Timestamp), c.Text); err != nil {
			return errors.Wrap(err, "sqlite stream log: insert chunk")
		}
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM stream_records WHERE seq NOT IN (
			SELECT seq FROM stream_records ORDER BY seq DESC LIMIT ?
		)
	`, s.limit)
	if err != nil {
		return errors.Wrap(err, "sqlite stream log: prune")
	}
	return errors.Wrap(tx.Commit(), "sqlite stream log: commit")
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]engine.StreamRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite stream log: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = s.limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id, completed, error, started_at_ms, ended_at_ms,
		       objects, applied, malformed, dropped
		FROM stream_records
		ORDER BY seq DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite stream log: list")
	}
	defer func() { _ = rows.Close() }()

	out := make([]engine.StreamRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "sqlite stream log: list rows")
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (engine.StreamRecord, bool, error) {
	if s == nil || s.db == nil {
		return engine.StreamRecord{}, false, errors.New("sqlite stream log: db is nil")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return engine.StreamRecord{}, false, errors.New("sqlite stream log: stream id is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `
		SELECT stream_id, completed, error, started_at_ms, ended_at_ms,
		       objects, applied, malformed, dropped
		FROM stream_records
		WHERE stream_id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return engine.StreamRecord{}, false, nil
	}
	if err != nil {
		return engine.StreamRecord{}, false, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, ts_ms, text FROM stream_chunks WHERE stream_id = ? ORDER BY seq ASC
	`, id)
	if err != nil {
		return engine.StreamRecord{}, false, errors.Wrap(err, "sqlite stream log: get chunks")
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			c  engine.RawChunk
			ts int64
		)
		if err := rows.Scan(&c.Sequence, &ts, &c.Text); err != nil {
			return engine.StreamRecord{}, false, errors.Wrap(err, "sqlite stream log: scan chunk")
		}
		c.Timestamp = fromMs(ts)
		rec.Chunks = append(rec.Chunks, c)
	}
	if err := rows.Err(); err != nil {
		return engine.StreamRecord{}, false, errors.Wrap(err, "sqlite stream log: chunk rows")
	}
	return rec, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (engine.StreamRecord, error) {
	var (
		rec       engine.StreamRecord
		completed int64
		started   int64
		ended     int64
	)
	err := row.Scan(&rec.ID, &completed, &rec.Error, &started, &ended,
		&rec.Objects, &rec.Applied, &rec.Malformed, &rec.Dropped)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, errors.Wrap(err, "sqlite stream log: scan record")
	}
	rec.Completed = completed == 1
	rec.StartedAt = fromMs(started)
	rec.EndedAt = fromMs(ended)
	return rec, nil
}

// DSNForFile builds a WAL-mode DSN for a database file.
func DSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite stream log: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func toMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
