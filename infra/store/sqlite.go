package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kilianp07/peakshave/core/monitor"
)

// SQLiteStore persists monitor rows in a SQLite database. Rows are unique on
// (ts, channel); a second write of the same key replaces the value.
type SQLiteStore struct {
	db *sql.DB
}

var _ monitor.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database and ensures schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store requires a path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS monitor_rows (
        ts INTEGER,
        channel TEXT,
        value REAL,
        PRIMARY KEY(ts, channel)
    );`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Write upserts rows in a single transaction.
func (s *SQLiteStore) Write(ctx context.Context, rows []monitor.Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO monitor_rows (ts, channel, value)
        VALUES (?, ?, ?)
        ON CONFLICT(ts, channel) DO UPDATE SET value = excluded.value`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer func() { _ = stmt.Close() }()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Time.UnixNano(), r.Channel, r.Value); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert %s at %s: %w", r.Channel, r.Time.Format(time.RFC3339), err)
		}
	}
	return tx.Commit()
}

// Rows returns rows matching q ordered by time then channel.
func (s *SQLiteStore) Rows(ctx context.Context, q monitor.Query) ([]monitor.Row, error) {
	var args []any
	query := `SELECT ts, channel, value FROM monitor_rows WHERE 1=1`
	if !q.Start.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, q.Start.UnixNano())
	}
	if !q.End.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, q.End.UnixNano())
	}
	if len(q.Channels) > 0 {
		query += ` AND channel IN (?` + strings.Repeat(`, ?`, len(q.Channels)-1) + `)`
		for _, c := range q.Channels {
			args = append(args, c)
		}
	}
	query += ` ORDER BY ts, channel`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []monitor.Row
	for rows.Next() {
		var ts int64
		var r monitor.Row
		if err := rows.Scan(&ts, &r.Channel, &r.Value); err != nil {
			return nil, err
		}
		r.Time = time.Unix(0, ts).UTC()
		res = append(res, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
