package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"scoparia/internal/model"
	"scoparia/migrations"
)

// Rows written with whole-second timestamps still parse with this layout.
const timeLayout = time.RFC3339Nano

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Feed workers commit concurrently; a single connection serialises
	// writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// GetCheckpoint returns the stored checkpoint for feedID, or nil.
func (s *SQLite) GetCheckpoint(ctx context.Context, feedID string) (*model.FeedCheckpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT feed_id, last_item_id, last_seen_at FROM checkpoints WHERE feed_id = ?`, feedID,
	)
	var cp model.FeedCheckpoint
	var seen string
	err := row.Scan(&cp.FeedID, &cp.LastItemID, &seen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	cp.LastSeenAt, err = time.Parse(timeLayout, seen)
	if err != nil {
		return nil, fmt.Errorf("parse last_seen_at %q: %w", seen, err)
	}
	return &cp, nil
}

// CommitCheckpoint inserts or replaces the checkpoint of cp.FeedID.
func (s *SQLite) CommitCheckpoint(ctx context.Context, cp model.FeedCheckpoint) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (feed_id, last_item_id, last_seen_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(feed_id) DO UPDATE SET
		   last_item_id = excluded.last_item_id,
		   last_seen_at = excluded.last_seen_at,
		   updated_at = excluded.updated_at`,
		cp.FeedID, cp.LastItemID, cp.LastSeenAt.UTC().Format(timeLayout), now,
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns every stored checkpoint ordered by feed id.
func (s *SQLite) ListCheckpoints(ctx context.Context) ([]model.FeedCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT feed_id, last_item_id, last_seen_at FROM checkpoints ORDER BY feed_id`)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.FeedCheckpoint
	for rows.Next() {
		var cp model.FeedCheckpoint
		var seen string
		if err := rows.Scan(&cp.FeedID, &cp.LastItemID, &seen); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if cp.LastSeenAt, err = time.Parse(timeLayout, seen); err != nil {
			return nil, fmt.Errorf("parse last_seen_at %q: %w", seen, err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DeleteCheckpoint removes the checkpoint of feedID so the next run treats
// every fetched item as new. It reports whether a row was removed.
func (s *SQLite) DeleteCheckpoint(ctx context.Context, feedID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE feed_id = ?`, feedID)
	if err != nil {
		return false, fmt.Errorf("delete checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
