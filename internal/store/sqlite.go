package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/fpang/capture-review/internal/capture"
	"github.com/fpang/capture-review/internal/items"
)

// SQLiteStore is a local media index with an is_pending column. Writes
// made through the store notify subscribers immediately; writes made by
// other processes are picked up by WatchExternal.
type SQLiteStore struct {
	db   *sql.DB
	path string
	hub  *Notifier
}

// OpenSQLite opens (creating if needed) the media index at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	// modernc.org/sqlite registers as "sqlite".
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// WAL lets the media CLI write while a server reads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("SQLite media store opened")
	return &SQLiteStore{db: db, path: path, hub: NewNotifier()}, nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS media (
			id INTEGER PRIMARY KEY,
			ref TEXT NOT NULL,
			mime_type TEXT NOT NULL DEFAULT '',
			is_pending INTEGER NOT NULL DEFAULT 0,
			added_at_unixms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_media_ref ON media(ref);`,
		`CREATE INDEX IF NOT EXISTS idx_media_added ON media(added_at_unixms DESC, id);`,
	}
	for _, st := range stmts {
		if _, err := db.ExecContext(ctx, st); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Path returns the database file.
func (s *SQLiteStore) Path() string { return s.path }

// Pending implements readiness.Store.
func (s *SQLiteStore) Pending(ctx context.Context, ref capture.Ref) (pending, found bool, err error) {
	var row *sql.Row
	if id, ok := ref.ID(); ok {
		row = s.db.QueryRowContext(ctx, `SELECT is_pending FROM media WHERE id = ?`, id)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT is_pending FROM media WHERE ref = ? LIMIT 1`, ref.String())
	}
	if err := row.Scan(&pending); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("query pending %s: %w", ref, err)
	}
	return pending, true, nil
}

// Subscribe implements readiness.Store.
func (s *SQLiteStore) Subscribe(ctx context.Context, ref capture.Ref, onChange func()) (func(), error) {
	return s.hub.Subscribe(key(ref), onChange), nil
}

// List returns every row, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Media, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ref, mime_type, is_pending, added_at_unixms FROM media ORDER BY added_at_unixms DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Media
	for rows.Next() {
		var m Media
		var ref string
		if err := rows.Scan(&m.ID, &ref, &m.MimeType, &m.Pending, &m.AddedAt); err != nil {
			return nil, fmt.Errorf("scan media: %w", err)
		}
		m.Ref = capture.Ref(ref)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	return out, nil
}

// WatchSnapshots implements items.SnapshotSource.
func (s *SQLiteStore) WatchSnapshots(ctx context.Context, fn func([]items.MediaItem)) error {
	return watchSnapshots(ctx, s.hub, s.List, func(list []Media) { fn(Items(list)) })
}

// Put inserts or replaces m. A zero Ref defaults to the shared-files ref
// for m.ID and a zero AddedAt to now.
func (s *SQLiteStore) Put(ctx context.Context, m Media) error {
	if m.Ref.IsZero() {
		m.Ref = capture.FileRef(m.ID)
	}
	if m.AddedAt == 0 {
		m.AddedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO media (id, ref, mime_type, is_pending, added_at_unixms) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ref = excluded.ref,
			mime_type = excluded.mime_type,
			is_pending = excluded.is_pending,
			added_at_unixms = excluded.added_at_unixms`,
		m.ID, m.Ref.String(), m.MimeType, m.Pending, m.AddedAt)
	if err != nil {
		return fmt.Errorf("put media %d: %w", m.ID, err)
	}
	log.Debug().Int64("id", m.ID).Bool("pending", m.Pending).Msg("Media stored")
	s.hub.Notify(idKey(m.ID), "ref:"+m.Ref.String())
	return nil
}

// SetPending flips the pending flag of id.
func (s *SQLiteStore) SetPending(ctx context.Context, id int64, pending bool) error {
	var ref string
	err := s.db.QueryRowContext(ctx,
		`UPDATE media SET is_pending = ? WHERE id = ? RETURNING ref`, pending, id).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("media %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("set pending %d: %w", id, err)
	}
	log.Debug().Int64("id", id).Bool("pending", pending).Msg("Media pending flag updated")
	s.hub.Notify(idKey(id), "ref:"+ref)
	return nil
}

// Delete removes id.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	var ref string
	err := s.db.QueryRowContext(ctx, `DELETE FROM media WHERE id = ? RETURNING ref`, id).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("media %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete media %d: %w", id, err)
	}
	log.Debug().Int64("id", id).Msg("Media deleted")
	s.hub.Notify(idKey(id), "ref:"+ref)
	return nil
}

// WatchExternal polls SQLite's data_version and notifies every subscriber
// when another connection commits. It blocks until ctx is done.
func (s *SQLiteStore) WatchExternal(ctx context.Context, interval time.Duration) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("dedicated connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	version := func() (int64, error) {
		var v int64
		err := conn.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&v)
		return v, err
	}
	last, err := version()
	if err != nil {
		return fmt.Errorf("data_version: %w", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		v, err := version()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Str("path", s.path).Msg("data_version poll failed")
			continue
		}
		if v != last {
			last = v
			log.Debug().Int64("version", v).Msg("External media store change")
			s.hub.NotifyAllKeys()
		}
	}
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
