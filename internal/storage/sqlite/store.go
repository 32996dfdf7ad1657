// Package sqlite stores the directory collections in a single SQLite
// database. Persisting several collections happens in one transaction, so
// the directories never disagree on disk.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/circlerelay/proxybot/internal/storage"
	"github.com/circlerelay/proxybot/internal/types"
)

// FileName is the database file created inside the data directory.
const FileName = "proxybot.db"

const schema = `
CREATE TABLE IF NOT EXISTS relays (
	circle_id    TEXT PRIMARY KEY,
	username     TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	chat_id      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS pending (
	username  TEXT NOT NULL,
	position  INTEGER NOT NULL,
	circle_id TEXT NOT NULL,
	PRIMARY KEY (username, position)
);
CREATE TABLE IF NOT EXISTS requesters (
	username     TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	chat_id      TEXT NOT NULL
);
`

// Store is a storage.Store backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

var _ storage.Store = (*Store)(nil)

// New opens (or creates) the database at path. A path of ":memory:" opens a
// private in-memory database.
func New(ctx context.Context, path string) (*Store, error) {
	var connStr string
	switch {
	case path == ":memory:":
		connStr = "file::memory:?mode=memory&cache=private"
	case strings.HasPrefix(path, "file:"):
		connStr = path
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer is all the bot ever needs, and in-memory databases are
	// per connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database location given to New.
func (s *Store) Path() string { return s.path }

// Atomic reports true: Persist runs in a single transaction.
func (s *Store) Atomic() bool { return true }

// Load reads all three tables.
func (s *Store) Load(ctx context.Context) (*storage.Snapshot, error) {
	snap := storage.NewSnapshot()

	rows, err := s.db.QueryContext(ctx, `SELECT circle_id, username, display_name, chat_id FROM relays`)
	if err != nil {
		return nil, fmt.Errorf("load relays: %w", err)
	}
	for rows.Next() {
		var link types.RelayLink
		var chat string
		if err := rows.Scan(&link.CircleID, &link.Username, &link.DisplayName, &chat); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan relay: %w", err)
		}
		link.ChatID = types.ChatID(chat)
		snap.Relays[link.CircleID] = link
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("load relays: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT username, circle_id FROM pending ORDER BY username, position`)
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	for rows.Next() {
		var user, circle string
		if err := rows.Scan(&user, &circle); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		snap.Pending[user] = append(snap.Pending[user], circle)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT username, display_name, chat_id FROM requesters`)
	if err != nil {
		return nil, fmt.Errorf("load requesters: %w", err)
	}
	for rows.Next() {
		var rec types.RequesterRecord
		var chat string
		if err := rows.Scan(&rec.Username, &rec.DisplayName, &chat); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan requester: %w", err)
		}
		rec.ChatID = types.ChatID(chat)
		snap.Requesters[rec.Username] = rec
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("load requesters: %w", err)
	}

	snap.Normalize()
	return snap, nil
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}

// Persist replaces the named tables with the contents of snap in one
// transaction.
func (s *Store) Persist(ctx context.Context, snap *storage.Snapshot, collections ...types.Collection) error {
	cs, err := storage.Collections(collections...)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range cs {
		if err := persistCollection(ctx, tx, snap, c); err != nil {
			return fmt.Errorf("persist %s: %w", c, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func persistCollection(ctx context.Context, tx *sql.Tx, snap *storage.Snapshot, c types.Collection) error {
	switch c {
	case types.CollectionRelays:
		if _, err := tx.ExecContext(ctx, `DELETE FROM relays`); err != nil {
			return err
		}
		for circle, link := range snap.Relays {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO relays (circle_id, username, display_name, chat_id) VALUES (?, ?, ?, ?)`,
				circle, link.Username, link.DisplayName, string(link.ChatID)); err != nil {
				return err
			}
		}
	case types.CollectionPending:
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending`); err != nil {
			return err
		}
		for user, circles := range snap.Pending {
			for i, circle := range circles {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO pending (username, position, circle_id) VALUES (?, ?, ?)`,
					user, i, circle); err != nil {
					return err
				}
			}
		}
	case types.CollectionRequesters:
		if _, err := tx.ExecContext(ctx, `DELETE FROM requesters`); err != nil {
			return err
		}
		for user, rec := range snap.Requesters {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO requesters (username, display_name, chat_id) VALUES (?, ?, ?)`,
				user, rec.DisplayName, string(rec.ChatID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}
