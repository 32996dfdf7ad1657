// Package jsonfile persists each directory collection as a flat JSON object
// in its own file, written atomically (temp file + rename).
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/circlerelay/proxybot/internal/storage"
	"github.com/circlerelay/proxybot/internal/types"
)

// FileNames maps each collection to its file inside the data directory.
var FileNames = map[types.Collection]string{
	types.CollectionRelays:     "relays.json",
	types.CollectionPending:    "pending.json",
	types.CollectionRequesters: "requesters.json",
}

// Store keeps the collections in dir. Persisting several collections writes
// them one after another, so a crash between files can leave them out of
// step; each single file is always either old or new, never torn.
type Store struct {
	mu     sync.Mutex
	dir    string
	closed bool
}

var _ storage.Store = (*Store)(nil)

// New returns a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the file backing collection c.
func (s *Store) Path(c types.Collection) string {
	return filepath.Join(s.dir, FileNames[c])
}

// Load reads every collection. Missing files are created holding "{}".
func (s *Store) Load(ctx context.Context) (*storage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	snap := storage.NewSnapshot()
	targets := map[types.Collection]any{
		types.CollectionRelays:     &snap.Relays,
		types.CollectionPending:    &snap.Pending,
		types.CollectionRequesters: &snap.Requesters,
	}
	for _, c := range types.AllCollections {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.loadOrCreate(c, targets[c]); err != nil {
			return nil, err
		}
	}
	snap.Normalize()
	return snap, nil
}

func (s *Store) loadOrCreate(c types.Collection, into any) error {
	path := s.Path(c)
	data, err := os.ReadFile(path) // #nosec G304 - path built from the configured data dir
	if errors.Is(err, os.ErrNotExist) {
		return writeAtomic(path, []byte("{}\n"))
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", c, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Persist writes the named collections (all of them when none are named).
func (s *Store) Persist(ctx context.Context, snap *storage.Snapshot, collections ...types.Collection) error {
	cs, err := storage.Collections(collections...)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	for _, c := range cs {
		if err := ctx.Err(); err != nil {
			return err
		}
		var v any
		switch c {
		case types.CollectionRelays:
			v = snap.Relays
		case types.CollectionPending:
			v = snap.Pending
		case types.CollectionRequesters:
			v = snap.Requesters
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal %s: %w", c, err)
		}
		if err := writeAtomic(s.Path(c), append(data, '\n')); err != nil {
			return fmt.Errorf("persist %s: %w", c, err)
		}
	}
	return nil
}

// Close marks the store closed. Files are never held open.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
