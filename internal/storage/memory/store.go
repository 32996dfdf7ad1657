// Package memory provides an in-process storage.Store for tests and
// dry runs. Persisted state survives only as long as the Store value.
package memory

import (
	"context"
	"sync"

	"github.com/circlerelay/proxybot/internal/storage"
	"github.com/circlerelay/proxybot/internal/types"
)

// Store keeps a private copy of every persisted collection.
type Store struct {
	mu       sync.Mutex
	snap     *storage.Snapshot
	closed   bool
	failOn   map[types.Collection]error
	persists []types.Collection
}

var _ storage.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		snap:   storage.NewSnapshot(),
		failOn: make(map[types.Collection]error),
	}
}

// NewWith returns a store preloaded with a copy of snap.
func NewWith(snap *storage.Snapshot) *Store {
	s := New()
	s.snap = snap.Clone()
	return s
}

// FailPersist makes every later Persist touching c fail with err.
// A nil err clears the failure.
func (s *Store) FailPersist(c types.Collection, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOn, c)
		return
	}
	s.failOn[c] = err
}

// Persisted returns the collections written so far, in order.
func (s *Store) Persisted() []types.Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Collection(nil), s.persists...)
}

// Load returns a copy of the persisted state.
func (s *Store) Load(ctx context.Context) (*storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	return s.snap.Clone(), nil
}

// Persist copies the named collections. A configured failure on any of
// them aborts the whole call before anything is written.
func (s *Store) Persist(ctx context.Context, snap *storage.Snapshot, collections ...types.Collection) error {
	cs, err := storage.Collections(collections...)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	for _, c := range cs {
		if err := s.failOn[c]; err != nil {
			return err
		}
	}

	src := snap.Clone()
	for _, c := range cs {
		switch c {
		case types.CollectionRelays:
			s.snap.Relays = src.Relays
		case types.CollectionPending:
			s.snap.Pending = src.Pending
		case types.CollectionRequesters:
			s.snap.Requesters = src.Requesters
		}
		s.persists = append(s.persists, c)
	}
	return nil
}

// Atomic reports true: a failing Persist writes nothing.
func (s *Store) Atomic() bool { return true }

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
