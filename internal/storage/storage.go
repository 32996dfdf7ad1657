// Package storage provides shared types for directory persistence.
//
// The concrete backends live in sub-packages (jsonfile, sqlite, memory).
// This package holds the Store interface and the Snapshot value that every
// backend loads and persists, so the directory layer can be tested against
// any of them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/circlerelay/proxybot/internal/types"
)

// ErrClosed is returned by a backend used after Close.
var ErrClosed = errors.New("store closed")

// ErrUnknownCollection is returned when Persist is asked for a collection
// it does not know about.
var ErrUnknownCollection = errors.New("unknown collection")

// Store is the durable home of the three directories.
//
// Load returns every collection, creating empty ones when nothing has been
// persisted yet. Persist writes only the named collections from snap.
// Whether a multi-collection Persist is atomic depends on the backend; see
// Atomic.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Persist(ctx context.Context, snap *Snapshot, collections ...types.Collection) error
	Close() error
}

// Atomic is implemented by backends whose multi-collection Persist either
// fully applies or not at all.
type Atomic interface {
	Atomic() bool
}

// IsAtomic reports whether s commits several collections atomically.
func IsAtomic(s Store) bool {
	a, ok := s.(Atomic)
	return ok && a.Atomic()
}

// Snapshot is the full in-memory state of the three collections.
type Snapshot struct {
	// Relays is keyed by circle id.
	Relays map[string]types.RelayLink `json:"relays" yaml:"relays" toml:"relays"`
	// Pending is keyed by normalized username; values keep onboarding order.
	Pending map[string][]string `json:"pending" yaml:"pending" toml:"pending"`
	// Requesters is keyed by normalized username.
	Requesters map[string]types.RequesterRecord `json:"requesters" yaml:"requesters" toml:"requesters"`
}

// NewSnapshot returns a snapshot with all collections empty but non-nil.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Relays:     make(map[string]types.RelayLink),
		Pending:    make(map[string][]string),
		Requesters: make(map[string]types.RequesterRecord),
	}
}

// Normalize fills nil collections, normalizes every username (relay
// delegates, pending and requester keys) and restores the key fields that
// are not serialized (RelayLink.CircleID, RequesterRecord.Username).
// Pending keys that collapse to the same username are merged in key order.
func (s *Snapshot) Normalize() {
	if s.Relays == nil {
		s.Relays = make(map[string]types.RelayLink)
	}
	for circle, link := range s.Relays {
		link.CircleID = circle
		link.Username = types.NormalizeUsername(link.Username)
		s.Relays[circle] = link
	}

	pending := make(map[string][]string, len(s.Pending))
	for _, user := range slices.Sorted(maps.Keys(s.Pending)) {
		key := types.NormalizeUsername(user)
		pending[key] = append(pending[key], s.Pending[user]...)
	}
	s.Pending = pending

	requesters := make(map[string]types.RequesterRecord, len(s.Requesters))
	for _, user := range slices.Sorted(maps.Keys(s.Requesters)) {
		key := types.NormalizeUsername(user)
		if _, dup := requesters[key]; dup && key != user {
			continue
		}
		rec := s.Requesters[user]
		rec.Username = key
		requesters[key] = rec
	}
	s.Requesters = requesters
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return NewSnapshot()
	}
	c := &Snapshot{
		Relays:     maps.Clone(s.Relays),
		Pending:    make(map[string][]string, len(s.Pending)),
		Requesters: maps.Clone(s.Requesters),
	}
	for user, circles := range s.Pending {
		c.Pending[user] = slices.Clone(circles)
	}
	c.Normalize()
	return c
}

// Equal reports whether both snapshots hold the same keys and field values.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if !maps.Equal(s.Relays, o.Relays) || !maps.Equal(s.Requesters, o.Requesters) {
		return false
	}
	return maps.EqualFunc(s.Pending, o.Pending, slices.Equal[[]string])
}

// Validate checks the invariants a loaded snapshot must satisfy.
func (s *Snapshot) Validate() error {
	for user, circles := range s.Pending {
		if len(circles) == 0 {
			return fmt.Errorf("pending entry %q has no circles", user)
		}
		if user != types.NormalizeUsername(user) {
			return fmt.Errorf("pending entry %q is not a normalized username", user)
		}
	}
	for circle, link := range s.Relays {
		if circle == "" {
			return errors.New("relay link with empty circle id")
		}
		if link.Username == "" {
			return fmt.Errorf("relay link %q has no delegate", circle)
		}
		if link.Username != types.NormalizeUsername(link.Username) {
			return fmt.Errorf("relay link %q delegate %q is not a normalized username", circle, link.Username)
		}
		if link.ChatID.IsZero() {
			return fmt.Errorf("relay link %q has no chat id", circle)
		}
	}
	for user, rec := range s.Requesters {
		if user != types.NormalizeUsername(user) {
			return fmt.Errorf("requester %q is not a normalized username", user)
		}
		if rec.ChatID.IsZero() {
			return fmt.Errorf("requester %q has no chat id", user)
		}
	}
	return nil
}

// Collections returns the requested collections, or all of them when none
// are named, after checking every name.
func Collections(cs ...types.Collection) ([]types.Collection, error) {
	if len(cs) == 0 {
		return types.AllCollections, nil
	}
	for _, c := range cs {
		if !c.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, c)
		}
	}
	return cs, nil
}
