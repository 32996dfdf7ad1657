// Package directory holds the three directories the relay depends on
// (circle delegates, pending confirmations, known requesters) in memory,
// and keeps them in step with a storage.Store.
//
// All mutation goes through Directory.Update. The function passed to Update
// works on a private copy; the collections it touched are persisted in one
// Store.Persist call, and the copy only becomes visible once that call
// succeeds. A failed persist therefore leaves memory exactly as it was
// before the handler ran.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/circlerelay/proxybot/internal/storage"
	"github.com/circlerelay/proxybot/internal/types"
)

// ErrNotPending is returned by PendingRegistry.Confirm for a user with no
// pending entry.
var ErrNotPending = errors.New("no pending confirmation")

// ErrPersist marks a failure to make an in-memory change durable. It is the
// only fatal class of error in the relay: the change is rolled back in
// memory and the caller must not report success.
var ErrPersist = errors.New("directory persist failed")

// PersistError carries the collections that could not be written.
type PersistError struct {
	Collections []types.Collection
	Err         error
}

func (e *PersistError) Error() string {
	names := make([]string, len(e.Collections))
	for i, c := range e.Collections {
		names[i] = string(c)
	}
	return fmt.Sprintf("persist %s: %v", strings.Join(names, ", "), e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPersist) true for every PersistError.
func (e *PersistError) Is(target error) bool { return target == ErrPersist }

// Directory is the store-backed home of the three collections.
type Directory struct {
	mu    sync.Mutex
	store storage.Store
	snap  *storage.Snapshot
	log   *slog.Logger

	// stale holds collections whose on-disk copy may disagree with memory
	// after a partially applied persist on a non-atomic store. They are
	// rewritten by the next successful Update or FlushAll.
	stale map[types.Collection]bool
}

// Open loads every collection from store.
func Open(ctx context.Context, store storage.Store, log *slog.Logger) (*Directory, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load directories: %w", err)
	}
	snap.Normalize()
	if err := snap.Validate(); err != nil {
		log.Warn("loaded directories violate invariants", "error", err)
	}
	log.Info("directories loaded",
		"relays", len(snap.Relays),
		"pending", len(snap.Pending),
		"requesters", len(snap.Requesters),
		"atomic", storage.IsAtomic(store))
	return &Directory{
		store: store,
		snap:  snap,
		log:   log,
		stale: make(map[types.Collection]bool),
	}, nil
}

// Read runs fn against a copy of the current state. Changes fn makes are
// discarded.
func (d *Directory) Read(fn func(Tx)) {
	d.mu.Lock()
	work := d.snap.Clone()
	d.mu.Unlock()
	fn(newTx(work))
}

// Update runs fn against a working copy and commits the touched
// collections. If fn returns an error nothing is persisted and the error is
// returned unchanged. If persisting fails the working copy is dropped and a
// *PersistError is returned.
func (d *Directory) Update(ctx context.Context, fn func(Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	work := d.snap.Clone()
	t := newTx(work)
	if err := fn(t); err != nil {
		return err
	}
	touched := t.touched()
	if len(touched) == 0 {
		return nil
	}

	write := d.withStale(touched)
	if err := d.store.Persist(ctx, work, write...); err != nil {
		if !storage.IsAtomic(d.store) {
			for _, c := range write {
				d.stale[c] = true
			}
		}
		d.log.Error("persist failed, change rolled back", "collections", write, "error", err)
		return &PersistError{Collections: write, Err: err}
	}
	clear(d.stale)
	d.snap = work
	return nil
}

// withStale returns touched plus any stale collections, in canonical order.
func (d *Directory) withStale(touched []types.Collection) []types.Collection {
	want := make(map[types.Collection]bool, len(touched)+len(d.stale))
	for _, c := range touched {
		want[c] = true
	}
	for c := range d.stale {
		want[c] = true
	}
	out := make([]types.Collection, 0, len(want))
	for _, c := range types.AllCollections {
		if want[c] {
			out = append(out, c)
		}
	}
	return out
}

// FlushAll persists every collection. It is meant for shutdown, where it
// is attempted regardless of what happened before.
func (d *Directory) FlushAll(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.Persist(ctx, d.snap); err != nil {
		return &PersistError{Collections: types.AllCollections, Err: err}
	}
	clear(d.stale)
	return nil
}

// Replace swaps the whole state for snap and persists it.
func (d *Directory) Replace(ctx context.Context, snap *storage.Snapshot) error {
	next := snap.Clone()
	if err := next.Validate(); err != nil {
		return fmt.Errorf("replace directories: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.Persist(ctx, next); err != nil {
		return &PersistError{Collections: types.AllCollections, Err: err}
	}
	clear(d.stale)
	d.snap = next
	return nil
}

// Snapshot returns a deep copy of the current state.
func (d *Directory) Snapshot() *storage.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snap.Clone()
}

// Counts reports the size of each collection.
func (d *Directory) Counts() map[types.Collection]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[types.Collection]int{
		types.CollectionRelays:     len(d.snap.Relays),
		types.CollectionPending:    len(d.snap.Pending),
		types.CollectionRequesters: len(d.snap.Requesters),
	}
}
