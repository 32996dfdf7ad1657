package directory

import (
	"slices"
	"sort"
	"strings"

	"github.com/circlerelay/proxybot/internal/storage"
	"github.com/circlerelay/proxybot/internal/types"
)

// RelayDirectory maps each circle to its active delegate.
type RelayDirectory interface {
	// Lookup returns the link for circle.
	Lookup(circle string) (types.RelayLink, bool)
	// DelegatesOf returns the circles username is the delegate of, sorted.
	DelegatesOf(username string) []string
	// Circles returns every circle with a delegate, sorted.
	Circles() []string
	// Bind sets the delegate of circle, replacing any previous one.
	Bind(circle string, link types.RelayLink)
	// Unbind removes the link for circle and reports whether one existed.
	Unbind(circle string) bool
}

// PendingRegistry holds circles awaiting a delegate's confirmation.
type PendingRegistry interface {
	// Lookup returns the pending circles of username in onboarding order.
	Lookup(username string) ([]string, bool)
	// Users returns every user with pending circles, sorted.
	Users() []string
	// AddPending appends circle to the pending list of username.
	AddPending(username, circle string)
	// Confirm removes and returns the whole pending list of username.
	Confirm(username string) ([]string, error)
	// Clear drops the pending entry of username and reports whether one existed.
	Clear(username string) bool
}

// RequesterDirectory remembers how to reach people who wrote to a circle.
type RequesterDirectory interface {
	Lookup(username string) (types.RequesterRecord, bool)
	// Users returns every known requester, sorted.
	Users() []string
	// EnsureRegistered inserts rec unless its username is already known and
	// reports whether it inserted. Existing records are never overwritten.
	EnsureRegistered(rec types.RequesterRecord) bool
}

// Tx is a view over one consistent state of the three directories.
type Tx interface {
	Relays() RelayDirectory
	Pending() PendingRegistry
	Requesters() RequesterDirectory
}

type tx struct {
	snap  *storage.Snapshot
	dirty map[types.Collection]bool
}

func newTx(snap *storage.Snapshot) *tx {
	return &tx{snap: snap, dirty: make(map[types.Collection]bool)}
}

func (t *tx) Relays() RelayDirectory         { return relayView{t} }
func (t *tx) Pending() PendingRegistry       { return pendingView{t} }
func (t *tx) Requesters() RequesterDirectory { return requesterView{t} }

func (t *tx) touch(c types.Collection) { t.dirty[c] = true }

func (t *tx) touched() []types.Collection {
	var out []types.Collection
	for _, c := range types.AllCollections {
		if t.dirty[c] {
			out = append(out, c)
		}
	}
	return out
}

type relayView struct{ t *tx }

func (v relayView) Lookup(circle string) (types.RelayLink, bool) {
	link, ok := v.t.snap.Relays[strings.TrimSpace(circle)]
	return link, ok
}

func (v relayView) DelegatesOf(username string) []string {
	user := types.NormalizeUsername(username)
	var circles []string
	for circle, link := range v.t.snap.Relays {
		if link.Username == user {
			circles = append(circles, circle)
		}
	}
	sort.Strings(circles)
	return circles
}

func (v relayView) Circles() []string {
	return sortedKeys(v.t.snap.Relays)
}

func (v relayView) Bind(circle string, link types.RelayLink) {
	circle = strings.TrimSpace(circle)
	if circle == "" {
		return
	}
	link.CircleID = circle
	link.Username = types.NormalizeUsername(link.Username)
	v.t.snap.Relays[circle] = link
	v.t.touch(types.CollectionRelays)
}

func (v relayView) Unbind(circle string) bool {
	circle = strings.TrimSpace(circle)
	if _, ok := v.t.snap.Relays[circle]; !ok {
		return false
	}
	delete(v.t.snap.Relays, circle)
	v.t.touch(types.CollectionRelays)
	return true
}

type pendingView struct{ t *tx }

func (v pendingView) Lookup(username string) ([]string, bool) {
	circles, ok := v.t.snap.Pending[types.NormalizeUsername(username)]
	return slices.Clone(circles), ok
}

func (v pendingView) Users() []string {
	return sortedKeys(v.t.snap.Pending)
}

func (v pendingView) AddPending(username, circle string) {
	user := types.NormalizeUsername(username)
	circle = strings.TrimSpace(circle)
	if user == "" || circle == "" {
		return
	}
	v.t.snap.Pending[user] = append(v.t.snap.Pending[user], circle)
	v.t.touch(types.CollectionPending)
}

func (v pendingView) Confirm(username string) ([]string, error) {
	user := types.NormalizeUsername(username)
	circles, ok := v.t.snap.Pending[user]
	if !ok {
		return nil, ErrNotPending
	}
	delete(v.t.snap.Pending, user)
	v.t.touch(types.CollectionPending)
	return circles, nil
}

func (v pendingView) Clear(username string) bool {
	user := types.NormalizeUsername(username)
	if _, ok := v.t.snap.Pending[user]; !ok {
		return false
	}
	delete(v.t.snap.Pending, user)
	v.t.touch(types.CollectionPending)
	return true
}

type requesterView struct{ t *tx }

func (v requesterView) Lookup(username string) (types.RequesterRecord, bool) {
	rec, ok := v.t.snap.Requesters[types.NormalizeUsername(username)]
	return rec, ok
}

func (v requesterView) Users() []string {
	return sortedKeys(v.t.snap.Requesters)
}

func (v requesterView) EnsureRegistered(rec types.RequesterRecord) bool {
	user := types.NormalizeUsername(rec.Username)
	if user == "" {
		return false
	}
	if _, ok := v.t.snap.Requesters[user]; ok {
		return false
	}
	rec.Username = user
	v.t.snap.Requesters[user] = rec
	v.t.touch(types.CollectionRequesters)
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
