// Package relay implements the onboarding workflow and the message relay
// between requesters and circle delegates.
//
// Operations read and mutate the directories through a directory.Directory
// and return the notifications they want delivered. Nothing in this package
// talks to a chat network.
package relay

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/circlerelay/proxybot/internal/directory"
	"github.com/circlerelay/proxybot/internal/storage"
	"github.com/circlerelay/proxybot/internal/types"
)

// ErrInvalidArgument is returned for an empty username, circle or chat id
// that the command grammar would never produce.
var ErrInvalidArgument = errors.New("invalid argument")

// Notification is a message the caller should deliver on behalf of the
// workflow.
type Notification struct {
	To   types.ChatID
	Text string
}

// OnboardResult describes a successful onboard.
type OnboardResult struct {
	Target  string
	Circle  string
	Pending []string // the target's pending circles after the onboard
}

// ConfirmResult describes a successful confirmation.
type ConfirmResult struct {
	Delegate      types.Identity
	Circles       []string // in onboarding order, duplicates kept
	Notifications []Notification
}

// DeboardResult describes a successful deboard.
type DeboardResult struct {
	Target     string
	Unbound    []string // circles the target was delegate of, sorted
	WasPending bool
}

// RelayResult describes a message forwarded to a circle delegate.
type RelayResult struct {
	Circle        string
	Delegate      types.RelayLink
	NewRequester  bool
	Notifications []Notification
}

// RespondResult describes a response forwarded to a requester.
type RespondResult struct {
	Requester     types.RequesterRecord
	Notifications []Notification
}

// Status is what /ping reports about the sender.
type Status struct {
	Username  string
	IsAdmin   bool
	Delegated []string
	Pending   []string
}

// Workflow runs the relay operations against a set of directories.
type Workflow struct {
	dir    *directory.Directory
	secret []byte
	admins atomic.Pointer[Admins]
	log    *slog.Logger
}

// New creates a workflow. secret is the shared onboarding secret; an empty
// secret rejects every admin command.
func New(dir *directory.Directory, secret string, admins Admins, log *slog.Logger) *Workflow {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	w := &Workflow{
		dir:    dir,
		secret: []byte(secret),
		log:    log.With("component", "relay"),
	}
	w.SetAdmins(admins)
	return w
}

// SetAdmins replaces the admin set. Safe to call while events are handled.
func (w *Workflow) SetAdmins(a Admins) {
	if a == nil {
		a = Admins{}
	}
	w.admins.Store(&a)
}

// Admins returns the current admin set.
func (w *Workflow) Admins() Admins {
	return *w.admins.Load()
}

func (w *Workflow) authorize(admin types.Identity, secret string) error {
	if !w.Admins().Contains(admin.Username) {
		return ErrUnauthorized
	}
	if len(w.secret) == 0 || subtle.ConstantTimeCompare([]byte(secret), w.secret) != 1 {
		return ErrBadSecret
	}
	return nil
}

// Onboard adds circle to the pending list of target. The target becomes the
// delegate once they confirm with /onboardme.
func (w *Workflow) Onboard(ctx context.Context, admin types.Identity, target, circle, secret string) (OnboardResult, error) {
	if err := w.authorize(admin, secret); err != nil {
		w.log.Warn("onboard rejected", "admin", admin.Normalized().Username, "target", target, "error", err)
		return OnboardResult{}, err
	}
	target = types.NormalizeUsername(target)
	if target == "" || circle == "" {
		return OnboardResult{}, fmt.Errorf("onboard: %w", ErrInvalidArgument)
	}

	var pending []string
	err := w.dir.Update(ctx, func(tx directory.Tx) error {
		tx.Pending().AddPending(target, circle)
		pending, _ = tx.Pending().Lookup(target)
		return nil
	})
	if err != nil {
		return OnboardResult{}, err
	}
	w.log.Info("delegate onboarded", "admin", admin.Normalized().Username, "target", target, "circle", circle)
	return OnboardResult{Target: target, Circle: circle, Pending: pending}, nil
}

// Confirm binds every pending circle of who to who's chat and notifies each
// admin once per circle.
func (w *Workflow) Confirm(ctx context.Context, who types.Identity) (ConfirmResult, error) {
	who = who.Normalized()
	if who.Username == "" {
		return ConfirmResult{}, ErrNoUsername
	}
	if who.ChatID.IsZero() {
		return ConfirmResult{}, fmt.Errorf("confirm: %w", ErrInvalidArgument)
	}

	var circles []string
	err := w.dir.Update(ctx, func(tx directory.Tx) error {
		var err error
		circles, err = tx.Pending().Confirm(who.Username)
		if err != nil {
			return err
		}
		for _, c := range circles {
			tx.Relays().Bind(c, types.RelayLink{
				Username:    who.Username,
				DisplayName: who.DisplayName,
				ChatID:      who.ChatID,
			})
		}
		return nil
	})
	if err != nil {
		return ConfirmResult{}, err
	}

	admins := w.Admins()
	var notes []Notification
	for _, name := range admins.Usernames() {
		chat := admins[name]
		if chat.IsZero() {
			w.log.Warn("admin has no chat id, skipping notification", "admin", name)
			continue
		}
		for _, c := range circles {
			notes = append(notes, Notification{To: chat, Text: delegateConfirmedText(who.Name(), who.Username, c)})
		}
	}
	w.log.Info("delegate confirmed", "username", who.Username, "circles", circles)
	return ConfirmResult{Delegate: who, Circles: circles, Notifications: notes}, nil
}

// Deboard removes target as delegate of every circle and drops any pending
// onboarding. It fails with ErrNotFound when there was nothing to remove.
func (w *Workflow) Deboard(ctx context.Context, admin types.Identity, target, secret string) (DeboardResult, error) {
	if err := w.authorize(admin, secret); err != nil {
		w.log.Warn("deboard rejected", "admin", admin.Normalized().Username, "target", target, "error", err)
		return DeboardResult{}, err
	}
	res := DeboardResult{Target: types.NormalizeUsername(target)}
	if res.Target == "" {
		return DeboardResult{}, fmt.Errorf("deboard: %w", ErrInvalidArgument)
	}

	err := w.dir.Update(ctx, func(tx directory.Tx) error {
		res.Unbound = tx.Relays().DelegatesOf(res.Target)
		for _, c := range res.Unbound {
			tx.Relays().Unbind(c)
		}
		res.WasPending = tx.Pending().Clear(res.Target)
		if len(res.Unbound) == 0 && !res.WasPending {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return DeboardResult{}, err
	}
	w.log.Info("delegate deboarded", "admin", admin.Normalized().Username, "target", res.Target,
		"circles", res.Unbound, "was_pending", res.WasPending)
	return res, nil
}

// Relay forwards text from a requester to the delegate of circle and
// remembers the requester so the delegate can answer.
func (w *Workflow) Relay(ctx context.Context, from types.Identity, circle, text string) (RelayResult, error) {
	from = from.Normalized()
	var (
		link  types.RelayLink
		found bool
	)
	w.dir.Read(func(tx directory.Tx) {
		link, found = tx.Relays().Lookup(circle)
	})
	if !found {
		return RelayResult{}, ErrUnknownCircle
	}
	if from.Username == "" {
		return RelayResult{}, ErrNoUsername
	}

	res := RelayResult{Circle: circle, Delegate: link}
	err := w.dir.Update(ctx, func(tx directory.Tx) error {
		res.NewRequester = tx.Requesters().EnsureRegistered(types.RequesterRecord{
			Username:    from.Username,
			DisplayName: from.DisplayName,
			ChatID:      from.ChatID,
		})
		return nil
	})
	if err != nil {
		return RelayResult{}, err
	}
	res.Notifications = []Notification{{
		To:   link.ChatID,
		Text: relayedText(delegateName(link), from.Name(), from.Username, circle, text),
	}}
	w.log.Info("message relayed", "circle", circle, "requester", from.Username, "delegate", link.Username,
		"new_requester", res.NewRequester)
	return res, nil
}

// Respond forwards text from a delegate to a requester.
func (w *Workflow) Respond(ctx context.Context, from types.Identity, target, text string) (RespondResult, error) {
	from = from.Normalized()
	if from.Username == "" {
		return RespondResult{}, ErrUnauthorized
	}
	var (
		delegate bool
		rec      types.RequesterRecord
		known    bool
	)
	w.dir.Read(func(tx directory.Tx) {
		delegate = directory.IsDelegate(tx.Relays(), from.Username)
		rec, known = tx.Requesters().Lookup(target)
	})
	if !delegate {
		return RespondResult{}, ErrUnauthorized
	}
	if !known {
		return RespondResult{}, ErrUnknownRequester
	}
	w.log.Info("response relayed", "delegate", from.Username, "requester", rec.Username)
	return RespondResult{
		Requester: rec,
		Notifications: []Notification{{
			To:   rec.ChatID,
			Text: responseText(requesterName(rec), from.Name(), text),
		}},
	}, nil
}

// Status reports the admin flag, delegated circles and pending circles of who.
func (w *Workflow) Status(who types.Identity) Status {
	st := Status{Username: types.NormalizeUsername(who.Username)}
	if st.Username == "" {
		return st
	}
	st.IsAdmin = w.Admins().Contains(st.Username)
	w.dir.Read(func(tx directory.Tx) {
		st.Delegated = tx.Relays().DelegatesOf(st.Username)
		st.Pending, _ = tx.Pending().Lookup(st.Username)
	})
	return st
}

// Index returns every circle with a delegate, sorted.
func (w *Workflow) Index() []string {
	var circles []string
	w.dir.Read(func(tx directory.Tx) {
		circles = tx.Relays().Circles()
	})
	return circles
}

// Snapshot returns a deep copy of the three directories.
func (w *Workflow) Snapshot() *storage.Snapshot {
	return w.dir.Snapshot()
}

func delegateName(l types.RelayLink) string {
	if l.DisplayName != "" {
		return l.DisplayName
	}
	return l.Username
}

func requesterName(r types.RequesterRecord) string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.Username
}
