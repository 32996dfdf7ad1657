// Package teststore provides in-memory directory and workflow helpers for
// tests.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    env := teststore.NewEnv(t)
//	    env.MakeDelegate(teststore.Bob, "support")
//	    env.AssertDelegate("support", "bob")
//	}
package teststore

import (
	"context"
	"sync"
	"testing"

	"github.com/circlerelay/proxybot/internal/directory"
	"github.com/circlerelay/proxybot/internal/relay"
	"github.com/circlerelay/proxybot/internal/storage"
	"github.com/circlerelay/proxybot/internal/storage/memory"
	"github.com/circlerelay/proxybot/internal/types"
)

// Secret is the onboarding secret of every Env.
const Secret = "s3cret"

// Well-known identities. Admin is the only admin of a default Env.
var (
	Admin = types.Identity{Username: "admin", DisplayName: "Admin", ChatID: "1"}
	Bob   = types.Identity{Username: "bob", DisplayName: "Bob", ChatID: "2"}
	Alice = types.Identity{Username: "alice", DisplayName: "Alice", ChatID: "3"}
)

// Env bundles a memory store, a directory over it and a workflow.
type Env struct {
	t        testing.TB
	Store    *memory.Store
	Dir      *directory.Directory
	Workflow *relay.Workflow
}

// NewEnv creates an empty environment with Admin as the only admin.
func NewEnv(t testing.TB) *Env {
	return NewEnvWith(t, storage.NewSnapshot())
}

// NewEnvWith creates an environment whose store starts with snap.
func NewEnvWith(t testing.TB, snap *storage.Snapshot) *Env {
	t.Helper()
	store := memory.NewWith(snap)
	dir, err := directory.Open(context.Background(), store, nil)
	if err != nil {
		t.Fatalf("teststore: open directory: %v", err)
	}
	admins := relay.Admins{Admin.Username: Admin.ChatID}
	return &Env{
		t:        t,
		Store:    store,
		Dir:      dir,
		Workflow: relay.New(dir, Secret, admins, nil),
	}
}

// MakeDelegate onboards and confirms who for circle.
func (e *Env) MakeDelegate(who types.Identity, circle string) {
	e.t.Helper()
	ctx := context.Background()
	if _, err := e.Workflow.Onboard(ctx, Admin, who.Username, circle, Secret); err != nil {
		e.t.Fatalf("teststore: onboard %s: %v", who.Username, err)
	}
	if _, err := e.Workflow.Confirm(ctx, who); err != nil {
		e.t.Fatalf("teststore: confirm %s: %v", who.Username, err)
	}
}

// AssertDelegate fails the test unless username is the delegate of circle.
func (e *Env) AssertDelegate(circle, username string) {
	e.t.Helper()
	link, ok := e.Dir.Snapshot().Relays[circle]
	if !ok {
		e.t.Fatalf("circle %q has no delegate", circle)
	}
	if link.Username != types.NormalizeUsername(username) {
		e.t.Fatalf("delegate of %q = %q, want %q", circle, link.Username, username)
	}
}

// AssertNoRequesters fails the test if anyone was registered as requester.
func (e *Env) AssertNoRequesters() {
	e.t.Helper()
	if n := len(e.Dir.Snapshot().Requesters); n != 0 {
		e.t.Fatalf("expected no requesters, got %d", n)
	}
}

// Message is one message captured by a Notifier.
type Message struct {
	To   types.ChatID
	Text string
}

// Notifier records sent messages. Sends to a chat in Fail return the
// mapped error instead.
type Notifier struct {
	mu   sync.Mutex
	sent []Message
	Fail map[types.ChatID]error
}

func (n *Notifier) Send(_ context.Context, to types.ChatID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.Fail[to]; err != nil {
		return err
	}
	n.sent = append(n.sent, Message{To: to, Text: text})
	return nil
}

// Sent returns the messages sent so far.
func (n *Notifier) Sent() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Message(nil), n.sent...)
}

// To returns the texts sent to chat, in order.
func (n *Notifier) To(chat types.ChatID) []string {
	var out []string
	for _, m := range n.Sent() {
		if m.To == chat {
			out = append(out, m.Text)
		}
	}
	return out
}

// Reset forgets the captured messages.
func (n *Notifier) Reset() {
	n.mu.Lock()
	n.sent = nil
	n.mu.Unlock()
}
