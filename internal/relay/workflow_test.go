package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circlerelay/proxybot/internal/directory"
	"github.com/circlerelay/proxybot/internal/storage"
	"github.com/circlerelay/proxybot/internal/storage/memory"
	"github.com/circlerelay/proxybot/internal/types"
)

const secret = "s3cret"

var (
	alice = types.Identity{Username: "alice_admin", DisplayName: "Alice", ChatID: "100"}
	carol = types.Identity{Username: "carol_admin", DisplayName: "Carol", ChatID: "300"}
	bob   = types.Identity{Username: "Bob", DisplayName: "Bob B", ChatID: "200"}
	dave  = types.Identity{Username: "dave", DisplayName: "Dave", ChatID: "400"}
)

type fixture struct {
	wf    *Workflow
	dir   *directory.Directory
	store *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	dir, err := directory.Open(context.Background(), store, nil)
	require.NoError(t, err)
	admins := NewAdmins(map[string]string{"@Alice_Admin": "100", "carol_admin": "300"})
	return &fixture{wf: New(dir, secret, admins, nil), dir: dir, store: store}
}

// onboardAndConfirm makes who the delegate of circle.
func (f *fixture) onboardAndConfirm(t *testing.T, who types.Identity, circle string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.wf.Onboard(ctx, alice, who.Username, circle, secret)
	require.NoError(t, err)
	_, err = f.wf.Confirm(ctx, who)
	require.NoError(t, err)
}

func TestOnboardThenConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.wf.Onboard(ctx, alice, "@bob", "support", secret)
	require.NoError(t, err)
	assert.Equal(t, "bob", res.Target)
	assert.Equal(t, []string{"support"}, res.Pending)
	assert.Equal(t, map[string][]string{"bob": {"support"}}, f.dir.Snapshot().Pending)

	conf, err := f.wf.Confirm(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, []string{"support"}, conf.Circles)

	snap := f.dir.Snapshot()
	assert.Empty(t, snap.Pending)
	link := snap.Relays["support"]
	assert.Equal(t, "bob", link.Username)
	assert.Equal(t, "Bob B", link.DisplayName)
	assert.Equal(t, types.ChatID("200"), link.ChatID)

	require.Len(t, conf.Notifications, 2)
	assert.Equal(t, types.ChatID("100"), conf.Notifications[0].To)
	assert.Equal(t, types.ChatID("300"), conf.Notifications[1].To)
	assert.Contains(t, conf.Notifications[0].Text, "Bob B (@bob)")
	assert.Contains(t, conf.Notifications[0].Text, "support")
}

func TestConfirm_FanOutOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, c := range []string{"support", "legal", "support"} {
		_, err := f.wf.Onboard(ctx, carol, "bob", c, secret)
		require.NoError(t, err)
	}

	conf, err := f.wf.Confirm(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, []string{"support", "legal", "support"}, conf.Circles)

	var got []string
	for _, n := range conf.Notifications {
		got = append(got, n.To.String())
	}
	assert.Equal(t, []string{"100", "100", "100", "300", "300", "300"}, got)
	assert.Equal(t, []string{"legal", "support"}, f.wf.Index())
}

func TestConfirm_SkipsAdminWithoutChat(t *testing.T) {
	f := newFixture(t)
	f.wf.SetAdmins(NewAdmins(map[string]string{"alice_admin": "100", "eve": ""}))
	ctx := context.Background()
	_, err := f.wf.Onboard(ctx, alice, "bob", "support", secret)
	require.NoError(t, err)

	conf, err := f.wf.Confirm(ctx, bob)
	require.NoError(t, err)
	require.Len(t, conf.Notifications, 1)
	assert.Equal(t, types.ChatID("100"), conf.Notifications[0].To)
}

func TestConfirm_NotPending(t *testing.T) {
	f := newFixture(t)
	before := f.dir.Snapshot()

	_, err := f.wf.Confirm(context.Background(), bob)
	require.ErrorIs(t, err, ErrNotPending)
	assert.True(t, IsRecoverable(err))
	assert.True(t, before.Equal(f.dir.Snapshot()))
	assert.Empty(t, f.store.Persisted())
}

func TestConfirm_NoUsername(t *testing.T) {
	f := newFixture(t)
	_, err := f.wf.Confirm(context.Background(), types.Identity{DisplayName: "Anon", ChatID: "9"})
	require.ErrorIs(t, err, ErrNoUsername)
}

func TestConfirm_ReplacesPreviousDelegate(t *testing.T) {
	f := newFixture(t)
	f.onboardAndConfirm(t, bob, "support")
	f.onboardAndConfirm(t, dave, "support")

	snap := f.dir.Snapshot()
	assert.Equal(t, "dave", snap.Relays["support"].Username)
	assert.False(t, directory.IsDelegate(relaysOf(f.dir), "bob"))
}

func TestAdminCommands_Authorization(t *testing.T) {
	tests := []struct {
		name    string
		admin   types.Identity
		secret  string
		wantErr error
	}{
		{name: "not an admin", admin: bob, secret: secret, wantErr: ErrUnauthorized},
		{name: "not an admin and bad secret", admin: bob, secret: "nope", wantErr: ErrUnauthorized},
		{name: "bad secret", admin: alice, secret: "nope", wantErr: ErrBadSecret},
		{name: "empty secret", admin: alice, secret: "", wantErr: ErrBadSecret},
		{name: "admin case insensitive", admin: types.Identity{Username: "ALICE_ADMIN", ChatID: "100"}, secret: secret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			_, err := f.wf.Onboard(ctx, tt.admin, "bob", "support", tt.secret)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.dir.Snapshot().Pending)

			_, err = f.wf.Deboard(ctx, tt.admin, "bob", tt.secret)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.store.Persisted())
		})
	}
}

func TestEmptyConfiguredSecretRejectsEverything(t *testing.T) {
	store := memory.New()
	dir, err := directory.Open(context.Background(), store, nil)
	require.NoError(t, err)
	wf := New(dir, "", NewAdmins(map[string]string{"alice_admin": "100"}), nil)

	_, err = wf.Onboard(context.Background(), alice, "bob", "support", "")
	require.ErrorIs(t, err, ErrBadSecret)
}

func TestDeboard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.onboardAndConfirm(t, bob, "support")
	f.onboardAndConfirm(t, bob, "legal")
	f.onboardAndConfirm(t, dave, "sales")
	_, err := f.wf.Onboard(ctx, alice, "bob", "press", secret)
	require.NoError(t, err)

	res, err := f.wf.Deboard(ctx, alice, "@BOB", secret)
	require.NoError(t, err)
	assert.Equal(t, "bob", res.Target)
	assert.Equal(t, []string{"legal", "support"}, res.Unbound)
	assert.True(t, res.WasPending)

	snap := f.dir.Snapshot()
	assert.Equal(t, []string{"sales"}, f.wf.Index())
	assert.NotContains(t, snap.Pending, "bob")

	before := f.dir.Snapshot()
	persisted := len(f.store.Persisted())
	_, err = f.wf.Deboard(ctx, alice, "bob", secret)
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, before.Equal(f.dir.Snapshot()))
	assert.Len(t, f.store.Persisted(), persisted)
}

func TestDeboard_ImportedMixedCaseDelegate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	imported := storage.NewSnapshot()
	imported.Relays["support"] = types.RelayLink{Username: "Bob", DisplayName: "Bob B", ChatID: "200"}
	require.NoError(t, f.dir.Replace(ctx, imported))

	assert.Equal(t, []string{"support"}, f.wf.Status(bob).Delegated)

	res, err := f.wf.Deboard(ctx, alice, "bob", secret)
	require.NoError(t, err)
	assert.Equal(t, []string{"support"}, res.Unbound)
	assert.Empty(t, f.wf.Index())
}

func TestDeboard_PendingOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.wf.Onboard(ctx, alice, "bob", "support", secret)
	require.NoError(t, err)

	res, err := f.wf.Deboard(ctx, alice, "bob", secret)
	require.NoError(t, err)
	assert.Empty(t, res.Unbound)
	assert.True(t, res.WasPending)
	assert.Equal(t, directory.Unregistered, stateOf(f.dir, "bob", "support"))
}

func TestRelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.onboardAndConfirm(t, bob, "support")
	requester := types.Identity{Username: "Zoe", DisplayName: "Zoe Z", ChatID: "500"}

	res, err := f.wf.Relay(ctx, requester, "support", "hello\nthere")
	require.NoError(t, err)
	assert.True(t, res.NewRequester)
	require.Len(t, res.Notifications, 1)
	n := res.Notifications[0]
	assert.Equal(t, types.ChatID("200"), n.To)
	assert.Contains(t, n.Text, "Hi Bob B")
	assert.Contains(t, n.Text, "Zoe Z (@zoe) says via support")
	assert.Contains(t, n.Text, "hello\nthere")
	assert.Contains(t, n.Text, "/resp @zoe")

	rec := f.dir.Snapshot().Requesters["zoe"]
	assert.Equal(t, types.ChatID("500"), rec.ChatID)

	// A second message does not overwrite the first record.
	res, err = f.wf.Relay(ctx, types.Identity{Username: "zoe", DisplayName: "Other", ChatID: "501"}, "support", "again")
	require.NoError(t, err)
	assert.False(t, res.NewRequester)
	assert.Equal(t, types.ChatID("500"), f.dir.Snapshot().Requesters["zoe"].ChatID)
}

func TestRelay_UnknownCircle(t *testing.T) {
	f := newFixture(t)
	_, err := f.wf.Relay(context.Background(), dave, "support", "hello")
	require.ErrorIs(t, err, ErrUnknownCircle)
	assert.Empty(t, f.dir.Snapshot().Requesters)
	assert.Empty(t, f.store.Persisted())
}

func TestRelay_NoUsername(t *testing.T) {
	f := newFixture(t)
	f.onboardAndConfirm(t, bob, "support")
	_, err := f.wf.Relay(context.Background(), types.Identity{DisplayName: "Anon", ChatID: "9"}, "support", "hi")
	require.ErrorIs(t, err, ErrNoUsername)
	assert.Empty(t, f.dir.Snapshot().Requesters)
}

func TestRelay_PersistFailure(t *testing.T) {
	f := newFixture(t)
	f.onboardAndConfirm(t, bob, "support")
	f.store.FailPersist(types.CollectionRequesters, errors.New("disk full"))

	_, err := f.wf.Relay(context.Background(), dave, "support", "hi")
	require.ErrorIs(t, err, ErrPersist)
	assert.False(t, IsRecoverable(err))
	assert.Empty(t, f.dir.Snapshot().Requesters)
}

func TestRespond(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.onboardAndConfirm(t, bob, "support")
	_, err := f.wf.Relay(ctx, dave, "support", "question")
	require.NoError(t, err)

	res, err := f.wf.Respond(ctx, bob, "@Dave", "answer")
	require.NoError(t, err)
	assert.Equal(t, "dave", res.Requester.Username)
	require.Len(t, res.Notifications, 1)
	assert.Equal(t, types.ChatID("400"), res.Notifications[0].To)
	assert.Contains(t, res.Notifications[0].Text, "Hi Dave")
	assert.Contains(t, res.Notifications[0].Text, "the delegate (Bob B) says")
	assert.Contains(t, res.Notifications[0].Text, "answer")
}

func TestRespond_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.onboardAndConfirm(t, bob, "support")

	_, err := f.wf.Respond(ctx, dave, "bob", "hi")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.wf.Respond(ctx, types.Identity{ChatID: "9"}, "bob", "hi")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.wf.Respond(ctx, bob, "alice", "hi")
	require.ErrorIs(t, err, ErrUnknownRequester)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.onboardAndConfirm(t, bob, "support")
	_, err := f.wf.Onboard(ctx, alice, "bob", "legal", secret)
	require.NoError(t, err)

	st := f.wf.Status(bob)
	assert.Equal(t, "bob", st.Username)
	assert.False(t, st.IsAdmin)
	assert.Equal(t, []string{"support"}, st.Delegated)
	assert.Equal(t, []string{"legal"}, st.Pending)

	st = f.wf.Status(alice)
	assert.True(t, st.IsAdmin)
	assert.Empty(t, st.Delegated)
	assert.Empty(t, st.Pending)

	assert.Equal(t, Status{}, f.wf.Status(types.Identity{ChatID: "1"}))
}

func TestSetAdmins(t *testing.T) {
	f := newFixture(t)
	f.wf.SetAdmins(NewAdmins(map[string]string{"dave": "400"}))
	_, err := f.wf.Onboard(context.Background(), alice, "bob", "support", secret)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.wf.Onboard(context.Background(), dave, "bob", "support", secret)
	require.NoError(t, err)

	f.wf.SetAdmins(nil)
	assert.Empty(t, f.wf.Admins())
}

func TestStateTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assert.Equal(t, directory.Unregistered, stateOf(f.dir, "bob", "support"))

	_, err := f.wf.Onboard(ctx, alice, "bob", "support", secret)
	require.NoError(t, err)
	assert.Equal(t, directory.PendingConfirmation, stateOf(f.dir, "bob", "support"))

	_, err = f.wf.Confirm(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, directory.Active, stateOf(f.dir, "bob", "support"))

	_, err = f.wf.Deboard(ctx, alice, "bob", secret)
	require.NoError(t, err)
	assert.Equal(t, directory.Unregistered, stateOf(f.dir, "bob", "support"))
}

func TestSnapshotIsACopy(t *testing.T) {
	f := newFixture(t)
	f.onboardAndConfirm(t, bob, "support")
	snap := f.wf.Snapshot()
	delete(snap.Relays, "support")
	assert.Equal(t, []string{"support"}, f.wf.Index())
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(ErrUnknownCircle))
	assert.True(t, IsRecoverable(errors.Join(errors.New("ctx"), ErrBadSecret)))
	assert.False(t, IsRecoverable(errors.New("other")))
	assert.False(t, IsRecoverable(&directory.PersistError{Err: errors.New("io")}))
}

func stateOf(d *directory.Directory, user, circle string) directory.State {
	var s directory.State
	d.Read(func(tx directory.Tx) {
		s = directory.StateOf(tx.Relays(), tx.Pending(), user, circle)
	})
	return s
}

func relaysOf(d *directory.Directory) directory.RelayDirectory {
	var r directory.RelayDirectory
	d.Read(func(tx directory.Tx) { r = tx.Relays() })
	return r
}
