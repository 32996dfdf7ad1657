package bot

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/circlerelay/proxybot/internal/command"
	"github.com/circlerelay/proxybot/internal/eventbus"
	"github.com/circlerelay/proxybot/internal/health"
	"github.com/circlerelay/proxybot/internal/testutil/teststore"
	"github.com/circlerelay/proxybot/internal/types"
)

type recordingHandler struct {
	events []eventbus.Event
}

func (h *recordingHandler) ID() string                    { return "recorder" }
func (h *recordingHandler) Handles() []eventbus.EventType { return eventbus.AllEventTypes }
func (h *recordingHandler) Priority() int                 { return 1 }
func (h *recordingHandler) Handle(_ context.Context, ev *eventbus.Event, _ *eventbus.Result) error {
	h.events = append(h.events, *ev)
	return nil
}

type fixture struct {
	env    *teststore.Env
	bot    *Bot
	sent   *teststore.Notifier
	events *recordingHandler
	logs   *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := teststore.NewEnv(t)
	sent := &teststore.Notifier{}
	rec := &recordingHandler{}
	bus := eventbus.New(nil)
	bus.Register(rec)
	logs := &bytes.Buffer{}
	b := New(Options{
		Workflow:  env.Workflow,
		Directory: env.Dir,
		Sender:    sent,
		Bus:       bus,
		Log:       slog.New(slog.NewTextHandler(logs, nil)),
	})
	return &fixture{env: env, bot: b, sent: sent, events: rec, logs: logs}
}

func (f *fixture) say(from types.Identity, text string) {
	f.bot.Handle(context.Background(), Event{From: from, Text: text, ReceivedAt: time.Now()})
}

func (f *fixture) last(t *testing.T, chat types.ChatID) string {
	t.Helper()
	texts := f.sent.To(chat)
	require.NotEmpty(t, texts, "nothing sent to %s", chat)
	return texts[len(texts)-1]
}

func TestOnboardingScenario(t *testing.T) {
	f := newFixture(t)

	f.say(teststore.Admin, "/onboard bob support "+teststore.Secret)
	assert.Contains(t, f.last(t, teststore.Admin.ChatID), "@bob is pending confirmation for: support")
	assert.Equal(t, map[string][]string{"bob": {"support"}}, f.env.Dir.Snapshot().Pending)

	f.say(teststore.Bob, "/onboardme")
	f.env.AssertDelegate("support", "bob")
	assert.Empty(t, f.env.Dir.Snapshot().Pending)
	assert.Equal(t, "Done! You are now the delegate of: support", f.last(t, teststore.Bob.ChatID))
	assert.Contains(t, f.last(t, teststore.Admin.ChatID), "Bob (@bob) just confirmed as delegate for support")

	require.Len(t, f.events.events, 2)
	assert.Equal(t, eventbus.EventOnboarded, f.events.events[0].Type)
	assert.Equal(t, eventbus.EventConfirmed, f.events.events[1].Type)
	assert.Equal(t, []string{"support"}, f.events.events[1].Circles)
}

func TestTalktoUnknownCircle(t *testing.T) {
	f := newFixture(t)
	f.say(teststore.Alice, "/talkto support hello")

	assert.Equal(t, "There is no delegate for that circle.\nThere are no circles yet.", f.last(t, teststore.Alice.ChatID))
	f.env.AssertNoRequesters()
	require.Len(t, f.events.events, 1)
	assert.Equal(t, eventbus.EventRejected, f.events.events[0].Type)
	assert.Equal(t, "unknown_circle", f.events.events[0].Error)
}

func TestTalktoUnknownCircleListsCircles(t *testing.T) {
	f := newFixture(t)
	f.env.MakeDelegate(teststore.Bob, "support")
	f.env.MakeDelegate(teststore.Bob, "legal")

	f.say(teststore.Alice, "/talkto sales hello")
	assert.Equal(t, "There is no delegate for that circle.\nCircles: legal, support", f.last(t, teststore.Alice.ChatID))
}

func TestRespUnknownRequester(t *testing.T) {
	f := newFixture(t)
	f.env.MakeDelegate(teststore.Bob, "support")

	f.say(teststore.Bob, "/resp alice hi")
	assert.Equal(t, "That user has not written to any circle.", f.last(t, teststore.Bob.ChatID))
}

func TestRelayRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.env.MakeDelegate(teststore.Bob, "support")

	f.say(teststore.Alice, "/talkto support my printer\nis on fire")
	assert.Equal(t, "Your message was sent to the delegate of support.", f.last(t, teststore.Alice.ChatID))
	toBob := f.last(t, teststore.Bob.ChatID)
	assert.Contains(t, toBob, "Alice (@alice) says via support")
	assert.Contains(t, toBob, "my printer\nis on fire")

	f.say(teststore.Bob, "/resp @alice turn it off")
	assert.Equal(t, "Your answer was sent to @alice.", f.last(t, teststore.Bob.ChatID))
	toAlice := f.last(t, teststore.Alice.ChatID)
	assert.Contains(t, toAlice, "the delegate (Bob) says")
	assert.Contains(t, toAlice, "turn it off")
}

func TestRelayDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	f.env.MakeDelegate(teststore.Bob, "support")
	f.sent.Fail = map[types.ChatID]error{teststore.Bob.ChatID: errors.New("blocked")}

	f.say(teststore.Alice, "/talkto support hi")
	assert.Contains(t, f.last(t, teststore.Alice.ChatID), "I could not deliver your message")
	assert.NotContains(t, strings.Join(f.sent.To(teststore.Alice.ChatID), "\n"), "was sent")
}

func TestUndeliveredOutcome(t *testing.T) {
	f := newFixture(t)
	f.env.MakeDelegate(teststore.Bob, "support")
	ctx := context.Background()

	talk, err := command.Parse("/talkto support hi")
	require.NoError(t, err)
	require.NoError(t, f.bot.dispatch(ctx, Event{From: teststore.Alice}, talk))

	f.sent.Fail = map[types.ChatID]error{teststore.Bob.ChatID: errors.New("blocked")}
	err = f.bot.dispatch(ctx, Event{From: teststore.Alice}, talk)
	require.Error(t, err)
	assert.Equal(t, "undelivered", outcome(err))
	f.env.AssertDelegate("support", "bob")
	assert.Contains(t, f.env.Dir.Snapshot().Requesters, "alice", "relay state is kept")

	f.sent.Fail = map[types.ChatID]error{teststore.Alice.ChatID: errors.New("blocked")}
	resp, err := command.Parse("/resp alice thanks")
	require.NoError(t, err)
	err = f.bot.dispatch(ctx, Event{From: teststore.Bob}, resp)
	assert.Equal(t, "undelivered", outcome(err))

	f.sent.Fail = map[types.ChatID]error{teststore.Admin.ChatID: errors.New("blocked")}
	_, err = f.env.Workflow.Onboard(ctx, teststore.Admin, "alice", "legal", teststore.Secret)
	require.NoError(t, err)
	confirm, err := command.Parse("/onboardme")
	require.NoError(t, err)
	err = f.bot.dispatch(ctx, Event{From: teststore.Alice}, confirm)
	assert.Equal(t, "undelivered", outcome(err))
	f.env.AssertDelegate("legal", "alice")
}

func TestAdminErrors(t *testing.T) {
	f := newFixture(t)

	f.say(teststore.Bob, "/onboard alice support "+teststore.Secret)
	assert.Equal(t, "You are not allowed to do that.", f.last(t, teststore.Bob.ChatID))

	f.say(teststore.Admin, "/onboard alice support wrong")
	assert.Equal(t, "Hmm... that is not the key.", f.last(t, teststore.Admin.ChatID))

	f.say(teststore.Admin, "/deboard alice "+teststore.Secret)
	assert.Equal(t, "That user is neither a delegate nor pending onboarding.", f.last(t, teststore.Admin.ChatID))

	f.say(teststore.Alice, "/onboardme")
	assert.Equal(t, "You have no pending onboarding to confirm.", f.last(t, teststore.Alice.ChatID))
	assert.Empty(t, f.env.Store.Persisted())
}

func TestDeboard(t *testing.T) {
	f := newFixture(t)
	f.env.MakeDelegate(teststore.Bob, "support")
	f.env.MakeDelegate(teststore.Bob, "legal")

	f.say(teststore.Admin, "/deboard @bob "+teststore.Secret)
	reply := f.last(t, teststore.Admin.ChatID)
	assert.Contains(t, reply, "@bob was removed.")
	assert.Contains(t, reply, "These circles have no delegate now: legal, support")
	assert.Empty(t, f.env.Dir.Snapshot().Relays)
}

func TestMalformedAndUnrecognized(t *testing.T) {
	f := newFixture(t)
	f.env.MakeDelegate(teststore.Bob, "support")

	f.say(teststore.Alice, "/talkto support")
	assert.Equal(t, "Usage: /talkto <circle> <message...>", f.last(t, teststore.Alice.ChatID))

	f.say(teststore.Alice, "hello?")
	assert.Equal(t, "Sorry, I don't understand that.\nCircles: support", f.last(t, teststore.Alice.ChatID))

	f.say(teststore.Alice, "/help")
	assert.Equal(t, "Sorry, I don't understand that.\nCircles: support", f.last(t, teststore.Alice.ChatID))
}

func TestPingIndexStart(t *testing.T) {
	f := newFixture(t)
	f.env.MakeDelegate(teststore.Bob, "support")
	_, err := f.env.Workflow.Onboard(context.Background(), teststore.Admin, "bob", "legal", teststore.Secret)
	require.NoError(t, err)

	f.say(teststore.Bob, "/ping")
	assert.Equal(t, "pong\nYou are the delegate of: support\nPending confirmation for: legal\nSend /onboardme to confirm.",
		f.last(t, teststore.Bob.ChatID))

	f.say(teststore.Admin, "/ping")
	assert.Equal(t, "pong\nYou are an admin.", f.last(t, teststore.Admin.ChatID))

	f.say(teststore.Alice, "/index")
	assert.Equal(t, "Circles: support", f.last(t, teststore.Alice.ChatID))

	f.say(teststore.Alice, "/start")
	assert.Equal(t, welcomeText, f.last(t, teststore.Alice.ChatID))
}

func TestDumpLogsWithoutReply(t *testing.T) {
	f := newFixture(t)
	f.env.MakeDelegate(teststore.Bob, "support")

	f.say(teststore.Alice, "/dump")
	assert.Empty(t, f.sent.To(teststore.Alice.ChatID))
	assert.Contains(t, f.logs.String(), "directory dump")
	assert.Contains(t, f.logs.String(), "support")
}

func TestPersistFailureIsReportedAsInternal(t *testing.T) {
	f := newFixture(t)
	f.env.Store.FailPersist(types.CollectionPending, errors.New("disk full"))

	f.say(teststore.Admin, "/onboard bob support "+teststore.Secret)
	assert.Equal(t, internalErrorText, f.last(t, teststore.Admin.ChatID))
	assert.Empty(t, f.env.Dir.Snapshot().Pending)
	assert.Contains(t, f.logs.String(), "level=ERROR")
	assert.Empty(t, f.events.events)
}

func TestNoUsername(t *testing.T) {
	f := newFixture(t)
	f.env.MakeDelegate(teststore.Bob, "support")
	anon := types.Identity{DisplayName: "Anon", ChatID: "99"}

	f.say(anon, "/talkto support hi")
	assert.Contains(t, f.last(t, "99"), "You need a username")
	f.env.AssertNoRequesters()
}

// fakeTransport replays events, then waits for cancellation.
type fakeTransport struct {
	*teststore.Notifier
	events []Event
	err    error
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) Listen(ctx context.Context, handle func(context.Context, Event)) error {
	for _, ev := range t.events {
		handle(ctx, ev)
	}
	if t.err != nil {
		return t.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRunFlushesOnShutdown(t *testing.T) {
	env := teststore.NewEnv(t)
	tr := &fakeTransport{
		Notifier: &teststore.Notifier{},
		events:   []Event{{From: teststore.Alice, Text: "/index"}},
	}
	state := &health.State{}
	b := New(Options{Workflow: env.Workflow, Directory: env.Dir, Health: state})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, tr) }()

	require.Eventually(t, func() bool { return len(tr.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, state.Ready())
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, state.Ready())
	assert.ElementsMatch(t, types.AllCollections, env.Store.Persisted())
	assert.Equal(t, "There are no circles yet.", tr.To(teststore.Alice.ChatID)[0])
}

func TestRunReturnsTransportErrorAndFlushFailure(t *testing.T) {
	env := teststore.NewEnv(t)
	env.Store.FailPersist(types.CollectionRelays, errors.New("disk full"))
	tr := &fakeTransport{Notifier: &teststore.Notifier{}, err: errors.New("connection lost")}
	b := New(Options{Workflow: env.Workflow, Directory: env.Dir})

	err := b.Run(context.Background(), tr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection lost")
	assert.Contains(t, err.Error(), "disk full")
}
