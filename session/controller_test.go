package session

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatropolis/termchat/model"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

// fakeLink is an in-memory Link. Tests feed it server events and connection
// states and inspect what the controller transmitted.
type fakeLink struct {
	mu      sync.Mutex
	sent    []model.Event
	sentCh  chan model.Event
	events  chan model.Event
	status  chan model.ConnStatus
	closed  bool
	sendErr error
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		sentCh: make(chan model.Event, 64),
		events: make(chan model.Event, 64),
		status: make(chan model.ConnStatus, 16),
	}
}

func (l *fakeLink) Send(ev model.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, ev)
	select {
	case l.sentCh <- ev:
	default:
	}
	return nil
}

func (l *fakeLink) Events() <-chan model.Event     { return l.events }
func (l *fakeLink) Status() <-chan model.ConnStatus { return l.status }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.events)
		close(l.status)
	}
	return nil
}

func (l *fakeLink) setState(s model.ConnState)  { l.status <- model.ConnStatus{State: s} }
func (l *fakeLink) deliver(ev model.Event)      { l.events <- ev }
func (l *fakeLink) failSends(err error)         { l.mu.Lock(); l.sendErr = err; l.mu.Unlock() }

// sentNamed returns every transmitted event with the given name.
func (l *fakeLink) sentNamed(name model.EventName) []model.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Event
	for _, ev := range l.sent {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// waitSent blocks until the controller transmits an event with the given
// name, skipping others.
func (l *fakeLink) waitSent(t *testing.T, name model.EventName) model.Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-l.sentCh:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event transmitted", name)
		}
	}
}

type testRig struct {
	ctl   *Controller
	link  *fakeLink
	clk   *clock.Mock
	store Store
}

// newRig builds a controller on a fake link with a mock clock. Extra options
// append after the defaults, so tests can override the config or registry.
func newRig(t *testing.T, opts ...Option) *testRig {
	t.Helper()
	r := &testRig{link: newFakeLink(), clk: clock.NewMock(), store: NewMemStore()}
	base := []Option{WithClock(r.clk), WithStore(r.store)}
	r.ctl = New(r.link, append(base, opts...)...)
	t.Cleanup(func() { r.ctl.Close() })
	return r
}

// newRealClockRig is for handshake tests whose timers must actually fire.
func newRealClockRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	r := &testRig{link: newFakeLink(), store: NewMemStore()}
	r.ctl = New(r.link, WithConfig(cfg), WithStore(r.store))
	t.Cleanup(func() { r.ctl.Close() })
	return r
}

func (r *testRig) waitState(t *testing.T, s model.ConnState) {
	t.Helper()
	require.Eventually(t, func() bool { return r.ctl.Snapshot().State == s },
		waitFor, tick, "controller never reached %s", s)
}

func (r *testRig) connect(t *testing.T) {
	t.Helper()
	r.link.setState(model.StateConnected)
	r.waitState(t, model.StateConnected)
}

func (r *testRig) register(t *testing.T) model.Identity {
	t.Helper()
	id, err := r.ctl.CreateIdentity()
	require.NoError(t, err)
	r.link.waitSent(t, model.EventRegister)
	return id
}

// waitUpdate drains the update stream until an update of the wanted kind
// shows up.
func (r *testRig) waitUpdate(t *testing.T, kind UpdateKind) Update {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case u := <-r.ctl.Updates():
			if u.Kind == kind {
				return u
			}
		case <-deadline:
			t.Fatalf("no update of kind %d", kind)
		}
	}
}

func chatEvent(id, authorID, author, body string) model.Event {
	return model.MustEvent(model.EventChatMessage, model.Message{
		ID: id, AuthorID: authorID, Author: author, Body: body,
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5*time.Second, cfg.Cooldown)
	assert.Equal(t, 1000, cfg.MaxMessageLen)
	assert.Equal(t, 100, cfg.BufferSize)
	assert.Equal(t, 5*time.Second, cfg.JoinTimeout)
	assert.Equal(t, 1, cfg.RegisterRetries)
}

func TestCreateIdentityRequiresConnection(t *testing.T) {
	r := newRig(t)
	_, err := r.ctl.CreateIdentity()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCreateIdentity(t *testing.T) {
	r := newRig(t)
	r.connect(t)

	id, err := r.ctl.CreateIdentity()
	require.NoError(t, err)
	assert.NotEmpty(t, id.ID)
	assert.NotEmpty(t, id.Name)

	ev := r.link.waitSent(t, model.EventRegister)
	var p model.RegisterPayload
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, id.ID, p.ID)
	assert.Equal(t, id.Name, p.Name)
	assert.Equal(t, id.Color, p.Color)
	assert.Equal(t, id.Token, p.Token)

	r.link.waitSent(t, model.EventCheckMuteStatus)

	stored, ok := r.store.Identity()
	require.True(t, ok)
	assert.Equal(t, id, stored)

	again, err := r.ctl.CreateIdentity()
	require.NoError(t, err)
	assert.Equal(t, id, again, "a second call returns the existing identity")
	assert.Len(t, r.link.sentNamed(model.EventRegister), 1)
}

func TestCreateIdentityRollsBackWhenSendFails(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.link.failSends(errors.New("wire broke"))

	_, err := r.ctl.CreateIdentity()
	require.Error(t, err)
	assert.Nil(t, r.ctl.Snapshot().Identity)
	_, ok := r.store.Identity()
	assert.False(t, ok)
}

func TestRegistrationRejectRetriesOnce(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	first := r.register(t)

	r.link.deliver(model.MustEvent(model.EventError, model.ErrorPayload{Code: "register", Message: "name taken"}))
	r.waitUpdate(t, UpdateError)

	require.Eventually(t, func() bool {
		return len(r.link.sentNamed(model.EventRegister)) == 2
	}, waitFor, tick, "expected one retry with a fresh identity")

	snap := r.ctl.Snapshot()
	require.NotNil(t, snap.Identity)
	assert.NotEqual(t, first.ID, snap.Identity.ID)

	// a second reject stays rejected: the retry budget is one
	r.link.deliver(model.MustEvent(model.EventError, model.ErrorPayload{Code: "register", Message: "name taken"}))
	r.waitUpdate(t, UpdateError)
	assert.Len(t, r.link.sentNamed(model.EventRegister), 2)
}

func TestSendMessageValidation(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		r := newRig(t)
		assert.ErrorIs(t, r.ctl.SendMessage("hi", nil), ErrNotConnected)
	})

	t.Run("no identity", func(t *testing.T) {
		r := newRig(t)
		r.connect(t)
		assert.ErrorIs(t, r.ctl.SendMessage("hi", nil), ErrNoIdentity)
	})

	t.Run("content checks", func(t *testing.T) {
		r := newRig(t)
		r.connect(t)
		r.register(t)

		assert.ErrorIs(t, r.ctl.SendMessage("", nil), ErrEmptyMessage)
		assert.ErrorIs(t, r.ctl.SendMessage("   \t\n", nil), ErrEmptyMessage)
		assert.ErrorIs(t, r.ctl.SendMessage(strings.Repeat("a", 1001), nil), ErrMessageTooLong)

		require.NoError(t, r.ctl.SendMessage(strings.Repeat("a", 1000), nil), "the limit itself is fine")
	})

	t.Run("rune count not byte count", func(t *testing.T) {
		r := newRig(t)
		r.connect(t)
		r.register(t)
		require.NoError(t, r.ctl.SendMessage(strings.Repeat("ä", 1000), nil))
	})
}

func TestSendMessageCooldownScenario(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.register(t)

	require.NoError(t, r.ctl.SendMessage("hello", nil), "t=0 accepted")

	r.clk.Add(time.Second)
	assert.ErrorIs(t, r.ctl.SendMessage("world", nil), ErrCooldownActive, "t=1s rejected")

	r.clk.Add(4100 * time.Millisecond)
	require.NoError(t, r.ctl.SendMessage("world", nil), "t=5.1s accepted")

	assert.Len(t, r.link.sentNamed(model.EventChatMessage), 2, "rejected sends never reach the wire")
}

func TestSendMessagePayload(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	id := r.register(t)

	ref := &model.ReplyRef{ID: "m0", Author: "zed", Excerpt: "earlier"}
	require.NoError(t, r.ctl.SendMessage("  hey @zed @zed and @ann  ", ref))

	ev := r.link.waitSent(t, model.EventChatMessage)
	var msg model.Message
	require.NoError(t, ev.Decode(&msg))
	assert.Equal(t, "hey @zed @zed and @ann", msg.Body, "body goes out trimmed")
	assert.Equal(t, id.ID, msg.AuthorID)
	assert.Equal(t, id.Name, msg.Author)
	assert.Equal(t, id.Color, msg.Color)
	assert.Equal(t, []string{"zed", "ann"}, msg.Mentions)
	require.NotNil(t, msg.ReplyTo)
	assert.Equal(t, "m0", msg.ReplyTo.ID)
	assert.Empty(t, msg.RoomID)

	assert.Empty(t, r.ctl.Snapshot().Global, "accepted sends are not appended locally")

	r.link.deliver(model.MustEvent(model.EventChatMessage, msg))
	require.Eventually(t, func() bool { return len(r.ctl.Snapshot().Global) == 1 },
		waitFor, tick, "the message appears once the server echoes it")
}

func TestMuteBlocksSendsAndExpires(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	id := r.register(t)

	require.NoError(t, r.ctl.SendMessage("before", nil))

	until := r.clk.Now().Add(10 * time.Second)
	r.link.deliver(model.MustEvent(model.EventUserMuted, model.MutePayload{
		UserID: id.ID, DurationSec: 10, Until: until,
	}))
	require.Eventually(t, func() bool { return r.ctl.Snapshot().Muted }, waitFor, tick)

	snap := r.ctl.Snapshot()
	assert.Equal(t, 10*time.Second, snap.MuteRemaining)

	// cooldown has elapsed, the mute alone rejects
	r.clk.Add(6 * time.Second)
	assert.ErrorIs(t, r.ctl.SendMessage("still muted?", nil), ErrMuted)

	// mute takes precedence even over content checks
	assert.ErrorIs(t, r.ctl.SendMessage("", nil), ErrMuted)

	// the 1s tick lifts the mute without any server event
	r.clk.Add(4 * time.Second)
	require.Eventually(t, func() bool { return !r.ctl.Snapshot().Muted }, waitFor, tick,
		"mute must expire on its own")
	require.NoError(t, r.ctl.SendMessage("free again", nil))
}

func TestMuteCountsDown(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	id := r.register(t)

	r.link.deliver(model.MustEvent(model.EventUserMuted, model.MutePayload{
		UserID: id.ID, DurationSec: 10, Until: r.clk.Now().Add(10 * time.Second),
	}))
	require.Eventually(t, func() bool { return r.ctl.Snapshot().Muted }, waitFor, tick)

	r.clk.Add(4 * time.Second)
	assert.Equal(t, 6*time.Second, r.ctl.Snapshot().MuteRemaining)
}

func TestUnmuteLiftsEarly(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	id := r.register(t)

	r.link.deliver(model.MustEvent(model.EventUserMuted, model.MutePayload{
		UserID: id.ID, DurationSec: 60, Until: r.clk.Now().Add(time.Minute),
	}))
	require.Eventually(t, func() bool { return r.ctl.Snapshot().Muted }, waitFor, tick)

	r.link.deliver(model.MustEvent(model.EventUserUnmuted, model.UnmutePayload{UserID: id.ID}))
	require.Eventually(t, func() bool { return !r.ctl.Snapshot().Muted }, waitFor, tick)
	require.NoError(t, r.ctl.SendMessage("free", nil))
}

func TestMuteForSomeoneElseIsIgnored(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.register(t)

	r.link.deliver(model.MustEvent(model.EventUserMuted, model.MutePayload{
		UserID: "user-somebody", DurationSec: 60, Until: r.clk.Now().Add(time.Minute),
	}))
	r.link.deliver(chatEvent("m1", "user-x", "x", "sync point"))
	require.Eventually(t, func() bool { return len(r.ctl.Snapshot().Global) == 1 }, waitFor, tick)
	assert.False(t, r.ctl.Snapshot().Muted)
}

func TestBufferCapAppliesPerChannel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferSize = 5
	r := newRig(t, WithConfig(cfg))
	r.connect(t)

	for i := 0; i < 7; i++ {
		r.link.deliver(chatEvent("m"+string(rune('0'+i)), "user-x", "x", "hi"))
	}
	require.Eventually(t, func() bool {
		snap := r.ctl.Snapshot()
		return len(snap.Global) == 5 && snap.Global[0].ID == "m2" && snap.Global[4].ID == "m6"
	}, waitFor, tick, "oldest messages must fall off in order")
}

func TestRoomBroadcastDeduplicates(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.register(t)
	joinRigRoom(t, r)

	msg := model.Message{ID: "m1", AuthorID: "user-x", Author: "x", Body: "hi", RoomID: "room-9"}
	r.link.deliver(model.MustEvent(model.EventRoomMessageBroadcast, msg))
	r.link.deliver(model.MustEvent(model.EventRoomMessageBroadcast, msg))
	r.link.deliver(model.MustEvent(model.EventRoomMessageBroadcast, model.Message{
		ID: "m2", AuthorID: "user-x", Author: "x", Body: "again", RoomID: "room-9",
	}))

	require.Eventually(t, func() bool {
		snap := r.ctl.Snapshot()
		return countNonSystem(snap.RoomMessages) == 2
	}, waitFor, tick, "redelivered broadcasts must collapse to one entry")
}

func TestReactionIdempotence(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	id := r.register(t)

	r.link.deliver(chatEvent("m1", "user-x", "x", "react to me"))
	require.Eventually(t, func() bool { return len(r.ctl.Snapshot().Global) == 1 }, waitFor, tick)

	require.NoError(t, r.ctl.SendReaction("m1", "thumbsup"))
	require.NoError(t, r.ctl.SendReaction("m1", "thumbsup"), "a repeat is accepted but changes nothing")

	snap := r.ctl.Snapshot()
	assert.Equal(t, []string{id.Name}, snap.Global[0].Reactions["thumbsup"])

	// the server's fan-out of our own reaction lands on the same path
	r.link.deliver(model.MustEvent(model.EventReactionBroadcast, model.ReactionPayload{
		MessageID: "m1", Kind: "thumbsup", Reactor: id.Name,
	}))
	r.link.deliver(model.MustEvent(model.EventReactionBroadcast, model.ReactionPayload{
		MessageID: "m1", Kind: "thumbsup", Reactor: "x",
	}))
	require.Eventually(t, func() bool {
		got := r.ctl.Snapshot().Global[0].Reactions["thumbsup"]
		return len(got) == 2 && got[0] == id.Name && got[1] == "x"
	}, waitFor, tick)
}

func TestSendReactionValidation(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	assert.ErrorIs(t, r.ctl.SendReaction("m1", "fire"), ErrNoIdentity)
	r.register(t)
	assert.Error(t, r.ctl.SendReaction("", "fire"))
	assert.Error(t, r.ctl.SendReaction("m1", ""))
}

func TestTypingDebounce(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.register(t)

	r.ctl.NotifyTyping()
	r.clk.Add(500 * time.Millisecond)
	r.ctl.NotifyTyping()
	r.clk.Add(500 * time.Millisecond)
	r.ctl.NotifyTyping()

	assert.Len(t, r.link.sentNamed(model.EventTypingStart), 3, "every keystroke announces typing")
	assert.Empty(t, r.link.sentNamed(model.EventTypingStop), "no stop while still typing")

	r.clk.Add(DefaultConfig().TypingIdle)
	assert.Len(t, r.link.sentNamed(model.EventTypingStop), 1, "one stop after going idle")

	r.clk.Add(time.Minute)
	assert.Len(t, r.link.sentNamed(model.EventTypingStop), 1, "the stop fires once")
}

func TestSendingCutsTypingShort(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.register(t)

	r.ctl.NotifyTyping()
	require.NoError(t, r.ctl.SendMessage("done typing", nil))

	assert.Len(t, r.link.sentNamed(model.EventTypingStop), 1, "sending stops typing immediately")
	r.clk.Add(time.Minute)
	assert.Len(t, r.link.sentNamed(model.EventTypingStop), 1, "the debounce was cancelled")
}

func TestInboundTypingIndicators(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.register(t)

	bob := model.TypingUser{ID: "user-bob", Name: "bob", Color: "#00ccff"}
	r.link.deliver(model.MustEvent(model.EventUserTyping, model.TypingPayload{User: bob}))
	require.Eventually(t, func() bool { return len(r.ctl.Snapshot().Typing) == 1 }, waitFor, tick)
	assert.Equal(t, "bob", r.ctl.Snapshot().Typing[0].Name)

	r.link.deliver(model.MustEvent(model.EventUserStoppedTyping, model.TypingPayload{User: bob}))
	require.Eventually(t, func() bool { return len(r.ctl.Snapshot().Typing) == 0 }, waitFor, tick)
}

func TestTypingIndicatorExpiresWithoutStop(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.register(t)

	bob := model.TypingUser{ID: "user-bob", Name: "bob"}
	r.link.deliver(model.MustEvent(model.EventUserTyping, model.TypingPayload{User: bob}))
	require.Eventually(t, func() bool { return len(r.ctl.Snapshot().Typing) == 1 }, waitFor, tick)

	r.clk.Add(DefaultConfig().TypingExpiry)
	require.Eventually(t, func() bool { return len(r.ctl.Snapshot().Typing) == 0 }, waitFor, tick,
		"a typist whose stop event never came must expire")
}

func TestTypingIndicatorClearedByMessage(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.register(t)

	r.link.deliver(model.MustEvent(model.EventUserTyping, model.TypingPayload{
		User: model.TypingUser{ID: "user-bob", Name: "bob"},
	}))
	require.Eventually(t, func() bool { return len(r.ctl.Snapshot().Typing) == 1 }, waitFor, tick)

	r.link.deliver(chatEvent("m1", "user-bob", "bob", "sent it"))
	require.Eventually(t, func() bool { return len(r.ctl.Snapshot().Typing) == 0 }, waitFor, tick,
		"the arrived message replaces the indicator")
}

func TestOwnTypingEventsIgnored(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	id := r.register(t)

	r.link.deliver(model.MustEvent(model.EventUserTyping, model.TypingPayload{
		User: model.TypingUser{ID: id.ID, Name: id.Name},
	}))
	r.link.deliver(chatEvent("m1", "user-x", "x", "sync point"))
	require.Eventually(t, func() bool { return len(r.ctl.Snapshot().Global) == 1 }, waitFor, tick)
	assert.Empty(t, r.ctl.Snapshot().Typing)
}

func TestMentionNotification(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	id := r.register(t)

	r.link.deliver(model.MustEvent(model.EventChatMessage, model.Message{
		ID: "m1", AuthorID: "user-x", Author: "x",
		Body: "yo @" + id.Name, Mentions: []string{id.Name},
	}))
	r.waitUpdate(t, UpdateMention)
}

func TestMentionFallsBackToBodyScan(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	id := r.register(t)

	// no Mentions tag on the wire; the body still names us
	r.link.deliver(chatEvent("m1", "user-x", "x", "hi @"+id.Name))
	r.waitUpdate(t, UpdateMention)
}

func TestOwnEchoDoesNotRingTheBell(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	id := r.register(t)

	r.link.deliver(model.MustEvent(model.EventChatMessage, model.Message{
		ID: "m1", AuthorID: id.ID, Author: id.Name,
		Body: "note to self @" + id.Name, Mentions: []string{id.Name},
	}))
	r.waitUpdate(t, UpdateMessages)
	select {
	case u := <-r.ctl.Updates():
		assert.NotEqual(t, UpdateMention, u.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPresenceEvents(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.register(t)

	r.link.deliver(model.MustEvent(model.EventUserJoined, model.PresencePayload{
		User: model.User{ID: "user-bob", Name: "bob"},
	}))
	r.link.deliver(model.MustEvent(model.EventOnlineCount, model.OnlineCountPayload{Count: 7}))

	require.Eventually(t, func() bool { return r.ctl.Snapshot().Online == 7 }, waitFor, tick)
	snap := r.ctl.Snapshot()
	require.NotEmpty(t, snap.Global)
	first := snap.Global[0]
	assert.True(t, first.IsSystem)
	assert.Equal(t, "bob connected", first.Body)

	r.link.deliver(model.MustEvent(model.EventUserLeft, model.PresencePayload{
		User: model.User{ID: "user-bob", Name: "bob"},
	}))
	require.Eventually(t, func() bool {
		msgs := r.ctl.Snapshot().Global
		return len(msgs) == 2 && msgs[1].Body == "bob disconnected"
	}, waitFor, tick)
}

func TestOwnPresenceIgnored(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	id := r.register(t)

	r.link.deliver(model.MustEvent(model.EventUserJoined, model.PresencePayload{
		User: model.User{ID: id.ID, Name: id.Name},
	}))
	r.link.deliver(chatEvent("m1", "user-x", "x", "sync point"))
	require.Eventually(t, func() bool { return len(r.ctl.Snapshot().Global) == 1 }, waitFor, tick,
		"no system line for our own arrival")
}

func TestScoreAndStatsEvents(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.register(t)

	r.link.deliver(model.MustEvent(model.EventUserPointsUpdate, model.PointsPayload{Points: 40}))
	r.link.deliver(model.MustEvent(model.EventGlobalStats, model.GlobalStats{Online: 3, TotalMessages: 120, ActiveRooms: 2}))
	r.link.deliver(model.MustEvent(model.EventHackAccessUpdate, model.HackAccessPayload{Allowed: true}))

	require.Eventually(t, func() bool {
		snap := r.ctl.Snapshot()
		return snap.Points == 40 && snap.Stats.TotalMessages == 120 && snap.HackAccess
	}, waitFor, tick)
}

func TestLeaderboardData(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.register(t)

	require.NoError(t, r.ctl.RequestLeaderboard())
	r.link.waitSent(t, model.EventLeaderboardRequest)

	r.link.deliver(model.MustEvent(model.EventLeaderboardData, model.LeaderboardPayload{
		Entries: []model.LeaderboardEntry{
			{Rank: 1, Name: "zed", Points: 90},
			{Rank: 2, Name: "ann", Points: 45},
		},
	}))

	require.Eventually(t, func() bool { return len(r.ctl.Snapshot().Leaderboard) == 2 }, waitFor, tick)
	snap := r.ctl.Snapshot()
	assert.Equal(t, "zed", snap.Leaderboard[0].Name)
	require.NotEmpty(t, snap.Global, "the board is also readable in the channel")
	last := snap.Global[len(snap.Global)-1]
	assert.True(t, last.IsSystem)
	assert.Contains(t, last.Body, "#1 zed (90 pts)")
}

func TestHackResultBecomesSystemLine(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.register(t)

	require.NoError(t, r.ctl.ExecuteHack())
	r.link.waitSent(t, model.EventExecuteHack)

	r.link.deliver(model.MustEvent(model.EventHackResult, model.HackResultPayload{
		Success: true, Output: "mainframe breached", Points: 25,
	}))
	require.Eventually(t, func() bool {
		msgs := r.ctl.Snapshot().Global
		return len(msgs) == 1 && strings.Contains(msgs[0].Body, "hack complete: mainframe breached (+25 pts)")
	}, waitFor, tick)
}

func TestServerErrorSurfacesAsUpdate(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.register(t)

	r.link.deliver(model.MustEvent(model.EventError, model.ErrorPayload{Code: "boom", Message: "it broke"}))
	u := r.waitUpdate(t, UpdateError)

	var srvErr *ServerError
	require.ErrorAs(t, u.Err, &srvErr)
	assert.Equal(t, "boom", srvErr.Code)
	assert.Contains(t, srvErr.Error(), "it broke")
	assert.Equal(t, model.StateConnected, r.ctl.Snapshot().State, "server errors never corrupt state")
}

func TestReconnectReannouncesIdentityAndRoom(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	id := r.register(t)
	room := joinRigRoom(t, r)

	r.link.setState(model.StateReconnecting)
	r.waitState(t, model.StateReconnecting)
	r.link.setState(model.StateConnected)

	ev := r.link.waitSent(t, model.EventRegister)
	var reg model.RegisterPayload
	require.NoError(t, ev.Decode(&reg))
	assert.Equal(t, id.ID, reg.ID, "the same identity is re-announced")
	assert.Equal(t, id.Token, reg.Token)

	r.link.waitSent(t, model.EventCheckMuteStatus)

	join := r.link.waitSent(t, model.EventJoin)
	var jp model.JoinPayload
	require.NoError(t, join.Decode(&jp))
	assert.Equal(t, room.ID, jp.Room, "the joined room is rejoined")
}

func TestDisconnectClearsTypingIndicators(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.register(t)

	r.link.deliver(model.MustEvent(model.EventUserTyping, model.TypingPayload{
		User: model.TypingUser{ID: "user-bob", Name: "bob"},
	}))
	require.Eventually(t, func() bool { return len(r.ctl.Snapshot().Typing) == 1 }, waitFor, tick)

	r.link.setState(model.StateReconnecting)
	require.Eventually(t, func() bool { return len(r.ctl.Snapshot().Typing) == 0 }, waitFor, tick,
		"stale indicators must not outlive the link")
}

func TestReconnectAttemptVisibleInSnapshot(t *testing.T) {
	r := newRig(t)
	r.connect(t)

	r.link.status <- model.ConnStatus{State: model.StateReconnecting, Attempt: 3, Err: errors.New("dial tcp: refused")}
	require.Eventually(t, func() bool {
		snap := r.ctl.Snapshot()
		return snap.State == model.StateReconnecting && snap.Attempt == 3 && snap.LastError != nil
	}, waitFor, tick)
}

func TestCloseForgetsEverything(t *testing.T) {
	r := newRig(t)
	r.connect(t)
	r.register(t)

	_, ok := r.store.Identity()
	require.True(t, ok)

	require.NoError(t, r.ctl.Close())

	_, ok = r.store.Identity()
	assert.False(t, ok, "closing wipes the stored identity")
	assert.ErrorIs(t, r.ctl.SendMessage("hi", nil), ErrClosed)
	_, err := r.ctl.CreateIdentity()
	assert.ErrorIs(t, err, ErrClosed)

	select {
	case <-r.ctl.Done():
	default:
		t.Fatal("Done must be closed after Close")
	}
	assert.NoError(t, r.ctl.Close(), "closing twice is fine")
}

func countNonSystem(msgs []model.Message) int {
	n := 0
	for _, m := range msgs {
		if !m.IsSystem {
			n++
		}
	}
	return n
}
