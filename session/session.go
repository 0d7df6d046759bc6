// Package session implements the Chatropolis client controller. It owns the
// local mirror of server state (messages, rooms, typing, mute, score),
// validates and transmits user actions, and reconciles everything the server
// pushes. The presentation layer consumes snapshots and a change
// notification channel; it never touches the wire directly.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/chatropolis/termchat/model"
)

var (
	// ErrNotConnected rejects operations while the transport is down.
	ErrNotConnected = errors.New("session: not connected")
	// ErrNoIdentity rejects operations that need a registered identity.
	ErrNoIdentity = errors.New("session: no identity registered")
	// ErrMuted rejects sends while a server mute is active.
	ErrMuted = errors.New("session: muted")
	// ErrEmptyMessage rejects bodies that are empty after trimming.
	ErrEmptyMessage = errors.New("session: empty message")
	// ErrMessageTooLong rejects bodies over the length limit.
	ErrMessageTooLong = errors.New("session: message too long")
	// ErrCooldownActive rejects sends inside the cooldown window.
	ErrCooldownActive = errors.New("session: cooldown active")
	// ErrJoinTimeout means the server never confirmed a join.
	ErrJoinTimeout = errors.New("session: no join confirmation")
	// ErrJoinInProgress rejects overlapping join or create attempts.
	ErrJoinInProgress = errors.New("session: join already in progress")
	// ErrBadJoinCode rejects empty or malformed join codes.
	ErrBadJoinCode = errors.New("session: invalid join code")
	// ErrEmptyRoomName rejects rooms without a name.
	ErrEmptyRoomName = errors.New("session: empty room name")
	// ErrInvalidTheme rejects unknown room themes.
	ErrInvalidTheme = errors.New("session: unknown room theme")
	// ErrNoRoom rejects room operations while not in a room.
	ErrNoRoom = errors.New("session: not in a room")
	// ErrClosed rejects everything after Close.
	ErrClosed = errors.New("session: closed")
)

// Link is the transport surface the controller drives. *transport.Conn
// satisfies it.
type Link interface {
	Send(model.Event) error
	Events() <-chan model.Event
	Status() <-chan model.ConnStatus
	Close() error
}

// Config bundles the controller's tunables.
type Config struct {
	Cooldown        time.Duration // minimum gap between accepted sends
	MaxMessageLen   int           // body limit in runes
	BufferSize      int           // retained messages per channel
	JoinTimeout     time.Duration // waiting for room:joined:confirm
	MetadataGrace   time.Duration // extra wait for metadata after a confirm
	TypingIdle      time.Duration // local silence before typing_stop
	TypingExpiry    time.Duration // drop remote typists without a stop event
	MuteTick        time.Duration // mute countdown refresh interval
	RegisterRetries int           // fresh identities tried after a server reject
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		Cooldown:        5 * time.Second,
		MaxMessageLen:   1000,
		BufferSize:      100,
		JoinTimeout:     5 * time.Second,
		MetadataGrace:   2 * time.Second,
		TypingIdle:      2 * time.Second,
		TypingExpiry:    5 * time.Second,
		MuteTick:        time.Second,
		RegisterRetries: 1,
	}
}

type typist struct {
	user model.TypingUser
	gen  int
}

// Controller is the chat session state machine. All methods are safe for
// concurrent use.
type Controller struct {
	cfg   Config
	link  Link
	clock clock.Clock
	log   zerolog.Logger
	rooms *RoomRegistry
	store Store

	mu            sync.Mutex
	closed        bool
	state         model.ConnState
	attempt       int
	lastErr       error
	identity      *model.Identity
	registerTries int
	room          *model.Room
	global        *buffer
	roomBuf       *buffer
	typing        map[string]*typist
	typingGen     int  // local debounce generation
	typingArmed   bool // a typing_stop is scheduled
	mute          *model.Mute
	muteGen       int
	lastSend      time.Time
	pending       *joinWait
	online        int
	points        int
	board         []model.LeaderboardEntry
	stats         model.GlobalStats
	hackOK        bool

	updates  chan Update
	done     chan struct{}
	loopDone chan struct{}
}

// Option customizes a Controller.
type Option func(*Controller)

// WithConfig replaces the default tunables.
func WithConfig(cfg Config) Option { return func(c *Controller) { c.cfg = cfg } }

// WithClock injects the time source. Tests use a mock.
func WithClock(clk clock.Clock) Option { return func(c *Controller) { c.clock = clk } }

// WithLogger routes controller logs.
func WithLogger(log zerolog.Logger) Option { return func(c *Controller) { c.log = log } }

// WithRegistry shares a room metadata cache between controllers.
func WithRegistry(r *RoomRegistry) Option { return func(c *Controller) { c.rooms = r } }

// WithStore injects the identity store.
func WithStore(s Store) Option { return func(c *Controller) { c.store = s } }

// New builds a controller on top of link and starts consuming it.
func New(link Link, opts ...Option) *Controller {
	c := &Controller{
		cfg:      DefaultConfig(),
		link:     link,
		clock:    clock.New(),
		log:      zerolog.Nop(),
		rooms:    NewRoomRegistry(),
		store:    NewMemStore(),
		typing:   make(map[string]*typist),
		updates:  make(chan Update, 64),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "session").Logger()
	c.global = newBuffer(c.cfg.BufferSize)
	c.roomBuf = newBuffer(c.cfg.BufferSize)
	go c.loop()
	return c
}

// Updates signals that the snapshot changed. Slow consumers lose the oldest
// notification, never the newest. The channel is never closed; it simply
// goes quiet after Close.
func (c *Controller) Updates() <-chan Update { return c.updates }

// Done is closed when the controller shuts down. Consumers of Updates
// select on it to stop waiting.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Close tears the session down: identity is forgotten, the transport is
// closed, and no reconnect will happen.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.identity = nil
	c.mute = nil
	c.muteGen++
	c.typingGen++
	c.typingArmed = false
	c.typing = make(map[string]*typist)
	c.room = nil
	c.mu.Unlock()

	c.store.Clear()
	close(c.done)
	err := c.link.Close()
	<-c.loopDone
	return err
}

// Snapshot returns a copy of everything the presentation layer renders.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		State:       c.state,
		Attempt:     c.attempt,
		LastError:   c.lastErr,
		Online:      c.online,
		Points:      c.points,
		Stats:       c.stats,
		HackAccess:  c.hackOK,
		Global:      c.global.Snapshot(),
		Room:        nil,
		Leaderboard: append([]model.LeaderboardEntry(nil), c.board...),
	}
	if c.identity != nil {
		id := *c.identity
		s.Identity = &id
	}
	if c.room != nil {
		r := *c.room
		r.Members = append([]string(nil), r.Members...)
		s.Room = &r
		s.RoomMessages = c.roomBuf.Snapshot()
	}
	if c.mute != nil {
		s.MuteRemaining = c.mute.Remaining(c.clock.Now())
		s.Muted = s.MuteRemaining > 0
	}
	s.Typing = make([]model.TypingUser, 0, len(c.typing))
	for _, t := range c.typing {
		s.Typing = append(s.Typing, t.user)
	}
	sort.Slice(s.Typing, func(i, j int) bool { return s.Typing[i].Name < s.Typing[j].Name })
	return s
}

func (c *Controller) loop() {
	defer close(c.loopDone)
	events := c.link.Events()
	status := c.link.Status()
	for events != nil || status != nil {
		select {
		case <-c.done:
			return
		case st, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			c.handleStatus(st)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleEvent(ev)
		}
	}
}

// notify wakes the presentation layer without ever blocking the session.
func (c *Controller) notify(u Update) {
	select {
	case <-c.done:
		return
	default:
	}
	for {
		select {
		case c.updates <- u:
			return
		default:
			select {
			case <-c.updates:
			default:
			}
		}
	}
}

// send fires an event and logs transport failures. Used where the caller
// has no error path, such as reconnect re-registration.
func (c *Controller) send(ev model.Event) {
	if err := c.link.Send(ev); err != nil {
		c.log.Warn().Err(err).Str("event", string(ev.Name)).Msg("send failed")
	}
}

func (c *Controller) guardLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.state != model.StateConnected {
		return ErrNotConnected
	}
	return nil
}
