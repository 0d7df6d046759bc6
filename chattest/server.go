// Package chattest runs an in-process Chatropolis server that speaks the
// slice of the protocol the client exercises: registration, global and
// room messages, presence, typing relay, reactions, mutes, and the
// leaderboard/hack endpoints. The test suite drives it directly; it also
// works as a throwaway local server. It is not the production service.
package chattest

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chatropolis/termchat/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	pointsPerPost  = 5
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Options tunes the test server.
type Options struct {
	Welcome     string // system line pushed right after registration
	Logger      zerolog.Logger
	Leaderboard []model.LeaderboardEntry // canned; derived from points when empty
	HackAccess  bool
	HackResult  *model.HackResultPayload // canned; default denies
}

// Server is an in-process Chatropolis server.
type Server struct {
	opts Options
	log  zerolog.Logger
	hs   *httptest.Server // set by New
	ln   net.Listener     // set by Listen
	srv  *http.Server     // set by Listen

	mu          sync.Mutex
	clients     map[*client]struct{}
	rooms       map[string]*room
	roomsByCode map[string]*room
	muted       map[string]time.Time // user name -> mute end
	points      map[string]int       // user id -> score
	totalMsgs   int
}

type room struct {
	meta    model.Room
	hasMeta bool
	members map[*client]struct{}
}

type client struct {
	srv  *Server
	conn *websocket.Conn
	send chan model.Event
	done chan struct{}

	mu         sync.Mutex
	id         string
	name       string
	color      string
	registered bool
	room       *room
}

// New starts the server on a loopback port. Callers own Close.
func New(opts Options) *Server {
	s := newServer(opts)
	s.hs = httptest.NewServer(s.mux())
	return s
}

// Listen starts the server on addr, for running it as a local dev server.
func Listen(addr string, opts Options) (*Server, error) {
	s := newServer(opts)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.mux()}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("serve")
		}
	}()
	return s, nil
}

func newServer(opts Options) *Server {
	return &Server{
		opts:        opts,
		log:         opts.Logger.With().Str("component", "chattest").Logger(),
		clients:     make(map[*client]struct{}),
		rooms:       make(map[string]*room),
		roomsByCode: make(map[string]*room),
		muted:       make(map[string]time.Time),
		points:      make(map[string]int),
	}
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWs)
	return mux
}

// URL returns the websocket endpoint clients should dial.
func (s *Server) URL() string {
	if s.hs != nil {
		return "ws" + strings.TrimPrefix(s.hs.URL, "http") + "/ws"
	}
	return "ws://" + s.ln.Addr().String() + "/ws"
}

// Close shuts the listener down and disconnects everyone.
func (s *Server) Close() {
	s.DropConnections()
	if s.hs != nil {
		s.hs.Close()
	}
	if s.srv != nil {
		s.srv.Close()
	}
}

// DropConnections severs every live connection without stopping the
// listener. Reconnect tests use it to simulate an outage blip.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c.conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// ClientCount reports how many registered users are connected.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for c := range s.clients {
		c.mu.Lock()
		if c.registered {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

// Stats reports the counters the server would push as global stats.
func (s *Server) Stats() model.GlobalStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.GlobalStats{
		Online:        s.onlineLocked(),
		TotalMessages: s.totalMsgs,
		ActiveRooms:   len(s.rooms),
	}
}

// MuteUser mutes a registered user by name and tells them so. It reports
// whether the user was found.
func (s *Server) MuteUser(name string, d time.Duration) bool {
	until := time.Now().Add(d)
	s.mu.Lock()
	s.muted[name] = until
	target := s.findByNameLocked(name)
	s.mu.Unlock()
	if target == nil {
		return false
	}
	target.push(model.MustEvent(model.EventUserMuted, model.MutePayload{
		UserID:      target.userID(),
		DurationSec: int(d / time.Second),
		Until:       until,
	}))
	return true
}

// UnmuteUser lifts a mute early.
func (s *Server) UnmuteUser(name string) bool {
	s.mu.Lock()
	delete(s.muted, name)
	target := s.findByNameLocked(name)
	s.mu.Unlock()
	if target == nil {
		return false
	}
	target.push(model.MustEvent(model.EventUserUnmuted, model.UnmutePayload{UserID: target.userID()}))
	return true
}

// Broadcast injects a raw event to every registered client.
func (s *Server) Broadcast(ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastLocked(ev, nil)
}

// BroadcastSystem pushes a system line to every registered client.
func (s *Server) BroadcastSystem(text string) {
	s.Broadcast(systemMessage(text))
}

// SendTo injects a raw event to one user by name.
func (s *Server) SendTo(name string, ev model.Event) bool {
	s.mu.Lock()
	target := s.findByNameLocked(name)
	s.mu.Unlock()
	if target == nil {
		return false
	}
	target.push(ev)
	return true
}

func (s *Server) findByNameLocked(name string) *client {
	for c := range s.clients {
		c.mu.Lock()
		match := c.registered && c.name == name
		c.mu.Unlock()
		if match {
			return c
		}
	}
	return nil
}

// broadcastLocked fans ev out to every registered client except skip.
func (s *Server) broadcastLocked(ev model.Event, skip *client) {
	for c := range s.clients {
		if c == skip {
			continue
		}
		c.mu.Lock()
		reg := c.registered
		c.mu.Unlock()
		if reg {
			c.push(ev)
		}
	}
}

func (s *Server) onlineLocked() int {
	n := 0
	for c := range s.clients {
		c.mu.Lock()
		if c.registered {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	c := &client{srv: s, conn: conn, send: make(chan model.Event, 256), done: make(chan struct{})}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go c.writeLoop()
	go c.readLoop()
}

// push queues an event, dropping it if the client is gone or stopped
// draining. The send channel is never closed, so a push racing a teardown
// is harmless.
func (c *client) push(ev model.Event) {
	select {
	case <-c.done:
	case c.send <- ev:
	default:
	}
}

func (c *client) userID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *client) user() model.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.User{ID: c.id, Name: c.name, Color: c.color}
}

func (c *client) readLoop() {
	defer c.teardown()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var ev model.Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			return
		}
		c.handle(ev)
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) teardown() {
	c.conn.Close()
	s := c.srv
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	close(c.done)
	c.mu.Lock()
	wasRegistered := c.registered
	user := model.User{ID: c.id, Name: c.name, Color: c.color}
	r := c.room
	c.room = nil
	c.mu.Unlock()
	if r != nil {
		delete(r.members, c)
	}
	if wasRegistered {
		s.broadcastLocked(model.MustEvent(model.EventUserLeft, model.PresencePayload{User: user}), nil)
		s.broadcastLocked(model.MustEvent(model.EventOnlineCount, model.OnlineCountPayload{Count: s.onlineLocked()}), nil)
	}
	s.mu.Unlock()
}

func (c *client) fail(code, msg string) {
	c.push(model.MustEvent(model.EventError, model.ErrorPayload{Code: code, Message: msg}))
}
