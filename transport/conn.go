// Package transport maintains the websocket connection to a Chatropolis
// server. It dials in the background, decodes inbound frames into events,
// keeps the connection alive with ping/pong, and reconnects with bounded
// exponential backoff when the link drops. An explicit Close never
// reconnects.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chatropolis/termchat/model"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 * 1024
)

var (
	// ErrNotConnected is returned by Send while the link is down.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)

// Dialer opens a single websocket connection. Tests substitute their own.
type Dialer func(ctx context.Context, url string) (*websocket.Conn, error)

// Options configures a Conn. Zero values get defaults.
type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	ReconnectInitial time.Duration // first retry delay
	ReconnectMax     time.Duration // delay cap
	ReconnectJitter  float64       // randomization factor, 0 = deterministic
	MaxRetries       uint64        // retries per outage after the immediate attempt
	Logger           zerolog.Logger
	Dialer           Dialer
}

func (o *Options) withDefaults() {
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReconnectInitial == 0 {
		o.ReconnectInitial = time.Second
	}
	if o.ReconnectMax == 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 8
	}
	if o.Dialer == nil {
		o.Dialer = defaultDialer(o.HandshakeTimeout)
	}
}

// newBackOff builds the per-outage retry policy: the delay doubles from
// ReconnectInitial up to ReconnectMax and never shrinks.
func (o *Options) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.ReconnectInitial
	bo.MaxInterval = o.ReconnectMax
	bo.Multiplier = 2
	bo.RandomizationFactor = o.ReconnectJitter
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Conn is an auto-reconnecting websocket connection carrying protocol
// events. All methods are safe for concurrent use.
type Conn struct {
	opts Options
	log  zerolog.Logger

	events chan model.Event
	status chan model.ConnStatus

	mu     sync.Mutex
	ws     *websocket.Conn // nil while disconnected
	closed bool

	done    chan struct{}
	runDone chan struct{}
}

// Open starts connecting in the background and returns immediately. Watch
// Status for the outcome.
func Open(opts Options) *Conn {
	opts.withDefaults()
	c := &Conn{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "transport").Logger(),
		events:  make(chan model.Event, 256),
		status:  make(chan model.ConnStatus, 16),
		done:    make(chan struct{}),
		runDone: make(chan struct{}),
	}
	go c.run()
	return c
}

// Events delivers inbound protocol events. The channel is closed when the
// transport stops for good.
func (c *Conn) Events() <-chan model.Event { return c.events }

// Status delivers connection state changes. Slow consumers lose the oldest
// report, never the newest. Closed when the transport stops.
func (c *Conn) Status() <-chan model.ConnStatus { return c.status }

// Send writes one event to the server.
func (c *Conn) Send(ev model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.ws == nil {
		return ErrNotConnected
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(ev); err != nil {
		return fmt.Errorf("write %s: %w", ev.Name, err)
	}
	return nil
}

// Close tears the connection down and stops all reconnect attempts. It is
// idempotent and waits for the background loop to finish.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.runDone
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	close(c.done)
	if ws != nil {
		deadline := time.Now().Add(writeWait)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		ws.Close()
	}
	<-c.runDone
	return nil
}

func (c *Conn) run() {
	defer close(c.runDone)
	defer close(c.status)
	defer close(c.events)

	c.pushStatus(model.StateConnecting, 0, nil)
	for {
		ws, attempts, err := c.connect()
		if err != nil {
			c.log.Error().Err(err).Int("attempts", attempts).Msg("giving up")
			c.pushStatus(model.StateDisconnected, attempts, err)
			return
		}
		if !c.attach(ws) {
			c.pushStatus(model.StateDisconnected, 0, nil)
			return
		}
		c.log.Info().Str("url", c.opts.URL).Msg("connected")
		c.pushStatus(model.StateConnected, 0, nil)

		err = c.readLoop(ws)
		c.detach()
		if c.isClosed() {
			c.pushStatus(model.StateDisconnected, 0, nil)
			return
		}
		c.log.Warn().Err(err).Msg("connection lost")
		c.pushStatus(model.StateReconnecting, 0, err)
	}
}

// connect dials until it succeeds, the retry budget runs out, or the Conn
// is closed. It reports how many attempts failed.
func (c *Conn) connect() (*websocket.Conn, int, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	bo := c.opts.newBackOff()

	attempts := 0
	var ws *websocket.Conn
	op := func() error {
		w, err := c.opts.Dialer(ctx, c.opts.URL)
		if err != nil {
			return err
		}
		ws = w
		return nil
	}
	notify := func(err error, wait time.Duration) {
		attempts++
		c.log.Debug().Err(err).Int("attempt", attempts).Dur("retry_in", wait).Msg("dial failed")
		c.pushStatus(model.StateReconnecting, attempts, err)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.opts.MaxRetries), ctx), notify)
	if err != nil {
		return nil, attempts + 1, err
	}
	return ws, attempts, nil
}

func (c *Conn) readLoop(ws *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(ws, stop)

	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var ev model.Event
		if err := ws.ReadJSON(&ev); err != nil {
			return err
		}
		if ev.Name == "" {
			c.log.Debug().Msg("dropping frame without event name")
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return ErrClosed
		}
	}
}

func (c *Conn) pingLoop(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-stop:
			return
		case <-c.done:
			return
		}
	}
}

// attach publishes ws as the live connection unless Close already won.
func (c *Conn) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ws.Close()
		return false
	}
	c.ws = ws
	return true
}

func (c *Conn) detach() {
	c.mu.Lock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.mu.Unlock()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) pushStatus(state model.ConnState, attempt int, err error) {
	st := model.ConnStatus{State: state, Attempt: attempt, Err: err}
	for {
		select {
		case c.status <- st:
			return
		default:
			select {
			case <-c.status:
			default:
			}
		}
	}
}

func defaultDialer(handshakeTimeout time.Duration) Dialer {
	return func(ctx context.Context, url string) (*websocket.Conn, error) {
		d := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		ws, resp, err := d.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
				return nil, fmt.Errorf("dial %s: %w (status %s)", url, err, resp.Status)
			}
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		return ws, nil
	}
}
