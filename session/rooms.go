package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/chatropolis/termchat/model"
)

// joinWait tracks one in-flight join or create handshake. The channels are
// buffered so either acknowledgment can land before the waiter gets there.
type joinWait struct {
	roomID    string // set when joining a known room id
	code      string // set when joining by code, normalized
	confirmed chan string
	meta      chan model.Room
	fail      chan error
}

func newJoinWait(roomID, code string) *joinWait {
	return &joinWait{
		roomID:    roomID,
		code:      code,
		confirmed: make(chan string, 1),
		meta:      make(chan model.Room, 1),
		fail:      make(chan error, 1),
	}
}

// matchConfirm is permissive: only one join is ever in flight, so a
// confirm is taken unless it names a conflicting room id or code.
func (w *joinWait) matchConfirm(p model.JoinedConfirmPayload) bool {
	if w.roomID != "" && p.RoomID != "" {
		return p.RoomID == w.roomID
	}
	if w.code != "" && p.Code != "" {
		return model.NormalizeJoinCode(p.Code) == w.code
	}
	return true
}

func (w *joinWait) matchRoom(r model.Room) bool {
	if w.roomID != "" {
		return r.ID == w.roomID
	}
	return w.code != "" && r.JoinCode == w.code
}

// CreateRoom builds the room locally (id, join code, defaults), joins it,
// and once the server confirms, broadcasts its metadata so other clients
// and the registry learn about it.
func (c *Controller) CreateRoom(ctx context.Context, name string, theme model.RoomTheme) (model.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Room{}, ErrEmptyRoomName
	}
	if theme == "" {
		theme = model.ThemeTerminal
	}
	if !theme.Valid() {
		return model.Room{}, ErrInvalidTheme
	}

	c.mu.Lock()
	if err := c.guardLocked(); err != nil {
		c.mu.Unlock()
		return model.Room{}, err
	}
	if c.identity == nil {
		c.mu.Unlock()
		return model.Room{}, ErrNoIdentity
	}
	if c.pending != nil {
		c.mu.Unlock()
		return model.Room{}, ErrJoinInProgress
	}
	room := model.Room{
		ID:        "room-" + uuid.NewString()[:8],
		Name:      name,
		AdminID:   c.identity.ID,
		Theme:     theme,
		JoinCode:  NewJoinCode(),
		CreatedAt: c.clock.Now(),
		Members:   []string{c.identity.ID},
		Settings:  model.RoomSettings{MaxUsers: 50, AllowGuests: true},
	}
	w := newJoinWait(room.ID, "")
	c.pending = w
	c.leaveCurrentLocked()
	confirm := c.clock.Timer(c.cfg.JoinTimeout)
	c.mu.Unlock()
	defer confirm.Stop()

	if err := c.link.Send(model.MustEvent(model.EventJoin, model.JoinPayload{Room: room.ID})); err != nil {
		c.clearPending(w)
		return model.Room{}, fmt.Errorf("create room: %w", err)
	}
	select {
	case <-w.confirmed:
	case err := <-w.fail:
		c.clearPending(w)
		return model.Room{}, err
	case <-confirm.C:
		c.clearPending(w)
		return model.Room{}, ErrJoinTimeout
	case <-ctx.Done():
		c.clearPending(w)
		return model.Room{}, ctx.Err()
	case <-c.done:
		return model.Room{}, ErrClosed
	}
	c.clearPending(w)

	c.send(model.MustEvent(model.EventRoomMetadata, room))
	c.rooms.Put(room)
	c.enterRoom(room, fmt.Sprintf("room %q created, join code %s", room.Name, room.JoinCode))
	return room, nil
}

// JoinRoom enters the room behind a join code. The server acknowledges a
// join twice, with a confirm and with metadata, in no guaranteed order:
// the confirm is awaited up to JoinTimeout, then metadata up to
// MetadataGrace, falling back to a skeleton room when it never shows. A
// registry hit skips the metadata round-trip entirely.
func (c *Controller) JoinRoom(ctx context.Context, code string) (model.Room, error) {
	code = model.NormalizeJoinCode(code)
	if code == "" {
		return model.Room{}, ErrBadJoinCode
	}
	c.mu.Lock()
	if err := c.guardLocked(); err != nil {
		c.mu.Unlock()
		return model.Room{}, err
	}
	if c.identity == nil {
		c.mu.Unlock()
		return model.Room{}, ErrNoIdentity
	}
	if c.pending != nil {
		c.mu.Unlock()
		return model.Room{}, ErrJoinInProgress
	}
	cached, haveMeta := c.rooms.ByCode(code)
	var w *joinWait
	if haveMeta {
		w = newJoinWait(cached.ID, code)
	} else {
		w = newJoinWait("", code)
	}
	c.pending = w
	c.leaveCurrentLocked()
	confirm := c.clock.Timer(c.cfg.JoinTimeout)
	c.mu.Unlock()
	defer confirm.Stop()

	target := code
	if haveMeta {
		target = cached.ID
	}
	if err := c.link.Send(model.MustEvent(model.EventJoin, model.JoinPayload{Room: target})); err != nil {
		c.clearPending(w)
		return model.Room{}, fmt.Errorf("join room: %w", err)
	}
	if !haveMeta {
		c.send(model.MustEvent(model.EventRoomRequestMetadata, model.MetadataRequestPayload{Code: code}))
	}

	var confirmedID string
	select {
	case confirmedID = <-w.confirmed:
	case err := <-w.fail:
		c.clearPending(w)
		return model.Room{}, err
	case <-confirm.C:
		c.clearPending(w)
		return model.Room{}, ErrJoinTimeout
	case <-ctx.Done():
		c.clearPending(w)
		return model.Room{}, ctx.Err()
	case <-c.done:
		return model.Room{}, ErrClosed
	}

	var room model.Room
	if haveMeta {
		// freshest copy wins if metadata arrived while we waited
		select {
		case room = <-w.meta:
		default:
			room = cached
		}
	} else {
		grace := c.clock.Timer(c.cfg.MetadataGrace)
		select {
		case room = <-w.meta:
		case <-grace.C:
			// metadata never came; a skeleton room keeps the session usable
			room = model.Room{ID: confirmedID, Name: code, Theme: model.ThemeTerminal, JoinCode: code}
		case err := <-w.fail:
			grace.Stop()
			c.clearPending(w)
			return model.Room{}, err
		case <-ctx.Done():
			grace.Stop()
			c.clearPending(w)
			c.send(model.MustEvent(model.EventLeave, model.LeavePayload{Room: confirmedID}))
			return model.Room{}, ctx.Err()
		case <-c.done:
			grace.Stop()
			return model.Room{}, ErrClosed
		}
		grace.Stop()
	}
	c.clearPending(w)

	if room.ID == "" {
		room.ID = confirmedID
	}
	if room.JoinCode == "" {
		room.JoinCode = code
	}
	c.rooms.Put(room)
	c.enterRoom(room, "joined "+room.Name)
	return room, nil
}

// LeaveRoom exits the joined room and returns to the global channel. Local
// state clears even when the goodbye cannot reach the server.
func (c *Controller) LeaveRoom() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.room == nil {
		c.mu.Unlock()
		return ErrNoRoom
	}
	name := c.room.Name
	c.leaveCurrentLocked()
	c.appendSystemLocked("left "+name, "")
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateMessages})
	return nil
}

// leaveCurrentLocked exits the joined room, if any, and wipes its channel
// state. Joining and creating call it first: one room at a time.
func (c *Controller) leaveCurrentLocked() {
	if c.room == nil {
		return
	}
	room := *c.room
	c.room = nil
	c.roomBuf.Reset()
	c.typing = make(map[string]*typist)
	c.stopTypingLocked(false)
	c.send(model.MustEvent(model.EventLeave, model.LeavePayload{Room: room.ID}))
	c.notify(Update{Kind: UpdateRoom})
	c.notify(Update{Kind: UpdateTyping})
}

func (c *Controller) enterRoom(room model.Room, note string) {
	c.mu.Lock()
	r := room
	c.room = &r
	c.roomBuf.Reset()
	c.typing = make(map[string]*typist)
	c.appendSystemLocked(note, room.ID)
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateRoom})
	c.notify(Update{Kind: UpdateMessages})
	c.notify(Update{Kind: UpdateTyping})
}

func (c *Controller) clearPending(w *joinWait) {
	c.mu.Lock()
	if c.pending == w {
		c.pending = nil
	}
	c.mu.Unlock()
}
