package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatropolis/termchat/model"
)

// ServerError is an error event pushed by the server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server: %s (%s)", e.Message, e.Code)
	}
	return "server: " + e.Message
}

func (c *Controller) handleStatus(st model.ConnStatus) {
	c.mu.Lock()
	prev := c.state
	c.state = st.State
	c.attempt = st.Attempt
	c.lastErr = st.Err
	var reident *model.Identity
	var rejoin string
	if st.State == model.StateConnected && prev != model.StateConnected {
		if c.identity != nil {
			id := *c.identity
			reident = &id
		}
		if c.room != nil {
			rejoin = c.room.ID
		}
	}
	typingCleared := false
	if prev == model.StateConnected && st.State != model.StateConnected && len(c.typing) > 0 {
		// remote typing indicators are stale once the link drops
		c.typing = make(map[string]*typist)
		typingCleared = true
	}
	c.mu.Unlock()

	if reident != nil {
		c.log.Info().Str("name", reident.Name).Msg("re-registering identity")
		c.send(registerEvent(*reident))
		c.send(model.MustEvent(model.EventCheckMuteStatus, model.MuteStatusRequest{UserID: reident.ID}))
	}
	if rejoin != "" {
		c.log.Info().Str("room", rejoin).Msg("rejoining room")
		c.send(model.MustEvent(model.EventJoin, model.JoinPayload{Room: rejoin}))
	}
	c.notify(Update{Kind: UpdateState})
	if typingCleared {
		c.notify(Update{Kind: UpdateTyping})
	}
}

func registerEvent(id model.Identity) model.Event {
	return model.MustEvent(model.EventRegister, model.RegisterPayload{
		ID:    id.ID,
		Name:  id.Name,
		Color: id.Color,
		Token: id.Token,
	})
}

func (c *Controller) handleEvent(ev model.Event) {
	switch ev.Name {
	case model.EventChatMessage:
		c.handleMessage(ev, false)
	case model.EventRoomMessageBroadcast:
		c.handleMessage(ev, true)
	case model.EventOnlineCount:
		var p model.OnlineCountPayload
		if err := ev.Decode(&p); err != nil {
			c.decodeFailed(ev, err)
			return
		}
		c.mu.Lock()
		c.online = p.Count
		c.mu.Unlock()
		c.notify(Update{Kind: UpdatePresence})
	case model.EventUserJoined:
		c.handlePresence(ev, "connected")
	case model.EventUserLeft:
		c.handlePresence(ev, "disconnected")
	case model.EventUserTyping:
		c.handleTyping(ev)
	case model.EventUserStoppedTyping:
		var p model.TypingPayload
		if err := ev.Decode(&p); err != nil {
			c.decodeFailed(ev, err)
			return
		}
		c.mu.Lock()
		removed := c.removeTypistLocked(p.User.ID)
		c.mu.Unlock()
		if removed {
			c.notify(Update{Kind: UpdateTyping})
		}
	case model.EventUserMuted:
		c.handleMuted(ev)
	case model.EventUserUnmuted:
		c.handleUnmuted(ev)
	case model.EventRoomMetadataUpdate:
		c.handleRoomMetadata(ev)
	case model.EventRoomJoinedConfirm:
		c.handleJoinConfirm(ev)
	case model.EventReactionBroadcast:
		var p model.ReactionPayload
		if err := ev.Decode(&p); err != nil {
			c.decodeFailed(ev, err)
			return
		}
		c.mu.Lock()
		changed := c.global.React(p.MessageID, p.Kind, p.Reactor) ||
			c.roomBuf.React(p.MessageID, p.Kind, p.Reactor)
		c.mu.Unlock()
		if changed {
			c.notify(Update{Kind: UpdateMessages})
		}
	case model.EventLeaderboardData:
		c.handleLeaderboard(ev)
	case model.EventGlobalStats:
		var p model.GlobalStats
		if err := ev.Decode(&p); err != nil {
			c.decodeFailed(ev, err)
			return
		}
		c.mu.Lock()
		c.stats = p
		c.mu.Unlock()
		c.notify(Update{Kind: UpdateScore})
	case model.EventHackAccessUpdate:
		var p model.HackAccessPayload
		if err := ev.Decode(&p); err != nil {
			c.decodeFailed(ev, err)
			return
		}
		c.mu.Lock()
		c.hackOK = p.Allowed
		c.mu.Unlock()
		c.notify(Update{Kind: UpdateScore})
	case model.EventHackResult:
		c.handleHackResult(ev)
	case model.EventUserPointsUpdate:
		var p model.PointsPayload
		if err := ev.Decode(&p); err != nil {
			c.decodeFailed(ev, err)
			return
		}
		c.mu.Lock()
		c.points = p.Points
		c.mu.Unlock()
		c.notify(Update{Kind: UpdateScore})
	case model.EventError:
		c.handleServerError(ev)
	case model.EventPong:
		// keepalive lives at the websocket layer; app-level pongs are noise
	default:
		c.log.Debug().Str("event", string(ev.Name)).Msg("unhandled event")
	}
}

// handleMessage appends an inbound message to its channel buffer. Room
// broadcasts are deduplicated by id because the server may redeliver them
// after a reconnect; global echoes arrive exactly once.
func (c *Controller) handleMessage(ev model.Event, room bool) {
	var msg model.Message
	if err := ev.Decode(&msg); err != nil {
		c.decodeFailed(ev, err)
		return
	}
	c.mu.Lock()
	added := true
	if room {
		added = c.roomBuf.AppendUnique(msg)
	} else {
		c.global.Append(msg)
	}
	mentioned := added && c.mentionsMeLocked(msg)
	typistGone := added && c.removeTypistLocked(msg.AuthorID)
	c.mu.Unlock()
	if !added {
		return
	}
	c.notify(Update{Kind: UpdateMessages})
	if typistGone {
		c.notify(Update{Kind: UpdateTyping})
	}
	if mentioned {
		c.notify(Update{Kind: UpdateMention})
	}
}

func (c *Controller) handlePresence(ev model.Event, verb string) {
	var p model.PresencePayload
	if err := ev.Decode(&p); err != nil {
		c.decodeFailed(ev, err)
		return
	}
	c.mu.Lock()
	if p.User.Name == "" || (c.identity != nil && p.User.ID == c.identity.ID) {
		c.mu.Unlock()
		return
	}
	c.appendSystemLocked(p.User.Name+" "+verb, "")
	typistGone := verb == "disconnected" && c.removeTypistLocked(p.User.ID)
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateMessages})
	c.notify(Update{Kind: UpdatePresence})
	if typistGone {
		c.notify(Update{Kind: UpdateTyping})
	}
}

func (c *Controller) handleTyping(ev model.Event) {
	var p model.TypingPayload
	if err := ev.Decode(&p); err != nil {
		c.decodeFailed(ev, err)
		return
	}
	c.mu.Lock()
	if p.User.ID == "" || (c.identity != nil && p.User.ID == c.identity.ID) {
		c.mu.Unlock()
		return
	}
	t := c.typing[p.User.ID]
	if t == nil {
		t = &typist{}
		c.typing[p.User.ID] = t
	}
	t.user = p.User
	t.gen++
	id, gen := p.User.ID, t.gen
	c.clock.AfterFunc(c.cfg.TypingExpiry, func() { c.expireTypist(id, gen) })
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateTyping})
}

// expireTypist drops a typing indicator whose stop event never came. The
// generation guard keeps a stale timer from killing a refreshed entry.
func (c *Controller) expireTypist(id string, gen int) {
	c.mu.Lock()
	t := c.typing[id]
	if t == nil || t.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.typing, id)
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateTyping})
}

func (c *Controller) handleMuted(ev model.Event) {
	var p model.MutePayload
	if err := ev.Decode(&p); err != nil {
		c.decodeFailed(ev, err)
		return
	}
	c.mu.Lock()
	if c.identity != nil && p.UserID != "" && p.UserID != c.identity.ID {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	until := p.Until
	if until.IsZero() && p.DurationSec > 0 {
		until = now.Add(time.Duration(p.DurationSec) * time.Second)
	}
	if !until.After(now) {
		c.mu.Unlock()
		return
	}
	c.mute = &model.Mute{Until: until, DurationSec: p.DurationSec}
	c.muteGen++
	gen := c.muteGen
	c.clock.AfterFunc(c.cfg.MuteTick, func() { c.muteTick(gen) })
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateMute})
}

// muteTick re-arms itself every MuteTick so the countdown refreshes, and
// lifts the mute once the window has passed. No server event is needed for
// expiry.
func (c *Controller) muteTick(gen int) {
	c.mu.Lock()
	if gen != c.muteGen || c.mute == nil {
		c.mu.Unlock()
		return
	}
	if !c.clock.Now().Before(c.mute.Until) {
		c.mute = nil
		c.muteGen++
		c.mu.Unlock()
		c.notify(Update{Kind: UpdateMute})
		return
	}
	c.clock.AfterFunc(c.cfg.MuteTick, func() { c.muteTick(gen) })
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateMute})
}

func (c *Controller) handleUnmuted(ev model.Event) {
	var p model.UnmutePayload
	if len(ev.Data) > 0 {
		if err := ev.Decode(&p); err != nil {
			c.decodeFailed(ev, err)
			return
		}
	}
	c.mu.Lock()
	if c.identity != nil && p.UserID != "" && p.UserID != c.identity.ID {
		c.mu.Unlock()
		return
	}
	lifted := c.mute != nil
	c.mute = nil
	c.muteGen++
	c.mu.Unlock()
	if lifted {
		c.notify(Update{Kind: UpdateMute})
	}
}

func (c *Controller) handleRoomMetadata(ev model.Event) {
	var room model.Room
	if err := ev.Decode(&room); err != nil {
		c.decodeFailed(ev, err)
		return
	}
	if room.ID == "" {
		return
	}
	room.JoinCode = model.NormalizeJoinCode(room.JoinCode)
	c.rooms.Put(room)
	c.mu.Lock()
	if w := c.pending; w != nil && w.matchRoom(room) {
		select {
		case w.meta <- room:
		default:
		}
	}
	roomChanged := false
	if c.room != nil && c.room.ID == room.ID {
		r := room
		c.room = &r
		roomChanged = true
	}
	c.mu.Unlock()
	if roomChanged {
		c.notify(Update{Kind: UpdateRoom})
	}
}

func (c *Controller) handleJoinConfirm(ev model.Event) {
	var p model.JoinedConfirmPayload
	if err := ev.Decode(&p); err != nil {
		c.decodeFailed(ev, err)
		return
	}
	c.mu.Lock()
	w := c.pending
	c.mu.Unlock()
	if w != nil && w.matchConfirm(p) {
		select {
		case w.confirmed <- p.RoomID:
		default:
		}
		return
	}
	// rejoin acks after a reconnect land here
	c.log.Debug().Str("room", p.RoomID).Msg("join confirm without pending join")
}

func (c *Controller) handleLeaderboard(ev model.Event) {
	var p model.LeaderboardPayload
	if err := ev.Decode(&p); err != nil {
		c.decodeFailed(ev, err)
		return
	}
	c.mu.Lock()
	c.board = p.Entries
	var b strings.Builder
	b.WriteString("leaderboard")
	for _, e := range p.Entries {
		fmt.Fprintf(&b, "\n  #%d %s (%d pts)", e.Rank, e.Name, e.Points)
	}
	c.appendSystemLocked(b.String(), c.activeRoomIDLocked())
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateScore})
	c.notify(Update{Kind: UpdateMessages})
}

func (c *Controller) handleHackResult(ev model.Event) {
	var p model.HackResultPayload
	if err := ev.Decode(&p); err != nil {
		c.decodeFailed(ev, err)
		return
	}
	c.mu.Lock()
	text := "hack failed"
	if p.Success {
		text = "hack complete"
	}
	if p.Output != "" {
		text += ": " + p.Output
	}
	if p.Points != 0 {
		text += fmt.Sprintf(" (%+d pts)", p.Points)
	}
	c.appendSystemLocked(text, c.activeRoomIDLocked())
	c.mu.Unlock()
	c.notify(Update{Kind: UpdateMessages})
	c.notify(Update{Kind: UpdateScore})
}

func (c *Controller) handleServerError(ev model.Event) {
	var p model.ErrorPayload
	if err := ev.Decode(&p); err != nil {
		c.decodeFailed(ev, err)
		return
	}
	srvErr := &ServerError{Code: p.Code, Message: p.Message}
	c.mu.Lock()
	if w := c.pending; w != nil {
		select {
		case w.fail <- srvErr:
		default:
		}
	}
	var retry *model.Identity
	if p.Code == "register" && c.identity != nil && c.registerTries < c.cfg.RegisterRetries {
		c.registerTries++
		fresh := NewIdentity()
		c.identity = &fresh
		id := fresh
		retry = &id
	}
	c.mu.Unlock()
	if retry != nil {
		c.store.SaveIdentity(*retry)
		c.log.Info().Str("name", retry.Name).Msg("registration rejected, retrying with a fresh identity")
		c.send(registerEvent(*retry))
		c.notify(Update{Kind: UpdateState})
	}
	c.notify(Update{Kind: UpdateError, Err: srvErr})
}

func (c *Controller) mentionsMeLocked(msg model.Message) bool {
	if c.identity == nil || msg.IsSystem || msg.AuthorID == c.identity.ID {
		return false
	}
	names := msg.Mentions
	if len(names) == 0 {
		// clients tag their own mentions; rescan for ones that did not
		names = ExtractMentions(msg.Body)
	}
	for _, name := range names {
		if strings.EqualFold(name, c.identity.Name) {
			return true
		}
	}
	return false
}

func (c *Controller) removeTypistLocked(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := c.typing[id]; !ok {
		return false
	}
	delete(c.typing, id)
	return true
}

// appendSystemLocked synthesizes a local system line. System messages are
// the only ones that enter a buffer without a server echo.
func (c *Controller) appendSystemLocked(text, roomID string) {
	msg := model.Message{
		ID:        uuid.NewString(),
		Author:    "system",
		Body:      text,
		Timestamp: c.clock.Now(),
		RoomID:    roomID,
		IsSystem:  true,
	}
	if roomID == "" {
		c.global.Append(msg)
	} else {
		c.roomBuf.Append(msg)
	}
}

func (c *Controller) activeRoomIDLocked() string {
	if c.room != nil {
		return c.room.ID
	}
	return ""
}

func (c *Controller) decodeFailed(ev model.Event, err error) {
	c.log.Warn().Err(err).Str("event", string(ev.Name)).Msg("bad payload")
}
