package session

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/chatropolis/termchat/model"
)

// CreateIdentity mints a local identity and announces it to the server.
// The identity is set optimistically; if the server rejects the
// registration, the controller retries once with a fresh one. Calling it
// again returns the existing identity.
func (c *Controller) CreateIdentity() (model.Identity, error) {
	c.mu.Lock()
	if err := c.guardLocked(); err != nil {
		c.mu.Unlock()
		return model.Identity{}, err
	}
	if c.identity != nil {
		id := *c.identity
		c.mu.Unlock()
		return id, nil
	}
	ident := NewIdentity()
	c.identity = &ident
	c.registerTries = 0
	c.mu.Unlock()

	c.store.SaveIdentity(ident)
	if err := c.link.Send(registerEvent(ident)); err != nil {
		c.mu.Lock()
		c.identity = nil
		c.mu.Unlock()
		c.store.Clear()
		return model.Identity{}, fmt.Errorf("register: %w", err)
	}
	c.send(model.MustEvent(model.EventCheckMuteStatus, model.MuteStatusRequest{UserID: ident.ID}))
	c.notify(Update{Kind: UpdateState})
	return ident, nil
}

// SendMessage validates body and transmits it to the active channel. The
// checks run in a fixed order: mute, then content, then cooldown. A nil
// return means the message was accepted and the cooldown started; the
// message itself appears only when the server echoes it back.
func (c *Controller) SendMessage(body string, replyTo *model.ReplyRef) error {
	trimmed := strings.TrimSpace(body)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardLocked(); err != nil {
		return err
	}
	if c.identity == nil {
		return ErrNoIdentity
	}
	now := c.clock.Now()
	if c.mute != nil && now.Before(c.mute.Until) {
		return ErrMuted
	}
	if trimmed == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(trimmed) > c.cfg.MaxMessageLen {
		return ErrMessageTooLong
	}
	if !c.lastSend.IsZero() && now.Sub(c.lastSend) < c.cfg.Cooldown {
		return ErrCooldownActive
	}

	msg := model.Message{
		ID:        uuid.NewString(),
		AuthorID:  c.identity.ID,
		Author:    c.identity.Name,
		Color:     c.identity.Color,
		Body:      trimmed,
		Timestamp: now,
		ReplyTo:   replyTo,
		Mentions:  ExtractMentions(trimmed),
	}
	name := model.EventChatMessage
	if c.room != nil {
		msg.RoomID = c.room.ID
		name = model.EventRoomMessage
	}
	if err := c.link.Send(model.MustEvent(name, msg)); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	c.lastSend = now
	c.stopTypingLocked(true)
	return nil
}

// NotifyTyping reports local keystrokes. Every call emits a start signal
// right away and pushes the debounced stop signal further out.
func (c *Controller) NotifyTyping() {
	c.mu.Lock()
	if c.guardLocked() != nil || c.identity == nil {
		c.mu.Unlock()
		return
	}
	ev := model.MustEvent(model.EventTypingStart, model.TypingPayload{
		User:   model.TypingUser{ID: c.identity.ID, Name: c.identity.Name, Color: c.identity.Color},
		RoomID: c.activeRoomIDLocked(),
	})
	c.typingArmed = true
	c.typingGen++
	gen := c.typingGen
	c.clock.AfterFunc(c.cfg.TypingIdle, func() { c.typingIdle(gen) })
	c.mu.Unlock()
	c.send(ev)
}

// typingIdle fires when the debounce window passes without new keystrokes.
func (c *Controller) typingIdle(gen int) {
	c.mu.Lock()
	if gen != c.typingGen || !c.typingArmed {
		c.mu.Unlock()
		return
	}
	c.typingArmed = false
	ev, ok := c.typingStopEventLocked()
	c.mu.Unlock()
	if ok {
		c.send(ev)
	}
}

// stopTypingLocked cancels the debounce and optionally emits the stop
// signal now, as when a message just went out.
func (c *Controller) stopTypingLocked(send bool) {
	if !c.typingArmed {
		return
	}
	c.typingArmed = false
	c.typingGen++
	if !send {
		return
	}
	if ev, ok := c.typingStopEventLocked(); ok {
		c.send(ev)
	}
}

func (c *Controller) typingStopEventLocked() (model.Event, bool) {
	if c.identity == nil || c.state != model.StateConnected {
		return model.Event{}, false
	}
	return model.MustEvent(model.EventTypingStop, model.TypingPayload{
		User:   model.TypingUser{ID: c.identity.ID, Name: c.identity.Name, Color: c.identity.Color},
		RoomID: c.activeRoomIDLocked(),
	}), true
}

// SendReaction applies a reaction locally and forwards it. The local apply
// is optimistic; the server's broadcast lands on the same idempotent path,
// so seeing it twice changes nothing.
func (c *Controller) SendReaction(messageID, kind string) error {
	if messageID == "" || kind == "" {
		return ErrEmptyMessage
	}
	c.mu.Lock()
	if err := c.guardLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.identity == nil {
		c.mu.Unlock()
		return ErrNoIdentity
	}
	reactor := c.identity.Name
	roomID := ""
	if _, inGlobal := c.global.Find(messageID); !inGlobal && c.room != nil {
		roomID = c.room.ID
	}
	ev := model.MustEvent(model.EventMessageReaction, model.ReactionPayload{
		MessageID: messageID,
		Kind:      kind,
		Reactor:   reactor,
		RoomID:    roomID,
	})
	if err := c.link.Send(ev); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("send reaction: %w", err)
	}
	var changed bool
	if roomID == "" {
		changed = c.global.React(messageID, kind, reactor)
	} else {
		changed = c.roomBuf.React(messageID, kind, reactor)
	}
	c.mu.Unlock()
	if changed {
		c.notify(Update{Kind: UpdateMessages})
	}
	return nil
}

// RequestLeaderboard asks the server for the current ranking. The reply
// arrives as a leaderboard event; no local computation happens.
func (c *Controller) RequestLeaderboard() error {
	c.mu.Lock()
	err := c.guardLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := c.link.Send(model.MustEvent(model.EventLeaderboardRequest, nil)); err != nil {
		return fmt.Errorf("request leaderboard: %w", err)
	}
	return nil
}

// CheckHackAccess asks whether the hack feature is unlocked for this user.
func (c *Controller) CheckHackAccess() error {
	c.mu.Lock()
	err := c.guardLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := c.link.Send(model.MustEvent(model.EventCheckHackAccess, nil)); err != nil {
		return fmt.Errorf("check hack access: %w", err)
	}
	return nil
}

// ExecuteHack fires the hack request. Grant or denial is entirely the
// server's call; the result comes back as a hack result event.
func (c *Controller) ExecuteHack() error {
	c.mu.Lock()
	err := c.guardLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := c.link.Send(model.MustEvent(model.EventExecuteHack, nil)); err != nil {
		return fmt.Errorf("execute hack: %w", err)
	}
	return nil
}
