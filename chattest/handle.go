package chattest

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatropolis/termchat/model"
)

func (c *client) handle(ev model.Event) {
	switch ev.Name {
	case model.EventRegister:
		c.handleRegister(ev)
	case model.EventChatMessage:
		c.handleChat(ev)
	case model.EventRoomMessage:
		c.handleRoomChat(ev)
	case model.EventJoin:
		c.handleJoin(ev)
	case model.EventLeave:
		c.handleLeave(ev)
	case model.EventRoomMetadata:
		c.handleRoomMeta(ev)
	case model.EventRoomRequestMetadata:
		c.handleMetaRequest(ev)
	case model.EventMessageReaction:
		c.handleReaction(ev)
	case model.EventTypingStart:
		c.relayTyping(ev, model.EventUserTyping)
	case model.EventTypingStop:
		c.relayTyping(ev, model.EventUserStoppedTyping)
	case model.EventCheckMuteStatus:
		c.handleMuteCheck()
	case model.EventLeaderboardRequest:
		c.handleLeaderboard()
	case model.EventExecuteHack:
		c.handleHack()
	case model.EventCheckHackAccess:
		c.push(model.MustEvent(model.EventHackAccessUpdate, model.HackAccessPayload{Allowed: c.srv.opts.HackAccess}))
	case model.EventPing:
		c.push(model.Event{Name: model.EventPong})
	default:
		c.srv.log.Debug().Str("event", string(ev.Name)).Msg("unhandled client event")
	}
}

func (c *client) isRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func systemMessage(text string) model.Event {
	return model.MustEvent(model.EventChatMessage, model.Message{
		ID:        uuid.NewString(),
		Author:    "system",
		Body:      text,
		Timestamp: time.Now(),
		IsSystem:  true,
	})
}

func (c *client) handleRegister(ev model.Event) {
	var p model.RegisterPayload
	if err := ev.Decode(&p); err != nil {
		c.fail("register", "bad payload")
		return
	}
	if p.Name == "" {
		c.fail("register", "name required")
		return
	}
	s := c.srv
	s.mu.Lock()
	for other := range s.clients {
		if other == c {
			continue
		}
		other.mu.Lock()
		clash := other.registered && other.name == p.Name
		other.mu.Unlock()
		if clash {
			s.mu.Unlock()
			c.fail("register", "name taken")
			return
		}
	}
	c.mu.Lock()
	c.id, c.name, c.color = p.ID, p.Name, p.Color
	if c.id == "" {
		c.id = "user-" + uuid.NewString()[:8]
	}
	c.registered = true
	user := model.User{ID: c.id, Name: c.name, Color: c.color}
	c.mu.Unlock()
	online := s.onlineLocked()
	mutedUntil, isMuted := s.muted[p.Name]
	stats := model.GlobalStats{Online: online, TotalMessages: s.totalMsgs, ActiveRooms: len(s.rooms)}
	s.broadcastLocked(model.MustEvent(model.EventUserJoined, model.PresencePayload{User: user}), c)
	s.broadcastLocked(model.MustEvent(model.EventOnlineCount, model.OnlineCountPayload{Count: online}), nil)
	s.mu.Unlock()

	if s.opts.Welcome != "" {
		c.push(systemMessage(s.opts.Welcome))
	}
	c.push(model.MustEvent(model.EventGlobalStats, stats))
	if isMuted && time.Now().Before(mutedUntil) {
		c.push(model.MustEvent(model.EventUserMuted, model.MutePayload{
			UserID:      user.ID,
			DurationSec: int(time.Until(mutedUntil) / time.Second),
			Until:       mutedUntil,
		}))
	}
	s.log.Debug().Str("name", user.Name).Msg("registered")
}

func (c *client) handleChat(ev model.Event) {
	var msg model.Message
	if err := ev.Decode(&msg); err != nil {
		c.fail("chat", "bad payload")
		return
	}
	c.mu.Lock()
	registered, id, name, color := c.registered, c.id, c.name, c.color
	c.mu.Unlock()
	if !registered {
		c.fail("chat", "register first")
		return
	}
	s := c.srv
	s.mu.Lock()
	if until, ok := s.muted[name]; ok && time.Now().Before(until) {
		s.mu.Unlock()
		c.fail("muted", "you are muted")
		return
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.AuthorID, msg.Author = id, name
	if msg.Color == "" {
		msg.Color = color
	}
	msg.RoomID = ""
	s.totalMsgs++
	s.points[id] += pointsPerPost
	pts := s.points[id]
	s.broadcastLocked(model.MustEvent(model.EventChatMessage, msg), nil)
	s.mu.Unlock()
	c.push(model.MustEvent(model.EventUserPointsUpdate, model.PointsPayload{Points: pts}))
}

func (c *client) handleRoomChat(ev model.Event) {
	var msg model.Message
	if err := ev.Decode(&msg); err != nil {
		c.fail("room", "bad payload")
		return
	}
	c.mu.Lock()
	registered, id, name, color := c.registered, c.id, c.name, c.color
	r := c.room
	c.mu.Unlock()
	if !registered {
		c.fail("room", "register first")
		return
	}
	if r == nil {
		c.fail("room", "not in a room")
		return
	}
	s := c.srv
	s.mu.Lock()
	if until, ok := s.muted[name]; ok && time.Now().Before(until) {
		s.mu.Unlock()
		c.fail("muted", "you are muted")
		return
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.AuthorID, msg.Author = id, name
	if msg.Color == "" {
		msg.Color = color
	}
	msg.RoomID = r.meta.ID
	s.totalMsgs++
	s.points[id] += pointsPerPost
	pts := s.points[id]
	bev := model.MustEvent(model.EventRoomMessageBroadcast, msg)
	for m := range r.members {
		m.push(bev)
	}
	s.mu.Unlock()
	c.push(model.MustEvent(model.EventUserPointsUpdate, model.PointsPayload{Points: pts}))
}

func (c *client) handleJoin(ev model.Event) {
	var p model.JoinPayload
	if err := ev.Decode(&p); err != nil {
		c.fail("join", "bad payload")
		return
	}
	if !c.isRegistered() {
		c.fail("join", "register first")
		return
	}
	s := c.srv
	s.mu.Lock()
	r := s.rooms[p.Room]
	if r == nil {
		r = s.roomsByCode[model.NormalizeJoinCode(p.Room)]
	}
	if r == nil {
		if !strings.HasPrefix(p.Room, "room-") {
			s.mu.Unlock()
			c.fail("join", "unknown room")
			return
		}
		// a creator joining the room id it just minted
		r = &room{meta: model.Room{ID: p.Room}, members: make(map[*client]struct{})}
		s.rooms[p.Room] = r
	}
	c.mu.Lock()
	old := c.room
	c.room = r
	c.mu.Unlock()
	if old != nil && old != r {
		delete(old.members, c)
	}
	r.members[c] = struct{}{}
	meta, hasMeta := r.meta, r.hasMeta
	s.mu.Unlock()

	c.push(model.MustEvent(model.EventRoomJoinedConfirm, model.JoinedConfirmPayload{
		RoomID: meta.ID,
		Code:   meta.JoinCode,
	}))
	if hasMeta {
		c.push(model.MustEvent(model.EventRoomMetadataUpdate, meta))
	}
}

func (c *client) handleLeave(ev model.Event) {
	var p model.LeavePayload
	if err := ev.Decode(&p); err != nil {
		return
	}
	s := c.srv
	s.mu.Lock()
	c.mu.Lock()
	r := c.room
	c.room = nil
	c.mu.Unlock()
	if r != nil {
		delete(r.members, c)
	}
	s.mu.Unlock()
}

func (c *client) handleRoomMeta(ev model.Event) {
	var meta model.Room
	if err := ev.Decode(&meta); err != nil || meta.ID == "" {
		return
	}
	meta.JoinCode = model.NormalizeJoinCode(meta.JoinCode)
	s := c.srv
	s.mu.Lock()
	r := s.rooms[meta.ID]
	if r == nil {
		r = &room{members: make(map[*client]struct{})}
		s.rooms[meta.ID] = r
	}
	if r.hasMeta && r.meta.JoinCode != "" && r.meta.JoinCode != meta.JoinCode {
		delete(s.roomsByCode, r.meta.JoinCode)
	}
	r.meta = meta
	r.hasMeta = true
	if meta.JoinCode != "" {
		s.roomsByCode[meta.JoinCode] = r
	}
	bev := model.MustEvent(model.EventRoomMetadataUpdate, meta)
	for m := range r.members {
		if m != c {
			m.push(bev)
		}
	}
	s.mu.Unlock()
}

func (c *client) handleMetaRequest(ev model.Event) {
	var p model.MetadataRequestPayload
	if err := ev.Decode(&p); err != nil {
		return
	}
	s := c.srv
	s.mu.Lock()
	r := s.roomsByCode[model.NormalizeJoinCode(p.Code)]
	var meta model.Room
	known := r != nil && r.hasMeta
	if known {
		meta = r.meta
	}
	s.mu.Unlock()
	if known {
		c.push(model.MustEvent(model.EventRoomMetadataUpdate, meta))
	}
}

func (c *client) handleReaction(ev model.Event) {
	var p model.ReactionPayload
	if err := ev.Decode(&p); err != nil {
		return
	}
	if p.Reactor == "" {
		c.mu.Lock()
		p.Reactor = c.name
		c.mu.Unlock()
	}
	bev := model.MustEvent(model.EventReactionBroadcast, p)
	s := c.srv
	s.mu.Lock()
	if p.RoomID != "" {
		if r := s.rooms[p.RoomID]; r != nil {
			for m := range r.members {
				m.push(bev)
			}
		}
	} else {
		// everyone sees it, the sender included: reapplying is idempotent
		s.broadcastLocked(bev, nil)
	}
	s.mu.Unlock()
}

func (c *client) relayTyping(ev model.Event, out model.EventName) {
	var p model.TypingPayload
	if err := ev.Decode(&p); err != nil {
		return
	}
	if p.User.ID == "" {
		p.User = model.TypingUser{ID: c.userID(), Name: c.user().Name, Color: c.user().Color}
	}
	bev := model.MustEvent(out, p)
	s := c.srv
	s.mu.Lock()
	if p.RoomID != "" {
		if r := s.rooms[p.RoomID]; r != nil {
			for m := range r.members {
				if m != c {
					m.push(bev)
				}
			}
		}
	} else {
		s.broadcastLocked(bev, c)
	}
	s.mu.Unlock()
}

func (c *client) handleMuteCheck() {
	c.mu.Lock()
	id, name := c.id, c.name
	c.mu.Unlock()
	s := c.srv
	s.mu.Lock()
	until, ok := s.muted[name]
	s.mu.Unlock()
	if ok && time.Now().Before(until) {
		c.push(model.MustEvent(model.EventUserMuted, model.MutePayload{
			UserID:      id,
			DurationSec: int(time.Until(until) / time.Second),
			Until:       until,
		}))
	}
}

func (c *client) handleLeaderboard() {
	s := c.srv
	entries := s.opts.Leaderboard
	if len(entries) == 0 {
		type row struct {
			name string
			pts  int
		}
		var rows []row
		s.mu.Lock()
		for cl := range s.clients {
			cl.mu.Lock()
			if cl.registered {
				rows = append(rows, row{cl.name, s.points[cl.id]})
			}
			cl.mu.Unlock()
		}
		s.mu.Unlock()
		sort.Slice(rows, func(i, j int) bool { return rows[i].pts > rows[j].pts })
		for i, r := range rows {
			entries = append(entries, model.LeaderboardEntry{Rank: i + 1, Name: r.name, Points: r.pts})
		}
	}
	c.push(model.MustEvent(model.EventLeaderboardData, model.LeaderboardPayload{Entries: entries}))
}

func (c *client) handleHack() {
	s := c.srv
	res := model.HackResultPayload{Success: false, Output: "access denied"}
	if s.opts.HackResult != nil {
		res = *s.opts.HackResult
	} else if s.opts.HackAccess {
		res = model.HackResultPayload{Success: true, Output: "mainframe breached", Points: 25}
	}
	if res.Success && res.Points != 0 {
		id := c.userID()
		s.mu.Lock()
		s.points[id] += res.Points
		pts := s.points[id]
		s.mu.Unlock()
		defer c.push(model.MustEvent(model.EventUserPointsUpdate, model.PointsPayload{Points: pts}))
	}
	c.push(model.MustEvent(model.EventHackResult, res))
}
