package model

import (
	"strings"
	"time"
)

// ConnState is the client's view of the transport connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// ConnStatus is a transport state report delivered to the session layer.
type ConnStatus struct {
	State   ConnState
	Attempt int   // reconnect attempt number, 0 once connected
	Err     error // last transport error, nil while healthy
}

// Identity is the locally minted anonymous user. A fresh one is generated
// per process; the token lets the server recognize the same user when the
// connection is re-established.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"` // hex like "#00ff88"
	Token string `json:"token,omitempty"`
}

// User represents a chat participant as reported by the server.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
	Mute  *Mute  `json:"mute,omitempty"`
}

// Mute records a server-imposed mute window.
type Mute struct {
	Until       time.Time `json:"until"`
	DurationSec int       `json:"duration_sec"`
}

// Remaining reports how much of the mute window is left at now.
func (m *Mute) Remaining(now time.Time) time.Duration {
	if m == nil {
		return 0
	}
	d := m.Until.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ReplyRef points at the message a reply targets.
type ReplyRef struct {
	ID      string `json:"id"`
	Author  string `json:"author"`
	Excerpt string `json:"excerpt"`
}

// Message represents a chat message. Messages are immutable once received
// except for reaction appends.
type Message struct {
	ID        string              `json:"id"`
	AuthorID  string              `json:"author_id"`
	Author    string              `json:"author"`
	Color     string              `json:"color"`
	Body      string              `json:"body"`
	Timestamp time.Time           `json:"timestamp"`
	RoomID    string              `json:"room_id,omitempty"` // empty = global channel
	ReplyTo   *ReplyRef           `json:"reply_to,omitempty"`
	Reactions map[string][]string `json:"reactions,omitempty"` // kind -> reactor names
	Mentions  []string            `json:"mentions,omitempty"`
	IsSystem  bool                `json:"is_system,omitempty"`
}

// React appends reactor under kind. Reapplying the same reaction is a no-op;
// it reports whether the message changed.
func (m *Message) React(kind, reactor string) bool {
	if kind == "" || reactor == "" {
		return false
	}
	for _, r := range m.Reactions[kind] {
		if r == reactor {
			return false
		}
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	m.Reactions[kind] = append(m.Reactions[kind], reactor)
	return true
}

// Clone returns a deep copy safe to hand to another goroutine.
func (m Message) Clone() Message {
	c := m
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		c.ReplyTo = &ref
	}
	if m.Reactions != nil {
		c.Reactions = make(map[string][]string, len(m.Reactions))
		for kind, who := range m.Reactions {
			c.Reactions[kind] = append([]string(nil), who...)
		}
	}
	if m.Mentions != nil {
		c.Mentions = append([]string(nil), m.Mentions...)
	}
	return c
}

// RoomTheme selects a room's visual accent.
type RoomTheme string

const (
	ThemeTerminal  RoomTheme = "terminal"
	ThemeCyberpunk RoomTheme = "cyberpunk"
	ThemeRetro     RoomTheme = "retro"
	ThemeMinimal   RoomTheme = "minimal"
	ThemeHacker    RoomTheme = "hacker"
	ThemePremium   RoomTheme = "premium"
)

// Valid reports whether t is a known theme.
func (t RoomTheme) Valid() bool {
	switch t {
	case ThemeTerminal, ThemeCyberpunk, ThemeRetro, ThemeMinimal, ThemeHacker, ThemePremium:
		return true
	}
	return false
}

// RoomSettings carries per-room options.
type RoomSettings struct {
	Private     bool `json:"private"`
	MaxUsers    int  `json:"max_users"`
	AllowGuests bool `json:"allow_guests"`
}

// Room represents a private room.
type Room struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	AdminID   string       `json:"admin_id"`
	Theme     RoomTheme    `json:"theme"`
	JoinCode  string       `json:"join_code"`
	CreatedAt time.Time    `json:"created_at"`
	Members   []string     `json:"members,omitempty"`
	Settings  RoomSettings `json:"settings"`
}

// NormalizeJoinCode maps user input to the canonical join-code form.
func NormalizeJoinCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// TypingUser identifies a user currently typing.
type TypingUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// LeaderboardEntry is one row of the server-computed leaderboard.
type LeaderboardEntry struct {
	Rank   int    `json:"rank"`
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// GlobalStats is the server-wide counters snapshot.
type GlobalStats struct {
	Online        int `json:"online"`
	TotalMessages int `json:"total_messages"`
	ActiveRooms   int `json:"active_rooms"`
}
