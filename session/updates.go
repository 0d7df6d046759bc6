package session

import (
	"time"

	"github.com/chatropolis/termchat/model"
)

// UpdateKind says which part of the snapshot changed.
type UpdateKind int

const (
	// UpdateState: connection state or identity changed.
	UpdateState UpdateKind = iota
	// UpdateMessages: a channel buffer changed.
	UpdateMessages
	// UpdateMention: an inbound message mentions the local user.
	UpdateMention
	// UpdateTyping: the typing set changed.
	UpdateTyping
	// UpdatePresence: online count or user arrivals/departures.
	UpdatePresence
	// UpdateRoom: current room or its metadata changed.
	UpdateRoom
	// UpdateMute: mute imposed, ticking down, or lifted.
	UpdateMute
	// UpdateScore: points, leaderboard, stats, or hack access changed.
	UpdateScore
	// UpdateError: a server-reported error; Err carries it.
	UpdateError
)

// Update is a change notification for the presentation layer. Any update
// means "take a fresh Snapshot"; Kind exists for side effects like bells.
type Update struct {
	Kind UpdateKind
	Err  error
}

// Snapshot is a consistent copy of the session state, safe to render from
// any goroutine.
type Snapshot struct {
	State         model.ConnState
	Attempt       int
	LastError     error
	Identity      *model.Identity
	Room          *model.Room
	Global        []model.Message
	RoomMessages  []model.Message
	Typing        []model.TypingUser
	Online        int
	Points        int
	Leaderboard   []model.LeaderboardEntry
	Stats         model.GlobalStats
	HackAccess    bool
	Muted         bool
	MuteRemaining time.Duration
}

// Active returns the messages of the channel the user is looking at: the
// joined room if any, else the global channel.
func (s Snapshot) Active() []model.Message {
	if s.Room != nil {
		return s.RoomMessages
	}
	return s.Global
}
