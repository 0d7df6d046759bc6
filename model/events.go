package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventName identifies a websocket event.
type EventName string

// Client-to-server events.
const (
	EventRegister            EventName = "register"
	EventChatMessage         EventName = "chat_message"
	EventRoomMessage         EventName = "room_message"
	EventJoin                EventName = "join"
	EventLeave               EventName = "leave"
	EventRoomMetadata        EventName = "room:metadata"
	EventRoomRequestMetadata EventName = "room:request_metadata"
	EventMessageReaction     EventName = "message_reaction"
	EventTypingStart         EventName = "typing_start"
	EventTypingStop          EventName = "typing_stop"
	EventCheckMuteStatus     EventName = "check_mute_status"
	EventLeaderboardRequest  EventName = "leaderboard:request"
	EventExecuteHack         EventName = "execute_hack"
	EventCheckHackAccess     EventName = "check_hack_access"
	EventPing                EventName = "ping"
)

// Server-to-client events. chat_message is used in both directions.
const (
	EventRoomMessageBroadcast EventName = "room_message_broadcast"
	EventOnlineCount          EventName = "online_count"
	EventUserJoined           EventName = "user_joined"
	EventUserLeft             EventName = "user_left"
	EventUserTyping           EventName = "user_typing"
	EventUserStoppedTyping    EventName = "user_stopped_typing"
	EventUserMuted            EventName = "user_muted"
	EventUserUnmuted          EventName = "user_unmuted"
	EventRoomMetadataUpdate   EventName = "room:metadata_update"
	EventRoomJoinedConfirm    EventName = "room:joined:confirm"
	EventReactionBroadcast    EventName = "message_reaction_broadcast"
	EventLeaderboardData      EventName = "leaderboard:data"
	EventGlobalStats          EventName = "global_stats"
	EventHackAccessUpdate     EventName = "hack_access_update"
	EventHackResult           EventName = "hack_result"
	EventUserPointsUpdate     EventName = "user_points_update"
	EventError                EventName = "error"
	EventPong                 EventName = "pong"
)

// Event is the wrapper for websocket frames.
type Event struct {
	Name EventName       `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent wraps payload into an Event.
func NewEvent(name EventName, payload any) (Event, error) {
	if payload == nil {
		return Event{Name: name}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s: %w", name, err)
	}
	return Event{Name: name, Data: data}, nil
}

// MustEvent is NewEvent for payloads that cannot fail to encode.
func MustEvent(name EventName, payload any) Event {
	ev, err := NewEvent(name, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Name)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Name, err)
	}
	return nil
}

// RegisterPayload announces the local identity to the server.
type RegisterPayload struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
	Token string `json:"token,omitempty"`
}

// JoinPayload asks to enter a room by id or join code.
type JoinPayload struct {
	Room string `json:"room"`
}

// LeavePayload announces leaving a room.
type LeavePayload struct {
	Room string `json:"room"`
}

// JoinedConfirmPayload acknowledges a join request.
type JoinedConfirmPayload struct {
	RoomID string `json:"room_id"`
	Code   string `json:"code,omitempty"`
}

// MetadataRequestPayload asks for a room's metadata by join code.
type MetadataRequestPayload struct {
	Code string `json:"code"`
}

// ReactionPayload carries a single reaction toggle.
type ReactionPayload struct {
	MessageID string `json:"message_id"`
	Kind      string `json:"kind"`
	Reactor   string `json:"reactor"`
	RoomID    string `json:"room_id,omitempty"`
}

// TypingPayload carries typing start/stop signals in both directions.
type TypingPayload struct {
	User   TypingUser `json:"user"`
	RoomID string     `json:"room_id,omitempty"`
}

// OnlineCountPayload reports the global connection count.
type OnlineCountPayload struct {
	Count int `json:"count"`
}

// PresencePayload announces a user arriving or leaving.
type PresencePayload struct {
	User User `json:"user"`
}

// MutePayload reports a mute imposed on a user.
type MutePayload struct {
	UserID      string    `json:"user_id"`
	DurationSec int       `json:"duration_sec"`
	Until       time.Time `json:"until"`
}

// UnmutePayload lifts a mute early.
type UnmutePayload struct {
	UserID string `json:"user_id"`
}

// MuteStatusRequest asks the server whether a user is currently muted.
type MuteStatusRequest struct {
	UserID string `json:"user_id"`
}

// LeaderboardPayload is the server-computed ranking.
type LeaderboardPayload struct {
	Entries []LeaderboardEntry `json:"entries"`
}

// HackAccessPayload reports whether the hack feature is unlocked.
type HackAccessPayload struct {
	Allowed bool `json:"allowed"`
}

// HackResultPayload is the outcome of an execute_hack request.
type HackResultPayload struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Points  int    `json:"points"`
}

// PointsPayload updates the local user's score.
type PointsPayload struct {
	Points int `json:"points"`
}

// ErrorPayload is a server-reported protocol error.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
