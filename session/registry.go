package session

import (
	"sync"

	"github.com/chatropolis/termchat/model"
)

// RoomRegistry caches room metadata by id and join code. A cache hit lets a
// join skip the metadata round-trip. It is safe for concurrent use and can
// be shared between controllers.
type RoomRegistry struct {
	mu     sync.RWMutex
	byID   map[string]model.Room
	byCode map[string]model.Room
}

// NewRoomRegistry returns an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		byID:   make(map[string]model.Room),
		byCode: make(map[string]model.Room),
	}
}

// Put stores or refreshes a room. Join codes are normalized; a room whose
// code changed loses its old code entry.
func (r *RoomRegistry) Put(room model.Room) {
	if room.ID == "" {
		return
	}
	room.JoinCode = model.NormalizeJoinCode(room.JoinCode)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byID[room.ID]; ok && prev.JoinCode != "" && prev.JoinCode != room.JoinCode {
		delete(r.byCode, prev.JoinCode)
	}
	r.byID[room.ID] = room
	if room.JoinCode != "" {
		r.byCode[room.JoinCode] = room
	}
}

// ByID looks a room up by id.
func (r *RoomRegistry) ByID(id string) (model.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.byID[id]
	return room, ok
}

// ByCode looks a room up by join code in any case.
func (r *RoomRegistry) ByCode(code string) (model.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.byCode[model.NormalizeJoinCode(code)]
	return room, ok
}

// Len reports how many rooms are cached.
func (r *RoomRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
