package session

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/chatropolis/termchat/model"
)

var identityAdjectives = []string{
	"neon", "silent", "glitch", "shadow", "chrome", "static",
	"hollow", "binary", "phantom", "rogue", "cipher", "feral",
}

var identityNouns = []string{
	"fox", "wraith", "daemon", "specter", "raven", "node",
	"vector", "ghost", "jackal", "oracle", "drifter", "moth",
}

var identityColors = []string{
	"#00ff88", "#ff0066", "#00ccff", "#ffcc00", "#cc66ff",
	"#ff6633", "#66ff66", "#ff66cc", "#33ccff", "#ffff66",
}

// NewIdentity mints a fresh anonymous identity: random handle, random
// accent color, and a token the server can use to recognize the user
// across reconnects.
func NewIdentity() model.Identity {
	name := fmt.Sprintf("%s_%s_%02d",
		identityAdjectives[rand.Intn(len(identityAdjectives))],
		identityNouns[rand.Intn(len(identityNouns))],
		rand.Intn(100))
	return model.Identity{
		ID:    "user-" + uuid.NewString()[:8],
		Name:  name,
		Color: identityColors[rand.Intn(len(identityColors))],
		Token: uuid.NewString(),
	}
}

// joinCodeAlphabet avoids glyphs that read ambiguously in a terminal.
const joinCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const joinCodeLength = 5

// NewJoinCode returns a short shareable room code, already normalized.
func NewJoinCode() string {
	b := make([]byte, joinCodeLength)
	for i := range b {
		b[i] = joinCodeAlphabet[rand.Intn(len(joinCodeAlphabet))]
	}
	return string(b)
}

// Store keeps the minted identity for the lifetime of one client process.
// It survives transport reconnects; an explicit session close wipes it.
type Store interface {
	SaveIdentity(model.Identity)
	Identity() (model.Identity, bool)
	Clear()
}

type memStore struct {
	mu sync.Mutex
	id *model.Identity
}

// NewMemStore returns the default in-process identity store.
func NewMemStore() Store { return &memStore{} }

func (s *memStore) SaveIdentity(id model.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = &id
}

func (s *memStore) Identity() (model.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == nil {
		return model.Identity{}, false
	}
	return *s.id, true
}

func (s *memStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = nil
}
