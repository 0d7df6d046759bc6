package session

import "github.com/chatropolis/termchat/model"

// buffer holds the most recent messages of one channel in receipt order.
// Oldest messages fall off once the cap is hit. Not safe for concurrent
// use; the controller's lock guards it.
type buffer struct {
	cap  int
	msgs []model.Message
}

func newBuffer(cap int) *buffer {
	if cap <= 0 {
		cap = 100
	}
	return &buffer{cap: cap}
}

// Append adds m, evicting from the front when full.
func (b *buffer) Append(m model.Message) {
	b.msgs = append(b.msgs, m)
	if len(b.msgs) > b.cap {
		b.msgs = append(b.msgs[:0], b.msgs[len(b.msgs)-b.cap:]...)
	}
}

// AppendUnique adds m unless a message with the same id is already held.
// It reports whether the buffer changed.
func (b *buffer) AppendUnique(m model.Message) bool {
	if m.ID != "" {
		for i := range b.msgs {
			if b.msgs[i].ID == m.ID {
				return false
			}
		}
	}
	b.Append(m)
	return true
}

// Find returns the message with the given id.
func (b *buffer) Find(id string) (model.Message, bool) {
	for i := range b.msgs {
		if b.msgs[i].ID == id {
			return b.msgs[i].Clone(), true
		}
	}
	return model.Message{}, false
}

// React applies a reaction to the message with the given id. Unknown ids
// and repeated reactions are no-ops. It reports whether anything changed.
func (b *buffer) React(messageID, kind, reactor string) bool {
	for i := range b.msgs {
		if b.msgs[i].ID == messageID {
			return b.msgs[i].React(kind, reactor)
		}
	}
	return false
}

// Snapshot returns a deep copy of the retained messages.
func (b *buffer) Snapshot() []model.Message {
	out := make([]model.Message, len(b.msgs))
	for i := range b.msgs {
		out[i] = b.msgs[i].Clone()
	}
	return out
}

// Reset drops everything, for channel switches.
func (b *buffer) Reset() {
	b.msgs = nil
}

func (b *buffer) Len() int { return len(b.msgs) }
