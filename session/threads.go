package session

import "github.com/chatropolis/termchat/model"

// ThreadChildren groups messages by the id of the message they reply to.
// Messages without a reply reference are absent from the result.
func ThreadChildren(msgs []model.Message) map[string][]model.Message {
	out := make(map[string][]model.Message)
	for _, m := range msgs {
		if m.ReplyTo == nil || m.ReplyTo.ID == "" {
			continue
		}
		out[m.ReplyTo.ID] = append(out[m.ReplyTo.ID], m)
	}
	return out
}

// ThreadRoot walks reply references up from id to the topmost message still
// held in msgs. Messages only point at their immediate parent; the thread
// tree is never stored, it is recomputed from the buffer on every read.
func ThreadRoot(msgs []model.Message, id string) string {
	parents := make(map[string]string, len(msgs))
	for _, m := range msgs {
		if m.ReplyTo != nil && m.ReplyTo.ID != "" {
			parents[m.ID] = m.ReplyTo.ID
		}
	}
	held := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		held[m.ID] = true
	}
	seen := map[string]bool{id: true}
	for {
		parent, ok := parents[id]
		if !ok || !held[parent] || seen[parent] {
			return id
		}
		seen[parent] = true
		id = parent
	}
}

// Thread returns the message with rootID followed by every direct or
// transitive reply to it, in receipt order. Replies always arrive after
// their parent, so a single ordered pass reconstructs the thread.
func Thread(msgs []model.Message, rootID string) []model.Message {
	if rootID == "" {
		return nil
	}
	inThread := map[string]bool{rootID: true}
	var out []model.Message
	for _, m := range msgs {
		switch {
		case m.ID == rootID:
			out = append(out, m)
		case m.ReplyTo != nil && inThread[m.ReplyTo.ID]:
			inThread[m.ID] = true
			out = append(out, m)
		}
	}
	return out
}
