package sync

import (
	"sort"

	"github.com/pcoelho/tchat/internal/store"
)

// Thread is the in-memory view of the open chat's messages, held newest
// first. It deduplicates by message id and keeps timestamp order on every
// insert, so a newer push message is a front prepend and an older page fill
// lands in place.
type Thread struct {
	chatID string
	msgs   []store.Message
	seen   map[string]int
}

// NewThread creates an empty view for chatID.
func NewThread(chatID string) *Thread {
	return &Thread{
		chatID: chatID,
		seen:   map[string]int{},
	}
}

// ChatID returns the chat this view belongs to.
func (t *Thread) ChatID() string {
	return t.chatID
}

// Len returns the number of messages in the view.
func (t *Thread) Len() int {
	return len(t.msgs)
}

// Insert merges one message into the view. A message already present is
// updated in place, so replaying the same event any number of times leaves
// the view unchanged. Returns true when the message was new.
func (t *Thread) Insert(m store.Message) bool {
	if m.ChatID != t.chatID {
		return false
	}
	if i, ok := t.seen[m.MsgID]; ok {
		pos := t.findByID(m.MsgID, i)
		t.msgs[pos].Body = m.Body
		t.msgs[pos].SenderName = m.SenderName
		return false
	}

	// Newest first: find the first entry this message sorts before.
	pos := sort.Search(len(t.msgs), func(i int) bool {
		if t.msgs[i].Timestamp != m.Timestamp {
			return t.msgs[i].Timestamp < m.Timestamp
		}
		return t.msgs[i].MsgID < m.MsgID
	})
	t.msgs = append(t.msgs, store.Message{})
	copy(t.msgs[pos+1:], t.msgs[pos:])
	t.msgs[pos] = m
	t.seen[m.MsgID] = pos
	return true
}

// Merge inserts a fetched page and returns how many messages were new.
func (t *Thread) Merge(page []store.Message) int {
	added := 0
	for _, m := range page {
		if t.Insert(m) {
			added++
		}
	}
	return added
}

// Messages returns a copy of the view, newest first.
func (t *Thread) Messages() []store.Message {
	out := make([]store.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// findByID locates a message by id. The hint is the position recorded at
// insert time; later inserts may have shifted it, so fall back to a scan.
func (t *Thread) findByID(id string, hint int) int {
	if hint < len(t.msgs) && t.msgs[hint].MsgID == id {
		return hint
	}
	for i := range t.msgs {
		if t.msgs[i].MsgID == id {
			return i
		}
	}
	return hint
}
