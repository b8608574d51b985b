package sync

import (
	"testing"

	"github.com/pcoelho/tchat/internal/store"
)

func msg(chatID, msgID string, ts int64, body string) store.Message {
	return store.Message{ChatID: chatID, MsgID: msgID, SenderID: "u2", Body: body, Timestamp: ts}
}

func ids(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.MsgID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestThreadNewestFirstOrder(t *testing.T) {
	th := NewThread("c1")

	// Arrival order is scrambled; view order must not be.
	th.Insert(msg("c1", "m2", 200, "second"))
	th.Insert(msg("c1", "m1", 100, "first"))
	th.Insert(msg("c1", "m3", 300, "third"))

	got := ids(th.Messages())
	if !equalIDs(got, []string{"m3", "m2", "m1"}) {
		t.Errorf("order = %v, want [m3 m2 m1]", got)
	}
}

func TestThreadInsertIsIdempotent(t *testing.T) {
	th := NewThread("c1")

	if !th.Insert(msg("c1", "m1", 100, "hello")) {
		t.Error("first insert should report new")
	}
	for i := 0; i < 5; i++ {
		if th.Insert(msg("c1", "m1", 100, "hello")) {
			t.Error("replay should not report new")
		}
	}
	if th.Len() != 1 {
		t.Errorf("len = %d, want 1", th.Len())
	}
}

func TestThreadDuplicateUpdatesBody(t *testing.T) {
	th := NewThread("c1")

	th.Insert(msg("c1", "m1", 100, "draft"))
	th.Insert(msg("c1", "m1", 100, "edited"))

	msgs := th.Messages()
	if msgs[0].Body != "edited" {
		t.Errorf("body = %q, want edited", msgs[0].Body)
	}
}

func TestThreadRejectsOtherChats(t *testing.T) {
	th := NewThread("c1")

	if th.Insert(msg("c2", "m1", 100, "stray")) {
		t.Error("message for another chat must not be inserted")
	}
	if th.Len() != 0 {
		t.Errorf("len = %d, want 0", th.Len())
	}
}

func TestThreadMergeInterleavesWithPush(t *testing.T) {
	th := NewThread("c1")

	// Push arrives first, page fetch lands after with overlap.
	th.Insert(msg("c1", "m4", 400, "pushed"))
	added := th.Merge([]store.Message{
		msg("c1", "m1", 100, "a"),
		msg("c1", "m2", 200, "b"),
		msg("c1", "m3", 300, "c"),
		msg("c1", "m4", 400, "pushed"),
	})

	if added != 3 {
		t.Errorf("added = %d, want 3", added)
	}
	got := ids(th.Messages())
	if !equalIDs(got, []string{"m4", "m3", "m2", "m1"}) {
		t.Errorf("order = %v, want [m4 m3 m2 m1]", got)
	}
}

func TestThreadTimestampTieBreaksOnID(t *testing.T) {
	th := NewThread("c1")

	th.Insert(msg("c1", "ma", 100, "a"))
	th.Insert(msg("c1", "mb", 100, "b"))

	first := ids(th.Messages())

	th2 := NewThread("c1")
	th2.Insert(msg("c1", "mb", 100, "b"))
	th2.Insert(msg("c1", "ma", 100, "a"))

	second := ids(th2.Messages())
	if !equalIDs(first, second) {
		t.Errorf("tie order differs by arrival: %v vs %v", first, second)
	}
}

func TestThreadMessagesReturnsCopy(t *testing.T) {
	th := NewThread("c1")
	th.Insert(msg("c1", "m1", 100, "hello"))

	snap := th.Messages()
	snap[0].Body = "mutated"

	if th.Messages()[0].Body != "hello" {
		t.Error("snapshot mutation leaked into the view")
	}
}
