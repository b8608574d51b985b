package store

import (
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + search)", result.Version)
	}
}

func TestChatUpsertAndGet(t *testing.T) {
	db := testDB(t)

	chat := &Chat{ID: "c1", Title: "Alice", LastMessageAt: 1000, LastMessagePreview: "hello", Active: true}
	if err := db.UpsertChat(chat); err != nil {
		t.Fatal(err)
	}

	// Update title.
	chat.Title = "Alice Updated"
	if err := db.UpsertChat(chat); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Title != "Alice Updated" {
		t.Errorf("got %+v, want title Alice Updated", got)
	}

	// Non-existent.
	got, err = db.GetChat("missing")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expected nil for missing chat")
	}
}

func TestUpsertChatPreviewMonotonic(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ID: "c1", LastMessageID: "m2", LastMessageAt: 2000, LastMessagePreview: "newer", Active: true}); err != nil {
		t.Fatal(err)
	}
	// A stale upsert must not regress the preview.
	if err := db.UpsertChat(&Chat{ID: "c1", LastMessageID: "m1", LastMessageAt: 1000, LastMessagePreview: "older", Active: true}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessageAt != 2000 || c.LastMessagePreview != "newer" {
		t.Errorf("preview regressed: at=%d preview=%q", c.LastMessageAt, c.LastMessagePreview)
	}
}

func TestApplyIncoming(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ID: "c1", Title: "Friends"}); err != nil {
		t.Fatal(err)
	}

	ok, err := db.ApplyIncoming(&Message{ChatID: "c1", MsgID: "m1", Body: "first", Timestamp: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("ApplyIncoming should match the existing chat")
	}

	c, err := db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if !c.Active {
		t.Error("chat with a message should be active")
	}
	if c.LastMessageAt != 1000 || c.LastMessagePreview != "first" {
		t.Errorf("preview = (%d, %q), want (1000, first)", c.LastMessageAt, c.LastMessagePreview)
	}

	// Older message must not regress the preview.
	if _, err := db.ApplyIncoming(&Message{ChatID: "c1", MsgID: "m0", Body: "late", Timestamp: 500}); err != nil {
		t.Fatal(err)
	}
	c, _ = db.GetChat("c1")
	if c.LastMessageAt != 1000 || c.LastMessagePreview != "first" {
		t.Errorf("preview regressed after stale message: (%d, %q)", c.LastMessageAt, c.LastMessagePreview)
	}

	// Newer message advances it.
	if _, err := db.ApplyIncoming(&Message{ChatID: "c1", MsgID: "m2", Body: "second", Timestamp: 2000}); err != nil {
		t.Fatal(err)
	}
	c, _ = db.GetChat("c1")
	if c.LastMessageAt != 2000 || c.LastMessagePreview != "second" {
		t.Errorf("preview = (%d, %q), want (2000, second)", c.LastMessageAt, c.LastMessagePreview)
	}
}

func TestApplyIncomingUnknownChatDeferred(t *testing.T) {
	db := testDB(t)

	ok, err := db.ApplyIncoming(&Message{ChatID: "ghost", MsgID: "m1", Body: "hi", Timestamp: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("ApplyIncoming must not synthesize a chat from a bare message")
	}
	c, err := db.GetChat("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Error("unknown chat should stay absent until the next directory poll")
	}
}

func TestReplaceDirectoryPartitions(t *testing.T) {
	db := testDB(t)

	active := []Chat{
		{ID: "a", Title: "A", LastMessageAt: 3000, LastMessagePreview: "newest"},
		{ID: "b", Title: "B", LastMessageAt: 1000, LastMessagePreview: "oldest"},
	}
	nonActive := []Chat{{ID: "c", Title: "C"}}
	parts := map[string][]Participant{
		"a": {{ProfileID: "p1", Name: "Ana"}},
	}

	if err := db.ReplaceDirectory(active, nonActive, parts); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListActiveChats()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("active order = %v, want [a b]", got)
	}

	inactive, err := db.ListInactiveChats()
	if err != nil {
		t.Fatal(err)
	}
	if len(inactive) != 1 || inactive[0].ID != "c" {
		t.Errorf("inactive = %v, want [c]", inactive)
	}

	people, err := db.ListParticipants("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(people) != 1 || people[0].Name != "Ana" {
		t.Errorf("participants = %v, want [Ana]", people)
	}
}

func TestReplaceDirectoryPrunesDroppedChats(t *testing.T) {
	db := testDB(t)

	if err := db.ReplaceDirectory([]Chat{{ID: "a", LastMessageAt: 1}}, []Chat{{ID: "b"}}, nil); err != nil {
		t.Fatal(err)
	}
	// Second snapshot without "b".
	if err := db.ReplaceDirectory([]Chat{{ID: "a", LastMessageAt: 1}}, nil, nil); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetChat("b")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Error("chat b should have been pruned from the directory")
	}
}

func TestReplaceDirectoryKeepsNewerLocalPreview(t *testing.T) {
	db := testDB(t)

	if err := db.ReplaceDirectory([]Chat{{ID: "a", LastMessageAt: 1000, LastMessagePreview: "old"}}, nil, nil); err != nil {
		t.Fatal(err)
	}
	// A push arrives between polls.
	if _, err := db.ApplyIncoming(&Message{ChatID: "a", MsgID: "m9", Body: "live", Timestamp: 5000}); err != nil {
		t.Fatal(err)
	}
	// The next poll races and still carries the older preview.
	if err := db.ReplaceDirectory([]Chat{{ID: "a", LastMessageAt: 1000, LastMessagePreview: "old"}}, nil, nil); err != nil {
		t.Fatal(err)
	}

	c, _ := db.GetChat("a")
	if c.LastMessageAt != 5000 || c.LastMessagePreview != "live" {
		t.Errorf("snapshot regressed the preview: (%d, %q)", c.LastMessageAt, c.LastMessagePreview)
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{ChatID: "c1", MsgID: "m1", Body: "hello", Timestamp: 1000}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	// Upsert again should not create a duplicate.
	msg.Body = "hello updated"
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Body != "hello updated" {
		t.Errorf("body = %q, want hello updated", msgs[0].Body)
	}
}

func TestListMessagesNewestFirst(t *testing.T) {
	db := testDB(t)

	for _, m := range []Message{
		{ChatID: "c1", MsgID: "m1", Body: "one", Timestamp: 1000},
		{ChatID: "c1", MsgID: "m3", Body: "three", Timestamp: 3000},
		{ChatID: "c1", MsgID: "m2", Body: "two", Timestamp: 2000},
	} {
		if err := db.UpsertMessage(&m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages("c1", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].MsgID != "m3" || msgs[1].MsgID != "m2" || msgs[2].MsgID != "m1" {
		t.Errorf("order = [%s %s %s], want [m3 m2 m1]", msgs[0].MsgID, msgs[1].MsgID, msgs[2].MsgID)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ChatID: "c1", MsgID: "m1", Body: "hello world", Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{ChatID: "c1", MsgID: "m2", Body: "goodbye world", Timestamp: 2000}); err != nil {
		t.Fatal(err)
	}

	results, err := db.SearchMessages("hello", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Message.MsgID != "m1" {
		t.Errorf("msg_id = %q, want m1", results[0].Message.MsgID)
	}
}

func TestReplaceParticipantsSwapsSnapshot(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ID: "c1", Title: "Group"}); err != nil {
		t.Fatal(err)
	}
	if err := db.ReplaceParticipants("c1", []Participant{{ChatID: "c1", ProfileID: "p1", Name: "Ana"}}); err != nil {
		t.Fatal(err)
	}
	if err := db.ReplaceParticipants("c1", []Participant{{ChatID: "c1", ProfileID: "p2", Name: "Bea"}}); err != nil {
		t.Fatal(err)
	}

	people, err := db.ListParticipants("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(people) != 1 || people[0].Name != "Bea" {
		t.Errorf("participants = %v, want [Bea]", people)
	}
}

func TestPreviewKeepsRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 80) // 160 bytes of 2-byte runes
	got := Preview(long)
	if !utf8.ValidString(got) {
		t.Errorf("preview is not valid UTF-8: %q", got)
	}
	if len(got) > 100 {
		t.Errorf("preview = %d bytes, want at most 100", len(got))
	}

	short := "hello"
	if Preview(short) != short {
		t.Errorf("short body must pass through unchanged")
	}
}

func TestOutbox(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox("tmp1", "c1", "draft"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientTempID != "tmp1" {
		t.Fatalf("pending = %v, want one entry tmp1", pending)
	}

	inFlight, err := db.HasInFlight("c1")
	if err != nil {
		t.Fatal(err)
	}
	if !inFlight {
		t.Error("HasInFlight = false, want true while queued")
	}

	if err := db.MarkOutboxSending("tmp1"); err != nil {
		t.Fatal(err)
	}
	inFlight, _ = db.HasInFlight("c1")
	if !inFlight {
		t.Error("HasInFlight = false, want true while sending")
	}

	if err := db.MarkOutboxSent("tmp1", "srv1"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("got %d pending after sent, want 0", len(pending))
	}
	inFlight, _ = db.HasInFlight("c1")
	if inFlight {
		t.Error("HasInFlight = true after terminal status, want false")
	}
}

func TestOutboxFailed(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox("tmp1", "c1", "draft"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("tmp1", "boom"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending after failure, want 0", len(pending))
	}
	inFlight, _ := db.HasInFlight("c1")
	if inFlight {
		t.Error("failed entry should not count as in flight")
	}
}
