package sync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pcoelho/tchat/internal/api"
	"github.com/pcoelho/tchat/internal/bus"
	"github.com/pcoelho/tchat/internal/store"
)

type fakeClient struct {
	mu        sync.Mutex
	dir       *api.Directory
	dirErr    error
	threads   map[string][]store.Message
	threadErr error

	// blockThread holds FetchThread for that chat until release is closed.
	blockThread string
	release     chan struct{}
}

func (f *fakeClient) FetchDirectory(ctx context.Context) (*api.Directory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirErr != nil {
		return nil, f.dirErr
	}
	if f.dir == nil {
		return &api.Directory{Participants: map[string][]store.Participant{}}, nil
	}
	return f.dir, nil
}

func (f *fakeClient) FetchThread(ctx context.Context, chatID string) ([]store.Message, error) {
	f.mu.Lock()
	block := f.blockThread == chatID
	release := f.release
	err := f.threadErr
	page := f.threads[chatID]
	f.mu.Unlock()

	if block {
		<-release
	}
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (f *fakeClient) setDirErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirErr = err
}

func testEngine(t *testing.T, client *fakeClient) (*Engine, *store.DB, *bus.Bus) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	e := NewEngine(db, client, b, time.Hour, zap.NewNop())
	return e, db, b
}

func directoryWith(chats ...store.Chat) *api.Directory {
	return &api.Directory{Active: chats, Participants: map[string][]store.Participant{}}
}

func incoming(chatID, msgID string, ts int64, body string) *store.Message {
	return &store.Message{ChatID: chatID, MsgID: msgID, SenderID: "u2", SenderName: "Bea", Body: body, Timestamp: ts}
}

func TestIngestIsIdempotent(t *testing.T) {
	client := &fakeClient{dir: directoryWith(store.Chat{ID: "c1", Title: "Bea", Active: true})}
	e, db, _ := testEngine(t, client)

	if err := e.RefreshDirectory(context.Background()); err != nil {
		t.Fatal(err)
	}

	m := incoming("c1", "m1", 100, "hello")
	for i := 0; i < 5; i++ {
		if err := e.Ingest(m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages("c1", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1 after replays", len(msgs))
	}
}

func TestIngestAdvancesPreviewMonotonically(t *testing.T) {
	client := &fakeClient{dir: directoryWith(store.Chat{ID: "c1", Title: "Bea", Active: true})}
	e, db, _ := testEngine(t, client)

	if err := e.RefreshDirectory(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := e.Ingest(incoming("c1", "m2", 200, "newer")); err != nil {
		t.Fatal(err)
	}
	// Late delivery of an older message must not regress the preview.
	if err := e.Ingest(incoming("c1", "m1", 100, "older")); err != nil {
		t.Fatal(err)
	}

	chat, err := db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if chat.LastMessagePreview != "newer" || chat.LastMessageAt != 200 {
		t.Errorf("preview = %q at %d, want newer at 200", chat.LastMessagePreview, chat.LastMessageAt)
	}
}

func TestIngestUnknownChatIsDeferred(t *testing.T) {
	client := &fakeClient{}
	e, db, _ := testEngine(t, client)

	if err := e.Ingest(incoming("ghost", "m1", 100, "hello")); err != nil {
		t.Fatal(err)
	}

	// The chat row waits for the poll, but the message is already cached.
	chat, err := db.GetChat("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if chat != nil {
		t.Error("unknown chat must not appear before the next poll")
	}
	msgs, err := db.ListMessages("ghost", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("cached messages = %d, want 1", len(msgs))
	}

	// Next poll brings the chat in.
	client.mu.Lock()
	client.dir = directoryWith(store.Chat{ID: "ghost", Title: "Ghost", Active: true, LastMessageAt: 100, LastMessagePreview: "hello"})
	client.mu.Unlock()
	if err := e.RefreshDirectory(context.Background()); err != nil {
		t.Fatal(err)
	}
	chat, err = db.GetChat("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if chat == nil || !chat.Active {
		t.Errorf("chat after poll = %+v, want active", chat)
	}
}

func TestIntroduceChatAppearsBeforeNextPoll(t *testing.T) {
	client := &fakeClient{}
	e, db, b := testEngine(t, client)

	ch, unsub := b.Subscribe("directory.", 4)
	defer unsub()

	chat := &store.Chat{ID: "c9", Title: "New Group", IsGroup: true}
	parts := []store.Participant{{ChatID: "c9", ProfileID: "p1", Name: "Ana"}}
	if err := e.IntroduceChat(chat, parts); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetChat("c9")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Title != "New Group" {
		t.Fatalf("chat after creation = %+v, want New Group cached", got)
	}
	people, err := db.ListParticipants("c9")
	if err != nil {
		t.Fatal(err)
	}
	if len(people) != 1 || people[0].Name != "Ana" {
		t.Errorf("participants = %v, want [Ana]", people)
	}

	select {
	case evt := <-ch:
		if evt.Kind != "directory.refreshed" {
			t.Errorf("event kind = %q, want directory.refreshed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no directory event after chat creation")
	}
}

func TestOpenThreadMergesCachedAndFetched(t *testing.T) {
	client := &fakeClient{
		dir: directoryWith(store.Chat{ID: "c1", Title: "Bea", Active: true}),
		threads: map[string][]store.Message{
			"c1": {*incoming("c1", "m1", 100, "a"), *incoming("c1", "m2", 200, "b")},
		},
	}
	e, _, _ := testEngine(t, client)

	if err := e.RefreshDirectory(context.Background()); err != nil {
		t.Fatal(err)
	}
	// m1 already cached from an earlier session.
	if err := e.Ingest(incoming("c1", "m1", 100, "a")); err != nil {
		t.Fatal(err)
	}

	if err := e.OpenThread(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	chatID, msgs := e.ThreadSnapshot()
	if chatID != "c1" {
		t.Fatalf("open chat = %q, want c1", chatID)
	}
	got := ids(msgs)
	if !equalIDs(got, []string{"m2", "m1"}) {
		t.Errorf("thread = %v, want [m2 m1]", got)
	}
}

func TestOpenThreadKeepsCacheOnFetchFailure(t *testing.T) {
	client := &fakeClient{threadErr: errors.New("server down")}
	e, _, _ := testEngine(t, client)

	if err := e.Ingest(incoming("c1", "m1", 100, "cached")); err != nil {
		t.Fatal(err)
	}

	if err := e.OpenThread(context.Background(), "c1"); err == nil {
		t.Fatal("expected fetch error")
	}

	chatID, msgs := e.ThreadSnapshot()
	if chatID != "c1" || len(msgs) != 1 {
		t.Errorf("snapshot = %q/%d, want cached message to survive", chatID, len(msgs))
	}
}

func TestIngestUpdatesOpenThread(t *testing.T) {
	client := &fakeClient{threads: map[string][]store.Message{}}
	e, _, b := testEngine(t, client)

	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	if err := e.OpenThread(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if err := e.Ingest(incoming("c1", "m1", 100, "live")); err != nil {
		t.Fatal(err)
	}

	_, msgs := e.ThreadSnapshot()
	if len(msgs) != 1 || msgs[0].MsgID != "m1" {
		t.Errorf("thread = %v, want [m1]", ids(msgs))
	}

	evt := <-ch
	if evt.Kind != "message.upserted" {
		t.Errorf("event kind = %q, want message.upserted", evt.Kind)
	}
}

func TestSendEchoConvergesToOneCopy(t *testing.T) {
	client := &fakeClient{threads: map[string][]store.Message{}}
	e, db, _ := testEngine(t, client)

	if err := e.OpenThread(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	// The server echoes the sent message over push before the send
	// confirmation is processed; both carry the server id.
	echo := &store.Message{ChatID: "c1", MsgID: "srv-9", SenderID: "me", Body: "hello", FromMe: true, Timestamp: 300}
	confirmation := &store.Message{ChatID: "c1", MsgID: "srv-9", SenderID: "me", Body: "hello", FromMe: true, Timestamp: 300}

	if err := e.Ingest(echo); err != nil {
		t.Fatal(err)
	}
	if err := e.Ingest(confirmation); err != nil {
		t.Fatal(err)
	}

	_, msgs := e.ThreadSnapshot()
	if len(msgs) != 1 {
		t.Fatalf("thread = %v, want exactly one hello", ids(msgs))
	}
	stored, err := db.ListMessages("c1", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Errorf("stored = %d, want 1", len(stored))
	}
}

func TestIngestOtherChatLeavesOpenThreadAlone(t *testing.T) {
	client := &fakeClient{threads: map[string][]store.Message{}}
	e, _, _ := testEngine(t, client)

	if err := e.OpenThread(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if err := e.Ingest(incoming("c2", "m1", 100, "elsewhere")); err != nil {
		t.Fatal(err)
	}

	chatID, msgs := e.ThreadSnapshot()
	if chatID != "c1" || len(msgs) != 0 {
		t.Errorf("snapshot = %q/%d, want empty c1 view", chatID, len(msgs))
	}
}

func TestStaleThreadFetchIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	client := &fakeClient{
		threads: map[string][]store.Message{
			"c1": {*incoming("c1", "old1", 100, "slow chat")},
			"c2": {*incoming("c2", "new1", 200, "fast chat")},
		},
		blockThread: "c1",
		release:     release,
	}
	e, _, _ := testEngine(t, client)

	done := make(chan error, 1)
	go func() {
		done <- e.OpenThread(context.Background(), "c1")
	}()

	// Switch chats while c1's fetch is still in flight.
	time.Sleep(20 * time.Millisecond)
	if err := e.OpenThread(context.Background(), "c2"); err != nil {
		t.Fatal(err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	chatID, msgs := e.ThreadSnapshot()
	if chatID != "c2" {
		t.Fatalf("open chat = %q, want c2", chatID)
	}
	for _, m := range msgs {
		if m.ChatID != "c2" {
			t.Errorf("stale fetch leaked %s into the c2 view", m.MsgID)
		}
	}
}

func TestRefreshDirectoryFailureKeepsCache(t *testing.T) {
	client := &fakeClient{dir: directoryWith(store.Chat{ID: "c1", Title: "Bea", Active: true})}
	e, db, _ := testEngine(t, client)

	if err := e.RefreshDirectory(context.Background()); err != nil {
		t.Fatal(err)
	}
	client.setDirErr(errors.New("server down"))
	if err := e.RefreshDirectory(context.Background()); err == nil {
		t.Fatal("expected poll error")
	}

	chats, err := db.ListActiveChats()
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 {
		t.Errorf("cached chats = %d, want stale directory to survive", len(chats))
	}
}

func TestPushedMessageFlowsThroughBus(t *testing.T) {
	client := &fakeClient{dir: directoryWith(store.Chat{ID: "c1", Title: "Bea", Active: true})}
	e, db, b := testEngine(t, client)

	if err := e.RefreshDirectory(context.Background()); err != nil {
		t.Fatal(err)
	}

	upserted, unsub := b.Subscribe("message.", 10)
	defer unsub()

	e.Start(context.Background())
	defer e.Stop()

	b.Publish(bus.Event{
		Kind:      "push.message",
		Timestamp: time.Now(),
		Payload:   incoming("c1", "m1", 100, "pushed"),
	})

	select {
	case <-upserted:
	case <-time.After(2 * time.Second):
		t.Fatal("pushed message never ingested")
	}

	msgs, err := db.ListMessages("c1", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].MsgID != "m1" {
		t.Errorf("messages = %v, want [m1]", msgs)
	}
}
