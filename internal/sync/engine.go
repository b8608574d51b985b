package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pcoelho/tchat/internal/api"
	"github.com/pcoelho/tchat/internal/bus"
	"github.com/pcoelho/tchat/internal/store"
	"go.uber.org/zap"
)

// threadPageSize is how many messages a thread open loads.
const threadPageSize = 200

// Client is the server surface the engine needs.
type Client interface {
	FetchDirectory(ctx context.Context) (*api.Directory, error)
	FetchThread(ctx context.Context, chatID string) ([]store.Message, error)
}

// Engine merges the three message sources into one consistent picture: the
// directory poll, thread fetches, and pushed messages all funnel through a
// single serialized write path, so replays and races collapse into no-ops
// instead of duplicates.
//
// It subscribes to "push." events on the bus and processes them.
type Engine struct {
	db     *store.DB
	client Client
	bus    *bus.Bus
	logger *zap.Logger

	poll   time.Duration
	cancel context.CancelFunc

	mu     sync.Mutex
	thread *Thread
	gen    uint64
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, client Client, b *bus.Bus, poll time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		client: client,
		bus:    b,
		logger: logger,
		poll:   poll,
	}
}

// Start subscribes to inbound push events and begins the directory poll.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("push.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(e.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := e.RefreshDirectory(ctx); err != nil {
					e.logger.Warn("directory poll failed, keeping cached directory", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "push.message":
		msg, ok := evt.Payload.(*store.Message)
		if !ok {
			return
		}
		if err := e.Ingest(msg); err != nil {
			e.logger.Error("failed to ingest pushed message", zap.Error(err), zap.String("msg_id", msg.MsgID))
		}
	}
}

// Ingest processes a single confirmed message (idempotent). Pushed messages
// and send confirmations both land here: the message is cached, the chat
// preview advances if the message is newer, and the open thread view picks
// it up when it belongs there.
//
// A message for a chat the directory has not shown yet is cached but its
// chat row is left alone; the next poll brings the chat in with the preview
// already computed server-side.
func (e *Engine) Ingest(msg *store.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	applied, err := e.db.ApplyIncoming(msg)
	if err != nil {
		return fmt.Errorf("apply to chat: %w", err)
	}
	if !applied {
		e.logger.Debug("message for unknown or older chat state, deferred to poll",
			zap.String("chat_id", msg.ChatID), zap.String("msg_id", msg.MsgID))
	}
	if e.thread != nil && e.thread.ChatID() == msg.ChatID {
		e.thread.Insert(*msg)
	}

	e.bus.Publish(bus.Event{
		Kind:      "message.upserted",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"chat_id": msg.ChatID,
			"msg_id":  msg.MsgID,
		},
	})
	return nil
}

// RefreshDirectory fetches the chat directory and replaces the cached
// snapshot. On failure the cached directory stays as-is.
func (e *Engine) RefreshDirectory(ctx context.Context) error {
	dir, err := e.client.FetchDirectory(ctx)
	if err != nil {
		return fmt.Errorf("fetch directory: %w", err)
	}

	e.mu.Lock()
	err = e.db.ReplaceDirectory(dir.Active, dir.NonActive, dir.Participants)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("replace directory: %w", err)
	}

	e.bus.Publish(bus.Event{
		Kind:      "directory.refreshed",
		Timestamp: time.Now(),
		Payload: map[string]int{
			"active":     len(dir.Active),
			"non_active": len(dir.NonActive),
		},
	})
	return nil
}

// IntroduceChat merges a chat returned by explicit creation into the cached
// directory so it shows up before the next poll. The upsert runs through the
// same monotonic gate as a poll snapshot.
func (e *Engine) IntroduceChat(chat *store.Chat, parts []store.Participant) error {
	e.mu.Lock()
	err := e.db.UpsertChat(chat)
	if err == nil {
		err = e.db.ReplaceParticipants(chat.ID, parts)
	}
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("introduce chat: %w", err)
	}

	e.bus.Publish(bus.Event{
		Kind:      "directory.refreshed",
		Timestamp: time.Now(),
		Payload:   map[string]string{"chat_id": chat.ID},
	})
	return nil
}

// OpenThread makes chatID the open chat. The cached page shows immediately;
// the server page merges in when the fetch lands. Each open bumps a
// generation counter, and a fetch that finishes after another open has
// happened is discarded rather than applied to the wrong view.
func (e *Engine) OpenThread(ctx context.Context, chatID string) error {
	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.thread = NewThread(chatID)

	cached, err := e.db.ListMessages(chatID, threadPageSize)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("load cached thread: %w", err)
	}
	e.thread.Merge(cached)
	e.mu.Unlock()

	e.bus.Publish(bus.Event{
		Kind:      "thread.opened",
		Timestamp: time.Now(),
		Payload:   map[string]string{"chat_id": chatID},
	})

	page, err := e.client.FetchThread(ctx, chatID)
	if err != nil {
		e.logger.Warn("thread fetch failed, showing cached messages",
			zap.Error(err), zap.String("chat_id", chatID))
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Cache the page either way; it is only the view that must not see a
	// stale fetch.
	for i := range page {
		if err := e.db.UpsertMessage(&page[i]); err != nil {
			return fmt.Errorf("cache thread page: %w", err)
		}
		if _, err := e.db.ApplyIncoming(&page[i]); err != nil {
			return fmt.Errorf("apply thread page: %w", err)
		}
	}
	if e.gen != gen {
		return nil
	}
	added := e.thread.Merge(page)

	e.bus.Publish(bus.Event{
		Kind:      "thread.refreshed",
		Timestamp: time.Now(),
		Payload: map[string]any{
			"chat_id": chatID,
			"added":   added,
		},
	})
	return nil
}

// CloseThread drops the open view. Later stale fetches find no thread to
// apply to.
func (e *Engine) CloseThread() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	e.thread = nil
}

// ThreadSnapshot returns the open chat id and a copy of its messages,
// newest first. The id is empty when no chat is open.
func (e *Engine) ThreadSnapshot() (string, []store.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.thread == nil {
		return "", nil
	}
	return e.thread.ChatID(), e.thread.Messages()
}
