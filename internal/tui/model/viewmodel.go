package model

import (
	"context"
	"sync"

	"github.com/pcoelho/tchat/internal/store"
)

// ThreadEngine is the slice of the sync engine the view model reads.
type ThreadEngine interface {
	OpenThread(ctx context.Context, chatID string) error
	CloseThread()
	ThreadSnapshot() (string, []store.Message)
}

// ViewModel caches UI state between bus events and draw cycles. Views render
// from its snapshots; bus handlers reload it and signal a refresh.
type ViewModel struct {
	mu sync.RWMutex

	// openMu serializes open/close so the active chat id and the engine's
	// open thread cannot interleave across rapid selections.
	openMu sync.Mutex

	db     *store.DB
	engine ThreadEngine

	active       []store.Chat
	inactive     []store.Chat
	thread       []store.Message
	activeChatID string
	status       string
	Flash        Flash

	refreshCh chan struct{}
}

// NewViewModel creates a view model over the local store and engine.
func NewViewModel(db *store.DB, engine ThreadEngine) *ViewModel {
	return &ViewModel{
		db:        db,
		engine:    engine,
		refreshCh: make(chan struct{}, 1),
	}
}

// RefreshCh returns the channel that signals UI refresh.
func (vm *ViewModel) RefreshCh() <-chan struct{} {
	return vm.refreshCh
}

func (vm *ViewModel) signalRefresh() {
	select {
	case vm.refreshCh <- struct{}{}:
	default:
	}
}

// LoadDirectory reloads both chat partitions from the cache.
func (vm *ViewModel) LoadDirectory() error {
	active, err := vm.db.ListActiveChats()
	if err != nil {
		return err
	}
	inactive, err := vm.db.ListInactiveChats()
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.active = active
	vm.inactive = inactive
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// OpenChat makes chatID the active chat and loads its thread. The cached
// page is visible as soon as this returns; the server page follows via a
// thread.refreshed event.
func (vm *ViewModel) OpenChat(ctx context.Context, chatID string) error {
	vm.openMu.Lock()
	defer vm.openMu.Unlock()

	vm.mu.Lock()
	vm.activeChatID = chatID
	vm.mu.Unlock()

	err := vm.engine.OpenThread(ctx, chatID)
	vm.LoadThread()
	return err
}

// CloseChat leaves the active chat.
func (vm *ViewModel) CloseChat() {
	vm.openMu.Lock()
	defer vm.openMu.Unlock()

	vm.engine.CloseThread()
	vm.mu.Lock()
	vm.activeChatID = ""
	vm.thread = nil
	vm.mu.Unlock()
}

// LoadThread snapshots the open thread from the engine.
func (vm *ViewModel) LoadThread() {
	chatID, msgs := vm.engine.ThreadSnapshot()
	vm.mu.Lock()
	if chatID == vm.activeChatID {
		vm.thread = msgs
	}
	vm.mu.Unlock()
	vm.signalRefresh()
}

// Search runs a full-text query over cached messages.
func (vm *ViewModel) Search(query string) ([]store.SearchResult, error) {
	return vm.db.SearchMessages(query, "", 50)
}

// ChatTitle resolves a display title for chatID, falling back to the id.
func (vm *ViewModel) ChatTitle(chatID string) string {
	chat, err := vm.db.GetChat(chatID)
	if err != nil || chat == nil || chat.Title == "" {
		return chatID
	}
	return chat.Title
}

// SetStatus stores the latest runtime state for the status bar.
func (vm *ViewModel) SetStatus(s string) {
	vm.mu.Lock()
	vm.status = s
	vm.mu.Unlock()
	vm.signalRefresh()
}

// Status returns the last stored runtime state.
func (vm *ViewModel) Status() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}

// ActiveChatID returns the open chat id, empty when on the directory.
func (vm *ViewModel) ActiveChatID() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.activeChatID
}

// ActiveChats returns a snapshot of the active partition.
func (vm *ViewModel) ActiveChats() []store.Chat {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.active
}

// InactiveChats returns a snapshot of the message-less partition.
func (vm *ViewModel) InactiveChats() []store.Chat {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.inactive
}

// Thread returns a snapshot of the open thread, newest first.
func (vm *ViewModel) Thread() []store.Message {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.thread
}
