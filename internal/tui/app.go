package tui

import (
	"context"
	"errors"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"github.com/pcoelho/tchat/internal/bus"
	"github.com/pcoelho/tchat/internal/outbox"
	"github.com/pcoelho/tchat/internal/status"
	"github.com/pcoelho/tchat/internal/store"
	"github.com/pcoelho/tchat/internal/sync"
	"github.com/pcoelho/tchat/internal/tui/keys"
	"github.com/pcoelho/tchat/internal/tui/model"
	"github.com/pcoelho/tchat/internal/tui/views"
)

// ChatCreator opens a new conversation with a profile on the server.
type ChatCreator interface {
	CreateChat(ctx context.Context, participantID string) (*store.Chat, []store.Participant, error)
}

// Deps are the services the TUI renders and drives.
type Deps struct {
	DB      *store.DB
	Engine  *sync.Engine
	Sender  *outbox.Sender
	Creator ChatCreator
	Bus     *bus.Bus
	Status  *status.Machine
	Logger  *zap.Logger
}

// App is the main TUI application shell. All mutation goes through the
// engine and sender; the app only reacts to bus events and redraws.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	vm        *model.ViewModel
	deps      Deps
	registry  *keys.Registry
	statusBar *views.StatusBar
	chatList  *views.ChatList
	msgView   *views.MessageView
	composer  *views.Composer
	searchV   *views.SearchView
	newChat   *views.NewChatPrompt
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(deps Deps, sessionName string) *App {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		vm:        model.NewViewModel(deps.DB, deps.Engine),
		deps:      deps,
		registry:  keys.NewRegistry(),
		statusBar: views.NewStatusBar(),
		chatList:  views.NewChatList(),
		msgView:   views.NewMessageView(),
		composer:  views.NewComposer(),
		searchV:   views.NewSearchView(),
		newChat:   views.NewNewChatPrompt(),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.statusBar.SetSession(sessionName)
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal(&keys.Action{
		Rune: 'q', Key: tcell.KeyRune,
		Description: "q:quit", Visible: true,
		Handler: func() { a.app.Stop() },
	})
	a.registry.AddGlobal(&keys.Action{
		Rune: 's', Key: tcell.KeyRune,
		Description: "s:search", Visible: true,
		Handler: func() { a.showSearch() },
	})
	a.registry.AddView("chats", &keys.Action{
		Rune: 'n', Key: tcell.KeyRune,
		Description: "n:new chat", Visible: true,
		Handler: func() { a.showNewChat() },
	})
	a.registry.AddView("chats", &keys.Action{
		Rune: 'r', Key: tcell.KeyRune,
		Description: "r:refresh", Visible: true,
		Handler: func() {
			go func() {
				if err := a.deps.Engine.RefreshDirectory(a.ctx); err != nil {
					a.flash("Refresh failed: " + err.Error())
				}
			}()
		},
	})
}

func (a *App) setupCallbacks() {
	a.chatList.SetSelectedFunc(func(row, col int) {
		if id := a.chatList.SelectedChat(); id != "" {
			a.openChat(id)
		}
	})

	a.composer.SetOnSend(func(text string) {
		chatID := a.vm.ActiveChatID()
		if chatID == "" {
			return
		}
		if _, err := a.deps.Sender.Queue(chatID, text); err != nil {
			var verr *outbox.ValidationError
			if errors.As(err, &verr) {
				a.flash(verr.Reason)
			} else {
				a.flash("Send failed: " + err.Error())
			}
			return
		}
		// Locked until the ack or failure event comes back.
		a.composer.SetPending(true)
	})

	a.searchV.SetOnQuery(func(query string) {
		go func() {
			results, err := a.vm.Search(query)
			if err != nil {
				a.flash("Search failed: " + err.Error())
				return
			}
			a.app.QueueUpdateDraw(func() {
				a.searchV.Update(results)
				a.app.SetFocus(a.searchV.Results())
			})
		}()
	})
	a.searchV.Results().SetSelectedFunc(func(row, col int) {
		if chatID, _ := a.searchV.SelectedResult(); chatID != "" {
			a.openChat(chatID)
		}
	})

	a.newChat.SetOnCreate(func(participantID string) {
		go func() {
			chat, parts, err := a.deps.Creator.CreateChat(a.ctx, participantID)
			if err != nil {
				a.flash("New chat failed: " + err.Error())
				return
			}
			// The created chat lands in the directory immediately; the full
			// refresh that follows is best-effort reconciliation.
			if err := a.deps.Engine.IntroduceChat(chat, parts); err != nil {
				a.flash("New chat not cached: " + err.Error())
			}
			if err := a.deps.Engine.RefreshDirectory(a.ctx); err != nil {
				a.flash("Refresh failed: " + err.Error())
			}
			a.openChat(chat.ID)
		}()
	})
}

func (a *App) setupLayout() {
	chatFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.msgView, 0, 1, false).
		AddItem(a.composer, 1, 0, false)

	a.pages.AddPage("chats", a.chatList, true, true)
	a.pages.AddPage("chat", chatFlex, true, false)
	a.pages.AddPage("search", a.searchV, true, false)
	a.pages.AddPage("newchat", a.newChat, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		currentPage, _ := a.pages.GetFrontPage()

		if event.Key() == tcell.KeyEscape {
			switch currentPage {
			case "chat", "search", "newchat":
				a.vm.CloseChat()
				a.pages.SwitchToPage("chats")
				a.app.SetFocus(a.chatList)
				return nil
			}
		}

		// Let text input widgets handle all keys normally.
		focused := a.app.GetFocus()
		if _, ok := focused.(*tview.InputField); ok {
			return event
		}

		// 'i' focuses the composer (only when not already in an input field).
		if currentPage == "chat" && event.Key() == tcell.KeyRune && event.Rune() == 'i' {
			a.app.SetFocus(a.composer.InputField)
			return nil
		}

		if a.registry.HandleEvent(currentPage, event) {
			return nil
		}

		return event
	})
}

func (a *App) openChat(chatID string) {
	go func() {
		if err := a.vm.OpenChat(a.ctx, chatID); err != nil {
			a.flash("Showing cached messages: " + err.Error())
		}
		inflight, _ := a.deps.Sender.InFlight(chatID)
		a.app.QueueUpdateDraw(func() {
			a.msgView.SetChatTitle(a.vm.ChatTitle(chatID))
			a.msgView.Update(a.vm.Thread())
			a.composer.SetPending(inflight)
			a.pages.SwitchToPage("chat")
			a.app.SetFocus(a.composer.InputField)
		})
	}()
}

func (a *App) showSearch() {
	a.pages.SwitchToPage("search")
	a.app.SetFocus(a.searchV.Input())
}

func (a *App) showNewChat() {
	a.pages.SwitchToPage("newchat")
	a.app.SetFocus(a.newChat.InputField)
}

func (a *App) flash(msg string) {
	a.vm.Flash.Set(msg, 5*time.Second)
	a.app.QueueUpdateDraw(func() {
		a.statusBar.SetFlash(a.vm.Flash.Get())
	})
}

// Run starts the TUI application.
func (a *App) Run() error {
	a.vm.SetStatus(string(a.deps.Status.Current()))

	go func() {
		_ = a.vm.LoadDirectory()
		a.app.QueueUpdateDraw(func() {
			a.chatList.Update(a.vm.ActiveChats(), a.vm.InactiveChats())
			a.statusBar.SetStatus(a.vm.Status())
		})
		a.eventLoop()
	}()

	return a.app.Run()
}

// eventLoop reacts to bus events and schedules redraws. All state flows
// engine -> store -> view model; the loop only decides what to reload.
func (a *App) eventLoop() {
	ch, unsub := a.deps.Bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			a.handleEvent(evt)
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "directory.refreshed":
		_ = a.vm.LoadDirectory()
		a.app.QueueUpdateDraw(func() {
			a.chatList.Update(a.vm.ActiveChats(), a.vm.InactiveChats())
		})

	case "message.upserted":
		a.vm.LoadThread()
		_ = a.vm.LoadDirectory()
		a.app.QueueUpdateDraw(func() {
			a.msgView.Update(a.vm.Thread())
			a.chatList.Update(a.vm.ActiveChats(), a.vm.InactiveChats())
		})

	case "thread.opened", "thread.refreshed":
		a.vm.LoadThread()
		a.app.QueueUpdateDraw(func() {
			a.msgView.Update(a.vm.Thread())
		})

	case "message.send_ack":
		payload, _ := evt.Payload.(map[string]string)
		chatID := payload["chat_id"]
		a.app.QueueUpdateDraw(func() {
			a.applySendAck(chatID)
		})

	case "message.send_failed":
		payload, _ := evt.Payload.(map[string]string)
		a.vm.Flash.Set("Send failed: "+payload["error"], 5*time.Second)
		chatID := payload["chat_id"]
		a.app.QueueUpdateDraw(func() {
			a.applySendFailed(chatID)
		})

	case "session.status_changed":
		if change, ok := evt.Payload.(status.StatusChange); ok {
			a.vm.SetStatus(string(change.To))
			a.app.QueueUpdateDraw(func() {
				a.statusBar.SetStatus(a.vm.Status())
			})
		}
	}
}

// applySendAck clears and unlocks the composer after a confirmed send. An
// ack for a chat other than the open one leaves the composer alone: the
// field may hold a draft for a different conversation.
func (a *App) applySendAck(chatID string) {
	if chatID != a.vm.ActiveChatID() {
		return
	}
	a.composer.SetPending(false)
	a.composer.SetText("")
	a.statusBar.SetFlash("")
}

// applySendFailed unlocks the composer when the failed send belongs to the
// open chat. The draft stays in the field for a retry.
func (a *App) applySendFailed(chatID string) {
	if chatID == a.vm.ActiveChatID() {
		a.composer.SetPending(false)
	}
	a.statusBar.SetFlash(a.vm.Flash.Get())
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
