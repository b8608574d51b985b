package views

import (
	"fmt"
	"time"

	"github.com/rivo/tview"

	"github.com/pcoelho/tchat/internal/store"
)

// ChatList is the chat directory table. Chats with messages come first in
// recency order, then a divider, then chats that have never spoken.
type ChatList struct {
	*tview.Table
	rows []string // chat id per selectable row, "" for header/divider
}

// NewChatList creates a new chat list table.
func NewChatList() *ChatList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false)
	table.SetBorder(true).SetTitle(" Chats ")

	return &ChatList{Table: table}
}

// Update refreshes the directory with both partitions.
func (cl *ChatList) Update(active, inactive []store.Chat) {
	cl.Clear()
	cl.rows = cl.rows[:0]

	header := func(text string) {
		row := len(cl.rows)
		cl.SetCell(row, 0, tview.NewTableCell(" "+text).
			SetSelectable(false).
			SetTextColor(tview.Styles.SecondaryTextColor))
		cl.SetCell(row, 1, tview.NewTableCell("").SetSelectable(false))
		cl.SetCell(row, 2, tview.NewTableCell("").SetSelectable(false))
		cl.rows = append(cl.rows, "")
	}

	header("Name")
	for _, chat := range active {
		cl.addChatRow(chat, chat.LastMessagePreview, formatTimestamp(chat.LastMessageAt))
	}

	if len(inactive) > 0 {
		header("No messages yet")
		for _, chat := range inactive {
			cl.addChatRow(chat, "", "")
		}
	}
}

func (cl *ChatList) addChatRow(chat store.Chat, preview, ts string) {
	row := len(cl.rows)
	name := chat.Title
	if name == "" {
		name = chat.ID
	}
	if chat.IsGroup {
		name = fmt.Sprintf("%s (group)", name)
	}

	cl.SetCell(row, 0, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(name))).SetMaxWidth(30).SetExpansion(1))
	cl.SetCell(row, 1, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(preview))).SetMaxWidth(40).SetExpansion(2))
	cl.SetCell(row, 2, tview.NewTableCell(" "+ts).SetMaxWidth(12))
	cl.rows = append(cl.rows, chat.ID)
}

// SelectedChat returns the id of the currently selected chat.
func (cl *ChatList) SelectedChat() string {
	row, _ := cl.GetSelection()
	if row >= 0 && row < len(cl.rows) {
		return cl.rows[row]
	}
	return ""
}

func formatTimestamp(ms int64) string {
	if ms == 0 {
		return ""
	}
	t := time.UnixMilli(ms)
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}
