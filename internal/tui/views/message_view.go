package views

import (
	"fmt"

	"github.com/rivo/tview"

	"github.com/pcoelho/tchat/internal/store"
)

// MessageView displays the open chat's thread.
type MessageView struct {
	*tview.TextView
}

// NewMessageView creates a new message view.
func NewMessageView() *MessageView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	tv.SetBorder(true).SetTitle(" Messages ")

	return &MessageView{TextView: tv}
}

// SetChatTitle updates the view title.
func (mv *MessageView) SetChatTitle(title string) {
	mv.SetTitle(fmt.Sprintf(" %s ", title))
}

// Update refreshes the view. The thread arrives newest first; display
// oldest first with the cursor at the bottom.
func (mv *MessageView) Update(msgs []store.Message) {
	mv.Clear()

	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderID
		}
		if m.FromMe {
			sender = "You"
		}

		ts := formatTimestamp(m.Timestamp)
		line := fmt.Sprintf("[::b]%s[-:-:-] [::d]%s[-:-:-]\n%s\n\n",
			tview.Escape(sanitizeForTerminal(sender)), ts, tview.Escape(sanitizeForTerminal(m.Body)))
		_, _ = fmt.Fprint(mv, line)
	}

	mv.ScrollToEnd()
}
