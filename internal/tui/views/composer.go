package views

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Composer is the text input for sending messages. The text stays in the
// field after Enter; the app clears it when the send is acknowledged, so a
// failed send leaves the draft ready to retry. While a send is pending the
// field is locked.
type Composer struct {
	*tview.InputField
	onSend  func(text string)
	pending bool
}

// NewComposer creates a new message composer.
func NewComposer() *Composer {
	input := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)

	c := &Composer{InputField: input}

	input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && !c.pending && c.onSend != nil {
			if text := c.GetText(); text != "" {
				c.onSend(text)
			}
		}
	})

	return c
}

// SetOnSend sets the callback when a message is submitted.
func (c *Composer) SetOnSend(fn func(text string)) {
	c.onSend = fn
}

// SetPending locks or unlocks the composer while a send is in flight.
func (c *Composer) SetPending(pending bool) {
	c.pending = pending
	if pending {
		c.SetLabel(" … ")
	} else {
		c.SetLabel(" > ")
	}
	c.SetDisabled(pending)
}

// Pending reports whether the composer is locked on an in-flight send.
func (c *Composer) Pending() bool {
	return c.pending
}
