package views

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// NewChatPrompt asks for a profile id to start a conversation with.
type NewChatPrompt struct {
	*tview.InputField
	onCreate func(participantID string)
}

// NewNewChatPrompt creates the new chat prompt.
func NewNewChatPrompt() *NewChatPrompt {
	input := tview.NewInputField().
		SetLabel(" New chat with: ").
		SetFieldWidth(0)
	input.SetBorder(true).SetTitle(" New Chat ")

	p := &NewChatPrompt{InputField: input}

	input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && p.onCreate != nil {
			if id := p.GetText(); id != "" {
				p.onCreate(id)
				p.SetText("")
			}
		}
	})

	return p
}

// SetOnCreate sets the callback when a participant id is submitted.
func (p *NewChatPrompt) SetOnCreate(fn func(participantID string)) {
	p.onCreate = fn
}
