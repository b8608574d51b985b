package api

import (
	"encoding/json"
	"time"

	"github.com/pcoelho/tchat/internal/store"
)

// Wire payloads for the chat server's JSON API. The push channel delivers
// messagePayload with the exact same shape, so both paths decode here.

type profilePayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
}

type messagePayload struct {
	ID        string         `json:"id"`
	ChatID    string         `json:"chatId"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"createdAt"`
	Sender    profilePayload `json:"sender"`
}

type chatPayload struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	IsGroupChat  bool             `json:"isGroupChat"`
	ImageURL     string           `json:"imageUrl"`
	Participants []profilePayload `json:"participants"`
	LastMessage  *messagePayload  `json:"lastMessage"`
}

type directoryPayload struct {
	ActiveChats    []chatPayload `json:"activeChats"`
	NonActiveChats []chatPayload `json:"nonActiveChats"`
}

type sendRequest struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

type createChatRequest struct {
	ParticipantID string `json:"participantId"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// Directory is a decoded directory snapshot.
type Directory struct {
	Active       []store.Chat
	NonActive    []store.Chat
	Participants map[string][]store.Participant
}

// DecodeMessage decodes a wire message into the store type, deriving FromMe
// against the given user identity. The push channel carries the same payload
// shape as thread fetches, so both paths decode here.
func DecodeMessage(data []byte, selfID string) (*store.Message, error) {
	var p messagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	m := p.toStore(selfID)
	return &m, nil
}

func (p *messagePayload) toStore(selfID string) store.Message {
	return store.Message{
		ChatID:     p.ChatID,
		MsgID:      p.ID,
		SenderID:   p.Sender.ID,
		SenderName: p.Sender.Name,
		Body:       p.Content,
		FromMe:     p.Sender.ID == selfID,
		Timestamp:  p.CreatedAt.UnixMilli(),
	}
}

func (p *chatPayload) toStore(active bool) store.Chat {
	c := store.Chat{
		ID:       p.ID,
		Title:    p.Title,
		IsGroup:  p.IsGroupChat,
		ImageURL: p.ImageURL,
		Active:   active,
	}
	if p.LastMessage != nil {
		c.LastMessageID = p.LastMessage.ID
		c.LastMessageAt = p.LastMessage.CreatedAt.UnixMilli()
		c.LastMessagePreview = store.Preview(p.LastMessage.Content)
	}
	return c
}

func (p *chatPayload) participants() []store.Participant {
	var parts []store.Participant
	for _, pr := range p.Participants {
		parts = append(parts, store.Participant{
			ChatID:    p.ID,
			ProfileID: pr.ID,
			Name:      pr.Name,
			AvatarURL: pr.AvatarURL,
		})
	}
	return parts
}
