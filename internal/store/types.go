package store

// Chat represents a conversation known to the directory.
// Active marks the partition: a chat with at least one known message is
// active, the rest sort after all active chats.
type Chat struct {
	ID                 string
	Title              string
	IsGroup            bool
	ImageURL           string
	Active             bool
	LastMessageID      string
	LastMessageAt      int64 // unix ms, 0 when no message is known
	LastMessagePreview string
}

// Participant is an immutable profile snapshot attached to a chat.
type Participant struct {
	ChatID    string
	ProfileID string
	Name      string
	AvatarURL string
}

// Message represents a message in a chat thread. Identity is the
// server-assigned MsgID; RowID is local storage detail only.
type Message struct {
	RowID      int64
	ChatID     string
	MsgID      string
	SenderID   string
	SenderName string
	Body       string
	FromMe     bool
	Timestamp  int64 // unix ms
}

// OutboxEntry represents a send in flight.
type OutboxEntry struct {
	ID           int64
	ClientTempID string
	ChatID       string
	Body         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  string
	SubmittedAt  int64
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
