package store

import "time"

// UpsertMessage inserts or updates a message. Identity is (chat_id, msg_id),
// so replaying the same message via fetch, push, or send confirmation leaves
// exactly one stored copy.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_id, msg_id, sender_id, sender_name, body, from_me, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body`,
		m.ChatID, m.MsgID, m.SenderID, m.SenderName, m.Body, m.FromMe, m.Timestamp, now)
	return err
}

// ListMessages returns a single page of messages for a chat, newest first.
func (db *DB) ListMessages(chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, chat_id, msg_id, sender_id, sender_name, body, from_me, timestamp
		FROM messages
		WHERE chat_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.RowID, &m.ChatID, &m.MsgID, &m.SenderID, &m.SenderName, &m.Body, &m.FromMe, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
