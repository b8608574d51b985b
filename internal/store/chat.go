package store

import (
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"
)

// UpsertChat inserts or replaces a chat record by id. Used after explicit
// chat creation; the preview fields still go through the monotonic gate so
// an upsert carrying stale data cannot regress a newer preview.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(upsertChatSQL,
		c.ID, c.Title, c.IsGroup, c.ImageURL, c.Active,
		c.LastMessageID, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// upsertChatSQL keeps last_message_* monotonic: the incoming row wins only
// when its last_message_at is not earlier than what is already stored.
// active never goes back to 0 once a message has been seen locally.
const upsertChatSQL = `
	INSERT INTO chats (id, title, is_group, image_url, active,
		last_message_id, last_message_at, last_message_preview, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		is_group = excluded.is_group,
		image_url = excluded.image_url,
		active = MAX(chats.active, excluded.active),
		last_message_id = CASE WHEN excluded.last_message_at >= chats.last_message_at
			THEN excluded.last_message_id ELSE chats.last_message_id END,
		last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at
			THEN excluded.last_message_preview ELSE chats.last_message_preview END,
		last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
		updated_at = excluded.updated_at`

// ApplyIncoming updates a chat's preview from an incoming message and moves
// the chat into the active partition. The update is monotonic: a message
// older than the stored preview leaves the preview untouched. Returns false
// when the chat is not known locally; the caller defers to the next
// directory poll rather than synthesizing a chat from a bare message.
func (db *DB) ApplyIncoming(m *Message) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE chats SET
			last_message_id = CASE WHEN ? >= last_message_at THEN ? ELSE last_message_id END,
			last_message_preview = CASE WHEN ? >= last_message_at THEN ? ELSE last_message_preview END,
			last_message_at = MAX(last_message_at, ?),
			active = 1,
			updated_at = ?
		WHERE id = ?`,
		m.Timestamp, m.MsgID,
		m.Timestamp, Preview(m.Body),
		m.Timestamp, now, m.ChatID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReplaceDirectory replaces the directory snapshot inside one transaction.
// Chats absent from the snapshot are dropped (their cached messages are
// kept); surviving rows keep their rowid so partition ordering stays stable
// across refreshes. participants maps chat id to its profile snapshots.
func (db *DB) ReplaceDirectory(active, nonActive []Chat, participants map[string][]Participant) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	seen := make([]any, 0, len(active)+len(nonActive))

	upsert := func(chats []Chat, isActive bool) error {
		for _, c := range chats {
			if _, err := tx.Exec(upsertChatSQL,
				c.ID, c.Title, c.IsGroup, c.ImageURL, isActive,
				c.LastMessageID, c.LastMessageAt, c.LastMessagePreview, now); err != nil {
				return fmt.Errorf("upsert chat %s: %w", c.ID, err)
			}
			if _, err := tx.Exec(`DELETE FROM participants WHERE chat_id = ?`, c.ID); err != nil {
				return err
			}
			for _, p := range participants[c.ID] {
				if _, err := tx.Exec(`
					INSERT INTO participants (chat_id, profile_id, name, avatar_url)
					VALUES (?, ?, ?, ?)`,
					c.ID, p.ProfileID, p.Name, p.AvatarURL); err != nil {
					return fmt.Errorf("insert participant: %w", err)
				}
			}
			seen = append(seen, c.ID)
		}
		return nil
	}

	if err := upsert(active, true); err != nil {
		return err
	}
	if err := upsert(nonActive, false); err != nil {
		return err
	}

	del := `DELETE FROM chats`
	delP := `DELETE FROM participants`
	if len(seen) > 0 {
		cond := ` WHERE ` + notInClause("id", len(seen))
		condP := ` WHERE ` + notInClause("chat_id", len(seen))
		if _, err := tx.Exec(del+cond, seen...); err != nil {
			return fmt.Errorf("prune chats: %w", err)
		}
		if _, err := tx.Exec(delP+condP, seen...); err != nil {
			return fmt.Errorf("prune participants: %w", err)
		}
	} else {
		if _, err := tx.Exec(del); err != nil {
			return err
		}
		if _, err := tx.Exec(delP); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// notInClause builds "col NOT IN (?, ?, ...)".
func notInClause(col string, n int) string {
	s := col + ` NOT IN (?`
	for i := 1; i < n; i++ {
		s += `, ?`
	}
	return s + `)`
}

const chatColumns = `id, title, is_group, image_url, active,
	last_message_id, last_message_at, last_message_preview`

// ListActiveChats returns the active partition ordered by last message
// timestamp descending; ties break on rowid so repeated renders with
// unchanged data never reorder.
func (db *DB) ListActiveChats() ([]Chat, error) {
	return db.queryChats(`
		SELECT ` + chatColumns + ` FROM chats
		WHERE active = 1
		ORDER BY last_message_at DESC, rowid`)
}

// ListInactiveChats returns chats without messages in insertion order.
func (db *DB) ListInactiveChats() ([]Chat, error) {
	return db.queryChats(`
		SELECT ` + chatColumns + ` FROM chats
		WHERE active = 0
		ORDER BY rowid`)
}

func (db *DB) queryChats(query string, args ...any) ([]Chat, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Title, &c.IsGroup, &c.ImageURL, &c.Active,
			&c.LastMessageID, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by id, or nil if unknown.
func (db *DB) GetChat(id string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT `+chatColumns+` FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.IsGroup, &c.ImageURL, &c.Active,
			&c.LastMessageID, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ReplaceParticipants swaps the profile snapshots attached to one chat.
// Used when a single chat arrives outside a full directory snapshot.
func (db *DB) ReplaceParticipants(chatID string, parts []Participant) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM participants WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := tx.Exec(`
			INSERT INTO participants (chat_id, profile_id, name, avatar_url)
			VALUES (?, ?, ?, ?)`,
			chatID, p.ProfileID, p.Name, p.AvatarURL); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return tx.Commit()
}

// ListParticipants returns the profile snapshots attached to a chat.
func (db *DB) ListParticipants(chatID string) ([]Participant, error) {
	rows, err := db.Query(`
		SELECT chat_id, profile_id, name, avatar_url
		FROM participants WHERE chat_id = ? ORDER BY profile_id`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var parts []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ChatID, &p.ProfileID, &p.Name, &p.AvatarURL); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// Preview truncates a message body to directory preview length, backing up
// to a rune boundary so the cut never produces invalid UTF-8.
func Preview(body string) string {
	const maxLen = 100
	if len(body) <= maxLen {
		return body
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut]
}
