package store

import (
	"time"

	"github.com/amora-app/amora-go/internal/api"
)

// UpsertConversation inserts or updates a conversation row from its API
// record (idempotent on id).
func (db *DB) UpsertConversation(conv *api.Conversation) error {
	var otherID, otherName string
	if conv.OtherParticipant != nil {
		otherID = conv.OtherParticipant.ID
		otherName = conv.OtherParticipant.Name
	}
	var preview string
	if conv.LastMessage != nil {
		preview = conv.LastMessage.Content
	}
	var lastAt int64
	if conv.LastMessageAt != nil {
		lastAt = conv.LastMessageAt.UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO conversations (id, other_user_id, other_user_name, last_message, last_message_at, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			other_user_name = excluded.other_user_name,
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		conv.ID, otherID, otherName, preview, lastAt, conv.IsActive, time.Now().UnixMilli())
	return err
}

// ListConversations returns cached conversations, most recent activity first.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT id, other_user_id, other_user_name, last_message, last_message_at, is_active
		FROM conversations
		ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.OtherUserID, &c.OtherUserName, &c.LastMessage, &c.LastMessageAt, &c.IsActive); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
