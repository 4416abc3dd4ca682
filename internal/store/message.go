package store

import "github.com/amora-app/amora-go/internal/api"

// UpsertMessage inserts or updates a message row from its API record
// (idempotent on id). Status only moves forward; a stale row update cannot
// regress a read message to delivered.
func (db *DB) UpsertMessage(m *api.Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, content, message_type, status, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			status = CASE
				WHEN excluded.status = 'read' THEN 'read'
				WHEN excluded.status = 'delivered' AND messages.status != 'read' THEN 'delivered'
				WHEN messages.status IN ('read', 'delivered') THEN messages.status
				ELSE excluded.status
			END,
			is_read = messages.is_read OR excluded.is_read`,
		m.ID, m.ConversationID, m.SenderID, m.Content, string(m.MessageType), string(m.Status), m.IsRead, m.CreatedAt.UnixMilli())
	return err
}

// DeleteMessage removes a message row.
func (db *DB) DeleteMessage(messageID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, messageID)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by creation time, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = int64(1)<<62 - 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, content, message_type, status, is_read, created_at
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.MessageType, &m.Status, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
