package store

// Conversation is a cached conversation row. Timestamps are unix millis.
type Conversation struct {
	ID            string
	OtherUserID   string
	OtherUserName string
	LastMessage   string
	LastMessageAt int64
	IsActive      bool
}

// Message is a cached message row. Only acknowledged messages are cached;
// pending sends live in the synchronizer until confirmed.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	MessageType    string
	Status         string
	IsRead         bool
	CreatedAt      int64
}

// CallRecord is a cached call history row.
type CallRecord struct {
	ID         string
	CallerID   string
	ReceiverID string
	CallType   string
	Status     string
	StartTime  int64
	EndTime    int64
	Duration   int
}
