package api

import "time"

// MessageType classifies message content.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
	MessageAudio MessageType = "audio"
	MessageVideo MessageType = "video"
)

// MessageStatus is the client-visible delivery state of a message.
// The ordering pending < sent < delivered < read is enforced by the chat
// synchronizer; the server never sends a status the client moves backward to.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// CallType classifies a call's media.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// CallStatus is the server-side lifecycle state of a call record.
type CallStatus string

const (
	CallPending  CallStatus = "pending"
	CallAccepted CallStatus = "accepted"
	CallRejected CallStatus = "rejected"
	CallEnded    CallStatus = "ended"
	CallMissed   CallStatus = "missed"
)

// User is a directory entry. Profile fields beyond identity and presence are
// carried for display only.
type User struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	RealName       string    `json:"realName,omitempty"`
	Username       string    `json:"username,omitempty"`
	ProfilePicture string    `json:"profilePicture,omitempty"`
	Occupation     string    `json:"occupation,omitempty"`
	Country        string    `json:"country,omitempty"`
	IsOnline       bool      `json:"isOnline,omitempty"`
	CreatedAt      time.Time `json:"createdAt,omitempty"`
}

// Attachment is file metadata attached to a message. The file itself lives
// behind FileURL; the client never stores attachment bytes.
type Attachment struct {
	ID           string `json:"id"`
	OriginalName string `json:"original_name"`
	FileType     string `json:"file_type"`
	Size         int64  `json:"size"`
	FileURL      string `json:"file_url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// Message is a chat message. ID is server-assigned and empty until the send
// is acknowledged; TempMessageID is client-generated and retained after
// acknowledgement only so late duplicate acks can be matched.
type Message struct {
	ID             string        `json:"id,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content,omitempty"`
	MessageType    MessageType   `json:"messageType"`
	Status         MessageStatus `json:"status"`
	IsRead         bool          `json:"isRead"`
	TempMessageID  string        `json:"tempMessageId,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	Sender         *User         `json:"sender,omitempty"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
}

// Conversation is a chat thread, owned by the server and cached client-side.
type Conversation struct {
	ID               string     `json:"id"`
	Type             string     `json:"type,omitempty"` // direct or group
	OtherParticipant *User      `json:"otherParticipant,omitempty"`
	LastMessage      *Message   `json:"lastMessage,omitempty"`
	LastMessageAt    *time.Time `json:"lastMessageAt,omitempty"`
	IsActive         bool       `json:"isActive"`
	CreatedAt        time.Time  `json:"createdAt,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt,omitempty"`
}

// Call is a call record as the server sees it.
type Call struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"callerId"`
	ReceiverID string     `json:"receiverId"`
	Type       CallType   `json:"type"`
	Status     CallStatus `json:"status"`
	StartTime  *time.Time `json:"startTime,omitempty"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	Duration   int        `json:"duration,omitempty"` // seconds
	Caller     *User      `json:"caller,omitempty"`
	Receiver   *User      `json:"receiver,omitempty"`
}

// Pagination is the server's page metadata.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages,omitempty"`
}
