package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
)

// Upload is an attachment to include in a message send.
type Upload struct {
	Name   string
	Reader io.Reader
}

// SendMessageRequest is the payload for a durable message write. A request
// with neither content nor attachments is invalid.
type SendMessageRequest struct {
	Content     string
	MessageType MessageType
	Attachments []Upload
}

// Conversations lists the current user's conversations.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	_, err := c.doJSON(ctx, http.MethodGet, "/chat/conversations", nil, nil, &convs)
	return convs, err
}

// ConversationWith gets or creates the direct conversation with another user.
func (c *Client) ConversationWith(ctx context.Context, otherUserID string) (*Conversation, error) {
	var conv Conversation
	_, err := c.doJSON(ctx, http.MethodGet, "/chat/conversations/"+otherUserID, nil, nil, &conv)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// Conversation fetches a conversation by its own identifier.
func (c *Client) Conversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var conv Conversation
	_, err := c.doJSON(ctx, http.MethodGet, "/chat/conversations/id/"+conversationID, nil, nil, &conv)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// Messages fetches one page of a conversation's history. The server returns
// newest-first pages; ordering for display is the synchronizer's concern.
func (c *Client) Messages(ctx context.Context, conversationID string, page, limit int) ([]Message, *Pagination, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var msgs []Message
	pg, err := c.doJSON(ctx, http.MethodGet, "/chat/conversations/"+conversationID+"/messages", q, nil, &msgs)
	if err != nil {
		return nil, nil, err
	}
	return msgs, pg, nil
}

// SendMessage performs the durable multipart write for a message.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendMessageRequest) (*Message, error) {
	if req.Content == "" && len(req.Attachments) == 0 {
		return nil, &ValidationError{Reason: "message requires content or attachments"}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if req.Content != "" {
		if err := w.WriteField("content", req.Content); err != nil {
			return nil, fmt.Errorf("write content field: %w", err)
		}
	}
	if req.MessageType != "" {
		if err := w.WriteField("messageType", string(req.MessageType)); err != nil {
			return nil, fmt.Errorf("write messageType field: %w", err)
		}
	}
	for _, att := range req.Attachments {
		part, err := w.CreateFormFile("attachments", att.Name)
		if err != nil {
			return nil, fmt.Errorf("create attachment part: %w", err)
		}
		if _, err := io.Copy(part, att.Reader); err != nil {
			return nil, fmt.Errorf("copy attachment %q: %w", att.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize multipart body: %w", err)
	}

	var msg Message
	_, err := c.do(ctx, http.MethodPost, "/chat/conversations/"+conversationID+"/messages", nil, &buf, w.FormDataContentType(), &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkMessageRead records the read receipt durably.
func (c *Client) MarkMessageRead(ctx context.Context, messageID string) error {
	_, err := c.doJSON(ctx, http.MethodPut, "/chat/messages/"+messageID+"/read", nil, nil, nil)
	return err
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.doJSON(ctx, http.MethodDelete, "/chat/messages/"+messageID, nil, nil, nil)
	return err
}

// Me returns the authenticated user's own profile.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var user User
	_, err := c.doJSON(ctx, http.MethodGet, "/user/me", nil, nil, &user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// OnlineUsers returns the presence snapshot.
func (c *Client) OnlineUsers(ctx context.Context) ([]User, error) {
	var users []User
	_, err := c.doJSON(ctx, http.MethodGet, "/chat/online-users", nil, nil, &users)
	return users, err
}

// Users returns one page of the user directory.
func (c *Client) Users(ctx context.Context, page, limit int, search string) ([]User, *Pagination, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if search != "" {
		q.Set("search", search)
	}
	var users []User
	pg, err := c.doJSON(ctx, http.MethodGet, "/user/list", q, nil, &users)
	if err != nil {
		return nil, nil, err
	}
	return users, pg, nil
}
