package chat

import (
	"context"
	"time"

	"github.com/amora-app/amora-go/internal/api"
	"github.com/amora-app/amora-go/internal/bus"
	"go.uber.org/zap"
)

// Conversations refreshes the conversation list from the API and writes it
// through the cache.
func (s *Synchronizer) Conversations(ctx context.Context) ([]api.Conversation, error) {
	convs, err := s.api.Conversations(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	for i := range convs {
		cp := convs[i]
		s.meta[cp.ID] = &cp
	}
	s.mu.Unlock()

	if s.cache != nil {
		for i := range convs {
			if err := s.cache.UpsertConversation(&convs[i]); err != nil {
				s.logger.Warn("cache conversation upsert failed", zap.String("conversation_id", convs[i].ID), zap.Error(err))
			}
		}
	}
	return convs, nil
}

// ConversationWith returns the direct conversation with another user,
// creating it server-side on first contact.
func (s *Synchronizer) ConversationWith(ctx context.Context, otherUserID string) (*api.Conversation, error) {
	conv, err := s.api.ConversationWith(ctx, otherUserID)
	if err != nil {
		return nil, err
	}
	s.rememberConversation(conv)
	return conv, nil
}

// Conversation returns a conversation by id, serving from memory when the
// record is already known.
func (s *Synchronizer) Conversation(ctx context.Context, conversationID string) (*api.Conversation, error) {
	s.mu.Lock()
	if conv, ok := s.meta[conversationID]; ok {
		cp := *conv
		s.mu.Unlock()
		return &cp, nil
	}
	s.mu.Unlock()

	conv, err := s.api.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.rememberConversation(conv)
	return conv, nil
}

func (s *Synchronizer) rememberConversation(conv *api.Conversation) {
	s.mu.Lock()
	cp := *conv
	s.meta[cp.ID] = &cp
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.UpsertConversation(conv); err != nil {
			s.logger.Warn("cache conversation upsert failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}
}

// touchPreview refreshes a conversation's last-message preview when a newer
// confirmed message lands in it.
func (s *Synchronizer) touchPreview(msg *api.Message) {
	s.mu.Lock()
	conv, ok := s.meta[msg.ConversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if conv.LastMessageAt != nil && msg.CreatedAt.Before(*conv.LastMessageAt) {
		s.mu.Unlock()
		return
	}
	cp := *msg
	at := cp.CreatedAt
	conv.LastMessage = &cp
	conv.LastMessageAt = &at
	snapshot := *conv
	s.mu.Unlock()

	s.bus.Publish(bus.Event{Kind: "chat.conversation_updated", Timestamp: time.Now(), Payload: snapshot})
}
