package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amora-app/amora-go/internal/api"
	"github.com/amora-app/amora-go/internal/bus"
	"github.com/amora-app/amora-go/internal/socket"
	"go.uber.org/zap"
)

// Emitter is the outbound half of the socket channel.
type Emitter interface {
	Emit(event string, payload any)
}

// Cache persists chat state for warm starts. A nil Cache disables
// write-through.
type Cache interface {
	UpsertConversation(conv *api.Conversation) error
	UpsertMessage(msg *api.Message) error
	DeleteMessage(messageID string) error
}

// SendFailure is published on the bus when the durable write behind an
// optimistic send fails and the message has been rolled back.
type SendFailure struct {
	ConversationID string
	TempMessageID  string
	Err            error
}

type outboundMessage struct {
	ConversationID string          `json:"conversationId"`
	Content        string          `json:"content"`
	MessageType    api.MessageType `json:"messageType"`
	TempMessageID  string          `json:"tempMessageId"`
}

type messageRef struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// newMessagePush is the envelope the server wraps pushed messages in.
type newMessagePush struct {
	ConversationID string       `json:"conversationId"`
	Message        *api.Message `json:"message"`
}

// sentAck is the socket-side confirmation of an optimistic send. It carries
// ids only; the optimistic content and timestamp stand.
type sentAck struct {
	TempMessageID string `json:"tempMessageId"`
	MessageID     string `json:"messageId"`
}

// conversationState holds one conversation's ordered message list plus the
// lookup indexes reconciliation needs.
type conversationState struct {
	order  []*api.Message
	byID   map[string]*api.Message
	byTemp map[string]*api.Message
}

func newConversationState() *conversationState {
	return &conversationState{
		byID:   make(map[string]*api.Message),
		byTemp: make(map[string]*api.Message),
	}
}

// Synchronizer keeps per-conversation message lists consistent across
// optimistic local sends, socket pushes, and REST confirmations. Sends appear
// immediately under a temporary id; whichever of the socket ack or the API
// response arrives first claims the temp id, and the loser is a no-op.
type Synchronizer struct {
	api    *api.Client
	sock   Emitter
	bus    *bus.Bus
	cache  Cache
	logger *zap.Logger
	userID string

	tempSeq atomic.Int64

	mu    sync.Mutex
	convs map[string]*conversationState
	meta  map[string]*api.Conversation

	sub    *bus.Subscription
	cancel context.CancelFunc
}

// NewSynchronizer creates a synchronizer for the given session user.
func NewSynchronizer(client *api.Client, sock Emitter, b *bus.Bus, cache Cache, userID string, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{
		api:    client,
		sock:   sock,
		bus:    b,
		cache:  cache,
		logger: logger,
		userID: userID,
		convs:  make(map[string]*conversationState),
		meta:   make(map[string]*api.Conversation),
	}
}

// Start subscribes to inbound socket events and dispatches them until Stop.
func (s *Synchronizer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.sub = s.bus.Subscribe(socket.Namespace, 64)
	go s.dispatch(ctx)
}

// Stop detaches from the socket stream.
func (s *Synchronizer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.sub != nil {
		s.sub.Close()
	}
}

func (s *Synchronizer) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.sub.C:
			raw, ok := ev.Payload.(json.RawMessage)
			if !ok {
				continue
			}
			s.HandleSocketEvent(ev.Kind, raw)
		}
	}
}

// HandleSocketEvent applies one inbound socket event to local state.
func (s *Synchronizer) HandleSocketEvent(kind string, raw json.RawMessage) {
	switch kind {
	case "socket.new_message":
		var push newMessagePush
		if err := json.Unmarshal(raw, &push); err != nil || push.Message == nil {
			s.logger.Warn("bad new_message payload", zap.Error(err))
			return
		}
		if push.Message.ConversationID == "" {
			push.Message.ConversationID = push.ConversationID
		}
		s.handleNewMessage(push.Message)
	case "socket.message_sent":
		var ack sentAck
		if err := json.Unmarshal(raw, &ack); err != nil || ack.TempMessageID == "" || ack.MessageID == "" {
			s.logger.Warn("bad message_sent payload", zap.Error(err))
			return
		}
		s.confirmSent(ack.TempMessageID, ack.MessageID)
	case "socket.message_delivered":
		s.handleStatus(raw, api.StatusDelivered)
	case "socket.message_read":
		s.handleStatus(raw, api.StatusRead)
	}
}

// Send appends the message locally under a temporary id and returns it
// immediately; the durable write runs in the background. An empty content is
// rejected synchronously. On API failure the optimistic message is removed
// and a SendFailure is published.
func (s *Synchronizer) Send(ctx context.Context, conversationID, content string, msgType api.MessageType) (*api.Message, error) {
	if content == "" {
		return nil, &api.ValidationError{Reason: "message content is empty"}
	}
	if msgType == "" {
		msgType = api.MessageText
	}

	tempID := fmt.Sprintf("temp_%d", s.tempSeq.Add(1))
	pending := &api.Message{
		ID:             tempID,
		ConversationID: conversationID,
		SenderID:       s.userID,
		Content:        content,
		MessageType:    msgType,
		Status:         api.StatusPending,
		TempMessageID:  tempID,
		CreatedAt:      time.Now(),
	}

	s.mu.Lock()
	st := s.conv(conversationID)
	st.order = append(st.order, pending)
	st.byTemp[tempID] = pending
	snapshot := *pending
	s.mu.Unlock()

	s.publishUpsert(&snapshot)
	s.sock.Emit("message_sent", outboundMessage{
		ConversationID: conversationID,
		Content:        content,
		MessageType:    msgType,
		TempMessageID:  tempID,
	})

	// The durable write outlives the caller's context; a canceled UI action
	// must not roll back a message the user already sees.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		msg, err := s.api.SendMessage(ctx, conversationID, api.SendMessageRequest{
			Content:     content,
			MessageType: msgType,
		})
		if err != nil {
			s.rollback(conversationID, tempID, err)
			return
		}
		msg.TempMessageID = tempID
		s.reconcile(tempID, msg)
	}()

	return &snapshot, nil
}

// SendAttachments performs a non-optimistic send with file uploads and
// appends the confirmed message on success.
func (s *Synchronizer) SendAttachments(ctx context.Context, conversationID, content string, msgType api.MessageType, uploads []api.Upload) (*api.Message, error) {
	msg, err := s.api.SendMessage(ctx, conversationID, api.SendMessageRequest{
		Content:     content,
		MessageType: msgType,
		Attachments: uploads,
	})
	if err != nil {
		return nil, err
	}
	s.upsert(msg)
	return msg, nil
}

// LoadHistory fetches one page of history and merges it under the pending
// messages already in memory. Pages arrive newest-first from the server and
// are stored oldest-first.
func (s *Synchronizer) LoadHistory(ctx context.Context, conversationID string, page, limit int) (*api.Pagination, error) {
	msgs, pg, err := s.api.Messages(ctx, conversationID, page, limit)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	st := s.conv(conversationID)

	var older []*api.Message
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if existing, ok := st.byID[m.ID]; ok {
			applyStatus(existing, m.Status)
			continue
		}
		cp := m
		st.byID[cp.ID] = &cp
		if page > 1 {
			older = append(older, &cp)
		} else {
			// Unseen messages land before any unconfirmed local sends.
			st.order = insertBeforePending(st.order, &cp)
		}
	}
	if len(older) > 0 {
		// Pages beyond the first hold strictly older history.
		st.order = append(older, st.order...)
	}
	s.mu.Unlock()

	s.bus.Publish(bus.Event{Kind: "chat.history_loaded", Timestamp: time.Now(), Payload: conversationID})
	return pg, nil
}

// Messages returns a copy of the conversation's current ordered list.
func (s *Synchronizer) Messages(conversationID string) []api.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]api.Message, len(st.order))
	for i, m := range st.order {
		out[i] = *m
	}
	return out
}

// MarkRead records a read receipt for a peer's message, both durably and
// over the socket.
func (s *Synchronizer) MarkRead(ctx context.Context, messageID string) error {
	s.sock.Emit("message_read", messageRef{MessageID: messageID})
	return s.api.MarkMessageRead(ctx, messageID)
}

// Delete removes a message durably and from local state.
func (s *Synchronizer) Delete(ctx context.Context, conversationID, messageID string) error {
	if err := s.api.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	s.remove(conversationID, messageID)
	if s.cache != nil {
		if err := s.cache.DeleteMessage(messageID); err != nil {
			s.logger.Warn("cache delete failed", zap.String("message_id", messageID), zap.Error(err))
		}
	}
	s.bus.Publish(bus.Event{Kind: "chat.message_removed", Timestamp: time.Now(), Payload: messageID})
	return nil
}

// handleNewMessage applies a pushed message. Pushes that echo the session
// user's own sends never create a second entry: with a temp id they
// reconcile, without one they are dropped.
func (s *Synchronizer) handleNewMessage(msg *api.Message) {
	if msg.SenderID == s.userID {
		if msg.TempMessageID != "" {
			s.reconcile(msg.TempMessageID, msg)
		}
		return
	}

	s.upsert(msg)

	// The push reached us, so acknowledge delivery and, since this client
	// surfaces messages as they arrive, the read as well.
	s.sock.Emit("message_delivered", messageRef{MessageID: msg.ID, ConversationID: msg.ConversationID})
	s.sock.Emit("message_read", messageRef{MessageID: msg.ID, ConversationID: msg.ConversationID})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.api.MarkMessageRead(ctx, msg.ID); err != nil {
			s.logger.Warn("mark read failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}()
}

// reconcile resolves a pending send against its confirmation. The first
// confirmation to arrive wins; once the temp id has been claimed, later
// confirmations for it do nothing.
func (s *Synchronizer) reconcile(tempID string, confirmed *api.Message) {
	s.mu.Lock()
	st := s.conv(confirmed.ConversationID)
	pending, ok := st.byTemp[tempID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(st.byTemp, tempID)

	pending.ID = confirmed.ID
	pending.Content = confirmed.Content
	pending.MessageType = confirmed.MessageType
	pending.CreatedAt = confirmed.CreatedAt
	pending.Sender = confirmed.Sender
	pending.Attachments = confirmed.Attachments
	applyStatus(pending, api.StatusSent)
	applyStatus(pending, confirmed.Status)
	st.byID[pending.ID] = pending
	snapshot := *pending
	s.mu.Unlock()

	s.publishUpsert(&snapshot)
}

// confirmSent claims a pending send with the id the server assigned to it.
// The socket ack names no conversation, so the temp id is looked up across
// all of them.
func (s *Synchronizer) confirmSent(tempID, messageID string) {
	s.mu.Lock()
	var pending *api.Message
	var st *conversationState
	for _, candidate := range s.convs {
		if m, ok := candidate.byTemp[tempID]; ok {
			pending, st = m, candidate
			break
		}
	}
	if pending == nil {
		s.mu.Unlock()
		return
	}
	delete(st.byTemp, tempID)

	pending.ID = messageID
	applyStatus(pending, api.StatusSent)
	st.byID[messageID] = pending
	snapshot := *pending
	s.mu.Unlock()

	s.publishUpsert(&snapshot)
}

// rollback removes an optimistic message whose durable write failed.
func (s *Synchronizer) rollback(conversationID, tempID string, cause error) {
	s.mu.Lock()
	st := s.conv(conversationID)
	pending, ok := st.byTemp[tempID]
	if ok {
		delete(st.byTemp, tempID)
		st.order = removeMessage(st.order, pending)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.logger.Warn("send failed, rolling back",
		zap.String("conversation_id", conversationID),
		zap.String("temp_id", tempID),
		zap.Error(cause))
	s.bus.Publish(bus.Event{
		Kind:      "chat.message_send_failed",
		Timestamp: time.Now(),
		Payload:   SendFailure{ConversationID: conversationID, TempMessageID: tempID, Err: cause},
	})
}

func (s *Synchronizer) handleStatus(raw json.RawMessage, status api.MessageStatus) {
	var ref messageRef
	if err := json.Unmarshal(raw, &ref); err != nil || ref.MessageID == "" {
		return
	}

	s.mu.Lock()
	var target *api.Message
	if ref.ConversationID != "" {
		if st, ok := s.convs[ref.ConversationID]; ok {
			target = st.byID[ref.MessageID]
		}
	} else {
		for _, st := range s.convs {
			if m, ok := st.byID[ref.MessageID]; ok {
				target = m
				break
			}
		}
	}
	if target == nil || !applyStatus(target, status) {
		s.mu.Unlock()
		return
	}
	snapshot := *target
	s.mu.Unlock()

	s.publishUpsert(&snapshot)
}

// upsert inserts or refreshes a confirmed message keyed by its server id.
func (s *Synchronizer) upsert(msg *api.Message) {
	s.mu.Lock()
	st := s.conv(msg.ConversationID)
	if existing, ok := st.byID[msg.ID]; ok {
		applyStatus(existing, msg.Status)
		snapshot := *existing
		s.mu.Unlock()
		s.publishUpsert(&snapshot)
		return
	}
	cp := *msg
	st.byID[cp.ID] = &cp
	st.order = append(st.order, &cp)
	snapshot := cp
	s.mu.Unlock()

	s.publishUpsert(&snapshot)
}

func (s *Synchronizer) remove(conversationID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.convs[conversationID]
	if !ok {
		return
	}
	m, ok := st.byID[messageID]
	if !ok {
		return
	}
	delete(st.byID, messageID)
	st.order = removeMessage(st.order, m)
}

func (s *Synchronizer) publishUpsert(msg *api.Message) {
	if msg.Status != api.StatusPending {
		if s.cache != nil {
			if err := s.cache.UpsertMessage(msg); err != nil {
				s.logger.Warn("cache upsert failed", zap.String("message_id", msg.ID), zap.Error(err))
			}
		}
		s.touchPreview(msg)
	}
	s.bus.Publish(bus.Event{Kind: "chat.message_upserted", Timestamp: time.Now(), Payload: *msg})
}

// conv returns the state for a conversation, creating it on first use.
// Callers hold s.mu.
func (s *Synchronizer) conv(conversationID string) *conversationState {
	st, ok := s.convs[conversationID]
	if !ok {
		st = newConversationState()
		s.convs[conversationID] = st
	}
	return st
}

var statusRank = map[api.MessageStatus]int{
	api.StatusPending:   0,
	api.StatusSent:      1,
	api.StatusDelivered: 2,
	api.StatusRead:      3,
}

// applyStatus advances a message's status, never regressing it. Reports
// whether the status changed.
func applyStatus(msg *api.Message, status api.MessageStatus) bool {
	if statusRank[status] <= statusRank[msg.Status] {
		return false
	}
	msg.Status = status
	if status == api.StatusRead {
		msg.IsRead = true
	}
	return true
}

func removeMessage(order []*api.Message, target *api.Message) []*api.Message {
	for i, m := range order {
		if m == target {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

// insertBeforePending places a confirmed message ahead of the trailing run
// of unconfirmed sends so optimistic messages stay at the bottom.
func insertBeforePending(order []*api.Message, msg *api.Message) []*api.Message {
	i := len(order)
	for i > 0 && order[i-1].Status == api.StatusPending {
		i--
	}
	order = append(order, nil)
	copy(order[i+1:], order[i:])
	order[i] = msg
	return order
}
