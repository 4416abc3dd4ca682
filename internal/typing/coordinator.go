package typing

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/amora-app/amora-go/internal/bus"
	"github.com/amora-app/amora-go/internal/socket"
	"go.uber.org/zap"
)

// Emitter is the outbound half of the socket channel.
type Emitter interface {
	Emit(event string, payload any)
}

// Change is published on the bus when a peer starts or stops typing.
type Change struct {
	ConversationID string
	UserID         string
	Typing         bool
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

type key struct {
	conversationID string
	userID         string
}

// Coordinator relays the session user's typing activity to the server and
// tracks which peers are typing per conversation. Outbound notifications are
// stateless emits; inbound state is advisory and carries no durability.
type Coordinator struct {
	sock   Emitter
	bus    *bus.Bus
	logger *zap.Logger
	userID string

	// Entries older than expiry are swept, so a missed stop push cannot
	// pin a peer as typing forever. Zero disables sweeping.
	expiry time.Duration

	mu     sync.Mutex
	active map[key]time.Time

	sub    *bus.Subscription
	cancel context.CancelFunc
}

// NewCoordinator creates a coordinator for the given session user.
func NewCoordinator(sock Emitter, b *bus.Bus, userID string, expiry time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		sock:   sock,
		bus:    b,
		logger: logger,
		userID: userID,
		expiry: expiry,
		active: make(map[key]time.Time),
	}
}

// Start follows typing pushes until Stop.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.sub = c.bus.Subscribe(socket.Namespace, 64)
	go c.run(ctx)
}

// Stop detaches from the socket stream.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.sub != nil {
		c.sub.Close()
	}
}

// NotifyTyping tells the conversation's peer that the session user is
// typing. Fire-and-forget; callers invoke it freely on input activity.
func (c *Coordinator) NotifyTyping(conversationID string) {
	c.sock.Emit("user_typing", typingPayload{ConversationID: conversationID})
}

// NotifyStopTyping tells the peer that typing stopped.
func (c *Coordinator) NotifyStopTyping(conversationID string) {
	c.sock.Emit("user_stopped_typing", typingPayload{ConversationID: conversationID})
}

func (c *Coordinator) run(ctx context.Context) {
	var sweep <-chan time.Time
	if c.expiry > 0 {
		ticker := time.NewTicker(c.expiry / 2)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep:
			c.sweepExpired()
		case ev := <-c.sub.C:
			switch ev.Kind {
			case socket.Namespace + "user_typing":
				c.apply(ev.Payload, true)
			case socket.Namespace + "user_stopped_typing":
				c.apply(ev.Payload, false)
			}
		}
	}
}

func (c *Coordinator) apply(payload any, typing bool) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		return
	}
	var p typingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" || p.UserID == "" {
		c.logger.Warn("bad typing payload", zap.Error(err))
		return
	}
	// The session user's own activity is not peer state.
	if p.UserID == c.userID {
		return
	}
	c.set(p.ConversationID, p.UserID, typing)
}

// set records a peer's typing state. Redundant updates do not publish, so a
// stop push for a peer that was never typing is absorbed.
func (c *Coordinator) set(conversationID, userID string, typing bool) {
	k := key{conversationID: conversationID, userID: userID}

	c.mu.Lock()
	_, was := c.active[k]
	if was == typing {
		if typing {
			c.active[k] = time.Now()
		}
		c.mu.Unlock()
		return
	}
	if typing {
		c.active[k] = time.Now()
	} else {
		delete(c.active, k)
	}
	c.mu.Unlock()

	c.bus.Publish(bus.Event{
		Kind:      "typing.changed",
		Timestamp: time.Now(),
		Payload:   Change{ConversationID: conversationID, UserID: userID, Typing: typing},
	})
}

func (c *Coordinator) sweepExpired() {
	cutoff := time.Now().Add(-c.expiry)

	c.mu.Lock()
	var expired []key
	for k, at := range c.active {
		if at.Before(cutoff) {
			expired = append(expired, k)
			delete(c.active, k)
		}
	}
	c.mu.Unlock()

	for _, k := range expired {
		c.bus.Publish(bus.Event{
			Kind:      "typing.changed",
			Timestamp: time.Now(),
			Payload:   Change{ConversationID: k.conversationID, UserID: k.userID, Typing: false},
		})
	}
}

// Typing returns the sorted ids of peers currently typing in a conversation.
func (c *Coordinator) Typing(conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for k := range c.active {
		if k.conversationID == conversationID {
			out = append(out, k.userID)
		}
	}
	sort.Strings(out)
	return out
}
