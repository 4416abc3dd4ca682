package presence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/amora-app/amora-go/internal/api"
	"github.com/amora-app/amora-go/internal/bus"
	"github.com/amora-app/amora-go/internal/socket"
	"go.uber.org/zap"
)

// Change is published on the bus whenever a user's online state flips.
type Change struct {
	UserID string
	Online bool
}

type statusPush struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// Tracker maintains the set of currently online users from an initial REST
// snapshot plus incremental socket pushes. Pushes that restate the current
// state are absorbed silently.
type Tracker struct {
	api    *api.Client
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	online map[string]struct{}

	sub    *bus.Subscription
	cancel context.CancelFunc
}

// NewTracker creates an empty tracker.
func NewTracker(client *api.Client, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		api:    client,
		bus:    b,
		logger: logger,
		online: make(map[string]struct{}),
	}
}

// Start loads the snapshot and follows status pushes until Stop. The
// snapshot is also refreshed on every reconnect, since pushes missed while
// offline are gone.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.sub = t.bus.Subscribe("", 64)
	go t.run(ctx)
}

// Stop detaches from the socket stream.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.sub != nil {
		t.sub.Close()
	}
}

func (t *Tracker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.sub.C:
			switch ev.Kind {
			case "channel.connected":
				t.refresh(ctx)
			case socket.Namespace + "user_status_changed":
				raw, ok := ev.Payload.(json.RawMessage)
				if !ok {
					continue
				}
				var push statusPush
				if err := json.Unmarshal(raw, &push); err != nil || push.UserID == "" {
					t.logger.Warn("bad user_status_changed payload", zap.Error(err))
					continue
				}
				t.Set(push.UserID, push.IsOnline)
			}
		}
	}
}

func (t *Tracker) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	users, err := t.api.OnlineUsers(ctx)
	if err != nil {
		t.logger.Warn("presence snapshot failed", zap.Error(err))
		return
	}
	t.Replace(users)
}

// Set records one user's online state. Redundant sets are no-ops and do not
// publish.
func (t *Tracker) Set(userID string, online bool) {
	t.mu.Lock()
	_, was := t.online[userID]
	if was == online {
		t.mu.Unlock()
		return
	}
	if online {
		t.online[userID] = struct{}{}
	} else {
		delete(t.online, userID)
	}
	t.mu.Unlock()

	t.bus.Publish(bus.Event{
		Kind:      "presence.changed",
		Timestamp: time.Now(),
		Payload:   Change{UserID: userID, Online: online},
	})
}

// Replace swaps in a full snapshot, publishing a change per user that
// actually flipped.
func (t *Tracker) Replace(users []api.User) {
	next := make(map[string]struct{}, len(users))
	for _, u := range users {
		next[u.ID] = struct{}{}
	}

	t.mu.Lock()
	var changes []Change
	for id := range t.online {
		if _, ok := next[id]; !ok {
			changes = append(changes, Change{UserID: id, Online: false})
		}
	}
	for id := range next {
		if _, ok := t.online[id]; !ok {
			changes = append(changes, Change{UserID: id, Online: true})
		}
	}
	t.online = next
	t.mu.Unlock()

	for _, ch := range changes {
		t.bus.Publish(bus.Event{Kind: "presence.changed", Timestamp: time.Now(), Payload: ch})
	}
}

// IsOnline reports whether the user is currently online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

// Online returns the sorted ids of all online users.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
