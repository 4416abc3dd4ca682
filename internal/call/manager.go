package call

import (
	"context"
	"encoding/json"
	"sync"
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

// Cache persists finished call records for warm starts. A nil Cache disables
// write-through.
type Cache interface {
	UpsertCall(call *api.Call) error
}

// State is a call's lifecycle phase.
type State string

const (
	StateIdle       State = "idle"
	StatePending    State = "pending"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnded      State = "ended"
)

// Role distinguishes which side of the call this client is.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

var transitions = map[State][]State{
	StateIdle:       {StatePending},
	StatePending:    {StateConnecting, StateEnded},
	StateConnecting: {StateActive, StateEnded},
	StateActive:     {StateEnded},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateChange is published on the bus at every lifecycle transition.
type StateChange struct {
	CallID string
	State  State
	Role   Role
	Reason string
	Call   *api.Call
}

type offerPayload struct {
	CallID       string             `json:"callId"`
	Offer        SessionDescription `json:"offer"`
	TargetUserID string             `json:"targetUserId,omitempty"`
}

type answerPayload struct {
	CallID       string             `json:"callId"`
	Answer       SessionDescription `json:"answer"`
	TargetUserID string             `json:"targetUserId,omitempty"`
}

type icePayload struct {
	CallID       string       `json:"callId"`
	Candidate    ICECandidate `json:"candidate"`
	TargetUserID string       `json:"targetUserId,omitempty"`
}

type callRef struct {
	CallID string    `json:"callId"`
	Call   *api.Call `json:"call,omitempty"`
}

// activeCall is the mutable state of the single in-flight call.
type activeCall struct {
	record *api.Call
	role   Role
	state  State

	pc     PeerConnection
	stream MediaStream

	// Candidates arriving before the remote description are buffered and
	// flushed in arrival order once it lands.
	remoteSet  bool
	pendingICE []ICECandidate

	// An offer pushed before the user accepts waits here.
	remoteOffer *SessionDescription

	released  bool
	ringTimer *time.Timer
}

// Manager drives the call lifecycle: REST actions, socket signaling, media
// acquisition and peer negotiation. One call is in flight at a time, and
// teardown releases every resource exactly once no matter how the call ends.
type Manager struct {
	api     *api.Client
	sock    Emitter
	bus     *bus.Bus
	factory PeerFactory
	media   MediaSource
	cache   Cache
	logger  *zap.Logger
	userID  string

	// ringTimeout bounds how long a pending call rings. Zero disables it.
	ringTimeout time.Duration

	mu   sync.Mutex
	call *activeCall

	sub    *bus.Subscription
	cancel context.CancelFunc
}

// NewManager creates an idle call manager for the given session user.
func NewManager(client *api.Client, sock Emitter, b *bus.Bus, factory PeerFactory, media MediaSource, cache Cache, userID string, ringTimeout time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		api:         client,
		sock:        sock,
		bus:         b,
		factory:     factory,
		media:       media,
		cache:       cache,
		logger:      logger,
		userID:      userID,
		ringTimeout: ringTimeout,
	}
}

// Start follows call signaling pushes until Stop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.sub = m.bus.Subscribe(socket.Namespace, 64)
	go m.dispatch(ctx)
}

// Stop detaches from the socket stream and tears down any in-flight call.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.sub != nil {
		m.sub.Close()
	}
	m.mu.Lock()
	c := m.call
	m.mu.Unlock()
	if c != nil {
		m.teardown(c, "shutdown")
	}
}

func (m *Manager) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.sub.C:
			raw, ok := ev.Payload.(json.RawMessage)
			if !ok {
				continue
			}
			m.HandleSocketEvent(ev.Kind, raw)
		}
	}
}

// HandleSocketEvent applies one inbound signaling event.
func (m *Manager) HandleSocketEvent(kind string, raw json.RawMessage) {
	switch kind {
	case "socket.incoming_call":
		var record api.Call
		if err := json.Unmarshal(raw, &record); err != nil || record.ID == "" {
			m.logger.Warn("bad incoming_call payload", zap.Error(err))
			return
		}
		m.handleIncoming(&record)
	case "socket.call_accepted":
		var ref callRef
		if err := json.Unmarshal(raw, &ref); err != nil {
			return
		}
		m.handleAccepted(ref.CallID)
	case "socket.call_rejected":
		var ref callRef
		if err := json.Unmarshal(raw, &ref); err != nil {
			return
		}
		m.handleRemoteEnd(ref.CallID, "rejected", api.CallRejected)
	case "socket.call_ended":
		var ref callRef
		if err := json.Unmarshal(raw, &ref); err != nil {
			return
		}
		m.handleRemoteEnd(ref.CallID, "ended_by_peer", api.CallEnded)
	case "socket.offer":
		var p offerPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		m.handleOffer(p.CallID, p.Offer)
	case "socket.answer":
		var p answerPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		m.handleAnswer(p.CallID, p.Answer)
	case "socket.ice_candidate":
		var p icePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		m.handleICECandidate(p.CallID, p.Candidate)
	}
}

// State returns the current lifecycle state, idle when no call is in flight.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call == nil {
		return StateIdle
	}
	return m.call.state
}

// Current returns a copy of the in-flight call record, or nil.
func (m *Manager) Current() *api.Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call == nil {
		return nil
	}
	cp := *m.call.record
	return &cp
}

// Initiate starts an outgoing call. No media is captured yet; devices are
// only touched once the receiver accepts.
func (m *Manager) Initiate(ctx context.Context, receiverID string, callType api.CallType) (*api.Call, error) {
	m.mu.Lock()
	if m.call != nil {
		state := m.call.state
		m.mu.Unlock()
		return nil, &StateError{Op: "initiate", State: state}
	}
	m.mu.Unlock()

	record, err := m.api.InitiateCall(ctx, receiverID, callType)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.call != nil {
		state := m.call.state
		m.mu.Unlock()
		// Lost the race against an incoming call; abandon ours.
		go m.endRemote(record.ID)
		return nil, &StateError{Op: "initiate", State: state}
	}
	c := &activeCall{record: record, role: RoleCaller, state: StatePending}
	m.call = c
	m.armRingTimer(c)
	m.mu.Unlock()

	m.publish(c, "initiated")
	cp := *record
	return &cp, nil
}

func (m *Manager) handleIncoming(record *api.Call) {
	m.mu.Lock()
	if m.call != nil {
		m.mu.Unlock()
		m.logger.Info("busy, rejecting incoming call", zap.String("call_id", record.ID))
		go m.rejectRemote(record.ID)
		return
	}
	c := &activeCall{record: record, role: RoleReceiver, state: StatePending}
	m.call = c
	m.armRingTimer(c)
	m.mu.Unlock()

	m.publish(c, "incoming")
}

// Accept answers the ringing call: the call moves to connecting, then capture
// devices are acquired, the acceptance is made durable and negotiation begins.
// A media failure never leaves the call half-open.
func (m *Manager) Accept(ctx context.Context) error {
	m.mu.Lock()
	c := m.call
	if c == nil || c.role != RoleReceiver || c.state != StatePending {
		state := StateIdle
		if c != nil {
			state = c.state
		}
		m.mu.Unlock()
		return &StateError{Op: "accept", State: state}
	}
	callID := c.record.ID
	video := c.record.Type == api.CallVideo
	c.state = StateConnecting
	m.mu.Unlock()

	// Connecting is entered before devices are touched so observers see the
	// phase even when media is denied.
	m.publish(c, "accepted")

	stream, err := m.media.Acquire(ctx, video)
	if err != nil {
		m.failCall(c, "media_failed", err)
		return err
	}

	record, err := m.api.AcceptCall(ctx, callID)
	if err != nil {
		stream.Close()
		m.failCall(c, "accept_failed", err)
		return err
	}

	m.mu.Lock()
	if m.call != c || c.released || c.state != StateConnecting {
		m.mu.Unlock()
		stream.Close()
		return &StateError{Op: "accept", State: StateEnded}
	}
	c.record = record
	c.stream = stream
	if err := m.setupPeerLocked(c); err != nil {
		m.mu.Unlock()
		m.failCall(c, "negotiation_failed", err)
		return err
	}
	stashed := c.remoteOffer
	c.remoteOffer = nil
	m.mu.Unlock()

	if stashed != nil {
		if err := m.answer(ctx, c, *stashed); err != nil {
			m.failCall(c, "negotiation_failed", err)
			return err
		}
	}
	return nil
}

// Reject declines the ringing call. Local state is torn down even when the
// durable rejection fails.
func (m *Manager) Reject(ctx context.Context) error {
	m.mu.Lock()
	c := m.call
	if c == nil || c.role != RoleReceiver || c.state != StatePending {
		state := StateIdle
		if c != nil {
			state = c.state
		}
		m.mu.Unlock()
		return &StateError{Op: "reject", State: state}
	}
	callID := c.record.ID
	m.mu.Unlock()

	_, err := m.api.RejectCall(ctx, callID)
	if err != nil {
		m.logger.Warn("reject call failed", zap.String("call_id", callID), zap.Error(err))
	}
	m.teardown(c, "rejected")
	return err
}

// End hangs up from any live state. Safe to call repeatedly; only the first
// call acts.
func (m *Manager) End(ctx context.Context) error {
	m.mu.Lock()
	c := m.call
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	callID := c.record.ID

	_, err := m.api.EndCall(ctx, callID)
	if err != nil {
		m.logger.Warn("end call failed", zap.String("call_id", callID), zap.Error(err))
	}
	m.teardown(c, "ended")
	return err
}

// handleAccepted is the caller side learning the receiver picked up: move to
// connecting, acquire media, build the peer connection and send the offer.
func (m *Manager) handleAccepted(callID string) {
	m.mu.Lock()
	c := m.call
	if c == nil || c.record.ID != callID || c.role != RoleCaller || c.state != StatePending {
		m.mu.Unlock()
		return
	}
	video := c.record.Type == api.CallVideo
	peer := c.record.ReceiverID
	c.record.Status = api.CallAccepted
	c.state = StateConnecting
	m.mu.Unlock()

	m.publish(c, "peer_accepted")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stream, err := m.media.Acquire(ctx, video)
	if err != nil {
		m.failCall(c, "media_failed", err)
		return
	}

	m.mu.Lock()
	if m.call != c || c.released || c.state != StateConnecting {
		m.mu.Unlock()
		stream.Close()
		return
	}
	c.stream = stream
	if err := m.setupPeerLocked(c); err != nil {
		m.mu.Unlock()
		m.failCall(c, "negotiation_failed", err)
		return
	}
	pc := c.pc
	m.mu.Unlock()

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		m.failCall(c, "negotiation_failed", &NegotiationError{Stage: "create offer", Err: err})
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		m.failCall(c, "negotiation_failed", &NegotiationError{Stage: "set local description", Err: err})
		return
	}
	m.sock.Emit("offer", offerPayload{CallID: callID, Offer: offer, TargetUserID: peer})
}

// handleOffer is the receiver side getting the caller's SDP. Before the user
// accepts there is no peer connection yet, so the offer waits.
func (m *Manager) handleOffer(callID string, offer SessionDescription) {
	m.mu.Lock()
	c := m.call
	if c == nil || c.record.ID != callID || c.role != RoleReceiver {
		m.mu.Unlock()
		return
	}
	if c.pc == nil {
		c.remoteOffer = &offer
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.answer(ctx, c, offer); err != nil {
		m.failCall(c, "negotiation_failed", err)
	}
}

// answer completes the receiver's half of negotiation for a stashed or live
// offer and moves the call to active.
func (m *Manager) answer(ctx context.Context, c *activeCall, offer SessionDescription) error {
	m.mu.Lock()
	if m.call != c || c.released {
		m.mu.Unlock()
		return nil
	}
	pc := c.pc
	peer := c.record.CallerID
	callID := c.record.ID
	if err := pc.SetRemoteDescription(offer); err != nil {
		m.mu.Unlock()
		return &NegotiationError{Stage: "set remote description", Err: err}
	}
	m.markRemoteSetLocked(c)
	m.mu.Unlock()

	answer, err := pc.CreateAnswer(ctx)
	if err != nil {
		return &NegotiationError{Stage: "create answer", Err: err}
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return &NegotiationError{Stage: "set local description", Err: err}
	}
	m.sock.Emit("answer", answerPayload{CallID: callID, Answer: answer, TargetUserID: peer})

	m.toActive(c)
	return nil
}

// handleAnswer is the caller side getting the receiver's SDP back.
func (m *Manager) handleAnswer(callID string, answer SessionDescription) {
	m.mu.Lock()
	c := m.call
	if c == nil || c.record.ID != callID || c.role != RoleCaller || c.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	pc := c.pc
	if err := pc.SetRemoteDescription(answer); err != nil {
		m.mu.Unlock()
		m.failCall(c, "negotiation_failed", &NegotiationError{Stage: "set remote description", Err: err})
		return
	}
	m.markRemoteSetLocked(c)
	m.mu.Unlock()

	m.toActive(c)
}

// handleICECandidate buffers candidates until the remote description is set,
// then applies them directly.
func (m *Manager) handleICECandidate(callID string, cand ICECandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.call
	if c == nil || c.record.ID != callID || c.released {
		return
	}
	if !c.remoteSet {
		c.pendingICE = append(c.pendingICE, cand)
		return
	}
	if err := c.pc.AddICECandidate(cand); err != nil {
		m.logger.Warn("add ice candidate failed", zap.String("call_id", callID), zap.Error(err))
	}
}

func (m *Manager) handleRemoteEnd(callID, reason string, status api.CallStatus) {
	m.mu.Lock()
	c := m.call
	if c == nil || (callID != "" && c.record.ID != callID) {
		m.mu.Unlock()
		return
	}
	c.record.Status = status
	m.mu.Unlock()

	m.teardown(c, reason)
}

// setupPeerLocked builds the peer connection, wires its callbacks and
// attaches the local tracks. Callers hold m.mu.
func (m *Manager) setupPeerLocked(c *activeCall) error {
	pc, err := m.factory.NewPeerConnection()
	if err != nil {
		return &NegotiationError{Stage: "create peer connection", Err: err}
	}

	callID := c.record.ID
	peer := c.record.ReceiverID
	if c.role == RoleReceiver {
		peer = c.record.CallerID
	}
	pc.OnICECandidate(func(cand ICECandidate) {
		m.sock.Emit("ice_candidate", icePayload{CallID: callID, Candidate: cand, TargetUserID: peer})
	})
	pc.OnTrack(func(track RemoteTrack) {
		m.bus.Publish(bus.Event{
			Kind:      "call.remote_track",
			Timestamp: time.Now(),
			Payload:   track,
		})
	})

	for _, track := range c.stream.Tracks() {
		if err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return &NegotiationError{Stage: "add track", Err: err}
		}
	}
	c.pc = pc
	return nil
}

// markRemoteSetLocked flushes buffered candidates in arrival order once the
// remote description lands. Callers hold m.mu.
func (m *Manager) markRemoteSetLocked(c *activeCall) {
	c.remoteSet = true
	for _, cand := range c.pendingICE {
		if err := c.pc.AddICECandidate(cand); err != nil {
			m.logger.Warn("flush ice candidate failed", zap.String("call_id", c.record.ID), zap.Error(err))
		}
	}
	c.pendingICE = nil
}

func (m *Manager) toActive(c *activeCall) {
	m.mu.Lock()
	if m.call != c || c.released || !canTransition(c.state, StateActive) {
		m.mu.Unlock()
		return
	}
	c.state = StateActive
	m.mu.Unlock()

	m.publish(c, "connected")
}

// failCall surfaces a local failure: the peer is told the call is over and
// everything is released. The call never stays half-open after an error.
func (m *Manager) failCall(c *activeCall, reason string, cause error) {
	m.logger.Warn("call failed",
		zap.String("call_id", c.record.ID),
		zap.String("reason", reason),
		zap.Error(cause))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.api.EndCall(ctx, c.record.ID); err != nil {
		m.logger.Warn("end call failed", zap.String("call_id", c.record.ID), zap.Error(err))
	}
	m.teardown(c, reason)
}

// teardown releases the call's resources and publishes the terminal state.
// The released flag guarantees it runs at most once per call regardless of
// which path triggered it.
func (m *Manager) teardown(c *activeCall, reason string) {
	m.mu.Lock()
	if c.released {
		m.mu.Unlock()
		return
	}
	c.released = true
	if c.ringTimer != nil {
		c.ringTimer.Stop()
	}
	stream, pc := c.stream, c.pc
	c.stream, c.pc = nil, nil
	c.pendingICE = nil
	c.remoteOffer = nil
	c.state = StateEnded
	if m.call == c {
		m.call = nil
	}
	m.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}

	if m.cache != nil {
		if err := m.cache.UpsertCall(c.record); err != nil {
			m.logger.Warn("cache call failed", zap.String("call_id", c.record.ID), zap.Error(err))
		}
	}

	m.publish(c, reason)
}

// History returns one page of past calls, writing the records through the
// cache.
func (m *Manager) History(ctx context.Context, page, limit int) ([]api.Call, *api.Pagination, error) {
	calls, pg, err := m.api.CallHistory(ctx, page, limit)
	if err != nil {
		return nil, nil, err
	}
	if m.cache != nil {
		for i := range calls {
			if err := m.cache.UpsertCall(&calls[i]); err != nil {
				m.logger.Warn("cache call failed", zap.String("call_id", calls[i].ID), zap.Error(err))
			}
		}
	}
	return calls, pg, nil
}

// armRingTimer bounds how long the call may ring. Callers hold m.mu.
func (m *Manager) armRingTimer(c *activeCall) {
	if m.ringTimeout <= 0 {
		return
	}
	c.ringTimer = time.AfterFunc(m.ringTimeout, func() {
		m.mu.Lock()
		expired := m.call == c && c.state == StatePending && !c.released
		if expired {
			c.record.Status = api.CallMissed
		}
		m.mu.Unlock()
		if !expired {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := m.api.EndCall(ctx, c.record.ID); err != nil {
			m.logger.Warn("end call failed", zap.String("call_id", c.record.ID), zap.Error(err))
		}
		m.teardown(c, "ring_timeout")
	})
}

func (m *Manager) endRemote(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.api.EndCall(ctx, callID); err != nil {
		m.logger.Warn("end call failed", zap.String("call_id", callID), zap.Error(err))
	}
}

func (m *Manager) rejectRemote(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.api.RejectCall(ctx, callID); err != nil {
		m.logger.Warn("reject call failed", zap.String("call_id", callID), zap.Error(err))
	}
}

func (m *Manager) publish(c *activeCall, reason string) {
	m.mu.Lock()
	cp := *c.record
	change := StateChange{
		CallID: cp.ID,
		State:  c.state,
		Role:   c.role,
		Reason: reason,
		Call:   &cp,
	}
	m.mu.Unlock()

	m.bus.Publish(bus.Event{Kind: "call.state_changed", Timestamp: time.Now(), Payload: change})
}
