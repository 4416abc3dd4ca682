package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amora-app/amora-go/internal/api"
	"github.com/amora-app/amora-go/internal/bus"
	"go.uber.org/zap"
)

type fakeTrack struct{ kind string }

func (t *fakeTrack) Kind() string { return t.kind }

type fakeStream struct {
	mu     sync.Mutex
	closes int
}

func (s *fakeStream) Tracks() []LocalTrack {
	return []LocalTrack{&fakeTrack{kind: "audio"}}
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeMedia struct {
	mu       sync.Mutex
	err      error
	acquires int
	streams  []*fakeStream
}

func (m *fakeMedia) Acquire(ctx context.Context, video bool) (MediaStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquires++
	if m.err != nil {
		return nil, m.err
	}
	s := &fakeStream{}
	m.streams = append(m.streams, s)
	return s, nil
}

type fakePC struct {
	mu         sync.Mutex
	added      []ICECandidate
	tracks     []LocalTrack
	localDesc  *SessionDescription
	remoteDesc *SessionDescription
	onICE      func(ICECandidate)
	closes     int
}

func (p *fakePC) AddTrack(track LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil
}

func (p *fakePC) CreateOffer(ctx context.Context) (SessionDescription, error) {
	return SessionDescription{Type: "offer", SDP: "local-offer"}, nil
}

func (p *fakePC) CreateAnswer(ctx context.Context) (SessionDescription, error) {
	return SessionDescription{Type: "answer", SDP: "local-answer"}, nil
}

func (p *fakePC) SetLocalDescription(desc SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localDesc = &desc
	return nil
}

func (p *fakePC) SetRemoteDescription(desc SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDesc = &desc
	return nil
}

func (p *fakePC) AddICECandidate(cand ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, cand)
	return nil
}

func (p *fakePC) OnICECandidate(fn func(ICECandidate)) { p.onICE = fn }
func (p *fakePC) OnTrack(fn func(RemoteTrack))         {}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *fakePC) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *fakePC) candidates() []ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ICECandidate(nil), p.added...)
}

type fakeFactory struct {
	mu  sync.Mutex
	pcs []*fakePC
}

func (f *fakeFactory) NewPeerConnection() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) last() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

type emitted struct {
	event   string
	payload any
}

type recordingEmitter struct {
	mu     sync.Mutex
	frames []emitted
}

func (r *recordingEmitter) Emit(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, emitted{event: event, payload: payload})
}

func (r *recordingEmitter) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.event
	}
	return out
}

func (r *recordingEmitter) find(event string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.frames {
		if f.event == event {
			return f.payload, true
		}
	}
	return nil, false
}

// apiCounter tracks which call actions reached the backend.
type apiCounter struct {
	mu                    sync.Mutex
	accepts, rejects, ends int
}

func (c *apiCounter) endCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ends
}

func testManager(t *testing.T, media *fakeMedia) (*Manager, *fakeFactory, *recordingEmitter, *apiCounter, *bus.Bus) {
	t.Helper()
	counter := &apiCounter{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := api.CallPending
		counter.mu.Lock()
		switch {
		case strings.HasSuffix(r.URL.Path, "/accept"):
			counter.accepts++
			status = api.CallAccepted
		case strings.HasSuffix(r.URL.Path, "/reject"):
			counter.rejects++
			status = api.CallRejected
		case strings.HasSuffix(r.URL.Path, "/end"):
			counter.ends++
			status = api.CallEnded
		}
		counter.mu.Unlock()

		callerID := "me"
		receiverID := "peer"
		if r.URL.Path != "/calls/initiate" {
			// Actions in these tests run against incoming calls too; the
			// manager only trusts its own record, so ids are enough.
			callerID, receiverID = "peer", "me"
		}
		_, _ = fmt.Fprintf(w, `{"success":true,"data":{"id":"call1","callerId":%q,"receiverId":%q,"type":"audio","status":%q}}`,
			callerID, receiverID, status)
	}))
	t.Cleanup(srv.Close)

	factory := &fakeFactory{}
	emitter := &recordingEmitter{}
	b := bus.New()
	m := NewManager(api.NewClient(srv.URL, "tok"), emitter, b, factory, media, nil, "me", 0, zap.NewNop())
	return m, factory, emitter, counter, b
}

func incomingCall(m *Manager) {
	m.HandleSocketEvent("socket.incoming_call", json.RawMessage(
		`{"id":"call1","callerId":"peer","receiverId":"me","type":"audio","status":"pending"}`))
}

func strptr(s string) *string { return &s }

// waitCond polls cond until it holds or the deadline passes.
func waitCond(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInitiateRingsWithoutMedia(t *testing.T) {
	media := &fakeMedia{}
	m, factory, _, _, _ := testManager(t, media)

	record, err := m.Initiate(context.Background(), "peer", api.CallAudio)
	if err != nil {
		t.Fatal(err)
	}
	if record.ID != "call1" || m.State() != StatePending {
		t.Errorf("record = %+v, state = %q", record, m.State())
	}
	if media.acquires != 0 {
		t.Errorf("media acquired %d times before accept, want 0", media.acquires)
	}
	if factory.last() != nil {
		t.Error("peer connection built before accept")
	}
}

func TestInitiateWhileBusyRejected(t *testing.T) {
	m, _, _, _, _ := testManager(t, &fakeMedia{})

	if _, err := m.Initiate(context.Background(), "peer", api.CallAudio); err != nil {
		t.Fatal(err)
	}
	_, err := m.Initiate(context.Background(), "other", api.CallAudio)
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("error = %T (%v), want StateError", err, err)
	}
}

func TestAcceptRequiresRingingCall(t *testing.T) {
	m, _, _, _, _ := testManager(t, &fakeMedia{})

	err := m.Accept(context.Background())
	var se *StateError
	if !errors.As(err, &se) || se.State != StateIdle {
		t.Fatalf("error = %v, want StateError in idle", err)
	}
}

func TestCallerCannotAcceptOwnCall(t *testing.T) {
	m, _, _, _, _ := testManager(t, &fakeMedia{})

	if _, err := m.Initiate(context.Background(), "peer", api.CallAudio); err != nil {
		t.Fatal(err)
	}
	var se *StateError
	if err := m.Accept(context.Background()); !errors.As(err, &se) {
		t.Fatalf("error = %v, want StateError", err)
	}
}

func TestReceiverAcceptAnswersStashedOffer(t *testing.T) {
	media := &fakeMedia{}
	m, factory, emitter, _, _ := testManager(t, media)

	incomingCall(m)
	if m.State() != StatePending {
		t.Fatalf("state = %q, want pending", m.State())
	}

	// The caller's offer and early candidates arrive before the user
	// accepts; nothing can be applied yet.
	m.HandleSocketEvent("socket.offer", json.RawMessage(
		`{"callId":"call1","offer":{"type":"offer","sdp":"remote-offer"}}`))
	m.HandleSocketEvent("socket.ice_candidate", json.RawMessage(
		`{"callId":"call1","candidate":{"candidate":"cand-a","sdpMid":"0"}}`))
	m.HandleSocketEvent("socket.ice_candidate", json.RawMessage(
		`{"callId":"call1","candidate":{"candidate":"cand-b","sdpMid":"0"}}`))

	if err := m.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}

	if m.State() != StateActive {
		t.Errorf("state = %q, want active", m.State())
	}
	if media.acquires != 1 {
		t.Errorf("media acquires = %d, want 1", media.acquires)
	}

	pc := factory.last()
	if pc == nil {
		t.Fatal("no peer connection built")
	}
	if pc.remoteDesc == nil || pc.remoteDesc.SDP != "remote-offer" {
		t.Errorf("remote description = %+v, want the stashed offer", pc.remoteDesc)
	}
	if pc.localDesc == nil || pc.localDesc.Type != "answer" {
		t.Errorf("local description = %+v, want an answer", pc.localDesc)
	}

	cands := pc.candidates()
	want := []ICECandidate{
		{Candidate: "cand-a", SDPMid: strptr("0")},
		{Candidate: "cand-b", SDPMid: strptr("0")},
	}
	if !reflect.DeepEqual(cands, want) {
		t.Errorf("flushed candidates = %+v, want buffered order preserved", cands)
	}

	if _, ok := emitter.find("answer"); !ok {
		t.Errorf("emitted = %v, want an answer frame", emitter.events())
	}
}

func TestMediaDeniedFailsSafe(t *testing.T) {
	media := &fakeMedia{err: &PermissionError{Media: "microphone", Err: errors.New("denied")}}
	m, factory, _, counter, b := testManager(t, media)
	sub := b.Subscribe("call.state_changed", 16)
	defer sub.Close()

	incomingCall(m)

	err := m.Accept(context.Background())
	var pe *PermissionError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %T (%v), want PermissionError", err, err)
	}

	// Accepting enters connecting before devices are touched, so the
	// denial is observed as pending, connecting, ended.
	var states []State
	for {
		select {
		case ev := <-sub.C:
			states = append(states, ev.Payload.(StateChange).State)
			continue
		default:
		}
		break
	}
	want := []State{StatePending, StateConnecting, StateEnded}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("state sequence = %v, want %v", states, want)
	}

	if m.State() != StateIdle {
		t.Errorf("state = %q after media denial, want idle", m.State())
	}
	if factory.last() != nil {
		t.Error("peer connection built despite media denial")
	}
	if counter.endCount() != 1 {
		t.Errorf("end calls = %d, want 1 (peer must learn the call is over)", counter.endCount())
	}
}

func TestCallerOfferFlow(t *testing.T) {
	media := &fakeMedia{}
	m, factory, emitter, _, _ := testManager(t, media)

	if _, err := m.Initiate(context.Background(), "peer", api.CallAudio); err != nil {
		t.Fatal(err)
	}

	m.HandleSocketEvent("socket.call_accepted", json.RawMessage(`{"callId":"call1"}`))

	if m.State() != StateConnecting {
		t.Fatalf("state = %q after peer accepted, want connecting", m.State())
	}
	if media.acquires != 1 {
		t.Errorf("media acquires = %d, want 1", media.acquires)
	}
	payload, ok := emitter.find("offer")
	if !ok {
		t.Fatalf("emitted = %v, want an offer frame", emitter.events())
	}
	op, ok := payload.(offerPayload)
	if !ok || op.CallID != "call1" || op.Offer.Type != "offer" {
		t.Errorf("offer payload = %+v", payload)
	}
	if op.TargetUserID != "peer" {
		t.Errorf("offer targetUserId = %q, want peer", op.TargetUserID)
	}
	if raw, err := json.Marshal(op); err != nil || !strings.Contains(string(raw), `"targetUserId":"peer"`) {
		t.Errorf("offer wire form = %s, want a targetUserId field", raw)
	}

	// Candidates before the answer are buffered.
	m.HandleSocketEvent("socket.ice_candidate", json.RawMessage(
		`{"callId":"call1","candidate":{"candidate":"cand-a"}}`))
	pc := factory.last()
	if got := pc.candidates(); len(got) != 0 {
		t.Fatalf("candidates applied before remote description: %+v", got)
	}

	m.HandleSocketEvent("socket.answer", json.RawMessage(
		`{"callId":"call1","answer":{"type":"answer","sdp":"remote-answer"}}`))

	if m.State() != StateActive {
		t.Errorf("state = %q after answer, want active", m.State())
	}
	if got := pc.candidates(); len(got) != 1 || got[0].Candidate != "cand-a" {
		t.Errorf("flushed candidates = %+v, want [cand-a]", got)
	}

	// Late candidates apply directly now.
	m.HandleSocketEvent("socket.ice_candidate", json.RawMessage(
		`{"callId":"call1","candidate":{"candidate":"cand-b"}}`))
	if got := pc.candidates(); len(got) != 2 || got[1].Candidate != "cand-b" {
		t.Errorf("candidates = %+v, want cand-b applied directly", got)
	}
}

func TestTeardownRunsExactlyOnce(t *testing.T) {
	media := &fakeMedia{}
	m, factory, _, counter, _ := testManager(t, media)

	incomingCall(m)
	m.HandleSocketEvent("socket.offer", json.RawMessage(
		`{"callId":"call1","offer":{"type":"offer","sdp":"remote-offer"}}`))
	if err := m.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := m.End(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Hanging up again and a late peer hangup must both be no-ops.
	if err := m.End(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.HandleSocketEvent("socket.call_ended", json.RawMessage(`{"callId":"call1"}`))

	if got := media.streams[0].closeCount(); got != 1 {
		t.Errorf("stream closes = %d, want 1", got)
	}
	if got := factory.last().closeCount(); got != 1 {
		t.Errorf("pc closes = %d, want 1", got)
	}
	if counter.endCount() != 1 {
		t.Errorf("end calls = %d, want 1", counter.endCount())
	}
	if m.State() != StateIdle {
		t.Errorf("state = %q, want idle", m.State())
	}
}

func TestRemoteRejectionEndsPendingCall(t *testing.T) {
	m, _, _, _, b := testManager(t, &fakeMedia{})
	sub := b.Subscribe("call.state_changed", 16)
	defer sub.Close()

	if _, err := m.Initiate(context.Background(), "peer", api.CallAudio); err != nil {
		t.Fatal(err)
	}
	m.HandleSocketEvent("socket.call_rejected", json.RawMessage(`{"callId":"call1"}`))

	if m.State() != StateIdle {
		t.Fatalf("state = %q, want idle after rejection", m.State())
	}

	var last StateChange
	for {
		select {
		case ev := <-sub.C:
			last = ev.Payload.(StateChange)
			continue
		default:
		}
		break
	}
	if last.State != StateEnded || last.Reason != "rejected" {
		t.Errorf("final change = %+v, want ended/rejected", last)
	}
}

func TestRejectDeclinesRingingCall(t *testing.T) {
	m, _, _, counter, _ := testManager(t, &fakeMedia{})

	incomingCall(m)
	if err := m.Reject(context.Background()); err != nil {
		t.Fatal(err)
	}

	if m.State() != StateIdle {
		t.Errorf("state = %q, want idle", m.State())
	}
	counter.mu.Lock()
	rejects := counter.rejects
	counter.mu.Unlock()
	if rejects != 1 {
		t.Errorf("reject calls = %d, want 1", rejects)
	}
}

func TestSecondIncomingCallRejectedWhileBusy(t *testing.T) {
	m, _, _, counter, _ := testManager(t, &fakeMedia{})

	incomingCall(m)
	m.HandleSocketEvent("socket.incoming_call", json.RawMessage(
		`{"id":"call2","callerId":"other","receiverId":"me","type":"audio","status":"pending"}`))

	if got := m.Current(); got == nil || got.ID != "call1" {
		t.Fatalf("current = %+v, want call1 untouched", got)
	}

	waitCond(t, func() bool {
		counter.mu.Lock()
		defer counter.mu.Unlock()
		return counter.rejects == 1
	}, "busy rejection of call2")
}

func TestSignalsForUnknownCallIgnored(t *testing.T) {
	m, factory, _, _, _ := testManager(t, &fakeMedia{})

	incomingCall(m)
	m.HandleSocketEvent("socket.offer", json.RawMessage(
		`{"callId":"other","offer":{"type":"offer","sdp":"x"}}`))
	m.HandleSocketEvent("socket.ice_candidate", json.RawMessage(
		`{"callId":"other","candidate":{"candidate":"x"}}`))
	m.HandleSocketEvent("socket.call_ended", json.RawMessage(`{"callId":"other"}`))

	if m.State() != StatePending {
		t.Errorf("state = %q, want pending (foreign signals ignored)", m.State())
	}
	if factory.last() != nil {
		t.Error("peer connection built from foreign offer")
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StatePending, true},
		{StatePending, StateConnecting, true},
		{StatePending, StateEnded, true},
		{StateConnecting, StateActive, true},
		{StateConnecting, StateEnded, true},
		{StateActive, StateEnded, true},
		{StateIdle, StateActive, false},
		{StatePending, StateActive, false},
		{StateEnded, StateActive, false},
		{StateActive, StateConnecting, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("canTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}
