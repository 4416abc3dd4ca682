package rtc

import (
	"context"
	"fmt"

	"github.com/amora-app/amora-go/internal/call"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Factory builds peer connections against the configured STUN servers. It
// implements call.PeerFactory.
type Factory struct {
	config webrtc.Configuration
	logger *zap.Logger
}

// NewFactory creates a factory using the given STUN server URLs.
func NewFactory(stunServers []string, logger *zap.Logger) *Factory {
	cfg := webrtc.Configuration{}
	if len(stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return &Factory{config: cfg, logger: logger}
}

// NewPeerConnection builds a fresh connection for one call.
func (f *Factory) NewPeerConnection() (call.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	return &conn{pc: pc, logger: f.logger}, nil
}

// conn adapts a pion peer connection to the negotiation surface the call
// manager drives.
type conn struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger
}

func (c *conn) AddTrack(track call.LocalTrack) error {
	lt, ok := track.(*localTrack)
	if !ok {
		return fmt.Errorf("unsupported track type %T", track)
	}
	_, err := c.pc.AddTrack(lt.track)
	return err
}

func (c *conn) CreateOffer(ctx context.Context) (call.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return call.SessionDescription{}, err
	}
	return call.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (c *conn) CreateAnswer(ctx context.Context) (call.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return call.SessionDescription{}, err
	}
	return call.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (c *conn) SetLocalDescription(desc call.SessionDescription) error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (c *conn) SetRemoteDescription(desc call.SessionDescription) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (c *conn) AddICECandidate(cand call.ICECandidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

func (c *conn) OnICECandidate(fn func(call.ICECandidate)) {
	c.pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		// Gathering completion is signalled with a nil candidate.
		if ic == nil {
			return
		}
		init := ic.ToJSON()
		fn(call.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (c *conn) OnTrack(fn func(call.RemoteTrack)) {
	c.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Debug("remote track",
			zap.String("kind", tr.Kind().String()),
			zap.String("id", tr.ID()))
		fn(&remoteTrack{tr: tr})
	})
}

func (c *conn) Close() error {
	return c.pc.Close()
}

type remoteTrack struct {
	tr *webrtc.TrackRemote
}

func (t *remoteTrack) Kind() string { return t.tr.Kind().String() }
func (t *remoteTrack) ID() string   { return t.tr.ID() }
