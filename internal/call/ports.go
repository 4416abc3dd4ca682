package call

import "context"

// SessionDescription is an SDP offer or answer in the shape browsers
// exchange it.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a trickled candidate in the shape browsers exchange it.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// LocalTrack is one captured media track.
type LocalTrack interface {
	Kind() string // "audio" or "video"
}

// MediaStream owns a set of captured tracks. Close stops every track and
// releases the underlying devices.
type MediaStream interface {
	Tracks() []LocalTrack
	Close()
}

// MediaSource acquires capture devices. Audio is always captured; video only
// when requested. A denied device surfaces as PermissionError.
type MediaSource interface {
	Acquire(ctx context.Context, video bool) (MediaStream, error)
}

// RemoteTrack is media arriving from the peer.
type RemoteTrack interface {
	Kind() string
	ID() string
}

// PeerConnection is the negotiation surface the call manager drives.
// Callbacks must be registered before negotiation begins.
type PeerConnection interface {
	AddTrack(track LocalTrack) error
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(cand ICECandidate) error
	OnICECandidate(fn func(ICECandidate))
	OnTrack(fn func(RemoteTrack))
	Close() error
}

// PeerFactory builds peer connections with the session's ICE configuration.
type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}
