package rtc

import (
	"context"
	"sync"

	"github.com/amora-app/amora-go/internal/call"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

// Source creates the local media tracks for a call. It implements
// call.MediaSource.
//
// The daemon negotiates transport only; it does not open capture devices
// itself. Tracks are sample sinks the embedding front end feeds through
// WriteSample, so "acquisition" here is track construction.
type Source struct {
	logger *zap.Logger
}

// NewSource creates a media source.
func NewSource(logger *zap.Logger) *Source {
	return &Source{logger: logger}
}

// Acquire builds the track set for a call: Opus audio always, VP8 video when
// requested.
func (s *Source) Acquire(ctx context.Context, video bool) (call.MediaStream, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "amora-audio")
	if err != nil {
		return nil, &call.PermissionError{Media: "microphone", Err: err}
	}
	tracks := []*localTrack{{track: audio, kind: "audio"}}

	if video {
		v, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "amora-video")
		if err != nil {
			return nil, &call.PermissionError{Media: "camera", Err: err}
		}
		tracks = append(tracks, &localTrack{track: v, kind: "video"})
	}

	s.logger.Debug("media tracks built", zap.Bool("video", video))
	return &stream{tracks: tracks}, nil
}

// localTrack wraps a pion sample track.
type localTrack struct {
	track *webrtc.TrackLocalStaticSample
	kind  string
}

func (t *localTrack) Kind() string { return t.kind }

// WriteSample feeds one encoded media sample into the track.
func (t *localTrack) WriteSample(sample media.Sample) error {
	return t.track.WriteSample(sample)
}

type stream struct {
	tracks []*localTrack
	once   sync.Once
	closed bool
}

func (s *stream) Tracks() []call.LocalTrack {
	out := make([]call.LocalTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

// Close marks the stream released. Sample tracks hold no device handles;
// senders are shut down when the peer connection closes.
func (s *stream) Close() {
	s.once.Do(func() { s.closed = true })
}
