package peer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// SampleTrack is a local capture track backed by a pion static sample
// track. The capture pipeline pushes encoded frames through
// WriteSample; a disabled track silently drops them, which reads as a
// mute on the far side without renegotiation.
type SampleTrack struct {
	kind    TrackKind
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stop    sync.Once
	onStop  func()
}

func newSampleTrack(kind TrackKind, codec webrtc.RTPCodecCapability, streamID string, onStop func()) (*SampleTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", kind, err)
	}
	t := &SampleTrack{kind: kind, local: local, onStop: onStop}
	t.enabled.Store(true)
	return t, nil
}

func (t *SampleTrack) Kind() TrackKind   { return t.kind }
func (t *SampleTrack) Enabled() bool     { return t.enabled.Load() }
func (t *SampleTrack) SetEnabled(v bool) { t.enabled.Store(v) }

func (t *SampleTrack) Stop() {
	t.stop.Do(func() {
		if t.onStop != nil {
			t.onStop()
		}
	})
}

// WriteSample forwards one encoded frame to the transport. Frames
// written while the track is disabled are dropped, not buffered.
func (t *SampleTrack) WriteSample(s media.Sample) error {
	if !t.enabled.Load() {
		return nil
	}
	return t.local.WriteSample(s)
}

// SampleSource builds sample tracks for local capture. Frame
// production is the caller's job (device capture, file playback, test
// tone): the source only allocates tracks the transport can carry.
//
// CaptureAudio / CaptureVideo gate which constraints Acquire can
// satisfy, standing in for device availability and user permission.
type SampleSource struct {
	CaptureAudio bool
	CaptureVideo bool

	// OnTrackStopped, if set, is called once per track when it stops,
	// so the capture pipeline can release the device.
	OnTrackStopped func(*SampleTrack)
}

var (
	opusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

func (s *SampleSource) Acquire(ctx context.Context, c MediaConstraints) ([]Track, error) {
	if c.Audio && !s.CaptureAudio {
		return nil, fmt.Errorf("audio capture unavailable")
	}
	if c.Video && !s.CaptureVideo {
		return nil, fmt.Errorf("video capture unavailable")
	}

	streamID := uuid.NewString()
	var tracks []Track
	if c.Audio {
		t, err := s.newTrack(TrackAudio, opusCodec, streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := s.newTrack(TrackVideo, vp8Codec, streamID)
		if err != nil {
			stopAll(tracks)
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func (s *SampleSource) newTrack(kind TrackKind, codec webrtc.RTPCodecCapability, streamID string) (*SampleTrack, error) {
	var t *SampleTrack
	t, err := newSampleTrack(kind, codec, streamID, func() {
		if s.OnTrackStopped != nil {
			s.OnTrackStopped(t)
		}
	})
	return t, err
}

func stopAll(tracks []Track) {
	for _, t := range tracks {
		t.Stop()
	}
}
