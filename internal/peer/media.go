package peer

import "context"

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// MediaConstraints selects which capture tracks to acquire.
type MediaConstraints struct {
	Audio bool
	Video bool
}

// Track is a local capture track. SetEnabled mutes or unmutes without
// renegotiation; Stop releases the underlying device resource and is
// safe to call more than once.
type Track interface {
	Kind() TrackKind
	Enabled() bool
	SetEnabled(bool)
	Stop()
}

// RemoteTrack is the partner's media as surfaced to the presentation
// layer.
type RemoteTrack interface {
	Kind() TrackKind
	ID() string
}

// MediaSource acquires local capture tracks. Acquire returns an error
// when the requested constraints cannot be satisfied (device missing,
// permission refused); the negotiation machine then retries with
// weaker constraints before giving up on local media entirely.
type MediaSource interface {
	Acquire(ctx context.Context, c MediaConstraints) ([]Track, error)
}
