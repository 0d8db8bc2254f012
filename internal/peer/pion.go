package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers is a reasonable public STUN set for callers that
// have no infrastructure of their own.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302", "stun:global.stun.twilio.com:3478"}},
}

// PionConfig tunes the pion-backed transport.
type PionConfig struct {
	// ICEServers is passed through verbatim. Empty means host
	// candidates only, which is enough on a shared network and in
	// tests.
	ICEServers []webrtc.ICEServer

	// LoggerFactory plumbs pion's internal logging. Nil means pion's
	// default factory.
	LoggerFactory logging.LoggerFactory
}

// PionTransport implements Transport on a pion PeerConnection.
type PionTransport struct {
	pc *webrtc.PeerConnection

	mu sync.Mutex
	// Candidates that arrived before the remote description; pion
	// rejects AddICECandidate until SetRemoteDescription has run.
	pending   []ICECandidate
	remoteSet bool
	bound     bool

	closeOnce sync.Once
	closeErr  error
}

func NewPionTransport(cfg PionConfig) (*PionTransport, error) {
	se := webrtc.SettingEngine{}
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &PionTransport{pc: pc}, nil
}

func (t *PionTransport) Bind(h TransportHandlers) error {
	t.mu.Lock()
	if t.bound {
		t.mu.Unlock()
		return errors.New("peer: transport already bound")
	}
	t.bound = true
	t.mu.Unlock()

	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks end of gathering; the partner needs no sentinel
		// because trickle completion is implicit.
		if c == nil || h.OnLocalCandidate == nil {
			return
		}
		init := c.ToJSON()
		h.OnLocalCandidate(ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	t.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if h.OnRemoteTrack == nil {
			return
		}
		kind := TrackAudio
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			kind = TrackVideo
		}
		h.OnRemoteTrack(remoteTrack{kind: kind, id: tr.ID()})
	})

	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if h.OnStateChange == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnecting:
			h.OnStateChange(TransportConnecting)
		case webrtc.PeerConnectionStateConnected:
			h.OnStateChange(TransportConnected)
		case webrtc.PeerConnectionStateDisconnected:
			h.OnStateChange(TransportDisconnected)
		case webrtc.PeerConnectionStateFailed:
			h.OnStateChange(TransportFailed)
		case webrtc.PeerConnectionStateClosed:
			h.OnStateChange(TransportClosed)
		}
	})

	return nil
}

func (t *PionTransport) AddLocalTrack(track Track) error {
	st, ok := track.(*SampleTrack)
	if !ok {
		return fmt.Errorf("peer: pion transport requires *SampleTrack, got %T", track)
	}
	if _, err := t.pc.AddTrack(st.local); err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	return nil
}

func (t *PionTransport) CreateOffer(ctx context.Context) (SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (t *PionTransport) AcceptOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if err := t.setRemote(webrtc.SDPTypeOffer, offer.SDP); err != nil {
		return SessionDescription{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (t *PionTransport) AcceptAnswer(ctx context.Context, answer SessionDescription) error {
	return t.setRemote(webrtc.SDPTypeAnswer, answer.SDP)
}

func (t *PionTransport) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, cand := range pending {
		if err := t.pc.AddICECandidate(candidateInit(cand)); err != nil {
			return fmt.Errorf("apply buffered candidate: %w", err)
		}
	}
	return nil
}

func (t *PionTransport) AddRemoteCandidate(ctx context.Context, cand ICECandidate) error {
	t.mu.Lock()
	if !t.remoteSet {
		t.pending = append(t.pending, cand)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.pc.AddICECandidate(candidateInit(cand)); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (t *PionTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.pc.Close()
	})
	return t.closeErr
}

func candidateInit(c ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

type remoteTrack struct {
	kind TrackKind
	id   string
}

func (r remoteTrack) Kind() TrackKind { return r.kind }
func (r remoteTrack) ID() string      { return r.id }
