// Package peer drives one side of a media session: local media
// acquisition with fallback, offer/answer negotiation over a polled
// signal relay, and idempotent teardown.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftline/driftline/internal/relay"
)

// State is the externally visible negotiation state.
type State int

const (
	StateIdle State = iota
	StateAcquiringMedia
	StateNegotiating
	StateConnected
	// StateDisconnected is terminal: transport failure, partner loss or
	// local Stop.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringMedia:
		return "acquiring-media"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Signaler sends and receives negotiation envelopes. Implemented by
// apiclient.Client over HTTP and by relay-backed fakes in tests.
type Signaler interface {
	Send(ctx context.Context, env relay.SignalEnvelope) error
	Poll(ctx context.Context, userID string) ([]relay.SignalEnvelope, error)
}

// DefaultPollInterval is the signal poll cadence. It bounds worst-case
// negotiation latency, so it is a tunable, not a protocol constant.
const DefaultPollInterval = time.Second

// Config wires a Machine to its collaborators.
type Config struct {
	SelfID    string
	PartnerID string

	Signaler  Signaler
	Transport Transport

	// Media may be nil: the session then negotiates without local
	// capture (receive-only).
	Media MediaSource

	PollInterval time.Duration
	Log          *slog.Logger

	// OnRemoteTrack, if set, surfaces partner media to the caller.
	OnRemoteTrack func(RemoteTrack)
}

// Machine is the negotiation state machine for a single session. One
// Machine handles exactly one partner; "next partner" means stopping
// this Machine and starting a new one.
type Machine struct {
	cfg Config
	log *slog.Logger

	initiator bool

	mu           sync.Mutex
	state        State
	started      bool
	tracks       []Track
	remoteTracks []RemoteTrack

	states chan State

	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

func New(cfg Config) (*Machine, error) {
	if cfg.SelfID == "" || cfg.PartnerID == "" {
		return nil, errors.New("peer: both SelfID and PartnerID are required")
	}
	if cfg.SelfID == cfg.PartnerID {
		return nil, errors.New("peer: cannot negotiate with self")
	}
	if cfg.Signaler == nil || cfg.Transport == nil {
		return nil, errors.New("peer: Signaler and Transport are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Machine{
		cfg: cfg,
		log: cfg.Log.With("self_id", cfg.SelfID, "partner_id", cfg.PartnerID),
		// Exactly one side originates the offer; comparing ids needs no
		// extra coordination message and both sides agree.
		initiator: cfg.SelfID < cfg.PartnerID,
		state:     StateIdle,
		states:    make(chan State, 16),
		done:      make(chan struct{}),
	}, nil
}

// Initiator reports whether this side originates the offer.
func (m *Machine) Initiator() bool { return m.initiator }

// State returns the current negotiation state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// States is the single outward notification channel. Slow consumers
// miss intermediate states but always observe the latest via State().
func (m *Machine) States() <-chan State { return m.states }

// Done is closed once the machine has fully torn down.
func (m *Machine) Done() <-chan struct{} { return m.done }

func (m *Machine) setState(s State) {
	m.mu.Lock()
	if m.state == StateDisconnected || m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	m.log.Info("negotiation state", "state", s.String())
	select {
	case m.states <- s:
	default:
	}
}

// Start acquires media, wires the transport and begins polling for
// envelopes. It returns once negotiation is underway; completion is
// reported through States.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("peer: machine already started")
	}
	m.started = true
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.setState(StateAcquiringMedia)
	tracks := m.acquireMedia(runCtx)
	m.mu.Lock()
	m.tracks = tracks
	m.mu.Unlock()

	for _, t := range tracks {
		if err := m.cfg.Transport.AddLocalTrack(t); err != nil {
			m.teardown()
			return fmt.Errorf("add local track: %w", err)
		}
	}

	err := m.cfg.Transport.Bind(TransportHandlers{
		OnLocalCandidate: func(cand ICECandidate) {
			if err := m.sendCandidate(runCtx, cand); err != nil && runCtx.Err() == nil {
				m.log.Warn("failed to relay local candidate", "err", err)
			}
		},
		OnRemoteTrack: func(t RemoteTrack) {
			m.mu.Lock()
			m.remoteTracks = append(m.remoteTracks, t)
			m.mu.Unlock()
			if m.cfg.OnRemoteTrack != nil {
				m.cfg.OnRemoteTrack(t)
			}
		},
		OnStateChange: func(ts TransportState) {
			switch ts {
			case TransportConnected:
				m.setState(StateConnected)
			case TransportDisconnected, TransportFailed:
				// Tear down off the callback goroutine: Stop closes the
				// transport, which may wait for its own callbacks.
				go m.Stop()
			}
		},
	})
	if err != nil {
		m.teardown()
		return fmt.Errorf("bind transport: %w", err)
	}

	m.setState(StateNegotiating)

	if m.initiator {
		offer, err := m.cfg.Transport.CreateOffer(runCtx)
		if err != nil {
			m.teardown()
			return fmt.Errorf("create offer: %w", err)
		}
		if err := m.sendDescription(runCtx, relay.KindOffer, offer); err != nil {
			m.teardown()
			return fmt.Errorf("send offer: %w", err)
		}
	}

	go m.pollLoop(runCtx)
	return nil
}

// acquireMedia walks the fallback chain: full capture, then audio-only,
// then none. A user without a working camera still gets a session.
func (m *Machine) acquireMedia(ctx context.Context) []Track {
	if m.cfg.Media == nil {
		return nil
	}
	tracks, err := m.cfg.Media.Acquire(ctx, MediaConstraints{Audio: true, Video: true})
	if err == nil {
		return tracks
	}
	m.log.Warn("camera+microphone capture failed, trying audio only", "err", err)

	tracks, err = m.cfg.Media.Acquire(ctx, MediaConstraints{Audio: true})
	if err == nil {
		return tracks
	}
	m.log.Warn("audio capture failed, continuing without local media", "err", err)
	return nil
}

func (m *Machine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		envs, err := m.cfg.Signaler.Poll(ctx, m.cfg.SelfID)
		if ctx.Err() != nil {
			// The session moved on while the poll was in flight; its
			// results belong to the old session and are discarded.
			return
		}
		if err != nil {
			// Transient: skip this cycle, the next tick retries.
			m.log.Warn("signal poll failed", "err", err)
			continue
		}
		for _, env := range envs {
			m.handleEnvelope(ctx, env)
		}
	}
}

func (m *Machine) handleEnvelope(ctx context.Context, env relay.SignalEnvelope) {
	switch env.Kind {
	case relay.KindOffer:
		var offer SessionDescription
		if err := json.Unmarshal(env.Data, &offer); err != nil {
			m.log.Warn("undecodable offer", "err", err)
			return
		}
		answer, err := m.cfg.Transport.AcceptOffer(ctx, offer)
		if err != nil {
			m.log.Warn("failed to accept offer", "err", err)
			return
		}
		if err := m.sendDescription(ctx, relay.KindAnswer, answer); err != nil && ctx.Err() == nil {
			m.log.Warn("failed to send answer", "err", err)
		}
	case relay.KindAnswer:
		var answer SessionDescription
		if err := json.Unmarshal(env.Data, &answer); err != nil {
			m.log.Warn("undecodable answer", "err", err)
			return
		}
		if err := m.cfg.Transport.AcceptAnswer(ctx, answer); err != nil {
			m.log.Warn("failed to accept answer", "err", err)
		}
	case relay.KindICECandidate:
		var cand ICECandidate
		if err := json.Unmarshal(env.Data, &cand); err != nil {
			m.log.Warn("undecodable candidate", "err", err)
			return
		}
		// Candidates racing ahead of the matching description are the
		// transport's problem to buffer or reject; no reordering here.
		if err := m.cfg.Transport.AddRemoteCandidate(ctx, cand); err != nil {
			m.log.Warn("failed to apply remote candidate", "err", err)
		}
	default:
		m.log.Warn("ignoring envelope of unknown kind", "kind", string(env.Kind))
	}
}

func (m *Machine) sendDescription(ctx context.Context, kind relay.SignalKind, desc SessionDescription) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	return m.cfg.Signaler.Send(ctx, relay.SignalEnvelope{
		From: m.cfg.SelfID,
		To:   m.cfg.PartnerID,
		Kind: kind,
		Data: payload,
	})
}

func (m *Machine) sendCandidate(ctx context.Context, cand ICECandidate) error {
	payload, err := json.Marshal(cand)
	if err != nil {
		return fmt.Errorf("marshal candidate: %w", err)
	}
	return m.cfg.Signaler.Send(ctx, relay.SignalEnvelope{
		From: m.cfg.SelfID,
		To:   m.cfg.PartnerID,
		Kind: relay.KindICECandidate,
		Data: payload,
	})
}

// ToggleAudio flips the enabled flag of the local audio track and
// returns the new value. No renegotiation happens; this only mutes.
// Returns false when there is no audio track.
func (m *Machine) ToggleAudio() bool { return m.toggleKind(TrackAudio) }

// ToggleVideo is ToggleAudio for the camera track.
func (m *Machine) ToggleVideo() bool { return m.toggleKind(TrackVideo) }

func (m *Machine) toggleKind(kind TrackKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tracks {
		if t.Kind() == kind {
			t.SetEnabled(!t.Enabled())
			return t.Enabled()
		}
	}
	return false
}

// RemoteTracks returns the partner media received so far.
func (m *Machine) RemoteTracks() []RemoteTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RemoteTrack(nil), m.remoteTracks...)
}

// Stop cancels polling, releases local media and closes the transport.
// Idempotent and safe from any goroutine; every exit path of a session
// must end up here exactly because media capture is an exclusive
// device resource.
func (m *Machine) Stop() {
	m.stopOnce.Do(m.teardownLocked)
}

func (m *Machine) teardown() {
	m.stopOnce.Do(m.teardownLocked)
}

func (m *Machine) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	tracks := m.tracks
	m.tracks = nil
	m.mu.Unlock()
	for _, t := range tracks {
		t.Stop()
	}

	if err := m.cfg.Transport.Close(); err != nil {
		m.log.Warn("transport close", "err", err)
	}

	m.setState(StateDisconnected)
	close(m.done)
}
