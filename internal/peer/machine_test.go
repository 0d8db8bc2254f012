package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/driftline/driftline/internal/kvstore"
	"github.com/driftline/driftline/internal/relay"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport scripts a successful handshake without any real
// network: accepting the answer (initiator) or a remote candidate
// after the offer (responder) flips the transport to connected.
type fakeTransport struct {
	mu       sync.Mutex
	handlers TransportHandlers

	offersCreated  int
	offersAccepted int
	answersOK      int
	candidates     []ICECandidate
	localTracks    []Track
	closed         int

	offerSeen bool
}

func (f *fakeTransport) Bind(h TransportHandlers) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
	return nil
}

func (f *fakeTransport) AddLocalTrack(t Track) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localTracks = append(f.localTracks, t)
	return nil
}

func (f *fakeTransport) CreateOffer(ctx context.Context) (SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offersCreated++
	return SessionDescription{Type: "offer", SDP: "offer-sdp"}, nil
}

func (f *fakeTransport) AcceptOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	f.mu.Lock()
	f.offersAccepted++
	f.offerSeen = true
	h := f.handlers
	f.mu.Unlock()

	if h.OnLocalCandidate != nil {
		h.OnLocalCandidate(ICECandidate{Candidate: "candidate:responder"})
	}
	return SessionDescription{Type: "answer", SDP: "answer-sdp"}, nil
}

func (f *fakeTransport) AcceptAnswer(ctx context.Context, answer SessionDescription) error {
	f.mu.Lock()
	f.answersOK++
	h := f.handlers
	f.mu.Unlock()

	if h.OnLocalCandidate != nil {
		h.OnLocalCandidate(ICECandidate{Candidate: "candidate:initiator"})
	}
	if h.OnStateChange != nil {
		h.OnStateChange(TransportConnected)
	}
	return nil
}

func (f *fakeTransport) AddRemoteCandidate(ctx context.Context, cand ICECandidate) error {
	f.mu.Lock()
	f.candidates = append(f.candidates, cand)
	connect := f.offerSeen
	h := f.handlers
	f.mu.Unlock()

	if connect && h.OnStateChange != nil {
		h.OnStateChange(TransportConnected)
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) snapshot() (offersCreated, offersAccepted, answersOK, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offersCreated, f.offersAccepted, f.answersOK, f.closed
}

// fakeMedia serves the fallback tests: each Acquire error knocks out
// one rung of the constraint ladder.
type fakeMedia struct {
	failAV    bool
	failAudio bool

	mu       sync.Mutex
	acquired [][]Track
	requests []MediaConstraints
}

type fakeTrack struct {
	kind    TrackKind
	mu      sync.Mutex
	enabled bool
	stopped int
}

func (t *fakeTrack) Kind() TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = v
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped++
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (m *fakeMedia) Acquire(ctx context.Context, c MediaConstraints) ([]Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, c)
	if c.Video && m.failAV {
		return nil, errors.New("no camera")
	}
	if c.Audio && !c.Video && m.failAudio {
		return nil, errors.New("no microphone")
	}
	var tracks []Track
	if c.Audio {
		tracks = append(tracks, &fakeTrack{kind: TrackAudio, enabled: true})
	}
	if c.Video {
		tracks = append(tracks, &fakeTrack{kind: TrackVideo, enabled: true})
	}
	m.acquired = append(m.acquired, tracks)
	return tracks, nil
}

func newTestSignaler() *relay.SignalRelay {
	store := kvstore.NewMemoryStore(kvstore.SystemClock{})
	return relay.NewSignalRelay(store, kvstore.SystemClock{}, relay.DefaultSignalTTL, discard())
}

func startPair(t *testing.T, signals *relay.SignalRelay) (*Machine, *Machine, *fakeTransport, *fakeTransport) {
	t.Helper()

	ta := &fakeTransport{}
	tb := &fakeTransport{}
	a, err := New(Config{
		SelfID:       "alice",
		PartnerID:    "bob",
		Signaler:     signals,
		Transport:    ta,
		Media:        &fakeMedia{},
		PollInterval: 5 * time.Millisecond,
		Log:          discard(),
	})
	if err != nil {
		t.Fatalf("New(a): %v", err)
	}
	b, err := New(Config{
		SelfID:       "bob",
		PartnerID:    "alice",
		Signaler:     signals,
		Transport:    tb,
		Media:        &fakeMedia{},
		PollInterval: 5 * time.Millisecond,
		Log:          discard(),
	})
	if err != nil {
		t.Fatalf("New(b): %v", err)
	}

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start(a): %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start(b): %v", err)
	}
	t.Cleanup(func() {
		a.Stop()
		b.Stop()
	})
	return a, b, ta, tb
}

func waitForState(t *testing.T, m *Machine, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if m.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %v, at %v", want, m.State())
		case <-m.States():
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMachine_HandshakeConnectsBothSides(t *testing.T) {
	signals := newTestSignaler()
	a, b, ta, tb := startPair(t, signals)

	if !a.Initiator() {
		t.Fatalf("expected alice to initiate (alice < bob)")
	}
	if b.Initiator() {
		t.Fatalf("expected bob to answer, not initiate")
	}

	waitForState(t, a, StateConnected)
	waitForState(t, b, StateConnected)

	aOffers, aAccepted, aAnswers, _ := ta.snapshot()
	bOffers, bAccepted, bAnswers, _ := tb.snapshot()
	if aOffers != 1 || aAccepted != 0 || aAnswers != 1 {
		t.Fatalf("initiator transport: offers=%d accepted=%d answers=%d", aOffers, aAccepted, aAnswers)
	}
	if bOffers != 0 || bAccepted != 1 || bAnswers != 0 {
		t.Fatalf("responder transport: offers=%d accepted=%d answers=%d", bOffers, bAccepted, bAnswers)
	}
}

func TestMachine_CandidatesReachPartner(t *testing.T) {
	signals := newTestSignaler()
	a, b, ta, tb := startPair(t, signals)
	waitForState(t, a, StateConnected)
	waitForState(t, b, StateConnected)

	// The responder emits candidate:responder while accepting the
	// offer; it must land on the initiator's transport, and vice versa.
	deadline := time.After(5 * time.Second)
	for {
		ta.mu.Lock()
		aGot := len(ta.candidates)
		ta.mu.Unlock()
		tb.mu.Lock()
		bGot := len(tb.candidates)
		tb.mu.Unlock()
		if aGot > 0 && bGot > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("candidates not exchanged: initiator=%d responder=%d", aGot, bGot)
		case <-time.After(10 * time.Millisecond):
		}
	}

	ta.mu.Lock()
	defer ta.mu.Unlock()
	if ta.candidates[0].Candidate != "candidate:responder" {
		t.Fatalf("initiator got candidate %q", ta.candidates[0].Candidate)
	}
}

func TestMachine_StopIsIdempotentAndReleasesResources(t *testing.T) {
	signals := newTestSignaler()
	tr := &fakeTransport{}
	media := &fakeMedia{}
	m, err := New(Config{
		SelfID:       "alice",
		PartnerID:    "bob",
		Signaler:     signals,
		Transport:    tr,
		Media:        media,
		PollInterval: 5 * time.Millisecond,
		Log:          discard(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	m.Stop()
	m.Stop()
	<-m.Done()

	if got := m.State(); got != StateDisconnected {
		t.Fatalf("state after Stop = %v, want %v", got, StateDisconnected)
	}
	_, _, _, closed := tr.snapshot()
	if closed != 1 {
		t.Fatalf("transport closed %d times, want 1", closed)
	}
	media.mu.Lock()
	defer media.mu.Unlock()
	for _, tracks := range media.acquired {
		for _, track := range tracks {
			if n := track.(*fakeTrack).stopCount(); n != 1 {
				t.Fatalf("track stopped %d times, want 1", n)
			}
		}
	}
}

func TestMachine_TransportFailureDisconnects(t *testing.T) {
	signals := newTestSignaler()
	a, _, ta, _ := startPair(t, signals)
	waitForState(t, a, StateConnected)

	ta.mu.Lock()
	h := ta.handlers
	ta.mu.Unlock()
	h.OnStateChange(TransportFailed)

	<-a.Done()
	if got := a.State(); got != StateDisconnected {
		t.Fatalf("state after transport failure = %v, want %v", got, StateDisconnected)
	}
}

func TestMachine_MediaFallback(t *testing.T) {
	cases := []struct {
		name      string
		failAV    bool
		failAudio bool
		wantKinds []TrackKind
	}{
		{"full capture", false, false, []TrackKind{TrackAudio, TrackVideo}},
		{"no camera falls back to audio", true, false, []TrackKind{TrackAudio}},
		{"no devices still negotiates", true, true, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			media := &fakeMedia{failAV: tc.failAV, failAudio: tc.failAudio}
			tr := &fakeTransport{}
			m, err := New(Config{
				SelfID:       "alice",
				PartnerID:    "bob",
				Signaler:     newTestSignaler(),
				Transport:    tr,
				Media:        media,
				PollInterval: time.Hour,
				Log:          discard(),
			})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if err := m.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			defer m.Stop()

			tr.mu.Lock()
			var kinds []TrackKind
			for _, track := range tr.localTracks {
				kinds = append(kinds, track.Kind())
			}
			tr.mu.Unlock()
			if fmt.Sprint(kinds) != fmt.Sprint(tc.wantKinds) {
				t.Fatalf("local track kinds = %v, want %v", kinds, tc.wantKinds)
			}
		})
	}
}

func TestMachine_ToggleMutesWithoutRenegotiation(t *testing.T) {
	media := &fakeMedia{}
	tr := &fakeTransport{}
	m, err := New(Config{
		SelfID:       "alice",
		PartnerID:    "bob",
		Signaler:     newTestSignaler(),
		Transport:    tr,
		Media:        media,
		PollInterval: time.Hour,
		Log:          discard(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	if got := m.ToggleAudio(); got {
		t.Fatalf("ToggleAudio() = %v, want muted", got)
	}
	if got := m.ToggleAudio(); !got {
		t.Fatalf("second ToggleAudio() = %v, want unmuted", got)
	}
	if got := m.ToggleVideo(); got {
		t.Fatalf("ToggleVideo() = %v, want muted", got)
	}

	offers, _, _, _ := tr.snapshot()
	if offers != 1 {
		t.Fatalf("toggling caused renegotiation: %d offers", offers)
	}
}

func TestMachine_IgnoresMalformedEnvelopes(t *testing.T) {
	signals := newTestSignaler()
	tr := &fakeTransport{}
	m, err := New(Config{
		SelfID:       "bob",
		PartnerID:    "alice",
		Signaler:     signals,
		Transport:    tr,
		PollInterval: 5 * time.Millisecond,
		Log:          discard(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	ctx := context.Background()
	if err := signals.Send(ctx, relay.SignalEnvelope{
		From: "alice", To: "bob", Kind: relay.KindOffer,
		Data: json.RawMessage(`"not an object"`),
	}); err != nil {
		t.Fatalf("Send garbage: %v", err)
	}
	valid, _ := json.Marshal(SessionDescription{Type: "offer", SDP: "offer-sdp"})
	if err := signals.Send(ctx, relay.SignalEnvelope{
		From: "alice", To: "bob", Kind: relay.KindOffer, Data: valid,
	}); err != nil {
		t.Fatalf("Send offer: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		_, accepted, _, _ := tr.snapshot()
		if accepted == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("valid offer after garbage never accepted")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMachine_ValidatesConfig(t *testing.T) {
	signals := newTestSignaler()
	tr := &fakeTransport{}
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing self", Config{PartnerID: "bob", Signaler: signals, Transport: tr}},
		{"missing partner", Config{SelfID: "alice", Signaler: signals, Transport: tr}},
		{"self partner", Config{SelfID: "alice", PartnerID: "alice", Signaler: signals, Transport: tr}},
		{"nil signaler", Config{SelfID: "alice", PartnerID: "bob", Transport: tr}},
		{"nil transport", Config{SelfID: "alice", PartnerID: "bob", Signaler: signals}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}
