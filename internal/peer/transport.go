package peer

import "context"

// SessionDescription is the serialized offer/answer payload carried
// inside a signal envelope.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is the serialized network-path candidate payload.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// TransportState is the connection state reported by a Transport.
type TransportState string

const (
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// TransportHandlers are the callbacks a Transport fires during
// negotiation. All fields are optional.
type TransportHandlers struct {
	// OnLocalCandidate fires for every locally gathered network-path
	// candidate that should be relayed to the partner.
	OnLocalCandidate func(ICECandidate)

	// OnRemoteTrack fires when the partner's media starts arriving.
	OnRemoteTrack func(RemoteTrack)

	// OnStateChange reports transport connectivity transitions.
	OnStateChange func(TransportState)
}

// Transport is the negotiation surface of a peer media session. The
// production implementation wraps a pion PeerConnection; tests use a
// scripted fake.
type Transport interface {
	// Bind registers callbacks. It must be called once, before any
	// other method.
	Bind(TransportHandlers) error

	// AddLocalTrack attaches a local media track to the session.
	AddLocalTrack(Track) error

	// CreateOffer produces and applies the local offer.
	CreateOffer(ctx context.Context) (SessionDescription, error)

	// AcceptOffer applies the partner's offer and produces and applies
	// the local answer.
	AcceptOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error)

	// AcceptAnswer applies the partner's answer, completing the
	// initiator's negotiation.
	AcceptAnswer(ctx context.Context, answer SessionDescription) error

	// AddRemoteCandidate applies a partner network-path candidate.
	AddRemoteCandidate(ctx context.Context, cand ICECandidate) error

	// Close releases the transport. Safe to call more than once.
	Close() error
}
