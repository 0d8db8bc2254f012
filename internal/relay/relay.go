// Package relay implements the one-shot message mailboxes used for
// session negotiation and text chat.
//
// An envelope is stored under its recipient with a TTL and is consumed
// by the first poll that observes it. Keys embed a fixed-width send
// timestamp so a prefix scan returns envelopes in the order they were
// stored.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/driftline/driftline/internal/kvstore"
)

// ErrInvalidEnvelope is returned by Send when a required envelope field
// is missing. It is always a caller bug and maps to HTTP 400.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// SignalKind enumerates the negotiation message types.
type SignalKind string

const (
	KindOffer        SignalKind = "offer"
	KindAnswer       SignalKind = "answer"
	KindICECandidate SignalKind = "ice-candidate"
)

func (k SignalKind) valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate:
		return true
	}
	return false
}

// SignalEnvelope is one queued negotiation message. Data is opaque to
// the relay; only the two peers interpret it.
type SignalEnvelope struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Kind SignalKind      `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TextEnvelope is one queued chat message. SentAt is epoch
// milliseconds, matching what browser clients produce and display.
type TextEnvelope struct {
	From   string `json:"from"`
	Body   string `json:"message"`
	SentAt int64  `json:"timestamp"`
}

const (
	// DefaultSignalTTL bounds how long an unfetched negotiation message
	// survives. Signals are useless once a negotiation has moved on, so
	// this is short.
	DefaultSignalTTL = 60 * time.Second

	// DefaultTextTTL is longer: a chat line should survive a few missed
	// poll cycles (tab in background, transient network loss).
	DefaultTextTTL = 300 * time.Second
)

// mailbox stores consume-on-read envelopes keyed by recipient.
//
// Key layout: <prefix><recipient>:<nanos>.<seq> with fixed-width
// numeric fields, so ascending key order is send order even for sends
// that land on the same clock tick.
type mailbox struct {
	store  kvstore.Store
	clock  kvstore.Clock
	prefix string
	ttl    time.Duration
	seq    atomic.Uint64
}

func (m *mailbox) put(ctx context.Context, recipient string, payload []byte) error {
	key := fmt.Sprintf("%s%s:%020d.%06d", m.prefix, recipient, m.clock.Now().UnixNano(), m.seq.Add(1)%1000000)
	if err := m.store.Set(ctx, key, payload, m.ttl); err != nil {
		return fmt.Errorf("store envelope: %w", err)
	}
	return nil
}

// take returns all pending payloads for recipient and deletes exactly
// the keys it fetched, oldest first.
func (m *mailbox) take(ctx context.Context, recipient string) ([][]byte, error) {
	entries, err := m.store.ScanPrefix(ctx, m.prefix+recipient+":")
	if err != nil {
		return nil, fmt.Errorf("scan envelopes: %w", err)
	}
	payloads := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if err := m.store.Delete(ctx, e.Key); err != nil {
			return nil, fmt.Errorf("consume envelope %q: %w", e.Key, err)
		}
		payloads = append(payloads, e.Value)
	}
	return payloads, nil
}

// SignalRelay ferries negotiation envelopes between two matched peers.
type SignalRelay struct {
	mb  mailbox
	log *slog.Logger
}

// NewSignalRelay builds a relay over store. ttl <= 0 selects
// DefaultSignalTTL; a nil clock selects the system clock.
func NewSignalRelay(store kvstore.Store, clock kvstore.Clock, ttl time.Duration, log *slog.Logger) *SignalRelay {
	if clock == nil {
		clock = kvstore.SystemClock{}
	}
	if ttl <= 0 {
		ttl = DefaultSignalTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &SignalRelay{
		mb:  mailbox{store: store, clock: clock, prefix: "signal:", ttl: ttl},
		log: log,
	}
}

// Send queues env for its recipient.
func (r *SignalRelay) Send(ctx context.Context, env SignalEnvelope) error {
	if env.From == "" || env.To == "" || !env.Kind.valid() {
		return fmt.Errorf("%w: from=%q to=%q type=%q", ErrInvalidEnvelope, env.From, env.To, env.Kind)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return r.mb.put(ctx, env.To, payload)
}

// Poll returns and consumes every pending envelope addressed to userID,
// oldest first. An empty mailbox yields an empty slice, not an error.
func (r *SignalRelay) Poll(ctx context.Context, userID string) ([]SignalEnvelope, error) {
	payloads, err := r.mb.take(ctx, userID)
	if err != nil {
		return nil, err
	}
	envs := make([]SignalEnvelope, 0, len(payloads))
	for _, p := range payloads {
		var env SignalEnvelope
		if err := json.Unmarshal(p, &env); err != nil {
			// Only our own writes live under this prefix; a bad record
			// is dropped rather than wedging the recipient's mailbox.
			r.log.Warn("dropping undecodable signal envelope", "user_id", userID, "err", err)
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// TextRelay queues chat text with the same delivery contract as
// SignalRelay but a longer expiry window.
type TextRelay struct {
	mb  mailbox
	log *slog.Logger
}

func NewTextRelay(store kvstore.Store, clock kvstore.Clock, ttl time.Duration, log *slog.Logger) *TextRelay {
	if clock == nil {
		clock = kvstore.SystemClock{}
	}
	if ttl <= 0 {
		ttl = DefaultTextTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &TextRelay{
		mb:  mailbox{store: store, clock: clock, prefix: "message:", ttl: ttl},
		log: log,
	}
}

// Send queues body from sender to recipient.
func (r *TextRelay) Send(ctx context.Context, from, to, body string) error {
	if from == "" || to == "" || body == "" {
		return fmt.Errorf("%w: from=%q to=%q empty_body=%v", ErrInvalidEnvelope, from, to, body == "")
	}
	env := TextEnvelope{From: from, Body: body, SentAt: r.mb.clock.Now().UnixMilli()}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return r.mb.put(ctx, to, payload)
}

// Poll returns and consumes every pending message addressed to userID,
// oldest first.
func (r *TextRelay) Poll(ctx context.Context, userID string) ([]TextEnvelope, error) {
	payloads, err := r.mb.take(ctx, userID)
	if err != nil {
		return nil, err
	}
	msgs := make([]TextEnvelope, 0, len(payloads))
	for _, p := range payloads {
		var env TextEnvelope
		if err := json.Unmarshal(p, &env); err != nil {
			r.log.Warn("dropping undecodable text envelope", "user_id", userID, "err", err)
			continue
		}
		msgs = append(msgs, env)
	}
	return msgs, nil
}
