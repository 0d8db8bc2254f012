// Package connection tracks which two users are paired and tears
// pairings down on disconnect.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/driftline/driftline/internal/kvstore"
)

// ErrNotConnected is returned when an operation requires an active
// partner and the user has none. Recoverable: the client re-joins the
// queue.
var ErrNotConnected = errors.New("not connected to anyone")

// Active is the shared record for one confirmed pairing.
type Active struct {
	UserAID       string `json:"user1Id"`
	UserBID       string `json:"user2Id"`
	EstablishedAt int64  `json:"timestamp"`
}

// Pointer is the per-participant back-reference that makes partner
// lookup O(1). The two pointers of a pair are mutual inverses.
type Pointer struct {
	PartnerID    string `json:"partnerId"`
	ConnectionID string `json:"connectionId"`
}

// ID derives the connection id for an unordered user pair. Both sides
// compute the same id regardless of argument order.
func ID(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + "_" + userB
}

const (
	connectionPrefix = "connection:"
	pointerPrefix    = "user-connection:"
	waitingPrefix    = "waiting:"
	identityPrefix   = "identity:"
)

// Manager owns the ActiveConnection and UserConnectionPointer records.
type Manager struct {
	Store kvstore.Store
	Clock kvstore.Clock

	// TTL is a safety bound on connection records so a pair whose both
	// ends vanish without calling disconnect cannot leak forever.
	// Zero means no expiry.
	TTL time.Duration
}

func (m *Manager) clock() kvstore.Clock {
	if m.Clock == nil {
		return kvstore.SystemClock{}
	}
	return m.Clock
}

// Establish writes the connection record and both pointers for a new
// pairing. Called by the matchmaking queue after it has claimed both
// waiting records.
func (m *Manager) Establish(ctx context.Context, userA, userB string) (string, error) {
	connID := ID(userA, userB)
	active := Active{UserAID: userA, UserBID: userB, EstablishedAt: m.clock().Now().UnixMilli()}
	payload, err := json.Marshal(active)
	if err != nil {
		return "", fmt.Errorf("marshal connection: %w", err)
	}
	if err := m.Store.Set(ctx, connectionPrefix+connID, payload, m.TTL); err != nil {
		return "", fmt.Errorf("store connection: %w", err)
	}
	if err := m.setPointer(ctx, userA, Pointer{PartnerID: userB, ConnectionID: connID}); err != nil {
		return "", err
	}
	if err := m.setPointer(ctx, userB, Pointer{PartnerID: userA, ConnectionID: connID}); err != nil {
		return "", err
	}
	return connID, nil
}

func (m *Manager) setPointer(ctx context.Context, owner string, p Pointer) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pointer: %w", err)
	}
	if err := m.Store.Set(ctx, pointerPrefix+owner, payload, m.TTL); err != nil {
		return fmt.Errorf("store pointer for %q: %w", owner, err)
	}
	return nil
}

// Partner returns the pointer for userID, or ok=false when the user has
// no active pairing.
func (m *Manager) Partner(ctx context.Context, userID string) (Pointer, bool, error) {
	raw, ok, err := m.Store.Get(ctx, pointerPrefix+userID)
	if err != nil {
		return Pointer{}, false, fmt.Errorf("get pointer for %q: %w", userID, err)
	}
	if !ok {
		return Pointer{}, false, nil
	}
	var p Pointer
	if err := json.Unmarshal(raw, &p); err != nil {
		return Pointer{}, false, fmt.Errorf("unmarshal pointer for %q: %w", userID, err)
	}
	return p, true, nil
}

// Disconnect removes the pairing userID participates in, both identity
// records, and any stray waiting record (the user may disconnect while
// still queued). Idempotent: nothing to clean up is not an error.
func (m *Manager) Disconnect(ctx context.Context, userID string) error {
	p, ok, err := m.Partner(ctx, userID)
	if err != nil {
		return err
	}
	if ok {
		for _, key := range []string{
			pointerPrefix + userID,
			pointerPrefix + p.PartnerID,
			connectionPrefix + p.ConnectionID,
			identityPrefix + userID,
			identityPrefix + p.PartnerID,
		} {
			if err := m.Store.Delete(ctx, key); err != nil {
				return fmt.Errorf("disconnect cleanup %q: %w", key, err)
			}
		}
	}
	if err := m.Store.Delete(ctx, waitingPrefix+userID); err != nil {
		return fmt.Errorf("remove waiting record for %q: %w", userID, err)
	}
	return nil
}
