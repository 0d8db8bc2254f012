// Package matchmaking owns the waiting set: joining, interest-based
// pairing, match polling and leaving.
package matchmaking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/driftline/driftline/internal/connection"
	"github.com/driftline/driftline/internal/kvstore"
	"github.com/driftline/driftline/internal/metrics"
)

// MaxInterests bounds the free-text tags a user may queue with.
const MaxInterests = 5

var (
	ErrMissingUserID    = errors.New("userId is required")
	ErrTooManyInterests = fmt.Errorf("at most %d interests are allowed", MaxInterests)
)

// WaitingUser is one member of the waiting set. EnqueuedAt is epoch
// milliseconds.
type WaitingUser struct {
	UserID     string   `json:"userId"`
	Username   string   `json:"username"`
	Interests  []string `json:"interests"`
	EnqueuedAt int64    `json:"timestamp"`
}

// Identity is the durable display-name record persisted at join so both
// sides of a pairing keep agreeing on each other's name after the
// waiting records are consumed.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Partner identifies the matched peer as reported to a client.
type Partner struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// JoinResult is the outcome of a join: either an immediate match or a
// spot in the waiting set.
type JoinResult struct {
	Matched  bool
	Partner  *Partner
	Username string
}

// CheckResult is the outcome of a match poll.
type CheckResult struct {
	Matched bool
	Partner *Partner
}

const (
	waitingPrefix  = "waiting:"
	identityPrefix = "identity:"

	// DefaultWaitingTTL reaps waiting records whose owner stopped
	// polling without leaving.
	DefaultWaitingTTL = time.Hour

	// DefaultIdentityTTL outlives any plausible conversation; identity
	// records are deleted eagerly on disconnect, the TTL is a backstop.
	DefaultIdentityTTL = 24 * time.Hour
)

// Service implements the matchmaking queue over an injected store.
type Service struct {
	Store       kvstore.Store
	Clock       kvstore.Clock
	Connections *connection.Manager
	Metrics     *metrics.Metrics
	Log         *slog.Logger

	WaitingTTL  time.Duration
	IdentityTTL time.Duration
}

func (s *Service) clock() kvstore.Clock {
	if s.Clock == nil {
		return kvstore.SystemClock{}
	}
	return s.Clock
}

func (s *Service) log() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func (s *Service) waitingTTL() time.Duration {
	if s.WaitingTTL <= 0 {
		return DefaultWaitingTTL
	}
	return s.WaitingTTL
}

func (s *Service) identityTTL() time.Duration {
	if s.IdentityTTL <= 0 {
		return DefaultIdentityTTL
	}
	return s.IdentityTTL
}

// generateUsername produces the anonymous display handle shown to the
// partner.
func generateUsername() string {
	return fmt.Sprintf("Stranger_%d", rand.IntN(10000))
}

// normalizeInterests lowercases, trims and de-duplicates tags.
// Matching is case-insensitive, so normalization happens once at the
// boundary instead of per comparison.
func normalizeInterests(interests []string) []string {
	out := make([]string, 0, len(interests))
	seen := make(map[string]struct{}, len(interests))
	for _, tag := range interests {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// overlap counts shared tags between two normalized interest lists.
func overlap(a, b []string) int {
	set := make(map[string]struct{}, len(a))
	for _, tag := range a {
		set[tag] = struct{}{}
	}
	n := 0
	for _, tag := range b {
		if _, ok := set[tag]; ok {
			n++
		}
	}
	return n
}

// Join enqueues userID and immediately tries to pair it with the best
// waiting candidate: highest interest overlap, ties broken by earliest
// enqueue. Zero overlap still matches; only an empty waiting set leaves
// the caller queued.
func (s *Service) Join(ctx context.Context, userID string, interests []string) (JoinResult, error) {
	if userID == "" {
		return JoinResult{}, ErrMissingUserID
	}
	if len(interests) > MaxInterests {
		return JoinResult{}, ErrTooManyInterests
	}

	username := generateUsername()
	now := s.clock().Now()

	if err := s.storeIdentity(ctx, Identity{UserID: userID, Username: username}); err != nil {
		return JoinResult{}, err
	}

	me := WaitingUser{
		UserID:     userID,
		Username:   username,
		Interests:  normalizeInterests(interests),
		EnqueuedAt: now.UnixMilli(),
	}
	payload, err := json.Marshal(me)
	if err != nil {
		return JoinResult{}, fmt.Errorf("marshal waiting record: %w", err)
	}
	if err := s.Store.Set(ctx, waitingPrefix+userID, payload, s.waitingTTL()); err != nil {
		return JoinResult{}, fmt.Errorf("enqueue %q: %w", userID, err)
	}

	candidates, err := s.rankedCandidates(ctx, me)
	if err != nil {
		return JoinResult{}, err
	}

	for _, cand := range candidates {
		claimed, err := s.Store.ClaimPair(ctx, waitingPrefix+userID, waitingPrefix+cand.UserID)
		if err != nil {
			return JoinResult{}, fmt.Errorf("claim pair: %w", err)
		}
		if !claimed {
			// Either the candidate was taken or we were: stop as soon
			// as our own record is gone, a concurrent join has already
			// paired us and check-match will report it.
			if _, stillWaiting, err := s.Store.Get(ctx, waitingPrefix+userID); err != nil {
				return JoinResult{}, err
			} else if !stillWaiting {
				break
			}
			continue
		}

		if _, err := s.Connections.Establish(ctx, userID, cand.UserID); err != nil {
			return JoinResult{}, err
		}
		s.Metrics.Inc(metrics.MatchesMade)
		s.log().Info("matched",
			"user_id", userID,
			"partner_id", cand.UserID,
			"shared_interests", overlap(me.Interests, cand.Interests),
		)
		return JoinResult{
			Matched:  true,
			Partner:  &Partner{UserID: cand.UserID, Username: cand.Username},
			Username: username,
		}, nil
	}

	s.Metrics.Inc(metrics.JoinsWaiting)
	return JoinResult{Matched: false, Username: username}, nil
}

// rankedCandidates returns the waiting set minus the caller, ordered by
// descending interest overlap with ties broken by earliest enqueue (and
// by user id only when enqueue instants collide, to keep the order
// total).
func (s *Service) rankedCandidates(ctx context.Context, me WaitingUser) ([]WaitingUser, error) {
	entries, err := s.Store.ScanPrefix(ctx, waitingPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan waiting set: %w", err)
	}

	type scored struct {
		user  WaitingUser
		score int
	}
	candidates := make([]scored, 0, len(entries))
	for _, e := range entries {
		var u WaitingUser
		if err := json.Unmarshal(e.Value, &u); err != nil {
			s.log().Warn("dropping undecodable waiting record", "key", e.Key, "err", err)
			continue
		}
		if u.UserID == me.UserID {
			continue
		}
		u.Interests = normalizeInterests(u.Interests)
		candidates = append(candidates, scored{user: u, score: overlap(me.Interests, u.Interests)})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].user.EnqueuedAt != candidates[j].user.EnqueuedAt {
			return candidates[i].user.EnqueuedAt < candidates[j].user.EnqueuedAt
		}
		return candidates[i].user.UserID < candidates[j].user.UserID
	})

	out := make([]WaitingUser, len(candidates))
	for i, c := range candidates {
		out[i] = c.user
	}
	return out, nil
}

// Check reports whether userID has been paired since its join. Used by
// clients polling after a join that returned waiting.
func (s *Service) Check(ctx context.Context, userID string) (CheckResult, error) {
	if userID == "" {
		return CheckResult{}, ErrMissingUserID
	}
	p, ok, err := s.Connections.Partner(ctx, userID)
	if err != nil {
		return CheckResult{}, err
	}
	if !ok {
		return CheckResult{Matched: false}, nil
	}
	username, err := s.partnerUsername(ctx, p.PartnerID)
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{
		Matched: true,
		Partner: &Partner{UserID: p.PartnerID, Username: username},
	}, nil
}

// partnerUsername resolves a display name identity-first so both sides
// keep seeing the same handle. A fresh random name is the last resort
// for records lost to store expiry.
func (s *Service) partnerUsername(ctx context.Context, partnerID string) (string, error) {
	if raw, ok, err := s.Store.Get(ctx, identityPrefix+partnerID); err != nil {
		return "", err
	} else if ok {
		var id Identity
		if err := json.Unmarshal(raw, &id); err == nil && id.Username != "" {
			return id.Username, nil
		}
	}
	if raw, ok, err := s.Store.Get(ctx, waitingPrefix+partnerID); err != nil {
		return "", err
	} else if ok {
		var u WaitingUser
		if err := json.Unmarshal(raw, &u); err == nil && u.Username != "" {
			return u.Username, nil
		}
	}
	s.log().Warn("no identity record for partner, inventing a name", "partner_id", partnerID)
	return generateUsername(), nil
}

// Leave removes userID from the waiting set. No-op if absent.
func (s *Service) Leave(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrMissingUserID
	}
	if err := s.Store.Delete(ctx, waitingPrefix+userID); err != nil {
		return fmt.Errorf("leave queue: %w", err)
	}
	return nil
}

// WaitingUsers lists the current waiting set. Debug surface only.
func (s *Service) WaitingUsers(ctx context.Context) ([]WaitingUser, error) {
	entries, err := s.Store.ScanPrefix(ctx, waitingPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan waiting set: %w", err)
	}
	users := make([]WaitingUser, 0, len(entries))
	for _, e := range entries {
		var u WaitingUser
		if err := json.Unmarshal(e.Value, &u); err != nil {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

func (s *Service) storeIdentity(ctx context.Context, id Identity) error {
	payload, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := s.Store.Set(ctx, identityPrefix+id.UserID, payload, s.identityTTL()); err != nil {
		return fmt.Errorf("store identity: %w", err)
	}
	return nil
}
