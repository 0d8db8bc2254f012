package httpserver_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/driftline/driftline/internal/apiclient"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/connection"
	"github.com/driftline/driftline/internal/httpserver"
	"github.com/driftline/driftline/internal/kvstore"
	"github.com/driftline/driftline/internal/matchmaking"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/relay"
)

func startServer(t *testing.T, cfg config.Config) (*apiclient.Client, *metrics.Metrics) {
	t.Helper()

	store := kvstore.NewMemoryStore(nil)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	conns := &connection.Manager{Store: store}
	svc := httpserver.Services{
		Matchmaking: &matchmaking.Service{
			Store:       store,
			Connections: conns,
			Metrics:     m,
			Log:         log,
		},
		Signals:     relay.NewSignalRelay(store, nil, cfg.SignalTTL, log),
		Messages:    relay.NewTextRelay(store, nil, cfg.MessageTTL, log),
		Connections: conns,
		Metrics:     m,
	}

	srv := httpserver.New(cfg, log, svc)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			t.Errorf("server error: %v", err)
		}
	})

	return apiclient.New("http://"+ln.Addr().String(), cfg.AuthToken), m
}

func TestHealth(t *testing.T) {
	client, _ := startServer(t, config.Config{})
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

func TestAuth_RequiredForEverythingButHealth(t *testing.T) {
	ctx := context.Background()
	client, _ := startServer(t, config.Config{AuthToken: "sekrit"})

	unauthed := apiclient.New(client.BaseURL, "")
	if err := unauthed.Health(ctx); err != nil {
		t.Fatalf("health must stay open: %v", err)
	}

	_, err := unauthed.JoinQueue(ctx, "u1", nil)
	var apiErr *apiclient.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}

	wrong := apiclient.New(client.BaseURL, "guess")
	if _, err := wrong.JoinQueue(ctx, "u1", nil); !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %v", err)
	}

	if _, err := client.JoinQueue(ctx, "u1", nil); err != nil {
		t.Fatalf("authed join: %v", err)
	}
}

// TestEndToEndScenario walks the full happy path: two users with
// overlapping interests join, match, signal and chat.
func TestEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	client, m := startServer(t, config.Config{})

	joinA, err := client.JoinQueue(ctx, "user-a", []string{"music", "gaming"})
	if err != nil {
		t.Fatalf("join a: %v", err)
	}
	if joinA.Matched || !joinA.Waiting {
		t.Fatalf("first joiner must wait: %+v", joinA)
	}

	joinB, err := client.JoinQueue(ctx, "user-b", []string{"gaming", "art"})
	if err != nil {
		t.Fatalf("join b: %v", err)
	}
	if !joinB.Matched || joinB.Partner == nil || joinB.Partner.UserID != "user-a" {
		t.Fatalf("second joiner must match the first: %+v", joinB)
	}

	checkA, err := client.CheckMatch(ctx, "user-a")
	if err != nil {
		t.Fatalf("check a: %v", err)
	}
	if !checkA.Matched || checkA.Partner.UserID != "user-b" {
		t.Fatalf("a's poll must report b: %+v", checkA)
	}

	// Both sides see distinct generated usernames.
	if joinA.YourUsername == joinB.YourUsername {
		t.Fatalf("usernames must be generated per user, both got %q", joinA.YourUsername)
	}
	if !strings.HasPrefix(checkA.Partner.Username, "Stranger_") {
		t.Fatalf("partner username %q", checkA.Partner.Username)
	}
	// The initiator rule is client-side and deterministic: user-a
	// initiates because "user-a" < "user-b".
	if !("user-a" < "user-b") {
		t.Fatalf("test ids no longer ordered")
	}

	// Signaling: a's offer reaches b exactly once.
	offer := relay.SignalEnvelope{From: "user-a", To: "user-b", Kind: relay.KindOffer}
	if err := client.Send(ctx, offer); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	signals, err := client.Poll(ctx, "user-b")
	if err != nil {
		t.Fatalf("poll b: %v", err)
	}
	if len(signals) != 1 || signals[0].Kind != relay.KindOffer {
		t.Fatalf("unexpected signals: %+v", signals)
	}
	signals, _ = client.Poll(ctx, "user-b")
	if len(signals) != 0 {
		t.Fatalf("signals must be consume-on-read, got %+v", signals)
	}

	// Text chat.
	if err := client.SendMessage(ctx, "user-a", "hi there"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	msgs, err := client.GetMessages(ctx, "user-b")
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].From != "user-a" || msgs[0].Body != "hi there" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	if got := m.Get(metrics.MatchesMade); got != 1 {
		t.Fatalf("matches_made=%d", got)
	}
	if got := m.Get(metrics.SignalsRelayed); got != 1 {
		t.Fatalf("signals_relayed=%d", got)
	}

	// Disconnect tears the pairing down for both sides; a second
	// disconnect is a no-op.
	if err := client.Disconnect(ctx, "user-a"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := client.Disconnect(ctx, "user-a"); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	checkB, _ := client.CheckMatch(ctx, "user-b")
	if checkB.Matched {
		t.Fatalf("b still matched after a's disconnect")
	}
}

func TestSendMessage_RequiresPartner(t *testing.T) {
	ctx := context.Background()
	client, _ := startServer(t, config.Config{})

	err := client.SendMessage(ctx, "loner", "anyone there?")
	var apiErr *apiclient.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	if !strings.Contains(apiErr.Message, "not connected") {
		t.Fatalf("unexpected error message %q", apiErr.Message)
	}
}

func TestValidation_MissingFields(t *testing.T) {
	ctx := context.Background()
	client, _ := startServer(t, config.Config{})

	var apiErr *apiclient.APIError
	if _, err := client.JoinQueue(ctx, "", nil); !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("join without userId: %v", err)
	}
	if _, err := client.CheckMatch(ctx, ""); !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("check without userId: %v", err)
	}
	if err := client.SendMessage(ctx, "u1", ""); !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("message without body: %v", err)
	}
	bad := relay.SignalEnvelope{From: "a", To: "", Kind: relay.KindOffer}
	if err := client.Send(ctx, bad); !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("signal without recipient: %v", err)
	}
	six := []string{"a", "b", "c", "d", "e", "f"}
	if _, err := client.JoinQueue(ctx, "u1", six); !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("join with six interests: %v", err)
	}
}

func TestWaitingUsersDebugEndpoint(t *testing.T) {
	ctx := context.Background()
	client, _ := startServer(t, config.Config{})

	if _, err := client.JoinQueue(ctx, "u1", []string{"music"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	resp, err := client.WaitingUsers(ctx)
	if err != nil {
		t.Fatalf("WaitingUsers: %v", err)
	}
	if resp.Count != 1 || len(resp.Users) != 1 || resp.Users[0].UserID != "u1" {
		t.Fatalf("unexpected waiting users: %+v", resp)
	}
}

func TestGetSignals_EmptyIsNotAnError(t *testing.T) {
	ctx := context.Background()
	client, _ := startServer(t, config.Config{})

	signals, err := client.Poll(ctx, "nobody")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("expected empty, got %+v", signals)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ctx := context.Background()
	client, _ := startServer(t, config.Config{})

	if _, err := client.JoinQueue(ctx, "u1", nil); err != nil {
		t.Fatalf("join: %v", err)
	}

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, client.BaseURL+"/metricsz", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /metricsz: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), metrics.JoinsWaiting+" 1") {
		t.Fatalf("metrics body missing joins_waiting: %q", body)
	}
}
