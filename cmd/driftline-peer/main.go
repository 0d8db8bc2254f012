// driftline-peer is a headless client: it joins the matchmaking queue,
// negotiates a media session with whoever it is paired with and bridges
// stdin/stdout to the text chat. Useful for soak testing a deployment
// and as a reference for the negotiation flow.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/driftline/internal/apiclient"
	"github.com/driftline/driftline/internal/matchmaking"
	"github.com/driftline/driftline/internal/peer"
)

const (
	matchPollInterval   = 2 * time.Second
	messagePollInterval = time.Second
)

func main() {
	fs := flag.NewFlagSet("driftline-peer", flag.ContinueOnError)
	server := fs.String("server", "http://127.0.0.1:8080", "driftline server base URL")
	token := fs.String("token", os.Getenv("AUTH_TOKEN"), "bearer token, empty if the server runs without auth")
	interestsFlag := fs.String("interests", "", "comma-separated interests to match on")
	noMedia := fs.Bool("no-media", false, "negotiate without local capture tracks")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q\n", *logLevel)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var interests []string
	for _, s := range strings.Split(*interestsFlag, ",") {
		if s = strings.TrimSpace(s); s != "" {
			interests = append(interests, s)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := apiclient.New(*server, *token)
	userID := uuid.NewString()

	if err := run(ctx, client, logger, userID, interests, *noMedia); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("session failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, client *apiclient.Client, logger *slog.Logger, userID string, interests []string, noMedia bool) error {
	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}

	joined, err := client.JoinQueue(ctx, userID, interests)
	if err != nil {
		return fmt.Errorf("join queue: %w", err)
	}
	logger.Info("joined queue", "user_id", userID, "username", joined.YourUsername, "interests", interests)

	// Whatever happens next, leave cleanly so the partner is not stuck
	// talking to a ghost.
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(dctx, userID); err != nil {
			logger.Warn("disconnect failed", "err", err)
		}
	}()

	partner := joined.Partner
	if partner == nil {
		partner, err = waitForMatch(ctx, client, userID)
		if err != nil {
			return err
		}
	}
	fmt.Printf("matched with %s, say hi\n", partner.Username)

	var media peer.MediaSource
	if !noMedia {
		media = &peer.SampleSource{CaptureAudio: true, CaptureVideo: true}
	}
	transport, err := peer.NewPionTransport(peer.PionConfig{ICEServers: peer.DefaultICEServers})
	if err != nil {
		return fmt.Errorf("webrtc transport: %w", err)
	}
	machine, err := peer.New(peer.Config{
		SelfID:    userID,
		PartnerID: partner.UserID,
		Signaler:  client,
		Transport: transport,
		Media:     media,
		Log:       logger,
		OnRemoteTrack: func(t peer.RemoteTrack) {
			logger.Info("receiving partner media", "kind", string(t.Kind()), "track_id", t.ID())
		},
	})
	if err != nil {
		return err
	}
	if err := machine.Start(ctx); err != nil {
		return fmt.Errorf("start negotiation: %w", err)
	}
	defer machine.Stop()

	go pumpIncomingMessages(ctx, client, logger, userID)
	go pumpStdin(ctx, client, logger, machine, userID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-machine.Done():
			fmt.Println("partner disconnected")
			return nil
		case state := <-machine.States():
			logger.Info("session state", "state", state.String())
		}
	}
}

func waitForMatch(ctx context.Context, client *apiclient.Client, userID string) (*matchmaking.Partner, error) {
	fmt.Println("waiting for a partner...")
	ticker := time.NewTicker(matchPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		resp, err := client.CheckMatch(ctx, userID)
		if err != nil {
			slog.Warn("match poll failed", "err", err)
			continue
		}
		if resp.Matched && resp.Partner != nil {
			return resp.Partner, nil
		}
	}
}

func pumpIncomingMessages(ctx context.Context, client *apiclient.Client, logger *slog.Logger, userID string) {
	ticker := time.NewTicker(messagePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		msgs, err := client.GetMessages(ctx, userID)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("message poll failed", "err", err)
			}
			continue
		}
		for _, m := range msgs {
			fmt.Printf("[%s] %s\n", time.UnixMilli(m.SentAt).Format("15:04:05"), m.Body)
		}
	}
}

// pumpStdin ships typed lines to the partner. Lines starting with a
// slash are local commands: /audio and /video toggle tracks, /quit ends
// the session.
func pumpStdin(ctx context.Context, client *apiclient.Client, logger *slog.Logger, machine *peer.Machine, userID string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			machine.Stop()
			return
		case line == "/audio":
			fmt.Printf("audio enabled: %v\n", machine.ToggleAudio())
		case line == "/video":
			fmt.Printf("video enabled: %v\n", machine.ToggleVideo())
		default:
			if err := client.SendMessage(ctx, userID, line); err != nil && ctx.Err() == nil {
				logger.Warn("send message failed", "err", err)
			}
		}
	}
}
