// Package apiclient is the Go client for the driftline HTTP API. The
// headless peer binary drives its whole session through it, and it
// doubles as the Signaler implementation for the negotiation state
// machine.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/driftline/driftline/internal/matchmaking"
	"github.com/driftline/driftline/internal/relay"
)

// APIError is a non-2xx response decoded from the server's error body.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type Client struct {
	// BaseURL is the server root, e.g. "http://127.0.0.1:8080".
	BaseURL string

	// Token is the shared anonymous bearer credential. Empty sends no
	// Authorization header.
	Token string

	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody struct {
			Error string `json:"error"`
		}
		msg := resp.Status
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err == nil && errBody.Error != "" {
			msg = errBody.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

type JoinQueueResponse struct {
	Matched      bool                 `json:"matched"`
	Waiting      bool                 `json:"waiting"`
	Partner      *matchmaking.Partner `json:"partner"`
	YourUsername string               `json:"yourUsername"`
}

func (c *Client) JoinQueue(ctx context.Context, userID string, interests []string) (JoinQueueResponse, error) {
	req := map[string]any{"userId": userID, "interests": interests}
	var resp JoinQueueResponse
	err := c.do(ctx, http.MethodPost, "/join-queue", req, &resp)
	return resp, err
}

type CheckMatchResponse struct {
	Matched bool                 `json:"matched"`
	Waiting bool                 `json:"waiting"`
	Partner *matchmaking.Partner `json:"partner"`
}

func (c *Client) CheckMatch(ctx context.Context, userID string) (CheckMatchResponse, error) {
	var resp CheckMatchResponse
	err := c.do(ctx, http.MethodPost, "/check-match", map[string]string{"userId": userID}, &resp)
	return resp, err
}

// Send relays a negotiation envelope to its recipient. Together with
// Poll it satisfies the negotiation machine's Signaler.
func (c *Client) Send(ctx context.Context, env relay.SignalEnvelope) error {
	return c.do(ctx, http.MethodPost, "/signal", env, nil)
}

// Poll fetches and consumes the pending negotiation envelopes for
// userID.
func (c *Client) Poll(ctx context.Context, userID string) ([]relay.SignalEnvelope, error) {
	var resp struct {
		Signals []relay.SignalEnvelope `json:"signals"`
	}
	if err := c.do(ctx, http.MethodPost, "/get-signals", map[string]string{"userId": userID}, &resp); err != nil {
		return nil, err
	}
	return resp.Signals, nil
}

func (c *Client) Disconnect(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/disconnect", map[string]string{"userId": userID}, nil)
}

func (c *Client) SendMessage(ctx context.Context, userID, message string) error {
	req := map[string]string{"userId": userID, "message": message}
	return c.do(ctx, http.MethodPost, "/send-message", req, nil)
}

func (c *Client) GetMessages(ctx context.Context, userID string) ([]relay.TextEnvelope, error) {
	var resp struct {
		Messages []relay.TextEnvelope `json:"messages"`
	}
	if err := c.do(ctx, http.MethodPost, "/get-messages", map[string]string{"userId": userID}, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

type WaitingUsersResponse struct {
	Count int                       `json:"count"`
	Users []matchmaking.WaitingUser `json:"users"`
}

func (c *Client) WaitingUsers(ctx context.Context) (WaitingUsersResponse, error) {
	var resp WaitingUsersResponse
	err := c.do(ctx, http.MethodGet, "/waiting-users", nil, &resp)
	return resp, err
}

func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("unexpected health status %q", resp.Status)
	}
	return nil
}
