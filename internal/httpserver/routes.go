package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/driftline/driftline/internal/connection"
	"github.com/driftline/driftline/internal/matchmaking"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/relay"
)

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.mux.HandleFunc("GET /metricsz", s.handleMetrics)

	s.mux.HandleFunc("POST /join-queue", s.handleJoinQueue)
	s.mux.HandleFunc("POST /check-match", s.handleCheckMatch)
	s.mux.HandleFunc("POST /signal", s.handleSignal)
	s.mux.HandleFunc("POST /get-signals", s.handleGetSignals)
	s.mux.HandleFunc("POST /disconnect", s.handleDisconnect)
	s.mux.HandleFunc("POST /send-message", s.handleSendMessage)
	s.mux.HandleFunc("POST /get-messages", s.handleGetMessages)

	// Debug only: inspect the waiting set.
	s.mux.HandleFunc("GET /waiting-users", s.handleWaitingUsers)
}

// decodeBody parses a JSON request body into dst, rejecting bodies that
// are not a single JSON object.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// clientError reports whether err is the caller's fault (HTTP 400)
// rather than a store or internal failure (HTTP 500).
func clientError(err error) bool {
	return errors.Is(err, matchmaking.ErrMissingUserID) ||
		errors.Is(err, matchmaking.ErrTooManyInterests) ||
		errors.Is(err, relay.ErrInvalidEnvelope) ||
		errors.Is(err, connection.ErrNotConnected)
}

// fail maps a service error onto the wire: validation problems carry
// their own message at 400, everything else is a 500 with a stable,
// non-leaky message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, action string) {
	if clientError(err) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Error("request failed",
		"action", action,
		"err", err,
		"request_id", r.Header.Get("X-Request-ID"),
	)
	writeError(w, http.StatusInternalServerError, "failed to "+action)
}

type joinQueueRequest struct {
	UserID    string   `json:"userId"`
	Interests []string `json:"interests"`
}

type joinQueueResponse struct {
	Matched      bool                 `json:"matched"`
	Waiting      bool                 `json:"waiting,omitempty"`
	Partner      *matchmaking.Partner `json:"partner,omitempty"`
	YourUsername string               `json:"yourUsername"`
}

func (s *Server) handleJoinQueue(w http.ResponseWriter, r *http.Request) {
	var req joinQueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	res, err := s.svc.Matchmaking.Join(r.Context(), req.UserID, req.Interests)
	if err != nil {
		s.fail(w, r, err, "join queue")
		return
	}
	WriteJSON(w, http.StatusOK, joinQueueResponse{
		Matched:      res.Matched,
		Waiting:      !res.Matched,
		Partner:      res.Partner,
		YourUsername: res.Username,
	})
}

type userIDRequest struct {
	UserID string `json:"userId"`
}

type checkMatchResponse struct {
	Matched bool                 `json:"matched"`
	Waiting bool                 `json:"waiting,omitempty"`
	Partner *matchmaking.Partner `json:"partner,omitempty"`
}

func (s *Server) handleCheckMatch(w http.ResponseWriter, r *http.Request) {
	var req userIDRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	res, err := s.svc.Matchmaking.Check(r.Context(), req.UserID)
	if err != nil {
		s.fail(w, r, err, "check match")
		return
	}
	WriteJSON(w, http.StatusOK, checkMatchResponse{
		Matched: res.Matched,
		Waiting: !res.Matched,
		Partner: res.Partner,
	})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var env relay.SignalEnvelope
	if err := decodeBody(r, &env); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.svc.Signals.Send(r.Context(), env); err != nil {
		s.fail(w, r, err, "send signal")
		return
	}
	s.svc.Metrics.Inc(metrics.SignalsRelayed)
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGetSignals(w http.ResponseWriter, r *http.Request) {
	var req userIDRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	signals, err := s.svc.Signals.Poll(r.Context(), req.UserID)
	if err != nil {
		s.fail(w, r, err, "get signals")
		return
	}
	s.svc.Metrics.Add(metrics.SignalsDelivered, uint64(len(signals)))
	WriteJSON(w, http.StatusOK, map[string][]relay.SignalEnvelope{"signals": signals})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req userIDRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	if err := s.svc.Connections.Disconnect(r.Context(), req.UserID); err != nil {
		s.fail(w, r, err, "disconnect")
		return
	}
	s.svc.Metrics.Inc(metrics.Disconnects)
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type sendMessageRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "userId and message are required")
		return
	}

	p, ok, err := s.svc.Connections.Partner(r.Context(), req.UserID)
	if err != nil {
		s.fail(w, r, err, "send message")
		return
	}
	if !ok {
		s.fail(w, r, connection.ErrNotConnected, "send message")
		return
	}

	if err := s.svc.Messages.Send(r.Context(), req.UserID, p.PartnerID, req.Message); err != nil {
		s.fail(w, r, err, "send message")
		return
	}
	s.svc.Metrics.Inc(metrics.MessagesRelayed)
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	var req userIDRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	messages, err := s.svc.Messages.Poll(r.Context(), req.UserID)
	if err != nil {
		s.fail(w, r, err, "get messages")
		return
	}
	WriteJSON(w, http.StatusOK, map[string][]relay.TextEnvelope{"messages": messages})
}

type waitingUsersResponse struct {
	Count int                       `json:"count"`
	Users []matchmaking.WaitingUser `json:"users"`
}

func (s *Server) handleWaitingUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.Matchmaking.WaitingUsers(r.Context())
	if err != nil {
		s.fail(w, r, err, "list waiting users")
		return
	}
	WriteJSON(w, http.StatusOK, waitingUsersResponse{Count: len(users), Users: users})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, name := range s.svc.Metrics.Names() {
		fmt.Fprintf(w, "%s %d\n", name, s.svc.Metrics.Get(name))
	}
}
