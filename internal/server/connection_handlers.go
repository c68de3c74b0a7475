package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

// handleListConnections lists a user's broker connections.
// GET /api/connections?user_id=
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUserID(w, r)
	if !ok {
		return
	}

	conns, err := s.manager.List(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": conns,
		"count":       len(conns),
	})
}

type connectRequest struct {
	UserID string              `json:"user_id"`
	Broker string              `json:"broker"`
	Tokens *domain.TokenBundle `json:"tokens"`
}

// handleConnectWithTokens links a broker using externally obtained tokens.
// POST /api/connections
func (s *Server) handleConnectWithTokens(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Tokens == nil || req.Tokens.AccessToken == "" {
		s.writeError(w, http.StatusBadRequest, "tokens.access_token is required")
		return
	}

	kind, err := domain.ParseBrokerKind(req.Broker)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	conn, err := s.manager.ConnectWithTokens(r.Context(), req.UserID, kind, req.Tokens)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, conn)
}

// handleAuthURL builds the broker authorization URL that starts an OAuth
// connect for the user.
// GET /api/connections/auth-url?user_id=&broker=
func (s *Server) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUserID(w, r)
	if !ok {
		return
	}

	kind, err := domain.ParseBrokerKind(r.URL.Query().Get("broker"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	authURL, err := s.coord.BuildAuthURL(r.Context(), userID, kind)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"auth_url": authURL,
		"broker":   string(kind),
	})
}

// handleOAuthCallback completes an OAuth connect. The state identifies the
// user and broker; Zerodha returns the grant as request_token, Upstox as
// code.
// GET /api/oauth/callback?state=&code=|request_token=
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	state := q.Get("state")
	if state == "" {
		s.writeError(w, http.StatusBadRequest, "state is required")
		return
	}
	code := q.Get("code")
	if code == "" {
		code = q.Get("request_token")
	}
	if code == "" {
		s.writeError(w, http.StatusBadRequest, "authorization code is required")
		return
	}

	userID, kind, err := s.coord.ConsumeState(r.Context(), state)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	conn, err := s.manager.Connect(r.Context(), userID, kind, code)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, conn)
}

// handleGetConnection returns one connection, scoped to its owner.
// GET /api/connections/{id}?user_id=
func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUserID(w, r)
	if !ok {
		return
	}

	conn, err := s.manager.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if conn.UserID != userID {
		s.writeDomainError(w, domain.NewError(domain.CategoryNotFound, "CONNECTION_NOT_FOUND",
			"no such connection for user", domain.ErrConnectionNotFound))
		return
	}

	s.writeJSON(w, http.StatusOK, conn)
}

// handleDisconnect revokes and removes a connection. Disconnecting an
// already disconnected connection succeeds.
// DELETE /api/connections/{id}?user_id=
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUserID(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	conn, err := s.manager.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if conn.UserID != userID {
		s.writeDomainError(w, domain.NewError(domain.CategoryNotFound, "CONNECTION_NOT_FOUND",
			"no such connection for user", domain.ErrConnectionNotFound))
		return
	}

	if err := s.manager.Disconnect(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleHealthSummary reports connection health across the user's brokers.
// GET /api/health?user_id=
func (s *Server) handleHealthSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUserID(w, r)
	if !ok {
		return
	}

	summary, err := s.manager.HealthSummary(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, summary)
}
