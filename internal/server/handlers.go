package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

// handleHealthz handles liveness probes
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "broker-gateway",
		"uptime":  int64(s.uptime().Seconds()),
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeDomainError maps a gateway error to an HTTP status and body. The
// body carries the category and machine code so clients can branch
// without parsing messages.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	cat := domain.CategoryOf(err)

	body := map[string]interface{}{
		"error":     err.Error(),
		"category":  string(cat),
		"retryable": domain.Retryable(err),
	}
	var ge *domain.GatewayError
	if errors.As(err, &ge) {
		body["code"] = ge.Code
		if ge.Broker != "" {
			body["broker"] = string(ge.Broker)
		}
	}

	s.writeJSON(w, statusForCategory(cat), body)
}

func statusForCategory(cat domain.ErrorCategory) int {
	switch cat {
	case domain.CategoryValidation:
		return http.StatusBadRequest
	case domain.CategoryAuthentication:
		return http.StatusUnauthorized
	case domain.CategoryAuthorization:
		return http.StatusForbidden
	case domain.CategoryNotFound:
		return http.StatusNotFound
	case domain.CategoryRateLimited:
		return http.StatusTooManyRequests
	case domain.CategoryCircuitOpen:
		return http.StatusServiceUnavailable
	case domain.CategoryUnsupported:
		return http.StatusUnprocessableEntity
	case domain.CategoryTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// requireUserID extracts the user_id query parameter or fails the request.
func (s *Server) requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return "", false
	}
	return userID, true
}
