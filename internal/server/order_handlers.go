package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

// handlePlaceOrder validates and routes an order to the best capable
// broker.
// POST /api/orders
func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.orders.Route(r.Context(), &req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.OrderRouted(string(result.Broker), string(req.Type), string(result.Status))
	}

	s.writeJSON(w, http.StatusCreated, result)
}

// handleListOrders lists a user's parent orders, newest first.
// GET /api/orders?user_id=&limit=
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUserID(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := s.orders.List(r.Context(), userID, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"orders": results,
		"count":  len(results),
	})
}

// handleGetOrder returns one order with any bracket children, scoped to
// its owner.
// GET /api/orders/{id}?user_id=
func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUserID(w, r)
	if !ok {
		return
	}

	result, err := s.orders.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}
