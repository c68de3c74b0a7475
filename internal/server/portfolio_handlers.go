package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// handleGetPortfolio returns the user's consolidated cross-broker
// portfolio. Results are cached briefly; a fan-out where every broker
// failed serves the last good snapshot with from_snapshot set. An
// optional currency parameter converts monetary fields for display.
// GET /api/portfolio?user_id=&currency=
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUserID(w, r)
	if !ok {
		return
	}

	p, err := s.portfolio.Get(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if currency := r.URL.Query().Get("currency"); currency != "" && s.fx != nil {
		converted, convErr := s.fx.DisplayPortfolio(r.Context(), p, strings.ToUpper(currency))
		if convErr != nil {
			// Serve the base-currency view; base_currency in the body
			// tells the caller which one they got.
			s.log.Warn().Err(convErr).Str("currency", currency).Msg("display conversion failed")
		} else {
			p = converted
		}
	}

	s.writeJSON(w, http.StatusOK, p)
}

// handleGetPositions returns intraday positions per broker, normalized but
// not aggregated.
// GET /api/portfolio/positions?user_id=
func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUserID(w, r)
	if !ok {
		return
	}

	positions, failures, err := s.portfolio.Positions(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"errors":    failures,
	})
}

// handlePortfolioHistory lists stored consolidation snapshots, newest
// first.
// GET /api/portfolio/history?user_id=&limit=
func (s *Server) handlePortfolioHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUserID(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.portfolio.History(r.Context(), userID, limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": entries,
		"count":     len(entries),
	})
}

// handlePortfolioHistoryEntry returns one stored snapshot in full.
// GET /api/portfolio/history/{id}?user_id=
func (s *Server) handlePortfolioHistoryEntry(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUserID(w, r)
	if !ok {
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid snapshot id")
		return
	}

	snap, err := s.portfolio.HistoryEntry(r.Context(), userID, id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, snap)
}
