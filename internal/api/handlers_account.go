package api

import (
	"math/big"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// handleGetPosition returns the account's obligation snapshot
func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	address := mux.Vars(r)["address"]

	position, err := m.Service.GetPosition(r.Context(), address)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, position)
}

// handleGetPortfolio returns the account's portfolio with derived risk metrics
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	address := mux.Vars(r)["address"]

	portfolio, err := m.Service.GetAccountPortfolio(r.Context(), address)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, portfolio)
}

// handleGetMaxBorrowable returns the largest amount of the asset the account
// can currently borrow
func (s *Server) handleGetMaxBorrowable(w http.ResponseWriter, r *http.Request) {
	s.handleLimit(w, r, func(m *Market, owner, assetID string) (*big.Int, error) {
		return m.Service.GetMaxBorrowable(r.Context(), owner, assetID)
	})
}

// handleGetMaxWithdrawable returns the largest amount of the asset the
// account can withdraw without breaching borrow capacity
func (s *Server) handleGetMaxWithdrawable(w http.ResponseWriter, r *http.Request) {
	s.handleLimit(w, r, func(m *Market, owner, assetID string) (*big.Int, error) {
		return m.Service.GetMaxWithdrawable(r.Context(), owner, assetID)
	})
}

func (s *Server) handleLimit(w http.ResponseWriter, r *http.Request, fetch func(m *Market, owner, assetID string) (*big.Int, error)) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	address := vars["address"]

	assetID, err := m.Service.ResolveReserve(vars["asset"])
	if err != nil {
		respondServiceError(w, err)
		return
	}

	amount, err := fetch(m, address, assetID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"assetId": assetID,
		"amount":  amount.String(),
	})
}

// handleGetOperations returns the account's recorded operation history
func (s *Server) handleGetOperations(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "operation history is not configured", nil)
		return
	}
	address := mux.Vars(r)["address"]

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be an integer in [1, 500]", nil)
			return
		}
		limit = parsed
	}

	records, err := s.history.RecentOperations(r.Context(), address, limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"operations": records,
		"count":      len(records),
	})
}
