package api

import (
	"net/http"
)

// handleGetMarketAssets returns fresh reserve snapshots for every asset in
// the market
func (s *Server) handleGetMarketAssets(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}

	assets, err := m.Service.GetMarketAssets(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"assets": assets,
		"count":  len(assets),
	})
}
