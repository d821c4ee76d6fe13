package api

import (
	"math/big"
	"net/http"

	"github.com/defi-lever/internal/composer"
	"github.com/defi-lever/internal/types"
)

// PreviewLeverageRequest is the request body for leverage previews
type PreviewLeverageRequest struct {
	Owner string `json:"owner"`
	// Asset is the collateral asset id or symbol
	Asset string `json:"asset"`
	// Amount is the wallet principal in raw collateral units
	Amount string `json:"amount"`
	// Multiplier is the target exposure, >= 1.0
	Multiplier float64 `json:"multiplier"`
}

// handlePreviewLeverage projects the outcome of a leveraged open without
// building or submitting a transaction
func (s *Server) handlePreviewLeverage(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	if m.Preview == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "previews are not configured for this market", nil)
		return
	}

	var req PreviewLeverageRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid request body: "+err.Error(), nil)
		return
	}
	if req.Owner == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "owner is required", nil)
		return
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "amount must be a positive integer string", nil)
		return
	}

	assetID, err := m.Service.ResolveReserve(req.Asset)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	assets, err := m.Service.GetMarketAssets(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	reserves := make(map[string]*types.ReserveSnapshot, len(assets))
	for _, reserve := range assets {
		reserves[reserve.AssetID] = reserve
	}

	preview, err := m.Preview.PreviewLeverage(r.Context(), req.Owner, reserves, &composer.LeverageParams{
		AssetID:      assetID,
		Amount:       amount,
		Multiplier:   req.Multiplier,
		FundingAsset: m.FundingAsset,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, preview)
}
