// Package client provides the session facade over one money market: reads,
// previews, plan building and execution behind a single initialized handle.
// A Client carries per-session state only; callers serialize access and
// nothing is cached between calls.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/defi-lever/internal/adapter"
	"github.com/defi-lever/internal/composer"
	apperrors "github.com/defi-lever/internal/errors"
	"github.com/defi-lever/internal/logging"
	"github.com/defi-lever/internal/protocol"
	"github.com/defi-lever/internal/types"
)

// OperationRecorder persists operation audit records. Recording is
// best-effort: failures are logged and never fail the operation.
type OperationRecorder interface {
	RecordOperation(ctx context.Context, record *types.OperationRecord) error
}

// LeverageRequest describes a leveraged open at the facade level. Asset
// accepts a symbol or an asset id.
type LeverageRequest struct {
	Asset      string   `json:"asset"`
	Amount     *big.Int `json:"amount"` // raw collateral units
	Multiplier float64  `json:"multiplier"`
}

// Client is the lending session facade for one market
type Client struct {
	adapter  adapter.MarketAdapter
	composer *composer.Composer
	recorder OperationRecorder
	log      *logging.Logger

	fundingAsset string // resolved after Initialize

	transport   protocol.Transport
	signer      protocol.Signer
	initialized bool
}

// Config configures a Client
type Config struct {
	// Adapter is the market adapter. Required.
	Adapter adapter.MarketAdapter
	// Composer builds composite operations. Required.
	Composer *composer.Composer
	// FundingAsset is the flash-loan and borrow asset, as symbol or id. Required.
	FundingAsset string
	// Recorder is the optional operation audit sink.
	Recorder OperationRecorder
	// Logger defaults to the global logger.
	Logger *logging.Logger
}

// New creates an uninitialized Client
func New(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.Adapter == nil || cfg.Composer == nil {
		return nil, fmt.Errorf("adapter and composer are required")
	}
	if cfg.FundingAsset == "" {
		return nil, fmt.Errorf("funding asset is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetGlobalLogger()
	}
	return &Client{
		adapter:      cfg.Adapter,
		composer:     cfg.Composer,
		recorder:     cfg.Recorder,
		fundingAsset: cfg.FundingAsset,
		log:          log.WithField("market", string(cfg.Adapter.MarketID())),
	}, nil
}

// Initialize binds the client to a transport and signing identity and loads
// the market's reserve registry. Every other method fails with
// NotInitialized until this succeeds.
func (c *Client) Initialize(ctx context.Context, transport protocol.Transport, signer protocol.Signer) error {
	if transport == nil || signer == nil {
		return apperrors.NewInvalidParameterError("transport/signer", "cannot be nil")
	}
	if err := c.adapter.Initialize(ctx); err != nil {
		return c.mapAdapterError(err)
	}

	funding, err := c.adapter.ResolveReserve(c.fundingAsset)
	if err != nil {
		return apperrors.NewUnknownAssetError(c.fundingAsset)
	}
	c.fundingAsset = funding

	c.transport = transport
	c.signer = signer
	c.initialized = true
	c.log.WithField("address", signer.Address()).Info("Client initialized")
	return nil
}

func (c *Client) requireInitialized() error {
	if !c.initialized {
		return apperrors.NewNotInitializedError()
	}
	return nil
}

// Address returns the session identity's address
func (c *Client) Address() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.Address()
}

// GetMarketAssets returns fresh snapshots for every reserve in the market
func (c *Client) GetMarketAssets(ctx context.Context) ([]*types.ReserveSnapshot, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	snapshots, err := c.adapter.GetMarketAssets(ctx)
	if err != nil {
		return nil, c.mapAdapterError(err)
	}
	return snapshots, nil
}

// GetPosition returns the session identity's obligation snapshot
func (c *Client) GetPosition(ctx context.Context) (*types.ObligationSnapshot, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	ob, err := c.adapter.GetPosition(ctx, c.signer.Address())
	if err != nil {
		return nil, c.mapAdapterError(err)
	}
	return ob, nil
}

// GetAccountPortfolio returns the session identity's full portfolio view
// with freshly computed metrics
func (c *Client) GetAccountPortfolio(ctx context.Context) (*types.AccountPortfolio, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	portfolio, err := c.adapter.GetAccountPortfolio(ctx, c.signer.Address())
	if err != nil {
		return nil, c.mapAdapterError(err)
	}
	return portfolio, nil
}

// GetMaxBorrowable returns the largest raw amount of the asset the session
// identity can borrow right now
func (c *Client) GetMaxBorrowable(ctx context.Context, asset string) (*big.Int, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	assetID, err := c.resolveAsset(asset)
	if err != nil {
		return nil, err
	}
	amount, err := c.adapter.GetMaxBorrowable(ctx, c.signer.Address(), assetID)
	if err != nil {
		return nil, c.mapAdapterError(err)
	}
	return amount, nil
}

// GetMaxWithdrawable returns the largest raw amount of the asset the session
// identity can withdraw without breaching borrow capacity
func (c *Client) GetMaxWithdrawable(ctx context.Context, asset string) (*big.Int, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	assetID, err := c.resolveAsset(asset)
	if err != nil {
		return nil, err
	}
	amount, err := c.adapter.GetMaxWithdrawable(ctx, c.signer.Address(), assetID)
	if err != nil {
		return nil, c.mapAdapterError(err)
	}
	return amount, nil
}

// PreviewLeverage projects the position a leveraged open would create,
// without building or submitting a transaction
func (c *Client) PreviewLeverage(ctx context.Context, req *LeverageRequest) (*composer.LeveragePreview, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	params, reserves, err := c.leverageParams(ctx, req)
	if err != nil {
		return nil, err
	}

	preview, err := c.composer.PreviewLeverage(ctx, c.signer.Address(), reserves, params)
	if err != nil {
		return nil, err
	}

	c.record(ctx, &types.OperationRecord{
		Market:     c.adapter.MarketID(),
		Kind:       "preview",
		Owner:      c.signer.Address(),
		AssetID:    params.AssetID,
		Amount:     req.Amount.String(),
		Multiplier: req.Multiplier,
		Success:    true,
		DryRun:     true,
	})
	return preview, nil
}

// BuildLeverageTransaction builds the composite operation for a leveraged
// open without submitting it
func (c *Client) BuildLeverageTransaction(ctx context.Context, req *LeverageRequest) (*types.CompositeOperation, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	params, reserves, err := c.leverageParams(ctx, req)
	if err != nil {
		return nil, err
	}
	hasObligation, err := c.hasObligation(ctx)
	if err != nil {
		return nil, err
	}
	return c.composer.BuildLeverage(ctx, c.signer.Address(), reserves, params, hasObligation)
}

// BuildDeleverageTransaction builds the composite operation that closes the
// session identity's position without submitting it
func (c *Client) BuildDeleverageTransaction(ctx context.Context) (*types.CompositeOperation, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	ob, err := c.GetPosition(ctx)
	if err != nil {
		return nil, err
	}
	return c.composer.BuildDeleverage(ctx, ob, c.fundingAsset)
}

// Leverage builds the leveraged-open plan and either dry-runs it
// (execute=false) or simulates, signs and submits it (execute=true)
func (c *Client) Leverage(ctx context.Context, req *LeverageRequest, execute bool) (*types.OperationResult, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	plan, err := c.BuildLeverageTransaction(ctx, req)
	if err != nil {
		return nil, err
	}

	result, err := c.run(ctx, plan, execute)
	c.record(ctx, &types.OperationRecord{
		ID:         plan.ID,
		Market:     plan.Market,
		Kind:       "leverage",
		Owner:      plan.Owner,
		AssetID:    req.Asset,
		Amount:     req.Amount.String(),
		Multiplier: req.Multiplier,
		Success:    err == nil && result.Success,
		DryRun:     !execute,
		TxID:       resultTxID(result),
		Error:      errString(err, result),
	})
	return result, err
}

// Deleverage builds the position-closing plan and either dry-runs it
// (execute=false) or simulates, signs and submits it (execute=true)
func (c *Client) Deleverage(ctx context.Context, execute bool) (*types.OperationResult, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	plan, err := c.BuildDeleverageTransaction(ctx)
	if err != nil {
		return nil, err
	}

	result, err := c.run(ctx, plan, execute)
	c.record(ctx, &types.OperationRecord{
		ID:      plan.ID,
		Market:  plan.Market,
		Kind:    "deleverage",
		Owner:   plan.Owner,
		Success: err == nil && result.Success,
		DryRun:  !execute,
		TxID:    resultTxID(result),
		Error:   errString(err, result),
	})
	return result, err
}

// run simulates the plan and, when executing, signs and submits it. Dry runs
// report the simulation outcome; executions fail fast on a failed simulation.
func (c *Client) run(ctx context.Context, plan *types.CompositeOperation, execute bool) (*types.OperationResult, error) {
	sim, err := c.transport.Simulate(ctx, plan)
	if err != nil {
		return nil, apperrors.NewProviderError("transport", err)
	}
	if !sim.Success {
		result := &types.OperationResult{Success: false, DryRun: !execute, Error: sim.Reason}
		if execute {
			return result, apperrors.NewSimulationFailedError(sim.Reason)
		}
		return result, nil
	}
	if !execute {
		return &types.OperationResult{Success: true, DryRun: true}, nil
	}

	payload, err := json.Marshal(plan)
	if err != nil {
		return nil, apperrors.NewInternalError("encode plan", err)
	}
	signed, err := c.signer.Sign(ctx, payload)
	if err != nil {
		return nil, apperrors.NewExecutionFailedError(err)
	}
	txID, err := c.transport.Submit(ctx, plan, signed)
	if err != nil {
		return nil, apperrors.NewExecutionFailedError(err)
	}

	c.log.WithFields(map[string]interface{}{
		"plan": plan.ID,
		"txId": txID,
	}).Info("Operation submitted")
	return &types.OperationResult{Success: true, TxID: txID}, nil
}

// leverageParams validates and resolves a leverage request against fresh
// reserve snapshots
func (c *Client) leverageParams(ctx context.Context, req *LeverageRequest) (*composer.LeverageParams, map[string]*types.ReserveSnapshot, error) {
	if req == nil || req.Amount == nil {
		return nil, nil, apperrors.NewInvalidParameterError("amount", "required")
	}
	assetID, err := c.resolveAsset(req.Asset)
	if err != nil {
		return nil, nil, err
	}

	snapshots, err := c.adapter.GetMarketAssets(ctx)
	if err != nil {
		return nil, nil, c.mapAdapterError(err)
	}
	reserves := make(map[string]*types.ReserveSnapshot, len(snapshots))
	for _, s := range snapshots {
		reserves[s.AssetID] = s
	}

	return &composer.LeverageParams{
		AssetID:      assetID,
		Amount:       req.Amount,
		Multiplier:   req.Multiplier,
		FundingAsset: c.fundingAsset,
	}, reserves, nil
}

// hasObligation reports whether the session identity already has a position
func (c *Client) hasObligation(ctx context.Context) (bool, error) {
	_, err := c.adapter.GetPosition(ctx, c.signer.Address())
	if err == nil {
		return true, nil
	}
	if errors.Is(err, adapter.ErrNoObligation) {
		return false, nil
	}
	return false, c.mapAdapterError(err)
}

func (c *Client) resolveAsset(asset string) (string, error) {
	assetID, err := c.adapter.ResolveReserve(asset)
	if err != nil {
		return "", apperrors.NewUnknownAssetError(asset)
	}
	return assetID, nil
}

// mapAdapterError translates adapter sentinels into the categorized taxonomy
func (c *Client) mapAdapterError(err error) error {
	market := c.adapter.MarketID()

	var adapterErr *adapter.AdapterError
	details := map[string]interface{}{}
	if errors.As(err, &adapterErr) {
		details = adapterErr.Details
	}

	switch {
	case errors.Is(err, adapter.ErrNoObligation):
		return apperrors.NewNoObligationError(market, c.Address())
	case errors.Is(err, adapter.ErrUnknownReserve):
		asset := ""
		if a, ok := details["asset"].(string); ok {
			asset = a
		}
		return apperrors.NewUnknownReserveError(market, asset)
	case errors.Is(err, adapter.ErrNotInitialized):
		return apperrors.NewNotInitializedError()
	default:
		return apperrors.NewProviderError(string(market), err)
	}
}

// record writes an audit entry through the optional recorder, best-effort
func (c *Client) record(ctx context.Context, rec *types.OperationRecord) {
	if c.recorder == nil {
		return
	}
	rec.CreatedAt = time.Now().UTC()
	if err := c.recorder.RecordOperation(ctx, rec); err != nil {
		c.log.WithError(err).Warn("Operation audit write failed")
	}
}

func resultTxID(result *types.OperationResult) string {
	if result == nil {
		return ""
	}
	return result.TxID
}

func errString(err error, result *types.OperationResult) string {
	if err != nil {
		return err.Error()
	}
	if result != nil {
		return result.Error
	}
	return ""
}
