package adapter

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/defi-lever/internal/logging"
	"github.com/defi-lever/internal/metrics"
	"github.com/defi-lever/internal/types"
	"github.com/defi-lever/internal/units"
)

// Aave-native response shapes. The pool data provider returns loosely-typed
// values; everything numeric arrives as a decimal string and is parsed at
// this boundary only.

// AaveRewardInfo describes one incentive stream on a reserve
type AaveRewardInfo struct {
	RewardAsset    string `json:"rewardAsset"`
	RewardSymbol   string `json:"rewardSymbol"`
	RewardDecimals int    `json:"rewardDecimals"`
	PriceUSD       string `json:"priceUsd"`
	TotalEmission  string `json:"totalEmission"` // raw reward units over the stream
	StartUnix      int64  `json:"start"`
	EndUnix        int64  `json:"end"`
	Side           string `json:"side"` // "supply" | "borrow"
}

// AaveReserveData is the native per-reserve response
type AaveReserveData struct {
	UnderlyingAsset             string           `json:"underlyingAsset"`
	Symbol                      string           `json:"symbol"`
	Decimals                    int              `json:"decimals"`
	PriceInUSD                  string           `json:"priceInUsd"`
	AvailableLiquidity          string           `json:"availableLiquidity"`
	TotalAToken                 string           `json:"totalAToken"`
	TotalVariableDebt           string           `json:"totalVariableDebt"`
	BaseLTVasCollateral         string           `json:"baseLTVasCollateral"`         // bps
	ReserveLiquidationThreshold string           `json:"reserveLiquidationThreshold"` // bps
	LiquidityRate               string           `json:"liquidityRate"`               // percent APY
	VariableBorrowRate          string           `json:"variableBorrowRate"`          // percent APY
	VariableBorrowIndex         string           `json:"variableBorrowIndex"`         // RAY
	Rewards                     []AaveRewardInfo `json:"rewards,omitempty"`
}

// AaveUserReserveData is the native per-user per-reserve response
type AaveUserReserveData struct {
	UnderlyingAsset             string `json:"underlyingAsset"`
	ATokenBalance               string `json:"aTokenBalance"` // accrual-scaled collateral units
	LiquidityIndex              string `json:"liquidityIndex"` // RAY, collateral -> underlying
	PrincipalVariableDebt       string `json:"principalVariableDebt"`
	VariableBorrowIndexAtOrigin string `json:"variableBorrowIndexAtOrigin"` // RAY
}

// AaveUserRewardData is the native per-user reward accounting response
type AaveUserRewardData struct {
	RewardAsset            string `json:"rewardAsset"`
	RewardSymbol           string `json:"rewardSymbol"`
	RewardDecimals         int    `json:"rewardDecimals"`
	PriceUSD               string `json:"priceUsd"`
	SettledAmount          string `json:"settledAmount"`
	CumulativePerShare     string `json:"cumulativePerShare"` // WAD
	UserCheckpointPerShare string `json:"userCheckpointPerShare"`
	UserShare              string `json:"userShare"`
}

// AaveClient is the raw money-market client capability for the Aave v3 style
// market. It is an external collaborator; this package only parses its
// responses.
type AaveClient interface {
	GetReservesData(ctx context.Context) ([]AaveReserveData, error)
	GetUserReservesData(ctx context.Context, user string) ([]AaveUserReserveData, error)
	GetUserRewards(ctx context.Context, user string) ([]AaveUserRewardData, error)
}

// AaveAdapter implements MarketAdapter over an Aave v3 style market.
// Debt accrues at RAY scale and repay returns the unconsumed remainder.
type AaveAdapter struct {
	client   AaveClient
	metadata MetadataSource
	log      *logging.Logger
	safety   float64 // withdraw safety multiplier, <1.0

	mu       sync.RWMutex
	registry map[string]reserveMeta // normalized asset id -> static meta
	bySymbol map[string]string      // upper symbol -> normalized asset id
}

type reserveMeta struct {
	assetID  string
	symbol   string
	decimals int
}

// AaveAdapterConfig configures an AaveAdapter
type AaveAdapterConfig struct {
	// Client is the raw protocol client. Required.
	Client AaveClient
	// Metadata is the optional reward-token metadata source.
	Metadata MetadataSource
	// WithdrawSafetyMultiplier discounts max-withdrawable results. Default 0.95.
	WithdrawSafetyMultiplier float64
	// Logger defaults to the global logger.
	Logger *logging.Logger
}

// NewAaveAdapter creates a new Aave market adapter
func NewAaveAdapter(cfg *AaveAdapterConfig) (*AaveAdapter, error) {
	if cfg == nil || cfg.Client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	safety := cfg.WithdrawSafetyMultiplier
	if safety <= 0 || safety >= 1 {
		safety = 0.95
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetGlobalLogger()
	}
	return &AaveAdapter{
		client:   cfg.Client,
		metadata: cfg.Metadata,
		log:      log.WithField("market", string(types.MarketAave)),
		safety:   safety,
	}, nil
}

// MarketID returns the market identifier
func (a *AaveAdapter) MarketID() types.MarketID {
	return types.MarketAave
}

// ConsumesRepaymentCoin reports false: Aave-style repay returns a remainder
func (a *AaveAdapter) ConsumesRepaymentCoin() bool {
	return false
}

// AccrualScale returns RAY, the market's debt-accrual scale
func (a *AaveAdapter) AccrualScale() *big.Int {
	return units.RAY
}

// Initialize loads the reserve registry from the protocol
func (a *AaveAdapter) Initialize(ctx context.Context) error {
	natives, err := a.client.GetReservesData(ctx)
	if err != nil {
		return NewAdapterError(types.MarketAave, "Initialize", err, nil)
	}

	registry := make(map[string]reserveMeta, len(natives))
	bySymbol := make(map[string]string, len(natives))
	for _, native := range natives {
		assetID := units.NormalizeAssetID(native.UnderlyingAsset)
		registry[assetID] = reserveMeta{
			assetID:  assetID,
			symbol:   native.Symbol,
			decimals: native.Decimals,
		}
		bySymbol[strings.ToUpper(native.Symbol)] = assetID
	}

	a.mu.Lock()
	a.registry = registry
	a.bySymbol = bySymbol
	a.mu.Unlock()

	a.log.WithField("reserves", len(registry)).Info("Market adapter initialized")
	return nil
}

// ResolveReserve maps an asset id or symbol to the normalized reserve asset id
func (a *AaveAdapter) ResolveReserve(idOrSymbol string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.registry == nil {
		return "", NewAdapterError(types.MarketAave, "ResolveReserve", ErrNotInitialized, nil)
	}

	assetID := units.NormalizeAssetID(idOrSymbol)
	if _, ok := a.registry[assetID]; ok {
		return assetID, nil
	}
	if assetID, ok := a.bySymbol[strings.ToUpper(idOrSymbol)]; ok {
		return assetID, nil
	}
	return "", NewAdapterError(types.MarketAave, "ResolveReserve", ErrUnknownReserve, map[string]interface{}{
		"asset": idOrSymbol,
	})
}

// GetMarketAssets fetches fresh snapshots for every reserve
func (a *AaveAdapter) GetMarketAssets(ctx context.Context) ([]*types.ReserveSnapshot, error) {
	natives, err := a.client.GetReservesData(ctx)
	if err != nil {
		return nil, NewAdapterError(types.MarketAave, "GetMarketAssets", err, nil)
	}

	snapshots := make([]*types.ReserveSnapshot, 0, len(natives))
	for i := range natives {
		snapshot, err := parseAaveReserve(&natives[i])
		if err != nil {
			return nil, NewAdapterError(types.MarketAave, "GetMarketAssets", err, map[string]interface{}{
				"asset": natives[i].UnderlyingAsset,
			})
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

// GetPosition fetches the owner's obligation and the reserves pricing it.
// Reserve and user data are fetched concurrently; both must come from the
// same logical read for the derived numbers to be consistent.
func (a *AaveAdapter) GetPosition(ctx context.Context, owner string) (*types.ObligationSnapshot, error) {
	var (
		wg          sync.WaitGroup
		natives     []AaveReserveData
		userNatives []AaveUserReserveData
		reservesErr error
		userErr     error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		natives, reservesErr = a.client.GetReservesData(ctx)
	}()
	go func() {
		defer wg.Done()
		userNatives, userErr = a.client.GetUserReservesData(ctx, owner)
	}()
	wg.Wait()

	if reservesErr != nil {
		return nil, NewAdapterError(types.MarketAave, "GetPosition", reservesErr, nil)
	}
	if userErr != nil {
		return nil, NewAdapterError(types.MarketAave, "GetPosition", userErr, nil)
	}

	reserves := make(map[string]*types.ReserveSnapshot, len(natives))
	for i := range natives {
		snapshot, err := parseAaveReserve(&natives[i])
		if err != nil {
			return nil, NewAdapterError(types.MarketAave, "GetPosition", err, map[string]interface{}{
				"asset": natives[i].UnderlyingAsset,
			})
		}
		reserves[snapshot.AssetID] = snapshot
	}

	ob := &types.ObligationSnapshot{
		Market:    types.MarketAave,
		Owner:     owner,
		Reserves:  reserves,
		FetchedAt: time.Now().UTC(),
	}

	for i := range userNatives {
		native := &userNatives[i]
		assetID := units.NormalizeAssetID(native.UnderlyingAsset)
		reserve := reserves[assetID]
		if reserve == nil {
			return nil, NewAdapterError(types.MarketAave, "GetPosition", ErrUnknownReserve, map[string]interface{}{
				"asset": native.UnderlyingAsset,
			})
		}

		balance, err := parseBig(native.ATokenBalance)
		if err != nil {
			return nil, NewAdapterError(types.MarketAave, "GetPosition", err, map[string]interface{}{"field": "aTokenBalance"})
		}
		if balance.Sign() > 0 {
			index, err := parseBig(native.LiquidityIndex)
			if err != nil {
				return nil, NewAdapterError(types.MarketAave, "GetPosition", err, map[string]interface{}{"field": "liquidityIndex"})
			}
			ob.Deposits = append(ob.Deposits, types.DepositEntry{
				AssetID:      assetID,
				RawAmount:    balance,
				ExchangeRate: rayToFloat(index),
			})
		}

		principal, err := parseBig(native.PrincipalVariableDebt)
		if err != nil {
			return nil, NewAdapterError(types.MarketAave, "GetPosition", err, map[string]interface{}{"field": "principalVariableDebt"})
		}
		if principal.Sign() > 0 {
			origin, err := parseBig(native.VariableBorrowIndexAtOrigin)
			if err != nil {
				return nil, NewAdapterError(types.MarketAave, "GetPosition", err, map[string]interface{}{"field": "variableBorrowIndexAtOrigin"})
			}
			ob.Borrows = append(ob.Borrows, types.BorrowEntry{
				AssetID:               assetID,
				RawAmount:             principal,
				OriginCumulativeRate:  origin,
				CurrentCumulativeRate: reserve.CumulativeBorrowRate,
			})
		}
	}

	if len(ob.Deposits) == 0 && len(ob.Borrows) == 0 {
		return nil, NewAdapterError(types.MarketAave, "GetPosition", ErrNoObligation, map[string]interface{}{
			"owner": owner,
		})
	}
	return ob, nil
}

// GetAccountPortfolio fetches the position and derives the metrics view,
// including claimable rewards
func (a *AaveAdapter) GetAccountPortfolio(ctx context.Context, owner string) (*types.AccountPortfolio, error) {
	ob, err := a.GetPosition(ctx, owner)
	if err != nil {
		return nil, err
	}

	rewards, warnings := a.fetchEarnedRewards(ctx, owner)
	return buildPortfolio(ctx, ob, rewards, warnings, time.Now().UTC()), nil
}

// fetchEarnedRewards computes claimable rewards per stream. This is a
// read-side enrichment: any failure degrades to an empty result plus a
// warning instead of failing the portfolio read.
func (a *AaveAdapter) fetchEarnedRewards(ctx context.Context, owner string) ([]types.EarnedReward, []string) {
	natives, err := a.client.GetUserRewards(ctx, owner)
	if err != nil {
		a.log.WithError(err).Warn("Reward fetch failed, returning portfolio without rewards")
		return nil, []string{"reward data unavailable: " + err.Error()}
	}

	var (
		rewards  []types.EarnedReward
		warnings []string
	)
	for i := range natives {
		native := &natives[i]
		settled, err1 := parseBig(native.SettledAmount)
		cum, err2 := parseBig(native.CumulativePerShare)
		checkpoint, err3 := parseBig(native.UserCheckpointPerShare)
		share, err4 := parseBig(native.UserShare)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			warnings = append(warnings, "malformed reward entry for "+native.RewardAsset)
			continue
		}

		assetID := units.NormalizeAssetID(native.RewardAsset)
		symbol, decimals, ok := lookupRewardMetadata(ctx, a.metadata, assetID, native.RewardSymbol, native.RewardDecimals)
		if !ok {
			warnings = append(warnings, "metadata lookup failed for reward "+assetID)
		}

		amount := metrics.EarnedReward(settled, cum, checkpoint, share, units.WAD)
		price, _ := strconv.ParseFloat(native.PriceUSD, 64)
		rewards = append(rewards, types.EarnedReward{
			RewardAssetID: assetID,
			RewardSymbol:  symbol,
			Amount:        units.ToHuman(amount, decimals),
			ValueUSD:      units.ValueUSD(amount, decimals, price),
		})
	}
	return rewards, warnings
}

// EnsureObligation is a no-op: the market tracks positions per address
// without an explicit obligation record
func (a *AaveAdapter) EnsureObligation(plan *types.CompositeOperation, hasObligation bool) {
}

// Deposit appends a collateral deposit of the given coin handle
func (a *AaveAdapter) Deposit(plan *types.CompositeOperation, assetID string, coin types.Handle) error {
	plan.Append(types.Step{
		Kind:    types.StepDeposit,
		Market:  types.MarketAave,
		AssetID: assetID,
		Inputs:  []types.Handle{coin},
	})
	return nil
}

// Withdraw appends a collateral withdrawal producing a coin handle
func (a *AaveAdapter) Withdraw(plan *types.CompositeOperation, assetID string, amount *big.Int) (types.Handle, error) {
	handles := plan.Append(types.Step{
		Kind:     types.StepWithdraw,
		Market:   types.MarketAave,
		AssetID:  assetID,
		Amount:   amount, // nil withdraws the full deposit
		Produces: 1,
	})
	return handles[0], nil
}

// Borrow appends a borrow producing a coin handle
func (a *AaveAdapter) Borrow(plan *types.CompositeOperation, assetID string, amount *big.Int) (types.Handle, error) {
	handles := plan.Append(types.Step{
		Kind:     types.StepBorrow,
		Market:   types.MarketAave,
		AssetID:  assetID,
		Amount:   amount,
		Produces: 1,
	})
	return handles[0], nil
}

// Repay appends a repayment and returns the handle of the remainder coin
func (a *AaveAdapter) Repay(plan *types.CompositeOperation, assetID string, coin types.Handle, amount *big.Int) (types.Handle, error) {
	handles := plan.Append(types.Step{
		Kind:     types.StepRepay,
		Market:   types.MarketAave,
		AssetID:  assetID,
		Amount:   amount,
		Inputs:   []types.Handle{coin},
		Produces: 1, // remainder
	})
	return handles[0], nil
}

// RefreshOracles appends an oracle refresh for the given assets
func (a *AaveAdapter) RefreshOracles(plan *types.CompositeOperation, assetIDs []string, owner string) {
	plan.Append(types.Step{
		Kind:   types.StepRefreshOracles,
		Market: types.MarketAave,
		Assets: assetIDs,
	})
}

// GetMaxBorrowable returns the largest raw amount of the asset the owner can
// currently borrow
func (a *AaveAdapter) GetMaxBorrowable(ctx context.Context, owner, assetID string) (*big.Int, error) {
	resolved, err := a.ResolveReserve(assetID)
	if err != nil {
		return nil, err
	}
	ob, err := a.GetPosition(ctx, owner)
	if err != nil {
		return nil, err
	}
	amount, err := maxBorrowable(ob, resolved)
	if err != nil {
		return nil, NewAdapterError(types.MarketAave, "GetMaxBorrowable", err, map[string]interface{}{"asset": assetID})
	}
	return amount, nil
}

// GetMaxWithdrawable returns the largest raw amount of the asset the owner
// can withdraw without breaching borrow capacity
func (a *AaveAdapter) GetMaxWithdrawable(ctx context.Context, owner, assetID string) (*big.Int, error) {
	resolved, err := a.ResolveReserve(assetID)
	if err != nil {
		return nil, err
	}
	ob, err := a.GetPosition(ctx, owner)
	if err != nil {
		return nil, err
	}
	amount, err := maxWithdrawable(ob, resolved, a.safety)
	if err != nil {
		return nil, NewAdapterError(types.MarketAave, "GetMaxWithdrawable", err, map[string]interface{}{"asset": assetID})
	}
	return amount, nil
}

// parseAaveReserve converts a native reserve response into the canonical
// snapshot shape
func parseAaveReserve(native *AaveReserveData) (*types.ReserveSnapshot, error) {
	price, err := parseFloat(native.PriceInUSD)
	if err != nil {
		return nil, fmt.Errorf("priceInUsd: %w", err)
	}
	available, err := parseBig(native.AvailableLiquidity)
	if err != nil {
		return nil, fmt.Errorf("availableLiquidity: %w", err)
	}
	totalSupplied, err := parseBig(native.TotalAToken)
	if err != nil {
		return nil, fmt.Errorf("totalAToken: %w", err)
	}
	totalBorrowed, err := parseBig(native.TotalVariableDebt)
	if err != nil {
		return nil, fmt.Errorf("totalVariableDebt: %w", err)
	}
	openLTV, err := parseBps(native.BaseLTVasCollateral)
	if err != nil {
		return nil, fmt.Errorf("baseLTVasCollateral: %w", err)
	}
	closeLTV, err := parseBps(native.ReserveLiquidationThreshold)
	if err != nil {
		return nil, fmt.Errorf("reserveLiquidationThreshold: %w", err)
	}
	supplyAPY, err := parseFloat(native.LiquidityRate)
	if err != nil {
		return nil, fmt.Errorf("liquidityRate: %w", err)
	}
	borrowAPY, err := parseFloat(native.VariableBorrowRate)
	if err != nil {
		return nil, fmt.Errorf("variableBorrowRate: %w", err)
	}
	borrowIndex, err := parseBig(native.VariableBorrowIndex)
	if err != nil {
		return nil, fmt.Errorf("variableBorrowIndex: %w", err)
	}

	snapshot := &types.ReserveSnapshot{
		Market:               types.MarketAave,
		AssetID:              units.NormalizeAssetID(native.UnderlyingAsset),
		Symbol:               native.Symbol,
		Decimals:             native.Decimals,
		PriceUSD:             price,
		AvailableLiquidity:   available,
		TotalSupplied:        totalSupplied,
		TotalBorrowed:        totalBorrowed,
		OpenLTV:              openLTV,
		CloseLTV:             closeLTV,
		BorrowWeight:         1,
		SupplyAPY:            supplyAPY,
		BorrowAPY:            borrowAPY,
		CumulativeBorrowRate: borrowIndex,
		AccrualScale:         units.RAY,
		FetchedAt:            time.Now().UTC(),
	}

	for _, reward := range native.Rewards {
		stream, err := parseAaveReward(&reward)
		if err != nil {
			// Reward streams are enrichment; a malformed one is dropped
			// rather than failing the whole reserve
			continue
		}
		snapshot.Rewards = append(snapshot.Rewards, *stream)
	}
	return snapshot, nil
}

func parseAaveReward(native *AaveRewardInfo) (*types.RewardStream, error) {
	emission, err := parseBig(native.TotalEmission)
	if err != nil {
		return nil, err
	}
	price, err := parseFloat(native.PriceUSD)
	if err != nil {
		return nil, err
	}

	side := types.SideSupply
	if native.Side == string(types.SideBorrow) {
		side = types.SideBorrow
	}
	return &types.RewardStream{
		RewardAssetID:  units.NormalizeAssetID(native.RewardAsset),
		RewardSymbol:   native.RewardSymbol,
		RewardDecimals: native.RewardDecimals,
		RewardPriceUSD: price,
		TotalUnits:     emission,
		Start:          time.Unix(native.StartUnix, 0).UTC(),
		End:            time.Unix(native.EndUnix, 0).UTC(),
		Side:           side,
	}, nil
}

// Shared parsing helpers for loosely-typed protocol responses

func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	out, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an integer", ErrMalformedResponse, s)
	}
	return out, nil
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	out, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrMalformedResponse, s)
	}
	return out, nil
}

// parseBps parses a basis-point string into a 0..1 fraction
func parseBps(s string) (float64, error) {
	out, err := parseFloat(s)
	if err != nil {
		return 0, err
	}
	return out / 10_000, nil
}

func rayToFloat(ray *big.Int) float64 {
	f := new(big.Float).SetInt(ray)
	f.Quo(f, new(big.Float).SetInt(units.RAY))
	out, _ := f.Float64()
	return out
}
