package adapter

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/defi-lever/internal/logging"
	"github.com/defi-lever/internal/metrics"
	"github.com/defi-lever/internal/types"
	"github.com/defi-lever/internal/units"
)

// Compound-native response shapes. Numeric values are decimal strings at WAD
// (1e18) scale unless noted.

// CompoundMarketData is the native per-market (cToken) response
type CompoundMarketData struct {
	UnderlyingAsset  string `json:"underlyingAsset"`
	Symbol           string `json:"symbol"`
	Decimals         int    `json:"decimals"`
	PriceUSD         string `json:"priceUsd"`
	Cash             string `json:"cash"` // available liquidity
	TotalSupply      string `json:"totalSupply"` // cToken units
	TotalBorrows     string `json:"totalBorrows"`
	ExchangeRate     string `json:"exchangeRate"`     // WAD, cToken -> underlying
	CollateralFactor string `json:"collateralFactor"` // WAD fraction
	SupplyRate       string `json:"supplyRate"`       // percent APY
	BorrowRate       string `json:"borrowRate"`       // percent APY
	BorrowIndex      string `json:"borrowIndex"`      // WAD
	CompSupplySpeed  string `json:"compSupplySpeed"`  // raw COMP units per stream
	CompBorrowSpeed  string `json:"compBorrowSpeed"`
	CompStreamStart  int64  `json:"compStreamStart"`
	CompStreamEnd    int64  `json:"compStreamEnd"`
	CompAsset        string `json:"compAsset"`
	CompPriceUSD     string `json:"compPriceUsd"`
}

// CompoundAccountData is the native per-user per-market response
type CompoundAccountData struct {
	UnderlyingAsset      string `json:"underlyingAsset"`
	CTokenBalance        string `json:"cTokenBalance"`
	BorrowBalancePrinc   string `json:"borrowBalancePrincipal"`
	BorrowIndexAtAccrual string `json:"borrowIndexAtAccrual"` // WAD
	HasEnteredMarket     bool   `json:"hasEnteredMarket"`
}

// CompoundRewardData is the native per-user COMP accrual response
type CompoundRewardData struct {
	RewardAsset         string `json:"rewardAsset"`
	RewardSymbol        string `json:"rewardSymbol"`
	RewardDecimals      int    `json:"rewardDecimals"`
	PriceUSD            string `json:"priceUsd"`
	CompAccrued         string `json:"compAccrued"` // settled
	SupplyIndex         string `json:"supplyIndex"` // cumulative per share, WAD
	UserSupplyIndex     string `json:"userSupplyIndex"`
	UserSupplyPrincipal string `json:"userSupplyPrincipal"`
}

// CompoundClient is the raw money-market client capability for the
// Compound v2 style market
type CompoundClient interface {
	GetAllMarkets(ctx context.Context) ([]CompoundMarketData, error)
	GetAccountSnapshot(ctx context.Context, user string) ([]CompoundAccountData, error)
	GetCompAccrued(ctx context.Context, user string) ([]CompoundRewardData, error)
	// HasObligation reports whether the user has an obligation record
	// (entered at least one market)
	HasObligation(ctx context.Context, user string) (bool, error)
}

// CompoundAdapter implements MarketAdapter over a Compound v2 style market.
// Debt accrues at WAD scale, repay consumes the entire input coin, and an
// explicit obligation record must exist before the first deposit.
type CompoundAdapter struct {
	client   CompoundClient
	metadata MetadataSource
	log      *logging.Logger
	safety   float64

	mu       sync.RWMutex
	registry map[string]reserveMeta
	bySymbol map[string]string
}

// CompoundAdapterConfig configures a CompoundAdapter
type CompoundAdapterConfig struct {
	// Client is the raw protocol client. Required.
	Client CompoundClient
	// Metadata is the optional reward-token metadata source.
	Metadata MetadataSource
	// WithdrawSafetyMultiplier discounts max-withdrawable results. Default 0.95.
	WithdrawSafetyMultiplier float64
	// Logger defaults to the global logger.
	Logger *logging.Logger
}

// NewCompoundAdapter creates a new Compound market adapter
func NewCompoundAdapter(cfg *CompoundAdapterConfig) (*CompoundAdapter, error) {
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
	return &CompoundAdapter{
		client:   cfg.Client,
		metadata: cfg.Metadata,
		log:      log.WithField("market", string(types.MarketCompound)),
		safety:   safety,
	}, nil
}

// MarketID returns the market identifier
func (c *CompoundAdapter) MarketID() types.MarketID {
	return types.MarketCompound
}

// ConsumesRepaymentCoin reports true: repay consumes the whole input coin
// and over-repayment must be avoided by exact sizing
func (c *CompoundAdapter) ConsumesRepaymentCoin() bool {
	return true
}

// AccrualScale returns WAD, the market's debt-accrual scale
func (c *CompoundAdapter) AccrualScale() *big.Int {
	return units.WAD
}

// Initialize loads the market registry from the protocol
func (c *CompoundAdapter) Initialize(ctx context.Context) error {
	natives, err := c.client.GetAllMarkets(ctx)
	if err != nil {
		return NewAdapterError(types.MarketCompound, "Initialize", err, nil)
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

	c.mu.Lock()
	c.registry = registry
	c.bySymbol = bySymbol
	c.mu.Unlock()

	c.log.WithField("reserves", len(registry)).Info("Market adapter initialized")
	return nil
}

// ResolveReserve maps an asset id or symbol to the normalized reserve asset id
func (c *CompoundAdapter) ResolveReserve(idOrSymbol string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.registry == nil {
		return "", NewAdapterError(types.MarketCompound, "ResolveReserve", ErrNotInitialized, nil)
	}

	assetID := units.NormalizeAssetID(idOrSymbol)
	if _, ok := c.registry[assetID]; ok {
		return assetID, nil
	}
	if assetID, ok := c.bySymbol[strings.ToUpper(idOrSymbol)]; ok {
		return assetID, nil
	}
	return "", NewAdapterError(types.MarketCompound, "ResolveReserve", ErrUnknownReserve, map[string]interface{}{
		"asset": idOrSymbol,
	})
}

// GetMarketAssets fetches fresh snapshots for every market
func (c *CompoundAdapter) GetMarketAssets(ctx context.Context) ([]*types.ReserveSnapshot, error) {
	natives, err := c.client.GetAllMarkets(ctx)
	if err != nil {
		return nil, NewAdapterError(types.MarketCompound, "GetMarketAssets", err, nil)
	}

	snapshots := make([]*types.ReserveSnapshot, 0, len(natives))
	for i := range natives {
		snapshot, err := parseCompoundMarket(&natives[i])
		if err != nil {
			return nil, NewAdapterError(types.MarketCompound, "GetMarketAssets", err, map[string]interface{}{
				"asset": natives[i].UnderlyingAsset,
			})
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

// GetPosition fetches the owner's obligation and the markets pricing it
func (c *CompoundAdapter) GetPosition(ctx context.Context, owner string) (*types.ObligationSnapshot, error) {
	var (
		wg          sync.WaitGroup
		natives     []CompoundMarketData
		userNatives []CompoundAccountData
		marketsErr  error
		userErr     error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		natives, marketsErr = c.client.GetAllMarkets(ctx)
	}()
	go func() {
		defer wg.Done()
		userNatives, userErr = c.client.GetAccountSnapshot(ctx, owner)
	}()
	wg.Wait()

	if marketsErr != nil {
		return nil, NewAdapterError(types.MarketCompound, "GetPosition", marketsErr, nil)
	}
	if userErr != nil {
		return nil, NewAdapterError(types.MarketCompound, "GetPosition", userErr, nil)
	}

	reserves := make(map[string]*types.ReserveSnapshot, len(natives))
	exchangeRates := make(map[string]float64, len(natives))
	for i := range natives {
		snapshot, err := parseCompoundMarket(&natives[i])
		if err != nil {
			return nil, NewAdapterError(types.MarketCompound, "GetPosition", err, map[string]interface{}{
				"asset": natives[i].UnderlyingAsset,
			})
		}
		reserves[snapshot.AssetID] = snapshot

		rate, err := parseBig(natives[i].ExchangeRate)
		if err != nil {
			return nil, NewAdapterError(types.MarketCompound, "GetPosition", err, map[string]interface{}{"field": "exchangeRate"})
		}
		exchangeRates[snapshot.AssetID] = wadToFloat(rate)
	}

	ob := &types.ObligationSnapshot{
		Market:    types.MarketCompound,
		Owner:     owner,
		Reserves:  reserves,
		FetchedAt: time.Now().UTC(),
	}

	for i := range userNatives {
		native := &userNatives[i]
		assetID := units.NormalizeAssetID(native.UnderlyingAsset)
		reserve := reserves[assetID]
		if reserve == nil {
			return nil, NewAdapterError(types.MarketCompound, "GetPosition", ErrUnknownReserve, map[string]interface{}{
				"asset": native.UnderlyingAsset,
			})
		}

		balance, err := parseBig(native.CTokenBalance)
		if err != nil {
			return nil, NewAdapterError(types.MarketCompound, "GetPosition", err, map[string]interface{}{"field": "cTokenBalance"})
		}
		if balance.Sign() > 0 {
			ob.Deposits = append(ob.Deposits, types.DepositEntry{
				AssetID:      assetID,
				RawAmount:    balance,
				ExchangeRate: exchangeRates[assetID],
			})
		}

		principal, err := parseBig(native.BorrowBalancePrinc)
		if err != nil {
			return nil, NewAdapterError(types.MarketCompound, "GetPosition", err, map[string]interface{}{"field": "borrowBalancePrincipal"})
		}
		if principal.Sign() > 0 {
			origin, err := parseBig(native.BorrowIndexAtAccrual)
			if err != nil {
				return nil, NewAdapterError(types.MarketCompound, "GetPosition", err, map[string]interface{}{"field": "borrowIndexAtAccrual"})
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
		return nil, NewAdapterError(types.MarketCompound, "GetPosition", ErrNoObligation, map[string]interface{}{
			"owner": owner,
		})
	}
	return ob, nil
}

// GetAccountPortfolio fetches the position and derives the metrics view
func (c *CompoundAdapter) GetAccountPortfolio(ctx context.Context, owner string) (*types.AccountPortfolio, error) {
	ob, err := c.GetPosition(ctx, owner)
	if err != nil {
		return nil, err
	}

	rewards, warnings := c.fetchEarnedRewards(ctx, owner)
	return buildPortfolio(ctx, ob, rewards, warnings, time.Now().UTC()), nil
}

func (c *CompoundAdapter) fetchEarnedRewards(ctx context.Context, owner string) ([]types.EarnedReward, []string) {
	natives, err := c.client.GetCompAccrued(ctx, owner)
	if err != nil {
		c.log.WithError(err).Warn("Reward fetch failed, returning portfolio without rewards")
		return nil, []string{"reward data unavailable: " + err.Error()}
	}

	var (
		rewards  []types.EarnedReward
		warnings []string
	)
	for i := range natives {
		native := &natives[i]
		settled, err1 := parseBig(native.CompAccrued)
		cum, err2 := parseBig(native.SupplyIndex)
		checkpoint, err3 := parseBig(native.UserSupplyIndex)
		share, err4 := parseBig(native.UserSupplyPrincipal)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			warnings = append(warnings, "malformed reward entry for "+native.RewardAsset)
			continue
		}

		assetID := units.NormalizeAssetID(native.RewardAsset)
		symbol, decimals, ok := lookupRewardMetadata(ctx, c.metadata, assetID, native.RewardSymbol, native.RewardDecimals)
		if !ok {
			warnings = append(warnings, "metadata lookup failed for reward "+assetID)
		}

		amount := metrics.EarnedReward(settled, cum, checkpoint, share, units.WAD)
		price, _ := parseFloat(native.PriceUSD)
		rewards = append(rewards, types.EarnedReward{
			RewardAssetID: assetID,
			RewardSymbol:  symbol,
			Amount:        units.ToHuman(amount, decimals),
			ValueUSD:      units.ValueUSD(amount, decimals, price),
		})
	}
	return rewards, warnings
}

// EnsureObligation appends an obligation-creation step when the owner has no
// obligation record yet. Deposits into this market fail without one.
func (c *CompoundAdapter) EnsureObligation(plan *types.CompositeOperation, hasObligation bool) {
	if hasObligation {
		return
	}
	plan.Append(types.Step{
		Kind:   types.StepCreateObligation,
		Market: types.MarketCompound,
	})
}

// Deposit appends a collateral deposit of the given coin handle
func (c *CompoundAdapter) Deposit(plan *types.CompositeOperation, assetID string, coin types.Handle) error {
	plan.Append(types.Step{
		Kind:    types.StepDeposit,
		Market:  types.MarketCompound,
		AssetID: assetID,
		Inputs:  []types.Handle{coin},
	})
	return nil
}

// Withdraw appends a collateral withdrawal producing a coin handle
func (c *CompoundAdapter) Withdraw(plan *types.CompositeOperation, assetID string, amount *big.Int) (types.Handle, error) {
	handles := plan.Append(types.Step{
		Kind:     types.StepWithdraw,
		Market:   types.MarketCompound,
		AssetID:  assetID,
		Amount:   amount, // nil withdraws the full deposit
		Produces: 1,
	})
	return handles[0], nil
}

// Borrow appends a borrow producing a coin handle
func (c *CompoundAdapter) Borrow(plan *types.CompositeOperation, assetID string, amount *big.Int) (types.Handle, error) {
	handles := plan.Append(types.Step{
		Kind:     types.StepBorrow,
		Market:   types.MarketCompound,
		AssetID:  assetID,
		Amount:   amount,
		Produces: 1,
	})
	return handles[0], nil
}

// Repay appends a repayment. The market consumes the entire input coin, so
// no remainder handle is produced; callers must split the exact repayment
// amount off beforehand.
func (c *CompoundAdapter) Repay(plan *types.CompositeOperation, assetID string, coin types.Handle, amount *big.Int) (types.Handle, error) {
	plan.Append(types.Step{
		Kind:    types.StepRepay,
		Market:  types.MarketCompound,
		AssetID: assetID,
		Amount:  amount,
		Inputs:  []types.Handle{coin},
	})
	return types.NilHandle, nil
}

// RefreshOracles appends an oracle refresh for the given assets. The market
// requires fresh prices in the same transaction as borrows and withdrawals.
func (c *CompoundAdapter) RefreshOracles(plan *types.CompositeOperation, assetIDs []string, owner string) {
	plan.Append(types.Step{
		Kind:   types.StepRefreshOracles,
		Market: types.MarketCompound,
		Assets: assetIDs,
	})
}

// GetMaxBorrowable returns the largest raw amount of the asset the owner can
// currently borrow
func (c *CompoundAdapter) GetMaxBorrowable(ctx context.Context, owner, assetID string) (*big.Int, error) {
	resolved, err := c.ResolveReserve(assetID)
	if err != nil {
		return nil, err
	}
	ob, err := c.GetPosition(ctx, owner)
	if err != nil {
		return nil, err
	}
	amount, err := maxBorrowable(ob, resolved)
	if err != nil {
		return nil, NewAdapterError(types.MarketCompound, "GetMaxBorrowable", err, map[string]interface{}{"asset": assetID})
	}
	return amount, nil
}

// GetMaxWithdrawable returns the largest raw amount of the asset the owner
// can withdraw without breaching borrow capacity
func (c *CompoundAdapter) GetMaxWithdrawable(ctx context.Context, owner, assetID string) (*big.Int, error) {
	resolved, err := c.ResolveReserve(assetID)
	if err != nil {
		return nil, err
	}
	ob, err := c.GetPosition(ctx, owner)
	if err != nil {
		return nil, err
	}
	amount, err := maxWithdrawable(ob, resolved, c.safety)
	if err != nil {
		return nil, NewAdapterError(types.MarketCompound, "GetMaxWithdrawable", err, map[string]interface{}{"asset": assetID})
	}
	return amount, nil
}

// HasObligation reports whether the owner has an obligation record
func (c *CompoundAdapter) HasObligation(ctx context.Context, owner string) (bool, error) {
	has, err := c.client.HasObligation(ctx, owner)
	if err != nil {
		return false, NewAdapterError(types.MarketCompound, "HasObligation", err, nil)
	}
	return has, nil
}

// parseCompoundMarket converts a native market response into the canonical
// snapshot shape. The collateral factor serves as both openLTV and closeLTV;
// the market has no separate liquidation threshold.
func parseCompoundMarket(native *CompoundMarketData) (*types.ReserveSnapshot, error) {
	price, err := parseFloat(native.PriceUSD)
	if err != nil {
		return nil, fmt.Errorf("priceUsd: %w", err)
	}
	cash, err := parseBig(native.Cash)
	if err != nil {
		return nil, fmt.Errorf("cash: %w", err)
	}
	totalSupply, err := parseBig(native.TotalSupply)
	if err != nil {
		return nil, fmt.Errorf("totalSupply: %w", err)
	}
	totalBorrows, err := parseBig(native.TotalBorrows)
	if err != nil {
		return nil, fmt.Errorf("totalBorrows: %w", err)
	}
	exchangeRate, err := parseBig(native.ExchangeRate)
	if err != nil {
		return nil, fmt.Errorf("exchangeRate: %w", err)
	}
	collateralFactor, err := parseBig(native.CollateralFactor)
	if err != nil {
		return nil, fmt.Errorf("collateralFactor: %w", err)
	}
	supplyRate, err := parseFloat(native.SupplyRate)
	if err != nil {
		return nil, fmt.Errorf("supplyRate: %w", err)
	}
	borrowRate, err := parseFloat(native.BorrowRate)
	if err != nil {
		return nil, fmt.Errorf("borrowRate: %w", err)
	}
	borrowIndex, err := parseBig(native.BorrowIndex)
	if err != nil {
		return nil, fmt.Errorf("borrowIndex: %w", err)
	}

	// Total supplied in underlying units: cToken supply * exchange rate
	totalSupplied := new(big.Int).Mul(totalSupply, exchangeRate)
	totalSupplied.Div(totalSupplied, units.WAD)

	ltv := wadToFloat(collateralFactor)
	snapshot := &types.ReserveSnapshot{
		Market:               types.MarketCompound,
		AssetID:              units.NormalizeAssetID(native.UnderlyingAsset),
		Symbol:               native.Symbol,
		Decimals:             native.Decimals,
		PriceUSD:             price,
		AvailableLiquidity:   cash,
		TotalSupplied:        totalSupplied,
		TotalBorrowed:        totalBorrows,
		OpenLTV:              ltv,
		CloseLTV:             ltv,
		BorrowWeight:         1,
		SupplyAPY:            supplyRate,
		BorrowAPY:            borrowRate,
		CumulativeBorrowRate: borrowIndex,
		AccrualScale:         units.WAD,
		FetchedAt:            time.Now().UTC(),
	}

	for _, stream := range compRewardStreams(native) {
		snapshot.Rewards = append(snapshot.Rewards, stream)
	}
	return snapshot, nil
}

// compRewardStreams derives reward streams from the market's COMP emission
// speeds. Markets without emissions yield no streams.
func compRewardStreams(native *CompoundMarketData) []types.RewardStream {
	if native.CompAsset == "" || native.CompStreamEnd <= native.CompStreamStart {
		return nil
	}
	price, err := parseFloat(native.CompPriceUSD)
	if err != nil {
		return nil
	}

	var streams []types.RewardStream
	for _, emission := range []struct {
		total string
		side  types.Side
	}{
		{native.CompSupplySpeed, types.SideSupply},
		{native.CompBorrowSpeed, types.SideBorrow},
	} {
		total, err := parseBig(emission.total)
		if err != nil || total.Sign() == 0 {
			continue
		}
		streams = append(streams, types.RewardStream{
			RewardAssetID:  units.NormalizeAssetID(native.CompAsset),
			RewardSymbol:   "COMP",
			RewardDecimals: 18,
			RewardPriceUSD: price,
			TotalUnits:     total,
			Start:          time.Unix(native.CompStreamStart, 0).UTC(),
			End:            time.Unix(native.CompStreamEnd, 0).UTC(),
			Side:           emission.side,
		})
	}
	return streams
}

func wadToFloat(wad *big.Int) float64 {
	f := new(big.Float).SetInt(wad)
	f.Quo(f, new(big.Float).SetInt(units.WAD))
	out, _ := f.Float64()
	return out
}
