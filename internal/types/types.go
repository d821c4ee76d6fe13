// Package types provides common type definitions for the leveraged lending client.
package types

import (
	"math/big"
	"time"
)

// MarketID represents a supported money market
type MarketID string

const (
	// MarketAave represents the Aave v3 style market (RAY-scaled debt accrual)
	MarketAave MarketID = "aave-v3"
	// MarketCompound represents the Compound v2 style market (WAD-scaled debt accrual)
	MarketCompound MarketID = "compound-v2"
)

// Side represents which side of the market a value or reward stream applies to
type Side string

const (
	// SideSupply represents the deposit/collateral side
	SideSupply Side = "supply"
	// SideBorrow represents the debt side
	SideBorrow Side = "borrow"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// RewardStream represents one active or scheduled incentive stream on a reserve
type RewardStream struct {
	RewardAssetID  string    `json:"rewardAssetId"`
	RewardSymbol   string    `json:"rewardSymbol"`
	RewardDecimals int       `json:"rewardDecimals"`
	RewardPriceUSD float64   `json:"rewardPriceUsd"`
	TotalUnits     *big.Int  `json:"totalUnits"` // raw reward units over the full stream
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Side           Side      `json:"side"`
}

// Active reports whether the stream is emitting at the given time
func (r *RewardStream) Active(now time.Time) bool {
	return !now.Before(r.Start) && !now.After(r.End)
}

// ReserveSnapshot represents one market asset's state at fetch time.
// Snapshots are immutable per fetch and are never mutated; refreshing
// means fetching a new one.
type ReserveSnapshot struct {
	Market               MarketID       `json:"market"`
	AssetID              string         `json:"assetId"` // normalized
	Symbol               string         `json:"symbol"`
	Decimals             int            `json:"decimals"`
	PriceUSD             float64        `json:"priceUsd"`
	AvailableLiquidity   *big.Int       `json:"availableLiquidity"`
	TotalSupplied        *big.Int       `json:"totalSupplied"`
	TotalBorrowed        *big.Int       `json:"totalBorrowed"`
	OpenLTV              float64        `json:"openLtv"`  // 0..1, borrow-capacity weight
	CloseLTV             float64        `json:"closeLtv"` // 0..1, liquidation threshold
	BorrowWeight         float64        `json:"borrowWeight"` // debt risk weight, 1.0 when the market has none
	SupplyAPY            float64        `json:"supplyApy"` // percent
	BorrowAPY            float64        `json:"borrowApy"` // percent
	CumulativeBorrowRate *big.Int       `json:"cumulativeBorrowRate"`
	AccrualScale         *big.Int       `json:"accrualScale"` // WAD or RAY
	Rewards              []RewardStream `json:"rewards,omitempty"`
	FetchedAt            time.Time      `json:"fetchedAt"`
}

// DepositEntry represents one deposit within an obligation
type DepositEntry struct {
	AssetID      string   `json:"assetId"`
	RawAmount    *big.Int `json:"rawAmount"`    // accrual-scaled collateral units
	ExchangeRate float64  `json:"exchangeRate"` // collateral unit -> underlying unit
}

// UnderlyingAmount returns the deposit expressed in underlying asset units
func (d *DepositEntry) UnderlyingAmount() *big.Int {
	if d.ExchangeRate == 0 || d.ExchangeRate == 1 {
		return new(big.Int).Set(d.RawAmount)
	}
	f := new(big.Float).SetInt(d.RawAmount)
	f.Mul(f, big.NewFloat(d.ExchangeRate))
	out, _ := f.Int(nil)
	return out
}

// BorrowEntry represents one borrow within an obligation
type BorrowEntry struct {
	AssetID               string   `json:"assetId"`
	RawAmount             *big.Int `json:"rawAmount"` // debt units at origination
	OriginCumulativeRate  *big.Int `json:"originCumulativeRate"`
	CurrentCumulativeRate *big.Int `json:"currentCumulativeRate"`
}

// OwedNow returns the debt compounded to the present via the ratio of the
// current and origin cumulative accrual rates. A zero origin rate means the
// protocol reported no accrual baseline and the raw amount is owed unchanged.
func (b *BorrowEntry) OwedNow() *big.Int {
	if b.OriginCumulativeRate == nil || b.OriginCumulativeRate.Sign() == 0 {
		return new(big.Int).Set(b.RawAmount)
	}
	owed := new(big.Int).Mul(b.RawAmount, b.CurrentCumulativeRate)
	return owed.Div(owed, b.OriginCumulativeRate)
}

// ObligationSnapshot represents a user's deposits and borrows within one
// market, fetched atomically with the reserve snapshots pricing them.
type ObligationSnapshot struct {
	Market    MarketID                    `json:"market"`
	Owner     string                      `json:"owner"`
	Deposits  []DepositEntry              `json:"deposits"`
	Borrows   []BorrowEntry               `json:"borrows"`
	Reserves  map[string]*ReserveSnapshot `json:"reserves"` // keyed by normalized asset id
	FetchedAt time.Time                   `json:"fetchedAt"`
}

// Reserve returns the reserve snapshot for the given normalized asset id
func (o *ObligationSnapshot) Reserve(assetID string) *ReserveSnapshot {
	if o.Reserves == nil {
		return nil
	}
	return o.Reserves[assetID]
}

// HasDebt reports whether any borrow entry carries a positive owed amount
func (o *ObligationSnapshot) HasDebt() bool {
	for i := range o.Borrows {
		if o.Borrows[i].OwedNow().Sign() > 0 {
			return true
		}
	}
	return false
}

// PortfolioMetrics represents derived risk and yield metrics over one
// obligation. Metrics are always recomputed fresh from a snapshot and are
// never cached, since prices and accrual drift continuously.
type PortfolioMetrics struct {
	NetValueUSD             float64             `json:"netValueUsd"`
	TotalDepositedUSD       float64             `json:"totalDepositedUsd"`
	TotalBorrowedUSD        float64             `json:"totalBorrowedUsd"`
	WeightedBorrowsUSD      float64             `json:"weightedBorrowsUsd"`
	LiquidationThresholdUSD float64             `json:"liquidationThresholdUsd"`
	HealthFactor            float64             `json:"healthFactor"` // +Inf when no weighted borrows
	NetAPY                  float64             `json:"netApy"`       // percent on equity
	AnnualNetEarningsUSD    float64             `json:"annualNetEarningsUsd"`
	WeightedOpenLTV         float64             `json:"weightedOpenLtv"`
	MaxLeverage             float64             `json:"maxLeverage"`
	LiquidationPrices       map[string]*float64 `json:"liquidationPrices"` // nil entry = no liquidation price
	Warnings                []string            `json:"warnings,omitempty"`
}

// AssetAmount represents a human-readable amount of one asset
type AssetAmount struct {
	AssetID  string  `json:"assetId"`
	Symbol   string  `json:"symbol"`
	Decimals int     `json:"decimals"`
	Raw      string  `json:"raw"`
	Amount   string  `json:"amount"` // raw / 10^decimals, exact
	ValueUSD float64 `json:"valueUsd"`
}

// EarnedReward represents settled plus pending reward units for one stream
type EarnedReward struct {
	RewardAssetID string  `json:"rewardAssetId"`
	RewardSymbol  string  `json:"rewardSymbol"`
	Amount        string  `json:"amount"`
	ValueUSD      float64 `json:"valueUsd"`
}

// AccountPortfolio represents the full read-side view of one account in one market
type AccountPortfolio struct {
	Market    MarketID          `json:"market"`
	Owner     string            `json:"owner"`
	Deposits  []AssetAmount     `json:"deposits"`
	Borrows   []AssetAmount     `json:"borrows"`
	Rewards   []EarnedReward    `json:"rewards,omitempty"`
	Metrics   *PortfolioMetrics `json:"metrics"`
	FetchedAt time.Time         `json:"fetchedAt"`
}

// OperationRecord is the audit-log entry for one preview, dry-run or
// execution of a composite operation
type OperationRecord struct {
	ID         string    `json:"id"` // plan id
	Market     MarketID  `json:"market"`
	Kind       string    `json:"kind"` // "leverage" | "deleverage" | "preview"
	Owner      string    `json:"owner"`
	AssetID    string    `json:"assetId"`
	Amount     string    `json:"amount"` // raw units
	Multiplier float64   `json:"multiplier,omitempty"`
	Success    bool      `json:"success"`
	DryRun     bool      `json:"dryRun"`
	TxID       string    `json:"txId,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
