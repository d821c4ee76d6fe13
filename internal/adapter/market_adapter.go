// Package adapter provides the uniform capability surface over money
// markets. Each market exposes the same operation set; concrete adapters
// parse protocol-native responses into the canonical snapshot shapes and
// nothing protocol-native escapes this package.
package adapter

import (
	"context"
	"fmt"
	"math/big"

	"github.com/defi-lever/internal/types"
)

// MarketAdapter defines the capability set over one money market.
//
// Query operations fetch fresh state on every call; nothing is cached across
// calls, since stale prices or accrual would mis-size flash loans and
// misreport health. Plan operations append typed steps to a composite
// operation and perform no network calls themselves.
type MarketAdapter interface {
	// Initialize loads the market's reserve registry (asset ids, symbols,
	// decimals). Must be called before any other operation.
	Initialize(ctx context.Context) error

	// MarketID returns the market identifier
	MarketID() types.MarketID

	// GetMarketAssets fetches fresh snapshots for every reserve in the market
	GetMarketAssets(ctx context.Context) ([]*types.ReserveSnapshot, error)

	// GetPosition fetches the owner's obligation together with the reserve
	// snapshots pricing it. Returns NoObligation when the owner has neither
	// deposits nor borrows.
	GetPosition(ctx context.Context, owner string) (*types.ObligationSnapshot, error)

	// GetAccountPortfolio fetches the position and derives the full metrics
	// view over it. Reward metadata enrichment is best-effort: failures
	// degrade to fallbacks and are reported as warnings.
	GetAccountPortfolio(ctx context.Context, owner string) (*types.AccountPortfolio, error)

	// ResolveReserve maps an asset id or symbol to the normalized reserve
	// asset id. Returns UnknownReserve for unresolvable identifiers.
	ResolveReserve(idOrSymbol string) (string, error)

	// EnsureObligation appends an obligation-creation step when the market
	// requires an explicit obligation record and none exists for the plan
	// owner
	EnsureObligation(plan *types.CompositeOperation, hasObligation bool)

	// Deposit appends a collateral deposit of the given coin handle
	Deposit(plan *types.CompositeOperation, assetID string, coin types.Handle) error

	// Withdraw appends a collateral withdrawal producing a coin handle.
	// A nil amount withdraws the full deposit.
	Withdraw(plan *types.CompositeOperation, assetID string, amount *big.Int) (types.Handle, error)

	// Borrow appends a borrow producing a coin handle
	Borrow(plan *types.CompositeOperation, assetID string, amount *big.Int) (types.Handle, error)

	// Repay appends a debt repayment from the given coin handle. When the
	// market returns a remainder the handle of the leftover coin is returned;
	// markets that consume the entire input return NilHandle.
	Repay(plan *types.CompositeOperation, assetID string, coin types.Handle, amount *big.Int) (types.Handle, error)

	// RefreshOracles appends an oracle refresh for the given assets
	RefreshOracles(plan *types.CompositeOperation, assetIDs []string, owner string)

	// GetMaxBorrowable returns the largest raw amount of the asset the owner
	// can currently borrow
	GetMaxBorrowable(ctx context.Context, owner, assetID string) (*big.Int, error)

	// GetMaxWithdrawable returns the largest raw amount of the asset the
	// owner can withdraw without breaching borrow capacity
	GetMaxWithdrawable(ctx context.Context, owner, assetID string) (*big.Int, error)

	// ConsumesRepaymentCoin reports whether the market's repay consumes the
	// entire input coin (true) or returns a remainder (false). The composer
	// must branch on this when ordering repayment steps.
	ConsumesRepaymentCoin() bool

	// AccrualScale returns the market's debt-accrual fixed-point scale
	AccrualScale() *big.Int
}

// Common error types for market adapters

var (
	// ErrNotInitialized indicates the adapter was used before Initialize
	ErrNotInitialized = fmt.Errorf("adapter not initialized")

	// ErrNoObligation indicates the operation requires an existing position
	ErrNoObligation = fmt.Errorf("no obligation")

	// ErrUnknownReserve indicates the asset does not map to a market reserve
	ErrUnknownReserve = fmt.Errorf("unknown reserve")

	// ErrMalformedResponse indicates a protocol-native response failed to parse
	ErrMalformedResponse = fmt.Errorf("malformed protocol response")
)

// AdapterError wraps errors with market and operation context
type AdapterError struct {
	Market  types.MarketID
	Op      string // Operation that failed (e.g., "GetPosition", "GetMaxBorrowable")
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("market adapter error [%s:%s]: %v (details: %+v)", e.Market, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("market adapter error [%s:%s]: %v", e.Market, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(market types.MarketID, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Market:  market,
		Op:      op,
		Err:     err,
		Details: details,
	}
}
