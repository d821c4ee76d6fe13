// Package protocol defines the capability interfaces consumed by the lending
// client. The wrapped protocol clients themselves (money-market engines, the
// flash-loan vault, the swap aggregator, the price oracle and the chain
// transport) are external collaborators behind these interfaces.
package protocol

import (
	"context"
	"math/big"

	"github.com/defi-lever/internal/types"
)

// Quote represents one candidate swap route returned by the aggregator.
// Callers pick the quote with the best output.
type Quote struct {
	AssetIn   string   `json:"assetIn"`
	AssetOut  string   `json:"assetOut"`
	AmountIn  *big.Int `json:"amountIn"`
	AmountOut *big.Int `json:"amountOut"`
	Route     string   `json:"route,omitempty"`
}

// SwapRouter quotes swaps between two assets. Swap execution happens inside a
// composite operation; the router capability only supplies pricing.
type SwapRouter interface {
	// Quote returns candidate routes for swapping amountIn of assetIn into
	// assetOut. An empty slice means no route exists.
	Quote(ctx context.Context, amountIn *big.Int, assetIn, assetOut string) ([]Quote, error)
}

// BestQuote returns the quote with the highest output, or nil when the slice
// is empty
func BestQuote(quotes []Quote) *Quote {
	var best *Quote
	for i := range quotes {
		if best == nil || quotes[i].AmountOut.Cmp(best.AmountOut) > 0 {
			best = &quotes[i]
		}
	}
	return best
}

// FlashLender prices flash loans. Borrow and repay are expressed as plan
// steps; the lender capability supplies the fee schedule.
type FlashLender interface {
	// FeeFor returns the flash-loan fee for borrowing the given amount of the
	// given asset
	FeeFor(ctx context.Context, amount *big.Int, assetID string) (*big.Int, error)
}

// PriceOracle reports USD prices for assets
type PriceOracle interface {
	// PriceOf returns the USD price of the given asset id
	PriceOf(ctx context.Context, assetID string) (float64, error)
}

// SimulationResult represents the outcome of dry-running a composite operation
type SimulationResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"` // revert reason, surfaced verbatim
	GasUsed uint64 `json:"gasUsed,omitempty"`
}

// Transport submits or simulates composite operations against the chain
type Transport interface {
	// Simulate dry-runs the plan and reports per-plan status without mutating
	// chain state
	Simulate(ctx context.Context, plan *types.CompositeOperation) (*SimulationResult, error)
	// Submit broadcasts a signed payload for the plan and returns the
	// transaction id
	Submit(ctx context.Context, plan *types.CompositeOperation, signed []byte) (string, error)
}

// Signer produces a signed payload for a composite operation. Key management
// is owned by the caller.
type Signer interface {
	// Address returns the signing identity's address
	Address() string
	// Sign signs the encoded operation payload
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}
