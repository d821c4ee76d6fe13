// Package composer builds composite operations for leverage and deleverage
// flows. Builders size flash loans and swaps from live quotes, emit typed plan
// steps, and validate the flash-repayment invariant before any plan leaves
// this package.
package composer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/defi-lever/internal/adapter"
	apperrors "github.com/defi-lever/internal/errors"
	"github.com/defi-lever/internal/logging"
	"github.com/defi-lever/internal/protocol"
	"github.com/defi-lever/internal/units"
)

const (
	// DefaultLeverageBufferBps pads the flash loan over the quoted swap input
	// so quote drift between build and execution cannot break repayment
	DefaultLeverageBufferBps = 200
	// DefaultDeleverageBufferBps pads the flash loan over the owed debt
	DefaultDeleverageBufferBps = 100
)

// Composer builds and validates composite operations for one market
type Composer struct {
	adapter adapter.MarketAdapter
	router  protocol.SwapRouter
	lender  protocol.FlashLender
	oracle  protocol.PriceOracle
	log     *logging.Logger

	leverageBufferBps   int64
	deleverageBufferBps int64
}

// Config configures a Composer
type Config struct {
	// Adapter is the market adapter plans are built against. Required.
	Adapter adapter.MarketAdapter
	// Router quotes swaps. Required.
	Router protocol.SwapRouter
	// Lender prices flash loans. Required.
	Lender protocol.FlashLender
	// Oracle supplies USD prices for swap-input estimation. Required.
	Oracle protocol.PriceOracle
	// LeverageBufferBps defaults to DefaultLeverageBufferBps.
	LeverageBufferBps int64
	// DeleverageBufferBps defaults to DefaultDeleverageBufferBps.
	DeleverageBufferBps int64
	// Logger defaults to the global logger.
	Logger *logging.Logger
}

// New creates a Composer
func New(cfg *Config) (*Composer, error) {
	if cfg == nil || cfg.Adapter == nil || cfg.Router == nil || cfg.Lender == nil || cfg.Oracle == nil {
		return nil, fmt.Errorf("adapter, router, lender and oracle are required")
	}

	leverageBps := cfg.LeverageBufferBps
	if leverageBps <= 0 {
		leverageBps = DefaultLeverageBufferBps
	}
	deleverageBps := cfg.DeleverageBufferBps
	if deleverageBps <= 0 {
		deleverageBps = DefaultDeleverageBufferBps
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetGlobalLogger()
	}

	return &Composer{
		adapter:             cfg.Adapter,
		router:              cfg.Router,
		lender:              cfg.Lender,
		oracle:              cfg.Oracle,
		log:                 log.WithField("component", "composer"),
		leverageBufferBps:   leverageBps,
		deleverageBufferBps: deleverageBps,
	}, nil
}

// bestQuote returns the best route for the given input, or a NoRoute error
func (c *Composer) bestQuote(ctx context.Context, amountIn *big.Int, assetIn, assetOut string) (*protocol.Quote, error) {
	quotes, err := c.router.Quote(ctx, amountIn, assetIn, assetOut)
	if err != nil {
		return nil, apperrors.NewProviderError("swap router", err)
	}
	best := protocol.BestQuote(quotes)
	if best == nil || best.AmountOut == nil || best.AmountOut.Sign() == 0 {
		return nil, apperrors.NewNoRouteError(assetIn, assetOut)
	}
	return best, nil
}

// requiredInputForOutput sizes the swap input needed to obtain targetOut of
// assetOut. The router quotes by input, so the input is first estimated from
// oracle prices and then rescaled proportionally against a live quote.
// Returns the sized input and the quote it was derived from.
func (c *Composer) requiredInputForOutput(ctx context.Context, assetIn string, decimalsIn int, assetOut string, decimalsOut int, targetOut *big.Int) (*big.Int, *protocol.Quote, error) {
	priceIn, err := c.oracle.PriceOf(ctx, assetIn)
	if err != nil {
		return nil, nil, apperrors.NewProviderError("price oracle", err)
	}
	priceOut, err := c.oracle.PriceOf(ctx, assetOut)
	if err != nil {
		return nil, nil, apperrors.NewProviderError("price oracle", err)
	}
	if priceIn <= 0 {
		return nil, nil, apperrors.NewNoRouteError(assetIn, assetOut)
	}

	targetValueUSD := units.ValueUSD(targetOut, decimalsOut, priceOut)
	estimate := units.FromUSD(targetValueUSD, decimalsIn, priceIn)
	if estimate.Sign() == 0 {
		estimate = big.NewInt(1)
	}

	quote, err := c.bestQuote(ctx, estimate, assetIn, assetOut)
	if err != nil {
		return nil, nil, err
	}

	// Rescale the estimated input so the quoted route yields at least the
	// target. Ceil division: undershooting the output would break repayment.
	required := units.MulDivCeil(quote.AmountIn, targetOut, quote.AmountOut)
	return required, quote, nil
}
