package composer

import (
	"context"
	"math/big"
	"time"

	apperrors "github.com/defi-lever/internal/errors"
	"github.com/defi-lever/internal/metrics"
	"github.com/defi-lever/internal/types"
	"github.com/defi-lever/internal/units"
)

// LeverageParams describes a leveraged open: deposit Amount of AssetID and
// multiply exposure to Multiplier by flash-borrowing FundingAsset, swapping
// into AssetID and borrowing FundingAsset against the enlarged collateral.
type LeverageParams struct {
	AssetID      string   // resolved collateral asset id
	Amount       *big.Int // principal in raw collateral units
	Multiplier   float64  // target exposure, >= 1.0
	FundingAsset string   // resolved flash/borrow asset id
}

// LeveragePreview is the no-transaction projection of a leveraged open
type LeveragePreview struct {
	InitialEquityUSD          float64  `json:"initialEquityUsd"`
	FlashLoanAmount           string   `json:"flashLoanAmount"` // raw funding units
	FlashLoanFee              string   `json:"flashLoanFee"`
	ProjectedPositionUSD      float64  `json:"projectedPositionUsd"`
	ProjectedDebtUSD          float64  `json:"projectedDebtUsd"`
	ProjectedLTVPct           float64  `json:"projectedLtvPct"`
	ProjectedHealthFactor     float64  `json:"projectedHealthFactor"`
	ProjectedLiquidationPrice *float64 `json:"projectedLiquidationPrice,omitempty"`
	PriceDropBufferPct        float64  `json:"priceDropBufferPct"`
}

// leverageSizing holds the amounts shared by build and preview
type leverageSizing struct {
	extra       *big.Int // extra collateral units to acquire
	swapInput   *big.Int // funding units swapped for extra
	swapOutput  *big.Int // quoted collateral output
	flashAmount *big.Int // swapInput padded by the leverage buffer
	fee         *big.Int
	repayment   *big.Int // flashAmount + fee, borrowed against collateral
}

func (s *leverageSizing) noFlash() bool {
	return s.flashAmount.Sign() == 0
}

// sizeLeverage computes flash and swap amounts for the given parameters.
// multiplier == 1.0 degenerates to a plain deposit with no flash loan.
func (c *Composer) sizeLeverage(ctx context.Context, reserves map[string]*types.ReserveSnapshot, params *LeverageParams) (*leverageSizing, error) {
	if params.Amount == nil || params.Amount.Sign() <= 0 {
		return nil, apperrors.NewInvalidParameterError("amount", "must be positive")
	}
	if params.Multiplier < 1.0 {
		return nil, apperrors.NewInvalidParameterError("multiplier", "must be at least 1.0")
	}

	collateral := reserves[params.AssetID]
	if collateral == nil {
		return nil, apperrors.NewUnknownReserveError(c.adapter.MarketID(), params.AssetID)
	}
	funding := reserves[params.FundingAsset]
	if funding == nil {
		return nil, apperrors.NewUnknownReserveError(c.adapter.MarketID(), params.FundingAsset)
	}

	sizing := &leverageSizing{
		extra:       new(big.Int),
		swapInput:   new(big.Int),
		swapOutput:  new(big.Int),
		flashAmount: new(big.Int),
		fee:         new(big.Int),
		repayment:   new(big.Int),
	}

	// extra = amount * (multiplier - 1), truncated
	extraF := new(big.Float).SetInt(params.Amount)
	extraF.Mul(extraF, big.NewFloat(params.Multiplier-1))
	sizing.extra, _ = extraF.Int(nil)
	if sizing.extra.Sign() <= 0 {
		return sizing, nil
	}

	input, quote, err := c.requiredInputForOutput(ctx,
		params.FundingAsset, funding.Decimals,
		params.AssetID, collateral.Decimals,
		sizing.extra)
	if err != nil {
		return nil, err
	}
	sizing.swapInput = input
	sizing.swapOutput = units.MulDivCeil(quote.AmountOut, input, quote.AmountIn)

	sizing.flashAmount = units.ApplyBps(input, c.leverageBufferBps)
	fee, err := c.lender.FeeFor(ctx, sizing.flashAmount, params.FundingAsset)
	if err != nil {
		return nil, apperrors.NewProviderError("flash lender", err)
	}
	sizing.fee = fee
	sizing.repayment = new(big.Int).Add(sizing.flashAmount, fee)
	return sizing, nil
}

// BuildLeverage builds the composite operation for a leveraged open. The plan
// is validated before it is returned; a plan that cannot repay its flash loan
// never leaves this method.
func (c *Composer) BuildLeverage(ctx context.Context, owner string, reserves map[string]*types.ReserveSnapshot, params *LeverageParams, hasObligation bool) (*types.CompositeOperation, error) {
	sizing, err := c.sizeLeverage(ctx, reserves, params)
	if err != nil {
		return nil, err
	}

	plan := types.NewCompositeOperation(c.adapter.MarketID(), owner)

	if sizing.noFlash() {
		// Plain deposit: principal in, collateral out, no debt
		principal := plan.Append(types.Step{
			Kind:     types.StepMerge,
			AssetID:  params.AssetID,
			Amount:   params.Amount,
			Produces: 1,
		})
		c.adapter.RefreshOracles(plan, []string{params.AssetID}, owner)
		c.adapter.EnsureObligation(plan, hasObligation)
		if err := c.adapter.Deposit(plan, params.AssetID, principal[0]); err != nil {
			return nil, apperrors.NewInternalError("deposit step", err)
		}
		if err := Validate(plan, c.adapter.ConsumesRepaymentCoin()); err != nil {
			return nil, err
		}
		return plan, nil
	}

	flash := plan.Append(types.Step{
		Kind:     types.StepFlashBorrow,
		AssetID:  params.FundingAsset,
		Amount:   sizing.flashAmount,
		Produces: 2, // coin, receipt
	})
	loanCoin, receipt := flash[0], flash[1]

	split := plan.Append(types.Step{
		Kind:     types.StepSplit,
		AssetID:  params.FundingAsset,
		Amount:   sizing.swapInput,
		Inputs:   []types.Handle{loanCoin},
		Produces: 2, // exact part, remainder
	})
	swapPart, loanRemainder := split[0], split[1]

	swapped := plan.Append(types.Step{
		Kind:        types.StepSwap,
		AssetID:     params.FundingAsset,
		AssetOut:    params.AssetID,
		Amount:      sizing.swapInput,
		ExpectedOut: sizing.swapOutput,
		Inputs:      []types.Handle{swapPart},
		Produces:    1,
	})

	merged := plan.Append(types.Step{
		Kind:     types.StepMerge,
		AssetID:  params.AssetID,
		Amount:   params.Amount, // wallet principal joins the swapped coin
		Inputs:   []types.Handle{swapped[0]},
		Produces: 1,
	})

	c.adapter.RefreshOracles(plan, []string{params.AssetID, params.FundingAsset}, owner)
	c.adapter.EnsureObligation(plan, hasObligation)

	if err := c.adapter.Deposit(plan, params.AssetID, merged[0]); err != nil {
		return nil, apperrors.NewInternalError("deposit step", err)
	}

	borrowed, err := c.adapter.Borrow(plan, params.FundingAsset, sizing.repayment)
	if err != nil {
		return nil, apperrors.NewInternalError("borrow step", err)
	}

	repayCoin := plan.Append(types.Step{
		Kind:     types.StepMerge,
		AssetID:  params.FundingAsset,
		Inputs:   []types.Handle{loanRemainder, borrowed},
		Produces: 1,
	})

	surplus := plan.Append(types.Step{
		Kind:     types.StepFlashRepay,
		AssetID:  params.FundingAsset,
		Amount:   sizing.repayment,
		Inputs:   []types.Handle{repayCoin[0]},
		Receipt:  receipt,
		Produces: 1,
	})

	plan.Append(types.Step{
		Kind:    types.StepTransferOut,
		AssetID: params.FundingAsset,
		Inputs:  []types.Handle{surplus[0]},
	})

	if err := Validate(plan, c.adapter.ConsumesRepaymentCoin()); err != nil {
		return nil, err
	}

	c.log.WithFields(map[string]interface{}{
		"owner":      owner,
		"asset":      params.AssetID,
		"multiplier": params.Multiplier,
		"flash":      sizing.flashAmount.String(),
		"steps":      len(plan.Steps),
	}).Info("Leverage plan built")
	return plan, nil
}

// PreviewLeverage projects the position a leveraged open would create,
// without building or submitting anything. The projection runs the metrics
// engine over a synthetic obligation snapshot.
func (c *Composer) PreviewLeverage(ctx context.Context, owner string, reserves map[string]*types.ReserveSnapshot, params *LeverageParams) (*LeveragePreview, error) {
	sizing, err := c.sizeLeverage(ctx, reserves, params)
	if err != nil {
		return nil, err
	}

	collateral := reserves[params.AssetID]

	totalCollateral := new(big.Int).Add(params.Amount, sizing.swapOutput)
	projected := &types.ObligationSnapshot{
		Market: c.adapter.MarketID(),
		Owner:  owner,
		Deposits: []types.DepositEntry{
			{AssetID: params.AssetID, RawAmount: totalCollateral, ExchangeRate: 1},
		},
		Reserves:  reserves,
		FetchedAt: time.Now().UTC(),
	}
	if sizing.repayment.Sign() > 0 {
		projected.Borrows = []types.BorrowEntry{
			{AssetID: params.FundingAsset, RawAmount: sizing.repayment},
		}
	}

	m := metrics.Compute(projected, time.Now().UTC())

	preview := &LeveragePreview{
		InitialEquityUSD:      units.ValueUSD(params.Amount, collateral.Decimals, collateral.PriceUSD),
		FlashLoanAmount:       sizing.flashAmount.String(),
		FlashLoanFee:          sizing.fee.String(),
		ProjectedPositionUSD:  m.TotalDepositedUSD,
		ProjectedDebtUSD:      m.TotalBorrowedUSD,
		ProjectedHealthFactor: m.HealthFactor,
	}
	if m.TotalDepositedUSD > 0 {
		preview.ProjectedLTVPct = m.TotalBorrowedUSD / m.TotalDepositedUSD * 100
	}
	if price := m.LiquidationPrices[params.AssetID]; price != nil {
		preview.ProjectedLiquidationPrice = price
		if collateral.PriceUSD > 0 {
			preview.PriceDropBufferPct = (collateral.PriceUSD - *price) / collateral.PriceUSD * 100
		}
	}

	return preview, nil
}
