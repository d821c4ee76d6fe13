package composer

import (
	"context"
	"math/big"

	apperrors "github.com/defi-lever/internal/errors"
	"github.com/defi-lever/internal/types"
	"github.com/defi-lever/internal/units"
)

// deleverageSizing holds the amounts a deleverage plan is built from
type deleverageSizing struct {
	fundingAsset string
	flashAmount  *big.Int
	fee          *big.Int
	repayment    *big.Int // flashAmount + fee

	// debts to repay, compounded to now
	debts []debtRepayment
	// collateral to unwind, with full-amount quotes for non-funding assets
	collaterals []collateralUnwind
}

type debtRepayment struct {
	assetID      string
	owed         *big.Int
	fundingInput *big.Int    // funding units needed, equals owed for funding-asset debt
	quote        *routeQuote // nil for funding-asset debt
}

type collateralUnwind struct {
	assetID   string
	amount    *big.Int // full withdrawn amount in underlying units
	fullQuote *routeQuote
}

// routeQuote aliases the router quote to keep the sizing structs compact
type routeQuote struct {
	amountIn  *big.Int
	amountOut *big.Int
}

// sizeDeleverage compounds all debts, sizes the flash loan that repays them,
// and verifies the withdrawn collateral can cover the flash repayment. A
// position that cannot cover it fails here with InsufficientCollateral,
// before any plan step exists.
func (c *Composer) sizeDeleverage(ctx context.Context, ob *types.ObligationSnapshot, fundingAsset string) (*deleverageSizing, error) {
	if !ob.HasDebt() {
		return nil, apperrors.NewNoObligationError(ob.Market, ob.Owner)
	}
	funding := ob.Reserve(fundingAsset)
	if funding == nil {
		return nil, apperrors.NewUnknownReserveError(ob.Market, fundingAsset)
	}

	sizing := &deleverageSizing{fundingAsset: fundingAsset}

	fundingNeeded := new(big.Int)
	for i := range ob.Borrows {
		b := &ob.Borrows[i]
		owed := b.OwedNow()
		if owed.Sign() == 0 {
			continue
		}

		repay := debtRepayment{assetID: b.AssetID, owed: owed}
		if b.AssetID == fundingAsset {
			repay.fundingInput = owed
		} else {
			reserve := ob.Reserve(b.AssetID)
			if reserve == nil {
				return nil, apperrors.NewUnknownReserveError(ob.Market, b.AssetID)
			}
			input, quote, err := c.requiredInputForOutput(ctx,
				fundingAsset, funding.Decimals,
				b.AssetID, reserve.Decimals,
				owed)
			if err != nil {
				return nil, err
			}
			repay.fundingInput = input
			repay.quote = &routeQuote{amountIn: quote.AmountIn, amountOut: quote.AmountOut}
		}
		fundingNeeded.Add(fundingNeeded, repay.fundingInput)
		sizing.debts = append(sizing.debts, repay)
	}

	sizing.flashAmount = units.ApplyBps(fundingNeeded, c.deleverageBufferBps)
	fee, err := c.lender.FeeFor(ctx, sizing.flashAmount, fundingAsset)
	if err != nil {
		return nil, apperrors.NewProviderError("flash lender", err)
	}
	sizing.fee = fee
	sizing.repayment = new(big.Int).Add(sizing.flashAmount, fee)

	// Quote the full withdrawn amount of every collateral into the funding
	// asset and check total coverage before emitting a single step
	totalFundingOut := new(big.Int)
	for i := range ob.Deposits {
		d := &ob.Deposits[i]
		amount := d.UnderlyingAmount()
		if amount.Sign() == 0 {
			continue
		}

		unwind := collateralUnwind{assetID: d.AssetID, amount: amount}
		if d.AssetID == fundingAsset {
			totalFundingOut.Add(totalFundingOut, amount)
		} else {
			quote, err := c.bestQuote(ctx, amount, d.AssetID, fundingAsset)
			if err != nil {
				return nil, err
			}
			unwind.fullQuote = &routeQuote{amountIn: quote.AmountIn, amountOut: quote.AmountOut}
			totalFundingOut.Add(totalFundingOut, quote.AmountOut)
		}
		sizing.collaterals = append(sizing.collaterals, unwind)
	}

	if totalFundingOut.Cmp(sizing.repayment) < 0 {
		return nil, apperrors.NewInsufficientCollateralError(
			"collateral cannot cover flash loan repayment",
			map[string]interface{}{
				"required":  sizing.repayment.String(),
				"available": totalFundingOut.String(),
			},
		)
	}
	return sizing, nil
}

// BuildDeleverage builds the composite operation that closes the position:
// flash-borrow the funding asset, repay all debt, withdraw all collateral,
// swap the minimal slice needed to repay the flash loan and transfer the
// rest to the owner.
func (c *Composer) BuildDeleverage(ctx context.Context, ob *types.ObligationSnapshot, fundingAsset string) (*types.CompositeOperation, error) {
	sizing, err := c.sizeDeleverage(ctx, ob, fundingAsset)
	if err != nil {
		return nil, err
	}

	plan := types.NewCompositeOperation(ob.Market, ob.Owner)
	consuming := c.adapter.ConsumesRepaymentCoin()

	flash := plan.Append(types.Step{
		Kind:     types.StepFlashBorrow,
		AssetID:  fundingAsset,
		Amount:   sizing.flashAmount,
		Produces: 2,
	})
	loanCoin, receipt := flash[0], flash[1]

	refreshAssets := []string{fundingAsset}
	for _, debt := range sizing.debts {
		if debt.assetID != fundingAsset {
			refreshAssets = append(refreshAssets, debt.assetID)
		}
	}
	for _, unwind := range sizing.collaterals {
		if unwind.assetID != fundingAsset {
			refreshAssets = append(refreshAssets, unwind.assetID)
		}
	}
	c.adapter.RefreshOracles(plan, refreshAssets, ob.Owner)

	// Repay every debt from exact-sized slices of the flash coin. Markets
	// that consume the repayment coin require this exact sizing; on markets
	// that return a remainder the remainders are folded back into the
	// repayment pool.
	var poolCoins []types.Handle
	for _, debt := range sizing.debts {
		split := plan.Append(types.Step{
			Kind:     types.StepSplit,
			AssetID:  fundingAsset,
			Amount:   debt.fundingInput,
			Inputs:   []types.Handle{loanCoin},
			Produces: 2,
		})
		repayCoin, rest := split[0], split[1]
		loanCoin = rest

		if debt.assetID != fundingAsset {
			expectedOut := units.MulDivCeil(debt.quote.amountOut, debt.fundingInput, debt.quote.amountIn)
			swapped := plan.Append(types.Step{
				Kind:        types.StepSwap,
				AssetID:     fundingAsset,
				AssetOut:    debt.assetID,
				Amount:      debt.fundingInput,
				ExpectedOut: expectedOut,
				Inputs:      []types.Handle{repayCoin},
				Produces:    1,
			})
			repayCoin = swapped[0]
		}

		remainder, err := c.adapter.Repay(plan, debt.assetID, repayCoin, debt.owed)
		if err != nil {
			return nil, apperrors.NewInternalError("repay step", err)
		}
		if !consuming && remainder != types.NilHandle {
			if debt.assetID == fundingAsset {
				poolCoins = append(poolCoins, remainder)
			} else {
				plan.Append(types.Step{
					Kind:    types.StepTransferOut,
					AssetID: debt.assetID,
					Inputs:  []types.Handle{remainder},
				})
			}
		}
	}
	poolCoins = append(poolCoins, loanCoin) // flash buffer remainder

	// Withdraw everything, swap only what the flash repayment still needs
	for _, unwind := range sizing.collaterals {
		withdrawn, err := c.adapter.Withdraw(plan, unwind.assetID, nil)
		if err != nil {
			return nil, apperrors.NewInternalError("withdraw step", err)
		}
		// Withdraw-all has no fixed amount; declare the snapshot amount so
		// the validator can reconcile flash repayment coverage
		plan.Steps[len(plan.Steps)-1].ExpectedOut = unwind.amount

		if unwind.assetID == fundingAsset {
			poolCoins = append(poolCoins, withdrawn)
			continue
		}

		// requiredInput = repayment * fullIn / fullOut, capped at withdrawn
		required := units.MulDivCeil(unwind.fullQuote.amountIn, sizing.repayment, unwind.fullQuote.amountOut)
		if required.Cmp(unwind.amount) > 0 {
			required = unwind.amount
		}
		expectedOut := units.MulDiv(unwind.fullQuote.amountOut, required, unwind.fullQuote.amountIn)

		split := plan.Append(types.Step{
			Kind:     types.StepSplit,
			AssetID:  unwind.assetID,
			Amount:   required,
			Inputs:   []types.Handle{withdrawn},
			Produces: 2,
		})
		swapPart, keep := split[0], split[1]

		swapped := plan.Append(types.Step{
			Kind:        types.StepSwap,
			AssetID:     unwind.assetID,
			AssetOut:    fundingAsset,
			Amount:      required,
			ExpectedOut: expectedOut,
			Inputs:      []types.Handle{swapPart},
			Produces:    1,
		})
		poolCoins = append(poolCoins, swapped[0])

		plan.Append(types.Step{
			Kind:    types.StepTransferOut,
			AssetID: unwind.assetID,
			Inputs:  []types.Handle{keep},
		})
	}

	merged := plan.Append(types.Step{
		Kind:     types.StepMerge,
		AssetID:  fundingAsset,
		Inputs:   poolCoins,
		Produces: 1,
	})

	surplus := plan.Append(types.Step{
		Kind:     types.StepFlashRepay,
		AssetID:  fundingAsset,
		Amount:   sizing.repayment,
		Inputs:   []types.Handle{merged[0]},
		Receipt:  receipt,
		Produces: 1,
	})

	plan.Append(types.Step{
		Kind:    types.StepTransferOut,
		AssetID: fundingAsset,
		Inputs:  []types.Handle{surplus[0]},
	})

	if err := Validate(plan, consuming); err != nil {
		return nil, err
	}

	c.log.WithFields(map[string]interface{}{
		"owner": ob.Owner,
		"flash": sizing.flashAmount.String(),
		"debts": len(sizing.debts),
		"steps": len(plan.Steps),
	}).Info("Deleverage plan built")
	return plan, nil
}
