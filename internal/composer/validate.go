package composer

import (
	"fmt"
	"math/big"

	apperrors "github.com/defi-lever/internal/errors"
	"github.com/defi-lever/internal/types"
)

// Validate checks a composite operation for internal consistency before it
// can be simulated or submitted. It enforces:
//
//   - every handle reference points at an already-produced output and no
//     coin handle is consumed twice
//   - every flash borrow is repaid with its own receipt, exactly once
//   - per flash-loan asset, the funds provably available inside the plan
//     (flash draw, swap outputs, borrows, merged-in principal) cover the
//     declared repayment
//   - on markets whose repay consumes the entire input coin, every repay
//     input is an exact-sized coin (split or swap output), never a pooled one
//
// A plan failing validation never reaches the network.
func Validate(plan *types.CompositeOperation, consumesRepaymentCoin bool) error {
	if plan == nil || len(plan.Steps) == 0 {
		return apperrors.NewInvalidParameterError("plan", "empty plan")
	}

	produced := 0
	producedBy := make(map[types.Handle]*types.Step)
	consumed := make(map[types.Handle]bool)
	openReceipts := make(map[types.Handle]string) // receipt handle -> asset

	inflow := make(map[string]*big.Int)
	repayment := make(map[string]*big.Int)

	add := func(m map[string]*big.Int, asset string, amount *big.Int) {
		if amount == nil {
			return
		}
		if m[asset] == nil {
			m[asset] = new(big.Int)
		}
		m[asset].Add(m[asset], amount)
	}

	for i := range plan.Steps {
		step := &plan.Steps[i]

		for _, h := range step.Inputs {
			if int(h) < 0 || int(h) >= produced {
				return planError(fmt.Sprintf("step %d consumes handle %d before it is produced", i, h))
			}
			if consumed[h] {
				return planError(fmt.Sprintf("step %d consumes handle %d twice", i, h))
			}
			consumed[h] = true
		}

		switch step.Kind {
		case types.StepFlashBorrow:
			if step.Produces != 2 {
				return planError(fmt.Sprintf("step %d: flash borrow must produce a coin and a receipt", i))
			}
			add(inflow, step.AssetID, step.Amount)
			// Second output is the receipt
			openReceipts[types.Handle(produced+1)] = step.AssetID

		case types.StepFlashRepay:
			asset, ok := openReceipts[step.Receipt]
			if !ok {
				return planError(fmt.Sprintf("step %d repays an unknown or already-settled flash receipt %d", i, step.Receipt))
			}
			if asset != step.AssetID {
				return planError(fmt.Sprintf("step %d repays flash loan in %s with %s", i, asset, step.AssetID))
			}
			if step.Amount == nil || step.Amount.Sign() <= 0 {
				return planError(fmt.Sprintf("step %d: flash repayment amount missing", i))
			}
			delete(openReceipts, step.Receipt)
			add(repayment, step.AssetID, step.Amount)

		case types.StepSwap:
			add(inflow, step.AssetOut, step.ExpectedOut)

		case types.StepWithdraw:
			// Withdraw-all steps declare their snapshot amount as ExpectedOut
			add(inflow, step.AssetID, step.ExpectedOut)

		case types.StepBorrow:
			add(inflow, step.AssetID, step.Amount)

		case types.StepMerge:
			// Amount on a merge is wallet principal entering the plan
			add(inflow, step.AssetID, step.Amount)

		case types.StepRepay:
			if consumesRepaymentCoin {
				if len(step.Inputs) != 1 {
					return planError(fmt.Sprintf("step %d: repay requires exactly one input coin", i))
				}
				src := producedBy[step.Inputs[0]]
				if src == nil || (src.Kind != types.StepSplit && src.Kind != types.StepSwap) {
					return planError(fmt.Sprintf("step %d: market consumes the repayment coin, input must be exact-sized (split or swap output)", i))
				}
			}
		}

		for j := 0; j < step.Produces; j++ {
			producedBy[types.Handle(produced+j)] = step
		}
		produced += step.Produces
	}

	if len(openReceipts) > 0 {
		return planError("flash loan drawn but never repaid")
	}

	for asset, owed := range repayment {
		available := inflow[asset]
		if available == nil || available.Cmp(owed) < 0 {
			availableStr := "0"
			if available != nil {
				availableStr = available.String()
			}
			return apperrors.NewInsufficientCollateralError(
				"plan funds do not cover flash loan repayment",
				map[string]interface{}{
					"asset":     asset,
					"required":  owed.String(),
					"available": availableStr,
				},
			)
		}
	}

	return nil
}

func planError(message string) error {
	return apperrors.NewInvalidParameterError("plan", message)
}
