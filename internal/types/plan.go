package types

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// StepKind represents the kind of a single protocol call within a composite operation
type StepKind string

const (
	// StepFlashBorrow draws a flash loan, producing a coin handle and a receipt handle
	StepFlashBorrow StepKind = "flash_borrow"
	// StepSwap swaps an input coin for an output coin along a quoted route
	StepSwap StepKind = "swap"
	// StepMerge merges two coin handles of the same asset into one
	StepMerge StepKind = "merge"
	// StepSplit splits an exact amount off a coin handle
	StepSplit StepKind = "split"
	// StepRefreshOracles refreshes market oracles for the touched assets
	StepRefreshOracles StepKind = "refresh_oracles"
	// StepCreateObligation creates an obligation record for the owner
	StepCreateObligation StepKind = "create_obligation"
	// StepDeposit deposits a coin as collateral
	StepDeposit StepKind = "deposit"
	// StepWithdraw withdraws collateral, producing a coin handle
	StepWithdraw StepKind = "withdraw"
	// StepBorrow borrows against the obligation, producing a coin handle
	StepBorrow StepKind = "borrow"
	// StepRepay repays debt from a coin handle
	StepRepay StepKind = "repay"
	// StepFlashRepay repays the flash loan from a coin handle plus receipt
	StepFlashRepay StepKind = "flash_repay"
	// StepTransferOut transfers a coin handle to the owner
	StepTransferOut StepKind = "transfer_out"
)

// Handle references the output of a prior step within the same composite
// operation. A handle is only meaningful inside the plan that produced it.
type Handle int

// NilHandle marks an absent handle reference
const NilHandle Handle = -1

// Step represents one protocol call within a composite operation. Inputs
// reference prior step outputs by handle; Amount carries the client-side
// computed amount used by the plan validator for reconciliation.
type Step struct {
	Kind    StepKind `json:"kind"`
	Market  MarketID `json:"market,omitempty"`
	AssetID string   `json:"assetId,omitempty"`
	// AssetOut is set for swap steps
	AssetOut string `json:"assetOut,omitempty"`
	// Assets is set for multi-asset steps such as oracle refreshes
	Assets []string `json:"assets,omitempty"`
	// Amount is the computed input amount for this step, nil when the step
	// operates on a whole coin handle
	Amount *big.Int `json:"amount,omitempty"`
	// ExpectedOut is the computed output amount, nil when not applicable
	ExpectedOut *big.Int `json:"expectedOut,omitempty"`
	// Inputs are coin handles consumed by this step
	Inputs []Handle `json:"inputs,omitempty"`
	// Receipt is the flash-loan receipt handle for flash_repay steps
	Receipt Handle `json:"receipt,omitempty"`
	// Produces reports how many coin handles this step outputs (0, 1 or 2)
	Produces int `json:"produces"`
}

// CompositeOperation represents an ordered sequence of protocol calls that
// must execute as one atomic unit. Atomicity itself is provided by the
// chain's execution model; this plan guarantees internal consistency before
// submission.
type CompositeOperation struct {
	ID        string    `json:"id"`
	Market    MarketID  `json:"market"`
	Owner     string    `json:"owner"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"createdAt"`

	nextHandle Handle
}

// NewCompositeOperation creates an empty plan for the given market and owner
func NewCompositeOperation(market MarketID, owner string) *CompositeOperation {
	return &CompositeOperation{
		ID:        uuid.NewString(),
		Market:    market,
		Owner:     owner,
		CreatedAt: time.Now().UTC(),
	}
}

// Append adds a step and returns the handles of the coins it produces, in
// production order
func (p *CompositeOperation) Append(step Step) []Handle {
	p.Steps = append(p.Steps, step)
	if step.Produces == 0 {
		return nil
	}
	handles := make([]Handle, step.Produces)
	for i := range handles {
		handles[i] = p.nextHandle
		p.nextHandle++
	}
	return handles
}

// HandleCount returns the number of coin handles produced so far
func (p *CompositeOperation) HandleCount() int {
	return int(p.nextHandle)
}

// StepsOfKind returns all steps of the given kind in plan order
func (p *CompositeOperation) StepsOfKind(kind StepKind) []Step {
	var out []Step
	for _, s := range p.Steps {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// TouchedAssets returns the distinct asset ids referenced by the plan
func (p *CompositeOperation) TouchedAssets() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range p.Steps {
		ids := append([]string{s.AssetID, s.AssetOut}, s.Assets...)
		for _, id := range ids {
			if id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// OperationResult represents the outcome of executing or dry-running a plan
type OperationResult struct {
	Success bool   `json:"success"`
	TxID    string `json:"txId,omitempty"`
	Error   string `json:"error,omitempty"`
	DryRun  bool   `json:"dryRun"`
}
