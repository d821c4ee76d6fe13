package metrics

import (
	"math/big"
)

// EarnedReward returns the total claimable reward units for one stream: the
// checkpointed settled amount plus the pending amount accrued since the
// user's last checkpoint,
//
//	pending = (currentCumulativePerShare - userCheckpointPerShare) * userShare / scale
//
// clamped at zero. A checkpoint ahead of the current cumulative value (seen
// transiently around protocol upgrades) must never produce a negative claim.
func EarnedReward(settled, currentCumulativePerShare, userCheckpointPerShare, userShare, scale *big.Int) *big.Int {
	total := new(big.Int)
	if settled != nil {
		total.Set(settled)
	}

	if currentCumulativePerShare == nil || userCheckpointPerShare == nil || userShare == nil {
		return total
	}

	delta := new(big.Int).Sub(currentCumulativePerShare, userCheckpointPerShare)
	if delta.Sign() <= 0 {
		return total
	}

	pending := new(big.Int).Mul(delta, userShare)
	if scale != nil && scale.Sign() > 0 {
		pending.Div(pending, scale)
	}
	return total.Add(total, pending)
}
