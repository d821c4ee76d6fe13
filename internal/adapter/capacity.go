package adapter

import (
	"math/big"

	"github.com/defi-lever/internal/types"
	"github.com/defi-lever/internal/units"
)

// Borrow-capacity math shared by all market adapters. All values are derived
// from one obligation snapshot so the numbers are mutually consistent.

// allowedBorrowValueUSD returns the open-LTV weighted value of all deposits
func allowedBorrowValueUSD(ob *types.ObligationSnapshot) float64 {
	var total float64
	for i := range ob.Deposits {
		d := &ob.Deposits[i]
		reserve := ob.Reserve(d.AssetID)
		if reserve == nil {
			continue
		}
		value := units.ValueUSD(d.UnderlyingAmount(), reserve.Decimals, reserve.PriceUSD)
		total += value * reserve.OpenLTV
	}
	return total
}

// currentBorrowValueUSD returns the USD value of all debt compounded to now
func currentBorrowValueUSD(ob *types.ObligationSnapshot) float64 {
	var total float64
	for i := range ob.Borrows {
		b := &ob.Borrows[i]
		reserve := ob.Reserve(b.AssetID)
		if reserve == nil {
			continue
		}
		total += units.ValueUSD(b.OwedNow(), reserve.Decimals, reserve.PriceUSD)
	}
	return total
}

// maxBorrowable computes the largest raw amount of the asset borrowable
// against the remaining capacity:
//
//	max(0, allowedBorrowValueUsd - currentBorrowValueUsd) / price
func maxBorrowable(ob *types.ObligationSnapshot, assetID string) (*big.Int, error) {
	reserve := ob.Reserve(assetID)
	if reserve == nil {
		return nil, ErrUnknownReserve
	}

	headroom := allowedBorrowValueUSD(ob) - currentBorrowValueUSD(ob)
	if headroom <= 0 || reserve.PriceUSD <= 0 {
		return new(big.Int), nil
	}

	amount := units.FromUSD(headroom, reserve.Decimals, reserve.PriceUSD)
	if reserve.AvailableLiquidity != nil && amount.Cmp(reserve.AvailableLiquidity) > 0 {
		amount = new(big.Int).Set(reserve.AvailableLiquidity)
	}
	return amount, nil
}

// maxWithdrawable computes the largest raw amount of the asset withdrawable
// without breaching borrow capacity. With existing debt the withdrawal X is
// bounded by
//
//	X <= (allowedBorrowValueUsd - currentBorrowValueUsd) / (price * openLTV)
//
// discounted by the safety multiplier and capped at the full deposit. An
// asset with zero openLTV does not gate borrow capacity, so the full deposit
// is withdrawable regardless of debt.
func maxWithdrawable(ob *types.ObligationSnapshot, assetID string, safetyMultiplier float64) (*big.Int, error) {
	reserve := ob.Reserve(assetID)
	if reserve == nil {
		return nil, ErrUnknownReserve
	}

	deposited := new(big.Int)
	for i := range ob.Deposits {
		if ob.Deposits[i].AssetID == assetID {
			deposited.Add(deposited, ob.Deposits[i].UnderlyingAmount())
		}
	}
	if deposited.Sign() == 0 {
		return new(big.Int), nil
	}

	if reserve.OpenLTV == 0 || !ob.HasDebt() {
		return deposited, nil
	}

	headroom := allowedBorrowValueUSD(ob) - currentBorrowValueUSD(ob)
	if headroom <= 0 {
		return new(big.Int), nil
	}

	limitUSD := headroom / reserve.OpenLTV * safetyMultiplier
	limit := units.FromUSD(limitUSD, reserve.Decimals, reserve.PriceUSD)
	if limit.Cmp(deposited) > 0 {
		return deposited, nil
	}
	return limit, nil
}
