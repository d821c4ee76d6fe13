// Package metrics computes risk and yield metrics over obligation snapshots.
// Every computation runs against one snapshot and the reserve set fetched
// with it; nothing is cached between calls.
package metrics

import (
	"math"
	"time"

	"github.com/defi-lever/internal/types"
	"github.com/defi-lever/internal/units"
)

const hoursPerYear = 24 * 365

// depositValue holds the priced view of one deposit used across computations
type depositValue struct {
	assetID     string
	amountUnits float64 // underlying amount in human units
	valueUSD    float64
	openLTV     float64
	closeLTV    float64
}

// Compute derives the full metrics set from one obligation snapshot. The
// snapshot's reserve map must contain every asset referenced by the
// obligation; deposits or borrows referencing missing reserves are skipped
// and reported as warnings rather than aborting the read.
func Compute(ob *types.ObligationSnapshot, now time.Time) *types.PortfolioMetrics {
	m := &types.PortfolioMetrics{
		LiquidationPrices: make(map[string]*float64),
	}

	deposits := make([]depositValue, 0, len(ob.Deposits))
	var annualIncomeUSD, annualCostUSD float64

	for i := range ob.Deposits {
		d := &ob.Deposits[i]
		reserve := ob.Reserve(d.AssetID)
		if reserve == nil {
			m.Warnings = append(m.Warnings, "missing reserve for deposit "+d.AssetID)
			continue
		}

		underlying := d.UnderlyingAmount()
		valueUSD := units.ValueUSD(underlying, reserve.Decimals, reserve.PriceUSD)
		amountUnits := 0.0
		if reserve.PriceUSD > 0 {
			amountUnits = valueUSD / reserve.PriceUSD
		}

		deposits = append(deposits, depositValue{
			assetID:     d.AssetID,
			amountUnits: amountUnits,
			valueUSD:    valueUSD,
			openLTV:     reserve.OpenLTV,
			closeLTV:    reserve.CloseLTV,
		})

		m.TotalDepositedUSD += valueUSD
		m.LiquidationThresholdUSD += valueUSD * reserve.CloseLTV

		supplyAPY := reserve.SupplyAPY + rewardAPY(reserve, types.SideSupply, now)
		annualIncomeUSD += valueUSD * supplyAPY / 100
	}

	for i := range ob.Borrows {
		b := &ob.Borrows[i]
		reserve := ob.Reserve(b.AssetID)
		if reserve == nil {
			m.Warnings = append(m.Warnings, "missing reserve for borrow "+b.AssetID)
			continue
		}

		valueUSD := units.ValueUSD(b.OwedNow(), reserve.Decimals, reserve.PriceUSD)
		m.TotalBorrowedUSD += valueUSD

		weight := reserve.BorrowWeight
		if weight <= 0 {
			weight = 1
		}
		m.WeightedBorrowsUSD += valueUSD * weight

		// Borrow-side rewards offset interest; the net borrow rate can go
		// negative when incentives exceed interest.
		netBorrowAPR := reserve.BorrowAPY - rewardAPY(reserve, types.SideBorrow, now)
		annualCostUSD += valueUSD * netBorrowAPR / 100
	}

	m.NetValueUSD = m.TotalDepositedUSD - m.TotalBorrowedUSD
	m.AnnualNetEarningsUSD = annualIncomeUSD - annualCostUSD

	if m.WeightedBorrowsUSD == 0 {
		m.HealthFactor = math.Inf(1)
	} else {
		m.HealthFactor = m.LiquidationThresholdUSD / m.WeightedBorrowsUSD
	}

	if m.NetValueUSD <= 0 {
		m.NetAPY = 0
	} else {
		m.NetAPY = m.AnnualNetEarningsUSD / m.NetValueUSD * 100
	}

	if m.TotalDepositedUSD > 0 {
		for _, d := range deposits {
			m.WeightedOpenLTV += d.valueUSD / m.TotalDepositedUSD * d.openLTV
		}
	}
	if m.WeightedOpenLTV >= 1 {
		m.MaxLeverage = math.Inf(1)
	} else {
		m.MaxLeverage = 1 / (1 - m.WeightedOpenLTV)
	}

	for _, d := range deposits {
		m.LiquidationPrices[d.assetID] = liquidationPrice(deposits, d, m.WeightedBorrowsUSD)
	}

	return m
}

// liquidationPrice estimates the price of one collateral asset at which the
// position becomes liquidatable, holding all other prices constant. A
// non-positive numerator means the other collateral alone covers the debt:
// the position is safe even at price zero and no liquidation price exists.
func liquidationPrice(deposits []depositValue, target depositValue, weightedBorrowsUSD float64) *float64 {
	if target.closeLTV == 0 || target.amountUnits == 0 {
		return nil
	}

	var otherWeighted float64
	for _, d := range deposits {
		if d.assetID == target.assetID {
			continue
		}
		otherWeighted += d.valueUSD * d.closeLTV
	}

	numerator := weightedBorrowsUSD - otherWeighted
	if numerator <= 0 {
		return nil
	}

	price := numerator / (target.amountUnits * target.closeLTV)
	return &price
}

// rewardAPY sums the annualized reward yield of all streams active now on the
// given side of the reserve, as a percentage of that side's total value.
// Streams outside their [start, end] window contribute nothing.
func rewardAPY(reserve *types.ReserveSnapshot, side types.Side, now time.Time) float64 {
	var sideTotalUSD float64
	switch side {
	case types.SideSupply:
		sideTotalUSD = units.ValueUSD(reserve.TotalSupplied, reserve.Decimals, reserve.PriceUSD)
	case types.SideBorrow:
		sideTotalUSD = units.ValueUSD(reserve.TotalBorrowed, reserve.Decimals, reserve.PriceUSD)
	}
	if sideTotalUSD <= 0 {
		return 0
	}

	var total float64
	for i := range reserve.Rewards {
		stream := &reserve.Rewards[i]
		if stream.Side != side || !stream.Active(now) {
			continue
		}

		durationYears := stream.End.Sub(stream.Start).Hours() / hoursPerYear
		if durationYears <= 0 {
			continue
		}

		totalUnits := units.ValueUSD(stream.TotalUnits, stream.RewardDecimals, 1)
		annualRewardUSD := totalUnits / durationYears * stream.RewardPriceUSD
		total += annualRewardUSD / sideTotalUSD * 100
	}
	return total
}
