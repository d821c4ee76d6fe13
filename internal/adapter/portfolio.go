package adapter

import (
	"context"
	"time"

	"github.com/defi-lever/internal/metrics"
	"github.com/defi-lever/internal/types"
	"github.com/defi-lever/internal/units"
)

// TokenMetadata holds display metadata for an asset
type TokenMetadata struct {
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// MetadataSource resolves display metadata for assets outside the market's
// reserve registry (reward tokens, mostly). Lookups are best-effort: a
// failing source degrades the read to fallback metadata, it never aborts it.
type MetadataSource interface {
	TokenMetadata(ctx context.Context, assetID string) (*TokenMetadata, error)
}

// buildPortfolio derives the account portfolio view from a position
// snapshot. Reward entries are enriched through the metadata source when one
// is configured; enrichment failures become warnings on the metrics.
func buildPortfolio(ctx context.Context, ob *types.ObligationSnapshot, rewards []types.EarnedReward, rewardWarnings []string, now time.Time) *types.AccountPortfolio {
	m := metrics.Compute(ob, now)
	m.Warnings = append(m.Warnings, rewardWarnings...)

	portfolio := &types.AccountPortfolio{
		Market:    ob.Market,
		Owner:     ob.Owner,
		Rewards:   rewards,
		Metrics:   m,
		FetchedAt: ob.FetchedAt,
	}

	for i := range ob.Deposits {
		d := &ob.Deposits[i]
		reserve := ob.Reserve(d.AssetID)
		if reserve == nil {
			continue
		}
		underlying := d.UnderlyingAmount()
		portfolio.Deposits = append(portfolio.Deposits, types.AssetAmount{
			AssetID:  d.AssetID,
			Symbol:   reserve.Symbol,
			Decimals: reserve.Decimals,
			Raw:      underlying.String(),
			Amount:   units.ToHuman(underlying, reserve.Decimals),
			ValueUSD: units.ValueUSD(underlying, reserve.Decimals, reserve.PriceUSD),
		})
	}

	for i := range ob.Borrows {
		b := &ob.Borrows[i]
		reserve := ob.Reserve(b.AssetID)
		if reserve == nil {
			continue
		}
		owed := b.OwedNow()
		portfolio.Borrows = append(portfolio.Borrows, types.AssetAmount{
			AssetID:  b.AssetID,
			Symbol:   reserve.Symbol,
			Decimals: reserve.Decimals,
			Raw:      owed.String(),
			Amount:   units.ToHuman(owed, reserve.Decimals),
			ValueUSD: units.ValueUSD(owed, reserve.Decimals, reserve.PriceUSD),
		})
	}

	return portfolio
}

// lookupRewardMetadata resolves reward token metadata through the optional
// source, falling back to the protocol-reported values
func lookupRewardMetadata(ctx context.Context, source MetadataSource, assetID, fallbackSymbol string, fallbackDecimals int) (string, int, bool) {
	if source == nil {
		return fallbackSymbol, fallbackDecimals, true
	}
	meta, err := source.TokenMetadata(ctx, assetID)
	if err != nil || meta == nil {
		return fallbackSymbol, fallbackDecimals, false
	}
	symbol := meta.Symbol
	if symbol == "" {
		symbol = fallbackSymbol
	}
	decimals := meta.Decimals
	if decimals == 0 {
		decimals = fallbackDecimals
	}
	return symbol, decimals, true
}
