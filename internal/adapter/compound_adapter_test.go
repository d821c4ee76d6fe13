package adapter

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defi-lever/internal/types"
)

// mockCompoundClient is a hand-rolled CompoundClient for tests
type mockCompoundClient struct {
	markets    []CompoundMarketData
	accounts   []CompoundAccountData
	rewards    []CompoundRewardData
	hasOblig   bool
	marketsErr error
	accountErr error
	rewardsErr error
	obligErr   error
}

func (m *mockCompoundClient) GetAllMarkets(ctx context.Context) ([]CompoundMarketData, error) {
	return m.markets, m.marketsErr
}

func (m *mockCompoundClient) GetAccountSnapshot(ctx context.Context, user string) ([]CompoundAccountData, error) {
	return m.accounts, m.accountErr
}

func (m *mockCompoundClient) GetCompAccrued(ctx context.Context, user string) ([]CompoundRewardData, error) {
	return m.rewards, m.rewardsErr
}

func (m *mockCompoundClient) HasObligation(ctx context.Context, user string) (bool, error) {
	return m.hasOblig, m.obligErr
}

const daiAddr = "0x6B175474E89094C44Da98b954EedeAC495271d0F"

func compoundTestMarkets() []CompoundMarketData {
	return []CompoundMarketData{
		{
			UnderlyingAsset:  wethAddr,
			Symbol:           "WETH",
			Decimals:         18,
			PriceUSD:         "2000",
			Cash:             "300000000000000000000",
			TotalSupply:      "5000000000000000000000", // cTokens
			TotalBorrows:     "200000000000000000000",
			ExchangeRate:     "200000000000000000", // 0.2 underlying per cToken
			CollateralFactor: "750000000000000000", // 0.75
			SupplyRate:       "1.5",
			BorrowRate:       "3.5",
			BorrowIndex:      "1050000000000000000", // 1.05 WAD
		},
		{
			UnderlyingAsset:  daiAddr,
			Symbol:           "DAI",
			Decimals:         18,
			PriceUSD:         "1",
			Cash:             "5000000000000000000000000",
			TotalSupply:      "40000000000000000000000000",
			TotalBorrows:     "3000000000000000000000000",
			ExchangeRate:     "250000000000000000",
			CollateralFactor: "0", // not usable as collateral
			SupplyRate:       "4.0",
			BorrowRate:       "6.0",
			BorrowIndex:      "1200000000000000000", // 1.2 WAD
		},
	}
}

func newTestCompoundAdapter(t *testing.T, client *mockCompoundClient) *CompoundAdapter {
	t.Helper()
	c, err := NewCompoundAdapter(&CompoundAdapterConfig{Client: client})
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background()))
	return c
}

func TestCompoundAdapter_MarketTraits(t *testing.T) {
	c := newTestCompoundAdapter(t, &mockCompoundClient{markets: compoundTestMarkets()})

	assert.Equal(t, types.MarketCompound, c.MarketID())
	assert.True(t, c.ConsumesRepaymentCoin())
	assert.Equal(t, "1000000000000000000", c.AccrualScale().String())
}

func TestCompoundAdapter_GetMarketAssets(t *testing.T) {
	c := newTestCompoundAdapter(t, &mockCompoundClient{markets: compoundTestMarkets()})

	snapshots, err := c.GetMarketAssets(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshots, 2)

	weth := snapshots[0]
	assert.Equal(t, 0.75, weth.OpenLTV)
	// Collateral factor doubles as the liquidation threshold on this market
	assert.Equal(t, 0.75, weth.CloseLTV)
	// 5000 cTokens * 0.2 = 1000 WETH supplied
	assert.Equal(t, "1000000000000000000000", weth.TotalSupplied.String())
}

func TestCompoundAdapter_BorrowCompounding(t *testing.T) {
	client := &mockCompoundClient{
		markets: compoundTestMarkets(),
		accounts: []CompoundAccountData{
			{
				UnderlyingAsset:      wethAddr,
				BorrowBalancePrinc:   "1000000000000000000", // 1 WETH principal
				BorrowIndexAtAccrual: "1000000000000000000", // 1.0 at accrual
			},
		},
	}
	c := newTestCompoundAdapter(t, client)

	ob, err := c.GetPosition(context.Background(), "0xowner")
	require.NoError(t, err)
	require.Len(t, ob.Borrows, 1)

	// owed = 1.0 * 1.05 / 1.0 = 1.05 WETH
	assert.Equal(t, "1050000000000000000", ob.Borrows[0].OwedNow().String())
}

func TestCompoundAdapter_BorrowCompounding_ZeroOrigin(t *testing.T) {
	client := &mockCompoundClient{
		markets: compoundTestMarkets(),
		accounts: []CompoundAccountData{
			{
				UnderlyingAsset:      wethAddr,
				BorrowBalancePrinc:   "1000000000000000000",
				BorrowIndexAtAccrual: "0",
			},
		},
	}
	c := newTestCompoundAdapter(t, client)

	ob, err := c.GetPosition(context.Background(), "0xowner")
	require.NoError(t, err)

	// Zero origin index means raw amount is already current
	assert.Equal(t, "1000000000000000000", ob.Borrows[0].OwedNow().String())
}

func TestCompoundAdapter_GetPosition_NoObligation(t *testing.T) {
	c := newTestCompoundAdapter(t, &mockCompoundClient{markets: compoundTestMarkets()})

	_, err := c.GetPosition(context.Background(), "0xnobody")
	assert.ErrorIs(t, err, ErrNoObligation)
}

func TestCompoundAdapter_PlanSteps(t *testing.T) {
	c := newTestCompoundAdapter(t, &mockCompoundClient{markets: compoundTestMarkets()})
	plan := types.NewCompositeOperation(types.MarketCompound, "0xowner")

	// First deposit needs an obligation record
	c.EnsureObligation(plan, false)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, types.StepCreateObligation, plan.Steps[0].Kind)

	// With an existing record nothing is appended
	c.EnsureObligation(plan, true)
	assert.Len(t, plan.Steps, 1)

	borrowed, err := c.Borrow(plan, "weth", big.NewInt(500))
	require.NoError(t, err)
	assert.Equal(t, types.Handle(0), borrowed)

	// Repay consumes the whole coin: no remainder handle
	remainder, err := c.Repay(plan, "weth", borrowed, big.NewInt(500))
	require.NoError(t, err)
	assert.Equal(t, types.NilHandle, remainder)
	assert.Equal(t, 0, plan.Steps[len(plan.Steps)-1].Produces)
}

func TestCompoundAdapter_HasObligation(t *testing.T) {
	c := newTestCompoundAdapter(t, &mockCompoundClient{
		markets:  compoundTestMarkets(),
		hasOblig: true,
	})

	has, err := c.HasObligation(context.Background(), "0xowner")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestCompoundAdapter_ZeroLTVCollateral_FullyWithdrawable(t *testing.T) {
	client := &mockCompoundClient{
		markets: compoundTestMarkets(),
		accounts: []CompoundAccountData{
			{
				UnderlyingAsset: wethAddr,
				CTokenBalance:   "10000000000000000000", // 10 cWETH = 2 WETH collateral
			},
			{
				UnderlyingAsset: daiAddr,
				CTokenBalance:   "4000000000000000000000", // 4000 cDAI = 1000 DAI
			},
			{
				UnderlyingAsset:      wethAddr,
				BorrowBalancePrinc:   "100000000000000000", // 0.1 WETH debt
				BorrowIndexAtAccrual: "1050000000000000000",
			},
		},
	}
	c := newTestCompoundAdapter(t, client)

	// DAI has zero collateral factor, so debt never gates its withdrawal
	amount, err := c.GetMaxWithdrawable(context.Background(), "0xowner", "DAI")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000", amount.String())
}

func TestCompoundAdapter_GetAccountPortfolio_Rewards(t *testing.T) {
	client := &mockCompoundClient{
		markets: compoundTestMarkets(),
		accounts: []CompoundAccountData{
			{
				UnderlyingAsset: wethAddr,
				CTokenBalance:   "5000000000000000000", // 1 WETH
			},
		},
		rewards: []CompoundRewardData{
			{
				RewardAsset:         "0xc00e94Cb662C3520282E6f5717214004A7f26888",
				RewardSymbol:        "COMP",
				RewardDecimals:      18,
				PriceUSD:            "50",
				CompAccrued:         "1000000000000000000",
				SupplyIndex:         "1000000000000000000",
				UserSupplyIndex:     "1000000000000000000", // no pending
				UserSupplyPrincipal: "0",
			},
		},
	}
	c := newTestCompoundAdapter(t, client)

	portfolio, err := c.GetAccountPortfolio(context.Background(), "0xowner")
	require.NoError(t, err)

	require.Len(t, portfolio.Rewards, 1)
	assert.Equal(t, "1", portfolio.Rewards[0].Amount)
	assert.Equal(t, 50.0, portfolio.Rewards[0].ValueUSD)
}

func TestCompoundAdapter_ClientError(t *testing.T) {
	boom := errors.New("comptroller call reverted")
	c := newTestCompoundAdapter(t, &mockCompoundClient{markets: compoundTestMarkets()})
	c.client = &mockCompoundClient{marketsErr: boom}

	_, err := c.GetMarketAssets(context.Background())
	assert.ErrorIs(t, err, boom)

	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, types.MarketCompound, adapterErr.Market)
}
