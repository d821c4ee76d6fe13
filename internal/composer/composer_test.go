package composer

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/defi-lever/internal/errors"
	"github.com/defi-lever/internal/protocol"
	"github.com/defi-lever/internal/types"
	"github.com/defi-lever/internal/units"
)

// fakeAdapter is a minimal MarketAdapter for plan-building tests. Query
// methods are unused by the composer and return zero values.
type fakeAdapter struct {
	market   types.MarketID
	consumes bool
}

func (f *fakeAdapter) Initialize(ctx context.Context) error { return nil }
func (f *fakeAdapter) MarketID() types.MarketID             { return f.market }
func (f *fakeAdapter) GetMarketAssets(ctx context.Context) ([]*types.ReserveSnapshot, error) {
	return nil, nil
}
func (f *fakeAdapter) GetPosition(ctx context.Context, owner string) (*types.ObligationSnapshot, error) {
	return nil, nil
}
func (f *fakeAdapter) GetAccountPortfolio(ctx context.Context, owner string) (*types.AccountPortfolio, error) {
	return nil, nil
}
func (f *fakeAdapter) ResolveReserve(idOrSymbol string) (string, error) { return idOrSymbol, nil }

func (f *fakeAdapter) EnsureObligation(plan *types.CompositeOperation, hasObligation bool) {
	if f.consumes && !hasObligation {
		plan.Append(types.Step{Kind: types.StepCreateObligation, Market: f.market})
	}
}

func (f *fakeAdapter) Deposit(plan *types.CompositeOperation, assetID string, coin types.Handle) error {
	plan.Append(types.Step{Kind: types.StepDeposit, Market: f.market, AssetID: assetID, Inputs: []types.Handle{coin}})
	return nil
}

func (f *fakeAdapter) Withdraw(plan *types.CompositeOperation, assetID string, amount *big.Int) (types.Handle, error) {
	h := plan.Append(types.Step{Kind: types.StepWithdraw, Market: f.market, AssetID: assetID, Amount: amount, Produces: 1})
	return h[0], nil
}

func (f *fakeAdapter) Borrow(plan *types.CompositeOperation, assetID string, amount *big.Int) (types.Handle, error) {
	h := plan.Append(types.Step{Kind: types.StepBorrow, Market: f.market, AssetID: assetID, Amount: amount, Produces: 1})
	return h[0], nil
}

func (f *fakeAdapter) Repay(plan *types.CompositeOperation, assetID string, coin types.Handle, amount *big.Int) (types.Handle, error) {
	step := types.Step{Kind: types.StepRepay, Market: f.market, AssetID: assetID, Amount: amount, Inputs: []types.Handle{coin}}
	if f.consumes {
		plan.Append(step)
		return types.NilHandle, nil
	}
	step.Produces = 1
	return plan.Append(step)[0], nil
}

func (f *fakeAdapter) RefreshOracles(plan *types.CompositeOperation, assetIDs []string, owner string) {
	plan.Append(types.Step{Kind: types.StepRefreshOracles, Market: f.market, Assets: assetIDs})
}

func (f *fakeAdapter) GetMaxBorrowable(ctx context.Context, owner, assetID string) (*big.Int, error) {
	return nil, nil
}
func (f *fakeAdapter) GetMaxWithdrawable(ctx context.Context, owner, assetID string) (*big.Int, error) {
	return nil, nil
}
func (f *fakeAdapter) ConsumesRepaymentCoin() bool { return f.consumes }
func (f *fakeAdapter) AccrualScale() *big.Int      { return units.WAD }

// mockRouter converts at oracle prices with no slippage. Pairs absent from
// the price map have no route.
type mockRouter struct {
	prices map[string]float64
}

func (m *mockRouter) Quote(ctx context.Context, amountIn *big.Int, assetIn, assetOut string) ([]protocol.Quote, error) {
	priceIn, okIn := m.prices[assetIn]
	priceOut, okOut := m.prices[assetOut]
	if !okIn || !okOut {
		return nil, nil
	}
	out := new(big.Float).SetInt(amountIn)
	out.Mul(out, big.NewFloat(priceIn))
	out.Quo(out, big.NewFloat(priceOut))
	amountOut, _ := out.Int(nil)
	return []protocol.Quote{{
		AssetIn:   assetIn,
		AssetOut:  assetOut,
		AmountIn:  new(big.Int).Set(amountIn),
		AmountOut: amountOut,
		Route:     "mock",
	}}, nil
}

// mockLender charges a flat fee in basis points
type mockLender struct {
	feeBps int64
}

func (m *mockLender) FeeFor(ctx context.Context, amount *big.Int, assetID string) (*big.Int, error) {
	fee := new(big.Int).Mul(amount, big.NewInt(m.feeBps))
	return fee.Div(fee, units.BpsDenominator), nil
}

type mockOracle struct {
	prices map[string]float64
}

func (m *mockOracle) PriceOf(ctx context.Context, assetID string) (float64, error) {
	return m.prices[assetID], nil
}

const (
	ethAsset  = "eth"
	usdcAsset = "usdc"
	owner     = "0xowner"
)

func testPrices() map[string]float64 {
	return map[string]float64{ethAsset: 1000, usdcAsset: 1}
}

func testComposer(t *testing.T, consumes bool) *Composer {
	t.Helper()
	c, err := New(&Config{
		Adapter: &fakeAdapter{market: types.MarketAave, consumes: consumes},
		Router:  &mockRouter{prices: testPrices()},
		Lender:  &mockLender{feeBps: 5},
		Oracle:  &mockOracle{prices: testPrices()},
	})
	require.NoError(t, err)
	return c
}

func testReserves() map[string]*types.ReserveSnapshot {
	return map[string]*types.ReserveSnapshot{
		ethAsset: {
			Market: types.MarketAave, AssetID: ethAsset, Symbol: "ETH", Decimals: 18,
			PriceUSD: 1000, OpenLTV: 0.8, CloseLTV: 0.85, BorrowWeight: 1,
			FetchedAt: time.Now(),
		},
		usdcAsset: {
			Market: types.MarketAave, AssetID: usdcAsset, Symbol: "USDC", Decimals: 18,
			PriceUSD: 1, OpenLTV: 0.75, CloseLTV: 0.8, BorrowWeight: 1,
			FetchedAt: time.Now(),
		},
	}
}

func stepKinds(plan *types.CompositeOperation) []types.StepKind {
	kinds := make([]types.StepKind, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		kinds = append(kinds, s.Kind)
	}
	return kinds
}

func e18(n int64) *big.Int {
	out := big.NewInt(n)
	return out.Mul(out, units.WAD)
}

func TestBuildLeverage(t *testing.T) {
	c := testComposer(t, false)

	plan, err := c.BuildLeverage(context.Background(), owner, testReserves(), &LeverageParams{
		AssetID:      ethAsset,
		Amount:       e18(1),
		Multiplier:   2.0,
		FundingAsset: usdcAsset,
	}, true)
	require.NoError(t, err)

	assert.Equal(t, []types.StepKind{
		types.StepFlashBorrow,
		types.StepSplit,
		types.StepSwap,
		types.StepMerge,
		types.StepRefreshOracles,
		types.StepDeposit,
		types.StepBorrow,
		types.StepMerge,
		types.StepFlashRepay,
		types.StepTransferOut,
	}, stepKinds(plan))

	// 1 extra ETH needs $1000 of USDC; flash is padded by 2%
	flash := plan.StepsOfKind(types.StepFlashBorrow)[0]
	assert.Equal(t, e18(1020).String(), flash.Amount.String())

	// Borrow covers flash principal + 5bps fee
	borrow := plan.StepsOfKind(types.StepBorrow)[0]
	repay := plan.StepsOfKind(types.StepFlashRepay)[0]
	assert.Equal(t, repay.Amount.String(), borrow.Amount.String())
	fee := new(big.Int).Sub(repay.Amount, flash.Amount)
	assert.Equal(t, "510000000000000000", fee.String()) // 1020 * 0.0005
}

func TestBuildLeverage_MultiplierOne_NoFlash(t *testing.T) {
	c := testComposer(t, false)

	plan, err := c.BuildLeverage(context.Background(), owner, testReserves(), &LeverageParams{
		AssetID:      ethAsset,
		Amount:       e18(1),
		Multiplier:   1.0,
		FundingAsset: usdcAsset,
	}, true)
	require.NoError(t, err)

	assert.Equal(t, []types.StepKind{
		types.StepMerge,
		types.StepRefreshOracles,
		types.StepDeposit,
	}, stepKinds(plan))
	assert.Empty(t, plan.StepsOfKind(types.StepFlashBorrow))
}

// doubleConsumeAdapter builds deposit steps that spend the same coin twice,
// which plan validation must reject.
type doubleConsumeAdapter struct {
	fakeAdapter
}

func (d *doubleConsumeAdapter) Deposit(plan *types.CompositeOperation, assetID string, coin types.Handle) error {
	plan.Append(types.Step{Kind: types.StepDeposit, Market: d.market, AssetID: assetID, Inputs: []types.Handle{coin, coin}})
	return nil
}

func TestBuildLeverage_MultiplierOne_InvalidPlanReturnsNil(t *testing.T) {
	c, err := New(&Config{
		Adapter: &doubleConsumeAdapter{fakeAdapter{market: types.MarketAave}},
		Router:  &mockRouter{prices: testPrices()},
		Lender:  &mockLender{feeBps: 5},
		Oracle:  &mockOracle{prices: testPrices()},
	})
	require.NoError(t, err)

	plan, err := c.BuildLeverage(context.Background(), owner, testReserves(), &LeverageParams{
		AssetID:      ethAsset,
		Amount:       e18(1),
		Multiplier:   1.0,
		FundingAsset: usdcAsset,
	}, true)
	assert.Error(t, err)
	assert.Nil(t, plan)
}

func TestBuildLeverage_ConsumingMarket_CreatesObligation(t *testing.T) {
	c := testComposer(t, true)

	plan, err := c.BuildLeverage(context.Background(), owner, testReserves(), &LeverageParams{
		AssetID:      ethAsset,
		Amount:       e18(1),
		Multiplier:   1.5,
		FundingAsset: usdcAsset,
	}, false)
	require.NoError(t, err)

	assert.Len(t, plan.StepsOfKind(types.StepCreateObligation), 1)
}

func TestBuildLeverage_InvalidParams(t *testing.T) {
	c := testComposer(t, false)
	reserves := testReserves()

	_, err := c.BuildLeverage(context.Background(), owner, reserves, &LeverageParams{
		AssetID: ethAsset, Amount: e18(1), Multiplier: 0.5, FundingAsset: usdcAsset,
	}, true)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidParameter))

	_, err = c.BuildLeverage(context.Background(), owner, reserves, &LeverageParams{
		AssetID: ethAsset, Amount: big.NewInt(0), Multiplier: 2, FundingAsset: usdcAsset,
	}, true)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidParameter))

	_, err = c.BuildLeverage(context.Background(), owner, reserves, &LeverageParams{
		AssetID: "ghost", Amount: e18(1), Multiplier: 2, FundingAsset: usdcAsset,
	}, true)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeUnknownReserve))
}

func TestBuildLeverage_NoRoute(t *testing.T) {
	c, err := New(&Config{
		Adapter: &fakeAdapter{market: types.MarketAave},
		Router:  &mockRouter{prices: map[string]float64{}}, // no pairs
		Lender:  &mockLender{feeBps: 5},
		Oracle:  &mockOracle{prices: testPrices()},
	})
	require.NoError(t, err)

	_, err = c.BuildLeverage(context.Background(), owner, testReserves(), &LeverageParams{
		AssetID: ethAsset, Amount: e18(1), Multiplier: 2, FundingAsset: usdcAsset,
	}, true)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNoRoute))
}

func TestPreviewLeverage(t *testing.T) {
	c := testComposer(t, false)

	preview, err := c.PreviewLeverage(context.Background(), owner, testReserves(), &LeverageParams{
		AssetID:      ethAsset,
		Amount:       e18(1),
		Multiplier:   2.0,
		FundingAsset: usdcAsset,
	})
	require.NoError(t, err)

	assert.Equal(t, 1000.0, preview.InitialEquityUSD)
	assert.Equal(t, e18(1020).String(), preview.FlashLoanAmount)
	// 2 ETH deposited, ~1020.51 USDC debt
	assert.InDelta(t, 2000.0, preview.ProjectedPositionUSD, 1e-6)
	assert.InDelta(t, 1020.51, preview.ProjectedDebtUSD, 1e-6)
	assert.InDelta(t, 51.0255, preview.ProjectedLTVPct, 1e-4)
	// HF = 2000*0.85 / 1020.51
	assert.InDelta(t, 1700.0/1020.51, preview.ProjectedHealthFactor, 1e-6)

	require.NotNil(t, preview.ProjectedLiquidationPrice)
	// liquidation when price*2*0.85 = 1020.51 -> $600.3
	assert.InDelta(t, 1020.51/(2*0.85), *preview.ProjectedLiquidationPrice, 1e-6)
	assert.True(t, preview.PriceDropBufferPct > 0 && preview.PriceDropBufferPct < 100)
}

func TestPreviewLeverage_MultiplierOne(t *testing.T) {
	c := testComposer(t, false)

	preview, err := c.PreviewLeverage(context.Background(), owner, testReserves(), &LeverageParams{
		AssetID:      ethAsset,
		Amount:       e18(1),
		Multiplier:   1.0,
		FundingAsset: usdcAsset,
	})
	require.NoError(t, err)

	assert.Equal(t, "0", preview.FlashLoanAmount)
	assert.Equal(t, 0.0, preview.ProjectedLTVPct)
	assert.Equal(t, 0.0, preview.ProjectedDebtUSD)
	assert.Nil(t, preview.ProjectedLiquidationPrice)
}

func deleverageSnapshot(depositEth int64, debtUsdc int64) *types.ObligationSnapshot {
	ob := &types.ObligationSnapshot{
		Market:    types.MarketAave,
		Owner:     owner,
		Reserves:  testReserves(),
		FetchedAt: time.Now(),
	}
	if depositEth > 0 {
		ob.Deposits = []types.DepositEntry{
			{AssetID: ethAsset, RawAmount: e18(depositEth), ExchangeRate: 1},
		}
	}
	if debtUsdc > 0 {
		ob.Borrows = []types.BorrowEntry{
			{AssetID: usdcAsset, RawAmount: e18(debtUsdc)},
		}
	}
	return ob
}

func TestBuildDeleverage(t *testing.T) {
	c := testComposer(t, false)
	ob := deleverageSnapshot(2, 1000)

	plan, err := c.BuildDeleverage(context.Background(), ob, usdcAsset)
	require.NoError(t, err)

	assert.Equal(t, []types.StepKind{
		types.StepFlashBorrow,
		types.StepRefreshOracles,
		types.StepSplit,
		types.StepRepay,
		types.StepWithdraw,
		types.StepSplit,
		types.StepSwap,
		types.StepTransferOut, // unswapped collateral remainder
		types.StepMerge,
		types.StepFlashRepay,
		types.StepTransferOut, // flash surplus
	}, stepKinds(plan))

	// flash = 1000 USDC owed padded by 1%
	flash := plan.StepsOfKind(types.StepFlashBorrow)[0]
	assert.Equal(t, e18(1010).String(), flash.Amount.String())

	// swap input sized for repayment, not the full 2 ETH
	swap := plan.StepsOfKind(types.StepSwap)[0]
	assert.Equal(t, ethAsset, swap.AssetID)
	assert.Equal(t, usdcAsset, swap.AssetOut)
	assert.True(t, swap.Amount.Cmp(e18(2)) < 0)
	assert.True(t, swap.ExpectedOut.Cmp(plan.StepsOfKind(types.StepFlashRepay)[0].Amount) >= 0)
}

func TestBuildDeleverage_ConsumingMarket(t *testing.T) {
	c := testComposer(t, true)
	ob := deleverageSnapshot(2, 1000)
	ob.Market = types.MarketCompound

	plan, err := c.BuildDeleverage(context.Background(), ob, usdcAsset)
	require.NoError(t, err)

	// Repayment coin comes from an exact split, required on consuming markets
	repays := plan.StepsOfKind(types.StepRepay)
	require.Len(t, repays, 1)
	assert.Equal(t, 0, repays[0].Produces)
}

func TestBuildDeleverage_ZeroDebt(t *testing.T) {
	c := testComposer(t, false)
	ob := deleverageSnapshot(2, 0)

	_, err := c.BuildDeleverage(context.Background(), ob, usdcAsset)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNoObligation))
}

func TestBuildDeleverage_InsufficientCollateral(t *testing.T) {
	c := testComposer(t, false)
	// 0.5 ETH = $500 of collateral against $1000 of debt
	ob := &types.ObligationSnapshot{
		Market:   types.MarketAave,
		Owner:    owner,
		Reserves: testReserves(),
		Deposits: []types.DepositEntry{
			{AssetID: ethAsset, RawAmount: big.NewInt(5e17), ExchangeRate: 1},
		},
		Borrows: []types.BorrowEntry{
			{AssetID: usdcAsset, RawAmount: e18(1000)},
		},
		FetchedAt: time.Now(),
	}

	_, err := c.BuildDeleverage(context.Background(), ob, usdcAsset)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInsufficientCollateral))
}

func TestBuildDeleverage_NoRoute(t *testing.T) {
	c, err := New(&Config{
		Adapter: &fakeAdapter{market: types.MarketAave},
		Router:  &mockRouter{prices: map[string]float64{usdcAsset: 1}}, // no eth pair
		Lender:  &mockLender{feeBps: 5},
		Oracle:  &mockOracle{prices: testPrices()},
	})
	require.NoError(t, err)

	_, err = c.BuildDeleverage(context.Background(), deleverageSnapshot(2, 1000), usdcAsset)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNoRoute))
}

func TestValidate_RejectsBadPlans(t *testing.T) {
	t.Run("consume before produce", func(t *testing.T) {
		plan := types.NewCompositeOperation(types.MarketAave, owner)
		plan.Append(types.Step{Kind: types.StepDeposit, AssetID: ethAsset, Inputs: []types.Handle{0}})
		assert.Error(t, Validate(plan, false))
	})

	t.Run("double consume", func(t *testing.T) {
		plan := types.NewCompositeOperation(types.MarketAave, owner)
		h := plan.Append(types.Step{Kind: types.StepMerge, AssetID: ethAsset, Amount: e18(1), Produces: 1})
		plan.Append(types.Step{Kind: types.StepDeposit, AssetID: ethAsset, Inputs: []types.Handle{h[0]}})
		plan.Append(types.Step{Kind: types.StepDeposit, AssetID: ethAsset, Inputs: []types.Handle{h[0]}})
		assert.Error(t, Validate(plan, false))
	})

	t.Run("unrepaid flash loan", func(t *testing.T) {
		plan := types.NewCompositeOperation(types.MarketAave, owner)
		plan.Append(types.Step{Kind: types.StepFlashBorrow, AssetID: usdcAsset, Amount: e18(100), Produces: 2})
		assert.Error(t, Validate(plan, false))
	})

	t.Run("uncovered flash repayment", func(t *testing.T) {
		plan := types.NewCompositeOperation(types.MarketAave, owner)
		h := plan.Append(types.Step{Kind: types.StepFlashBorrow, AssetID: usdcAsset, Amount: e18(100), Produces: 2})
		plan.Append(types.Step{
			Kind: types.StepFlashRepay, AssetID: usdcAsset,
			Amount: e18(200), // more than drawn, nothing else inflowing
			Inputs: []types.Handle{h[0]}, Receipt: h[1], Produces: 1,
		})
		err := Validate(plan, false)
		assert.True(t, apperrors.IsCode(err, apperrors.CodeInsufficientCollateral))
	})

	t.Run("consuming repay from pooled coin", func(t *testing.T) {
		plan := types.NewCompositeOperation(types.MarketAave, owner)
		h := plan.Append(types.Step{Kind: types.StepMerge, AssetID: usdcAsset, Amount: e18(100), Produces: 1})
		plan.Append(types.Step{Kind: types.StepRepay, AssetID: usdcAsset, Amount: e18(100), Inputs: []types.Handle{h[0]}})
		assert.Error(t, Validate(plan, true))
	})

	t.Run("wrong asset flash repay", func(t *testing.T) {
		plan := types.NewCompositeOperation(types.MarketAave, owner)
		h := plan.Append(types.Step{Kind: types.StepFlashBorrow, AssetID: usdcAsset, Amount: e18(100), Produces: 2})
		plan.Append(types.Step{
			Kind: types.StepFlashRepay, AssetID: ethAsset, Amount: e18(100),
			Inputs: []types.Handle{h[0]}, Receipt: h[1], Produces: 1,
		})
		assert.Error(t, Validate(plan, false))
	})
}

func TestValidate_AcceptsCoveredPlan(t *testing.T) {
	plan := types.NewCompositeOperation(types.MarketAave, owner)
	flash := plan.Append(types.Step{Kind: types.StepFlashBorrow, AssetID: usdcAsset, Amount: e18(100), Produces: 2})
	borrowed := plan.Append(types.Step{Kind: types.StepBorrow, AssetID: usdcAsset, Amount: e18(1), Produces: 1})
	merged := plan.Append(types.Step{Kind: types.StepMerge, AssetID: usdcAsset, Inputs: []types.Handle{flash[0], borrowed[0]}, Produces: 1})
	plan.Append(types.Step{
		Kind: types.StepFlashRepay, AssetID: usdcAsset, Amount: e18(101),
		Inputs: []types.Handle{merged[0]}, Receipt: flash[1], Produces: 1,
	})
	assert.NoError(t, Validate(plan, false))
}
