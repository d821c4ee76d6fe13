package client

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defi-lever/internal/adapter"
	"github.com/defi-lever/internal/composer"
	apperrors "github.com/defi-lever/internal/errors"
	"github.com/defi-lever/internal/protocol"
	"github.com/defi-lever/internal/types"
	"github.com/defi-lever/internal/units"
)

const testOwner = "0xowner"

// fakeMarket is a hand-rolled MarketAdapter whose state is set per test
type fakeMarket struct {
	reserves map[string]*types.ReserveSnapshot
	position *types.ObligationSnapshot
	initErr  error
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		reserves: map[string]*types.ReserveSnapshot{
			"eth": {
				Market: types.MarketAave, AssetID: "eth", Symbol: "ETH", Decimals: 18,
				PriceUSD: 1000, OpenLTV: 0.8, CloseLTV: 0.85, BorrowWeight: 1,
				FetchedAt: time.Now(),
			},
			"usdc": {
				Market: types.MarketAave, AssetID: "usdc", Symbol: "USDC", Decimals: 18,
				PriceUSD: 1, OpenLTV: 0.75, CloseLTV: 0.8, BorrowWeight: 1,
				FetchedAt: time.Now(),
			},
		},
	}
}

func (f *fakeMarket) Initialize(ctx context.Context) error { return f.initErr }
func (f *fakeMarket) MarketID() types.MarketID             { return types.MarketAave }

func (f *fakeMarket) GetMarketAssets(ctx context.Context) ([]*types.ReserveSnapshot, error) {
	out := make([]*types.ReserveSnapshot, 0, len(f.reserves))
	for _, r := range f.reserves {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeMarket) GetPosition(ctx context.Context, owner string) (*types.ObligationSnapshot, error) {
	if f.position == nil {
		return nil, adapter.NewAdapterError(types.MarketAave, "GetPosition", adapter.ErrNoObligation, nil)
	}
	return f.position, nil
}

func (f *fakeMarket) GetAccountPortfolio(ctx context.Context, owner string) (*types.AccountPortfolio, error) {
	if f.position == nil {
		return nil, adapter.NewAdapterError(types.MarketAave, "GetAccountPortfolio", adapter.ErrNoObligation, nil)
	}
	return &types.AccountPortfolio{Market: types.MarketAave, Owner: owner}, nil
}

func (f *fakeMarket) ResolveReserve(idOrSymbol string) (string, error) {
	for id, r := range f.reserves {
		if id == idOrSymbol || r.Symbol == idOrSymbol {
			return id, nil
		}
	}
	return "", adapter.NewAdapterError(types.MarketAave, "ResolveReserve", adapter.ErrUnknownReserve, nil)
}

func (f *fakeMarket) EnsureObligation(plan *types.CompositeOperation, hasObligation bool) {}

func (f *fakeMarket) Deposit(plan *types.CompositeOperation, assetID string, coin types.Handle) error {
	plan.Append(types.Step{Kind: types.StepDeposit, AssetID: assetID, Inputs: []types.Handle{coin}})
	return nil
}

func (f *fakeMarket) Withdraw(plan *types.CompositeOperation, assetID string, amount *big.Int) (types.Handle, error) {
	return plan.Append(types.Step{Kind: types.StepWithdraw, AssetID: assetID, Amount: amount, Produces: 1})[0], nil
}

func (f *fakeMarket) Borrow(plan *types.CompositeOperation, assetID string, amount *big.Int) (types.Handle, error) {
	return plan.Append(types.Step{Kind: types.StepBorrow, AssetID: assetID, Amount: amount, Produces: 1})[0], nil
}

func (f *fakeMarket) Repay(plan *types.CompositeOperation, assetID string, coin types.Handle, amount *big.Int) (types.Handle, error) {
	return plan.Append(types.Step{Kind: types.StepRepay, AssetID: assetID, Amount: amount, Inputs: []types.Handle{coin}, Produces: 1})[0], nil
}

func (f *fakeMarket) RefreshOracles(plan *types.CompositeOperation, assetIDs []string, owner string) {
	plan.Append(types.Step{Kind: types.StepRefreshOracles, Assets: assetIDs})
}

func (f *fakeMarket) GetMaxBorrowable(ctx context.Context, owner, assetID string) (*big.Int, error) {
	return big.NewInt(1000), nil
}

func (f *fakeMarket) GetMaxWithdrawable(ctx context.Context, owner, assetID string) (*big.Int, error) {
	return big.NewInt(500), nil
}

func (f *fakeMarket) ConsumesRepaymentCoin() bool { return false }
func (f *fakeMarket) AccrualScale() *big.Int      { return units.RAY }

// mockTransport records what was simulated and submitted
type mockTransport struct {
	simResult  *protocol.SimulationResult
	simErr     error
	submitTx   string
	submitErr  error
	simulated  int
	submitted  int
	lastSigned []byte
}

func (m *mockTransport) Simulate(ctx context.Context, plan *types.CompositeOperation) (*protocol.SimulationResult, error) {
	m.simulated++
	if m.simResult == nil {
		return &protocol.SimulationResult{Success: true}, m.simErr
	}
	return m.simResult, m.simErr
}

func (m *mockTransport) Submit(ctx context.Context, plan *types.CompositeOperation, signed []byte) (string, error) {
	m.submitted++
	m.lastSigned = signed
	return m.submitTx, m.submitErr
}

type mockSigner struct{ address string }

func (m *mockSigner) Address() string { return m.address }
func (m *mockSigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	return append([]byte("signed:"), payload...), nil
}

type mockRecorder struct {
	records []*types.OperationRecord
}

func (m *mockRecorder) RecordOperation(ctx context.Context, rec *types.OperationRecord) error {
	m.records = append(m.records, rec)
	return nil
}

// price-proportional router and flat-fee lender, as in the composer tests

type stubRouter struct{}

func (stubRouter) Quote(ctx context.Context, amountIn *big.Int, assetIn, assetOut string) ([]protocol.Quote, error) {
	prices := map[string]float64{"eth": 1000, "usdc": 1}
	out := new(big.Float).SetInt(amountIn)
	out.Mul(out, big.NewFloat(prices[assetIn]))
	out.Quo(out, big.NewFloat(prices[assetOut]))
	amountOut, _ := out.Int(nil)
	return []protocol.Quote{{AssetIn: assetIn, AssetOut: assetOut, AmountIn: amountIn, AmountOut: amountOut}}, nil
}

type stubLender struct{}

func (stubLender) FeeFor(ctx context.Context, amount *big.Int, assetID string) (*big.Int, error) {
	fee := new(big.Int).Mul(amount, big.NewInt(5))
	return fee.Div(fee, units.BpsDenominator), nil
}

type stubOracle struct{}

func (stubOracle) PriceOf(ctx context.Context, assetID string) (float64, error) {
	return map[string]float64{"eth": 1000, "usdc": 1}[assetID], nil
}

func newTestClient(t *testing.T, market *fakeMarket, recorder OperationRecorder) (*Client, *mockTransport) {
	t.Helper()
	comp, err := composer.New(&composer.Config{
		Adapter: market,
		Router:  stubRouter{},
		Lender:  stubLender{},
		Oracle:  stubOracle{},
	})
	require.NoError(t, err)

	c, err := New(&Config{
		Adapter:      market,
		Composer:     comp,
		FundingAsset: "USDC",
		Recorder:     recorder,
	})
	require.NoError(t, err)

	transport := &mockTransport{submitTx: "0xtx"}
	require.NoError(t, c.Initialize(context.Background(), transport, &mockSigner{address: testOwner}))
	return c, transport
}

func e18(n int64) *big.Int {
	out := big.NewInt(n)
	return out.Mul(out, units.WAD)
}

func TestClient_NotInitialized(t *testing.T) {
	market := newFakeMarket()
	comp, err := composer.New(&composer.Config{
		Adapter: market, Router: stubRouter{}, Lender: stubLender{}, Oracle: stubOracle{},
	})
	require.NoError(t, err)
	c, err := New(&Config{Adapter: market, Composer: comp, FundingAsset: "USDC"})
	require.NoError(t, err)

	_, err = c.GetPosition(context.Background())
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotInitialized))

	_, err = c.Leverage(context.Background(), &LeverageRequest{Asset: "ETH", Amount: e18(1), Multiplier: 2}, false)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotInitialized))
}

func TestClient_Initialize_ResolvesFundingAsset(t *testing.T) {
	c, _ := newTestClient(t, newFakeMarket(), nil)
	assert.Equal(t, "usdc", c.fundingAsset)
	assert.Equal(t, testOwner, c.Address())
}

func TestClient_GetPosition_MapsNoObligation(t *testing.T) {
	c, _ := newTestClient(t, newFakeMarket(), nil)

	_, err := c.GetPosition(context.Background())
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNoObligation))
}

func TestClient_GetMaxBorrowable_UnknownAsset(t *testing.T) {
	c, _ := newTestClient(t, newFakeMarket(), nil)

	_, err := c.GetMaxBorrowable(context.Background(), "DOGE")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeUnknownAsset))

	amount, err := c.GetMaxBorrowable(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), amount.Int64())
}

func TestClient_Leverage_DryRun(t *testing.T) {
	recorder := &mockRecorder{}
	c, transport := newTestClient(t, newFakeMarket(), recorder)

	result, err := c.Leverage(context.Background(), &LeverageRequest{
		Asset: "ETH", Amount: e18(1), Multiplier: 2,
	}, false)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.DryRun)
	assert.Empty(t, result.TxID)
	assert.Equal(t, 1, transport.simulated)
	assert.Equal(t, 0, transport.submitted)

	require.Len(t, recorder.records, 1)
	assert.Equal(t, "leverage", recorder.records[0].Kind)
	assert.True(t, recorder.records[0].DryRun)
	assert.True(t, recorder.records[0].Success)
}

func TestClient_Leverage_Execute(t *testing.T) {
	c, transport := newTestClient(t, newFakeMarket(), nil)

	result, err := c.Leverage(context.Background(), &LeverageRequest{
		Asset: "ETH", Amount: e18(1), Multiplier: 2,
	}, true)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.False(t, result.DryRun)
	assert.Equal(t, "0xtx", result.TxID)
	assert.Equal(t, 1, transport.simulated)
	assert.Equal(t, 1, transport.submitted)
	assert.Contains(t, string(transport.lastSigned), "signed:")
}

func TestClient_Leverage_SimulationFailure(t *testing.T) {
	c, transport := newTestClient(t, newFakeMarket(), nil)
	transport.simResult = &protocol.SimulationResult{Success: false, Reason: "health factor too low"}

	// Dry run reports the failure without an error
	result, err := c.Leverage(context.Background(), &LeverageRequest{
		Asset: "ETH", Amount: e18(1), Multiplier: 2,
	}, false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "health factor too low", result.Error)

	// Execution surfaces it as SimulationFailed, verbatim
	_, err = c.Leverage(context.Background(), &LeverageRequest{
		Asset: "ETH", Amount: e18(1), Multiplier: 2,
	}, true)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeSimulationFailed))
	assert.Contains(t, err.Error(), "health factor too low")
	assert.Equal(t, 0, transport.submitted)
}

func TestClient_Deleverage(t *testing.T) {
	market := newFakeMarket()
	market.position = &types.ObligationSnapshot{
		Market:   types.MarketAave,
		Owner:    testOwner,
		Reserves: market.reserves,
		Deposits: []types.DepositEntry{
			{AssetID: "eth", RawAmount: e18(2), ExchangeRate: 1},
		},
		Borrows: []types.BorrowEntry{
			{AssetID: "usdc", RawAmount: e18(1000)},
		},
		FetchedAt: time.Now(),
	}
	recorder := &mockRecorder{}
	c, transport := newTestClient(t, market, recorder)

	result, err := c.Deleverage(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "0xtx", result.TxID)
	assert.Equal(t, 1, transport.submitted)

	require.Len(t, recorder.records, 1)
	assert.Equal(t, "deleverage", recorder.records[0].Kind)
	assert.False(t, recorder.records[0].DryRun)
}

func TestClient_Deleverage_NoPosition(t *testing.T) {
	c, _ := newTestClient(t, newFakeMarket(), nil)

	_, err := c.Deleverage(context.Background(), false)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNoObligation))
}

func TestClient_SubmitFailure(t *testing.T) {
	c, transport := newTestClient(t, newFakeMarket(), nil)
	transport.submitErr = errors.New("nonce too low")

	_, err := c.Leverage(context.Background(), &LeverageRequest{
		Asset: "ETH", Amount: e18(1), Multiplier: 2,
	}, true)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeExecutionFailed))
}

func TestClient_PreviewLeverage(t *testing.T) {
	recorder := &mockRecorder{}
	c, transport := newTestClient(t, newFakeMarket(), recorder)

	preview, err := c.PreviewLeverage(context.Background(), &LeverageRequest{
		Asset: "ETH", Amount: e18(1), Multiplier: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, 1000.0, preview.InitialEquityUSD)
	assert.InDelta(t, 2000.0, preview.ProjectedPositionUSD, 1e-6)
	// Previews never touch the transport
	assert.Equal(t, 0, transport.simulated)

	require.Len(t, recorder.records, 1)
	assert.Equal(t, "preview", recorder.records[0].Kind)
}
