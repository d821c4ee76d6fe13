// Package transport provides the default chain transport: composite
// operations are encoded into executor calldata, simulated via eth_call and
// submitted as pre-signed raw transactions. All RPC traffic is throttled and
// breaker-guarded.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/defi-lever/internal/circuitbreaker"
	"github.com/defi-lever/internal/logging"
	"github.com/defi-lever/internal/protocol"
	"github.com/defi-lever/internal/types"
)

// executorABI is the interface of the on-chain executor that replays a
// composite operation atomically
const executorABI = `[{"type":"function","name":"execute","stateMutability":"payable","inputs":[{"name":"plan","type":"bytes"}],"outputs":[]}]`

// EvmTransport implements protocol.Transport over a JSON-RPC endpoint
type EvmTransport struct {
	eth      *ethclient.Client
	rpc      *rpc.Client
	executor common.Address
	abi      abi.ABI
	limiter  *rate.Limiter
	breaker  *circuitbreaker.CircuitBreaker
	log      *logging.Logger
}

// Config configures an EvmTransport
type Config struct {
	// RPCURL is the JSON-RPC endpoint. Required.
	RPCURL string
	// ExecutorAddress is the on-chain executor contract. Required.
	ExecutorAddress string
	// RequestsPerSec throttles outgoing RPC calls. Default 10.
	RequestsPerSec float64
	// Burst is the limiter burst size. Default 5.
	Burst int
	// Logger defaults to the global logger.
	Logger *logging.Logger
}

// NewEvmTransport dials the endpoint and returns a ready transport
func NewEvmTransport(ctx context.Context, cfg *Config) (*EvmTransport, error) {
	if cfg == nil || cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.ExecutorAddress) {
		return nil, fmt.Errorf("invalid executor address: %q", cfg.ExecutorAddress)
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc endpoint: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(executorABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse executor abi: %w", err)
	}

	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetGlobalLogger()
	}

	return &EvmTransport{
		eth:      ethclient.NewClient(rpcClient),
		rpc:      rpcClient,
		executor: common.HexToAddress(cfg.ExecutorAddress),
		abi:      parsed,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		breaker:  circuitbreaker.New(circuitbreaker.DefaultConfig("evm-rpc")),
		log:      log.WithField("component", "evm-transport"),
	}, nil
}

// Close releases the underlying RPC connection
func (t *EvmTransport) Close() {
	t.rpc.Close()
}

// Simulate dry-runs the plan via eth_call against the executor. A revert is
// not an error at this level: the revert reason is surfaced verbatim in the
// result so callers can decide how to present it.
func (t *EvmTransport) Simulate(ctx context.Context, plan *types.CompositeOperation) (*protocol.SimulationResult, error) {
	calldata, err := EncodePlan(t.abi, plan)
	if err != nil {
		return nil, err
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{
		From: common.HexToAddress(plan.Owner),
		To:   &t.executor,
		Data: calldata,
	}

	var callErr error
	err = t.breaker.Execute(ctx, func() error {
		_, callErr = t.eth.CallContract(ctx, msg, nil)
		// Reverts are a simulation outcome, not an upstream failure; only
		// transport-level errors should trip the breaker
		if callErr != nil && revertReason(callErr) != "" {
			return nil
		}
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("simulation rpc failed: %w", err)
	}

	if callErr != nil {
		reason := revertReason(callErr)
		if reason == "" {
			reason = callErr.Error()
		}
		t.log.WithFields(map[string]interface{}{
			"plan":   plan.ID,
			"reason": reason,
		}).Warn("Plan simulation reverted")
		return &protocol.SimulationResult{Success: false, Reason: reason}, nil
	}

	gas, gasErr := t.eth.EstimateGas(ctx, msg)
	if gasErr != nil {
		// Gas estimate is informational only
		gas = 0
	}
	return &protocol.SimulationResult{Success: true, GasUsed: gas}, nil
}

// Submit broadcasts the pre-signed raw transaction and returns its hash
func (t *EvmTransport) Submit(ctx context.Context, plan *types.CompositeOperation, signed []byte) (string, error) {
	if len(signed) == 0 {
		return "", fmt.Errorf("signed payload is empty")
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var txHash common.Hash
	err := t.breaker.Execute(ctx, func() error {
		return t.rpc.CallContext(ctx, &txHash, "eth_sendRawTransaction", hexutil.Encode(signed))
	})
	if err != nil {
		return "", fmt.Errorf("transaction broadcast failed: %w", err)
	}

	t.log.WithFields(map[string]interface{}{
		"plan": plan.ID,
		"tx":   txHash.Hex(),
	}).Info("Transaction submitted")
	return txHash.Hex(), nil
}

// EncodePlan packs a composite operation into executor calldata. The plan is
// serialized deterministically and wrapped in an execute(bytes) call.
func EncodePlan(executor abi.ABI, plan *types.CompositeOperation) ([]byte, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, fmt.Errorf("cannot encode empty plan")
	}
	encoded, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize plan: %w", err)
	}
	calldata, err := executor.Pack("execute", encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to pack executor calldata: %w", err)
	}
	return calldata, nil
}

// ParseExecutorABI parses the executor interface, for callers that need to
// encode plans without a live transport
func ParseExecutorABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(executorABI))
}

// revertReason extracts a human-readable revert reason from an RPC error.
// Returns "" when the error is not a revert.
func revertReason(err error) string {
	de, ok := err.(interface{ ErrorData() interface{} })
	if !ok {
		if strings.Contains(err.Error(), "revert") {
			return err.Error()
		}
		return ""
	}

	hexData, ok := de.ErrorData().(string)
	if !ok {
		return err.Error()
	}
	raw, decodeErr := hexutil.Decode(hexData)
	if decodeErr != nil {
		return err.Error()
	}
	reason, unpackErr := abi.UnpackRevert(raw)
	if unpackErr != nil {
		return err.Error()
	}
	return reason
}
