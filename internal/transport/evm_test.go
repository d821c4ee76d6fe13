package transport

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defi-lever/internal/types"
)

func TestEncodePlan(t *testing.T) {
	executor, err := ParseExecutorABI()
	require.NoError(t, err)

	plan := types.NewCompositeOperation("test-market", "0x1111111111111111111111111111111111111111")
	plan.Append(types.Step{
		Kind:     types.StepFlashBorrow,
		AssetID:  "usdc",
		Amount:   big.NewInt(1_000_000),
		Produces: 2,
	})

	calldata, err := EncodePlan(executor, plan)
	require.NoError(t, err)

	// 4-byte selector for execute(bytes) followed by the packed payload
	method, err := executor.MethodById(calldata[:4])
	require.NoError(t, err)
	assert.Equal(t, "execute", method.Name)

	args, err := method.Inputs.Unpack(calldata[4:])
	require.NoError(t, err)
	require.Len(t, args, 1)

	var decoded types.CompositeOperation
	require.NoError(t, json.Unmarshal(args[0].([]byte), &decoded))
	assert.Equal(t, plan.ID, decoded.ID)
	require.Len(t, decoded.Steps, 1)
	assert.Equal(t, types.StepFlashBorrow, decoded.Steps[0].Kind)
	assert.Equal(t, "1000000", decoded.Steps[0].Amount.String())
}

func TestEncodePlan_Empty(t *testing.T) {
	executor, err := ParseExecutorABI()
	require.NoError(t, err)

	_, err = EncodePlan(executor, nil)
	assert.Error(t, err)

	_, err = EncodePlan(executor, types.NewCompositeOperation("m", "0x0"))
	assert.Error(t, err)
}

type fakeRPCError struct {
	msg  string
	data interface{}
}

func (e *fakeRPCError) Error() string          { return e.msg }
func (e *fakeRPCError) ErrorData() interface{} { return e.data }

func TestRevertReason(t *testing.T) {
	t.Run("plain error is not a revert", func(t *testing.T) {
		assert.Equal(t, "", revertReason(errors.New("connection refused")))
	})

	t.Run("revert mentioned in message", func(t *testing.T) {
		err := errors.New("execution reverted")
		assert.Equal(t, "execution reverted", revertReason(err))
	})

	t.Run("abi-encoded Error(string) payload", func(t *testing.T) {
		// Error("health factor too low")
		data := "0x08c379a0" +
			"0000000000000000000000000000000000000000000000000000000000000020" +
			"0000000000000000000000000000000000000000000000000000000000000015" +
			"6865616c746820666163746f7220746f6f206c6f770000000000000000000000"
		err := &fakeRPCError{msg: "execution reverted", data: data}
		assert.Equal(t, "health factor too low", revertReason(err))
	})

	t.Run("malformed payload falls back to the message", func(t *testing.T) {
		err := &fakeRPCError{msg: "execution reverted", data: "0xdeadbeef"}
		assert.Equal(t, "execution reverted", revertReason(err))
	})
}
