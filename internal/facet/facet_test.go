package facet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/ChuLiYu/opgate/pkg/types"
)

func TestBuiltinEcho(t *testing.T) {
	b := NewBuiltin(nil)
	params := types.Configuration{"a": 1, "b": "two"}

	res, err := b.InvokeOperation(context.Background(), OpEcho, params)
	require.NoError(t, err)
	assert.Equal(t, params, res.Complex)

	res.Complex["a"] = 99
	assert.Equal(t, 1, params["a"], "echo must not alias its input")
}

func TestBuiltinSleep(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	b := NewBuiltin(clk)

	done := make(chan *types.OperationResult, 1)
	go func() {
		res, err := b.InvokeOperation(context.Background(), OpSleep, types.Configuration{"seconds": "2"})
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(2 * time.Second)

	select {
	case res := <-done:
		assert.Equal(t, types.Configuration{"slept": 2.0}, res.Complex)
	case <-time.After(5 * time.Second):
		t.Fatal("sleep did not return")
	}
}

func TestBuiltinSleepHonorsCancellation(t *testing.T) {
	b := NewBuiltin(testclock.NewFakeClock(time.Now()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.InvokeOperation(ctx, OpSleep, types.Configuration{"seconds": 60})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuiltinSleepInvalidSeconds(t *testing.T) {
	b := NewBuiltin(nil)
	for _, raw := range []any{"forever", -1} {
		_, err := b.InvokeOperation(context.Background(), OpSleep, types.Configuration{"seconds": raw})
		assert.Error(t, err, "seconds %v", raw)
	}
}

func TestBuiltinFail(t *testing.T) {
	b := NewBuiltin(nil)

	_, err := b.InvokeOperation(context.Background(), OpFail, types.Configuration{"name": "DiskFull", "message": "no space"})
	var info *types.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, "DiskFull", info.Name)
	assert.Equal(t, "no space", info.Message)

	_, err = b.InvokeOperation(context.Background(), OpFail, nil)
	require.ErrorAs(t, err, &info)
	assert.Equal(t, "OperationFailed", info.Name)
}

func TestBuiltinPanicAndUnknown(t *testing.T) {
	b := NewBuiltin(nil)

	assert.PanicsWithValue(t, "oops", func() {
		_, _ = b.InvokeOperation(context.Background(), OpPanic, types.Configuration{"message": "oops"})
	})

	_, err := b.InvokeOperation(context.Background(), "reboot", nil)
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	b := NewBuiltin(nil)
	r.Register(1, b)
	r.Define(BuiltinDefinitions()...)

	got, err := r.OperationFacet(1)
	require.NoError(t, err)
	assert.Same(t, b, got)
	assert.Equal(t, 1, r.Resources())

	_, err = r.OperationFacet(2)
	assert.ErrorIs(t, err, ErrUnknownResource)

	def, ok := r.OperationDefinition(1, OpSleep)
	require.True(t, ok)
	assert.Equal(t, types.PropertyFloat, def.Results.Properties["slept"])

	_, ok = r.OperationDefinition(1, OpEcho)
	assert.False(t, ok)
}
