// Package facet provides the built-in operation facet and the static
// registry that maps resources to facets and operations to definitions.
package facet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cast"
	"k8s.io/utils/clock"

	"github.com/ChuLiYu/opgate/internal/operation"
	"github.com/ChuLiYu/opgate/pkg/types"
)

// Built-in operation names.
const (
	OpEcho  = "echo"
	OpSleep = "sleep"
	OpFail  = "fail"
	OpPanic = "panic"
)

// ErrUnknownOperation is returned for an operation the facet does not implement.
var ErrUnknownOperation = errors.New("unknown operation")

// Builtin implements a handful of demonstration operations:
//
//	echo   returns its parameters as results
//	sleep  waits "seconds" (honors cancellation), returns {"slept": seconds}
//	fail   fails with ErrorInfo{"name", "message"}
//	panic  panics with "message"
type Builtin struct {
	clock clock.Clock
}

var _ operation.Facet = (*Builtin)(nil)

// NewBuiltin creates the built-in facet. A nil clock uses the real clock.
func NewBuiltin(c clock.Clock) *Builtin {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Builtin{clock: c}
}

func (b *Builtin) InvokeOperation(ctx context.Context, name string, params types.Configuration) (*types.OperationResult, error) {
	switch name {
	case OpEcho:
		return &types.OperationResult{Complex: params.Clone()}, nil

	case OpSleep:
		seconds, err := cast.ToFloat64E(params["seconds"])
		if err != nil || seconds < 0 {
			return nil, fmt.Errorf("sleep: invalid seconds %v", params["seconds"])
		}
		select {
		case <-b.clock.After(time.Duration(seconds * float64(time.Second))):
			return &types.OperationResult{Complex: types.Configuration{"slept": seconds}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	case OpFail:
		info := &types.ErrorInfo{
			Name:    cast.ToString(params["name"]),
			Message: cast.ToString(params["message"]),
		}
		if info.Name == "" {
			info.Name = "OperationFailed"
		}
		return nil, info

	case OpPanic:
		panic(cast.ToString(params["message"]))

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
}

// BuiltinDefinitions declares the result shape of the built-in operations.
// echo has no definition: its results are whatever it was given.
func BuiltinDefinitions() []*types.OperationDefinition {
	return []*types.OperationDefinition{
		{
			Name: OpSleep,
			Results: &types.ResultsDefinition{Properties: map[string]types.PropertyType{
				"slept": types.PropertyFloat,
			}},
		},
		{Name: OpFail},
		{Name: OpPanic},
	}
}
