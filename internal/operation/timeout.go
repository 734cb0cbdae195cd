package operation

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/ChuLiYu/opgate/pkg/types"
)

// TimeoutParamName is the parameter an invoker may set to override the
// operation timeout, in seconds. It is stripped before the facet is called.
const TimeoutParamName = "timeout"

// resolveTimeout picks the effective timeout for an invocation:
//  1. an explicit "timeout" parameter (removed from params)
//  2. the timeout declared by the operation definition
//  3. fallback
func resolveTimeout(params types.Configuration, def *types.OperationDefinition, fallback time.Duration) (time.Duration, error) {
	if raw, ok := params[TimeoutParamName]; ok {
		delete(params, TimeoutParamName)
		return parseTimeoutSeconds(raw)
	}

	if def != nil && def.TimeoutSeconds != nil && *def.TimeoutSeconds > 0 {
		return time.Duration(*def.TimeoutSeconds) * time.Second, nil
	}

	return fallback, nil
}

// parseTimeoutSeconds accepts whole seconds only. Strings are decimal, so
// "010" is ten seconds and "0x1e" is invalid.
func parseTimeoutSeconds(raw any) (time.Duration, error) {
	var seconds int64
	switch v := raw.(type) {
	case bool:
		return 0, fmt.Errorf("%w: %v is not a number of seconds", ErrInvalidTimeout, raw)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a decimal number of seconds", ErrInvalidTimeout, v)
		}
		seconds = n
	case float32, float64:
		f := cast.ToFloat64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
			return 0, fmt.Errorf("%w: %v is not a whole number of seconds", ErrInvalidTimeout, v)
		}
		seconds = int64(f)
	default:
		n, err := cast.ToInt64E(raw)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidTimeout, err)
		}
		seconds = n
	}

	if seconds <= 0 {
		return 0, fmt.Errorf("%w: must be positive, got %d", ErrInvalidTimeout, seconds)
	}
	return time.Duration(seconds) * time.Second, nil
}
