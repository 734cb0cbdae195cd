package operation

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/opgate/pkg/types"
)

func TestLoggingServerService(t *testing.T) {
	var buf bytes.Buffer
	svc := NewLoggingServerService(slog.New(slog.NewTextHandler(&buf, nil)))
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, svc.OperationSucceeded(ctx, "ok", types.Configuration{"b": 1, "a": 2}, start, start.Add(time.Second)))
	require.NoError(t, svc.OperationFailed(ctx, "ko", nil, &types.ErrorInfo{Name: "DiskFull", Message: "no space"}, start, start))
	require.NoError(t, svc.OperationTimedOut(ctx, "slow", start, start.Add(time.Minute)))

	out := buf.String()
	assert.Contains(t, out, "Operation succeeded")
	assert.Contains(t, out, "job_id=ok")
	assert.Contains(t, out, "results=\"[a b]\"")
	assert.Contains(t, out, "error_name=DiskFull")
	assert.Contains(t, out, "Operation timed out")
	assert.Contains(t, out, "elapsed=1m0s")
}
