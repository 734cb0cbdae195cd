package operation

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/ChuLiYu/opgate/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrGatewayStopped 表示 gateway 已關閉，不再接受新的操作
	ErrGatewayStopped = errors.New("operation gateway is stopped")
	// ErrDuplicateJob 表示 job id 已經在 gateway 中註冊
	ErrDuplicateJob = errors.New("job already submitted")
	// ErrInvalidTimeout 表示 timeout 參數為零、負數或格式錯誤
	ErrInvalidTimeout = errors.New("invalid operation timeout")
	// ErrFacetUnavailable 表示找不到資源對應的 facet
	ErrFacetUnavailable = errors.New("operation facet unavailable")
	// ErrFacetCallTimeout 表示 facet 呼叫超過了呼叫預算，worker 已放棄等待
	ErrFacetCallTimeout = errors.New("facet call exceeded its budget")
	// ErrCanceled 表示操作在完成前被取消
	ErrCanceled = errors.New("operation canceled")
)

// errorInfo converts an error returned by a facet (or by the gateway) into the
// failure package sent to the controller.
func errorInfo(err error) *types.ErrorInfo {
	if err == nil {
		return nil
	}
	var info *types.ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	return &types.ErrorInfo{
		Name:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
}

// panicInfo captures a recovered panic value with the current stack.
func panicInfo(r any) *types.ErrorInfo {
	return &types.ErrorInfo{
		Name:       fmt.Sprintf("panic(%T)", r),
		Message:    fmt.Sprint(r),
		StackTrace: string(debug.Stack()),
	}
}
