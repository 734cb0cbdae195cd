// ============================================================================
// opgate Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 operation gateway 的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 操作計數器 (Counter)：
//      - opgate_operations_submitted_total: Invoke 接受並建立的操作數
//      - opgate_operations_rejected_total{reason}: 提交時被拒絕的操作數
//        reason = invalid_timeout | facet_unavailable | duplicate | stopped | pool
//      - opgate_operations_dispatched_total: 交給 worker pool 的操作數
//      - opgate_operations_completed_total{outcome}: 終止結果
//        outcome = succeeded | failed | timed_out | canceled
//      - opgate_notify_errors_total: controller 通知失敗數
//
//   2. 性能指標 (Histogram)：
//      - opgate_operation_duration_seconds{outcome}: 從 Invoke 到完成的時間
//
//   3. 狀態指標 (Gauge)：
//      - opgate_operations_registered: 已註冊、尚未完成的操作
//      - opgate_operations_queued: 等待資源的操作
//      - opgate_resources_busy: 正在執行操作的資源數
//
// Prometheus 查詢示例:
//
//   # 每分鐘逾時數
//   rate(opgate_operations_completed_total{outcome="timed_out"}[1m])
//
//   # 95 分位耗時
//   histogram_quantile(0.95, sum by (le) (rate(opgate_operation_duration_seconds_bucket[5m])))
//
// HTTP 端點:
//   通過 /metrics 端點暴露，默認端口 9090
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/opgate/internal/operation"
)

// Collector Prometheus 指標收集器，實作 operation.Metrics
type Collector struct {
	// 操作相關指標
	submitted    prometheus.Counter
	rejected     *prometheus.CounterVec
	dispatched   prometheus.Counter
	completed    *prometheus.CounterVec
	notifyErrors prometheus.Counter

	// 效能指標
	duration *prometheus.HistogramVec

	// 狀態指標
	registered    prometheus.Gauge
	queued        prometheus.Gauge
	busyResources prometheus.Gauge
}

var _ operation.Metrics = (*Collector)(nil)

// NewCollector 創建新的指標收集器並註冊到 reg
//
// reg 為 nil 時使用 prometheus.DefaultRegisterer；同一個 registry
// 只能註冊一次，重複註冊會 panic
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opgate_operations_submitted_total",
			Help: "Total number of operations accepted by Invoke",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opgate_operations_rejected_total",
			Help: "Total number of operations rejected at submission",
		}, []string{"reason"}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opgate_operations_dispatched_total",
			Help: "Total number of operations handed to the worker pool",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opgate_operations_completed_total",
			Help: "Total number of operations that reached a terminal outcome",
		}, []string{"outcome"}),
		notifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opgate_notify_errors_total",
			Help: "Total number of failed controller notifications",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opgate_operation_duration_seconds",
			Help:    "Time from invocation to completion in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		}, []string{"outcome"}),
		registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opgate_operations_registered",
			Help: "Current number of registered, unfinished operations",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opgate_operations_queued",
			Help: "Current number of operations waiting for their resource",
		}),
		busyResources: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opgate_resources_busy",
			Help: "Current number of resources running an operation",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.submitted,
		c.rejected,
		c.dispatched,
		c.completed,
		c.notifyErrors,
		c.duration,
		c.registered,
		c.queued,
		c.busyResources,
	)

	return c
}

// RecordSubmitted 記錄操作被接受
func (c *Collector) RecordSubmitted() {
	c.submitted.Inc()
}

// RecordRejected 記錄提交時被拒絕
func (c *Collector) RecordRejected(reason string) {
	c.rejected.WithLabelValues(reason).Inc()
}

// RecordDispatched 記錄操作交給 worker pool
func (c *Collector) RecordDispatched() {
	c.dispatched.Inc()
}

// RecordOutcome 記錄終止結果與耗時
func (c *Collector) RecordOutcome(outcome operation.Outcome, elapsed time.Duration) {
	c.completed.WithLabelValues(string(outcome)).Inc()
	c.duration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// RecordNotifyError 記錄 controller 通知失敗
func (c *Collector) RecordNotifyError() {
	c.notifyErrors.Inc()
}

// SetQueueState 更新 gateway 狀態統計
func (c *Collector) SetQueueState(registered, queued, busyResources int) {
	c.registered.Set(float64(registered))
	c.queued.Set(float64(queued))
	c.busyResources.Set(float64(busyResources))
}

// Handler 回傳 gatherer 的 /metrics handler
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
//
// 參數：
//   - ctx: 控制伺服器生命週期
//   - port: HTTP 伺服器端口
//   - gatherer: 要暴露的 registry
//
// 返回值：
//   - error: 啟動失敗的錯誤；正常關閉返回 nil
func StartServer(ctx context.Context, port int, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
