// ============================================================================
// opgate Config - YAML 設定檔
// ============================================================================
//
// Package: internal/config
// File: config.go
//
// 設定檔範例:
//
//   operation:
//     worker_count: 10
//     queue_capacity: 1000
//     default_timeout_seconds: 600
//     facet_timeout_margin: 10s
//     shutdown_grace: 5s
//     notify_timeout: 30s
//   controller:
//     address: localhost:50051   # 空字串 = 只記錄日誌
//   metrics:
//     enabled: true
//     port: 9090
//   tracing:
//     enabled: false
//     pretty: false
//
// 未出現在檔案中的欄位保留 Default() 的值。
//
// 環境變數覆寫 (Load 套用，優先於設定檔):
//
//   OPGATE_CONTROLLER_ADDRESS   controller.address
//   OPGATE_WORKER_COUNT         operation.worker_count
//   OPGATE_METRICS_PORT         metrics.port
//
// cmd/opgate 啟動時會先以 godotenv 載入工作目錄下的 .env。
//
// ============================================================================

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/opgate/internal/operation"
)

// Config represents the complete agent configuration
type Config struct {
	Operation struct {
		WorkerCount           int           `yaml:"worker_count"`
		QueueCapacity         int           `yaml:"queue_capacity"`
		DefaultTimeoutSeconds int           `yaml:"default_timeout_seconds"`
		FacetTimeoutMargin    time.Duration `yaml:"facet_timeout_margin"`
		ShutdownGrace         time.Duration `yaml:"shutdown_grace"`
		NotifyTimeout         time.Duration `yaml:"notify_timeout"`
	} `yaml:"operation"`

	Controller struct {
		Address string `yaml:"address"`
	} `yaml:"controller"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Tracing struct {
		Enabled bool `yaml:"enabled"`
		Pretty  bool `yaml:"pretty"`
	} `yaml:"tracing"`
}

// Default returns the configuration used when a field is not set.
func Default() *Config {
	op := operation.DefaultConfig()

	cfg := &Config{}
	cfg.Operation.WorkerCount = op.WorkerCount
	cfg.Operation.QueueCapacity = op.QueueCapacity
	cfg.Operation.DefaultTimeoutSeconds = int(op.DefaultTimeout / time.Second)
	cfg.Operation.FacetTimeoutMargin = op.FacetTimeoutMargin
	cfg.Operation.ShutdownGrace = op.ShutdownGrace
	cfg.Operation.NotifyTimeout = op.NotifyTimeout
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	return cfg
}

// Environment variables that override the config file.
const (
	EnvControllerAddress = "OPGATE_CONTROLLER_ADDRESS"
	EnvWorkerCount       = "OPGATE_WORKER_COUNT"
	EnvMetricsPort       = "OPGATE_METRICS_PORT"
)

// Load reads the YAML file at path on top of Default(), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML data on top of Default() and validates it.
func Parse(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the variables lookup reports as set.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs error
	if v, ok := lookup(EnvControllerAddress); ok {
		c.Controller.Address = v
	}
	if v, ok := lookup(EnvWorkerCount); ok {
		n, err := cast.ToIntE(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", EnvWorkerCount, err))
		} else {
			c.Operation.WorkerCount = n
		}
	}
	if v, ok := lookup(EnvMetricsPort); ok {
		n, err := cast.ToIntE(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", EnvMetricsPort, err))
		} else {
			c.Metrics.Port = n
		}
	}
	return errs
}

// Validate reports every invalid field at once; multierr.Errors splits them.
func (c *Config) Validate() error {
	var errs []error
	if c.Operation.WorkerCount <= 0 {
		errs = append(errs, fmt.Errorf("operation.worker_count must be positive, got %d", c.Operation.WorkerCount))
	}
	if c.Operation.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("operation.queue_capacity must be positive, got %d", c.Operation.QueueCapacity))
	}
	if c.Operation.DefaultTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("operation.default_timeout_seconds must be positive, got %d", c.Operation.DefaultTimeoutSeconds))
	}
	if c.Operation.FacetTimeoutMargin <= 0 {
		errs = append(errs, fmt.Errorf("operation.facet_timeout_margin must be positive, got %s", c.Operation.FacetTimeoutMargin))
	}
	if c.Operation.ShutdownGrace <= 0 {
		errs = append(errs, fmt.Errorf("operation.shutdown_grace must be positive, got %s", c.Operation.ShutdownGrace))
	}
	if c.Operation.NotifyTimeout < 0 {
		errs = append(errs, fmt.Errorf("operation.notify_timeout must not be negative, got %s", c.Operation.NotifyTimeout))
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port))
	}
	return multierr.Combine(errs...)
}

// OperationConfig converts the operation section for operation.NewManager.
func (c *Config) OperationConfig() operation.Config {
	return operation.Config{
		WorkerCount:        c.Operation.WorkerCount,
		QueueCapacity:      c.Operation.QueueCapacity,
		DefaultTimeout:     time.Duration(c.Operation.DefaultTimeoutSeconds) * time.Second,
		FacetTimeoutMargin: c.Operation.FacetTimeoutMargin,
		ShutdownGrace:      c.Operation.ShutdownGrace,
		NotifyTimeout:      c.Operation.NotifyTimeout,
	}
}
