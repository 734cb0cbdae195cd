// Package types 定義了 opgate 系統中使用的核心領域模型
package types

import (
	"fmt"
	"sort"
	"time"
)

// JobID 操作任務唯一識別碼（由遠端 controller 指定）
type JobID string

// ResourceID 受管理資源的識別碼
type ResourceID int

// Configuration 是不透明的 key/value 設定區塊，用於操作參數與結果
type Configuration map[string]any

// Clone 回傳淺層複製，nil 會被正規化為空的 Configuration
func (c Configuration) Clone() Configuration {
	out := make(Configuration, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Keys 回傳排序後的鍵，方便記錄日誌
func (c Configuration) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OperationResult 是 facet 呼叫的回傳值
type OperationResult struct {
	Complex      Configuration `json:"complex,omitempty"`       // 結構化結果
	ErrorMessage string        `json:"error_message,omitempty"` // facet 回報的錯誤（結果仍可能部分有效）
}

// ErrorInfo 描述失敗的細節：錯誤型別、訊息與（panic 時）堆疊
type ErrorInfo struct {
	Name       string `json:"name"`
	Message    string `json:"message"`
	StackTrace string `json:"stack_trace,omitempty"`
}

func (e *ErrorInfo) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// PropertyType 宣告結果屬性的型別
type PropertyType string

const (
	PropertyString PropertyType = "string"
	PropertyInt    PropertyType = "int"
	PropertyFloat  PropertyType = "float"
	PropertyBool   PropertyType = "bool"
	PropertyAny    PropertyType = "any"
)

// ResultsDefinition 宣告操作結果的形狀
type ResultsDefinition struct {
	Properties map[string]PropertyType `json:"properties" yaml:"properties"`
}

// OperationDefinition 是操作的靜態定義（來自 plugin metadata）
type OperationDefinition struct {
	Name           string             `json:"name" yaml:"name"`
	TimeoutSeconds *int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"` // nil 表示未宣告
	Results        *ResultsDefinition `json:"results,omitempty" yaml:"results,omitempty"`                 // nil 表示不回傳結果
}

// InterruptedState 是 Cancel 回傳的「取消前」狀態
type InterruptedState string

const (
	InterruptedFinished InterruptedState = "FINISHED"
	InterruptedQueued   InterruptedState = "QUEUED"
	InterruptedRunning  InterruptedState = "RUNNING"
	InterruptedUnknown  InterruptedState = "UNKNOWN"
)

// InvocationSnapshot 是 Invocation 狀態的不可變複本，供外部觀察
type InvocationSnapshot struct {
	JobID       JobID         `json:"job_id"`
	ResourceID  ResourceID    `json:"resource_id"`
	Operation   string        `json:"operation"`
	State       string        `json:"state"`
	Canceled    bool          `json:"canceled"`
	TimedOut    bool          `json:"timed_out"`
	Worker      int           `json:"worker"`
	InvokedAt   time.Time     `json:"invoked_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Timeout     time.Duration `json:"timeout"`
}
