// ============================================================================
// opgate Worker Pool - 有界並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量 Worker goroutine 的生命週期，並透過有界 channel 分發任務
//
// 設計模式:
//   採用 Worker Pool 模式：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的有界任務 channel 分發任務（容量 = 待提交佇列上限）
//   3. Submit 不阻塞：佇列已滿時立即返回 ErrPoolSaturated
//   4. 任務自行回報結果，Pool 不收集結果
//
// 架構組件:
//   ┌─────────────┐
//   │  Gateway    │ --Submit()--> taskCh (bounded)
//   └─────────────┘                 │
//   ┌─────────────┐                 ▼
//   │   Pool      │   Worker 1 ← taskCh
//   │             │   Worker 2 ← taskCh
//   │             │   Worker N ← taskCh
//   └─────────────┘
//
// 關閉流程:
//   - Drain(): 關閉 taskCh，並把尚未被 Worker 取走的任務交還給呼叫者
//   - AwaitTermination(ctx): 在期限內等待所有 Worker 退出
//
// 並發控制:
//   Submit 與 close(taskCh) 都在 mu 之下進行，發送是非阻塞的，
//   因此不會出現 "send on closed channel"。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolSaturated 表示待提交佇列已滿
	ErrPoolSaturated = errors.New("worker pool queue is full")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers []*Worker      // 所有啟動的 Worker 實例
	taskCh  chan Task      // 有界任務通道
	wg      sync.WaitGroup // 等待所有 Worker 完成
	active  atomic.Int32   // 正在執行任務的 Worker 數
	started bool           // Pool 是否已啟動
	stopped bool           // Pool 是否已停止接收任務
	mu      sync.Mutex     // 保護 started、stopped 與 taskCh 的關閉
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - queueCapacity: 待提交任務的最大積壓數量
func NewPool(queueCapacity int) *Pool {
	if queueCapacity < 0 {
		queueCapacity = 0
	}
	return &Pool{
		workers: make([]*Worker, 0),
		taskCh:  make(chan Task, queueCapacity),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if workerCount <= 0 {
		return errors.New("worker count must be positive")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, &p.active)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool，不會阻塞
//
// 返回值：
//   - ErrPoolNotStarted: Pool 尚未啟動
//   - ErrPoolClosed: Pool 已關閉
//   - ErrPoolSaturated: 待提交佇列已滿
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrPoolSaturated
	}
}

// Drain 停止接收任務，並取回尚未被 Worker 取走的積壓任務
// 與 Worker 同時讀取 channel：每個任務只會被其中一方取得
func (p *Pool) Drain() []Task {
	if !p.close() {
		return nil
	}

	var backlog []Task
	for task := range p.taskCh {
		backlog = append(backlog, task)
	}
	return backlog
}

// AwaitTermination 等待所有 Worker 退出，直到 ctx 結束
func (p *Pool) AwaitTermination(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close 標記停止並關閉 taskCh，只有第一次呼叫返回 true
func (p *Pool) close() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return false
	}
	p.stopped = true
	close(p.taskCh)
	return true
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// ActiveCount 返回正在執行任務的 Worker 數
func (p *Pool) ActiveCount() int {
	return int(p.active.Load())
}

// QueuedCount 返回積壓在通道中的任務數
func (p *Pool) QueuedCount() int {
	return len(p.taskCh)
}
