package utils

import (
	"sync"

	"go.uber.org/zap"
)

// WorkerPool 通用协程池，用于把消息持久化移出连接的读循环
type WorkerPool struct {
	jobs    chan func()
	workers int
	log     *zap.Logger

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool 创建一个新的协程池
func NewWorkerPool(workers, queueSize int, log *zap.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool{
		jobs:    make(chan func(), queueSize),
		workers: workers,
		log:     log,
	}
}

// Start 启动协程池
func (p *WorkerPool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			for job := range p.jobs {
				p.run(workerID, job)
			}
		}(i)
	}
	p.log.Info("WorkerPool started", zap.Int("workers", p.workers), zap.Int("queue", cap(p.jobs)))
}

// run 使用 defer recover 防止单个任务 panic 导致 worker 挂掉
func (p *WorkerPool) run(workerID int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panic", zap.Int("worker", workerID), zap.Any("panic", r))
		}
	}()
	job()
}

// Submit 提交任务到协程池
// 队列已满时阻塞直到有空位；协程池已停止时返回 false
func (p *WorkerPool) Submit(job func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.jobs <- job
	return true
}

// Stop 停止接收新任务，并等待队列中已有任务执行完毕
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}
