// Package concurrency provides bounded task queues over alitto/pond.
package concurrency

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"algotrader/internal/core"

	"github.com/alitto/pond"
)

var (
	// ErrPoolFull is returned by a non-blocking pool whose queue is at capacity
	ErrPoolFull = errors.New("worker pool full")
	// ErrPoolStopped is returned once Stop has been called
	ErrPoolStopped = errors.New("worker pool stopped")
)

// PoolConfig holds configuration for a worker pool
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	// NonBlocking makes Submit fail with ErrPoolFull instead of waiting for room
	NonBlocking bool
}

// Stats is a point-in-time view of a pool
type Stats struct {
	Running   int
	Waiting   uint64
	Completed uint64
	Panicked  uint64
	Rejected  uint64
}

// WorkerPool runs submitted tasks on at most MaxWorkers goroutines.
// With MaxWorkers == 1 tasks run in submission order.
type WorkerPool struct {
	pool     *pond.WorkerPool
	config   PoolConfig
	logger   core.ILogger
	rejected atomic.Uint64

	mu      sync.RWMutex
	stopped bool
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Minute
	}

	log := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)
	return &WorkerPool{
		pool: pond.New(cfg.MaxWorkers, cfg.MaxCapacity,
			pond.MinWorkers(1),
			pond.IdleTimeout(cfg.IdleTimeout),
			pond.PanicHandler(func(p interface{}) {
				log.Error("Task panicked", "panic", p)
			}),
		),
		config: cfg,
		logger: log,
	}
}

// Submit queues task
func (wp *WorkerPool) Submit(task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return fmt.Errorf("%s: %w", wp.config.Name, ErrPoolStopped)
	}
	if !wp.config.NonBlocking {
		wp.pool.Submit(task)
		return nil
	}
	if !wp.pool.TrySubmit(task) {
		wp.rejected.Add(1)
		return fmt.Errorf("%s (capacity %d): %w", wp.config.Name, wp.config.MaxCapacity, ErrPoolFull)
	}
	return nil
}

// SubmitAndWait queues task and blocks until it has run
func (wp *WorkerPool) SubmitAndWait(task func()) error {
	done := make(chan struct{})
	if err := wp.Submit(func() {
		defer close(done)
		task()
	}); err != nil {
		return err
	}
	<-done
	return nil
}

// Pending is the number of queued tasks not yet started
func (wp *WorkerPool) Pending() int {
	return int(wp.pool.WaitingTasks())
}

// Stop runs every queued task and then releases the workers. Safe to call twice.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	wp.mu.Unlock()

	wp.pool.StopAndWait()
	wp.logger.Debug("Worker pool stopped", "completed", wp.pool.CompletedTasks(), "rejected", wp.rejected.Load())
}

// Stats returns pool counters
func (wp *WorkerPool) Stats() Stats {
	return Stats{
		Running:   wp.pool.RunningWorkers(),
		Waiting:   wp.pool.WaitingTasks(),
		Completed: wp.pool.CompletedTasks(),
		Panicked:  wp.pool.FailedTasks(),
		Rejected:  wp.rejected.Load(),
	}
}
