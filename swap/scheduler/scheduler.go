// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package scheduler drives the single 15-second timer tick that fans out
// bounded work to the worker pool: stuck-order rebroadcast, expiry sweeps,
// deposit watching, and the refund watchdog.
package scheduler

import (
	"context"
	"time"

	"github.com/blocknetdx/xbridge-go/dex"
	"golang.org/x/sync/semaphore"
)

// TickInterval is the fixed period of the single timer thread.
const TickInterval = 15 * time.Second

// Task is one unit of work dispatched on a tick. Tasks must not block on the
// timer thread itself; the Scheduler only ever calls them from pool workers.
type Task func(ctx context.Context)

// Scheduler is the single-threaded timer that posts bounded work to a
// worker pool sized by poolSize. The timer thread never blocks on RPC; it only launches
// goroutines gated by a semaphore.
type Scheduler struct {
	pool *semaphore.Weighted
	log dex.Logger
}

// New creates a Scheduler whose worker pool admits at most poolSize
// concurrent tasks.
func New(poolSize int, log dex.Logger) *Scheduler {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Scheduler{pool: semaphore.NewWeighted(int64(poolSize)), log: log}
}

// Run blocks, firing tasks() on every tick until ctx is cancelled. tasks is
// called once per tick and its return value is the current batch of work;
// each task is dispatched to the pool without waiting for prior ticks'
// tasks to finish. Dispatch does wait for a free pool slot, so while earlier
// tasks hold every slot the next tick's dispatch waits for one of them.
func (s *Scheduler) Run(ctx context.Context, tasks func() []Task) {
	t := time.NewTicker(TickInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, task := range tasks() {
				s.dispatch(ctx, task)
			}
		}
	}
}

// dispatch acquires a pool slot and runs task in a new goroutine, releasing
// the slot on completion. If ctx is already cancelled, dispatch returns
// without running task.
func (s *Scheduler) dispatch(ctx context.Context, task Task) {
	// Acquire can succeed on a cancelled ctx when a slot is free.
	if ctx.Err() != nil {
		return
	}
	if err := s.pool.Acquire(ctx, 1); err != nil {
		return
	}
	go func() {
		defer s.pool.Release(1)
		defer func() {
			if r := recover(); r != nil {
				s.log.Errorf("scheduled task panicked: %v", r)
			}
		}()
		task(ctx)
	}()
}
