package playbook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// PoolMetrics counts the agent invocations of one parallel frontier.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("agent pool is shut down")

// pool bounds how many agent invocations of one frontier run at once. It is
// fed by the single goroutine driving the run.
type pool struct {
	slots  chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	active, completed, failed, panics atomic.Int64
}

func newPool(width int) *pool {
	return &pool{slots: make(chan struct{}, max(width, 1))}
}

// submit waits for a free slot, then runs fn on its own goroutine. A panic
// in fn is recovered, counted as a failure and passed to onPanic.
func (p *pool) submit(ctx context.Context, fn func(ctx context.Context) error, onPanic func(error)) error {
	if p.closed.Load() {
		return ErrPoolShutdown
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	p.active.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
				if onPanic != nil {
					onPanic(fmt.Errorf("panic: %v", r))
				}
			}
			p.active.Add(-1)
			<-p.slots
			p.wg.Done()
		}()
		if err := fn(ctx); err != nil {
			p.failed.Add(1)
			return
		}
		p.completed.Add(1)
	}()
	return nil
}

func (p *pool) wait() { p.wg.Wait() }

// shutdown rejects new work and waits for the work in flight.
func (p *pool) shutdown() {
	p.closed.Store(true)
	p.wg.Wait()
}

func (p *pool) snapshot() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
