package broker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

// Pool is a bounded worker pool for blocking broker I/O. It keeps slow
// network calls off the request-handling path and makes backpressure
// visible: a full queue is rejected with ErrPoolSaturated instead of
// growing unbounded, and QueueDepth is exported on the health surface.
type Pool struct {
	tasks  chan *poolTask
	depth  atomic.Int64
	closed atomic.Bool
	wg     sync.WaitGroup
}

// poolTask is claimed exactly once: by the worker about to run fn, or by
// a cancelled submitter skipping it. The claim decides the task's fate,
// so a submitter can tell a queued task from one already executing.
type poolTask struct {
	fn      func()
	done    chan struct{}
	claimed atomic.Bool
}

// NewPool starts a pool with the given number of workers and queue slots.
func NewPool(workers, queueSize int) *Pool {
	p := &Pool{tasks: make(chan *poolTask, queueSize)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.depth.Add(-1)
		if !task.claimed.CompareAndSwap(false, true) {
			continue
		}
		task.fn()
		close(task.done)
	}
}

// Do runs fn on a pool worker and blocks until it completes. It returns
// ErrPoolSaturated without running fn when the queue is full, and ctx.Err()
// if the context ends while the task is still queued (the task is then
// skipped, not run).
func (p *Pool) Do(ctx context.Context, fn func()) error {
	if p.closed.Load() {
		return types.ErrPoolSaturated
	}

	task := &poolTask{fn: fn, done: make(chan struct{})}
	select {
	case p.tasks <- task:
		p.depth.Add(1)
	default:
		return types.ErrPoolSaturated
	}

	select {
	case <-task.done:
		return nil
	case <-ctx.Done():
		// Claim the task so a worker that picks it up later does nothing.
		// A lost claim means a worker is already running fn; wait for it:
		// a call that may have reached the broker is never abandoned.
		if task.claimed.CompareAndSwap(false, true) {
			return ctx.Err()
		}
		<-task.done
		return nil
	}
}

// QueueDepth returns the number of tasks currently queued.
func (p *Pool) QueueDepth() int {
	return int(p.depth.Load())
}

// Close stops accepting work and waits for in-flight tasks to finish.
func (p *Pool) Close() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.tasks)
		p.wg.Wait()
	}
}

// Compile-time interface check.
var _ Broker = (*pooledBroker)(nil)

// pooledBroker routes every call of the wrapped Broker through the pool.
type pooledBroker struct {
	inner Broker
	pool  *Pool
}

// WithPool wraps b so that all of its blocking calls execute on the pool.
func WithPool(b Broker, pool *Pool) Broker {
	return &pooledBroker{inner: b, pool: pool}
}

func (p *pooledBroker) Name() string { return p.inner.Name() }

func (p *pooledBroker) Submit(ctx context.Context, req SubmitRequest) (*OrderRef, error) {
	var (
		ref *OrderRef
		err error
	)
	if poolErr := p.pool.Do(ctx, func() {
		ref, err = p.inner.Submit(ctx, req)
	}); poolErr != nil {
		return nil, poolErr
	}
	return ref, err
}

func (p *pooledBroker) Cancel(ctx context.Context, brokerOrderID string) (bool, error) {
	var (
		ok  bool
		err error
	)
	if poolErr := p.pool.Do(ctx, func() {
		ok, err = p.inner.Cancel(ctx, brokerOrderID)
	}); poolErr != nil {
		return false, poolErr
	}
	return ok, err
}

func (p *pooledBroker) GetStatus(ctx context.Context, brokerOrderID string) (*OrderStatus, error) {
	var (
		status *OrderStatus
		err    error
	)
	if poolErr := p.pool.Do(ctx, func() {
		status, err = p.inner.GetStatus(ctx, brokerOrderID)
	}); poolErr != nil {
		return nil, poolErr
	}
	return status, err
}

func (p *pooledBroker) GetOrderByIdempotencyKey(ctx context.Context, key string) (*OrderStatus, error) {
	var (
		status *OrderStatus
		err    error
	)
	if poolErr := p.pool.Do(ctx, func() {
		status, err = p.inner.GetOrderByIdempotencyKey(ctx, key)
	}); poolErr != nil {
		return nil, poolErr
	}
	return status, err
}

func (p *pooledBroker) GetOpenPosition(ctx context.Context, symbol string) (*PositionSnapshot, error) {
	var (
		pos *PositionSnapshot
		err error
	)
	if poolErr := p.pool.Do(ctx, func() {
		pos, err = p.inner.GetOpenPosition(ctx, symbol)
	}); poolErr != nil {
		return nil, poolErr
	}
	return pos, err
}

func (p *pooledBroker) GetAccountState(ctx context.Context) (*AccountState, error) {
	var (
		state *AccountState
		err   error
	)
	if poolErr := p.pool.Do(ctx, func() {
		state, err = p.inner.GetAccountState(ctx)
	}); poolErr != nil {
		return nil, poolErr
	}
	return state, err
}
