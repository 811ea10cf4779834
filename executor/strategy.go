package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/caffeineduck/fnhost/faults"
)

// ErrStrategyClosed is returned by Do after Close.
var ErrStrategyClosed = errors.New("strategy closed")

// Task is one invocation's work, from fetch to output validation.
type Task func(ctx context.Context) (string, error)

// Strategy decides where a Task runs. It is fixed for the lifetime of an
// Executor.
type Strategy interface {
	Name() string
	// Suspends reports whether tasks may block on I/O without holding a
	// dedicated thread. Only suspending strategies are granted network access.
	Suspends() bool
	Do(ctx context.Context, task Task) (string, error)
	Close() error
}

// Strategy names accepted by NewStrategy.
const (
	StrategyBlocking    = "blocking"
	StrategyCooperative = "cooperative"
)

// NewStrategy builds a strategy by name. workers only applies to blocking.
func NewStrategy(name string, workers int) (Strategy, error) {
	switch name {
	case "", StrategyCooperative:
		return NewCooperative(), nil
	case StrategyBlocking:
		return NewBlocking(workers), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q (expected %s or %s)", name, StrategyBlocking, StrategyCooperative)
	}
}

// =============================================================================
// Blocking
// =============================================================================

type job struct {
	ctx  context.Context
	task Task
	res  chan<- jobResult
}

type jobResult struct {
	out string
	err error
}

// Blocking runs tasks on a fixed pool of worker goroutines. A task is
// detached from its caller's cancellation: a caller that gives up gets its
// context error back while the worker finishes the task.
type Blocking struct {
	jobs    chan job
	workers int
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewBlocking starts workers goroutines; workers <= 0 means one per CPU.
func NewBlocking(workers int) *Blocking {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	b := &Blocking{
		jobs:    make(chan job),
		workers: workers,
	}
	b.wg.Add(workers)
	for range workers {
		go b.work()
	}
	return b
}

func (b *Blocking) Name() string   { return StrategyBlocking }
func (b *Blocking) Suspends() bool { return false }

// Workers is the pool size.
func (b *Blocking) Workers() int { return b.workers }

func (b *Blocking) Do(ctx context.Context, task Task) (string, error) {
	res := make(chan jobResult, 1)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return "", ErrStrategyClosed
	}
	select {
	case b.jobs <- job{ctx: context.WithoutCancel(ctx), task: task, res: res}:
		b.mu.RUnlock()
	case <-ctx.Done():
		b.mu.RUnlock()
		return "", ctx.Err()
	}

	select {
	case r := <-res:
		return r.out, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *Blocking) work() {
	defer b.wg.Done()
	for j := range b.jobs {
		out, err := runTask(j.ctx, j.task)
		j.res <- jobResult{out: out, err: err}
	}
}

// Close stops accepting tasks and waits for running ones to finish.
func (b *Blocking) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.jobs)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// =============================================================================
// Cooperative
// =============================================================================

// Cooperative runs tasks on the calling goroutine under the caller's context.
// Cancellation reaches the guest: the runtime closes the module when the
// context is done.
type Cooperative struct {
	closed chan struct{}
	once   sync.Once
}

func NewCooperative() *Cooperative {
	return &Cooperative{closed: make(chan struct{})}
}

func (c *Cooperative) Name() string   { return StrategyCooperative }
func (c *Cooperative) Suspends() bool { return true }

func (c *Cooperative) Do(ctx context.Context, task Task) (string, error) {
	select {
	case <-c.closed:
		return "", ErrStrategyClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return runTask(ctx, task)
}

func (c *Cooperative) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// runTask keeps a panicking task from taking its goroutine down.
func runTask(ctx context.Context, task Task) (out string, err error) {
	defer func() {
		if v := recover(); v != nil {
			out, err = "", faults.FromPanic("invoke", v)
		}
	}()
	return task(ctx)
}
