package gojob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

// Handler processes one message. A returned error schedules a retry.
type Handler func(ctx context.Context, msg *job.ExecutionMessage) error

type PoolOption func(*Pool)

func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) PoolOption {
	return func(p *Pool) {
		p.policy = policy
	}
}

func WithHooks(hooks ...worker.Hook) PoolOption {
	return func(p *Pool) {
		for _, hook := range hooks {
			if hook != nil {
				p.hooks = append(p.hooks, hook)
			}
		}
	}
}

func WithLogger(logger job.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// Pool drains a go-job dequeuer with a fixed number of goroutines and runs
// each delivery to success or terminal failure.
type Pool struct {
	dequeuer queue.Dequeuer
	handler  Handler
	policy   RetryPolicy
	workers  int
	hooks    []worker.Hook
	logger   job.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(dequeuer queue.Dequeuer, handler Handler, opts ...PoolOption) (*Pool, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("gojob: handler is required")
	}
	p := &Pool{
		dequeuer: dequeuer,
		handler:  handler,
		workers:  1,
		policy:   RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, DeadLetterOnMax: true},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Start launches the workers. It is a no-op when already running.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loop(runCtx)
		}()
	}
	p.logInfo("job pool started", "workers", p.workers)
}

// Stop cancels the workers and waits for in-flight messages or ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logInfo("job pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce dequeues and processes a single delivery.
func (p *Pool) RunOnce(ctx context.Context) error {
	delivery, err := p.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	p.process(ctx, delivery)
	return nil
}

func (p *Pool) loop(ctx context.Context) {
	for {
		if err := p.RunOnce(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			p.logError("job dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func (p *Pool) process(ctx context.Context, delivery queue.Delivery) {
	msg := delivery.Message()
	attempt := 1
	if counted, ok := delivery.(interface{ Attempt() int }); ok {
		attempt = counted.Attempt()
	}
	event := worker.Event{Message: msg, Delivery: delivery, Attempt: attempt, StartedAt: time.Now().UTC()}
	p.emit(func(h worker.Hook) { h.OnStart(ctx, event) })

	err := p.invoke(ctx, msg)
	event.Duration = time.Since(event.StartedAt)
	if err == nil {
		if ackErr := delivery.Ack(ctx); ackErr != nil {
			p.logError("job ack failed", "job_id", jobID(msg), "error", ackErr)
		}
		p.emit(func(h worker.Hook) { h.OnSuccess(ctx, event) })
		return
	}

	event.Err = err
	nack := p.policy.NormalizeAttempt(queue.NackOptions{
		Delay:   p.policy.Backoff(attempt),
		Requeue: true,
		Reason:  err.Error(),
	}, attempt)
	event.Delay = nack.Delay
	if nackErr := delivery.Nack(ctx, nack); nackErr != nil {
		p.logError("job nack failed", "job_id", jobID(msg), "error", nackErr)
	}
	if nack.Requeue {
		p.emit(func(h worker.Hook) { h.OnRetry(ctx, event) })
		return
	}
	p.logError("job failed", "job_id", jobID(msg), "attempt", attempt, "error", err)
	p.emit(func(h worker.Hook) { h.OnFailure(ctx, event) })
}

func (p *Pool) invoke(ctx context.Context, msg *job.ExecutionMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gojob: handler panic: %v", r)
		}
	}()
	return p.handler(ctx, msg)
}

func (p *Pool) emit(fn func(worker.Hook)) {
	for _, hook := range p.hooks {
		fn(hook)
	}
}

func (p *Pool) logInfo(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Info(msg, args...)
	}
}

func (p *Pool) logError(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Error(msg, args...)
	}
}

func jobID(msg *job.ExecutionMessage) string {
	if msg == nil {
		return ""
	}
	return msg.JobID
}
