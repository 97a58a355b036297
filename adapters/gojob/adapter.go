package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

var (
	ErrQueueFull   = errors.New("gojob: queue is full")
	ErrQueueClosed = errors.New("gojob: queue is closed")
)

const DefaultQueueSize = 256

// RetryPolicy bounds redelivery of failed messages.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt clamps a nack for the given attempt number.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax {
			out.DeadLetter = true
		}
	}
	return out
}

// Backoff doubles BaseDelay per attempt, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

type DeadLetter struct {
	Message  *job.ExecutionMessage
	Attempt  int
	Reason   string
	FailedAt time.Time
}

type envelope struct {
	msg     *job.ExecutionMessage
	attempt int
}

// MemoryQueue is a bounded in-process go-job queue. Enqueue never blocks;
// a full buffer is reported as ErrQueueFull.
type MemoryQueue struct {
	ch          chan envelope
	mu          sync.Mutex
	closed      bool
	timers      map[*time.Timer]struct{}
	deadLetters []DeadLetter
	now         func() time.Time
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &MemoryQueue{
		ch:     make(chan envelope, size),
		timers: map[*time.Timer]struct{}{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg *job.ExecutionMessage) error {
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return q.push(envelope{msg: msg, attempt: 1})
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case env, ok := <-q.ch:
		if !ok {
			return nil, ErrQueueClosed
		}
		return &delivery{queue: q, env: env}, nil
	}
}

// Len reports buffered messages, not counting delayed retries.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.deadLetters...)
}

// Close stops pending retries and wakes blocked consumers.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	close(q.ch)
}

func (q *MemoryQueue) push(env envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) requeue(env envelope, delay time.Duration) {
	env.attempt++
	if delay <= 0 {
		if err := q.push(env); err != nil {
			q.deadLetter(env, err.Error())
		}
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		if err := q.push(env); err != nil && !errors.Is(err, ErrQueueClosed) {
			q.deadLetter(env, err.Error())
		}
	})
	q.timers[timer] = struct{}{}
}

func (q *MemoryQueue) deadLetter(env envelope, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetters = append(q.deadLetters, DeadLetter{
		Message:  env.msg,
		Attempt:  env.attempt,
		Reason:   reason,
		FailedAt: q.now(),
	})
}

type delivery struct {
	queue *MemoryQueue
	env   envelope
	once  sync.Once
}

func (d *delivery) Message() *job.ExecutionMessage {
	return d.env.msg
}

// Attempt is 1 for the first delivery of a message.
func (d *delivery) Attempt() int {
	return d.env.attempt
}

func (d *delivery) Ack(context.Context) error {
	d.once.Do(func() {})
	return nil
}

func (d *delivery) Nack(_ context.Context, opts queue.NackOptions) error {
	d.once.Do(func() {
		switch {
		case opts.DeadLetter:
			d.queue.deadLetter(d.env, opts.Reason)
		case opts.Requeue:
			d.queue.requeue(d.env, opts.Delay)
		}
	})
	return nil
}

var (
	_ queue.Enqueuer = (*MemoryQueue)(nil)
	_ queue.Dequeuer = (*MemoryQueue)(nil)
	_ queue.Delivery = (*delivery)(nil)
)
