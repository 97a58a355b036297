package gocommand

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

// QueueResolverKey names the resolver that mirrors commands into the job queue registry.
const QueueResolverKey = "deadlines.queue"

var ErrBusClosed = errors.New("gocommand: bus is closed")

// ValidateMessageContract enforces Type() plus optional Validate().
func ValidateMessageContract(msg any) error {
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return command.ValidateMessage(msg)
}

type Option func(*Bus)

// WithQueueRegistry mirrors every registered command into queueRegistry
// so it can be addressed by message type from a job.
func WithQueueRegistry(queueRegistry *jobqueuecommand.Registry) Option {
	return func(b *Bus) {
		b.queueRegistry = queueRegistry
	}
}

func WithRunnerOptions(opts ...runner.Option) Option {
	return func(b *Bus) {
		b.runnerOpts = append(b.runnerOpts, opts...)
	}
}

// Bus owns the command registry and every dispatcher subscription made
// through it. Close releases the subscriptions.
type Bus struct {
	mu            sync.Mutex
	registry      *command.Registry
	queueRegistry *jobqueuecommand.Registry
	runnerOpts    []runner.Option
	subscriptions []commanddispatcher.Subscription
	initialized   bool
	closed        bool
}

func NewBus(opts ...Option) (*Bus, error) {
	b := &Bus{registry: command.NewRegistry()}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.queueRegistry != nil {
		if err := b.registry.AddResolver(QueueResolverKey, jobqueuecommand.QueueResolver(b.queueRegistry)); err != nil {
			return nil, fmt.Errorf("gocommand: add queue resolver: %w", err)
		}
	}
	return b, nil
}

func (b *Bus) Registry() *command.Registry {
	if b == nil {
		return nil
	}
	return b.registry
}

func (b *Bus) QueueRegistry() *jobqueuecommand.Registry {
	if b == nil {
		return nil
	}
	return b.queueRegistry
}

func (b *Bus) AddResolver(key string, resolver command.Resolver) error {
	if b == nil || b.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return b.registry.AddResolver(strings.TrimSpace(key), resolver)
}

func (b *Bus) HasResolver(key string) bool {
	if b == nil || b.registry == nil {
		return false
	}
	return b.registry.HasResolver(strings.TrimSpace(key))
}

// Initialize runs the registry resolvers once. Later calls are no-ops.
func (b *Bus) Initialize() error {
	if b == nil || b.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if b.initialized {
		return nil
	}
	if err := b.registry.Initialize(); err != nil {
		return err
	}
	b.initialized = true
	return nil
}

// Close unsubscribes every handler registered through the bus.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := b.subscriptions
	b.subscriptions = nil
	b.closed = true
	b.mu.Unlock()
	for _, sub := range subs {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}

func (b *Bus) track(sub commanddispatcher.Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		if sub != nil {
			sub.Unsubscribe()
		}
		return ErrBusClosed
	}
	b.subscriptions = append(b.subscriptions, sub)
	return nil
}

func (b *Bus) runner(extra []runner.Option) []runner.Option {
	out := make([]runner.Option, 0, len(b.runnerOpts)+len(extra))
	out = append(out, b.runnerOpts...)
	return append(out, extra...)
}

// RegisterCommand subscribes cmd on the dispatcher and adds it to the registry.
func RegisterCommand[T any](b *Bus, cmd command.Commander[T], runnerOpts ...runner.Option) error {
	if b == nil || b.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return fmt.Errorf("gocommand: command is required")
	}
	sub := commanddispatcher.SubscribeCommand(cmd, b.runner(runnerOpts)...)
	if err := b.registry.RegisterCommand(cmd); err != nil {
		if sub != nil {
			sub.Unsubscribe()
		}
		return err
	}
	return b.track(sub)
}

// RegisterQuery subscribes qry on the dispatcher and adds it to the registry.
func RegisterQuery[T any, R any](b *Bus, qry command.Querier[T, R], runnerOpts ...runner.Option) error {
	if b == nil || b.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return fmt.Errorf("gocommand: query is required")
	}
	sub := commanddispatcher.SubscribeQuery(qry, b.runner(runnerOpts)...)
	if err := b.registry.RegisterCommand(qry); err != nil {
		if sub != nil {
			sub.Unsubscribe()
		}
		return err
	}
	return b.track(sub)
}

// Dispatch validates msg and hands it to the subscribed command handler.
func Dispatch[T any](ctx context.Context, msg T) error {
	if err := ValidateMessageContract(msg); err != nil {
		return err
	}
	return commanddispatcher.Dispatch(ctx, msg)
}

// Query validates msg and returns the subscribed querier's result.
func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	if err := ValidateMessageContract(msg); err != nil {
		var zero R
		return zero, err
	}
	return commanddispatcher.Query[T, R](ctx, msg)
}

// Execute dispatches msg and returns the value the handler stored in its result collector.
func Execute[T any, R any](ctx context.Context, msg T) (R, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	collector := command.NewResult[R]()
	if err := Dispatch(command.ContextWithResult(ctx, collector), msg); err != nil {
		var zero R
		return zero, false, err
	}
	value, ok := collector.Load()
	return value, ok, nil
}
