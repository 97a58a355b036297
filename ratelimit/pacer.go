package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-deadlines/core"
	goerrors "github.com/goliatone/go-errors"
)

const DefaultBucket = "provider"

type ThrottledError struct {
	Bucket     string
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("ratelimit: bucket %q throttled for %s", strings.TrimSpace(e.Bucket), e.RetryAfter)
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"bucket": strings.TrimSpace(e.Bucket),
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ErrorRateLimited).
		WithMetadata(metadata)
}

type bucketState struct {
	nextAt time.Time
}

// Pacer spaces consecutive calls in the same bucket by a fixed delay and
// holds every bucket back while the provider reports throttling.
type Pacer struct {
	Delay   time.Duration
	MaxWait time.Duration
	Now     func() time.Time
	Sleep   func(ctx context.Context, d time.Duration) error

	mu             sync.Mutex
	buckets        map[string]*bucketState
	throttledUntil time.Time
}

func NewPacer(delay time.Duration) *Pacer {
	return &Pacer{
		Delay:   delay,
		MaxWait: time.Minute,
		Now:     func() time.Time { return time.Now().UTC() },
		Sleep:   sleepContext,
		buckets: map[string]*bucketState{},
	}
}

type bucketKey struct{}

// WithBucket scopes pacing for calls made with ctx, typically one dispatch chain.
func WithBucket(ctx context.Context, bucket string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, bucketKey{}, strings.TrimSpace(bucket))
}

func BucketFromContext(ctx context.Context) string {
	if ctx != nil {
		if bucket, ok := ctx.Value(bucketKey{}).(string); ok && bucket != "" {
			return bucket
		}
	}
	return DefaultBucket
}

// Wait blocks until the bucket may place its next call. The first call in a
// bucket only waits on provider throttling.
func (p *Pacer) Wait(ctx context.Context, bucket string) error {
	if p == nil {
		return nil
	}
	bucket = normalizeBucket(bucket)
	now := p.now()

	p.mu.Lock()
	if p.buckets == nil {
		p.buckets = map[string]*bucketState{}
	}
	state, ok := p.buckets[bucket]
	if !ok {
		state = &bucketState{}
		p.buckets[bucket] = state
	}
	readyAt := now
	if state.nextAt.After(readyAt) {
		readyAt = state.nextAt
	}
	if p.throttledUntil.After(readyAt) {
		wait := p.throttledUntil.Sub(now)
		if p.MaxWait > 0 && wait > p.MaxWait {
			p.mu.Unlock()
			return ThrottledError{Bucket: bucket, RetryAfter: wait}
		}
		readyAt = p.throttledUntil
	}
	state.nextAt = readyAt.Add(p.Delay)
	p.mu.Unlock()

	wait := readyAt.Sub(now)
	if wait <= 0 {
		return nil
	}
	return p.sleep(ctx, wait)
}

// Observe records provider throttling signals from a response.
func (p *Pacer) Observe(statusCode int, headers map[string]string) {
	if p == nil || statusCode != http.StatusTooManyRequests {
		return
	}
	retryAfter := parseRetryAfter(headers)
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	until := p.now().Add(retryAfter)
	p.mu.Lock()
	if until.After(p.throttledUntil) {
		p.throttledUntil = until
	}
	p.mu.Unlock()
}

// Forget drops the bucket once its chain has finished.
func (p *Pacer) Forget(bucket string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	delete(p.buckets, normalizeBucket(bucket))
	p.mu.Unlock()
}

func (p *Pacer) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Pacer) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(headers map[string]string) time.Duration {
	value := strings.TrimSpace(headerValue(headers, "Retry-After"))
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	if value, ok := headers[key]; ok {
		return value
	}
	for candidate, value := range headers {
		if strings.EqualFold(candidate, key) {
			return value
		}
	}
	return ""
}

func normalizeBucket(bucket string) string {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return DefaultBucket
	}
	return bucket
}
