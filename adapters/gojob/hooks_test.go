package gojob

import (
	"context"
	"sync"

	"github.com/goliatone/go-job/queue/worker"
)

// CountingHook tallies worker outcomes for diagnostics and tests.
type CountingHook struct {
	mu        sync.Mutex
	started   int
	succeeded int
	retried   int
	failed    int
}

type Counts struct {
	Started   int `json:"started"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

func (h *CountingHook) OnStart(context.Context, worker.Event) {
	h.mu.Lock()
	h.started++
	h.mu.Unlock()
}

func (h *CountingHook) OnSuccess(context.Context, worker.Event) {
	h.mu.Lock()
	h.succeeded++
	h.mu.Unlock()
}

func (h *CountingHook) OnRetry(context.Context, worker.Event) {
	h.mu.Lock()
	h.retried++
	h.mu.Unlock()
}

func (h *CountingHook) OnFailure(context.Context, worker.Event) {
	h.mu.Lock()
	h.failed++
	h.mu.Unlock()
}

func (h *CountingHook) Counts() Counts {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Counts{Started: h.started, Succeeded: h.succeeded, Retried: h.retried, Failed: h.failed}
}

var _ worker.Hook = (*CountingHook)(nil)
