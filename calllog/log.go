package calllog

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-deadlines/core"
)

const (
	DefaultCapacity     = 100
	DefaultRecentWindow = 5 * time.Minute
)

type EventKind string

const (
	KindFlowStarted   EventKind = "flow_started"
	KindSimpleCall    EventKind = "simple_call"
	KindFlowWebhook   EventKind = "flow_webhook"
	KindStatusWebhook EventKind = "status_webhook"
	KindDTMFWebhook   EventKind = "dtmf_webhook"
)

type Event struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id,omitempty"`
	PhoneNumber string         `json:"phone_number,omitempty"`
	TransferID  string         `json:"transfer_id,omitempty"`
	Kind        EventKind      `json:"kind"`
	Digits      string         `json:"digits,omitempty"`
	Action      string         `json:"action,omitempty"`
	Processed   bool           `json:"processed"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type Filter struct {
	ExecutionID string
	Phone       string
	TransferID  string
	Limit       int
}

type Stats struct {
	Total          int           `json:"total"`
	Processed      int           `json:"processed"`
	Failed         int           `json:"failed"`
	RecentActivity int           `json:"recent_activity"`
	Capacity       int           `json:"capacity"`
	RecentWindow   time.Duration `json:"recent_window"`
}

type Subscriber func(Event)

type Option func(*Log)

func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

func WithRecentWindow(window time.Duration) Option {
	return func(l *Log) {
		if window > 0 {
			l.recentWindow = window
		}
	}
}

// Log is a bounded ring of call events. The oldest entry is discarded once
// capacity is reached. Readers always receive copies.
type Log struct {
	mu           sync.RWMutex
	entries      []Event
	next         int
	count        int
	seq          int
	recentWindow time.Duration
	now          func() time.Time

	subMu       sync.RWMutex
	subscribers map[int]Subscriber
	subSeq      int
}

func New(capacity int, opts ...Option) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log{
		entries:      make([]Event, capacity),
		recentWindow: DefaultRecentWindow,
		now: func() time.Time {
			return time.Now().UTC()
		},
		subscribers: map[int]Subscriber{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *Log) Capacity() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}

// Append stores event and returns the stored copy with id and timestamp set.
func (l *Log) Append(event Event) Event {
	if l == nil {
		return event
	}
	l.mu.Lock()
	l.seq++
	event.ID = fmt.Sprintf("evt_%d", l.seq)
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	event.ExecutionID = strings.TrimSpace(event.ExecutionID)
	event.PhoneNumber = strings.TrimSpace(event.PhoneNumber)
	event.TransferID = strings.TrimSpace(event.TransferID)
	event.Metadata = copyMetadata(event.Metadata)
	l.entries[l.next] = event
	l.next = (l.next + 1) % len(l.entries)
	if l.count < len(l.entries) {
		l.count++
	}
	stored := cloneEvent(event)
	l.mu.Unlock()

	l.publish(stored)
	return stored
}

// Update applies fn to the entry with id. It returns false once the entry
// has been evicted.
func (l *Log) Update(id string, fn func(*Event)) bool {
	id = strings.TrimSpace(id)
	if l == nil || id == "" || fn == nil {
		return false
	}
	return l.updateWhere(func(e Event) bool { return e.ID == id }, fn)
}

// UpdateByExecution applies fn to the newest entry carrying executionID.
func (l *Log) UpdateByExecution(executionID string, fn func(*Event)) bool {
	executionID = strings.TrimSpace(executionID)
	if l == nil || executionID == "" || fn == nil {
		return false
	}
	return l.updateWhere(func(e Event) bool { return e.ExecutionID == executionID }, fn)
}

func (l *Log) updateWhere(match func(Event) bool, fn func(*Event)) bool {
	l.mu.Lock()
	idx := -1
	for i := 0; i < l.count; i++ {
		pos := l.position(i)
		if match(l.entries[pos]) {
			idx = pos
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return false
	}
	entry := cloneEvent(l.entries[idx])
	id := entry.ID
	fn(&entry)
	entry.ID = id
	l.entries[idx] = entry
	stored := cloneEvent(entry)
	l.mu.Unlock()

	l.publish(stored)
	return true
}

// List returns matching entries newest first.
func (l *Log) List(filter Filter) []Event {
	if l == nil {
		return nil
	}
	phones := phoneSet(filter.Phone)
	executionID := strings.TrimSpace(filter.ExecutionID)
	transferID := strings.TrimSpace(filter.TransferID)

	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, 0, l.count)
	for i := 0; i < l.count; i++ {
		entry := l.entries[l.position(i)]
		if executionID != "" && entry.ExecutionID != executionID {
			continue
		}
		if transferID != "" && entry.TransferID != transferID {
			continue
		}
		if len(phones) > 0 {
			if _, ok := phones[core.NormalizePhone(entry.PhoneNumber)]; !ok {
				continue
			}
		}
		out = append(out, cloneEvent(entry))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

func (l *Log) Stats() Stats {
	if l == nil {
		return Stats{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	stats := Stats{
		Total:        l.count,
		Capacity:     len(l.entries),
		RecentWindow: l.recentWindow,
	}
	cutoff := l.now().Add(-l.recentWindow)
	for i := 0; i < l.count; i++ {
		entry := l.entries[l.position(i)]
		if entry.Error != "" {
			stats.Failed++
		} else if entry.Processed {
			stats.Processed++
		}
		if entry.Timestamp.After(cutoff) {
			stats.RecentActivity++
		}
	}
	return stats
}

// Clear drops every entry and returns how many were removed.
func (l *Log) Clear() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := l.count
	for i := range l.entries {
		l.entries[i] = Event{}
	}
	l.next = 0
	l.count = 0
	return removed
}

// Subscribe registers fn for every append and update. The returned func
// removes the subscription.
func (l *Log) Subscribe(fn Subscriber) func() {
	if l == nil || fn == nil {
		return func() {}
	}
	l.subMu.Lock()
	l.subSeq++
	id := l.subSeq
	l.subscribers[id] = fn
	l.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subscribers, id)
			l.subMu.Unlock()
		})
	}
}

func (l *Log) publish(event Event) {
	l.subMu.RLock()
	subs := make([]Subscriber, 0, len(l.subscribers))
	for _, sub := range l.subscribers {
		subs = append(subs, sub)
	}
	l.subMu.RUnlock()
	for _, sub := range subs {
		sub(cloneEvent(event))
	}
}

// position maps the i-th newest entry to its slot. Callers hold mu.
func (l *Log) position(i int) int {
	size := len(l.entries)
	return ((l.next-1-i)%size + size) % size
}

func phoneSet(raw string) map[string]struct{} {
	normalized := core.NormalizePhone(raw)
	if normalized == "" {
		return nil
	}
	return map[string]struct{}{normalized: {}}
}

func cloneEvent(event Event) Event {
	event.Metadata = copyMetadata(event.Metadata)
	return event
}

func copyMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
