// Package telemetry provides the observability plumbing of the harvester:
// per-attempt HTTP request records, zerolog-backed request and error logs
// written next to the NDJSON output, and lock-light counters for resources
// and requests.
package telemetry

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// RedactedValue replaces secrets in logged headers and form bodies.
const RedactedValue = "*****"

// RequestRecord describes a single HTTP attempt, successful or not.
type RequestRecord struct {
	Method          string
	URL             string
	Attempt         int
	Status          int
	StatusText      string
	Duration        time.Duration
	RequestHeaders  http.Header
	ResponseHeaders http.Header
	// Body is only set for requests whose payload is worth keeping, such as
	// the token request form with its assertion redacted.
	Body string
	Err  error
}

// Observer receives a RequestRecord for every attempt made by an HTTP
// client. Implementations must be safe for concurrent use.
type Observer interface {
	ObserveRequest(rec RequestRecord)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(rec RequestRecord)

// ObserveRequest implements Observer.
func (f ObserverFunc) ObserveRequest(rec RequestRecord) { f(rec) }

// Nop is an Observer that drops every record.
var Nop Observer = ObserverFunc(func(RequestRecord) {})

// SanitizeHeaders returns a copy of h with credentials redacted.
func SanitizeHeaders(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := h.Clone()
	for _, k := range []string{"Authorization", "Proxy-Authorization"} {
		if out.Get(k) != "" {
			out.Set(k, RedactedValue)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Counters
// ---------------------------------------------------------------------------

// Counters tracks downloaded resources per type plus request and failure
// totals for one harvest run.
type Counters struct {
	mu      sync.RWMutex
	items   map[string]*int64
	started time.Time

	requests atomic.Int64
	failures atomic.Int64
}

// NewCounters creates an empty counter set whose clock starts now.
func NewCounters() *Counters {
	return &Counters{items: make(map[string]*int64), started: time.Now()}
}

// Inc adds one to the counter for key.
func (c *Counters) Inc(key string) {
	c.Add(key, 1)
}

// Add adds delta to the counter for key.
func (c *Counters) Add(key string, delta int64) {
	c.mu.RLock()
	p, ok := c.items[key]
	c.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, delta)
		return
	}
	c.mu.Lock()
	p, ok = c.items[key]
	if !ok {
		v := delta
		c.items[key] = &v
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	atomic.AddInt64(p, delta)
}

// Get returns the counter for key, or zero.
func (c *Counters) Get(key string) int64 {
	c.mu.RLock()
	p, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

// Total returns the sum of all keyed counters.
func (c *Counters) Total() int64 {
	var sum int64
	for _, v := range c.Snapshot() {
		sum += v
	}
	return sum
}

// Snapshot copies the current keyed counters.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := make(map[string]int64, len(c.items))
	for k, p := range c.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// Keys returns the counter keys in lexical order.
func (c *Counters) Keys() []string {
	snap := c.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetRequests records the number of HTTP attempts made so far.
func (c *Counters) SetRequests(n int64) { c.requests.Store(n) }

// Requests returns the last value given to SetRequests.
func (c *Counters) Requests() int64 { return c.requests.Load() }

// Fail counts a failed download task.
func (c *Counters) Fail() { c.failures.Add(1) }

// Failures returns the number of failed download tasks.
func (c *Counters) Failures() int64 { return c.failures.Load() }

// Elapsed returns the time since the counters were created.
func (c *Counters) Elapsed() time.Duration { return time.Since(c.started) }

// Throughput returns resources per minute over elapsed.
func Throughput(resources int64, elapsed time.Duration) float64 {
	minutes := elapsed.Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(resources) / minutes
}
