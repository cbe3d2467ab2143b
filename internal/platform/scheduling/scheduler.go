// Package scheduling runs independent tasks with bounded parallelism. Tasks
// are pulled from a FIFO queue by at most P workers; a failing task never
// stops the others.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// Task is a deferred unit of work.
type Task func(ctx context.Context) error

// PanicError wraps a panic recovered from a task.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithContext sets the context handed to every task. It is not used to
// cancel tasks that have already been dispatched.
func WithContext(ctx context.Context) Option {
	return func(s *Scheduler) { s.ctx = ctx }
}

// WithErrorHandler is called (from the worker goroutine) for every task that
// returns an error or panics.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Scheduler) { s.onError = fn }
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	parallel int
	ctx      context.Context
	onError  func(error)

	mu      sync.Mutex
	queue   []Task
	workers int
	handle  *Handle

	completed atomic.Int64
	failed    atomic.Int64
}

// New creates a Scheduler running at most parallel tasks at once. Values
// below 1 are treated as 1.
func New(parallel int, opts ...Option) *Scheduler {
	if parallel < 1 {
		parallel = 1
	}
	s := &Scheduler{parallel: parallel, ctx: context.Background()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add queues tasks. On an idle scheduler it starts up to P workers and
// returns a new Handle; on a running one the tasks are picked up by the
// existing workers and the current Handle is returned.
func (s *Scheduler) Add(tasks ...Task) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tasks {
		if t != nil {
			s.queue = append(s.queue, t)
		}
	}
	if s.handle != nil {
		return s.handle
	}

	h := newHandle()
	if len(s.queue) == 0 {
		h.finish()
		return h
	}
	s.handle = h
	s.workers = min(s.parallel, len(s.queue))
	for i := 0; i < s.workers; i++ {
		go s.work(h)
	}
	return h
}

// Pending returns the number of queued tasks not yet started.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Completed returns the number of tasks that returned nil.
func (s *Scheduler) Completed() int64 { return s.completed.Load() }

// Failed returns the number of tasks that returned an error or panicked.
func (s *Scheduler) Failed() int64 { return s.failed.Load() }

func (s *Scheduler) work(h *Handle) {
	for {
		t, ok := s.next(h)
		if !ok {
			return
		}
		s.run(t, h)
	}
}

// next pops the head of the queue. When the queue is empty the worker exits;
// the last one out resolves the handle.
func (s *Scheduler) next(h *Handle) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) > 0 {
		t := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		return t, true
	}

	s.workers--
	if s.workers == 0 {
		s.handle = nil
		h.finish()
	}
	return nil, false
}

func (s *Scheduler) run(t Task, h *Handle) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				var stack [4096]byte
				n := runtime.Stack(stack[:], false)
				err = &PanicError{Value: r, Stack: string(stack[:n])}
			}
		}()
		return t(s.ctx)
	}()

	if err == nil {
		s.completed.Add(1)
		return
	}
	s.failed.Add(1)
	h.record(err)
	if s.onError != nil {
		s.onError(err)
	}
}

// ---------------------------------------------------------------------------
// Handle
// ---------------------------------------------------------------------------

// Handle resolves once the queue has drained through every worker of the
// run it belongs to, including tasks added while the run was in progress.
type Handle struct {
	done chan struct{}

	mu   sync.Mutex
	errs []error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) finish() { close(h.done) }

func (h *Handle) record(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

// Done is closed when the run completes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run completes and returns the joined task errors.
func (h *Handle) Wait() error {
	<-h.done
	return h.Err()
}

// WaitContext is Wait bounded by ctx. Tasks keep running if ctx ends first.
func (h *Handle) WaitContext(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the errors recorded so far, joined.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return errors.Join(h.errs...)
}
