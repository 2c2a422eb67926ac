// Package scheduler runs submitted tasks with a fixed concurrency limit.
//
// Tasks beyond the limit wait in a FIFO queue and start strictly in
// submission order as slots free up. Each task reports through its own
// Future; an error or panic in one task never affects the others and always
// releases its slot.
//
//	parse := scheduler.New("parse", 10)
//	futures := make([]*scheduler.Future[*models.ParsedMessage], 0, len(raw))
//	for _, m := range raw {
//		futures = append(futures, scheduler.Submit(parse, ctx, func(ctx context.Context) (*models.ParsedMessage, error) {
//			return parser.Parse(m)
//		}))
//	}
//	for _, f := range futures {
//		msg, err := f.Wait(ctx)
//		...
//	}
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/freightdesk/mailingest/pkg/metrics"
)

// ErrTaskPanicked is wrapped by the error of a task that panicked.
var ErrTaskPanicked = errors.New("scheduler: task panicked")

// Scheduler bounds how many submitted tasks execute at once.
type Scheduler struct {
	name  string
	limit int

	mu      sync.Mutex
	queue   []func()
	running int
}

// New creates a scheduler. A limit below 1 is raised to 1.
func New(name string, limit int) *Scheduler {
	if limit < 1 {
		limit = 1
	}
	return &Scheduler{name: name, limit: limit}
}

func (s *Scheduler) Name() string { return s.name }

// Limit returns the concurrency limit.
func (s *Scheduler) Limit() int { return s.limit }

// InFlight returns the number of tasks currently executing.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Queued returns the number of tasks waiting for a slot.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// enqueue starts run immediately when a slot is free, otherwise appends it to
// the queue. A slot that frees up is handed directly to the queue head, so
// queued work starts in submission order.
func (s *Scheduler) enqueue(run func()) {
	s.mu.Lock()
	if s.running >= s.limit {
		s.queue = append(s.queue, run)
		s.mu.Unlock()
		return
	}
	s.running++
	s.mu.Unlock()

	go s.worker(run)
}

func (s *Scheduler) worker(run func()) {
	gauge := metrics.SchedulerInFlight.WithLabelValues(s.name)
	for {
		gauge.Inc()
		run()
		gauge.Dec()

		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running--
			s.mu.Unlock()
			return
		}
		run = s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
	}
}

// Future is the pending result of a submitted task.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Done is closed once the task has finished.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes or ctx is done. A cancelled wait does
// not stop the task itself.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit queues task on s and returns its Future. ctx is passed through to
// the task unchanged; queued tasks are not cancelled when it is done.
func Submit[T any](s *Scheduler, ctx context.Context, task func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}

	s.enqueue(func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				var zero T
				f.value = zero
				f.err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
				metrics.SchedulerTasks.WithLabelValues(s.name, "panic").Inc()
			}
		}()

		f.value, f.err = task(ctx)
		if f.err != nil {
			metrics.SchedulerTasks.WithLabelValues(s.name, "error").Inc()
		} else {
			metrics.SchedulerTasks.WithLabelValues(s.name, "success").Inc()
		}
	})

	return f
}

// Result pairs a task's value with its error.
type Result[T any] struct {
	Value T
	Err   error
}

// WaitAll waits for every future in order. Results line up with futures.
func WaitAll[T any](ctx context.Context, futures []*Future[T]) []Result[T] {
	results := make([]Result[T], len(futures))
	for i, f := range futures {
		v, err := f.Wait(ctx)
		results[i] = Result[T]{Value: v, Err: err}
	}
	return results
}
