package cqrs

import (
	"context"
	"errors"
	"sync"
)

var errSchedulerClosed = errors.New("stream scheduler is closed")

// streamScheduler serializes work per aggregate id while letting
// different aggregates proceed in parallel. All load-mutate-save cycles
// for one aggregate run in submission order on a dedicated worker.
type streamScheduler struct {
	mu      sync.Mutex
	workers map[string]*streamWorker
	closed  bool
	pending sync.WaitGroup
	buffer  int
}

type streamWorker struct {
	tasks chan *streamTask
}

type streamTask struct {
	fn   func() error
	done chan error
}

func newStreamScheduler(buffer int) *streamScheduler {
	if buffer <= 0 {
		buffer = 64
	}
	return &streamScheduler{
		workers: make(map[string]*streamWorker),
		buffer:  buffer,
	}
}

// do runs fn for the given aggregate id, blocking until it finishes.
// Calls for the same id never overlap. A cancelled context abandons the
// wait; an already enqueued task still executes.
func (s *streamScheduler) do(ctx context.Context, aggregateID string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSchedulerClosed
	}
	s.pending.Add(1)
	w, ok := s.workers[aggregateID]
	if !ok {
		w = &streamWorker{tasks: make(chan *streamTask, s.buffer)}
		s.workers[aggregateID] = w
		go func() {
			for t := range w.tasks {
				t.done <- t.fn()
			}
		}()
	}
	s.mu.Unlock()

	t := &streamTask{fn: fn, done: make(chan error, 1)}

	select {
	case w.tasks <- t:
	case <-ctx.Done():
		s.pending.Done()
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		s.pending.Done()
		return err
	case <-ctx.Done():
		s.pending.Done()
		return ctx.Err()
	}
}

// close stops accepting work and drains the per-stream queues.
func (s *streamScheduler) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.pending.Wait()

	s.mu.Lock()
	for _, w := range s.workers {
		close(w.tasks)
	}
	s.workers = nil
	s.mu.Unlock()
}
