// Package queue defines the work-queue collaborator used by the enqueue
// dispatch path. The queue is keyed by a stable job id equal to the item id,
// so a duplicate enqueue of the same id is a no-op at the queue level; this
// is the second layer of the claim dedup invariant (the first is the
// conditional markQueued update in the store).
package queue

import (
	"context"
	"errors"
	"sync"
)

// Job is one unit of queued work. ID equals the pipeline item id.
type Job struct {
	ID    string
	RunID string
	Kind  string
}

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("queue is closed")

// Queue is the minimal contract the dispatcher needs. The wire binding to an
// external broker stays behind this interface.
type Queue interface {
	// Enqueue pushes a job keyed by its id. Returns false when a job with
	// the same id is already pending or in flight (duplicate, dropped).
	Enqueue(ctx context.Context, job Job) (bool, error)
	// Dequeue blocks until a job is available, the context is done, or the
	// queue is closed.
	Dequeue(ctx context.Context) (Job, error)
	// Ack releases the job id so a later enqueue of the same item (e.g., a
	// retry cycle) is accepted again.
	Ack(id string)
	// Close shuts the queue down; pending Dequeue calls return ErrClosed.
	Close()
}

// Keyed is an in-process Queue with id-keyed deduplication.
type Keyed struct {
	mu      sync.Mutex
	pending map[string]struct{}
	ch      chan Job
	closed  bool
}

// NewKeyed creates an in-process queue with the given buffer size.
func NewKeyed(buffer int) *Keyed {
	if buffer <= 0 {
		buffer = 256
	}
	return &Keyed{
		pending: make(map[string]struct{}),
		ch:      make(chan Job, buffer),
	}
}

var _ Queue = (*Keyed)(nil)

func (q *Keyed) Enqueue(ctx context.Context, job Job) (bool, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrClosed
	}
	if _, dup := q.pending[job.ID]; dup {
		q.mu.Unlock()
		return false, nil
	}
	q.pending[job.ID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.ch <- job:
		return true, nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.pending, job.ID)
		q.mu.Unlock()
		return false, ctx.Err()
	}
}

func (q *Keyed) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job, ok := <-q.ch:
		if !ok {
			return Job{}, ErrClosed
		}
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

func (q *Keyed) Ack(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}

func (q *Keyed) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Len reports the number of ids currently deduplicated (pending + in flight).
func (q *Keyed) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
