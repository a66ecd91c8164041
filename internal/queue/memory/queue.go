// Package memory provides the in-process FIFO of jobs waiting for a slot.
package memory

import (
	"slices"
	"sync"
)

// Queue holds job ids in submission order. It never blocks; admission
// decisions belong to the scheduler.
type Queue struct {
	mu  sync.Mutex
	ids []string
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends jobID and returns its 1-based position.
func (q *Queue) Enqueue(jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, jobID)
	return len(q.ids)
}

// PopFront removes and returns the head of the queue.
func (q *Queue) PopFront() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) == 0 {
		return "", false
	}
	head := q.ids[0]
	q.ids[0] = ""
	q.ids = q.ids[1:]
	return head, true
}

// Position returns the 1-based position of jobID, or 0 if it is not queued.
func (q *Queue) Position(jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Index(q.ids, jobID) + 1
}

// Remove drops jobID from the queue and reports whether it was present.
func (q *Queue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := slices.Index(q.ids, jobID)
	if i < 0 {
		return false
	}
	q.ids = slices.Delete(q.ids, i, i+1)
	return true
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// Snapshot returns the queued ids in order.
func (q *Queue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.ids)
}
