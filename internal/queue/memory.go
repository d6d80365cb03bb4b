// Package queue holds sheets waiting for their first baseline. An id stays
// in the dedupe set from Enqueue until Done, so a sheet is never queued
// twice while it is waiting or being processed.
package queue

import (
	"context"
	"sync"
)

// Memory is a process-local FIFO with a dedupe set.
type Memory struct {
	mu    sync.Mutex
	items []string
	seen  map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{seen: map[string]struct{}{}}
}

func (q *Memory) Enqueue(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.seen[id]; ok {
		return false, nil
	}
	q.seen[id] = struct{}{}
	q.items = append(q.items, id)
	return true, nil
}

// Drain pops up to limit ids in FIFO order.
func (q *Memory) Drain(_ context.Context, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || len(q.items) == 0 {
		return nil, nil
	}
	if limit > len(q.items) {
		limit = len(q.items)
	}
	out := make([]string, limit)
	copy(out, q.items[:limit])
	q.items = q.items[limit:]
	return out, nil
}

func (q *Memory) Done(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.seen, id)
	return nil
}

func (q *Memory) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Recover is a no-op: a fresh process starts with an empty queue and the
// caller re-enqueues pending sheets.
func (q *Memory) Recover(context.Context) error {
	return nil
}

func (q *Memory) Close() error {
	return nil
}
