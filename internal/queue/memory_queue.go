package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue implementation. It is the default for
// tests and single-process deployments.
type MemoryQueue struct {
	mu                sync.Mutex
	queues            map[string]*memQueue
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	clock             func() time.Time
}

type memQueue struct {
	visible map[string]*memMessage
	unacked map[string]*memMessage
	seq     int64
}

type memMessage struct {
	id        string
	visibleAt time.Time
	deadline  time.Time // unacked expiry
	seq       int64
}

// NewMemoryQueue constructs a MemoryQueue. A non-positive visibilityTimeout
// defaults to 30 seconds.
func NewMemoryQueue(visibilityTimeout time.Duration) *MemoryQueue {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}
	return &MemoryQueue{
		queues:            make(map[string]*memQueue),
		visibilityTimeout: visibilityTimeout,
		pollInterval:      20 * time.Millisecond,
		clock:             time.Now,
	}
}

// Ensure MemoryQueue implements Queue.
var _ Queue = (*MemoryQueue)(nil)

func (q *MemoryQueue) queue(name string) *memQueue {
	mq, ok := q.queues[name]
	if !ok {
		mq = &memQueue{
			visible: make(map[string]*memMessage),
			unacked: make(map[string]*memMessage),
		}
		q.queues[name] = mq
	}
	return mq
}

func (q *MemoryQueue) Push(ctx context.Context, queueName, id string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mq := q.queue(queueName)
	mq.seq++
	mq.visible[id] = &memMessage{
		id:        id,
		visibleAt: q.clock().Add(delay),
		seq:       mq.seq,
	}
	delete(mq.unacked, id)
	return nil
}

func (q *MemoryQueue) PushIfNotExists(ctx context.Context, queueName, id string, delay time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	mq := q.queue(queueName)
	if _, ok := mq.visible[id]; ok {
		return false, nil
	}
	if _, ok := mq.unacked[id]; ok {
		return false, nil
	}
	mq.seq++
	mq.visible[id] = &memMessage{
		id:        id,
		visibleAt: q.clock().Add(delay),
		seq:       mq.seq,
	}
	return true, nil
}

func (q *MemoryQueue) Pop(ctx context.Context, queueName string, count int, timeout time.Duration) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	deadline := q.clock().Add(timeout)
	var claimed []string

	for {
		select {
		case <-ctx.Done():
			return claimed, ctx.Err()
		default:
		}

		claimed = append(claimed, q.claim(queueName, count-len(claimed))...)
		if len(claimed) >= count {
			return claimed, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return claimed, nil
		}
		wait := q.pollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return claimed, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// claim moves up to n currently visible messages to the unacked area,
// oldest first, and returns their ids.
func (q *MemoryQueue) claim(queueName string, n int) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	mq := q.queue(queueName)

	ready := make([]*memMessage, 0, len(mq.visible))
	for _, m := range mq.visible {
		if !m.visibleAt.After(now) {
			ready = append(ready, m)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].visibleAt.Equal(ready[j].visibleAt) {
			return ready[i].seq < ready[j].seq
		}
		return ready[i].visibleAt.Before(ready[j].visibleAt)
	})
	if len(ready) > n {
		ready = ready[:n]
	}

	ids := make([]string, 0, len(ready))
	for _, m := range ready {
		delete(mq.visible, m.id)
		m.deadline = now.Add(q.visibilityTimeout)
		mq.unacked[m.id] = m
		ids = append(ids, m.id)
	}
	return ids
}

func (q *MemoryQueue) Ack(ctx context.Context, queueName, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	mq := q.queue(queueName)
	if _, ok := mq.unacked[id]; !ok {
		return false, nil
	}
	delete(mq.unacked, id)
	return true, nil
}

func (q *MemoryQueue) Remove(ctx context.Context, queueName, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mq := q.queue(queueName)
	delete(mq.visible, id)
	delete(mq.unacked, id)
	return nil
}

func (q *MemoryQueue) Exists(ctx context.Context, queueName, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	mq := q.queue(queueName)
	if _, ok := mq.visible[id]; ok {
		return true, nil
	}
	_, ok := mq.unacked[id]
	return ok, nil
}

func (q *MemoryQueue) Size(ctx context.Context, queueName string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue(queueName).visible), nil
}

func (q *MemoryQueue) QueuesDetail(ctx context.Context) (map[string]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	detail := make(map[string]int, len(q.queues))
	for name, mq := range q.queues {
		detail[name] = len(mq.visible)
	}
	return detail, nil
}

func (q *MemoryQueue) ProcessUnacks(ctx context.Context, queueName string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	mq := q.queue(queueName)
	for id, m := range mq.unacked {
		if m.deadline.After(now) {
			continue
		}
		delete(mq.unacked, id)
		m.visibleAt = now
		mq.seq++
		m.seq = mq.seq
		mq.visible[id] = m
	}
	return nil
}
