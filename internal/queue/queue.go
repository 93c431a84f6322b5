// Package queue provides the named FIFO queues that carry task ids between
// the decider and workers. Queues support per-item visibility delays, an
// unacked holding area with a visibility timer, and idempotent inserts.
package queue

import (
	"context"
	"strings"
	"time"

	"github.com/petrijr/maestro/pkg/api"
)

// DomainSeparator splits the task type from the domain in a queue name.
// It is part of the wire contract shared by producers and consumers.
const DomainSeparator = ":"

// Name builds the queue name for a task type, optionally scoped to a
// domain.
func Name(taskType, domain string) string {
	if domain == "" {
		return taskType
	}
	return taskType + DomainSeparator + domain
}

// NameOf returns the queue name a task belongs to.
func NameOf(t *api.Task) string {
	return Name(string(t.Type), t.Domain)
}

// WithoutDomain strips the domain suffix from a queue name.
func WithoutDomain(queueName string) string {
	if i := strings.Index(queueName, DomainSeparator); i >= 0 {
		return queueName[:i]
	}
	return queueName
}

// Queue is an abstract FIFO with named queues and delayed visibility.
//
// Items popped from a queue move to an unacked holding area and become
// visible again after the visibility timeout unless acked first. A task id
// is present in its queue iff the task is SCHEDULED or awaiting a callback.
type Queue interface {
	// Push appends id; it becomes visible after delay.
	Push(ctx context.Context, queueName, id string, delay time.Duration) error

	// PushIfNotExists appends id only when it is not already present,
	// visible or unacked. Reports whether an insert happened.
	PushIfNotExists(ctx context.Context, queueName, id string, delay time.Duration) (bool, error)

	// Pop blocks up to timeout, or until count items are available, and
	// returns the claimed ids. It may return fewer than count on timeout.
	// Claimed items are unacked until Ack or visibility expiry.
	Pop(ctx context.Context, queueName string, count int, timeout time.Duration) ([]string, error)

	// Ack removes id from the unacked area. False when id is unknown.
	Ack(ctx context.Context, queueName, id string) (bool, error)

	// Remove deletes id from both the visible queue and the unacked area.
	Remove(ctx context.Context, queueName, id string) error

	// Exists reports whether id is present, visible or unacked.
	Exists(ctx context.Context, queueName, id string) (bool, error)

	// Size returns the number of visible items.
	Size(ctx context.Context, queueName string) (int, error)

	// QueuesDetail returns the visible size of every known queue.
	QueuesDetail(ctx context.Context) (map[string]int, error)

	// ProcessUnacks returns expired unacked items to the visible queue.
	ProcessUnacks(ctx context.Context, queueName string) error
}
