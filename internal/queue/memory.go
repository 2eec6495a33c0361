package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/fillindexer/internal/domain"
)

// MemoryQueue is an in-process JobPublisher and JobSource. Failed jobs are
// redelivered up to maxDeliveries times and then moved to the dead list.
type MemoryQueue struct {
	mu            sync.Mutex
	queues        map[domain.QueueName]chan domain.Job
	dead          []domain.Job
	maxDeliveries int
	buffer        int
	now           func() time.Time
}

// NewMemoryQueue creates a MemoryQueue with the given per-queue buffer.
func NewMemoryQueue(buffer, maxDeliveries int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 1024
	}
	if maxDeliveries <= 0 {
		maxDeliveries = 1
	}
	return &MemoryQueue{
		queues:        make(map[domain.QueueName]chan domain.Job),
		maxDeliveries: maxDeliveries,
		buffer:        buffer,
		now:           time.Now,
	}
}

func (q *MemoryQueue) channel(name domain.QueueName) chan domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[name]
	if !ok {
		ch = make(chan domain.Job, q.buffer)
		q.queues[name] = ch
	}
	return ch
}

// Publish enqueues a job. It fails with domain.ErrQueueFull instead of
// blocking when the queue buffer is full.
func (q *MemoryQueue) Publish(ctx context.Context, queue domain.QueueName, name domain.JobName, payload any, opts ...domain.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job, err := NewJob(queue, name, payload, q.now(), opts...)
	if err != nil {
		return err
	}
	select {
	case q.channel(job.Queue) <- job:
		return nil
	default:
		return fmt.Errorf("queue: %s: %d jobs waiting: %w", queue, q.buffer, domain.ErrQueueFull)
	}
}

// Consume delivers jobs from queue to fn until ctx is done. Failed jobs are
// retried by this consumer ahead of new ones.
func (q *MemoryQueue) Consume(ctx context.Context, queue domain.QueueName, fn func(context.Context, domain.Job) error) error {
	ch := q.channel(queue)
	var retry []domain.Job
	for {
		var job domain.Job
		if len(retry) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			job, retry = retry[0], retry[1:]
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case job = <-ch:
			}
		}

		job.Attempt++
		err := fn(ctx, job)
		if err == nil {
			continue
		}
		if IsPermanent(err) || job.Attempt >= q.maxDeliveries {
			q.mu.Lock()
			q.dead = append(q.dead, job)
			q.mu.Unlock()
			continue
		}
		retry = append(retry, job)
	}
}

// Dead returns a copy of the dead-lettered jobs.
func (q *MemoryQueue) Dead() []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Job, len(q.dead))
	copy(out, q.dead)
	return out
}

// Len returns the number of jobs waiting in queue.
func (q *MemoryQueue) Len(queue domain.QueueName) int {
	return len(q.channel(queue))
}

var (
	_ domain.JobPublisher = (*MemoryQueue)(nil)
	_ domain.JobSource    = (*MemoryQueue)(nil)
)
