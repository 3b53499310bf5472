package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/iago/claims-intake-back/internal/domain"
)

// LocalQueue is an in-process queue used when Redis is not configured.
type LocalQueue struct {
	ch     chan domain.WorkItem
	policy RetryPolicy
	logger *log.Logger

	mu     sync.Mutex
	closed bool
	dlq    []domain.WorkItem
}

func NewLocalQueue(bufferSize int, policy RetryPolicy, logger *log.Logger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	return &LocalQueue{
		ch:     make(chan domain.WorkItem, bufferSize),
		policy: policy.withDefaults(),
		logger: logger,
		dlq:    make([]domain.WorkItem, 0),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, item domain.WorkItem) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- item:
		return nil
	}
}

// Close rejects further enqueues. Items already buffered are still consumed.
func (q *LocalQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *LocalQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-q.ch:
			result, err := settle(ctx, handler, q.policy, &item)
			switch result {
			case outcomeDone:
				if err != nil && q.logger != nil {
					q.logger.Printf("local queue dropped work item work_item_id=%s err=%v", item.ID, err)
				}
			case outcomeExhausted:
				q.mu.Lock()
				q.dlq = append(q.dlq, item)
				q.mu.Unlock()
				if q.logger != nil {
					q.logger.Printf("local queue moved work item to DLQ work_item_id=%s attempts=%d err=%v", item.ID, item.Attempt, err)
				}
			case outcomeRetry:
				q.scheduleRetry(ctx, item, q.policy.Delay(item.Attempt))
			}
		}
	}
}

func (q *LocalQueue) scheduleRetry(ctx context.Context, item domain.WorkItem, delay time.Duration) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		select {
		case <-ctx.Done():
		case q.ch <- item:
		}
	}()
}

func (q *LocalQueue) DLQ() []domain.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.WorkItem(nil), q.dlq...)
}

func (q *LocalQueue) DLQSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dlq)
}
