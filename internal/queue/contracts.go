package queue

import (
	"context"
	"errors"
	"time"

	"github.com/iago/claims-intake-back/internal/domain"
)

var ErrQueueClosed = errors.New("queue is closed")

// Producer sends work items to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, item domain.WorkItem) error
}

// Handler executes work items. Perform returning an error for which
// ShouldRetry is true schedules another attempt; after the last allowed
// attempt the queue calls OnExhausted exactly once.
type Handler interface {
	Perform(ctx context.Context, item domain.WorkItem) error
	OnExhausted(ctx context.Context, item domain.WorkItem, err error)
}

// Consumer receives work items and executes them with handler.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

// ShouldRetry reports whether err asks for another attempt. Errors opt in by
// implementing Retryable() bool.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var retryable interface{ Retryable() bool }
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}
	return false
}

// RetryPolicy bounds attempts and spaces them with capped exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 14
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Minute
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Delay returns the wait before the given retry, where failures is the
// number of attempts that already failed.
func (p RetryPolicy) Delay(failures int) time.Duration {
	if failures <= 1 {
		return p.BaseDelay
	}
	delay := p.BaseDelay
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay <= 0 {
			return p.MaxDelay
		}
	}
	return delay
}

// outcome is what a consumer does with an item after one Perform call.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeExhausted
)

// settle runs one attempt and advances item.Attempt on retryable failures.
func settle(ctx context.Context, handler Handler, policy RetryPolicy, item *domain.WorkItem) (outcome, error) {
	err := handler.Perform(ctx, *item)
	if err == nil || !ShouldRetry(err) {
		return outcomeDone, err
	}
	item.Attempt++
	if item.Attempt >= policy.MaxAttempts {
		handler.OnExhausted(ctx, *item, err)
		return outcomeExhausted, err
	}
	return outcomeRetry, err
}
