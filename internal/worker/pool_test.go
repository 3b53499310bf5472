package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/claims-intake-back/internal/domain"
	"github.com/iago/claims-intake-back/internal/queue"
)

type countingHandler struct {
	performed atomic.Int32
}

func (h *countingHandler) Perform(context.Context, domain.WorkItem) error {
	h.performed.Add(1)
	return nil
}

func (h *countingHandler) OnExhausted(context.Context, domain.WorkItem, error) {}

type flakyConsumer struct {
	mu    sync.Mutex
	calls int
}

func (c *flakyConsumer) Consume(ctx context.Context, handler queue.Handler) error {
	c.mu.Lock()
	c.calls++
	first := c.calls == 1
	c.mu.Unlock()
	if first {
		return errors.New("connection reset")
	}
	_ = handler.Perform(ctx, domain.WorkItem{ID: "wi"})
	<-ctx.Done()
	return ctx.Err()
}

func TestPoolRestartsConsumeAfterError(t *testing.T) {
	consumer := &flakyConsumer{}
	handler := &countingHandler{}
	pool := NewPool(consumer, handler, 1, nil)
	pool.restartDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for handler.performed.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if handler.performed.Load() != 1 {
		t.Fatalf("expected consume to be restarted and perform once, got %d", handler.performed.Load())
	}
}

func TestPoolRunsConcurrentLoops(t *testing.T) {
	local := queue.NewLocalQueue(32, queue.RetryPolicy{}, nil)
	handler := &countingHandler{}
	pool := NewPool(local, handler, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Start(ctx)
		close(done)
	}()

	for i := 0; i < 20; i++ {
		if err := local.Enqueue(context.Background(), domain.WorkItem{ID: "wi", ClaimID: "c"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for handler.performed.Load() < 20 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if handler.performed.Load() != 20 {
		t.Fatalf("expected 20 items performed, got %d", handler.performed.Load())
	}
}
