package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/iago/claims-intake-back/internal/queue"
)

// Pool runs a fixed number of consume loops against one queue. Each loop
// executes one work item at a time to completion.
type Pool struct {
	consumer     queue.Consumer
	handler      queue.Handler
	concurrency  int
	restartDelay time.Duration
	logger       *log.Logger
}

func NewPool(consumer queue.Consumer, handler queue.Handler, concurrency int, logger *log.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		consumer:     consumer,
		handler:      handler,
		concurrency:  concurrency,
		restartDelay: 2 * time.Second,
		logger:       logger,
	}
}

// Start blocks until ctx is cancelled and every loop has returned.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for index := 0; index < p.concurrency; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			p.loop(ctx, index)
		}(index)
	}
	if p.logger != nil {
		p.logger.Printf("worker pool started concurrency=%d", p.concurrency)
	}
	wg.Wait()
}

// loop restarts Consume after unexpected errors.
func (p *Pool) loop(ctx context.Context, index int) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.handler)
		if err == nil || ctx.Err() != nil {
			return
		}
		if p.logger != nil {
			p.logger.Printf("worker consume loop error worker=%d err=%v", index, err)
		}

		timer := time.NewTimer(p.restartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
