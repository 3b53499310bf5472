package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/iago/claims-intake-back/internal/domain"
	"github.com/redis/go-redis/v9"
)

type StreamsConfig struct {
	Addr       string
	Password   string
	DB         int
	Stream     string
	DLQStream  string
	DelayedSet string
	Group      string
	Consumer   string
	Retry      RetryPolicy
	// Block bounds each XREADGROUP wait and therefore how late a delayed
	// retry can be promoted.
	Block time.Duration
	// ClaimIdle is how long a delivered but unacknowledged entry may sit
	// before another consumer takes it over.
	ClaimIdle time.Duration
}

// StreamsQueue implements Producer+Consumer backed by Redis Streams. Retries
// wait in a sorted set scored by due time and are promoted back into the
// stream by consumers.
type StreamsQueue struct {
	client     *redis.Client
	stream     string
	dlqStream  string
	delayedSet string
	group      string
	consumer   string
	policy     RetryPolicy
	block      time.Duration
	claimIdle  time.Duration
	logger     *log.Logger
	now        func() time.Time
}

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig, logger *log.Logger) (*StreamsQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	queue := newStreamsQueue(client, cfg, logger)
	if err := queue.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return queue, nil
}

func newStreamsQueue(client *redis.Client, cfg StreamsConfig, logger *log.Logger) *StreamsQueue {
	if cfg.Stream == "" {
		cfg.Stream = "claim_submissions"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = cfg.Stream + "_dlq"
	}
	if cfg.DelayedSet == "" {
		cfg.DelayedSet = cfg.Stream + "_delayed"
	}
	if cfg.Group == "" {
		cfg.Group = "submission_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 5 * time.Minute
	}
	return &StreamsQueue{
		client:     client,
		stream:     cfg.Stream,
		dlqStream:  cfg.DLQStream,
		delayedSet: cfg.DelayedSet,
		group:      cfg.Group,
		consumer:   cfg.Consumer,
		policy:     cfg.Retry.withDefaults(),
		block:      cfg.Block,
		claimIdle:  cfg.ClaimIdle,
		logger:     logger,
		now:        time.Now,
	}
}

func (q *StreamsQueue) Close() error {
	return q.client.Close()
}

func (q *StreamsQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// DeadLetter is one entry of the dead-letter stream.
type DeadLetter struct {
	StreamID   string
	WorkItemID string
	ClaimID    string
	Channel    string
	Attempt    string
	Error      string
	MovedAt    string
}

// DeadLetters returns up to count dead-letter entries, oldest first.
func (q *StreamsQueue) DeadLetters(ctx context.Context, count int64) ([]DeadLetter, error) {
	if count <= 0 {
		count = 50
	}
	messages, err := q.client.XRangeN(ctx, q.dlqStream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read dlq: %w", err)
	}
	letters := make([]DeadLetter, 0, len(messages))
	for _, message := range messages {
		letters = append(letters, DeadLetter{
			StreamID:   message.ID,
			WorkItemID: stringValue(message.Values["work_item_id"]),
			ClaimID:    stringValue(message.Values["claim_id"]),
			Channel:    stringValue(message.Values["channel"]),
			Attempt:    stringValue(message.Values["attempt"]),
			Error:      stringValue(message.Values["error"]),
			MovedAt:    stringValue(message.Values["moved_at"]),
		})
	}
	return letters, nil
}

func (q *StreamsQueue) Enqueue(ctx context.Context, item domain.WorkItem) error {
	values, err := encodeWorkItem(item)
	if err != nil {
		return err
	}
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: values}).Result(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return ErrQueueClosed
		}
		return fmt.Errorf("enqueue to stream: %w", err)
	}
	return nil
}

func (q *StreamsQueue) Consume(ctx context.Context, handler Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := q.promoteDue(ctx); err != nil {
			return err
		}

		messages, err := q.claimStale(ctx)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			messages, err = q.read(ctx)
			if err != nil {
				return err
			}
		}

		for _, message := range messages {
			q.handle(ctx, handler, message)
		}
	}
}

func (q *StreamsQueue) read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    10,
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	messages := make([]redis.XMessage, 0)
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return messages, nil
}

// claimStale takes over entries another consumer read but never
// acknowledged, e.g. because its process died mid-attempt.
func (q *StreamsQueue) claimStale(ctx context.Context) ([]redis.XMessage, error) {
	messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	return messages, nil
}

func (q *StreamsQueue) handle(ctx context.Context, handler Handler, message redis.XMessage) {
	item, parseErr := decodeWorkItem(message)
	if parseErr != nil {
		q.logError(q.sendToDLQ(ctx, domain.WorkItem{}, message.ID, parseErr.Error()))
		q.logError(q.ackAndDelete(ctx, message.ID))
		return
	}

	result, err := settle(ctx, handler, q.policy, &item)
	switch result {
	case outcomeDone:
		if err != nil && q.logger != nil {
			q.logger.Printf("streams queue dropped work item work_item_id=%s err=%v", item.ID, err)
		}
	case outcomeExhausted:
		q.logError(q.sendToDLQ(ctx, item, message.ID, err.Error()))
	case outcomeRetry:
		if delayErr := q.enqueueDelayed(ctx, item, q.policy.Delay(item.Attempt)); delayErr != nil {
			q.logError(q.sendToDLQ(ctx, item, message.ID, fmt.Sprintf("requeue failed: %v", delayErr)))
		}
	}
	q.logError(q.ackAndDelete(ctx, message.ID))
}

func (q *StreamsQueue) enqueueDelayed(ctx context.Context, item domain.WorkItem, delay time.Duration) error {
	member, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode delayed work item: %w", err)
	}
	due := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.delayedSet, redis.Z{Score: float64(due), Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

// promoteDue moves retries whose due time has passed back into the stream.
// ZREM decides which consumer owns a member when several race for it.
func (q *StreamsQueue) promoteDue(ctx context.Context) error {
	members, err := q.client.ZRangeByScore(ctx, q.delayedSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("read delayed retries: %w", err)
	}

	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.delayedSet, member).Result()
		if err != nil {
			return fmt.Errorf("claim delayed retry: %w", err)
		}
		if removed == 0 {
			continue
		}
		var item domain.WorkItem
		if err := json.Unmarshal([]byte(member), &item); err != nil {
			q.logError(q.sendToDLQ(ctx, domain.WorkItem{}, "", fmt.Sprintf("invalid delayed member: %v", err)))
			continue
		}
		if err := q.Enqueue(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamsQueue) sendToDLQ(ctx context.Context, item domain.WorkItem, streamID, errorMessage string) error {
	body, _ := json.Marshal(item)
	values := map[string]any{
		"stream_id":    streamID,
		"work_item_id": item.ID,
		"claim_id":     item.ClaimID,
		"channel":      string(item.Channel),
		"attempt":      item.Attempt,
		"body":         string(body),
		"error":        errorMessage,
		"moved_at":     q.now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Result(); err != nil {
		return fmt.Errorf("send to dlq: %w", err)
	}
	return nil
}

func (q *StreamsQueue) logError(err error) {
	if err != nil && q.logger != nil {
		q.logger.Printf("streams queue error: %v", err)
	}
}

func encodeWorkItem(item domain.WorkItem) (map[string]any, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode work item: %w", err)
	}
	return map[string]any{
		"work_item_id": item.ID,
		"attempt":      item.Attempt,
		"body":         string(body),
	}, nil
}

func decodeWorkItem(message redis.XMessage) (domain.WorkItem, error) {
	raw, ok := message.Values["body"]
	if !ok {
		return domain.WorkItem{}, errors.New("missing field body")
	}
	body := stringValue(raw)

	var item domain.WorkItem
	if err := json.Unmarshal([]byte(body), &item); err != nil {
		return domain.WorkItem{}, fmt.Errorf("invalid body: %w", err)
	}
	if item.ID == "" || item.ClaimID == "" {
		return domain.WorkItem{}, errors.New("work item id and claim id are required")
	}
	return item, nil
}

func stringValue(raw any) string {
	switch casted := raw.(type) {
	case nil:
		return ""
	case string:
		return casted
	case []byte:
		return string(casted)
	default:
		return fmt.Sprintf("%v", casted)
	}
}
