package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	readyKey     = "cohort:jobs:ready"
	scheduledKey = "cohort:jobs:scheduled"
)

// Queue a redis-backed job queue: a list for ready jobs and a sorted set,
// scored by due time, for retries scheduled in the future.
type Queue struct {
	client *redis.Client
}

func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Push enqueues a job for immediate execution.
func (q *Queue) Push(ctx context.Context, jobType JobType, args interface{}) error {
	return q.push(ctx, jobType, args, 0)
}

func (q *Queue) push(ctx context.Context, jobType JobType, args interface{}, attempt int) error {
	envelope := Envelope{
		ID:        uuid.NewString(),
		Type:      jobType,
		Attempt:   attempt,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal job args: %w", err)
	}
	envelope.Args = raw

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal job envelope: %w", err)
	}
	if err := q.client.LPush(ctx, readyKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to push job: %w", err)
	}
	return nil
}

// PushAfter schedules a retry of the envelope after the delay, bumping its
// attempt counter.
func (q *Queue) PushAfter(ctx context.Context, envelope Envelope, delay time.Duration) error {
	envelope.Attempt++
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal job envelope: %w", err)
	}
	due := time.Now().Add(delay)
	err = q.client.ZAdd(ctx, scheduledKey, &redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: payload,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule job: %w", err)
	}
	return nil
}

// Pop blocks until a ready job arrives or the timeout elapses. Returns
// (nil, nil) on timeout.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	result, err := q.client.BRPop(ctx, timeout, readyKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop job: %w", err)
	}

	var envelope Envelope
	if err := json.Unmarshal([]byte(result[1]), &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job envelope: %w", err)
	}
	return &envelope, nil
}

// PromoteDue moves scheduled jobs whose due time has passed onto the ready
// list. Returns how many were promoted.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	payloads, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read scheduled jobs: %w", err)
	}

	promoted := 0
	for _, payload := range payloads {
		// Remove first so a concurrent promoter cannot double-deliver.
		removed, err := q.client.ZRem(ctx, scheduledKey, payload).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to remove scheduled job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, readyKey, payload).Err(); err != nil {
			return promoted, fmt.Errorf("failed to promote job: %w", err)
		}
		promoted++
	}
	return promoted, nil
}
