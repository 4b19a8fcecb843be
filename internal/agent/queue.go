package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue hands agent job ids from the API to the runner over a Redis list.
type Queue struct {
	client *redis.Client
	key    string
}

// NewQueue builds a queue on the given list key.
func NewQueue(client *redis.Client, key string) *Queue {
	if key == "" {
		key = "agent:jobs"
	}
	return &Queue{client: client, key: key}
}

// Enqueue appends a job id for the runner.
func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	if err := q.client.RPush(ctx, q.key, jobID).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next job id. An empty string with a
// nil error means the wait timed out.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
