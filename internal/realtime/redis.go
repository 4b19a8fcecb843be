package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/syllogic-ai/genai-datavis-sub001/internal/config"
	"github.com/syllogic-ai/genai-datavis-sub001/internal/models"
)

// Redis implements Channel, JobChannel, and Broadcast over Redis pub/sub.
// Each instance carries a unique origin id so mirror broadcasts it writes
// are filtered out of its own Listen feed.
type Redis struct {
	client *redis.Client
	origin string
}

// NewRedis builds a realtime handle from config.
func NewRedis(cfg config.Config) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisWithClient(client)
}

// NewRedisWithClient wraps an existing client (tests use miniredis here).
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		origin: uuid.New().String(),
	}
}

// Origin returns this handle's instance id.
func (r *Redis) Origin() string {
	return r.origin
}

func eventChannel(dashboardID string) string {
	return fmt.Sprintf("dashboard:%s:events", dashboardID)
}

func seqKey(dashboardID string) string {
	return fmt.Sprintf("dashboard:%s:seq", dashboardID)
}

func mirrorChannel(dashboardID string) string {
	return fmt.Sprintf("dashboard-%s-updated", dashboardID)
}

func jobChannel(jobID string) string {
	return fmt.Sprintf("job:%s:events", jobID)
}

// PublishEvent assigns the next per-dashboard sequence number and fans the
// event out to all subscribers. It returns the assigned sequence.
func (r *Redis) PublishEvent(ctx context.Context, dashboardID string, ev Event) (uint64, error) {
	seq, err := r.client.Incr(ctx, seqKey(dashboardID)).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate event seq: %w", err)
	}
	ev.Seq = uint64(seq)
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, eventChannel(dashboardID), payload).Err(); err != nil {
		return 0, fmt.Errorf("publish event: %w", err)
	}
	return ev.Seq, nil
}

// PublishJob fans a job row update out to its subscribers.
func (r *Redis) PublishJob(ctx context.Context, job models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := r.client.Publish(ctx, jobChannel(job.ID), payload).Err(); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Publish writes a mirror payload for sibling contexts on the dashboard.
func (r *Redis) Publish(ctx context.Context, dashboardID string, m Mirror) error {
	if m.Origin == "" {
		m.Origin = r.origin
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mirror: %w", err)
	}
	if err := r.client.Publish(ctx, mirrorChannel(dashboardID), payload).Err(); err != nil {
		return fmt.Errorf("publish mirror: %w", err)
	}
	return nil
}

// Subscribe opens the primary change feed for a dashboard.
func (r *Redis) Subscribe(ctx context.Context, dashboardID string, onEvent func(Event), onStatus func(bool)) (Subscription, error) {
	return r.listen(ctx, eventChannel(dashboardID), onStatus, func(payload string) {
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return
		}
		onEvent(ev)
	})
}

// SubscribeJob opens the update feed for one job id.
func (r *Redis) SubscribeJob(ctx context.Context, jobID string, onUpdate func(models.Job)) (Subscription, error) {
	return r.listen(ctx, jobChannel(jobID), nil, func(payload string) {
		var job models.Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return
		}
		onUpdate(job)
	})
}

// Listen opens the mirror feed, skipping this handle's own broadcasts.
func (r *Redis) Listen(ctx context.Context, dashboardID string, onMirror func(Mirror)) (Subscription, error) {
	return r.listen(ctx, mirrorChannel(dashboardID), nil, func(payload string) {
		var m Mirror
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return
		}
		if m.Origin == r.origin {
			return
		}
		onMirror(m)
	})
}

func (r *Redis) listen(ctx context.Context, channel string, onStatus func(bool), deliver func(payload string)) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		if onStatus != nil {
			onStatus(false)
		}
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	if onStatus != nil {
		onStatus(true)
	}
	go func() {
		for msg := range ps.Channel() {
			deliver(msg.Payload)
		}
		if onStatus != nil {
			onStatus(false)
		}
	}()
	return &pubsubHandle{ps: ps}, nil
}

type pubsubHandle struct {
	ps   *redis.PubSub
	once sync.Once
	err  error
}

func (h *pubsubHandle) Close() error {
	h.once.Do(func() {
		h.err = h.ps.Close()
	})
	return h.err
}
