package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tempus/pkg/logger"
	"tempus/pkg/models"
	"tempus/pkg/storage"
)

// Priority bands, highest first. Manual triggers always land in critical;
// job priority 0..10 maps onto the remaining three.
const (
	BandCritical = "critical"
	BandHigh     = "high"
	BandDefault  = "default"
	BandLow      = "low"
)

var bands = [4]string{BandCritical, BandHigh, BandDefault, BandLow}

const (
	streamPrefix  = "jobs:ready:"
	keyDelayed    = "jobs:delayed"
	keyRepeatIdx  = "jobs:repeat:index"
	keyRepeatData = "jobs:repeat:data"
	group         = "workers"
)

func streamKey(band string) string { return streamPrefix + band }

func bandFor(env storage.Envelope) string {
	if env.Kind == models.AttemptManual {
		return BandCritical
	}
	switch {
	case env.Priority >= 7:
		return BandHigh
	case env.Priority >= 3:
		return BandDefault
	default:
		return BandLow
	}
}

// Config holds Redis connection and queue tuning.
type Config struct {
	Addr          string
	Password      string
	DB            int
	PoolSize      int
	MinIdleConns  int
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	PoolTimeout   time.Duration
	MaxRetries    int           // transient-failure retries on enqueue/ack
	PopBlock      time.Duration // how long one Pop waits for new work
	StallInterval time.Duration // idle time before a delivery is reclaimable
}

// DefaultConfig returns production defaults for the given address.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:          addr,
		PoolSize:      100,
		MinIdleConns:  10,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  3 * time.Second,
		PoolTimeout:   4 * time.Second,
		MaxRetries:    3,
		PopBlock:      2 * time.Second,
		StallInterval: 30 * time.Second,
	}
}

// Queue implements storage.SchedulerQueue on Redis Streams: one stream per
// priority band behind a consumer group, a ZSET for delayed visibility, and
// a ZSET+HASH pair for repeatable registrations.
type Queue struct {
	client *redis.Client
	cfg    Config

	mu        sync.Mutex
	buffered  []storage.Delivery
	lastClaim time.Time
}

// NewQueue connects, verifies the connection, and ensures consumer groups.
func NewQueue(cfg Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	q := &Queue{client: client, cfg: cfg}
	if err := q.ensureGroups(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) ensureGroups(ctx context.Context) error {
	for _, band := range bands {
		err := q.client.XGroupCreateMkStream(ctx, streamKey(band), group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group for %s: %w", band, err)
		}
	}
	return nil
}

// retry runs op with capped exponential backoff; exhaustion surfaces the
// queue as unavailable.
func (q *Queue) retry(ctx context.Context, op func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 50 * time.Millisecond
	expo.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(q.cfg.MaxRetries+1)))
	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return nil
}

func envelopeValues(env storage.Envelope) (map[string]interface{}, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return map[string]interface{}{
		"envelope": payload,
		"job_id":   env.JobID.String(),
		"kind":     string(env.Kind),
	}, nil
}

func decodeEnvelope(msg redis.XMessage) (storage.Envelope, error) {
	var env storage.Envelope
	payload, ok := msg.Values["envelope"].(string)
	if !ok {
		return env, fmt.Errorf("message %s: missing envelope payload", msg.ID)
	}
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return env, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	return env, nil
}

// Enqueue makes an envelope immediately visible in its priority band.
func (q *Queue) Enqueue(ctx context.Context, env storage.Envelope) error {
	values, err := envelopeValues(env)
	if err != nil {
		return err
	}
	band := bandFor(env)
	return q.retry(ctx, func() error {
		return q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey(band),
			Values: values,
		}).Err()
	})
}

// EnqueueDelayed hides an envelope until visibleAt; the planner's promote
// loop moves it into its band once due.
func (q *Queue) EnqueueDelayed(ctx context.Context, env storage.Envelope, visibleAt time.Time) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return q.retry(ctx, func() error {
		return q.client.ZAdd(ctx, keyDelayed, redis.Z{
			Score:  float64(visibleAt.UnixMilli()),
			Member: string(payload),
		}).Err()
	})
}

// Pop returns the next visible envelope: locally buffered deliveries first,
// then stalled re-deliveries, then a blocking read across bands in priority
// order. Returns nil when the poll window elapses with nothing available.
func (q *Queue) Pop(ctx context.Context, consumer string) (*storage.Delivery, error) {
	if d := q.takeBuffered(); d != nil {
		return d, nil
	}

	if d, err := q.claimStalled(ctx, consumer); err != nil || d != nil {
		return d, err
	}

	streams := make([]string, 0, len(bands)*2)
	for _, band := range bands {
		streams = append(streams, streamKey(band))
	}
	for range bands {
		streams = append(streams, ">")
	}

	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streams,
		Count:    1,
		Block:    q.cfg.PopBlock,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // poll window elapsed
		}
		return nil, fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}

	// The read can return one entry per band when several have backlog.
	// Deliver the highest band now and buffer the rest; buffered entries
	// are already owned by this consumer, and a crash before they are
	// served is repaired by the stall reclaim.
	var first *storage.Delivery
	for _, band := range bands {
		for _, stream := range res {
			if stream.Stream != streamKey(band) {
				continue
			}
			for _, msg := range stream.Messages {
				d, ok := q.toDelivery(ctx, band, consumer, msg)
				if !ok {
					continue
				}
				if first == nil {
					first = d
				} else {
					q.buffer(*d)
				}
			}
		}
	}
	return first, nil
}

// claimStalled scans bands for deliveries idle past the stall interval and
// takes one over. Rate-limited so the scan cost is not paid on every Pop.
func (q *Queue) claimStalled(ctx context.Context, consumer string) (*storage.Delivery, error) {
	q.mu.Lock()
	if time.Since(q.lastClaim) < q.cfg.StallInterval/2 {
		q.mu.Unlock()
		return nil, nil
	}
	q.lastClaim = time.Now()
	q.mu.Unlock()

	for _, band := range bands {
		msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   streamKey(band),
			Group:    group,
			Consumer: consumer,
			MinIdle:  q.cfg.StallInterval,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
		}
		for _, msg := range msgs {
			if d, ok := q.toDelivery(ctx, band, consumer, msg); ok {
				return d, nil
			}
		}
	}
	return nil, nil
}

// toDelivery decodes a stream message; undecodable entries are acked away
// so they cannot wedge the stall reclaim.
func (q *Queue) toDelivery(ctx context.Context, band, consumer string, msg redis.XMessage) (*storage.Delivery, bool) {
	env, err := decodeEnvelope(msg)
	if err != nil {
		logger.Warn("dropping undecodable queue entry",
			zap.String("band", band), zap.String("msg_id", msg.ID), zap.Error(err))
		q.discard(ctx, band, msg.ID)
		return nil, false
	}
	return &storage.Delivery{Envelope: env, Band: band, MsgID: msg.ID, Consumer: consumer}, true
}

func (q *Queue) discard(ctx context.Context, band, msgID string) {
	pipe := q.client.Pipeline()
	pipe.XAck(ctx, streamKey(band), group, msgID)
	pipe.XDel(ctx, streamKey(band), msgID)
	_, _ = pipe.Exec(ctx)
}

func (q *Queue) buffer(d storage.Delivery) {
	q.mu.Lock()
	q.buffered = append(q.buffered, d)
	q.mu.Unlock()
}

func (q *Queue) takeBuffered() *storage.Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buffered) == 0 {
		return nil
	}
	d := q.buffered[0]
	q.buffered = q.buffered[1:]
	return &d
}

// Ack removes a delivered envelope permanently. Entries are deleted as well
// as acked so stream length tracks pending work.
func (q *Queue) Ack(ctx context.Context, d *storage.Delivery) error {
	return q.retry(ctx, func() error {
		pipe := q.client.Pipeline()
		pipe.XAck(ctx, streamKey(d.Band), group, d.MsgID)
		pipe.XDel(ctx, streamKey(d.Band), d.MsgID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Extend re-claims the delivery for its own consumer, resetting the idle
// clock so a long-running attempt is not reclaimed mid-flight.
func (q *Queue) Extend(ctx context.Context, d *storage.Delivery) error {
	err := q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   streamKey(d.Band),
		Group:    group,
		Consumer: d.Consumer,
		MinIdle:  0,
		Messages: []string{d.MsgID},
	}).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return nil
}

// RemovePending purges the job's delayed and not-yet-delivered envelopes.
// In-flight deliveries are untouched; the dispatch-time status gate drops
// anything that slips through.
func (q *Queue) RemovePending(ctx context.Context, jobID uuid.UUID) error {
	pattern := "*" + jobID.String() + "*"
	var cursor uint64
	for {
		members, next, err := q.client.ZScan(ctx, keyDelayed, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
		}
		// ZScan interleaves member and score.
		for i := 0; i < len(members); i += 2 {
			if err := q.client.ZRem(ctx, keyDelayed, members[i]).Err(); err != nil {
				return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	id := jobID.String()
	for _, band := range bands {
		msgs, err := q.client.XRange(ctx, streamKey(band), "-", "+").Result()
		if err != nil {
			return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
		}
		for _, msg := range msgs {
			if msg.Values["job_id"] == id {
				q.discard(ctx, band, msg.ID)
			}
		}
	}
	return nil
}

// Depths reports queue gauges.
func (q *Queue) Depths(ctx context.Context) (storage.QueueDepths, error) {
	depths := storage.QueueDepths{Bands: make(map[string]int64, len(bands))}
	pipe := q.client.Pipeline()
	lens := make(map[string]*redis.IntCmd, len(bands))
	for _, band := range bands {
		lens[band] = pipe.XLen(ctx, streamKey(band))
	}
	delayed := pipe.ZCard(ctx, keyDelayed)
	repeats := pipe.ZCard(ctx, keyRepeatIdx)
	if _, err := pipe.Exec(ctx); err != nil {
		return depths, fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	for band, cmd := range lens {
		depths.Bands[band] = cmd.Val()
	}
	depths.Delayed = delayed.Val()
	depths.Repeatables = repeats.Val()
	return depths, nil
}
