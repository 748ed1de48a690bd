package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tempus/pkg/logger"
	"tempus/pkg/storage"
)

// Planner-owned surface. The single active scheduler process is the only
// caller; workers never touch registrations or the delayed set.

// RegisterRepeatable installs or replaces a job's recurring registration.
func (q *Queue) RegisterRepeatable(ctx context.Context, reg storage.Repeatable) error {
	payload, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}
	return q.retry(ctx, func() error {
		pipe := q.client.Pipeline()
		pipe.HSet(ctx, keyRepeatData, reg.JobID.String(), payload)
		pipe.ZAdd(ctx, keyRepeatIdx, redis.Z{
			Score:  float64(reg.NextFire.UnixMilli()),
			Member: reg.JobID.String(),
		})
		_, err := pipe.Exec(ctx)
		return err
	})
}

// RemoveRepeatable drops a job's recurring registration.
func (q *Queue) RemoveRepeatable(ctx context.Context, jobID uuid.UUID) error {
	return q.retry(ctx, func() error {
		pipe := q.client.Pipeline()
		pipe.HDel(ctx, keyRepeatData, jobID.String())
		pipe.ZRem(ctx, keyRepeatIdx, jobID.String())
		_, err := pipe.Exec(ctx)
		return err
	})
}

// DueRepeatables lists registrations whose next fire is at or before now.
// Index entries whose registration data has vanished are pruned in passing.
func (q *Queue) DueRepeatables(ctx context.Context, now time.Time, limit int) ([]storage.Repeatable, error) {
	ids, err := q.client.ZRangeByScore(ctx, keyRepeatIdx, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := q.client.HMGet(ctx, keyRepeatData, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}

	regs := make([]storage.Repeatable, 0, len(ids))
	for i, v := range values {
		payload, ok := v.(string)
		if !ok {
			q.client.ZRem(ctx, keyRepeatIdx, ids[i])
			continue
		}
		var reg storage.Repeatable
		if err := json.Unmarshal([]byte(payload), &reg); err != nil {
			logger.Warn("pruning undecodable repeatable registration",
				zap.String("job_id", ids[i]), zap.Error(err))
			q.client.ZRem(ctx, keyRepeatIdx, ids[i])
			q.client.HDel(ctx, keyRepeatData, ids[i])
			continue
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

// FireRepeatable enqueues one materialized firing and advances the
// registration's next-fire index. The steps are pipelined, not atomic; a
// replayed fire lands on the execution instant index and dies there.
func (q *Queue) FireRepeatable(ctx context.Context, reg storage.Repeatable, env storage.Envelope, nextFire time.Time) error {
	values, err := envelopeValues(env)
	if err != nil {
		return err
	}
	reg.NextFire = nextFire
	regPayload, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}
	band := bandFor(env)
	return q.retry(ctx, func() error {
		pipe := q.client.Pipeline()
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: streamKey(band), Values: values})
		pipe.ZAdd(ctx, keyRepeatIdx, redis.Z{
			Score:  float64(nextFire.UnixMilli()),
			Member: reg.JobID.String(),
		})
		pipe.HSet(ctx, keyRepeatData, reg.JobID.String(), regPayload)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// PromoteDelayed moves envelopes whose visibility time has passed into
// their priority bands. A crash between the stream add and the set removal
// replays the envelope; the worker's dedupe absorbs it.
func (q *Queue) PromoteDelayed(ctx context.Context, now time.Time, limit int) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}

	promoted := 0
	for _, member := range members {
		var env storage.Envelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			logger.Warn("pruning undecodable delayed envelope", zap.Error(err))
			q.client.ZRem(ctx, keyDelayed, member)
			continue
		}
		values, err := envelopeValues(env)
		if err != nil {
			q.client.ZRem(ctx, keyDelayed, member)
			continue
		}
		err = q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey(bandFor(env)),
			Values: values,
		}).Err()
		if err != nil {
			return promoted, fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
		}
		if err := q.client.ZRem(ctx, keyDelayed, member).Err(); err != nil {
			return promoted, fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
		}
		promoted++
	}
	return promoted, nil
}
