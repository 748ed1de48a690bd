package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tempus/pkg/clock"
	"tempus/pkg/models"
	"tempus/pkg/storage"
)

const (
	bandCritical = "critical"
	bandHigh     = "high"
	bandDefault  = "default"
	bandLow      = "low"
)

var bandOrder = [4]string{bandCritical, bandHigh, bandDefault, bandLow}

func bandFor(env storage.Envelope) string {
	if env.Kind == models.AttemptManual {
		return bandCritical
	}
	switch {
	case env.Priority >= 7:
		return bandHigh
	case env.Priority >= 3:
		return bandDefault
	default:
		return bandLow
	}
}

type queueEntry struct {
	msgID string
	env   storage.Envelope
}

type inflightEntry struct {
	env       storage.Envelope
	band      string
	consumer  string
	claimedAt time.Time
}

type delayedEntry struct {
	env       storage.Envelope
	visibleAt time.Time
}

// Queue is an in-process storage.SchedulerQueue with the redis queue's
// semantics: priority bands, delayed visibility, repeatable registrations,
// and stall-based redelivery driven by an injectable clock.
type Queue struct {
	mu       sync.Mutex
	clk      clock.Clock
	stall    time.Duration
	seq      int
	bands    map[string][]queueEntry
	inflight map[string]*inflightEntry
	delayed  []delayedEntry
	repeats  map[uuid.UUID]storage.Repeatable
}

// NewQueue builds a queue redelivering unacked work after stall.
func NewQueue(clk clock.Clock, stall time.Duration) *Queue {
	if stall <= 0 {
		stall = 30 * time.Second
	}
	return &Queue{
		clk:      clk,
		stall:    stall,
		bands:    make(map[string][]queueEntry),
		inflight: make(map[string]*inflightEntry),
		repeats:  make(map[uuid.UUID]storage.Repeatable),
	}
}

func (q *Queue) nextMsgID() string {
	q.seq++
	return fmt.Sprintf("%d-0", q.seq)
}

func (q *Queue) Enqueue(ctx context.Context, env storage.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	band := bandFor(env)
	q.bands[band] = append(q.bands[band], queueEntry{msgID: q.nextMsgID(), env: env})
	return nil
}

func (q *Queue) EnqueueDelayed(ctx context.Context, env storage.Envelope, visibleAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed = append(q.delayed, delayedEntry{env: env, visibleAt: visibleAt})
	return nil
}

func (q *Queue) Pop(ctx context.Context, consumer string) (*storage.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clk.Now()

	// Stalled re-deliveries first, like the stream reclaim.
	for msgID, inf := range q.inflight {
		if now.Sub(inf.claimedAt) >= q.stall {
			inf.claimedAt = now
			inf.consumer = consumer
			return &storage.Delivery{Envelope: inf.env, Band: inf.band, MsgID: msgID, Consumer: consumer}, nil
		}
	}

	for _, band := range bandOrder {
		entries := q.bands[band]
		if len(entries) == 0 {
			continue
		}
		head := entries[0]
		q.bands[band] = entries[1:]
		q.inflight[head.msgID] = &inflightEntry{env: head.env, band: band, consumer: consumer, claimedAt: now}
		return &storage.Delivery{Envelope: head.env, Band: band, MsgID: head.msgID, Consumer: consumer}, nil
	}
	return nil, nil
}

func (q *Queue) Ack(ctx context.Context, d *storage.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, d.MsgID)
	return nil
}

func (q *Queue) Extend(ctx context.Context, d *storage.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if inf, ok := q.inflight[d.MsgID]; ok {
		inf.claimedAt = q.clk.Now()
	}
	return nil
}

func (q *Queue) RemovePending(ctx context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for band, entries := range q.bands {
		kept := entries[:0]
		for _, e := range entries {
			if e.env.JobID != jobID {
				kept = append(kept, e)
			}
		}
		q.bands[band] = kept
	}
	keptDelayed := q.delayed[:0]
	for _, e := range q.delayed {
		if e.env.JobID != jobID {
			keptDelayed = append(keptDelayed, e)
		}
	}
	q.delayed = keptDelayed
	return nil
}

func (q *Queue) RegisterRepeatable(ctx context.Context, reg storage.Repeatable) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.repeats[reg.JobID] = reg
	return nil
}

func (q *Queue) RemoveRepeatable(ctx context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.repeats, jobID)
	return nil
}

func (q *Queue) DueRepeatables(ctx context.Context, now time.Time, limit int) ([]storage.Repeatable, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []storage.Repeatable
	for _, reg := range q.repeats {
		if !reg.NextFire.After(now) {
			due = append(due, reg)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextFire.Before(due[j].NextFire) })
	if limit > 0 && limit < len(due) {
		due = due[:limit]
	}
	return due, nil
}

func (q *Queue) FireRepeatable(ctx context.Context, reg storage.Repeatable, env storage.Envelope, nextFire time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	band := bandFor(env)
	q.bands[band] = append(q.bands[band], queueEntry{msgID: q.nextMsgID(), env: env})
	reg.NextFire = nextFire
	q.repeats[reg.JobID] = reg
	return nil
}

func (q *Queue) PromoteDelayed(ctx context.Context, now time.Time, limit int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	promoted := 0
	kept := q.delayed[:0]
	for _, e := range q.delayed {
		if (limit <= 0 || promoted < limit) && !e.visibleAt.After(now) {
			band := bandFor(e.env)
			q.bands[band] = append(q.bands[band], queueEntry{msgID: q.nextMsgID(), env: e.env})
			promoted++
			continue
		}
		kept = append(kept, e)
	}
	q.delayed = kept
	return promoted, nil
}

func (q *Queue) Depths(ctx context.Context) (storage.QueueDepths, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	depths := storage.QueueDepths{Bands: make(map[string]int64, len(bandOrder))}
	for _, band := range bandOrder {
		depths.Bands[band] = int64(len(q.bands[band]))
	}
	depths.Delayed = int64(len(q.delayed))
	depths.Repeatables = int64(len(q.repeats))
	return depths, nil
}
