package notifier_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempus/pkg/clock"
	"tempus/pkg/mail"
	"tempus/pkg/models"
	"tempus/pkg/notifier"
	"tempus/pkg/resilience"
	"tempus/pkg/storage/memory"
)

type recordingChannel struct {
	name   string
	err    error
	events []notifier.Event
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Notify(ctx context.Context, ev notifier.Event) error {
	c.events = append(c.events, ev)
	return c.err
}

type fakeSender struct {
	sent  []mail.Message
	calls int
	err   error
}

func (f *fakeSender) Send(ctx context.Context, msg mail.Message) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "<msg@tempus>", nil
}

func seedOwner(t *testing.T, st *memory.Store, mutate func(*models.User)) *models.User {
	t.Helper()
	owner := &models.User{Email: "owner@example.com"}
	if mutate != nil {
		mutate(owner)
	}
	require.NoError(t, st.CreateUser(context.Background(), owner))
	return owner
}

func TestFanout_DeliversToAllChannels(t *testing.T) {
	job := &models.Job{ID: uuid.New(), Name: "nightly"}
	good := &recordingChannel{name: "good"}
	bad := &recordingChannel{name: "bad", err: errors.New("socket closed")}
	tail := &recordingChannel{name: "tail"}

	fan := notifier.NewFanout(good, bad, tail)
	err := fan.Notify(context.Background(), notifier.Completed(job, nil, 120))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: socket closed")

	// The failing channel does not cut off the ones behind it.
	assert.Len(t, good.events, 1)
	assert.Len(t, bad.events, 1)
	assert.Len(t, tail.events, 1)
	assert.Equal(t, notifier.EventJobCompleted, tail.events[0].Kind)
}

func TestEmailChannel_HonorsOptIns(t *testing.T) {
	st := memory.NewStore()
	owner := seedOwner(t, st, func(u *models.User) { u.NotifyOnFailure = true })
	job := &models.Job{ID: uuid.New(), OwnerID: owner.ID, Name: "nightly"}

	sender := &fakeSender{}
	ch := notifier.NewEmailChannel(st, sender, "jobs@tempus.dev", nil)
	ctx := context.Background()

	require.NoError(t, ch.Notify(ctx, notifier.Completed(job, nil, 10)))
	require.NoError(t, ch.Notify(ctx, notifier.Retry(job, 1, 3, "boom")))
	assert.Empty(t, sender.sent)

	// The failure opt-in covers both terminal failure kinds.
	require.NoError(t, ch.Notify(ctx, notifier.Failed(job, nil, "boom", 4)))
	require.NoError(t, ch.Notify(ctx, notifier.Exhausted(job, 3, "boom")))
	require.Len(t, sender.sent, 2)

	assert.Equal(t, "jobs@tempus.dev", sender.sent[0].From)
	assert.Equal(t, []string{"owner@example.com"}, sender.sent[0].To)
	assert.Equal(t, `Job "nightly" failed`, sender.sent[0].Subject)
	assert.Equal(t, `Job "nightly" exhausted its retries`, sender.sent[1].Subject)
}

func TestEmailChannel_RendersRetryNotice(t *testing.T) {
	st := memory.NewStore()
	owner := seedOwner(t, st, func(u *models.User) { u.NotifyOnRetry = true })
	job := &models.Job{ID: uuid.New(), OwnerID: owner.ID, Name: "sync"}

	sender := &fakeSender{}
	ch := notifier.NewEmailChannel(st, sender, "jobs@tempus.dev", nil)

	require.NoError(t, ch.Notify(context.Background(), notifier.Retry(job, 2, 3, "connection reset")))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, `Job "sync" retrying (attempt 2 of 4)`, sender.sent[0].Subject)
	assert.Contains(t, sender.sent[0].Text, "connection reset")
	assert.Contains(t, sender.sent[0].Text, "A retry has been scheduled")
}

func TestEmailChannel_UnknownOwner(t *testing.T) {
	ch := notifier.NewEmailChannel(memory.NewStore(), &fakeSender{}, "jobs@tempus.dev", nil)
	job := &models.Job{ID: uuid.New(), OwnerID: uuid.New(), Name: "orphan"}

	err := ch.Notify(context.Background(), notifier.Failed(job, nil, "x", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve owner")
}

func TestEmailChannel_BreakerStopsHammeringDeadRelay(t *testing.T) {
	st := memory.NewStore()
	owner := seedOwner(t, st, func(u *models.User) { u.NotifyOnFailure = true })
	job := &models.Job{ID: uuid.New(), OwnerID: owner.ID, Name: "nightly"}

	sender := &fakeSender{err: errors.New("relay down")}
	breaker := resilience.NewBreaker("smtp", resilience.BreakerConfig{FailureThreshold: 2},
		clock.NewFake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)))
	ch := notifier.NewEmailChannel(st, sender, "jobs@tempus.dev", breaker)

	ev := notifier.Failed(job, nil, "x", 1)
	ctx := context.Background()

	require.ErrorContains(t, ch.Notify(ctx, ev), "relay down")
	require.ErrorContains(t, ch.Notify(ctx, ev), "relay down")

	// Two straight failures trip the breaker; the relay is left alone.
	err := ch.Notify(ctx, ev)
	assert.ErrorIs(t, err, resilience.ErrOpen)
	assert.Equal(t, 2, sender.calls)
}
