package notifier

import (
	"context"
	"fmt"

	"tempus/pkg/mail"
	"tempus/pkg/models"
	"tempus/pkg/resilience"
	"tempus/pkg/storage"
)

// EmailChannel mails the job owner, honoring their per-event opt-ins. Sends
// go through a circuit breaker so a dead SMTP relay cannot stall the worker
// pipeline on every finalize.
type EmailChannel struct {
	users   storage.UserStore
	sender  mail.Sender
	breaker *resilience.Breaker
	from    string
}

func NewEmailChannel(users storage.UserStore, sender mail.Sender, from string, breaker *resilience.Breaker) *EmailChannel {
	if breaker == nil {
		breaker = resilience.NewBreaker("notifier-smtp", resilience.DefaultBreakerConfig(), nil)
	}
	return &EmailChannel{users: users, sender: sender, breaker: breaker, from: from}
}

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Notify(ctx context.Context, ev Event) error {
	owner, err := e.users.GetUser(ctx, ev.Job.OwnerID)
	if err != nil {
		return fmt.Errorf("resolve owner: %w", err)
	}
	if !optedIn(owner, ev.Kind) {
		return nil
	}
	subject, body := render(ev)
	msg := mail.Message{
		From:    e.from,
		To:      []string{owner.Email},
		Subject: subject,
		Text:    body,
	}
	return e.breaker.Do(ctx, func(ctx context.Context) error {
		_, err := e.sender.Send(ctx, msg)
		return err
	})
}

func optedIn(owner *models.User, kind string) bool {
	switch kind {
	case EventJobCompleted:
		return owner.NotifyOnSuccess
	case EventJobRetry:
		return owner.NotifyOnRetry
	case EventJobFailed, EventMaxRetriesExceeded:
		return owner.NotifyOnFailure
	}
	return false
}

func render(ev Event) (subject, body string) {
	switch ev.Kind {
	case EventJobCompleted:
		return fmt.Sprintf("Job %q completed", ev.Job.Name),
			fmt.Sprintf("Your job %q finished successfully in %d ms.", ev.Job.Name, ev.DurationMs)
	case EventJobRetry:
		return fmt.Sprintf("Job %q retrying (attempt %d of %d)", ev.Job.Name, ev.Attempt, ev.MaxRetries+1),
			fmt.Sprintf("Attempt %d of job %q failed: %s\nA retry has been scheduled.", ev.Attempt, ev.Job.Name, ev.ErrorMsg)
	case EventMaxRetriesExceeded:
		return fmt.Sprintf("Job %q exhausted its retries", ev.Job.Name),
			fmt.Sprintf("Job %q failed after %d retries.\nLast error: %s", ev.Job.Name, ev.MaxRetries, ev.ErrorMsg)
	case EventJobFailed:
		return fmt.Sprintf("Job %q failed", ev.Job.Name),
			fmt.Sprintf("Job %q failed permanently after %d attempts.\nError: %s", ev.Job.Name, ev.Attempt, ev.ErrorMsg)
	}
	return fmt.Sprintf("Job %q update", ev.Job.Name), ""
}
