package executor

import (
	"context"
	"errors"

	"tempus/pkg/mail"
	"tempus/pkg/models"
)

// Email sends a message through the process-wide mail sender:
// {to, subject, text?, html?, from?}.
type Email struct {
	sender mail.Sender
	from   string
}

func NewEmail(sender mail.Sender, defaultFrom string) *Email {
	return &Email{sender: sender, from: defaultFrom}
}

func (e *Email) Type() models.JobType { return models.JobTypeEmail }

func (e *Email) ValidatePayload(payload models.JSONMap) error {
	if len(stringsField(payload, "to")) == 0 {
		return errors.New("to is required")
	}
	if stringField(payload, "subject") == "" {
		return errors.New("subject is required")
	}
	if stringField(payload, "text") == "" && stringField(payload, "html") == "" {
		return errors.New("one of text or html is required")
	}
	return nil
}

func (e *Email) Execute(ctx context.Context, payload models.JSONMap) (models.JSONMap, error) {
	to := stringsField(payload, "to")
	msg := mail.Message{
		From:    stringField(payload, "from"),
		To:      to,
		Subject: stringField(payload, "subject"),
		Text:    stringField(payload, "text"),
		HTML:    stringField(payload, "html"),
	}
	if msg.From == "" {
		msg.From = e.from
	}
	id, err := e.sender.Send(ctx, msg)
	if err != nil {
		return nil, fail(nil, "send mail: %v", err)
	}
	return models.JSONMap{
		"messageId": id,
		"to":        to,
		"subject":   msg.Subject,
	}, nil
}
