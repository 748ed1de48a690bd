package executor_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempus/pkg/executor"
	"tempus/pkg/mail"
	"tempus/pkg/models"
)

type fakeSender struct {
	sent []mail.Message
	err  error
}

func (f *fakeSender) Send(ctx context.Context, msg mail.Message) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "<deadbeef@tempus>", nil
}

func TestEmail_ExecuteSendsMessage(t *testing.T) {
	sender := &fakeSender{}
	e := executor.NewEmail(sender, "jobs@tempus.dev")

	result, err := e.Execute(context.Background(), models.JSONMap{
		"to":      []string{"ops@example.com"},
		"subject": "nightly report",
		"text":    "all green",
	})
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "jobs@tempus.dev", msg.From)
	assert.Equal(t, []string{"ops@example.com"}, msg.To)
	assert.Equal(t, "nightly report", msg.Subject)
	assert.Equal(t, "all green", msg.Text)

	assert.Equal(t, "<deadbeef@tempus>", result["messageId"])
	assert.Equal(t, []string{"ops@example.com"}, result["to"])
	assert.Equal(t, "nightly report", result["subject"])
}

func TestEmail_ExecuteExplicitFromWins(t *testing.T) {
	sender := &fakeSender{}
	e := executor.NewEmail(sender, "jobs@tempus.dev")

	_, err := e.Execute(context.Background(), models.JSONMap{
		"to":      "oncall@example.com",
		"subject": "paging",
		"html":    "<b>wake up</b>",
		"from":    "alerts@tempus.dev",
	})
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "alerts@tempus.dev", sender.sent[0].From)
	assert.Equal(t, []string{"oncall@example.com"}, sender.sent[0].To)
	assert.Equal(t, "<b>wake up</b>", sender.sent[0].HTML)
}

func TestEmail_ExecuteSendFailure(t *testing.T) {
	e := executor.NewEmail(&fakeSender{err: errors.New("relay refused")}, "jobs@tempus.dev")

	_, err := e.Execute(context.Background(), models.JSONMap{
		"to":      []string{"ops@example.com"},
		"subject": "x",
		"text":    "y",
	})
	require.Error(t, err)

	var aerr *executor.Error
	require.True(t, errors.As(err, &aerr))
	assert.Contains(t, aerr.Message, "send mail")
	assert.Contains(t, aerr.Message, "relay refused")
}

func TestEmail_ValidatePayload(t *testing.T) {
	e := executor.NewEmail(&fakeSender{}, "jobs@tempus.dev")
	cases := []struct {
		name    string
		payload models.JSONMap
		wantErr string
	}{
		{"missing to", models.JSONMap{"subject": "s", "text": "t"}, "to is required"},
		{"missing subject", models.JSONMap{"to": "a@b.c", "text": "t"}, "subject is required"},
		{"missing content", models.JSONMap{"to": "a@b.c", "subject": "s"}, "one of text or html"},
		{"html only ok", models.JSONMap{"to": "a@b.c", "subject": "s", "html": "<p>hi</p>"}, ""},
		{"recipient list ok", models.JSONMap{"to": []interface{}{"a@b.c", "d@e.f"}, "subject": "s", "text": "t"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := e.ValidatePayload(tc.payload)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
