package executor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"tempus/pkg/models"
)

// Webhook is the http adapter with POST as the default method and optional
// request signing: when the payload carries a secret, X-Webhook-Signature is
// set to hex(hmac-sha256(secret, canonical_json(body))).
type Webhook struct {
	http *HTTP
}

func NewWebhook(client *http.Client) *Webhook {
	return &Webhook{http: NewHTTP(client)}
}

func (w *Webhook) Type() models.JobType { return models.JobTypeWebhook }

func (w *Webhook) ValidatePayload(payload models.JSONMap) error {
	return validateRequestPayload(payload)
}

func (w *Webhook) Execute(ctx context.Context, payload models.JSONMap) (models.JSONMap, error) {
	return w.http.do(ctx, payload, http.MethodPost, stringField(payload, "secret"))
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
