package executor_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempus/pkg/executor"
	"tempus/pkg/models"
)

func TestWebhook_ExecuteSignsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		// Map keys marshal sorted, so receiver and sender sign identical bytes.
		assert.Equal(t, `{"a":2,"b":1}`, string(raw))

		mac := hmac.New(sha256.New, []byte("s3cret"))
		mac.Write(raw)
		assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), r.Header.Get("X-Webhook-Signature"))
	}))
	defer srv.Close()

	wh := executor.NewWebhook(srv.Client())
	result, err := wh.Execute(context.Background(), models.JSONMap{
		"url":    srv.URL,
		"secret": "s3cret",
		"body":   map[string]interface{}{"b": 1, "a": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result["statusCode"])
}

func TestWebhook_ExecuteDefaultsToPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
	}))
	defer srv.Close()

	wh := executor.NewWebhook(srv.Client())
	_, err := wh.Execute(context.Background(), models.JSONMap{"url": srv.URL})
	require.NoError(t, err)
}

func TestWebhook_ExecuteSkipsSignatureWithoutSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present := r.Header["X-Webhook-Signature"]
		assert.False(t, present)
	}))
	defer srv.Close()

	wh := executor.NewWebhook(srv.Client())

	// No secret: the body goes out unsigned.
	_, err := wh.Execute(context.Background(), models.JSONMap{
		"url":  srv.URL,
		"body": map[string]interface{}{"n": 1},
	})
	require.NoError(t, err)

	// Secret without a body: nothing to sign.
	_, err = wh.Execute(context.Background(), models.JSONMap{
		"url":    srv.URL,
		"secret": "s3cret",
	})
	require.NoError(t, err)
}
