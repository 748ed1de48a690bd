package executor_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempus/pkg/executor"
	"tempus/pkg/models"
)

func TestHTTP_ExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	h := executor.NewHTTP(srv.Client())
	result, err := h.Execute(context.Background(), models.JSONMap{"url": srv.URL})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result["statusCode"])
	body, ok := result["body"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, body["ok"])
	headers, ok := result["headers"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "application/json", headers["Content-Type"])
	assert.Contains(t, result, "durationMs")
}

func TestHTTP_ExecuteSendsBodyAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "tok-123", r.Header.Get("X-Token"))
		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.JSONEq(t, `{"n":1}`, string(raw))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	h := executor.NewHTTP(srv.Client())
	result, err := h.Execute(context.Background(), models.JSONMap{
		"url":     srv.URL,
		"method":  "post",
		"headers": map[string]interface{}{"X-Token": "tok-123"},
		"body":    map[string]interface{}{"n": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, result["statusCode"])
}

func TestHTTP_ExecuteFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := executor.NewHTTP(srv.Client())
	result, err := h.Execute(context.Background(), models.JSONMap{"url": srv.URL})
	require.Error(t, err)
	assert.Nil(t, result)

	var aerr *executor.Error
	require.True(t, errors.As(err, &aerr))
	assert.Contains(t, aerr.Message, "unexpected status 503")
	assert.Equal(t, http.StatusServiceUnavailable, aerr.Detail["statusCode"])
	assert.Equal(t, "backend down\n", aerr.Detail["body"])
}

func TestHTTP_ExecuteKeepsRawBodyWhenNotJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "pong")
	}))
	defer srv.Close()

	h := executor.NewHTTP(srv.Client())
	result, err := h.Execute(context.Background(), models.JSONMap{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "pong", result["body"])
}

func TestHTTP_ExecuteHonorsPayloadTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := executor.NewHTTP(srv.Client())
	_, err := h.Execute(context.Background(), models.JSONMap{
		"url":        srv.URL,
		"timeout_ms": 50,
	})
	require.Error(t, err)

	var aerr *executor.Error
	require.True(t, errors.As(err, &aerr))
	assert.Contains(t, aerr.Message, "request failed")
	assert.NotEmpty(t, aerr.Detail["cause"])
}

func TestHTTP_ValidatePayload(t *testing.T) {
	h := executor.NewHTTP(nil)
	cases := []struct {
		name    string
		payload models.JSONMap
		wantErr string
	}{
		{"missing url", models.JSONMap{}, "url is required"},
		{"relative url", models.JSONMap{"url": "/health"}, "not absolute"},
		{"bad scheme", models.JSONMap{"url": "ftp://example.com/x"}, `scheme "ftp" not supported`},
		{"bad method", models.JSONMap{"url": "https://example.com", "method": "TRACE"}, `method "TRACE" not supported`},
		{"lowercase method ok", models.JSONMap{"url": "https://example.com", "method": "post"}, ""},
		{"plain get ok", models.JSONMap{"url": "http://example.com/ping"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.ValidatePayload(tc.payload)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
