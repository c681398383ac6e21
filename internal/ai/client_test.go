package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrimanagement/internal/apperr"
	"agrimanagement/internal/retry"
)

func testClient(url string) *Client {
	return New(Config{APIKey: "sk-test", BaseURL: url + "/", Model: "test-model", Timeout: 5 * time.Second}).
		WithRetry(retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1})
}

func completion(text string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"content": text}, "finish_reason": "stop"}},
	})
	return string(b)
}

func TestCompleteSendsModelAndMessages(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(completion(`{"total": 1200}`)))
	}))
	defer srv.Close()

	text, err := testClient(srv.URL).Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: []Part{TextPart("read this"), ImagePart("image/png", "AAAA")}}},
		JSON:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"total": 1200}`, text)
	assert.Equal(t, "test-model", got.Model)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestCompleteRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(completion("hello")))
	}))
	defer srv.Close()

	text, err := testClient(srv.URL).Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCompleteMapsStatusToKind(t *testing.T) {
	cases := map[int]apperr.ExternalKind{
		http.StatusUnauthorized:    apperr.ExternalAuth,
		http.StatusTooManyRequests: apperr.ExternalRateLimited,
		http.StatusBadRequest:      apperr.ExternalInvalidRequest,
		http.StatusBadGateway:      apperr.ExternalTransient,
	}
	for status, kind := range cases {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"x"}}`))
		}))

		_, err := testClient(srv.URL).Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
		srv.Close()

		var ext *apperr.ExternalError
		require.ErrorAs(t, err, &ext, "status %d", status)
		assert.Equal(t, kind, ext.Kind)
		if kind == apperr.ExternalTransient {
			assert.Equal(t, int32(3), calls.Load())
		} else {
			assert.Equal(t, int32(1), calls.Load())
		}
	}
}

func TestCompleteNotConfigured(t *testing.T) {
	_, err := New(Config{}).Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, apperr.ErrNotConfigured)
}

func TestDecodeJSONStripsFences(t *testing.T) {
	var v struct {
		Total int `json:"total"`
	}
	require.NoError(t, DecodeJSON("```json\n{\"total\": 980}\n```", &v))
	assert.Equal(t, 980, v.Total)

	assert.ErrorIs(t, DecodeJSON("not json", &v), apperr.ErrExternal)
}
