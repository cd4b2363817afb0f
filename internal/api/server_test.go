package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exchange-oracle/internal/config"
	oracleerrors "github.com/exchange-oracle/internal/errors"
	"github.com/exchange-oracle/internal/logging"
	"github.com/exchange-oracle/internal/types"
	"github.com/exchange-oracle/internal/webhook"
)

type mockReceiver struct {
	handleFunc func(ctx context.Context, body []byte, signature string) error
	calls      int
}

func (m *mockReceiver) Handle(ctx context.Context, body []byte, signature string) error {
	m.calls++
	if m.handleFunc != nil {
		return m.handleFunc(ctx, body, signature)
	}
	return nil
}

type mockQueueStats struct {
	pending int
	failed  int
	err     error
}

func (m *mockQueueStats) CountOutgoingByStatus(ctx context.Context, status types.OutgoingWebhookStatus) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	if status == types.OutgoingFailed {
		return m.failed, nil
	}
	return m.pending, nil
}

func newTestServer(receiver WebhookReceiver, queue QueueStats) *Server {
	cfg := &config.ServerConfig{
		Host:         "127.0.0.1",
		Port:         "0",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		WebhookRPS:   100,
	}
	logger := logging.NewLogger(logging.Config{Level: "error", Format: "console"})
	return NewServer(cfg, receiver, &mockReceiver{}, queue, logger)
}

func newTestServerWithPlatform(platform WebhookReceiver) *Server {
	cfg := &config.ServerConfig{
		Host:         "127.0.0.1",
		Port:         "0",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		WebhookRPS:   100,
	}
	logger := logging.NewLogger(logging.Config{Level: "error", Format: "console"})
	return NewServer(cfg, &mockReceiver{}, platform, &mockQueueStats{}, logger)
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(&mockReceiver{}, &mockQueueStats{pending: 3, failed: 1})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(3), body["webhooks_pending"])
	assert.Equal(t, float64(1), body["webhooks_failed"])
}

func TestHealthEndpointStoreDown(t *testing.T) {
	server := newTestServer(&mockReceiver{}, &mockQueueStats{err: errors.New("connection refused")})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookEndpointAccepted(t *testing.T) {
	receiver := &mockReceiver{}
	server := newTestServer(receiver, &mockQueueStats{})

	req := httptest.NewRequest(http.MethodPost, "/oracle-webhook", bytes.NewBufferString(`{"event_id":"evt-1"}`))
	req.Header.Set(webhook.SignatureHeader, "0xsig")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, receiver.calls)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "accepted", body["status"])
}

func TestWebhookEndpointErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "authentication failure",
			err:        oracleerrors.NewAuthenticationError("bad signature"),
			wantStatus: http.StatusUnauthorized,
			wantCode:   "AUTHENTICATION_FAILED",
		},
		{
			name:       "validation failure",
			err:        oracleerrors.NewValidationError("event_id", "missing"),
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_FAILED",
		},
		{
			name:       "unknown event type",
			err:        oracleerrors.NewUnknownEventTypeError("escrow_imploded"),
			wantStatus: http.StatusBadRequest,
			wantCode:   "UNKNOWN_EVENT_TYPE",
		},
		{
			name:       "transient handler failure retries via 500",
			err:        oracleerrors.NewTransientError("ledger lookup", errors.New("rpc down")),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "TRANSIENT_ERROR",
		},
		{
			name:       "uncategorized error hides detail",
			err:        errors.New("pq: deadlock detected"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receiver := &mockReceiver{handleFunc: func(ctx context.Context, body []byte, signature string) error {
				return tt.err
			}}
			server := newTestServer(receiver, &mockQueueStats{})

			req := httptest.NewRequest(http.MethodPost, "/oracle-webhook", bytes.NewBufferString(`{}`))
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.Error.Code)
		})
	}
}

func TestWebhookEndpointPassesSignatureHeader(t *testing.T) {
	var gotSignature string
	receiver := &mockReceiver{handleFunc: func(ctx context.Context, body []byte, signature string) error {
		gotSignature = signature
		return nil
	}}
	server := newTestServer(receiver, &mockQueueStats{})

	req := httptest.NewRequest(http.MethodPost, "/oracle-webhook", bytes.NewBufferString(`{}`))
	req.Header.Set(webhook.SignatureHeader, "0xdeadbeef")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "0xdeadbeef", gotSignature)
}

func TestPlatformWebhookEndpointRouting(t *testing.T) {
	var gotBody []byte
	var gotSignature string
	platform := &mockReceiver{handleFunc: func(ctx context.Context, body []byte, signature string) error {
		gotBody = body
		gotSignature = signature
		return nil
	}}
	server := newTestServerWithPlatform(platform)

	req := httptest.NewRequest(http.MethodPost, "/platform-webhook", bytes.NewBufferString(`{"event":"ping"}`))
	req.Header.Set(webhook.PlatformSignatureHeader, "sha256=abc")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, platform.calls)
	assert.Equal(t, `{"event":"ping"}`, string(gotBody))
	assert.Equal(t, "sha256=abc", gotSignature)
}

func TestPlatformWebhookEndpointAuthFailure(t *testing.T) {
	platform := &mockReceiver{handleFunc: func(ctx context.Context, body []byte, signature string) error {
		return oracleerrors.NewAuthenticationError("platform signature mismatch")
	}}
	server := newTestServerWithPlatform(platform)

	req := httptest.NewRequest(http.MethodPost, "/platform-webhook", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookEndpointMethodNotAllowed(t *testing.T) {
	server := newTestServer(&mockReceiver{}, &mockQueueStats{})

	req := httptest.NewRequest(http.MethodGet, "/oracle-webhook", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRateLimiting(t *testing.T) {
	cfg := &config.ServerConfig{Host: "127.0.0.1", Port: "0", WebhookRPS: 1}
	logger := logging.NewLogger(logging.Config{Level: "error", Format: "console"})
	server := NewServer(cfg, &mockReceiver{}, &mockReceiver{}, &mockQueueStats{}, logger)

	var got429 bool
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			got429 = true
		}
	}
	assert.True(t, got429, "burst beyond the per-source limit must be throttled")
}

func TestRateLimitingIsPerSource(t *testing.T) {
	cfg := &config.ServerConfig{Host: "127.0.0.1", Port: "0", WebhookRPS: 1}
	logger := logging.NewLogger(logging.Config{Level: "error", Format: "console"})
	server := NewServer(cfg, &mockReceiver{}, &mockReceiver{}, &mockQueueStats{}, logger)

	// Exhaust source A.
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		server.Handler().ServeHTTP(httptest.NewRecorder(), req)
	}

	// Source B still gets through.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.2:4000"
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
