package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailingest/internal/parser"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRecord() parser.EmailRecord {
	date := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	return parser.EmailRecord{
		SourcePath:  "/mail/sample1.eml",
		Format:      parser.FormatEML,
		Subject:     "Invoice #1",
		Sender:      "a@x.com",
		Recipients:  []string{"b@y.com"},
		Date:        date,
		Priority:    "normal",
		BodyText:    "Please pay invoice 1.",
		Fingerprint: parser.Fingerprint("Invoice #1", "a@x.com", date, "Please pay invoice 1."),
	}
}

func newClient(endpoint string, maxAttempts int) *Client {
	return New(Options{
		Endpoint:       endpoint,
		Timeout:        5 * time.Second,
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, testLogger())
}

func TestDeliverSuccess(t *testing.T) {
	var got ingestPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/ingest/text", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := testRecord()
	outcome := newClient(srv.URL, 3).Deliver(context.Background(), rec)

	assert.True(t, outcome.Success)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, rec.Fingerprint, outcome.Fingerprint)

	assert.Equal(t, rec.SourcePath, got.FileName)
	assert.Equal(t, rec.BodyText, got.Text)
	assert.Equal(t, rec.Fingerprint, got.Metadata["email_id"])
	assert.Equal(t, "Invoice #1", got.Metadata["subject"])
	assert.Equal(t, "2025-07-01T10:00:00Z", got.Metadata["date"])
	assert.Equal(t, "normal", got.Metadata["priority"])
}

func TestDeliverRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	outcome := newClient(srv.URL, 3).Deliver(context.Background(), testRecord())

	assert.False(t, outcome.Success)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, http.StatusInternalServerError, outcome.StatusCode)
	require.Error(t, outcome.Err)
}

func TestDeliverRecoversMidRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	outcome := newClient(srv.URL, 5).Deliver(context.Background(), testRecord())

	assert.True(t, outcome.Success)
	assert.Equal(t, 3, outcome.Attempts)
}

func TestDeliverPermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	outcome := newClient(srv.URL, 5).Deliver(context.Background(), testRecord())

	assert.False(t, outcome.Success)
	assert.Equal(t, 1, outcome.Attempts, "4xx is never retried")
	assert.Equal(t, int32(1), calls.Load())

	var derr *DeliveryError
	require.ErrorAs(t, outcome.Err, &derr)
	assert.True(t, derr.Permanent)
	assert.Equal(t, http.StatusBadRequest, derr.StatusCode)
}

func TestDeliverTooManyRequestsIsTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	outcome := newClient(srv.URL, 3).Deliver(context.Background(), testRecord())
	assert.True(t, outcome.Success)
	assert.Equal(t, 2, outcome.Attempts)
}

func TestDeliverConnectionRefusedRetried(t *testing.T) {
	// Grab an address that refuses connections.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	outcome := newClient(url, 2).Deliver(context.Background(), testRecord())
	assert.False(t, outcome.Success)
	assert.Equal(t, 2, outcome.Attempts)
	require.Error(t, outcome.Err)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	require.NoError(t, newClient(srv.URL, 1).Health(context.Background()))

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv2.Close()
	require.Error(t, newClient(srv2.URL, 1).Health(context.Background()))
}
