// Package ingest delivers normalized emails to the downstream
// indexing service over HTTP, retrying transient failures with
// exponential backoff.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tracyhatemice/mailingest/internal/parser"
)

// Options configures the delivery endpoint and retry policy.
type Options struct {
	Endpoint       string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Outcome reports the result of delivering one email.
type Outcome struct {
	Fingerprint string
	Success     bool
	Attempts    int
	StatusCode  int
	Err         error
}

// DeliveryError is a delivery failure. Permanent failures (4xx other
// than 429) are never retried.
type DeliveryError struct {
	StatusCode int
	Permanent  bool
	Body       string
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("delivery failed (%s): status %d: %s", kind, e.StatusCode, e.Body)
}

// Client posts emails to the ingestion API.
type Client struct {
	endpoint string
	opts     Options
	http     *http.Client
	logger   *slog.Logger
}

// New creates a delivery client. Request timeouts are bounded by
// opts.Timeout per attempt.
func New(opts Options, logger *slog.Logger) *Client {
	return &Client{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		opts:     opts,
		http:     &http.Client{Timeout: opts.Timeout},
		logger:   logger,
	}
}

type ingestPayload struct {
	FileName string         `json:"file_name"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

// Deliver serializes the record and posts it to the ingestion API.
// Transient failures (network errors, 5xx, 429) are retried with
// exponential backoff up to the configured attempt limit; other 4xx
// responses fail immediately.
func (c *Client) Deliver(ctx context.Context, rec parser.EmailRecord) Outcome {
	outcome := Outcome{Fingerprint: rec.Fingerprint}

	body, err := json.Marshal(payloadFor(rec))
	if err != nil {
		outcome.Err = fmt.Errorf("encode payload: %w", err)
		return outcome
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialBackoff
	bo.MaxInterval = c.opts.MaxBackoff
	bo.MaxElapsedTime = 0

	maxRetries := uint64(0)
	if c.opts.MaxAttempts > 1 {
		maxRetries = uint64(c.opts.MaxAttempts - 1)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)

	err = backoff.Retry(func() error {
		outcome.Attempts++
		status, attemptErr := c.post(ctx, body)
		outcome.StatusCode = status

		var derr *DeliveryError
		if attemptErr != nil {
			if de, ok := attemptErr.(*DeliveryError); ok {
				derr = de
			}
		}

		c.logger.Info("delivery attempt",
			"fingerprint", rec.Fingerprint,
			"attempt", outcome.Attempts,
			"status", status,
			"error", attemptErr,
		)

		if attemptErr == nil {
			return nil
		}
		if derr != nil && derr.Permanent {
			return backoff.Permanent(attemptErr)
		}
		return attemptErr
	}, policy)

	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.Success = true
	return outcome
}

// post issues one delivery attempt and classifies the response.
func (c *Client) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/v1/ingest/text", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		c.logger.Debug("request failed", "latency", latency, "error", err)
		return 0, fmt.Errorf("post ingest: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("request completed", "status", resp.StatusCode, "latency", latency)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return resp.StatusCode, &DeliveryError{
			StatusCode: resp.StatusCode,
			Body:       readSnippet(resp.Body),
		}
	default:
		return resp.StatusCode, &DeliveryError{
			StatusCode: resp.StatusCode,
			Permanent:  true,
			Body:       readSnippet(resp.Body),
		}
	}
}

// Health probes the downstream service's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: status %d", resp.StatusCode)
	}
	return nil
}

func payloadFor(rec parser.EmailRecord) ingestPayload {
	metadata := map[string]any{
		"subject":          rec.Subject,
		"sender":           rec.Sender,
		"recipients":       rec.Recipients,
		"date":             rec.DateString(),
		"source_file":      rec.SourcePath,
		"format":           rec.Format,
		"labels":           rec.Labels,
		"priority":         rec.Priority,
		"content_type":     "email",
		"email_id":         rec.Fingerprint,
		"attachment_count": len(rec.Attachments),
	}
	if len(rec.Attachments) > 0 {
		metadata["attachments"] = rec.Attachments
	}
	return ingestPayload{
		FileName: rec.SourcePath,
		Text:     rec.BodyText,
		Metadata: metadata,
	}
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
