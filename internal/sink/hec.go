package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"logcollector/internal/logging"
	"logcollector/internal/source"
)

const (
	// requestTimeout bounds a single collector request.
	requestTimeout = 30 * time.Second

	// deliverAttempts is the total tries per batch. Only transport errors
	// and server-side failures are retried.
	deliverAttempts = 3

	// retryBackoff is the base delay between attempts; it grows linearly.
	retryBackoff = 500 * time.Millisecond
)

// StatusError reports a collector response other than 200.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("hec request rejected with status %d", e.StatusCode)
	}
	return fmt.Sprintf("hec request rejected with status %d: %s", e.StatusCode, e.Detail)
}

// HECClient posts plain-text payloads to a Splunk HTTP Event Collector.
// One client is shared by batch delivery, target validation, and health
// reporting.
type HECClient struct {
	client *http.Client
	logger *slog.Logger
}

// NewHECClient creates an HECClient.
func NewHECClient(logger *slog.Logger) *HECClient {
	return &HECClient{
		client: &http.Client{Timeout: requestTimeout},
		logger: logging.Default(logger).With("component", "sink"),
	}
}

// Post sends one payload. Only a 200 response counts as success.
func (c *HECClient) Post(ctx context.Context, url, token string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build hec request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to hec: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &StatusError{
			StatusCode: resp.StatusCode,
			Detail:     strings.TrimSpace(string(detail)),
		}
	}
	return nil
}

// Probe posts a single throwaway event to verify the collector accepts the
// token. Satisfies source.HECProber.
func (c *HECClient) Probe(ctx context.Context, url, token, sourceName, message string) error {
	payload, err := encodeEvents(BuildEvents([]string{message}, sourceName, nil))
	if err != nil {
		return err
	}
	return c.Post(ctx, url, token, payload)
}

// HECSink delivers batches to each source's collector endpoint.
type HECSink struct {
	client  *HECClient
	backoff time.Duration
	logger  *slog.Logger
}

// HECConfig configures an HECSink.
type HECConfig struct {
	// Client is the shared collector client. If nil, a fresh one is created.
	Client *HECClient

	// Backoff is the base delay between retries. Defaults to 500ms.
	Backoff time.Duration

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// NewHECSink creates an HECSink.
func NewHECSink(cfg HECConfig) *HECSink {
	if cfg.Client == nil {
		cfg.Client = NewHECClient(cfg.Logger)
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = retryBackoff
	}
	return &HECSink{
		client:  cfg.Client,
		backoff: cfg.Backoff,
		logger:  logging.Default(cfg.Logger).With("component", "sink"),
	}
}

// Deliver posts the batch as newline-joined event JSON. Transport errors
// and 5xx responses are retried with growing backoff; 4xx responses fail
// immediately since resending the same payload cannot help.
func (s *HECSink) Deliver(ctx context.Context, src source.Source, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	payload, err := encodeEvents(events)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= deliverAttempts; attempt++ {
		err := s.client.Post(ctx, src.HECURL, src.HECToken, payload)
		if err == nil {
			if attempt > 1 {
				s.logger.Info("hec delivery recovered",
					"source", src.Name, "attempt", attempt)
			}
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return fmt.Errorf("deliver to hec: %w", err)
		}
		if attempt == deliverAttempts {
			break
		}
		s.logger.Warn("hec delivery failed, retrying",
			"source", src.Name, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * s.backoff):
		}
	}
	return fmt.Errorf("deliver to hec: %w", lastErr)
}

// retryable reports whether another attempt can succeed.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return true
}

// encodeEvents renders events as newline-joined JSON objects.
func encodeEvents(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	for i, ev := range events {
		if i > 0 {
			buf.WriteByte('\n')
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode event: %w", err)
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}
