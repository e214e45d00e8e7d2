// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport delivers queued session snapshots to the signing
// authority over HTTP. The sync queue treats it as a Replicator and decides
// retry policy from the error classification exposed here.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianSign/services/signing/store"
)

// ErrUnavailable marks a delivery failure that is worth retrying: the
// authority could not be reached, or answered with a transient status.
var ErrUnavailable = errors.New("authority unavailable")

// RemoteError is a terminal rejection from the authority. Retrying the same
// payload will not change the outcome.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("authority rejected request: status %d: %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether a Replicate error should be retried with
// backoff rather than dead-lettered.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return false
	}
	return true
}

// Replicator delivers one queued item to the signing authority.
type Replicator interface {
	// Replicate sends the item's payload. A nil return means the authority
	// durably accepted it. Errors are classified by IsRetryable.
	Replicate(ctx context.Context, item store.QueueItem) error
}

// CredentialSource supplies the bearer token presented to the authority.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a CredentialSource holding a fixed token. An empty token
// sends unauthenticated requests.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// -----------------------------------------------------------------------------
// HTTP replicator
// -----------------------------------------------------------------------------

// Config controls the HTTP replicator.
type Config struct {
	// Endpoint is the authority base URL, e.g. "https://sign.example.com".
	Endpoint string

	// Timeout bounds a single delivery attempt.
	Timeout time.Duration

	// RequestsPerSecond throttles outbound deliveries. Zero disables the
	// limiter.
	RequestsPerSecond float64

	// Burst is the limiter burst size when throttling is enabled.
	Burst int

	// Credentials supplies the bearer token. Optional.
	Credentials CredentialSource
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
		return fmt.Errorf("endpoint must be an http(s) URL, got %q", c.Endpoint)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second must be >= 0, got %v", c.RequestsPerSecond)
	}
	return nil
}

// HTTPReplicator posts session snapshots to the authority's session
// endpoints.
//
// Thread Safety: Safe for concurrent use.
type HTTPReplicator struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	creds    CredentialSource
	logger   *slog.Logger
}

// NewHTTPReplicator builds a replicator for the configured authority.
func NewHTTPReplicator(cfg Config, logger *slog.Logger) (*HTTPReplicator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("transport config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	return &HTTPReplicator{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  limiter,
		creds:    cfg.Credentials,
		logger:   logger.With(slog.String("component", "http_replicator")),
	}, nil
}

// Replicate posts one queued item to POST {endpoint}/v1/sessions/{action}.
//
// Outputs:
//   - error: nil on 2xx. Connection failures and 408/429/5xx responses wrap
//     ErrUnavailable and are retryable. Any other non-2xx status is a
//     terminal *RemoteError.
func (r *HTTPReplicator) Replicate(ctx context.Context, item store.QueueItem) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limit wait: %w", ErrUnavailable, err)
		}
	}

	url := fmt.Sprintf("%s/v1/sessions/%s", r.endpoint, item.Action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(item.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Item-ID", item.ID)
	req.Header.Set("X-Session-ID", item.SessionID)
	if r.creds != nil {
		token, err := r.creds.Token(ctx)
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if retryableStatus(resp.StatusCode) {
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	r.logger.WarnContext(ctx, "authority rejected item",
		slog.String("item_id", item.ID),
		slog.String("session_id", item.SessionID),
		slog.Int("status", resp.StatusCode),
	)
	return &RemoteError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
