package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrInvalidRequest is returned for 400 responses.
	ErrInvalidRequest = errors.New("invalid publish request")
	// ErrRateLimited is returned when retries are exhausted on 429 responses.
	ErrRateLimited = errors.New("rate limited")
)

// PublishRequest is the body of POST /v1/publish.
type PublishRequest struct {
	Identities []string        `json:"identities"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

// PublishResult is the server's answer to a publish.
type PublishResult struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
	Recipients int       `json:"recipients"`
	Delivered  int       `json:"delivered"`
	Dropped    int       `json:"dropped"`
	Offline    int       `json:"offline"`
}

// Publisher posts events to a server's publish endpoint.
type Publisher struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewPublisher creates a Publisher for the server at baseURL.
func NewPublisher(baseURL string, tokens TokenSource, ratePerSec int, timeout, retryDelay time.Duration, retryCount int, logger *zap.Logger) *Publisher {
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	return &Publisher{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
			Timeout: timeout,
		},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		retryCount: retryCount,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// Publish sends one event to identities, retrying transient failures with
// exponential backoff.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	url := p.baseURL + "/v1/publish"

	token, err := p.tokens.EnsureToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("ensuring token: %w", err)
	}
	refreshed := false

	var lastErr error
	for attempt := 0; attempt <= p.retryCount; attempt++ {
		if attempt > 0 {
			delay := p.retryDelay * time.Duration(1<<(attempt-1)) // Exponential backoff
			p.logger.Debug("retrying publish", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+token)

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && !refreshed:
			refreshed = true
			if token, err = p.tokens.RefreshToken(ctx); err != nil {
				return nil, fmt.Errorf("%w: refresh failed: %v", ErrCredentialRejected, err)
			}
			attempt-- // a refresh is not a retry
			continue
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: status %d", ErrCredentialRejected, resp.StatusCode)
		case resp.StatusCode == http.StatusBadRequest:
			return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, strings.TrimSpace(string(respBody)))
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = ErrRateLimited
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted:
			return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
		}

		var result PublishResult
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		return &result, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
