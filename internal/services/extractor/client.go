package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/models"
)

const (
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 60 * time.Second
)

// Client talks to the extraction provider. Submit starts a long-running
// analysis and returns its operation handle; Poll observes it.
//
// The shared process-wide limiter gates every request, so the provider
// quota holds across submits and polls from all dispatcher workers.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     arbor.ILogger
	limiter    interfaces.Limiter
}

// Compile-time interface assertion
var _ interfaces.Extractor = (*Client)(nil)

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithLimiter sets the shared token bucket acquired before each request.
func WithLimiter(limiter interfaces.Limiter) ClientOption {
	return func(c *Client) {
		c.limiter = limiter
	}
}

// NewClient creates a new extraction provider client.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Submit posts one page payload for analysis under the given model and
// returns the provider's operation handle. The call itself returns fast;
// results arrive through Poll.
func (c *Client) Submit(ctx context.Context, modelID string, payload []byte) (string, error) {
	if err := c.acquire(ctx); err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("/models/%s:analyze", modelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("Api-Key", c.apiKey)

	if c.logger != nil {
		c.logger.Debug().
			Str("model_id", modelID).
			Int("payload_bytes", len(payload)).
			Msg("Extractor submit")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", models.WrapError(models.ErrExtractorTransient, "submit request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return "", c.apiError(resp, endpoint)
	}

	// The handle arrives in the Operation-Location header; some deployments
	// return it in the body instead.
	if loc := resp.Header.Get("Operation-Location"); loc != "" {
		return lastPathSegment(loc), nil
	}

	var body submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.OperationID == "" {
		return "", models.NewError(models.ErrExtractorPermanent, "submit response carried no operation handle")
	}
	return body.OperationID, nil
}

// Poll observes the operation once. A provider Retry-After header is
// surfaced on the result so the caller can honor it before the next poll.
func (c *Client) Poll(ctx context.Context, operationID string) (*interfaces.PollResult, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}

	endpoint := "/operations/" + operationID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, models.WrapError(models.ErrExtractorTransient, "poll request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp, endpoint)
	}

	var body operationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, models.WrapError(models.ErrExtractorTransient, "failed to decode poll response", err)
	}

	result := &interfaces.PollResult{
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		Fields:     body.Fields,
		Confidence: body.Confidence,
		Error:      body.Error,
	}

	switch strings.ToLower(body.Status) {
	case "succeeded", "completed":
		result.Status = interfaces.OperationStatusSucceeded
	case "failed", "error":
		result.Status = interfaces.OperationStatusFailed
	default:
		// notStarted, running, and anything unrecognized keep polling
		result.Status = interfaces.OperationStatusRunning
	}
	return result, nil
}

func (c *Client) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Acquire(ctx)
}

// apiError converts a non-success response into the matching error kind.
// 429 carries its Retry-After through a RateLimitError cause.
func (c *Client) apiError(resp *http.Response, endpoint string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
		Endpoint:   endpoint,
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		return models.WrapError(models.ErrExtractorTransient, apiErr.Error(), &RateLimitError{RetryAfter: retryAfter})
	}
	if apiErr.Retryable() {
		return models.WrapError(models.ErrExtractorTransient, "provider reported a transient failure", apiErr)
	}
	return models.WrapError(models.ErrExtractorPermanent, "provider rejected the request", apiErr)
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func lastPathSegment(raw string) string {
	trimmed := strings.TrimRight(raw, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	// Strip any query string the provider appended
	if idx := strings.Index(trimmed, "?"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}
