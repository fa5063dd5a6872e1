// Package extractor provides a client for the external document-
// understanding service. This package centralizes all provider
// interactions for the application.
package extractor

import (
	"fmt"
	"time"
)

// APIError represents an error response from the extraction provider.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("extractor API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// Retryable reports whether the status code signals a transient condition.
// 408, 425 and 429 are explicitly retryable; so is every 5xx.
func (e *APIError) Retryable() bool {
	switch e.StatusCode {
	case 408, 425, 429:
		return true
	}
	return e.StatusCode >= 500
}

// RateLimitError represents a provider rate limit response.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("extractor rate limit exceeded, retry after %v", e.RetryAfter)
}

// submitResponse is the fallback body shape when the provider returns the
// operation handle in JSON rather than the Operation-Location header.
type submitResponse struct {
	OperationID string `json:"operation_id"`
}

// operationResponse is the provider's poll body.
type operationResponse struct {
	Status     string                 `json:"status"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	Confidence float64                `json:"confidence,omitempty"`
	Error      string                 `json:"error,omitempty"`
}
