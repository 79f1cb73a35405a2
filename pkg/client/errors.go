package client

import (
	"errors"
	"fmt"
)

// ErrMalformedEnvelope is wrapped by protocol errors.
var ErrMalformedEnvelope = errors.New("malformed page envelope")

// ErrorClass represents a classification of page request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassProtocol represents a 2xx response whose body is not a valid envelope.
	ErrorClassProtocol ErrorClass = "protocol"
)

// APIError is a page-level failure with additional context.
// Every class is retried by the fetcher; the class is kept for logs and metrics.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Offset     int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("API %s error (status %d, offset %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Offset, e.Message, e.Err)
	}
	return fmt.Sprintf("API %s error (status %d, offset %d): %s",
		e.ErrorClass, e.StatusCode, e.Offset, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// ClassOf returns the error class of err, or "" if err is not an APIError.
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorClass
	}
	return ""
}

// classifyStatus maps a non-2xx status code to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == 429:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassProtocol
	}
}
