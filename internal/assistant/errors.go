package assistant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	CodeValidation   = "validation"
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeRateLimited  = "rate_limited"
	CodeUnavailable  = "unavailable"
	CodeTimeout      = "timeout"
	CodeInternal     = "internal"
)

var ErrNoMessages = errors.New("thread has no text messages")

// Error is a failure returned by the hosted assistant service.
type Error struct {
	Op        string
	Code      string
	Status    int
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Code, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a remote not-found failure.
func IsNotFound(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == CodeNotFound
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	status := statusOf(err)
	code := classify(err, status)
	return &Error{
		Op:        op,
		Code:      code,
		Status:    status,
		Transient: code == CodeRateLimited || code == CodeUnavailable || code == CodeTimeout,
		Err:       err,
	}
}

func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func classify(err error, status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeUnauthorized
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusRequestTimeout:
		return CodeTimeout
	case status >= 500:
		return CodeUnavailable
	case status >= 400:
		return CodeValidation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CodeTimeout
	}
	if errors.As(err, &ne) || strings.Contains(strings.ToLower(err.Error()), "connection refused") {
		return CodeUnavailable
	}
	return CodeInternal
}
