// Package errors classifies failures from LLM transports, tools and storage
// so retry layers can decide between backing off and aborting.
package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind is the coarse error classification used by retry decisions.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindRateLimit  Kind = "rate_limit"
	KindServer     Kind = "server"
	KindAuth       Kind = "auth"
	KindValidation Kind = "validation"
	KindUnknown    Kind = "unknown"
)

// Retryable reports whether an error of this kind is worth another attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimit, KindServer:
		return true
	default:
		return false
	}
}

// TransientError marks an error as retryable regardless of its message.
type TransientError struct {
	Err     error
	Message string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks an error as non-retryable regardless of its message.
type PermanentError struct {
	Err     error
	Message string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// NewTransient wraps err as explicitly retryable.
func NewTransient(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanent wraps err as explicitly non-retryable.
func NewPermanent(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

var (
	ratePatterns    = []string{"rate limit", "rate_limit", "too many requests", "429", "quota"}
	timeoutPatterns = []string{"timeout", "timed out", "deadline exceeded"}
	networkPatterns = []string{
		"connection refused", "connection reset", "broken pipe",
		"network", "dns", "no such host", "unreachable",
	}
	serverPatterns = []string{"500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "overloaded"}
	authPatterns   = []string{"unauthorized", "401", "403", "forbidden", "invalid api key", "authentication", "permission denied"}
	validatePatterns = []string{
		"validation", "invalid input", "invalid argument", "bad request", "400",
		"schema", "unprocessable", "missing required",
	}
)

// Classify maps an error (or a raw failure message) to a Kind.
//
// Message sniffing is deliberate: tool and LLM failures frequently arrive as
// plain strings from subprocesses or HTTP bodies, not typed errors.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return KindNetwork
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return KindValidation
	}
	if isTimeoutError(err) {
		return KindTimeout
	}
	if isNetworkError(err) {
		return KindNetwork
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage classifies a bare failure string.
func ClassifyMessage(message string) Kind {
	lower := strings.ToLower(message)
	for _, p := range ratePatterns {
		if strings.Contains(lower, p) {
			return KindRateLimit
		}
	}
	for _, p := range timeoutPatterns {
		if strings.Contains(lower, p) {
			return KindTimeout
		}
	}
	for _, p := range networkPatterns {
		if strings.Contains(lower, p) {
			return KindNetwork
		}
	}
	for _, p := range authPatterns {
		if strings.Contains(lower, p) {
			return KindAuth
		}
	}
	for _, p := range validatePatterns {
		if strings.Contains(lower, p) {
			return KindValidation
		}
	}
	for _, p := range serverPatterns {
		if strings.Contains(lower, p) {
			return KindServer
		}
	}
	return KindUnknown
}

// IsTransient checks if an error is retryable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	if isNetworkError(err) || isTimeoutError(err) || isSyscallError(err) {
		return true
	}
	if code := httpStatusCode(err); code > 0 {
		return isTransientHTTPStatus(code)
	}
	return Classify(err).Retryable()
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, p := range timeoutPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func isNetworkError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, p := range networkPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

func isTransientHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func httpStatusCode(err error) int {
	lower := strings.ToLower(err.Error())
	for _, code := range []int{400, 401, 403, 404, 429, 500, 502, 503, 504} {
		if strings.Contains(lower, fmt.Sprintf("status %d", code)) ||
			strings.Contains(lower, fmt.Sprintf(" %d:", code)) {
			return code
		}
	}
	return 0
}
