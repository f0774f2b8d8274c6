package breaker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
)

// Classifier turns transport errors, HTTP statuses and response bodies into
// typed error kinds. Status and error-type checks come first; the
// configurable message patterns are the fallback for backends that bury the
// real failure inside a 500 body.
type Classifier struct {
	nonRetryable []string
	transient    []string
}

func NewClassifier(cfg config.ErrorPatternsConfig) *Classifier {
	lower := func(in []string) []string {
		out := make([]string, len(in))
		for i, s := range in {
			out[i] = strings.ToLower(s)
		}
		return out
	}
	return &Classifier{
		nonRetryable: lower(cfg.NonRetryable),
		transient:    lower(cfg.Transient),
	}
}

// ClassifyError classifies a transport-level failure (no HTTP response).
func (c *Classifier) ClassifyError(err error) domain.ErrorKind {
	if err == nil {
		return domain.ErrKindNone
	}

	if errors.Is(err, context.Canceled) {
		return domain.ErrKindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrKindTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return domain.ErrKindDNSFailure
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return domain.ErrKindConnectionRefused
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return domain.ErrKindConnectionReset
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrKindTimeout
	}

	return c.classifyMessage(err.Error())
}

// ClassifyResponse classifies an HTTP response by status first, then body.
func (c *Classifier) ClassifyResponse(status int, body string) domain.ErrorKind {
	switch status {
	case http.StatusNotFound:
		return domain.ErrKindModelNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrKindUnauthorized
	case http.StatusBadRequest:
		return domain.ErrKindBadRequest
	case http.StatusTooManyRequests:
		return domain.ErrKindRateLimit
	case http.StatusServiceUnavailable:
		return domain.ErrKindServiceUnavailable
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return domain.ErrKindHTTPGateway
	}

	if status >= 500 {
		// 5xx bodies sometimes carry the real failure.
		if kind := c.classifyMessage(body); kind != domain.ErrKindUnknown {
			return kind
		}
		return domain.ErrKindHTTPGateway
	}
	if status >= 400 {
		return domain.ErrKindBadRequest
	}
	return domain.ErrKindNone
}

func (c *Classifier) classifyMessage(msg string) domain.ErrorKind {
	lowered := strings.ToLower(msg)

	for _, pattern := range c.nonRetryable {
		if strings.Contains(lowered, pattern) {
			return nonRetryableKindFor(pattern)
		}
	}
	for _, pattern := range c.transient {
		if strings.Contains(lowered, pattern) {
			return transientKindFor(pattern)
		}
	}
	return domain.ErrKindUnknown
}

func nonRetryableKindFor(pattern string) domain.ErrorKind {
	switch {
	case strings.Contains(pattern, "not found"):
		return domain.ErrKindModelNotFound
	case strings.Contains(pattern, "unauthorized"), strings.Contains(pattern, "forbidden"):
		return domain.ErrKindUnauthorized
	case strings.Contains(pattern, "invalid"), strings.Contains(pattern, "bad request"):
		return domain.ErrKindBadRequest
	case strings.Contains(pattern, "ram"), strings.Contains(pattern, "memory"):
		return domain.ErrKindOutOfMemory
	case strings.Contains(pattern, "runner"):
		return domain.ErrKindRunnerTerminated
	case strings.Contains(pattern, "fatal"):
		return domain.ErrKindFatalModelServer
	default:
		return domain.ErrKindFatalModelServer
	}
}

func transientKindFor(pattern string) domain.ErrorKind {
	switch {
	case strings.Contains(pattern, "rate limit"), strings.Contains(pattern, "too many requests"):
		return domain.ErrKindRateLimit
	case strings.Contains(pattern, "refused"):
		return domain.ErrKindConnectionRefused
	case strings.Contains(pattern, "reset"):
		return domain.ErrKindConnectionReset
	case strings.Contains(pattern, "gateway"):
		return domain.ErrKindHTTPGateway
	case strings.Contains(pattern, "unavailable"):
		return domain.ErrKindServiceUnavailable
	default:
		return domain.ErrKindTimeout
	}
}

// ProbeRetryable reports whether a health-probe failure kind warrants an
// in-probe retry.
func ProbeRetryable(kind domain.ErrorKind) bool {
	switch kind {
	case domain.ErrKindTimeout, domain.ErrKindConnectionRefused,
		domain.ErrKindConnectionReset, domain.ErrKindDNSFailure,
		domain.ErrKindServiceUnavailable, domain.ErrKindHTTPGateway:
		return true
	default:
		return false
	}
}
