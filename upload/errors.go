package upload

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"regexp"
	"strings"
	"syscall"

	"google.golang.org/api/googleapi"
)

// ErrorClass says whether a failed part upload should be retried.
type ErrorClass int

const (
	// ErrorClassRetryable indicates a transient failure.
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates retrying cannot help.
	ErrorClassFatal
	// ErrorClassUnknown is reported for a nil error.
	ErrorClassUnknown
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Status codes only count as whole words so ports and ids in addresses do not match.
var (
	retryableText = regexp.MustCompile(`\b(500|502|503|504|429)\b|internal server error|bad gateway|service unavailable|gateway timeout|backenderror|ratelimitexceeded`)
	fatalText     = regexp.MustCompile(`\b(400|401|403)\b|unauthorized|forbidden|invalid_grant|invalid credentials|quotaexceeded|quota exceeded|uploadlimitexceeded|no such file|file does not exist|invalid title|invalid description|invalidvideometadata`)
)

// Classify sorts upload errors into retryable vs fatal.
//
// Fatal:
//   - cancellation of the caller's context
//   - API errors 400/401/403, invalid credentials, quota exceeded
//   - missing files and invalid metadata
//
// Retryable:
//   - API errors 5xx and 429
//   - network errors (reset, timeout, unexpected EOF)
//
// Typed errors are checked before the message text. Anything else is
// treated as retryable so a part is not given up on too early.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassFatal
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code >= 500 || gerr.Code == http.StatusTooManyRequests:
			return ErrorClassRetryable
		case gerr.Code == http.StatusForbidden && isRateLimit(gerr):
			return ErrorClassRetryable
		case gerr.Code >= 400:
			return ErrorClassFatal
		}
	}
	if errors.Is(err, os.ErrNotExist) {
		return ErrorClassFatal
	}
	// *url.Error is a net.Error too; only trust it for timeouts
	var operr *net.OpError
	var nerr net.Error
	if errors.As(err, &operr) || (errors.As(err, &nerr) && nerr.Timeout()) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}

	lower := strings.ToLower(err.Error())
	// server side first: "503 service unavailable" must not hit the fatal checks
	if retryableText.MatchString(lower) {
		return ErrorClassRetryable
	}
	if fatalText.MatchString(lower) {
		return ErrorClassFatal
	}
	return ErrorClassRetryable
}

// isRateLimit reports a 403 whose reason is a per-user rate limit rather than quota or auth.
func isRateLimit(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return false
}

// IsRetryable reports whether err should trigger another attempt.
func IsRetryable(err error) bool { return Classify(err) == ErrorClassRetryable }

// IsFatal reports whether err should not be retried.
func IsFatal(err error) bool { return Classify(err) == ErrorClassFatal }
