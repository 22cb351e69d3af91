package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"strings"
)

type ErrorType string

const (
	ErrorConnection    ErrorType = "connection"
	ErrorSerialization ErrorType = "serialization"
	ErrorAuthorization ErrorType = "authorization"
	ErrorRateLimit     ErrorType = "rate_limit"
	ErrorBroker        ErrorType = "broker"
	ErrorTransport     ErrorType = "transport"
	ErrorTimeout       ErrorType = "timeout"
	ErrorUnknown       ErrorType = "unknown"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityOf maps an error type to its fixed severity. Critical failures are
// never retried.
func SeverityOf(t ErrorType) Severity {
	switch t {
	case ErrorAuthorization:
		return SeverityCritical
	case ErrorBroker, ErrorSerialization:
		return SeverityHigh
	case ErrorRateLimit:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// Classify derives an ErrorType from typed errors first and falls back to
// keywords in the message.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorUnknown
	}

	var (
		unsupported *json.UnsupportedTypeError
		unsupVal    *json.UnsupportedValueError
		marshaler   *json.MarshalerError
		syntax      *json.SyntaxError
		netErr      net.Error
	)
	switch {
	case errors.Is(err, ErrUnauthorized):
		return ErrorAuthorization
	case errors.Is(err, ErrPublishFailed), errors.Is(err, ErrNoPublisher):
		return ErrorBroker
	case errors.As(err, &unsupported), errors.As(err, &unsupVal), errors.As(err, &marshaler), errors.As(err, &syntax):
		return ErrorSerialization
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ErrorTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrorTimeout
	case errors.Is(err, ErrRecipientGone), errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe):
		return ErrorConnection
	case errors.Is(err, ErrBackpressure):
		return ErrorTransport
	}
	return classifyMessage(strings.ToLower(err.Error()))
}

var keywordRules = []struct {
	t     ErrorType
	words []string
}{
	{ErrorSerialization, []string{"serializ", "marshal", "encode", "decode", "invalid json"}},
	{ErrorAuthorization, []string{"unauthorized", "forbidden", "permission denied", "not authorized", "authentication"}},
	{ErrorRateLimit, []string{"rate limit", "rate_limit", "too many requests", "throttl"}},
	{ErrorTimeout, []string{"timeout", "timed out", "deadline"}},
	{ErrorBroker, []string{"broker", "redis", "pubsub", "publish"}},
	{ErrorConnection, []string{"connection", "disconnect", "closed", "reset by peer", "broken pipe", "eof"}},
	{ErrorTransport, []string{"websocket", "transport", "write", "send"}},
}

func classifyMessage(msg string) ErrorType {
	for _, rule := range keywordRules {
		for _, w := range rule.words {
			if strings.Contains(msg, w) {
				return rule.t
			}
		}
	}
	return ErrorUnknown
}
