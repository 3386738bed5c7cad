package internal

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies every failure the library can surface
type ErrorKind int

const (
	ErrUnsupportedLanguage ErrorKind = iota
	ErrInvalidDefinition
	ErrEntryNotFound
	ErrUpstreamUnavailable
	ErrTransientHTTPFailure
	ErrRateLimited
	ErrRetriesExhausted
	ErrAuthenticationMisuse
)

// String returns the string representation of ErrorKind
func (k ErrorKind) String() string {
	switch k {
	case ErrUnsupportedLanguage:
		return "UnsupportedLanguage"
	case ErrInvalidDefinition:
		return "InvalidDefinition"
	case ErrEntryNotFound:
		return "EntryNotFound"
	case ErrUpstreamUnavailable:
		return "UpstreamUnavailable"
	case ErrTransientHTTPFailure:
		return "TransientHTTPFailure"
	case ErrRateLimited:
		return "RateLimited"
	case ErrRetriesExhausted:
		return "RetriesExhausted"
	case ErrAuthenticationMisuse:
		return "AuthenticationMisuse"
	default:
		return "Unknown"
	}
}

// ClientError is the error type returned by every component of the library.
// Callers inspect the Kind to distinguish conditions that can never succeed
// (bad language, bad definition, bad OAuth state) from infrastructure
// problems (upstream unavailable) and exhausted retry budgets.
type ClientError struct {
	Kind       ErrorKind              `json:"kind"`
	Status     int                    `json:"status,omitempty"`
	Message    string                 `json:"message"`
	URL        string                 `json:"url,omitempty"`
	RetryAfter float64                `json:"retry_after,omitempty"` // seconds
	Context    map[string]interface{} `json:"context,omitempty"`
	cause      error
}

// Error implements the error interface
func (e *ClientError) Error() string {
	parts := []string{fmt.Sprintf("destigo error (kind: %s)", e.Kind)}

	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status %d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.URL != "" {
		parts = append(parts, fmt.Sprintf("url: %s", redactSensitiveURL(e.URL)))
	}
	if e.RetryAfter > 0 {
		parts = append(parts, fmt.Sprintf("retry after %.2fs", e.RetryAfter))
	}

	return strings.Join(parts, " - ")
}

// Unwrap exposes the underlying cause, if any, to errors.Is/As chains
func (e *ClientError) Unwrap() error {
	return e.cause
}

// WithURL attaches the request URL to the error (redacted when printed)
func (e *ClientError) WithURL(url string) *ClientError {
	e.URL = url
	return e
}

// WithCause attaches an underlying error
func (e *ClientError) WithCause(err error) *ClientError {
	e.cause = err
	return e
}

// WithContext attaches a diagnostic key/value pair
func (e *ClientError) WithContext(key string, value interface{}) *ClientError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewClientError creates a ClientError of the given kind
func NewClientError(kind ErrorKind, message string) *ClientError {
	return &ClientError{Kind: kind, Message: message}
}

// NewHTTPError creates a ClientError that carries an HTTP status code
func NewHTTPError(kind ErrorKind, status int, message string) *ClientError {
	return &ClientError{Kind: kind, Status: status, Message: message}
}

// NewUnsupportedLanguageError reports a language outside the manifest's
// enumerated set.
func NewUnsupportedLanguageError(language string) *ClientError {
	return NewClientError(ErrUnsupportedLanguage, fmt.Sprintf("unsupported language: %s", language)).
		WithContext("language", language)
}

// NewInvalidDefinitionError reports a lookup against a definition table that
// does not exist in the content database.
func NewInvalidDefinitionError(definition string) *ClientError {
	return NewClientError(ErrInvalidDefinition, fmt.Sprintf("invalid definition: %s", definition)).
		WithContext("definition", definition)
}

// NewEntryNotFoundError reports a valid definition table with no matching row
func NewEntryNotFoundError(definition string, key interface{}) *ClientError {
	return NewClientError(ErrEntryNotFound, fmt.Sprintf("no entry found with id: %v", key)).
		WithContext("definition", definition).
		WithContext("key", key)
}

// NewUpstreamUnavailableError reports a remote call that failed outside the
// retry policy, including the status and reason text for diagnosis.
func NewUpstreamUnavailableError(status int, reason string) *ClientError {
	return NewHTTPError(ErrUpstreamUnavailable, status, reason)
}

// NewRateLimitedError reports a 429 with the server-specified wait interval
func NewRateLimitedError(retryAfter float64, url string) *ClientError {
	e := NewHTTPError(ErrRateLimited, 429, "rate limited").WithURL(url)
	e.RetryAfter = retryAfter
	return e
}

// NewRetriesExhaustedError reports that a per-call retry budget was consumed
func NewRetriesExhaustedError(status int, attempts int) *ClientError {
	return NewHTTPError(ErrRetriesExhausted, status,
		fmt.Sprintf("retry budget consumed after %d attempts", attempts)).
		WithContext("attempts", attempts)
}

// NewAuthenticationMisuseError reports a protocol violation: a non-JSON
// rate-limit body, or an OAuth state that was never issued.
func NewAuthenticationMisuseError(message string) *ClientError {
	return NewClientError(ErrAuthenticationMisuse, message)
}

// IsKind reports whether err is a ClientError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or -1 when err is not a ClientError
func KindOf(err error) ErrorKind {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrorKind(-1)
}

// redactSensitiveURL redacts query parameters that might carry credentials
func redactSensitiveURL(url string) string {
	if strings.Contains(url, "?") {
		parts := strings.SplitN(url, "?", 2)
		return parts[0] + "?[REDACTED]"
	}
	return url
}
