package internal

import (
	"math/rand"
	"time"
)

// AuthMode selects which headers the request executor attaches to a call
type AuthMode int

const (
	// AuthNone sends only the fixed API identity header.
	AuthNone AuthMode = iota
	// AuthAPIKey is equivalent to AuthNone; the identity header carries
	// authorization for unauthenticated public endpoints.
	AuthAPIKey
	// AuthBearer adds an Authorization: Bearer header.
	AuthBearer
	// AuthOAuthExchange adds HTTP Basic authorization built from the client
	// id/secret and form-encodes the body (token exchange only).
	AuthOAuthExchange
	// AuthOAuthRefresh form-encodes the body with no Authorization header;
	// the refresh token inside the body is the credential.
	AuthOAuthRefresh
)

// AuthContext carries the credentials for a single request. It is built per
// call and never persisted.
type AuthContext struct {
	Mode         AuthMode
	AccessToken  string
	ClientID     string
	ClientSecret string
}

// RequestSpec is an immutable description of one outbound call. Body is
// serialized to JSON for ordinary calls and form-urlencoded for the two
// OAuth modes; a map[string]string body is required for the latter.
type RequestSpec struct {
	Method string
	URL    string
	Body   interface{}
	Auth   AuthContext
}

// RetryPolicy is process-wide retry configuration, set once at client
// construction and read-only thereafter. Counters derived from it live per
// call, never in shared state.
type RetryPolicy struct {
	// MaxRetries bounds transient-failure (5xx) resubmissions per call.
	MaxRetries int
	// MaxRateLimitRetries bounds 429 resubmissions per call.
	MaxRateLimitRetries int
	// BackoffUnit scales the jittered wait. The reference behavior sleeps
	// (rand+0.93)/2 seconds, which a 500ms unit reproduces exactly.
	BackoffUnit time.Duration
}

const (
	backoffJitterBase = 0.93
	backoffJitterSpan = 0.5
)

// DefaultRetryPolicy returns the default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          3,
		MaxRateLimitRetries: 3,
		BackoffUnit:         500 * time.Millisecond,
	}
}

// Backoff returns one randomized wait: uniform jitter in [0.93, 1.43) times
// the policy unit. Randomization desynchronizes concurrent callers retrying
// against the same rate limit.
func (p RetryPolicy) Backoff() time.Duration {
	unit := p.BackoffUnit
	if unit <= 0 {
		unit = 500 * time.Millisecond
	}
	jitter := backoffJitterBase + rand.Float64()*backoffJitterSpan
	return time.Duration(jitter * float64(unit))
}

// Token is the OAuth token document issued by the remote service. The
// library produces and refreshes tokens; storing them is the caller's
// responsibility.
type Token struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	MembershipID     string `json:"membership_id"`
}
