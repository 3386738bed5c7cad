// Package requester implements the single entry point for all outbound calls
// to the remote service: header construction per authentication mode,
// rate-limit back-pressure and bounded transient-failure retry.
package requester

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"destigo/internal"
)

// Requester executes RequestSpecs against the remote service. Retry counters
// live per call; a Requester is safe for concurrent use and concurrent calls
// back off independently.
type Requester struct {
	apiKey    string
	userAgent string
	policy    internal.RetryPolicy
	client    *http.Client
	log       *internal.SecureLogger
}

// New creates a Requester. A nil client falls back to http.DefaultClient and
// a nil logger to the global one.
func New(apiKey string, policy internal.RetryPolicy, client *http.Client, logger *internal.SecureLogger) *Requester {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = internal.GetLogger()
	}
	return &Requester{
		apiKey: apiKey,
		policy: policy,
		client: client,
		log:    logger,
	}
}

// SetUserAgent sets the User-Agent header attached to every request
func (r *Requester) SetUserAgent(userAgent string) {
	r.userAgent = userAgent
}

// ratelimitPayload is the machine-readable 429 body
type ratelimitPayload struct {
	ThrottleSeconds float64 `json:"ThrottleSeconds"`
}

// Execute performs one logical call described by spec, retrying transient
// failures and rate limits within the configured policy. On success it
// returns the raw JSON document of the response body; a 204 yields an empty
// document.
func (r *Requester) Execute(ctx context.Context, spec internal.RequestSpec) (json.RawMessage, error) {
	retries := 0
	rateLimitRetries := 0

	for {
		req, err := r.buildRequest(ctx, spec)
		if err != nil {
			return nil, err
		}
		r.log.LogHTTPRequest(req)

		start := time.Now()
		resp, err := r.client.Do(req)
		elapsed := time.Since(start)

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if retries >= r.policy.MaxRetries {
				return nil, internal.NewRetriesExhaustedError(0, retries).
					WithCause(err).WithURL(spec.URL)
			}
			wait := r.policy.Backoff()
			r.log.Warn("Request to %s failed (%v). Sleeping for %.2fs. Remaining retries: %d",
				spec.URL, err, wait.Seconds(), r.policy.MaxRetries-retries)
			retries++
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNoContent:
			resp.Body.Close()
			r.log.Debug("%s %s -> 204 No Content. Taken time: %.3fs", spec.Method, spec.URL, elapsed.Seconds())
			return json.RawMessage(`{}`), nil

		case resp.StatusCode == http.StatusTooManyRequests:
			throttle, err := r.decodeRateLimit(resp, spec)
			if err != nil {
				return nil, err
			}
			if rateLimitRetries >= r.policy.MaxRateLimitRetries {
				return nil, internal.NewRetriesExhaustedError(resp.StatusCode, rateLimitRetries).
					WithCause(internal.NewRateLimitedError(throttle, spec.URL))
			}
			wait := r.policy.Backoff() + time.Duration(throttle*float64(time.Second))
			r.log.Warn("We're being ratelimited with method %s route %s. Sleeping for %.2fs. Remaining retries: %d",
				spec.Method, spec.URL, wait.Seconds(), r.policy.MaxRateLimitRetries-rateLimitRetries)
			rateLimitRetries++
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue

		case isTransientStatus(resp.StatusCode):
			status := resp.StatusCode
			resp.Body.Close()
			if retries >= r.policy.MaxRetries {
				return nil, internal.NewRetriesExhaustedError(status, retries).
					WithCause(internal.NewHTTPError(internal.ErrTransientHTTPFailure, status, "transient upstream failure")).
					WithURL(spec.URL)
			}
			wait := r.policy.Backoff()
			r.log.Warn("Got %d status code. Sleeping for %.2fs. Remaining retries: %d",
				status, wait.Seconds(), r.policy.MaxRetries-retries)
			retries++
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, internal.NewUpstreamUnavailableError(resp.StatusCode, "failed to read response body").
					WithCause(err).WithURL(spec.URL)
			}
			r.log.Debug("%s %s -> %d %s. Taken time: %.3fs", spec.Method, spec.URL,
				resp.StatusCode, resp.Status, elapsed.Seconds())
			if len(body) == 0 {
				return json.RawMessage(`{}`), nil
			}
			if !json.Valid(body) {
				return nil, internal.NewUpstreamUnavailableError(resp.StatusCode, "response body is not valid JSON").
					WithURL(spec.URL)
			}
			return json.RawMessage(body), nil

		default:
			reason := resp.Status
			if excerpt := readExcerpt(resp.Body); excerpt != "" {
				reason = fmt.Sprintf("%s: %s", resp.Status, excerpt)
			}
			resp.Body.Close()
			r.log.Warn("%s %s -> %d %s", spec.Method, spec.URL, resp.StatusCode, resp.Status)
			return nil, internal.NewUpstreamUnavailableError(resp.StatusCode, reason).WithURL(spec.URL)
		}
	}
}

// buildRequest constructs one HTTP request from spec: headers and body
// encoding follow the authentication mode.
func (r *Requester) buildRequest(ctx context.Context, spec internal.RequestSpec) (*http.Request, error) {
	var body io.Reader
	contentType := ""

	switch spec.Auth.Mode {
	case internal.AuthOAuthExchange, internal.AuthOAuthRefresh:
		form, err := formValues(spec.Body)
		if err != nil {
			return nil, err
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		if spec.Body != nil {
			encoded, err := json.Marshal(spec.Body)
			if err != nil {
				return nil, internal.NewUpstreamUnavailableError(0, "failed to encode request body").WithCause(err)
			}
			body = bytes.NewReader(encoded)
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL, body)
	if err != nil {
		return nil, internal.NewUpstreamUnavailableError(0, "failed to create request").WithCause(err)
	}

	req.Header.Set("X-API-Key", r.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	switch spec.Auth.Mode {
	case internal.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+spec.Auth.AccessToken)
	case internal.AuthOAuthExchange:
		encoded := base64.StdEncoding.EncodeToString(
			[]byte(spec.Auth.ClientID + ":" + spec.Auth.ClientSecret))
		req.Header.Set("Authorization", "Basic "+encoded)
	}

	return req, nil
}

// decodeRateLimit extracts the server-specified wait from a 429. A non-JSON
// rate-limit body is a protocol violation.
func (r *Requester) decodeRateLimit(resp *http.Response, spec internal.RequestSpec) (float64, error) {
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		return 0, internal.NewAuthenticationMisuseError(
			fmt.Sprintf("being ratelimited on non JSON request, %s", contentType)).
			WithURL(spec.URL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, internal.NewAuthenticationMisuseError("failed to read rate-limit body").
			WithCause(err).WithURL(spec.URL)
	}

	var payload ratelimitPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, internal.NewAuthenticationMisuseError("malformed rate-limit payload").
			WithCause(err).WithURL(spec.URL)
	}

	return payload.ThrottleSeconds, nil
}

// formValues converts a spec body into url.Values for the OAuth modes
func formValues(body interface{}) (url.Values, error) {
	switch v := body.(type) {
	case nil:
		return url.Values{}, nil
	case url.Values:
		return v, nil
	case map[string]string:
		form := url.Values{}
		for key, value := range v {
			form.Set(key, value)
		}
		return form, nil
	default:
		return nil, internal.NewUpstreamUnavailableError(0,
			fmt.Sprintf("form-encoded requests need a map body, got %T", body))
	}
}

// isTransientStatus reports whether status is retried against the
// transient-failure budget.
func isTransientStatus(status int) bool {
	switch status {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// sleep waits for d or until ctx is cancelled
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readExcerpt returns the first part of a response body for diagnostics
func readExcerpt(body io.Reader) string {
	const limit = 256
	buf, err := io.ReadAll(io.LimitReader(body, limit))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(buf))
}
