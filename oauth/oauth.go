// Package oauth implements the authorization-code flow against the remote
// service: issuing authorize links, exchanging codes for tokens and
// refreshing tokens. Token storage and refresh scheduling belong to the
// caller.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"destigo/internal"
	"destigo/requester"
)

const (
	// TokenURL is the token endpoint for code exchange and refresh.
	TokenURL = "https://www.bungie.net/platform/app/oauth/token/"
	// AuthorizeURL is the user-facing authorize endpoint.
	AuthorizeURL = "https://www.bungie.net/en/OAuth/authorize"
)

// Flow issues authorization links and exchanges or refreshes tokens.
//
// Outstanding state nonces are tracked as a set scoped to the Flow instance,
// so multiple authorization attempts can be in flight at once; generating a
// new link does not invalidate earlier ones. A nonce is retired when its
// exchange succeeds and can never be replayed.
type Flow struct {
	clientID     string
	clientSecret string
	redirectURL  string
	requester    *requester.Requester
	log          *internal.SecureLogger

	tokenURL     string
	authorizeURL string

	mu     sync.Mutex
	states map[string]struct{}
}

// New creates a Flow riding the given requester
func New(clientID, clientSecret, redirectURL string, req *requester.Requester, logger *internal.SecureLogger) *Flow {
	if logger == nil {
		logger = internal.GetLogger()
	}
	return &Flow{
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURL:  redirectURL,
		requester:    req,
		log:          logger,
		tokenURL:     TokenURL,
		authorizeURL: AuthorizeURL,
		states:       make(map[string]struct{}),
	}
}

// SetEndpoints overrides the authorize and token endpoints, for self-hosted
// mirrors and tests.
func (f *Flow) SetEndpoints(authorizeURL, tokenURL string) {
	if authorizeURL != "" {
		f.authorizeURL = authorizeURL
	}
	if tokenURL != "" {
		f.tokenURL = tokenURL
	}
}

// GenAuthLink generates a fresh unguessable state nonce, records it as
// outstanding and returns the authorize URL the user should visit, together
// with the nonce.
func (f *Flow) GenAuthLink() (string, string) {
	f.log.Info("Generating auth link...")

	state := strings.ReplaceAll(uuid.New().String(), "-", "")

	f.mu.Lock()
	f.states[state] = struct{}{}
	f.mu.Unlock()

	link := fmt.Sprintf("%s?client_id=%s&response_type=code&state=%s&redirect_uri=%s",
		f.authorizeURL, url.QueryEscape(f.clientID), state, url.QueryEscape(f.redirectURL))
	return link, state
}

// FetchTokenFromURL extracts the authorization code and state from the
// callback URL the user was redirected to and exchanges them for a token.
func (f *Flow) FetchTokenFromURL(ctx context.Context, callbackURL string) (*internal.Token, error) {
	parsed, err := url.Parse(callbackURL)
	if err != nil {
		return nil, internal.NewAuthenticationMisuseError("malformed callback URL").WithCause(err)
	}

	query := parsed.Query()
	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		return nil, internal.NewAuthenticationMisuseError("callback URL is missing code or state")
	}

	return f.FetchToken(ctx, code, state)
}

// FetchToken validates state against the outstanding-nonce set and, if
// valid, exchanges the authorization code for a token. An unknown state
// fails without any network call. On success the nonce is retired.
func (f *Flow) FetchToken(ctx context.Context, code, state string) (*internal.Token, error) {
	f.mu.Lock()
	_, ok := f.states[state]
	f.mu.Unlock()
	if !ok {
		return nil, internal.NewAuthenticationMisuseError("state mismatch: not an outstanding authorization attempt")
	}

	f.log.Debug("State is valid, fetching token...")

	payload := map[string]string{
		"grant_type": "authorization_code",
		"client_id":  f.clientID,
		"code":       code,
	}

	raw, err := f.requester.Execute(ctx, internal.RequestSpec{
		Method: "POST",
		URL:    f.tokenURL,
		Body:   payload,
		Auth: internal.AuthContext{
			Mode:         internal.AuthOAuthExchange,
			ClientID:     f.clientID,
			ClientSecret: f.clientSecret,
		},
	})
	if err != nil {
		return nil, err
	}

	token, err := parseToken(raw)
	if err != nil {
		return nil, err
	}

	// Replay protection: the nonce is single-use.
	f.mu.Lock()
	delete(f.states, state)
	f.mu.Unlock()

	return token, nil
}

// RefreshToken exchanges token's refresh token for a new token. The
// outstanding-nonce set is untouched.
func (f *Flow) RefreshToken(ctx context.Context, token *internal.Token) (*internal.Token, error) {
	if token == nil || token.RefreshToken == "" {
		return nil, internal.NewAuthenticationMisuseError("refresh requires a token with a refresh_token")
	}

	f.log.Info("Refreshing token for %s...", token.MembershipID)

	payload := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": token.RefreshToken,
		"client_id":     f.clientID,
		"client_secret": f.clientSecret,
	}

	raw, err := f.requester.Execute(ctx, internal.RequestSpec{
		Method: "POST",
		URL:    f.tokenURL,
		Body:   payload,
		Auth: internal.AuthContext{
			Mode:         internal.AuthOAuthRefresh,
			ClientID:     f.clientID,
			ClientSecret: f.clientSecret,
		},
	})
	if err != nil {
		return nil, err
	}

	return parseToken(raw)
}

// OutstandingStates returns the number of authorization attempts awaiting
// exchange.
func (f *Flow) OutstandingStates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.states)
}

func parseToken(raw json.RawMessage) (*internal.Token, error) {
	var token internal.Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, internal.NewUpstreamUnavailableError(0, "malformed token document").WithCause(err)
	}
	if token.AccessToken == "" {
		return nil, internal.NewUpstreamUnavailableError(0, "token document is missing access_token")
	}
	return &token, nil
}
