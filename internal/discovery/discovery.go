// Package discovery implements the Credential & Discovery Client
// (spec.md §4.4, component D): OAuth2 token acquisition and refresh,
// and service-discovery queries that resolve a host/port endpoint list
// for a channel before it dials. Built on internal/httpkit's shared
// HTTP client the way every other outbound HTTP call in this module is.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fathomdata/ommreactor/internal/config"
	"github.com/fathomdata/ommreactor/internal/httpkit"
	"github.com/fathomdata/ommreactor/internal/reactorerr"
)

// Token is an OAuth2 access token plus the bookkeeping needed to
// refresh it before it expires.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

// Credentials matches config.Credentials; kept as a separate type so
// this package does not need to import config for its public API.
type Credentials struct {
	Username            string
	Password            string
	ClientID            string
	ClientSecret        string
	TokenScope          string
	TakeExclusiveSignOn bool
}

// FromConfigCredentials converts config.Credentials (as loaded from
// YAML) into the Credentials type this package operates on.
func FromConfigCredentials(c *config.Credentials) Credentials {
	if c == nil {
		return Credentials{}
	}
	return Credentials{
		Username:            c.Username,
		Password:            c.Password,
		ClientID:            c.ClientID,
		ClientSecret:        c.ClientSecret,
		TokenScope:          c.TokenScope,
		TakeExclusiveSignOn: c.TakeExclusiveSignOn,
	}
}

// sameGrant reports whether two credentials for the same username are
// structurally identical, the invariant spec.md §3's Token Session
// requires across channels that share a username.
func sameGrant(a, b Credentials) bool {
	return mismatchedField(a, b) == ""
}

// mismatchedField returns the name of the first field on which a and b
// differ, or "" if they are structurally identical (spec.md §3's
// shared Token Session invariant, and §4.4's requirement that a
// credential-mismatch error name the offending field).
func mismatchedField(a, b Credentials) string {
	switch {
	case a.Username != b.Username:
		return "username"
	case a.Password != b.Password:
		return "password"
	case a.ClientID != b.ClientID:
		return "client_id"
	case a.ClientSecret != b.ClientSecret:
		return "client_secret"
	case a.TokenScope != b.TokenScope:
		return "token_scope"
	case a.TakeExclusiveSignOn != b.TakeExclusiveSignOn:
		return "take_exclusive_sign_on"
	default:
		return ""
	}
}

// TokenSession owns one shared OAuth access token for all channels
// that authenticate with the same username (spec.md §3 "Token Session").
// It refreshes the token in the background at expiresIn*0.8 and
// notifies registered channels of the refreshed value.
type TokenSession struct {
	client      *http.Client
	tokenURL    string
	creds       Credentials

	mu       sync.Mutex
	tok      *Token
	watchers []func(Token)
	cancel   context.CancelFunc
}

// NewTokenSession constructs a TokenSession for one set of credentials.
// Construction fails (reactorerr.InvalidArgument) if creds carries
// neither a password nor a client secret, since neither supported
// grant can then be formed.
func NewTokenSession(tokenServiceURL string, creds Credentials) (*TokenSession, error) {
	if creds.Username == "" && creds.ClientID == "" {
		return nil, reactorerr.InvalidField("credentials.username", "username or client_id required")
	}
	if creds.Password == "" && creds.ClientSecret == "" {
		return nil, reactorerr.InvalidField("credentials.password", "password or client_secret required")
	}
	return &TokenSession{
		client:   httpkit.NewClient(httpkit.WithRetry(2, 500*time.Millisecond)),
		tokenURL: tokenServiceURL,
		creds:    creds,
	}, nil
}

// MatchesCredentials reports whether creds is structurally identical
// to the credentials this session was built with, for enforcing the
// shared-username invariant when a second channel wants to reuse it.
func (s *TokenSession) MatchesCredentials(creds Credentials) bool {
	return sameGrant(s.creds, creds)
}

// MismatchedField returns the name of the field on which creds differs
// from the credentials this session was built with, or "" if they
// match. Used to produce a field-naming error when a second channel
// tries to share this session with incompatible credentials.
func (s *TokenSession) MismatchedField(creds Credentials) string {
	return mismatchedField(s.creds, creds)
}

// grantType selects password or client_credentials per SPEC_FULL.md's
// SUPPLEMENTED FEATURES #5: a password grant is used whenever a
// password is present, falling back to client_credentials otherwise.
func (s *TokenSession) grantType() string {
	if s.creds.Password != "" {
		return "password"
	}
	return "client_credentials"
}

// Acquire fetches an initial token and starts the background refresh
// loop. Safe to call once per TokenSession.
func (s *TokenSession) Acquire(ctx context.Context) (Token, error) {
	tok, err := s.requestToken(ctx)
	if err != nil {
		return Token{}, err
	}

	s.mu.Lock()
	s.tok = &tok
	s.mu.Unlock()

	refreshCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.refreshLoop(refreshCtx)

	return tok, nil
}

// Current returns the most recently acquired token.
func (s *TokenSession) Current() (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tok == nil {
		return Token{}, false
	}
	return *s.tok, true
}

// OnRefresh registers a callback invoked with the new Token each time
// the background loop refreshes it.
func (s *TokenSession) OnRefresh(f func(Token)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, f)
}

// Close stops the background refresh loop.
func (s *TokenSession) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *TokenSession) refreshLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		tok := s.tok
		s.mu.Unlock()
		if tok == nil {
			return
		}

		wait := time.Until(tok.ExpiresAt) * 8 / 10
		if wait <= 0 {
			wait = time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		newTok, err := s.requestToken(ctx)
		if err != nil {
			// Retry on the next tick rather than giving up the session;
			// a transient discovery-service outage should not tear down
			// already-connected channels.
			continue
		}

		s.mu.Lock()
		s.tok = &newTok
		watchers := append([]func(Token){}, s.watchers...)
		s.mu.Unlock()

		for _, w := range watchers {
			w(newTok)
		}
	}
}

func (s *TokenSession) requestToken(ctx context.Context) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", s.grantType())
	if s.creds.Username != "" {
		form.Set("username", s.creds.Username)
	}
	if s.creds.Password != "" {
		form.Set("password", s.creds.Password)
	}
	if s.creds.ClientID != "" {
		form.Set("client_id", s.creds.ClientID)
	}
	if s.creds.ClientSecret != "" {
		form.Set("client_secret", s.creds.ClientSecret)
	}
	if s.creds.TokenScope != "" {
		form.Set("scope", s.creds.TokenScope)
	}
	if s.creds.TakeExclusiveSignOn {
		form.Set("takeExclusiveSignOnControl", "true")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, reactorerr.Wrap(reactorerr.Failure, "discovery: build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return Token{}, reactorerr.Wrap(reactorerr.Failure, "discovery: token request", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return Token{}, reactorerr.New(reactorerr.Failure, fmt.Sprintf("discovery: token request failed: %d %s", resp.StatusCode, body))
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Token{}, reactorerr.Wrap(reactorerr.Failure, "discovery: decode token response", err)
	}

	return Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		TokenType:    payload.TokenType,
		ExpiresAt:    time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}

// Endpoint is one resolved host/port pair from a service discovery
// query (spec.md §4.4).
type Endpoint struct {
	Location string
	Host     string
	Port     string
}

// Client queries the service discovery endpoint for a list of
// candidate connection endpoints given a transport/dataformat pair.
// spec.md §4.4 notes tcp×json2 and websocket×rwf combinations return
// no data — Query surfaces that as an empty, non-error result so
// callers can fall back to statically configured hosts.
type Client struct {
	httpClient *http.Client
	discoveryURL string
}

// NewClient builds a discovery Client authenticated with tok's bearer
// access token.
func NewClient(discoveryURL string, tok Token) *Client {
	return &Client{
		httpClient:   httpkit.NewClient(httpkit.WithBearerToken(tok.AccessToken), httpkit.WithRetry(2, 500*time.Millisecond)),
		discoveryURL: discoveryURL,
	}
}

// unsupportedCombination reports the transport/dataFormat pairs that
// spec.md §4.4 documents as returning no data from the discovery
// service (tcp+json2, websocket+rwf).
func unsupportedCombination(transport, dataFormat string) bool {
	switch {
	case transport == "tcp" && dataFormat == "json2":
		return true
	case transport == "websocket" && dataFormat == "rwf":
		return true
	default:
		return false
	}
}

// Query resolves endpoints for the given transport/dataFormat pair.
func (c *Client) Query(ctx context.Context, opts config.ServiceDiscoveryOptions) ([]Endpoint, error) {
	if unsupportedCombination(opts.Transport, opts.DataFormat) {
		return nil, nil
	}

	u, err := url.Parse(c.discoveryURL)
	if err != nil {
		return nil, reactorerr.Wrap(reactorerr.InvalidArgument, "discovery: parse discovery url", err)
	}
	q := u.Query()
	if opts.Transport != "" {
		q.Set("transport", opts.Transport)
	}
	if opts.DataFormat != "" {
		q.Set("dataFormat", opts.DataFormat)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, reactorerr.Wrap(reactorerr.Failure, "discovery: build query request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, reactorerr.Wrap(reactorerr.Failure, "discovery: query request", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 16384)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, reactorerr.New(reactorerr.Failure, fmt.Sprintf("discovery: query failed: %d %s", resp.StatusCode, body))
	}

	var payload struct {
		Services []struct {
			Location []string `json:"location"`
			Endpoint string   `json:"endpoint"`
			Port     int      `json:"port"`
		} `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, reactorerr.Wrap(reactorerr.Failure, "discovery: decode query response", err)
	}

	endpoints := make([]Endpoint, 0, len(payload.Services))
	for _, svc := range payload.Services {
		loc := ""
		if len(svc.Location) > 0 {
			loc = svc.Location[0]
		}
		endpoints = append(endpoints, Endpoint{
			Location: loc,
			Host:     svc.Endpoint,
			Port:     strconv.Itoa(svc.Port),
		})
	}
	return endpoints, nil
}
