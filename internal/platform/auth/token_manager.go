package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ehr/harvester/internal/platform/telemetry"
	"github.com/ehr/harvester/pkg/fhirmodels"
)

const (
	// assertionLifetime is the exp offset of signed client assertions.
	assertionLifetime = 5 * time.Minute
	// defaultTokenLifetime applies when neither expires_in nor a JWT exp
	// claim is available.
	defaultTokenLifetime = 5 * time.Minute
	// expirySkew is subtracted from a token's expiry before it is reused.
	expirySkew = 10 * time.Second
)

// AuthenticationError is returned when the token endpoint rejects the
// request or answers without an access token. It is never retried here.
type AuthenticationError struct {
	TokenEndpoint string
	Status        int
	Reason        string
	Body          string
	Err           error
}

func (e *AuthenticationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "authentication against %s failed", e.TokenEndpoint)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": %d", e.Status)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, "; body: %s", e.Body)
	}
	return b.String()
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// accessToken is the cached bearer token. The zero value is "no token".
type accessToken struct {
	value     string
	expiresAt time.Time
}

func (t accessToken) usable(now time.Time) bool {
	return t.value != "" && t.expiresAt.Add(-expirySkew).After(now)
}

// Option configures a TokenManager.
type Option func(*TokenManager)

// WithHTTPClient overrides the client used for token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(m *TokenManager) { m.httpClient = c }
}

// WithObserver reports token requests to o.
func WithObserver(o telemetry.Observer) Option {
	return func(m *TokenManager) { m.observer = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *TokenManager) { m.now = now }
}

// TokenManager computes Authorization header values for one client
// registration, caching Backend Services access tokens until shortly
// before they expire.
type TokenManager struct {
	clientID      string
	tokenEndpoint string
	credentials   Credentials
	resources     []string

	httpClient *http.Client
	observer   telemetry.Observer
	now        func() time.Time

	mu    sync.RWMutex
	token accessToken

	// refresh admits one refresh at a time for this instance only.
	refresh *semaphore.Weighted
	// refreshes counts successful token requests.
	refreshes int
}

// NewTokenManager creates a TokenManager.
//
//   - clientID:      the registered client id (iss/sub of assertions)
//   - tokenEndpoint: the OAuth2 token URL (aud of assertions)
//   - creds:         SecretCredentials or *JWKCredentials
//   - resources:     resource types to request system read scopes for
func NewTokenManager(clientID, tokenEndpoint string, creds Credentials, resources []string, opts ...Option) *TokenManager {
	m := &TokenManager{
		clientID:      clientID,
		tokenEndpoint: tokenEndpoint,
		credentials:   creds,
		resources:     append([]string(nil), resources...),
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		observer:      telemetry.Nop,
		now:           time.Now,
		refresh:       semaphore.NewWeighted(1),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AuthorizationHeader returns the value for the Authorization header.
// Secret credentials never touch the network.
func (m *TokenManager) AuthorizationHeader(ctx context.Context) (string, error) {
	switch c := m.credentials.(type) {
	case SecretCredentials:
		return BasicAuthorization(m.clientID, c.Value), nil
	case *JWKCredentials:
		tok, err := m.bearerToken(ctx, c)
		if err != nil {
			return "", err
		}
		return "Bearer " + tok, nil
	default:
		return "", fmt.Errorf("unsupported credentials %T", m.credentials)
	}
}

// Refreshes returns how many tokens have been obtained so far.
func (m *TokenManager) Refreshes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refreshes
}

// Scope returns the scope string sent to the token endpoint.
func (m *TokenManager) Scope() string {
	types := append(append([]string(nil), m.resources...), fhirmodels.ResourceTypePatient, "*")
	scopes := make([]string, len(types))
	for i, t := range types {
		scopes[i] = fhirmodels.SystemReadScope(t)
	}
	return strings.Join(scopes, " ")
}

// BasicAuthorization builds a Basic header value for id:secret.
func BasicAuthorization(clientID, secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(clientID+":"+secret))
}

func (m *TokenManager) cached() accessToken {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

func (m *TokenManager) bearerToken(ctx context.Context, creds *JWKCredentials) (string, error) {
	if tok := m.cached(); tok.usable(m.now()) {
		return tok.value, nil
	}

	if err := m.refresh.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer m.refresh.Release(1)

	// Another caller may have refreshed while we waited.
	if tok := m.cached(); tok.usable(m.now()) {
		return tok.value, nil
	}

	tok, err := m.requestToken(ctx, creds)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.token = tok
	m.refreshes++
	m.mu.Unlock()
	return tok.value, nil
}

// signAssertion creates the client_assertion JWT.
func (m *TokenManager) signAssertion(creds *JWKCredentials) (string, error) {
	claims := jwt.MapClaims{
		"iss": m.clientID,
		"sub": m.clientID,
		"aud": m.tokenEndpoint,
		"exp": m.now().Add(assertionLifetime).Unix(),
		"jti": uuid.New().String(),
	}
	token := jwt.NewWithClaims(creds.Method, claims)
	if creds.KeyID != "" {
		token.Header["kid"] = creds.KeyID
	}
	signed, err := token.SignedString(creds.Key)
	if err != nil {
		return "", fmt.Errorf("signing client assertion: %w", err)
	}
	return signed, nil
}

type tokenResponse struct {
	AccessToken string          `json:"access_token"`
	ExpiresIn   json.RawMessage `json:"expires_in"`
}

func (m *TokenManager) requestToken(ctx context.Context, creds *JWKCredentials) (accessToken, error) {
	assertion, err := m.signAssertion(creds)
	if err != nil {
		return accessToken{}, &AuthenticationError{TokenEndpoint: m.tokenEndpoint, Err: err}
	}

	form := url.Values{}
	form.Set("scope", m.Scope())
	form.Set("grant_type", fhirmodels.GrantTypeClientCredentials)
	form.Set("client_assertion_type", fhirmodels.ClientAssertionTypeJWT)
	form.Set("client_assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return accessToken{}, &AuthenticationError{TokenEndpoint: m.tokenEndpoint, Err: err}
	}
	req.Header.Set("Content-Type", fhirmodels.MediaTypeForm)
	req.Header.Set("Accept", fhirmodels.MediaTypeJSON)

	redacted := url.Values{}
	for k, v := range form {
		redacted[k] = v
	}
	redacted.Set("client_assertion", telemetry.RedactedValue)

	rec := telemetry.RequestRecord{
		Method:         http.MethodPost,
		URL:            m.tokenEndpoint,
		Attempt:        1,
		RequestHeaders: req.Header.Clone(),
		Body:           redacted.Encode(),
	}

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	rec.Duration = time.Since(start)
	if err != nil {
		rec.Err = err
		m.observer.ObserveRequest(rec)
		return accessToken{}, &AuthenticationError{TokenEndpoint: m.tokenEndpoint, Err: err}
	}
	defer resp.Body.Close()

	rec.Status = resp.StatusCode
	rec.StatusText = http.StatusText(resp.StatusCode)
	rec.ResponseHeaders = resp.Header.Clone()
	m.observer.ObserveRequest(rec)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return accessToken{}, &AuthenticationError{TokenEndpoint: m.tokenEndpoint, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return accessToken{}, &AuthenticationError{
			TokenEndpoint: m.tokenEndpoint,
			Status:        resp.StatusCode,
			Reason:        http.StatusText(resp.StatusCode),
			Body:          truncate(string(body), 200),
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return accessToken{}, &AuthenticationError{
			TokenEndpoint: m.tokenEndpoint,
			Status:        resp.StatusCode,
			Reason:        "token response is not valid JSON",
			Body:          truncate(string(body), 200),
			Err:           err,
		}
	}
	if tr.AccessToken == "" {
		return accessToken{}, &AuthenticationError{
			TokenEndpoint: m.tokenEndpoint,
			Status:        resp.StatusCode,
			Reason:        "token response does not include access_token",
		}
	}

	return accessToken{value: tr.AccessToken, expiresAt: m.expiration(tr)}, nil
}

// expiration resolves the token expiry from expires_in, then the token's
// own exp claim, then a five minute default. It must run right after the
// token is received.
func (m *TokenManager) expiration(tr tokenResponse) time.Time {
	now := m.now()
	if secs, ok := parseExpiresIn(tr.ExpiresIn); ok {
		return now.Add(time.Duration(secs) * time.Second)
	}
	if exp, ok := jwtExpiry(tr.AccessToken); ok {
		return exp
	}
	return now.Add(defaultTokenLifetime)
}

// parseExpiresIn accepts a JSON number or a numeric string.
func parseExpiresIn(raw json.RawMessage) (int64, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, false
	}
	return int64(f), true
}

// jwtExpiry reads the exp claim of an access token without verifying it.
// Access tokens are not required to be JWTs.
func jwtExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
