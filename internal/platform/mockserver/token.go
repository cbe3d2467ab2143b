package mockserver

import (
	"crypto"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/harvester/pkg/fhirmodels"
)

// maxAssertionLifetime bounds assertion exp, with 30s of leeway.
const maxAssertionLifetime = 5*time.Minute + 30*time.Second

// oauthError is the RFC 6749 error response body.
type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// TokenResponse is the successful token endpoint body.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// handleToken handles POST /auth/token for client_credentials grants
// authenticated by a signed assertion.
func (s *Server) handleToken(c echo.Context) error {
	grantType := c.FormValue("grant_type")
	assertionType := c.FormValue("client_assertion_type")
	assertion := c.FormValue("client_assertion")
	scope := c.FormValue("scope")

	if grantType != fhirmodels.GrantTypeClientCredentials {
		return c.JSON(http.StatusBadRequest, oauthError{"unsupported_grant_type", "grant_type must be client_credentials"})
	}
	if assertionType != fhirmodels.ClientAssertionTypeJWT {
		return c.JSON(http.StatusBadRequest, oauthError{"invalid_request", "unsupported client_assertion_type"})
	}

	clientID, err := s.verifyAssertion(assertion, s.baseURL(c)+"/auth/token")
	if err != nil {
		return c.JSON(http.StatusUnauthorized, oauthError{"invalid_client", err.Error()})
	}

	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   s.baseURL(c),
		"sub":   clientID,
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   now.Add(s.cfg.TokenLifetime).Unix(),
		"jti":   uuid.NewString(),
	}).SignedString(s.cfg.SigningKey)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, oauthError{"server_error", err.Error()})
	}

	return c.JSON(http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(s.cfg.TokenLifetime / time.Second),
		Scope:       scope,
	})
}

// verifyAssertion checks a client assertion and returns the client id.
//
// The assertion must:
//   - be signed with a registered key (RS384 or ES*)
//   - have iss == sub == the configured client id
//   - have aud == tokenURL
//   - carry a jti not seen before
//   - expire within the next five minutes
func (s *Server) verifyAssertion(assertion, tokenURL string) (string, error) {
	if assertion == "" {
		return "", fmt.Errorf("client assertion is required")
	}

	unverified, _, err := jwt.NewParser(jwt.WithoutClaimsValidation()).ParseUnverified(assertion, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("parsing client assertion: %w", err)
	}
	claims := unverified.Claims.(jwt.MapClaims)

	issuer, _ := claims["iss"].(string)
	if issuer == "" || issuer != s.cfg.ClientID {
		return "", fmt.Errorf("unknown client %q", issuer)
	}
	if subject, _ := claims["sub"].(string); subject != issuer {
		return "", fmt.Errorf("assertion sub (%q) must equal iss (%q)", subject, issuer)
	}
	if !audienceMatches(claims["aud"], tokenURL) {
		return "", fmt.Errorf("assertion aud does not match token endpoint %q", tokenURL)
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return "", fmt.Errorf("assertion missing jti claim")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return "", fmt.Errorf("assertion missing exp claim")
	}
	if time.Until(exp.Time) > maxAssertionLifetime {
		return "", fmt.Errorf("assertion exp is too far in the future (max 5 minutes)")
	}

	kid, _ := unverified.Header["kid"].(string)
	key, err := s.publicKey(kid)
	if err != nil {
		return "", err
	}
	_, err = jwt.Parse(assertion, func(*jwt.Token) (interface{}, error) { return key, nil },
		jwt.WithValidMethods([]string{"RS384", "ES256", "ES384", "ES512"}),
		jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("verifying assertion signature: %w", err)
	}

	if err := s.recordJTI(jti, exp.Time); err != nil {
		return "", err
	}
	return issuer, nil
}

func (s *Server) publicKey(kid string) (crypto.PublicKey, error) {
	if len(s.cfg.PublicKeys) == 0 {
		return nil, fmt.Errorf("client %q has no registered public keys", s.cfg.ClientID)
	}
	if kid != "" {
		if k, ok := s.cfg.PublicKeys[kid]; ok {
			return k, nil
		}
		return nil, fmt.Errorf("no key with kid %q found for client %q", kid, s.cfg.ClientID)
	}
	if len(s.cfg.PublicKeys) == 1 {
		for _, k := range s.cfg.PublicKeys {
			return k, nil
		}
	}
	return nil, fmt.Errorf("assertion has no kid and the client has several keys")
}

// recordJTI rejects replays and drops expired entries.
func (s *Server) recordJTI(jti string, exp time.Time) error {
	s.jtiMu.Lock()
	defer s.jtiMu.Unlock()

	now := time.Now()
	for id, e := range s.jtiCache {
		if now.After(e) {
			delete(s.jtiCache, id)
		}
	}
	if _, seen := s.jtiCache[jti]; seen {
		return fmt.Errorf("jti %q has already been used (replay detected)", jti)
	}
	s.jtiCache[jti] = exp
	return nil
}

// audienceMatches accepts a string or an array of strings.
func audienceMatches(aud interface{}, tokenURL string) bool {
	switch v := aud.(type) {
	case string:
		return v == tokenURL
	case []interface{}:
		for _, a := range v {
			if s, ok := a.(string); ok && s == tokenURL {
				return true
			}
		}
	}
	return false
}
