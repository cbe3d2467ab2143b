// Package mockserver is a small FHIR server speaking the Bulk Data group
// export protocol, SMART Backend Services token issuance and paged search.
// It backs the end-to-end tests and the mock-server command.
package mockserver

import (
	"context"
	"crypto"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/harvester/internal/platform/fhir"
	"github.com/ehr/harvester/internal/platform/middleware"
)

// Config controls the server's behaviour.
type Config struct {
	// BaseURL is the public origin used in Content-Location, manifest and
	// link URLs. When empty it is derived from each request.
	BaseURL string

	ClientID string
	// ClientSecret enables Basic authentication.
	ClientSecret string
	// PublicKeys, by kid, verify client assertions at the token endpoint.
	PublicKeys map[string]crypto.PublicKey
	// SigningKey signs the HS256 access tokens the server issues.
	SigningKey    []byte
	TokenLifetime time.Duration

	// PendingPolls is the number of 202 responses before the manifest.
	PendingPolls int
	// RetryAfter is sent verbatim on 202 responses when non-empty.
	RetryAfter          string
	RequiresAccessToken bool

	// PageSize is the default _count for searches.
	PageSize int
	// OutcomeOnEmpty adds an OperationOutcome entry to empty searchsets.
	OutcomeOnEmpty bool

	RateLimit *middleware.RateLimitConfig
	Faults    middleware.FaultConfig

	Dataset *Dataset
	Logger  zerolog.Logger
}

// authEnabled reports whether requests must carry credentials.
func (c Config) authEnabled() bool {
	return c.ClientSecret != "" || len(c.PublicKeys) > 0
}

// Server is the mock FHIR server.
type Server struct {
	cfg  Config
	echo *echo.Echo
	jobs *JobStore

	jtiMu    sync.Mutex
	jtiCache map[string]time.Time
}

// New builds a Server and registers its routes.
func New(cfg Config) *Server {
	if cfg.Dataset == nil {
		cfg.Dataset = NewDataset("")
	}
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = 5 * time.Minute
	}
	if len(cfg.SigningKey) == 0 {
		cfg.SigningKey = []byte("mock-server-signing-key")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		cfg:      cfg,
		echo:     e,
		jobs:     NewJobStore(),
		jtiCache: make(map[string]time.Time),
	}

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(cfg.Logger))
	e.Use(middleware.Logger(cfg.Logger))

	e.POST("/auth/token", s.handleToken)

	g := e.Group("/fhir", middleware.InjectFaults(cfg.Faults))
	guarded := []echo.MiddlewareFunc{s.authenticate}
	if cfg.RateLimit != nil {
		guarded = append(guarded, middleware.RateLimit(*cfg.RateLimit))
	}

	g.GET("/Group/:id/$export", s.kickOff, guarded...)
	g.GET("/$export-poll-status", s.pollStatus, guarded...)
	g.DELETE("/$export-poll-status", s.deleteJob, guarded...)
	if cfg.RequiresAccessToken {
		g.GET("/$export-output/:jobId/:fileName", s.exportOutput, guarded...)
	} else {
		g.GET("/$export-output/:jobId/:fileName", s.exportOutput)
	}
	g.GET("/:type", s.search, guarded...)
	g.GET("/:type/:id", s.read, guarded...)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener started by Start.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Jobs exposes the export job store.
func (s *Server) Jobs() *JobStore { return s.jobs }

// baseURL returns the public origin for the current request.
func (s *Server) baseURL(c echo.Context) string {
	if s.cfg.BaseURL != "" {
		return s.cfg.BaseURL
	}
	return c.Scheme() + "://" + c.Request().Host
}

// authenticate accepts a Bearer token issued by this server or Basic
// credentials matching the configured client.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.cfg.authEnabled() {
			return next(c)
		}

		header := c.Request().Header.Get(echo.HeaderAuthorization)
		scheme, value, _ := strings.Cut(header, " ")
		switch strings.ToLower(scheme) {
		case "bearer":
			claims := jwt.MapClaims{}
			_, err := jwt.ParseWithClaims(value, claims, func(*jwt.Token) (interface{}, error) {
				return s.cfg.SigningKey, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
			if err == nil {
				sub, _ := claims.GetSubject()
				c.Set(middleware.ClientIDKey, sub)
				return next(c)
			}
		case "basic":
			if id, secret, ok := c.Request().BasicAuth(); ok && s.cfg.ClientSecret != "" &&
				id == s.cfg.ClientID && secret == s.cfg.ClientSecret {
				c.Set(middleware.ClientIDKey, id)
				return next(c)
			}
		}

		c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer realm="fhir"`)
		return c.JSON(http.StatusUnauthorized, fhir.NewOperationOutcome("error", "login", "missing or invalid credentials"))
	}
}
