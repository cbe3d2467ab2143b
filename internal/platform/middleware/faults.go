package middleware

import (
	"net/http"
	"sync/atomic"

	"github.com/labstack/echo/v4"

	"github.com/ehr/harvester/internal/platform/fhir"
)

// FaultConfig makes a server fail every Every-th request with Status.
// Every <= 0 disables injection.
type FaultConfig struct {
	Every  int
	Status int
}

// InjectFaults fails a fixed fraction of requests so clients exercise their
// retry path against a live server.
func InjectFaults(cfg FaultConfig) echo.MiddlewareFunc {
	status := cfg.Status
	if status == 0 {
		status = http.StatusServiceUnavailable
	}
	var n atomic.Int64

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if cfg.Every <= 0 {
			return next
		}
		return func(c echo.Context) error {
			if n.Add(1)%int64(cfg.Every) == 0 {
				return c.JSON(status, fhir.NewOperationOutcome("error", "transient", http.StatusText(status)))
			}
			return next(c)
		}
	}
}
