package telemetry

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Log file names inside the destination directory.
const (
	RequestLogFile = "request_log.ndjson"
	ErrorLogFile   = "error_log.ndjson"
)

// RequestLog writes one zerolog event per RequestRecord.
type RequestLog struct {
	logger zerolog.Logger
}

// NewRequestLog creates a RequestLog writing JSON lines to w.
func NewRequestLog(w io.Writer) *RequestLog {
	return &RequestLog{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// ObserveRequest implements Observer.
func (l *RequestLog) ObserveRequest(rec RequestRecord) {
	evt := l.logger.Info()
	if rec.Err != nil {
		evt = l.logger.Error().Err(rec.Err)
	}
	evt = evt.
		Str("method", rec.Method).
		Str("url", rec.URL).
		Int("attempt", rec.Attempt).
		Int("status", rec.Status).
		Str("status_text", rec.StatusText).
		Dur("duration", rec.Duration).
		Interface("request_headers", SanitizeHeaders(rec.RequestHeaders)).
		Interface("response_headers", rec.ResponseHeaders)
	if rec.Body != "" {
		evt = evt.Str("body", rec.Body)
	}
	evt.Msg("request")
}

// MultiObserver fans a record out to several observers.
type MultiObserver []Observer

// ObserveRequest implements Observer.
func (m MultiObserver) ObserveRequest(rec RequestRecord) {
	for _, o := range m {
		if o != nil {
			o.ObserveRequest(rec)
		}
	}
}

// OpenLogFile creates (or truncates) name inside dir.
func OpenLogFile(dir, name string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

// NewErrorLog returns a zerolog logger that writes error events to w.
func NewErrorLog(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}
