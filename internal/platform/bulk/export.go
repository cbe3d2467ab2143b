// Package bulk drives a FHIR Bulk Data group export: kick-off, status
// polling with server timing hints, and download of the output files.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/harvester/internal/platform/fhir"
	"github.com/ehr/harvester/internal/platform/httpclient"
	"github.com/ehr/harvester/pkg/fhirmodels"
)

// DefaultProgress is reported when a 202 carries no X-Progress header.
const DefaultProgress = "working..."

// JobState is the state of one export operation.
type JobState int

const (
	StateRequested JobState = iota
	StatePolling
	StateComplete
	StateFailed
)

func (s JobState) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StatePolling:
		return "polling"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Progress is reported for every 202 status response.
type Progress struct {
	StatusURL string
	Message   string
	// Delay is the clamped wait before the next poll.
	Delay time.Duration
	Poll  int
}

// ProgressFunc observes polling progress. It may be nil.
type ProgressFunc func(Progress)

// Config holds the export settings.
type Config struct {
	GroupID string
	// PollInterval is the delay used until the server sends Retry-After.
	PollInterval    time.Duration
	MinPollInterval time.Duration
	MaxPollInterval time.Duration
}

// Defaults from the Bulk Data client reference settings.
const (
	DefaultPollInterval    = 5 * time.Minute
	DefaultMinPollInterval = 100 * time.Millisecond
	DefaultMaxPollInterval = time.Hour
)

// Client runs exports against one Bulk Data server.
type Client struct {
	http fhir.Requester
	cfg  Config
	now  func() time.Time
}

// NewClient creates a Client. Zero intervals take the defaults.
func NewClient(requester fhir.Requester, cfg Config) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MinPollInterval <= 0 {
		cfg.MinPollInterval = DefaultMinPollInterval
	}
	if cfg.MaxPollInterval <= 0 {
		cfg.MaxPollInterval = DefaultMaxPollInterval
	}
	return &Client{http: requester, cfg: cfg, now: time.Now}
}

// Job is the outcome of Run.
type Job struct {
	StatusURL string
	State     JobState
	Manifest  *Manifest
}

// Run kicks off an export and waits for it. The returned Job carries the
// final state even when err is non-nil.
func (c *Client) Run(ctx context.Context, onProgress ProgressFunc) (*Job, error) {
	job := &Job{State: StateRequested}
	statusURL, err := c.KickOff(ctx)
	if err != nil {
		job.State = StateFailed
		return job, err
	}
	job.StatusURL = statusURL
	job.State = StatePolling

	m, err := c.WaitForExport(ctx, statusURL, onProgress)
	if err != nil {
		job.State = StateFailed
		return job, err
	}
	job.State = StateComplete
	job.Manifest = m
	return job, nil
}

// KickOffURL returns the group export path, relative to the base URL.
func (c *Client) KickOffURL() string {
	return fmt.Sprintf("Group/%s/$export?_type=%s", url.PathEscape(c.cfg.GroupID), fhirmodels.ResourceTypePatient)
}

// KickOff starts the export and returns the status URL from the
// Content-Location header.
func (c *Client) KickOff(ctx context.Context) (string, error) {
	h := http.Header{}
	h.Set(fhirmodels.HeaderPrefer, fhirmodels.PreferRespondAsync)
	h.Set("Accept", fhirmodels.MediaTypeFHIRJSON)

	target := c.KickOffURL()
	resp, err := c.http.Request(ctx, target, httpclient.RequestOptions{Headers: h})
	if err != nil {
		return "", fmt.Errorf("export kick-off: %w", err)
	}
	loc := resp.Header.Get(fhirmodels.HeaderContentLocation)
	if loc == "" {
		return "", &fhir.ProtocolError{
			URL:    target,
			Status: resp.StatusCode,
			Reason: http.StatusText(resp.StatusCode),
			Msg:    "kick-off response has no Content-Location header",
			Body:   fhir.Excerpt(resp.Text()),
		}
	}
	return loc, nil
}

// WaitForExport polls statusURL until the export completes or fails. There
// is no cap on the number of polls; bound it with ctx.
func (c *Client) WaitForExport(ctx context.Context, statusURL string, onProgress ProgressFunc) (*Manifest, error) {
	h := http.Header{}
	h.Set("Accept", fhirmodels.MediaTypeJSON)

	delay := c.cfg.PollInterval
	for poll := 1; ; poll++ {
		resp, err := c.http.Request(ctx, statusURL, httpclient.RequestOptions{Headers: h})
		if err != nil {
			var reqErr *httpclient.RequestError
			if errors.As(err, &reqErr) {
				return nil, &fhir.ProtocolError{
					URL:    reqErr.URL,
					Status: reqErr.Status,
					Reason: reqErr.Reason,
					Body:   reqErr.Body,
					Msg:    fmt.Sprintf("export failed: %d %s", reqErr.Status, reqErr.Reason),
				}
			}
			return nil, fmt.Errorf("polling export status: %w", err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			m, err := ParseManifest(resp.Body)
			if err != nil {
				return nil, &fhir.ProtocolError{URL: statusURL, Status: resp.StatusCode, Msg: err.Error(), Body: fhir.Excerpt(resp.Text())}
			}
			return m, nil

		case http.StatusAccepted:
			if d, ok := RetryAfter(resp.Header.Get(fhirmodels.HeaderRetryAfter), c.now()); ok {
				delay = d
			}
			wait := ClampDelay(delay, c.cfg.MinPollInterval, c.cfg.MaxPollInterval)
			msg := resp.Header.Get(fhirmodels.HeaderProgress)
			if msg == "" {
				msg = DefaultProgress
			}
			if onProgress != nil {
				onProgress(Progress{StatusURL: statusURL, Message: msg, Delay: wait, Poll: poll})
			}
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}

		default:
			return nil, &fhir.ProtocolError{
				URL:    statusURL,
				Status: resp.StatusCode,
				Reason: http.StatusText(resp.StatusCode),
				Body:   fhir.Excerpt(resp.Text()),
			}
		}
	}
}

// RetryAfter parses a Retry-After value: a (possibly fractional) number of
// seconds or an HTTP date. ok is false when the header is absent or
// unparseable.
func RetryAfter(value string, now time.Time) (d time.Duration, ok bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, false
		}
		if secs >= float64(math.MaxInt64)/float64(time.Second) {
			return time.Duration(math.MaxInt64), true
		}
		return time.Duration(math.Round(secs * float64(time.Second))), true
	}
	if t, err := http.ParseTime(value); err == nil {
		return t.Sub(now), true
	}
	return 0, false
}

// ClampDelay bounds d to [lo, hi].
func ClampDelay(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
