// Package httpclient issues FHIR HTTP requests with authorization injection,
// a per-attempt timeout and a bounded retry loop for transient failures.
package httpclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ehr/harvester/internal/platform/telemetry"
)

// DefaultRetryStatusCodes are the statuses retried when no policy is given.
var DefaultRetryStatusCodes = []int{408, 413, 429, 500, 502, 503, 504, 521, 522, 524}

// RetryPolicy controls the retry loop. It is shared read-only by all
// attempts.
type RetryPolicy struct {
	RetryableStatusCodes []int
	Delay                time.Duration
	Limit                int
}

// DefaultRetryPolicy retries the default statuses five times, one second
// apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RetryableStatusCodes: append([]int(nil), DefaultRetryStatusCodes...),
		Delay:                time.Second,
		Limit:                5,
	}
}

// Retryable reports whether status is in the retryable set.
func (p RetryPolicy) Retryable(status int) bool {
	for _, c := range p.RetryableStatusCodes {
		if c == status {
			return true
		}
	}
	return false
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	limit := p.Limit
	if limit < 0 {
		limit = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(limit)), ctx)
}

// Authorizer computes the Authorization header value. An empty value means
// no header. *auth.TokenManager satisfies it.
type Authorizer interface {
	AuthorizationHeader(ctx context.Context) (string, error)
}

// RetryPrompter decides whether a request that failed after all retries
// should be attempted once more.
type RetryPrompter interface {
	ConfirmRetry(ctx context.Context, err error) bool
}

// PromptFunc adapts a function to RetryPrompter.
type PromptFunc func(ctx context.Context, err error) bool

// ConfirmRetry implements RetryPrompter.
func (f PromptFunc) ConfirmRetry(ctx context.Context, err error) bool { return f(ctx, err) }

// LinePrompter asks on out and reads a y/n answer from in. Prompts are
// serialized so concurrent tasks do not interleave answers.
type LinePrompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewLinePrompter creates a LinePrompter reading answers from in.
func NewLinePrompter(in io.Reader, out io.Writer) *LinePrompter {
	return &LinePrompter{in: bufio.NewReader(in), out: out}
}

// ConfirmRetry implements RetryPrompter.
func (p *LinePrompter) ConfirmRetry(_ context.Context, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%v\nWould you like to retry this request? [y/N] ", err)
	line, _ := p.in.ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// Config holds the client settings.
type Config struct {
	BaseURL    string
	Authorizer Authorizer
	Retry      RetryPolicy
	// Timeout aborts an attempt that has not received response headers in
	// time. Zero disables it.
	Timeout    time.Duration
	Prompter   RetryPrompter
	Observer   telemetry.Observer
	HTTPClient *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	base       *url.URL
	authorizer Authorizer
	retry      RetryPolicy
	timeout    time.Duration
	prompter   RetryPrompter
	observer   telemetry.Observer
	http       *http.Client

	requests atomic.Int64
}

// New creates a Client. BaseURL may be empty when only absolute URLs are
// requested.
func New(cfg Config) (*Client, error) {
	c := &Client{
		authorizer: cfg.Authorizer,
		retry:      cfg.Retry,
		timeout:    cfg.Timeout,
		prompter:   cfg.Prompter,
		observer:   cfg.Observer,
		http:       cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing base url: %w", err)
		}
		if !strings.HasSuffix(base.Path, "/") {
			base.Path += "/"
		}
		c.base = base
	}
	if c.observer == nil {
		c.observer = telemetry.Nop
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c, nil
}

// RequestsCount returns the number of attempts made so far.
func (c *Client) RequestsCount() int64 {
	return c.requests.Load()
}

// RequestOptions configures one request.
type RequestOptions struct {
	// Method defaults to GET.
	Method  string
	Headers http.Header
	Body    []byte
	// Authorization overrides the injected header when non-nil. A pointer to
	// "" sends no Authorization header at all.
	Authorization *string
	// Raw returns the live response for streaming. The caller must close
	// Response.HTTP.Body.
	Raw bool
}

// NoAuthorization is an Authorization override that suppresses the header.
func NoAuthorization() *string {
	s := ""
	return &s
}

// Response is a successful (2xx or 304) response.
type Response struct {
	// HTTP is the underlying response. Its body is already drained and
	// closed unless the request was made in raw mode.
	HTTP       *http.Response
	StatusCode int
	Header     http.Header
	Body       []byte
	// JSON is set when the content type contains "json".
	JSON json.RawMessage
}

// NotModified reports a 304 response, which carries no body.
func (r *Response) NotModified() bool { return r.StatusCode == http.StatusNotModified }

// Decode unmarshals a JSON body into v.
func (r *Response) Decode(v any) error {
	if r.JSON == nil {
		return fmt.Errorf("response is not JSON (content type %q)", r.Header.Get("Content-Type"))
	}
	return json.Unmarshal(r.JSON, v)
}

// Text returns the body as a string.
func (r *Response) Text() string { return string(r.Body) }

// Resolve returns ref resolved against the base URL.
func (c *Client) Resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", ref, err)
	}
	if c.base == nil || u.IsAbs() {
		return u.String(), nil
	}
	return c.base.ResolveReference(u).String(), nil
}

// Request performs the request, retrying transient failures according to the
// retry policy. See RequestError and NoResponseError for terminal failures.
func (c *Client) Request(ctx context.Context, ref string, opts RequestOptions) (*Response, error) {
	target, err := c.Resolve(ref)
	if err != nil {
		return nil, err
	}
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}

	for {
		resp, err := c.requestWithRetry(ctx, target, opts)
		if err == nil {
			return resp, nil
		}
		var reqErr *RequestError
		if c.prompter == nil || !errors.As(err, &reqErr) || ctx.Err() != nil {
			return nil, err
		}
		if !c.prompter.ConfirmRetry(ctx, err) {
			return nil, err
		}
	}
}

func (c *Client) requestWithRetry(ctx context.Context, target string, opts RequestOptions) (*Response, error) {
	attempt := 0
	op := func() (*Response, error) {
		attempt++
		return c.attempt(ctx, target, opts, attempt)
	}

	resp, err := backoff.RetryWithData(op, c.retry.backOff(ctx))
	if err == nil {
		return resp, nil
	}

	var te *timeoutError
	if errors.As(err, &te) {
		return nil, &NoResponseError{Method: opts.Method, URL: target, Attempts: attempt, Timeout: c.timeout}
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		reqErr.Attempts = attempt
	}
	return nil, err
}

// attempt performs one HTTP exchange. Retryable outcomes are returned as
// plain errors, everything else as backoff.Permanent.
func (c *Client) attempt(ctx context.Context, target string, opts RequestOptions, n int) (*Response, error) {
	c.requests.Add(1)

	attemptCtx, cancel := context.WithCancel(ctx)

	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, opts.Method, target, body)
	if err != nil {
		cancel()
		return nil, backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	for k, vs := range opts.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if err := c.authorize(ctx, req, opts.Authorization); err != nil {
		cancel()
		return nil, backoff.Permanent(err)
	}

	rec := telemetry.RequestRecord{
		Method:         opts.Method,
		URL:            target,
		Attempt:        n,
		RequestHeaders: telemetry.SanitizeHeaders(req.Header),
	}

	// Only the exchange is timed, not authorization.
	var timedOut atomic.Bool
	var timer *time.Timer
	if c.timeout > 0 {
		timer = time.AfterFunc(c.timeout, func() {
			timedOut.Store(true)
			cancel()
		})
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if timer != nil {
		timer.Stop()
	}
	rec.Duration = time.Since(start)

	if err == nil && timedOut.Load() {
		resp.Body.Close()
		err = context.DeadlineExceeded
	}
	if err != nil {
		cancel()
		rec.Err = err
		c.observer.ObserveRequest(rec)
		if timedOut.Load() {
			return nil, &timeoutError{timeout: c.timeout}
		}
		return nil, backoff.Permanent(fmt.Errorf("%s %s: %w", opts.Method, target, err))
	}

	rec.Status = resp.StatusCode
	rec.StatusText = http.StatusText(resp.StatusCode)
	rec.ResponseHeaders = resp.Header.Clone()
	c.observer.ObserveRequest(rec)

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		cancel()
		return &Response{HTTP: resp, StatusCode: resp.StatusCode, Header: resp.Header}, nil
	}

	if ok && opts.Raw {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return &Response{HTTP: resp, StatusCode: resp.StatusCode, Header: resp.Header}, nil
	}

	raw, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	cancel()

	if !ok {
		reqErr := &RequestError{
			Method:    opts.Method,
			URL:       target,
			Status:    resp.StatusCode,
			Reason:    http.StatusText(resp.StatusCode),
			Body:      truncate(string(raw), maxErrorBody),
			Header:    telemetry.SanitizeHeaders(resp.Header),
			Attempts:  n,
			retryable: c.retry.Retryable(resp.StatusCode),
		}
		if reqErr.retryable {
			return nil, reqErr
		}
		return nil, backoff.Permanent(reqErr)
	}
	if readErr != nil {
		return nil, backoff.Permanent(fmt.Errorf("%s %s: reading body: %w", opts.Method, target, readErr))
	}

	out := &Response{HTTP: resp, StatusCode: resp.StatusCode, Header: resp.Header, Body: raw}
	if strings.Contains(resp.Header.Get("Content-Type"), "json") && len(bytes.TrimSpace(raw)) > 0 {
		if !json.Valid(raw) {
			return nil, backoff.Permanent(fmt.Errorf("%s %s: invalid JSON response body: %s", opts.Method, target, truncate(string(raw), maxErrorBody)))
		}
		out.JSON = json.RawMessage(raw)
	}
	return out, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request, override *string) error {
	if override != nil {
		if *override != "" {
			req.Header.Set("Authorization", *override)
		}
		return nil
	}
	if c.authorizer == nil {
		return nil
	}
	h, err := c.authorizer.AuthorizationHeader(ctx)
	if err != nil {
		return fmt.Errorf("authorizing %s %s: %w", req.Method, req.URL, err)
	}
	if h != "" {
		req.Header.Set("Authorization", h)
	}
	return nil
}

// cancelOnClose releases the attempt context once a streamed body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
