package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ehr/harvester/internal/platform/telemetry"
)

type staticAuthorizer string

func (a staticAuthorizer) AuthorizationHeader(context.Context) (string, error) {
	return string(a), nil
}

type failingAuthorizer struct{ err error }

func (a failingAuthorizer) AuthorizationHeader(context.Context) (string, error) {
	return "", a.err
}

type slowAuthorizer time.Duration

func (a slowAuthorizer) AuthorizationHeader(context.Context) (string, error) {
	time.Sleep(time.Duration(a))
	return "Bearer slow", nil
}

func fastPolicy(limit int) RetryPolicy {
	return RetryPolicy{
		RetryableStatusCodes: DefaultRetryStatusCodes,
		Delay:                time.Millisecond,
		Limit:                limit,
	}
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestRequest_RetriesRetryableStatusLimitPlusOne(t *testing.T) {
	for _, limit := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(http.StatusServiceUnavailable)
				io.WriteString(w, "try later")
			}))
			defer srv.Close()

			c := newTestClient(t, Config{Retry: fastPolicy(limit)})
			_, err := c.Request(context.Background(), srv.URL, RequestOptions{})

			var reqErr *RequestError
			if !errors.As(err, &reqErr) {
				t.Fatalf("expected RequestError, got %v", err)
			}
			if reqErr.Status != http.StatusServiceUnavailable {
				t.Errorf("expected 503, got %d", reqErr.Status)
			}
			if !reqErr.Transient() {
				t.Error("expected 503 to be transient")
			}
			if reqErr.Body != "try later" {
				t.Errorf("unexpected body %q", reqErr.Body)
			}
			if got := int(hits.Load()); got != limit+1 {
				t.Errorf("expected %d attempts, got %d", limit+1, got)
			}
			if reqErr.Attempts != limit+1 {
				t.Errorf("expected Attempts=%d, got %d", limit+1, reqErr.Attempts)
			}
			if c.RequestsCount() != int64(limit+1) {
				t.Errorf("expected RequestsCount %d, got %d", limit+1, c.RequestsCount())
			}
		})
	}
}

func TestRequest_RecoversAfterTransientFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/fhir+json")
		io.WriteString(w, `{"resourceType":"Patient","id":"1"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Retry: fastPolicy(5)})
	resp, err := c.Request(context.Background(), srv.URL, RequestOptions{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var v struct{ ResourceType string }
	if err := resp.Decode(&v); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v.ResourceType != "Patient" {
		t.Errorf("unexpected resourceType %q", v.ResourceType)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestRequest_NonRetryableStatusFailsImmediately(t *testing.T) {
	var hits atomic.Int32
	long := strings.Repeat("x", 500)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, long)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Retry: fastPolicy(5)})
	_, err := c.Request(context.Background(), srv.URL, RequestOptions{})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", hits.Load())
	}
	if reqErr.Transient() {
		t.Error("404 must not be transient")
	}
	if len(reqErr.Body) != maxErrorBody+len("...") {
		t.Errorf("expected body truncated to %d chars, got %d", maxErrorBody, len(reqErr.Body))
	}
}

func TestRequest_NotModifiedIsTerminalSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	policy := fastPolicy(3)
	policy.RetryableStatusCodes = append(policy.RetryableStatusCodes, http.StatusNotModified)
	c := newTestClient(t, Config{Retry: policy})

	resp, err := c.Request(context.Background(), srv.URL, RequestOptions{})
	if err != nil {
		t.Fatalf("expected success for 304, got %v", err)
	}
	if !resp.NotModified() || resp.Body != nil {
		t.Errorf("expected 304 without body, got %d %q", resp.StatusCode, resp.Body)
	}
	if hits.Load() != 1 {
		t.Errorf("304 must never be retried, got %d attempts", hits.Load())
	}
}

func TestRequest_TimeoutOnFinalAttemptIsNoResponse(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, Config{Retry: fastPolicy(2), Timeout: 30 * time.Millisecond})
	_, err := c.Request(context.Background(), srv.URL, RequestOptions{})

	var nr *NoResponseError
	if !errors.As(err, &nr) {
		t.Fatalf("expected NoResponseError, got %T: %v", err, err)
	}
	if nr.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", nr.Attempts)
	}
	if hits.Load() != 3 {
		t.Errorf("expected timeouts to be retried, got %d server hits", hits.Load())
	}
}

func TestRequest_TimeoutThenSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			<-r.Context().Done()
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Retry: fastPolicy(1), Timeout: 50 * time.Millisecond})
	resp, err := c.Request(context.Background(), srv.URL, RequestOptions{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Text() != "ok" {
		t.Errorf("unexpected body %q", resp.Text())
	}
}

func TestRequest_TimeoutExcludesAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(40 * time.Millisecond)
		io.WriteString(w, r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{
		Authorizer: slowAuthorizer(80 * time.Millisecond),
		Retry:      fastPolicy(0),
		Timeout:    100 * time.Millisecond,
	})
	resp, err := c.Request(context.Background(), srv.URL, RequestOptions{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Text() != "Bearer slow" {
		t.Errorf("unexpected body %q", resp.Text())
	}
}

func TestRequest_NetworkErrorIsNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	c := newTestClient(t, Config{Retry: fastPolicy(3)})
	_, err := c.Request(context.Background(), addr, RequestOptions{})
	if err == nil {
		t.Fatal("expected connection error")
	}
	var reqErr *RequestError
	var nr *NoResponseError
	if errors.As(err, &reqErr) || errors.As(err, &nr) {
		t.Errorf("expected a plain transport error, got %T", err)
	}
	if c.RequestsCount() != 1 {
		t.Errorf("expected 1 attempt, got %d", c.RequestsCount())
	}
}

func TestRequest_AuthorizationInjectionAndOverride(t *testing.T) {
	var got []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, r.Header.Get("Authorization"))
		mu.Unlock()
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Authorizer: staticAuthorizer("Bearer abc"), Retry: fastPolicy(0)})
	ctx := context.Background()

	c.Request(ctx, srv.URL, RequestOptions{})
	custom := "Basic xyz"
	c.Request(ctx, srv.URL, RequestOptions{Authorization: &custom})
	c.Request(ctx, srv.URL, RequestOptions{Authorization: NoAuthorization()})

	want := []string{"Bearer abc", "Basic xyz", ""}
	if len(got) != len(want) {
		t.Fatalf("expected %d requests, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request %d: expected Authorization %q, got %q", i, want[i], got[i])
		}
	}
}

func TestRequest_AuthorizerErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent when authorization fails")
	}))
	defer srv.Close()

	authErr := errors.New("token endpoint down")
	c := newTestClient(t, Config{Authorizer: failingAuthorizer{err: authErr}, Retry: fastPolicy(3)})
	_, err := c.Request(context.Background(), srv.URL, RequestOptions{})
	if !errors.Is(err, authErr) {
		t.Errorf("expected authorizer error, got %v", err)
	}
}

func TestResolve_RelativeURL(t *testing.T) {
	c := newTestClient(t, Config{BaseURL: "https://fhir.example.com/r4"})
	cases := []struct{ in, want string }{
		{"Patient?_id=1", "https://fhir.example.com/r4/Patient?_id=1"},
		{"Group/g1/$export?_type=Patient", "https://fhir.example.com/r4/Group/g1/$export?_type=Patient"},
		{"https://files.example.com/a.ndjson", "https://files.example.com/a.ndjson"},
	}
	for _, tc := range cases {
		got, err := c.Resolve(tc.in)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("Resolve(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRequest_TextAndInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/text":
			w.Header().Set("Content-Type", "text/plain")
			io.WriteString(w, "hello")
		case "/bad":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, "{not json")
		}
	}))
	defer srv.Close()

	c := newTestClient(t, Config{BaseURL: srv.URL, Retry: fastPolicy(0)})
	resp, err := c.Request(context.Background(), "text", RequestOptions{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.JSON != nil || resp.Text() != "hello" {
		t.Errorf("expected text body, got json=%v text=%q", resp.JSON, resp.Text())
	}
	if err := resp.Decode(&struct{}{}); err == nil {
		t.Error("expected Decode to fail for a text body")
	}

	if _, err := c.Request(context.Background(), "bad", RequestOptions{}); err == nil {
		t.Error("expected error for invalid JSON body")
	}
}

func TestRequest_RawModeStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+ndjson")
		io.WriteString(w, "{\"a\":1}\n")
		w.(http.Flusher).Flush()
		time.Sleep(80 * time.Millisecond)
		io.WriteString(w, "{\"a\":2}\n")
	}))
	defer srv.Close()

	// The timeout covers only the wait for headers, not the streamed body.
	c := newTestClient(t, Config{Retry: fastPolicy(0), Timeout: 40 * time.Millisecond})
	resp, err := c.Request(context.Background(), srv.URL, RequestOptions{Raw: true})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer resp.HTTP.Body.Close()
	if resp.Body != nil {
		t.Error("raw responses must not be buffered")
	}
	data, err := io.ReadAll(resp.HTTP.Body)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if string(data) != "{\"a\":1}\n{\"a\":2}\n" {
		t.Errorf("unexpected stream %q", data)
	}
}

func TestRequest_ObserverSeesEveryAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var mu sync.Mutex
	var recs []telemetry.RequestRecord
	obs := telemetry.ObserverFunc(func(r telemetry.RequestRecord) {
		mu.Lock()
		recs = append(recs, r)
		mu.Unlock()
	})
	c := newTestClient(t, Config{Authorizer: staticAuthorizer("Bearer secret"), Retry: fastPolicy(2), Observer: obs})
	if _, err := c.Request(context.Background(), srv.URL, RequestOptions{}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Status != http.StatusBadGateway || recs[0].Attempt != 1 {
		t.Errorf("unexpected first record: %+v", recs[0])
	}
	if recs[1].Status != http.StatusOK || recs[1].Attempt != 2 {
		t.Errorf("unexpected second record: %+v", recs[1])
	}
	for _, r := range recs {
		if r.RequestHeaders.Get("Authorization") != telemetry.RedactedValue {
			t.Errorf("authorization not redacted: %q", r.RequestHeaders.Get("Authorization"))
		}
	}
}

func TestRequest_PrompterGetsAnotherRound(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "done")
	}))
	defer srv.Close()

	var prompts int
	prompter := PromptFunc(func(context.Context, error) bool {
		prompts++
		return true
	})
	c := newTestClient(t, Config{Retry: fastPolicy(1), Prompter: prompter})
	resp, err := c.Request(context.Background(), srv.URL, RequestOptions{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Text() != "done" || prompts != 1 {
		t.Errorf("expected success after one prompt, got %q after %d prompts", resp.Text(), prompts)
	}
}

func TestLinePrompter(t *testing.T) {
	var out strings.Builder
	p := NewLinePrompter(strings.NewReader("y\n"), &out)
	if !p.ConfirmRetry(context.Background(), errors.New("boom")) {
		t.Error("expected yes")
	}
	if !strings.Contains(out.String(), "boom") {
		t.Errorf("expected the error in the prompt, got %q", out.String())
	}
	p = NewLinePrompter(strings.NewReader("\n"), io.Discard)
	if p.ConfirmRetry(context.Background(), errors.New("boom")) {
		t.Error("expected an empty answer to mean no")
	}
}

func TestLinePrompter_AnswersAcrossPrompts(t *testing.T) {
	p := NewLinePrompter(strings.NewReader("y\nn\nyes\n"), io.Discard)
	want := []bool{true, false, true}
	for i, w := range want {
		if got := p.ConfirmRetry(context.Background(), errors.New("boom")); got != w {
			t.Errorf("prompt %d: got %v, want %v", i, got, w)
		}
	}
	if p.ConfirmRetry(context.Background(), errors.New("boom")) {
		t.Error("expected no once input is exhausted")
	}
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	for _, s := range []string{strings.Repeat("é", 150), "a" + strings.Repeat("日", 100)} {
		got := truncate(s, maxErrorBody)
		if !utf8.ValidString(got) {
			t.Errorf("truncate split a rune: %q", got)
		}
		if len(got) > maxErrorBody+3 || !strings.HasSuffix(got, "...") {
			t.Errorf("unexpected truncation of %d bytes: %d bytes", len(s), len(got))
		}
	}
}
