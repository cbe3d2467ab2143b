package httpclient

import (
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// maxErrorBody is how much of a response body is kept on a RequestError.
const maxErrorBody = 200

// RequestError is a terminal failure for a request that received a response:
// either a non-retryable status or a retryable one after the retry budget was
// spent.
type RequestError struct {
	Method    string
	URL       string
	Status    int
	Reason    string
	Body      string
	Header    http.Header
	Attempts  int
	retryable bool
}

func (e *RequestError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %d %s", e.Method, e.URL, e.Status, e.Reason)
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, "; body: %s", e.Body)
	}
	return b.String()
}

// Transient reports whether the status was in the retryable set.
func (e *RequestError) Transient() bool { return e.retryable }

// NoResponseError is returned when the final allowed attempt timed out before
// the server answered.
type NoResponseError struct {
	Method   string
	URL      string
	Attempts int
	Timeout  time.Duration
}

func (e *NoResponseError) Error() string {
	return fmt.Sprintf("%s %s: no response after %d attempt(s) (timeout %s)", e.Method, e.URL, e.Attempts, e.Timeout)
}

// timeoutError marks an attempt aborted by the per-request timeout. It is
// retryable and becomes a NoResponseError when no attempts are left.
type timeoutError struct {
	timeout time.Duration
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("request timed out after %s", e.timeout)
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
