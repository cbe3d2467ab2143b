package fhir

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxPayloadExcerpt bounds the payload or body text kept on a ProtocolError.
const maxPayloadExcerpt = 200

// ProtocolError reports a server response that does not follow the FHIR or
// Bulk Data protocol: an unexpected status, a missing header, or a resource
// whose type differs from the one requested.
type ProtocolError struct {
	URL string
	// Set for resource type mismatches.
	Expected string
	Actual   string
	// Set for unexpected statuses.
	Status int
	Reason string
	// Body is an excerpt of the payload or response body.
	Body string
	Msg  string
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	b.WriteString(e.URL)
	switch {
	case e.Msg != "":
		fmt.Fprintf(&b, ": %s", e.Msg)
	case e.Expected != "":
		actual := e.Actual
		if actual == "" {
			actual = "<none>"
		}
		fmt.Fprintf(&b, ": expected resource type %s, got %s", e.Expected, actual)
	case e.Status != 0:
		fmt.Fprintf(&b, ": unexpected status %d %s", e.Status, e.Reason)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, "; payload: %s", e.Body)
	}
	return b.String()
}

// Mismatch reports whether the error is a resource type mismatch.
func (e *ProtocolError) Mismatch() bool { return e.Expected != "" }

// Excerpt shortens s to the length kept on a ProtocolError.
func Excerpt(s string) string {
	if len(s) <= maxPayloadExcerpt {
		return s
	}
	n := maxPayloadExcerpt
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
