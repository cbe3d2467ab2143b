package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

func TestSanitizeHeaders_RedactsAuthorization(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer secret-token")
	h.Set("Accept", "application/fhir+json")

	out := SanitizeHeaders(h)

	if got := out.Get("Authorization"); got != RedactedValue {
		t.Errorf("expected redacted authorization, got %q", got)
	}
	if got := out.Get("Accept"); got != "application/fhir+json" {
		t.Errorf("expected accept to be preserved, got %q", got)
	}
	if h.Get("Authorization") != "Bearer secret-token" {
		t.Error("SanitizeHeaders must not modify its input")
	}
}

func TestSanitizeHeaders_Nil(t *testing.T) {
	if SanitizeHeaders(nil) != nil {
		t.Error("expected nil for nil headers")
	}
}

func TestCounters_ConcurrentInc(t *testing.T) {
	c := NewCounters()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Inc("Observation")
			c.Inc("Condition")
		}()
	}
	wg.Wait()

	if got := c.Get("Observation"); got != 50 {
		t.Errorf("expected 50 observations, got %d", got)
	}
	if got := c.Total(); got != 100 {
		t.Errorf("expected total 100, got %d", got)
	}
	keys := c.Keys()
	if len(keys) != 2 || keys[0] != "Condition" || keys[1] != "Observation" {
		t.Errorf("unexpected keys: %v", keys)
	}
	if c.Get("Encounter") != 0 {
		t.Error("expected zero for unknown key")
	}
}

func TestCounters_RequestsAndFailures(t *testing.T) {
	c := NewCounters()
	c.SetRequests(7)
	c.Fail()
	c.Fail()
	if c.Requests() != 7 {
		t.Errorf("expected 7 requests, got %d", c.Requests())
	}
	if c.Failures() != 2 {
		t.Errorf("expected 2 failures, got %d", c.Failures())
	}
}

func TestThroughput(t *testing.T) {
	if got := Throughput(120, 2*time.Minute); got != 60 {
		t.Errorf("expected 60/min, got %v", got)
	}
	if got := Throughput(10, 0); got != 0 {
		t.Errorf("expected 0 for zero duration, got %v", got)
	}
}

func TestRequestLog_WritesRedactedJSONLine(t *testing.T) {
	var buf bytes.Buffer
	log := NewRequestLog(&buf)

	h := http.Header{}
	h.Set("Authorization", "Basic abc")
	log.ObserveRequest(RequestRecord{
		Method:         http.MethodGet,
		URL:            "https://fhir.example.com/Patient",
		Attempt:        2,
		Status:         503,
		StatusText:     "Service Unavailable",
		Duration:       15 * time.Millisecond,
		RequestHeaders: h,
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if entry["url"] != "https://fhir.example.com/Patient" {
		t.Errorf("unexpected url: %v", entry["url"])
	}
	if entry["status"] != float64(503) {
		t.Errorf("unexpected status: %v", entry["status"])
	}
	if bytes.Contains(buf.Bytes(), []byte("Basic abc")) {
		t.Error("authorization header leaked into the request log")
	}
}

func TestRequestLog_ErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	NewRequestLog(&buf).ObserveRequest(RequestRecord{Method: "GET", URL: "x", Err: errors.New("boom")})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["level"] != "error" {
		t.Errorf("expected error level, got %v", entry["level"])
	}
	if entry["error"] != "boom" {
		t.Errorf("expected error field, got %v", entry["error"])
	}
}

func TestMultiObserver(t *testing.T) {
	var a, b int
	m := MultiObserver{
		ObserverFunc(func(RequestRecord) { a++ }),
		nil,
		ObserverFunc(func(RequestRecord) { b++ }),
	}
	m.ObserveRequest(RequestRecord{})
	if a != 1 || b != 1 {
		t.Errorf("expected both observers called once, got %d and %d", a, b)
	}
}

func TestOpenLogFile_Truncates(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenLogFile(dir, ErrorLogFile)
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	f.WriteString("old line\n")
	f.Close()

	f, err = OpenLogFile(dir, ErrorLogFile)
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	defer f.Close()
	st, _ := f.Stat()
	if st.Size() != 0 {
		t.Errorf("expected truncated file, got size %d", st.Size())
	}
}
