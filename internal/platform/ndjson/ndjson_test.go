package ndjson

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(b)
}

// ---------------------------------------------------------------------------
// FileSink
// ---------------------------------------------------------------------------

func TestFileSink_AppendSeparatesLines(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSink(dir, 0)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	defer s.Close()

	s.Append("Patient", []byte(`{"resourceType": "Patient",
		"id": "1"}`))
	s.Append("Patient", []byte(`{"resourceType":"Patient","id":"2"}`))
	s.Close()

	got := readFile(t, filepath.Join(dir, "1.Patient.ndjson"))
	want := `{"resourceType":"Patient","id":"1"}` + "\n" + `{"resourceType":"Patient","id":"2"}`
	if got != want {
		t.Errorf("unexpected file content:\n%s", got)
	}
}

func TestFileSink_Rotates(t *testing.T) {
	dir := t.TempDir()
	item := []byte(`{"resourceType":"Observation","id":"abcdefghij"}`)
	s, err := NewFileSink(dir, int64(len(item)))
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.Append("Observation", item); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	s.Close()

	files, err := Files(dir, "Observation")
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	// The first file holds two lines: it only exceeds the limit after the
	// second write.
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %v", files)
	}
	if filepath.Base(files[0]) != "1.Observation.ndjson" || filepath.Base(files[1]) != "2.Observation.ndjson" {
		t.Errorf("unexpected file names %v", files)
	}
	if n := strings.Count(readFile(t, files[0]), "\n"); n != 1 {
		t.Errorf("expected two lines in the first file, got %d separators", n)
	}
}

func TestFileSink_ResumesExistingFile(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "1.Condition.ndjson"), []byte(`{"id":"old"}`), 0o644)

	s, _ := NewFileSink(dir, 0)
	s.Append("Condition", []byte(`{"id":"new"}`))
	s.Close()

	got := readFile(t, filepath.Join(dir, "1.Condition.ndjson"))
	if got != `{"id":"old"}`+"\n"+`{"id":"new"}` {
		t.Errorf("unexpected content %q", got)
	}
}

func TestFileSink_ConcurrentAppend(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileSink(dir, 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				s.Append("Encounter", []byte(`{"resourceType":"Encounter"}`))
			}
		}()
	}
	wg.Wait()
	s.Close()

	count := 0
	err := FileEntries(filepath.Join(dir, "1.Encounter.ndjson"), func(int, json.RawMessage) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("FileEntries: %v", err)
	}
	if count != 200 {
		t.Errorf("expected 200 intact lines, got %d", count)
	}
}

func TestFileSink_Errors(t *testing.T) {
	s, _ := NewFileSink(t.TempDir(), 0)
	defer s.Close()
	if err := s.Append("", []byte(`{}`)); !errors.Is(err, ErrEmptyType) {
		t.Errorf("expected ErrEmptyType, got %v", err)
	}
	if err := s.Append("Patient", []byte(`{oops`)); !errors.Is(err, ErrInvalidJSON) {
		t.Errorf("expected ErrInvalidJSON, got %v", err)
	}
}

func TestFileSink_AppendAfterClose(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileSink(dir, 0)
	s.Append("Patient", []byte(`{"id":"1"}`))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Append("Patient", []byte(`{"id":"2"}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if got := readFile(t, filepath.Join(dir, "1.Patient.ndjson")); got != `{"id":"1"}` {
		t.Errorf("file changed after Close: %q", got)
	}
}

func TestSweep(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"1.Patient.ndjson", "2.Patient.ndjson", "manifest.json", "config.json", "notes.txt"} {
		os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644)
	}
	if err := Sweep(dir); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	var left []string
	for _, e := range entries {
		left = append(left, e.Name())
	}
	if strings.Join(left, ",") != "config.json,notes.txt" {
		t.Errorf("unexpected files after sweep: %v", left)
	}
	if err := Sweep(filepath.Join(dir, "missing")); err != nil {
		t.Errorf("expected no error for a missing dir, got %v", err)
	}
}

func TestPrefixedFileName(t *testing.T) {
	if got := PrefixedFileName("MedicationRequest", 3); got != "3.MedicationRequest.ndjson" {
		t.Errorf("unexpected name %q", got)
	}
}

// ---------------------------------------------------------------------------
// Reader
// ---------------------------------------------------------------------------

func TestReader_LineEndings(t *testing.T) {
	in := "a\nb\r\nc\rd\r\n\ne"
	rd := NewReader(strings.NewReader(in))
	var got []string
	for {
		line, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, string(line))
	}
	if strings.Join(got, "|") != "a|b|c|d||e" {
		t.Errorf("unexpected lines %q", got)
	}
}

func TestReader_HugeLine(t *testing.T) {
	big := `{"data":"` + strings.Repeat("x", 1<<20) + `"}`
	rd := NewReader(strings.NewReader(big + "\n{}"))
	line, err := rd.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(line) != len(big) {
		t.Errorf("expected %d bytes, got %d", len(big), len(line))
	}
}

func TestEntries_SkipsBlankAndRejectsInvalid(t *testing.T) {
	var ids []string
	err := Entries(strings.NewReader("{\"id\":\"1\"}\r\n\r\n  \n{\"id\":\"2\"}"), func(_ int, item json.RawMessage) error {
		var v struct{ ID string }
		json.Unmarshal(item, &v)
		ids = append(ids, v.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if strings.Join(ids, ",") != "1,2" {
		t.Errorf("unexpected ids %v", ids)
	}

	err = Entries(strings.NewReader("{}\nnot json\n"), func(int, json.RawMessage) error { return nil })
	if !errors.Is(err, ErrInvalidJSON) || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("expected invalid JSON error on line 2, got %v", err)
	}
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	s.Append("Patient", []byte(`{ "id" : "1" }`))
	if s.Count("Patient") != 1 || string(s.Items("Patient")[0]) != `{"id":"1"}` {
		t.Errorf("unexpected items %q", s.Items("Patient"))
	}
	if err := s.Append("", []byte(`{}`)); !errors.Is(err, ErrEmptyType) {
		t.Errorf("expected ErrEmptyType, got %v", err)
	}
}
