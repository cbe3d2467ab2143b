// Package ndjson stores harvested resources as newline-delimited JSON. It
// defines the Sink interface, a rotating file implementation, an in-memory
// implementation for tests, and a line reader tolerant of \n, \r\n and \r
// line endings.
package ndjson

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrEmptyType   = errors.New("resource type is required")
	ErrInvalidJSON = errors.New("line is not valid JSON")
	ErrClosed      = errors.New("sink is closed")
)

// Extension is the suffix of every output file.
const Extension = ".ndjson"

// ManifestFile is the name the export manifest is saved under.
const ManifestFile = "manifest.json"

// DefaultMaxFileSize is the rotation threshold used when none is given (1 GB).
const DefaultMaxFileSize = 1_000_000_000

// Sink accepts one resource at a time under its resource type.
type Sink interface {
	Append(resourceType string, item []byte) error
}

// PrefixedFileName returns the name of the n-th file for a resource type,
// e.g. "2.Observation.ndjson".
func PrefixedFileName(resourceType string, n int) string {
	return fmt.Sprintf("%d.%s%s", n, resourceType, Extension)
}

// compact folds item onto a single line.
func compact(item []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, item); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return buf.Bytes(), nil
}

// ---------------------------------------------------------------------------
// FileSink
// ---------------------------------------------------------------------------

type openFile struct {
	n    int
	f    *os.File
	size int64
}

// FileSink appends resources to "<n>.<Type>.ndjson" files in a directory,
// moving on to n+1 once a file exceeds the size limit. It is safe for
// concurrent use.
type FileSink struct {
	dir     string
	maxSize int64

	mu     sync.Mutex
	files  map[string]*openFile
	closed bool
}

// NewFileSink creates a FileSink writing into dir. A maxSize <= 0 selects
// DefaultMaxFileSize.
func NewFileSink(dir string, maxSize int64) (*FileSink, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating destination %s: %w", dir, err)
	}
	return &FileSink{dir: dir, maxSize: maxSize, files: make(map[string]*openFile)}, nil
}

// Dir returns the destination directory.
func (s *FileSink) Dir() string { return s.dir }

// Append writes item as one line. Lines are separated by "\n"; a file never
// starts with an empty line.
func (s *FileSink) Append(resourceType string, item []byte) error {
	if resourceType == "" {
		return ErrEmptyType
	}
	line, err := compact(item)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	of, err := s.current(resourceType)
	if err != nil {
		return err
	}
	if of.size > 0 {
		line = append([]byte{'\n'}, line...)
	}
	n, err := of.f.Write(line)
	of.size += int64(n)
	if err != nil {
		return fmt.Errorf("writing %s: %w", of.f.Name(), err)
	}
	return nil
}

// current returns the file to append to, rotating when the open file is
// past the limit. Caller holds s.mu.
func (s *FileSink) current(resourceType string) (*openFile, error) {
	of := s.files[resourceType]
	if of != nil && of.size <= s.maxSize {
		return of, nil
	}

	n := 1
	if of != nil {
		of.f.Close()
		n = of.n + 1
	}
	for {
		path := filepath.Join(s.dir, PrefixedFileName(resourceType, n))
		st, err := os.Stat(path)
		if err == nil && st.Size() > s.maxSize {
			n++
			continue
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		var size int64
		if st != nil {
			size = st.Size()
		}
		of = &openFile{n: n, f: f, size: size}
		s.files[resourceType] = of
		return of, nil
	}
}

// Close closes every open file. Later appends fail with ErrClosed.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	var errs []error
	for t, of := range s.files {
		if err := of.f.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.files, t)
	}
	return errors.Join(errs...)
}

// Files lists the existing files for a resource type in rotation order.
func Files(dir, resourceType string) ([]string, error) {
	suffix := "." + resourceType + Extension
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	type numbered struct {
		n    int
		path string
	}
	var found []numbered
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, suffix))
		if err != nil {
			continue
		}
		found = append(found, numbered{n: n, path: filepath.Join(dir, name)})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })
	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}

// Sweep removes NDJSON files and a previous manifest from dir. Other files
// are left alone. A missing directory is not an error.
func Sweep(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, Extension) && name != ManifestFile) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("removing %s: %w", name, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// MemorySink
// ---------------------------------------------------------------------------

// MemorySink keeps appended items in memory. It is safe for concurrent use.
type MemorySink struct {
	mu    sync.RWMutex
	items map[string][]json.RawMessage
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{items: make(map[string][]json.RawMessage)}
}

// Append implements Sink.
func (s *MemorySink) Append(resourceType string, item []byte) error {
	if resourceType == "" {
		return ErrEmptyType
	}
	line, err := compact(item)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[resourceType] = append(s.items[resourceType], line)
	return nil
}

// Items returns the items stored for a resource type.
func (s *MemorySink) Items(resourceType string) []json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]json.RawMessage(nil), s.items[resourceType]...)
}

// Count returns the number of items stored for a resource type.
func (s *MemorySink) Count(resourceType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items[resourceType])
}
