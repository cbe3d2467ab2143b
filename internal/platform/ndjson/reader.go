package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// MaxLineSize bounds a single NDJSON line.
const MaxLineSize = 512 * 1024 * 1024

// Reader yields lines terminated by "\n", "\r\n" or a lone "\r".
type Reader struct {
	sc   *bufio.Scanner
	line int
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLineSize)
	sc.Split(scanLines)
	return &Reader{sc: sc}
}

// Next returns the next line without its terminator. It returns io.EOF when
// the input is exhausted. The slice is only valid until the next call.
func (r *Reader) Next() ([]byte, error) {
	if r.sc.Scan() {
		r.line++
		return r.sc.Bytes(), nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", r.line+1, err)
	}
	return nil, io.EOF
}

// Line returns the 1-based number of the last line returned by Next.
func (r *Reader) Line() int { return r.line }

func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		// A "\r" at the end of the buffer may be the first half of "\r\n".
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Entries calls fn for every non-blank line of r, in order. A line that is
// not valid JSON stops the read with an error naming the line number.
func Entries(r io.Reader, fn func(line int, item json.RawMessage) error) error {
	rd := NewReader(r)
	for {
		raw, err := rd.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		if !json.Valid(raw) {
			return fmt.Errorf("line %d: %w", rd.Line(), ErrInvalidJSON)
		}
		item := make(json.RawMessage, len(raw))
		copy(item, raw)
		if err := fn(rd.Line(), item); err != nil {
			return err
		}
	}
}

// FileEntries is Entries over the file at path.
func FileEntries(path string, fn func(line int, item json.RawMessage) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if err := Entries(f, fn); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
