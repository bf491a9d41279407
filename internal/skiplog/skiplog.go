// Package skiplog counts skipped records per reason and optionally appends
// each one to a CSV audit file.
package skiplog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

var header = []string{"reason", "file", "line_number", "detail"}

// Stats accumulates skip counts. The zero value counts without writing a file.
type Stats struct {
	reasons map[string]int
	f       *os.File
	w       *csv.Writer
}

// New returns Stats writing to the CSV at path, creating parent directories.
// An empty path disables the file and keeps only the counters.
func New(path string) (*Stats, error) {
	s := &Stats{reasons: make(map[string]int)}
	if path == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("skiplog: create dir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("skiplog: open %s: %w", path, err)
	}
	s.f = f
	s.w = csv.NewWriter(f)
	if err := s.w.Write(header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("skiplog: write header: %w", err)
	}
	return s, nil
}

// Add counts one skipped record and appends it to the audit file if any.
// Rows are flushed as they are added, so a failing audit file is reported
// here; the count is kept either way.
func (s *Stats) Add(reason, file string, line int, detail string) error {
	if s.reasons == nil {
		s.reasons = make(map[string]int)
	}
	s.reasons[reason]++
	if s.w == nil {
		return nil
	}
	if err := s.w.Write([]string{reason, file, strconv.Itoa(line), detail}); err != nil {
		return fmt.Errorf("skiplog: write: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("skiplog: write: %w", err)
	}
	return nil
}

// Count returns the number of skips recorded for reason.
func (s *Stats) Count(reason string) int { return s.reasons[reason] }

// Total returns the number of skips over all reasons.
func (s *Stats) Total() int {
	n := 0
	for _, c := range s.reasons {
		n += c
	}
	return n
}

// Reasons returns a copy of the per-reason counters.
func (s *Stats) Reasons() map[string]int {
	out := make(map[string]int, len(s.reasons))
	for k, v := range s.reasons {
		out[k] = v
	}
	return out
}

// Sorted returns reason names in lexical order.
func (s *Stats) Sorted() []string {
	keys := make([]string, 0, len(s.reasons))
	for k := range s.reasons {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close flushes and closes the audit file.
func (s *Stats) Close() error {
	if s.w == nil {
		return nil
	}
	s.w.Flush()
	err := s.w.Error()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	s.w, s.f = nil, nil
	return err
}
