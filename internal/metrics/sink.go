package metrics

import (
	"context"
	"strings"
	"sync"
)

// MemorySink keeps written lines in memory. Tests and dry runs use it.
type MemorySink struct {
	mu    sync.Mutex
	lines []string
	err   error
}

// WriteLine records line, or returns the configured error.
func (s *MemorySink) WriteLine(_ context.Context, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.lines = append(s.lines, line)
	return nil
}

// FailWith makes every later write return err. A nil err restores writes.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Lines returns a copy of the written lines.
func (s *MemorySink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// Matching returns the lines containing every fragment.
func (s *MemorySink) Matching(fragments ...string) []string {
	var out []string
	for _, l := range s.Lines() {
		ok := true
		for _, f := range fragments {
			if !strings.Contains(l, f) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, l)
		}
	}
	return out
}
