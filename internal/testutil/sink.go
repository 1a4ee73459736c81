package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/mirror"
)

// ErrSinkFailure is returned by a RecordingSink for keys set to fail.
var ErrSinkFailure = errors.New("scripted mirror failure")

// RecordingSink wraps a mirror.Sink, counting genuine writes per key and
// optionally failing or stalling chosen keys.
type RecordingSink struct {
	Next mirror.Sink

	mu     sync.Mutex
	writes map[fiscal.DocumentKey]int
	puts   int
	fail   map[fiscal.DocumentKey]int
	stall  map[fiscal.DocumentKey]int
}

// NewRecordingSink wraps next.
func NewRecordingSink(next mirror.Sink) *RecordingSink {
	return &RecordingSink{
		Next:   next,
		writes: make(map[fiscal.DocumentKey]int),
		fail:   make(map[fiscal.DocumentKey]int),
		stall:  make(map[fiscal.DocumentKey]int),
	}
}

// FailKey makes the next n Puts of key fail.
func (s *RecordingSink) FailKey(key fiscal.DocumentKey, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[key] = n
}

// StallKey makes the next n Puts of key block until their context ends.
func (s *RecordingSink) StallKey(key fiscal.DocumentKey, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stall[key] = n
}

// Put implements mirror.Sink.
func (s *RecordingSink) Put(ctx context.Context, item mirror.Item) (bool, error) {
	s.mu.Lock()
	s.puts++
	if n := s.fail[item.Key]; n > 0 {
		s.fail[item.Key] = n - 1
		s.mu.Unlock()
		return false, ErrSinkFailure
	}
	if n := s.stall[item.Key]; n > 0 {
		s.stall[item.Key] = n - 1
		s.mu.Unlock()
		<-ctx.Done()
		return false, ctx.Err()
	}
	s.mu.Unlock()

	written, err := s.Next.Put(ctx, item)
	if err != nil || !written {
		return written, err
	}

	s.mu.Lock()
	s.writes[item.Key]++
	s.mu.Unlock()
	return true, nil
}

// Writes returns how many times key was genuinely written.
func (s *RecordingSink) Writes(key fiscal.DocumentKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[key]
}

// TotalWrites returns the number of genuine writes across all keys.
func (s *RecordingSink) TotalWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.writes {
		n += c
	}
	return n
}

// Puts returns how many Put calls reached the sink, including failures.
func (s *RecordingSink) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

var _ mirror.Sink = (*RecordingSink)(nil)
