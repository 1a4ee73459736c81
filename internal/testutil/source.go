package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/fiscalsync/internal/fiscal"
	"github.com/roach88/fiscalsync/internal/source"
)

// ErrScripted is the default failure returned by scripted responses.
var ErrScripted = errors.New("scripted upstream failure")

// ManifestReply is one scripted FetchManifest outcome.
type ManifestReply struct {
	Manifest source.Manifest
	Err      error

	// Stall blocks the call, ignoring its context, until the source is
	// released. Used to exercise hard deadlines.
	Stall bool
}

// Calls counts the requests a FakeSource received.
type Calls struct {
	Manifest int
	Batch    int
	Single   int
}

type unitKey struct {
	taxID  string
	class  fiscal.Class
	period string
}

type roleKey struct {
	unitKey
	role fiscal.Role
}

// FakeSource is a scripted source.Source.
//
// Manifest replies are consumed in order per (tax ID, class, period); the
// last reply repeats once the script is exhausted. Documents are served by
// offset from per-role lists. Thread-safety: safe for concurrent use.
type FakeSource struct {
	mu         sync.Mutex
	manifests  map[unitKey][]ManifestReply
	docs       map[roleKey][]fiscal.Document
	batchFails map[roleKey]int
	singles    map[fiscal.DocumentKey]fiscal.Document
	calls      Calls
	perUnit    map[unitKey]int
	release    chan struct{}
	once       sync.Once
}

// NewFakeSource returns an empty FakeSource.
func NewFakeSource() *FakeSource {
	return &FakeSource{
		manifests:  make(map[unitKey][]ManifestReply),
		docs:       make(map[roleKey][]fiscal.Document),
		batchFails: make(map[roleKey]int),
		singles:    make(map[fiscal.DocumentKey]fiscal.Document),
		perUnit:    make(map[unitKey]int),
		release:    make(chan struct{}),
	}
}

// ScriptManifest appends replies for (taxID, class, period).
func (s *FakeSource) ScriptManifest(taxID string, class fiscal.Class, period fiscal.Period, replies ...ManifestReply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := unitKey{taxID, class, period.Key()}
	s.manifests[k] = append(s.manifests[k], replies...)
}

// SetDocuments sets the documents served for one role, in offset order.
func (s *FakeSource) SetDocuments(taxID string, class fiscal.Class, role fiscal.Role, period fiscal.Period, docs []fiscal.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[roleKey{unitKey{taxID, class, period.Key()}, role}] = docs
}

// FailBatches makes the next n FetchBatch calls for one role fail.
func (s *FakeSource) FailBatches(taxID string, class fiscal.Class, role fiscal.Role, period fiscal.Period, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchFails[roleKey{unitKey{taxID, class, period.Key()}, role}] = n
}

// SetSingle makes doc available to FetchSingle only.
func (s *FakeSource) SetSingle(doc fiscal.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.singles[doc.Key] = doc
}

// Release unblocks every stalled call. Safe to call more than once.
func (s *FakeSource) Release() {
	s.once.Do(func() { close(s.release) })
}

// Calls returns the request counters.
func (s *FakeSource) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ManifestCalls returns how many manifests were requested for one unit.
func (s *FakeSource) ManifestCalls(taxID string, class fiscal.Class, period fiscal.Period) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perUnit[unitKey{taxID, class, period.Key()}]
}

// FetchManifest implements source.Source.
func (s *FakeSource) FetchManifest(ctx context.Context, taxID string, class fiscal.Class, period fiscal.Period) (source.Manifest, error) {
	s.mu.Lock()
	s.calls.Manifest++
	k := unitKey{taxID, class, period.Key()}
	s.perUnit[k]++
	script := s.manifests[k]
	var reply ManifestReply
	switch len(script) {
	case 0:
		reply = ManifestReply{Manifest: source.Manifest{NoData: true}}
	case 1:
		reply = script[0]
	default:
		reply = script[0]
		s.manifests[k] = script[1:]
	}
	s.mu.Unlock()

	if reply.Stall {
		<-s.release
		return source.Manifest{}, ctx.Err()
	}
	if reply.Err != nil {
		return source.Manifest{}, reply.Err
	}
	m := reply.Manifest
	m.Keys = append([]fiscal.DocumentKey(nil), m.Keys...)
	return m, nil
}

// FetchBatch implements source.Source.
func (s *FakeSource) FetchBatch(_ context.Context, taxID string, class fiscal.Class, role fiscal.Role, period fiscal.Period, offset, limit int) ([]fiscal.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Batch++

	k := roleKey{unitKey{taxID, class, period.Key()}, role}
	if n := s.batchFails[k]; n > 0 {
		s.batchFails[k] = n - 1
		return nil, fmt.Errorf("batch %s/%s offset %d: %w", class, role, offset, ErrScripted)
	}

	all := s.docs[k]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]fiscal.Document(nil), all[offset:end]...), nil
}

// FetchSingle implements source.Source.
func (s *FakeSource) FetchSingle(_ context.Context, key fiscal.DocumentKey, _ fiscal.Class) (fiscal.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Single++

	doc, ok := s.singles[key]
	if !ok {
		return fiscal.Document{}, fmt.Errorf("single %s: %w", key, source.ErrNotFound)
	}
	return doc, nil
}

var _ source.Source = (*FakeSource)(nil)
