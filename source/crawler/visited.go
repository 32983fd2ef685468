package crawler

import (
	"sync"

	"github.com/c360studio/sitesync/source/weburl"
)

// VisitedSet holds the normalized URLs already claimed during one crawl.
type VisitedSet struct {
	mu   sync.Mutex
	urls map[string]struct{}
}

// NewVisitedSet creates an empty VisitedSet.
func NewVisitedSet() *VisitedSet {
	return &VisitedSet{urls: make(map[string]struct{})}
}

// MarkIfNotVisited atomically claims raw. It returns false when raw (after
// normalization) was already claimed.
func (s *VisitedSet) MarkIfNotVisited(raw string) bool {
	key := visitKey(raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.urls[key]; ok {
		return false
	}
	s.urls[key] = struct{}{}
	return true
}

// Contains reports whether raw has been claimed.
func (s *VisitedSet) Contains(raw string) bool {
	key := visitKey(raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.urls[key]
	return ok
}

// Len returns the number of claimed URLs.
func (s *VisitedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urls)
}

func visitKey(raw string) string {
	if key, err := weburl.Normalize(raw); err == nil {
		return key
	}
	return raw
}
