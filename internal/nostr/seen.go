package nostr

import "sync"

// SeenSet remembers the last n event ids. Older ids are forgotten in
// insertion order, so memory stays bounded however many events pass through.
type SeenSet struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	ring []string
	next int
}

func NewSeenSet(n int) *SeenSet {
	if n < 1 {
		n = 1
	}
	return &SeenSet{ids: make(map[string]struct{}, n), ring: make([]string, n)}
}

// Add records id and reports whether it was new.
func (s *SeenSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.ids[id] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
	return true
}

// Len returns the number of ids currently remembered.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
