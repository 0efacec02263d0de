package reconcile

import "github.com/skillmesh/skillmesh/internal/util"

// seenSet is a bounded recently-seen-identifier set: a ring buffer arena for
// size-eviction plus a map index for O(1) membership. One per event category,
// so a flood of one kind cannot evict another kind's memory.
type seenSet struct {
	ring *util.RingBuffer[string]
	idx  map[string]struct{}
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		ring: util.NewRingBuffer[string](capacity),
		idx:  make(map[string]struct{}, capacity),
	}
}

// Add records id and reports whether it was new. Callers drop the event when
// Add returns false. Not self-locking: callers hold the reconciler mutex.
func (s *seenSet) Add(id string) bool {
	if _, dup := s.idx[id]; dup {
		return false
	}
	if evicted, ok := s.ring.PushEvict(id); ok {
		delete(s.idx, evicted)
	}
	s.idx[id] = struct{}{}
	return true
}
