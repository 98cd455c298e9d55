package engine

import (
	"strings"
	"sync"
)

// groupSemaphore counts free slots for one concurrency key.
// The first limit seen for a key wins.
type groupSemaphore struct {
	limit int
	free  int
}

// groupKey falls back to the task name when no key is set.
func groupKey(concurrencyKey, name string) string {
	k := strings.TrimSpace(concurrencyKey)
	if k == "" {
		k = strings.TrimSpace(name)
	}
	return k
}

// groupLimiterStore holds one semaphore per busy key. A semaphore is removed
// when its last slot is returned, so per-reminder keys do not accumulate.
type groupLimiterStore struct {
	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

// tryAcquire takes a slot for key. ok is false when the group is full.
func (s *groupLimiterStore) tryAcquire(key string, limit int) (release func(), ok bool) {
	k := strings.TrimSpace(key)
	if limit <= 0 || k == "" {
		return func() {}, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups == nil {
		s.groups = make(map[string]*groupSemaphore)
	}
	gs := s.groups[k]
	if gs == nil {
		gs = &groupSemaphore{limit: limit, free: limit}
		s.groups[k] = gs
	}
	if gs.free == 0 {
		return nil, false
	}
	gs.free--

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			gs.free++
			if gs.free >= gs.limit && s.groups[k] == gs {
				delete(s.groups, k)
			}
			s.mu.Unlock()
		})
	}, true
}

func (s *groupLimiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups)
}
