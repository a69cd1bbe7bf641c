package pool

import (
	"container/heap"
	"time"

	"github.com/koltyakov/distproxy/internal/domain"
)

// deadlineHeap is a min-heap of eviction deadlines. It only records when
// something becomes stale; the entries themselves are found by Sanitize, so
// a deadline whose entry is already gone costs one empty sweep.
type deadlineHeap []time.Time

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].Before(h[j]) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x any) { *h = append(*h, x.(time.Time)) }

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// armLocked points the store's single timer at the earliest deadline.
func (s *Store) armLocked(now time.Time) {
	if s.closed || len(s.expiry) == 0 {
		s.stopTimerLocked()
		return
	}
	d := s.expiry[0].Sub(now)
	if d < 0 {
		d = 0
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(d, s.onDeadline)
		return
	}
	s.timer.Reset(d)
}

func (s *Store) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *Store) onDeadline() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	now := s.now()
	for len(s.expiry) > 0 && !s.expiry[0].After(now) {
		heap.Pop(&s.expiry)
	}
	removed := s.sanitizeLocked(domain.Transports)
	s.armLocked(now)
	s.mu.Unlock()

	if removed > 0 {
		s.persist.request()
	}
}
