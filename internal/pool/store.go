// Package pool holds the in-memory proxy pools of one pool-name, keeps them
// free of expired entries, and mirrors them to a JSON snapshot on disk.
package pool

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/koltyakov/distproxy/internal/domain"
)

// Options tune a Store. Zero values select production behaviour.
type Options struct {
	// Dir holds the snapshot file. Defaults to the working directory.
	Dir    string
	Logger *slog.Logger
	Now    func() time.Time
	// Intn picks a uniform index in [0,n). Defaults to math/rand/v2.
	Intn func(n int) int
	// WriteFile replaces the snapshot atomically. Defaults to natefinch/atomic.
	WriteFile func(path string, data []byte) error
	// OnPersist observes the outcome of every snapshot write.
	OnPersist func(err error)
}

// Store is the pool of one pool-name across all transports.
type Store struct {
	name string
	path string
	log  *slog.Logger
	now  func() time.Time
	intn func(int) int

	mu     sync.Mutex
	pools  domain.TransportPools
	expiry deadlineHeap
	timer  *time.Timer
	closed bool

	persist *persister
}

// SnapshotPath returns the snapshot file used for pool-name name in dir.
func SnapshotPath(dir, name string) string {
	return filepath.Join(dir, "proxy-pool-dump-"+name+".json")
}

// Open loads the snapshot of pool-name name, drops entries that expired while
// the process was down and arms eviction for the survivors. A missing or
// unreadable snapshot yields empty pools.
func Open(name string, opts Options) (*Store, error) {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, &domain.PoolError{Pool: name, Op: "create data dir", Err: err}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Intn == nil {
		opts.Intn = rand.IntN
	}

	s := &Store{
		name:  name,
		path:  SnapshotPath(opts.Dir, name),
		log:   opts.Logger.With("pool", name),
		now:   opts.Now,
		intn:  opts.Intn,
		pools: emptyPools(),
	}
	s.persist = newPersister(s.path, s.marshal, opts.WriteFile, opts.OnPersist, s.log)

	loaded, err := loadSnapshot(s.path)
	if err != nil {
		s.log.Warn("ignoring unreadable pool snapshot", "path", s.path, "err", err)
	}
	for t, entries := range loaded {
		s.pools[t] = entries
	}

	s.mu.Lock()
	removed := s.sanitizeLocked(domain.Transports)
	now := s.now()
	for _, t := range domain.Transports {
		for _, e := range s.pools[t] {
			heap.Push(&s.expiry, e.InvalidAfter)
		}
	}
	s.armLocked(now)
	s.mu.Unlock()

	s.log.Info("pool loaded", "http", s.Len(domain.TransportHTTP), "socks", s.Len(domain.TransportSOCKS), "expired", removed)
	if removed > 0 {
		s.persist.request()
	}
	return s, nil
}

// Name returns the pool-name.
func (s *Store) Name() string { return s.name }

// Insert appends e to the transport pool, schedules its eviction and
// requests a snapshot write. Inserts into a closed store are dropped.
func (s *Store) Insert(t domain.Transport, e domain.ProxyEntry) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Warn("insert after close dropped", "transport", t)
		return
	}
	s.pools[t] = append(s.pools[t], e)
	heap.Push(&s.expiry, e.InvalidAfter)
	if s.expiry[0].Equal(e.InvalidAfter) {
		s.armLocked(s.now())
	}
	s.mu.Unlock()

	s.persist.request()
}

// Select picks a live entry uniformly at random among those that have an
// address for scope. ok is false when nothing qualifies.
func (s *Store) Select(t domain.Transport, scope domain.Scope) (domain.ProxyEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entries := s.pools[t]
	candidates := make([]int, 0, len(entries))
	for i, e := range entries {
		if e.Expired(now) || e.Address(scope) == "" {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return domain.ProxyEntry{}, false
	}
	return entries[candidates[s.intn(len(candidates))]], true
}

// Sanitize drops expired entries from the given transports, or from every
// transport when none is given, and returns how many were removed. At most
// one snapshot write is requested per call.
func (s *Store) Sanitize(transports ...domain.Transport) int {
	if len(transports) == 0 {
		transports = domain.Transports
	}
	s.mu.Lock()
	removed := s.sanitizeLocked(transports)
	s.mu.Unlock()

	if removed > 0 {
		s.persist.request()
	}
	return removed
}

// RemoveHost drops every entry whose local address has hostname host, in all
// transports. Unknown hosts are a no-op.
func (s *Store) RemoveHost(host string) int {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return 0
	}

	s.mu.Lock()
	removed := 0
	for _, t := range domain.Transports {
		kept := s.pools[t][:0]
		for _, e := range s.pools[t] {
			if strings.EqualFold(e.LocalHost(), host) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		s.pools[t] = kept
	}
	s.mu.Unlock()

	if removed > 0 {
		s.log.Info("removed host", "host", host, "entries", removed)
		s.persist.request()
	}
	return removed
}

// Entries returns a copy of the transport pool.
func (s *Store) Entries(t domain.Transport) []domain.ProxyEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ProxyEntry(nil), s.pools[t]...)
}

// Len returns the number of entries currently held for t, expired or not.
func (s *Store) Len(t domain.Transport) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pools[t])
}

// Clear empties every transport and cancels all pending evictions.
func (s *Store) Clear() {
	s.mu.Lock()
	s.pools = emptyPools()
	s.expiry = nil
	s.stopTimerLocked()
	s.mu.Unlock()

	s.persist.request()
}

// Flush blocks until no snapshot write is pending or ctx is done.
func (s *Store) Flush(ctx context.Context) error {
	return s.persist.wait(ctx)
}

// Snapshot returns a deep copy of every transport pool.
func (s *Store) Snapshot() domain.TransportPools {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pools.Clone()
}

// Close stops eviction, writes a final snapshot and waits for it.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.Flush(ctx)
	}
	s.closed = true
	s.stopTimerLocked()
	s.mu.Unlock()

	s.persist.request()

	if err := s.Flush(ctx); err != nil {
		return fmt.Errorf("flush pool %s: %w", s.name, err)
	}
	return nil
}

func (s *Store) sanitizeLocked(transports []domain.Transport) int {
	now := s.now()
	removed := 0
	for _, t := range transports {
		before := len(s.pools[t])
		kept := s.pools[t][:0]
		for _, e := range s.pools[t] {
			if !e.Expired(now) {
				kept = append(kept, e)
			}
		}
		s.pools[t] = kept
		if n := before - len(kept); n > 0 {
			removed += n
			s.log.Debug("pool trimmed", "transport", t, "from", before, "to", len(kept))
		}
	}
	return removed
}

func (s *Store) marshal() ([]byte, error) {
	return encodeSnapshot(s.Snapshot())
}

func emptyPools() domain.TransportPools {
	pools := make(domain.TransportPools, len(domain.Transports))
	for _, t := range domain.Transports {
		pools[t] = []domain.ProxyEntry{}
	}
	return pools
}
