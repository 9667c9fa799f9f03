// Package dedup remembers which job ids this device has already printed so a
// redelivered job is acknowledged as a duplicate instead of printed again.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Durable is the persistent tier. db.PrintedJobs implements it.
type Durable interface {
	Get(ctx context.Context, id string) (time.Time, bool, error)
	Upsert(ctx context.Context, id string, at time.Time) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	ListNewerThan(ctx context.Context, cutoff time.Time) (map[string]time.Time, error)
}

// Store is a read-through memory map in front of an optional durable tier.
// With a nil Durable it is memory only.
type Store struct {
	mu      sync.RWMutex
	mem     map[string]time.Time
	durable Durable
	ttl     time.Duration
	now     func() time.Time
	logger  log.FieldLogger
}

func New(durable Durable, ttl time.Duration, logger log.FieldLogger) *Store {
	return &Store{
		mem:     make(map[string]time.Time),
		durable: durable,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.WithField("component", "dedup"),
	}
}

func (s *Store) fresh(at, now time.Time) bool {
	return now.Sub(at) <= s.ttl
}

// Has reports whether id was printed within the retention window. A failed
// durable lookup is returned as an error, never as absent.
func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	now := s.now()

	s.mu.RLock()
	at, ok := s.mem[id]
	s.mu.RUnlock()
	if ok && s.fresh(at, now) {
		return true, nil
	}

	if s.durable == nil {
		return false, nil
	}
	at, ok, err := s.durable.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("durable dedup lookup: %w", err)
	}
	if !ok || !s.fresh(at, now) {
		return false, nil
	}

	s.mu.Lock()
	s.mem[id] = at
	s.mu.Unlock()
	return true, nil
}

// Mark records id as printed now in both tiers.
func (s *Store) Mark(ctx context.Context, id string) error {
	at := s.now()

	s.mu.Lock()
	s.mem[id] = at
	s.mu.Unlock()

	if s.durable == nil {
		return nil
	}
	return s.durable.Upsert(ctx, id, at)
}

// Prune drops records older than the retention window from both tiers and
// returns how many durable rows went away.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	now := s.now()

	s.mu.Lock()
	for id, at := range s.mem {
		if !s.fresh(at, now) {
			delete(s.mem, id)
		}
	}
	s.mu.Unlock()

	if s.durable == nil {
		return 0, nil
	}
	return s.durable.DeleteOlderThan(ctx, now.Add(-s.ttl))
}

// Load prunes and then fills the memory tier from durable rows still inside
// the retention window.
func (s *Store) Load(ctx context.Context) error {
	if _, err := s.Prune(ctx); err != nil {
		return err
	}
	if s.durable == nil {
		return nil
	}

	recent, err := s.durable.ListNewerThan(ctx, s.now().Add(-s.ttl))
	if err != nil {
		return err
	}

	s.mu.Lock()
	for id, at := range recent {
		s.mem[id] = at
	}
	s.mu.Unlock()

	s.logger.WithField("loaded", len(recent)).Info("dedup cache warmed")
	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mem)
}

// Run prunes every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Prune(ctx)
			if err != nil {
				s.logger.WithError(err).Warn("dedup prune failed")
				continue
			}
			if n > 0 {
				s.logger.WithField("removed", n).Info("dedup pruned")
			}
		}
	}
}
