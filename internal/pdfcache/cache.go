// Package pdfcache keeps rendered ticket documents for a bounded time so a
// device can download them after the job announcement.
package pdfcache

import (
	"context"
	"sync"
	"time"
)

// Store is the cache contract shared by every tier.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, pdf []byte) error
	Sweep(ctx context.Context) int
}

type entry struct {
	pdf       []byte
	expiresAt time.Time
}

// Memory is an in-process TTL map. Expired entries are dropped lazily on
// Get and in bulk by Sweep.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return e.pdf, true
}

func (m *Memory) Set(_ context.Context, key string, pdf []byte) error {
	m.setUntil(key, pdf, m.now().Add(m.ttl))
	return nil
}

func (m *Memory) setUntil(key string, pdf []byte, expiresAt time.Time) {
	m.mu.Lock()
	m.entries[key] = entry{pdf: pdf, expiresAt: expiresAt}
	m.mu.Unlock()
}

func (m *Memory) Sweep(_ context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Backing is a shared tier behind the memory map that reports how long an
// entry has left to live.
type Backing interface {
	GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool)
	Set(ctx context.Context, key string, pdf []byte) error
}

// Tiered reads through the memory tier to a backing tier and writes to both.
type Tiered struct {
	front *Memory
	back  Backing
}

func NewTiered(front *Memory, back Backing) *Tiered {
	return &Tiered{front: front, back: back}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if pdf, ok := t.front.Get(ctx, key); ok {
		return pdf, true
	}
	pdf, left, ok := t.back.GetWithTTL(ctx, key)
	if !ok {
		return nil, false
	}
	t.front.setUntil(key, pdf, t.front.now().Add(left))
	return pdf, true
}

func (t *Tiered) Set(ctx context.Context, key string, pdf []byte) error {
	t.front.Set(ctx, key, pdf)
	return t.back.Set(ctx, key, pdf)
}

// Sweep only touches the memory tier; the backing tier expires on its own.
func (t *Tiered) Sweep(ctx context.Context) int {
	return t.front.Sweep(ctx)
}
