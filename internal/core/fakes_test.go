package core

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeStore struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*Job)}
}

func (s *fakeStore) Create(_ context.Context, job *Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.IdempotencyKey]; ok {
		return false, nil
	}
	s.nextID++
	job.ID = s.nextID
	cp := *job
	s.jobs[job.IdempotencyKey] = &cp
	return true, nil
}

func (s *fakeStore) GetByKey(_ context.Context, key string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *fakeStore) Transition(_ context.Context, key string, status JobStatus, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return false, nil
	}
	for _, from := range AllowedFrom(status) {
		if j.Status == from {
			j.Status = status
			j.ErrorMessage = errMsg
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) List(_ context.Context, filter JobFilter) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.jobs {
		if filter.MachineID != "" && j.MachineID != filter.MachineID {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID > out[k].ID })
	return out, nil
}

func (s *fakeStore) status(key string) JobStatus {
	j, _ := s.GetByKey(context.Background(), key)
	if j == nil {
		return ""
	}
	return j.Status
}

type fakeRenderer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeRenderer) Render(context.Context, Payload) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return []byte("%PDF-fake"), nil
}

func (r *fakeRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[key]
	return b, ok
}

func (c *fakeCache) Set(_ context.Context, key string, pdf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = pdf
	return nil
}

func (c *fakeCache) Sweep(context.Context) int { return 0 }

func (c *fakeCache) expire(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

type published struct {
	topic string
	msg   interface{}
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) Publish(topic string, v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{topic: topic, msg: v})
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []Job
}

func (n *recordingNotifier) JobFinished(job *Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, *job)
}

var errBoom = errors.New("boom")
