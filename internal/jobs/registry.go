package jobs

import (
	"context"
	"sort"
	"sync"
)

// Registry is a keyed job store. Update runs fn against the current job and
// stores the result atomically with respect to other writers of the same id;
// if fn returns an error nothing is stored.
type Registry interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Job, error)
}

type memoryEntry struct {
	mu      sync.Mutex
	job     Job
	deleted bool
}

// MemoryRegistry keeps jobs in process memory with one lock per job.
type MemoryRegistry struct {
	mu   sync.RWMutex
	jobs map[string]*memoryEntry
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{jobs: make(map[string]*memoryEntry)}
}

func (r *MemoryRegistry) Create(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return ErrExists
	}
	r.jobs[job.ID] = &memoryEntry{job: *job}
	return nil
}

func (r *MemoryRegistry) entry(id string) (*memoryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	return e, ok
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (*Job, error) {
	e, ok := r.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	job := e.job
	return &job, nil
}

func (r *MemoryRegistry) Update(_ context.Context, id string, fn func(*Job) error) (*Job, error) {
	e, ok := r.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	job := e.job
	if err := fn(&job); err != nil {
		return nil, err
	}
	e.job = job
	return &job, nil
}

func (r *MemoryRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.jobs[id]
	delete(r.jobs, id)
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	return nil
}

// List returns a snapshot ordered by creation time, newest first.
func (r *MemoryRegistry) List(_ context.Context) ([]*Job, error) {
	r.mu.RLock()
	entries := make([]*memoryEntry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	jobs := make([]*Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			job := e.job
			jobs = append(jobs, &job)
		}
		e.mu.Unlock()
	}
	sortNewestFirst(jobs)
	return jobs, nil
}

func sortNewestFirst(jobs []*Job) {
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
}
