// Package jobs tracks the indexing jobs in flight in this process so that
// the same file is not indexed twice at once.
package jobs

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Job is one indexing pass over a file.
type Job struct {
	Path      string
	StartedAt time.Time
	done      chan struct{}
}

// Done is closed when the job finishes.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Registry holds the running jobs keyed by cleaned absolute path.
type Registry struct {
	log  *slog.Logger
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewRegistry creates an empty registry. If log is nil, slog.Default() is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:  log.With("component", "jobs"),
		jobs: make(map[string]*Job),
	}
}

// Begin registers a job for path. It returns the job and true if
// registered, or the running job and false if path is already being
// indexed.
func (r *Registry) Begin(path string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if j, ok := r.jobs[path]; ok {
		r.log.Warn("indexing already in progress, rejecting duplicate", "path", path)
		return j, false
	}

	j := &Job{
		Path:      path,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
	r.jobs[path] = j
	r.log.Debug("indexing started", "path", path)
	return j, true
}

// Finish removes the job for path and wakes its waiters.
func (r *Registry) Finish(path string) {
	r.mu.Lock()
	j, ok := r.jobs[path]
	if ok {
		delete(r.jobs, path)
	}
	r.mu.Unlock()

	if ok {
		close(j.done)
		r.log.Debug("indexing finished", "path", path, "elapsed", time.Since(j.StartedAt))
	}
}

// List returns the running jobs ordered by path.
func (r *Registry) List() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].Path < jobs[b].Path })
	return jobs
}
