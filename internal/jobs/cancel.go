package jobs

import (
	"sync"

	"github.com/google/uuid"
)

// StopRegistry holds a stop signal for every job running in this process.
type StopRegistry struct {
	mu    sync.Mutex
	stops map[uuid.UUID]chan struct{}
}

func NewStopRegistry() *StopRegistry {
	return &StopRegistry{stops: make(map[uuid.UUID]chan struct{})}
}

// Register creates the stop signal for a job. The returned release function
// must be called when the job finishes.
func (r *StopRegistry) Register(jobID uuid.UUID) (release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan struct{})
	r.stops[jobID] = ch
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.stops[jobID] == ch {
			delete(r.stops, jobID)
		}
	}
}

// Stop signals a registered job to stop. It reports whether the job was
// running in this process.
func (r *StopRegistry) Stop(jobID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.stops[jobID]
	if !ok {
		return false
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
	return true
}

// Stopped reports whether Stop was called for a registered job.
func (r *StopRegistry) Stopped(jobID uuid.UUID) bool {
	r.mu.Lock()
	ch, ok := r.stops[jobID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// IDs returns the registered jobs.
func (r *StopRegistry) IDs() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(r.stops))
	for id := range r.stops {
		ids = append(ids, id)
	}
	return ids
}

// Running returns the number of registered jobs.
func (r *StopRegistry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stops)
}
