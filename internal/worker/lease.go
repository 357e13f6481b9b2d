package worker

import "sync"

// leaseRegistry grants at most one in-flight operation per job id. A lease is
// taken when a worker starts driving a job and released when the job reaches
// a terminal state or is parked in RETRYING for the scheduler. It doubles as
// the per-id serialization for store writes.
type leaseRegistry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLeaseRegistry() *leaseRegistry {
	return &leaseRegistry{
		held: make(map[string]struct{}),
	}
}

// TryAcquire takes the lease for jobID, returning false if another worker
// holds it
func (r *leaseRegistry) TryAcquire(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.held[jobID]; taken {
		return false
	}
	r.held[jobID] = struct{}{}
	return true
}

// Release gives the lease back
func (r *leaseRegistry) Release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, jobID)
}

// Held reports whether jobID is currently leased
func (r *leaseRegistry) Held(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, taken := r.held[jobID]
	return taken
}
