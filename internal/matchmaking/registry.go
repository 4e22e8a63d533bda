package matchmaking

import "sync"

// Registry is the set of active queues and the group size each one requires.
// It is process-local and safe for concurrent use by connection handlers and
// the scheduler.
type Registry struct {
	mu     sync.RWMutex
	queues map[string]int
}

func NewRegistry() *Registry {
	return &Registry{queues: make(map[string]int)}
}

// Activate records or overwrites the group size for queueID.
func (r *Registry) Activate(queueID string, groupSize int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[queueID] = groupSize
}

func (r *Registry) Remove(queueID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, queueID)
}

// Size returns the group size for queueID and whether it is active.
func (r *Registry) Size(queueID string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.queues[queueID]
	return n, ok
}

// Snapshot copies the registry so a tick can iterate without holding the lock.
func (r *Registry) Snapshot() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.queues))
	for q, n := range r.queues {
		out[q] = n
	}
	return out
}
