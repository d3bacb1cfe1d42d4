package proxy

import "sync"

type cancelKey struct {
	pid    uint32
	secret uint32
}

// Registry maps BackendKeyData tuples to session cancel handles. Entries
// hold only the cancel function, never the session itself.
type Registry struct {
	mu      sync.Mutex
	entries map[cancelKey]func()
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[cancelKey]func())}
}

// Register installs the cancel handle for a session's (pid, secret) pair.
func (r *Registry) Register(pid, secret uint32, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[cancelKey{pid, secret}] = cancel
}

// Remove drops a session's entry.
func (r *Registry) Remove(pid, secret uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, cancelKey{pid, secret})
}

// Cancel fires the handle for a matching pair. A miss is a no-op; cancel
// requests carry no authentication beyond the secret itself.
func (r *Registry) Cancel(pid, secret uint32) bool {
	r.mu.Lock()
	cancel, ok := r.entries[cancelKey{pid, secret}]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelPID fires every handle registered under pid. The admin API uses
// it; unlike wire cancel requests it does not require the secret.
func (r *Registry) CancelPID(pid uint32) bool {
	r.mu.Lock()
	var cancels []func()
	for k, fn := range r.entries {
		if k.pid == pid {
			cancels = append(cancels, fn)
		}
	}
	r.mu.Unlock()
	for _, fn := range cancels {
		fn()
	}
	return len(cancels) > 0
}

// Len reports how many sessions are registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
