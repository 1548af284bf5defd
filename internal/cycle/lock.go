package cycle

import "sync"

// LockRegistry hands out non-blocking per-key locks. A failed acquire is a
// normal outcome and never waits.
type LockRegistry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for key if it is free. The returned release func
// is safe to call more than once.
func (r *LockRegistry) TryAcquire(key string) (release func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.held[key]; busy {
		return func() {}, false
	}
	r.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.held, key)
			r.mu.Unlock()
		})
	}, true
}

// Held reports whether key is currently locked
func (r *LockRegistry) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.held[key]
	return busy
}
