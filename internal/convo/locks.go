package convo

import "sync"

// lockRegistry hands out one mutex per conversation so mutating operations
// on the same conversation serialize while different conversations never
// block each other. Entries are refcounted; Sweep drops entries with no
// holder so the registry stays bounded for idle conversations.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	sync.Mutex
	refs int
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[string]*convLock)}
}

// acquire returns the lock for a conversation, creating it lazily, and
// pins it against sweeping. The caller must Lock/Unlock it and then call
// release with the same id.
func (r *lockRegistry) acquire(id string) *convLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[id]
	if !ok {
		l = &convLock{}
		r.locks[id] = l
	}
	l.refs++
	return l
}

// release unpins a lock previously returned by acquire. The entry stays in
// the registry until the next sweep so an active conversation reuses it.
func (r *lockRegistry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.locks[id]; ok && l.refs > 0 {
		l.refs--
	}
}

// sweep removes entries with no in-flight holder and reports how many were
// evicted.
func (r *lockRegistry) sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, l := range r.locks {
		if l.refs == 0 {
			delete(r.locks, id)
			evicted++
		}
	}
	return evicted
}

func (r *lockRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
