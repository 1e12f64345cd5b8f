// Package lock provides per-key mutual exclusion for sandbox lifecycle
// operations. Acquire queues: for a given key at most one guarded task
// runs at a time, and every caller runs its own task once the key is
// free. AcquireShared dedupes instead: callers that arrive while a
// shared task is in flight receive that task's result rather than
// re-executing it. Both compete for the same per-key lock, so a shared
// task never overlaps a queued one. The key is released on every exit
// path, success or failure, so a later call can retry.
package lock

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Manager serializes tasks by key. The zero value is not usable; create
// one with NewManager.
type Manager struct {
	group singleflight.Group

	mu   sync.Mutex
	keys map[string]*keyLock
}

// keyLock is a refcounted per-key mutex. The refcount covers waiters,
// so an entry is dropped from the map only when nobody holds or wants
// the key.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a new lock manager.
func NewManager() *Manager {
	return &Manager{keys: make(map[string]*keyLock)}
}

func (m *Manager) hold(key string) *keyLock {
	m.mu.Lock()
	kl, ok := m.keys[key]
	if !ok {
		kl = &keyLock{}
		m.keys[key] = kl
	}
	kl.refs++
	m.mu.Unlock()

	kl.mu.Lock()
	return kl
}

func (m *Manager) release(key string, kl *keyLock) {
	kl.mu.Unlock()

	m.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(m.keys, key)
	}
	m.mu.Unlock()
}

// Acquire runs task under the lock for key. If a task for key is
// already in flight, Acquire waits for it and then runs task itself;
// tasks queue, they are never skipped.
func (m *Manager) Acquire(key string, task func() (interface{}, error)) (interface{}, error) {
	kl := m.hold(key)
	defer m.release(key, kl)
	return task()
}

// AcquireShared runs task under the lock for key, deduplicating
// concurrent callers: callers that arrive while a shared task for key
// is in flight wait for it and receive its result and error rather
// than running task. The returned bool reports whether the result was
// shared. The executing flight holds the same per-key lock as Acquire,
// so a shared task queues behind in-flight Acquire tasks and vice
// versa.
func (m *Manager) AcquireShared(key string, task func() (interface{}, error)) (interface{}, bool, error) {
	v, err, shared := m.group.Do(key, func() (interface{}, error) {
		kl := m.hold(key)
		defer m.release(key, kl)
		return task()
	})
	return v, shared, err
}
