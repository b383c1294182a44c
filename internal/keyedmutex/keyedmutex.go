// Package keyedmutex serialises work per key while letting different keys
// proceed in parallel.
package keyedmutex

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// Mutex hands out one lock per key. Locks are never freed; keys are peer
// devices and conversations, which stay bounded for a client.
type Mutex struct {
	locks *xsync.Map[string, *sync.Mutex]
}

// New returns an empty keyed mutex.
func New() *Mutex {
	return &Mutex{locks: xsync.NewMap[string, *sync.Mutex]()}
}

// Lock blocks until key is free and returns the matching unlock.
func (m *Mutex) Lock(key string) (unlock func()) {
	l, ok := m.locks.Load(key)
	if !ok {
		l, _ = m.locks.LoadOrStore(key, &sync.Mutex{})
	}
	l.Lock()
	return l.Unlock
}
