// Package enginelock provides the coarsest lock in the concurrency model
// (§5): a single mutex the HA/ANA State Machine holds for each ANA
// transition, so two transitions never interleave. The Gateway Service and
// the Peer Reconciler do not take it; their TGT calls are serialized only
// by the TGT Adapter's single worker.
package enginelock

import "sync"

type Lock struct {
	mu sync.Mutex
}

func New() *Lock {
	return &Lock{}
}

// WithLock runs fn while holding the engine lock.
func (l *Lock) WithLock(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn()
}
