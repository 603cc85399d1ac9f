// Package health holds the gateway's own health flag: a small status value
// the Peer Reconciler sets after each batch of changes, the Monitor Client
// sets after each heartbeat attempt, and the gRPC surface exposes
// read-only. Named by the specification (§4.3, §4.7) but given no
// concrete home there; this is the smallest component that satisfies those
// call sites.
package health

import (
	"sync"
	"time"

	"github.com/cuemby/nvmeof-gw/internal/metrics"
)

type Status struct {
	mu        sync.RWMutex
	healthy   bool
	lastError string
	updatedAt time.Time
}

func New() *Status {
	s := &Status{healthy: true, updatedAt: time.Now()}
	metrics.GatewayHealthy.Set(1)
	return s
}

func (s *Status) MarkHealthy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = true
	s.lastError = ""
	s.updatedAt = time.Now()
	metrics.GatewayHealthy.Set(1)
}

func (s *Status) MarkDegraded(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = false
	if err != nil {
		s.lastError = err.Error()
	}
	s.updatedAt = time.Now()
	metrics.GatewayHealthy.Set(0)
}

func (s *Status) Snapshot() (healthy bool, lastError string, updatedAt time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy, s.lastError, s.updatedAt
}
