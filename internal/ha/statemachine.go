// Package ha implements the HA / ANA State Machine (§4.4): per-(this
// gateway, group) INACCESSIBLE/OPTIMIZED state, driven by ANA assignment
// notifications from the Monitor Client and serialized through the engine
// lock so two transitions never interleave (gRPC-driven TGT calls do not
// take that lock). The
// per-gateway-global assignment model (Open Question (a)) means a single
// optimized-group set applies across every subsystem this gateway serves.
package ha

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/nvmeof-gw/internal/enginelock"
	"github.com/cuemby/nvmeof-gw/internal/metrics"
	"github.com/cuemby/nvmeof-gw/internal/statemap"
	"github.com/cuemby/nvmeof-gw/internal/tgt"
)

// State is one ANA group's accessibility for this gateway.
type State string

const (
	Inaccessible State = "INACCESSIBLE"
	Optimized    State = "OPTIMIZED"
)

// Machine tracks this gateway's per-group ANA state and realizes
// transitions against every subsystem/listener it currently serves.
type Machine struct {
	gatewayName string
	engine      *tgt.Adapter
	lock        *enginelock.Lock
	store       *statemap.Store
	logger      zerolog.Logger

	mu     sync.RWMutex
	groups map[int]State
}

func New(gatewayName string, engine *tgt.Adapter, lock *enginelock.Lock, store *statemap.Store, logger zerolog.Logger) *Machine {
	return &Machine{
		gatewayName: gatewayName,
		engine:      engine,
		lock:        lock,
		store:       store,
		logger:      logger.With().Str("component", "ha").Logger(),
		groups:      make(map[int]State),
	}
}

// Snapshot returns the currently optimized group set.
func (m *Machine) Snapshot() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int
	for g, s := range m.groups {
		if s == Optimized {
			out = append(out, g)
		}
	}
	return out
}

// StateOf reports the current state of one group, defaulting to
// Inaccessible for a group this gateway has never been assigned.
func (m *Machine) StateOf(group int) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.groups[group]; ok {
		return s
	}
	return Inaccessible
}

// ApplyAssignment reconciles this gateway's group states against a new
// controller-assigned optimized-group set, transitioning every group whose
// desired state differs from its current one and realizing each transition
// against every listener this gateway owns, under the engine lock.
func (m *Machine) ApplyAssignment(ctx context.Context, optimizedGroups []int) error {
	desired := make(map[int]State, len(optimizedGroups))
	for _, g := range optimizedGroups {
		desired[g] = Optimized
	}

	m.mu.RLock()
	current := make(map[int]State, len(m.groups))
	for g, s := range m.groups {
		current[g] = s
	}
	m.mu.RUnlock()

	// Every group with a current entry but absent from desired transitions
	// to Inaccessible; every group in desired not currently Optimized
	// transitions to Optimized.
	transitions := make(map[int]State)
	for g := range current {
		if _, ok := desired[g]; !ok {
			transitions[g] = Inaccessible
		}
	}
	for g, s := range desired {
		if current[g] != s {
			transitions[g] = s
		}
	}
	if len(transitions) == 0 {
		return nil
	}

	for group, state := range transitions {
		if err := m.transition(ctx, group, state); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) transition(ctx context.Context, group int, state State) error {
	optimized := state == Optimized
	var applyErr error
	err := m.lock.WithLock(func() error {
		seen := make(map[string]bool)
		for _, rec := range m.store.List("lst/") {
			nqn, ok := nqnOfListenerKey(rec.Key)
			if !ok || seen[nqn] {
				continue
			}
			seen[nqn] = true
			if err := m.engine.SetANAState(ctx, nqn, group, optimized); err != nil {
				applyErr = err
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Error().Err(err).Int("group", group).Str("state", string(state)).Msg("ana transition failed")
		return applyErr
	}

	m.mu.Lock()
	m.groups[group] = state
	m.mu.Unlock()

	metrics.ANATransitionsTotal.WithLabelValues(string(state)).Inc()
	m.logger.Info().Int("group", group).Str("state", string(state)).Msg("ana group transitioned")
	return nil
}

// nqnOfListenerKey extracts the subsystem NQN from a "lst/<nqn>/..." key.
func nqnOfListenerKey(key string) (string, bool) {
	const prefix = "lst/"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", false
	}
	rest := key[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], true
		}
	}
	return "", false
}
