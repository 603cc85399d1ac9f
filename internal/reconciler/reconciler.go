// Package reconciler implements the Peer Reconciler (§4.3): a
// single-consumer worker draining the state-map watch and converging the
// local TGT engine to the declared cluster state, with exponential backoff
// on engine errors. The structured-logging and metrics-timer idiom is
// grounded on the teacher's pkg/reconciler/reconciler.go; the watch-drain
// loop itself and the startup convergence pass are new, since the teacher
// reconciles against its own raft-replicated store directly rather than
// against an external watch stream filtered by key prefix.
package reconciler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nvmeof-gw/internal/credentials"
	"github.com/cuemby/nvmeof-gw/internal/domain"
	"github.com/cuemby/nvmeof-gw/internal/gwerr"
	"github.com/cuemby/nvmeof-gw/internal/health"
	"github.com/cuemby/nvmeof-gw/internal/metrics"
	"github.com/cuemby/nvmeof-gw/internal/objectstore"
	"github.com/cuemby/nvmeof-gw/internal/statemap"
	"github.com/cuemby/nvmeof-gw/internal/tgt"
)

const (
	backoffBase = 250 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// Reconciler converges local TGT state to the state map.
type Reconciler struct {
	store       *statemap.Store
	engine      *tgt.Adapter
	credentials *credentials.Manager
	gatewayName string
	health      *health.Status
	logger      zerolog.Logger
}

func New(store *statemap.Store, engine *tgt.Adapter, creds *credentials.Manager, gatewayName string, h *health.Status, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:       store,
		engine:      engine,
		credentials: creds,
		gatewayName: gatewayName,
		health:      h,
		logger:      logger.With().Str("component", "reconciler").Logger(),
	}
}

// Converge performs the startup reconciliation pass: snapshot the state
// map, diff against the local TGT's get_subsystems, and apply whatever is
// missing before the gRPC listener opens.
func (r *Reconciler) Converge(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
	metrics.ReconciliationCyclesTotal.Inc()

	existing, err := r.engine.GetSubsystems(ctx)
	if err != nil {
		return err
	}
	onEngine := make(map[string]tgt.Subsystem, len(existing))
	for _, s := range existing {
		onEngine[s.NQN] = s
	}

	for _, rec := range r.store.List("sub/") {
		var sub domain.Subsystem
		if err := json.Unmarshal(rec.Value, &sub); err != nil {
			r.logger.Error().Err(err).Str("key", rec.Key).Msg("skip malformed subsystem record during convergence")
			continue
		}
		if _, ok := onEngine[sub.NQN]; !ok {
			if err := r.engine.AddSubsystem(ctx, sub.NQN, sub.Serial, sub.MaxNamespaces, sub.AllowAnyHost); err != nil && !gwerr.Is(err, gwerr.AlreadyExists) {
				r.logger.Error().Err(err).Str("nqn", sub.NQN).Msg("convergence: failed to create subsystem")
				continue
			}
		}
		r.convergeDependents(ctx, sub.NQN)
	}
	r.logger.Info().Msg("startup convergence complete")
	return nil
}

func (r *Reconciler) convergeDependents(ctx context.Context, nqn string) {
	for _, rec := range r.store.List(domain.NamespacePrefix(nqn)) {
		var ns domain.Namespace
		if json.Unmarshal(rec.Value, &ns) == nil {
			if err := r.engine.AddNamespace(ctx, nqn, ns.NSID, ns.ImagePool, ns.ImageName, ns.BlockSize, ns.UUID, ns.LoadBalancingGrp); err != nil && !gwerr.Is(err, gwerr.AlreadyExists) {
				r.logger.Error().Err(err).Str("nqn", nqn).Int("nsid", ns.NSID).Msg("convergence: failed to create namespace")
			}
		}
	}
	for _, rec := range r.store.List(domain.ListenerPrefix(nqn)) {
		var ls domain.Listener
		if json.Unmarshal(rec.Value, &ls) == nil && ls.GatewayName == r.gatewayName {
			if err := r.engine.AddListener(ctx, nqn, ls.Transport, string(ls.AddressFamily), ls.TrAddr, ls.TrSvcID, ls.Secure); err != nil && !gwerr.Is(err, gwerr.AlreadyExists) {
				r.logger.Error().Err(err).Str("nqn", nqn).Msg("convergence: failed to create listener")
			}
		}
	}
	for _, rec := range r.store.List(domain.HostPrefix(nqn)) {
		var h domain.Host
		if json.Unmarshal(rec.Value, &h) == nil {
			if err := r.engine.AddHost(ctx, nqn, h.HostNQN); err != nil && !gwerr.Is(err, gwerr.AlreadyExists) {
				r.logger.Error().Err(err).Str("nqn", nqn).Msg("convergence: failed to add host")
			}
		}
	}
	for _, rec := range r.store.List(domain.KeyPrefix(nqn)) {
		if err := r.credentials.ReconcileRemote(ctx, rec); err != nil {
			r.logger.Error().Err(err).Str("nqn", nqn).Msg("convergence: failed to reconcile key material")
		}
	}
}

// Run subscribes to the state map's watch stream and launches the
// single-consumer drain loop in the background for the lifetime of ctx. It
// returns once the subscription is established; the drain loop keeps running
// after Run returns and stops only when ctx is done or the watch channel
// closes.
func (r *Reconciler) Run(ctx context.Context) error {
	events, cancel, err := r.store.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		r.drain(ctx, events)
	}()
	return nil
}

func (r *Reconciler) drain(ctx context.Context, events <-chan objectstore.ChangeEvent) {
	backoff := backoffBase
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			keys := ev.ChangedKeys
			if ev.Overflowed {
				r.logger.Warn().Msg("reconciler watch buffer overflowed, replaying full key set")
				keys = append([]string(nil), ev.ChangedKeys...)
				for _, rec := range r.store.List("") {
					keys = append(keys, rec.Key)
				}
			}
			if err := r.applyChangedKeys(ctx, keys); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed, backing off")
				r.health.MarkDegraded(err)
				time.Sleep(backoff)
				backoff *= 2
				if backoff > backoffCap {
					backoff = backoffCap
				}
				continue
			}
			backoff = backoffBase
			r.health.MarkHealthy()
		}
	}
}

// applyChangedKeys dispatches each changed key to the handler for its
// entity kind, based on the key-prefix scheme in internal/domain/keys.go.
func (r *Reconciler) applyChangedKeys(ctx context.Context, keys []string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
	metrics.ReconciliationCyclesTotal.Inc()

	var firstErr error
	for _, key := range keys {
		var err error
		switch {
		case strings.HasPrefix(key, "sub/"):
			err = r.applySubsystemKey(ctx, key)
		case strings.HasPrefix(key, "ns/"):
			err = r.applyNamespaceKey(ctx, key)
		case strings.HasPrefix(key, "lst/"):
			err = r.applyListenerKey(ctx, key)
		case strings.HasPrefix(key, "hst/"):
			err = r.applyHostKey(ctx, key)
		case strings.HasPrefix(key, "key/"):
			err = r.applyKeyKey(ctx, key)
		default:
			// gw/, ana/, and __lock__/ records are consumed by the monitor
			// client and HA state machine, not by this reconciler.
			continue
		}
		if err != nil {
			r.logger.Error().Err(err).Str("key", key).Msg("failed to apply changed key")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Reconciler) applySubsystemKey(ctx context.Context, key string) error {
	rec, ok := r.store.Get(key)
	if !ok {
		nqn, ok := domain.ParseSubsystemKey(key)
		if !ok {
			return nil
		}
		err := r.engine.RemoveSubsystem(ctx, nqn)
		if gwerr.Is(err, gwerr.NotFound) {
			return nil
		}
		return err
	}
	var sub domain.Subsystem
	if err := json.Unmarshal(rec.Value, &sub); err != nil {
		return gwerr.Wrap(gwerr.Internal, err, "decode subsystem record")
	}
	err := r.engine.AddSubsystem(ctx, sub.NQN, sub.Serial, sub.MaxNamespaces, sub.AllowAnyHost)
	if gwerr.Is(err, gwerr.AlreadyExists) {
		return nil
	}
	return err
}

func (r *Reconciler) applyNamespaceKey(ctx context.Context, key string) error {
	rec, ok := r.store.Get(key)
	if !ok {
		nqn, nsid, ok := domain.ParseNamespaceKey(key)
		if !ok {
			return nil
		}
		err := r.engine.RemoveNamespace(ctx, nqn, nsid)
		if gwerr.Is(err, gwerr.NotFound) {
			return nil
		}
		return err
	}
	var ns domain.Namespace
	if err := json.Unmarshal(rec.Value, &ns); err != nil {
		return gwerr.Wrap(gwerr.Internal, err, "decode namespace record")
	}
	err := r.engine.AddNamespace(ctx, ns.SubsystemNQN, ns.NSID, ns.ImagePool, ns.ImageName, ns.BlockSize, ns.UUID, ns.LoadBalancingGrp)
	if gwerr.Is(err, gwerr.AlreadyExists) {
		return r.engine.ChangeNamespaceLoadBalancingGroup(ctx, ns.SubsystemNQN, ns.NSID, ns.LoadBalancingGrp)
	}
	return err
}

// applyListenerKey realizes a listener locally only if it names this
// gateway; listeners owned by peers are recorded in the state map but never
// realized against the local engine, per §4.1's listener semantics.
func (r *Reconciler) applyListenerKey(ctx context.Context, key string) error {
	rec, ok := r.store.Get(key)
	if !ok {
		nqn, gatewayName, ok := domain.ParseListenerKey(key)
		if !ok || gatewayName != r.gatewayName {
			return nil
		}
		// The transport no longer exists once the record is gone, so the
		// listener to remove is found by asking the engine for what it
		// currently holds under this subsystem and dropping the entry whose
		// address family, address, and port rebuild the deleted key.
		return r.removeLocalListeners(ctx, nqn, key)
	}
	var ls domain.Listener
	if err := json.Unmarshal(rec.Value, &ls); err != nil {
		return gwerr.Wrap(gwerr.Internal, err, "decode listener record")
	}
	if ls.GatewayName != r.gatewayName {
		return nil
	}
	err := r.engine.AddListener(ctx, ls.SubsystemNQN, ls.Transport, string(ls.AddressFamily), ls.TrAddr, ls.TrSvcID, ls.Secure)
	if gwerr.Is(err, gwerr.AlreadyExists) {
		return nil
	}
	return err
}

// removeLocalListeners drops every engine-held listener under nqn whose
// state-map key, built for this gateway, equals key. It is used when a
// listener record disappears from the state map and its transport can no
// longer be read back. The local engine only holds this gateway's
// listeners, and it does not report a gateway name for them.
func (r *Reconciler) removeLocalListeners(ctx context.Context, nqn, key string) error {
	subs, err := r.engine.GetSubsystems(ctx)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.NQN != nqn {
			continue
		}
		for _, ls := range sub.Listeners {
			if domain.ListenerKey(nqn, r.gatewayName, domain.AddressFamily(ls.AddrFam), ls.TrAddr, ls.TrSvcID) != key {
				continue
			}
			err := r.engine.RemoveListener(ctx, nqn, ls.Transport, ls.AddrFam, ls.TrAddr, ls.TrSvcID)
			if err != nil && !gwerr.Is(err, gwerr.NotFound) {
				return err
			}
		}
		return nil
	}
	return nil
}

func (r *Reconciler) applyHostKey(ctx context.Context, key string) error {
	rec, ok := r.store.Get(key)
	if !ok {
		nqn, hostNQN, ok := domain.ParseHostKey(key)
		if !ok {
			return nil
		}
		err := r.engine.RemoveHost(ctx, nqn, hostNQN)
		if gwerr.Is(err, gwerr.NotFound) {
			return nil
		}
		return err
	}
	var h domain.Host
	if err := json.Unmarshal(rec.Value, &h); err != nil {
		return gwerr.Wrap(gwerr.Internal, err, "decode host record")
	}
	err := r.engine.AddHost(ctx, h.SubsystemNQN, h.HostNQN)
	if gwerr.Is(err, gwerr.AlreadyExists) {
		return nil
	}
	return err
}

func (r *Reconciler) applyKeyKey(ctx context.Context, key string) error {
	rec, ok := r.store.Get(key)
	if !ok {
		nqn, hostNQN, kind, ok := domain.ParseKeyKey(key)
		if !ok {
			return nil
		}
		return r.credentials.RevokeByRef(ctx, nqn, hostNQN, kind)
	}
	return r.credentials.ReconcileRemote(ctx, rec)
}
