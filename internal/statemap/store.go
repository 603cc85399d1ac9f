// Package statemap wraps internal/objectstore.Client with the gateway's own
// semantics: a reader-writer-locked in-memory cache kept current by the
// watch stream (never by the write path directly, per the concurrency
// model), CAS-conflict retry with jitter, and a typed Record accessor used
// by every other component instead of raw objectstore.Record.
package statemap

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nvmeof-gw/internal/gwerr"
	"github.com/cuemby/nvmeof-gw/internal/metrics"
	"github.com/cuemby/nvmeof-gw/internal/objectstore"
)

// Record mirrors objectstore.Record; it is re-exported here so callers never
// import internal/objectstore directly.
type Record = objectstore.Record

// Store is the cluster-shared configuration record described in §4.2.
type Store struct {
	client objectstore.Client
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]Record
	epoch uint64
}

func New(client objectstore.Client, logger zerolog.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
		cache:  make(map[string]Record),
	}
}

// Start performs the initial full snapshot and launches the background
// cache updater that consumes the watch stream for the lifetime of ctx.
func (s *Store) Start(ctx context.Context) error {
	if err := s.resync(ctx); err != nil {
		return fmt.Errorf("initial state map snapshot: %w", err)
	}
	events, _, err := s.client.Watch(ctx)
	if err != nil {
		return fmt.Errorf("start state map watch: %w", err)
	}
	go s.runCacheUpdater(ctx, events)
	return nil
}

func (s *Store) runCacheUpdater(ctx context.Context, events <-chan objectstore.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Overflowed {
				s.logger.Warn().Msg("state map watch buffer overflowed, resynchronizing full snapshot")
			}
			if err := s.resync(ctx); err != nil {
				s.logger.Error().Err(err).Msg("failed to resynchronize state map cache")
				continue
			}
			s.mu.RLock()
			epoch := s.epoch
			s.mu.RUnlock()
			s.logger.Debug().Uint64("epoch", epoch).Strs("changed_keys", ev.ChangedKeys).Msg("state map cache updated")
		}
	}
}

func (s *Store) resync(ctx context.Context) error {
	snap, err := s.client.Snapshot(ctx)
	if err != nil {
		return err
	}
	cache := make(map[string]Record, len(snap.Records))
	for _, rec := range snap.Records {
		cache[rec.Key] = rec
	}
	s.mu.Lock()
	s.cache = cache
	s.epoch = snap.Epoch
	s.mu.Unlock()
	return nil
}

// Get returns the cached record for key, if any.
func (s *Store) Get(key string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.cache[key]
	return rec, ok
}

// List returns every cached record whose key has the given prefix, in
// lexicographic order.
func (s *Store) List(prefix string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for k, rec := range s.cache {
		if hasPrefix(k, prefix) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out
}

// Epoch returns the cache's current epoch.
func (s *Store) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// CAS writes value to key, retrying on version conflict up to 3 times with
// 50-250ms jitter per §7, refreshing the expected version from the live
// store between attempts. It surfaces gwerr.Aborted once retries are
// exhausted.
func (s *Store) CAS(ctx context.Context, key string, expectedVersion uint64, value []byte, writer string) (uint64, error) {
	version := expectedVersion
	var lastErr error
	for attempt := 0; attempt <= 3; attempt++ {
		newVersion, err := s.client.CAS(ctx, key, version, value, writer)
		if err == nil {
			return newVersion, nil
		}
		if !errors.Is(err, objectstore.ErrVersionConflict) {
			return 0, gwerr.Wrap(gwerr.Internal, err, "state map cas on %s", key)
		}
		lastErr = err
		metrics.StateMapCASConflictsTotal.WithLabelValues(keyPrefix(key)).Inc()
		time.Sleep(jitter())
		if rec, ok := s.refreshedVersion(ctx, key); ok {
			version = rec
		}
	}
	return 0, gwerr.Wrap(gwerr.Aborted, lastErr, "state map cas conflict on %s exhausted retries", key)
}

// Delete removes key, subject to the same CAS-conflict retry policy as CAS.
func (s *Store) Delete(ctx context.Context, key string, expectedVersion uint64) error {
	version := expectedVersion
	var lastErr error
	for attempt := 0; attempt <= 3; attempt++ {
		err := s.client.Delete(ctx, key, version)
		if err == nil {
			return nil
		}
		if errors.Is(err, objectstore.ErrNotFound) {
			return gwerr.Wrap(gwerr.NotFound, err, "state map key %s", key)
		}
		if !errors.Is(err, objectstore.ErrVersionConflict) {
			return gwerr.Wrap(gwerr.Internal, err, "state map delete on %s", key)
		}
		lastErr = err
		metrics.StateMapCASConflictsTotal.WithLabelValues(keyPrefix(key)).Inc()
		time.Sleep(jitter())
		if rec, ok := s.refreshedVersion(ctx, key); ok {
			version = rec
		}
	}
	return gwerr.Wrap(gwerr.Aborted, lastErr, "state map delete conflict on %s exhausted retries", key)
}

func (s *Store) refreshedVersion(ctx context.Context, key string) (uint64, bool) {
	if err := s.resync(ctx); err != nil {
		return 0, false
	}
	if rec, ok := s.Get(key); ok {
		return rec.Version, true
	}
	return 0, false
}

// Subscribe registers an independent watch subscription against the
// underlying object store, for consumers — the Peer Reconciler — that need
// to drain raw change events themselves rather than read the Store's cache.
func (s *Store) Subscribe(ctx context.Context) (<-chan objectstore.ChangeEvent, func(), error) {
	return s.client.Watch(ctx)
}

// Lock acquires the store's advisory cluster lock for a compound mutation.
func (s *Store) Lock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	return s.client.Lock(ctx, name, ttl)
}

func jitter() time.Duration {
	return 50*time.Millisecond + time.Duration(rand.Intn(200))*time.Millisecond
}

func keyPrefix(key string) string {
	for i, c := range key {
		if c == '/' {
			return key[:i]
		}
	}
	return key
}

func hasPrefix(s, prefix string) bool {
	return strings.HasPrefix(s, prefix)
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
}
