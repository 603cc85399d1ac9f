// Package embedded provides a single-voter raft + bbolt implementation of
// internal/objectstore.Client. It exists for development and test
// deployments that run without a real distributed object store; production
// deployments construct a Client against the object store's own CAS/watch
// primitives instead. The raft log gives the store a durable, ordered
// commit history in the same shape the teacher repo uses for its own
// cluster-shared state (pkg/manager), even though this store never forms a
// multi-node raft cluster.
package embedded

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/nvmeof-gw/internal/objectstore"
)

var (
	errConflict = errors.New("version conflict")
	errNotFound = errors.New("not found")
)

const applyTimeout = 5 * time.Second

// Config configures the embedded store.
type Config struct {
	// NodeID identifies this raft voter; also used as the default CAS writer
	// name and lock holder identity.
	NodeID string
	// DataDir holds the raft log, stable store, snapshots, and the bbolt
	// omap file.
	DataDir string
	// BindAddr is the raft transport's local TCP address.
	BindAddr string
}

// Store implements objectstore.Client.
type Store struct {
	cfg    Config
	logger zerolog.Logger

	raft      *raft.Raft
	fsm       *fsm
	db        *bolt.DB
	transport *raft.NetworkTransport

	broker *broker

	anaMu   sync.Mutex
	anaSubs map[string]map[uint64]chan objectstore.ANANotification
	anaNext uint64
}

// NewStore bootstraps a fresh single-voter raft cluster backed by
// DataDir, or opens an existing one.
func NewStore(cfg Config, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(cfg.DataDir, "omap.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open omap db: %w", err)
	}

	f, err := newFSM(db)
	if err != nil {
		return nil, fmt.Errorf("init fsm: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, f, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft node: %w", err)
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
	if err != nil {
		return nil, fmt.Errorf("check existing raft state: %w", err)
	}
	if !hasState {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("bootstrap raft cluster: %w", err)
		}
	}

	return &Store{
		cfg:       cfg,
		logger:    logger,
		raft:      r,
		fsm:       f,
		db:        db,
		transport: transport,
		broker:    newBroker(),
		anaSubs:   make(map[string]map[uint64]chan objectstore.ANANotification),
	}, nil
}

func (s *Store) apply(ctx context.Context, cmd command) (applyResult, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return applyResult{}, err
	}
	timeout := applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	future := s.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return applyResult{}, fmt.Errorf("raft apply: %w", err)
	}
	result, ok := future.Response().(applyResult)
	if !ok {
		return applyResult{}, fmt.Errorf("unexpected raft apply response type %T", future.Response())
	}
	return result, nil
}

func (s *Store) CAS(ctx context.Context, key string, expectedVersion uint64, value []byte, writer string) (uint64, error) {
	result, err := s.apply(ctx, command{Op: "cas", Key: key, ExpectedVersion: expectedVersion, Value: value, Writer: writer})
	if err != nil {
		return 0, err
	}
	if result.Err != nil {
		if errors.Is(result.Err, errConflict) {
			return 0, objectstore.ErrVersionConflict
		}
		return 0, result.Err
	}
	s.broker.publish(objectstore.ChangeEvent{Epoch: result.Epoch, ChangedKeys: result.ChangedKeys})
	return result.NewVersion, nil
}

func (s *Store) Delete(ctx context.Context, key string, expectedVersion uint64) error {
	result, err := s.apply(ctx, command{Op: "delete", Key: key, ExpectedVersion: expectedVersion})
	if err != nil {
		return err
	}
	if result.Err != nil {
		if errors.Is(result.Err, errConflict) {
			return objectstore.ErrVersionConflict
		}
		if errors.Is(result.Err, errNotFound) {
			return objectstore.ErrNotFound
		}
		return result.Err
	}
	s.broker.publish(objectstore.ChangeEvent{Epoch: result.Epoch, ChangedKeys: result.ChangedKeys})
	return nil
}

func (s *Store) Snapshot(ctx context.Context) (objectstore.Snapshot, error) {
	var snap objectstore.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		snap.Epoch = decodeUint64(tx.Bucket(bucketMeta).Get(keyEpoch))
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec storedRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			snap.Records = append(snap.Records, objectstore.Record{
				Key: string(k), Value: rec.Value, Version: rec.Version, Writer: rec.Writer,
			})
			return nil
		})
	})
	return snap, err
}

func (s *Store) Watch(ctx context.Context) (<-chan objectstore.ChangeEvent, func(), error) {
	sub := s.broker.subscribe()
	cancel := func() { s.broker.unsubscribe(sub.id) }
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return sub.ch, cancel, nil
}

// lockRecord is the value stored under a "__lock__/" key.
type lockRecord struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Store) Lock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	key := "__lock__/" + name
	deadline := time.Now().Add(30 * time.Second)
	for {
		snap, err := s.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		var version uint64
		held := false
		for _, r := range snap.Records {
			if r.Key == key {
				version = r.Version
				var lr lockRecord
				if json.Unmarshal(r.Value, &lr) == nil && time.Now().Before(lr.ExpiresAt) {
					held = true
				}
				break
			}
		}
		if !held {
			lr := lockRecord{Holder: s.cfg.NodeID, ExpiresAt: time.Now().Add(ttl)}
			buf, _ := json.Marshal(lr)
			if _, err := s.CAS(ctx, key, version, buf, s.cfg.NodeID); err == nil {
				return func() {
					snap, err := s.Snapshot(context.Background())
					if err != nil {
						return
					}
					for _, r := range snap.Records {
						if r.Key == key {
							_ = s.Delete(context.Background(), key, r.Version)
							return
						}
					}
				}, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %q: timed out waiting for holder %s", name, name)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// PublishANA is a test/operator hook standing in for the real ANA
// controller's notification channel; it delivers to every subscriber
// registered for gatewayName.
func (s *Store) PublishANA(n objectstore.ANANotification) {
	s.anaMu.Lock()
	defer s.anaMu.Unlock()
	for _, ch := range s.anaSubs[n.GatewayName] {
		select {
		case ch <- n:
		default:
		}
	}
}

func (s *Store) ANANotifications(ctx context.Context, gatewayName string) (<-chan objectstore.ANANotification, func(), error) {
	s.anaMu.Lock()
	if s.anaSubs[gatewayName] == nil {
		s.anaSubs[gatewayName] = make(map[uint64]chan objectstore.ANANotification)
	}
	s.anaNext++
	id := s.anaNext
	ch := make(chan objectstore.ANANotification, 16)
	s.anaSubs[gatewayName][id] = ch
	s.anaMu.Unlock()

	cancel := func() {
		s.anaMu.Lock()
		defer s.anaMu.Unlock()
		if subs, ok := s.anaSubs[gatewayName]; ok {
			if c, ok := subs[id]; ok {
				close(c)
				delete(subs, id)
			}
		}
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}

func (s *Store) Close() error {
	s.broker.close()
	if err := s.raft.Shutdown().Error(); err != nil {
		s.logger.Warn().Err(err).Msg("raft shutdown returned an error")
	}
	s.transport.Close()
	return s.db.Close()
}
