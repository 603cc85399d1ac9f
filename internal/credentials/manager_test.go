package credentials

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nvmeof-gw/internal/domain"
	"github.com/cuemby/nvmeof-gw/internal/gwerr"
	"github.com/cuemby/nvmeof-gw/internal/objectstore/embedded"
	"github.com/cuemby/nvmeof-gw/internal/statemap"
)

// fakeEngine stands in for the TGT Adapter's keyring calls; the credential
// manager only needs the Engine interface, not a live socket.
type fakeEngine struct {
	mu      sync.Mutex
	added   map[string][]byte
	removed map[string]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{added: make(map[string][]byte), removed: make(map[string]bool)}
}

func (f *fakeEngine) AddKey(ctx context.Context, name string, bytes []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[name] = append([]byte(nil), bytes...)
	delete(f.removed, name)
	return nil
}

func (f *fakeEngine) RemoveKey(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.added[name]; !ok {
		return gwerr.New(gwerr.NotFound, "key %s not in keyring", name)
	}
	delete(f.added, name)
	f.removed[name] = true
	return nil
}

func (f *fakeEngine) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.added[name]
	return ok
}

func newTestStore(t *testing.T, nodeID string) *statemap.Store {
	t.Helper()
	client, err := embedded.NewStore(embedded.Config{
		NodeID:   nodeID,
		DataDir:  t.TempDir(),
		BindAddr: "127.0.0.1:0",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("embedded.NewStore: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	store := statemap.New(client, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := store.Start(ctx); err != nil {
		t.Fatalf("store.Start: %v", err)
	}
	return store
}

// waitForKey polls until the state map cache observes key, since the cache
// is only refreshed asynchronously off the watch stream.
func waitForKey(t *testing.T, store *statemap.Store, key string, present bool) statemap.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, ok := store.Get(key)
		if ok == present {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for key %q present=%v", key, present)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMaterializeWritesFileKeyringAndStateMap(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(t, "gw1")
	baseDir := t.TempDir()

	mgr, err := NewManager(baseDir, "cluster-secret", engine, store, "gw1", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	k := domain.Key{
		OwnerSubsystemNQN: "nqn.2014-08.org.nvmexpress:uuid:subsys1",
		HostNQN:           "nqn.2014-08.org.nvmexpress:uuid:host1",
		Name:              "nqn.2014-08.org.nvmexpress:uuid:host1",
		Kind:              domain.KeyKindPSK,
		Bytes:             []byte("top-secret-psk"),
	}
	if err := mgr.Materialize(context.Background(), k); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	path := filepath.Join(mgr.subsystemDir(k.OwnerSubsystemNQN, k.Kind), sanitize(k.Name))
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read key file: %v", err)
	}
	if string(got) != "top-secret-psk" {
		t.Errorf("key file content = %q, want top-secret-psk", got)
	}

	if !engine.has(keyringName(k)) {
		t.Error("engine keyring should hold the materialized key")
	}

	recKey := domain.KeyKeyOf(k.OwnerSubsystemNQN, k.HostNQN, k.Kind)
	rec := waitForKey(t, store, recKey, true)
	if string(rec.Value) == string(k.Bytes) {
		t.Error("state map record must store sealed bytes, not plaintext")
	}
}

func TestRevokeRemovesFileKeyringAndStateMap(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(t, "gw1")
	mgr, err := NewManager(t.TempDir(), "cluster-secret", engine, store, "gw1", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	k := domain.Key{
		OwnerSubsystemNQN: "nqn.2014-08.org.nvmexpress:uuid:subsys1",
		HostNQN:           "nqn.2014-08.org.nvmexpress:uuid:host1",
		Name:              "nqn.2014-08.org.nvmexpress:uuid:host1",
		Kind:              domain.KeyKindDHCHAP,
		Bytes:             []byte("dhchap-secret"),
	}
	ctx := context.Background()
	if err := mgr.Materialize(ctx, k); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	recKey := domain.KeyKeyOf(k.OwnerSubsystemNQN, k.HostNQN, k.Kind)
	waitForKey(t, store, recKey, true)

	if err := mgr.Revoke(ctx, k); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if engine.has(keyringName(k)) {
		t.Error("engine keyring should no longer hold the revoked key")
	}
	path := filepath.Join(mgr.subsystemDir(k.OwnerSubsystemNQN, k.Kind), sanitize(k.Name))
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("key file should be removed, stat err = %v", err)
	}
	waitForKey(t, store, recKey, false)
}

func TestRevokeByRefMatchesRevokeOfTheSameKey(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(t, "gw1")
	mgr, err := NewManager(t.TempDir(), "cluster-secret", engine, store, "gw1", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	nqn := "nqn.2014-08.org.nvmexpress:uuid:subsys1"
	hostNQN := "nqn.2014-08.org.nvmexpress:uuid:host1"
	k := domain.Key{OwnerSubsystemNQN: nqn, HostNQN: hostNQN, Name: hostNQN, Kind: domain.KeyKindPSK, Bytes: []byte("psk")}
	ctx := context.Background()
	if err := mgr.Materialize(ctx, k); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	waitForKey(t, store, domain.KeyKeyOf(nqn, hostNQN, domain.KeyKindPSK), true)

	if err := mgr.RevokeByRef(ctx, nqn, hostNQN, domain.KeyKindPSK); err != nil {
		t.Fatalf("RevokeByRef: %v", err)
	}

	if engine.has(keyringName(k)) {
		t.Error("RevokeByRef should have removed the key from the keyring")
	}
}

func TestRevokeIsIdempotentWhenKeyAlreadyGone(t *testing.T) {
	engine := newFakeEngine()
	store := newTestStore(t, "gw1")
	mgr, err := NewManager(t.TempDir(), "cluster-secret", engine, store, "gw1", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	k := domain.Key{
		OwnerSubsystemNQN: "nqn.2014-08.org.nvmexpress:uuid:subsys1",
		HostNQN:           "nqn.2014-08.org.nvmexpress:uuid:host-never-added",
		Name:              "nqn.2014-08.org.nvmexpress:uuid:host-never-added",
		Kind:              domain.KeyKindPSK,
	}
	if err := mgr.Revoke(context.Background(), k); err != nil {
		t.Fatalf("Revoke of an absent key should not error, got %v", err)
	}
}

func TestReconcileRemoteDecryptsAndWritesLocally(t *testing.T) {
	engineA := newFakeEngine()
	storeA := newTestStore(t, "gw-a")
	mgrA, err := NewManager(t.TempDir(), "shared-secret", engineA, storeA, "gw-a", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager A: %v", err)
	}

	k := domain.Key{
		OwnerSubsystemNQN: "nqn.2014-08.org.nvmexpress:uuid:subsys1",
		HostNQN:           "nqn.2014-08.org.nvmexpress:uuid:host1",
		Name:              "nqn.2014-08.org.nvmexpress:uuid:host1",
		Kind:              domain.KeyKindPSK,
		Bytes:             []byte("shared-psk-bytes"),
	}
	ctx := context.Background()
	if err := mgrA.Materialize(ctx, k); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	recKey := domain.KeyKeyOf(k.OwnerSubsystemNQN, k.HostNQN, k.Kind)
	rec := waitForKey(t, storeA, recKey, true)

	engineB := newFakeEngine()
	baseDirB := t.TempDir()
	mgrB, err := NewManager(baseDirB, "shared-secret", engineB, storeA, "gw-b", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager B: %v", err)
	}

	if err := mgrB.ReconcileRemote(ctx, rec); err != nil {
		t.Fatalf("ReconcileRemote: %v", err)
	}

	if !engineB.has(keyringName(k)) {
		t.Error("peer engine keyring should hold the reconciled key")
	}
	path := filepath.Join(mgrB.subsystemDir(k.OwnerSubsystemNQN, k.Kind), sanitize(k.Name))
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read reconciled key file: %v", err)
	}
	if string(got) != "shared-psk-bytes" {
		t.Errorf("reconciled key bytes = %q, want shared-psk-bytes", got)
	}
}
