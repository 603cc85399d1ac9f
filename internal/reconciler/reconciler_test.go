package reconciler

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nvmeof-gw/internal/credentials"
	"github.com/cuemby/nvmeof-gw/internal/domain"
	"github.com/cuemby/nvmeof-gw/internal/health"
	"github.com/cuemby/nvmeof-gw/internal/objectstore/embedded"
	"github.com/cuemby/nvmeof-gw/internal/statemap"
	"github.com/cuemby/nvmeof-gw/internal/tgt"
)

// fakeTGT is a minimal stateful simulation of the target engine's JSON-RPC
// socket, tracking exactly enough state (subsystems, namespaces, listeners,
// hosts) for nvmf_get_subsystems to reflect prior add/remove calls the way
// the real engine would, which removeLocalListeners depends on.
type fakeTGT struct {
	mu    sync.Mutex
	subs  map[string]*tgt.Subsystem
	hosts map[string]map[string]bool
}

func newFakeTGT() *fakeTGT {
	return &fakeTGT{subs: make(map[string]*tgt.Subsystem), hosts: make(map[string]map[string]bool)}
}

const (
	rpcErrNotFound = 2
	rpcErrExists   = 17
)

func (f *fakeTGT) handle(method string, params map[string]any) (any, *int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	str := func(k string) string { v, _ := params[k].(string); return v }
	num := func(k string) int { v, _ := params[k].(float64); return int(v) }
	boolean := func(k string) bool { v, _ := params[k].(bool); return v }

	switch method {
	case "nvmf_create_subsystem":
		nqn := str("nqn")
		if _, ok := f.subs[nqn]; ok {
			code := rpcErrExists
			return nil, &code
		}
		f.subs[nqn] = &tgt.Subsystem{NQN: nqn, Serial: str("serial_number"), MaxNamespaces: num("max_namespaces"), AllowAnyHost: boolean("allow_any_host")}
		return nil, nil
	case "nvmf_delete_subsystem":
		nqn := str("nqn")
		if _, ok := f.subs[nqn]; !ok {
			code := rpcErrNotFound
			return nil, &code
		}
		delete(f.subs, nqn)
		return nil, nil
	case "nvmf_subsystem_add_ns":
		sub, code := f.requireSub(str("nqn"))
		if code != nil {
			return nil, code
		}
		sub.Namespaces = append(sub.Namespaces, tgt.EngineNS{NSID: num("nsid"), UUID: str("uuid"), ImagePool: str("pool"), ImageName: str("image"), LBGroup: num("lb_group")})
		return nil, nil
	case "nvmf_subsystem_remove_ns":
		sub, code := f.requireSub(str("nqn"))
		if code != nil {
			return nil, code
		}
		nsid := num("nsid")
		kept := sub.Namespaces[:0]
		for _, ns := range sub.Namespaces {
			if ns.NSID != nsid {
				kept = append(kept, ns)
			}
		}
		sub.Namespaces = kept
		return nil, nil
	case "nvmf_subsystem_add_listener":
		sub, code := f.requireSub(str("nqn"))
		if code != nil {
			return nil, code
		}
		sub.Listeners = append(sub.Listeners, tgt.EngineLS{
			Transport: str("trtype"), AddrFam: str("adrfam"), TrAddr: str("traddr"), TrSvcID: str("trsvcid"), Secure: boolean("secure"),
		})
		return nil, nil
	case "nvmf_subsystem_remove_listener":
		sub, code := f.requireSub(str("nqn"))
		if code != nil {
			return nil, code
		}
		trAddr, trSvcID := str("traddr"), str("trsvcid")
		kept := sub.Listeners[:0]
		for _, ls := range sub.Listeners {
			if ls.TrAddr != trAddr || ls.TrSvcID != trSvcID {
				kept = append(kept, ls)
			}
		}
		sub.Listeners = kept
		return nil, nil
	case "nvmf_subsystem_add_host":
		if _, code := f.requireSub(str("nqn")); code != nil {
			return nil, code
		}
		nqn, host := str("nqn"), str("host")
		if f.hosts[nqn] == nil {
			f.hosts[nqn] = make(map[string]bool)
		}
		f.hosts[nqn][host] = true
		return nil, nil
	case "nvmf_subsystem_remove_host":
		nqn, host := str("nqn"), str("host")
		if !f.hosts[nqn][host] {
			code := rpcErrNotFound
			return nil, &code
		}
		delete(f.hosts[nqn], host)
		return nil, nil
	case "nvmf_subsystem_set_ns_lb_group":
		sub, code := f.requireSub(str("nqn"))
		if code != nil {
			return nil, code
		}
		nsid := num("nsid")
		for i := range sub.Namespaces {
			if sub.Namespaces[i].NSID == nsid {
				sub.Namespaces[i].LBGroup = num("lb_group")
			}
		}
		return nil, nil
	case "nvmf_get_subsystems":
		var out []tgt.Subsystem
		for _, sub := range f.subs {
			out = append(out, *sub)
		}
		return out, nil
	case "keyring_file_add_key", "keyring_file_remove_key", "log_set_level":
		return nil, nil
	default:
		return nil, nil
	}
}

func (f *fakeTGT) requireSub(nqn string) (*tgt.Subsystem, *int) {
	sub, ok := f.subs[nqn]
	if !ok {
		code := rpcErrNotFound
		return nil, &code
	}
	return sub, nil
}

func (f *fakeTGT) hasListenerAt(nqn, trAddr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[nqn]
	if !ok {
		return false
	}
	for _, ls := range sub.Listeners {
		if ls.TrAddr == trAddr {
			return true
		}
	}
	return false
}

func startFakeTGT(t *testing.T) (string, *fakeTGT) {
	t.Helper()
	f := newFakeTGT()
	socketPath := filepath.Join(t.TempDir(), "tgt.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return socketPath, f
}

func (f *fakeTGT) serve(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req struct {
			ID     int64          `json:"id"`
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		result, errCode := f.handle(req.Method, req.Params)
		resp := map[string]any{"id": req.ID}
		if errCode != nil {
			resp["error"] = map[string]any{"code": *errCode, "message": "simulated engine error"}
		} else if result != nil {
			resp["result"] = result
		}
		b, err := json.Marshal(resp)
		if err != nil {
			return
		}
		if _, err := conn.Write(append(b, '\n')); err != nil {
			return
		}
	}
}

func newTestReconciler(t *testing.T, gatewayName string) (*Reconciler, *statemap.Store, *fakeTGT) {
	t.Helper()

	socketPath, fake := startFakeTGT(t)
	engine := tgt.New(tgt.Config{SocketPath: socketPath}, zerolog.Nop())
	if err := engine.Connect(context.Background()); err != nil {
		t.Fatalf("engine.Connect: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	client, err := embedded.NewStore(embedded.Config{NodeID: gatewayName, DataDir: t.TempDir(), BindAddr: "127.0.0.1:0"}, zerolog.Nop())
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

	creds, err := credentials.NewManager(t.TempDir(), "cluster-secret", engine, store, gatewayName, zerolog.Nop())
	if err != nil {
		t.Fatalf("credentials.NewManager: %v", err)
	}

	return New(store, engine, creds, gatewayName, health.New(), zerolog.Nop()), store, fake
}

func waitForReconciler(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

const reconcilerTestNQN = "nqn.2014-08.org.nvmexpress:uuid:subsys1"

func TestApplySubsystemKeyAddsThenRemoves(t *testing.T) {
	r, store, fake := newTestReconciler(t, "gw1")
	ctx := context.Background()

	sub := domain.Subsystem{NQN: reconcilerTestNQN, Serial: "SN1", MaxNamespaces: 16}
	payload, _ := json.Marshal(sub)
	if _, err := store.CAS(ctx, domain.SubsystemKey(reconcilerTestNQN), 0, payload, "gw1"); err != nil {
		t.Fatalf("CAS subsystem: %v", err)
	}
	waitForReconciler(t, func() bool { _, ok := store.Get(domain.SubsystemKey(reconcilerTestNQN)); return ok })

	if err := r.applySubsystemKey(ctx, domain.SubsystemKey(reconcilerTestNQN)); err != nil {
		t.Fatalf("applySubsystemKey add: %v", err)
	}
	fake.mu.Lock()
	_, exists := fake.subs[reconcilerTestNQN]
	fake.mu.Unlock()
	if !exists {
		t.Fatal("subsystem should exist on the engine after applying an add")
	}

	rec, _ := store.Get(domain.SubsystemKey(reconcilerTestNQN))
	if err := store.Delete(ctx, domain.SubsystemKey(reconcilerTestNQN), rec.Version); err != nil {
		t.Fatalf("delete subsystem record: %v", err)
	}
	waitForReconciler(t, func() bool { _, ok := store.Get(domain.SubsystemKey(reconcilerTestNQN)); return !ok })

	// This is the regression case: the deletion branch must parse the key
	// and call RemoveSubsystem rather than no-op.
	if err := r.applySubsystemKey(ctx, domain.SubsystemKey(reconcilerTestNQN)); err != nil {
		t.Fatalf("applySubsystemKey delete: %v", err)
	}
	fake.mu.Lock()
	_, stillExists := fake.subs[reconcilerTestNQN]
	fake.mu.Unlock()
	if stillExists {
		t.Error("subsystem should have been removed from the engine on key deletion")
	}
}

func TestApplyListenerKeyDeletionRemovesLocalListenerOnly(t *testing.T) {
	r, store, fake := newTestReconciler(t, "gw1")
	ctx := context.Background()

	sub := domain.Subsystem{NQN: reconcilerTestNQN, Serial: "SN1", MaxNamespaces: 16}
	payload, _ := json.Marshal(sub)
	if _, err := store.CAS(ctx, domain.SubsystemKey(reconcilerTestNQN), 0, payload, "gw1"); err != nil {
		t.Fatalf("CAS subsystem: %v", err)
	}
	waitForReconciler(t, func() bool { _, ok := store.Get(domain.SubsystemKey(reconcilerTestNQN)); return ok })
	if err := r.applySubsystemKey(ctx, domain.SubsystemKey(reconcilerTestNQN)); err != nil {
		t.Fatalf("applySubsystemKey: %v", err)
	}

	localLS := domain.Listener{SubsystemNQN: reconcilerTestNQN, GatewayName: "gw1", Transport: "tcp", AddressFamily: domain.AddressFamilyIPv4, TrAddr: "10.0.0.1", TrSvcID: "4420"}
	peerLS := domain.Listener{SubsystemNQN: reconcilerTestNQN, GatewayName: "gw2", Transport: "tcp", AddressFamily: domain.AddressFamilyIPv4, TrAddr: "10.0.0.2", TrSvcID: "4420"}
	localKey := domain.ListenerKey(reconcilerTestNQN, "gw1", domain.AddressFamilyIPv4, "10.0.0.1", "4420")
	peerKey := domain.ListenerKey(reconcilerTestNQN, "gw2", domain.AddressFamilyIPv4, "10.0.0.2", "4420")

	localPayload, _ := json.Marshal(localLS)
	if _, err := store.CAS(ctx, localKey, 0, localPayload, "gw1"); err != nil {
		t.Fatalf("CAS local listener: %v", err)
	}
	peerPayload, _ := json.Marshal(peerLS)
	if _, err := store.CAS(ctx, peerKey, 0, peerPayload, "gw2"); err != nil {
		t.Fatalf("CAS peer listener: %v", err)
	}
	waitForReconciler(t, func() bool { return len(store.List(domain.ListenerPrefix(reconcilerTestNQN))) == 2 })

	if err := r.applyListenerKey(ctx, localKey); err != nil {
		t.Fatalf("applyListenerKey add local: %v", err)
	}
	if err := r.applyListenerKey(ctx, peerKey); err != nil {
		t.Fatalf("applyListenerKey add peer (no-op expected): %v", err)
	}
	if !fake.hasListenerAt(reconcilerTestNQN, "10.0.0.1") {
		t.Fatal("local listener should have been realized on the engine")
	}

	rec, _ := store.Get(localKey)
	if err := store.Delete(ctx, localKey, rec.Version); err != nil {
		t.Fatalf("delete local listener record: %v", err)
	}
	waitForReconciler(t, func() bool { _, ok := store.Get(localKey); return !ok })

	// Regression case: the deletion branch must recover the listener's
	// wire-level identity via GetSubsystems rather than no-op.
	if err := r.applyListenerKey(ctx, localKey); err != nil {
		t.Fatalf("applyListenerKey delete local: %v", err)
	}
	if fake.hasListenerAt(reconcilerTestNQN, "10.0.0.1") {
		t.Error("local listener should have been removed from the engine")
	}
}

func TestApplyKeyKeyDeletionRevokesCredential(t *testing.T) {
	r, store, _ := newTestReconciler(t, "gw1")
	ctx := context.Background()

	hostNQN := "nqn.2014-08.org.nvmexpress:uuid:host1"
	k := domain.Key{OwnerSubsystemNQN: reconcilerTestNQN, HostNQN: hostNQN, Name: hostNQN, Kind: domain.KeyKindPSK, Bytes: []byte("psk")}
	if err := r.credentials.Materialize(ctx, k); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	keyKey := domain.KeyKeyOf(reconcilerTestNQN, hostNQN, domain.KeyKindPSK)
	waitForReconciler(t, func() bool { _, ok := store.Get(keyKey); return ok })

	rec, _ := store.Get(keyKey)
	if err := store.Delete(ctx, keyKey, rec.Version); err != nil {
		t.Fatalf("delete key record: %v", err)
	}
	waitForReconciler(t, func() bool { _, ok := store.Get(keyKey); return !ok })

	// Regression case: deletion must revoke by reference, not no-op.
	if err := r.applyKeyKey(ctx, keyKey); err != nil {
		t.Fatalf("applyKeyKey delete: %v", err)
	}
}

func TestConvergeCreatesMissingSubsystemsFromStateMap(t *testing.T) {
	r, store, fake := newTestReconciler(t, "gw1")
	ctx := context.Background()

	sub := domain.Subsystem{NQN: reconcilerTestNQN, Serial: "SN1", MaxNamespaces: 16}
	payload, _ := json.Marshal(sub)
	if _, err := store.CAS(ctx, domain.SubsystemKey(reconcilerTestNQN), 0, payload, "gw1"); err != nil {
		t.Fatalf("CAS subsystem: %v", err)
	}
	waitForReconciler(t, func() bool { _, ok := store.Get(domain.SubsystemKey(reconcilerTestNQN)); return ok })

	if err := r.Converge(ctx); err != nil {
		t.Fatalf("Converge: %v", err)
	}
	fake.mu.Lock()
	_, exists := fake.subs[reconcilerTestNQN]
	fake.mu.Unlock()
	if !exists {
		t.Error("Converge should have created the subsystem recorded in the state map")
	}
}

// TestRunReturnsImmediatelyAndDrainsInBackground guards against the drain
// loop blocking Run itself: Run must return as soon as the watch
// subscription is established so callers (the gateway's startup sequence)
// can move on to registering with the monitor and serving gRPC, while the
// reconciler keeps applying state-map changes in the background.
func TestRunReturnsImmediatelyAndDrainsInBackground(t *testing.T) {
	r, store, fake := newTestReconciler(t, "gw1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return once the watch subscription was established")
	}

	sub := domain.Subsystem{NQN: reconcilerTestNQN, Serial: "SN1", MaxNamespaces: 16}
	payload, _ := json.Marshal(sub)
	if _, err := store.CAS(context.Background(), domain.SubsystemKey(reconcilerTestNQN), 0, payload, "gw1"); err != nil {
		t.Fatalf("CAS subsystem: %v", err)
	}

	waitForReconciler(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		_, exists := fake.subs[reconcilerTestNQN]
		return exists
	})
}
