package gwservice

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuemby/nvmeof-gw/internal/credentials"
	"github.com/cuemby/nvmeof-gw/internal/domain"
	"github.com/cuemby/nvmeof-gw/internal/health"
	"github.com/cuemby/nvmeof-gw/internal/objectstore/embedded"
	"github.com/cuemby/nvmeof-gw/internal/statemap"
	"github.com/cuemby/nvmeof-gw/internal/tgt"

	"github.com/cuemby/nvmeof-gw/api/gatewaypb"
)

// startFakeEngine runs a minimal line-delimited JSON-RPC responder on a unix
// socket, standing in for the target engine so the Adapter's real wire
// protocol is exercised without a live TGT process.
func startFakeEngine(t *testing.T) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "tgt.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen on fake engine socket: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeEngineConn(conn)
		}
	}()
	return socketPath
}

func serveFakeEngineConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		var result json.RawMessage
		switch req.Method {
		case "nvmf_get_subsystems":
			result = json.RawMessage(`[]`)
		case "nvmf_subsystem_get_qpairs":
			result = json.RawMessage(`[]`)
		default:
			result = json.RawMessage(`null`)
		}
		resp := struct {
			ID     int64           `json:"id"`
			Result json.RawMessage `json:"result,omitempty"`
		}{ID: req.ID, Result: result}
		b, err := json.Marshal(resp)
		if err != nil {
			return
		}
		if _, err := conn.Write(append(b, '\n')); err != nil {
			return
		}
	}
}

func newTestServer(t *testing.T, gatewayName string) *Server {
	t.Helper()

	socketPath := startFakeEngine(t)
	engine := tgt.New(tgt.Config{SocketPath: socketPath}, zerolog.Nop())
	if err := engine.Connect(context.Background()); err != nil {
		t.Fatalf("engine.Connect: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	client, err := embedded.NewStore(embedded.Config{
		NodeID:   gatewayName,
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

	creds, err := credentials.NewManager(t.TempDir(), "cluster-secret", engine, store, gatewayName, zerolog.Nop())
	if err != nil {
		t.Fatalf("credentials.NewManager: %v", err)
	}

	return New(gatewayName, store, engine, creds, health.New(), zerolog.Nop())
}

func waitFor(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func grpcCode(t *testing.T, err error) codes.Code {
	t.Helper()
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("error %v is not a gRPC status error", err)
	}
	return st.Code()
}

const testNQN = "nqn.2014-08.org.nvmexpress:uuid:subsys1"

func TestSubsystemAddThenGetSubsystems(t *testing.T) {
	s := newTestServer(t, "gw1")
	ctx := context.Background()

	resp, err := s.SubsystemAdd(ctx, &gatewaypb.SubsystemAddRequest{NQN: testNQN})
	if err != nil {
		t.Fatalf("SubsystemAdd: %v", err)
	}
	if resp.NQN != testNQN || resp.MaxNamespaces != 1024 {
		t.Errorf("unexpected SubsystemAdd response: %+v", resp)
	}

	waitFor(t, func() bool {
		_, ok := s.store.Get(domain.SubsystemKey(testNQN))
		return ok
	})

	list, err := s.GetSubsystems(ctx, &gatewaypb.GetSubsystemsRequest{})
	if err != nil {
		t.Fatalf("GetSubsystems: %v", err)
	}
	if len(list.Subsystems) != 1 || list.Subsystems[0].NQN != testNQN {
		t.Errorf("GetSubsystems = %+v, want one subsystem %s", list.Subsystems, testNQN)
	}
}

func TestSubsystemAddRejectsDuplicate(t *testing.T) {
	s := newTestServer(t, "gw1")
	ctx := context.Background()

	if _, err := s.SubsystemAdd(ctx, &gatewaypb.SubsystemAddRequest{NQN: testNQN}); err != nil {
		t.Fatalf("first SubsystemAdd: %v", err)
	}
	waitFor(t, func() bool { _, ok := s.store.Get(domain.SubsystemKey(testNQN)); return ok })

	_, err := s.SubsystemAdd(ctx, &gatewaypb.SubsystemAddRequest{NQN: testNQN})
	if grpcCode(t, err) != codes.AlreadyExists {
		t.Errorf("duplicate SubsystemAdd code = %v, want AlreadyExists", grpcCode(t, err))
	}
}

func TestSubsystemAddRejectsEmptyNQN(t *testing.T) {
	s := newTestServer(t, "gw1")
	_, err := s.SubsystemAdd(context.Background(), &gatewaypb.SubsystemAddRequest{})
	if grpcCode(t, err) != codes.InvalidArgument {
		t.Errorf("empty-NQN SubsystemAdd code = %v, want InvalidArgument", grpcCode(t, err))
	}
}

func TestSubsystemDelRefusesNonEmptyWithoutForce(t *testing.T) {
	s := newTestServer(t, "gw1")
	ctx := context.Background()

	if _, err := s.SubsystemAdd(ctx, &gatewaypb.SubsystemAddRequest{NQN: testNQN}); err != nil {
		t.Fatalf("SubsystemAdd: %v", err)
	}
	waitFor(t, func() bool { _, ok := s.store.Get(domain.SubsystemKey(testNQN)); return ok })

	if _, err := s.NamespaceAdd(ctx, &gatewaypb.NamespaceAddRequest{NQN: testNQN, Pool: "rbd", Image: "img1"}); err != nil {
		t.Fatalf("NamespaceAdd: %v", err)
	}
	waitFor(t, func() bool { return len(s.store.List(domain.NamespacePrefix(testNQN))) == 1 })

	_, err := s.SubsystemDel(ctx, &gatewaypb.SubsystemDelRequest{NQN: testNQN})
	if grpcCode(t, err) != codes.FailedPrecondition {
		t.Errorf("SubsystemDel without force code = %v, want FailedPrecondition", grpcCode(t, err))
	}

	if _, err := s.SubsystemDel(ctx, &gatewaypb.SubsystemDelRequest{NQN: testNQN, Force: true}); err != nil {
		t.Fatalf("forced SubsystemDel: %v", err)
	}
	waitFor(t, func() bool { _, ok := s.store.Get(domain.SubsystemKey(testNQN)); return !ok })
	waitFor(t, func() bool { return len(s.store.List(domain.NamespacePrefix(testNQN))) == 0 })
}

func TestNamespaceAddAssignsSequentialNSIDs(t *testing.T) {
	s := newTestServer(t, "gw1")
	ctx := context.Background()
	if _, err := s.SubsystemAdd(ctx, &gatewaypb.SubsystemAddRequest{NQN: testNQN}); err != nil {
		t.Fatalf("SubsystemAdd: %v", err)
	}
	waitFor(t, func() bool { _, ok := s.store.Get(domain.SubsystemKey(testNQN)); return ok })

	first, err := s.NamespaceAdd(ctx, &gatewaypb.NamespaceAddRequest{NQN: testNQN, Pool: "rbd", Image: "img1"})
	if err != nil {
		t.Fatalf("first NamespaceAdd: %v", err)
	}
	waitFor(t, func() bool { return len(s.store.List(domain.NamespacePrefix(testNQN))) == 1 })

	second, err := s.NamespaceAdd(ctx, &gatewaypb.NamespaceAddRequest{NQN: testNQN, Pool: "rbd", Image: "img2"})
	if err != nil {
		t.Fatalf("second NamespaceAdd: %v", err)
	}
	if first.NSID != 1 || second.NSID != 2 {
		t.Errorf("NSIDs = (%d, %d), want (1, 2)", first.NSID, second.NSID)
	}
}

func TestNamespaceResizeRejectsShrink(t *testing.T) {
	s := newTestServer(t, "gw1")
	ctx := context.Background()
	if _, err := s.SubsystemAdd(ctx, &gatewaypb.SubsystemAddRequest{NQN: testNQN}); err != nil {
		t.Fatalf("SubsystemAdd: %v", err)
	}
	waitFor(t, func() bool { _, ok := s.store.Get(domain.SubsystemKey(testNQN)); return ok })

	ns, err := s.NamespaceAdd(ctx, &gatewaypb.NamespaceAddRequest{NQN: testNQN, Pool: "rbd", Image: "img1", SizeBytes: 1 << 30})
	if err != nil {
		t.Fatalf("NamespaceAdd: %v", err)
	}
	waitFor(t, func() bool { return len(s.store.List(domain.NamespacePrefix(testNQN))) == 1 })

	_, err = s.NamespaceResize(ctx, &gatewaypb.NamespaceResizeRequest{NQN: testNQN, NSID: ns.NSID, NewSizeBytes: (1 << 30) - 1})
	if grpcCode(t, err) != codes.InvalidArgument {
		t.Errorf("shrinking resize code = %v, want InvalidArgument", grpcCode(t, err))
	}

	if _, err := s.NamespaceResize(ctx, &gatewaypb.NamespaceResizeRequest{NQN: testNQN, NSID: ns.NSID, NewSizeBytes: 1 << 31}); err != nil {
		t.Errorf("growing resize should succeed, got %v", err)
	}
}

func TestListenerAddAppliesLocallyOnlyWhenGatewayMatches(t *testing.T) {
	s := newTestServer(t, "gw1")
	ctx := context.Background()
	if _, err := s.SubsystemAdd(ctx, &gatewaypb.SubsystemAddRequest{NQN: testNQN}); err != nil {
		t.Fatalf("SubsystemAdd: %v", err)
	}
	waitFor(t, func() bool { _, ok := s.store.Get(domain.SubsystemKey(testNQN)); return ok })

	// A listener for a peer gateway is recorded but never touches the
	// local engine.
	if _, err := s.ListenerAdd(ctx, &gatewaypb.ListenerRequest{
		NQN: testNQN, GatewayName: "gw2", Transport: "tcp", TrAddr: "10.0.0.2", TrSvcID: "4420",
	}); err != nil {
		t.Fatalf("ListenerAdd for peer: %v", err)
	}

	// A listener naming this gateway applies to the local engine before
	// the state-map record is persisted.
	if _, err := s.ListenerAdd(ctx, &gatewaypb.ListenerRequest{
		NQN: testNQN, GatewayName: "gw1", Transport: "tcp", TrAddr: "10.0.0.1", TrSvcID: "4420",
	}); err != nil {
		t.Fatalf("ListenerAdd for self: %v", err)
	}

	waitFor(t, func() bool { return len(s.store.List(domain.ListenerPrefix(testNQN))) == 2 })
}

func TestHostAddMaterializesKeyAndHostDelRevokesIt(t *testing.T) {
	s := newTestServer(t, "gw1")
	ctx := context.Background()
	if _, err := s.SubsystemAdd(ctx, &gatewaypb.SubsystemAddRequest{NQN: testNQN}); err != nil {
		t.Fatalf("SubsystemAdd: %v", err)
	}
	waitFor(t, func() bool { _, ok := s.store.Get(domain.SubsystemKey(testNQN)); return ok })

	hostNQN := "nqn.2014-08.org.nvmexpress:uuid:host1"
	if _, err := s.HostAdd(ctx, &gatewaypb.HostAddRequest{NQN: testNQN, HostNQN: hostNQN, PSK: []byte("pskbytes")}); err != nil {
		t.Fatalf("HostAdd: %v", err)
	}
	keyKey := domain.KeyKeyOf(testNQN, hostNQN, domain.KeyKindPSK)
	waitFor(t, func() bool { _, ok := s.store.Get(keyKey); return ok })

	if _, err := s.HostDel(ctx, &gatewaypb.HostDelRequest{NQN: testNQN, HostNQN: hostNQN}); err != nil {
		t.Fatalf("HostDel: %v", err)
	}
	waitFor(t, func() bool { _, ok := s.store.Get(domain.HostKey(testNQN, hostNQN)); return !ok })
	waitFor(t, func() bool { _, ok := s.store.Get(keyKey); return !ok })
}

func TestHostAddEnforcesWildcardMutex(t *testing.T) {
	s := newTestServer(t, "gw1")
	ctx := context.Background()
	if _, err := s.SubsystemAdd(ctx, &gatewaypb.SubsystemAddRequest{NQN: testNQN}); err != nil {
		t.Fatalf("SubsystemAdd: %v", err)
	}
	waitFor(t, func() bool { _, ok := s.store.Get(domain.SubsystemKey(testNQN)); return ok })

	if _, err := s.HostAdd(ctx, &gatewaypb.HostAddRequest{NQN: testNQN, HostNQN: "*"}); err != nil {
		t.Fatalf("HostAdd wildcard: %v", err)
	}
	waitFor(t, func() bool { _, ok := s.store.Get(domain.HostKey(testNQN, "*")); return ok })

	_, err := s.HostAdd(ctx, &gatewaypb.HostAddRequest{NQN: testNQN, HostNQN: "nqn.2014-08.org.nvmexpress:uuid:host1"})
	if grpcCode(t, err) != codes.FailedPrecondition {
		t.Errorf("explicit host add after wildcard code = %v, want FailedPrecondition", grpcCode(t, err))
	}

	// Symmetric: an explicit host on a fresh subsystem blocks a later wildcard add.
	const otherNQN = "nqn.2016-06.io.spdk:cnode2"
	if _, err := s.SubsystemAdd(ctx, &gatewaypb.SubsystemAddRequest{NQN: otherNQN}); err != nil {
		t.Fatalf("SubsystemAdd: %v", err)
	}
	waitFor(t, func() bool { _, ok := s.store.Get(domain.SubsystemKey(otherNQN)); return ok })
	if _, err := s.HostAdd(ctx, &gatewaypb.HostAddRequest{NQN: otherNQN, HostNQN: "nqn.2014-08.org.nvmexpress:uuid:host2"}); err != nil {
		t.Fatalf("HostAdd explicit: %v", err)
	}
	waitFor(t, func() bool {
		_, ok := s.store.Get(domain.HostKey(otherNQN, "nqn.2014-08.org.nvmexpress:uuid:host2"))
		return ok
	})
	_, err = s.HostAdd(ctx, &gatewaypb.HostAddRequest{NQN: otherNQN, HostNQN: "*"})
	if grpcCode(t, err) != codes.FailedPrecondition {
		t.Errorf("wildcard add after explicit code = %v, want FailedPrecondition", grpcCode(t, err))
	}
}

func TestSubsystemDelTreatsWildcardHostAsEmpty(t *testing.T) {
	s := newTestServer(t, "gw1")
	ctx := context.Background()
	if _, err := s.SubsystemAdd(ctx, &gatewaypb.SubsystemAddRequest{NQN: testNQN}); err != nil {
		t.Fatalf("SubsystemAdd: %v", err)
	}
	waitFor(t, func() bool { _, ok := s.store.Get(domain.SubsystemKey(testNQN)); return ok })
	if _, err := s.HostAdd(ctx, &gatewaypb.HostAddRequest{NQN: testNQN, HostNQN: "*"}); err != nil {
		t.Fatalf("HostAdd wildcard: %v", err)
	}
	waitFor(t, func() bool { _, ok := s.store.Get(domain.HostKey(testNQN, "*")); return ok })

	if _, err := s.SubsystemDel(ctx, &gatewaypb.SubsystemDelRequest{NQN: testNQN}); err != nil {
		t.Fatalf("SubsystemDel without force should treat wildcard host as empty: %v", err)
	}
}

func TestGatewayHealthReflectsSnapshot(t *testing.T) {
	s := newTestServer(t, "gw1")
	resp, err := s.GatewayHealth(context.Background(), &gatewaypb.GatewayHealthRequest{})
	if err != nil {
		t.Fatalf("GatewayHealth: %v", err)
	}
	if !resp.Healthy {
		t.Error("a fresh gateway should report healthy")
	}
}
