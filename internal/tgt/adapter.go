// Package tgt implements the line-delimited JSON-RPC client to the local
// NVMe-oF target engine socket described in §4.5. It owns a single
// connection, serializes every call through an internal request queue so
// exactly one call is outstanding at a time, and reconnects with bounded
// retries on failure. The structure — a dedicated worker goroutine draining
// a request channel — is grounded on the teacher's ticker-driven worker
// loops (pkg/worker/worker.go, pkg/reconciler/reconciler.go); the wire
// protocol itself has no analog anywhere in the retrieval pack and is
// designed from the specification directly.
package tgt

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nvmeof-gw/internal/gwerr"
	"github.com/cuemby/nvmeof-gw/internal/metrics"
)

// Config configures the adapter.
type Config struct {
	SocketPath string
	// Timeout bounds a single RPC round trip. Defaults to 60s (§4.5).
	Timeout time.Duration
	// MaxReconnects bounds reconnect attempts before the engine is
	// declared unreachable. Defaults to 3 (§4.5).
	MaxReconnects int
}

type call struct {
	method string
	params any
	result any
	respCh chan error
}

// Adapter is the gateway-local handle to the target engine.
type Adapter struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	conn     net.Conn
	reader   *bufio.Reader
	nextID   int64
	requests chan call

	closed int32
}

// New constructs an Adapter. Connect must be called before use.
func New(cfg Config, logger zerolog.Logger) *Adapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 3
	}
	a := &Adapter{
		cfg:      cfg,
		logger:   logger,
		requests: make(chan call, 64),
	}
	return a
}

// Connect dials the engine socket and starts the single worker goroutine
// that owns the connection for the adapter's lifetime.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.dial(); err != nil {
		return err
	}
	go a.run()
	return nil
}

func (a *Adapter) dial() error {
	conn, err := net.Dial("unix", a.cfg.SocketPath)
	if err != nil {
		return gwerr.Wrap(gwerr.Unavailable, err, "dial tgt socket %s", a.cfg.SocketPath)
	}
	a.mu.Lock()
	a.conn = conn
	a.reader = bufio.NewReader(conn)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) reconnect() error {
	metrics.TGTReconnectsTotal.Inc()
	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxReconnects; attempt++ {
		if err := a.dial(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
	}
	return gwerr.Wrap(gwerr.Unavailable, lastErr, "tgt engine unreachable after %d reconnect attempts", a.cfg.MaxReconnects)
}

// run is the adapter's single dedicated worker: it owns the socket and
// drains the request queue one call at a time, matching the "one worker per
// engine socket" concurrency rule (§9).
func (a *Adapter) run() {
	for c := range a.requests {
		err := a.doCall(c.method, c.params, c.result)
		c.respCh <- err
	}
}

func (a *Adapter) doCall(method string, params, result any) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TGTRequestDuration, method)

	id := atomic.AddInt64(&a.nextID, 1)
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, err, "encode tgt request %s", method)
	}
	req := request{ID: id, Method: method, Params: paramsJSON}
	line, err := json.Marshal(req)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, err, "encode tgt request %s", method)
	}

	a.mu.Lock()
	conn := a.conn
	reader := a.reader
	a.mu.Unlock()
	if conn == nil {
		if err := a.reconnect(); err != nil {
			metrics.TGTRequestErrorsTotal.WithLabelValues(method).Inc()
			return err
		}
		a.mu.Lock()
		conn = a.conn
		reader = a.reader
		a.mu.Unlock()
	}

	_ = conn.SetDeadline(time.Now().Add(a.cfg.Timeout))
	if _, err := conn.Write(append(line, '\n')); err != nil {
		a.invalidateConn()
		if rerr := a.reconnect(); rerr != nil {
			metrics.TGTRequestErrorsTotal.WithLabelValues(method).Inc()
			return rerr
		}
		return gwerr.Wrap(gwerr.Unavailable, err, "tgt write %s", method)
	}

	respLine, err := reader.ReadBytes('\n')
	if err != nil {
		a.invalidateConn()
		metrics.TGTRequestErrorsTotal.WithLabelValues(method).Inc()
		return gwerr.Wrap(gwerr.Unavailable, err, "tgt read response for %s", method)
	}

	var resp response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		metrics.TGTRequestErrorsTotal.WithLabelValues(method).Inc()
		return gwerr.Wrap(gwerr.Internal, err, "decode tgt response for %s", method)
	}
	if resp.ID != id {
		metrics.TGTRequestErrorsTotal.WithLabelValues(method).Inc()
		return gwerr.New(gwerr.Internal, "tgt response id mismatch for %s: got %d want %d", method, resp.ID, id)
	}
	if resp.Error != nil {
		metrics.TGTRequestErrorsTotal.WithLabelValues(method).Inc()
		return toCanonical(method, resp.Error)
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return gwerr.Wrap(gwerr.Internal, err, "decode tgt result for %s", method)
		}
	}
	return nil
}

func (a *Adapter) invalidateConn() {
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.conn = nil
	a.mu.Unlock()
}

// Call enqueues a single RPC and blocks until it completes or ctx is done.
func (a *Adapter) Call(ctx context.Context, method string, params, result any) error {
	if atomic.LoadInt32(&a.closed) == 1 {
		return gwerr.New(gwerr.Unavailable, "tgt adapter closed")
	}
	c := call{method: method, params: params, result: result, respCh: make(chan error, 1)}
	select {
	case a.requests <- c:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.respCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) Close() error {
	if !atomic.CompareAndSwapInt32(&a.closed, 0, 1) {
		return nil
	}
	close(a.requests)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

// The verbs below are one-to-one with the engine's RPCs (§4.5).

func (a *Adapter) AddSubsystem(ctx context.Context, nqn, serial string, maxNamespaces int, allowAnyHost bool) error {
	return a.Call(ctx, "nvmf_create_subsystem", map[string]any{
		"nqn": nqn, "serial_number": serial, "max_namespaces": maxNamespaces, "allow_any_host": allowAnyHost,
	}, nil)
}

func (a *Adapter) RemoveSubsystem(ctx context.Context, nqn string) error {
	return a.Call(ctx, "nvmf_delete_subsystem", map[string]any{"nqn": nqn}, nil)
}

func (a *Adapter) AddListener(ctx context.Context, nqn, transport, adrfam, traddr, trsvcid string, secure bool) error {
	return a.Call(ctx, "nvmf_subsystem_add_listener", map[string]any{
		"nqn": nqn, "trtype": transport, "adrfam": adrfam, "traddr": traddr, "trsvcid": trsvcid, "secure": secure,
	}, nil)
}

func (a *Adapter) RemoveListener(ctx context.Context, nqn, transport, adrfam, traddr, trsvcid string) error {
	return a.Call(ctx, "nvmf_subsystem_remove_listener", map[string]any{
		"nqn": nqn, "trtype": transport, "adrfam": adrfam, "traddr": traddr, "trsvcid": trsvcid,
	}, nil)
}

func (a *Adapter) AddNamespace(ctx context.Context, nqn string, nsid int, pool, image string, blockSize int, uuid string, lbGroup int) error {
	return a.Call(ctx, "nvmf_subsystem_add_ns", map[string]any{
		"nqn": nqn, "nsid": nsid, "pool": pool, "image": image, "block_size": blockSize, "uuid": uuid, "lb_group": lbGroup,
	}, nil)
}

func (a *Adapter) RemoveNamespace(ctx context.Context, nqn string, nsid int) error {
	return a.Call(ctx, "nvmf_subsystem_remove_ns", map[string]any{"nqn": nqn, "nsid": nsid}, nil)
}

func (a *Adapter) ResizeNamespace(ctx context.Context, nqn string, nsid int, newSizeBytes int64) error {
	return a.Call(ctx, "nvmf_subsystem_resize_ns", map[string]any{"nqn": nqn, "nsid": nsid, "new_size": newSizeBytes}, nil)
}

func (a *Adapter) ChangeNamespaceLoadBalancingGroup(ctx context.Context, nqn string, nsid, group int) error {
	return a.Call(ctx, "nvmf_subsystem_set_ns_lb_group", map[string]any{"nqn": nqn, "nsid": nsid, "lb_group": group}, nil)
}

func (a *Adapter) AddHost(ctx context.Context, nqn, hostNQN string) error {
	return a.Call(ctx, "nvmf_subsystem_add_host", map[string]any{"nqn": nqn, "host": hostNQN}, nil)
}

func (a *Adapter) RemoveHost(ctx context.Context, nqn, hostNQN string) error {
	return a.Call(ctx, "nvmf_subsystem_remove_host", map[string]any{"nqn": nqn, "host": hostNQN}, nil)
}

func (a *Adapter) SetANAState(ctx context.Context, nqn string, group int, optimized bool) error {
	state := "inaccessible"
	if optimized {
		state = "optimized"
	}
	return a.Call(ctx, "nvmf_subsystem_listener_set_ana_state", map[string]any{
		"nqn": nqn, "ana_group": group, "ana_state": state,
	}, nil)
}

func (a *Adapter) AddKey(ctx context.Context, name string, bytes []byte) error {
	return a.Call(ctx, "keyring_file_add_key", map[string]any{"name": name, "key": string(bytes)}, nil)
}

func (a *Adapter) RemoveKey(ctx context.Context, name string) error {
	return a.Call(ctx, "keyring_file_remove_key", map[string]any{"name": name}, nil)
}

func (a *Adapter) SetLogLevel(ctx context.Context, level string) error {
	return a.Call(ctx, "log_set_level", map[string]any{"level": level}, nil)
}

func (a *Adapter) GetSubsystems(ctx context.Context) ([]Subsystem, error) {
	var subs []Subsystem
	err := a.Call(ctx, "nvmf_get_subsystems", nil, &subs)
	return subs, err
}

func (a *Adapter) ListConnections(ctx context.Context, nqn string) ([]Connection, error) {
	var conns []Connection
	err := a.Call(ctx, "nvmf_subsystem_get_qpairs", map[string]any{"nqn": nqn}, &conns)
	return conns, err
}
