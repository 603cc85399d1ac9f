// Package discovery implements the Discovery Responder (§4.7): it answers
// host discovery probes with one record per (subsystem, listener) reachable
// from the cluster, filtered by the requesting host's ACL, built entirely
// from a state-map snapshot. The accept-loop shape — a net.Listener handed
// to a small dedicated goroutine, started and stopped against a context —
// is grounded on the teacher's pkg/dns/server.go; the wire codec is new,
// since miekg/dns implements the DNS protocol, not the NVMe-oF Discovery
// Log Page format this component emits (see DESIGN.md).
package discovery

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/nvmeof-gw/internal/domain"
	"github.com/cuemby/nvmeof-gw/internal/statemap"
)

// LogPageEntry is one reachable (subsystem, listener) pair, the gateway's
// analog of an NVMe-oF Discovery Log Page Entry.
type LogPageEntry struct {
	TrType  string `json:"trtype"`
	AddrFam string `json:"adrfam"`
	TrAddr  string `json:"traddr"`
	TrSvcID string `json:"trsvcid"`
	SubNQN  string `json:"subnqn"`
	Secure  bool   `json:"secure"`
	Gateway string `json:"gateway"`
}

type probeRequest struct {
	HostNQN string `json:"hostnqn"`
}

type probeResponse struct {
	Entries []LogPageEntry `json:"entries"`
}

// Responder serves discovery probes over a line-delimited JSON protocol on
// the address configured under [discovery].
type Responder struct {
	store  *statemap.Store
	logger zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	running  bool
}

func New(store *statemap.Store, logger zerolog.Logger) *Responder {
	return &Responder{
		store:  store,
		logger: logger.With().Str("component", "discovery").Logger(),
	}
}

// Start binds addr and serves discovery probes until ctx is done.
func (r *Responder) Start(ctx context.Context, addr string) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("discovery: responder already running")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("discovery: listen on %s: %w", addr, err)
	}
	r.listener = ln
	r.running = true
	r.mu.Unlock()

	r.logger.Info().Str("addr", addr).Msg("discovery responder listening")

	go func() {
		<-ctx.Done()
		_ = r.Stop()
	}()

	go r.acceptLoop()
	return nil
}

func (r *Responder) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			r.mu.Lock()
			stopped := !r.running
			r.mu.Unlock()
			if stopped {
				return
			}
			r.logger.Error().Err(err).Msg("discovery accept error")
			return
		}
		go r.handleConn(conn)
	}
}

func (r *Responder) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}
	var req probeRequest
	if err := json.Unmarshal(line, &req); err != nil {
		r.logger.Warn().Err(err).Msg("malformed discovery probe")
		return
	}

	entries := r.entriesFor(req.HostNQN)
	resp, err := json.Marshal(probeResponse{Entries: entries})
	if err != nil {
		return
	}
	resp = append(resp, '\n')
	_, _ = conn.Write(resp)
}

// entriesFor returns every listener visible to hostNQN: subsystems that
// allow any host, or that explicitly list hostNQN (including the wildcard
// host record), per the subsystem's host ACL.
func (r *Responder) entriesFor(hostNQN string) []LogPageEntry {
	var entries []LogPageEntry
	for _, subRec := range r.store.List("sub/") {
		var sub domain.Subsystem
		if err := json.Unmarshal(subRec.Value, &sub); err != nil {
			continue
		}
		if !r.hostAllowed(sub, hostNQN) {
			continue
		}
		for _, lsRec := range r.store.List(domain.ListenerPrefix(sub.NQN)) {
			var ls domain.Listener
			if err := json.Unmarshal(lsRec.Value, &ls); err != nil {
				continue
			}
			entries = append(entries, LogPageEntry{
				TrType:  ls.Transport,
				AddrFam: string(ls.AddressFamily),
				TrAddr:  ls.TrAddr,
				TrSvcID: ls.TrSvcID,
				SubNQN:  sub.NQN,
				Secure:  ls.Secure,
				Gateway: ls.GatewayName,
			})
		}
	}
	return entries
}

func (r *Responder) hostAllowed(sub domain.Subsystem, hostNQN string) bool {
	if sub.AllowAnyHost {
		return true
	}
	for _, hRec := range r.store.List(domain.HostPrefix(sub.NQN)) {
		var h domain.Host
		if err := json.Unmarshal(hRec.Value, &h); err != nil {
			continue
		}
		if h.IsWildcard() || h.HostNQN == hostNQN {
			return true
		}
	}
	return false
}

func (r *Responder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.running = false
	return r.listener.Close()
}
