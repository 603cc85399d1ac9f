// Package credentials implements the Credential & Keyring Manager (§4.6):
// materializing PSK/DHCHAP key material on disk and in the target engine's
// keyring, and propagating encrypted key bytes through the state map so
// peers can reproduce the same files locally. The on-disk layout and
// permission discipline (0600 files in a per-subsystem directory, removed
// when empty) is grounded on the teacher's pkg/security/certs.go
// SaveCertToFile/RemoveCerts pair; the at-rest encryption is grounded on
// pkg/security/secrets.go's AES-256-GCM scheme (see secretbox.go).
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/nvmeof-gw/internal/domain"
	"github.com/cuemby/nvmeof-gw/internal/gwerr"
	"github.com/cuemby/nvmeof-gw/internal/statemap"
)

// Engine is the subset of the TGT adapter the credential manager drives.
type Engine interface {
	AddKey(ctx context.Context, name string, bytes []byte) error
	RemoveKey(ctx context.Context, name string) error
}

// Manager materializes and revokes key material.
type Manager struct {
	baseDir     string
	box         *secretBox
	engine      Engine
	store       *statemap.Store
	gatewayName string
	logger      zerolog.Logger
}

// NewManager constructs a credential manager. clusterSecret seeds the
// at-rest encryption key shared by every gateway in the cluster (e.g. a
// pre-shared value from [gateway] configuration).
func NewManager(baseDir, clusterSecret string, engine Engine, store *statemap.Store, gatewayName string, logger zerolog.Logger) (*Manager, error) {
	box, err := newSecretBox(DeriveClusterKey(clusterSecret))
	if err != nil {
		return nil, err
	}
	return &Manager{
		baseDir:     baseDir,
		box:         box,
		engine:      engine,
		store:       store,
		gatewayName: gatewayName,
		logger:      logger,
	}, nil
}

func sanitize(s string) string {
	return strings.NewReplacer("/", "_", ":", "_", "*", "wildcard").Replace(s)
}

func (m *Manager) subsystemDir(nqn string, kind domain.KeyKind) string {
	return filepath.Join(m.baseDir, fmt.Sprintf("%s_%s", kind, sanitize(nqn)))
}

func keyringName(k domain.Key) string {
	return fmt.Sprintf("%s:%s:%s", k.Kind, k.OwnerSubsystemNQN, sanitize(k.HostNQN))
}

// Materialize writes key to its per-subsystem directory (0600), registers it
// in the local engine keyring, and persists the encrypted bytes to the
// state map under the owning gateway's authorship so peers can reproduce it.
// Materialize never logs k.Bytes.
func (m *Manager) Materialize(ctx context.Context, k domain.Key) error {
	dir := m.subsystemDir(k.OwnerSubsystemNQN, k.Kind)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return gwerr.Wrap(gwerr.Internal, err, "create key directory")
	}
	path := filepath.Join(dir, sanitize(k.Name))
	if err := os.WriteFile(path, k.Bytes, 0o600); err != nil {
		return gwerr.Wrap(gwerr.Internal, err, "write key file")
	}

	if err := m.engine.AddKey(ctx, keyringName(k), k.Bytes); err != nil {
		return err
	}

	sealed, err := m.box.seal(k.Bytes)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, err, "seal key material")
	}
	stored := k
	stored.Bytes = sealed
	payload, err := json.Marshal(stored)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, err, "encode key record")
	}
	recKey := domain.KeyKeyOf(k.OwnerSubsystemNQN, k.HostNQN, k.Kind)
	if _, err := m.store.CAS(ctx, recKey, 0, payload, m.gatewayName); err != nil {
		return err
	}

	m.logger.Info().Str("nqn", k.OwnerSubsystemNQN).Str("host", k.HostNQN).Str("kind", string(k.Kind)).Msg("key materialized")
	return nil
}

// Revoke removes key from the local engine keyring and disk, and from the
// state map. It removes the owning directory if it is left empty.
func (m *Manager) Revoke(ctx context.Context, k domain.Key) error {
	if err := m.engine.RemoveKey(ctx, keyringName(k)); err != nil && !gwerr.Is(err, gwerr.NotFound) {
		return err
	}

	dir := m.subsystemDir(k.OwnerSubsystemNQN, k.Kind)
	path := filepath.Join(dir, sanitize(k.Name))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return gwerr.Wrap(gwerr.Internal, err, "remove key file")
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}

	recKey := domain.KeyKeyOf(k.OwnerSubsystemNQN, k.HostNQN, k.Kind)
	if rec, ok := m.store.Get(recKey); ok {
		if err := m.store.Delete(ctx, recKey, rec.Version); err != nil && !gwerr.Is(err, gwerr.NotFound) {
			return err
		}
	}
	m.logger.Info().Str("nqn", k.OwnerSubsystemNQN).Str("host", k.HostNQN).Str("kind", string(k.Kind)).Msg("key revoked")
	return nil
}

// RevokeByRef revokes a key when only its state-map identity (nqn, host,
// kind) survives — the case when a Peer Reconciler observes a key/ record
// disappear and has no record value left to decode. The on-disk file name
// and keyring name are both deterministic functions of this identity (see
// keyringName and Materialize), so revocation does not need the sealed
// bytes that a deletion no longer carries.
func (m *Manager) RevokeByRef(ctx context.Context, nqn, hostNQN string, kind domain.KeyKind) error {
	return m.Revoke(ctx, domain.Key{
		OwnerSubsystemNQN: nqn,
		HostNQN:           hostNQN,
		Name:              hostNQN,
		Kind:              kind,
	})
}

// ReconcileRemote applies a key record authored by a peer to this gateway's
// own disk and keyring, decrypting the payload with the shared cluster
// secret. Used by the Peer Reconciler when it observes a key/ change.
func (m *Manager) ReconcileRemote(ctx context.Context, rec statemap.Record) error {
	var stored domain.Key
	if err := json.Unmarshal(rec.Value, &stored); err != nil {
		return gwerr.Wrap(gwerr.Internal, err, "decode remote key record")
	}
	plain, err := m.box.open(stored.Bytes)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, err, "open remote key material")
	}
	stored.Bytes = plain

	dir := m.subsystemDir(stored.OwnerSubsystemNQN, stored.Kind)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return gwerr.Wrap(gwerr.Internal, err, "create key directory")
	}
	path := filepath.Join(dir, sanitize(stored.Name))
	if err := os.WriteFile(path, stored.Bytes, 0o600); err != nil {
		return gwerr.Wrap(gwerr.Internal, err, "write key file")
	}
	return m.engine.AddKey(ctx, keyringName(stored), stored.Bytes)
}
