package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/nvmeof-gw/internal/gwerr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.conf")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsForUnsetKeys(t *testing.T) {
	path := writeConfig(t, "[gateway]\nname = gw1\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Gateway.Name != "gw1" {
		t.Errorf("Gateway.Name = %q, want gw1", cfg.Gateway.Name)
	}
	if cfg.Gateway.GRPCPort != 5500 {
		t.Errorf("Gateway.GRPCPort = %d, want default 5500", cfg.Gateway.GRPCPort)
	}
	if cfg.Discovery.Port != 8009 {
		t.Errorf("Discovery.Port = %d, want default 8009", cfg.Discovery.Port)
	}
	if !cfg.Discovery.Enabled {
		t.Error("Discovery.Enabled should default to true")
	}
	if cfg.SPDK.MaxReconnects != 3 {
		t.Errorf("SPDK.MaxReconnects = %d, want default 3", cfg.SPDK.MaxReconnects)
	}
}

func TestLoadParsesEverySection(t *testing.T) {
	path := writeConfig(t, `
# a full configuration
[gateway]
name = gw-east-1
group = east
addr = 10.0.0.5
grpc_port = 6000
state_dir = /data/nvmeof-gw
cluster_secret = s3cr3t
log_level = debug
log_format = json

[ceph]
config_file = /etc/ceph/east.conf
pool = nvme-pool
keyring = /etc/ceph/east.keyring

[mtls]
enabled = true
cert_file = /etc/nvmeof-gw/tls/server.crt
key_file = /etc/nvmeof-gw/tls/server.key
ca_file = /etc/nvmeof-gw/tls/ca.crt
client_auth = true

[spdk]
socket_path = /var/tmp/other.sock ; inline comment
timeout = 30
max_reconnects = 5

[discovery]
enabled = false
addr = 127.0.0.1
port = 9009
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Gateway.Name != "gw-east-1" || cfg.Gateway.GRPCPort != 6000 || cfg.Gateway.LogFormat != "json" {
		t.Errorf("unexpected gateway section: %+v", cfg.Gateway)
	}
	if cfg.Ceph.Pool != "nvme-pool" {
		t.Errorf("Ceph.Pool = %q, want nvme-pool", cfg.Ceph.Pool)
	}
	if !cfg.MTLS.Enabled || !cfg.MTLS.ClientAuth || cfg.MTLS.CAFile == "" {
		t.Errorf("unexpected mtls section: %+v", cfg.MTLS)
	}
	if cfg.SPDK.Timeout != 30 || cfg.SPDK.MaxReconnects != 5 {
		t.Errorf("unexpected spdk section: %+v", cfg.SPDK)
	}
	if cfg.Discovery.Enabled || cfg.Discovery.Port != 9009 {
		t.Errorf("unexpected discovery section: %+v", cfg.Discovery)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, "[gateway]\nbogus = 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() with an unknown key should fail")
	}
}

func TestLoadRejectsMalformedLine(t *testing.T) {
	path := writeConfig(t, "[gateway]\nname\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() with a key lacking '=' should fail")
	}
}

func TestValidateRequiresMTLSFilesWhenEnabled(t *testing.T) {
	path := writeConfig(t, "[gateway]\nname = gw1\n[mtls]\nenabled = true\n")
	_, err := Load(path)
	if !gwerr.Is(err, gwerr.InvalidArgument) {
		t.Fatalf("Load() error = %v, want InvalidArgument", err)
	}
}

func TestValidateRequiresCAFileWhenClientAuthEnabled(t *testing.T) {
	path := writeConfig(t, `
[gateway]
name = gw1
[mtls]
enabled = true
cert_file = /tmp/c.crt
key_file = /tmp/c.key
client_auth = true
`)
	_, err := Load(path)
	if !gwerr.Is(err, gwerr.InvalidArgument) {
		t.Fatalf("Load() error = %v, want InvalidArgument", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	if err == nil {
		t.Fatal("Load() of a missing file should fail")
	}
}
