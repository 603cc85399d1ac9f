// Package mtls loads the gateway's and CLI's TLS material from the
// pre-provisioned file paths named by the [mtls] configuration section.
// Certificate issuance is out of scope (deployments provision certificates
// externally); this package only loads, pools, and reports on what it is
// given, adapted from the teacher's pkg/security/certs.go Load* helpers.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

// certRotationWarning mirrors the teacher's 30-day rotation threshold,
// repurposed here as a logged warning rather than an automatic rotation
// trigger, since certificate issuance is not this gateway's concern.
const certRotationWarning = 30 * 24 * time.Hour

// ServerConfig names the gateway's own certificate and the CA pool used to
// verify client certificates presented to its gRPC listener.
type ServerConfig struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	ClientAuth bool
}

// ClientConfig names the CLI's (or a peer gateway's) certificate and the CA
// pool used to verify the server it connects to.
type ClientConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("mtls: read ca file %s: %w", caFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("mtls: no certificates found in %s", caFile)
	}
	return pool, nil
}

// ServerTLSConfig builds the *tls.Config for the gRPC listener (§6 [mtls]
// section). When ClientAuth is set it requires and verifies client
// certificates against CAFile, matching the subsystem's host-ACL model at
// the transport layer as well as the application layer.
func ServerTLSConfig(cfg ServerConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("mtls: load server certificate: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.ClientAuth {
		pool, err := loadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}

// ClientTLSConfig builds the *tls.Config used by cmd/nvmeof-cli and by
// gateway-to-gateway calls, if any are ever added.
func ClientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("mtls: load client certificate: %w", err)
	}

	pool, err := loadCAPool(cfg.CAFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ExpiresWithin reports whether cert's leaf expires before d from now, for
// callers that want to log a rotation warning at startup.
func ExpiresWithin(cert tls.Certificate, d time.Duration) bool {
	leaf := cert.Leaf
	if leaf == nil {
		if len(cert.Certificate) == 0 {
			return false
		}
		parsed, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return false
		}
		leaf = parsed
	}
	return time.Until(leaf.NotAfter) < d
}
