// Package tlsutil builds the tls.Config used by the ingress listener's
// STARTTLS/implicit-TLS support, either from a static certificate pair or
// from Let's Encrypt via autocert.
package tlsutil

import (
	"crypto/tls"
	"fmt"

	"golang.org/x/crypto/acme/autocert"
)

// Config describes how to obtain server TLS material.
type Config struct {
	// CertFile/KeyFile load a static certificate pair. Takes precedence
	// over AutoTLS when both are set.
	CertFile string
	KeyFile  string

	// AutoTLS requests a Let's Encrypt certificate for Hostname.
	AutoTLS  bool
	Hostname string
	CacheDir string
	Email    string
}

// Manager owns the resolved tls.Config and, in AutoTLS mode, the autocert
// manager needed to serve its HTTP-01 challenge.
type Manager struct {
	tlsConfig   *tls.Config
	certManager *autocert.Manager
}

// New builds a Manager from cfg. A zero Config is valid and yields a
// Manager with no TLS material (HasTLS reports false).
func New(cfg Config) (*Manager, error) {
	m := &Manager{}

	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tlsutil: load certificate: %w", err)
		}
		m.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}

	case cfg.AutoTLS:
		m.certManager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Hostname),
			Cache:      autocert.DirCache(cfg.CacheDir),
			Email:      cfg.Email,
		}
		m.tlsConfig = m.certManager.TLSConfig()
	}

	if m.tlsConfig != nil {
		m.tlsConfig.MinVersion = tls.VersionTLS12
		m.tlsConfig.CipherSuites = []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		}
	}

	return m, nil
}

// TLSConfig returns the resolved TLS configuration, or nil if none was set up.
func (m *Manager) TLSConfig() *tls.Config {
	return m.tlsConfig
}

// HasTLS reports whether TLS material is available.
func (m *Manager) HasTLS() bool {
	return m.tlsConfig != nil
}

// CertManager returns the autocert manager, or nil outside AutoTLS mode.
func (m *Manager) CertManager() *autocert.Manager {
	return m.certManager
}
