// Package tls resolves the widget host's serving certificate: ACME when
// enabled, then a configured key pair, then a self-signed development cert.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"pairing-widget/internal/config"
	"pairing-widget/internal/util"
)

type TLSManager struct {
	server      config.ServerConfig
	production  bool
	autoCert    *autocert.Manager
	logger      *zap.Logger
	devCertOnce sync.Once
	devCert     *tls.Certificate
	devCertErr  error
}

func NewTLSManager(cfg *config.Config, logger *zap.Logger) *TLSManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &TLSManager{
		server:     cfg.Server,
		production: cfg.IsProduction(),
		logger:     logger,
	}
	if cfg.Server.AutoCert && cfg.Server.EnableTLS {
		m.setupAutoCert()
	}
	return m
}

func (m *TLSManager) setupAutoCert() {
	if err := os.MkdirAll(m.server.AutoCertDir, 0o700); err != nil {
		m.logger.Warn("Could not create autocert directory", util.ErrorField(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.server.Domain),
		Cache:      autocert.DirCache(m.server.AutoCertDir),
		Email:      m.server.Email,
	}

	m.logger.Info("AutoCert configured",
		util.String("domain", m.server.Domain),
		util.String("cache_dir", m.server.AutoCertDir))
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		m.logger.Debug("AutoCert lookup failed", util.ErrorField(err))
	}

	if m.server.CertFile != "" && m.server.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.server.CertFile, m.server.KeyFile)
		if err == nil {
			return &cert, nil
		}
		m.logger.Warn("Failed to load TLS key pair", util.ErrorField(err))
	}

	if m.production {
		return nil, errors.New("no usable TLS certificate in production")
	}
	return m.selfSigned()
}

// selfSigned generates the development certificate once per process.
func (m *TLSManager) selfSigned() (*tls.Certificate, error) {
	m.devCertOnce.Do(func() {
		hosts := []string{m.server.Domain, "localhost", "127.0.0.1", "::1"}
		cert, err := NewDevCertGenerator(m.server.AutoCertDir, m.logger).GenerateCert(hosts)
		if err != nil {
			m.devCertErr = fmt.Errorf("failed to generate self-signed certificate: %w", err)
			return
		}
		m.devCert = &cert
	})
	return m.devCert, m.devCertErr
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
	}
}

func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}
