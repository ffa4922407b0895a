package smtp

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// loadTLSConfig builds the client TLS settings for cfg. CAFile adds a
// private CA bundle to the system roots. CertFile and KeyFile present a
// client certificate to relays that require one.
func loadTLSConfig(cfg Config) (*tls.Config, error) {
	tc := &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA file %s", cfg.CAFile)
		}
		tc.RootCAs = pool
	}

	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		// Validate that files exist before attempting to load
		if _, err := os.Stat(cfg.CertFile); err != nil {
			return nil, fmt.Errorf("certificate file not found: %w", err)
		}
		if _, err := os.Stat(cfg.KeyFile); err != nil {
			return nil, fmt.Errorf("key file not found: %w", err)
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	case cfg.CertFile != "" || cfg.KeyFile != "":
		return nil, errors.New("client certificate needs both a cert file and a key file")
	}

	return tc, nil
}
