package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// TLSFiles points at PEM files for talking to systems over (m)TLS.
type TLSFiles struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// Enabled reports whether any TLS material was configured.
func (f TLSFiles) Enabled() bool {
	return f.CACert != "" || f.ClientCert != "" || f.ClientKey != ""
}

// Load builds a client TLS configuration. A client certificate is presented
// only when both cert and key are set.
func (f TLSFiles) Load() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if f.CACert != "" {
		pem, err := os.ReadFile(f.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate %s", f.CACert)
		}
		cfg.RootCAs = pool
	}

	if f.ClientCert != "" || f.ClientKey != "" {
		if f.ClientCert == "" || f.ClientKey == "" {
			return nil, fmt.Errorf("client cert and key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(f.ClientCert, f.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
		log.Info().Str("cert", f.ClientCert).Msg("mTLS client certificate loaded")
	}

	return cfg, nil
}
