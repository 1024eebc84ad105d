package agent

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// MTLSConfig holds mutual TLS configuration
type MTLSConfig struct {
	ServerCert   string
	ServerKey    string
	ClientCACert string
	RequireAuth  bool
}

// Enabled reports whether a server certificate is configured.
func (c MTLSConfig) Enabled() bool { return c.ServerCert != "" && c.ServerKey != "" }

// LoadMTLSConfig loads mTLS configuration from environment variables
func LoadMTLSConfig() MTLSConfig {
	return MTLSConfig{
		ServerCert:   os.Getenv("SWITCHYARD_AGENT_TLS_CERT"),
		ServerKey:    os.Getenv("SWITCHYARD_AGENT_TLS_KEY"),
		ClientCACert: os.Getenv("SWITCHYARD_AGENT_CLIENT_CA"),
		RequireAuth:  os.Getenv("SWITCHYARD_AGENT_REQUIRE_MTLS") == "true",
	}
}

// ConfigureTLS builds the server TLS config. Client certificates are
// verified against ClientCACert when RequireAuth is set.
func ConfigureTLS(config MTLSConfig) (*tls.Config, error) {
	if !config.Enabled() {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}

	cert, err := tls.LoadX509KeyPair(config.ServerCert, config.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if config.RequireAuth {
		if config.ClientCACert == "" {
			return nil, fmt.Errorf("client CA required for mTLS")
		}
		caCert, err := os.ReadFile(config.ClientCACert)
		if err != nil {
			return nil, fmt.Errorf("read client CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parse client CA certificate")
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert

		log.Info().Str("ca_cert", config.ClientCACert).Msg("mTLS client authentication enabled")
	}
	return tlsConfig, nil
}

// MTLSMiddleware rejects requests without a client certificate when
// requireAuth is set and tags the request with the client subject.
func MTLSMiddleware(requireAuth bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				if requireAuth {
					writeError(w, http.StatusUnauthorized, "client certificate required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			clientCert := r.TLS.PeerCertificates[0]
			r.Header.Set("X-Client-Subject", clientCert.Subject.String())
			r.Header.Set("X-Client-Serial", clientCert.SerialNumber.String())
			log.Debug().
				Str("subject", clientCert.Subject.String()).
				Str("serial", clientCert.SerialNumber.String()).
				Msg("mTLS client authenticated")

			next.ServeHTTP(w, r)
		})
	}
}

// ListenAndServeTLS serves over TLS, with client verification when configured.
func (s *Server) ListenAndServeTLS(addr string, config MTLSConfig) error {
	tlsConfig, err := ConfigureTLS(config)
	if err != nil {
		return err
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           MTLSMiddleware(config.RequireAuth)(s.Handler()),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Bool("mtls_required", config.RequireAuth).
		Msg("Starting agent with TLS/mTLS")

	return s.srv.ListenAndServeTLS("", "")
}
