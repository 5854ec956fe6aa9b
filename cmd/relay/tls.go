package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/matst80/proxyagent/internal/obs"
)

// listenAgents opens the websocket listener, wrapped in TLS when enabled.
// A CA file turns on client certificate verification.
func listenAgents(cfg Config) (net.Listener, bool, error) {
	if !cfg.EnableTLS {
		ln, err := net.Listen("tcp", cfg.AgentAddr)
		return ln, false, err
	}
	tc, err := agentTLSConfig(cfg)
	if err != nil {
		return nil, false, fmt.Errorf("tls: %w", err)
	}
	ln, err := tls.Listen("tcp", cfg.AgentAddr, tc)
	return ln, true, err
}

func agentTLSConfig(cfg Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, err
	}
	tc := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if cfg.TLSCAFile == "" {
		return tc, nil
	}
	pem, err := os.ReadFile(cfg.TLSCAFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("no certificates in CA file")
	}
	tc.ClientCAs = pool
	tc.ClientAuth = tls.RequireAndVerifyClientCert
	obs.Info("agents.mtls", obs.Fields{"ca_file": cfg.TLSCAFile})
	return tc, nil
}
