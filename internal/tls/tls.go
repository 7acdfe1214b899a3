// Package tls builds the server side TLS configuration for the status
// endpoint, optionally generating a self-signed pair on first use.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/every/internal/config"
)

const (
	caCrtName = "tls_ca.crt"
	crtName   = "tls.crt"
	keyName   = "tls.key"
)

var ErrNoCertificate = errors.New("tls: enabled but no certificate configured")

// Setup returns nil, nil when TLS is disabled. Certificates are re-read on
// every handshake so rotated files are picked up without a restart.
func Setup(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}

	certPath, keyPath := cfg.CertFile, cfg.KeyFile
	switch {
	case certPath != "" && keyPath != "":
	case cfg.Dir != "":
		certPath = filepath.Join(cfg.Dir, crtName)
		keyPath = filepath.Join(cfg.Dir, keyName)
		if cfg.AutoGenerate && !exists(certPath, keyPath) {
			if err := GenerateSelfSigned(CertConfig{
				CommonName: "localhost",
				DNSNames:   []string{"localhost"},
				IPs:        []string{"127.0.0.1", "::1"},
				NotAfter:   time.Now().AddDate(1, 0, 0),
				CertPath:   certPath,
				KeyPath:    keyPath,
				CACertPath: filepath.Join(cfg.Dir, caCrtName),
			}); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	default:
		return nil, ErrNoCertificate
	}

	// #nosec G402 min version is 1.2 at the lowest
	return &tls.Config{
		GetCertificate: loader(certPath, keyPath),
		MinVersion:     minVer,
	}, nil
}

func parseVersion(v string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(v), "tls") {
	case "", "default", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("tls: unsupported min_version %q", v)
	}
}

func loader(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	certFile, keyFile = filepath.Clean(certFile), filepath.Clean(keyFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certPEM, err := os.ReadFile(certFile)
		if err != nil {
			return nil, err
		}
		keyPEM, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, err
		}
		pair, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, err
		}
		return &pair, nil
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
