package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/every/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(config.TLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetupWithoutCertificate(t *testing.T) {
	_, err := Setup(config.TLSConfig{Enabled: true})
	assert.ErrorIs(t, err, ErrNoCertificate)
}

func TestSetupAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	c, err := Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.3"})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MinVersion)

	for _, name := range []string{crtName, keyName, caCrtName} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	info, err := os.Stat(filepath.Join(dir, keyName))
	require.NoError(t, err)
	assert.Zero(t, info.Mode().Perm()&0o077, "key file too permissive")

	cert, err := c.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.NoError(t, leaf.VerifyHostname("localhost"))
	assert.NoError(t, leaf.VerifyHostname("127.0.0.1"))
}

func TestSetupKeepsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	crt, key := filepath.Join(dir, crtName), filepath.Join(dir, keyName)
	require.NoError(t, GenerateSelfSigned(CertConfig{CommonName: "first", NotAfter: time.Now().Add(time.Hour), CertPath: crt, KeyPath: key}))
	before, err := os.ReadFile(crt)
	require.NoError(t, err)

	_, err = Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, err := os.ReadFile(crt)
	require.NoError(t, err)
	assert.Equal(t, before, after, "existing certificate was overwritten")
}

func TestSetupExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	crt, key := filepath.Join(dir, "server.pem"), filepath.Join(dir, "server-key.pem")
	require.NoError(t, GenerateSelfSigned(CertConfig{CommonName: "svc", DNSNames: []string{"svc"}, NotAfter: time.Now().Add(time.Hour), CertPath: crt, KeyPath: key}))

	c, err := Setup(config.TLSConfig{Enabled: true, CertFile: crt, KeyFile: key})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)
	_, err = c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)

	require.NoError(t, os.Remove(key))
	_, err = c.GetCertificate(&tls.ClientHelloInfo{})
	assert.Error(t, err, "certificate should be reloaded per handshake")
}

func TestParseVersion(t *testing.T) {
	cases := []struct {
		in   string
		want uint16
		ok   bool
	}{
		{"", tls.VersionTLS12, true},
		{"1.2", tls.VersionTLS12, true},
		{"TLS1.3", tls.VersionTLS13, true},
		{"tls1.3", tls.VersionTLS13, true},
		{"1.1", 0, false},
	}
	for _, c := range cases {
		got, err := parseVersion(c.in)
		if c.ok {
			require.NoError(t, err, c.in)
		} else {
			require.Error(t, err, c.in)
		}
		assert.Equal(t, c.want, got, c.in)
	}
}
