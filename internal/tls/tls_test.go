package tls

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfigDisabled(t *testing.T) {
	c, err := ServerConfig(Config{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestServerConfigMissingSource(t *testing.T) {
	_, err := ServerConfig(Config{Enabled: true})
	require.Error(t, err)
}

func TestServerConfigBadVersion(t *testing.T) {
	_, err := ServerConfig(Config{Enabled: true, Dir: t.TempDir(), AutoGenerate: true, MinVersion: "1.0"})
	require.Error(t, err)
}

func TestServerConfigDirWithoutCerts(t *testing.T) {
	_, err := ServerConfig(Config{Enabled: true, Dir: t.TempDir()})
	require.Error(t, err)
}

func TestParseVersion(t *testing.T) {
	cases := map[string]uint16{"": tls.VersionTLS13, "1.2": tls.VersionTLS12, "TLS1.3": tls.VersionTLS13}
	for in, want := range cases {
		got, err := parseVersion(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestAutoGenerateAndServe(t *testing.T) {
	dir := t.TempDir()
	cfg, err := ServerConfig(Config{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2"})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	for _, f := range []string{CertFile, KeyFile, CACertFile} {
		_, err := os.Stat(filepath.Join(dir, f))
		require.NoError(t, err, f)
	}

	// regenerating must not overwrite an existing pair
	before, err := os.ReadFile(filepath.Join(dir, CertFile))
	require.NoError(t, err)
	_, err = ServerConfig(Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, CertFile))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	srv.TLS = cfg
	srv.StartTLS()
	defer srv.Close()

	caPEM, err := os.ReadFile(filepath.Join(dir, CACertFile))
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(caPEM))
	hc := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}}}

	resp, err := hc.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
}

func TestExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	cert, key := filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key")
	require.NoError(t, GenerateSelfSignedCert(CertConfig{
		CommonName: "localhost", Hosts: []string{"localhost"}, NotAfter: time.Now().Add(24 * time.Hour),
		CertPath: cert, KeyPath: key,
	}))
	cfg, err := ServerConfig(Config{Enabled: true, CertFile: cert, KeyFile: key})
	require.NoError(t, err)
	c, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.NotEmpty(t, c.Certificate)

	info, err := os.Stat(key)
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}
