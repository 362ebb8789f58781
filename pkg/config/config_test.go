package config

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkgman/pkg/state"
	"pkgman/pkg/trust"
	"pkgman/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, ConfigFileName))
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.ConfigDir)
	assert.Equal(t, filepath.Join(dir, "PKGLIST.toml"), cfg.PackageListPath())
	assert.Equal(t, filepath.Join(dir, "KEYRING.toml"), cfg.KeyringPath())
	assert.Equal(t, DefaultBrokerAddress, cfg.BrokerAddress)

	timeout, err := cfg.Timeout()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, timeout)

	limit, err := cfg.BlobLimit()
	require.NoError(t, err)
	assert.Equal(t, int64(64<<20), limit)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{
		"broker_address": "broker.example.org:7400",
		"query_timeout": "5s",
		"max_blob_size": "1GiB",
		"packages_dir": "$PKGMAN_TEST_ROOT/pkgs"
	}`), 0600))

	t.Setenv("PKGMAN_TEST_ROOT", "/srv")
	t.Setenv("PKGMAN_QUERY_TIMEOUT", "750ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "broker.example.org:7400", cfg.BrokerAddress)
	assert.Equal(t, "/srv/pkgs", cfg.PackagesDir)

	timeout, err := cfg.Timeout()
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, timeout)

	limit, err := cfg.BlobLimit()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), limit)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"syntax":   `{`,
		"timeout":  `{"query_timeout": "soon"}`,
		"negative": `{"query_timeout": "-1s"}`,
		"size":     `{"max_blob_size": "lots"}`,
		"tls":      `{"tls": {"enabled": true, "cert": "/c.pem"}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), ConfigFileName)
			require.NoError(t, os.WriteFile(path, []byte(body), 0600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	cfg := Default(dir)
	cfg.MetricsAddress = ":9400"
	cfg.TLS = TLSConfig{Enabled: true, CA: "/ca.pem"}
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestGetConfigDir(t *testing.T) {
	t.Setenv("PKGMAN_CONFIG_DIR", "/etc/pkgman")
	assert.Equal(t, "/etc/pkgman", GetConfigDir())

	t.Setenv("PKGMAN_CONFIG_DIR", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, "/xdg/pkgman", GetConfigDir())
	assert.Equal(t, "/xdg/pkgman/config.json", GetConfigPath())

	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "/home/alice")
	assert.Equal(t, "/home/alice/.config/pkgman", GetConfigDir())
}

func TestInit(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	anchor := trust.Anchor{Name: "root", Email: "root@test", PublicKey: pub}

	dir := filepath.Join(t.TempDir(), "pkgman")
	cfg := Default(dir)
	path := filepath.Join(dir, ConfigFileName)

	res, err := Init(cfg, path, anchor)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{path, cfg.KeyringPath(), cfg.PackageListPath()}, res.Created)
	assert.DirExists(t, cfg.PackagesDir)
	assert.DirExists(t, cfg.DataDir)

	kr, err := state.LoadKeyring(cfg.KeyringPath(), anchor)
	require.NoError(t, err)
	assert.Equal(t, []types.KeyringEntry{anchor.Entry()}, kr.Entries())

	table, err := state.LoadPackages(cfg.PackageListPath())
	require.NoError(t, err)
	assert.Zero(t, table.Len())

	// A second run keeps what exists.
	require.NoError(t, state.SaveKeyring(cfg.KeyringPath(), trust.NewKeyring(anchor, nil)))
	res, err = Init(cfg, path, anchor)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	kr, err = state.LoadKeyring(cfg.KeyringPath(), anchor)
	require.NoError(t, err)
	assert.Zero(t, kr.Len())
}
