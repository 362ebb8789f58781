package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"net"
	"os"
	"path/filepath"
	"testing"

	"pkgman/pkg/broker"
	"pkgman/pkg/config"
	"pkgman/pkg/integrity"
	"pkgman/pkg/maintainer"
	"pkgman/pkg/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configFile, verbose, brokerAddress = "", false, ""
	t.Cleanup(func() { configFile, verbose, brokerAddress = "", false, "" })

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// startBroker serves a broker on loopback and writes a config file
// pointing at it.
func startBroker(t *testing.T) (*broker.Broker, *config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := broker.New(broker.Config{DataDir: filepath.Join(dir, "data")}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	cfg := config.Default(filepath.Join(dir, "maint"))
	cfg.BrokerAddress = l.Addr().String()
	path := filepath.Join(cfg.ConfigDir, config.ConfigFileName)
	require.NoError(t, cfg.Save(path))
	return b, cfg, path
}

func TestKeygen(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "maint.key")

	out, err := run(t, "keygen", "--out", keyPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Public key:")

	key, err := maintainer.LoadKey(keyPath)
	require.NoError(t, err)
	assert.Len(t, key, ed25519.PrivateKeySize)

	// An existing key is never overwritten.
	_, err = run(t, "keygen", "--out", keyPath)
	assert.Error(t, err)

	_, err = run(t, "keygen")
	assert.Error(t, err)
}

func TestPublish(t *testing.T) {
	b, cfg, path := startBroker(t)

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "maint.key")
	_, err := run(t, "keygen", "--out", keyPath)
	require.NoError(t, err)

	pkg := filepath.Join(dir, "clang")
	payload := []byte("#!/bin/sh\necho clang\n")
	require.NoError(t, os.WriteFile(pkg, payload, 0644))

	out, err := run(t, "--config", path, "package", "publish",
		"--key", keyPath, "--name", "clang", "--version", "17.0.1", "--path", pkg)
	require.NoError(t, err)
	assert.Contains(t, out, "published clang 17.0.1")

	table, err := state.LoadPackages(cfg.ServedPackages)
	require.NoError(t, err)
	rec, ok := table.Get("clang")
	require.True(t, ok)
	assert.Equal(t, integrity.Checksum(payload), rec.Checksum)

	stored, err := b.Store().Get(context.Background(), rec.ContentID)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)

	// Republishing the same version is reported, not an error.
	out, err = run(t, "--config", path, "package", "publish",
		"--key", keyPath, "--name", "clang", "--version", "17.0.1", "--path", pkg)
	require.NoError(t, err)
	assert.Contains(t, out, "clang:")
	assert.Contains(t, out, "already published")

	out, err = run(t, "--config", path, "package", "publish",
		"--key", keyPath, "--name", "clang", "--version", "16.0.0", "--path", pkg)
	require.NoError(t, err)
	assert.Contains(t, out, "a newer version already exists")
}

func TestKeyringAddRejectsForeignRootKey(t *testing.T) {
	dir := t.TempDir()
	rootPath := filepath.Join(dir, "root.key")
	_, err := run(t, "keygen", "--out", rootPath)
	require.NoError(t, err)

	keyring := filepath.Join(dir, "KEYRING.toml")
	_, err = run(t, "keyring", "add",
		"--root-key", rootPath,
		"--name", "alice",
		"--email", "alice@example.org",
		"--public-key", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=",
		"--keyring", keyring)
	assert.Error(t, err)
	assert.NoFileExists(t, keyring)
}
