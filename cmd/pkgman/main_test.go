package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkgman/pkg/broker"
	"pkgman/pkg/config"
	"pkgman/pkg/daemon"
	"pkgman/pkg/protocol"
	"pkgman/pkg/state"
	"pkgman/pkg/status"
	"pkgman/pkg/trust"
	"pkgman/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// run executes the CLI with args and returns its output.
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

func TestRootCommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd().Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"query", "download", "update", "update-keyring", "daemon", "broker", "init"} {
		assert.Contains(t, names, want)
	}
}

func TestInitCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pkgman")
	path := filepath.Join(dir, config.ConfigFileName)

	out, err := run(t, "--config", path, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "created")
	assert.FileExists(t, path)
	assert.FileExists(t, filepath.Join(dir, config.KeyringFileName))
	assert.FileExists(t, filepath.Join(dir, config.PackageListFileName))

	kr, err := state.LoadKeyring(filepath.Join(dir, config.KeyringFileName), trust.Root)
	require.NoError(t, err)
	assert.Equal(t, []types.KeyringEntry{trust.Root.Entry()}, kr.Entries())

	out, err = run(t, "--config", path, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "everything already in place")
}

func TestOutcomeLine(t *testing.T) {
	assert.Contains(t, outcomeLine(status.NotFound, "clang"), "clang: package not found on the network")
	assert.Contains(t, outcomeLine(status.OK, "clang"), "✓")
	assert.Contains(t, outcomeLine(status.OK, "clang"), "clang: done")
	assert.Contains(t, outcomeLine(status.NewerExists, "clang"), "•")
	assert.Contains(t, outcomeLine(status.AlreadyExists, "clang"), "•")
	assert.Contains(t, outcomeLine(status.SignatureMismatch, "clang"), "✗")

	var buf bytes.Buffer
	kind := report(&buf, "clang", protocol.ErrNotFound)
	assert.Equal(t, status.NotFound, kind)
	assert.Contains(t, buf.String(), "not found")

	kind = report(&buf, "clang", errors.New("disk on fire"))
	assert.Equal(t, status.Unknown, kind)
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "abc", shorten("abc", 5))
	assert.Equal(t, "ab…", shorten("abcdef", 2))
}

// network starts a broker with a responder serving records and returns a
// config file pointing at it.
func network(t *testing.T, records ...types.PackageRecord) string {
	t.Helper()
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	b, err := broker.New(broker.Config{DataDir: filepath.Join(dir, "data")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := config.Default(filepath.Join(dir, "client"))
	cfg.BrokerAddress = l.Addr().String()
	cfg.QueryTimeout = "300ms"
	require.NoError(t, state.SavePackages(cfg.ServedPackages, state.NewPackageTable(records)))
	path := filepath.Join(cfg.ConfigDir, config.ConfigFileName)
	require.NoError(t, cfg.Save(path))

	r := daemon.NewResponder(b.Hub(), trust.Root, daemon.Config{
		PackageList: cfg.ServedPackages,
		Keyring:     cfg.ServedKeyring,
	}, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() { b.Serve(ctx, l); done <- struct{}{} }()
	go func() { r.Run(ctx); done <- struct{}{} }()
	t.Cleanup(func() {
		cancel()
		<-done
		<-done
	})

	select {
	case <-r.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("responder did not become ready")
	}
	return path
}

func TestQueryCommand(t *testing.T) {
	path := network(t, types.PackageRecord{
		Name:      "clang",
		Version:   "17.0.1",
		ContentID: "blake3-00",
		Checksum:  "ab",
		Signature: "sig",
	})

	out, err := run(t, "--config", path, "query", "clang")
	require.NoError(t, err)
	assert.Contains(t, out, "clang")
	assert.Contains(t, out, "17.0.1")

	// A miss is reported, not returned as an error.
	out, err = run(t, "--config", path, "query", "gcc")
	require.NoError(t, err)
	assert.Contains(t, out, "gcc: package not found on the network")
}

func TestDownloadRejectsUnsignedPackage(t *testing.T) {
	path := network(t, types.PackageRecord{
		Name:      "clang",
		Version:   "17.0.1",
		ContentID: "blake3-00",
		Checksum:  "ab",
		Signature: "sig",
	})

	out, err := run(t, "--config", path, "download", "clang")
	require.NoError(t, err)
	assert.Contains(t, out, "clang:")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(path), "packages", "clang"))
}

func TestUpdateWithNothingInstalled(t *testing.T) {
	path := network(t)
	out, err := run(t, "--config", path, "update", "--no-progress")
	require.NoError(t, err)
	assert.Contains(t, out, "No packages installed")
}

func TestConfigErrorsFail(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("{"), 0600))

	_, err := run(t, "--config", path, "query", "clang")
	assert.Error(t, err)
}
