package maintainer

import (
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"pkgman/pkg/content"
	"pkgman/pkg/integrity"
	"pkgman/pkg/state"
	"pkgman/pkg/trust"
	"pkgman/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestGenerateAndLoadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "maintainer.pem")

	pub, err := GenerateKey(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	priv, err := LoadKey(path)
	require.NoError(t, err)
	assert.True(t, pub.Equal(priv.Public()))

	_, err = GenerateKey(path)
	assert.Error(t, err, "existing key must not be overwritten")
	again, err := LoadKey(path)
	require.NoError(t, err)
	assert.True(t, priv.Equal(again))
}

func TestLoadKeyRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0600))
	_, err := LoadKey(path)
	assert.Error(t, err)

	_, err = LoadKey(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}

func newAnchor(t *testing.T) (trust.Anchor, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return trust.Anchor{Name: "root", Email: "root@test", PublicKey: pub}, priv
}

func TestAuthorizeMaintainer(t *testing.T) {
	anchor, root := newAnchor(t)
	path := filepath.Join(t.TempDir(), "SERVED_KEYRING.toml")

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key := trust.EncodePublicKey(pub)

	_, err = AuthorizeMaintainer(root, anchor, path, "alice", "alice@old.example.org", key)
	require.NoError(t, err)
	entry, err := AuthorizeMaintainer(root, anchor, path, "alice", "alice@example.org", key)
	require.NoError(t, err)

	kr, err := state.LoadKeyring(path, anchor)
	require.NoError(t, err)
	assert.Equal(t, []types.KeyringEntry{entry}, kr.Entries())

	accepted, rejected := trust.FilterAuthorized(anchor, kr.Entries())
	assert.Empty(t, rejected)
	assert.Len(t, accepted, 1)

	_, other, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, err = AuthorizeMaintainer(other, anchor, path, "bob", "bob@example.org", key)
	assert.Error(t, err)
}

func writePackage(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pkg.tar")
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	return path
}

func TestPublish(t *testing.T) {
	store := content.NewMemoryStore()
	list := filepath.Join(t.TempDir(), "SERVED_PKGLIST.toml")
	p := NewPublisher(store, list, zaptest.NewLogger(t))
	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ctx := context.Background()

	rec, err := p.Publish(ctx, key, "clang", "11.0.0", writePackage(t, "clang 11.0.0"))
	require.NoError(t, err)

	data, err := store.Get(ctx, rec.ContentID)
	require.NoError(t, err)
	signer, err := integrity.Verify(data, rec.Checksum, rec.Signature,
		[]trust.Key{{Name: "k", PublicKey: key.Public().(ed25519.PublicKey)}})
	require.NoError(t, err)
	assert.Equal(t, "k", signer.Name)

	_, err = p.Publish(ctx, key, "clang", "11.0.0", writePackage(t, "rebuilt"))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = p.Publish(ctx, key, "clang", "10.0.0", writePackage(t, "clang 10"))
	assert.ErrorIs(t, err, ErrNewerExists)

	newer, err := p.Publish(ctx, key, "clang", "11.1.0", writePackage(t, "clang 11.1.0"))
	require.NoError(t, err)

	table, err := state.LoadPackages(list)
	require.NoError(t, err)
	assert.Equal(t, []types.PackageRecord{newer}, table.Records())
}

func TestPublishValidation(t *testing.T) {
	p := NewPublisher(content.NewMemoryStore(), filepath.Join(t.TempDir(), "list.toml"), nil)
	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.Publish(ctx, key, "../clang", "1.0", writePackage(t, "x"))
	assert.Error(t, err)
	_, err = p.Publish(ctx, key, "clang", "", writePackage(t, "x"))
	assert.Error(t, err)
	_, err = p.Publish(ctx, key, "clang", "1.0", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
