// Package maintainer implements the publishing side of the network:
// authorizing maintainer keys under the trust anchor and registering
// signed packages in the list a daemon serves.
package maintainer

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"pkgman/pkg/content"
	"pkgman/pkg/integrity"
	"pkgman/pkg/state"
	"pkgman/pkg/trust"
	"pkgman/pkg/types"
	"pkgman/pkg/version"
)

var (
	// ErrNewerExists rejects publishing a version older than the served one.
	ErrNewerExists = errors.New("newer version already published")
	// ErrAlreadyExists rejects republishing the served version.
	ErrAlreadyExists = errors.New("version already published")
)

// AuthorizeMaintainer signs publicKey with the anchor's private key and
// records the entry in the served keyring file at keyringPath, replacing
// any entry for the same key.
func AuthorizeMaintainer(rootKey ed25519.PrivateKey, anchor trust.Anchor, keyringPath, name, email, publicKey string) (types.KeyringEntry, error) {
	entry, err := anchor.Authorize(rootKey, name, email, publicKey)
	if err != nil {
		return types.KeyringEntry{}, err
	}

	keyring, err := state.LoadKeyring(keyringPath, anchor)
	if errors.Is(err, state.ErrNotFound) {
		keyring, err = trust.NewKeyring(anchor, nil), nil
	}
	if err != nil {
		return types.KeyringEntry{}, err
	}
	keyring.Upsert(entry)
	if err := state.SaveKeyring(keyringPath, keyring); err != nil {
		return types.KeyringEntry{}, err
	}
	return entry, nil
}

// Publisher stores package content and registers signed records in a
// served package list.
type Publisher struct {
	store       content.Store
	packageList string
	logger      *zap.Logger
}

// NewPublisher creates a publisher writing records to packageList.
func NewPublisher(store content.Store, packageList string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{store: store, packageList: packageList, logger: logger}
}

// Publish signs the file at path as name at ver and serves it. A served
// record for name is replaced only by a newer version.
func (p *Publisher) Publish(ctx context.Context, key ed25519.PrivateKey, name, ver, path string) (types.PackageRecord, error) {
	if !types.ValidPackageName(name) {
		return types.PackageRecord{}, fmt.Errorf("invalid package name %q", name)
	}
	if ver == "" {
		return types.PackageRecord{}, fmt.Errorf("%s: version is required", name)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return types.PackageRecord{}, fmt.Errorf("failed to read package: %w", err)
	}

	table, err := state.LoadPackagesOrEmpty(p.packageList)
	if err != nil {
		return types.PackageRecord{}, err
	}
	if existing, ok := table.Get(name); ok {
		switch version.Compare(existing.Version, ver) {
		case version.Newer:
			return types.PackageRecord{}, fmt.Errorf("%s %s: %w (%s)", name, ver, ErrNewerExists, existing.Version)
		case version.Equal:
			return types.PackageRecord{}, fmt.Errorf("%s %s: %w", name, ver, ErrAlreadyExists)
		}
	}

	checksum := integrity.Checksum(data)
	id, err := p.store.Put(ctx, data)
	if err != nil {
		return types.PackageRecord{}, fmt.Errorf("failed to store %s: %w", name, err)
	}

	rec := types.PackageRecord{
		Name:      name,
		Version:   ver,
		ContentID: id,
		Checksum:  checksum,
		Signature: integrity.Sign(key, checksum),
	}
	table.Upsert(rec)
	if err := state.SavePackages(p.packageList, table); err != nil {
		return types.PackageRecord{}, err
	}

	p.logger.Info("Published package",
		zap.String("package", name),
		zap.String("version", ver),
		zap.String("content_id", string(id)),
		zap.Int("bytes", len(data)))
	return rec, nil
}
