package types

import "strings"

// ContentID is an opaque reference into the content store.
type ContentID string

// PackageRecord describes one distributable package version and where to
// fetch its bytes. Signature is a base64 ed25519 signature over the hex
// checksum string.
type PackageRecord struct {
	Name      string    `toml:"name"`
	Version   string    `toml:"version"`
	ContentID ContentID `toml:"content_id"`
	Checksum  string    `toml:"sha256"`
	Signature string    `toml:"signature"`
}

// ValidPackageName reports whether name can be used as an installed
// package's file name.
func ValidPackageName(name string) bool {
	return name != "" && !strings.HasPrefix(name, ".") && !strings.ContainsAny(name, "/\\\x00")
}

// KeyringEntry is a maintainer key authorized by the trust anchor.
// Signature is the anchor's base64 ed25519 signature over the raw
// public key bytes; it is empty for the anchor's own default entry.
type KeyringEntry struct {
	Name      string `toml:"name"`
	Email     string `toml:"email"`
	PublicKey string `toml:"public_key"`
	Signature string `toml:"signature"`
}

// PackageList is the on-disk and on-wire shape of a set of records.
type PackageList struct {
	Packages []PackageRecord `toml:"package"`
}

// KeyringList is the on-disk and on-wire shape of a keyring.
type KeyringList struct {
	Maintainers []KeyringEntry `toml:"maintainer"`
}
