package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"pkgman/pkg/types"
)

// Key is a decoded maintainer key used for signature verification.
type Key struct {
	Name      string
	Email     string
	PublicKey ed25519.PublicKey
}

func (k Key) String() string {
	if k.Email == "" {
		return k.Name
	}
	return fmt.Sprintf("%s <%s>", k.Name, k.Email)
}

// Keyring is the ordered set of keys a node accepts package signatures
// from. The trust anchor is always implicitly part of it.
type Keyring struct {
	anchor  Anchor
	entries []types.KeyringEntry
}

// NewKeyring wraps persisted entries. Entries are taken as-is; the caller
// is responsible for having filtered them with FilterAuthorized.
func NewKeyring(anchor Anchor, entries []types.KeyringEntry) Keyring {
	return Keyring{anchor: anchor, entries: append([]types.KeyringEntry(nil), entries...)}
}

// DefaultKeyring is the keyring a node falls back to when nothing else
// validates: the anchor's own identity and nothing more.
func DefaultKeyring(anchor Anchor) Keyring {
	return Keyring{anchor: anchor, entries: []types.KeyringEntry{anchor.Entry()}}
}

// Entries returns the persisted entries in order.
func (k Keyring) Entries() []types.KeyringEntry {
	return append([]types.KeyringEntry(nil), k.entries...)
}

// Len is the number of persisted entries.
func (k Keyring) Len() int {
	return len(k.entries)
}

// Keys returns the verification keys in persisted order. Entries with a
// malformed public key are skipped. The anchor is appended when the
// persisted entries do not already list it, so a missing or empty
// keyring file still trusts the root.
func (k Keyring) Keys() []Key {
	keys := make([]Key, 0, len(k.entries)+1)
	sawAnchor := false
	for _, e := range k.entries {
		pub, err := DecodePublicKey(e.PublicKey)
		if err != nil {
			continue
		}
		if k.anchor.Is(pub) {
			sawAnchor = true
		}
		keys = append(keys, Key{Name: e.Name, Email: e.Email, PublicKey: pub})
	}
	if !sawAnchor && len(k.anchor.PublicKey) == ed25519.PublicKeySize {
		keys = append(keys, k.anchor.Key())
	}
	return keys
}

// Upsert adds entry, replacing an existing entry for the same public key.
func (k *Keyring) Upsert(entry types.KeyringEntry) {
	for i, e := range k.entries {
		if e.PublicKey == entry.PublicKey {
			k.entries[i] = entry
			return
		}
	}
	k.entries = append(k.entries, entry)
}

// Rejection records why a candidate entry was not accepted.
type Rejection struct {
	Entry  types.KeyringEntry
	Reason string
}

// FilterAuthorized returns the candidates whose authorization signature
// verifies under the anchor, in their original order. Entries carrying the
// anchor's own key are skipped: the anchor is implicit and never kept as a
// signed entry. Duplicate public keys are kept once.
func FilterAuthorized(anchor Anchor, candidates []types.KeyringEntry) ([]types.KeyringEntry, []Rejection) {
	var (
		accepted []types.KeyringEntry
		rejected []Rejection
		seen     = make(map[string]bool)
	)
	for _, c := range candidates {
		if reason := checkAuthorization(anchor, c); reason != "" {
			rejected = append(rejected, Rejection{Entry: c, Reason: reason})
			continue
		}
		if seen[c.PublicKey] {
			continue
		}
		seen[c.PublicKey] = true
		accepted = append(accepted, c)
	}
	return accepted, rejected
}

func checkAuthorization(anchor Anchor, c types.KeyringEntry) string {
	pub, err := DecodePublicKey(c.PublicKey)
	if err != nil {
		return err.Error()
	}
	if anchor.Is(pub) {
		return "trust anchor is implicit"
	}
	sig, err := base64.StdEncoding.DecodeString(c.Signature)
	if err != nil {
		return "malformed authorization signature"
	}
	if !ed25519.Verify(anchor.PublicKey, pub, sig) {
		return "authorization signature does not verify under trust anchor"
	}
	return ""
}
