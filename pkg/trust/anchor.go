package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"pkgman/pkg/types"
)

// Anchor is the root of trust: the one key every node accepts
// unconditionally. Maintainer keys are trusted only when the anchor
// signed them.
type Anchor struct {
	Name      string
	Email     string
	PublicKey ed25519.PublicKey
}

// rootPublicKey is the network's compiled-in root key.
const rootPublicKey = "3Hwx8fnK8Owu5/48dNh9FVrXHPBL31miBk86XDSRh4w="

// Root is the trust anchor compiled into every node.
var Root = MustParseAnchor("pkgman root", "root@pkgman.network", rootPublicKey)

// ParseAnchor builds an anchor from a base64 encoded ed25519 public key.
func ParseAnchor(name, email, publicKey string) (Anchor, error) {
	pub, err := DecodePublicKey(publicKey)
	if err != nil {
		return Anchor{}, fmt.Errorf("invalid trust anchor: %w", err)
	}
	return Anchor{Name: name, Email: email, PublicKey: pub}, nil
}

// MustParseAnchor is ParseAnchor for compiled-in keys.
func MustParseAnchor(name, email, publicKey string) Anchor {
	a, err := ParseAnchor(name, email, publicKey)
	if err != nil {
		panic(err)
	}
	return a
}

// Key returns the anchor as a verification key.
func (a Anchor) Key() Key {
	return Key{Name: a.Name, Email: a.Email, PublicKey: a.PublicKey}
}

// Entry returns the anchor's default keyring entry. It carries no
// authorization signature since the anchor is implicit.
func (a Anchor) Entry() types.KeyringEntry {
	return types.KeyringEntry{
		Name:      a.Name,
		Email:     a.Email,
		PublicKey: EncodePublicKey(a.PublicKey),
	}
}

// Is reports whether pub is the anchor's key.
func (a Anchor) Is(pub ed25519.PublicKey) bool {
	return a.PublicKey.Equal(pub)
}

// Authorize signs a maintainer public key with the anchor's private key,
// producing an entry that FilterAuthorized accepts. The private key must
// belong to the anchor.
func (a Anchor) Authorize(rootKey ed25519.PrivateKey, name, email, publicKey string) (types.KeyringEntry, error) {
	if !a.Is(rootKey.Public().(ed25519.PublicKey)) {
		return types.KeyringEntry{}, fmt.Errorf("private key does not belong to trust anchor %q", a.Name)
	}
	pub, err := DecodePublicKey(publicKey)
	if err != nil {
		return types.KeyringEntry{}, err
	}
	if a.Is(pub) {
		return types.KeyringEntry{}, fmt.Errorf("trust anchor is implicit and cannot be authorized")
	}

	sig := ed25519.Sign(rootKey, pub)
	return types.KeyringEntry{
		Name:      name,
		Email:     email,
		PublicKey: EncodePublicKey(pub),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// EncodePublicKey returns the base64 form used in records and files.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses a base64 encoded ed25519 public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
