// Package integrity decides whether downloaded package bytes can be
// trusted: the content digest must match the advertised checksum, and the
// checksum must carry a signature from a key in the local keyring.
package integrity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"pkgman/pkg/trust"
)

var (
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// ChecksumError reports the digest that was expected and the one found.
type ChecksumError struct {
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// Checksum returns the lowercase hex SHA-256 digest of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sign produces the base64 signature over a checksum string that Verify
// checks.
func Sign(key ed25519.PrivateKey, checksum string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, []byte(checksum)))
}

// Verifier checks package bytes against their record.
type Verifier struct {
	verify func(pub ed25519.PublicKey, message, sig []byte) bool
}

// NewVerifier returns a Verifier backed by ed25519.
func NewVerifier() *Verifier {
	return &Verifier{verify: ed25519.Verify}
}

var defaultVerifier = NewVerifier()

// Verify runs the default verifier.
func Verify(data []byte, checksum, signature string, keys []trust.Key) (trust.Key, error) {
	return defaultVerifier.Verify(data, checksum, signature, keys)
}

// Verify accepts data when its digest equals checksum and signature
// verifies under one of keys. The digest is compared first; on mismatch
// no signature is checked. Keys are tried in order and the first one that
// validates is returned.
func (v *Verifier) Verify(data []byte, checksum, signature string, keys []trust.Key) (trust.Key, error) {
	actual := Checksum(data)
	if actual != checksum {
		return trust.Key{}, &ChecksumError{Expected: checksum, Actual: actual}
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return trust.Key{}, fmt.Errorf("%w: malformed signature", ErrSignatureMismatch)
	}

	for _, k := range keys {
		if len(k.PublicKey) != ed25519.PublicKeySize {
			continue
		}
		if v.verify(k.PublicKey, []byte(checksum), sig) {
			return k, nil
		}
	}
	return trust.Key{}, ErrSignatureMismatch
}
