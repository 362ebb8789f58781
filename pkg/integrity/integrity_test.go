package integrity

import (
	"crypto/ed25519"
	"errors"
	"testing"

	"pkgman/pkg/trust"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T, name string) (trust.Key, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return trust.Key{Name: name, PublicKey: pub}, priv
}

func TestChecksum(t *testing.T) {
	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Checksum([]byte("abc")))
}

func TestChecksumGatePrecedesSignature(t *testing.T) {
	k1, priv := newKey(t, "k1")
	data := []byte("package body")
	good := Checksum(data)
	sig := Sign(priv, good)

	calls := 0
	v := &Verifier{verify: func(pub ed25519.PublicKey, msg, s []byte) bool {
		calls++
		return ed25519.Verify(pub, msg, s)
	}}

	_, err := v.Verify([]byte("corrupted body"), good, sig, []trust.Key{k1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
	assert.False(t, errors.Is(err, ErrSignatureMismatch))
	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, good, ce.Expected)
	assert.Zero(t, calls, "signature must not be checked when the checksum fails")
}

func TestFirstMatchAcceptance(t *testing.T) {
	k1, _ := newKey(t, "k1")
	k2, priv2 := newKey(t, "k2")
	k3, priv3 := newKey(t, "k3")
	data := []byte("clang 11.1.0")
	sum := Checksum(data)

	used, err := Verify(data, sum, Sign(priv2, sum), []trust.Key{k1, k2})
	require.NoError(t, err)
	assert.Equal(t, "k2", used.Name)

	// Search stops at the first key that validates.
	calls := 0
	v := &Verifier{verify: func(pub ed25519.PublicKey, msg, s []byte) bool {
		calls++
		return ed25519.Verify(pub, msg, s)
	}}
	used, err = v.Verify(data, sum, Sign(priv3, sum), []trust.Key{k3, k1, k2})
	require.NoError(t, err)
	assert.Equal(t, "k3", used.Name)
	assert.Equal(t, 1, calls)
}

func TestSignatureMismatch(t *testing.T) {
	k1, priv1 := newKey(t, "k1")
	k2, _ := newKey(t, "k2")
	data := []byte("clang 11.1.0")
	sum := Checksum(data)

	tests := []struct {
		name string
		sig  string
		keys []trust.Key
	}{
		{"signed by key outside keyring", Sign(priv1, sum), []trust.Key{k2}},
		{"empty keyring", Sign(priv1, sum), nil},
		{"malformed signature", "%%%", []trust.Key{k1}},
		{"signature over other checksum", Sign(priv1, Checksum([]byte("other"))), []trust.Key{k1}},
		{"truncated key skipped", Sign(priv1, sum), []trust.Key{{Name: "short", PublicKey: k1.PublicKey[:8]}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(data, sum, tt.sig, tt.keys)
			assert.True(t, errors.Is(err, ErrSignatureMismatch), "got %v", err)
		})
	}
}
