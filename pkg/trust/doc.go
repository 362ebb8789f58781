// Package trust holds the network's root of trust and the keyring derived
// from it. A single compiled-in ed25519 anchor key authorizes maintainer
// keys by signing them; a node keeps only the maintainer keys whose
// authorization verifies under the anchor, and always trusts the anchor
// itself even when its keyring file is missing or empty.
package trust
