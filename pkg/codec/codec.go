// Package codec is the structured text serialization shared by pub/sub
// payloads and the on-disk package list and keyring files.
package codec

import (
	"bytes"
	"fmt"

	"github.com/pelletier/go-toml/v2"

	"pkgman/pkg/types"
)

// EncodeRecord serializes a single package record.
func EncodeRecord(rec types.PackageRecord) ([]byte, error) {
	data, err := toml.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode package record %q: %w", rec.Name, err)
	}
	return data, nil
}

// DecodeRecord parses a single package record. Records without a name are
// rejected since name is the record's identity.
func DecodeRecord(data []byte) (types.PackageRecord, error) {
	var rec types.PackageRecord
	if err := decodeStrict(data, &rec); err != nil {
		return types.PackageRecord{}, fmt.Errorf("failed to decode package record: %w", err)
	}
	if rec.Name == "" {
		return types.PackageRecord{}, fmt.Errorf("failed to decode package record: missing name")
	}
	return rec, nil
}

// EncodePackages serializes a package list.
func EncodePackages(records []types.PackageRecord) ([]byte, error) {
	data, err := toml.Marshal(types.PackageList{Packages: records})
	if err != nil {
		return nil, fmt.Errorf("failed to encode package list: %w", err)
	}
	return data, nil
}

// DecodePackages parses a package list. An empty document is an empty list.
func DecodePackages(data []byte) ([]types.PackageRecord, error) {
	var list types.PackageList
	if err := decodeStrict(data, &list); err != nil {
		return nil, fmt.Errorf("failed to decode package list: %w", err)
	}
	return list.Packages, nil
}

// EncodeKeyring serializes a list of keyring entries.
func EncodeKeyring(entries []types.KeyringEntry) ([]byte, error) {
	data, err := toml.Marshal(types.KeyringList{Maintainers: entries})
	if err != nil {
		return nil, fmt.Errorf("failed to encode keyring: %w", err)
	}
	return data, nil
}

// DecodeKeyring parses a list of keyring entries.
func DecodeKeyring(data []byte) ([]types.KeyringEntry, error) {
	var list types.KeyringList
	if err := decodeStrict(data, &list); err != nil {
		return nil, fmt.Errorf("failed to decode keyring: %w", err)
	}
	return list.Maintainers, nil
}

// decodeStrict rejects unknown keys so that a record payload is never
// mistaken for a keyring payload and vice versa.
func decodeStrict(data []byte, v any) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
