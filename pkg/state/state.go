// Package state persists the local package table and keyring. Files are
// always replaced wholesale via a temp file and rename, so a reader never
// observes a half-written file.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"pkgman/pkg/codec"
	"pkgman/pkg/trust"
	"pkgman/pkg/types"
)

// ErrNotFound is returned by the loaders when the file does not exist.
var ErrNotFound = errors.New("state file not found")

// PackageTable maps package names to records. Upsert replaces an existing
// record; insertion order is kept so saved files are stable.
type PackageTable struct {
	order   []string
	records map[string]types.PackageRecord
}

// NewPackageTable builds a table from records. Later duplicates of a name
// replace earlier ones.
func NewPackageTable(records []types.PackageRecord) *PackageTable {
	t := &PackageTable{records: make(map[string]types.PackageRecord)}
	for _, rec := range records {
		t.Upsert(rec)
	}
	return t
}

// Upsert inserts rec or replaces the record with the same name.
func (t *PackageTable) Upsert(rec types.PackageRecord) {
	if _, exists := t.records[rec.Name]; !exists {
		t.order = append(t.order, rec.Name)
	}
	t.records[rec.Name] = rec
}

// Get looks a record up by name.
func (t *PackageTable) Get(name string) (types.PackageRecord, bool) {
	rec, ok := t.records[name]
	return rec, ok
}

// Len is the number of distinct names.
func (t *PackageTable) Len() int {
	return len(t.order)
}

// Records returns a snapshot in insertion order.
func (t *PackageTable) Records() []types.PackageRecord {
	out := make([]types.PackageRecord, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.records[name])
	}
	return out
}

// LoadPackages reads a package list file.
func LoadPackages(path string) (*PackageTable, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	records, err := codec.DecodePackages(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewPackageTable(records), nil
}

// LoadPackagesOrEmpty is LoadPackages treating a missing file as empty.
func LoadPackagesOrEmpty(path string) (*PackageTable, error) {
	t, err := LoadPackages(path)
	if errors.Is(err, ErrNotFound) {
		return NewPackageTable(nil), nil
	}
	return t, err
}

// SavePackages replaces the package list file with the table's contents.
func SavePackages(path string, t *PackageTable) error {
	data, err := codec.EncodePackages(t.Records())
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0644)
}

// LoadKeyring reads a keyring file. The entries are returned as stored;
// the anchor is implicit in the returned keyring either way.
func LoadKeyring(path string, anchor trust.Anchor) (trust.Keyring, error) {
	data, err := readFile(path)
	if err != nil {
		return trust.Keyring{}, err
	}
	entries, err := codec.DecodeKeyring(data)
	if err != nil {
		return trust.Keyring{}, fmt.Errorf("%s: %w", path, err)
	}
	return trust.NewKeyring(anchor, entries), nil
}

// LoadKeyringOrDefault is LoadKeyring falling back to the anchor-only
// default keyring when the file is missing.
func LoadKeyringOrDefault(path string, anchor trust.Anchor) (trust.Keyring, error) {
	kr, err := LoadKeyring(path, anchor)
	if errors.Is(err, ErrNotFound) {
		return trust.DefaultKeyring(anchor), nil
	}
	return kr, err
}

// SaveKeyring replaces the keyring file with kr's entries.
func SaveKeyring(path string, kr trust.Keyring) error {
	data, err := codec.EncodeKeyring(kr.Entries())
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0644)
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// WriteFileAtomic writes data to a temp file in path's directory, syncs
// it and renames it over path. On any failure path is left untouched and
// the temp file is removed.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to set mode on %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
