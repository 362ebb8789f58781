package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"pkgman/pkg/state"
	"pkgman/pkg/trust"
)

// InitResult lists what Init created.
type InitResult struct {
	Created []string
}

// Init creates the directory layout and any missing state files: the
// config file, an anchor-only keyring and an empty package list. Existing
// files are left as they are.
func Init(cfg *Config, configPath string, anchor trust.Anchor) (InitResult, error) {
	var res InitResult

	for _, dir := range []string{cfg.ConfigDir, cfg.PackagesDir, cfg.DataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return res, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	create := func(path string, write func() error) error {
		if _, err := os.Stat(path); err == nil {
			return nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := write(); err != nil {
			return err
		}
		res.Created = append(res.Created, path)
		return nil
	}

	if err := create(configPath, func() error { return cfg.Save(configPath) }); err != nil {
		return res, err
	}
	if err := create(cfg.KeyringPath(), func() error {
		return state.SaveKeyring(cfg.KeyringPath(), trust.DefaultKeyring(anchor))
	}); err != nil {
		return res, err
	}
	if err := create(cfg.PackageListPath(), func() error {
		return state.SavePackages(cfg.PackageListPath(), state.NewPackageTable(nil))
	}); err != nil {
		return res, err
	}
	return res, nil
}
