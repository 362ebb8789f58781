// Package client implements the consumer operations of a node: resolving
// and downloading packages, refreshing everything installed, and
// bootstrapping the keyring from the network.
package client

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"pkgman/pkg/content"
	"pkgman/pkg/integrity"
	"pkgman/pkg/metrics"
	"pkgman/pkg/protocol"
	"pkgman/pkg/state"
	"pkgman/pkg/trust"
	"pkgman/pkg/types"
	"pkgman/pkg/version"
)

var (
	// ErrAlreadyExists means the requested version is already installed.
	ErrAlreadyExists = errors.New("package already installed")
	// ErrNewerExists means the installed version is newer than the one the
	// network offered. Nothing is replaced.
	ErrNewerExists = errors.New("newer version already installed")
	// ErrInvalidName rejects names that cannot be used as a file name.
	ErrInvalidName = errors.New("invalid package name")
)

// Paths locates the node's persisted state.
type Paths struct {
	PackageList string // local package table
	Keyring     string // trusted maintainers
	PackagesDir string // installed package files
}

// Manager runs client operations against the network. Operations that
// modify the package table are serialized.
type Manager struct {
	protocol *protocol.Client
	store    content.Store
	verifier *integrity.Verifier
	anchor   trust.Anchor
	paths    Paths
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithVerifier replaces the default ed25519 verifier.
func WithVerifier(v *integrity.Verifier) Option {
	return func(m *Manager) { m.verifier = v }
}

// WithMetrics records download outcomes and query latency on mt.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a Manager. The anchor is the root of trust for every
// signature check and keyring update.
func NewManager(pc *protocol.Client, store content.Store, anchor trust.Anchor, paths Paths, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		protocol: pc,
		store:    store,
		verifier: integrity.NewVerifier(),
		anchor:   anchor,
		paths:    paths,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	return m
}

// Installed is the result of a successful download.
type Installed struct {
	Record types.PackageRecord
	Signer trust.Key
	Path   string
}

// Query resolves name on the network without downloading anything.
func (m *Manager) Query(ctx context.Context, name string) (types.PackageRecord, error) {
	start := time.Now()
	rec, err := m.protocol.Query(ctx, name)
	m.metrics.QueryLatency.Observe(time.Since(start).Seconds())
	return rec, err
}

// Download resolves name, fetches its content and installs it once the
// content has been verified against the local keyring. Nothing is
// written when verification fails.
func (m *Manager) Download(ctx context.Context, name string) (Installed, error) {
	if err := validateName(name); err != nil {
		return Installed{}, err
	}

	rec, err := m.Query(ctx, name)
	if err != nil {
		m.countDownload(err)
		return Installed{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := state.LoadPackagesOrEmpty(m.paths.PackageList)
	if err != nil {
		return Installed{}, err
	}
	if local, ok := table.Get(name); ok {
		if err := supersedes(local, rec); err != nil {
			m.countDownload(err)
			return Installed{}, err
		}
	}

	inst, err := m.install(ctx, table, rec)
	m.countDownload(err)
	return inst, err
}

// supersedes returns nil when rec is newer than the installed local
// record and may replace it.
func supersedes(local, rec types.PackageRecord) error {
	switch version.Compare(local.Version, rec.Version) {
	case version.Equal:
		return fmt.Errorf("%s %s: %w", rec.Name, rec.Version, ErrAlreadyExists)
	case version.Newer:
		return fmt.Errorf("%s %s: %w (%s)", rec.Name, rec.Version, ErrNewerExists, local.Version)
	default:
		return nil
	}
}

// install fetches, verifies and writes rec, then records it in table and
// persists the table. The caller holds m.mu.
func (m *Manager) install(ctx context.Context, table *state.PackageTable, rec types.PackageRecord) (Installed, error) {
	if err := validateName(rec.Name); err != nil {
		return Installed{}, err
	}
	logger := m.logger.With(zap.String("package", rec.Name), zap.String("version", rec.Version))

	data, err := m.store.Get(ctx, rec.ContentID)
	if err != nil {
		return Installed{}, fmt.Errorf("fetch %s: %w", rec.Name, err)
	}

	keyring, err := state.LoadKeyringOrDefault(m.paths.Keyring, m.anchor)
	if err != nil {
		return Installed{}, err
	}
	signer, err := m.verifier.Verify(data, rec.Checksum, rec.Signature, keyring.Keys())
	if err != nil {
		logger.Warn("Rejected package content", zap.Error(err))
		return Installed{}, fmt.Errorf("verify %s: %w", rec.Name, err)
	}

	path := filepath.Join(m.paths.PackagesDir, rec.Name)
	if err := state.WriteFileAtomic(path, data, 0644); err != nil {
		return Installed{}, err
	}

	table.Upsert(rec)
	if err := state.SavePackages(m.paths.PackageList, table); err != nil {
		return Installed{}, err
	}

	logger.Info("Installed package",
		zap.String("signer", signer.String()),
		zap.Int("bytes", len(data)))
	return Installed{Record: rec, Signer: signer, Path: path}, nil
}

// UpdateResult is the outcome for one installed package.
type UpdateResult struct {
	Name     string
	Previous string // locally installed version
	Record   types.PackageRecord
	Err      error
}

// Updated reports whether a new version was installed.
func (r UpdateResult) Updated() bool {
	return r.Err == nil
}

// UpdateReport lists per-package outcomes in table order.
type UpdateReport struct {
	Results []UpdateResult
}

// Updated counts successful installs.
func (r UpdateReport) Updated() int {
	n := 0
	for _, res := range r.Results {
		if res.Updated() {
			n++
		}
	}
	return n
}

// Failed returns the results that did not install.
func (r UpdateReport) Failed() []UpdateResult {
	var out []UpdateResult
	for _, res := range r.Results {
		if !res.Updated() {
			out = append(out, res)
		}
	}
	return out
}

// UpdateAll re-resolves every installed package and installs the network
// version wherever it is newer than the local one. A failure for one
// package is recorded and processing moves on; UpdateAll itself never
// fails. onResult, when set, is called after each package.
func (m *Manager) UpdateAll(ctx context.Context, onResult func(UpdateResult)) UpdateReport {
	var report UpdateReport

	m.mu.Lock()
	table, err := state.LoadPackagesOrEmpty(m.paths.PackageList)
	m.mu.Unlock()
	if err != nil {
		m.logger.Error("Failed to load package list", zap.Error(err))
		return report
	}

	for _, local := range table.Records() {
		res := m.updateOne(ctx, local)
		if res.Err != nil {
			m.logger.Warn("Package update failed",
				zap.String("package", res.Name),
				zap.Error(res.Err))
		}
		report.Results = append(report.Results, res)
		if onResult != nil {
			onResult(res)
		}
	}
	return report
}

func (m *Manager) updateOne(ctx context.Context, local types.PackageRecord) UpdateResult {
	res := UpdateResult{Name: local.Name, Previous: local.Version}

	rec, err := m.Query(ctx, local.Name)
	if err != nil {
		res.Err = err
		m.countDownload(err)
		return res
	}
	res.Record = rec
	if err := supersedes(local, rec); err != nil {
		res.Err = err
		m.countDownload(err)
		return res
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Reload so installs made since the snapshot are kept.
	table, err := state.LoadPackagesOrEmpty(m.paths.PackageList)
	if err != nil {
		res.Err = err
		return res
	}
	_, res.Err = m.install(ctx, table, rec)
	m.countDownload(res.Err)
	return res
}

// UpdateKeyring replaces the local keyring with the entries the network
// offers that carry a valid anchor authorization. When the network is
// silent the local keyring is left untouched. When nothing validates the
// anchor-only default keyring is written instead, so the keyring never
// ends up empty.
func (m *Manager) UpdateKeyring(ctx context.Context) (trust.Keyring, error) {
	candidates, err := m.protocol.RequestKeyring(ctx)
	if err != nil {
		return trust.Keyring{}, err
	}

	accepted, rejected := trust.FilterAuthorized(m.anchor, candidates)
	for _, r := range rejected {
		m.logger.Warn("Rejected keyring entry",
			zap.String("name", r.Entry.Name),
			zap.String("email", r.Entry.Email),
			zap.String("reason", r.Reason))
	}
	m.metrics.KeyringRejected.Add(float64(len(rejected)))

	keyring := trust.NewKeyring(m.anchor, accepted)
	if len(accepted) == 0 {
		m.logger.Warn("No keyring entry validated, falling back to the trust anchor",
			zap.Int("candidates", len(candidates)))
		keyring = trust.DefaultKeyring(m.anchor)
	}

	if err := state.SaveKeyring(m.paths.Keyring, keyring); err != nil {
		return trust.Keyring{}, err
	}
	m.metrics.KeyringAccepted.Set(float64(len(accepted)))
	m.logger.Info("Updated keyring",
		zap.Int("accepted", len(accepted)),
		zap.Int("rejected", len(rejected)))
	return keyring, nil
}

func (m *Manager) countDownload(err error) {
	m.metrics.Downloads.WithLabelValues(outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeInstalled
	case errors.Is(err, ErrAlreadyExists):
		return metrics.OutcomeAlreadyExists
	case errors.Is(err, ErrNewerExists):
		return metrics.OutcomeNewerExists
	case errors.Is(err, protocol.ErrNotFound), errors.Is(err, content.ErrNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, integrity.ErrChecksumMismatch):
		return metrics.OutcomeChecksumMismatch
	case errors.Is(err, integrity.ErrSignatureMismatch):
		return metrics.OutcomeSignatureMismatch
	default:
		return metrics.OutcomeError
	}
}

func validateName(name string) error {
	if !types.ValidPackageName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
