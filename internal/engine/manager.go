package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/datallboy/pkgswarm/internal/app"
	"github.com/datallboy/pkgswarm/internal/domain"
	"github.com/datallboy/pkgswarm/internal/entitylock"
	"github.com/datallboy/pkgswarm/internal/gossip"
	"github.com/datallboy/pkgswarm/internal/hashstream"
	"github.com/datallboy/pkgswarm/internal/infra/logger"
	"github.com/datallboy/pkgswarm/internal/manifest"
	"github.com/datallboy/pkgswarm/internal/storage"
	"github.com/datallboy/pkgswarm/internal/taskqueue"
)

var (
	ErrPackageExists = errors.New("package already exists")
	ErrBadSegment    = errors.New("segment data has the wrong size")
)

// entry is a live package plus the layout its files follow.
type entry struct {
	*domain.Package
	layout *storage.Layout

	// writeMu serialises disk writes and completion handling of this package.
	writeMu sync.Mutex

	deleteOnce sync.Once
	deleted    chan struct{} // closed once the removal finished
	deleteErr  error
}

// live reports whether the package is still open, i.e. not being deleted.
func (e *entry) live() bool {
	return e.Lock.State() == entitylock.StateOpen
}

// Manager owns the local packages: their files, status and persistence.
// Every file access runs under the package's Entity Lock.
type Manager struct {
	app     *app.Context
	log     *logger.Logger
	store   app.Store
	writer  *storage.FileWriter
	newHash domain.HashFunc

	validations *taskqueue.Queue[string]

	mu       sync.RWMutex
	packages map[string]*entry
	onChange []func()

	newJobChan chan struct{}
}

func NewManager(appCtx *app.Context) *Manager {
	return &Manager{
		app:         appCtx,
		log:         appCtx.Logger,
		store:       appCtx.Store,
		writer:      storage.NewFileWriter(),
		newHash:     domain.SHA256,
		validations: taskqueue.New[string](appCtx.Config.Validation.Concurrency),
		packages:    make(map[string]*entry),
		newJobChan:  make(chan struct{}, 1),
	}
}

// OnChange registers a callback run after any local status change.
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// NewJobs fires (coalesced) when a package may need downloading.
func (m *Manager) NewJobs() <-chan struct{} { return m.newJobChan }

func (m *Manager) changed() {
	m.mu.RLock()
	hooks := append([]func(){}, m.onChange...)
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

func (m *Manager) signalJob() {
	select {
	case m.newJobChan <- struct{}{}:
	default:
	}
}

// Load restores every persisted package. Status is rebuilt from the stored
// bitmap; a record that cannot be restored is skipped with a log line.
func (m *Manager) Load(ctx context.Context) error {
	records, err := m.store.ListPackages(ctx)
	if err != nil {
		return fmt.Errorf("failed to list packages: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range records {
		layout, err := storage.NewLayout(rec.Files)
		if err != nil {
			m.log.Error("Skipping package %s: %v", rec.Hash(), err)
			continue
		}
		status, err := domain.RestoreDownloadStatus(rec.Sequence, rec.Status)
		if err != nil {
			m.log.Error("Skipping package %s: %v", rec.Hash(), err)
			continue
		}
		m.packages[rec.Hash()] = &entry{Package: domain.NewPackage(rec, status), layout: layout}
	}

	m.log.Info("Loaded %d packages", len(m.packages))
	if len(m.packages) > 0 {
		m.signalJob()
	}
	return nil
}

// Create builds a package from local files, in the order given.
func (m *Manager) Create(ctx context.Context, name string, paths []string, segmentLength int64) (*domain.Package, error) {
	if name == "" {
		return nil, errors.New("package name is required")
	}

	seen := make(map[string]bool, len(paths))
	ranges := make([]domain.FileRange, 0, len(paths))
	var total int64
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%s is not a regular file", p)
		}
		base := filepath.Base(abs)
		if seen[base] {
			return nil, fmt.Errorf("two files named %s", base)
		}
		seen[base] = true
		ranges = append(ranges, domain.FileRange{Path: abs, Length: info.Size()})
		total += info.Size()
	}

	seq, err := domain.NewSequenceInfo(segmentLength, total)
	if err != nil {
		return nil, err
	}
	layout, err := storage.NewLayout(ranges)
	if err != nil {
		return nil, err
	}

	reader := layout.Open()
	identity, err := hashstream.ComputeIdentity(ctx, reader.Section(0, total), seq, m.newHash)
	reader.Close()
	if err != nil {
		return nil, err
	}

	rec := &domain.PackageRecord{
		ID:        ksuid.New().String(),
		Name:      name,
		Sequence:  seq,
		Identity:  identity,
		Files:     ranges,
		CreatedAt: time.Now().UTC(),
	}
	pkg, err := m.add(ctx, rec, domain.NewDownloaded(seq), layout)
	if err != nil {
		return nil, err
	}

	m.log.Info("Created package %s (%s, %d segments)", name, pkg.Hash(), seq.SegmentCount())
	m.changed()
	return pkg, nil
}

// Import registers a package described by a manifest for download into
// download.out_dir/<name>. Its files are pre-allocated immediately.
func (m *Manager) Import(ctx context.Context, man *manifest.Manifest) (*domain.Package, error) {
	if err := man.Check(m.newHash); err != nil {
		return nil, err
	}

	root := filepath.Join(m.app.Config.Download.OutDir, man.Name)
	layout, err := storage.NewLayout(man.Ranges(root))
	if err != nil {
		return nil, err
	}

	seq := man.Sequence()
	rec := &domain.PackageRecord{
		ID:        ksuid.New().String(),
		Name:      man.Name,
		Sequence:  seq,
		Identity:  domain.NewPackageIdentity(m.newHash, man.SegmentHashes),
		Files:     layout.Ranges(),
		CreatedAt: time.Now().UTC(),
	}

	if _, ok := m.lookup(rec.Hash()); ok {
		return nil, fmt.Errorf("%w: %s", ErrPackageExists, rec.Hash())
	}
	if err := m.writer.PreAllocateLayout(layout); err != nil {
		return nil, fmt.Errorf("failed to pre-allocate %s: %w", man.Name, err)
	}

	pkg, err := m.add(ctx, rec, domain.NewReadyToDownload(seq), layout)
	if err != nil {
		return nil, err
	}

	m.log.Info("Imported package %s (%s), %d segments to fetch", man.Name, pkg.Hash(), len(pkg.Status.MissingSegments()))
	m.signalJob()
	m.changed()
	return pkg, nil
}

func (m *Manager) add(ctx context.Context, rec *domain.PackageRecord, status *domain.DownloadStatus, layout *storage.Layout) (*domain.Package, error) {
	hash := rec.Hash()

	m.mu.Lock()
	if _, ok := m.packages[hash]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPackageExists, hash)
	}
	e := &entry{Package: domain.NewPackage(rec, status), layout: layout}
	m.packages[hash] = e
	m.mu.Unlock()

	if err := m.store.SavePackage(ctx, e.Record()); err != nil {
		m.mu.Lock()
		delete(m.packages, hash)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to persist package: %w", err)
	}
	return e.Package, nil
}

func (m *Manager) lookup(hash string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.packages[hash]
	return e, ok
}

// Get returns a live package by hash.
func (m *Manager) Get(hash string) (*domain.Package, bool) {
	e, ok := m.lookup(hash)
	if !ok {
		return nil, false
	}
	return e.Package, true
}

// List returns the live packages, oldest first. Packages being deleted are left out.
func (m *Manager) List() []*domain.Package {
	m.mu.RLock()
	out := make([]*domain.Package, 0, len(m.packages))
	for _, e := range m.packages {
		if e.live() {
			out = append(out, e.Package)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Status implements gossip.LocalIndex.
func (m *Manager) Status(hash string) (*domain.DownloadStatus, bool) {
	e, ok := m.lookup(hash)
	if !ok {
		return nil, false
	}
	return e.Status, true
}

// Claims implements gossip.Source: one claim per live package.
func (m *Manager) Claims() []gossip.PackageClaim {
	pkgs := m.List()
	claims := make([]gossip.PackageClaim, 0, len(pkgs))
	for _, p := range pkgs {
		claims = append(claims, gossip.PackageClaim{PackageHash: p.Hash(), StatusClaim: p.Status.Claim()})
	}
	return claims
}

// Snapshot returns the persisted form of every live package.
func (m *Manager) Snapshot() []*domain.PackageRecord {
	pkgs := m.List()
	out := make([]*domain.PackageRecord, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, p.Record())
	}
	return out
}

// acquire looks a package up and takes a shared token on it. A package being
// deleted is reported as not found.
func (m *Manager) acquire(hash string) (*entry, func(), error) {
	e, ok := m.lookup(hash)
	if !ok {
		return nil, nil, domain.ErrPackageNotFound
	}
	tok, err := e.Lock.TryAcquireShared()
	if err != nil {
		return nil, nil, domain.ErrPackageNotFound
	}
	return e, func() { e.Lock.ReleaseShared(tok) }, nil
}

func (m *Manager) persistStatus(ctx context.Context, e *entry) {
	if err := m.store.SaveStatus(ctx, e.ID, e.Status.Snapshot()); err != nil {
		m.log.Error("Failed to persist status of %s: %v", e.Hash(), err)
	}
}

// Close waits for queued validations and closes pooled file handles.
func (m *Manager) Close(ctx context.Context) error {
	err := m.validations.Drain(ctx)
	m.writer.CloseAll()
	return err
}
