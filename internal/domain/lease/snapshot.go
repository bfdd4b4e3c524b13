package lease

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/config"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/logging"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/errs"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
	"go.uber.org/zap"
)

// snapshotFile is the on-disk registry image
type snapshotFile struct {
	SavedAt time.Time        `json:"saved_at"`
	Leases  []*types.VMLease `json:"leases"`
}

// Snapshotter persists the lease registry to disk so a daemon restart does
// not orphan running VMs. Writes go to a temp file first and are renamed
// into place.
type Snapshotter struct {
	pool     *Pool
	path     string
	interval time.Duration
	logger   *logging.Logger
}

// NewSnapshotter creates a snapshotter. An empty path disables persistence.
func NewSnapshotter(pool *Pool, cfg config.SnapshotConfig, logger *logging.Logger) *Snapshotter {
	return &Snapshotter{
		pool:     pool,
		path:     cfg.Path,
		interval: cfg.Interval,
		logger:   logger.Named("snapshot"),
	}
}

// Enabled reports whether a snapshot path is configured.
func (s *Snapshotter) Enabled() bool {
	return s.path != ""
}

// Save writes the full registry to disk.
func (s *Snapshotter) Save() error {
	if !s.Enabled() {
		return nil
	}

	f := snapshotFile{
		SavedAt: time.Now(),
		Leases:  s.pool.Export(),
	}
	data, err := sonic.MarshalIndent(f, "", "  ")
	if err != nil {
		return errs.Wrap(err, errs.KindInternal, "marshal lease snapshot")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return errs.Wrap(err, errs.KindInternal, "create snapshot directory")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errs.Wrap(err, errs.KindInternal, "write lease snapshot")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errs.Wrap(err, errs.KindInternal, "replace lease snapshot")
	}
	return nil
}

// Restore loads a snapshot and adopts its leases into the pool. A missing
// file is not an error; the daemon simply starts empty.
func (s *Snapshotter) Restore() (int, error) {
	if !s.Enabled() {
		return 0, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errs.Wrap(err, errs.KindInternal, "read lease snapshot")
	}

	var f snapshotFile
	if err := sonic.Unmarshal(data, &f); err != nil {
		return 0, errs.Wrap(err, errs.KindInternal, "decode lease snapshot %s", s.path)
	}

	for _, l := range f.Leases {
		if l == nil || l.ID == "" {
			continue
		}
		s.pool.Adopt(l)
	}
	s.logger.Info("lease registry restored",
		zap.Int("leases", len(f.Leases)),
		zap.Time("saved_at", f.SavedAt))
	return len(f.Leases), nil
}

// Run persists the registry on a fixed interval until the context ends,
// then writes one final snapshot.
func (s *Snapshotter) Run(ctx context.Context) {
	if !s.Enabled() {
		return
	}

	s.logger.Info("snapshot loop started",
		zap.String("path", s.path),
		zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Save(); err != nil {
				s.logger.Error("final snapshot failed", zap.Error(err))
			}
			s.logger.Info("snapshot loop stopped")
			return
		case <-ticker.C:
			if err := s.Save(); err != nil {
				s.logger.Error("snapshot failed", zap.Error(err))
			}
		}
	}
}
