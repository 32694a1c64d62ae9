package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"coverforge/internal/artifact"
	"coverforge/internal/config"
	"coverforge/internal/fingerprint"
	"coverforge/internal/lineage"
	"coverforge/internal/logging"
	"coverforge/internal/services"
	"coverforge/internal/stage"
)

const (
	// freeSpaceFloor is the minimum free-space ratio we allow before pruning (e.g., 0.20 => 80% full).
	freeSpaceFloor = 0.20
)

// statfsFunc allows tests to stub filesystem stats.
type statfsFunc func(path string) (total uint64, free uint64, err error)

// Sweeper maintains one filesystem cache root.
type Sweeper struct {
	store    *artifact.Store
	backend  *artifact.FSBackend
	index    *lineage.Index
	maxBytes int64
	staleAge time.Duration
	logger   *slog.Logger
	statfs   statfsFunc
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

// WithMaxBytes caps the total artifact size. Zero disables the cap.
func WithMaxBytes(n int64) Option {
	return func(s *Sweeper) { s.maxBytes = n }
}

// WithStaleStaging sets the age after which staging directories are removed.
func WithStaleStaging(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.staleAge = d
		}
	}
}

// WithIndex keeps the lineage index in step with removals.
func WithIndex(idx *lineage.Index) Option {
	return func(s *Sweeper) { s.index = idx }
}

// WithLogger sets the sweeper's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// New builds a sweeper over a filesystem-backed store.
func New(store *artifact.Store, backend *artifact.FSBackend, opts ...Option) (*Sweeper, error) {
	if store == nil || backend == nil {
		return nil, services.Wrap(services.ErrConfiguration, "sweep", "init", "store and backend are required", nil)
	}
	s := &Sweeper{
		store:    store,
		backend:  backend,
		staleAge: 24 * time.Hour,
		statfs:   realStatfs,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "sweep")
	return s, nil
}

// NewFromConfig applies the [cache] settings from cfg.
func NewFromConfig(cfg *config.Config, store *artifact.Store, backend *artifact.FSBackend, idx *lineage.Index, logger *slog.Logger) (*Sweeper, error) {
	return New(store, backend,
		WithMaxBytes(cfg.MaxCacheBytes()),
		WithStaleStaging(cfg.StaleStagingAge()),
		WithIndex(idx),
		WithLogger(logger),
	)
}

// Stats describes current cache usage.
type Stats struct {
	Entries        int            `json:"entries"`
	TotalBytes     int64          `json:"total_bytes"`
	MaxBytes       int64          `json:"max_bytes"`
	FreeBytes      uint64         `json:"free_bytes"`
	TotalFSBytes   uint64         `json:"total_fs_bytes"`
	FreeRatio      float64        `json:"free_ratio"`
	StagingDirs    int            `json:"staging_dirs"`
	EntrySummaries []EntrySummary `json:"entry_summaries"`
}

// EntrySummary surfaces one artifact for the CLI, newest first.
type EntrySummary struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	StageKind   stage.Kind              `json:"stage_kind"`
	Directory   string                  `json:"directory"`
	SizeBytes   int64                   `json:"size_bytes"`
	ModifiedAt  time.Time               `json:"modified_at"`
	PrimaryFile string                  `json:"primary_file"`
	OutputCount int                     `json:"output_count"`
}

// Stats returns current cache usage and filesystem free-space info.
func (s *Sweeper) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	entries, err := s.backend.List()
	if err != nil {
		return st, err
	}
	totalFS, freeFS, err := s.statfs(s.backend.Root())
	if err != nil {
		return st, services.Wrap(services.ErrIO, "sweep", "statfs", s.backend.Root(), err)
	}
	staging, err := s.backend.StagingCount()
	if err != nil {
		return st, err
	}
	ratio := 1.0
	if totalFS > 0 {
		ratio = float64(freeFS) / float64(totalFS)
	}
	details := make([]EntrySummary, 0, len(entries))
	var total int64
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		total += entry.SizeBytes
		summary := EntrySummary{
			Fingerprint: entry.Fingerprint,
			Directory:   entry.Dir,
			SizeBytes:   entry.SizeBytes,
			ModifiedAt:  entry.ModifiedAt,
		}
		if h, err := s.store.Read(entry.Fingerprint); err == nil {
			summary.StageKind = h.Meta.StageKind
			summary.OutputCount = len(h.Meta.Outputs)
			if primary, err := h.Primary(); err == nil {
				summary.PrimaryFile = primary.File.Name
			}
		}
		details = append(details, summary)
	}
	st = Stats{
		Entries:        len(entries),
		TotalBytes:     total,
		MaxBytes:       s.maxBytes,
		FreeBytes:      freeFS,
		TotalFSBytes:   totalFS,
		FreeRatio:      ratio,
		StagingDirs:    staging,
		EntrySummaries: details,
	}
	if len(entries) == 0 {
		s.logger.InfoContext(ctx, "artifact cache empty")
	}
	s.logger.DebugContext(ctx, "cache usage",
		logging.Int("entries", st.Entries),
		logging.Int64("total_bytes", st.TotalBytes),
		logging.Float64("free_ratio", st.FreeRatio),
	)
	return st, nil
}

// PruneResult reports what a prune removed.
type PruneResult struct {
	Removed        []fingerprint.Fingerprint
	FreedBytes     int64
	StagingRemoved int
	LocksRemoved   int
}

// Prune removes abandoned staging directories, then the oldest artifacts
// until both the size budget and the free-space floor are satisfied, then
// the lock files of artifacts that are no longer published.
// Fingerprints in keep are never removed.
func (s *Sweeper) Prune(ctx context.Context, keep ...fingerprint.Fingerprint) (PruneResult, error) {
	var result PruneResult
	cleaned, err := s.backend.CleanStaging(s.staleAge)
	result.StagingRemoved = cleaned
	if err != nil {
		return result, err
	}

	entries, err := s.backend.List()
	if err != nil {
		return result, err
	}
	var total int64
	for _, entry := range entries {
		total += entry.SizeBytes
	}
	protected := make(map[fingerprint.Fingerprint]struct{}, len(keep))
	for _, fp := range keep {
		protected[fp] = struct{}{}
	}

	for len(entries) > 0 {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		freeOK, err := s.freeSpaceOK()
		if err != nil {
			return result, err
		}
		if (s.maxBytes <= 0 || total <= s.maxBytes) && freeOK {
			break
		}
		oldest := entries[0]
		entries = entries[1:]
		if _, ok := protected[oldest.Fingerprint]; ok {
			continue
		}
		if err := s.backend.Remove(oldest.Fingerprint); err != nil && !errors.Is(err, services.ErrNotFound) {
			return result, err
		}
		if s.index != nil {
			if err := s.index.Forget(ctx, oldest.Fingerprint); err != nil {
				logging.WarnWithContext(ctx, s.logger, "lineage index not updated after prune", "lineage_forget_failed",
					logging.String(logging.FieldFingerprint, string(oldest.Fingerprint)),
					logging.Error(err),
				)
			}
		}
		s.logger.InfoContext(ctx, "pruned artifact",
			logging.String(logging.FieldFingerprint, string(oldest.Fingerprint)),
			logging.Int64("size_bytes", oldest.SizeBytes),
		)
		total -= oldest.SizeBytes
		result.FreedBytes += oldest.SizeBytes
		result.Removed = append(result.Removed, oldest.Fingerprint)
	}

	locks, err := s.backend.CleanLocks()
	result.LocksRemoved = locks
	if err != nil {
		return result, err
	}

	if len(result.Removed) > 0 || result.StagingRemoved > 0 || result.LocksRemoved > 0 {
		s.logger.InfoContext(ctx, "cache pruned",
			logging.String(logging.FieldEventType, "cache_pruned"),
			logging.Int("artifacts_removed", len(result.Removed)),
			logging.Int("staging_removed", result.StagingRemoved),
			logging.Int("locks_removed", result.LocksRemoved),
			logging.Int64("freed_bytes", result.FreedBytes),
			logging.Int64("total_bytes", total),
		)
	}
	if s.maxBytes > 0 && total > s.maxBytes {
		return result, services.Wrap(services.ErrIO, "sweep", "prune",
			fmt.Sprintf("cache still %d bytes over budget; remaining artifacts are protected", total-s.maxBytes), nil)
	}
	return result, nil
}

// Verify re-hashes every artifact and returns the reports with problems.
func (s *Sweeper) Verify(ctx context.Context) (checked int, damaged []artifact.VerifyReport, err error) {
	entries, err := s.backend.List()
	if err != nil {
		return 0, nil, err
	}
	for _, entry := range entries {
		report, err := s.store.Verify(ctx, entry.Fingerprint)
		if errors.Is(err, services.ErrNotFound) {
			// Removed while verifying.
			continue
		}
		if err != nil {
			return checked, damaged, err
		}
		checked++
		if !report.OK() {
			logging.WarnWithContext(ctx, s.logger, "artifact failed verification", "artifact_corrupt",
				logging.String(logging.FieldFingerprint, string(entry.Fingerprint)),
				logging.String("problem", report.Problems[0]),
				logging.Alert("artifact_corrupt"),
				logging.String(logging.FieldErrorHint, "run cache verify --remove to delete damaged artifacts"),
			)
			damaged = append(damaged, report)
		}
	}
	return checked, damaged, nil
}

// RemoveDamaged deletes artifacts flagged by Verify so they are re-derived.
func (s *Sweeper) RemoveDamaged(ctx context.Context, reports []artifact.VerifyReport) (int, error) {
	removed := 0
	for _, report := range reports {
		if report.OK() {
			continue
		}
		if err := s.backend.Remove(report.Fingerprint); err != nil && !errors.Is(err, services.ErrNotFound) {
			return removed, err
		}
		if s.index != nil {
			_ = s.index.Forget(ctx, report.Fingerprint)
		}
		removed++
	}
	if removed > 0 {
		if _, err := s.backend.CleanLocks(); err != nil {
			logging.WarnWithContext(ctx, s.logger, "lock files not reclaimed", "lock_clean_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "run cache prune to retry"),
			)
		}
	}
	return removed, nil
}

func (s *Sweeper) freeSpaceOK() (bool, error) {
	total, free, err := s.statfs(s.backend.Root())
	if err != nil {
		return false, services.Wrap(services.ErrIO, "sweep", "statfs", s.backend.Root(), err)
	}
	if total == 0 {
		return true, nil
	}
	ratio := float64(free) / float64(total)
	return ratio >= freeSpaceFloor, nil
}

func realStatfs(path string) (uint64, uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}
