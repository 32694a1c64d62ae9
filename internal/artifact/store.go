package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"coverforge/internal/fingerprint"
	"coverforge/internal/logging"
	"coverforge/internal/services"
	"coverforge/internal/stage"
)

// Producer writes an artifact's outputs. It runs at most once per
// fingerprint at a time across every Store sharing the backend.
type Producer func(ctx context.Context, w *Writer) error

// Store coordinates creation and lookup of artifacts on a Backend.
type Store struct {
	backend     Backend
	digestSize  int
	lockTimeout time.Duration
	logger      *slog.Logger
	group       singleflight.Group
}

// Option customizes a Store.
type Option func(*Store)

// WithDigestSize sets the fingerprint length in bytes.
func WithDigestSize(size int) Option {
	return func(s *Store) { s.digestSize = size }
}

// WithLockTimeout bounds how long a producer waits for another process
// holding the same fingerprint. Zero waits indefinitely.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore wraps backend.
func NewStore(backend Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, services.Wrap(services.ErrConfiguration, "artifact", "open store", "backend is required", nil)
	}
	s := &Store{backend: backend, digestSize: fingerprint.DefaultDigestSize}
	for _, opt := range opts {
		opt(s)
	}
	if err := fingerprint.ValidateSize(s.digestSize); err != nil {
		return nil, err
	}
	s.logger = logging.NewComponentLogger(s.logger, "artifact")
	return s, nil
}

// DigestSize returns the fingerprint length in bytes.
func (s *Store) DigestSize() int { return s.digestSize }

// Backend exposes the underlying storage.
func (s *Store) Backend() Backend { return s.backend }

// Fingerprint derives the identity d would be stored under.
func (s *Store) Fingerprint(d stage.Descriptor) (fingerprint.Fingerprint, error) {
	return d.Fingerprint(s.digestSize)
}

// Exists reports whether fp is published.
func (s *Store) Exists(fp fingerprint.Fingerprint) (bool, error) {
	return s.backend.Exists(fp)
}

// Read loads a published artifact or returns services.ErrNotFound.
func (s *Store) Read(fp fingerprint.Fingerprint) (*Handle, error) {
	rc, err := s.backend.Open(fp, MetaFileName)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return nil, services.Wrap(services.ErrIO, "artifact", "read metadata", string(fp), err)
	}
	meta, err := stage.ParseMetaData(data)
	if err != nil {
		return nil, err
	}
	return s.handle(fp, meta, false), nil
}

// Create returns the artifact for d, running produce only when it does not
// exist yet. Concurrent callers for the same fingerprint share one producer.
// When that producer fails, waiting callers retry with their own producer.
// A caller whose ctx ends stops waiting and gets ctx.Err(); the producer it
// started keeps running so other waiters are not disturbed.
func (s *Store) Create(ctx context.Context, d stage.Descriptor, produce Producer) (*Handle, error) {
	fp, err := d.Fingerprint(s.digestSize)
	if err != nil {
		return nil, err
	}
	for {
		h, err := s.Read(fp)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, services.ErrNotFound) {
			return nil, err
		}
		ran := false
		ch := s.group.DoChan(string(fp), func() (any, error) {
			ran = true
			return s.produce(context.WithoutCancel(ctx), fp, d, produce)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				if ran {
					return nil, res.Err
				}
				s.logger.Debug("shared producer failed; retrying",
					logging.String(logging.FieldFingerprint, string(fp)),
					logging.Error(res.Err),
				)
				continue
			}
			shared := *res.Val.(*Handle)
			shared.Fresh = shared.Fresh && ran
			return &shared, nil
		}
	}
}

func (s *Store) produce(ctx context.Context, fp fingerprint.Fingerprint, d stage.Descriptor, produce Producer) (*Handle, error) {
	lockCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.lockTimeout > 0 {
		lockCtx, cancel = context.WithTimeout(ctx, s.lockTimeout)
	}
	unlock, err := s.backend.Lock(lockCtx, fp)
	cancel()
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Another process may have published while we waited for the lock.
	if h, err := s.Read(fp); err == nil {
		return h, nil
	} else if !errors.Is(err, services.ErrNotFound) {
		return nil, err
	}

	meta, err := stage.NewMetaData(d, s.digestSize)
	if err != nil {
		return nil, err
	}
	staging, err := s.backend.Stage()
	if err != nil {
		return nil, err
	}
	discard := func() {
		if derr := staging.Discard(); derr != nil {
			s.logger.Warn("failed to discard staging area",
				logging.String(logging.FieldFingerprint, string(fp)),
				logging.Error(derr),
				logging.String(logging.FieldEventType, "staging_discard_failed"),
				logging.String(logging.FieldErrorHint, "run cache prune to remove stale staging directories"),
			)
		}
	}

	w := newWriter(staging, s.digestSize)
	err = produce(ctx, w)
	if unclosed := w.abandon(); len(unclosed) > 0 && err == nil {
		err = services.Wrap(services.ErrValidation, string(d.Kind), "produce",
			"producer left outputs open: "+strings.Join(unclosed, ", "), nil)
	}
	if err != nil {
		discard()
		return nil, err
	}
	meta.Outputs = w.Outputs()
	if len(meta.Outputs) == 0 {
		discard()
		return nil, services.Wrap(services.ErrValidation, string(d.Kind), "produce", "producer wrote no outputs", nil)
	}
	encoded, err := meta.MarshalCanonical()
	if err != nil {
		discard()
		return nil, err
	}
	if err := writeAll(staging, MetaFileName, encoded); err != nil {
		discard()
		return nil, err
	}
	if err := s.backend.Publish(staging, fp); err != nil {
		discard()
		if errors.Is(err, ErrPublished) {
			return s.Read(fp)
		}
		return nil, err
	}
	s.logger.Debug("artifact published",
		logging.String(logging.FieldFingerprint, string(fp)),
		logging.String("stage_kind", string(d.Kind)),
		logging.Int("outputs", len(meta.Outputs)),
	)
	return s.handle(fp, meta, true), nil
}

// VerifyReport lists integrity problems found in one artifact.
type VerifyReport struct {
	Fingerprint fingerprint.Fingerprint
	Problems    []string
}

// OK reports whether no problems were found.
func (r VerifyReport) OK() bool { return len(r.Problems) == 0 }

// Verify recomputes the artifact identity from its metadata and re-hashes
// every output. A missing artifact returns services.ErrNotFound; damage is
// reported in the VerifyReport.
func (s *Store) Verify(ctx context.Context, fp fingerprint.Fingerprint) (VerifyReport, error) {
	report := VerifyReport{Fingerprint: fp}
	h, err := s.Read(fp)
	if err != nil {
		if errors.Is(err, services.ErrEncoding) {
			report.Problems = append(report.Problems, "metadata unreadable: "+err.Error())
			return report, nil
		}
		return report, err
	}
	if derived, err := h.Meta.Fingerprint(); err != nil {
		report.Problems = append(report.Problems, "metadata fingerprint: "+err.Error())
	} else if derived != fp {
		report.Problems = append(report.Problems, fmt.Sprintf("metadata derives %s", derived))
	}
	for _, out := range h.Meta.Outputs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rc, err := h.Open(out.Name)
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				report.Problems = append(report.Problems, fmt.Sprintf("%s: missing", out.Name))
				continue
			}
			return report, err
		}
		got, err := fingerprint.Reader(rc, h.Meta.DigestSize)
		_ = rc.Close()
		if err != nil {
			return report, err
		}
		if got != out.HashID {
			report.Problems = append(report.Problems, fmt.Sprintf("%s: content hash %s, recorded %s", out.Name, got, out.HashID))
		}
	}
	return report, nil
}

// Materialize copies ref into scratchDir and returns the copy's path.
// Transforms only ever see these copies, so one that edits its input in
// place cannot reach the published artifact.
func (s *Store) Materialize(ctx context.Context, ref FileRef, scratchDir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rc, err := s.backend.Open(ref.Artifact, ref.File.Name)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	dir := filepath.Join(scratchDir, string(ref.Artifact))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", services.Wrap(services.ErrIO, "artifact", "materialize", dir, err)
	}
	path := filepath.Join(dir, ref.File.Name)
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", services.Wrap(services.ErrIO, "artifact", "materialize", path, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return "", services.Wrap(services.ErrIO, "artifact", "materialize", path, err)
	}
	if err := out.Close(); err != nil {
		return "", services.Wrap(services.ErrIO, "artifact", "materialize", path, err)
	}
	return path, nil
}

func (s *Store) handle(fp fingerprint.Fingerprint, meta stage.MetaData, fresh bool) *Handle {
	dir, ok := s.backend.Path(fp, "")
	if !ok {
		dir = ""
	}
	return &Handle{Fingerprint: fp, Dir: dir, Meta: meta, Fresh: fresh, backend: s.backend}
}

func writeAll(staging Staging, name string, data []byte) error {
	w, err := staging.Create(name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return services.Wrap(services.ErrIO, "artifact", "write", name, err)
	}
	if err := w.Close(); err != nil {
		return services.Wrap(services.ErrIO, "artifact", "write", name, err)
	}
	return nil
}
