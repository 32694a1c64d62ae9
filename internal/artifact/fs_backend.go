package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"coverforge/internal/fileutil"
	"coverforge/internal/fingerprint"
	"coverforge/internal/services"
)

const (
	stagingDir = ".staging"
	locksDir   = ".locks"
	trashDir   = ".trash"

	defaultLockRetry = 200 * time.Millisecond
)

// FSBackend stores artifacts under root/<fp[:2]>/<fp>/. Staging areas live in
// root/.staging so publishing is a same-filesystem rename.
type FSBackend struct {
	root      string
	lockRetry time.Duration
}

// FSOption customizes an FSBackend.
type FSOption func(*FSBackend)

// WithLockRetry sets how often a blocked producer polls the lock file.
func WithLockRetry(d time.Duration) FSOption {
	return func(b *FSBackend) {
		if d > 0 {
			b.lockRetry = d
		}
	}
}

// NewFSBackend prepares root for use.
func NewFSBackend(root string, opts ...FSOption) (*FSBackend, error) {
	if root == "" {
		return nil, services.Wrap(services.ErrConfiguration, "artifact", "open store", "cache root is empty", nil)
	}
	b := &FSBackend{root: root, lockRetry: defaultLockRetry}
	for _, opt := range opts {
		opt(b)
	}
	for _, dir := range []string{root, filepath.Join(root, stagingDir), filepath.Join(root, locksDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, services.Wrap(services.ErrIO, "artifact", "open store", dir, err)
		}
	}
	return b, nil
}

// Root returns the cache root directory.
func (b *FSBackend) Root() string { return b.root }

// Dir returns the directory an artifact is published to.
func (b *FSBackend) Dir(fp fingerprint.Fingerprint) string {
	if len(fp) < 2 {
		return filepath.Join(b.root, string(fp))
	}
	return filepath.Join(b.root, fp.Prefix(2), string(fp))
}

func (b *FSBackend) Exists(fp fingerprint.Fingerprint) (bool, error) {
	_, err := os.Stat(filepath.Join(b.Dir(fp), MetaFileName))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, services.Wrap(services.ErrIO, "artifact", "stat", string(fp), err)
}

func (b *FSBackend) Open(fp fingerprint.Fingerprint, name string) (io.ReadCloser, error) {
	if name != MetaFileName {
		if err := validateName(name); err != nil {
			return nil, err
		}
	}
	file, err := os.Open(filepath.Join(b.Dir(fp), name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(fp, name)
		}
		return nil, services.Wrap(services.ErrIO, "artifact", "open", string(fp)+"/"+name, err)
	}
	return file, nil
}

func (b *FSBackend) Path(fp fingerprint.Fingerprint, name string) (string, bool) {
	if name == "" {
		return b.Dir(fp), true
	}
	return filepath.Join(b.Dir(fp), name), true
}

func (b *FSBackend) Stage() (Staging, error) {
	dir := filepath.Join(b.root, stagingDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrIO, "artifact", "stage", dir, err)
	}
	return &fsStaging{dir: dir}, nil
}

func (b *FSBackend) Publish(s Staging, fp fingerprint.Fingerprint) error {
	staged, ok := s.(*fsStaging)
	if !ok {
		return services.Wrap(services.ErrIO, "artifact", "publish", fmt.Sprintf("foreign staging %T", s), nil)
	}
	target := b.Dir(fp)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return services.Wrap(services.ErrIO, "artifact", "publish", target, err)
	}
	if _, err := os.Lstat(target); err == nil {
		exists, statErr := b.Exists(fp)
		if statErr != nil {
			return statErr
		}
		if exists {
			return ErrPublished
		}
		// Debris without a metadata record was never published; the caller
		// holds the fingerprint lock so nobody else is writing here.
		if err := os.RemoveAll(target); err != nil {
			return services.Wrap(services.ErrIO, "artifact", "publish", "clear debris "+target, err)
		}
	}
	if err := os.Rename(staged.dir, target); err != nil {
		if errors.Is(err, fs.ErrExist) || errors.Is(err, unix.ENOTEMPTY) {
			return ErrPublished
		}
		return services.Wrap(services.ErrIO, "artifact", "publish", target, err)
	}
	staged.published = true
	return nil
}

// Lock takes the cross-process lock for fp. CleanLocks may unlink a lock file
// while another producer is queued on it, so a lock only counts once the
// locked file is still the one at the path.
func (b *FSBackend) Lock(ctx context.Context, fp fingerprint.Fingerprint) (func(), error) {
	path := b.lockPath(fp)
	for {
		lock := flock.New(path)
		ok, err := lock.TryLockContext(ctx, b.lockRetry)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, services.Wrap(services.ErrTimeout, "artifact", "lock", string(fp), ctxErr)
			}
			return nil, services.Wrap(services.ErrIO, "artifact", "lock", string(fp), err)
		}
		if !ok {
			return nil, services.Wrap(services.ErrTimeout, "artifact", "lock", string(fp), nil)
		}
		if lockIsCurrent(lock) {
			return func() { _ = lock.Unlock() }, nil
		}
		_ = lock.Unlock()
	}
}

// CleanLocks unlinks lock files whose artifact is not published and that no
// producer holds. Each file is unlinked while locked, so a producer queued on
// it retries against a fresh file.
func (b *FSBackend) CleanLocks() (int, error) {
	dir := filepath.Join(b.root, locksDir)
	children, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, services.Wrap(services.ErrIO, "artifact", "clean locks", dir, err)
	}
	removed := 0
	for _, child := range children {
		name, ok := strings.CutSuffix(child.Name(), ".lock")
		if !ok || child.IsDir() {
			continue
		}
		fp, err := fingerprint.Parse(name)
		if err != nil {
			continue
		}
		if published, err := b.Exists(fp); err != nil || published {
			continue
		}
		lock := flock.New(b.lockPath(fp))
		held, err := lock.TryLock()
		if err != nil || !held {
			continue
		}
		if !lockIsCurrent(lock) {
			_ = lock.Unlock()
			continue
		}
		// Published between the check above and taking the lock.
		if published, err := b.Exists(fp); err != nil || published {
			_ = lock.Unlock()
			continue
		}
		err = os.Remove(lock.Path())
		_ = lock.Unlock()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, services.Wrap(services.ErrIO, "artifact", "clean locks", lock.Path(), err)
		}
		removed++
	}
	return removed, nil
}

// LockCount reports how many lock files exist.
func (b *FSBackend) LockCount() (int, error) {
	children, err := os.ReadDir(filepath.Join(b.root, locksDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, services.Wrap(services.ErrIO, "artifact", "count locks", b.root, err)
	}
	return len(children), nil
}

func (b *FSBackend) lockPath(fp fingerprint.Fingerprint) string {
	return filepath.Join(b.root, locksDir, string(fp)+".lock")
}

func lockIsCurrent(lock *flock.Flock) bool {
	held, err := lock.Stat()
	if err != nil {
		return false
	}
	onDisk, err := os.Stat(lock.Path())
	return err == nil && os.SameFile(held, onDisk)
}

// Remove deletes a published artifact. The directory is first renamed out of
// the addressable tree so concurrent readers see it vanish atomically.
func (b *FSBackend) Remove(fp fingerprint.Fingerprint) error {
	target := b.Dir(fp)
	trash := filepath.Join(b.root, trashDir)
	if err := os.MkdirAll(trash, 0o755); err != nil {
		return services.Wrap(services.ErrIO, "artifact", "remove", trash, err)
	}
	doomed := filepath.Join(trash, string(fp)+"-"+uuid.NewString())
	if err := os.Rename(target, doomed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound(fp, "")
		}
		return services.Wrap(services.ErrIO, "artifact", "remove", target, err)
	}
	if err := os.RemoveAll(doomed); err != nil {
		return services.Wrap(services.ErrIO, "artifact", "remove", doomed, err)
	}
	return nil
}

// Entry summarizes one published artifact directory.
type Entry struct {
	Fingerprint fingerprint.Fingerprint
	Dir         string
	SizeBytes   int64
	ModifiedAt  time.Time
}

// List returns every published artifact, oldest first. Directories without a
// metadata record are skipped.
func (b *FSBackend) List() ([]Entry, error) {
	shards, err := os.ReadDir(b.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, services.Wrap(services.ErrIO, "artifact", "list", b.root, err)
	}
	var entries []Entry
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		shardPath := filepath.Join(b.root, shard.Name())
		children, err := os.ReadDir(shardPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, services.Wrap(services.ErrIO, "artifact", "list", shardPath, err)
		}
		for _, child := range children {
			if !child.IsDir() {
				continue
			}
			fp, err := fingerprint.Parse(child.Name())
			if err != nil {
				continue
			}
			dir := filepath.Join(shardPath, child.Name())
			if _, err := os.Stat(filepath.Join(dir, MetaFileName)); err != nil {
				continue
			}
			size, mtime, err := dirSizeAndTime(dir)
			if err != nil {
				// Removed while listing.
				continue
			}
			entries = append(entries, Entry{Fingerprint: fp, Dir: dir, SizeBytes: size, ModifiedAt: mtime})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ModifiedAt.Equal(entries[j].ModifiedAt) {
			return entries[i].Fingerprint < entries[j].Fingerprint
		}
		return entries[i].ModifiedAt.Before(entries[j].ModifiedAt)
	})
	return entries, nil
}

// CleanStaging removes staging and trash directories older than age. These
// are left behind only by crashed producers or interrupted removals.
func (b *FSBackend) CleanStaging(age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, parent := range []string{filepath.Join(b.root, stagingDir), filepath.Join(b.root, trashDir)} {
		children, err := os.ReadDir(parent)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return removed, services.Wrap(services.ErrIO, "artifact", "clean staging", parent, err)
		}
		for _, child := range children {
			info, err := child.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(parent, child.Name())); err != nil {
				return removed, services.Wrap(services.ErrIO, "artifact", "clean staging", child.Name(), err)
			}
			removed++
		}
	}
	return removed, nil
}

// StagingCount reports how many staging areas currently exist.
func (b *FSBackend) StagingCount() (int, error) {
	children, err := os.ReadDir(filepath.Join(b.root, stagingDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, services.Wrap(services.ErrIO, "artifact", "count staging", b.root, err)
	}
	return len(children), nil
}

type fsStaging struct {
	dir       string
	published bool
}

func (s *fsStaging) Create(name string) (io.WriteCloser, error) {
	if name != MetaFileName {
		if err := validateName(name); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, services.Wrap(services.ErrIO, "artifact", "stage file", name, err)
	}
	return &syncingFile{File: file}, nil
}

func (s *fsStaging) Import(name, path string) error {
	if err := validateName(name); err != nil {
		return err
	}
	dst := filepath.Join(s.dir, name)
	if _, err := os.Lstat(dst); err == nil {
		return services.Wrap(services.ErrIO, "artifact", "import", name+" already staged", nil)
	}
	if err := fileutil.MoveFile(path, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return services.Wrap(services.ErrNotFound, "artifact", "import", path, err)
		}
		return services.Wrap(services.ErrIO, "artifact", "import", path, err)
	}
	return nil
}

func (s *fsStaging) Discard() error {
	if s.published {
		return nil
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return services.Wrap(services.ErrIO, "artifact", "discard staging", s.dir, err)
	}
	return nil
}

type syncingFile struct {
	*os.File
}

func (f *syncingFile) Close() error {
	_ = f.Sync()
	return f.File.Close()
}

func dirSizeAndTime(path string) (int64, time.Time, error) {
	var (
		size   int64
		latest time.Time
	)
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	return size, latest, nil
}
