package sweep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"coverforge/internal/artifact"
	"coverforge/internal/fingerprint"
	"coverforge/internal/services"
	"coverforge/internal/stage"
	"coverforge/internal/testsupport"
)

type fixture struct {
	store   *artifact.Store
	backend *artifact.FSBackend
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store, backend := testsupport.MustOpenStore(t, cfg)
	return fixture{store: store, backend: backend}
}

// put stores an artifact with one output of size bytes and backdates it.
func (f fixture) put(t *testing.T, song string, size int, age time.Duration) fingerprint.Fingerprint {
	t.Helper()
	d := stage.Descriptor{
		Kind:     stage.KindSeparate,
		Upstream: []stage.FileMetaData{{Name: "song.mp3", HashID: fingerprint.Fingerprint(song)}},
		Params:   stage.DefaultSeparateParams(),
	}
	h, err := f.store.Create(context.Background(), d, func(_ context.Context, w *artifact.Writer) error {
		return w.CopyFrom("vocals.wav", strings.NewReader(strings.Repeat("v", size)))
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	when := time.Now().Add(-age)
	_ = filepath.WalkDir(h.Dir, func(path string, _ os.DirEntry, err error) error {
		if err == nil {
			_ = os.Chtimes(path, when, when)
		}
		return nil
	})
	return h.Fingerprint
}

func TestPruneBySize(t *testing.T) {
	f := newFixture(t)
	oldFP := f.put(t, "0000000001", 4096, 3*time.Hour)
	midFP := f.put(t, "0000000002", 4096, 2*time.Hour)
	newFP := f.put(t, "0000000003", 4096, time.Hour)

	s, err := New(f.store, f.backend, WithMaxBytes(10000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Override statfs to ignore free-space logic in this test.
	s.statfs = func(string) (uint64, uint64, error) { return 100, 50, nil }

	result, err := s.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(result.Removed) != 1 || result.Removed[0] != oldFP {
		t.Fatalf("removed = %v, want [%s]", result.Removed, oldFP)
	}
	if ok, _ := f.store.Exists(oldFP); ok {
		t.Fatal("oldest artifact should be pruned")
	}
	for _, fp := range []fingerprint.Fingerprint{midFP, newFP} {
		if ok, _ := f.store.Exists(fp); !ok {
			t.Fatalf("artifact %s should remain", fp)
		}
	}
}

func TestPruneHonoursFreeSpaceFloor(t *testing.T) {
	f := newFixture(t)
	oldFP := f.put(t, "0000000001", 100, 2*time.Hour)
	newFP := f.put(t, "0000000002", 100, time.Hour)

	s, err := New(f.store, f.backend)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	calls := 0
	s.statfs = func(string) (uint64, uint64, error) {
		calls++
		if calls == 1 {
			return 100, 10, nil
		}
		return 100, 50, nil
	}

	result, err := s.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(result.Removed) != 1 || result.Removed[0] != oldFP {
		t.Fatalf("removed = %v, want [%s]", result.Removed, oldFP)
	}
	if ok, _ := f.store.Exists(newFP); !ok {
		t.Fatal("newest artifact should remain")
	}
}

func TestPruneKeepsProtectedArtifacts(t *testing.T) {
	f := newFixture(t)
	oldFP := f.put(t, "0000000001", 4096, 2*time.Hour)
	f.put(t, "0000000002", 4096, time.Hour)

	s, err := New(f.store, f.backend, WithMaxBytes(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.statfs = func(string) (uint64, uint64, error) { return 100, 50, nil }

	_, err = s.Prune(context.Background(), oldFP)
	if !errors.Is(err, services.ErrIO) {
		t.Fatalf("Prune error = %v, want over-budget ErrIO", err)
	}
	if ok, _ := f.store.Exists(oldFP); !ok {
		t.Fatal("protected artifact was removed")
	}
}

func TestStatsIncludesEntrySummaries(t *testing.T) {
	f := newFixture(t)
	oldFP := f.put(t, "0000000001", 128, 2*time.Hour)
	newFP := f.put(t, "0000000002", 256, time.Minute)

	s, err := New(f.store, f.backend, WithMaxBytes(1<<20))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.statfs = func(string) (uint64, uint64, error) { return 1000, 250, nil }

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if got, want := len(stats.EntrySummaries), 2; got != want {
		t.Fatalf("entry summaries len: got %d want %d", got, want)
	}
	first := stats.EntrySummaries[0]
	if first.Fingerprint != newFP {
		t.Fatalf("unexpected ordering: %s first", first.Fingerprint)
	}
	if first.StageKind != stage.KindSeparate || first.PrimaryFile != "vocals.wav" || first.OutputCount != 1 {
		t.Fatalf("summary = %+v", first)
	}
	if stats.EntrySummaries[1].Fingerprint != oldFP {
		t.Fatalf("unexpected second entry: %s", stats.EntrySummaries[1].Fingerprint)
	}
	if stats.FreeRatio != 0.25 || stats.MaxBytes != 1<<20 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.TotalBytes <= 384 {
		t.Fatalf("total bytes %d should include metadata", stats.TotalBytes)
	}
}

func TestVerifyAndRemoveDamaged(t *testing.T) {
	f := newFixture(t)
	goodFP := f.put(t, "0000000001", 64, time.Hour)
	badFP := f.put(t, "0000000002", 64, time.Hour)
	if err := os.WriteFile(filepath.Join(f.backend.Dir(badFP), "vocals.wav"), []byte("bitrot"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	s, err := New(f.store, f.backend)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	checked, damaged, err := s.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if checked != 2 || len(damaged) != 1 || damaged[0].Fingerprint != badFP {
		t.Fatalf("checked=%d damaged=%+v", checked, damaged)
	}

	removed, err := s.RemoveDamaged(context.Background(), damaged)
	if err != nil || removed != 1 {
		t.Fatalf("RemoveDamaged = %d, %v", removed, err)
	}
	if ok, _ := f.store.Exists(badFP); ok {
		t.Fatal("damaged artifact should be gone")
	}
	if ok, _ := f.store.Exists(goodFP); !ok {
		t.Fatal("healthy artifact should remain")
	}
}

func TestPruneRemovesStaleStaging(t *testing.T) {
	f := newFixture(t)
	stale := filepath.Join(f.backend.Root(), ".staging", "abandoned")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	old := time.Now().Add(-72 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	s, err := New(f.store, f.backend, WithStaleStaging(time.Hour))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.statfs = func(string) (uint64, uint64, error) { return 100, 50, nil }
	result, err := s.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if result.StagingRemoved != 1 {
		t.Fatalf("staging removed = %d", result.StagingRemoved)
	}
}

func TestPruneReclaimsLockFiles(t *testing.T) {
	f := newFixture(t)
	for i := range 20 {
		f.put(t, fmt.Sprintf("00000000%02d", i), 64, time.Duration(20-i)*time.Minute)
	}
	if n, err := f.backend.LockCount(); err != nil || n != 20 {
		t.Fatalf("LockCount before prune = %d, %v; want 20", n, err)
	}

	s, err := New(f.store, f.backend, WithMaxBytes(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.statfs = func(string) (uint64, uint64, error) { return 100, 50, nil }
	result, err := s.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(result.Removed) != 20 || result.LocksRemoved != 20 {
		t.Fatalf("Prune removed %d artifacts and %d locks, want 20 and 20", len(result.Removed), result.LocksRemoved)
	}
	if n, err := f.backend.LockCount(); err != nil || n != 0 {
		t.Fatalf("LockCount after prune = %d, %v; want 0", n, err)
	}

	again := f.put(t, "0000000005", 64, 0)
	if ok, _ := f.store.Exists(again); !ok {
		t.Fatal("artifact not re-created after its lock file was reclaimed")
	}
}
