package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"coverforge/internal/fingerprint"
	"coverforge/internal/services"
)

func publishFile(t *testing.T, b *FSBackend, fp fingerprint.Fingerprint, name, content string) {
	t.Helper()
	s, err := b.Stage()
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	for _, file := range []struct{ name, body string }{{name, content}, {MetaFileName, "{}"}} {
		w, err := s.Create(file.name)
		if err != nil {
			t.Fatalf("Create %s: %v", file.name, err)
		}
		if _, err := w.Write([]byte(file.body)); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	if err := b.Publish(s, fp); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestFSLayoutIsSharded(t *testing.T) {
	b, err := NewFSBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSBackend: %v", err)
	}
	publishFile(t, b, "abcdef0123", "vocals.wav", "vvv")
	want := filepath.Join(b.Root(), "ab", "abcdef0123", "vocals.wav")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected %s: %v", want, err)
	}
	ok, err := b.Exists("abcdef0123")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
}

func TestFSPublishRefusesExistingArtifact(t *testing.T) {
	b, err := NewFSBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSBackend: %v", err)
	}
	publishFile(t, b, "abcdef0123", "vocals.wav", "first")

	s, err := b.Stage()
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := b.Publish(s, "abcdef0123"); !errors.Is(err, ErrPublished) {
		t.Fatalf("Publish = %v, want ErrPublished", err)
	}
	if err := s.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(b.Dir("abcdef0123"), "vocals.wav"))
	if err != nil || string(data) != "first" {
		t.Fatalf("original artifact disturbed: %q, %v", data, err)
	}
}

func TestFSPublishReplacesDebris(t *testing.T) {
	b, err := NewFSBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSBackend: %v", err)
	}
	debris := b.Dir("abcdef0123")
	if err := os.MkdirAll(debris, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(debris, "half.wav"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	publishFile(t, b, "abcdef0123", "vocals.wav", "vvv")
	if _, err := os.Stat(filepath.Join(debris, "half.wav")); !os.IsNotExist(err) {
		t.Fatalf("debris survived publish: %v", err)
	}
}

func TestFSRemoveAndList(t *testing.T) {
	b, err := NewFSBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSBackend: %v", err)
	}
	publishFile(t, b, "abcdef0123", "vocals.wav", "12345")
	publishFile(t, b, "0123456789", "mix.wav", "12")

	old := time.Now().Add(-time.Hour)
	for _, p := range []string{filepath.Join(b.Dir("0123456789"), "mix.wav"), filepath.Join(b.Dir("0123456789"), MetaFileName), b.Dir("0123456789")} {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	entries, err := b.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Fingerprint != "0123456789" {
		t.Fatalf("oldest entry = %s", entries[0].Fingerprint)
	}
	if entries[1].SizeBytes != int64(len("12345")+len("{}")) {
		t.Fatalf("size = %d", entries[1].SizeBytes)
	}

	if err := b.Remove("abcdef0123"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := b.Remove("abcdef0123"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("second Remove = %v, want ErrNotFound", err)
	}
	if _, err := b.Open("abcdef0123", "vocals.wav"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("Open removed = %v, want ErrNotFound", err)
	}
}

func TestFSCleanStaging(t *testing.T) {
	b, err := NewFSBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSBackend: %v", err)
	}
	stale, err := b.Stage()
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	fresh, err := b.Stage()
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale.(*fsStaging).dir, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := b.CleanStaging(24 * time.Hour)
	if err != nil {
		t.Fatalf("CleanStaging: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(fresh.(*fsStaging).dir); err != nil {
		t.Fatalf("fresh staging removed: %v", err)
	}
}

func TestFSLockTimesOut(t *testing.T) {
	b, err := NewFSBackend(t.TempDir(), WithLockRetry(time.Millisecond))
	if err != nil {
		t.Fatalf("NewFSBackend: %v", err)
	}
	unlock, err := b.Lock(context.Background(), "abcdef0123")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Lock(ctx, "abcdef0123"); !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("contended Lock = %v, want ErrTimeout", err)
	}
}

func TestFSCleanLocksSkipsHeldAndPublished(t *testing.T) {
	b, err := NewFSBackend(t.TempDir(), WithLockRetry(time.Millisecond))
	if err != nil {
		t.Fatalf("NewFSBackend: %v", err)
	}
	ctx := context.Background()
	const published, held, idle fingerprint.Fingerprint = "aa00000001", "bb00000002", "cc00000003"
	for _, fp := range []fingerprint.Fingerprint{published, idle} {
		unlock, err := b.Lock(ctx, fp)
		if err != nil {
			t.Fatalf("Lock %s: %v", fp, err)
		}
		unlock()
	}
	publishFile(t, b, published, "vocals.wav", "vvv")
	unlockHeld, err := b.Lock(ctx, held)
	if err != nil {
		t.Fatalf("Lock %s: %v", held, err)
	}

	removed, err := b.CleanLocks()
	if err != nil {
		t.Fatalf("CleanLocks: %v", err)
	}
	if removed != 1 {
		t.Fatalf("CleanLocks removed %d, want only the idle lock", removed)
	}
	for fp, want := range map[fingerprint.Fingerprint]bool{published: true, held: true, idle: false} {
		_, err := os.Stat(b.lockPath(fp))
		if got := err == nil; got != want {
			t.Errorf("%s lock file present = %v, want %v", fp, got, want)
		}
	}

	unlockHeld()
	if removed, err := b.CleanLocks(); err != nil || removed != 1 {
		t.Fatalf("CleanLocks after release = %d, %v; want 1", removed, err)
	}
	if n, err := b.LockCount(); err != nil || n != 1 {
		t.Fatalf("LockCount = %d, %v; want the published artifact's lock", n, err)
	}
}

func TestLockIsCurrentDetectsUnlinkedFile(t *testing.T) {
	b, err := NewFSBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSBackend: %v", err)
	}
	path := b.lockPath("abcdef0123")
	stale := flock.New(path)
	if ok, err := stale.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	defer stale.Unlock()
	if !lockIsCurrent(stale) {
		t.Fatal("freshly locked file reported stale")
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if lockIsCurrent(stale) {
		t.Fatal("lock on an unlinked file reported current")
	}

	unlock, err := b.Lock(context.Background(), "abcdef0123")
	if err != nil {
		t.Fatalf("Lock after unlink: %v", err)
	}
	defer unlock()
	if lockIsCurrent(stale) {
		t.Fatal("lock on a replaced file reported current")
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"vocals.wav", "main_vocals.flac", "mix"} {
		if err := validateName(name); err != nil {
			t.Fatalf("validateName(%q) = %v", name, err)
		}
	}
	for _, name := range []string{"", " ", ".x", "a/b", MetaFileName} {
		if err := validateName(name); err == nil || !strings.Contains(err.Error(), "invalid output name") {
			t.Fatalf("validateName(%q) = %v", name, err)
		}
	}
}
