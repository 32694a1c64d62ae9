package fileutil

import (
	"errors"
	"fmt"
	"io"
	"os"

	"coverforge/internal/fingerprint"
)

// CopyFile streams src to dst, replacing dst, and syncs it to disk.
func CopyFile(src, dst string) error {
	return copyFile(src, dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, nil)
}

// MoveFile renames src to dst, falling back to copy-and-remove when the two
// paths are on different filesystems.
func MoveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := CopyFile(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}

// CopyFileVerified copies src to dst and confirms the written bytes hash to
// the same digest as the bytes read. dst is removed on mismatch.
func CopyFileVerified(src, dst string) error {
	srcHash, err := fingerprint.NewHasher(fingerprint.RecommendedDigestSize)
	if err != nil {
		return err
	}
	if err := copyFile(src, dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, srcHash); err != nil {
		return err
	}
	written, err := fingerprint.File(dst, fingerprint.RecommendedDigestSize)
	if err != nil {
		return err
	}
	if written != srcHash.Sum() {
		_ = os.Remove(dst)
		return fmt.Errorf("copy hash mismatch: %s written, %s read", written, srcHash.Sum())
	}
	return nil
}

func copyFile(src, dst string, flags int, tee io.Writer) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("copy %s: is a directory", src)
	}

	out, err := os.OpenFile(dst, flags, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	var reader io.Reader = in
	if tee != nil {
		reader = io.TeeReader(in, tee)
	}
	written, err := io.Copy(out, reader)
	if err != nil {
		return err
	}
	if written != info.Size() {
		return fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", info.Size(), written)
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return out.Close()
}
