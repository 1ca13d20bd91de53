package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ErrDirSync indicates the parent directory could not be synced after the
// rename. When returned, the new file is in place but its durability is
// not guaranteed. Callers can detect this with errors.Is.
var ErrDirSync = errors.New("fs: dir sync")

// atomicPerm is the mode of every atomically placed file. It is applied
// with an explicit chmod so the process umask cannot interfere.
const atomicPerm = 0o644

// AtomicWriter places a blob's sidecar on disk atomically and durably:
// the payload goes to a temp file in the destination directory, is
// synced, renamed over the destination, and the directory is synced so
// the rename itself survives a crash. A reader racing the rename sees
// either the old sidecar or the new one, never a torn write.
type AtomicWriter struct {
	fs  FS
	seq atomic.Uint64
}

// NewAtomicWriter creates an AtomicWriter that uses the given filesystem.
// Panics if fsys is nil.
func NewAtomicWriter(fsys FS) *AtomicWriter {
	if fsys == nil {
		panic("fs is nil")
	}

	return &AtomicWriter{fs: fsys}
}

// Write atomically replaces the file at path with data. Sidecars are
// small encoded buffers already held in memory, so Write takes a byte
// slice rather than streaming from a reader.
//
// On any error before the rename, the temp file is removed and path is
// untouched. An [ErrDirSync] failure after the rename leaves the new
// file in place.
func (w *AtomicWriter) Write(path string, data []byte) error {
	if path == "" {
		return errors.New("fs: atomic write: path is empty")
	}

	dir, base := filepath.Split(path)
	if base == "" || base == "." {
		return fmt.Errorf("fs: atomic write: path %q has no filename", path)
	}

	if dir == "" {
		dir = "."
	}

	dir = filepath.Clean(dir)

	tmpPath, err := w.writeTemp(dir, base, data)
	if err != nil {
		return err
	}

	if err := w.fs.Rename(tmpPath, path); err != nil {
		_ = w.fs.Remove(tmpPath)

		return fmt.Errorf("fs: atomic write: rename %q: %w", path, err)
	}

	return w.syncDir(dir)
}

// writeTemp creates the temp file next to its eventual destination (a
// rename is only atomic within one filesystem), fills it with data, and
// syncs it. A stale temp left behind by a crashed process is removed and
// the create retried once.
func (w *AtomicWriter) writeTemp(dir, base string, data []byte) (string, error) {
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", base, w.seq.Add(1)))

	file, err := w.fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, atomicPerm)
	if os.IsExist(err) {
		_ = w.fs.Remove(tmpPath)
		file, err = w.fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, atomicPerm)
	}

	if err != nil {
		return "", fmt.Errorf("fs: atomic write: create temp %q: %w", tmpPath, err)
	}

	if err := w.fillTemp(file, data); err != nil {
		_ = file.Close()
		_ = w.fs.Remove(tmpPath)

		return "", fmt.Errorf("fs: atomic write: temp %q: %w", tmpPath, err)
	}

	if err := file.Close(); err != nil {
		_ = w.fs.Remove(tmpPath)

		return "", fmt.Errorf("fs: atomic write: close temp %q: %w", tmpPath, err)
	}

	return tmpPath, nil
}

func (w *AtomicWriter) fillTemp(file File, data []byte) error {
	if err := file.Chmod(atomicPerm); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	return nil
}

func (w *AtomicWriter) syncDir(dir string) error {
	dirFile, err := w.fs.Open(dir)
	if err != nil {
		return errors.Join(ErrDirSync, fmt.Errorf("open dir %q: %w", dir, err))
	}

	syncErr := dirFile.Sync()
	closeErr := dirFile.Close()

	if syncErr != nil {
		return errors.Join(ErrDirSync, fmt.Errorf("sync dir %q: %w", dir, syncErr), closeErr)
	}

	if closeErr != nil {
		return errors.Join(ErrDirSync, fmt.Errorf("close dir %q: %w", dir, closeErr))
	}

	return nil
}
