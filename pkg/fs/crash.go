package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// TempDirer is the minimal subset of *testing.T/*testing.B that [NewCrash]
// needs: a place to keep its working directories.
type TempDirer interface {
	TempDir() string
}

// ErrCrash marks errors originating from [Crash] internals, as opposed to
// the underlying filesystem.
var ErrCrash = errors.New("crashfs")

// CrashConfig controls [Crash] behavior. The zero value is usable.
type CrashConfig struct{}

// Crash is a test-only [FS] that simulates crash consistency.
//
// Crash runs operations against a real, rotating working directory (so
// returned [File] values have real OS file descriptors), while mirroring
// every durable change into a separate directory it owns.
//
// Durability model (strict, pessimistic):
//   - A file's contents become durable only when [File.Sync] succeeds on
//     that handle; the mirrored copy is updated from the live file at
//     that point.
//   - A directory's existence becomes durable as soon as it is created
//     ([FS.MkdirAll]): ddcached never depends on an unsynced directory
//     surviving a crash, so this package does not model that case.
//   - [FS.Rename] carries durability along with it: if the source path
//     was durable, the destination is too; otherwise the destination
//     stays non-durable even though the live rename succeeded.
//
// Calling [Crash.SimulateCrash] discards the live working directory and
// replaces it with a fresh copy of the durable mirror, simulating a
// process crash or power loss. Crash is not meant for production use.
type Crash struct {
	mu      sync.Mutex
	baseDir string
	fs      FS

	live    string
	durable string
	open    map[*crashFile]struct{}
}

// NewCrash creates a new crash-simulating filesystem.
//
// tb is typically a *testing.T and is used only to obtain an owned
// temporary directory. fsys performs the real operations and should be
// OS-backed — in practice, [NewReal].
func NewCrash(tb TempDirer, fsys FS, config *CrashConfig) (*Crash, error) {
	if tb == nil {
		return nil, fmt.Errorf("%w: tb is nil", ErrCrash)
	}

	if fsys == nil {
		return nil, fmt.Errorf("%w: fs is nil", ErrCrash)
	}

	baseDir := tb.TempDir()
	if baseDir == "" {
		return nil, fmt.Errorf("%w: temp dir is empty", ErrCrash)
	}

	durable := filepath.Join(baseDir, "durable")
	if err := os.MkdirAll(durable, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create durable dir: %w", ErrCrash, err)
	}

	live, err := os.MkdirTemp(baseDir, "live-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create live dir: %w", ErrCrash, err)
	}

	return &Crash{
		baseDir: baseDir,
		fs:      fsys,
		live:    live,
		durable: durable,
		open:    make(map[*crashFile]struct{}),
	}, nil
}

// SimulateCrash simulates a crash or power loss: it closes every open
// file, discards the live working directory, and replaces it with a
// fresh copy of the durable mirror.
func (c *Crash) SimulateCrash() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for f := range c.open {
		_ = f.f.Close()
	}

	c.open = make(map[*crashFile]struct{})

	newLive, err := os.MkdirTemp(c.baseDir, "live-*")
	if err != nil {
		return fmt.Errorf("%w: create live dir: %w", ErrCrash, err)
	}

	if err := copyTree(c.durable, newLive); err != nil {
		_ = os.RemoveAll(newLive)

		return fmt.Errorf("%w: restore durable snapshot: %w", ErrCrash, err)
	}

	oldLive := c.live
	c.live = newLive

	_ = os.RemoveAll(oldLive)

	return nil
}

var _ FS = (*Crash)(nil)

// Open implements [FS.Open].
func (c *Crash) Open(path string) (File, error) {
	return c.open2(path, c.fs.Open)
}

// OpenFile implements [FS.OpenFile].
func (c *Crash) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return c.open2(path, func(abs string) (File, error) {
		return c.fs.OpenFile(abs, flag, perm)
	})
}

func (c *Crash) open2(path string, openFn func(string) (File, error)) (File, error) {
	rel, err := virtualRel(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	abs := filepath.Join(c.live, rel)
	c.mu.Unlock()

	f, err := openFn(abs)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, err
	}

	cf := &crashFile{c: c, f: f, rel: rel, isDir: info.IsDir()}

	c.mu.Lock()
	c.open[cf] = struct{}{}
	c.mu.Unlock()

	return cf, nil
}

// ReadFile implements [FS.ReadFile].
func (c *Crash) ReadFile(path string) ([]byte, error) {
	abs, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	return c.fs.ReadFile(abs)
}

// ReadDir implements [FS.ReadDir].
func (c *Crash) ReadDir(path string) ([]os.DirEntry, error) {
	abs, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	return c.fs.ReadDir(abs)
}

// MkdirAll implements [FS.MkdirAll]. Directory creation is immediately
// durable; see the [Crash] durability model.
func (c *Crash) MkdirAll(path string, perm os.FileMode) error {
	abs, err := c.resolve(path)
	if err != nil {
		return err
	}

	if err := c.fs.MkdirAll(abs, perm); err != nil {
		return err
	}

	mirrorAbs, err := c.resolveDurable(path)
	if err != nil {
		return nil
	}

	_ = os.MkdirAll(mirrorAbs, perm)

	return nil
}

// Stat implements [FS.Stat].
func (c *Crash) Stat(path string) (os.FileInfo, error) {
	abs, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	return c.fs.Stat(abs)
}

// Remove implements [FS.Remove].
func (c *Crash) Remove(path string) error {
	abs, err := c.resolve(path)
	if err != nil {
		return err
	}

	if err := c.fs.Remove(abs); err != nil {
		return err
	}

	if mirrorAbs, err := c.resolveDurable(path); err == nil {
		_ = os.RemoveAll(mirrorAbs)
	}

	return nil
}

// Rename implements [FS.Rename]. The destination inherits the source's
// durability: if the source had not yet been synced, the rename is not
// guaranteed to survive [Crash.SimulateCrash] even though it succeeds now.
func (c *Crash) Rename(oldpath, newpath string) error {
	oldAbs, err := c.resolve(oldpath)
	if err != nil {
		return err
	}

	newAbs, err := c.resolve(newpath)
	if err != nil {
		return err
	}

	if err := c.fs.Rename(oldAbs, newAbs); err != nil {
		return err
	}

	oldMirror, errOld := c.resolveDurable(oldpath)
	newMirror, errNew := c.resolveDurable(newpath)

	if errOld != nil || errNew != nil {
		return nil
	}

	_ = os.RemoveAll(newMirror)

	if _, err := os.Stat(oldMirror); err == nil {
		_ = os.MkdirAll(filepath.Dir(newMirror), 0o755)
		_ = os.Rename(oldMirror, newMirror)
	}

	return nil
}

func (c *Crash) resolve(path string) (string, error) {
	rel, err := virtualRel(path)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return filepath.Join(c.live, rel), nil
}

func (c *Crash) resolveDurable(path string) (string, error) {
	rel, err := virtualRel(path)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return filepath.Join(c.durable, rel), nil
}

// virtualRel normalizes a user path into root-relative form, so absolute
// and relative paths from the caller both land inside [Crash]'s owned
// directories. Absolute paths become root-relative ("/a" -> "a").
func virtualRel(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	clean := filepath.Clean(path)
	if clean == "." {
		return "", nil
	}

	if filepath.IsAbs(clean) {
		return strings.TrimPrefix(clean, string(os.PathSeparator)), nil
	}

	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: relative path %q escapes root", ErrCrash, path)
	}

	return clean, nil
}

// crashFile wraps an open [File], mirroring its contents into the durable
// snapshot whenever it is synced.
type crashFile struct {
	c     *Crash
	f     File
	rel   string
	isDir bool
}

func (cf *crashFile) Read(p []byte) (int, error) {
	return cf.f.Read(p)
}

func (cf *crashFile) Write(p []byte) (int, error) {
	return cf.f.Write(p)
}

func (cf *crashFile) Fd() uintptr {
	return cf.f.Fd()
}

func (cf *crashFile) Stat() (os.FileInfo, error) {
	return cf.f.Stat()
}

func (cf *crashFile) Chmod(mode os.FileMode) error {
	return cf.f.Chmod(mode)
}

// Sync implements [File.Sync]. On success, a regular file's current
// contents are copied into the durable mirror; a directory handle's sync
// is a no-op beyond the underlying sync, since directory durability is
// already tracked at [Crash.MkdirAll]/[Crash.Rename] time.
func (cf *crashFile) Sync() error {
	if err := cf.f.Sync(); err != nil {
		return err
	}

	if cf.isDir {
		return nil
	}

	cf.c.mu.Lock()
	liveAbs := filepath.Join(cf.c.live, cf.rel)
	mirrorAbs := filepath.Join(cf.c.durable, cf.rel)
	cf.c.mu.Unlock()

	data, err := os.ReadFile(liveAbs)
	if err != nil {
		return nil
	}

	info, err := os.Stat(liveAbs)
	if err != nil {
		return nil
	}

	_ = os.MkdirAll(filepath.Dir(mirrorAbs), 0o755)
	_ = os.WriteFile(mirrorAbs, data, info.Mode().Perm())

	return nil
}

func (cf *crashFile) Close() error {
	cf.c.mu.Lock()
	delete(cf.c.open, cf)
	cf.c.mu.Unlock()

	return cf.f.Close()
}

var _ File = (*crashFile)(nil)

// copyTree recursively copies src onto dst, which must already exist.
func copyTree(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		if entry.IsDir() {
			info, err := entry.Info()
			if err != nil {
				return err
			}

			if err := os.MkdirAll(dstPath, info.Mode().Perm()); err != nil {
				return err
			}

			if err := copyTree(srcPath, dstPath); err != nil {
				return err
			}

			continue
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		data, err := os.ReadFile(srcPath)
		if err != nil {
			return err
		}

		if err := os.WriteFile(dstPath, data, info.Mode().Perm()); err != nil {
			return err
		}
	}

	return nil
}
