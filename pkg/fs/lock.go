package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// ErrWouldBlock is returned by [Locker.TryLock] when the lock is held by
// another process.
var ErrWouldBlock = errors.New("lock would block")

// errInodeMismatch is an internal sentinel indicating the lock file was
// replaced between open and flock. Callers should retry.
var errInodeMismatch = errors.New("inode mismatch")

// Locker provides the single exclusive, non-blocking advisory lock
// ddcached takes on its storage root at startup, using flock(2).
//
// flock locks an inode (the open file), not a pathname. Callers should
// lock a dedicated, stable lock file path (for example "ddcache.lock")
// and avoid replacing/unlinking that lock file while the lock is held.
//
// Locker has no internal mutable state beyond its dependencies. It is
// safe for concurrent use as long as the underlying [FS] is.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker creates a Locker that uses the given filesystem for file
// operations.
func NewLocker(fs FS) *Locker {
	return &Locker{
		fs:    fs,
		flock: syscall.Flock,
	}
}

// Lock represents a held file lock. Call [Lock.Close] to release it.
type Lock struct {
	mu    sync.Mutex
	file  File
	flock func(fd int, how int) error
}

// Close releases the lock and closes the underlying file descriptor.
//
// Close is idempotent: calling it multiple times is safe and subsequent
// calls return nil. On Unix, closing a file descriptor typically releases
// any flock held by that descriptor/process; Close attempts an explicit
// unlock first, but if that fails while the close still succeeds, the
// lock is usually released anyway.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(lk.flock, fd, syscall.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return nil
}

// TryLock attempts to acquire an exclusive lock on the file at path
// without blocking.
//
// If the file or its parent directories do not exist, they are created
// lazily. Returns [ErrWouldBlock] immediately if the lock is held by
// another process.
//
// Race conditions where the file is replaced (renamed, deleted and
// recreated) while the lock is being acquired are handled automatically:
// the lock is always acquired on the inode currently at path.
func (l *Locker) TryLock(path string) (*Lock, error) {
	for {
		file, err := l.openLockFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = l.acquire(file, path)
		if err == nil {
			return &Lock{file: file, flock: l.flock}, nil
		}

		_ = file.Close()

		if errors.Is(err, errInodeMismatch) {
			continue
		}

		return nil, err
	}
}

// acquire attempts to flock the given file non-blocking and verify the
// inode still matches path. On success, the file is locked and ready to
// use. On failure, the file is unlocked (if needed) but NOT closed - the
// caller must close it.
func (l *Locker) acquire(file File, path string) error {
	fd := int(file.Fd())

	if err := flockRetryEINTR(l.flock, fd, syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if isWouldBlock(err) {
			return ErrWouldBlock
		}

		return err
	}

	match, err := l.inodeMatchesPath(path, file)
	if err != nil {
		_ = flockRetryEINTR(l.flock, fd, syscall.LOCK_UN)

		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}

		return fmt.Errorf("verifying inode match: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(l.flock, fd, syscall.LOCK_UN)

		return errInodeMismatch
	}

	return nil
}

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

func (l *Locker) openLockFile(path string) (File, error) {
	flag := os.O_RDWR | os.O_CREATE

	f, err := l.fs.OpenFile(path, flag, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, flag, lockFilePerm)
}

// inodeMatchesPath verifies that f (the open file descriptor we're about
// to use as the lock) still refers to the file currently at path.
//
// flock locks by inode, not pathname: a pathname can be replaced while
// acquiring the lock (rename, delete+recreate). This compares (dev,inode)
// of the open fd to the current (dev,inode) at path; on mismatch the
// caller unlocks and retries.
func (l *Locker) inodeMatchesPath(path string, f File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	openSys, ok := openInfo.Sys().(*syscall.Stat_t)
	if !ok || openSys == nil {
		return false, fmt.Errorf("file.Stat Sys=%T, want *syscall.Stat_t", openInfo.Sys())
	}

	pathInfo, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	pathSys, ok := pathInfo.Sys().(*syscall.Stat_t)
	if !ok || pathSys == nil {
		return false, fmt.Errorf("fs.Stat Sys=%T, want *syscall.Stat_t", pathInfo.Sys())
	}

	return openSys.Dev == pathSys.Dev && openSys.Ino == pathSys.Ino, nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN)
}

// flockRetryEINTR wraps flock, retrying on EINTR: a signal interrupting
// the syscall before it could complete, not a real failure.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}

	return err
}
