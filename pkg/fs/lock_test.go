package fs_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/ddcache/ddcache/pkg/fs"
)

func TestTryLockAcquiresAndReleases(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ddcache.lock")

	locker := fs.NewLocker(fs.NewReal())

	lock, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestTryLockFailsWhenAlreadyHeld(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ddcache.lock")

	locker := fs.NewLocker(fs.NewReal())

	lock, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer lock.Close()

	_, err = locker.TryLock(path)
	if !errors.Is(err, fs.ErrWouldBlock) {
		t.Fatalf("second TryLock err = %v, want ErrWouldBlock", err)
	}
}

func TestTryLockCreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "ddcache.lock")

	locker := fs.NewLocker(fs.NewReal())

	lock, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestLockCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ddcache.lock")

	locker := fs.NewLocker(fs.NewReal())

	lock, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestTryLockAfterCloseCanReacquire(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ddcache.lock")

	locker := fs.NewLocker(fs.NewReal())

	lock, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("first TryLock: %v", err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lock2, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("second TryLock: %v", err)
	}

	if err := lock2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
