package fs

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
)

// ErrChaos marks an error injected by [Chaos]. Use [IsChaosErr] to detect it.
var ErrChaos = errors.New("chaos: injected failure")

// IsChaosErr reports whether err was injected by a [Chaos] filesystem, as
// opposed to a real underlying I/O error.
func IsChaosErr(err error) bool {
	return errors.Is(err, ErrChaos)
}

// ChaosConfig controls the fault rate a [Chaos] filesystem injects.
//
// WriteFailRate is a probability in [0, 1] checked independently on each
// write; 0 (the zero value) never injects.
type ChaosConfig struct {
	// WriteFailRate is the probability that a [File.Write] call on a file
	// opened through this filesystem fails instead of reaching the
	// underlying implementation.
	WriteFailRate float64
}

// Chaos wraps an [FS] and randomly fails writes, for testing how a
// storage write handles dying mid-transfer.
//
// Every other FS and File operation passes through to the underlying
// implementation unmodified. Chaos is not meant for production use.
type Chaos struct {
	fs     FS
	mu     sync.Mutex
	rng    *rand.Rand
	config ChaosConfig
}

// NewChaos wraps underlying with write-fault injection driven by config.
// seed makes the injected failures reproducible across runs.
func NewChaos(underlying FS, seed int64, config *ChaosConfig) *Chaos {
	cfg := ChaosConfig{}
	if config != nil {
		cfg = *config
	}

	return &Chaos{
		fs:     underlying,
		rng:    rand.New(rand.NewPCG(uint64(seed), uint64(seed))),
		config: cfg,
	}
}

func (c *Chaos) shouldFail(rate float64) bool {
	if rate <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rng.Float64() < rate
}

// Open implements [FS.Open].
func (c *Chaos) Open(path string) (File, error) {
	f, err := c.fs.Open(path)
	if err != nil {
		return nil, err
	}

	return &chaosFile{c: c, f: f}, nil
}

// OpenFile implements [FS.OpenFile].
func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	f, err := c.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &chaosFile{c: c, f: f}, nil
}

// ReadFile implements [FS.ReadFile].
func (c *Chaos) ReadFile(path string) ([]byte, error) {
	return c.fs.ReadFile(path)
}

// ReadDir implements [FS.ReadDir].
func (c *Chaos) ReadDir(path string) ([]os.DirEntry, error) {
	return c.fs.ReadDir(path)
}

// MkdirAll implements [FS.MkdirAll].
func (c *Chaos) MkdirAll(path string, perm os.FileMode) error {
	return c.fs.MkdirAll(path, perm)
}

// Stat implements [FS.Stat].
func (c *Chaos) Stat(path string) (os.FileInfo, error) {
	return c.fs.Stat(path)
}

// Remove implements [FS.Remove].
func (c *Chaos) Remove(path string) error {
	return c.fs.Remove(path)
}

// Rename implements [FS.Rename].
func (c *Chaos) Rename(oldpath, newpath string) error {
	return c.fs.Rename(oldpath, newpath)
}

var _ FS = (*Chaos)(nil)

// chaosFile wraps a [File], injecting write failures on behalf of its
// owning [Chaos].
type chaosFile struct {
	c *Chaos
	f File
}

func (cf *chaosFile) Read(p []byte) (int, error) {
	return cf.f.Read(p)
}

func (cf *chaosFile) Write(p []byte) (int, error) {
	if cf.c.shouldFail(cf.c.config.WriteFailRate) {
		return 0, fmt.Errorf("%w: write", ErrChaos)
	}

	return cf.f.Write(p)
}

func (cf *chaosFile) Close() error {
	return cf.f.Close()
}

func (cf *chaosFile) Fd() uintptr {
	return cf.f.Fd()
}

func (cf *chaosFile) Stat() (os.FileInfo, error) {
	return cf.f.Stat()
}

func (cf *chaosFile) Sync() error {
	return cf.f.Sync()
}

func (cf *chaosFile) Chmod(mode os.FileMode) error {
	return cf.f.Chmod(mode)
}

var _ File = (*chaosFile)(nil)
