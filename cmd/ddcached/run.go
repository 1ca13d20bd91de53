package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/ddcache/ddcache/internal/ddconfig"
	"github.com/ddcache/ddcache/internal/ddserver"
	"github.com/ddcache/ddcache/internal/ddtransport"
	"github.com/ddcache/ddcache/pkg/blobmeta"
	"github.com/ddcache/ddcache/pkg/blobstore"
	"github.com/ddcache/ddcache/pkg/fs"
)

const lockFileName = ".ddcached.lock"

// Run is the daemon's real entry point; main is kept to os.Args/os.Exit
// plumbing so this stays testable without spawning a process. sigCh can be
// nil if signal-driven shutdown is not needed (e.g. in tests), in which
// case no signal stops the actor: once it is serving, Run returns only if
// the transport fails.
func Run(_ io.Reader, out, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	flags := flag.NewFlagSet("ddcached", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.Usage = func() {}

	flagConfig := flags.StringP("config", "c", "", "Use specified config `file`")
	flagRootDir := flags.String("root-dir", "", "Override storage root `directory`")
	flagMaxConcurrency := flags.Int64("max-concurrency", 0, "Override max_concurrency")
	flagStorageHWM := flags.Uint64("storage-size-hwm", 0, "Override storage_size_hwm")
	flagStorageLWM := flags.Uint64("storage-size-lwm", 0, "Override storage_size_lwm")
	flagBlobEndpoint := flags.String("blob-endpoint", "", "Override blob_endpoint")

	if err := flags.Parse(args[1:]); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	var overrides ddconfig.Overrides

	if flags.Changed("root-dir") {
		overrides.RootDir, overrides.RootDirSet = *flagRootDir, true
	}

	if flags.Changed("max-concurrency") {
		overrides.MaxConcurrency, overrides.MaxConcurrencySet = *flagMaxConcurrency, true
	}

	if flags.Changed("storage-size-hwm") {
		overrides.StorageSizeHWM, overrides.StorageSizeHWMSet = *flagStorageHWM, true
	}

	if flags.Changed("storage-size-lwm") {
		overrides.StorageSizeLWM, overrides.StorageSizeLWMSet = *flagStorageLWM, true
	}

	if flags.Changed("blob-endpoint") {
		overrides.BlobEndpoint, overrides.BlobEndpointSet = *flagBlobEndpoint, true
	}

	workDir, ok := env["PWD"]
	if !ok {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}
	}

	cfg, err := ddconfig.Load(workDir, *flagConfig, *flagConfig != "", overrides)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	log := slog.New(slog.NewTextHandler(errOut, nil))

	realFS := fs.NewReal()

	if err := realFS.MkdirAll(cfg.RootDir, 0o755); err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	locker := fs.NewLocker(realFS)

	rootLock, err := locker.TryLock(filepath.Join(cfg.RootDir, lockFileName))
	if err != nil {
		fmt.Fprintln(errOut, "error: failed to lock", cfg.RootDir,
			"(likely already in use by another ddcached instance):", err)
		return 1
	}
	defer rootLock.Close()

	storage, err := blobstore.Open(realFS, cfg.RootDir, blobmeta.Limits{
		MaxKeySize:      cfg.MaxKeySize,
		MaxMetadataSize: cfg.MaxMetadataSize,
	})
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	actor := ddserver.New(ddserver.Config{
		MaxKeySize:         cfg.MaxKeySize,
		MaxMetadataSize:    cfg.MaxMetadataSize,
		MaxBlobSize:        cfg.MaxBlobSize,
		MaxConcurrency:     cfg.MaxConcurrency,
		StorageSizeHWM:     cfg.StorageSizeHWM,
		StorageSizeLWM:     cfg.StorageSizeLWM,
		RequestTimeout:     time.Duration(cfg.RequestTimeout),
		ExpirePollInterval: time.Duration(cfg.ExpirePollInterval),
		BlobEndpoint:       cfg.BlobEndpoint,
	}, ddtransport.NewChannel(), storage, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case sig := <-sigCh:
				log.Info("received signal, shutting down", "signal", sig)
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	fmt.Fprintf(out, "ddcached: serving %s (max_concurrency=%d)\n", cfg.RootDir, cfg.MaxConcurrency)

	if err := actor.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	return 0
}
