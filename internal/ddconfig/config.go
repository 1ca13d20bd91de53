// Package ddconfig loads ddcached's configuration, using a fixed
// precedence chain: built-in defaults, then a JSON(+comments) config
// file, then explicit CLI flag overrides.
package ddconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"
)

// Config holds every ddcached tuning option (key/metadata/blob size limits,
// concurrency, eviction watermarks, request timeout), plus the ambient
// options (root_dir, blob_endpoint) needed to run the daemon.
type Config struct {
	RootDir string `json:"root_dir"`

	MaxKeySize      int    `json:"max_key_size"`
	MaxMetadataSize int    `json:"max_metadata_size"`
	MaxBlobSize     uint64 `json:"max_blob_size"`
	MaxConcurrency  int64  `json:"max_concurrency"`

	StorageSizeHWM uint64 `json:"storage_size_hwm"`
	StorageSizeLWM uint64 `json:"storage_size_lwm"`

	RequestTimeout     durationJSON `json:"request_timeout"`
	ExpirePollInterval durationJSON `json:"expire_poll_interval"`

	// BlobEndpoint is the address a client connects to for the blob
	// data-plane, handed back verbatim in parked replies. The listener
	// behind it is outside this module's scope.
	BlobEndpoint string `json:"blob_endpoint"`
}

// durationJSON lets config files spell durations as "30s"/"5m" the way
// time.ParseDuration does, instead of raw nanosecond integers.
type durationJSON time.Duration

func (d durationJSON) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *durationJSON) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("ddconfig: invalid duration %q: %w", s, err)
	}

	*d = durationJSON(parsed)

	return nil
}

// Default returns the built-in configuration: a local root directory,
// generous but non-zero bounds, and no eviction target (storage grows
// unbounded unless StorageSizeHWM is configured).
func Default() Config {
	return Config{
		RootDir:            "ddcache-data",
		MaxKeySize:         4096,
		MaxMetadataSize:    65536,
		MaxBlobSize:        1 << 30,
		MaxConcurrency:     256,
		RequestTimeout:     durationJSON(30 * time.Second),
		ExpirePollInterval: durationJSON(time.Minute),
	}
}

// Overrides carries CLI flag values; a field is only applied over the
// loaded config if its companion Set flag is true, so "not passed on the
// command line" is distinguishable from "explicitly set to the zero
// value".
type Overrides struct {
	RootDir    string
	RootDirSet bool

	MaxKeySize    int
	MaxKeySizeSet bool

	MaxMetadataSize    int
	MaxMetadataSizeSet bool

	MaxBlobSize    uint64
	MaxBlobSizeSet bool

	MaxConcurrency    int64
	MaxConcurrencySet bool

	StorageSizeHWM    uint64
	StorageSizeHWMSet bool

	StorageSizeLWM    uint64
	StorageSizeLWMSet bool

	BlobEndpoint    string
	BlobEndpointSet bool
}

// Load resolves Config with that precedence: defaults, then the
// config file at path (if non-empty and present; missing is only an error
// if mustExist is true), then overrides. workDir resolves a relative
// RootDir from the config file or overrides.
func Load(workDir, path string, mustExist bool, overrides Overrides) (Config, error) {
	cfg := Default()

	if path != "" {
		fileCfg, loaded, err := loadFile(path, mustExist)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = merge(cfg, fileCfg)
		}
	}

	cfg = applyOverrides(cfg, overrides)

	if cfg.RootDir == "" {
		return Config{}, errRootDirEmpty
	}

	if !filepath.IsAbs(cfg.RootDir) {
		cfg.RootDir = filepath.Join(workDir, cfg.RootDir)
	}

	return cfg, validate(cfg)
}

func loadFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func merge(base, overlay Config) Config {
	if overlay.RootDir != "" {
		base.RootDir = overlay.RootDir
	}

	if overlay.MaxKeySize != 0 {
		base.MaxKeySize = overlay.MaxKeySize
	}

	if overlay.MaxMetadataSize != 0 {
		base.MaxMetadataSize = overlay.MaxMetadataSize
	}

	if overlay.MaxBlobSize != 0 {
		base.MaxBlobSize = overlay.MaxBlobSize
	}

	if overlay.MaxConcurrency != 0 {
		base.MaxConcurrency = overlay.MaxConcurrency
	}

	if overlay.StorageSizeHWM != 0 {
		base.StorageSizeHWM = overlay.StorageSizeHWM
	}

	if overlay.StorageSizeLWM != 0 {
		base.StorageSizeLWM = overlay.StorageSizeLWM
	}

	if overlay.RequestTimeout != 0 {
		base.RequestTimeout = overlay.RequestTimeout
	}

	if overlay.ExpirePollInterval != 0 {
		base.ExpirePollInterval = overlay.ExpirePollInterval
	}

	if overlay.BlobEndpoint != "" {
		base.BlobEndpoint = overlay.BlobEndpoint
	}

	return base
}

func applyOverrides(cfg Config, o Overrides) Config {
	if o.RootDirSet {
		cfg.RootDir = o.RootDir
	}

	if o.MaxKeySizeSet {
		cfg.MaxKeySize = o.MaxKeySize
	}

	if o.MaxMetadataSizeSet {
		cfg.MaxMetadataSize = o.MaxMetadataSize
	}

	if o.MaxBlobSizeSet {
		cfg.MaxBlobSize = o.MaxBlobSize
	}

	if o.MaxConcurrencySet {
		cfg.MaxConcurrency = o.MaxConcurrency
	}

	if o.StorageSizeHWMSet {
		cfg.StorageSizeHWM = o.StorageSizeHWM
	}

	if o.StorageSizeLWMSet {
		cfg.StorageSizeLWM = o.StorageSizeLWM
	}

	if o.BlobEndpointSet {
		cfg.BlobEndpoint = o.BlobEndpoint
	}

	return cfg
}

func validate(cfg Config) error {
	if cfg.MaxConcurrency <= 0 {
		return fmt.Errorf("%w: max_concurrency must be positive, got %d", errConfigInvalid, cfg.MaxConcurrency)
	}

	if cfg.StorageSizeHWM > 0 && cfg.StorageSizeLWM > cfg.StorageSizeHWM {
		return fmt.Errorf("%w: storage_size_lwm (%d) must not exceed storage_size_hwm (%d)",
			errConfigInvalid, cfg.StorageSizeLWM, cfg.StorageSizeHWM)
	}

	return nil
}
