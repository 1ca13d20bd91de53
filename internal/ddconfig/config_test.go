package ddconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenNoFileOrOverrides(t *testing.T) {
	cfg, err := Load(t.TempDir(), "", false, Overrides{})
	require.NoError(t, err)
	require.Equal(t, Default().MaxConcurrency, cfg.MaxConcurrency)
	require.Equal(t, time.Duration(Default().RequestTimeout), time.Duration(cfg.RequestTimeout))
}

func TestLoadMergesConfigFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ddcached.jsonc")

	require.NoError(t, os.WriteFile(path, []byte(`{
		// trailing commas and comments are fine, this is hujson
		"root_dir": "/var/lib/ddcache",
		"max_concurrency": 16,
		"request_timeout": "5s",
	}`), 0o644))

	cfg, err := Load(dir, path, true, Overrides{})
	require.NoError(t, err)
	require.Equal(t, "/var/lib/ddcache", cfg.RootDir)
	require.Equal(t, int64(16), cfg.MaxConcurrency)
	require.Equal(t, 5*time.Second, time.Duration(cfg.RequestTimeout))
	require.Equal(t, Default().MaxBlobSize, cfg.MaxBlobSize, "unset fields keep their default")
}

func TestOverridesWinOverConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ddcached.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"max_concurrency": 16}`), 0o644))

	cfg, err := Load(dir, path, true, Overrides{MaxConcurrency: 4, MaxConcurrencySet: true})
	require.NoError(t, err)
	require.Equal(t, int64(4), cfg.MaxConcurrency)
}

func TestLoadMissingExplicitConfigFileIsAnError(t *testing.T) {
	_, err := Load(t.TempDir(), filepath.Join(t.TempDir(), "nope.jsonc"), true, Overrides{})
	require.Error(t, err)
}

func TestLoadMissingOptionalConfigFileIsNotAnError(t *testing.T) {
	cfg, err := Load(t.TempDir(), filepath.Join(t.TempDir(), "nope.jsonc"), false, Overrides{})
	require.NoError(t, err)
	require.NotZero(t, cfg.MaxConcurrency)
}

func TestRelativeRootDirResolvesAgainstWorkDir(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir, "", false, Overrides{RootDir: "data", RootDirSet: true})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "data"), cfg.RootDir)
}

func TestValidateRejectsNonPositiveConcurrency(t *testing.T) {
	_, err := Load(t.TempDir(), "", false, Overrides{MaxConcurrency: -1, MaxConcurrencySet: true})
	require.Error(t, err)
}

func TestValidateRejectsLWMAboveHWM(t *testing.T) {
	_, err := Load(t.TempDir(), "", false, Overrides{
		StorageSizeHWM: 100, StorageSizeHWMSet: true,
		StorageSizeLWM: 200, StorageSizeLWMSet: true,
	})
	require.Error(t, err)
}
