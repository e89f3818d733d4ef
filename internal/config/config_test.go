package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "us-east-1", cfg.Store.Region)
	assert.Empty(t, cfg.Store.Bucket)
	assert.Contains(t, cfg.DB.Root, ".cbs/db")
	assert.Equal(t, "/var/tmp/cbs", cfg.Build.Workdir)
	assert.Equal(t, "scripts", cfg.Build.ScriptsDir)
	assert.Equal(t, "el9", cfg.Build.OSVersion)
	assert.Equal(t, "x86_64", cfg.Build.Arch)
	assert.Equal(t, "rpm", cfg.Build.BuildType)
	assert.Equal(t, 4*time.Hour, cfg.Build.Timeout)
	assert.Equal(t, "awssm", cfg.Secrets.Provider)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cbs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  bucket: cbs-releases
  endpoint: https://s3.clyso.internal
build:
  os_version: el8
  timeout: 2h
registry:
  host: harbor.clyso.internal
  repo: cbs/ceph
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cbs-releases", cfg.Store.Bucket)
	assert.Equal(t, "https://s3.clyso.internal", cfg.Store.Endpoint)
	assert.Equal(t, "el8", cfg.Build.OSVersion)
	assert.Equal(t, 2*time.Hour, cfg.Build.Timeout)
	assert.Equal(t, "harbor.clyso.internal", cfg.Registry.Host)

	// Fields the file does not mention keep their defaults.
	assert.Equal(t, "x86_64", cfg.Build.Arch)
	assert.Equal(t, "us-east-1", cfg.Store.Region)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read")

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [not a map"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cbs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  bucket: from-file\n"), 0o644))

	t.Setenv("CBS_STORE_BUCKET", "from-env")
	t.Setenv("CBS_BUILD_ARCH", "aarch64")
	t.Setenv("CBS_STORE_PATH_STYLE", "true")
	t.Setenv("CBS_BUILD_TIMEOUT", "30m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Store.Bucket)
	assert.Equal(t, "aarch64", cfg.Build.Arch)
	assert.True(t, cfg.Store.ForcePathStyle)
	assert.Equal(t, 30*time.Minute, cfg.Build.Timeout)
}

func TestEnvIgnoresUnparsable(t *testing.T) {
	t.Setenv("CBS_STORE_PATH_STYLE", "banana")
	t.Setenv("CBS_BUILD_TIMEOUT", "soon")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.False(t, cfg.Store.ForcePathStyle)
	assert.Equal(t, 4*time.Hour, cfg.Build.Timeout)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"empty db root", map[string]string{"CBS_DB_ROOT": ""}, "db.root"},
		{"unknown provider", map[string]string{"CBS_SECRETS_PROVIDER": "vault"}, "unknown secrets provider"},
		{"negative timeout", map[string]string{"CBS_BUILD_TIMEOUT": "-1s"}, "must be positive"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
