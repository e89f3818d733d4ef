// Package config loads pipeline configuration from a YAML file with
// CBS_* environment overrides. Precedence: defaults, then file, then env.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all pipeline configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	DB       DBConfig       `yaml:"db"`
	Build    BuildConfig    `yaml:"build"`
	Registry RegistryConfig `yaml:"registry"`
	Sign     SignConfig     `yaml:"sign"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Log      LogConfig      `yaml:"log"`
}

// StoreConfig holds object storage connection settings.
type StoreConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// DBConfig holds the local database tier settings.
type DBConfig struct {
	Root string `yaml:"root"`
}

// BuildConfig holds component build settings.
type BuildConfig struct {
	Workdir    string        `yaml:"workdir"`
	PatchesDir string        `yaml:"patches_dir"`
	ScriptsDir string        `yaml:"scripts_dir"`
	OSVersion  string        `yaml:"os_version"`
	Arch       string        `yaml:"arch"`
	BuildType  string        `yaml:"build_type"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RegistryConfig holds container registry settings.
type RegistryConfig struct {
	Host      string `yaml:"host"`
	Repo      string `yaml:"repo"`
	PlainHTTP bool   `yaml:"plain_http"`
}

// SignConfig holds artifact signing settings.
type SignConfig struct {
	// GPGName selects the RPM signing key by uid.
	GPGName string `yaml:"gpg_name"`
	// CosignKey is the cosign key reference for image signing; empty
	// uses cosign's ambient configuration.
	CosignKey string `yaml:"cosign_key"`
}

// SecretsConfig selects and configures the secrets provider.
type SecretsConfig struct {
	Provider string `yaml:"provider"` // "awssm" or "memory"
	Region   string `yaml:"region"`
	// PathPrefix is prepended to every secret path resolved by the pipeline.
	PathPrefix string `yaml:"path_prefix"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the config file at path (optional, "" skips the file layer),
// applies CBS_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Store: StoreConfig{
			Region: "us-east-1",
			Prefix: "",
		},
		DB: DBConfig{
			Root: defaultDBRoot(),
		},
		Build: BuildConfig{
			Workdir:    "/var/tmp/cbs",
			ScriptsDir: "scripts",
			OSVersion:  "el9",
			Arch:       "x86_64",
			BuildType:  "rpm",
			Timeout:    4 * time.Hour,
		},
		Secrets: SecretsConfig{
			Provider: "awssm",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultDBRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cbs/db"
	}
	return home + "/.cbs/db"
}

func applyEnv(cfg *Config) {
	cfg.Store.Endpoint = getEnv("CBS_STORE_ENDPOINT", cfg.Store.Endpoint)
	cfg.Store.Region = getEnv("CBS_STORE_REGION", cfg.Store.Region)
	cfg.Store.Bucket = getEnv("CBS_STORE_BUCKET", cfg.Store.Bucket)
	cfg.Store.Prefix = getEnv("CBS_STORE_PREFIX", cfg.Store.Prefix)
	cfg.Store.ForcePathStyle = getEnvBool("CBS_STORE_PATH_STYLE", cfg.Store.ForcePathStyle)

	cfg.DB.Root = getEnv("CBS_DB_ROOT", cfg.DB.Root)

	cfg.Build.Workdir = getEnv("CBS_BUILD_WORKDIR", cfg.Build.Workdir)
	cfg.Build.PatchesDir = getEnv("CBS_BUILD_PATCHES_DIR", cfg.Build.PatchesDir)
	cfg.Build.OSVersion = getEnv("CBS_BUILD_OS_VERSION", cfg.Build.OSVersion)
	cfg.Build.Arch = getEnv("CBS_BUILD_ARCH", cfg.Build.Arch)
	cfg.Build.BuildType = getEnv("CBS_BUILD_TYPE", cfg.Build.BuildType)
	cfg.Build.Timeout = getEnvDuration("CBS_BUILD_TIMEOUT", cfg.Build.Timeout)

	cfg.Registry.Host = getEnv("CBS_REGISTRY_HOST", cfg.Registry.Host)
	cfg.Registry.Repo = getEnv("CBS_REGISTRY_REPO", cfg.Registry.Repo)

	cfg.Sign.GPGName = getEnv("CBS_SIGN_GPG_NAME", cfg.Sign.GPGName)
	cfg.Sign.CosignKey = getEnv("CBS_SIGN_COSIGN_KEY", cfg.Sign.CosignKey)

	cfg.Secrets.Provider = getEnv("CBS_SECRETS_PROVIDER", cfg.Secrets.Provider)
	cfg.Secrets.Region = getEnv("CBS_SECRETS_REGION", cfg.Secrets.Region)
	cfg.Secrets.PathPrefix = getEnv("CBS_SECRETS_PREFIX", cfg.Secrets.PathPrefix)

	cfg.Log.Level = getEnv("CBS_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("CBS_LOG_FORMAT", cfg.Log.Format)
}

func (c *Config) validate() error {
	if c.DB.Root == "" {
		return fmt.Errorf("config: db.root must not be empty")
	}
	switch c.Secrets.Provider {
	case "awssm", "memory":
	default:
		return fmt.Errorf("config: unknown secrets provider %q", c.Secrets.Provider)
	}
	if c.Build.Timeout <= 0 {
		return fmt.Errorf("config: build.timeout must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return fallback
}
