package config

import (
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Storage   StorageConfig
	Log       LogConfig
	Pipeline  PipelineConfig
	Gateway   GatewayConfig
	Retrieval RetrievalConfig
}

type StorageConfig struct {
	DataDir     string
	BusyTimeout time.Duration
}

type LogConfig struct {
	Level string
}

type PipelineConfig struct {
	// File is the YAML pipeline definition. Empty selects the built-in one.
	File     string
	MaxBatch int
	IdleWait time.Duration
}

type GatewayConfig struct {
	PredictTimeout  time.Duration
	DescribeTimeout time.Duration
	DenseTimeout    time.Duration
	// APIKey is passed to http predictors that do not set their own.
	APIKey string
}

type RetrievalConfig struct {
	// CacheDir holds the index cache. Empty means <data_dir>/rag_cache.
	CacheDir    string
	TopK        int
	MinDF       int
	MaxDF       float64
	MaxFeatures int
	NGramMax    int
}

func defaults() Config {
	return Config{
		Storage: StorageConfig{
			DataDir:     defaultDataDir(),
			BusyTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Pipeline: PipelineConfig{
			MaxBatch: 20,
			IdleWait: 30 * time.Second,
		},
		Gateway: GatewayConfig{
			PredictTimeout:  30 * time.Second,
			DescribeTimeout: 60 * time.Second,
			DenseTimeout:    90 * time.Second,
		},
		Retrieval: RetrievalConfig{
			TopK:        5,
			MinDF:       2,
			MaxDF:       0.8,
			MaxFeatures: 5000,
			NGramMax:    3,
		},
	}
}

// CacheDir returns the retrieval cache directory.
func (c Config) CacheDir() string {
	if c.Retrieval.CacheDir != "" {
		return c.Retrieval.CacheDir
	}
	return filepath.Join(c.Storage.DataDir, "rag_cache")
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.icdbench.app) and the
// gateway API key falls back to the macOS Keychain.
// Elsewhere the backend is a YAML file at $XDG_CONFIG_HOME/icdbench/config.yaml
// and the API key falls back to $XDG_DATA_HOME/icdbench/secrets.yaml.
//
// Environment variables (ICDBENCH_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// The API key is optional; only http predictors use it.
	if cfg.Gateway.APIKey == "" {
		if key, err := kc.Get("icdbench", "gateway_api_key"); err == nil && key != "" {
			cfg.Gateway.APIKey = key
		}
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
