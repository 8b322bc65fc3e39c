package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Config holds all configuration for the ledger state node.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Logger  LoggerConfig  `yaml:"logger"`
	HTTP    HTTPConfig    `yaml:"http"`
}

// StorageConfig covers the on-disk bucket set.
type StorageConfig struct {
	// BucketDir holds hash-named bucket files and the list state file.
	BucketDir string `yaml:"bucket_dir"`
	// Compress writes new bucket files zstd-compressed. Content hashes are
	// computed over the uncompressed stream, so toggling this never changes
	// bucket identity.
	Compress bool `yaml:"compress"`
}

// LedgerConfig controls close semantics and background merge work.
type LedgerConfig struct {
	ProtocolVersion  uint32 `yaml:"protocol_version"`
	WorkerThreads    int    `yaml:"worker_threads"`
	CountMergeEvents bool   `yaml:"count_merge_events"`
}

// LoggerConfig selects the slog handler.
type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// HTTPConfig covers the read-only query surface.
type HTTPConfig struct {
	ListenAddress string `yaml:"listen_address"`
	Port          int    `yaml:"port"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			BucketDir: "./data/buckets",
			Compress:  false,
		},
		Ledger: LedgerConfig{
			ProtocolVersion:  11,
			WorkerThreads:    4,
			CountMergeEvents: true,
		},
		Logger: LoggerConfig{Level: "info", JSON: false},
		HTTP:   HTTPConfig{ListenAddress: "0.0.0.0", Port: 8080},
	}
}

// Load reads a YAML config from path, falling back to Default when the file
// does not exist.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
