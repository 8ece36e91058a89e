package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"
)

// Config is the root configuration of a pagestore node.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Logger    LoggerConfig    `yaml:"logger"`
	Server    ServerConfig    `yaml:"http-server"`
	WALSource WALSourceConfig `yaml:"wal-source"`
	Storage   StorageConfig   `yaml:"storage"`
}

type NodeConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// WALSourceConfig points at the external durability layer the node streams
// WAL from. An empty address disables the receiver (ingestion through the
// Go API only).
type WALSourceConfig struct {
	Addr         string        `yaml:"addr"`
	ReconnectMin time.Duration `yaml:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`
}

// StorageConfig carries the engine tuning knobs. Freeze/compaction/GC
// triggers are policy, not correctness, so everything is configurable.
type StorageConfig struct {
	// CheckpointDistance is the open-layer size in bytes that triggers a
	// freeze; CheckpointTimeout freezes a non-empty open layer by age.
	CheckpointDistance uint64        `yaml:"checkpoint_distance"`
	CheckpointTimeout  time.Duration `yaml:"checkpoint_timeout"`

	// CompactionThreshold is the delta-layer depth over a key range that
	// triggers a rewrite; ImageCreationThreshold is the depth at which a
	// page gets materialized into an image layer.
	CompactionPeriod       time.Duration `yaml:"compaction_period"`
	CompactionThreshold    int           `yaml:"compaction_threshold"`
	ImageCreationThreshold int           `yaml:"image_creation_threshold"`

	// GCHorizon is how many bytes of WAL history below last_record_lsn
	// stay reconstructable.
	GCHorizon uint64        `yaml:"gc_horizon"`
	GCPeriod  time.Duration `yaml:"gc_period"`

	PageCacheSize int `yaml:"page_cache_size"`

	// RemotePath is the root of the local-filesystem object store; empty
	// disables uploads.
	RemotePath string `yaml:"remote_path"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Node: NodeConfig{
			ID:      "pagestore-1",
			DataDir: "./data",
		},
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              6400,
			ReadHeaderTimeout: time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		WALSource: WALSourceConfig{
			ReconnectMin: 250 * time.Millisecond,
			ReconnectMax: 15 * time.Second,
		},
		Storage: StorageConfig{
			CheckpointDistance:     64 * 1024 * 1024,
			CheckpointTimeout:      10 * time.Minute,
			CompactionPeriod:       20 * time.Second,
			CompactionThreshold:    10,
			ImageCreationThreshold: 3,
			GCHorizon:              64 * 1024 * 1024,
			GCPeriod:               time.Hour,
			PageCacheSize:          8192,
		},
	}
}

// Load reads a yaml config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}

// WriteDefault writes the default config as yaml, for `pagestore init`.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
