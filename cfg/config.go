package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// HTTPConfiguration for the admin/stream HTTP server
type HTTPConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	AuthToken   string `toml:"auth_token"` // Bearer token required on every route when set
}

// StorageConfiguration controls the Pebble store shared by documents, oplog and pre-images
type StorageConfiguration struct {
	MemTableSizeMB int  `toml:"memtable_size_mb"`
	CacheSizeMB    int  `toml:"cache_size_mb"`
	DisableWAL     bool `toml:"disable_wal"` // Tests only: breaks the capture durability guarantee
}

// PreImageConfiguration controls pre-image capture storage and retention
type PreImageConfiguration struct {
	RetentionSeconds       int `toml:"retention_seconds"`        // Records older than this are compacted
	JanitorIntervalSeconds int `toml:"janitor_interval_seconds"` // How often retention runs (0 = disabled)
	CompressThreshold      int `toml:"compress_threshold"`       // Payload bytes above which zstd is applied
	CacheSize              int `toml:"cache_size"`               // LRU entries for resolver lookups
}

// StreamConfiguration controls change stream cursors
type StreamConfiguration struct {
	BatchSize      int `toml:"batch_size"`       // Oplog records fetched per read
	PollIntervalMS int `toml:"poll_interval_ms"` // Fallback poll when no notification arrives
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// SinkConfiguration describes one change event publisher destination
type SinkConfiguration struct {
	Name                     string   `toml:"name"`
	Type                     string   `toml:"type"`                        // "kafka" or "nats"
	Format                   string   `toml:"format"`                      // "json"
	Collection               string   `toml:"collection"`                  // empty watches every collection
	FullDocumentBeforeChange string   `toml:"full_document_before_change"` // off, whenAvailable, required
	FullDocument             string   `toml:"full_document"`               // default, updateLookup
	FilterCollections        []string `toml:"filter_collections"`
	TopicPrefix              string   `toml:"topic_prefix"`
	Brokers                  []string `toml:"brokers"`
	NatsURL                  string   `toml:"nats_url"`
	BatchSize                int      `toml:"batch_size"`
	RetryInitialMS           int      `toml:"retry_initial_ms"`
	RetryMaxMS               int      `toml:"retry_max_ms"`
	RetryMultiplier          float64  `toml:"retry_multiplier"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	HTTP       HTTPConfiguration       `toml:"http"`
	Storage    StorageConfiguration    `toml:"storage"`
	PreImage   PreImageConfiguration   `toml:"preimage"`
	Stream     StreamConfiguration     `toml:"stream"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Sinks      []SinkConfiguration     `toml:"sinks"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	HTTPPortFlag   = flag.Int("http-port", 0, "HTTP port (overrides config)")
)

// Default configuration
var Config = Default()

// Default returns a configuration populated with defaults
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./docstream-data",

		HTTP: HTTPConfiguration{
			BindAddress: "0.0.0.0",
			Port:        8420,
		},

		Storage: StorageConfiguration{
			MemTableSizeMB: 64,
			CacheSizeMB:    64,
		},

		PreImage: PreImageConfiguration{
			RetentionSeconds:       86400, // 24 hours
			JanitorIntervalSeconds: 60,
			CompressThreshold:      1024,
			CacheSize:              4096,
		},

		Stream: StreamConfiguration{
			BatchSize:      100,
			PollIntervalMS: 250,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *HTTPPortFlag != 0 {
		Config.HTTP.Port = *HTTPPortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("docstream")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	return Config.Validate()
}

// Validate checks a configuration for errors
func (c *Configuration) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}

	if c.Storage.MemTableSizeMB < 1 {
		return fmt.Errorf("storage memtable size must be >= 1MB")
	}

	if c.Storage.CacheSizeMB < 1 {
		return fmt.Errorf("storage cache size must be >= 1MB")
	}

	if c.PreImage.RetentionSeconds < 1 {
		return fmt.Errorf("pre-image retention must be >= 1 second")
	}

	if c.PreImage.JanitorIntervalSeconds < 0 {
		return fmt.Errorf("pre-image janitor interval must be >= 0")
	}

	if c.PreImage.CompressThreshold < 0 {
		return fmt.Errorf("pre-image compress threshold must be >= 0")
	}

	if c.PreImage.CacheSize < 0 {
		return fmt.Errorf("pre-image cache size must be >= 0")
	}

	if c.Stream.BatchSize < 1 {
		return fmt.Errorf("stream batch size must be >= 1")
	}

	if c.Stream.PollIntervalMS < 1 {
		return fmt.Errorf("stream poll interval must be >= 1ms")
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	names := make(map[string]bool, len(c.Sinks))
	for _, s := range c.Sinks {
		if s.Name == "" {
			return fmt.Errorf("sink name is required")
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate sink name: %s", s.Name)
		}
		names[s.Name] = true
		if s.Type == "" {
			return fmt.Errorf("sink %s: type is required", s.Name)
		}
	}

	return nil
}

// StorePath returns the path of the Pebble store inside the data directory
func (c *Configuration) StorePath() string {
	return filepath.Join(c.DataDir, "store")
}
