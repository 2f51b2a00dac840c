package client

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/dps_ledgers/src/ledger"
)

const (
	BackendFile   = "file"
	BackendPebble = "pebble"
	BackendMemory = "memory"
)

const defaultWaitTimeoutMs = 30_000

// KafkaConfig enables lifecycle events when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// Config is the TOML-loadable client configuration.
type Config struct {
	MetadataBackend string                   `toml:"metadata_backend"` // file, pebble or memory
	MetadataDir     string                   `toml:"metadata_dir"`
	Bookies         []string                 `toml:"bookies"`
	WaitTimeoutMs   int64                    `toml:"wait_timeout_ms"` // 0 waits for the caller's context only
	DefaultPolicy   ledger.ReplicationPolicy `toml:"default_policy"`
	DefaultDigest   ledger.DigestType        `toml:"default_digest"`
	LogConfig       string                   `toml:"log_config"` // smplog config file
	Verbose         bool                     `toml:"verbose"`
	Kafka           KafkaConfig              `toml:"kafka"`
}

// DefaultConfig returns a file-backed configuration rooted at dir with a
// three bookie local cluster.
func DefaultConfig(dir string) Config {
	return Config{
		MetadataBackend: BackendFile,
		MetadataDir:     filepath.Join(dir, "metadata"),
		Bookies:         []string{"127.0.0.1:3181", "127.0.0.1:3182", "127.0.0.1:3183"},
		WaitTimeoutMs:   defaultWaitTimeoutMs,
		DefaultPolicy:   ledger.ReplicationPolicy{EnsembleSize: 3, WriteQuorumSize: 2, AckQuorumSize: 2},
		DefaultDigest:   ledger.DigestCRC32C,
		Verbose:         true,
		Kafka:           KafkaConfig{Topic: "dps-ledgers-events"},
	}
}

// LoadConfig decodes path over DefaultConfig of the file's directory and
// validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig(filepath.Dir(path))
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.MetadataBackend {
	case BackendFile, BackendPebble:
		if c.MetadataDir == "" {
			return fmt.Errorf("%w: %s backend needs metadata_dir", ledger.ErrParameterValidation, c.MetadataBackend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: unknown metadata backend %q", ledger.ErrParameterValidation, c.MetadataBackend)
	}
	if c.WaitTimeoutMs < 0 {
		return fmt.Errorf("%w: negative wait_timeout_ms %d", ledger.ErrParameterValidation, c.WaitTimeoutMs)
	}
	seen := make(map[string]struct{}, len(c.Bookies))
	for _, b := range c.Bookies {
		if b == "" {
			return fmt.Errorf("%w: empty bookie id", ledger.ErrParameterValidation)
		}
		if _, dup := seen[b]; dup {
			return fmt.Errorf("%w: bookie %s listed twice", ledger.ErrParameterValidation, b)
		}
		seen[b] = struct{}{}
	}
	if err := c.DefaultPolicy.Validate(); err != nil {
		return fmt.Errorf("default policy: %w", err)
	}
	if !c.DefaultDigest.Known() {
		return fmt.Errorf("%w: unknown default digest %s", ledger.ErrParameterValidation, c.DefaultDigest)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("%w: kafka brokers set without a topic", ledger.ErrParameterValidation)
	}
	return nil
}

// WaitTimeout is the per-wait bound applied by the client's Waiter.
func (c Config) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutMs) * time.Millisecond
}
