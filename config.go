package blocksync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultImportedCacheSize is the number of recently imported block
	// hashes remembered to filter out repeated downloads.
	DefaultImportedCacheSize = 4096

	// DefaultPropagationCacheSize is the number of recently propagated
	// block hashes remembered to drop repeated announcements.
	DefaultPropagationCacheSize = 32

	// DefaultPeerMsgBuffer is the buffer size of the channel feeding the
	// sync handler.
	DefaultPeerMsgBuffer = 125 * 3

	// DefaultRequestInterval is the time between two rounds of header
	// requests. Two rounds fit in a second so that peers can be sent
	// headerreq.MaxRequestsPerSecond requests.
	DefaultRequestInterval = 500 * time.Millisecond

	// DefaultStatusInterval is the time between two status reports.
	DefaultStatusInterval = 10 * time.Second

	// DefaultImportMaxBatch is the number of downloaded batches imported
	// together.
	DefaultImportMaxBatch = 4

	// DefaultImportQueueBuffer is the buffer size of the import queue.
	DefaultImportQueueBuffer = 32

	// DefaultImportFlushInterval is the longest time a downloaded batch
	// waits for others before being imported.
	DefaultImportFlushInterval = 100 * time.Millisecond

	// DefaultNetworkStatusInterval is the shortest time between two
	// updates of the network best block.
	DefaultNetworkStatusInterval = time.Second

	// DefaultSlowImportTime is the import time above which a block import
	// is reported as slow.
	DefaultSlowImportTime = time.Second
)

// ErrInvalidConfig is returned when a configuration value is not usable.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the tunable parameters of the sync engine.
type Config struct {
	// ImportedCacheSize is the capacity of the set of imported block
	// hashes.
	ImportedCacheSize int

	// PropagationCacheSize is the capacity of the set of propagated block
	// hashes.
	PropagationCacheSize int

	// PeerMsgBuffer is the buffer size of the channel of peer messages.
	PeerMsgBuffer int

	// RequestInterval is the time between header request rounds.
	RequestInterval time.Duration

	// StatusInterval is the time between status reports.
	StatusInterval time.Duration

	// ImportMaxBatch is the number of downloaded batches imported in one
	// go.
	ImportMaxBatch int

	// ImportQueueBuffer is the buffer size of the import queue.
	ImportQueueBuffer int

	// ImportFlushInterval is the longest time a downloaded batch waits
	// before being imported.
	ImportFlushInterval time.Duration

	// NetworkStatusInterval is the shortest time between two updates of
	// the network best block.
	NetworkStatusInterval time.Duration

	// SyncOnly disables the forwarding of new blocks to other peers.
	SyncOnly bool

	// SlowImportTime is the block import time above which a warning is
	// logged.
	SlowImportTime time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ImportedCacheSize:     DefaultImportedCacheSize,
		PropagationCacheSize:  DefaultPropagationCacheSize,
		PeerMsgBuffer:         DefaultPeerMsgBuffer,
		RequestInterval:       DefaultRequestInterval,
		StatusInterval:        DefaultStatusInterval,
		ImportMaxBatch:        DefaultImportMaxBatch,
		ImportQueueBuffer:     DefaultImportQueueBuffer,
		ImportFlushInterval:   DefaultImportFlushInterval,
		NetworkStatusInterval: DefaultNetworkStatusInterval,
		SlowImportTime:        DefaultSlowImportTime,
	}
}

// Validate checks that every value of the configuration is usable.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int64
	}{
		{"imported_cache_size", int64(c.ImportedCacheSize)},
		{"propagation_cache_size", int64(c.PropagationCacheSize)},
		{"import_max_batch", int64(c.ImportMaxBatch)},
		{"request_interval", int64(c.RequestInterval)},
		{"status_interval", int64(c.StatusInterval)},
		{"import_flush_interval", int64(c.ImportFlushInterval)},
		{"network_status_interval", int64(c.NetworkStatusInterval)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig,
				p.name)
		}
	}

	if c.PeerMsgBuffer < 0 || c.ImportQueueBuffer < 0 {
		return fmt.Errorf("%w: buffer sizes can't be negative",
			ErrInvalidConfig)
	}
	if c.SlowImportTime < 0 {
		return fmt.Errorf("%w: slow_import_time can't be negative",
			ErrInvalidConfig)
	}

	return nil
}

// fileConfig is the layout of the configuration file. Unset values keep
// their defaults.
type fileConfig struct {
	ImportedCacheSize     *int    `toml:"imported_cache_size"`
	PropagationCacheSize  *int    `toml:"propagation_cache_size"`
	PeerMsgBuffer         *int    `toml:"peer_msg_buffer"`
	RequestInterval       *string `toml:"request_interval"`
	StatusInterval        *string `toml:"status_interval"`
	ImportMaxBatch        *int    `toml:"import_max_batch"`
	ImportQueueBuffer     *int    `toml:"import_queue_buffer"`
	ImportFlushInterval   *string `toml:"import_flush_interval"`
	NetworkStatusInterval *string `toml:"network_status_interval"`
	SyncOnly              *bool   `toml:"sync_only"`
	SlowImportTime        *string `toml:"slow_import_time"`
}

// LoadConfig reads the TOML configuration file at path on top of the
// default configuration and validates the result.
func LoadConfig(path string) (*Config, error) {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return nil, fmt.Errorf("unable to read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig,
			strings.Join(keys, ", "))
	}

	cfg := DefaultConfig()
	setInt(&cfg.ImportedCacheSize, fc.ImportedCacheSize)
	setInt(&cfg.PropagationCacheSize, fc.PropagationCacheSize)
	setInt(&cfg.PeerMsgBuffer, fc.PeerMsgBuffer)
	setInt(&cfg.ImportMaxBatch, fc.ImportMaxBatch)
	setInt(&cfg.ImportQueueBuffer, fc.ImportQueueBuffer)
	if fc.SyncOnly != nil {
		cfg.SyncOnly = *fc.SyncOnly
	}

	durations := []struct {
		name  string
		value *string
		dst   *time.Duration
	}{
		{"request_interval", fc.RequestInterval, &cfg.RequestInterval},
		{"status_interval", fc.StatusInterval, &cfg.StatusInterval},
		{"import_flush_interval", fc.ImportFlushInterval,
			&cfg.ImportFlushInterval},
		{"network_status_interval", fc.NetworkStatusInterval,
			&cfg.NetworkStatusInterval},
		{"slow_import_time", fc.SlowImportTime, &cfg.SlowImportTime},
	}
	for _, d := range durations {
		if d.value == nil {
			continue
		}

		parsed, err := time.ParseDuration(*d.value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig,
				d.name, err)
		}
		*d.dst = parsed
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setInt(dst *int, value *int) {
	if value != nil {
		*dst = *value
	}
}
