package cachemanager

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foldcache/foldcache/invalidation"
	"github.com/foldcache/foldcache/pkg/compress"
	"github.com/foldcache/foldcache/pkg/models"
)

// Config holds engine construction parameters. Zero fields take the value
// from DefaultConfig when passed to New.
//
// Example (foldcache.yaml):
//
//	max_compressed_bytes: 268435456
//	hot_set_capacity: 1024
//	enable_secondary_storage: true
//	storage_path: /var/lib/foldcache/spill.bin
//	secondary_storage_bytes: 1073741824
//	compression: auto
//	stale_after: 30m
type Config struct {
	MaxCompressedBytes     int64  `yaml:"max_compressed_bytes"`     // Ceiling on resident compressed bytes before a sweep
	HotSetCapacity         int    `yaml:"hot_set_capacity"`         // Maximum materialized units
	EnableSecondaryStorage bool   `yaml:"enable_secondary_storage"` // Spill swept units instead of dropping them
	StoragePath            string `yaml:"storage_path"`             // Secondary store region file
	SecondaryStorageBytes  int64  `yaml:"secondary_storage_bytes"`  // Secondary store region size

	Compression  string `yaml:"compression"`    // none, lz4, zstd, zstd-best or auto
	MaxUnitBytes int    `yaml:"max_unit_bytes"` // Largest encoded value Create accepts

	Workers         int `yaml:"workers"`           // Worker pool size for batch and search
	QueueSize       int `yaml:"queue_size"`        // Pending task bound; Submit blocks beyond it
	SearchChunkSize int `yaml:"search_chunk_size"` // Keys per ParallelSearch task

	StaleAfter          time.Duration `yaml:"stale_after"`           // Idle time before a unit is considered for recompression
	RecompressPerSecond float64       `yaml:"recompress_per_second"` // OptimizeStorage recompression throttle

	FilterCapacity          int     `yaml:"filter_capacity"`            // Bloom filter sizing; negative disables the filter
	FilterFalsePositiveRate float64 `yaml:"filter_false_positive_rate"` // Bloom filter target rate

	AuditCapacity int `yaml:"audit_capacity"` // Removal audit entries kept

	// Logger receives engine logs. Nil discards them.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns the default configuration. Secondary storage is
// disabled.
func DefaultConfig() Config {
	return Config{
		MaxCompressedBytes:      256 << 20,
		HotSetCapacity:          1024,
		SecondaryStorageBytes:   1 << 30,
		Compression:             "lz4",
		MaxUnitBytes:            64 << 20,
		Workers:                 runtime.GOMAXPROCS(0),
		QueueSize:               1024,
		SearchChunkSize:         100,
		StaleAfter:              time.Hour,
		RecompressPerSecond:     1000,
		FilterCapacity:          100_000,
		FilterFalsePositiveRate: 0.01,
		AuditCapacity:           invalidation.DefaultCapacity,
	}
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig.
// Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%w: parsing %s: %v", models.ErrConfiguration, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// withDefaults returns c with zero fields replaced by defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxCompressedBytes == 0 {
		c.MaxCompressedBytes = d.MaxCompressedBytes
	}
	if c.HotSetCapacity == 0 {
		c.HotSetCapacity = d.HotSetCapacity
	}
	if c.SecondaryStorageBytes == 0 {
		c.SecondaryStorageBytes = d.SecondaryStorageBytes
	}
	if c.Compression == "" {
		c.Compression = d.Compression
	}
	if c.MaxUnitBytes == 0 {
		c.MaxUnitBytes = d.MaxUnitBytes
	}
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize == 0 {
		c.QueueSize = d.QueueSize
	}
	if c.SearchChunkSize == 0 {
		c.SearchChunkSize = d.SearchChunkSize
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.RecompressPerSecond == 0 {
		c.RecompressPerSecond = d.RecompressPerSecond
	}
	if c.FilterCapacity == 0 {
		c.FilterCapacity = d.FilterCapacity
	}
	if c.FilterFalsePositiveRate == 0 {
		c.FilterFalsePositiveRate = d.FilterFalsePositiveRate
	}
	if c.AuditCapacity == 0 {
		c.AuditCapacity = d.AuditCapacity
	}
	return c
}

// Validate checks the configuration for errors. Every error wraps
// models.ErrConfiguration.
func (c Config) Validate() error {
	var errs []error

	if c.MaxCompressedBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_compressed_bytes must be positive, got %d", c.MaxCompressedBytes))
	}
	if c.HotSetCapacity <= 0 {
		errs = append(errs, fmt.Errorf("hot_set_capacity must be positive, got %d", c.HotSetCapacity))
	}
	if c.EnableSecondaryStorage {
		if c.StoragePath == "" {
			errs = append(errs, fmt.Errorf("storage_path is required when secondary storage is enabled"))
		}
		if c.SecondaryStorageBytes <= 8 {
			errs = append(errs, fmt.Errorf("secondary_storage_bytes must exceed 8, got %d", c.SecondaryStorageBytes))
		}
	}
	if _, err := compress.ParsePolicy(c.Compression); err != nil {
		errs = append(errs, fmt.Errorf("compression: %v", err))
	}
	if c.MaxUnitBytes <= 0 || c.MaxUnitBytes > compress.MaxRawSize {
		errs = append(errs, fmt.Errorf("max_unit_bytes must be in (0, %d], got %d", compress.MaxRawSize, c.MaxUnitBytes))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue_size must be positive, got %d", c.QueueSize))
	}
	if c.SearchChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("search_chunk_size must be positive, got %d", c.SearchChunkSize))
	}
	if c.StaleAfter < 0 {
		errs = append(errs, fmt.Errorf("stale_after must not be negative, got %s", c.StaleAfter))
	}
	if c.RecompressPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("recompress_per_second must be positive, got %v", c.RecompressPerSecond))
	}
	if c.FilterFalsePositiveRate <= 0 || c.FilterFalsePositiveRate >= 1 {
		errs = append(errs, fmt.Errorf("filter_false_positive_rate must be in (0, 1), got %v", c.FilterFalsePositiveRate))
	}

	if c.AuditCapacity < 0 {
		errs = append(errs, fmt.Errorf("audit_capacity must not be negative, got %d", c.AuditCapacity))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", models.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}
