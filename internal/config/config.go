// Package config handles configuration loading and validation for cloudquorum.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Cache population policies.
const (
	CachePolicyOnRead  = "onread"
	CachePolicyOnWrite = "onwrite"
)

// MaxChunks is the largest data+parity total the metadata layout can record.
const MaxChunks = 255

// MaxBackendCode is the largest backend code the metadata layout can record.
const MaxBackendCode = 32767

const clientIDLength = 10

// GCConfig holds garbage collector settings.
type GCConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Interval   string  `yaml:"interval"`    // Background collection period, e.g. "10m" (empty: no background loop)
	DeleteRate float64 `yaml:"delete_rate"` // Max object deletes per second (0: unlimited)
}

// CacheConfig holds read cache settings.
type CacheConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Policy        string `yaml:"policy"`         // onread or onwrite (default: onread)
	ExpirySeconds int    `yaml:"expiry_seconds"` // default: 300
	Size          int    `yaml:"size"`           // Max cached values (default: 1024)
}

// MetadataConfig holds metadata store settings.
type MetadataConfig struct {
	Path     string `yaml:"path"`      // Pebble directory
	InMemory bool   `yaml:"in_memory"` // Keep metadata in memory only (default when path is empty)
}

// LatencyConfig holds backend latency probing settings.
type LatencyConfig struct {
	TestOnStartup bool `yaml:"test_on_startup"`
	TestSizeKB    int  `yaml:"test_size_kb"` // Probe object size (default: 64)
}

// BackendConfig describes one storage backend.
type BackendConfig struct {
	Name        string `yaml:"name"`
	Code        uint16 `yaml:"code"`        // Stable non-zero id recorded in metadata
	Kind        string `yaml:"kind"`        // memory or fs
	Path        string `yaml:"path"`        // Root directory for fs backends
	Compression string `yaml:"compression"` // none, zstd or lz4 (default: none)
}

// Config is the full client configuration.
type Config struct {
	ClientID            string          `yaml:"client_id"`
	FaultTolerance      *int            `yaml:"fault_tolerance"`
	DataChunks          int             `yaml:"data_chunks"`
	ParityChunks        int             `yaml:"parity_chunks"`
	WriteTimeoutSeconds int             `yaml:"write_timeout_seconds"`
	ReadTimeoutSeconds  int             `yaml:"read_timeout_seconds"`
	GetRetries          int             `yaml:"get_retries"`
	GC                  GCConfig        `yaml:"gc"`
	CryptoEnabled       bool            `yaml:"crypto_enabled"`
	Cache               CacheConfig     `yaml:"cache"`
	Metadata            MetadataConfig  `yaml:"metadata"`
	Latency             LatencyConfig   `yaml:"latency"`
	Backends            []BackendConfig `yaml:"backends"`
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills every unset option. It is idempotent.
func (c *Config) ApplyDefaults() {
	if c.ClientID == "" {
		c.ClientID = NewClientID()
	}

	// Nothing about the code layout configured: tolerate one fault
	if c.FaultTolerance == nil && c.DataChunks == 0 && c.ParityChunks == 0 {
		f := 1
		c.FaultTolerance = &f
	}
	// One data chunk: any single acknowledged chunk rebuilds the value, so a
	// put of f+1 chunks still reads back with f backends down.
	if c.FaultTolerance != nil {
		f := *c.FaultTolerance
		if c.DataChunks == 0 {
			c.DataChunks = 1
		}
		if c.ParityChunks == 0 {
			c.ParityChunks = f
		}
	}

	if c.WriteTimeoutSeconds == 0 {
		c.WriteTimeoutSeconds = 10
	}
	if c.ReadTimeoutSeconds == 0 {
		c.ReadTimeoutSeconds = 10
	}
	if c.GetRetries == 0 {
		c.GetRetries = 3
	}

	if c.Cache.Policy == "" {
		c.Cache.Policy = CachePolicyOnRead
	}
	c.Cache.Policy = strings.ToLower(c.Cache.Policy)
	if c.Cache.ExpirySeconds == 0 {
		c.Cache.ExpirySeconds = 300
	}
	if c.Cache.Size == 0 {
		c.Cache.Size = 1024
	}

	if c.Metadata.Path == "" {
		c.Metadata.InMemory = true
	}
	c.Metadata.Path = expandHome(c.Metadata.Path)

	if c.Latency.TestSizeKB == 0 {
		c.Latency.TestSizeKB = 64
	}

	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Compression == "" {
			b.Compression = "none"
		}
		b.Path = expandHome(b.Path)
	}
}

// Quorum returns the number of distinct chunk acknowledgements a put needs.
// With fault_tolerance f it is data_chunks + f (f+1 for the default single
// data chunk), so f stored chunks may be lost and the value still decodes.
func (c *Config) Quorum() int {
	if c.FaultTolerance != nil {
		return c.DataChunks + *c.FaultTolerance
	}
	return c.DataChunks + c.ParityChunks
}

// WriteTimeout returns the per-chunk write timeout.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// ReadTimeout returns the per-chunk read timeout.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// CacheExpiry returns the cache entry lifetime.
func (c *Config) CacheExpiry() time.Duration {
	return time.Duration(c.Cache.ExpirySeconds) * time.Second
}

// GCInterval returns the background collection period, or 0 when disabled.
func (c *Config) GCInterval() (time.Duration, error) {
	if !c.GC.Enabled || c.GC.Interval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.GC.Interval)
	if err != nil {
		return 0, fmt.Errorf("invalid gc.interval: %w", err)
	}
	return d, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validateClientID(c.ClientID); err != nil {
		return err
	}
	if c.FaultTolerance != nil && *c.FaultTolerance < 0 {
		return fmt.Errorf("fault_tolerance must be >= 0")
	}
	if c.DataChunks < 1 {
		return fmt.Errorf("data_chunks must be >= 1")
	}
	if c.ParityChunks < 0 {
		return fmt.Errorf("parity_chunks must be >= 0")
	}
	total := c.DataChunks + c.ParityChunks
	if total > MaxChunks {
		return fmt.Errorf("data_chunks + parity_chunks must be <= %d", MaxChunks)
	}
	q := c.Quorum()
	if q < c.DataChunks || q > total {
		return fmt.Errorf("quorum %d must be between data_chunks (%d) and data_chunks + parity_chunks (%d)",
			q, c.DataChunks, total)
	}
	if len(c.Backends) < q {
		return fmt.Errorf("at least %d backends are required for quorum, got %d", q, len(c.Backends))
	}
	if c.WriteTimeoutSeconds <= 0 || c.ReadTimeoutSeconds <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.GetRetries < 1 {
		return fmt.Errorf("get_retries must be >= 1")
	}
	if _, err := c.GCInterval(); err != nil {
		return err
	}
	if c.GC.DeleteRate < 0 {
		return fmt.Errorf("gc.delete_rate must be >= 0")
	}
	if c.Cache.Policy != CachePolicyOnRead && c.Cache.Policy != CachePolicyOnWrite {
		return fmt.Errorf("cache.policy must be %q or %q", CachePolicyOnRead, CachePolicyOnWrite)
	}
	if c.Cache.Enabled && (c.Cache.Size <= 0 || c.Cache.ExpirySeconds <= 0) {
		return fmt.Errorf("cache.size and cache.expiry_seconds must be positive")
	}
	if c.Latency.TestSizeKB < 0 {
		return fmt.Errorf("latency.test_size_kb must be >= 0")
	}

	names := make(map[string]bool, len(c.Backends))
	codes := make(map[uint16]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d].name is required", i)
		}
		if names[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		names[b.Name] = true
		if b.Code == 0 {
			return fmt.Errorf("backend %s: code must be non-zero", b.Name)
		}
		if b.Code > MaxBackendCode {
			return fmt.Errorf("backend %s: code %d exceeds %d", b.Name, b.Code, MaxBackendCode)
		}
		if codes[b.Code] {
			return fmt.Errorf("backend %s: duplicate code %d", b.Name, b.Code)
		}
		codes[b.Code] = true
		switch b.Kind {
		case "memory":
		case "fs":
			if b.Path == "" {
				return fmt.Errorf("backend %s: path is required for fs backends", b.Name)
			}
		default:
			return fmt.Errorf("backend %s: unknown kind %q", b.Name, b.Kind)
		}
		switch b.Compression {
		case "", "none", "zstd", "lz4":
		default:
			return fmt.Errorf("backend %s: unknown compression %q", b.Name, b.Compression)
		}
	}
	return nil
}

// NewClientID returns a random 10-character writer id.
func NewClientID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:clientIDLength]
}

func validateClientID(id string) error {
	if id == "" {
		return fmt.Errorf("client_id is required")
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return fmt.Errorf("client_id must be printable ASCII without spaces")
		}
	}
	return nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
