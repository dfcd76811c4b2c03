// Package config loads the engine configuration from YAML.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/etclab/oblivstore/errcode"
	"github.com/etclab/oblivstore/internal/hashing"
	"github.com/etclab/oblivstore/ohtable"
	"github.com/etclab/oblivstore/oram"
	"github.com/etclab/oblivstore/shard"
)

const (
	// DefaultKeySize fits an E.164 number.
	DefaultKeySize = 8
	// DefaultMaxRecordSize fits a directory entry with its unidentified
	// access key.
	DefaultMaxRecordSize = 48

	hashSaltContext = "oblivstore 2024 table hash salt"
)

// Config is the engine configuration.
type Config struct {
	ORAM         ORAMConfig    `yaml:"oram"`
	Table        TableConfig   `yaml:"table"`
	LockTimeout  time.Duration `yaml:"lock_timeout"`
	LogVerbosity int           `yaml:"log_verbosity"`
	OpaqueErrors bool          `yaml:"opaque_errors"`
	Shards       []ShardConfig `yaml:"shards"`
}

// ORAMConfig holds the ORAM settings shared by every shard.
type ORAMConfig struct {
	BucketSize   int    `yaml:"bucket_size"`
	StashLimit   int    `yaml:"stash_limit"`
	Eviction     string `yaml:"eviction"`
	ConstantTime bool   `yaml:"constant_time"`
	Encrypt      bool   `yaml:"encrypt"`
	LockMemory   bool   `yaml:"lock_memory"`
	SealingSeed  string `yaml:"sealing_seed,omitempty"`
}

// TableConfig holds the hash table settings shared by every shard.
type TableConfig struct {
	KeySize       int     `yaml:"key_size"`
	MaxRecordSize int     `yaml:"max_record_size"`
	LoadFactor    float64 `yaml:"load_factor"`
	MaxProbe      int     `yaml:"max_probe"`
	Hash          string  `yaml:"hash"`
	HashSeed      string  `yaml:"hash_seed,omitempty"`
}

// ShardConfig describes one shard created at startup. When no shard sets a
// range, the key space is split evenly between them.
type ShardConfig struct {
	Name       string  `yaml:"name"`
	Lo         uint64  `yaml:"lo"`
	Hi         uint64  `yaml:"hi"`
	Capacity   int     `yaml:"capacity"`
	LoadFactor float64 `yaml:"load_factor"`
}

// Default returns a configuration with every default applied and no shards.
func Default() Config {
	c := Config{}
	_ = c.Validate()
	return c
}

// LoadConfig loads the configuration from a YAML file
func LoadConfig(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(config *Config, filePath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(filePath, data, 0644)
}

// Validate applies defaults in place and rejects invalid values.
func (c *Config) Validate() error {
	if c.ORAM.BucketSize == 0 {
		c.ORAM.BucketSize = oram.DefaultBucketSize
	}
	if c.ORAM.StashLimit == 0 {
		c.ORAM.StashLimit = oram.DefaultStashLimit
	}
	if c.ORAM.BucketSize < 0 || c.ORAM.StashLimit < 0 {
		return errcode.Wrapf(errcode.ErrInvalidConfig, "bucket_size and stash_limit must be positive")
	}
	if _, err := oram.ParseEvictionStrategy(c.ORAM.Eviction); err != nil {
		return err
	}

	if c.Table.KeySize == 0 {
		c.Table.KeySize = DefaultKeySize
	}
	if c.Table.MaxRecordSize == 0 {
		c.Table.MaxRecordSize = DefaultMaxRecordSize
	}
	if c.Table.LoadFactor == 0 {
		c.Table.LoadFactor = ohtable.DefaultLoadFactor
	}
	if c.Table.KeySize < 0 || c.Table.MaxRecordSize < 0 || c.Table.MaxProbe < 0 {
		return errcode.Wrapf(errcode.ErrInvalidConfig, "table sizes must be positive")
	}
	if c.Table.LoadFactor < 0 || c.Table.LoadFactor > 1 {
		return errcode.Wrapf(errcode.ErrInvalidLoadFactor, "load_factor %v", c.Table.LoadFactor)
	}
	if c.Table.Hash == "" {
		c.Table.Hash = hashing.HighwayHash.String()
	}
	if _, err := hashing.ParseKind(c.Table.Hash); err != nil {
		return errcode.Wrapf(errcode.ErrInvalidConfig, "%v", err)
	}

	if c.LockTimeout < 0 {
		return errcode.Wrapf(errcode.ErrInvalidConfig, "negative lock_timeout %s", c.LockTimeout)
	}
	if c.LogVerbosity < 0 || c.LogVerbosity > 2 {
		return errcode.Wrapf(errcode.ErrInvalidConfig, "log_verbosity must be 0, 1 or 2, got %d", c.LogVerbosity)
	}

	names := make(map[string]bool, len(c.Shards))
	for i := range c.Shards {
		s := &c.Shards[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("shard-%d", i)
		}
		if names[s.Name] {
			return errcode.Wrapf(errcode.ErrInvalidConfig, "duplicate shard name %q", s.Name)
		}
		names[s.Name] = true
		if s.Capacity <= 0 {
			return errcode.Wrapf(errcode.ErrInvalidConfig, "shard %q capacity must be > 0, got %d", s.Name, s.Capacity)
		}
		if s.LoadFactor == 0 {
			s.LoadFactor = c.Table.LoadFactor
		}
		if s.LoadFactor < 0 || s.LoadFactor > 1 {
			return errcode.Wrapf(errcode.ErrInvalidLoadFactor, "shard %q load_factor %v", s.Name, s.LoadFactor)
		}
	}

	ranges, err := c.Ranges()
	if err != nil {
		return err
	}
	for i := range ranges {
		for j := i + 1; j < len(ranges); j++ {
			if ranges[i].Overlaps(ranges[j]) {
				return errcode.Wrapf(errcode.ErrInvalidConfig, "shards %q and %q overlap", c.Shards[i].Name, c.Shards[j].Name)
			}
		}
	}
	return nil
}

// Ranges returns the key range of every configured shard, in order.
func (c *Config) Ranges() ([]shard.KeyRange, error) {
	explicit := false
	for _, s := range c.Shards {
		if s.Lo != 0 || s.Hi != 0 {
			explicit = true
		}
	}
	if len(c.Shards) == 0 {
		return nil, nil
	}
	if !explicit {
		return shard.SplitKeySpace(len(c.Shards))
	}

	ranges := make([]shard.KeyRange, len(c.Shards))
	for i, s := range c.Shards {
		ranges[i] = shard.KeyRange{Lo: s.Lo, Hi: s.Hi}
		if err := ranges[i].Validate(); err != nil {
			return nil, err
		}
	}
	return ranges, nil
}

// ShardTemplate returns the shard settings shared by every shard. Range,
// Name, Table.Capacity, Table.LoadFactor and Table.Hasher are per shard.
func (c *Config) ShardTemplate() shard.Config {
	eviction, _ := oram.ParseEvictionStrategy(c.ORAM.Eviction)
	tmpl := shard.Config{
		ORAM: oram.Config{
			BucketSize:       c.ORAM.BucketSize,
			StashLimit:       c.ORAM.StashLimit,
			EvictionStrategy: eviction,
			ConstantTime:     c.ORAM.ConstantTime,
			LockMemory:       c.ORAM.LockMemory,
		},
		Table: ohtable.Config{
			KeySize:       c.Table.KeySize,
			MaxRecordSize: c.Table.MaxRecordSize,
			MaxProbe:      c.Table.MaxProbe,
		},
		Encrypt:     c.ORAM.Encrypt,
		LockTimeout: c.LockTimeout,
	}
	if c.ORAM.SealingSeed != "" {
		tmpl.SealingSeed = []byte(c.ORAM.SealingSeed)
	}
	return tmpl
}

// NewHasher returns the placement hasher for the named shard: derived from
// hash_seed when one is configured, random otherwise.
func (c *Config) NewHasher(shardName string) (hashing.Hasher, error) {
	kind, err := hashing.ParseKind(c.Table.Hash)
	if err != nil {
		return nil, err
	}
	if c.Table.HashSeed == "" {
		return hashing.NewRandom(kind)
	}
	salt := hashing.DeriveSalt(hashSaltContext, []byte(c.Table.HashSeed+"/"+shardName))
	return hashing.New(kind, salt)
}
