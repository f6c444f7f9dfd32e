package bleu

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1amageek/bleu/rpc/dispatch/reliability"
)

// Config is the tunables record controlling timeouts, fragmentation, and
// retry behavior. It decodes straight off a flat YAML file on disk.
type Config struct {
	RPCTimeout        time.Duration `yaml:"rpc_timeout"`
	ReassemblyTimeout time.Duration `yaml:"reassembly_timeout"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxFragmentSize   int           `yaml:"max_fragment_size"`
	DefaultWriteLen   int           `yaml:"default_write_length"`
	MaxRetryAttempts  int           `yaml:"max_retry_attempts"`
	RetryDelayBase    time.Duration `yaml:"retry_delay_base"`
}

// DefaultConfig returns the baseline tunables a runtime starts from absent
// an on-disk config file.
func DefaultConfig() Config {
	return Config{
		RPCTimeout:        10 * time.Second,
		ReassemblyTimeout: 15 * time.Second,
		CleanupInterval:   5 * time.Second,
		MaxFragmentSize:   512,
		DefaultWriteLen:   512,
		MaxRetryAttempts:  3,
		RetryDelayBase:    50 * time.Millisecond,
	}
}

// LoadConfig reads YAML from path, falling back to DefaultConfig for any
// field left zero-valued in the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	var onDisk Config
	if err := yaml.NewDecoder(f).Decode(&onDisk); err != nil {
		return Config{}, err
	}
	mergeNonZero(&cfg, onDisk)
	return cfg, nil
}

func mergeNonZero(cfg *Config, onDisk Config) {
	if onDisk.RPCTimeout != 0 {
		cfg.RPCTimeout = onDisk.RPCTimeout
	}
	if onDisk.ReassemblyTimeout != 0 {
		cfg.ReassemblyTimeout = onDisk.ReassemblyTimeout
	}
	if onDisk.CleanupInterval != 0 {
		cfg.CleanupInterval = onDisk.CleanupInterval
	}
	if onDisk.MaxFragmentSize != 0 {
		cfg.MaxFragmentSize = onDisk.MaxFragmentSize
	}
	if onDisk.DefaultWriteLen != 0 {
		cfg.DefaultWriteLen = onDisk.DefaultWriteLen
	}
	if onDisk.MaxRetryAttempts != 0 {
		cfg.MaxRetryAttempts = onDisk.MaxRetryAttempts
	}
	if onDisk.RetryDelayBase != 0 {
		cfg.RetryDelayBase = onDisk.RetryDelayBase
	}
}

func (c Config) retryOptions() reliability.Options {
	return reliability.Options{
		MaxRetries:  c.MaxRetryAttempts,
		BaseDelay:   c.RetryDelayBase,
		PacingDelay: 10 * time.Millisecond,
	}
}
