// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads otaflash settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/otaflash/pkg/ota"
)

// Config contains all runtime settings.
// Load order: defaults -> YAML (optional) -> env overrides. Command-line
// flags are applied on top by the caller.
type Config struct {
	Link struct {
		Port        string `yaml:"port"`
		Baud        int    `yaml:"baud"`
		URL         string `yaml:"url"`
		Username    string `yaml:"username"`
		NoSSLVerify bool   `yaml:"no_ssl_verify"`

		OpenRetries   int           `yaml:"open_retries"`
		RetryInterval time.Duration `yaml:"retry_interval"`
		RetryMax      time.Duration `yaml:"retry_max"`
	} `yaml:"link"`

	Transfer struct {
		Target string `yaml:"target"`
		MTU    uint32 `yaml:"mtu"`
		MaxMTU uint32 `yaml:"max_mtu"`
		Digest string `yaml:"digest"` // sha256, crc32
	} `yaml:"transfer"`

	Policy struct {
		MaxRetriesPerChunk    int           `yaml:"max_retries_per_chunk"`
		MaxNegotiationRetries int           `yaml:"max_negotiation_retries"`
		AckTimeout            time.Duration `yaml:"ack_timeout"`
		NegotiationTimeout    time.Duration `yaml:"negotiation_timeout"`
		EraseTimeout          time.Duration `yaml:"erase_timeout"`
		FinalizeTimeout       time.Duration `yaml:"finalize_timeout"`
	} `yaml:"policy"`

	Logging struct {
		Level      string `yaml:"level"`        // trace, debug, info, warn, error, disabled
		Format     string `yaml:"format"`       // json, console
		Output     string `yaml:"output"`       // stderr, stdout, file, multi
		FilePath   string `yaml:"file_path"`    // used by file and multi
		MaxSizeMB  int    `yaml:"max_size_mb"`  // max size before rotation
		MaxBackups int    `yaml:"max_backups"`  // max number of old log files
		MaxAgeDays int    `yaml:"max_age_days"` // max age in days
		Compress   bool   `yaml:"compress"`     // compress rotated files
	} `yaml:"logging"`

	Metrics struct {
		Listen string `yaml:"listen"` // empty disables the endpoint
		Path   string `yaml:"path"`
	} `yaml:"metrics"`

	Journal struct {
		Path string `yaml:"path"` // empty disables recording
	} `yaml:"journal"`
}

// Load reads YAML if path is non-empty, then applies env overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// Defaults returns the built-in settings
func Defaults() Config {
	var c Config
	c.Link.Baud = 115200
	c.Link.OpenRetries = 5
	c.Link.RetryInterval = time.Second
	c.Link.RetryMax = 30 * time.Second

	c.Transfer.Target = "default"
	c.Transfer.MTU = 512
	c.Transfer.MaxMTU = ota.DefaultMaxMTU
	c.Transfer.Digest = "sha256"

	p := ota.DefaultPolicy()
	c.Policy.MaxRetriesPerChunk = p.MaxRetriesPerChunk
	c.Policy.MaxNegotiationRetries = p.MaxNegotiationRetries
	c.Policy.AckTimeout = p.AckTimeout
	c.Policy.NegotiationTimeout = p.NegotiationTimeout
	c.Policy.EraseTimeout = p.EraseTimeout
	c.Policy.FinalizeTimeout = p.FinalizeTimeout

	c.Logging.Level = "info"
	c.Logging.Format = "console"
	c.Logging.Output = "stderr"
	c.Logging.FilePath = "otaflash.log"
	c.Logging.MaxSizeMB = 10
	c.Logging.MaxBackups = 3
	c.Logging.MaxAgeDays = 28

	c.Metrics.Path = "/metrics"
	return c
}

func applyEnv(cfg *Config) {
	setStr(&cfg.Link.Port, "OTAFLASH_PORT")
	setInt(&cfg.Link.Baud, "OTAFLASH_BAUD", 1)
	setStr(&cfg.Link.URL, "OTAFLASH_URL")
	setStr(&cfg.Link.Username, "OTAFLASH_USERNAME")
	setBool(&cfg.Link.NoSSLVerify, "OTAFLASH_NO_SSL_VERIFY")
	setInt(&cfg.Link.OpenRetries, "OTAFLASH_OPEN_RETRIES", 1)
	setDuration(&cfg.Link.RetryInterval, "OTAFLASH_RETRY_INTERVAL")
	setDuration(&cfg.Link.RetryMax, "OTAFLASH_RETRY_MAX")

	setStr(&cfg.Transfer.Target, "OTAFLASH_TARGET")
	setUint32(&cfg.Transfer.MTU, "OTAFLASH_MTU")
	setUint32(&cfg.Transfer.MaxMTU, "OTAFLASH_MAX_MTU")
	setStr(&cfg.Transfer.Digest, "OTAFLASH_DIGEST")

	setInt(&cfg.Policy.MaxRetriesPerChunk, "OTAFLASH_MAX_RETRIES", 0)
	setInt(&cfg.Policy.MaxNegotiationRetries, "OTAFLASH_MAX_NEGOTIATION_RETRIES", 0)
	setDuration(&cfg.Policy.AckTimeout, "OTAFLASH_ACK_TIMEOUT")
	setDuration(&cfg.Policy.NegotiationTimeout, "OTAFLASH_NEGOTIATION_TIMEOUT")
	setDuration(&cfg.Policy.EraseTimeout, "OTAFLASH_ERASE_TIMEOUT")
	setDuration(&cfg.Policy.FinalizeTimeout, "OTAFLASH_FINALIZE_TIMEOUT")

	// Logging configuration
	setStr(&cfg.Logging.Level, "OTAFLASH_LOG_LEVEL")
	setStr(&cfg.Logging.Format, "OTAFLASH_LOG_FORMAT")
	setStr(&cfg.Logging.Output, "OTAFLASH_LOG_OUTPUT")
	setStr(&cfg.Logging.FilePath, "OTAFLASH_LOG_FILE_PATH")
	setInt(&cfg.Logging.MaxSizeMB, "OTAFLASH_LOG_MAX_SIZE_MB", 1)
	setInt(&cfg.Logging.MaxBackups, "OTAFLASH_LOG_MAX_BACKUPS", 0)
	setInt(&cfg.Logging.MaxAgeDays, "OTAFLASH_LOG_MAX_AGE_DAYS", 0)
	setBool(&cfg.Logging.Compress, "OTAFLASH_LOG_COMPRESS")

	setStr(&cfg.Metrics.Listen, "OTAFLASH_METRICS_LISTEN")
	setStr(&cfg.Journal.Path, "OTAFLASH_JOURNAL")
}

func setStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// setInt ignores values that do not parse or are below floor
func setInt(dst *int, key string, floor int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= floor {
			*dst = n
		}
	}
}

func setUint32(dst *uint32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 {
			*dst = uint32(n)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || strings.ToLower(v) == "true"
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}

// OTAPolicy returns the retry and timeout policy
func (c Config) OTAPolicy() ota.Policy {
	return ota.Policy{
		MaxRetriesPerChunk:    c.Policy.MaxRetriesPerChunk,
		MaxNegotiationRetries: c.Policy.MaxNegotiationRetries,
		AckTimeout:            c.Policy.AckTimeout,
		NegotiationTimeout:    c.Policy.NegotiationTimeout,
		EraseTimeout:          c.Policy.EraseTimeout,
		FinalizeTimeout:       c.Policy.FinalizeTimeout,
	}
}

// DigestPolicy returns the digest settings
func (c Config) DigestPolicy() (ota.DigestPolicy, error) {
	alg, err := ota.ParseDigestAlgorithm(c.Transfer.Digest)
	if err != nil {
		return ota.DigestPolicy{}, err
	}
	return ota.DigestPolicy{ImageAlgorithm: alg}, nil
}

// Validate checks settings that would otherwise fail deep inside a transfer
func (c Config) Validate() error {
	if err := c.OTAPolicy().Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if _, err := c.DigestPolicy(); err != nil {
		return fmt.Errorf("transfer.digest: %w", err)
	}
	if c.Transfer.MaxMTU == 0 || c.Transfer.MaxMTU > ota.DefaultMaxMTU {
		return fmt.Errorf("transfer.max_mtu must be 1..%d, got %d", ota.DefaultMaxMTU, c.Transfer.MaxMTU)
	}
	if c.Transfer.MTU == 0 || c.Transfer.MTU > c.Transfer.MaxMTU {
		return fmt.Errorf("transfer.mtu must be 1..%d, got %d", c.Transfer.MaxMTU, c.Transfer.MTU)
	}
	if c.Link.OpenRetries < 1 {
		return fmt.Errorf("link.open_retries must be at least 1, got %d", c.Link.OpenRetries)
	}
	return nil
}
