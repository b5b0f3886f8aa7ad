// Package loader handles configuration loading: YAML parsing, environment
// variable expansion, defaults, validation, and the conversion into the
// storage engine's configuration.
package loader

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	defaults "github.com/vigil-sh/vigil/config"
	"github.com/vigil-sh/vigil/internal/errors"
	storageconfig "github.com/vigil-sh/vigil/internal/storage/config"
)

// Load loads configuration from a YAML file. Environment variables in the
// file are expanded before parsing; unset fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "parse config: %v", err)
	}

	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills per-target fields that the file left unset.
func applyDefaults(cfg *Config) {
	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		if t.Scheme == "" {
			t.Scheme = "http"
		}
		if t.Path == "" {
			t.Path = "/metrics"
		}
		if t.Interval == 0 {
			t.Interval = cfg.Scrape.Interval
		}
		if t.Timeout == 0 {
			t.Timeout = cfg.Scrape.Timeout
		}
	}
	for i := range cfg.Probes {
		p := &cfg.Probes[i]
		if p.Interval == 0 {
			p.Interval = cfg.Scrape.Interval
		}
		if p.Timeout == 0 {
			p.Timeout = Duration(defaults.DefaultProbeTimeout)
		}
		if p.Community == "" {
			p.Community = defaults.DefaultSNMPCommunity
		}
	}
}

// Validate checks the configuration for structural problems. Semantic
// target validation (duplicates, interval bounds) happens again in the
// registry, which is the authority at reload time.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	if cfg.Listen == "" {
		errs.AddMissing("listen")
	}
	if cfg.DataDir == "" {
		errs.AddMissing("data_dir")
	}
	if cfg.Scrape.Interval <= 0 {
		errs.AddField("scrape.interval", "must be positive")
	}
	if cfg.Scrape.Timeout <= 0 {
		errs.AddField("scrape.timeout", "must be positive")
	}
	if cfg.Scrape.Workers <= 0 {
		errs.AddField("scrape.workers", "must be positive")
	}

	for i, t := range cfg.Targets {
		field := func(f string) string { return fmt.Sprintf("targets[%d].%s", i, f) }
		if t.Name == "" {
			errs.AddMissing(field("name"))
		}
		if t.Address == "" {
			errs.AddMissing(field("address"))
		}
		if t.Scheme != "http" && t.Scheme != "https" {
			errs.AddField(field("scheme"), "must be http or https")
		}
		if t.Interval <= 0 {
			errs.AddField(field("interval"), "must be positive")
		}
		if t.Timeout <= 0 {
			errs.AddField(field("timeout"), "must be positive")
		}
	}

	for i, p := range cfg.Probes {
		field := func(f string) string { return fmt.Sprintf("probes[%d].%s", i, f) }
		if p.Name == "" {
			errs.AddMissing(field("name"))
		}
		if p.Target == "" {
			errs.AddMissing(field("target"))
		}
		switch p.Module {
		case "http":
			if p.Target != "" {
				if _, err := url.ParseRequestURI(p.Target); err != nil {
					errs.AddField(field("target"), "must be a URL for the http module")
				}
			}
		case "tcp", "snmp":
		case "":
			errs.AddMissing(field("module"))
		default:
			errs.AddField(field("module"), fmt.Sprintf("unknown module %q", p.Module))
		}
		if p.Timeout <= 0 {
			errs.AddField(field("timeout"), "must be positive")
		}
	}

	return errs.Err()
}

// ToStorageConfig converts the loaded configuration into the storage
// engine's configuration.
func ToStorageConfig(cfg *Config) *storageconfig.Config {
	return &storageconfig.Config{
		DataDir:            cfg.DataDir,
		BlockWindow:        cfg.Storage.BlockWindow.Duration(),
		Retention:          cfg.Storage.Retention.Duration(),
		RetentionInterval:  cfg.Storage.RetentionInterval.Duration(),
		CompactionInterval: cfg.Storage.CompactionInterval.Duration(),
		MaxBlockSpan:       cfg.Storage.MaxBlockSpan.Duration(),
		WAL: storageconfig.WALConfig{
			MaxSegmentSize: cfg.Storage.WAL.MaxSegmentSize.Bytes(),
			SyncMode:       cfg.Storage.WAL.SyncMode,
			SyncInterval:   cfg.Storage.WAL.SyncInterval.Duration(),
		},
	}
}
