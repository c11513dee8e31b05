// Package config loads fleetd settings from a YAML file.
//
// Missing keys fall back to Default(). Command-line flags are applied on top
// by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverBadger = "badger"
	DriverSQLite = "sqlite"

	EffectorSim  = "sim"
	EffectorNATS = "nats"
)

type Config struct {
	HTTPAddr    string         `yaml:"http_addr"`
	GRPCAddr    string         `yaml:"grpc_addr"`
	MetricsAddr string         `yaml:"metrics_addr"`
	Log         LogConfig      `yaml:"log"`
	Storage     StorageConfig  `yaml:"storage"`
	NATS        NATSConfig     `yaml:"nats"`
	Effector    EffectorConfig `yaml:"effector"`
	Dispatch    DispatchConfig `yaml:"dispatch"`
	Tracing     TracingConfig  `yaml:"tracing"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type EffectorConfig struct {
	Kind  string        `yaml:"kind"`
	Delay time.Duration `yaml:"delay"`
}

type DispatchConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",
		Log:         LogConfig{Level: "info", Format: "json"},
		Storage:     StorageConfig{Driver: DriverBadger, Path: "./data/badger"},
		NATS:        NATSConfig{SubjectPrefix: "fleet"},
		Effector:    EffectorConfig{Kind: EffectorSim},
		Dispatch:    DispatchConfig{Concurrency: 8},
	}
}

// Load reads path over the defaults. An empty path or a missing file yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverBadger, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: want %s or %s", c.Storage.Driver, DriverBadger, DriverSQLite))
	}
	if c.Storage.Driver == DriverSQLite && c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required for sqlite"))
	}
	switch c.Effector.Kind {
	case EffectorSim:
	case EffectorNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("effector.kind nats needs nats.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("effector.kind %q: want %s or %s", c.Effector.Kind, EffectorSim, EffectorNATS))
	}
	if c.Effector.Delay < 0 {
		errs = append(errs, errors.New("effector.delay must be non-negative"))
	}
	if c.Dispatch.Concurrency <= 0 {
		errs = append(errs, errors.New("dispatch.concurrency must be positive"))
	}
	if c.NATS.SubjectPrefix == "" {
		errs = append(errs, errors.New("nats.subject_prefix is required"))
	}
	return errors.Join(errs...)
}
