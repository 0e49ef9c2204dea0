// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the sentinel service configuration.
//
// Configuration is YAML on disk with struct-tag validation. Defaults are
// applied before validation so a minimal file (or no file at all) yields
// a runnable configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/sentinel/services/sentinel/safemode"
	"github.com/AleutianAI/sentinel/services/sentinel/safety"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	NATS       NATSConfig       `yaml:"nats"`
	Backup     BackupConfig     `yaml:"backup"`
	KillSwitch KillSwitchConfig `yaml:"kill_switch"`
	SafeMode   SafeModeConfig   `yaml:"safe_mode"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Escalation EscalationConfig `yaml:"escalation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP query surface.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr" validate:"required"`

	// EnableTracing turns on OpenTelemetry middleware.
	EnableTracing bool `yaml:"enable_tracing"`
}

// StoreConfig configures the durable state store.
type StoreConfig struct {
	// Path is the BadgerDB directory.
	Path string `yaml:"path" validate:"required_unless=InMemory true"`

	// InMemory keeps state in memory. Tests and self-test harness only.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites forces an fsync per write.
	SyncWrites bool `yaml:"sync_writes"`
}

// NATSConfig configures the stop-signal transport.
type NATSConfig struct {
	// Enabled wires the NATS signaler; disabled falls back to no-op
	// signaling, leaving state polling as the only stop path.
	Enabled bool `yaml:"enabled"`

	// URL is the NATS server URL.
	URL string `yaml:"url"`

	// Name identifies this connection to the server.
	Name string `yaml:"name"`
}

// BackupConfig configures the backup trigger channel.
type BackupConfig struct {
	// Path is the backup trigger file location.
	Path string `yaml:"path" validate:"required"`

	// PollInterval is the fallback poll cadence behind fsnotify.
	PollInterval time.Duration `yaml:"poll_interval" validate:"min=0"`
}

// KillSwitchConfig tunes the kill switch.
type KillSwitchConfig struct {
	// HistorySize bounds the archived episode history.
	HistorySize int `yaml:"history_size" validate:"min=1"`

	// VerifyTimeout bounds a compliance verification pass.
	VerifyTimeout time.Duration `yaml:"verify_timeout" validate:"min=0"`

	// VerifyInterval is the verification poll interval.
	VerifyInterval time.Duration `yaml:"verify_interval" validate:"min=0"`
}

// SafeModeConfig tunes the safe-mode controller.
type SafeModeConfig struct {
	// HistorySize bounds the transition history.
	HistorySize int `yaml:"history_size" validate:"min=1"`
}

// ClassifierConfig tunes the violation classifier.
type ClassifierConfig struct {
	// RuleFiles are extra YAML rule files, evaluated after built-ins.
	RuleFiles []string `yaml:"rule_files"`

	// DisableDefaults drops the built-in rule set.
	DisableDefaults bool `yaml:"disable_defaults"`

	// LogSize bounds the rolling violation log.
	LogSize int `yaml:"log_size" validate:"min=0"`
}

// EscalationConfig is the severity-to-action table.
type EscalationConfig struct {
	// KillSeverity triggers the kill switch at or above this severity.
	KillSeverity string `yaml:"kill_severity" validate:"oneof=low medium high critical"`

	// SafeModeLevels maps sub-kill severities to entry levels, e.g.
	// {medium: limited, high: restricted}.
	SafeModeLevels map[string]string `yaml:"safe_mode_levels" validate:"dive,oneof=limited restricted emergency"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum log level.
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Format selects text or json handlers.
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr: ":8087",
		},
		Store: StoreConfig{
			Path:       "/var/lib/sentinel/state",
			SyncWrites: true,
		},
		NATS: NATSConfig{
			URL:  "nats://127.0.0.1:4222",
			Name: "sentinel",
		},
		Backup: BackupConfig{
			Path:         "/var/lib/sentinel/killswitch.trigger",
			PollInterval: 5 * time.Second,
		},
		KillSwitch: KillSwitchConfig{
			HistorySize:    100,
			VerifyTimeout:  10 * time.Second,
			VerifyInterval: 250 * time.Millisecond,
		},
		SafeMode: SafeModeConfig{
			HistorySize: 100,
		},
		Classifier: ClassifierConfig{
			LogSize: 1000,
		},
		Escalation: EscalationConfig{
			KillSeverity: "critical",
			SafeModeLevels: map[string]string{
				"medium": "limited",
				"high":   "restricted",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ApplyDefaults fills zero-valued fields from Default.
func (c *Config) ApplyDefaults() {
	def := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Store.Path == "" && !c.Store.InMemory {
		c.Store.Path = def.Store.Path
	}
	if c.NATS.URL == "" {
		c.NATS.URL = def.NATS.URL
	}
	if c.NATS.Name == "" {
		c.NATS.Name = def.NATS.Name
	}
	if c.Backup.Path == "" {
		c.Backup.Path = def.Backup.Path
	}
	if c.Backup.PollInterval <= 0 {
		c.Backup.PollInterval = def.Backup.PollInterval
	}
	if c.KillSwitch.HistorySize <= 0 {
		c.KillSwitch.HistorySize = def.KillSwitch.HistorySize
	}
	if c.KillSwitch.VerifyTimeout <= 0 {
		c.KillSwitch.VerifyTimeout = def.KillSwitch.VerifyTimeout
	}
	if c.KillSwitch.VerifyInterval <= 0 {
		c.KillSwitch.VerifyInterval = def.KillSwitch.VerifyInterval
	}
	if c.SafeMode.HistorySize <= 0 {
		c.SafeMode.HistorySize = def.SafeMode.HistorySize
	}
	if c.Classifier.LogSize <= 0 {
		c.Classifier.LogSize = def.Classifier.LogSize
	}
	if c.Escalation.KillSeverity == "" {
		c.Escalation.KillSeverity = def.Escalation.KillSeverity
	}
	if c.Escalation.SafeModeLevels == nil {
		c.Escalation.SafeModeLevels = def.Escalation.SafeModeLevels
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := safety.ParseSeverity(c.Escalation.KillSeverity); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for sev, level := range c.Escalation.SafeModeLevels {
		if _, err := safety.ParseSeverity(sev); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if _, err := safemode.ParseLevel(level); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return nil
}

// Load reads a configuration file, applies defaults, and validates.
//
// Inputs:
//
//	path - YAML file location. Empty returns the default configuration.
//
// Outputs:
//
//	Config - The loaded configuration.
//	error - Non-nil if the file cannot be read, parsed, or validated.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path == "" {
		cfg = Default()
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
