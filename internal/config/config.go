/*
 * Copyright 2025 rpi4-adc-stuff authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config loads the settings shared by the adcring tools.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/M-Vaittinen/rpi4-adc-stuff/internal/shm"
)

// Environment variables that override the file.
const (
	EnvSegment  = "ADCRING_SEGMENT"
	EnvCapacity = "ADCRING_CAPACITY"
	EnvPolicy   = "ADCRING_POLICY"
	EnvLogLevel = "ADCRING_LOG_LEVEL"
)

// Defaults
const (
	DefaultSegment      = "/adcring"
	DefaultPolicy       = "drop-newest"
	DefaultRecordRateHz = 100.0
	DefaultPattern      = "sawtooth"
	DefaultBlockUs      = 10000 // 1024 samples at roughly 100 kHz
	DefaultAmplitude    = 4095  // 12-bit converter
	DefaultExportPath   = "out/data_out"
	DefaultBatchRecords = 10
	DefaultIdleTimeoutS = 5
	DefaultLogLevel     = "info"
)

// Config represents the complete adcring configuration
type Config struct {
	Segment  string         `yaml:"segment"`   // shared memory object name, "/name"
	LogLevel string         `yaml:"log_level"` // debug, info, warn, error
	Ring     RingConfig     `yaml:"ring"`
	Producer ProducerConfig `yaml:"producer"`
	Export   ExportConfig   `yaml:"export"`
}

// RingConfig contains ring layout and protocol settings
type RingConfig struct {
	Capacity    uint32 `yaml:"capacity"`     // record slots, power of two
	Policy      string `yaml:"policy"`       // drop-newest, overwrite-oldest
	RetryBudget int    `yaml:"retry_budget"` // snapshot attempts per drain
}

// ProducerConfig contains synthetic producer settings
type ProducerConfig struct {
	RateHz    float64 `yaml:"rate_hz"`   // records appended per second, 0 takes the default
	Unpaced   bool    `yaml:"unpaced"`   // ignore rate_hz and append as fast as possible
	Pattern   string  `yaml:"pattern"`   // sawtooth, sine, constant
	Records   int     `yaml:"records"`   // stop after this many records, 0 runs until cancelled
	BlockUs   uint32  `yaml:"block_us"`  // simulated capture time of one record
	Amplitude uint16  `yaml:"amplitude"` // peak sample value
}

// ExportConfig contains consumer settings
type ExportConfig struct {
	Path         string `yaml:"path"`           // output file, "-" for stdout
	Compress     bool   `yaml:"compress"`       // zstd-compress the output
	BatchRecords int    `yaml:"batch_records"`  // records per drain
	IdleTimeoutS int    `yaml:"idle_timeout_s"` // stop after this long without data, negative waits forever
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a YAML configuration file, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ApplyEnv overrides cfg with the ADCRING_* variables found by lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvSegment); ok && v != "" {
		cfg.Segment = v
	}
	if v, ok := lookup(EnvCapacity); ok && v != "" {
		n, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCapacity, err)
		}
		cfg.Ring.Capacity = uint32(n)
	}
	if v, ok := lookup(EnvPolicy); ok && v != "" {
		cfg.Ring.Policy = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.LogLevel = v
	}
	return nil
}

// Policy returns the parsed overflow policy. Call after Validate.
func (c *Config) Policy() shm.OverflowPolicy {
	p, _ := shm.ParseOverflowPolicy(c.Ring.Policy)
	return p
}

// Level returns the parsed log level. Call after Validate.
func (c *Config) Level() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", s, err)
	}
	return l, nil
}
