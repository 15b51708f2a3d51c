// Copyright (c) 2026 Jeremy Hahn
// Copyright (c) 2026 Automate The Things, LLC
//
// This file is part of go-u2f-conformance.
//
// go-u2f-conformance is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package config loads the harness configuration from a YAML file and
// U2FCONFORM_* environment variables. Command-line flags override both.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete harness configuration
type Config struct {
	Device  DeviceConfig  `yaml:"device" mapstructure:"device"`
	Run     RunConfig     `yaml:"run" mapstructure:"run"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Output  OutputConfig  `yaml:"output" mapstructure:"output"`
}

// DeviceConfig selects and opens the device under test
type DeviceConfig struct {
	// Path pins a specific hidraw node; empty enumerates and takes the
	// first FIDO device found.
	Path string `yaml:"path" mapstructure:"path"`

	// OpenRetries and OpenRetryDelay cover slow device enumeration right
	// after plug-in.
	OpenRetries    int           `yaml:"open_retries" mapstructure:"open_retries"`
	OpenRetryDelay time.Duration `yaml:"open_retry_delay" mapstructure:"open_retry_delay"`
}

// RunConfig contains the run-control settings
type RunConfig struct {
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	ContinueOnError bool          `yaml:"continue_on_error" mapstructure:"continue_on_error"`
	PauseOnError    bool          `yaml:"pause_on_error" mapstructure:"pause_on_error"`
	Verbosity       int           `yaml:"verbosity" mapstructure:"verbosity"`
	Buttonless      bool          `yaml:"buttonless" mapstructure:"buttonless"`
	StrictChannel   bool          `yaml:"strict_channel" mapstructure:"strict_channel"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Debug bool `yaml:"debug" mapstructure:"debug"`
}

// OutputConfig controls report formatting
type OutputConfig struct {
	Format string `yaml:"format" mapstructure:"format"`
}

// Defaults used when the file or a key is absent.
const (
	DefaultTimeout        = 3 * time.Second
	DefaultOpenRetries    = 3
	DefaultOpenRetryDelay = 500 * time.Millisecond
	DefaultOutputFormat   = "text"
)

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("U2FCONFORM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("device.open_retries", DefaultOpenRetries)
	v.SetDefault("device.open_retry_delay", DefaultOpenRetryDelay)
	v.SetDefault("run.timeout", DefaultTimeout)
	v.SetDefault("output.format", DefaultOutputFormat)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	} else {
		v.SetConfigName("u2fconform")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.u2fconform")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and fills omitted values
func (c *Config) Validate() error {
	if c.Run.Timeout <= 0 {
		c.Run.Timeout = DefaultTimeout
	}
	if c.Device.OpenRetries <= 0 {
		c.Device.OpenRetries = DefaultOpenRetries
	}
	if c.Device.OpenRetryDelay <= 0 {
		c.Device.OpenRetryDelay = DefaultOpenRetryDelay
	}
	if c.Output.Format == "" {
		c.Output.Format = DefaultOutputFormat
	}
	switch c.Output.Format {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("config: unknown output format %q", c.Output.Format)
	}
	if c.Run.Verbosity < 0 || c.Run.Verbosity > 2 {
		return fmt.Errorf("config: verbosity %d out of range 0-2", c.Run.Verbosity)
	}
	return nil
}
