// Package config holds the run configuration assembled from flags, the
// config file and STACK_ANALYZER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/jnesss/stack-analyzer/backend"
	"github.com/jnesss/stack-analyzer/collector"
	"github.com/jnesss/stack-analyzer/trigger"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "STACK_ANALYZER"

type Config struct {
	// Pid samples an existing process
	Pid int32 `mapstructure:"pid"`
	// Command is spawned and sampled when set
	Command string `mapstructure:"command"`
	Shell   string `mapstructure:"shell"`

	Window time.Duration `mapstructure:"delay"`
	// Budget of zero runs until interrupted
	Budget time.Duration `mapstructure:"duration"`

	Trigger      string `mapstructure:"trigger"`
	TriggerEvent string `mapstructure:"trigger_event"`

	Objects  string `mapstructure:"objects"`
	DataDir  string `mapstructure:"data_dir"`
	RulesDir string `mapstructure:"rules_dir"`
	Listen   string `mapstructure:"listen"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	KeepPrivileges   bool `mapstructure:"keep_privileges"`
	ProcessCacheSize int  `mapstructure:"process_cache_size"`

	Collectors []collector.Spec `mapstructure:"collectors"`
}

func Default() Config {
	return Config{
		Pid:              backend.AllProcesses,
		Shell:            "/bin/bash",
		Window:           5 * time.Second,
		TriggerEvent:     "some 150000 1000000",
		Objects:          "/usr/share/stack-analyzer/bpf",
		LogLevel:         "info",
		LogFormat:        "json",
		ProcessCacheSize: 1024,
	}
}

// SetDefaults registers every key with v so environment overrides are seen
// by Load even when neither a flag nor the config file sets them
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("pid", d.Pid)
	v.SetDefault("command", d.Command)
	v.SetDefault("trigger", d.Trigger)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("rules_dir", d.RulesDir)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("keep_privileges", d.KeepPrivileges)
	v.SetDefault("shell", d.Shell)
	v.SetDefault("delay", d.Window)
	v.SetDefault("duration", d.Budget)
	v.SetDefault("trigger_event", d.TriggerEvent)
	v.SetDefault("objects", d.Objects)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("process_cache_size", d.ProcessCacheSize)
}

// Load decodes v into a validated Config
func Load(v *viper.Viper) (Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Pid != backend.AllProcesses && c.Pid <= 0 {
		return fmt.Errorf("invalid pid %d", c.Pid)
	}
	if c.Pid > 0 && c.Command != "" {
		return errors.New("pid and command are mutually exclusive")
	}
	if c.Window <= 0 {
		return fmt.Errorf("delay must be positive, got %s", c.Window)
	}
	if c.Budget < 0 {
		return fmt.Errorf("duration must not be negative, got %s", c.Budget)
	}
	if c.Trigger != "" {
		if _, err := trigger.PressurePath(c.Trigger); err != nil {
			return err
		}
		if c.TriggerEvent == "" {
			return errors.New("trigger needs an event")
		}
	}
	if c.Objects == "" {
		return errors.New("objects directory is required")
	}
	if c.ProcessCacheSize <= 0 {
		return fmt.Errorf("process cache size must be positive, got %d", c.ProcessCacheSize)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// Builder collects the collectors of the config file followed by those
// given on the command line
func (c Config) Builder(args []string) (*collector.Builder, error) {
	b := collector.NewBuilder()
	for _, s := range c.Collectors {
		if err := b.Add(s); err != nil {
			return nil, err
		}
	}
	for _, arg := range args {
		s, err := collector.ParseSpec(arg)
		if err != nil {
			return nil, err
		}
		if err := b.Add(s); err != nil {
			return nil, err
		}
	}
	if b.Len() == 0 {
		return nil, errors.New("no collectors selected")
	}
	return b, nil
}
