package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RootConfig is the on-disk layout: a set of named profiles and the one in use.
type RootConfig struct {
	ActiveConfig string             `mapstructure:"active_config" yaml:"active_config"`
	Configs      map[string]*Config `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Device    DeviceConfig    `mapstructure:"device" yaml:"device"`
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Control   ControlConfig   `mapstructure:"control" yaml:"control"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
}

// DeviceConfig selects and configures the acquisition source.
type DeviceConfig struct {
	Simulated      bool          `mapstructure:"simulated" yaml:"simulated"`
	Broker         string        `mapstructure:"broker" yaml:"broker"`
	ClientID       string        `mapstructure:"client_id" yaml:"client_id"`
	Username       string        `mapstructure:"username" yaml:"username"`
	Password       string        `mapstructure:"password" yaml:"password,omitempty"`
	TopicRoot      string        `mapstructure:"topic_root" yaml:"topic_root"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	SettleDelay    time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"` // wait before enumerating channels
}

type RecordingConfig struct {
	SaveRoot     string        `mapstructure:"save_root" yaml:"save_root"`
	Prefix       string        `mapstructure:"prefix" yaml:"prefix"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

type ControlConfig struct {
	ThresholdSD float64 `mapstructure:"threshold_sd" yaml:"threshold_sd"`
}

type ServerConfig struct {
	Port string `mapstructure:"port" yaml:"port"`
}

// Default returns the built-in configuration used when no file is present.
func Default() *Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return &Config{
		Device: DeviceConfig{
			Broker:         "tcp://localhost:1883",
			ClientID:       "ripplefb",
			TopicRoot:      "ripplefb",
			ConnectTimeout: 5 * time.Second,
			PollTimeout:    200 * time.Millisecond,
			SettleDelay:    200 * time.Millisecond,
		},
		Recording: RecordingConfig{
			SaveRoot:     cwd,
			PollInterval: time.Second,
		},
		Control: ControlConfig{
			ThresholdSD: 3.0,
		},
		Server: ServerConfig{
			Port: "8090",
		},
	}
}

// LoadWithProfile reads configFile and resolves the requested profile (or the
// file's active_config, or "default") on top of the built-in defaults and the
// "default" profile. A missing file yields the built-in defaults.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if errors.Is(err, fs.ErrNotExist) {
		if profile != "" && profile != "default" {
			return nil, fmt.Errorf("configuration profile '%s' not found: %s does not exist", profile, configFile)
		}
		cfg := Default()
		if err := applyEnv(cfg); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selected, exists := rootConfig.Configs[configName]
	if !exists && configName != "default" {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	result := Default()
	if base, ok := rootConfig.Configs["default"]; ok {
		result = mergeConfigs(result, base)
	}
	if configName != "default" {
		result = mergeConfigs(result, selected)
	}

	if err := applyEnv(result); err != nil {
		return nil, err
	}
	result.Recording.SaveRoot = expandPath(result.Recording.SaveRoot)

	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
	}
	return result, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	if !v.IsSet("configs." + newActiveConfig) {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}
	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// ValidateConfigurationFormat reads and parses the configuration file.
// Environment variables prefixed RIPPLEFB_ override file values.
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	if _, err := os.Stat(configFile); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetEnvPrefix("RIPPLEFB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	for name, profile := range rootConfig.Configs {
		if profile == nil {
			return nil, fmt.Errorf("config '%s' is empty", name)
		}
	}
	if rootConfig.ActiveConfig != "" && rootConfig.ActiveConfig != "default" {
		if _, ok := rootConfig.Configs[rootConfig.ActiveConfig]; !ok {
			return nil, fmt.Errorf("active_config '%s' does not name a profile", rootConfig.ActiveConfig)
		}
	}

	return &rootConfig, nil
}

// envKeys are the settings that RIPPLEFB_<SECTION>_<KEY> variables override
// on the resolved profile, e.g. RIPPLEFB_DEVICE_BROKER.
var envKeys = []string{
	"device.simulated",
	"device.broker",
	"device.client_id",
	"device.username",
	"device.password",
	"device.topic_root",
	"device.connect_timeout",
	"device.poll_timeout",
	"device.settle_delay",
	"recording.save_root",
	"recording.prefix",
	"recording.poll_interval",
	"control.threshold_sd",
	"server.port",
}

// applyEnv overlays any RIPPLEFB_* variables onto cfg.
func applyEnv(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix("RIPPLEFB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("error binding %s: %w", key, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("error applying environment overrides: %w", err)
	}
	return nil
}

// mergeConfigs overlays every non-zero field of profile onto base.
func mergeConfigs(base, profile *Config) *Config {
	result := *base
	if profile == nil {
		return &result
	}

	if profile.Device.Simulated {
		result.Device.Simulated = true
	}
	if profile.Device.Broker != "" {
		result.Device.Broker = profile.Device.Broker
	}
	if profile.Device.ClientID != "" {
		result.Device.ClientID = profile.Device.ClientID
	}
	if profile.Device.Username != "" {
		result.Device.Username = profile.Device.Username
	}
	if profile.Device.Password != "" {
		result.Device.Password = profile.Device.Password
	}
	if profile.Device.TopicRoot != "" {
		result.Device.TopicRoot = profile.Device.TopicRoot
	}
	if profile.Device.ConnectTimeout != 0 {
		result.Device.ConnectTimeout = profile.Device.ConnectTimeout
	}
	if profile.Device.PollTimeout != 0 {
		result.Device.PollTimeout = profile.Device.PollTimeout
	}
	if profile.Device.SettleDelay != 0 {
		result.Device.SettleDelay = profile.Device.SettleDelay
	}

	if profile.Recording.SaveRoot != "" {
		result.Recording.SaveRoot = profile.Recording.SaveRoot
	}
	if profile.Recording.Prefix != "" {
		result.Recording.Prefix = profile.Recording.Prefix
	}
	if profile.Recording.PollInterval != 0 {
		result.Recording.PollInterval = profile.Recording.PollInterval
	}

	if profile.Control.ThresholdSD != 0 {
		result.Control.ThresholdSD = profile.Control.ThresholdSD
	}
	if profile.Server.Port != "" {
		result.Server.Port = profile.Server.Port
	}

	return &result
}

// Validate checks the resolved configuration.
func (c *Config) Validate() error {
	if !c.Device.Simulated {
		if c.Device.Broker == "" {
			return fmt.Errorf("device.broker is required unless device.simulated is set")
		}
		if c.Device.TopicRoot == "" || strings.ContainsAny(c.Device.TopicRoot, "+#") {
			return fmt.Errorf("device.topic_root must be a plain topic, got %q", c.Device.TopicRoot)
		}
	}
	if c.Device.PollTimeout <= 0 {
		return fmt.Errorf("device.poll_timeout must be positive")
	}
	if c.Recording.PollInterval <= 0 {
		return fmt.Errorf("recording.poll_interval must be positive")
	}
	if c.Recording.PollInterval <= c.Device.PollTimeout {
		return fmt.Errorf("recording.poll_interval (%s) must exceed device.poll_timeout (%s)",
			c.Recording.PollInterval, c.Device.PollTimeout)
	}
	if c.Recording.SaveRoot == "" {
		return fmt.Errorf("recording.save_root is required")
	}
	if strings.ContainsAny(c.Recording.Prefix, `/\`) {
		return fmt.Errorf("recording.prefix must not contain path separators: %q", c.Recording.Prefix)
	}
	if c.Control.ThresholdSD < 0 {
		return fmt.Errorf("control.threshold_sd must not be negative")
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
