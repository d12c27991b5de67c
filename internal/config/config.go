// Package config handles miraie-bridge configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Vendor endpoints used when an account does not override them.
const (
	DefaultAuthURL   = "https://auth.miraie.in/simplifi/v1"
	DefaultAppURL    = "https://app.miraie.in/simplifi/v1"
	DefaultBrokerURL = "mqtts://mqtt.miraie.in:8883"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/miraie-bridge/config.yaml,
// /etc/miraie-bridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "miraie-bridge", "config.yaml"))
	}

	paths = append(paths, "/etc/miraie-bridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all miraie-bridge configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	Accounts      []AccountConfig     `yaml:"accounts"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Reconnect     ReconnectConfig     `yaml:"reconnect"`
	Liveness      LivenessConfig      `yaml:"liveness"`
	CommandRate   CommandRateConfig   `yaml:"command_rate"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the HTTP API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AccountConfig is one MirAIe cloud account. Each account becomes an
// independent bridge entry with its own MQTT session.
type AccountConfig struct {
	// Name identifies the account in logs, metrics and the HTTP API.
	Name string `yaml:"name"`
	// UserID is the account email or mobile number.
	UserID   string `yaml:"user_id"`
	Password string `yaml:"password"`

	AuthURL   string `yaml:"auth_url"`
	AppURL    string `yaml:"app_url"`
	BrokerURL string `yaml:"broker_url"`

	// StatusPollSec is how often each device's status is fetched over
	// REST in addition to the MQTT push stream (default 300).
	StatusPollSec int `yaml:"status_poll_sec"`

	// TokenRefreshSec forces a fresh login on this interval even when
	// the token has not been rejected (default 604800, seven days).
	TokenRefreshSec int `yaml:"token_refresh_sec"`

	// Devices holds per-device capability overrides, keyed by device ID.
	Devices []DeviceOverride `yaml:"devices"`
}

// DeviceOverride narrows the default capability set for one device.
// Nil pointer fields keep the default.
type DeviceOverride struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Nanoe           *bool    `yaml:"nanoe"`
	Powerful        *bool    `yaml:"powerful"`
	Economy         *bool    `yaml:"economy"`
	VerticalSwing   *bool    `yaml:"vertical_swing"`
	HorizontalSwing *bool    `yaml:"horizontal_swing"`
	MinTemp         *float64 `yaml:"min_temp"`
	MaxTemp         *float64 `yaml:"max_temp"`
	TempStep        *float64 `yaml:"temp_step"`
}

// HomeAssistantConfig defines the local MQTT broker that Home Assistant
// listens on for discovery. Leave Broker empty to disable the facade.
type HomeAssistantConfig struct {
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DiscoveryPrefix string `yaml:"discovery_prefix"` // default "homeassistant"
	BaseTopic       string `yaml:"base_topic"`       // default "miraie"
	ClientID        string `yaml:"client_id"`
}

// Configured reports whether the Home Assistant MQTT facade is enabled.
func (c HomeAssistantConfig) Configured() bool {
	return c.Broker != ""
}

// ReconnectConfig controls the vendor MQTT reconnect backoff.
type ReconnectConfig struct {
	InitialDelaySec int     `yaml:"initial_delay_sec"` // default 2
	MaxDelaySec     int     `yaml:"max_delay_sec"`     // default 60
	Multiplier      float64 `yaml:"multiplier"`        // default 2.0
	MaxRetries      int     `yaml:"max_retries"`       // default 10
	StableAfterSec  int     `yaml:"stable_after_sec"`  // default 60
	SuperviseSec    int     `yaml:"supervise_sec"`     // default 60
}

// LivenessConfig controls when a silent device is marked offline.
type LivenessConfig struct {
	StatusIntervalSec int `yaml:"status_interval_sec"` // default 300
	MissedIntervals   int `yaml:"missed_intervals"`    // default 3
}

// CommandRateConfig limits outbound commands per device.
type CommandRateConfig struct {
	PerSecond float64 `yaml:"per_second"` // default 2
	Burst     int     `yaml:"burst"`      // default 4
}

// Load reads configuration from a YAML file, expands ${ENV} references,
// applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default filled in and no
// accounts.
func Default() *Config {
	cfg := &Config{
		Listen:  ListenConfig{Port: 8095},
		DataDir: "./data",
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8095
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.HomeAssistant.DiscoveryPrefix == "" {
		c.HomeAssistant.DiscoveryPrefix = "homeassistant"
	}
	if c.HomeAssistant.BaseTopic == "" {
		c.HomeAssistant.BaseTopic = "miraie"
	}

	r := &c.Reconnect
	if r.InitialDelaySec <= 0 {
		r.InitialDelaySec = 2
	}
	if r.MaxDelaySec <= 0 {
		r.MaxDelaySec = 60
	}
	if r.Multiplier <= 1 {
		r.Multiplier = 2.0
	}
	if r.MaxRetries <= 0 {
		r.MaxRetries = 10
	}
	if r.StableAfterSec <= 0 {
		r.StableAfterSec = 60
	}
	if r.SuperviseSec <= 0 {
		r.SuperviseSec = 60
	}

	if c.Liveness.StatusIntervalSec <= 0 {
		c.Liveness.StatusIntervalSec = 300
	}
	if c.Liveness.MissedIntervals <= 0 {
		c.Liveness.MissedIntervals = 3
	}

	if c.CommandRate.PerSecond <= 0 {
		c.CommandRate.PerSecond = 2
	}
	if c.CommandRate.Burst <= 0 {
		c.CommandRate.Burst = 4
	}

	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.AuthURL == "" {
			a.AuthURL = DefaultAuthURL
		}
		if a.AppURL == "" {
			a.AppURL = DefaultAppURL
		}
		if a.BrokerURL == "" {
			a.BrokerURL = DefaultBrokerURL
		}
		if a.StatusPollSec <= 0 {
			a.StatusPollSec = 300
		}
		if a.TokenRefreshSec <= 0 {
			a.TokenRefreshSec = 604800
		}
	}
}

// Validate enforces invariants that YAML typing cannot express.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}

	if len(c.Accounts) == 0 {
		errs = append(errs, errors.New("at least one account is required"))
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		label := a.Name
		if label == "" {
			label = fmt.Sprintf("accounts[%d]", i)
			errs = append(errs, fmt.Errorf("%s: name is required", label))
		} else if seen[a.Name] {
			errs = append(errs, fmt.Errorf("account %q defined more than once", a.Name))
		}
		seen[a.Name] = true

		if strings.TrimSpace(a.UserID) == "" {
			errs = append(errs, fmt.Errorf("%s: user_id is required", label))
		}
		if a.Password == "" {
			errs = append(errs, fmt.Errorf("%s: password is required", label))
		}
		for _, d := range a.Devices {
			if d.ID == "" {
				errs = append(errs, fmt.Errorf("%s: device override without id", label))
				continue
			}
			if d.MinTemp != nil && d.MaxTemp != nil && *d.MinTemp >= *d.MaxTemp {
				errs = append(errs, fmt.Errorf("%s: device %s: min_temp must be below max_temp", label, d.ID))
			}
			if d.TempStep != nil && *d.TempStep <= 0 {
				errs = append(errs, fmt.Errorf("%s: device %s: temp_step must be positive", label, d.ID))
			}
		}
	}

	if c.Reconnect.InitialDelaySec > c.Reconnect.MaxDelaySec {
		errs = append(errs, errors.New("reconnect.initial_delay_sec must not exceed reconnect.max_delay_sec"))
	}

	return errors.Join(errs...)
}

// Override returns the capability override for a device, if any.
func (a AccountConfig) Override(deviceID string) (DeviceOverride, bool) {
	for _, d := range a.Devices {
		if d.ID == deviceID {
			return d, true
		}
	}
	return DeviceOverride{}, false
}

// StatusPoll returns the REST status poll interval.
func (a AccountConfig) StatusPoll() time.Duration {
	return time.Duration(a.StatusPollSec) * time.Second
}

// TokenRefresh returns the forced re-login interval.
func (a AccountConfig) TokenRefresh() time.Duration {
	return time.Duration(a.TokenRefreshSec) * time.Second
}
