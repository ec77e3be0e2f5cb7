package workspace

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides applied on top of settings.yaml.
const (
	EnvConnectTimeout = "ICOTES_HOP_CONNECT_TIMEOUT"
	EnvLogLevel       = "ICOTES_HOP_LOG_LEVEL"
)

const (
	DefaultConnectTimeout    = 15 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second
)

// Settings tunes how hops are dialed.
//
// Example YAML:
//
//	connect_timeout: 10s
//	keepalive_interval: 30s
//	known_hosts_file: ~/.ssh/known_hosts
//	strict_host_key_checking: true
//	log_level: info
//	shell: /bin/bash
type Settings struct {
	ConnectTimeout    Duration `yaml:"connect_timeout,omitempty"`
	KeepAliveInterval Duration `yaml:"keepalive_interval,omitempty"`

	// KnownHostsFile is consulted when StrictHostKeyChecking is set.
	KnownHostsFile        string `yaml:"known_hosts_file,omitempty"`
	StrictHostKeyChecking bool   `yaml:"strict_host_key_checking,omitempty"`

	LogLevel string `yaml:"log_level,omitempty"`

	// Shell is the program started for local terminals. Empty means $SHELL.
	Shell string `yaml:"shell,omitempty"`
}

// Duration is a time.Duration that reads "15s"-style strings from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// DefaultSettings returns conservative defaults.
func DefaultSettings() Settings {
	return Settings{
		ConnectTimeout:    Duration(DefaultConnectTimeout),
		KeepAliveInterval: Duration(DefaultKeepAliveInterval),
		LogLevel:          "info",
	}
}

// LoadSettings reads settings.yaml. A missing file yields defaults.
// Environment overrides are applied last.
func LoadSettings(path string) (*Settings, error) {
	st := DefaultSettings()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read settings %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &st); err != nil {
				return nil, fmt.Errorf("parse yaml %s: %w", path, err)
			}
		}
	}
	if err := st.applyEnv(); err != nil {
		return nil, err
	}
	st.applyDefaults()
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return &st, nil
}

// Save writes the settings as YAML with owner-only permissions.
func (s *Settings) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("settings path is required")
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate rejects values that cannot work.
func (s *Settings) Validate() error {
	if s.ConnectTimeout.Std() < 0 {
		return fmt.Errorf("connect_timeout must be >= 0 (got %s)", s.ConnectTimeout.Std())
	}
	if s.KeepAliveInterval.Std() < 0 {
		return fmt.Errorf("keepalive_interval must be >= 0 (got %s)", s.KeepAliveInterval.Std())
	}
	switch strings.ToLower(strings.TrimSpace(s.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug|info|warn|error (got %q)", s.LogLevel)
	}
	if s.StrictHostKeyChecking && strings.TrimSpace(s.KnownHostsFile) == "" {
		return errors.New("strict_host_key_checking requires known_hosts_file")
	}
	return nil
}

// KnownHostsPath returns KnownHostsFile with ~ expanded.
func (s *Settings) KnownHostsPath() string {
	return expandHome(strings.TrimSpace(s.KnownHostsFile))
}

func (s *Settings) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvConnectTimeout)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvConnectTimeout, err)
		}
		s.ConnectTimeout = Duration(d)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		s.LogLevel = v
	}
	return nil
}

func (s *Settings) applyDefaults() {
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = Duration(DefaultConnectTimeout)
	}
	if s.KeepAliveInterval == 0 {
		s.KeepAliveInterval = Duration(DefaultKeepAliveInterval)
	}
}
