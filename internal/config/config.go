// Package config loads supervisor settings from procrelay.kdl or a YAML
// file of the same shape.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/standardbeagle/procrelay/internal/gateway"
)

// Config holds the complete procrelay configuration.
type Config struct {
	Settings  Settings
	Processes map[string]ProcessConfig
}

// Settings holds global settings.
type Settings struct {
	// MetricsAddr is where /metrics is served. Empty disables it.
	MetricsAddr string
	// GracefulTimeout is how long a process gets between SIGTERM and SIGKILL.
	GracefulTimeout time.Duration
	// KillTimeout bounds the wait for a process to disappear after SIGKILL.
	KillTimeout time.Duration
	// Verbosity is the logr V level.
	Verbosity int
}

// ProcessConfig describes one supervised process.
type ProcessConfig struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	Env     map[string]string

	// PeerName is the name the process must present at login.
	PeerName string
	// Listen is the gateway address, e.g. unix:///run/procrelay/export.sock.
	Listen string
	// Attach waits for a process started elsewhere.
	Attach bool

	RetryBudget    int
	RetryBackoff   time.Duration
	LoginTimeout   time.Duration
	CommandTimeout time.Duration

	// Forward lists command types from the process that go to the central
	// authority.
	Forward []string
}

// DefaultSettings returns the global defaults.
func DefaultSettings() Settings {
	return Settings{
		GracefulTimeout: 5 * time.Second,
		KillTimeout:     2 * time.Second,
	}
}

// DefaultProcessConfig returns the defaults for a process called name.
func DefaultProcessConfig(name string) ProcessConfig {
	return ProcessConfig{
		Name:           name,
		PeerName:       name,
		Listen:         "unix://" + filepath.Join(os.TempDir(), "procrelay", name+".sock"),
		RetryBudget:    2,
		RetryBackoff:   time.Second,
		LoginTimeout:   30 * time.Second,
		CommandTimeout: 5 * time.Second,
	}
}

// DefaultConfig returns an empty configuration with default settings.
func DefaultConfig() *Config {
	return &Config{
		Settings:  DefaultSettings(),
		Processes: make(map[string]ProcessConfig),
	}
}

// Names returns the configured process names in sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Processes))
	for name := range c.Processes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Process returns the configuration for name.
func (c *Config) Process(name string) (ProcessConfig, error) {
	p, ok := c.Processes[name]
	if !ok {
		return ProcessConfig{}, fmt.Errorf("process %q is not configured", name)
	}
	return p, nil
}

// Validate checks every process and the global settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Settings.GracefulTimeout < 0 || c.Settings.KillTimeout < 0 {
		errs = append(errs, errors.New("settings: negative timeout"))
	}
	for _, name := range c.Names() {
		if err := c.Processes[name].Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Validate checks a single process configuration.
func (p ProcessConfig) Validate() error {
	var errs []error
	if p.PeerName == "" {
		errs = append(errs, errors.New("empty peer-name"))
	}
	if p.Command == "" && !p.Attach {
		errs = append(errs, errors.New("command is required unless attach is set"))
	}
	if _, err := gateway.ParseAddress(p.Listen); err != nil {
		errs = append(errs, err)
	}
	if p.RetryBudget < 0 {
		errs = append(errs, errors.New("negative retry-budget"))
	}
	if p.RetryBackoff < 0 || p.LoginTimeout < 0 || p.CommandTimeout < 0 {
		errs = append(errs, errors.New("negative duration"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("process %s: %w", p.Name, err)
	}
	return nil
}

// Environ returns Env in KEY=VALUE form on top of the current environment,
// or nil when Env is empty.
func (p ProcessConfig) Environ() []string {
	if len(p.Env) == 0 {
		return nil
	}
	env := os.Environ()
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+p.Env[k])
	}
	return env
}
