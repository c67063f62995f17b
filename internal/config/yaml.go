package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("1.5s").
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

type yamlConfig struct {
	Settings  yamlSettings            `yaml:"settings"`
	Processes map[string]*yamlProcess `yaml:"processes"`
}

type yamlSettings struct {
	MetricsAddr     string    `yaml:"metrics_addr,omitempty"`
	GracefulTimeout *Duration `yaml:"graceful_timeout,omitempty"`
	KillTimeout     *Duration `yaml:"kill_timeout,omitempty"`
	Verbosity       int       `yaml:"verbosity,omitempty"`
}

type yamlProcess struct {
	Command        string            `yaml:"command,omitempty"`
	Args           []string          `yaml:"args,omitempty"`
	Dir            string            `yaml:"dir,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	PeerName       string            `yaml:"peer_name,omitempty"`
	Listen         string            `yaml:"listen,omitempty"`
	Attach         bool              `yaml:"attach,omitempty"`
	RetryBudget    *int              `yaml:"retry_budget,omitempty"`
	RetryBackoff   *Duration         `yaml:"retry_backoff,omitempty"`
	LoginTimeout   *Duration         `yaml:"login_timeout,omitempty"`
	CommandTimeout *Duration         `yaml:"command_timeout,omitempty"`
	Forward        []string          `yaml:"forward,omitempty"`
}

// ParseYAML parses YAML configuration data.
func ParseYAML(data []byte) (*Config, error) {
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := DefaultConfig()
	cfg.Settings.MetricsAddr = yc.Settings.MetricsAddr
	cfg.Settings.Verbosity = yc.Settings.Verbosity
	if yc.Settings.GracefulTimeout != nil {
		cfg.Settings.GracefulTimeout = yc.Settings.GracefulTimeout.Duration
	}
	if yc.Settings.KillTimeout != nil {
		cfg.Settings.KillTimeout = yc.Settings.KillTimeout.Duration
	}

	for name, yp := range yc.Processes {
		if yp == nil {
			continue
		}
		p := DefaultProcessConfig(name)
		p.Command = yp.Command
		p.Args = yp.Args
		p.Dir = yp.Dir
		p.Env = yp.Env
		p.Attach = yp.Attach
		p.Forward = yp.Forward
		if yp.PeerName != "" {
			p.PeerName = yp.PeerName
		}
		if yp.Listen != "" {
			p.Listen = yp.Listen
		}
		if yp.RetryBudget != nil {
			p.RetryBudget = *yp.RetryBudget
		}
		if yp.RetryBackoff != nil {
			p.RetryBackoff = yp.RetryBackoff.Duration
		}
		if yp.LoginTimeout != nil {
			p.LoginTimeout = yp.LoginTimeout.Duration
		}
		if yp.CommandTimeout != nil {
			p.CommandTimeout = yp.CommandTimeout.Duration
		}
		cfg.Processes[name] = p
	}
	return cfg, nil
}

// MarshalYAML renders the effective configuration, defaults included.
func (c *Config) MarshalYAML() (any, error) {
	yc := yamlConfig{
		Settings: yamlSettings{
			MetricsAddr:     c.Settings.MetricsAddr,
			GracefulTimeout: &Duration{c.Settings.GracefulTimeout},
			KillTimeout:     &Duration{c.Settings.KillTimeout},
			Verbosity:       c.Settings.Verbosity,
		},
		Processes: make(map[string]*yamlProcess, len(c.Processes)),
	}
	for name, p := range c.Processes {
		budget := p.RetryBudget
		yc.Processes[name] = &yamlProcess{
			Command:        p.Command,
			Args:           p.Args,
			Dir:            p.Dir,
			Env:            p.Env,
			PeerName:       p.PeerName,
			Listen:         p.Listen,
			Attach:         p.Attach,
			RetryBudget:    &budget,
			RetryBackoff:   &Duration{p.RetryBackoff},
			LoginTimeout:   &Duration{p.LoginTimeout},
			CommandTimeout: &Duration{p.CommandTimeout},
			Forward:        p.Forward,
		}
	}
	return yc, nil
}
