package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	kdl "github.com/sblinch/kdl-go"
)

// GlobalConfigFile is the file name looked up under the XDG config dir.
const GlobalConfigFile = "procrelay.kdl"

// KDLConfig is the on-disk KDL layout. Durations are in milliseconds.
type KDLConfig struct {
	Settings  KDLSettings            `kdl:"settings"`
	Processes map[string]*KDLProcess `kdl:"processes"`
}

// KDLSettings holds global settings from KDL.
type KDLSettings struct {
	MetricsAddr     string `kdl:"metrics-addr"`
	GracefulTimeout int    `kdl:"graceful-timeout"`
	KillTimeout     int    `kdl:"kill-timeout"`
	Verbosity       int    `kdl:"verbosity"`
}

// KDLProcess holds one process block.
type KDLProcess struct {
	Command        string            `kdl:"command"`
	Args           []string          `kdl:"args"`
	Dir            string            `kdl:"dir"`
	Env            map[string]string `kdl:"env"`
	PeerName       string            `kdl:"peer-name"`
	Listen         string            `kdl:"listen"`
	Attach         bool              `kdl:"attach"`
	RetryBudget    *int              `kdl:"retry-budget"`
	RetryBackoff   *int              `kdl:"retry-backoff"`
	LoginTimeout   *int              `kdl:"login-timeout"`
	CommandTimeout *int              `kdl:"command-timeout"`
	Forward        []string          `kdl:"forward"`
}

// GlobalConfigPath returns $XDG_CONFIG_HOME/procrelay/procrelay.kdl, falling
// back to ~/.config.
func GlobalConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "procrelay", GlobalConfigFile)
}

// LoadGlobalConfig loads the global configuration, or defaults when there is
// none.
func LoadGlobalConfig() (*Config, error) {
	path := GlobalConfigPath()
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadFile(path)
}

// LoadFile loads path as YAML when it ends in .yaml or .yml and as KDL
// otherwise.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = ParseYAML(data)
	default:
		cfg, err = ParseKDL(string(data))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseKDL parses KDL configuration data.
func ParseKDL(data string) (*Config, error) {
	var kdlCfg KDLConfig
	if err := kdl.Unmarshal([]byte(data), &kdlCfg); err != nil {
		return nil, err
	}
	return kdlConfigToConfig(&kdlCfg), nil
}

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func kdlConfigToConfig(kdlCfg *KDLConfig) *Config {
	cfg := DefaultConfig()

	if kdlCfg.Settings.MetricsAddr != "" {
		cfg.Settings.MetricsAddr = kdlCfg.Settings.MetricsAddr
	}
	if kdlCfg.Settings.GracefulTimeout > 0 {
		cfg.Settings.GracefulTimeout = millis(kdlCfg.Settings.GracefulTimeout)
	}
	if kdlCfg.Settings.KillTimeout > 0 {
		cfg.Settings.KillTimeout = millis(kdlCfg.Settings.KillTimeout)
	}
	cfg.Settings.Verbosity = kdlCfg.Settings.Verbosity

	for name, kp := range kdlCfg.Processes {
		if kp == nil {
			continue
		}
		p := DefaultProcessConfig(name)
		p.Command = kp.Command
		p.Args = kp.Args
		p.Dir = kp.Dir
		p.Env = kp.Env
		p.Attach = kp.Attach
		p.Forward = kp.Forward
		if kp.PeerName != "" {
			p.PeerName = kp.PeerName
		}
		if kp.Listen != "" {
			p.Listen = kp.Listen
		}
		if kp.RetryBudget != nil {
			p.RetryBudget = *kp.RetryBudget
		}
		if kp.RetryBackoff != nil {
			p.RetryBackoff = millis(*kp.RetryBackoff)
		}
		if kp.LoginTimeout != nil {
			p.LoginTimeout = millis(*kp.LoginTimeout)
		}
		if kp.CommandTimeout != nil {
			p.CommandTimeout = millis(*kp.CommandTimeout)
		}
		cfg.Processes[name] = p
	}
	return cfg
}

// DefaultKDL is the documented configuration written by WriteDefaultConfig.
const DefaultKDL = `// procrelay configuration
// Durations are in milliseconds.

settings {
    // Serve Prometheus metrics on this address ("" disables)
    metrics-addr ""
    // Time between SIGTERM and SIGKILL
    graceful-timeout 5000
    kill-timeout 2000
}

processes {
    export {
        command "/opt/instrument/bin/exporter"
        args "--mode" "service"
        peer-name "Export"
        listen "unix:///run/procrelay/export.sock"
        retry-budget 2
        retry-backoff 1000
        login-timeout 30000
        command-timeout 5000
        forward "ExportProgress" "ExportFinished"
    }

    agent {
        command "/opt/instrument/bin/telemetry-agent"
        peer-name "Agent"
        listen "ws://127.0.0.1:7071/relay"
        forward "PostTelemetry"
    }
}
`

// WriteDefaultConfig writes DefaultKDL to path.
func WriteDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.TrimSpace(DefaultKDL)+"\n"), 0o644)
}
