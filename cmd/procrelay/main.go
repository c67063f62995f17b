package main

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/standardbeagle/procrelay/internal/config"
	"github.com/standardbeagle/procrelay/internal/logging"
)

const (
	appName    = "procrelay"
	appVersion = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Supervise instrument worker processes and relay their commands",
	Long: `procrelay launches and supervises external worker processes (export,
telemetry agent, GUI) and relays commands and acknowledges between them and
the central authority over a framed CMD/ACK protocol.`,
	Version:       appVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (.kdl, .yaml or .yml); defaults to "+config.GlobalConfigPath())
	rootCmd.PersistentFlags().IntP("verbosity", "v", -1, "Log verbosity (0 default, 2 verbose, 4 debug, 5 trace)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", appName, appVersion)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logging.Fatal(logging.New(logging.Options{}).WithName(appName), err, "command failed")
	}
}

// loadConfig returns the configuration selected by --config and the path it
// came from. An empty path means built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.GlobalConfigPath()
		if _, err := os.Stat(path); err != nil {
			return config.DefaultConfig(), "", nil
		}
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// newLogger builds the root logger. --verbosity overrides the config file.
func newLogger(cmd *cobra.Command, cfg *config.Config) logr.Logger {
	v, _ := cmd.Flags().GetInt("verbosity")
	if v < 0 {
		v = cfg.Settings.Verbosity
	}
	return logging.New(logging.Options{Verbosity: v}).WithName(appName)
}
