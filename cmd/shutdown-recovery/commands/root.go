/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package commands implements the shutdown-recovery command line.
package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/alexandremahdhaoui/shutdown-recovery/internal/config"
	"github.com/alexandremahdhaoui/shutdown-recovery/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/shutdown-recovery/internal/util/logging"
	"github.com/spf13/cobra"
)

const Name = "shutdown-recovery"

var (
	configPath string
	logLevel   string
	devLogs    bool

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   Name,
	Short: "Verify virtual machines survive a full cluster shutdown",
	Long: `shutdown-recovery provisions KubeVirt virtual machines on a storage backed
cluster, records checksums of data written inside them, powers every node
off and back on, and verifies the machines come back healthy with their
data intact.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to the YAML configuration file. Keys may be overridden with "+config.EnvPrefix+"* variables.")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn or error. Overrides logging.level.")
	rootCmd.PersistentFlags().BoolVar(&devLogs, "dev", false,
		"Human readable text logs. Overrides logging.development.")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if errors.Is(err, errInterrupted) {
		return gracefulshutdown.ExitInterrupted
	}
	return 1
}

// setup loads the configuration and installs the loggers.
func setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == versionCmd.Name() {
		return nil
	}

	var err error
	if cfg, err = config.Load(configPath); err != nil {
		return err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("dev") {
		cfg.Logging.Development = devLogs
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.Setup(logging.Options{
		Development: cfg.Logging.Development,
		Level:       level,
		Output:      os.Stderr,
	})
	return nil
}
