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

package cli

import (
	"fmt"
	"os"

	"github.com/jeremyhahn/go-u2f-conformance/internal/config"
	"github.com/jeremyhahn/go-u2f-conformance/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	configFile   string
	outputFormat string
	debug        bool

	// exitCode carries the run verdict out of command bodies: 0 all
	// hard cases passed, 1 conformance failure, 2 harness fault.
	exitCode int
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "u2fconform",
	Short: "U2F HID security key conformance tester",
	Long: `u2fconform exercises a connected U2F security key against the FIDO
U2F HID transport and raw message specifications: channel allocation,
framing and reassembly, error signalling, and the register/authenticate/
version command set, including deliberately malformed stimuli the device
must reject correctly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return exitCode
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"config file (default is ./u2fconform.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "",
		"output format (text, json, yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig merges the config file, environment and global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if outputFormat != "" {
		cfg.Output.Format = outputFormat
	}
	if debug {
		cfg.Logging.Debug = true
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.NewLogger(cfg.Logging.Debug)
}
