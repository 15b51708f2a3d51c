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
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/jeremyhahn/go-u2f-conformance/internal/config"
	"github.com/jeremyhahn/go-u2f-conformance/pkg/conformance"
	"github.com/jeremyhahn/go-u2f-conformance/pkg/u2fhid"
	"github.com/spf13/cobra"
)

var (
	runContinueOnError bool
	runPauseOnError    bool
	runVerbose         bool
	runVeryVerbose     bool
	runButtonless      bool
	runStrictChannel   bool
	runTimeout         time.Duration
)

// runCmd executes the conformance suite against one device
var runCmd = &cobra.Command{
	Use:   "run [device-path]",
	Short: "Run the conformance suite against a connected security key",
	Long: `Run the full conformance case catalog against a U2F security key.
The device path may be given explicitly; otherwise the first connected
FIDO device is used. Several cases require a user-presence touch unless
the device is marked buttonless with -b.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			cfg.Device.Path = args[0]
		}
		applyRunFlags(cmd, cfg)

		logger := newLogger(cfg)
		dev, err := openDevice(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = dev.Close() }()
		logger.Debugf("opened %s, report size %d", dev.Path(), dev.ReportSize())

		control := conformance.RunControl{
			ContinueOnError: cfg.Run.ContinueOnError,
			PauseOnError:    cfg.Run.PauseOnError,
			Verbosity:       conformance.Verbosity(cfg.Run.Verbosity),
			Buttonless:      cfg.Run.Buttonless,
			StrictChannel:   cfg.Run.StrictChannel,
			Timeout:         cfg.Run.Timeout,
		}
		reporter := conformance.NewReporter(cfg.Output.Format, os.Stdout, control.Verbosity)
		runner := conformance.NewRunner(dev, control, reporter,
			conformance.WithLogger(logger),
			conformance.WithPrompter(&stdinPrompter{}))

		report, err := runner.Run()
		if err != nil {
			return err
		}
		if report.HardFailed() {
			exitCode = 1
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVarP(&runContinueOnError, "all", "a", false,
		"continue past hard failures and run every case")
	runCmd.Flags().BoolVarP(&runPauseOnError, "pause", "p", false,
		"pause for operator acknowledgment after each failure")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false,
		"print expected/observed for every case")
	runCmd.Flags().BoolVarP(&runVeryVerbose, "very-verbose", "V", false,
		"print every transmitted and received report")
	runCmd.Flags().BoolVarP(&runButtonless, "buttonless", "b", false,
		"device has no presence button; skip touch cases")
	runCmd.Flags().BoolVar(&runStrictChannel, "strict-channel", false,
		"treat foreign-channel traffic as a terminal failure")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0,
		"per-transaction timeout (default from config, 3s)")
}

// applyRunFlags overlays explicitly set flags onto the loaded config.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("all") {
		cfg.Run.ContinueOnError = runContinueOnError
	}
	if cmd.Flags().Changed("pause") {
		cfg.Run.PauseOnError = runPauseOnError
	}
	if cmd.Flags().Changed("verbose") && runVerbose {
		cfg.Run.Verbosity = int(conformance.VerbosityCases)
	}
	if cmd.Flags().Changed("very-verbose") && runVeryVerbose {
		cfg.Run.Verbosity = int(conformance.VerbosityFrames)
	}
	if cmd.Flags().Changed("buttonless") {
		cfg.Run.Buttonless = runButtonless
	}
	if cmd.Flags().Changed("strict-channel") {
		cfg.Run.StrictChannel = runStrictChannel
	}
	if cmd.Flags().Changed("timeout") && runTimeout > 0 {
		cfg.Run.Timeout = runTimeout
	}
}

// openDevice resolves and opens the device under test, retrying the open
// to cover enumeration races right after plug-in.
func openDevice(cfg *config.Config) (u2fhid.Device, error) {
	enum := u2fhid.NewDefaultEnumerator()

	path := cfg.Device.Path
	if path == "" {
		infos, err := enum.Enumerate()
		if err != nil {
			return nil, fmt.Errorf("enumerating devices: %w", err)
		}
		if len(infos) == 0 {
			return nil, fmt.Errorf("no FIDO devices found")
		}
		path = infos[0].Path
	}
	return u2fhid.OpenRetry(enum, path, uint(cfg.Device.OpenRetries), cfg.Device.OpenRetryDelay)
}

// stdinPrompter blocks on stdin for pause-on-error acknowledgment.
type stdinPrompter struct{}

func (p *stdinPrompter) Acknowledge(caseName string) error {
	fmt.Fprintf(os.Stderr, "%s failed; press Enter to continue... ", caseName)
	_, err := bufio.NewReader(os.Stdin).ReadString('\n')
	return err
}
