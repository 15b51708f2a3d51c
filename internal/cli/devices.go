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

	"github.com/jeremyhahn/go-u2f-conformance/pkg/u2fhid"
	"github.com/spf13/cobra"
)

// devicesCmd lists connected FIDO HID devices
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List connected FIDO security keys",
	Long:  `Enumerate HID devices advertising the FIDO usage page and print their paths and identities`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		printer := NewPrinter(cfg.Output.Format, os.Stdout)

		infos, err := u2fhid.NewDefaultEnumerator().Enumerate()
		if err != nil {
			return fmt.Errorf("enumerating devices: %w", err)
		}
		return printer.PrintDevices(infos)
	},
}
