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
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/jeremyhahn/go-u2f-conformance/internal/config"
	"github.com/jeremyhahn/go-u2f-conformance/pkg/conformance"
	"github.com/jeremyhahn/go-u2f-conformance/pkg/u2fhid"
)

func testInfos() []u2fhid.Info {
	return []u2fhid.Info{
		{
			Path:         "/dev/hidraw3",
			VendorID:     0x1050,
			ProductID:    0x0120,
			Manufacturer: "Yubico",
			Product:      "Security Key",
		},
	}
}

func TestPrinter_DevicesText(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter("text", &buf)

	if err := p.PrintDevices(testInfos()); err != nil {
		t.Fatalf("PrintDevices: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "/dev/hidraw3") {
		t.Errorf("output missing device path: %q", out)
	}

	buf.Reset()
	if err := p.PrintDevices(nil); err != nil {
		t.Fatalf("PrintDevices(nil): %v", err)
	}
	if !strings.Contains(buf.String(), "No FIDO devices found") {
		t.Errorf("empty enumeration output = %q", buf.String())
	}
}

func TestPrinter_DevicesJSON(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter("json", &buf)

	if err := p.PrintDevices(testInfos()); err != nil {
		t.Fatalf("PrintDevices: %v", err)
	}

	var doc struct {
		Devices []struct {
			Path      string `json:"path"`
			VendorID  string `json:"vendor_id"`
			ProductID string `json:"product_id"`
		} `json:"devices"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if len(doc.Devices) != 1 {
		t.Fatalf("devices = %d, want 1", len(doc.Devices))
	}
	if doc.Devices[0].VendorID != "1050" {
		t.Errorf("vendor_id = %v, want 1050", doc.Devices[0].VendorID)
	}
	if doc.Devices[0].ProductID != "0120" {
		t.Errorf("product_id = %v, want 0120", doc.Devices[0].ProductID)
	}
}

func TestPrinter_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter("xml", &buf)
	if err := p.PrintDevices(testInfos()); err == nil {
		t.Error("expected error for unknown output format")
	}
}

func TestApplyRunFlags(t *testing.T) {
	cfg := &config.Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	if err := runCmd.Flags().Set("all", "true"); err != nil {
		t.Fatal(err)
	}
	if err := runCmd.Flags().Set("very-verbose", "true"); err != nil {
		t.Fatal(err)
	}
	if err := runCmd.Flags().Set("timeout", "5s"); err != nil {
		t.Fatal(err)
	}
	applyRunFlags(runCmd, cfg)

	if !cfg.Run.ContinueOnError {
		t.Error("ContinueOnError should be set by --all")
	}
	if cfg.Run.Verbosity != int(conformance.VerbosityFrames) {
		t.Errorf("Verbosity = %d, want %d", cfg.Run.Verbosity, conformance.VerbosityFrames)
	}
	if cfg.Run.Timeout.Seconds() != 5 {
		t.Errorf("Timeout = %v, want 5s", cfg.Run.Timeout)
	}
	// Flags left untouched keep the config values.
	if cfg.Run.PauseOnError {
		t.Error("PauseOnError should keep its config default")
	}
}
