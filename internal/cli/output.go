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
	"encoding/json"
	"fmt"
	"io"

	"github.com/jeremyhahn/go-u2f-conformance/pkg/u2fhid"
	"gopkg.in/yaml.v3"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
	OutputFormatYAML OutputFormat = "yaml"
)

// Printer handles formatted output for the device commands
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

type deviceRecord struct {
	Path         string `json:"path" yaml:"path"`
	VendorID     string `json:"vendor_id" yaml:"vendor_id"`
	ProductID    string `json:"product_id" yaml:"product_id"`
	Manufacturer string `json:"manufacturer,omitempty" yaml:"manufacturer,omitempty"`
	Product      string `json:"product,omitempty" yaml:"product,omitempty"`
	SerialNumber string `json:"serial_number,omitempty" yaml:"serial_number,omitempty"`
}

// PrintDevices prints enumerated FIDO devices
func (p *Printer) PrintDevices(infos []u2fhid.Info) error {
	switch p.format {
	case OutputFormatJSON, OutputFormatYAML:
		records := make([]deviceRecord, len(infos))
		for i, info := range infos {
			records[i] = deviceRecord{
				Path:         info.Path,
				VendorID:     fmt.Sprintf("%04x", info.VendorID),
				ProductID:    fmt.Sprintf("%04x", info.ProductID),
				Manufacturer: info.Manufacturer,
				Product:      info.Product,
				SerialNumber: info.SerialNumber,
			}
		}
		return p.printStructured(map[string]interface{}{"devices": records})
	case OutputFormatText, "":
		if len(infos) == 0 {
			fmt.Fprintln(p.writer, "No FIDO devices found")
			return nil
		}
		fmt.Fprintln(p.writer, "Connected FIDO devices:")
		for _, info := range infos {
			fmt.Fprintf(p.writer, "  %s\n", info)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

func (p *Printer) printStructured(v interface{}) error {
	if p.format == OutputFormatYAML {
		return yaml.NewEncoder(p.writer).Encode(v)
	}
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
