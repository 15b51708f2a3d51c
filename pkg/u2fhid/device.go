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

package u2fhid

import (
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
)

var (
	ErrReadTimeout  = errors.New("u2fhid: report read timed out")
	ErrDeviceClosed = errors.New("u2fhid: device closed")
	ErrNoDevice     = errors.New("u2fhid: no U2F HID device found")
)

// Device is the raw report transport supplied by the platform layer.
// Every read carries a bound; implementations must return ErrReadTimeout
// rather than blocking indefinitely.
//
// This allows for easy mocking in tests.
type Device interface {
	WriteReport(report []byte) error
	ReadReport(timeout time.Duration) ([]byte, error)
	ReportSize() int
	Close() error
	Path() string
}

// Enumerator discovers and opens U2F HID devices.
type Enumerator interface {
	Enumerate() ([]Info, error)
	Open(path string) (Device, error)
}

// Info describes an enumerated U2F HID device.
type Info struct {
	Path         string
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	SerialNumber string
}

func (i Info) String() string {
	return fmt.Sprintf("%s %04x:%04x %s %s", i.Path, i.VendorID, i.ProductID, i.Manufacturer, i.Product)
}

// OpenRetry opens a device path, retrying transient open failures. Keys
// re-enumerate themselves after power-up and the hidraw node can briefly
// refuse opens, so a short retry loop avoids spurious harness faults.
func OpenRetry(enum Enumerator, path string, attempts uint, delay time.Duration) (Device, error) {
	var dev Device
	err := retry.Do(
		func() error {
			var err error
			dev, err = enum.Open(path)
			return err
		},
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("u2fhid: failed to open %s: %w", path, err)
	}
	return dev, nil
}
