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

//go:build linux

package u2fhid

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// fidoUsagePage is the FIDO Alliance HID usage page devices advertise
	// in their report descriptor.
	fidoUsagePage uint16 = 0xF1D0

	// DefaultReportSize is the report size used when the descriptor does
	// not declare one. Every shipping U2F key uses 64-byte reports.
	DefaultReportSize = 64
)

// linuxDevice implements Device over a hidraw node. hidraw reads block
// indefinitely, so a pump goroutine owns the file descriptor and ReadReport
// applies the bounded wait the transaction engine requires.
type linuxDevice struct {
	path       string
	file       *os.File
	reportSize int

	reports chan []byte
	readErr chan error
	done    chan struct{}
	once    sync.Once
}

// linuxEnumerator implements Enumerator using /sys/class/hidraw.
type linuxEnumerator struct{}

// NewDefaultEnumerator returns the hidraw enumerator on Linux.
func NewDefaultEnumerator() Enumerator {
	return &linuxEnumerator{}
}

// Enumerate lists hidraw devices advertising the FIDO usage page.
func (e *linuxEnumerator) Enumerate() ([]Info, error) {
	const hidrawPath = "/sys/class/hidraw"
	entries, err := os.ReadDir(hidrawPath)
	if err != nil {
		return nil, fmt.Errorf("u2fhid: failed to read hidraw devices: %w", err)
	}

	var devices []Info
	for _, entry := range entries {
		sysPath := filepath.Join(hidrawPath, entry.Name(), "device")
		if !hasFIDOUsagePage(sysPath) {
			continue
		}
		vid, pid := readVendorProductID(sysPath)
		devices = append(devices, Info{
			Path:         filepath.Join("/dev", entry.Name()),
			VendorID:     vid,
			ProductID:    pid,
			Manufacturer: readSysfsString(sysPath, "manufacturer"),
			Product:      readSysfsString(sysPath, "product"),
			SerialNumber: readSysfsString(sysPath, "serial"),
		})
	}
	return devices, nil
}

// Open opens a hidraw node and starts the read pump.
func (e *linuxEnumerator) Open(path string) (Device, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("u2fhid: failed to open HID device %s: %w", path, err)
	}

	sysPath := filepath.Join("/sys/class/hidraw", filepath.Base(path), "device")
	size := reportSizeFromDescriptor(sysPath)

	d := &linuxDevice{
		path:       path,
		file:       file,
		reportSize: size,
		reports:    make(chan []byte, 16),
		readErr:    make(chan error, 1),
		done:       make(chan struct{}),
	}
	go d.pump()
	return d, nil
}

// pump reads fixed-size reports until the device closes.
func (d *linuxDevice) pump() {
	for {
		buf := make([]byte, d.reportSize)
		n, err := d.file.Read(buf)
		if err != nil {
			select {
			case d.readErr <- err:
			case <-d.done:
			}
			return
		}
		select {
		case d.reports <- buf[:n]:
		case <-d.done:
			return
		}
	}
}

func (d *linuxDevice) WriteReport(report []byte) error {
	if _, err := d.file.Write(report); err != nil {
		return fmt.Errorf("u2fhid: failed to write HID report: %w", err)
	}
	return nil
}

func (d *linuxDevice) ReadReport(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case report := <-d.reports:
		return report, nil
	case err := <-d.readErr:
		return nil, fmt.Errorf("u2fhid: failed to read HID report: %w", err)
	case <-d.done:
		return nil, ErrDeviceClosed
	case <-timer.C:
		return nil, ErrReadTimeout
	}
}

func (d *linuxDevice) ReportSize() int { return d.reportSize }
func (d *linuxDevice) Path() string    { return d.path }

func (d *linuxDevice) Close() error {
	var err error
	d.once.Do(func() {
		close(d.done)
		err = d.file.Close()
	})
	return err
}

// Sysfs helpers.

func readSysfsString(basePath, name string) string {
	data, err := os.ReadFile(filepath.Join(basePath, name))
	if err == nil {
		return strings.TrimSpace(string(data))
	}

	// Fall back to the uevent file.
	data, err = os.ReadFile(filepath.Join(basePath, "uevent"))
	if err != nil {
		return ""
	}
	prefix := strings.ToUpper(name) + "="
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix)
		}
	}
	return ""
}

func readVendorProductID(sysPath string) (uint16, uint16) {
	data, err := os.ReadFile(filepath.Join(sysPath, "uevent"))
	if err != nil {
		data, err = os.ReadFile(filepath.Join(sysPath, "..", "uevent"))
		if err != nil {
			return 0, 0
		}
	}

	var vid, pid uint32
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "HID_ID=") {
			// Format: HID_ID=0003:00001050:00000407
			parts := strings.Split(strings.TrimPrefix(line, "HID_ID="), ":")
			if len(parts) >= 3 {
				fmt.Sscanf(parts[1], "%08X", &vid)
				fmt.Sscanf(parts[2], "%08X", &pid)
			}
		}
	}
	return uint16(vid), uint16(pid)
}

func hasFIDOUsagePage(sysPath string) bool {
	rdesc, err := readReportDescriptor(sysPath)
	if err != nil {
		return false
	}
	// Usage page short item: tag 0x06 followed by two little-endian bytes.
	for i := 0; i+2 < len(rdesc); i++ {
		if rdesc[i] == 0x06 {
			if uint16(rdesc[i+1])|uint16(rdesc[i+2])<<8 == fidoUsagePage {
				return true
			}
		}
	}
	return false
}

// reportSizeFromDescriptor extracts the largest declared report count from
// the HID report descriptor. Devices advertise their framing unit there;
// anything unparseable falls back to the 64-byte default.
func reportSizeFromDescriptor(sysPath string) int {
	rdesc, err := readReportDescriptor(sysPath)
	if err != nil {
		return DefaultReportSize
	}
	size := 0
	for i := 0; i < len(rdesc); i++ {
		switch rdesc[i] {
		case 0x95: // Report Count, 1-byte operand
			if i+1 < len(rdesc) && int(rdesc[i+1]) > size {
				size = int(rdesc[i+1])
			}
			i++
		case 0x96: // Report Count, 2-byte operand
			if i+2 < len(rdesc) {
				if v := int(rdesc[i+1]) | int(rdesc[i+2])<<8; v > size {
					size = v
				}
			}
			i += 2
		}
	}
	if size < MinReportSize || size > 1024 {
		return DefaultReportSize
	}
	return size
}

func readReportDescriptor(sysPath string) ([]byte, error) {
	rdesc, err := os.ReadFile(filepath.Join(sysPath, "report_descriptor"))
	if err != nil {
		rdesc, err = os.ReadFile(filepath.Join(sysPath, "..", "report_descriptor"))
	}
	return rdesc, err
}
