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

//go:build !linux

package u2fhid

import "errors"

// ErrHIDNotSupported is returned when HID operations are attempted on unsupported platforms
var ErrHIDNotSupported = errors.New("u2fhid: HID device access is only supported on Linux")

// stubEnumerator is a no-op HID enumerator for unsupported platforms
type stubEnumerator struct{}

// NewDefaultEnumerator returns a stub enumerator on non-Linux platforms.
// All operations will return ErrHIDNotSupported.
func NewDefaultEnumerator() Enumerator {
	return &stubEnumerator{}
}

func (s *stubEnumerator) Enumerate() ([]Info, error) {
	return nil, ErrHIDNotSupported
}

func (s *stubEnumerator) Open(path string) (Device, error) {
	return nil, ErrHIDNotSupported
}
