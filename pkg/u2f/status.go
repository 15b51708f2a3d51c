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

// Package u2f implements the FIDO U2F raw message format (u2f.h, v1.2):
// register, authenticate and version requests wrapped in extended-length
// ISO 7816-4 APDUs, and the corresponding response envelopes.
package u2f

import "fmt"

// Raw message instruction codes.
const (
	InsRegister     byte = 0x01
	InsAuthenticate byte = 0x02
	InsVersion      byte = 0x03
)

// Authenticate control byte (P1) values.
const (
	CtrlCheckOnly             byte = 0x07
	CtrlEnforcePresenceSign   byte = 0x03
	CtrlNoEnforcePresenceSign byte = 0x08
)

// ISO 7816-4 status words returned in the trailing two response bytes.
const (
	SWNoError                uint16 = 0x9000
	SWConditionsNotSatisfied uint16 = 0x6985
	SWWrongData              uint16 = 0x6A80
	SWWrongLength            uint16 = 0x6700
	SWClaNotSupported        uint16 = 0x6E00
	SWInsNotSupported        uint16 = 0x6D00
	SWCommandNotAllowed      uint16 = 0x6986
)

// VersionString is the fixed response to a version query on a U2F v2 device.
const VersionString = "U2F_V2"

// Parameter sizes fixed by the raw message format.
const (
	ChallengeSize   = 32
	AppParamSize    = 32
	PublicKeySize   = 65 // uncompressed P-256 point, 0x04 prefix
	MaxKeyHandleLen = 255
)

// RegisterReservedByte leads every registration response.
const RegisterReservedByte byte = 0x05

var swNames = map[uint16]string{
	SWNoError:                "SW_NO_ERROR",
	SWConditionsNotSatisfied: "SW_CONDITIONS_NOT_SATISFIED",
	SWWrongData:              "SW_WRONG_DATA",
	SWWrongLength:            "SW_WRONG_LENGTH",
	SWClaNotSupported:        "SW_CLA_NOT_SUPPORTED",
	SWInsNotSupported:        "SW_INS_NOT_SUPPORTED",
	SWCommandNotAllowed:      "SW_COMMAND_NOT_ALLOWED",
}

// StatusName returns the symbolic name of a status word.
func StatusName(sw uint16) string {
	if name, ok := swNames[sw]; ok {
		return name
	}
	return fmt.Sprintf("SW(0x%04X)", sw)
}
