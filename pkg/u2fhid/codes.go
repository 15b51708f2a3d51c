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

import "fmt"

// Transport constants from the FIDO U2F HID v1.2 transport specification
// (u2f_hid.h). Command bytes carry the initialization-frame type bit.
const (
	// TypeInit marks an initialization frame; continuation frames have the
	// bit clear and carry a 7-bit sequence number instead.
	TypeInit byte = 0x80

	// CIDBroadcast is the reserved broadcast channel used only for the
	// INIT allocation handshake. Channel 0 is reserved and never valid.
	CIDBroadcast uint32 = 0xFFFFFFFF
	CIDReserved  uint32 = 0x00000000

	// InitNonceSize is the size of the channel allocation challenge.
	InitNonceSize = 8

	// InitRespSize is the fixed INIT response payload length:
	// nonce(8) + cid(4) + protocol(1) + major(1) + minor(1) + build(1) + caps(1).
	InitRespSize = 17

	// ProtocolVersion is the U2FHID interface version devices must report.
	ProtocolVersion byte = 2
)

// Transport command codes.
const (
	CmdPing  byte = TypeInit | 0x01
	CmdMsg   byte = TypeInit | 0x03
	CmdLock  byte = TypeInit | 0x04
	CmdInit  byte = TypeInit | 0x06
	CmdWink  byte = TypeInit | 0x08
	CmdSync  byte = TypeInit | 0x3C
	CmdError byte = TypeInit | 0x3F

	// CTAPHID extension commands observed from CTAP2-capable devices.
	CmdCBOR      byte = TypeInit | 0x10
	CmdCancel    byte = TypeInit | 0x11
	CmdKeepalive byte = TypeInit | 0x3B

	CmdVendorFirst byte = TypeInit | 0x40
	CmdVendorLast  byte = TypeInit | 0x7F
)

// Transport error codes carried in the single payload byte of an ERROR frame.
const (
	ErrNone         byte = 0x00
	ErrInvalidCmd   byte = 0x01
	ErrInvalidPar   byte = 0x02
	ErrInvalidLen   byte = 0x03
	ErrInvalidSeq   byte = 0x04
	ErrMsgTimeout   byte = 0x05
	ErrChannelBusy  byte = 0x06
	ErrLockRequired byte = 0x0A
	ErrSyncFail     byte = 0x0B
	ErrOther        byte = 0x7F
)

// INIT response capability flags.
const (
	CapWink byte = 0x01
	CapLock byte = 0x02
	CapCBOR byte = 0x04
	CapNMsg byte = 0x08
)

var cmdNames = map[byte]string{
	CmdPing:      "PING",
	CmdMsg:       "MSG",
	CmdLock:      "LOCK",
	CmdInit:      "INIT",
	CmdWink:      "WINK",
	CmdSync:      "SYNC",
	CmdError:     "ERROR",
	CmdCBOR:      "CBOR",
	CmdCancel:    "CANCEL",
	CmdKeepalive: "KEEPALIVE",
}

// CommandName returns a human readable name for a transport command byte.
func CommandName(cmd byte) string {
	if name, ok := cmdNames[cmd]; ok {
		return name
	}
	if cmd >= CmdVendorFirst && cmd <= CmdVendorLast {
		return fmt.Sprintf("VENDOR(0x%02X)", cmd)
	}
	return fmt.Sprintf("0x%02X", cmd)
}

var errNames = map[byte]string{
	ErrNone:         "ERR_NONE",
	ErrInvalidCmd:   "ERR_INVALID_CMD",
	ErrInvalidPar:   "ERR_INVALID_PAR",
	ErrInvalidLen:   "ERR_INVALID_LEN",
	ErrInvalidSeq:   "ERR_INVALID_SEQ",
	ErrMsgTimeout:   "ERR_MSG_TIMEOUT",
	ErrChannelBusy:  "ERR_CHANNEL_BUSY",
	ErrLockRequired: "ERR_LOCK_REQUIRED",
	ErrSyncFail:     "ERR_SYNC_FAIL",
	ErrOther:        "ERR_OTHER",
}

// ErrorName returns a human readable name for a transport error code.
func ErrorName(code byte) string {
	if name, ok := errNames[code]; ok {
		return name
	}
	return fmt.Sprintf("ERR(0x%02X)", code)
}
