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
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	initOverhead = 7 // cid(4) + cmd(1) + bcnt(2)
	contOverhead = 5 // cid(4) + seq(1)

	// maxSequence is the highest continuation sequence number; frames
	// beyond it cannot be addressed and the message must be rejected.
	maxSequence = 0x7F

	// MinReportSize is the smallest report size that can carry an
	// initialization frame with at least one payload byte.
	MinReportSize = initOverhead + 1
)

var (
	ErrReportSize     = errors.New("u2fhid: report size too small for framing")
	ErrPayloadTooLong = errors.New("u2fhid: payload exceeds frame capacity")
	ErrSequenceRange  = errors.New("u2fhid: continuation sequence out of range")
)

// FrameType tags the result of decoding one HID report.
type FrameType int

const (
	FrameInit FrameType = iota
	FrameCont
	FrameMalformed
)

func (t FrameType) String() string {
	switch t {
	case FrameInit:
		return "init"
	case FrameCont:
		return "cont"
	default:
		return "malformed"
	}
}

// Frame is the decoded view of a single HID report. Decoding is total:
// garbage input yields a FrameMalformed frame with a reason, never an error,
// so deliberately invalid device output can itself be asserted on.
type Frame struct {
	Type    FrameType
	Channel uint32
	Command byte   // init frames only, type bit included
	Length  uint16 // init frames only: declared total payload length
	Seq     byte   // continuation frames only
	Data    []byte // payload bytes carried by this report
	Reason  string // malformed frames only
}

// Codec encodes and decodes fixed-size HID reports for one negotiated
// report size. Payload capacities are derived from the report size rather
// than hard-coded since devices may advertise different sizes.
type Codec struct {
	reportSize int
}

// NewCodec returns a codec bound to the device-reported report size.
func NewCodec(reportSize int) (*Codec, error) {
	if reportSize < MinReportSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrReportSize, reportSize)
	}
	return &Codec{reportSize: reportSize}, nil
}

// ReportSize returns the fixed report length in bytes.
func (c *Codec) ReportSize() int { return c.reportSize }

// InitCapacity returns the payload bytes an initialization frame carries.
func (c *Codec) InitCapacity() int { return c.reportSize - initOverhead }

// ContCapacity returns the payload bytes a continuation frame carries.
func (c *Codec) ContCapacity() int { return c.reportSize - contOverhead }

// MaxMessageLen returns the longest message addressable by the 7-bit
// continuation sequence space (7609 bytes at the common 64-byte report).
func (c *Codec) MaxMessageLen() int {
	return c.InitCapacity() + (maxSequence+1)*c.ContCapacity()
}

// EncodeInit builds an initialization frame. total is the declared length
// of the whole message, which may exceed len(data) when continuation
// frames follow. The report is zero-padded to the full report size.
func (c *Codec) EncodeInit(cid uint32, cmd byte, total uint16, data []byte) ([]byte, error) {
	if len(data) > c.InitCapacity() {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLong, len(data), c.InitCapacity())
	}
	report := make([]byte, c.reportSize)
	binary.BigEndian.PutUint32(report[0:4], cid)
	report[4] = cmd | TypeInit
	binary.BigEndian.PutUint16(report[5:7], total)
	copy(report[initOverhead:], data)
	return report, nil
}

// EncodeCont builds a continuation frame carrying the next payload bytes.
func (c *Codec) EncodeCont(cid uint32, seq byte, data []byte) ([]byte, error) {
	if seq > maxSequence {
		return nil, fmt.Errorf("%w: %d", ErrSequenceRange, seq)
	}
	if len(data) > c.ContCapacity() {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLong, len(data), c.ContCapacity())
	}
	report := make([]byte, c.reportSize)
	binary.BigEndian.PutUint32(report[0:4], cid)
	report[4] = seq
	copy(report[contOverhead:], data)
	return report, nil
}

// Decode parses one raw report into a tagged Frame. It never fails:
// truncated or oversized reports decode to FrameMalformed.
func (c *Codec) Decode(report []byte) Frame {
	if len(report) < contOverhead {
		return Frame{Type: FrameMalformed, Reason: fmt.Sprintf("report truncated to %d bytes", len(report))}
	}
	if len(report) > c.reportSize {
		return Frame{Type: FrameMalformed, Reason: fmt.Sprintf("report of %d bytes exceeds report size %d", len(report), c.reportSize)}
	}

	cid := binary.BigEndian.Uint32(report[0:4])

	if report[4]&TypeInit == 0 {
		return Frame{
			Type:    FrameCont,
			Channel: cid,
			Seq:     report[4],
			Data:    report[contOverhead:],
		}
	}

	if len(report) < initOverhead {
		return Frame{
			Type:    FrameMalformed,
			Channel: cid,
			Reason:  "initialization frame missing length field",
		}
	}
	return Frame{
		Type:    FrameInit,
		Channel: cid,
		Command: report[4],
		Length:  binary.BigEndian.Uint16(report[5:7]),
		Data:    report[initOverhead:],
	}
}
