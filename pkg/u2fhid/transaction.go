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
)

var ErrMessageTooLong = errors.New("u2fhid: message exceeds maximum addressable length")

// OutcomeStatus classifies how a transaction terminated.
type OutcomeStatus int

const (
	OutcomeSuccess OutcomeStatus = iota
	OutcomeTimeout
	OutcomeSequenceError
	OutcomeChannelMismatch
	OutcomeMalformed
	OutcomeDeviceError
)

func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeSuccess:
		return "Success"
	case OutcomeTimeout:
		return "Timeout"
	case OutcomeSequenceError:
		return "SequenceError"
	case OutcomeChannelMismatch:
		return "ChannelMismatch"
	case OutcomeMalformed:
		return "MalformedFrame"
	case OutcomeDeviceError:
		return "DeviceError"
	default:
		return fmt.Sprintf("OutcomeStatus(%d)", int(s))
	}
}

// TraceDir marks the direction of a captured report.
type TraceDir int

const (
	TraceSent TraceDir = iota
	TraceReceived
)

func (d TraceDir) String() string {
	if d == TraceSent {
		return ">>"
	}
	return "<<"
}

// TraceEntry is one raw report captured during a transaction.
type TraceEntry struct {
	Dir    TraceDir
	Report []byte
}

// Outcome is the terminal result of one transaction. Transport failures
// are values here, never panics or harness errors, so conformance cases
// can assert on exact failure modes.
type Outcome struct {
	Status    OutcomeStatus
	Command   byte   // response command byte (Success)
	Payload   []byte // reassembled response payload (Success)
	ErrorCode byte   // transport error code (DeviceError)
	Reason    string // human readable detail (Malformed, SequenceError)

	// Anomalies records protocol violations observed on the wire that did
	// not terminate the transaction, such as frames leaking from another
	// channel while this transaction was outstanding.
	Anomalies []string

	// Trace holds the raw reports exchanged when capture is enabled.
	Trace []TraceEntry
}

// Describe summarizes the outcome in one line for reporting.
func (o *Outcome) Describe() string {
	switch o.Status {
	case OutcomeSuccess:
		return fmt.Sprintf("%s response, %d byte payload", CommandName(o.Command), len(o.Payload))
	case OutcomeDeviceError:
		return "device error " + ErrorName(o.ErrorCode)
	case OutcomeMalformed, OutcomeSequenceError:
		return o.Status.String() + ": " + o.Reason
	default:
		return o.Status.String()
	}
}

// Engine executes transactions against a single open device. The engine
// owns the device handle exclusively for the duration of a transaction;
// no other component may read or write it, which keeps responses from
// being misattributed.
type Engine struct {
	dev   Device
	codec *Codec

	capture bool
	strict  bool

	// keepaliveGrace is how far a keep-alive frame pushes the receive
	// deadline out; presenceCap bounds the total extension so a device
	// cannot stall a transaction forever.
	keepaliveGrace time.Duration
	presenceCap    time.Duration

	trace     []TraceEntry
	anomalies []string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCapture enables raw frame capture for verbose reporting.
func WithCapture(enabled bool) EngineOption {
	return func(e *Engine) { e.capture = enabled }
}

// WithStrictChannel makes foreign-channel traffic terminate a transaction
// as ChannelMismatch instead of being recorded as an anomaly.
func WithStrictChannel(enabled bool) EngineOption {
	return func(e *Engine) { e.strict = enabled }
}

// WithKeepaliveGrace sets the deadline extension granted per keep-alive.
func WithKeepaliveGrace(d time.Duration) EngineOption {
	return func(e *Engine) { e.keepaliveGrace = d }
}

// WithPresenceCap bounds the total wait across keep-alive extensions.
func WithPresenceCap(d time.Duration) EngineOption {
	return func(e *Engine) { e.presenceCap = d }
}

// NewEngine returns an engine bound to an open device.
func NewEngine(dev Device, codec *Codec, opts ...EngineOption) *Engine {
	e := &Engine{
		dev:            dev,
		codec:          codec,
		keepaliveGrace: 2 * time.Second,
		presenceCap:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Codec exposes the engine's frame codec for stimulus construction.
func (e *Engine) Codec() *Codec { return e.codec }

// Execute runs one complete request/response transaction on a channel.
// The returned error reports harness faults only (encoding misuse, device
// I/O breakage); every on-wire failure mode is an Outcome.
func (e *Engine) Execute(cid uint32, cmd byte, payload []byte, timeout time.Duration) (*Outcome, error) {
	if err := e.Send(cid, cmd, payload); err != nil {
		return nil, err
	}
	return e.Receive(cid, timeout)
}

// Send fragments a message into an initialization frame plus continuation
// frames and transmits them. Messages beyond the sequence-addressable
// maximum are rejected before anything is written.
func (e *Engine) Send(cid uint32, cmd byte, payload []byte) error {
	if len(payload) > e.codec.MaxMessageLen() {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLong, len(payload), e.codec.MaxMessageLen())
	}

	lead := min(len(payload), e.codec.InitCapacity())
	report, err := e.codec.EncodeInit(cid, cmd, uint16(len(payload)), payload[:lead])
	if err != nil {
		return err
	}
	if err := e.writeReport(report); err != nil {
		return err
	}

	seq := byte(0)
	for off := lead; off < len(payload); seq++ {
		n := min(len(payload)-off, e.codec.ContCapacity())
		report, err := e.codec.EncodeCont(cid, seq, payload[off:off+n])
		if err != nil {
			return err
		}
		if err := e.writeReport(report); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// SendInit transmits a single initialization frame with an arbitrary
// declared length, enabling deliberately incomplete or oversized stimuli.
func (e *Engine) SendInit(cid uint32, cmd byte, total uint16, lead []byte) error {
	report, err := e.codec.EncodeInit(cid, cmd, total, lead)
	if err != nil {
		return err
	}
	return e.writeReport(report)
}

// SendCont transmits a single continuation frame with an arbitrary
// sequence number.
func (e *Engine) SendCont(cid uint32, seq byte, data []byte) error {
	report, err := e.codec.EncodeCont(cid, seq, data)
	if err != nil {
		return err
	}
	return e.writeReport(report)
}

// WriteRaw transmits an unframed report verbatim for garbage stimuli.
func (e *Engine) WriteRaw(report []byte) error {
	return e.writeReport(report)
}

func (e *Engine) writeReport(report []byte) error {
	if e.capture {
		e.trace = append(e.trace, TraceEntry{Dir: TraceSent, Report: append([]byte(nil), report...)})
	}
	return e.dev.WriteReport(report)
}

// assembly tracks an in-progress response reassembly.
type assembly struct {
	cmd     byte
	total   int
	buf     []byte
	nextSeq byte
}

// Receive reassembles the response to an outstanding transaction on cid.
// Initial frames restart reassembly, keep-alives extend the deadline up to
// the presence cap, and foreign-channel frames are recorded as anomalies
// (or terminate the transaction in strict mode).
func (e *Engine) Receive(cid uint32, timeout time.Duration) (*Outcome, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	hardCap := start.Add(e.presenceCap)
	if deadline.After(hardCap) {
		hardCap = deadline
	}

	var asm *assembly
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return e.finish(&Outcome{Status: OutcomeTimeout}), nil
		}

		raw, err := e.dev.ReadReport(remaining)
		if err == ErrReadTimeout {
			return e.finish(&Outcome{Status: OutcomeTimeout}), nil
		}
		if err != nil {
			e.resetCapture()
			return nil, err
		}
		if e.capture {
			e.trace = append(e.trace, TraceEntry{Dir: TraceReceived, Report: append([]byte(nil), raw...)})
		}

		frame := e.codec.Decode(raw)
		switch frame.Type {
		case FrameMalformed:
			return e.finish(&Outcome{Status: OutcomeMalformed, Reason: frame.Reason}), nil

		case FrameCont:
			if frame.Channel != cid {
				if out := e.foreignFrame(fmt.Sprintf("continuation frame (seq %d) from channel 0x%08X", frame.Seq, frame.Channel)); out != nil {
					return out, nil
				}
				continue
			}
			if asm == nil {
				e.anomalies = append(e.anomalies, fmt.Sprintf("continuation frame (seq %d) with no message in progress", frame.Seq))
				continue
			}
			if frame.Seq != asm.nextSeq {
				return e.finish(&Outcome{
					Status: OutcomeSequenceError,
					Reason: fmt.Sprintf("expected sequence %d, got %d", asm.nextSeq, frame.Seq),
				}), nil
			}
			asm.nextSeq++
			asm.buf = append(asm.buf, frame.Data[:min(len(frame.Data), asm.total-len(asm.buf))]...)
			if len(asm.buf) >= asm.total {
				return e.finish(&Outcome{Status: OutcomeSuccess, Command: asm.cmd, Payload: asm.buf}), nil
			}

		case FrameInit:
			if frame.Channel != cid {
				if out := e.foreignFrame(fmt.Sprintf("%s frame from channel 0x%08X", CommandName(frame.Command), frame.Channel)); out != nil {
					return out, nil
				}
				continue
			}
			if frame.Command == CmdKeepalive {
				// Busy/processing indicator: push the deadline out, but
				// never past the presence cap, and keep any partial
				// reassembly intact.
				extended := time.Now().Add(e.keepaliveGrace)
				if extended.After(hardCap) {
					extended = hardCap
				}
				if extended.After(deadline) {
					deadline = extended
				}
				continue
			}
			if frame.Command == CmdError {
				if frame.Length != 1 {
					return e.finish(&Outcome{
						Status: OutcomeMalformed,
						Reason: fmt.Sprintf("ERROR frame declares %d payload bytes, want exactly 1", frame.Length),
					}), nil
				}
				return e.finish(&Outcome{Status: OutcomeDeviceError, ErrorCode: frame.Data[0]}), nil
			}

			// A substantive initial frame restarts reassembly, overriding
			// any partial read in progress.
			total := int(frame.Length)
			if total > e.codec.MaxMessageLen() {
				return e.finish(&Outcome{
					Status: OutcomeMalformed,
					Reason: fmt.Sprintf("declared length %d exceeds maximum message length %d", total, e.codec.MaxMessageLen()),
				}), nil
			}
			asm = &assembly{cmd: frame.Command, total: total}
			asm.buf = append(asm.buf, frame.Data[:min(len(frame.Data), total)]...)
			if len(asm.buf) >= total {
				return e.finish(&Outcome{Status: OutcomeSuccess, Command: asm.cmd, Payload: asm.buf}), nil
			}
		}
	}
}

// foreignFrame records traffic from an unexpected channel. In strict mode
// it returns a terminal ChannelMismatch outcome.
func (e *Engine) foreignFrame(desc string) *Outcome {
	if e.strict {
		return e.finish(&Outcome{Status: OutcomeChannelMismatch, Reason: desc})
	}
	e.anomalies = append(e.anomalies, desc)
	return nil
}

// finish attaches accumulated anomalies and trace to the outcome and
// resets per-transaction state.
func (e *Engine) finish(out *Outcome) *Outcome {
	out.Anomalies = e.anomalies
	out.Trace = e.trace
	e.anomalies = nil
	e.trace = nil
	return out
}

func (e *Engine) resetCapture() {
	e.anomalies = nil
	e.trace = nil
}
