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
	"fmt"
	"sync"
	"time"
)

// MockDevice implements Device for testing. Responses are either scripted
// with Enqueue* or generated by an OnWrite hook.
type MockDevice struct {
	mu         sync.Mutex
	reportSize int
	queue      [][]byte
	written    [][]byte
	closed     bool

	// OnWrite, when set, is invoked for every written report and may
	// enqueue responses.
	OnWrite func(report []byte)
}

func NewMockDevice(reportSize int) *MockDevice {
	return &MockDevice{reportSize: reportSize}
}

func (m *MockDevice) WriteReport(report []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("device closed")
	}
	m.written = append(m.written, append([]byte(nil), report...))
	hook := m.OnWrite
	m.mu.Unlock()

	if hook != nil {
		hook(report)
	}
	return nil
}

func (m *MockDevice) ReadReport(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrDeviceClosed
		}
		if len(m.queue) > 0 {
			report := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return report, nil
		}
		m.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, ErrReadTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (m *MockDevice) ReportSize() int { return m.reportSize }
func (m *MockDevice) Path() string    { return "/dev/hidraw-mock" }

func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Written returns a snapshot of the reports written to the device.
func (m *MockDevice) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

// Enqueue appends one raw report to the read queue.
func (m *MockDevice) Enqueue(report []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, append([]byte(nil), report...))
}

// EnqueueMessage fragments a complete message into frames and queues them.
func (m *MockDevice) EnqueueMessage(cid uint32, cmd byte, payload []byte) {
	codec, err := NewCodec(m.reportSize)
	if err != nil {
		panic(err)
	}
	lead := min(len(payload), codec.InitCapacity())
	report, err := codec.EncodeInit(cid, cmd, uint16(len(payload)), payload[:lead])
	if err != nil {
		panic(err)
	}
	m.Enqueue(report)
	seq := byte(0)
	for off := lead; off < len(payload); seq++ {
		n := min(len(payload)-off, codec.ContCapacity())
		report, err := codec.EncodeCont(cid, seq, payload[off:off+n])
		if err != nil {
			panic(err)
		}
		m.Enqueue(report)
		off += n
	}
}

// EnqueueError queues a transport ERROR frame carrying one code byte.
func (m *MockDevice) EnqueueError(cid uint32, code byte) {
	m.EnqueueMessage(cid, CmdError, []byte{code})
}

// EnqueueKeepalive queues a keep-alive frame with a status byte.
func (m *MockDevice) EnqueueKeepalive(cid uint32, status byte) {
	m.EnqueueMessage(cid, CmdKeepalive, []byte{status})
}

// EnqueueInitResponse queues a well-formed INIT handshake response.
func (m *MockDevice) EnqueueInitResponse(nonce []byte, assigned uint32, caps byte) {
	payload := make([]byte, InitRespSize)
	copy(payload, nonce)
	binary.BigEndian.PutUint32(payload[8:12], assigned)
	payload[12] = ProtocolVersion
	payload[13] = 1
	payload[14] = 2
	payload[15] = 3
	payload[16] = caps
	m.EnqueueMessage(CIDBroadcast, CmdInit, payload)
}

// EchoDevice returns a mock that behaves like a compliant key for the
// transport commands the tests need: INIT allocation and PING echo. It
// reassembles multi-frame requests the same way a device would.
func EchoDevice(reportSize int) *MockDevice {
	m := NewMockDevice(reportSize)
	codec, err := NewCodec(reportSize)
	if err != nil {
		panic(err)
	}

	nextCID := uint32(0x00A10001)
	var cur struct {
		cid   uint32
		cmd   byte
		total int
		buf   []byte
	}

	m.OnWrite = func(report []byte) {
		frame := codec.Decode(report)
		switch frame.Type {
		case FrameInit:
			cur.cid = frame.Channel
			cur.cmd = frame.Command
			cur.total = int(frame.Length)
			cur.buf = append(cur.buf[:0], frame.Data[:min(len(frame.Data), cur.total)]...)
		case FrameCont:
			if frame.Channel != cur.cid {
				return
			}
			cur.buf = append(cur.buf, frame.Data[:min(len(frame.Data), cur.total-len(cur.buf))]...)
		default:
			return
		}
		if len(cur.buf) < cur.total {
			return
		}

		switch cur.cmd {
		case CmdInit:
			if cur.cid == CIDBroadcast && len(cur.buf) == InitNonceSize {
				m.EnqueueInitResponse(cur.buf, nextCID, CapWink)
				nextCID++
			}
		case CmdPing:
			m.EnqueueMessage(cur.cid, CmdPing, cur.buf)
		default:
			m.EnqueueError(cur.cid, ErrInvalidCmd)
		}
	}
	return m
}
