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
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCID uint32 = 0x00A10001

func newTestEngine(t *testing.T, dev Device, opts ...EngineOption) *Engine {
	t.Helper()
	codec, err := NewCodec(dev.ReportSize())
	require.NoError(t, err)
	return NewEngine(dev, codec, opts...)
}

func TestEngine_PingEcho(t *testing.T) {
	dev := EchoDevice(64)
	engine := newTestEngine(t, dev)

	out, err := engine.Execute(testCID, CmdPing, []byte("HELLO"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Status)
	assert.Equal(t, CmdPing, out.Command)
	assert.Equal(t, []byte("HELLO"), out.Payload)
	assert.Empty(t, out.Anomalies)
}

func TestEngine_MultiFrameRoundTrip(t *testing.T) {
	// Fragmentation then reassembly must reproduce the payload exactly
	// around every frame boundary.
	dev := EchoDevice(64)
	engine := newTestEngine(t, dev)

	sizes := []int{0, 1, 56, 57, 58, 116, 117, 200, 1000, 7609}
	for _, size := range sizes {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		out, err := engine.Execute(testCID, CmdPing, payload, time.Second)
		require.NoError(t, err, "size %d", size)
		require.Equal(t, OutcomeSuccess, out.Status, "size %d", size)
		assert.True(t, bytes.Equal(payload, out.Payload), "size %d", size)
	}
}

func TestEngine_SendFragmentation(t *testing.T) {
	dev := NewMockDevice(64)
	engine := newTestEngine(t, dev)

	payload := make([]byte, 57+59+10) // init frame + one full cont + one partial
	require.NoError(t, engine.Send(testCID, CmdMsg, payload))

	written := dev.Written()
	require.Len(t, written, 3)

	init := engine.Codec().Decode(written[0])
	assert.Equal(t, FrameInit, init.Type)
	assert.Equal(t, CmdMsg, init.Command)
	assert.Equal(t, uint16(len(payload)), init.Length)

	cont0 := engine.Codec().Decode(written[1])
	assert.Equal(t, FrameCont, cont0.Type)
	assert.Equal(t, byte(0), cont0.Seq)

	cont1 := engine.Codec().Decode(written[2])
	assert.Equal(t, byte(1), cont1.Seq)
}

func TestEngine_OversizeRejectedBeforeWrite(t *testing.T) {
	dev := NewMockDevice(64)
	engine := newTestEngine(t, dev)

	payload := make([]byte, engine.Codec().MaxMessageLen()+1)
	err := engine.Send(testCID, CmdPing, payload)
	assert.ErrorIs(t, err, ErrMessageTooLong)
	assert.Empty(t, dev.Written(), "nothing may reach the wire")
}

func TestEngine_Timeout(t *testing.T) {
	dev := NewMockDevice(64)
	engine := newTestEngine(t, dev)

	start := time.Now()
	out, err := engine.Execute(testCID, CmdPing, []byte("x"), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, out.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEngine_SequenceError(t *testing.T) {
	// A skipped continuation sequence terminates the transaction as a
	// SequenceError instead of stalling until the deadline.
	dev := NewMockDevice(64)
	codec, err := NewCodec(64)
	require.NoError(t, err)

	payload := make([]byte, 150) // init + two continuations
	init, err := codec.EncodeInit(testCID, CmdPing, uint16(len(payload)), payload[:57])
	require.NoError(t, err)
	dev.Enqueue(init)
	skipped, err := codec.EncodeCont(testCID, 1, payload[57:116]) // seq 0 skipped
	require.NoError(t, err)
	dev.Enqueue(skipped)

	engine := newTestEngine(t, dev)
	start := time.Now()
	out, err := engine.Receive(testCID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSequenceError, out.Status)
	assert.Contains(t, out.Reason, "expected sequence 0, got 1")
	assert.Less(t, time.Since(start), time.Second, "must fail fast, not wait out the deadline")
}

func TestEngine_DeviceError(t *testing.T) {
	dev := NewMockDevice(64)
	dev.EnqueueError(testCID, ErrInvalidCmd)
	engine := newTestEngine(t, dev)

	out, err := engine.Execute(testCID, 0xC7, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeviceError, out.Status)
	assert.Equal(t, ErrInvalidCmd, out.ErrorCode)
	assert.Contains(t, out.Describe(), "ERR_INVALID_CMD")
}

func TestEngine_ErrorFrameBadLength(t *testing.T) {
	// An ERROR frame must declare exactly one payload byte; anything else
	// is itself a malformed response.
	dev := NewMockDevice(64)
	dev.EnqueueMessage(testCID, CmdError, []byte{ErrInvalidCmd, 0x00})
	engine := newTestEngine(t, dev)

	out, err := engine.Receive(testCID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMalformed, out.Status)
	assert.Contains(t, out.Reason, "want exactly 1")
}

func TestEngine_KeepaliveExtendsDeadline(t *testing.T) {
	dev := NewMockDevice(64)
	dev.EnqueueKeepalive(testCID, 0x02) // UP needed
	engine := newTestEngine(t, dev, WithKeepaliveGrace(300*time.Millisecond))

	// Response arrives after the original deadline but within the grace
	// the keep-alive bought.
	go func() {
		time.Sleep(150 * time.Millisecond)
		dev.EnqueueMessage(testCID, CmdMsg, []byte{0x90, 0x00})
	}()

	out, err := engine.Receive(testCID, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Status)
	assert.Equal(t, CmdMsg, out.Command)
}

func TestEngine_KeepaliveBoundedByPresenceCap(t *testing.T) {
	// A device spamming keep-alives cannot stall a transaction past the
	// presence cap.
	dev := NewMockDevice(64)
	engine := newTestEngine(t, dev,
		WithKeepaliveGrace(10*time.Second),
		WithPresenceCap(100*time.Millisecond))
	dev.EnqueueKeepalive(testCID, 0x01)

	start := time.Now()
	out, err := engine.Receive(testCID, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, out.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEngine_KeepalivePreservesPartialReassembly(t *testing.T) {
	dev := NewMockDevice(64)
	codec, err := NewCodec(64)
	require.NoError(t, err)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	init, err := codec.EncodeInit(testCID, CmdMsg, uint16(len(payload)), payload[:57])
	require.NoError(t, err)
	dev.Enqueue(init)
	dev.EnqueueKeepalive(testCID, 0x01)
	cont, err := codec.EncodeCont(testCID, 0, payload[57:])
	require.NoError(t, err)
	dev.Enqueue(cont)

	engine := newTestEngine(t, dev)
	out, err := engine.Receive(testCID, time.Second)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, out.Status)
	assert.Equal(t, payload, out.Payload)
}

func TestEngine_ForeignChannelAnomaly(t *testing.T) {
	dev := NewMockDevice(64)
	dev.EnqueueMessage(0x00DD0001, CmdMsg, []byte("stray"))
	dev.EnqueueMessage(testCID, CmdPing, []byte("ok"))
	engine := newTestEngine(t, dev)

	out, err := engine.Receive(testCID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Status)
	assert.Equal(t, []byte("ok"), out.Payload)
	require.Len(t, out.Anomalies, 1)
	assert.Contains(t, out.Anomalies[0], "0x00DD0001")
}

func TestEngine_ForeignChannelStrict(t *testing.T) {
	dev := NewMockDevice(64)
	dev.EnqueueMessage(0x00DD0001, CmdMsg, []byte("stray"))
	engine := newTestEngine(t, dev, WithStrictChannel(true))

	out, err := engine.Receive(testCID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeChannelMismatch, out.Status)
	assert.Contains(t, out.Reason, "0x00DD0001")
}

func TestEngine_OrphanContinuation(t *testing.T) {
	dev := NewMockDevice(64)
	codec, err := NewCodec(64)
	require.NoError(t, err)

	orphan, err := codec.EncodeCont(testCID, 0, []byte{0xAA})
	require.NoError(t, err)
	dev.Enqueue(orphan)
	dev.EnqueueMessage(testCID, CmdPing, []byte("ok"))

	engine := newTestEngine(t, dev)
	out, err := engine.Receive(testCID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Status)
	require.Len(t, out.Anomalies, 1)
	assert.Contains(t, out.Anomalies[0], "no message in progress")
}

func TestEngine_InitRestartsReassembly(t *testing.T) {
	// A fresh initialization frame overrides a partial read in progress.
	dev := NewMockDevice(64)
	codec, err := NewCodec(64)
	require.NoError(t, err)

	partial, err := codec.EncodeInit(testCID, CmdMsg, 200, make([]byte, 57))
	require.NoError(t, err)
	dev.Enqueue(partial)
	dev.EnqueueMessage(testCID, CmdPing, []byte("fresh"))

	engine := newTestEngine(t, dev)
	out, err := engine.Receive(testCID, time.Second)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, out.Status)
	assert.Equal(t, CmdPing, out.Command)
	assert.Equal(t, []byte("fresh"), out.Payload)
}

func TestEngine_DeclaredLengthBeyondMax(t *testing.T) {
	dev := NewMockDevice(64)
	codec, err := NewCodec(64)
	require.NoError(t, err)

	huge, err := codec.EncodeInit(testCID, CmdMsg, 7610, make([]byte, 57))
	require.NoError(t, err)
	dev.Enqueue(huge)

	engine := newTestEngine(t, dev)
	out, err := engine.Receive(testCID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMalformed, out.Status)
	assert.Contains(t, out.Reason, "7610")
}

func TestEngine_MalformedResponseFrame(t *testing.T) {
	dev := NewMockDevice(64)
	dev.Enqueue([]byte{0x00, 0xA1}) // truncated report
	engine := newTestEngine(t, dev)

	out, err := engine.Receive(testCID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMalformed, out.Status)
	assert.Contains(t, out.Reason, "truncated")
}

func TestEngine_CaptureTrace(t *testing.T) {
	dev := EchoDevice(64)
	engine := newTestEngine(t, dev, WithCapture(true))

	out, err := engine.Execute(testCID, CmdPing, []byte("trace me"), time.Second)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, out.Status)
	require.Len(t, out.Trace, 2)
	assert.Equal(t, TraceSent, out.Trace[0].Dir)
	assert.Equal(t, TraceReceived, out.Trace[1].Dir)

	// Trace state does not leak into the next transaction.
	out2, err := engine.Execute(testCID, CmdPing, nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, out2.Status)
	assert.Len(t, out2.Trace, 2)
}

func TestOutcomeStatus_String(t *testing.T) {
	assert.Equal(t, "Success", OutcomeSuccess.String())
	assert.Equal(t, "Timeout", OutcomeTimeout.String())
	assert.Equal(t, "SequenceError", OutcomeSequenceError.String())
	assert.Equal(t, "ChannelMismatch", OutcomeChannelMismatch.String())
	assert.Equal(t, "MalformedFrame", OutcomeMalformed.String())
	assert.Equal(t, "DeviceError", OutcomeDeviceError.String())
}
