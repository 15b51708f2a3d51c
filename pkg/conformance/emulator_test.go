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

package conformance

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jeremyhahn/go-u2f-conformance/pkg/u2f"
	"github.com/jeremyhahn/go-u2f-conformance/pkg/u2fhid"
)

// emulatedKey is a software security key compliant with the behaviors the
// catalog exercises. It implements u2fhid.Device; the harness under test
// cannot tell it from hardware.
type emulatedKey struct {
	mu    sync.Mutex
	codec *u2fhid.Codec
	queue [][]byte

	nextCID  uint32
	handles  map[string]bool
	counter  uint32
	closed   bool

	// one in-flight message across all channels; a second channel
	// transacting while it is pending gets ERR_CHANNEL_BUSY.
	pending    *keyAssembly
	generation int

	// msgTimeout is how long an unfinished message lingers before the
	// key reports ERR_MSG_TIMEOUT.
	msgTimeout time.Duration
}

type keyAssembly struct {
	cid     uint32
	cmd     byte
	total   int
	buf     []byte
	nextSeq byte
}

func newEmulatedKey() *emulatedKey {
	codec, err := u2fhid.NewCodec(64)
	if err != nil {
		panic(err)
	}
	return &emulatedKey{
		codec:      codec,
		nextCID:    0x00F10001,
		handles:    map[string]bool{},
		msgTimeout: 100 * time.Millisecond,
	}
}

func (k *emulatedKey) ReportSize() int { return 64 }
func (k *emulatedKey) Path() string    { return "/dev/hidraw-emulated" }

func (k *emulatedKey) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	return nil
}

func (k *emulatedKey) ReadReport(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		k.mu.Lock()
		if k.closed {
			k.mu.Unlock()
			return nil, u2fhid.ErrDeviceClosed
		}
		if len(k.queue) > 0 {
			report := k.queue[0]
			k.queue = k.queue[1:]
			k.mu.Unlock()
			return report, nil
		}
		k.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, u2fhid.ErrReadTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (k *emulatedKey) WriteReport(report []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	frame := k.codec.Decode(report)
	switch frame.Type {
	case u2fhid.FrameInit:
		k.onInitFrame(frame)
	case u2fhid.FrameCont:
		k.onContFrame(frame)
	}
	return nil
}

func (k *emulatedKey) onInitFrame(frame u2fhid.Frame) {
	// Traffic on the reserved channel, or on the broadcast channel with
	// anything but the INIT handshake, is dropped on the floor.
	if frame.Channel == u2fhid.CIDReserved ||
		(frame.Channel == u2fhid.CIDBroadcast && frame.Command != u2fhid.CmdInit) {
		return
	}
	if int(frame.Length) > k.codec.MaxMessageLen() {
		k.respond(frame.Channel, u2fhid.CmdError, []byte{u2fhid.ErrInvalidLen})
		return
	}
	// A fresh initial frame on the busy channel restarts that message;
	// on any other channel while one is pending it is a busy condition,
	// except the broadcast INIT handshake which is always served.
	if k.pending != nil && frame.Channel != k.pending.cid && frame.Channel != u2fhid.CIDBroadcast {
		k.respond(frame.Channel, u2fhid.CmdError, []byte{u2fhid.ErrChannelBusy})
		return
	}

	asm := &keyAssembly{cid: frame.Channel, cmd: frame.Command, total: int(frame.Length)}
	asm.buf = append(asm.buf, frame.Data[:min(len(frame.Data), asm.total)]...)
	if len(asm.buf) >= asm.total {
		if k.pending != nil && k.pending.cid == asm.cid {
			k.clearPending()
		}
		k.dispatch(asm)
		return
	}
	k.pending = asm
	k.generation++
	gen := k.generation
	time.AfterFunc(k.msgTimeout, func() { k.expirePending(gen) })
}

func (k *emulatedKey) onContFrame(frame u2fhid.Frame) {
	if k.pending == nil || frame.Channel != k.pending.cid {
		return // orphan continuation, ignored
	}
	if frame.Seq != k.pending.nextSeq {
		cid := k.pending.cid
		k.clearPending()
		k.respond(cid, u2fhid.CmdError, []byte{u2fhid.ErrInvalidSeq})
		return
	}
	k.pending.nextSeq++
	k.pending.buf = append(k.pending.buf, frame.Data[:min(len(frame.Data), k.pending.total-len(k.pending.buf))]...)
	if len(k.pending.buf) >= k.pending.total {
		asm := k.pending
		k.clearPending()
		k.dispatch(asm)
	}
}

func (k *emulatedKey) clearPending() {
	k.pending = nil
	k.generation++
}

// expirePending reports ERR_MSG_TIMEOUT for a message that never
// completed. The generation guard keeps a stale timer from firing after
// the message completed or was replaced.
func (k *emulatedKey) expirePending(gen int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.pending == nil || k.generation != gen {
		return
	}
	cid := k.pending.cid
	k.pending = nil
	k.respond(cid, u2fhid.CmdError, []byte{u2fhid.ErrMsgTimeout})
}

func (k *emulatedKey) dispatch(asm *keyAssembly) {
	switch asm.cmd {
	case u2fhid.CmdInit:
		k.onInit(asm)
	case u2fhid.CmdPing:
		k.respond(asm.cid, u2fhid.CmdPing, asm.buf)
	case u2fhid.CmdWink:
		k.respond(asm.cid, u2fhid.CmdWink, nil)
	case u2fhid.CmdLock:
		k.onLock(asm)
	case u2fhid.CmdMsg:
		k.respond(asm.cid, u2fhid.CmdMsg, k.onAPDU(asm.buf))
	case u2fhid.CmdCBOR:
		k.respond(asm.cid, u2fhid.CmdCBOR, k.onCBOR(asm.buf))
	default:
		k.respond(asm.cid, u2fhid.CmdError, []byte{u2fhid.ErrInvalidCmd})
	}
}

func (k *emulatedKey) onInit(asm *keyAssembly) {
	if len(asm.buf) != u2fhid.InitNonceSize {
		k.respond(asm.cid, u2fhid.CmdError, []byte{u2fhid.ErrInvalidLen})
		return
	}
	cid := asm.cid
	if cid == u2fhid.CIDBroadcast {
		cid = k.nextCID
		k.nextCID++
	}
	payload := make([]byte, u2fhid.InitRespSize)
	copy(payload, asm.buf)
	binary.BigEndian.PutUint32(payload[8:12], cid)
	payload[12] = u2fhid.ProtocolVersion
	payload[13] = 1
	payload[14] = 0
	payload[15] = 7
	payload[16] = u2fhid.CapWink | u2fhid.CapLock | u2fhid.CapCBOR
	k.respond(asm.cid, u2fhid.CmdInit, payload)
}

// onLock acknowledges lock requests for 0..10 seconds without actually
// holding other channels off; the catalog only checks the handshake.
func (k *emulatedKey) onLock(asm *keyAssembly) {
	if len(asm.buf) != 1 {
		k.respond(asm.cid, u2fhid.CmdError, []byte{u2fhid.ErrInvalidLen})
		return
	}
	if asm.buf[0] > 10 {
		k.respond(asm.cid, u2fhid.CmdError, []byte{u2fhid.ErrInvalidPar})
		return
	}
	k.respond(asm.cid, u2fhid.CmdLock, nil)
}

func (k *emulatedKey) onCBOR(request []byte) []byte {
	if len(request) < 1 || request[0] != 0x04 {
		return []byte{0x01} // CTAP1_ERR_INVALID_COMMAND
	}
	info, err := cbor.Marshal(map[uint64]interface{}{
		1: []string{"U2F_V2"},
		3: bytes.Repeat([]byte{0xE0}, 16),
	})
	if err != nil {
		panic(err)
	}
	return append([]byte{0x00}, info...)
}

func sw(code uint16) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, code)
	return out
}

func (k *emulatedKey) onAPDU(raw []byte) []byte {
	if len(raw) < 4 {
		return sw(u2f.SWWrongLength)
	}
	if raw[0] != 0x00 {
		return sw(u2f.SWClaNotSupported)
	}
	ins, p1 := raw[1], raw[2]
	data := apduData(raw)

	switch ins {
	case u2f.InsVersion:
		if len(data) != 0 {
			return sw(u2f.SWWrongLength)
		}
		return append([]byte(u2f.VersionString), sw(u2f.SWNoError)...)
	case u2f.InsRegister:
		return k.register(data)
	case u2f.InsAuthenticate:
		return k.authenticate(p1, data)
	default:
		return sw(u2f.SWInsNotSupported)
	}
}

// apduData extracts the extended-length data field, empty when absent.
func apduData(raw []byte) []byte {
	if len(raw) < 7 {
		return nil
	}
	lc := int(binary.BigEndian.Uint16(raw[5:7]))
	if raw[4] != 0x00 || len(raw) < 7+lc {
		return nil
	}
	return raw[7 : 7+lc]
}

func (k *emulatedKey) register(data []byte) []byte {
	if len(data) != 64 {
		return sw(u2f.SWWrongLength)
	}
	appParam := data[32:]
	handle := sha256.Sum256(append(append([]byte("handle"), appParam...), byte(len(k.handles))))
	k.handles[string(handle[:])] = true

	record := []byte{u2f.RegisterReservedByte, 0x04}
	record = append(record, bytes.Repeat([]byte{0xEE}, 64)...)
	record = append(record, byte(len(handle)))
	record = append(record, handle[:]...)
	record = append(record, bytes.Repeat([]byte{0x30}, 120)...) // attestation stand-in
	return append(record, sw(u2f.SWNoError)...)
}

func (k *emulatedKey) authenticate(control byte, data []byte) []byte {
	if len(data) < 65 {
		return sw(u2f.SWWrongLength)
	}
	khLen := int(data[64])
	if len(data) != 65+khLen {
		return sw(u2f.SWWrongLength)
	}
	if !k.handles[string(data[65:])] {
		return sw(u2f.SWWrongData)
	}

	switch control {
	case u2f.CtrlCheckOnly:
		// Valid handle, probe only: presence-required by definition.
		return sw(u2f.SWConditionsNotSatisfied)
	case u2f.CtrlEnforcePresenceSign, u2f.CtrlNoEnforcePresenceSign:
		k.counter++
		record := []byte{0x01}
		record = binary.BigEndian.AppendUint32(record, k.counter)
		record = append(record, bytes.Repeat([]byte{0x30}, 72)...)
		return append(record, sw(u2f.SWNoError)...)
	default:
		return sw(u2f.SWWrongData)
	}
}

func (k *emulatedKey) respond(cid uint32, cmd byte, payload []byte) {
	lead := min(len(payload), k.codec.InitCapacity())
	report, err := k.codec.EncodeInit(cid, cmd, uint16(len(payload)), payload[:lead])
	if err != nil {
		panic(err)
	}
	k.queue = append(k.queue, report)
	seq := byte(0)
	for off := lead; off < len(payload); seq++ {
		n := min(len(payload)-off, k.codec.ContCapacity())
		report, err := k.codec.EncodeCont(cid, seq, payload[off:off+n])
		if err != nil {
			panic(err)
		}
		k.queue = append(k.queue, report)
		off += n
	}
}
