// Package wire implements the binary UDP protocol spoken by the root node:
// framing, the command table, and the translation between the browser-facing
// HTTP API and command/response frames.
package wire

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// Command IDs, matching the root node firmware's UDP bridge.
const (
	CmdRegistration    = 0xE0 // root -> gateway, expects ack
	CmdHeartbeat       = 0xE1 // root -> gateway, fire and forget
	CmdStateUpdate     = 0xE2 // root -> gateway, fire and forget
	CmdRegistrationAck = 0xE3 // gateway -> root
	CmdMeshForward     = 0xE6 // root -> gateway, mesh command mirror

	CmdAPINodes           = 0xE7
	CmdAPIColorGet        = 0xE8
	CmdAPIColorPost       = 0xE9
	CmdAPISequencePost    = 0xEA
	CmdAPISequencePointer = 0xEB
	CmdAPISequenceStart   = 0xEC
	CmdAPISequenceStop    = 0xED
	CmdAPISequenceReset   = 0xEE
	CmdAPISequenceStatus  = 0xEF

	// 0xF0-0xF8 are reserved for OTA commands the gateway does not proxy.
	CmdAPIPluginData = 0xF9
)

var cmdNames = map[byte]string{
	CmdRegistration:       "registration",
	CmdHeartbeat:          "heartbeat",
	CmdStateUpdate:        "state_update",
	CmdRegistrationAck:    "registration_ack",
	CmdMeshForward:        "mesh_forward",
	CmdAPINodes:           "nodes",
	CmdAPIColorGet:        "color_get",
	CmdAPIColorPost:       "color_post",
	CmdAPISequencePost:    "sequence_post",
	CmdAPISequencePointer: "sequence_pointer",
	CmdAPISequenceStart:   "sequence_start",
	CmdAPISequenceStop:    "sequence_stop",
	CmdAPISequenceReset:   "sequence_reset",
	CmdAPISequenceStatus:  "sequence_status",
	CmdAPIPluginData:      "plugin_data",
}

// CmdName returns a stable human-readable name for a command id, for logs
// and metrics.
func CmdName(cmd byte) string {
	if name, ok := cmdNames[cmd]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", cmd)
}

// MaxFrameSize bounds a whole datagram. The firmware caps mesh commands at
// 1024 bytes; header and checksum fit comfortably within this.
const MaxFrameSize = 1200

// Frame is one wire-level message. API command frames (0xE7 and up) carry a
// sequence number for response correlation; bridge frames originated by the
// root node (registration, heartbeat, state updates) do not.
type Frame struct {
	Cmd     byte
	Seq     uint16
	Payload []byte
}

// HasSeq reports whether this command's frames carry a sequence number.
func (f Frame) HasSeq() bool { return hasSeq(f.Cmd) }

func hasSeq(cmd byte) bool { return cmd >= CmdAPINodes }

// Marshal encodes the frame:
//
//	[CMD:1][SEQ:2]?[LEN:2][PAYLOAD:N][CHKSUM:2]
//
// SEQ and LEN are big-endian. CHKSUM is the 16-bit sum of all preceding bytes.
func (f Frame) Marshal() []byte {
	n := 1 + 2 + len(f.Payload) + 2
	if f.HasSeq() {
		n += 2
	}
	buf := make([]byte, 0, n)
	buf = append(buf, f.Cmd)
	if f.HasSeq() {
		buf = binary.BigEndian.AppendUint16(buf, f.Seq)
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.Payload)))
	buf = append(buf, f.Payload...)
	buf = binary.BigEndian.AppendUint16(buf, sum16(buf))
	return buf
}

// ParseFrame decodes and validates one datagram.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < 5 {
		return Frame{}, fmt.Errorf("frame too short: %d bytes", len(b))
	}
	if len(b) > MaxFrameSize {
		return Frame{}, fmt.Errorf("frame too large: %d bytes", len(b))
	}

	f := Frame{Cmd: b[0]}
	rest := b[1:]
	if f.HasSeq() {
		if len(rest) < 6 {
			return Frame{}, fmt.Errorf("frame too short for cmd 0x%02x", f.Cmd)
		}
		f.Seq = binary.BigEndian.Uint16(rest)
		rest = rest[2:]
	}

	plen := int(binary.BigEndian.Uint16(rest))
	rest = rest[2:]
	if len(rest) != plen+2 {
		return Frame{}, fmt.Errorf("frame length mismatch: header says %d, have %d", plen, len(rest)-2)
	}

	want := binary.BigEndian.Uint16(rest[plen:])
	if got := sum16(b[:len(b)-2]); got != want {
		return Frame{}, fmt.Errorf("checksum mismatch: got 0x%04x want 0x%04x", got, want)
	}

	f.Payload = make([]byte, plen)
	copy(f.Payload, rest[:plen])
	return f, nil
}

func sum16(b []byte) uint16 {
	var sum uint16
	for _, c := range b {
		sum += uint16(c)
	}
	return sum
}

var seqCounter uint32

func init() {
	var seed [2]byte
	_, _ = rand.Read(seed[:])
	seqCounter = uint32(binary.BigEndian.Uint16(seed[:]))
}

// NextSeq returns a fresh sequence number. Numbers are drawn from a single
// process-wide counter, so values cannot collide while an exchange with a
// nearby number is still pending.
func NextSeq() uint16 {
	return uint16(atomic.AddUint32(&seqCounter, 1))
}
