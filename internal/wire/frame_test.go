package wire

import (
	"bytes"
	"testing"
)

func TestFrame_RoundTrip(t *testing.T) {
	t.Parallel()

	in := Frame{Cmd: CmdAPIColorPost, Seq: 0xBEEF, Payload: []byte{10, 20, 30}}
	out, err := ParseFrame(in.Marshal())
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if out.Cmd != in.Cmd || out.Seq != in.Seq || !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("frame=%+v", out)
	}
}

func TestFrame_BridgeCommandsCarryNoSeq(t *testing.T) {
	t.Parallel()

	in := Frame{Cmd: CmdHeartbeat, Payload: []byte{0, 0, 0, 1, 5}}
	raw := in.Marshal()
	// [CMD:1][LEN:2][PAYLOAD:5][CHKSUM:2]
	if len(raw) != 1+2+5+2 {
		t.Fatalf("len=%d", len(raw))
	}

	out, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if out.HasSeq() {
		t.Fatalf("heartbeat frame claims a sequence number")
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload=%v", out.Payload)
	}
}

func TestParseFrame_ChecksumMismatch(t *testing.T) {
	t.Parallel()

	raw := Frame{Cmd: CmdAPINodes, Seq: 7}.Marshal()
	raw[len(raw)-1] ^= 0xFF
	if _, err := ParseFrame(raw); err == nil {
		t.Fatalf("expected checksum error")
	}
}

func TestParseFrame_Truncated(t *testing.T) {
	t.Parallel()

	raw := Frame{Cmd: CmdAPINodes, Seq: 7, Payload: []byte{1, 2, 3}}.Marshal()
	for n := 0; n < len(raw); n++ {
		if _, err := ParseFrame(raw[:n]); err == nil {
			t.Fatalf("accepted %d/%d bytes", n, len(raw))
		}
	}
}

func TestParseFrame_LengthMismatch(t *testing.T) {
	t.Parallel()

	raw := Frame{Cmd: CmdAPINodes, Seq: 7, Payload: []byte{1, 2, 3}}.Marshal()
	// Inflate the declared payload length; total size no longer matches.
	raw[4] = 0xFF
	if _, err := ParseFrame(raw); err == nil {
		t.Fatalf("expected length error")
	}
}

func TestNextSeq_Distinct(t *testing.T) {
	t.Parallel()

	seen := make(map[uint16]bool)
	for i := 0; i < 1000; i++ {
		seq := NextSeq()
		if seen[seq] {
			t.Fatalf("sequence %d repeated within window", seq)
		}
		seen[seq] = true
	}
}
