package transport

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"meshgw/internal/wire"
)

// fakeRoot is a loopback UDP peer that answers command frames like the root
// node firmware would.
type fakeRoot struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

func newFakeRoot(t *testing.T, handle func(f wire.Frame) *wire.Frame) *fakeRoot {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			f, err := wire.ParseFrame(buf[:n])
			if err != nil {
				continue
			}
			if reply := handle(f); reply != nil {
				conn.WriteToUDP(reply.Marshal(), from)
			}
		}
	}()

	return &fakeRoot{conn: conn, addr: conn.LocalAddr().(*net.UDPAddr)}
}

func newExchanger(t *testing.T, onBridge BridgeFunc) *Exchanger {
	t.Helper()
	e, err := Listen("127.0.0.1:0", onBridge)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestSendAndAwait(t *testing.T) {
	t.Parallel()

	root := newFakeRoot(t, func(f wire.Frame) *wire.Frame {
		return &wire.Frame{Cmd: f.Cmd, Seq: f.Seq, Payload: []byte{0, 42}}
	})
	e := newExchanger(t, nil)

	f := wire.Frame{Cmd: wire.CmdAPINodes, Seq: wire.NextSeq()}
	payload, err := e.SendAndAwait(root.addr, f, 2*time.Second)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if len(payload) != 2 || payload[0] != 0 || payload[1] != 42 {
		t.Fatalf("payload=%v", payload)
	}
}

func TestSendAndAwait_Timeout(t *testing.T) {
	t.Parallel()

	root := newFakeRoot(t, func(wire.Frame) *wire.Frame { return nil })
	e := newExchanger(t, nil)

	f := wire.Frame{Cmd: wire.CmdAPINodes, Seq: wire.NextSeq()}
	_, err := e.SendAndAwait(root.addr, f, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err=%v", err)
	}
}

func TestSendAndAwait_WrongSeqIgnored(t *testing.T) {
	t.Parallel()

	root := newFakeRoot(t, func(f wire.Frame) *wire.Frame {
		return &wire.Frame{Cmd: f.Cmd, Seq: f.Seq + 1, Payload: []byte{0}}
	})
	e := newExchanger(t, nil)

	f := wire.Frame{Cmd: wire.CmdAPINodes, Seq: wire.NextSeq()}
	_, err := e.SendAndAwait(root.addr, f, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err=%v", err)
	}
}

func TestSendAndAwait_MalformedResponseDropped(t *testing.T) {
	t.Parallel()

	root := newFakeRoot(t, func(f wire.Frame) *wire.Frame { return nil })
	e := newExchanger(t, nil)

	// Feed the exchanger raw garbage from the root's socket while a real
	// exchange is pending; the waiter must time out, not error out.
	go func() {
		time.Sleep(10 * time.Millisecond)
		local, _ := net.ResolveUDPAddr("udp4", e.LocalAddr())
		root.conn.WriteToUDP([]byte{0xE7, 0xFF, 0xFF, 1, 2, 3}, local)
	}()

	f := wire.Frame{Cmd: wire.CmdAPINodes, Seq: wire.NextSeq()}
	_, err := e.SendAndAwait(root.addr, f, 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err=%v", err)
	}
}

func TestSendAndAwait_DuplicateSeqRejected(t *testing.T) {
	t.Parallel()

	root := newFakeRoot(t, func(wire.Frame) *wire.Frame { return nil })
	e := newExchanger(t, nil)

	f := wire.Frame{Cmd: wire.CmdAPINodes, Seq: 1234}
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.SendAndAwait(root.addr, f, 500*time.Millisecond)
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := e.SendAndAwait(root.addr, f, 50*time.Millisecond); err == nil {
		t.Fatalf("duplicate sequence accepted")
	}
	<-done
}

func TestSendAndAwait_Concurrent(t *testing.T) {
	t.Parallel()

	root := newFakeRoot(t, func(f wire.Frame) *wire.Frame {
		return &wire.Frame{Cmd: f.Cmd, Seq: f.Seq, Payload: []byte{0, byte(f.Seq)}}
	})
	e := newExchanger(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		seq := uint16(1000 + i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			f := wire.Frame{Cmd: wire.CmdAPINodes, Seq: seq}
			payload, err := e.SendAndAwait(root.addr, f, 2*time.Second)
			if err != nil {
				t.Errorf("seq %d: %v", seq, err)
				return
			}
			if len(payload) != 2 || payload[1] != byte(seq) {
				t.Errorf("seq %d: payload=%v", seq, payload)
			}
		}()
	}
	wg.Wait()
}

func TestBridgeFramesRouted(t *testing.T) {
	t.Parallel()

	got := make(chan wire.Frame, 1)
	e := newExchanger(t, func(f wire.Frame, from *net.UDPAddr) {
		select {
		case got <- f:
		default:
		}
	})

	sender, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer sender.Close()

	local, err := net.ResolveUDPAddr("udp4", e.LocalAddr())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	hb := wire.Frame{Cmd: wire.CmdHeartbeat, Payload: []byte{0, 0, 0, 1, 5}}
	if _, err := sender.WriteToUDP(hb.Marshal(), local); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case f := <-got:
		if f.Cmd != wire.CmdHeartbeat {
			t.Fatalf("cmd=0x%02x", f.Cmd)
		}
		if len(f.Payload) != 5 || f.Payload[4] != 5 {
			t.Fatalf("payload=%v", f.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("bridge frame never delivered")
	}
}

func TestSendAndAwait_RequiresSeq(t *testing.T) {
	t.Parallel()

	root := newFakeRoot(t, func(wire.Frame) *wire.Frame { return nil })
	e := newExchanger(t, nil)

	f := wire.Frame{Cmd: wire.CmdHeartbeat}
	if _, err := e.SendAndAwait(root.addr, f, 50*time.Millisecond); err == nil {
		t.Fatalf("seq-less command accepted")
	}
}
