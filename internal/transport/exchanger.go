// Package transport drives the gateway's UDP socket: it sends command frames
// to the root node and correlates inbound response frames with the exchange
// that is waiting for them.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"meshgw/internal/wire"
)

var (
	// ErrTimeout means no matching response arrived before the deadline.
	ErrTimeout = errors.New("exchange timed out")
	// ErrUnreachable means the datagram could not be sent at all.
	ErrUnreachable = errors.New("peer unreachable")
)

// BridgeFunc receives frames that are not responses to a pending exchange:
// registrations, heartbeats and state updates originated by the root node.
type BridgeFunc func(f wire.Frame, from *net.UDPAddr)

// Exchanger owns one UDP socket shared by all concurrent exchanges. Inbound
// datagrams are demultiplexed purely by sequence number; frames without a
// sequence number go to the bridge handler, everything else is dropped.
type Exchanger struct {
	conn     *net.UDPConn
	onBridge BridgeFunc

	mu      sync.Mutex
	pending map[uint16]chan []byte
}

// Listen binds the gateway UDP port and starts the read loop. onBridge may
// be nil when unsolicited frames should simply be dropped.
func Listen(addr string, onBridge BridgeFunc) (*Exchanger, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, err
	}

	e := &Exchanger{
		conn:     conn,
		onBridge: onBridge,
		pending:  make(map[uint16]chan []byte),
	}
	go e.readLoop()
	return e, nil
}

// LocalAddr returns the bound socket address.
func (e *Exchanger) LocalAddr() string {
	if e == nil || e.conn == nil {
		return ""
	}
	return e.conn.LocalAddr().String()
}

// Close releases the socket; in-flight waits fail with their timeouts.
func (e *Exchanger) Close() error {
	if e == nil || e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

// Send fires one frame without expecting a response (registration acks).
func (e *Exchanger) Send(to *net.UDPAddr, f wire.Frame) error {
	if _, err := e.conn.WriteToUDP(f.Marshal(), to); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

// SendAndAwait sends a command frame and blocks until a response frame with
// the same sequence number arrives, or the timeout expires. The returned
// bytes are the response frame's payload. A synchronous send failure means
// no pending entry was ever created.
func (e *Exchanger) SendAndAwait(to *net.UDPAddr, f wire.Frame, timeout time.Duration) ([]byte, error) {
	if !f.HasSeq() {
		return nil, fmt.Errorf("command 0x%02x carries no sequence number", f.Cmd)
	}

	ch := make(chan []byte, 1)
	e.mu.Lock()
	if _, exists := e.pending[f.Seq]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("sequence %d already pending", f.Seq)
	}
	e.pending[f.Seq] = ch
	e.mu.Unlock()

	if _, err := e.conn.WriteToUDP(f.Marshal(), to); err != nil {
		e.remove(f.Seq)
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-ch:
		return payload, nil
	case <-timer.C:
		e.remove(f.Seq)
		// The response may have raced the timer; take it if so.
		select {
		case payload := <-ch:
			return payload, nil
		default:
		}
		return nil, fmt.Errorf("%w: seq %d after %s", ErrTimeout, f.Seq, timeout)
	}
}

func (e *Exchanger) remove(seq uint16) {
	e.mu.Lock()
	delete(e.pending, seq)
	e.mu.Unlock()
}

func (e *Exchanger) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		f, err := wire.ParseFrame(buf[:n])
		if err != nil {
			// Malformed datagrams are dropped; unrelated exchanges
			// must not see an error for them.
			continue
		}

		if !f.HasSeq() {
			if e.onBridge != nil {
				e.onBridge(f, from)
			}
			continue
		}

		e.mu.Lock()
		ch := e.pending[f.Seq]
		delete(e.pending, f.Seq)
		e.mu.Unlock()
		if ch != nil {
			ch <- f.Payload
		}
	}
}
