// Package announce periodically broadcasts a small JSON announcement over
// UDP so a root node can discover the gateway's address without DNS or mDNS.
package announce

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// Protocol tags the announcement format for listening firmware.
const Protocol = "meshgw-udp/1"

// ErrRunning is returned by Start when the broadcaster is already running.
var ErrRunning = errors.New("broadcaster already running")

// Options describe what the gateway advertises.
type Options struct {
	ServiceName string
	InstanceID  string
	Version     string
	HTTPPort    int
	UDPPort     int
	// BroadcastAddr is the destination, normally the subnet's all-ones
	// address.
	BroadcastAddr string
	BroadcastPort int
	Interval      time.Duration
}

type announcement struct {
	Service    string `json:"service"`
	InstanceID string `json:"instance_id"`
	Protocol   string `json:"protocol"`
	Version    string `json:"version"`
	HTTPPort   int    `json:"http_port"`
	UDPPort    int    `json:"udp_port"`
}

// Broadcaster owns its socket and timer; nothing in its send path is allowed
// to surface into request handling.
type Broadcaster struct {
	opts Options

	mu      sync.Mutex
	conn    net.PacketConn
	stop    chan struct{}
	stopped chan struct{}
}

// New creates a broadcaster. It does not open the socket until Start.
func New(opts Options) *Broadcaster {
	return &Broadcaster{opts: opts}
}

// Start opens a broadcast-capable socket, emits one announcement right away
// and re-emits on the configured interval until Stop. Starting while already
// running fails without touching the running timer.
func (b *Broadcaster) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return ErrRunning
	}

	dst, err := net.ResolveUDPAddr("udp4",
		net.JoinHostPort(b.opts.BroadcastAddr, fmt.Sprintf("%d", b.opts.BroadcastPort)))
	if err != nil {
		return err
	}
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return err
	}

	payload, err := json.Marshal(announcement{
		Service:    b.opts.ServiceName,
		InstanceID: b.opts.InstanceID,
		Protocol:   Protocol,
		Version:    b.opts.Version,
		HTTPPort:   b.opts.HTTPPort,
		UDPPort:    b.opts.UDPPort,
	})
	if err != nil {
		conn.Close()
		return err
	}

	b.conn = conn
	b.stop = make(chan struct{})
	b.stopped = make(chan struct{})
	go b.loop(conn, dst, payload, b.stop, b.stopped)
	return nil
}

// Stop cancels the timer and releases the socket. Safe to call repeatedly
// and when not running.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.conn == nil {
		b.mu.Unlock()
		return
	}
	conn, stop, stopped := b.conn, b.stop, b.stopped
	b.conn = nil
	b.stop = nil
	b.stopped = nil
	b.mu.Unlock()

	close(stop)
	<-stopped
	_ = conn.Close()
}

func (b *Broadcaster) loop(conn net.PacketConn, dst *net.UDPAddr, payload []byte, stop, stopped chan struct{}) {
	defer close(stopped)

	interval := b.opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.send(conn, dst, payload)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.send(conn, dst, payload)
		}
	}
}

// send is best-effort; a failed broadcast is logged and otherwise ignored.
func (b *Broadcaster) send(conn net.PacketConn, dst *net.UDPAddr, payload []byte) {
	if _, err := conn.WriteTo(payload, dst); err != nil {
		log.Printf("discovery broadcast failed dst=%s: %v", dst, err)
	}
}
