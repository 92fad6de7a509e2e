// Package store holds the gateway's single-current-registration state.
// All liveness bookkeeping goes through it; no other package touches the
// failure count or offline flag directly.
package store

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"meshgw/internal/model"
)

// Registry tracks the (at most one) registered root node. A snapshot is
// persisted to disk so a gateway restart does not forget the last known
// root address; restored registrations start offline until proven live.
type Registry struct {
	mu        sync.Mutex
	path      string
	threshold int
	current   *model.Registration
}

type snapshot struct {
	UpdatedAt    time.Time        `yaml:"updated_at"`
	Registration *registrationRec `yaml:"registration,omitempty"`
}

type registrationRec struct {
	MeshID          string    `yaml:"mesh_id"`
	RootIP          string    `yaml:"root_ip"`
	ObservedAddr    string    `yaml:"observed_addr,omitempty"`
	UDPPort         int       `yaml:"udp_port"`
	NodeCount       int       `yaml:"node_count"`
	FirmwareVersion string    `yaml:"firmware_version"`
	RegisteredAt    time.Time `yaml:"registered_at"`
	LastHeartbeat   time.Time `yaml:"last_heartbeat"`
}

// Open loads the persisted snapshot, if any. An empty path disables
// persistence. threshold is the consecutive-failure count at which
// ThresholdExceeded trips.
func Open(path string, threshold int) (*Registry, error) {
	r := &Registry{path: path, threshold: threshold}
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}

	var snap snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if snap.Registration != nil {
		rec := snap.Registration
		r.current = &model.Registration{
			MeshID:          rec.MeshID,
			RootIP:          rec.RootIP,
			ObservedAddr:    rec.ObservedAddr,
			UDPPort:         rec.UDPPort,
			NodeCount:       rec.NodeCount,
			FirmwareVersion: rec.FirmwareVersion,
			RegisteredAt:    rec.RegisteredAt,
			LastHeartbeat:   rec.LastHeartbeat,
			// Not heard from since before the restart.
			Offline: true,
		}
	}
	return r, nil
}

// Current returns a copy of the raw registration, offline or not, so callers
// can still report its last-known address. Nil when nothing has registered.
func (r *Registry) Current() *model.Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked()
}

// Usable returns the registration only when it is considered online.
func (r *Registry) Usable() *model.Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.Offline {
		return nil
	}
	return r.copyLocked()
}

func (r *Registry) copyLocked() *model.Registration {
	if r.current == nil {
		return nil
	}
	reg := *r.current
	return &reg
}

// Register records a fresh root node registration, superseding any previous
// one. The node is online with a clean failure count.
func (r *Registry) Register(info model.Registration) {
	now := time.Now().UTC()
	info.RegisteredAt = now
	info.LastHeartbeat = now
	info.Offline = false
	info.FailureCount = 0

	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = &info
	r.persistLocked()
}

// RecordSuccess resets the failure count and marks the node online. Any
// successful round trip counts as liveness evidence, reads included.
func (r *Registry) RecordSuccess(meshID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.matchesLocked(meshID) {
		return
	}
	r.current.FailureCount = 0
	r.current.Offline = false
	r.current.LastHeartbeat = time.Now().UTC()
	r.persistLocked()
}

// RecordFailure increments the consecutive-failure count.
func (r *Registry) RecordFailure(meshID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.matchesLocked(meshID) {
		return
	}
	r.current.FailureCount++
}

// ThresholdExceeded reports whether the failure count has reached the
// configured threshold. It never flips the offline flag itself; the
// orchestrator decides when to call MarkOffline.
func (r *Registry) ThresholdExceeded(meshID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.matchesLocked(meshID) {
		return false
	}
	return r.current.FailureCount >= r.threshold
}

// MarkOffline flags the registration offline. Only a subsequent
// RecordSuccess clears the flag.
func (r *Registry) MarkOffline(meshID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.matchesLocked(meshID) {
		return
	}
	r.current.Offline = true
}

// Heartbeat refreshes the last-seen timestamp from an unsolicited heartbeat
// frame. Heartbeats carry no mesh id, so they apply to the current node.
// A heartbeat is liveness evidence: it clears the offline flag and the
// failure count, so a root that went offline during a network blip comes
// back without having to re-register.
func (r *Registry) Heartbeat(at time.Time, nodeCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return
	}
	r.current.LastHeartbeat = at
	r.current.NodeCount = nodeCount
	r.current.FailureCount = 0
	r.current.Offline = false
	r.persistLocked()
}

// StateUpdated records when the latest state snapshot arrived.
func (r *Registry) StateUpdated(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return
	}
	r.current.LastStateUpdate = at
}

func (r *Registry) matchesLocked(meshID string) bool {
	return r.current != nil && r.current.MeshID == meshID
}

// persistLocked writes the snapshot best-effort; a failed write must never
// fail the proxied call that triggered it.
func (r *Registry) persistLocked() {
	if r.path == "" || r.current == nil {
		return
	}
	snap := snapshot{
		UpdatedAt: time.Now().UTC(),
		Registration: &registrationRec{
			MeshID:          r.current.MeshID,
			RootIP:          r.current.RootIP,
			ObservedAddr:    r.current.ObservedAddr,
			UDPPort:         r.current.UDPPort,
			NodeCount:       r.current.NodeCount,
			FirmwareVersion: r.current.FirmwareVersion,
			RegisteredAt:    r.current.RegisteredAt,
			LastHeartbeat:   r.current.LastHeartbeat,
		},
	}
	data, err := yaml.Marshal(&snap)
	if err != nil {
		log.Printf("registry snapshot encode failed: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		log.Printf("registry snapshot dir failed: %v", err)
		return
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		log.Printf("registry snapshot write failed: %v", err)
	}
}
