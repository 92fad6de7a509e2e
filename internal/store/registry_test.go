package store

import (
	"path/filepath"
	"testing"
	"time"

	"meshgw/internal/model"
)

func testRegistration() model.Registration {
	return model.Registration{
		MeshID:          "aa:bb:cc:dd:ee:ff",
		RootIP:          "192.168.1.50",
		UDPPort:         8081,
		NodeCount:       4,
		FirmwareVersion: "1.2.0",
	}
}

func TestRegister_StartsOnline(t *testing.T) {
	t.Parallel()

	r, err := Open("", 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r.Current() != nil {
		t.Fatalf("expected empty registry")
	}

	r.Register(testRegistration())
	current := r.Current()
	if current == nil {
		t.Fatalf("no registration")
	}
	if current.Offline || current.FailureCount != 0 {
		t.Fatalf("registration=%+v", current)
	}
	if current.LastHeartbeat.IsZero() || current.RegisteredAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", current)
	}
	if r.Usable() == nil {
		t.Fatalf("fresh registration should be usable")
	}
}

func TestFailureLifecycle(t *testing.T) {
	t.Parallel()

	r, err := Open("", 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r.Register(testRegistration())
	id := "aa:bb:cc:dd:ee:ff"

	r.RecordFailure(id)
	r.RecordFailure(id)
	if r.ThresholdExceeded(id) {
		t.Fatalf("threshold tripped at 2/3")
	}
	if r.Current().Offline {
		t.Fatalf("offline before MarkOffline")
	}

	r.RecordFailure(id)
	if !r.ThresholdExceeded(id) {
		t.Fatalf("threshold not tripped at 3/3")
	}
	// ThresholdExceeded never flips the flag itself.
	if r.Current().Offline {
		t.Fatalf("ThresholdExceeded mutated offline flag")
	}

	r.MarkOffline(id)
	if !r.Current().Offline {
		t.Fatalf("not offline after MarkOffline")
	}
	if r.Usable() != nil {
		t.Fatalf("offline registration should not be usable")
	}

	// Any success flips it straight back, no cooldown.
	r.RecordSuccess(id)
	current := r.Current()
	if current.Offline || current.FailureCount != 0 {
		t.Fatalf("registration=%+v", current)
	}
}

func TestMutations_IgnoreUnknownMeshID(t *testing.T) {
	t.Parallel()

	r, err := Open("", 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r.Register(testRegistration())

	r.RecordFailure("11:11:11:11:11:11")
	r.MarkOffline("11:11:11:11:11:11")
	current := r.Current()
	if current.FailureCount != 0 || current.Offline {
		t.Fatalf("stale-id mutation applied: %+v", current)
	}
	if r.ThresholdExceeded("11:11:11:11:11:11") {
		t.Fatalf("threshold for unknown id")
	}
}

func TestHeartbeat_RefreshesCurrent(t *testing.T) {
	t.Parallel()

	r, err := Open("", 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// No registration: heartbeat is a no-op, not a panic.
	r.Heartbeat(time.Now(), 2)

	r.Register(testRegistration())
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r.Heartbeat(at, 7)
	current := r.Current()
	if !current.LastHeartbeat.Equal(at) || current.NodeCount != 7 {
		t.Fatalf("registration=%+v", current)
	}
}

func TestHeartbeat_BringsOfflineNodeBack(t *testing.T) {
	t.Parallel()

	r, err := Open("", 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r.Register(testRegistration())
	id := "aa:bb:cc:dd:ee:ff"

	r.RecordFailure(id)
	r.RecordFailure(id)
	r.MarkOffline(id)
	if r.Usable() != nil {
		t.Fatalf("offline registration usable")
	}

	// A heartbeat proves the root is alive again; no re-registration
	// should be needed.
	r.Heartbeat(time.Now().UTC(), 4)
	current := r.Usable()
	if current == nil {
		t.Fatalf("heartbeat did not bring node back")
	}
	if current.Offline || current.FailureCount != 0 {
		t.Fatalf("registration=%+v", current)
	}
}

func TestPersistence_RestoredOffline(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "registration.yaml")

	r, err := Open(path, 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r.Register(testRegistration())

	restored, err := Open(path, 3)
	if err != nil {
		t.Fatalf("Open restored: %v", err)
	}
	current := restored.Current()
	if current == nil {
		t.Fatalf("registration not restored")
	}
	if current.MeshID != "aa:bb:cc:dd:ee:ff" || current.RootIP != "192.168.1.50" {
		t.Fatalf("registration=%+v", current)
	}
	// A restored registration has not been heard from since the restart.
	if !current.Offline {
		t.Fatalf("restored registration should start offline")
	}
	if restored.Usable() != nil {
		t.Fatalf("restored registration should not be usable yet")
	}
}

func TestOpen_MissingFile(t *testing.T) {
	t.Parallel()

	r, err := Open(filepath.Join(t.TempDir(), "nope.yaml"), 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r.Current() != nil {
		t.Fatalf("expected empty registry")
	}
}
