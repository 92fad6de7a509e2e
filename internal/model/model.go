package model

import "time"

// Registration is the gateway's record of the current root node. The gateway
// tracks at most one; a fresh registration supersedes the previous one.
type Registration struct {
	MeshID string
	// RootIP is the address the firmware reported in its registration
	// payload; ObservedAddr is the source address the datagram actually
	// came from. They differ when the firmware's view of its own IP is
	// stale.
	RootIP          string
	ObservedAddr    string
	UDPPort         int
	NodeCount       int
	FirmwareVersion string
	Offline         bool
	FailureCount    int
	RegisteredAt    time.Time
	LastHeartbeat   time.Time
	LastStateUpdate time.Time
}

// MeshNode is one node entry from a root state update.
type MeshNode struct {
	ID       string
	IP       string
	Layer    int
	ParentID string
	Role     int
	Status   int
}

// MeshState is the most recent state snapshot pushed by the root node.
type MeshState struct {
	RootIP           string
	MeshID           string
	Timestamp        time.Time
	Connected        bool
	NodeCount        int
	Nodes            []MeshNode
	SequenceActive   bool
	SequencePosition int
	SequenceTotal    int
	OTAInProgress    bool
	OTAProgress      int
}
