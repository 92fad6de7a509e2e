package api

import "time"

// StatusResponse reports the gateway's own view of the mesh.
type StatusResponse struct {
	Version         string    `json:"version"`
	InstanceID      string    `json:"instance_id"`
	Registered      bool      `json:"registered"`
	MeshID          string    `json:"mesh_id,omitempty"`
	RootIP          string    `json:"root_ip,omitempty"`
	Offline         bool      `json:"offline"`
	FailureCount    int       `json:"failure_count"`
	NodeCount       int       `json:"node_count"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	LastHeartbeat   time.Time `json:"last_heartbeat,omitempty"`
	LastStateUpdate time.Time `json:"last_state_update,omitempty"`
}

// StateNode is one mesh node in a state snapshot.
type StateNode struct {
	ID       string `json:"id"`
	IP       string `json:"ip"`
	Layer    int    `json:"layer"`
	ParentID string `json:"parent_id"`
	Role     int    `json:"role"`
	Status   int    `json:"status"`
}

// StateSnapshot is the latest mesh state pushed by the root node, as served
// on /api/state and broadcast to WebSocket clients.
type StateSnapshot struct {
	RootIP           string      `json:"root_ip"`
	MeshID           string      `json:"mesh_id"`
	Timestamp        time.Time   `json:"timestamp"`
	Connected        bool        `json:"connected"`
	NodeCount        int         `json:"node_count"`
	Nodes            []StateNode `json:"nodes"`
	SequenceActive   bool        `json:"sequence_active"`
	SequencePosition int         `json:"sequence_position"`
	SequenceTotal    int         `json:"sequence_total"`
	OTAInProgress    bool        `json:"ota_in_progress"`
	OTAProgress      int         `json:"ota_progress"`
}

// BundleResponse carries a plugin's browser bundle.
type BundleResponse struct {
	HTML string `json:"html"`
	JS   string `json:"js"`
	CSS  string `json:"css"`
}

// PluginsResponse lists available plugin bundles.
type PluginsResponse struct {
	Plugins []string `json:"plugins"`
}
