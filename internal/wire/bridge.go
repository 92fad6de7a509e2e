package wire

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"meshgw/internal/model"
)

// RegistrationInfo is the decoded payload of a CmdRegistration frame.
type RegistrationInfo struct {
	RootIP          string
	MeshID          string
	NodeCount       int
	FirmwareVersion string
	Timestamp       time.Time
}

// ParseRegistration decodes a registration payload:
//
//	[root_ip:4][mesh_id:6][node_count:1][version_len:1][version:N][timestamp:4]
func ParseRegistration(payload []byte) (RegistrationInfo, error) {
	const fixed = 4 + 6 + 1 + 1 + 4
	if len(payload) < fixed {
		return RegistrationInfo{}, fmt.Errorf("registration payload too short: %d bytes", len(payload))
	}

	ip := net.IP(payload[0:4])
	if ip.Equal(net.IPv4zero.To4()) {
		return RegistrationInfo{}, fmt.Errorf("registration root ip is 0.0.0.0")
	}
	meshID := net.HardwareAddr(payload[4:10])
	if meshID.String() == "00:00:00:00:00:00" {
		return RegistrationInfo{}, fmt.Errorf("registration mesh id is all zeros")
	}

	verLen := int(payload[11])
	if len(payload) != fixed+verLen {
		return RegistrationInfo{}, fmt.Errorf("registration payload length mismatch: version_len=%d total=%d", verLen, len(payload))
	}

	return RegistrationInfo{
		RootIP:          ip.String(),
		MeshID:          meshID.String(),
		NodeCount:       int(payload[10]),
		FirmwareVersion: string(payload[12 : 12+verLen]),
		Timestamp:       time.Unix(int64(binary.BigEndian.Uint32(payload[12+verLen:])), 0).UTC(),
	}, nil
}

// Registration ack status values.
const (
	RegistrationAccepted = 0
	RegistrationRejected = 1
)

// BuildRegistrationAck builds the 0xE3 reply frame: [STATUS:1] payload.
func BuildRegistrationAck(status byte) Frame {
	return Frame{Cmd: CmdRegistrationAck, Payload: []byte{status}}
}

// HeartbeatInfo is the decoded payload of a CmdHeartbeat frame.
type HeartbeatInfo struct {
	Timestamp time.Time
	NodeCount int
}

// ParseHeartbeat decodes a heartbeat payload: [timestamp:4][node_count:1].
func ParseHeartbeat(payload []byte) (HeartbeatInfo, error) {
	if len(payload) < 5 {
		return HeartbeatInfo{}, fmt.Errorf("heartbeat payload too short: %d bytes", len(payload))
	}
	return HeartbeatInfo{
		Timestamp: time.Unix(int64(binary.BigEndian.Uint32(payload)), 0).UTC(),
		NodeCount: int(payload[4]),
	}, nil
}

const stateNodeEntrySize = 6 + 4 + 1 + 6 + 1 + 1

// ParseStateUpdate decodes a CmdStateUpdate payload:
//
//	[root_ip:4][mesh_id:6][timestamp:4][mesh_state:1][node_count:1]
//	[node_entry:19]*N
//	[seq_active:1][seq_pos:2][seq_total:2][ota_active:1][ota_progress:1]
//
// with node entries [id:6][ip:4][layer:1][parent:6][role:1][status:1].
func ParseStateUpdate(payload []byte) (model.MeshState, error) {
	const head = 4 + 6 + 4 + 1 + 1
	const tail = 1 + 2 + 2 + 1 + 1
	if len(payload) < head+tail {
		return model.MeshState{}, fmt.Errorf("state payload too short: %d bytes", len(payload))
	}

	state := model.MeshState{
		RootIP:    net.IP(payload[0:4]).String(),
		MeshID:    net.HardwareAddr(payload[4:10]).String(),
		Timestamp: time.Unix(int64(binary.BigEndian.Uint32(payload[10:14])), 0).UTC(),
		Connected: payload[14] != 0,
		NodeCount: int(payload[15]),
	}

	if want := head + state.NodeCount*stateNodeEntrySize + tail; len(payload) != want {
		return model.MeshState{}, fmt.Errorf("state payload length mismatch: %d nodes, %d bytes (want %d)", state.NodeCount, len(payload), want)
	}

	rest := payload[head:]
	for i := 0; i < state.NodeCount; i++ {
		entry := rest[:stateNodeEntrySize]
		state.Nodes = append(state.Nodes, model.MeshNode{
			ID:       net.HardwareAddr(entry[0:6]).String(),
			IP:       net.IP(entry[6:10]).String(),
			Layer:    int(entry[10]),
			ParentID: net.HardwareAddr(entry[11:17]).String(),
			Role:     int(entry[17]),
			Status:   int(entry[18]),
		})
		rest = rest[stateNodeEntrySize:]
	}

	state.SequenceActive = rest[0] != 0
	state.SequencePosition = int(binary.BigEndian.Uint16(rest[1:3]))
	state.SequenceTotal = int(binary.BigEndian.Uint16(rest[3:5]))
	state.OTAInProgress = rest[5] != 0
	state.OTAProgress = int(rest[6])
	return state, nil
}
