// Package gateway is the HTTP-facing side of the bridge: it translates
// browser API calls into UDP command frames, drives retries against the root
// node and keeps the registration's liveness bookkeeping honest.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshgw/internal/addrutil"
	"meshgw/internal/api"
	"meshgw/internal/config"
	"meshgw/internal/metrics"
	"meshgw/internal/model"
	"meshgw/internal/store"
	"meshgw/internal/transport"
	"meshgw/internal/wire"
)

// Version is the gateway release tag, reported in /api/status and discovery
// announcements.
const Version = "0.4.0"

// maxRequestBody bounds inbound HTTP bodies well above any valid command
// payload so oversized plugin data is still read far enough to be rejected
// with a 413 instead of a transport error.
const maxRequestBody = 64 * 1024

// Server proxies the browser API to the registered root node over UDP.
type Server struct {
	cfg        config.Config
	reg        *store.Registry
	ex         *transport.Exchanger
	hub        *Hub
	plugins    *PluginStore
	instanceID string

	// metricsMu serializes appends to the metrics CSV; AppendCSV is not
	// safe for concurrent use.
	metricsMu sync.Mutex

	stateMu   sync.Mutex
	lastState *model.MeshState
}

// NewServer opens the gateway UDP socket and restores the persisted
// registration, if any.
func NewServer(cfg config.Config) (*Server, error) {
	regPath := ""
	if cfg.DataDir != "" {
		regPath = filepath.Join(cfg.DataDir, "registration.yaml")
	}
	reg, err := store.Open(regPath, cfg.FailureThreshold)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		reg:        reg,
		hub:        NewHub(),
		plugins:    NewPluginStore(cfg.PluginsDir),
		instanceID: uuid.NewString(),
	}

	ex, err := transport.Listen(fmt.Sprintf(":%d", cfg.UDPPort), s.handleBridgeFrame)
	if err != nil {
		return nil, err
	}
	s.ex = ex

	go s.hub.Run()
	return s, nil
}

// InstanceID identifies this gateway process in announcements and status.
func (s *Server) InstanceID() string { return s.instanceID }

// Close releases the UDP socket.
func (s *Server) Close() error {
	s.hub.Shutdown()
	return s.ex.Close()
}

// Handler builds the HTTP route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Proxied routes; the codec owns the method+path to command mapping.
	mux.HandleFunc("/api/nodes", s.handleProxy)
	mux.HandleFunc("/api/color", s.handleProxy)
	mux.HandleFunc("/api/sequence", s.handleProxy)
	mux.HandleFunc("/api/sequence/pointer", s.handleProxy)
	mux.HandleFunc("/api/sequence/status", s.handleProxy)
	mux.HandleFunc("/api/sequence/start", s.handleProxy)
	mux.HandleFunc("/api/sequence/stop", s.handleProxy)
	mux.HandleFunc("/api/sequence/reset", s.handleProxy)
	mux.HandleFunc("/api/plugin/{name}/data", s.handleProxy)

	// Served locally, no UDP round trip.
	mux.HandleFunc("/api/plugins", s.handlePlugins)
	mux.HandleFunc("/api/plugin/{name}/bundle", s.handleBundle)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWS)

	return mux
}

// ListenAndServe runs the HTTP server.
func (s *Server) ListenAndServe() error {
	server := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("gateway listening on %s (udp %d)", s.cfg.Listen, s.cfg.UDPPort)
	return server.ListenAndServe()
}

// handleProxy runs the full encode -> exchange -> decode pipeline for one
// browser request.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	writeCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	// The registration is resolved before anything is decoded from the
	// request: without a root node every proxied call answers the same
	// way, whatever its body looks like.
	current := s.reg.Current()
	if current == nil {
		writeError(w, http.StatusNotFound, "not_registered", "No root node registered", "")
		return
	}
	if s.reg.Usable() == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable",
			fmt.Sprintf("root node is offline (last seen %s)", current.LastHeartbeat.Format(time.RFC3339)),
			directSuggestion(current.RootIP))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "could not read request body", "")
		return
	}

	req, err := wire.EncodeRequest(r.Method, r.URL.Path, body)
	if err != nil {
		s.writeEncodeError(w, r, err)
		return
	}

	addr, ok := addrutil.ControlAddr(current.RootIP, current.ObservedAddr, s.cfg.ControlPort)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal",
			fmt.Sprintf("no usable control address for root node %s", current.MeshID), "")
		return
	}
	peer, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal",
			fmt.Sprintf("control address %q is not valid: %v", addr, err), "")
		return
	}

	timeout := time.Duration(s.cfg.ExchangeTimeoutMs) * time.Millisecond
	attempts := 1
	if req.Critical {
		attempts += s.cfg.CriticalRetries
	}

	// Once a response has gone out on this connection nothing below may
	// write another one, remaining retries or not.
	responded := false
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(s.backoff(attempt - 1))
		}

		// Each attempt gets a fresh sequence number so a straggling
		// response to an expired attempt cannot satisfy this one.
		frame := req.Frame
		frame.Seq = wire.NextSeq()

		start := time.Now()
		payload, err := s.ex.SendAndAwait(peer, frame, timeout)
		s.recordSample(frame.Cmd, peer.String(), attempt, start, err)

		if err == nil {
			s.reg.RecordSuccess(current.MeshID)
			if !responded {
				resp := wire.DecodeResponse(frame.Cmd, req.Kind, payload)
				w.Header().Set("Content-Type", resp.ContentType)
				w.WriteHeader(resp.Status)
				_, _ = w.Write(resp.Body)
				responded = true
			}
			return
		}

		lastErr = err
		s.reg.RecordFailure(current.MeshID)
		if s.reg.ThresholdExceeded(current.MeshID) {
			s.reg.MarkOffline(current.MeshID)
			log.Printf("root node %s marked offline after repeated failures", current.MeshID)
		}
		log.Printf("exchange failed op=%s peer=%s attempt=%d/%d: %v",
			wire.CmdName(frame.Cmd), peer, attempt, attempts, err)

		if responded {
			return
		}
	}

	if !responded {
		s.writeExchangeError(w, current, lastErr)
	}
}

func (s *Server) backoff(retry int) time.Duration {
	base := time.Duration(s.cfg.BackoffBaseMs) * time.Millisecond
	ceiling := time.Duration(s.cfg.BackoffCapMs) * time.Millisecond
	delay := base << (retry - 1)
	if delay > ceiling {
		delay = ceiling
	}
	return delay
}

func (s *Server) recordSample(cmd byte, peer string, attempt int, start time.Time, err error) {
	if s.cfg.MetricsPath == "" {
		return
	}
	sample := metrics.Sample{
		Timestamp: start.UTC(),
		Op:        wire.CmdName(cmd),
		Peer:      peer,
		Attempt:   attempt,
		Success:   err == nil,
		RTTMs:     float64(time.Since(start).Microseconds()) / 1000.0,
	}
	if err != nil {
		sample.Reason = err.Error()
	}

	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	if err := metrics.AppendCSV(s.cfg.MetricsPath, []metrics.Sample{sample}); err != nil {
		log.Printf("append metrics failed: %v", err)
	}
}

func (s *Server) writeEncodeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, wire.ErrNoMapping):
		writeError(w, http.StatusNotFound, "no_mapping",
			fmt.Sprintf("no operation mapped for %s %s", r.Method, r.URL.Path), "")
	case errors.Is(err, wire.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "invalid_name", err.Error(), "")
	case errors.Is(err, wire.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", err.Error(), "")
	case errors.Is(err, wire.ErrInvalidBody):
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), "")
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), "")
	}
}

func (s *Server) writeExchangeError(w http.ResponseWriter, current *model.Registration, err error) {
	code := "internal"
	switch {
	case errors.Is(err, transport.ErrTimeout):
		code = "timeout"
	case errors.Is(err, transport.ErrUnreachable):
		code = "unreachable"
	}
	writeError(w, http.StatusServiceUnavailable, code,
		fmt.Sprintf("root node did not respond: %v", err),
		directSuggestion(current.RootIP))
}

func directSuggestion(rootIP string) string {
	if rootIP == "" {
		return ""
	}
	return fmt.Sprintf("try accessing the root node directly at http://%s/", rootIP)
}

// handleBridgeFrame processes unsolicited frames from the root node: the
// registration handshake, heartbeats and state updates.
func (s *Server) handleBridgeFrame(f wire.Frame, from *net.UDPAddr) {
	switch f.Cmd {
	case wire.CmdRegistration:
		s.handleRegistration(f, from)
	case wire.CmdHeartbeat:
		hb, err := wire.ParseHeartbeat(f.Payload)
		if err != nil {
			log.Printf("bad heartbeat from %s: %v", from, err)
			return
		}
		s.reg.Heartbeat(time.Now().UTC(), hb.NodeCount)
	case wire.CmdStateUpdate:
		state, err := wire.ParseStateUpdate(f.Payload)
		if err != nil {
			log.Printf("bad state update from %s: %v", from, err)
			return
		}
		s.applyStateUpdate(state)
	case wire.CmdMeshForward:
		// Mirrored mesh traffic; monitoring only.
		log.Printf("mesh command forwarded from %s (%d bytes)", from, len(f.Payload))
	default:
		log.Printf("unexpected bridge frame 0x%02x from %s", f.Cmd, from)
	}
}

func (s *Server) handleRegistration(f wire.Frame, from *net.UDPAddr) {
	info, err := wire.ParseRegistration(f.Payload)
	if err != nil {
		log.Printf("rejecting registration from %s: %v", from, err)
		if ackErr := s.ex.Send(from, wire.BuildRegistrationAck(wire.RegistrationRejected)); ackErr != nil {
			log.Printf("registration nack to %s failed: %v", from, ackErr)
		}
		return
	}

	s.reg.Register(model.Registration{
		MeshID:          info.MeshID,
		RootIP:          info.RootIP,
		ObservedAddr:    from.String(),
		UDPPort:         from.Port,
		NodeCount:       info.NodeCount,
		FirmwareVersion: info.FirmwareVersion,
	})
	log.Printf("root node registered mesh_id=%s ip=%s nodes=%d fw=%s",
		info.MeshID, info.RootIP, info.NodeCount, info.FirmwareVersion)

	if err := s.ex.Send(from, wire.BuildRegistrationAck(wire.RegistrationAccepted)); err != nil {
		log.Printf("registration ack to %s failed: %v", from, err)
	}
}

func (s *Server) applyStateUpdate(state model.MeshState) {
	now := time.Now().UTC()
	s.reg.StateUpdated(now)

	s.stateMu.Lock()
	s.lastState = &state
	s.stateMu.Unlock()

	s.hub.Broadcast(stateSnapshot(state))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "no_mapping", "method not allowed", "")
		return
	}

	s.stateMu.Lock()
	state := s.lastState
	s.stateMu.Unlock()
	if state == nil {
		writeError(w, http.StatusNotFound, "no_state", "no state update received yet", "")
		return
	}
	writeJSON(w, http.StatusOK, stateSnapshot(*state))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "no_mapping", "method not allowed", "")
		return
	}

	resp := api.StatusResponse{
		Version:    Version,
		InstanceID: s.instanceID,
	}
	if current := s.reg.Current(); current != nil {
		resp.Registered = true
		resp.MeshID = current.MeshID
		resp.RootIP = current.RootIP
		resp.Offline = current.Offline
		resp.FailureCount = current.FailureCount
		resp.NodeCount = current.NodeCount
		resp.FirmwareVersion = current.FirmwareVersion
		resp.LastHeartbeat = current.LastHeartbeat
		resp.LastStateUpdate = current.LastStateUpdate
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	writeCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "no_mapping", "method not allowed", "")
		return
	}

	names, err := s.plugins.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, api.PluginsResponse{Plugins: names})
}

func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	writeCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "no_mapping", "method not allowed", "")
		return
	}

	name := r.PathValue("name")
	if err := wire.ValidatePluginName(name); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_name", err.Error(), "")
		return
	}

	bundle, err := s.plugins.Bundle(name)
	if err != nil {
		if errors.Is(err, ErrPluginNotFound) {
			writeError(w, http.StatusNotFound, "not_found",
				fmt.Sprintf("plugin %q not found", name), "")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func stateSnapshot(state model.MeshState) api.StateSnapshot {
	snap := api.StateSnapshot{
		RootIP:           state.RootIP,
		MeshID:           state.MeshID,
		Timestamp:        state.Timestamp,
		Connected:        state.Connected,
		NodeCount:        state.NodeCount,
		Nodes:            make([]api.StateNode, 0, len(state.Nodes)),
		SequenceActive:   state.SequenceActive,
		SequencePosition: state.SequencePosition,
		SequenceTotal:    state.SequenceTotal,
		OTAInProgress:    state.OTAInProgress,
		OTAProgress:      state.OTAProgress,
	}
	for _, n := range state.Nodes {
		snap.Nodes = append(snap.Nodes, api.StateNode{
			ID:       n.ID,
			IP:       n.IP,
			Layer:    n.Layer,
			ParentID: n.ParentID,
			Role:     n.Role,
			Status:   n.Status,
		})
	}
	return snap
}

func writeCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message, suggestion string) {
	body := map[string]string{
		"error":   message,
		"message": message,
		"code":    code,
	}
	if suggestion != "" {
		body["suggestion"] = suggestion
	}
	writeJSON(w, status, body)
}
