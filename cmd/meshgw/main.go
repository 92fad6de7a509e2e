package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"meshgw/internal/announce"
	"meshgw/internal/api"
	"meshgw/internal/config"
	"meshgw/internal/gateway"
	"meshgw/internal/metrics"
)

const usage = `meshgw - HTTP/UDP gateway for a lighting mesh root node

Usage:
  meshgw serve --config <path>
  meshgw status --config <path> [--addr http://host:port]
  meshgw state --config <path> [--addr http://host:port]
  meshgw stats --config <path> [--window 15m] [--csv]
  meshgw config init --config <path>
  meshgw version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch cmd := os.Args[1]; cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "serve":
		handleServe(os.Args[2:])
	case "status":
		handleStatus(os.Args[2:])
	case "state":
		handleState(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "config":
		handleConfig(os.Args[2:])
	case "version":
		fmt.Println(gateway.Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	server, err := gateway.NewServer(cfg)
	if err != nil {
		fatal(err)
	}
	defer server.Close()

	broadcaster := announce.New(announce.Options{
		ServiceName:   cfg.ServiceName,
		InstanceID:    server.InstanceID(),
		Version:       gateway.Version,
		HTTPPort:      listenPort(cfg.Listen),
		UDPPort:       cfg.UDPPort,
		BroadcastAddr: cfg.BroadcastAddr,
		BroadcastPort: cfg.BroadcastPort,
		Interval:      time.Duration(cfg.BroadcastIntervalMs) * time.Millisecond,
	})
	if err := broadcaster.Start(); err != nil {
		fatal(err)
	}
	defer broadcaster.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			fatal(err)
		}
	case s := <-sig:
		log.Printf("received %s, shutting down", s)
	}
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	addr := fs.String("addr", "", "gateway base URL (overrides config listen address)")
	_ = fs.Parse(args)

	base := *addr
	if base == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fatal(err)
		}
		base = "http://" + localBase(cfg.Listen)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := api.NewClient(base).Status(ctx)
	if err != nil {
		fatal(err)
	}

	fmt.Printf("gateway %s (instance %s)\n", status.Version, status.InstanceID)
	if !status.Registered {
		fmt.Println("root node: not registered")
		return
	}
	state := "online"
	if status.Offline {
		state = "offline"
	}
	fmt.Printf("root node: %s mesh_id=%s ip=%s nodes=%d fw=%s\n",
		state, status.MeshID, status.RootIP, status.NodeCount, status.FirmwareVersion)
	fmt.Printf("failures: %d, last heartbeat: %s\n",
		status.FailureCount, status.LastHeartbeat.Format(time.RFC3339))
}

func handleState(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	addr := fs.String("addr", "", "gateway base URL (overrides config listen address)")
	_ = fs.Parse(args)

	base := *addr
	if base == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fatal(err)
		}
		base = "http://" + localBase(cfg.Listen)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := api.NewClient(base).State(ctx)
	if err != nil {
		fatal(err)
	}

	connected := "disconnected"
	if state.Connected {
		connected = "connected"
	}
	fmt.Printf("mesh %s: %s, %d nodes (as of %s)\n",
		state.MeshID, connected, state.NodeCount, state.Timestamp.Format(time.RFC3339))
	for _, n := range state.Nodes {
		fmt.Printf("  node %s ip=%s layer=%d parent=%s\n", n.ID, n.IP, n.Layer, n.ParentID)
	}
	if state.SequenceActive {
		fmt.Printf("sequence: running %d/%d\n", state.SequencePosition, state.SequenceTotal)
	}
	if state.OTAInProgress {
		fmt.Printf("ota: %d%%\n", state.OTAProgress)
	}
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	window := fs.Duration("window", 15*time.Minute, "stats window (0 for all)")
	csvOut := fs.Bool("csv", false, "dump the window's raw samples as CSV to stdout")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.MetricsPath == "" {
		fatal(fmt.Errorf("metrics_path not configured"))
	}

	samples, err := metrics.ReadCSV(cfg.MetricsPath)
	if err != nil {
		fatal(err)
	}

	now := time.Now().UTC()
	if *csvOut {
		if err := metrics.WriteCSV(os.Stdout, inWindow(samples, *window, now)); err != nil {
			fatal(err)
		}
		return
	}

	s := metrics.Summarize(samples, *window, now)
	fmt.Printf("exchanges: %d (%.1f%% ok, %d failed)\n", s.Count, s.SuccessPct, s.Failures)
	if s.Count > s.Failures {
		fmt.Printf("rtt ms: avg=%.2f p95=%.2f min=%.2f max=%.2f\n",
			s.AvgRTTMs, s.P95RTTMs, s.MinRTTMs, s.MaxRTTMs)
	}
}

func handleConfig(args []string) {
	if len(args) == 0 || args[0] != "init" {
		fmt.Fprint(os.Stderr, "config subcommand required (init)\n")
		os.Exit(2)
	}

	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args[1:])
	if *configPath == "" {
		fatal(fmt.Errorf("--config is required"))
	}

	var cfg config.Config
	config.ApplyDefaults(&cfg)
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Printf("wrote %s\n", *configPath)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func inWindow(items []metrics.Sample, window time.Duration, now time.Time) []metrics.Sample {
	if window <= 0 {
		return items
	}
	kept := make([]metrics.Sample, 0, len(items))
	for _, s := range items {
		if now.Sub(s.Timestamp) <= window {
			kept = append(kept, s)
		}
	}
	return kept
}

func listenPort(listen string) int {
	idx := strings.LastIndex(listen, ":")
	if idx < 0 {
		return 0
	}
	var port int
	_, _ = fmt.Sscanf(listen[idx+1:], "%d", &port)
	return port
}

func localBase(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "127.0.0.1" + listen
	}
	return listen
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "meshgw: %v\n", err)
	os.Exit(1)
}
