package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	ndireceiver "github.com/e7canasta/orion-care-sensor/modules/ndi-receiver"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/cli"
)

const version = "v0.1.0"

func main() {
	configPath := flag.String("config", "", "Config file (.yaml, .yml or .toml, optional)")
	preferred := flag.String("preferred", "", "Preferred source name substring (overrides config)")
	simulate := flag.Bool("simulate", false, "Use built-in test-pattern senders instead of the network")
	logFile := flag.String("log", "", "Write logs to this file (the terminal is owned by the UI)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ndi-monitor %s\n", version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
		level := slog.LevelInfo
		if *debug {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
	}
	slog.SetDefault(logger)

	fc := &ndireceiver.FileConfig{}
	if *configPath != "" {
		loaded, err := ndireceiver.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		fc = loaded
	}
	if *preferred != "" {
		fc.PreferredSource = *preferred
	}
	if err := fc.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	binding, err := cli.BuildBinding(ctx, fc, *simulate, logger)
	if err != nil {
		log.Fatalf("Failed to create transport: %v", err)
	}

	rc := fc.ReceiverConfig()
	rc.Logger = logger
	rx, err := ndireceiver.New(binding, rc)
	if err != nil {
		log.Fatalf("Failed to create receiver: %v", err)
	}
	defer rx.Close()

	if err := rx.Setup(ctx, fc.PreferredSource); err != nil {
		log.Fatalf("Failed to start receiver: %v", err)
	}

	tick := time.Duration(float64(time.Second) / fc.Capture.TickFPS)
	p := tea.NewProgram(newModel(ctx, rx, tick), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		slog.Error("monitor: ui failed", "error", err)
		_ = rx.Close()
		os.Exit(1)
	}
}
