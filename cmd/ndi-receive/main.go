package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	ndireceiver "github.com/e7canasta/orion-care-sensor/modules/ndi-receiver"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/cli"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/snapshot"
)

// Version information
const version = "v0.1.0"

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Config file (.yaml, .yml or .toml, optional)")
	preferred := flag.String("preferred", "", "Preferred source name substring (overrides config)")
	simulate := flag.Bool("simulate", false, "Use built-in test-pattern senders instead of the network")
	outputDir := flag.String("output", "", "Directory to save snapshots (overrides config)")
	outputFormat := flag.String("format", "", "Snapshot format: png, jpeg, bmp (overrides config)")
	maxWidth := flag.Int("max-width", 0, "Scale snapshots down to this width (0 = native)")
	snapInterval := flag.Int("snapshot-interval", 0, "Seconds between snapshots (overrides config)")
	maxFrames := flag.Int("max-frames", 0, "Stop after this many video frames (0 = unlimited)")
	statsInterval := flag.Int("stats-interval", 10, "Seconds between stats reports")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ndi-receive %s\n", version)
		os.Exit(0)
	}

	logger := cli.NewLogger(*debug)
	slog.SetDefault(logger)

	// Load configuration
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
	if *outputDir != "" {
		fc.Snapshot.Dir = *outputDir
	}
	if *outputFormat != "" {
		fc.Snapshot.Format = *outputFormat
	}
	if *maxWidth > 0 {
		fc.Snapshot.MaxWidth = *maxWidth
	}
	if *snapInterval > 0 {
		fc.Snapshot.IntervalS = *snapInterval
	}
	if err := fc.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if *statsInterval <= 0 {
		*statsInterval = 10
	}

	printBanner(fc, *simulate, *maxFrames)

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	binding, err := cli.BuildBinding(ctx, fc, *simulate, logger)
	if err != nil {
		log.Fatalf("Failed to create transport: %v", err)
	}

	reporter, err := cli.NewReporter(ctx, fc, logger)
	if err != nil {
		log.Fatalf("Failed to start status reporting: %v", err)
	}
	defer reporter.Close()

	rc := fc.ReceiverConfig()
	rc.Logger = logger
	rc.OnStateChange = func(c ndireceiver.StateChange) {
		printStateChange(c)
		reporter.OnStateChange(c)
	}

	rx, err := ndireceiver.New(binding, rc)
	if err != nil {
		log.Fatalf("Failed to create receiver: %v", err)
	}

	if err := rx.Setup(ctx, fc.PreferredSource); err != nil {
		log.Fatalf("Failed to start receiver: %v", err)
	}
	slog.Info("Receiver started", "preferred", fc.PreferredSource)

	go reporter.Run(ctx, rx)

	// Snapshot writer runs off the tick on its own subscription
	var saver *snapshot.Saver
	if fc.Snapshot.Dir != "" {
		saver, err = snapshot.NewSaver(fc.Snapshot.Dir, fc.Snapshot.Format, 90, fc.Snapshot.MaxWidth)
		if err != nil {
			log.Fatalf("Failed to create snapshot writer: %v", err)
		}
		slog.Info("Snapshot saving enabled",
			"directory", fc.Snapshot.Dir,
			"format", fc.Snapshot.Format,
			"interval_s", fc.Snapshot.IntervalS,
		)
		go runSnapshots(rx, saver, time.Duration(fc.Snapshot.IntervalS)*time.Second)
	}

	fmt.Printf("Waiting for sources...\n")
	fmt.Printf("Press Ctrl+C to stop gracefully\n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n\n")

	startTime := time.Now()

	go func() {
		ticker := time.NewTicker(time.Duration(*statsInterval) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				printStats(rx.Stats(), saver)
			}
		}
	}()

	// Host tick loop
	tick := time.NewTicker(time.Duration(float64(time.Second) / fc.Capture.TickFPS))
	defer tick.Stop()

	var lastSeq uint64
	frameCount := 0
	for {
		select {
		case <-sigChan:
			fmt.Printf("\n\nReceived interrupt signal, shutting down...\n")
			goto shutdown

		case <-tick.C:
			rx.Update()

			frame, ok := rx.LatestVideoFrame()
			if !ok || frame.Seq == lastSeq {
				continue
			}
			lastSeq = frame.Seq
			frameCount++

			if *debug {
				fmt.Printf("[%s] Frame #%-6d | Seq: %-8d | %dx%d | Size: %6.1f KB | Source: %s\n",
					time.Now().Format("15:04:05"),
					frameCount,
					frame.Seq,
					frame.Width, frame.Height,
					float64(len(frame.Data))/1024,
					frame.SourceName,
				)
			}

			if *maxFrames > 0 && frameCount >= *maxFrames {
				fmt.Printf("\nReached maximum frames (%d), stopping...\n", *maxFrames)
				goto shutdown
			}
		}
	}

shutdown:
	cancel()
	slog.Info("Stopping receiver...")
	if err := rx.Close(); err != nil {
		slog.Error("Error closing receiver", "error", err)
	}

	printFinal(rx.Stats(), saver, time.Since(startTime))
	slog.Info("Receiver stopped")
}

// runSnapshots saves at most one frame per interval until the receiver
// closes the subscription.
func runSnapshots(rx *ndireceiver.Receiver, saver *snapshot.Saver, interval time.Duration) {
	read := rx.Subscribe("snapshot")
	var last time.Time
	for {
		frame := read()
		if frame == nil {
			return
		}
		if time.Since(last) < interval {
			continue
		}
		last = time.Now()
		path, err := saver.Save(frame)
		if err != nil {
			slog.Error("Failed to save snapshot", "error", err, "seq", frame.Seq)
			continue
		}
		slog.Debug("Snapshot saved", "path", path, "seq", frame.Seq)
	}
}

func printBanner(fc *ndireceiver.FileConfig, simulate bool, maxFrames int) {
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║              NDI Receiver - Orion 2.0 Module              ║\n")
	fmt.Printf("║                      Version %s                       ║\n", version)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Receiver Name: %s\n", fc.Name)
	if fc.PreferredSource != "" {
		fmt.Printf("  Preferred:     %s\n", fc.PreferredSource)
	} else {
		fmt.Printf("  Preferred:     (first discovered)\n")
	}
	if simulate {
		fmt.Printf("  Transport:     simulated\n")
	} else {
		fmt.Printf("  Transport:     mdns %s%s + gstreamer\n", fc.Discovery.Service, "."+fc.Discovery.Domain)
	}
	fmt.Printf("  Tick Rate:     %.1f Hz\n", fc.Capture.TickFPS)
	if fc.Snapshot.Dir != "" {
		fmt.Printf("  Snapshots:     %s (%s every %ds)\n", fc.Snapshot.Dir, fc.Snapshot.Format, fc.Snapshot.IntervalS)
	} else {
		fmt.Printf("  Snapshots:     (none)\n")
	}
	if fc.MQTT.Broker != "" {
		fmt.Printf("  Status MQTT:   %s → %s (%s)\n", fc.MQTT.Broker, fc.MQTT.Topic, fc.MQTT.Encoding)
	}
	if maxFrames > 0 {
		fmt.Printf("  Max Frames:    %d\n", maxFrames)
	} else {
		fmt.Printf("  Max Frames:    unlimited\n")
	}
	fmt.Printf("\n")
}

func printStateChange(c ndireceiver.StateChange) {
	line := fmt.Sprintf("[%s] %s → %s", c.At.Format("15:04:05"), c.From, c.To)
	if c.Name != "" {
		line += fmt.Sprintf(" | #%d %s", c.Index, c.Name)
	}
	if c.Err != nil {
		line += fmt.Sprintf(" | %v", c.Err)
	}
	fmt.Println(line)
}

func printStats(stats ndireceiver.ReceiverStats, saver *snapshot.Saver) {
	source := stats.SourceName
	if source == "" {
		source = "-"
	}
	fmt.Printf("\n")
	fmt.Printf("╭─────────────────────────────────────────────────────────╮\n")
	fmt.Printf("│ Receiver Statistics (Uptime: %s)\n", stats.Uptime.Round(time.Second))
	fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
	fmt.Printf("│ State:              %s\n", stats.State)
	fmt.Printf("│ Source:             %s\n", source)
	fmt.Printf("│ Sources Visible:    %6d (epoch %d)\n", stats.SourceCount, stats.Epoch)
	fmt.Printf("│ Video Frames:       %6d frames\n", stats.VideoFrames)
	fmt.Printf("│ Metadata Frames:    %6d\n", stats.MetadataFrames)
	if stats.FramesOverwritten > 0 {
		fmt.Printf("│ Overwritten:        %6d frames\n", stats.FramesOverwritten)
	}
	if saver != nil {
		saved, dropped := saver.Stats()
		fmt.Printf("│ Snapshots:          %6d saved, %d failed\n", saved, dropped)
	}
	fmt.Printf("│ Real FPS:           %6.2f fps (stable: %v)\n", stats.FPS, stats.FPSStable)
	fmt.Printf("│ Latency:            %6d ms\n", stats.LatencyMS)
	fmt.Printf("│ Bytes Copied:       %6.2f MB\n", float64(stats.BytesCopied)/1024/1024)
	fmt.Printf("│ Reconnects:         %6d\n", stats.Reconnects)
	if stats.WaitingForPreferred {
		fmt.Printf("│ Waiting for preferred source\n")
	}
	if stats.Paused {
		fmt.Printf("│ Discovery paused (manual disconnect)\n")
	}
	totalErrors := stats.ErrorsNetwork + stats.ErrorsRefused + stats.ErrorsUnavailable + stats.ErrorsUnknown
	if totalErrors > 0 {
		fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
		fmt.Printf("│ Error Telemetry\n")
		fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
		fmt.Printf("│ Network Errors:     %6d\n", stats.ErrorsNetwork)
		fmt.Printf("│ Refused/Lost:       %6d\n", stats.ErrorsRefused)
		fmt.Printf("│ Unavailable:        %6d\n", stats.ErrorsUnavailable)
		fmt.Printf("│ Unknown Errors:     %6d\n", stats.ErrorsUnknown)
	}
	fmt.Printf("╰─────────────────────────────────────────────────────────╯\n")
	fmt.Printf("\n")
}

func printFinal(stats ndireceiver.ReceiverStats, saver *snapshot.Saver, uptime time.Duration) {
	fmt.Printf("\n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("                     Final Statistics                      \n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("  Total Uptime:       %s\n", uptime.Round(time.Second))
	fmt.Printf("  Video Frames:       %d frames\n", stats.VideoFrames)
	fmt.Printf("  Metadata Frames:    %d\n", stats.MetadataFrames)
	if saver != nil {
		saved, dropped := saver.Stats()
		fmt.Printf("  Snapshots Saved:    %d\n", saved)
		fmt.Printf("  Snapshots Failed:   %d\n", dropped)
	}
	fmt.Printf("  Connect Attempts:   %d (%d failed)\n", stats.ConnectAttempts, stats.ConnectFailures)
	fmt.Printf("  Connections Lost:   %d\n", stats.Losses)
	fmt.Printf("  Reconnection Count: %d\n", stats.Reconnects)
	fmt.Printf("  Bytes Copied:       %.2f MB\n", float64(stats.BytesCopied)/1024/1024)
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("\n")
}
