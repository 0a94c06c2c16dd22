// ABOUTME: Entry point of the streamsync acquisition simulator
// ABOUTME: Parses CLI flags, loads the session config and runs it
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/streamsync/internal/app"
	"github.com/Resonate-Protocol/streamsync/internal/config"
	"github.com/Resonate-Protocol/streamsync/internal/version"
)

var (
	configPath  = flag.String("config", "", "Session config file (default: built-in demo rig)")
	duration    = flag.Duration("duration", 0, "Master time to acquire, overrides the config (0 keeps it)")
	realtime    = flag.Bool("realtime", false, "Pace sources against the wall clock")
	noTUI       = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
	logFile     = flag.String("log-file", "", "Log file path (default from config)")
	monitorPort = flag.Int("monitor-port", 0, "Serve the websocket monitor feed on this port")
	mdnsFlag    = flag.Bool("mdns", false, "Advertise the monitor feed via mDNS")
	dataDir     = flag.String("data-dir", "", "Directory for .tsync files, overrides the config")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	// Flags override the config file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "duration":
			cfg.Session.Duration = duration.String()
		case "realtime":
			cfg.Session.Realtime = *realtime
		case "log-file":
			cfg.Session.LogFile = *logFile
		case "monitor-port":
			cfg.Monitor.Port = *monitorPort
		case "mdns":
			cfg.Monitor.MDNS = *mdnsFlag
		case "data-dir":
			cfg.Module.DataDir = *dataDir
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	useTUI := !*noTUI

	// Set up logging
	f, err := os.OpenFile(cfg.Session.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer func() { _ = f.Close() }()

	if useTUI {
		// TUI mode: log only to file
		log.SetOutput(f)
	} else {
		// Streaming logs mode: log to both stdout and file
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	log.Printf("Starting %s: module %s, %d streams, realtime=%v",
		version.String(), cfg.Module.Name, len(cfg.Streams), cfg.Session.Realtime)

	session, err := app.New(cfg, app.Options{UseTUI: useTUI})
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}

	// Handle shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := session.Run(ctx); err != nil {
		log.Printf("Session failed: %v", err)
		os.Exit(1)
	}
	log.Printf("Session ended after %v", time.Since(start).Round(time.Millisecond))
}
