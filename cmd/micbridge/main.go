package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meshvoice/micbridge/internal/device/portaudio"
	"github.com/meshvoice/micbridge/internal/events"
	"github.com/meshvoice/micbridge/internal/logging"
	"github.com/meshvoice/micbridge/internal/mixer"
	"github.com/meshvoice/micbridge/internal/permissions"
	"github.com/meshvoice/micbridge/internal/platform"
	"github.com/meshvoice/micbridge/internal/server"
	"github.com/meshvoice/micbridge/internal/session"
	"github.com/meshvoice/micbridge/internal/settings"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8337", "control server listen address")
	settingsPath := flag.String("settings", "", "settings file path (default: platform config dir)")
	userAgent := flag.String("ua", os.Getenv("MICBRIDGE_UA"), "client user-agent string for platform quirk detection")
	immersive := flag.Bool("immersive", false, "session will enter an immersive (head-mounted) mode")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	log := logging.NewWithLevel(*logLevel)
	log.Info().Str("version", Version).Str("commit", Commit).Msg("micbridge starting")

	// Load persisted preferences
	store, err := settings.Load(*settingsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load settings")
	}

	// macOS requires explicit microphone approval before capture works
	if err := permissions.EnsurePermissions(); err != nil {
		log.Fatal().Err(err).Msg("Required permissions not granted")
	}

	caps := platform.Detect(*userAgent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Device provider (enumeration + capture)
	provider, err := portaudio.New(log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize audio")
	}
	defer provider.Close()

	// Downstream mixing subsystem
	mix := mixer.New(log)
	defer mix.Close()

	// Event bus
	bus, err := events.NewEmbeddedNats(log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start event bus")
	}
	defer bus.Close()
	log.Info().Str("bus", bus.ClientURL()).Msg("Event bus ready")

	// Capture session manager
	mgr := session.New(session.Config{
		Provider:  provider,
		Mixer:     mix,
		Store:     store,
		Bus:       bus,
		Caps:      caps,
		Immersive: *immersive,
		Logger:    log,
	})
	defer mgr.Close()

	mgr.Start()
	mgr.RefreshDevices(ctx)

	if hasAudio := mgr.StartDefaultSession(ctx); !hasAudio {
		log.Warn().Msg("Starting without audio input")
	}

	if mgr.ShouldShowHMDMicWarning() {
		log.Warn().Msg("A headset microphone is available but not selected")
	}

	// Control server
	srv := server.New(*addr, mgr, store, bus, log)

	// Setup shutdown signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown error")
		}
		cancel()
	}()

	if err := srv.Run(); err != nil {
		log.Fatal().Err(err).Msg("Control server error")
	}
}
