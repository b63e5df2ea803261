package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/petems/recorder-tray/internal/app"
	"github.com/petems/recorder-tray/internal/audio"
	"github.com/petems/recorder-tray/internal/config"
	"github.com/petems/recorder-tray/internal/hotkey"
	"github.com/petems/recorder-tray/internal/inject"
	"github.com/petems/recorder-tray/internal/logging"
	"github.com/petems/recorder-tray/internal/meter"
	"github.com/petems/recorder-tray/internal/permissions"
	"github.com/petems/recorder-tray/internal/recorder"
	"github.com/petems/recorder-tray/internal/tray"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	// Load config from XDG/Library/AppData
	cfg, err := config.Load()
	if err != nil {
		// Use default logger if config fails to load
		log := logging.New()
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// Initialize logger with configured level
	log := logging.NewWithLevel(cfg.LogLevel)

	// macOS requires explicit microphone approval before a capture device can be opened
	if err := permissions.EnsureMicrophone(); err != nil {
		log.Fatal().Err(err).Msg("Required permissions not granted")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize audio capture
	capture, err := audio.New(cfg.Audio, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize audio")
	}
	defer capture.Close()

	injector := inject.New()

	// Create tray UI first (we'll pass it to app)
	trayUI := tray.New(cfg, injector, log, Version, Commit)

	// Create app with tray as status updater
	application := app.New(app.Config{
		Audio:         capture,
		Recorder:      recorder.New(cfg.Recording.QueueDepth, log),
		Meter:         meter.New(cfg.Meter.Attack, cfg.Meter.Release),
		Injector:      injector,
		Config:        cfg,
		Logger:        log,
		StatusUpdater: trayUI,
	})

	// Set app reference in tray
	trayUI.SetApp(application)

	// Start monitoring right away; with no input device the tray still comes
	// up and capture starts on the next device selection or recording.
	if err := application.Activate(); err != nil {
		log.Warn().Err(err).Msg("Capture not started")
	}

	// Hotkeys are optional: the tray menu covers every action.
	if err := permissions.EnsureAccessibility(); err != nil {
		log.Warn().Err(err).Msg("Global hotkey disabled")
	} else if hkManager, err := hotkey.New(); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize hotkeys")
	} else {
		defer hkManager.Close()
		if err := hkManager.Register(cfg.PlatformHotkey(), application.OnHotkey); err != nil {
			log.Warn().Err(err).Str("hotkey", cfg.PlatformHotkey()).Msg("Failed to register hotkey")
		}
	}

	log.Info().
		Str("backend", capture.Name()).
		Str("recordings", cfg.RecordingDir()).
		Msg("RecorderTray starting...")

	// Setup shutdown signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutting down...")
		cancel()
	}()

	// Start tray UI - MUST run on main thread
	if err := trayUI.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Tray error")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
}
