package tray

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/getlantern/systray"
	"github.com/petems/recorder-tray/internal/app"
	"github.com/petems/recorder-tray/internal/config"
	"github.com/petems/recorder-tray/internal/inject"
	"github.com/petems/recorder-tray/internal/meter"
	"github.com/rs/zerolog"
)

const levelInterval = 200 * time.Millisecond

type UI struct {
	app     *app.App
	cfg     *config.Config
	inj     inject.Injector
	version string
	commit  string
	log     zerolog.Logger
	mode    string

	// Coalesced snapshots from the controller, newest wins.
	updates chan app.Snapshot

	// Menu items
	mRecord       *systray.MenuItem
	mMode         *systray.MenuItem
	mDevices      *systray.MenuItem
	mRefresh      *systray.MenuItem
	mCopyPath     *systray.MenuItem
	mCopyOnFinish *systray.MenuItem

	mu          sync.Mutex
	deviceItems map[string]*systray.MenuItem
}

func New(cfg *config.Config, inj inject.Injector, log zerolog.Logger, version, commit string) *UI {
	return &UI{
		cfg:         cfg,
		inj:         inj,
		version:     version,
		commit:      commit,
		mode:        cfg.Mode,
		log:         log.With().Str("component", "tray").Logger(),
		updates:     make(chan app.Snapshot, 1),
		deviceItems: make(map[string]*systray.MenuItem),
	}
}

// SetApp sets the app reference (for circular dependency resolution)
func (u *UI) SetApp(application *app.App) {
	u.app = application
}

// StateChanged is called on the controller's goroutine; it only hands the
// snapshot over to the render loop.
func (u *UI) StateChanged(s app.Snapshot) {
	for {
		select {
		case u.updates <- s:
			return
		default:
		}
		select {
		case <-u.updates:
		default:
		}
	}
}

// Run blocks until the tray is quit. It must be called from the main
// goroutine.
func (u *UI) Run(ctx context.Context) error {
	systray.Run(func() { u.onReady(ctx) }, u.onExit)
	return nil
}

func (u *UI) onReady(ctx context.Context) {
	u.setTitle(app.Snapshot{MeterLevel: meter.MinDB})
	systray.SetTooltip(aboutText(u.version, u.commit))

	// Build menu
	u.mRecord = systray.AddMenuItem("Start Recording", "Record the selected input to a WAV file")
	u.mCopyPath = systray.AddMenuItem("Copy Last Recording Path", "Copy the path of the last finished recording")
	u.mCopyPath.Disable()
	systray.AddSeparator()

	u.mDevices = systray.AddMenuItem("Microphone", "Select audio device")
	u.mRefresh = u.mDevices.AddSubMenuItem("Refresh Devices", "Re-enumerate input devices")

	u.mMode = systray.AddMenuItem(modeTitle(u.cfg.Mode), "Toggle between hotkey modes")
	u.mCopyOnFinish = systray.AddMenuItemCheckbox("Copy Path When Finished", "Put each new recording's path on the clipboard", u.cfg.Inject.CopyOnFinish)

	systray.AddSeparator()
	mFolder := systray.AddMenuItem("Open Recordings Folder", "Show saved recordings")
	mLogs := systray.AddMenuItem("Open Logs", "View application logs")
	mAbout := systray.AddMenuItem(aboutText(u.version, u.commit), "Live audio capture")
	mAbout.Disable()
	mQuit := systray.AddMenuItem("Quit", "Exit application")

	u.render(u.app.Snapshot())

	// Event loop
	go u.handleEvents(ctx, mFolder, mLogs, mQuit)
	go u.renderLoop(ctx)
}

func (u *UI) handleEvents(ctx context.Context, mFolder, mLogs, mQuit *systray.MenuItem) {
	for {
		select {
		case <-ctx.Done():
			systray.Quit()
			return
		case <-u.mRecord.ClickedCh:
			if err := u.app.ToggleRecording(); err != nil {
				u.log.Error().Err(err).Msg("Failed to toggle recording")
			}
		case <-u.mRefresh.ClickedCh:
			if err := u.app.RefreshDevices(); err != nil {
				u.log.Error().Err(err).Msg("Failed to refresh devices")
			}
		case <-u.mCopyPath.ClickedCh:
			u.copyLastPath()
		case <-u.mMode.ClickedCh:
			u.toggleMode()
		case <-u.mCopyOnFinish.ClickedCh:
			u.toggleCopyOnFinish()
		case <-mFolder.ClickedCh:
			u.open(u.cfg.RecordingDir())
		case <-mLogs.ClickedCh:
			u.open(filepath.Dir(config.LogPath()))
		case <-mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

// renderLoop applies controller snapshots and refreshes the level readout.
func (u *UI) renderLoop(ctx context.Context) {
	ticker := time.NewTicker(levelInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-u.updates:
			u.render(s)
		case <-ticker.C:
			u.setTitle(u.app.Snapshot())
		}
	}
}

func (u *UI) render(s app.Snapshot) {
	u.setTitle(s)

	if s.IsRecording {
		u.mRecord.SetTitle("Stop Recording")
	} else {
		u.mRecord.SetTitle("Start Recording")
	}
	if s.State == app.SwitchingDevice {
		u.mRecord.Disable()
	} else {
		u.mRecord.Enable()
	}

	if s.LastFile != "" {
		u.mCopyPath.Enable()
		u.mCopyPath.SetTooltip(s.LastFile)
	}

	u.syncDevices(s)
}

// syncDevices mirrors the enumeration in the device submenu. systray cannot
// remove items, so devices that went away are hidden.
func (u *UI) syncDevices(s app.Snapshot) {
	u.mu.Lock()
	defer u.mu.Unlock()

	present := make(map[string]bool, len(s.Devices))
	for _, dev := range s.Devices {
		present[dev.ID] = true

		item, ok := u.deviceItems[dev.ID]
		if !ok {
			item = u.mDevices.AddSubMenuItem(deviceLabel(dev.Name, dev.Default), dev.ID)
			u.deviceItems[dev.ID] = item
			go u.watchDevice(dev.ID, item)
		}
		item.SetTitle(deviceLabel(dev.Name, dev.Default))
		item.Show()

		if dev.ID == s.SelectedDeviceID {
			item.Check()
		} else {
			item.Uncheck()
		}
	}

	for id, item := range u.deviceItems {
		if !present[id] {
			item.Uncheck()
			item.Hide()
		}
	}
}

func (u *UI) watchDevice(deviceID string, item *systray.MenuItem) {
	for range item.ClickedCh {
		if err := u.app.SelectDevice(deviceID); err != nil {
			u.log.Error().Err(err).Str("device", deviceID).Msg("Failed to change audio device")
		}
	}
}

func (u *UI) copyLastPath() {
	path := u.app.LastFile()
	if path == "" || u.inj == nil {
		return
	}
	if err := u.inj.Copy(path); err != nil {
		u.log.Error().Err(err).Msg("Failed to copy recording path")
		return
	}
	u.log.Info().Str("file", path).Msg("Copied recording path")
}

func (u *UI) toggleMode() {
	next := config.ModePushToTalk
	if u.mode == config.ModePushToTalk {
		next = config.ModeToggle
	}
	if err := u.app.SetMode(next); err != nil {
		u.log.Error().Err(err).Msg("Failed to change mode")
		return
	}
	u.mode = next
	u.mMode.SetTitle(modeTitle(next))
	u.log.Info().Str("to", next).Msg("Changed mode")
}

func (u *UI) toggleCopyOnFinish() {
	enabled := !u.mCopyOnFinish.Checked()
	if err := u.app.SetCopyOnFinish(enabled); err != nil {
		u.log.Error().Err(err).Msg("Failed to change setting")
		return
	}
	if enabled {
		u.mCopyOnFinish.Check()
	} else {
		u.mCopyOnFinish.Uncheck()
	}
}

func (u *UI) open(path string) {
	if err := openPath(path); err != nil {
		u.log.Error().Err(err).Str("path", path).Msg("Failed to open")
	}
}

// aboutText is shown as the tooltip and as a disabled menu entry.
func aboutText(version, commit string) string {
	return fmt.Sprintf("RecorderTray %s (%s)", version, commit)
}

func (u *UI) onExit() {
	u.log.Debug().Msg("Tray exited")
}

func (u *UI) setTitle(s app.Snapshot) {
	systray.SetTitle(title(s))
}

// title renders the tray title: microphone, status and, while capturing, the
// input level.
func title(s app.Snapshot) string {
	status := emojiForState(s.State, s.LastError)
	if s.State == app.Monitoring || s.State == app.Recording {
		return fmt.Sprintf("🎤 %s %s", status, meterBar(s.MeterLevel, 8))
	}
	return fmt.Sprintf("🎤 %s", status)
}

// emojiForState returns the appropriate status emoji
func emojiForState(state app.State, lastErr error) string {
	switch state {
	case app.Recording:
		return "🔴" // Red - recording
	case app.SwitchingDevice:
		return "🟡" // Yellow - restarting capture
	case app.Monitoring:
		return "🟢" // Green - monitoring
	}
	if lastErr != nil {
		return "⚪️" // White - error
	}
	return "⚫️" // Black - idle
}

// meterBar draws level (dBFS) as a bar of width cells over the meter range.
func meterBar(level float64, width int) string {
	frac := (level - meter.MinDB) / (meter.MaxDB - meter.MinDB)
	frac = min(max(frac, 0), 1)
	filled := int(frac*float64(width) + 0.5)
	return strings.Repeat("▮", filled) + strings.Repeat("▯", width-filled)
}

func deviceLabel(name string, isDefault bool) string {
	if isDefault {
		return name + " (default)"
	}
	return name
}

func modeTitle(mode string) string {
	if mode == config.ModePushToTalk {
		return "Mode: Push-to-Talk"
	}
	return "Mode: Toggle"
}

// openPath shows path in the platform file manager.
func openPath(path string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	return cmd.Start()
}
