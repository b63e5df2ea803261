package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/petems/recorder-tray/internal/audio"
	"github.com/petems/recorder-tray/internal/config"
	"github.com/petems/recorder-tray/internal/inject"
	"github.com/petems/recorder-tray/internal/meter"
	"github.com/petems/recorder-tray/internal/recorder"
	"github.com/rs/zerolog"
)

// ErrShutdown is returned for commands issued after Shutdown.
var ErrShutdown = errors.New("capture controller shut down")

type State int

const (
	Idle State = iota
	Monitoring
	Recording
	SwitchingDevice
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Monitoring:
		return "monitoring"
	case Recording:
		return "recording"
	case SwitchingDevice:
		return "switching"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Snapshot is the published state of the controller.
type Snapshot struct {
	State            State
	Devices          []audio.Device
	SelectedDeviceID string
	IsRecording      bool
	MeterLevel       float64
	PeakLevel        float64
	LastFile         string
	LastError        error
	Session          audio.Session
}

// StatusUpdater is an interface for observing state changes (e.g., tray
// icon). StateChanged runs on the control goroutine and must not issue
// commands back into the App.
type StatusUpdater interface {
	StateChanged(s Snapshot)
}

// Capture is the audio backend the controller drives.
type Capture interface {
	audio.Registry
	audio.Engine
}

type Config struct {
	Audio         Capture
	Recorder      *recorder.Recorder
	Meter         *meter.Meter
	Injector      inject.Injector // Optional - can be nil
	Config        *config.Config
	Logger        zerolog.Logger
	StatusUpdater StatusUpdater // Optional - can be nil
}

type command struct {
	name string
	run  func() error
	done chan error
	last bool
}

// App is the capture controller. Every command runs on a single control
// goroutine in arrival order; the capture callback only touches atomics.
type App struct {
	audio  Capture
	rec    *recorder.Recorder
	meter  *meter.Meter
	inj    inject.Injector
	cfg    *config.Config
	log    zerolog.Logger
	status StatusUpdater

	cmds    chan command
	stopped chan struct{}

	// Owned by the control goroutine.
	state    State
	session  audio.Session
	handle   *recorder.Handle
	devices  []audio.Device
	selected string
	lastFile string
	lastErr  error

	// Read by the capture callback.
	activeSession atomic.Uint64
	activeHandle  atomic.Pointer[recorder.Handle]

	snap atomic.Pointer[Snapshot]
}

func New(cfg Config) *App {
	m := cfg.Meter
	if m == nil {
		m = meter.New(cfg.Config.Meter.Attack, cfg.Config.Meter.Release)
	}
	rec := cfg.Recorder
	if rec == nil {
		rec = recorder.New(cfg.Config.Recording.QueueDepth, cfg.Logger)
	}

	a := &App{
		audio:    cfg.Audio,
		rec:      rec,
		meter:    m,
		inj:      cfg.Injector,
		cfg:      cfg.Config,
		log:      cfg.Logger,
		status:   cfg.StatusUpdater,
		cmds:     make(chan command),
		stopped:  make(chan struct{}),
		selected: cfg.Config.Audio.DeviceID,
	}
	a.snap.Store(&Snapshot{SelectedDeviceID: a.selected, MeterLevel: meter.MinDB, PeakLevel: meter.MinDB})

	a.audio.OnBuffer(a.onBuffer)
	go a.loop()

	return a
}

// onBuffer runs on the capture callback thread.
func (a *App) onBuffer(buf audio.Buffer) {
	if buf.Session != a.activeSession.Load() {
		return
	}
	a.meter.Update(buf.Samples)
	if h := a.activeHandle.Load(); h != nil {
		// Failures are reported through h.Failed().
		_ = h.Append(buf)
	}
}

func (a *App) loop() {
	defer close(a.stopped)

	for {
		var failed <-chan struct{}
		if a.handle != nil {
			failed = a.handle.Failed()
		}

		select {
		case cmd := <-a.cmds:
			err := cmd.run()
			if err != nil {
				a.log.Debug().Err(err).Str("command", cmd.name).Msg("Command failed")
			}
			cmd.done <- err
			if cmd.last {
				return
			}
		case <-failed:
			a.log.Error().Err(a.handle.Err()).Msg("Recording failed, returning to monitoring")
			_ = a.finishRecording()
		}
	}
}

// exec queues fn on the control goroutine and waits for its result.
func (a *App) exec(name string, fn func() error) error {
	cmd := command{name: name, run: fn, done: make(chan error, 1)}
	select {
	case a.cmds <- cmd:
	case <-a.stopped:
		return ErrShutdown
	}
	return <-cmd.done
}

// Commands

// Activate starts monitoring the selected input device.
func (a *App) Activate() error {
	return a.exec("activate", a.activate)
}

func (a *App) ToggleRecording() error {
	return a.exec("toggle", a.toggleRecording)
}

func (a *App) StartRecording() error {
	return a.exec("start-recording", a.startRecording)
}

func (a *App) StopRecording() error {
	return a.exec("stop-recording", a.finishRecording)
}

// SelectDevice switches capture to the device with the given id. A running
// recording is finished first and is not resumed.
func (a *App) SelectDevice(id string) error {
	return a.exec("select-device", func() error {
		return a.selectDevice(id)
	})
}

func (a *App) RefreshDevices() error {
	return a.exec("refresh", func() error {
		err := a.refresh()
		a.publish()
		return err
	})
}

// OnHotkey starts and stops recording according to the configured mode.
func (a *App) OnHotkey(pressed bool) {
	err := a.exec("hotkey", func() error {
		switch a.cfg.Mode {
		case config.ModePushToTalk:
			if pressed {
				return a.startRecording()
			}
			return a.finishRecording()
		default:
			if !pressed {
				return nil
			}
			return a.toggleRecording()
		}
	})
	if err != nil {
		a.log.Error().Err(err).Bool("pressed", pressed).Msg("Hotkey action failed")
	}
}

func (a *App) SetMode(mode string) error {
	return a.exec("set-mode", func() error {
		switch mode {
		case config.ModePushToTalk, config.ModeToggle:
		default:
			return fmt.Errorf("unknown mode %q", mode)
		}
		a.cfg.Mode = mode
		return a.cfg.Save()
	})
}

// SetCopyOnFinish controls whether each finished recording's path is put on
// the clipboard.
func (a *App) SetCopyOnFinish(enabled bool) error {
	return a.exec("set-copy-on-finish", func() error {
		a.cfg.Inject.CopyOnFinish = enabled
		return a.cfg.Save()
	})
}

// Shutdown finishes any recording, stops capture and ends the control
// goroutine. Later commands return ErrShutdown.
func (a *App) Shutdown(ctx context.Context) error {
	cmd := command{name: "shutdown", run: a.shutdown, done: make(chan error, 1), last: true}
	select {
	case a.cmds <- cmd:
	case <-a.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Control goroutine operations

func (a *App) activate() error {
	if a.state != Idle {
		return nil
	}

	if err := a.refresh(); err != nil {
		a.lastErr = err
		a.publish()
		return err
	}

	if err := a.startSession(a.selected); err != nil {
		a.lastErr = err
		a.publish()
		return fmt.Errorf("failed to start capture: %w", err)
	}

	a.lastErr = nil
	a.publish()
	return nil
}

// startSession opens a capture session and makes it the one the callback
// accepts buffers from.
func (a *App) startSession(hint string) error {
	a.meter.Reset()

	s, err := a.audio.Start(hint)
	if err != nil {
		a.state = Idle
		a.session = audio.Session{}
		return err
	}

	a.session = s
	a.selected = s.DeviceID
	a.state = Monitoring
	a.activeSession.Store(s.ID)

	a.log.Info().
		Str("device", s.DeviceID).
		Uint64("session", s.ID).
		Stringer("format", s.Format).
		Msg("Monitoring")
	return nil
}

// stopSession tears down the capture session. The engine's Stop waits for
// the in-flight callback, so nothing is delivered after it returns.
func (a *App) stopSession() error {
	a.activeSession.Store(0)
	err := a.audio.Stop()
	a.session = audio.Session{}
	return err
}

func (a *App) toggleRecording() error {
	if a.state == Recording {
		return a.finishRecording()
	}
	return a.startRecording()
}

func (a *App) startRecording() error {
	switch a.state {
	case Recording:
		return nil
	case Idle:
		if err := a.activate(); err != nil {
			return err
		}
	}

	path := recorder.NewPath(a.cfg.RecordingDir())
	h, err := a.rec.Begin(path, a.session.Format)
	if err != nil {
		a.lastErr = err
		a.publish()
		return err
	}

	a.handle = h
	a.activeHandle.Store(h)
	a.state = Recording
	a.lastErr = nil
	a.publish()
	return nil
}

// finishRecording closes the open recording, if any, and returns to
// monitoring.
func (a *App) finishRecording() error {
	if a.handle == nil {
		return nil
	}

	h := a.handle
	a.activeHandle.Store(nil)
	a.handle = nil
	if a.state == Recording {
		a.state = Monitoring
	}

	path, err := h.Finish()
	if err != nil {
		a.lastErr = err
		a.log.Error().Err(err).Str("file", path).Msg("Recording failed")
	} else {
		a.lastFile = path
		a.lastErr = nil
		a.deliver(path)
	}

	a.publish()
	return err
}

func (a *App) selectDevice(id string) error {
	if err := a.refresh(); err != nil {
		err = fmt.Errorf("%w: %w", audio.ErrDeviceSelectionFailed, err)
		a.lastErr = err
		a.publish()
		return err
	}

	if _, ok := audio.FindDevice(a.devices, id); !ok {
		err := fmt.Errorf("%w: %q is not an available input device", audio.ErrDeviceSelectionFailed, id)
		a.lastErr = err
		a.publish()
		return err
	}

	if err := a.audio.SetDefaultInput(id); err != nil {
		a.lastErr = err
		a.publish()
		return err
	}

	a.selected = id
	a.cfg.Audio.DeviceID = id
	if err := a.cfg.Save(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to save device selection")
	}
	a.log.Info().Str("device", id).Msg("Changed audio device")

	if a.state == Idle || a.session.DeviceID == id {
		a.publish()
		return nil
	}

	// The recording belongs to the old session and must be closed first.
	recErr := a.finishRecording()

	a.state = SwitchingDevice
	a.publish()

	if err := a.stopSession(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to stop capture cleanly")
	}

	if err := a.startSession(id); err != nil {
		err = fmt.Errorf("%w: %w", audio.ErrEngineRestartFailed, err)
		a.lastErr = err
		a.publish()
		return err
	}

	if recErr == nil {
		a.lastErr = nil
	}
	a.publish()
	return recErr
}

// refresh re-enumerates devices and re-validates the selection against
// them. Backends that cannot rescan with a stream open are briefly stopped
// while monitoring; a recording is never interrupted for a rescan.
func (a *App) refresh() error {
	if a.state == Monitoring && a.rescanRequiresIdle() {
		return a.rescanIdle()
	}
	return a.enumerate()
}

func (a *App) rescanRequiresIdle() bool {
	r, ok := a.audio.(audio.IdleRescanner)
	return ok && r.RescanRequiresIdle()
}

// rescanIdle stops monitoring, enumerates and restarts on the (re-resolved)
// selection.
func (a *App) rescanIdle() error {
	if err := a.stopSession(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to stop capture for rescan")
	}
	a.state = Idle

	listErr := a.enumerate()

	if err := a.startSession(a.selected); err != nil {
		err = fmt.Errorf("%w: %w", audio.ErrEngineRestartFailed, err)
		a.lastErr = err
		return errors.Join(listErr, err)
	}
	return listErr
}

func (a *App) enumerate() error {
	devices, err := a.audio.ListInputDevices()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	def, _ := a.audio.CurrentDefaultInput()
	prev := a.selected
	a.devices = devices
	a.selected = audio.ResolveSelection(devices, a.selected, def)

	if prev != "" && prev != a.selected {
		a.log.Warn().Str("from", prev).Str("to", a.selected).Msg("Selected device unavailable, falling back")
	}
	return nil
}

func (a *App) shutdown() error {
	var errs []error
	if err := a.finishRecording(); err != nil {
		errs = append(errs, err)
	}
	if a.state != Idle {
		if err := a.stopSession(); err != nil {
			errs = append(errs, err)
		}
		a.state = Idle
	}
	a.audio.OnBuffer(nil)
	a.meter.Reset()
	a.publish()

	a.log.Info().Msg("Capture controller stopped")
	return errors.Join(errs...)
}

// deliver hands a finished recording's path to the notes front-end through
// the clipboard.
func (a *App) deliver(path string) {
	if a.inj == nil || (!a.cfg.Inject.CopyOnFinish && !a.cfg.Inject.PasteOnFinish) {
		return
	}

	paste := a.cfg.Inject.PasteOnFinish
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var err error
		if paste {
			err = a.inj.Paste(ctx, path)
		} else {
			err = a.inj.Copy(path)
		}
		if err != nil {
			a.log.Error().Err(err).Str("file", path).Msg("Inject error")
		}
	}()
}

func (a *App) publish() {
	s := &Snapshot{
		State:            a.state,
		Devices:          slices.Clone(a.devices),
		SelectedDeviceID: a.selected,
		IsRecording:      a.state == Recording,
		LastFile:         a.lastFile,
		LastError:        a.lastErr,
		Session:          a.session,
	}
	a.snap.Store(s)

	if a.status != nil {
		a.status.StateChanged(a.Snapshot())
	}
}

// Accessors

// Snapshot returns the current published state with live meter readings.
func (a *App) Snapshot() Snapshot {
	s := *a.snap.Load()
	s.Devices = slices.Clone(s.Devices)
	s.MeterLevel = a.meter.Level()
	s.PeakLevel = a.meter.Peak()
	return s
}

func (a *App) State() State {
	return a.snap.Load().State
}

func (a *App) IsRecording() bool {
	return a.snap.Load().IsRecording
}

func (a *App) MeterLevel() float64 {
	return a.meter.Level()
}

func (a *App) Devices() []audio.Device {
	return slices.Clone(a.snap.Load().Devices)
}

func (a *App) SelectedDeviceID() string {
	return a.snap.Load().SelectedDeviceID
}

func (a *App) LastFile() string {
	return a.snap.Load().LastFile
}

func (a *App) LastError() error {
	return a.snap.Load().LastError
}
