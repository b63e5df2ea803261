package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/petems/recorder-tray/internal/audio"
	"github.com/petems/recorder-tray/internal/config"
	"github.com/petems/recorder-tray/internal/meter"
	"github.com/petems/recorder-tray/internal/recorder"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	builtinMic = audio.Device{ID: "Core Audio/Built-in Mic", Name: "Built-in Mic"}
	usbMic     = audio.Device{ID: "Core Audio/USB Mic", Name: "USB Mic"}

	mono48   = audio.Format{SampleRate: 48000, Channels: 1}
	stereo44 = audio.Format{SampleRate: 44100, Channels: 2}
)

// Mock implementations for testing

// fakeCapture is an in-memory Registry + Engine. feed plays the role of the
// hardware callback; it holds mu while delivering so Stop waits for an
// in-flight buffer like a real backend does.
type fakeCapture struct {
	mu              sync.Mutex
	devices         []audio.Device
	platformDefault string
	override        string
	formats         map[string]audio.Format
	startErr        map[string]error
	sink            func(audio.Buffer)

	// idleRescan freezes enumeration while a session is open, like PortAudio.
	idleRescan bool
	frozen     []audio.Device

	running bool
	session audio.Session
	nextID  uint64
	starts  []string
	open    int
	maxOpen int
}

func newFakeCapture(devices ...audio.Device) *fakeCapture {
	return &fakeCapture{
		devices:  devices,
		formats:  map[string]audio.Format{},
		startErr: map[string]error{},
		nextID:   100,
	}
}

func (f *fakeCapture) ListInputDevices() ([]audio.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idleRescan && f.running {
		return slices.Clone(f.frozen), nil
	}
	return slices.Clone(f.devices), nil
}

func (f *fakeCapture) RescanRequiresIdle() bool {
	return f.idleRescan
}

func (f *fakeCapture) CurrentDefaultInput() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.defaultLocked()
}

func (f *fakeCapture) defaultLocked() (string, bool) {
	if _, ok := audio.FindDevice(f.devices, f.override); ok {
		return f.override, true
	}
	if f.platformDefault != "" {
		return f.platformDefault, true
	}
	return "", false
}

func (f *fakeCapture) SetDefaultInput(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := audio.FindDevice(f.devices, id); !ok {
		return fmt.Errorf("%w: %q", audio.ErrDeviceSelectionFailed, id)
	}
	f.override = id
	return nil
}

func (f *fakeCapture) OnBuffer(sink func(audio.Buffer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
}

func (f *fakeCapture) Start(hint string) (audio.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts = append(f.starts, hint)
	if f.running {
		return audio.Session{}, audio.ErrEngineRunning
	}
	if len(f.devices) == 0 {
		return audio.Session{}, audio.ErrDeviceUnavailable
	}

	def, _ := f.defaultLocked()
	id := audio.ResolveSelection(f.devices, hint, def)
	if err := f.startErr[id]; err != nil {
		return audio.Session{}, err
	}

	dev, _ := audio.FindDevice(f.devices, id)
	format, ok := f.formats[id]
	if !ok {
		format = mono48
	}

	f.nextID++
	f.session = audio.Session{ID: f.nextID, DeviceID: id, DeviceName: dev.Name, Format: format}
	f.running = true
	f.frozen = slices.Clone(f.devices)
	f.open++
	f.maxOpen = max(f.maxOpen, f.open)
	return f.session, nil
}

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return nil
	}
	f.running = false
	f.open--
	return nil
}

// feed delivers one buffer on the running session.
func (f *fakeCapture) feed(samples ...int16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running || f.sink == nil {
		return false
	}
	f.deliverLocked(f.session, samples)
	return true
}

// feedSession delivers a buffer tagged with an arbitrary session, as a stale
// callback would.
func (f *fakeCapture) feedSession(s audio.Session, samples ...int16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sink != nil {
		f.deliverLocked(s, samples)
	}
}

func (f *fakeCapture) deliverLocked(s audio.Session, samples []int16) {
	f.sink(audio.Buffer{
		Session: s.ID,
		Samples: samples,
		Frames:  len(samples) / s.Format.Channels,
		Format:  s.Format,
	})
}

func (f *fakeCapture) setDevices(devices ...audio.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

func (f *fakeCapture) stats() (starts []string, open, maxOpen int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.starts), f.open, f.maxOpen
}

type recordingStatus struct {
	mu     sync.Mutex
	states []State
}

func (r *recordingStatus) StateChanged(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 || r.states[len(r.states)-1] != s.State {
		r.states = append(r.states, s.State)
	}
}

func (r *recordingStatus) seen() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states)
}

func newTestApp(t *testing.T, capture *fakeCapture, mutate ...func(*config.Config)) (*App, *config.Config) {
	t.Helper()

	cfg, err := config.LoadFrom(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	cfg.Recording.Dir = t.TempDir()
	for _, m := range mutate {
		m(cfg)
	}

	app := New(Config{
		Audio:  capture,
		Config: cfg,
		Logger: zerolog.Nop(),
	})
	t.Cleanup(func() {
		app.Shutdown(context.Background())
	})
	return app, cfg
}

func readSamples(t *testing.T, path string) []int {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	defer f.Close()

	pcm, err := wav.NewDecoder(f).FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return pcm.Data
}

func expectSamples(t *testing.T, path string, want ...int) {
	t.Helper()
	if got := readSamples(t, path); !slices.Equal(got, want) {
		t.Fatalf("recording %s: expected samples %v, got %v", path, want, got)
	}
}

func TestRefreshDevicesSelectsOnlyDevice(t *testing.T) {
	app, _ := newTestApp(t, newFakeCapture(builtinMic))

	if err := app.RefreshDevices(); err != nil {
		t.Fatalf("RefreshDevices: %v", err)
	}

	devices := app.Devices()
	if len(devices) != 1 || devices[0] != builtinMic {
		t.Fatalf("expected exactly the built-in mic, got %+v", devices)
	}
	if app.SelectedDeviceID() != builtinMic.ID {
		t.Fatalf("expected selection %q, got %q", builtinMic.ID, app.SelectedDeviceID())
	}
}

func TestActivateMonitorsSilence(t *testing.T) {
	capture := newFakeCapture(builtinMic)
	app, _ := newTestApp(t, capture)

	if err := app.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if app.State() != Monitoring {
		t.Fatalf("expected monitoring, got %s", app.State())
	}

	if !capture.feed(make([]int16, 256)...) {
		t.Fatal("buffer was not delivered")
	}
	if got := app.MeterLevel(); got != meter.MinDB {
		t.Fatalf("expected %v dBFS for silence, got %v", meter.MinDB, got)
	}

	capture.feed(16384, -16384, 16384, -16384)
	if got := app.MeterLevel(); got <= meter.MinDB || got > meter.MaxDB {
		t.Fatalf("expected level inside (%v, %v], got %v", meter.MinDB, meter.MaxDB, got)
	}
}

func TestActivateWithoutDevices(t *testing.T) {
	app, _ := newTestApp(t, newFakeCapture())

	err := app.Activate()
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if app.State() != Idle {
		t.Fatalf("expected idle, got %s", app.State())
	}
	if app.LastError() == nil {
		t.Fatal("expected the failure to be published")
	}
	if app.SelectedDeviceID() != "" {
		t.Fatalf("expected no selection, got %q", app.SelectedDeviceID())
	}
}

func TestRecordThreeBuffers(t *testing.T) {
	capture := newFakeCapture(builtinMic)
	app, _ := newTestApp(t, capture)

	if err := app.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := app.ToggleRecording(); err != nil {
		t.Fatalf("ToggleRecording (start): %v", err)
	}
	if !app.IsRecording() || app.State() != Recording {
		t.Fatalf("expected recording, got %s", app.State())
	}

	capture.feed(1, 2, 3)
	capture.feed(4, 5, 6)
	capture.feed(-7, -8, -9)

	if err := app.ToggleRecording(); err != nil {
		t.Fatalf("ToggleRecording (stop): %v", err)
	}
	if app.IsRecording() || app.State() != Monitoring {
		t.Fatalf("expected monitoring after stop, got %s", app.State())
	}

	last := app.LastFile()
	if last == "" {
		t.Fatal("expected LastFile to be set")
	}
	if _, err := os.Stat(last); err != nil {
		t.Fatalf("recording missing: %v", err)
	}
	expectSamples(t, last, 1, 2, 3, 4, 5, 6, -7, -8, -9)
}

func TestRecordWithoutBuffers(t *testing.T) {
	app, _ := newTestApp(t, newFakeCapture(builtinMic))

	if err := app.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := app.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	info, err := os.Stat(app.LastFile())
	if err != nil {
		t.Fatalf("recording missing: %v", err)
	}
	if info.Size() < 44 {
		t.Fatalf("expected a complete WAV header, got %d bytes", info.Size())
	}
}

func TestToggleFromIdleStartsMonitoring(t *testing.T) {
	capture := newFakeCapture(builtinMic)
	app, _ := newTestApp(t, capture)

	if err := app.ToggleRecording(); err != nil {
		t.Fatalf("ToggleRecording: %v", err)
	}
	if app.State() != Recording {
		t.Fatalf("expected recording, got %s", app.State())
	}
	if starts, _, _ := capture.stats(); len(starts) != 1 {
		t.Fatalf("expected one engine start, got %v", starts)
	}
}

func TestSelectDeviceWhileRecording(t *testing.T) {
	capture := newFakeCapture(builtinMic, usbMic)
	capture.formats[usbMic.ID] = stereo44
	app, cfg := newTestApp(t, capture, func(c *config.Config) {
		c.Audio.DeviceID = builtinMic.ID
	})

	if err := app.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	capture.feed(1, 2, 3)
	old := app.Snapshot().Session

	if err := app.SelectDevice(usbMic.ID); err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}

	// The recording is finished, not resumed.
	if app.State() != Monitoring || app.IsRecording() {
		t.Fatalf("expected monitoring after switch, got %s", app.State())
	}
	last := app.LastFile()
	if last == "" {
		t.Fatal("expected the interrupted recording to be published")
	}
	expectSamples(t, last, 1, 2, 3)

	snap := app.Snapshot()
	if snap.Session.DeviceID != usbMic.ID || snap.Session.Format != stereo44 {
		t.Fatalf("expected new session on usb mic at %v, got %+v", stereo44, snap.Session)
	}
	if snap.SelectedDeviceID != usbMic.ID {
		t.Fatalf("expected selection %q, got %q", usbMic.ID, snap.SelectedDeviceID)
	}
	if cfg.Audio.DeviceID != usbMic.ID {
		t.Fatalf("expected selection to be persisted, got %q", cfg.Audio.DeviceID)
	}

	// A late buffer from the old session is ignored.
	capture.feedSession(old, 32767, 32767, 32767)
	if got := app.MeterLevel(); got != meter.MinDB {
		t.Fatalf("stale buffer reached the meter: %v", got)
	}

	if _, open, maxOpen := capture.stats(); open != 1 || maxOpen != 1 {
		t.Fatalf("expected exactly one session open at a time, got open=%d max=%d", open, maxOpen)
	}
}

func TestSelectUnknownDevice(t *testing.T) {
	capture := newFakeCapture(builtinMic)
	app, _ := newTestApp(t, capture)

	if err := app.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	err := app.SelectDevice("Core Audio/Ghost")
	if !errors.Is(err, audio.ErrDeviceSelectionFailed) {
		t.Fatalf("expected ErrDeviceSelectionFailed, got %v", err)
	}
	if app.SelectedDeviceID() != builtinMic.ID {
		t.Fatalf("selection changed to %q", app.SelectedDeviceID())
	}
	if app.State() != Monitoring {
		t.Fatalf("expected monitoring to continue, got %s", app.State())
	}
	if starts, _, _ := capture.stats(); len(starts) != 1 {
		t.Fatalf("expected no engine restart, got starts %v", starts)
	}
}

func TestSelectDeviceRestartFailure(t *testing.T) {
	capture := newFakeCapture(builtinMic, usbMic)
	capture.startErr[usbMic.ID] = errors.New("device busy")
	app, _ := newTestApp(t, capture, func(c *config.Config) {
		c.Audio.DeviceID = builtinMic.ID
	})

	if err := app.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	err := app.SelectDevice(usbMic.ID)
	if !errors.Is(err, audio.ErrEngineRestartFailed) {
		t.Fatalf("expected ErrEngineRestartFailed, got %v", err)
	}
	if app.State() != Idle {
		t.Fatalf("expected idle after failed restart, got %s", app.State())
	}
	if !errors.Is(app.LastError(), audio.ErrEngineRestartFailed) {
		t.Fatalf("expected published restart error, got %v", app.LastError())
	}
	if _, open, _ := capture.stats(); open != 0 {
		t.Fatalf("expected no open session, got %d", open)
	}
}

func TestSelectDeviceWhileIdle(t *testing.T) {
	capture := newFakeCapture(builtinMic, usbMic)
	app, _ := newTestApp(t, capture)

	if err := app.SelectDevice(usbMic.ID); err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}
	if starts, _, _ := capture.stats(); len(starts) != 0 {
		t.Fatalf("selecting while idle must not start capture, got %v", starts)
	}

	if err := app.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got := app.Snapshot().Session.DeviceID; got != usbMic.ID {
		t.Fatalf("expected capture on %q, got %q", usbMic.ID, got)
	}
}

func TestSelectionFallsBackWhenDeviceUnplugged(t *testing.T) {
	capture := newFakeCapture(builtinMic, usbMic)
	capture.platformDefault = builtinMic.ID
	app, _ := newTestApp(t, capture, func(c *config.Config) {
		c.Audio.DeviceID = usbMic.ID
	})

	if err := app.RefreshDevices(); err != nil {
		t.Fatalf("RefreshDevices: %v", err)
	}
	if app.SelectedDeviceID() != usbMic.ID {
		t.Fatalf("expected configured device, got %q", app.SelectedDeviceID())
	}

	capture.setDevices(builtinMic)
	if err := app.RefreshDevices(); err != nil {
		t.Fatalf("RefreshDevices: %v", err)
	}
	if app.SelectedDeviceID() != builtinMic.ID {
		t.Fatalf("expected fallback to platform default, got %q", app.SelectedDeviceID())
	}

	capture.setDevices()
	if err := app.RefreshDevices(); err != nil {
		t.Fatalf("RefreshDevices: %v", err)
	}
	if app.SelectedDeviceID() != "" {
		t.Fatalf("expected no selection without devices, got %q", app.SelectedDeviceID())
	}
}

func TestStartRecordingUnwritableDir(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	app, _ := newTestApp(t, newFakeCapture(builtinMic), func(c *config.Config) {
		c.Recording.Dir = filepath.Join(blocker, "recordings")
	})

	if err := app.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	err := app.StartRecording()
	if !errors.Is(err, recorder.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	if app.State() != Monitoring || app.IsRecording() {
		t.Fatalf("expected monitoring to continue, got %s", app.State())
	}
}

func TestConcurrentCommandsNeverOverlap(t *testing.T) {
	capture := newFakeCapture(builtinMic, usbMic)
	capture.formats[usbMic.ID] = stereo44
	app, cfg := newTestApp(t, capture)

	stop := make(chan struct{})
	feeder := make(chan struct{})
	go func() {
		defer close(feeder)
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
				capture.feed(100, -100, 200, -200)
			}
		}
	}()

	var g errgroup.Group
	for i := range 20 {
		g.Go(func() error {
			if i%2 == 0 {
				return app.ToggleRecording()
			}
			id := builtinMic.ID
			if i%4 == 1 {
				id = usbMic.ID
			}
			return app.SelectDevice(id)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("command failed: %v", err)
	}

	close(stop)
	<-feeder

	if err := app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if app.State() != Idle {
		t.Fatalf("expected idle after shutdown, got %s", app.State())
	}
	if _, open, maxOpen := capture.stats(); open != 0 || maxOpen != 1 {
		t.Fatalf("expected at most one session at a time, got open=%d max=%d", open, maxOpen)
	}

	// Every recording was finished and is decodable.
	files, err := filepath.Glob(filepath.Join(cfg.Recording.Dir, "*.wav"))
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			t.Fatal(err)
		}
		if info.Size() > 44 {
			readSamples(t, f)
		}
	}
}

func TestToggleModeKeyPress(t *testing.T) {
	app, _ := newTestApp(t, newFakeCapture(builtinMic), func(c *config.Config) {
		c.Mode = config.ModeToggle
	})

	// Initially not recording
	if app.IsRecording() {
		t.Error("App should not be recording initially")
	}

	// First key press - should start recording
	app.OnHotkey(true)
	if !app.IsRecording() {
		t.Error("App should be recording after first key press")
	}

	// Key release - should NOT stop recording in Toggle mode
	app.OnHotkey(false)
	app.OnHotkey(false)
	if !app.IsRecording() {
		t.Error("App should still be recording after key release in Toggle mode")
	}

	// Second key press - should stop recording
	app.OnHotkey(true)
	if app.IsRecording() {
		t.Error("App should have stopped recording after second key press")
	}
	if app.LastFile() == "" {
		t.Error("expected a finished recording")
	}
}

func TestPushToTalkModeKeyPress(t *testing.T) {
	app, _ := newTestApp(t, newFakeCapture(builtinMic), func(c *config.Config) {
		c.Mode = config.ModePushToTalk
	})

	// Key release when not recording - should do nothing
	app.OnHotkey(false)
	if app.IsRecording() {
		t.Error("App should not start recording on key release")
	}

	app.OnHotkey(true)
	if !app.IsRecording() {
		t.Error("App should be recording while the key is held")
	}

	app.OnHotkey(false)
	if app.IsRecording() {
		t.Error("App should have stopped recording after key release")
	}
	if app.State() != Monitoring {
		t.Errorf("expected monitoring, got %s", app.State())
	}
}

func TestShutdownFinishesRecording(t *testing.T) {
	capture := newFakeCapture(builtinMic)
	app, _ := newTestApp(t, capture)

	if err := app.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	capture.feed(9, 8, 7)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if app.State() != Idle {
		t.Fatalf("expected idle, got %s", app.State())
	}
	expectSamples(t, app.LastFile(), 9, 8, 7)

	if err := app.Activate(); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown after shutdown, got %v", err)
	}
	if _, open, _ := capture.stats(); open != 0 {
		t.Fatalf("expected capture stopped, got %d open", open)
	}
	if capture.feed(1, 2, 3) {
		t.Fatal("buffer delivered after shutdown")
	}
}

func TestStatusUpdaterSeesTransitions(t *testing.T) {
	status := &recordingStatus{}
	cfg, err := config.LoadFrom(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Recording.Dir = t.TempDir()

	app := New(Config{
		Audio:         newFakeCapture(builtinMic),
		Config:        cfg,
		Logger:        zerolog.Nop(),
		StatusUpdater: status,
	})
	defer app.Shutdown(context.Background())

	if err := app.Activate(); err != nil {
		t.Fatal(err)
	}
	if err := app.ToggleRecording(); err != nil {
		t.Fatal(err)
	}
	if err := app.ToggleRecording(); err != nil {
		t.Fatal(err)
	}

	want := []State{Monitoring, Recording, Monitoring}
	if got := status.seen(); !slices.Equal(got, want) {
		t.Fatalf("expected transitions %v, got %v", want, got)
	}
}

func TestSetMode(t *testing.T) {
	app, cfg := newTestApp(t, newFakeCapture(builtinMic))

	if err := app.SetMode(config.ModePushToTalk); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if cfg.Mode != config.ModePushToTalk {
		t.Fatalf("expected mode %s, got %s", config.ModePushToTalk, cfg.Mode)
	}
	if err := app.SetMode("Hold"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

type mockInjector struct {
	copied chan string
}

func (m *mockInjector) Copy(text string) error {
	m.copied <- text
	return nil
}

func (m *mockInjector) Paste(ctx context.Context, text string) error {
	return m.Copy(text)
}

func TestFinishedRecordingPathIsCopied(t *testing.T) {
	cfg, err := config.LoadFrom(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Recording.Dir = t.TempDir()

	inj := &mockInjector{copied: make(chan string, 4)}
	app := New(Config{
		Audio:    newFakeCapture(builtinMic),
		Injector: inj,
		Config:   cfg,
		Logger:   zerolog.Nop(),
	})
	defer app.Shutdown(context.Background())

	if err := app.ToggleRecording(); err != nil {
		t.Fatal(err)
	}
	if err := app.ToggleRecording(); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-inj.copied:
		if got != app.LastFile() {
			t.Fatalf("expected %q on the clipboard, got %q", app.LastFile(), got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recording path was not copied")
	}

	if err := app.SetCopyOnFinish(false); err != nil {
		t.Fatalf("SetCopyOnFinish: %v", err)
	}
	if err := app.ToggleRecording(); err != nil {
		t.Fatal(err)
	}
	if err := app.ToggleRecording(); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-inj.copied:
		t.Fatalf("expected no copy after disabling, got %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRefreshRescansIdleOnlyBackendWhileMonitoring(t *testing.T) {
	capture := newFakeCapture(builtinMic)
	capture.idleRescan = true
	app, _ := newTestApp(t, capture)

	if err := app.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// Plugged in after capture started.
	capture.setDevices(builtinMic, usbMic)
	if err := app.RefreshDevices(); err != nil {
		t.Fatalf("RefreshDevices: %v", err)
	}
	if devices := app.Devices(); len(devices) != 2 {
		t.Fatalf("expected the new device to be listed, got %+v", devices)
	}
	if app.State() != Monitoring || app.Snapshot().Session.DeviceID != builtinMic.ID {
		t.Fatalf("expected monitoring to resume on %q, got %s on %q",
			builtinMic.ID, app.State(), app.Snapshot().Session.DeviceID)
	}

	if err := app.SelectDevice(usbMic.ID); err != nil {
		t.Fatalf("SelectDevice on hot-plugged device: %v", err)
	}
	if got := app.Snapshot().Session.DeviceID; got != usbMic.ID {
		t.Fatalf("expected capture on %q, got %q", usbMic.ID, got)
	}

	if _, open, maxOpen := capture.stats(); open != 1 || maxOpen != 1 {
		t.Fatalf("expected one session at a time, got open=%d max=%d", open, maxOpen)
	}
}

func TestSelectUnpluggedDeviceOnIdleOnlyBackend(t *testing.T) {
	capture := newFakeCapture(builtinMic, usbMic)
	capture.idleRescan = true
	app, _ := newTestApp(t, capture, func(c *config.Config) {
		c.Audio.DeviceID = builtinMic.ID
	})

	if err := app.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	capture.setDevices(builtinMic)
	err := app.SelectDevice(usbMic.ID)
	if !errors.Is(err, audio.ErrDeviceSelectionFailed) {
		t.Fatalf("expected ErrDeviceSelectionFailed, got %v", err)
	}
	if app.State() != Monitoring || app.SelectedDeviceID() != builtinMic.ID {
		t.Fatalf("expected monitoring on %q, got %s on %q", builtinMic.ID, app.State(), app.SelectedDeviceID())
	}
}

// A rescan never interrupts a recording; the list refreshes once it ends.
func TestRefreshKeepsRecordingOnIdleOnlyBackend(t *testing.T) {
	capture := newFakeCapture(builtinMic)
	capture.idleRescan = true
	app, _ := newTestApp(t, capture)

	if err := app.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	capture.feed(1, 2, 3)

	capture.setDevices(builtinMic, usbMic)
	if err := app.RefreshDevices(); err != nil {
		t.Fatalf("RefreshDevices: %v", err)
	}
	if !app.IsRecording() || len(app.Devices()) != 1 {
		t.Fatalf("expected recording to continue on the old list, got %s with %+v", app.State(), app.Devices())
	}
	capture.feed(4, 5, 6)

	if err := app.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	expectSamples(t, app.LastFile(), 1, 2, 3, 4, 5, 6)

	if err := app.RefreshDevices(); err != nil {
		t.Fatalf("RefreshDevices: %v", err)
	}
	if len(app.Devices()) != 2 {
		t.Fatalf("expected the new device after recording, got %+v", app.Devices())
	}
}

func TestOverrunReturnsToMonitoring(t *testing.T) {
	capture := newFakeCapture(builtinMic)
	app, _ := newTestApp(t, capture, func(c *config.Config) {
		c.Recording.QueueDepth = 1
	})

	if err := app.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	big := make([]int16, 1<<16)
	for i := 0; i < 10000 && app.IsRecording(); i++ {
		capture.feed(big...)
	}

	deadline := time.Now().Add(5 * time.Second)
	for app.IsRecording() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if app.State() != Monitoring {
		t.Fatalf("expected monitoring after overrun, got %s", app.State())
	}
	if !errors.Is(app.LastError(), recorder.ErrOverrun) {
		t.Fatalf("expected ErrOverrun, got %v", app.LastError())
	}
	if app.LastFile() != "" {
		t.Fatalf("failed recording must not be published, got %q", app.LastFile())
	}
}
