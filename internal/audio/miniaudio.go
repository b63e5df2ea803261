package audio

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// miniaudioCapture is a Backend which offloads the work to the malgo
// library.
type miniaudioCapture struct {
	log      zerolog.Logger
	want     Format
	periodMS uint32

	mu       sync.Mutex
	ctx      *malgo.AllocatedContext
	device   *malgo.Device
	session  Session
	override defaultOverride

	running atomic.Bool
	sinks   sinkHolder
	scratch []int16
}

func newMiniaudio(want Format, framesPerBuffer int, log zerolog.Logger) (*miniaudioCapture, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize miniaudio: %w", err)
	}

	var periodMS uint32
	if framesPerBuffer > 0 && want.SampleRate > 0 {
		periodMS = uint32(max(1, framesPerBuffer*1000/want.SampleRate))
	}

	return &miniaudioCapture{
		log:      log.With().Str("backend", "miniaudio").Logger(),
		want:     want,
		periodMS: periodMS,
		ctx:      ctx,
	}, nil
}

func (m *miniaudioCapture) Name() string {
	return "miniaudio"
}

// encodeMalgoID renders a native device id as a stable printable string.
func encodeMalgoID(id malgo.DeviceID) string {
	return hex.EncodeToString(bytes.TrimRight(id[:], "\x00"))
}

// decodeMalgoID converts a string id back to a malgo device id.
func decodeMalgoID(s string) (malgo.DeviceID, error) {
	var res malgo.DeviceID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return res, err
	}
	if len(raw) > len(res) {
		return res, fmt.Errorf("device id too long (%d bytes)", len(raw))
	}
	copy(res[:], raw)
	return res, nil
}

// enumerateLocked queries miniaudio afresh; it re-enumerates on every call.
func (m *miniaudioCapture) enumerateLocked() ([]Device, string, error) {
	infos, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list devices: %w", err)
	}

	var platformDefault string
	devices := make([]Device, 0, len(infos))
	seen := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		// Avoid duplicate device IDs.
		id := encodeMalgoID(info.ID)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		if info.IsDefault == 1 && platformDefault == "" {
			platformDefault = id
		}
		devices = append(devices, Device{ID: id, Name: info.Name()})
	}

	return devices, platformDefault, nil
}

func (m *miniaudioCapture) ListInputDevices() ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices, platformDefault, err := m.enumerateLocked()
	if err != nil {
		return nil, err
	}
	if def, ok := m.override.resolve(devices, platformDefault); ok {
		markDefault(devices, def)
	}
	return devices, nil
}

func (m *miniaudioCapture) CurrentDefaultInput() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices, platformDefault, err := m.enumerateLocked()
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to read default input device")
		return "", false
	}
	return m.override.resolve(devices, platformDefault)
}

func (m *miniaudioCapture) SetDefaultInput(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices, _, err := m.enumerateLocked()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceSelectionFailed, err)
	}
	if err := m.override.set(devices, id); err != nil {
		return err
	}
	m.log.Info().Str("device", id).Msg("Default input device set")
	return nil
}

func (m *miniaudioCapture) OnBuffer(sink func(Buffer)) {
	m.sinks.set(sink)
}

func (m *miniaudioCapture) Start(hint string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		return Session{}, ErrEngineRunning
	}

	devices, platformDefault, err := m.enumerateLocked()
	if err != nil {
		return Session{}, err
	}
	if len(devices) == 0 {
		return Session{}, ErrDeviceUnavailable
	}

	def, _ := m.override.resolve(devices, platformDefault)
	id := ResolveSelection(devices, hint, def)
	if hint != "" && id != hint {
		m.log.Warn().Str("requested", hint).Str("device", id).Msg("Requested device not found, using fallback")
	}
	dev, _ := FindDevice(devices, id)

	malgoID, err := decodeMalgoID(id)
	if err != nil {
		return Session{}, fmt.Errorf("invalid device id %q: %w", id, err)
	}

	want := negotiateFormat(m.want, 0, 0)
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.DeviceID = malgoID.Pointer()
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(want.Channels)
	deviceConfig.SampleRate = uint32(want.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = m.periodMS
	deviceConfig.Alsa.NoMMap = 1

	sessionID := nextSessionID()
	var format Format
	device, err := malgo.InitDevice(m.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, in []byte, frameCount uint32) {
			m.tap(sessionID, format, in, frameCount)
		},
	})
	if err != nil {
		return Session{}, fmt.Errorf("failed to open audio device %s: %w", id, err)
	}

	// miniaudio converts to the requested format; read back what it settled on.
	format = Format{
		SampleRate: int(device.SampleRate()),
		Channels:   int(device.CaptureChannels()),
	}
	if format.Channels < 1 {
		format.Channels = want.Channels
	}
	m.scratch = make([]int16, 0, 4096*format.Channels)

	m.running.Store(true)
	if err := device.Start(); err != nil {
		m.running.Store(false)
		device.Uninit()
		return Session{}, fmt.Errorf("failed to start audio device %s: %w", id, err)
	}

	m.device = device
	m.session = Session{
		ID:         sessionID,
		DeviceID:   id,
		DeviceName: dev.Name,
		Format:     format,
	}

	m.log.Info().
		Str("device", id).
		Str("name", dev.Name).
		Uint64("session", sessionID).
		Stringer("format", format).
		Msg("Capture started")

	return m.session, nil
}

// tap runs on the miniaudio device thread.
func (m *miniaudioCapture) tap(sessionID uint64, format Format, in []byte, frameCount uint32) {
	if !m.running.Load() {
		return
	}
	m.scratch = bytesToLES16Slice(in, m.scratch[:0])
	m.sinks.deliver(Buffer{
		Session: sessionID,
		Samples: m.scratch,
		Frames:  int(frameCount),
		Format:  format,
	})
}

// Stop halts the device. ma_device_stop waits for the data callback to
// return before the device is reported stopped.
func (m *miniaudioCapture) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == nil {
		return nil
	}

	m.running.Store(false)
	err := m.device.Stop()
	m.device.Uninit()
	m.device = nil

	m.log.Info().Uint64("session", m.session.ID).Msg("Capture stopped")
	m.session = Session{}

	if err != nil {
		return fmt.Errorf("failed to stop audio device: %w", err)
	}
	return nil
}

func (m *miniaudioCapture) Close() error {
	err := m.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		if uerr := m.ctx.Uninit(); uerr != nil && err == nil {
			err = uerr
		}
		m.ctx.Free()
		m.ctx = nil
	}
	return err
}
