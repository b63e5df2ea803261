package audio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

type portAudioCapture struct {
	log    zerolog.Logger
	want   Format
	frames int

	mu       sync.Mutex
	stream   *portaudio.Stream
	session  Session
	override defaultOverride

	running atomic.Bool
	sinks   sinkHolder
}

// newPortAudio creates a new PortAudio-based capture backend
func newPortAudio(want Format, framesPerBuffer int, log zerolog.Logger) (*portAudioCapture, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &portAudioCapture{
		log:    log.With().Str("backend", "portaudio").Logger(),
		want:   want,
		frames: framesPerBuffer,
	}, nil
}

func (p *portAudioCapture) Name() string {
	return "portaudio"
}

// portAudioDeviceID qualifies the device name with its host API, since the
// same name can appear under several host APIs.
func portAudioDeviceID(d *portaudio.DeviceInfo) string {
	if d.HostApi != nil && d.HostApi.Name != "" {
		return d.HostApi.Name + "/" + d.Name
	}
	return d.Name
}

// rescanLocked re-initializes PortAudio so hot-plugged devices show up.
// PortAudio only refreshes its device list on initialization, which is not
// possible while a stream is open.
func (p *portAudioCapture) rescanLocked() error {
	if p.stream != nil {
		return nil
	}
	if err := portaudio.Terminate(); err != nil {
		p.log.Debug().Err(err).Msg("PortAudio terminate before rescan failed")
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to reinitialize PortAudio: %w", err)
	}
	return nil
}

// RescanRequiresIdle reports that hot-plugged devices only appear once the
// stream is closed.
func (p *portAudioCapture) RescanRequiresIdle() bool {
	return true
}

func (p *portAudioCapture) enumerateLocked() ([]Device, map[string]*portaudio.DeviceInfo, string, error) {
	if err := p.rescanLocked(); err != nil {
		return nil, nil, "", err
	}

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to list devices: %w", err)
	}

	var platformDefault string
	if d, err := portaudio.DefaultInputDevice(); err == nil && d != nil {
		platformDefault = portAudioDeviceID(d)
	}

	devices := make([]Device, 0, len(infos))
	byID := make(map[string]*portaudio.DeviceInfo, len(infos))
	for _, d := range infos {
		if d.MaxInputChannels < 1 {
			continue
		}
		id := portAudioDeviceID(d)
		if _, dup := byID[id]; dup {
			continue
		}
		byID[id] = d
		devices = append(devices, Device{ID: id, Name: d.Name})
	}

	return devices, byID, platformDefault, nil
}

func (p *portAudioCapture) ListInputDevices() ([]Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	devices, _, platformDefault, err := p.enumerateLocked()
	if err != nil {
		return nil, err
	}
	if def, ok := p.override.resolve(devices, platformDefault); ok {
		markDefault(devices, def)
	}
	return devices, nil
}

func (p *portAudioCapture) CurrentDefaultInput() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	devices, _, platformDefault, err := p.enumerateLocked()
	if err != nil {
		p.log.Warn().Err(err).Msg("Failed to read default input device")
		return "", false
	}
	return p.override.resolve(devices, platformDefault)
}

func (p *portAudioCapture) SetDefaultInput(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	devices, _, _, err := p.enumerateLocked()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceSelectionFailed, err)
	}
	if err := p.override.set(devices, id); err != nil {
		return err
	}
	p.log.Info().Str("device", id).Msg("Default input device set")
	return nil
}

func (p *portAudioCapture) OnBuffer(sink func(Buffer)) {
	p.sinks.set(sink)
}

func (p *portAudioCapture) Start(hint string) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		return Session{}, ErrEngineRunning
	}

	devices, byID, platformDefault, err := p.enumerateLocked()
	if err != nil {
		return Session{}, err
	}
	if len(devices) == 0 {
		return Session{}, ErrDeviceUnavailable
	}

	def, _ := p.override.resolve(devices, platformDefault)
	id := ResolveSelection(devices, hint, def)
	if hint != "" && id != hint {
		p.log.Warn().Str("requested", hint).Str("device", id).Msg("Requested device not found, using fallback")
	}
	info := byID[id]

	format := negotiateFormat(p.want, info.MaxInputChannels, info.DefaultSampleRate)
	session := Session{
		ID:         nextSessionID(),
		DeviceID:   id,
		DeviceName: info.Name,
		Format:     format,
	}

	frames := p.frames
	if frames <= 0 {
		frames = portaudio.FramesPerBufferUnspecified
	}

	// Open stream: input only, negotiated format, int16 callback
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: format.Channels,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: frames,
	}, p.tap(session))
	if err != nil {
		return Session{}, fmt.Errorf("failed to open audio stream on %s: %w", id, err)
	}

	p.running.Store(true)
	if err := stream.Start(); err != nil {
		p.running.Store(false)
		stream.Close()
		return Session{}, fmt.Errorf("failed to start audio stream on %s: %w", id, err)
	}

	p.stream = stream
	p.session = session

	p.log.Info().
		Str("device", id).
		Uint64("session", session.ID).
		Stringer("format", format).
		Msg("Capture started")

	return session, nil
}

// tap is the real-time callback for one session.
func (p *portAudioCapture) tap(s Session) func(in []int16) {
	return func(in []int16) {
		if !p.running.Load() {
			return
		}
		p.sinks.deliver(Buffer{
			Session: s.ID,
			Samples: in,
			Frames:  len(in) / s.Format.Channels,
			Format:  s.Format,
		})
	}
}

// Stop halts the stream. Pa_StopStream returns only once the running
// callback has completed.
func (p *portAudioCapture) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return nil
	}

	p.running.Store(false)
	err := p.stream.Stop()
	if cerr := p.stream.Close(); err == nil {
		err = cerr
	}
	p.stream = nil

	p.log.Info().Uint64("session", p.session.ID).Msg("Capture stopped")
	p.session = Session{}

	if err != nil {
		return fmt.Errorf("failed to stop audio stream: %w", err)
	}
	return nil
}

func (p *portAudioCapture) Close() error {
	err := p.Stop()
	portaudio.Terminate()
	return err
}
