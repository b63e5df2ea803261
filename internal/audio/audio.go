// Package audio enumerates input devices and runs the live capture stream.
//
// Two backends implement the same Backend interface: PortAudio (default) and
// miniaudio via malgo. Samples are always delivered as interleaved signed
// 16-bit frames.
package audio

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/petems/recorder-tray/internal/config"
	"github.com/rs/zerolog"
)

var (
	// ErrDeviceUnavailable is returned when no input device exists at start time.
	ErrDeviceUnavailable = errors.New("no audio input device available")
	// ErrDeviceSelectionFailed is returned when a requested device is not enumerable.
	ErrDeviceSelectionFailed = errors.New("audio device selection failed")
	// ErrEngineRestartFailed is returned when a device switch cannot reopen capture.
	ErrEngineRestartFailed = errors.New("audio engine restart failed")
	// ErrEngineRunning is returned by Start when a session is already open.
	ErrEngineRunning = errors.New("audio engine already running")
)

// Device represents an audio input device
type Device struct {
	ID      string
	Name    string
	Default bool
}

// Format is the negotiated sample format of a session. Samples are S16
// interleaved.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// Session describes one open capture stream.
type Session struct {
	ID         uint64
	DeviceID   string
	DeviceName string
	Format     Format
}

// Buffer is a read-only view of one hardware period. Samples is only valid
// for the duration of the callback.
type Buffer struct {
	Session uint64
	Samples []int16
	Frames  int
	Format  Format
}

// Registry enumerates input devices and tracks the default input.
type Registry interface {
	ListInputDevices() ([]Device, error)
	CurrentDefaultInput() (string, bool)
	SetDefaultInput(id string) error
}

// Engine owns the live capture stream.
type Engine interface {
	Start(hint string) (Session, error)
	Stop() error
	OnBuffer(sink func(Buffer))
}

// IdleRescanner is implemented by backends whose device table only refreshes
// while no stream is open. Enumerating during a session returns the table
// from when the session started.
type IdleRescanner interface {
	RescanRequiresIdle() bool
}

// Backend is a platform audio implementation.
type Backend interface {
	Registry
	Engine
	Name() string
	Close() error
}

// New creates the backend named in cfg.
func New(cfg config.AudioConfig, log zerolog.Logger) (Backend, error) {
	want := Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}

	switch cfg.Backend {
	case config.BackendPortAudio, "":
		return newPortAudio(want, cfg.FramesPerBuffer, log)
	case config.BackendMiniaudio:
		return newMiniaudio(want, cfg.FramesPerBuffer, log)
	default:
		return nil, fmt.Errorf("unknown audio backend %q", cfg.Backend)
	}
}

var sessionSeq atomic.Uint64

func nextSessionID() uint64 {
	return sessionSeq.Add(1)
}

// sinkHolder lets the callback thread load the sink without locking.
type sinkHolder struct {
	p atomic.Pointer[func(Buffer)]
}

func (h *sinkHolder) set(sink func(Buffer)) {
	if sink == nil {
		h.p.Store(nil)
		return
	}
	h.p.Store(&sink)
}

func (h *sinkHolder) deliver(buf Buffer) {
	if sink := h.p.Load(); sink != nil {
		(*sink)(buf)
	}
}
