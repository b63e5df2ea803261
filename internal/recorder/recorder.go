// Package recorder persists capture buffers to WAV files.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/petems/recorder-tray/internal/audio"
	"github.com/rs/zerolog"
)

const bitDepth = 16

var (
	// ErrIO is returned when the recording file cannot be created or written.
	ErrIO = errors.New("recording I/O error")
	// ErrOverrun is recorded when the writer falls behind the capture stream.
	ErrOverrun = errors.New("recording queue overrun")
	// ErrClosed is returned when using a finished handle.
	ErrClosed = errors.New("recording already finished")
	// ErrFormatMismatch is returned for a buffer from a different session format.
	ErrFormatMismatch = errors.New("buffer format does not match recording")
)

// Recorder creates recording handles.
type Recorder struct {
	queueDepth int
	log        zerolog.Logger
}

// New creates a recorder whose handles buffer up to queueDepth capture
// periods between the callback and the file writer.
func New(queueDepth int, log zerolog.Logger) *Recorder {
	if queueDepth < 1 {
		queueDepth = 1
	}
	return &Recorder{
		queueDepth: queueDepth,
		log:        log,
	}
}

// NewPath returns a unique recording path inside dir.
func NewPath(dir string) string {
	return filepath.Join(dir, "audio-"+uuid.NewString()+".wav")
}

// Begin creates or truncates path and writes a WAV header for format.
func (r *Recorder) Begin(path string, format audio.Format) (*Handle, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("invalid recording format %v", format)
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	enc := wav.NewEncoder(f, format.SampleRate, bitDepth, format.Channels, 1)
	pcm := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		SourceBitDepth: bitDepth,
	}

	// Write the header now so a recording with no frames is still a valid file.
	if err := enc.Write(pcm); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("%w: write header: %w", ErrIO, err)
	}

	h := &Handle{
		path:   path,
		format: format,
		file:   f,
		enc:    enc,
		pcm:    pcm,
		log:    r.log.With().Str("file", path).Logger(),
		queue:  make(chan *[]int16, r.queueDepth),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
	}
	h.pool.New = func() any {
		s := make([]int16, 0, 4096)
		return &s
	}

	go h.run()

	h.log.Info().Stringer("format", format).Msg("Recording started")
	return h, nil
}

// Append hands buf to the handle's writer.
func (r *Recorder) Append(h *Handle, buf audio.Buffer) error {
	return h.Append(buf)
}

// Finish closes the handle and returns the file path.
func (r *Recorder) Finish(h *Handle) (string, error) {
	return h.Finish()
}

const (
	stateOpen int32 = iota
	stateClosed
)

// Handle is one in-progress recording.
type Handle struct {
	path   string
	format audio.Format
	file   *os.File
	enc    *wav.Encoder
	pcm    *goaudio.IntBuffer
	log    zerolog.Logger

	state  atomic.Int32
	frames atomic.Int64
	// Appends between their state check and their enqueue.
	inflight atomic.Int32

	queue chan *[]int16
	pool  sync.Pool
	stop  chan struct{}
	done  chan struct{}

	failOnce sync.Once
	failed   chan struct{}
	err      atomic.Pointer[error]
}

func (h *Handle) Path() string {
	return h.path
}

func (h *Handle) Format() audio.Format {
	return h.format
}

// Frames returns the number of frames written to the file so far.
func (h *Handle) Frames() int64 {
	return h.frames.Load()
}

// Failed is closed once the recording has failed.
func (h *Handle) Failed() <-chan struct{} {
	return h.failed
}

// Err returns the failure recorded on the handle, if any.
func (h *Handle) Err() error {
	if err := h.err.Load(); err != nil {
		return *err
	}
	return nil
}

// Append copies buf and queues it for writing. It never blocks: a full
// queue marks the recording failed.
func (h *Handle) Append(buf audio.Buffer) error {
	h.inflight.Add(1)
	defer h.inflight.Add(-1)

	if h.state.Load() != stateOpen {
		return ErrClosed
	}
	select {
	case <-h.failed:
		return h.Err()
	default:
	}
	if buf.Format != h.format {
		return fmt.Errorf("%w: got %v, want %v", ErrFormatMismatch, buf.Format, h.format)
	}

	samples := h.pool.Get().(*[]int16)
	*samples = append((*samples)[:0], buf.Samples...)

	select {
	case h.queue <- samples:
		return nil
	default:
		h.pool.Put(samples)
		h.fail(ErrOverrun)
		return ErrOverrun
	}
}

// Finish drains queued buffers in order, finalizes the header and closes the
// file. The path is returned even when the recording failed.
func (h *Handle) Finish() (string, error) {
	if !h.state.CompareAndSwap(stateOpen, stateClosed) {
		return h.path, ErrClosed
	}

	// An Append that saw the handle open must have enqueued before the
	// writer drains for the last time.
	for h.inflight.Load() != 0 {
		runtime.Gosched()
	}

	close(h.stop)
	<-h.done

	var errs []error
	if err := h.Err(); err != nil {
		errs = append(errs, err)
	}
	if err := h.enc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%w: finalize header: %w", ErrIO, err))
	}
	if err := h.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%w: close: %w", ErrIO, err))
	}

	err := errors.Join(errs...)
	if err != nil {
		h.log.Warn().Err(err).Int64("frames", h.Frames()).Msg("Recording finished with errors")
	} else {
		h.log.Info().Int64("frames", h.Frames()).Msg("Recording finished")
	}
	return h.path, err
}

func (h *Handle) run() {
	defer close(h.done)

	for {
		select {
		case samples := <-h.queue:
			h.write(samples)
		case <-h.stop:
			for {
				select {
				case samples := <-h.queue:
					h.write(samples)
				default:
					return
				}
			}
		}
	}
}

func (h *Handle) write(samples *[]int16) {
	defer h.pool.Put(samples)

	if h.Err() != nil {
		return
	}

	data := h.pcm.Data[:0]
	for _, s := range *samples {
		data = append(data, int(s))
	}
	h.pcm.Data = data

	if err := h.enc.Write(h.pcm); err != nil {
		h.fail(fmt.Errorf("%w: %w", ErrIO, err))
		return
	}
	h.frames.Add(int64(len(data) / h.format.Channels))
}

func (h *Handle) fail(err error) {
	h.failOnce.Do(func() {
		h.err.Store(&err)
		close(h.failed)
		h.log.Error().Err(err).Msg("Recording failed")
	})
}
