package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrRecorderClosed is returned by WriteBlock after Close.
var ErrRecorderClosed = errors.New("recorder closed")

// Recorder writes mono 16-bit WAV on a background goroutine. WriteBlock only
// copies into a preallocated buffer and queues it, so it is safe to call from
// the live callback.
type Recorder struct {
	path string
	log  *slog.Logger

	file *os.File
	enc  *wav.Encoder

	free  chan []int
	queue chan []int
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	err     error
	frames  atomic.Int64
	dropped atomic.Int64
}

// NewRecorder creates path and starts the writer. queueBlocks buffers of
// blockSize frames are allocated up front.
func NewRecorder(path string, sampleRate, blockSize, queueBlocks int, log *slog.Logger) (*Recorder, error) {
	if queueBlocks < 1 {
		queueBlocks = 1
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create recording dir: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	r := &Recorder{
		path:  path,
		log:   log,
		file:  file,
		enc:   wav.NewEncoder(file, sampleRate, 16, 1, 1),
		free:  make(chan []int, queueBlocks),
		queue: make(chan []int, queueBlocks),
		done:  make(chan struct{}),
	}
	for i := 0; i < queueBlocks; i++ {
		r.free <- make([]int, 0, blockSize)
	}
	go r.run(sampleRate)
	return r, nil
}

func (r *Recorder) Path() string { return r.path }

// Frames is the number of frames accepted so far.
func (r *Recorder) Frames() int64 { return r.frames.Load() }

// Dropped is the number of frames rejected because the queue was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// WriteBlock queues the first channel of block. A full queue is reported as
// ErrOverflow rather than waited on.
func (r *Recorder) WriteBlock(block Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecorderClosed
	}
	var buf []int
	select {
	case buf = <-r.free:
	default:
		r.dropped.Add(int64(block.Frames()))
		return fmt.Errorf("%w: recorder queue full", ErrOverflow)
	}
	buf = buf[:0]
	for _, v := range block[0] {
		buf = append(buf, int(FloatToInt16(v)))
	}
	r.queue <- buf
	r.frames.Add(int64(block.Frames()))
	return nil
}

func (r *Recorder) run(sampleRate int) {
	defer close(r.done)
	out := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: sampleRate}, SourceBitDepth: 16}
	for buf := range r.queue {
		out.Data = buf
		if err := r.enc.Write(out); err != nil && r.err == nil {
			r.err = fmt.Errorf("write wav: %w", err)
			r.log.Warn("recording write failed", slog.String("path", r.path), slog.String("error", err.Error()))
		}
		r.free <- buf
	}
}

// Close stops accepting blocks, drains the queue and finalizes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	var errs []error
	if r.err != nil {
		errs = append(errs, r.err)
	}
	if err := r.enc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close wav encoder: %w", err))
	}
	if err := r.file.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
