package audio

import (
	"errors"
	"fmt"
)

var (
	// ErrOverflow is returned when a write does not fit in the remaining capacity.
	ErrOverflow = errors.New("sample fifo overflow")
	// ErrUnderflow is returned when a read asks for more frames than are ready.
	ErrUnderflow = errors.New("sample fifo underflow")
)

// Block is a non-interleaved multi-channel buffer of float samples in [-1, 1].
// Every channel slice has the same length.
type Block [][]float32

// NewBlock allocates a block of the given shape.
func NewBlock(channels, frames int) Block {
	b := make(Block, channels)
	for ch := range b {
		b[ch] = make([]float32, frames)
	}
	return b
}

func (b Block) Channels() int { return len(b) }

func (b Block) Frames() int {
	if len(b) == 0 {
		return 0
	}
	return len(b[0])
}

// Slice returns a view of frames [from, to) sharing storage with b.
func (b Block) Slice(from, to int) Block {
	out := make(Block, len(b))
	for ch := range b {
		out[ch] = b[ch][from:to]
	}
	return out
}

// SampleFifo is a fixed-capacity ring of multi-channel frames.
// One goroutine writes and one reads; it does no locking of its own.
type SampleFifo struct {
	data     [][]float32
	capacity int
	readPos  int
	writePos int
	ready    int
}

func NewSampleFifo(channels, capacity int) *SampleFifo {
	if channels < 1 {
		channels = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	f := &SampleFifo{capacity: capacity}
	f.data = make([][]float32, channels)
	for ch := range f.data {
		f.data[ch] = make([]float32, capacity)
	}
	return f
}

func (f *SampleFifo) Channels() int { return len(f.data) }

func (f *SampleFifo) Capacity() int { return f.capacity }

// Ready reports how many frames can be read.
func (f *SampleFifo) Ready() int { return f.ready }

// Free reports how many frames can be written.
func (f *SampleFifo) Free() int { return f.capacity - f.ready }

// Write appends every frame of block or nothing at all.
func (f *SampleFifo) Write(block Block) error {
	return f.writeFrames(block, 0, block.Frames())
}

func (f *SampleFifo) writeFrames(block Block, from, n int) error {
	if n == 0 {
		return nil
	}
	if block.Channels() != len(f.data) {
		return fmt.Errorf("write %d channels into %d channel fifo", block.Channels(), len(f.data))
	}
	if f.ready+n > f.capacity {
		return fmt.Errorf("%w: %d frames ready, %d incoming, capacity %d", ErrOverflow, f.ready, n, f.capacity)
	}
	first := min(n, f.capacity-f.writePos)
	for ch := range f.data {
		copy(f.data[ch][f.writePos:], block[ch][from:from+first])
		copy(f.data[ch], block[ch][from+first:from+n])
	}
	f.writePos = (f.writePos + n) % f.capacity
	f.ready += n
	return nil
}

// Read fills block completely or fails without consuming anything.
func (f *SampleFifo) Read(block Block) error {
	n := block.Frames()
	if n == 0 {
		return nil
	}
	if block.Channels() != len(f.data) {
		return fmt.Errorf("read %d channels from %d channel fifo", block.Channels(), len(f.data))
	}
	if n > f.ready {
		return fmt.Errorf("%w: %d frames requested, %d ready", ErrUnderflow, n, f.ready)
	}
	first := min(n, f.capacity-f.readPos)
	for ch := range f.data {
		copy(block[ch][:first], f.data[ch][f.readPos:])
		copy(block[ch][first:n], f.data[ch])
	}
	f.readPos = (f.readPos + n) % f.capacity
	f.ready -= n
	return nil
}

func (f *SampleFifo) Reset() {
	f.readPos = 0
	f.writePos = 0
	f.ready = 0
}
