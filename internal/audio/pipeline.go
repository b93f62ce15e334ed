package audio

import (
	"math"
	"sync"
	"sync/atomic"
)

// BlockWriter receives fixed-size converted blocks from the live path.
// Implementations must not block.
type BlockWriter interface {
	WriteBlock(Block) error
}

// PipelineConfig fixes the output side of an ingest pipeline.
type PipelineConfig struct {
	Channels   int
	OutputRate int
	// MaxInputRate sizes the fifo at twice this many frames.
	MaxInputRate int
}

// Pipeline owns the Resampler and its fifo and exposes the same push/pop
// surface to the live callback and to batch file processing.
type Pipeline struct {
	cfg       PipelineConfig
	resampler *Resampler
	popBlock  Block

	writerMu sync.Mutex
	writer   atomic.Pointer[writerSlot]

	peak atomic.Uint32
}

type writerSlot struct {
	w BlockWriter
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Channels < 1 {
		cfg.Channels = 1
	}
	return &Pipeline{cfg: cfg}
}

// Prepare rebuilds the resampler for a new input rate or block size.
// Anything buffered from the previous configuration is discarded.
func (p *Pipeline) Prepare(inputRate, blockSize int) error {
	rc := ResamplerConfig{
		Channels:       p.cfg.Channels,
		InputRate:      inputRate,
		OutputRate:     p.cfg.OutputRate,
		BlockSize:      blockSize,
		MaxBurstFrames: 2 * max(p.cfg.MaxInputRate, inputRate),
	}
	if p.resampler == nil {
		r, err := NewResampler(rc)
		if err != nil {
			return err
		}
		p.resampler = r
	} else if err := p.resampler.Configure(rc); err != nil {
		return err
	}
	p.popBlock = NewBlock(p.cfg.Channels, blockSize)
	return nil
}

// Prepared reports whether Prepare has succeeded at least once.
func (p *Pipeline) Prepared() bool { return p.resampler != nil }

// InputRate is the rate of the current configuration.
func (p *Pipeline) InputRate() int {
	if p.resampler == nil {
		return 0
	}
	return p.resampler.Config().InputRate
}

// BlockSize is the pop size of the current configuration.
func (p *Pipeline) BlockSize() int {
	if p.resampler == nil {
		return 0
	}
	return p.resampler.Config().BlockSize
}

func (p *Pipeline) Push(block Block) error { return p.resampler.Push(block) }

func (p *Pipeline) Pop(block Block) error { return p.resampler.Pop(block) }

func (p *Pipeline) Ready() int { return p.resampler.Ready() }

func (p *Pipeline) Reset() { p.resampler.Reset() }

// Process is the live callback body: meter, push, then hand every complete
// block to the active writer. Blocks are popped even with no writer so the
// fifo never fills while idle.
func (p *Pipeline) Process(block Block) error {
	p.peak.Store(math.Float32bits(Peak(block)))
	if err := p.resampler.Push(block); err != nil {
		return err
	}
	size := p.popBlock.Frames()
	for p.resampler.Ready() >= size {
		if err := p.resampler.Pop(p.popBlock); err != nil {
			return err
		}
		if err := p.forward(p.popBlock); err != nil {
			return err
		}
	}
	return nil
}

// Flush hands the remaining partial block to the active writer.
func (p *Pipeline) Flush() error {
	n := p.resampler.Ready()
	if n == 0 {
		return nil
	}
	tail := p.popBlock.Slice(0, n)
	if err := p.resampler.Pop(tail); err != nil {
		return err
	}
	return p.forward(tail)
}

func (p *Pipeline) forward(block Block) error {
	p.writerMu.Lock()
	defer p.writerMu.Unlock()
	if slot := p.writer.Load(); slot != nil {
		return slot.w.WriteBlock(block)
	}
	return nil
}

// SetWriter installs w as the active writer and returns the previous one.
func (p *Pipeline) SetWriter(w BlockWriter) BlockWriter {
	p.writerMu.Lock()
	defer p.writerMu.Unlock()
	var next *writerSlot
	if w != nil {
		next = &writerSlot{w: w}
	}
	if prev := p.writer.Swap(next); prev != nil {
		return prev.w
	}
	return nil
}

// ClearWriter detaches the active writer. Once it returns no further block
// reaches the detached writer, so the caller may flush and close it.
func (p *Pipeline) ClearWriter() BlockWriter {
	return p.SetWriter(nil)
}

// Recording reports whether a writer is attached.
func (p *Pipeline) Recording() bool { return p.writer.Load() != nil }

// Level is the peak magnitude of the last processed block.
func (p *Pipeline) Level() float32 { return math.Float32frombits(p.peak.Load()) }

// Resample runs samples through the batch path and returns every converted
// frame of the first channel. The pipeline must be prepared for samples' rate.
func (p *Pipeline) Resample(samples []int16) ([]int16, error) {
	size := p.popBlock.Frames()
	out := make([]int16, 0, int(float64(len(samples))*p.resampler.Config().Ratio())+size)
	input := MonoBlock(samples)
	for off := 0; off < len(samples); off += size {
		end := min(off+size, len(samples))
		if err := p.resampler.Push(input.Slice(off, end)); err != nil {
			return nil, err
		}
		for p.resampler.Ready() >= size {
			if err := p.resampler.Pop(p.popBlock); err != nil {
				return nil, err
			}
			out = AppendMonoInt16(out, p.popBlock)
		}
	}
	if n := p.resampler.Ready(); n > 0 {
		tail := p.popBlock.Slice(0, n)
		if err := p.resampler.Pop(tail); err != nil {
			return nil, err
		}
		out = AppendMonoInt16(out, tail)
	}
	return out, nil
}
