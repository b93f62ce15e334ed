package audio

import (
	"errors"
	"fmt"
)

// ResamplerConfig describes one capture session's conversion.
type ResamplerConfig struct {
	Channels   int
	InputRate  int
	OutputRate int
	// BlockSize is the largest number of input frames converted per step.
	BlockSize int
	// MaxBurstFrames sizes the output fifo.
	MaxBurstFrames int
}

// Ratio is output frames per input frame.
func (c ResamplerConfig) Ratio() float64 {
	return float64(c.OutputRate) / float64(c.InputRate)
}

func (c ResamplerConfig) validate() error {
	switch {
	case c.Channels < 1:
		return errors.New("resampler channels must be positive")
	case c.InputRate <= 0 || c.OutputRate <= 0:
		return errors.New("resampler rates must be positive")
	case c.BlockSize <= 0:
		return errors.New("resampler block size must be positive")
	case c.MaxBurstFrames < c.BlockSize:
		return errors.New("resampler burst capacity must hold at least one block")
	}
	return nil
}

// Resampler converts pushed blocks to the output rate and buffers the result
// in a SampleFifo until popped.
//
// Changing the rate or block size rebuilds the filter and empties the fifo;
// samples still inside the filter are lost.
type Resampler struct {
	cfg  ResamplerConfig
	conv *sincConverter
	fifo *SampleFifo

	inScratch  []float32
	outScratch []float32
	outBlock   Block
}

func NewResampler(cfg ResamplerConfig) (*Resampler, error) {
	r := &Resampler{}
	if err := r.Configure(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Configure (re)allocates filter state and scratch buffers.
func (r *Resampler) Configure(cfg ResamplerConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	r.cfg = cfg
	r.conv = newSincConverter(cfg.Channels, cfg.Ratio())
	if r.fifo == nil || r.fifo.Channels() != cfg.Channels || r.fifo.Capacity() != cfg.MaxBurstFrames {
		r.fifo = NewSampleFifo(cfg.Channels, cfg.MaxBurstFrames)
	} else {
		r.fifo.Reset()
	}
	outFrames := 4 * cfg.BlockSize
	r.inScratch = make([]float32, cfg.BlockSize*cfg.Channels)
	r.outScratch = make([]float32, outFrames*cfg.Channels)
	r.outBlock = NewBlock(cfg.Channels, outFrames)
	return nil
}

func (r *Resampler) Config() ResamplerConfig { return r.cfg }

// SetRatio switches to a new input/output rate pair and resets.
func (r *Resampler) SetRatio(inputRate, outputRate int) error {
	cfg := r.cfg
	cfg.InputRate = inputRate
	cfg.OutputRate = outputRate
	return r.Configure(cfg)
}

// Reset clears filter history and buffered output.
func (r *Resampler) Reset() {
	r.conv.reset()
	r.fifo.Reset()
}

// Ready reports converted frames waiting to be popped.
func (r *Resampler) Ready() int { return r.fifo.Ready() }

// Push converts every frame of block, in order, in slices of at most BlockSize.
func (r *Resampler) Push(block Block) error {
	if block.Channels() != r.cfg.Channels {
		return fmt.Errorf("push %d channels into %d channel resampler", block.Channels(), r.cfg.Channels)
	}
	total := block.Frames()
	for off := 0; off < total; off += r.cfg.BlockSize {
		n := min(r.cfg.BlockSize, total-off)
		if err := r.pushSlice(block, off, n); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resampler) pushSlice(block Block, off, n int) error {
	channels := r.cfg.Channels
	for i := 0; i < n; i++ {
		for ch := 0; ch < channels; ch++ {
			r.inScratch[i*channels+ch] = block[ch][off+i]
		}
	}

	outCap := r.outBlock.Frames()
	consumed := 0
	for consumed < n {
		used, generated := r.conv.process(r.inScratch[consumed*channels:], n-consumed, r.outScratch, outCap)
		consumed += used
		if generated == 0 {
			continue
		}
		for i := 0; i < generated; i++ {
			for ch := 0; ch < channels; ch++ {
				r.outBlock[ch][i] = r.outScratch[i*channels+ch]
			}
		}
		if err := r.fifo.writeFrames(r.outBlock, 0, generated); err != nil {
			return err
		}
	}
	return nil
}

// Pop fills block from the converted output; see SampleFifo.Read.
func (r *Resampler) Pop(block Block) error {
	return r.fifo.Read(block)
}
