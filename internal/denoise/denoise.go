// Package denoise holds the in-place noise suppression step applied to PCM
// before decoding.
package denoise

import (
	"math"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Denoiser suppresses noise in place on frames of exactly FrameSize samples.
type Denoiser interface {
	FrameSize() int
	ProcessFrame(frame []float32)
}

// Gate attenuates frames whose level sits near a tracked noise floor. The
// gain moves towards its target at a rate set by attack, so speech onsets are
// not clipped.
type Gate struct {
	frameSize int
	threshold float64
	attack    float64
	floor     float64
	gain      float64
}

func NewGate(cfg config.DenoiseConfig) *Gate {
	size := cfg.FrameSize
	if size <= 0 {
		size = 480
	}
	return &Gate{
		frameSize: size,
		threshold: math.Pow(10, cfg.ThresholdDB/20),
		attack:    cfg.Attack,
		floor:     math.Pow(10, cfg.ThresholdDB/20),
		gain:      1,
	}
}

func (g *Gate) FrameSize() int { return g.frameSize }

func (g *Gate) ProcessFrame(frame []float32) {
	var sum float64
	for _, v := range frame {
		sum += float64(v) * float64(v)
	}
	rms := math.Sqrt(sum / float64(max(len(frame), 1)))

	// floor falls quickly and rises slowly
	if rms < g.floor {
		g.floor = 0.5*g.floor + 0.5*rms
	} else {
		g.floor = 0.995*g.floor + 0.005*rms
	}
	limit := math.Max(g.threshold, 2*g.floor)

	target := 1.0
	if rms < limit {
		target = rms / limit
	}
	for i := range frame {
		g.gain = g.attack*g.gain + (1-g.attack)*target
		frame[i] = float32(float64(frame[i]) * g.gain)
	}
}

// Int16 runs d over pcm in place, one frame at a time. A short tail is
// zero-padded for processing and only its real samples are written back.
func Int16(d Denoiser, pcm []int16) {
	size := d.FrameSize()
	if size <= 0 {
		return
	}
	frame := make([]float32, size)
	for off := 0; off < len(pcm); off += size {
		n := min(size, len(pcm)-off)
		for i := 0; i < size; i++ {
			if i < n {
				frame[i] = audio.Int16ToFloat(pcm[off+i])
			} else {
				frame[i] = 0
			}
		}
		d.ProcessFrame(frame)
		for i := 0; i < n; i++ {
			pcm[off+i] = audio.FloatToInt16(frame[i])
		}
	}
}
