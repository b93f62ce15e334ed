package audio

import "math"

const sincZeroCrossings = 8

// sincConverter is a streaming band-limited interpolator over interleaved frames.
// It keeps a short per-channel input history, so output lags input by the
// filter half width.
type sincConverter struct {
	channels int
	ratio    float64
	step     float64
	cutoff   float64
	half     int
	hist     [][]float32
	pos      float64
}

func newSincConverter(channels int, ratio float64) *sincConverter {
	c := &sincConverter{channels: channels, ratio: ratio, step: 1 / ratio}
	c.cutoff = math.Min(1, ratio)
	c.half = int(math.Ceil(sincZeroCrossings / c.cutoff))
	size := 2*c.half + int(math.Ceil(c.step)) + 2
	c.hist = make([][]float32, channels)
	for ch := range c.hist {
		c.hist[ch] = make([]float32, 0, size)
	}
	c.reset()
	return c
}

// reset drops filter history and primes it with silence.
func (c *sincConverter) reset() {
	for ch := range c.hist {
		c.hist[ch] = c.hist[ch][:c.half]
		clear(c.hist[ch])
	}
	c.pos = float64(c.half)
}

// process consumes up to inFrames interleaved frames from in and produces up to
// outFrames interleaved frames into out. It stops when out is full or the input
// is exhausted and reports both counts.
func (c *sincConverter) process(in []float32, inFrames int, out []float32, outFrames int) (used, generated int) {
	for generated < outFrames {
		base := int(c.pos)
		if base+c.half >= len(c.hist[0]) {
			if used == inFrames {
				break
			}
			if len(c.hist[0]) == cap(c.hist[0]) {
				c.compact()
			}
			for ch := range c.hist {
				c.hist[ch] = append(c.hist[ch], in[used*c.channels+ch])
			}
			used++
			continue
		}
		frac := c.pos - float64(base)
		for ch := 0; ch < c.channels; ch++ {
			out[generated*c.channels+ch] = c.interpolate(c.hist[ch], base, frac)
		}
		generated++
		c.pos += c.step
	}
	c.compact()
	return used, generated
}

func (c *sincConverter) interpolate(h []float32, base int, frac float64) float32 {
	var acc float64
	for k := base - c.half + 1; k <= base+c.half; k++ {
		acc += float64(h[k]) * c.kernel(float64(k-base)-frac)
	}
	return float32(acc)
}

// kernel is a Blackman-windowed sinc scaled for the cutoff.
func (c *sincConverter) kernel(x float64) float64 {
	t := x / float64(c.half)
	if t <= -1 || t >= 1 {
		return 0
	}
	window := 0.42 + 0.5*math.Cos(math.Pi*t) + 0.08*math.Cos(2*math.Pi*t)
	arg := math.Pi * c.cutoff * x
	if arg == 0 {
		return c.cutoff * window
	}
	return c.cutoff * math.Sin(arg) / arg * window
}

// compact discards history no future output can reach.
func (c *sincConverter) compact() {
	drop := int(c.pos) - c.half + 1
	if drop <= 0 {
		return
	}
	if drop > len(c.hist[0]) {
		drop = len(c.hist[0])
	}
	for ch := range c.hist {
		n := copy(c.hist[ch], c.hist[ch][drop:])
		c.hist[ch] = c.hist[ch][:n]
	}
	c.pos -= float64(drop)
}
