package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

const int16Scale = math.MaxInt16

// Int16ToFloat maps a 16-bit sample to [-1, 1].
func Int16ToFloat(s int16) float32 {
	v := float32(s) / int16Scale
	if v < -1 {
		return -1
	}
	return v
}

// FloatToInt16 clamps v to [-1, 1] and rounds to the nearest 16-bit sample.
func FloatToInt16(v float32) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(math.Round(float64(v) * int16Scale))
}

// DecodePCM16 splits little-endian interleaved 16-bit PCM into a float block.
func DecodePCM16(pcm []byte, channels int) (Block, error) {
	if channels < 1 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}
	frameBytes := 2 * channels
	if len(pcm)%frameBytes != 0 {
		return nil, fmt.Errorf("pcm payload of %d bytes not aligned to %d channel frames", len(pcm), channels)
	}
	frames := len(pcm) / frameBytes
	block := NewBlock(channels, frames)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			s := int16(binary.LittleEndian.Uint16(pcm[(i*channels+ch)*2:]))
			block[ch][i] = Int16ToFloat(s)
		}
	}
	return block, nil
}

// EncodePCM16 packs samples as little-endian 16-bit PCM.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// AppendMonoInt16 converts the first channel of block and appends it to dst.
func AppendMonoInt16(dst []int16, block Block) []int16 {
	if block.Channels() == 0 {
		return dst
	}
	for _, v := range block[0] {
		dst = append(dst, FloatToInt16(v))
	}
	return dst
}

// MonoBlock wraps int16 samples as a one-channel float block.
func MonoBlock(samples []int16) Block {
	block := NewBlock(1, len(samples))
	for i, s := range samples {
		block[0][i] = Int16ToFloat(s)
	}
	return block
}

// Peak returns the largest absolute sample in block.
func Peak(block Block) float32 {
	var peak float32
	for _, ch := range block {
		for _, v := range ch {
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
	}
	return peak
}
