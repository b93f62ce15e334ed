// Package wavfile reads and writes the 16-bit PCM WAV files the decoder works on.
package wavfile

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Header describes a decoded file.
type Header struct {
	Format        uint16
	Channels      int
	SampleRate    int
	BitsPerSample int
	LengthInBytes int
}

// InputError reports a file the pipeline cannot accept. The file is skipped;
// the pipeline stays usable.
type InputError struct {
	Path string
	Err  error
}

func (e *InputError) Error() string {
	if e.Path == "" {
		return "invalid audio input: " + e.Err.Error()
	}
	return fmt.Sprintf("invalid audio input %s: %v", e.Path, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

var (
	ErrNotWAV           = errors.New("not a wav file")
	ErrUnsupportedAudio = errors.New("unsupported audio layout")
)

// ReadFile decodes path. Only mono 16-bit PCM is accepted.
func ReadFile(path string) ([]int16, Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Header{}, &InputError{Path: path, Err: err}
	}
	defer f.Close()
	samples, hdr, err := Decode(f)
	if err != nil {
		var inErr *InputError
		if errors.As(err, &inErr) && inErr.Path == "" {
			inErr.Path = path
		}
		return nil, hdr, err
	}
	return samples, hdr, nil
}

// Decode reads a WAV stream and returns its samples and header.
func Decode(r io.ReadSeeker) ([]int16, Header, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, Header{}, &InputError{Err: ErrNotWAV}
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, Header{}, &InputError{Err: err}
	}
	dec = wav.NewDecoder(r)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return nil, Header{}, &InputError{Err: err}
	}
	hdr := Header{
		Format:        dec.WavAudioFormat,
		Channels:      int(dec.NumChans),
		SampleRate:    int(dec.SampleRate),
		BitsPerSample: int(dec.BitDepth),
	}
	if hdr.Channels != 1 || hdr.BitsPerSample != 16 {
		return nil, hdr, &InputError{Err: fmt.Errorf("%w: %d channels, %d bits; need mono 16-bit", ErrUnsupportedAudio, hdr.Channels, hdr.BitsPerSample)}
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, hdr, &InputError{Err: fmt.Errorf("read pcm: %w", err)}
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	hdr.LengthInBytes = len(samples) * 2
	return samples, hdr, nil
}

// Encode writes samples as 16-bit PCM WAV.
func Encode(w io.WriteSeeker, samples []int16, sampleRate, channels int) error {
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WriteFile encodes samples into a new file at path.
func WriteFile(path string, samples []int16, sampleRate, channels int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, samples, sampleRate, channels); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
