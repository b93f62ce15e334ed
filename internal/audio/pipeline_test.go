package audio

import (
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-audio/wav"
)

type collectWriter struct {
	mu     sync.Mutex
	blocks []int
	frames int
}

func (c *collectWriter) WriteBlock(b Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = append(c.blocks, b.Frames())
	c.frames += b.Frames()
	return nil
}

func newTestPipeline(t *testing.T, inputRate, blockSize int) *Pipeline {
	t.Helper()
	p := NewPipeline(PipelineConfig{Channels: 1, OutputRate: 16000, MaxInputRate: 96000})
	if err := p.Prepare(inputRate, blockSize); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return p
}

func TestPipelineProcessForwardsFixedBlocks(t *testing.T) {
	p := newTestPipeline(t, 48000, 480)
	w := &collectWriter{}
	if prev := p.SetWriter(w); prev != nil {
		t.Fatalf("expected no previous writer")
	}
	if !p.Recording() {
		t.Fatal("expected recording")
	}
	in := sine(48000, 48000, 440)
	for off := 0; off < in.Frames(); off += 480 {
		if err := p.Process(in.Slice(off, off+480)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	for i, n := range w.blocks {
		if n != 480 {
			t.Fatalf("block %d has %d frames", i, n)
		}
	}
	if p.Ready() >= 480 {
		t.Fatalf("live path should leave less than one block, got %d", p.Ready())
	}
	if err := p.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if p.Ready() != 0 {
		t.Fatalf("flush should drain, got %d", p.Ready())
	}
	if math.Abs(float64(w.frames)-16000) > 64 {
		t.Fatalf("expected about 16000 frames, got %d", w.frames)
	}
	if lvl := p.Level(); lvl < 0.4 || lvl > 0.51 {
		t.Fatalf("unexpected level %v", lvl)
	}
}

func TestPipelineClearWriterStopsDelivery(t *testing.T) {
	p := newTestPipeline(t, 16000, 160)
	w := &collectWriter{}
	p.SetWriter(w)
	if err := p.Process(sine(1600, 16000, 200)); err != nil {
		t.Fatalf("process: %v", err)
	}
	before := w.frames
	if before == 0 {
		t.Fatal("expected frames before clear")
	}
	if got := p.ClearWriter(); got != BlockWriter(w) {
		t.Fatalf("expected cleared writer returned")
	}
	if err := p.Process(sine(1600, 16000, 200)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if w.frames != before {
		t.Fatalf("writer received frames after clear")
	}
	if p.Ready() >= 160 {
		t.Fatalf("idle pipeline must keep popping, ready=%d", p.Ready())
	}
}

func TestPipelinePrepareDiscardsBufferedAudio(t *testing.T) {
	p := newTestPipeline(t, 48000, 480)
	if err := p.Push(sine(4800, 48000, 440)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := p.Prepare(44100, 441); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if p.Ready() != 0 || p.InputRate() != 44100 || p.BlockSize() != 441 {
		t.Fatalf("unexpected state after prepare: ready=%d rate=%d block=%d", p.Ready(), p.InputRate(), p.BlockSize())
	}
}

func TestPipelineResampleBatch(t *testing.T) {
	p := newTestPipeline(t, 8000, 256)
	samples := make([]int16, 8000)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*300*float64(i)/8000))
	}
	out, err := p.Resample(samples)
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if math.Abs(float64(len(out))-16000) > 40 {
		t.Fatalf("expected about 16000 samples, got %d", len(out))
	}
}

func TestRecorderWritesWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec", "session.wav")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec, err := NewRecorder(path, 16000, 160, 32, logger)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	p := newTestPipeline(t, 16000, 160)
	p.SetWriter(rec)
	for i := 0; i < 10; i++ {
		if err := p.Process(sine(160, 16000, 200)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	p.ClearWriter()
	if err := rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rec.WriteBlock(sine(10, 16000, 200)); err != ErrRecorderClosed {
		t.Fatalf("expected closed error, got %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("unexpected format %d/%d/%d", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	if int64(len(buf.Data)) != rec.Frames() {
		t.Fatalf("expected %d samples, got %d", rec.Frames(), len(buf.Data))
	}
}
