package audio

import (
	"errors"
	"testing"
)

func ramp(channels, frames int, start float32) Block {
	b := NewBlock(channels, frames)
	for ch := range b {
		for i := range b[ch] {
			b[ch][i] = start + float32(i)/1000 + float32(ch)
		}
	}
	return b
}

func TestFifoWriteReadWraps(t *testing.T) {
	f := NewSampleFifo(2, 8)
	if err := f.Write(ramp(2, 6, 0)); err != nil {
		t.Fatalf("write: %v", err)
	}
	first := NewBlock(2, 5)
	if err := f.Read(first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := f.Write(ramp(2, 6, 0.5)); err != nil {
		t.Fatalf("write across end: %v", err)
	}
	if f.Ready() != 7 {
		t.Fatalf("expected 7 ready, got %d", f.Ready())
	}
	rest := NewBlock(2, 7)
	if err := f.Read(rest); err != nil {
		t.Fatalf("read: %v", err)
	}
	if rest[0][0] != 0.005 {
		t.Fatalf("expected leftover frame first, got %v", rest[0][0])
	}
	for i := 1; i < 7; i++ {
		want := 0.5 + float32(i-1)/1000
		if rest[0][i] != want || rest[1][i] != want+1 {
			t.Fatalf("frame %d: got %v/%v want %v", i, rest[0][i], rest[1][i], want)
		}
	}
	if f.Ready() != 0 {
		t.Fatalf("expected empty fifo, got %d", f.Ready())
	}
}

func TestFifoOverflowIsAllOrNothing(t *testing.T) {
	f := NewSampleFifo(1, 4)
	if err := f.Write(ramp(1, 3, 0)); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := f.Write(ramp(1, 2, 0))
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if f.Ready() != 3 {
		t.Fatalf("overflowing write must not truncate, ready=%d", f.Ready())
	}
}

func TestFifoUnderflow(t *testing.T) {
	f := NewSampleFifo(1, 4)
	if err := f.Write(ramp(1, 2, 0)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.Read(NewBlock(1, 3)); !errors.Is(err, ErrUnderflow) {
		t.Fatalf("expected underflow, got %v", err)
	}
	if f.Ready() != 2 {
		t.Fatalf("failed read must not consume, ready=%d", f.Ready())
	}
	f.Reset()
	if f.Ready() != 0 || f.Free() != 4 {
		t.Fatalf("reset should empty fifo")
	}
}
