package stt

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

var mockVocabulary = []string{"open", "close", "tools", "hello", "world", "stop", "start", "pro"}

// MockEngine is a deterministic engine for development and tests. Every
// half second of audio above a small level becomes one word picked from a
// fixed vocabulary, with hot words placed first.
type MockEngine struct {
	sampleRate int

	mu       sync.Mutex
	vocab    []string
	scorer   string
	hotWords map[string]float32
	closed   bool

	liveMetadata atomic.Int64
	liveStreams  atomic.Int64
}

func NewMockEngine(sampleRate int) *MockEngine {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &MockEngine{
		sampleRate: sampleRate,
		vocab:      append([]string(nil), mockVocabulary...),
		hotWords:   make(map[string]float32),
	}
}

func (m *MockEngine) SampleRate() int { return m.sampleRate }

func (m *MockEngine) EnableExternalScorer(path string) error {
	if err := checkReadable(path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scorer = path
	return nil
}

func (m *MockEngine) AddHotWord(word string, boost float32) error {
	if word == "" {
		return fmt.Errorf("empty hot word")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hotWords[word]; !ok {
		m.vocab = append([]string{word}, m.vocab...)
	}
	m.hotWords[word] = boost
	return nil
}

// HotWords returns a copy of the registered boosts.
func (m *MockEngine) HotWords() map[string]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float32, len(m.hotWords))
	for k, v := range m.hotWords {
		out[k] = v
	}
	return out
}

// LiveMetadata counts metadata handed out and not yet freed.
func (m *MockEngine) LiveMetadata() int64 { return m.liveMetadata.Load() }

// LiveStreams counts streams neither finished nor freed.
func (m *MockEngine) LiveStreams() int64 { return m.liveStreams.Load() }

func (m *MockEngine) SpeechToText(ctx context.Context, samples []int16) (string, error) {
	set, err := m.decode(ctx, samples, 1, true)
	if err != nil {
		return "", err
	}
	return bestText(set), nil
}

func (m *MockEngine) SpeechToTextWithMetadata(ctx context.Context, samples []int16, numCandidates int) (*Metadata, error) {
	set, err := m.decode(ctx, samples, numCandidates, true)
	if err != nil {
		return nil, err
	}
	return m.newMetadata(set), nil
}

func (m *MockEngine) CreateStream(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("model destroyed")
	}
	m.liveStreams.Add(1)
	return &mockStream{engine: m}, nil
}

func (m *MockEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockEngine) newMetadata(set transcript.Set) *Metadata {
	m.liveMetadata.Add(1)
	return NewMetadata(set.Transcripts, func() { m.liveMetadata.Add(-1) })
}

// decode maps each window to a word. Without final, a trailing partial
// window is ignored.
func (m *MockEngine) decode(ctx context.Context, samples []int16, candidates int, final bool) (transcript.Set, error) {
	if err := ctx.Err(); err != nil {
		return transcript.Set{}, err
	}
	m.mu.Lock()
	vocab := append([]string(nil), m.vocab...)
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return transcript.Set{}, fmt.Errorf("model destroyed")
	}

	window := m.sampleRate / 2
	type hit struct {
		index int
		level int
	}
	var hits []hit
	for off, idx := 0, 0; off < len(samples); off, idx = off+window, idx+1 {
		end := min(off+window, len(samples))
		if !final && end-off < window {
			break
		}
		if end-off < window/4 {
			break
		}
		level := windowRMS(samples[off:end])
		if level < 0.01 {
			continue
		}
		hits = append(hits, hit{index: idx, level: int(level * 10)})
	}
	if len(hits) == 0 {
		return transcript.Set{}, nil
	}

	candidates = max(candidates, 1)
	set := transcript.Set{Transcripts: make([]transcript.Transcript, 0, candidates)}
	for c := 0; c < candidates; c++ {
		var tokens []transcript.Token
		for i, h := range hits {
			word := vocab[(h.index*3+h.level+c)%len(vocab)]
			start := float64(h.index*window) / float64(m.sampleRate)
			if i > 0 {
				tokens = append(tokens, transcript.Token{Text: " ", StartTime: start})
			}
			for j, r := range word {
				tokens = append(tokens, transcript.Token{Text: string(r), StartTime: start + 0.02*float64(j)})
			}
		}
		set.Transcripts = append(set.Transcripts, transcript.Transcript{
			Confidence: -float64(len(hits)) * float64(c+1),
			Tokens:     tokens,
		})
	}
	return set, nil
}

func windowRMS(samples []int16) float64 {
	var sum float64
	for _, s := range samples {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

type mockStream struct {
	engine *MockEngine
	buf    []int16
	done   bool
}

func (s *mockStream) FeedAudioContent(samples []int16) error {
	if s.done {
		return fmt.Errorf("stream already finished")
	}
	s.buf = append(s.buf, samples...)
	return nil
}

func (s *mockStream) IntermediateDecode(ctx context.Context) (string, error) {
	set, err := s.engine.decode(ctx, s.buf, 1, false)
	if err != nil {
		return "", err
	}
	return bestText(set), nil
}

func (s *mockStream) IntermediateDecodeWithMetadata(ctx context.Context, numCandidates int) (*Metadata, error) {
	set, err := s.engine.decode(ctx, s.buf, numCandidates, false)
	if err != nil {
		return nil, err
	}
	return s.engine.newMetadata(set), nil
}

func (s *mockStream) FinishStream(ctx context.Context) (string, error) {
	set, err := s.finish(ctx, 1)
	if err != nil {
		return "", err
	}
	return bestText(set), nil
}

func (s *mockStream) FinishStreamWithMetadata(ctx context.Context, numCandidates int) (*Metadata, error) {
	set, err := s.finish(ctx, numCandidates)
	if err != nil {
		return nil, err
	}
	return s.engine.newMetadata(set), nil
}

func (s *mockStream) finish(ctx context.Context, candidates int) (transcript.Set, error) {
	if s.done {
		return transcript.Set{}, fmt.Errorf("stream already finished")
	}
	set, err := s.engine.decode(ctx, s.buf, candidates, true)
	s.Free()
	return set, err
}

func (s *mockStream) Free() {
	if s.done {
		return
	}
	s.done = true
	s.buf = nil
	s.engine.liveStreams.Add(-1)
}
