package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeEngine scripts engine answers and records how it was driven.
type fakeEngine struct {
	createErr error
	plain     string
	plainErr  error
	meta      []transcript.Transcript
	partials  []string
	final     string

	events    []string
	fed       [][]int16
	metaReqs  []int
	liveMeta  int
	allocMeta int
	freed     int
}

func (f *fakeEngine) SampleRate() int                   { return 16000 }
func (f *fakeEngine) EnableExternalScorer(string) error { return nil }
func (f *fakeEngine) AddHotWord(string, float32) error  { return nil }
func (f *fakeEngine) Close() error                      { return nil }

func (f *fakeEngine) SpeechToText(context.Context, []int16) (string, error) {
	return f.plain, f.plainErr
}

func (f *fakeEngine) SpeechToTextWithMetadata(_ context.Context, _ []int16, n int) (*Metadata, error) {
	f.metaReqs = append(f.metaReqs, n)
	return f.newMetadata(f.meta), nil
}

func (f *fakeEngine) CreateStream(context.Context) (Stream, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &fakeStream{engine: f}, nil
}

func (f *fakeEngine) newMetadata(ts []transcript.Transcript) *Metadata {
	f.liveMeta++
	f.allocMeta++
	return NewMetadata(ts, func() { f.liveMeta-- })
}

type fakeStream struct {
	engine        *fakeEngine
	intermediates int
}

func (s *fakeStream) FeedAudioContent(samples []int16) error {
	s.engine.events = append(s.engine.events, "feed")
	s.engine.fed = append(s.engine.fed, append([]int16(nil), samples...))
	return nil
}

func (s *fakeStream) next() string {
	s.engine.events = append(s.engine.events, "intermediate")
	p := s.engine.partials
	text := p[min(s.intermediates, len(p)-1)]
	s.intermediates++
	return text
}

func (s *fakeStream) IntermediateDecode(context.Context) (string, error) {
	return s.next(), nil
}

func (s *fakeStream) IntermediateDecodeWithMetadata(context.Context, int) (*Metadata, error) {
	return s.engine.newMetadata([]transcript.Transcript{textTranscript(s.next(), -1)}), nil
}

func (s *fakeStream) FinishStream(context.Context) (string, error) {
	s.engine.events = append(s.engine.events, "finish")
	return s.engine.final, nil
}

func (s *fakeStream) FinishStreamWithMetadata(context.Context, int) (*Metadata, error) {
	s.engine.events = append(s.engine.events, "finish")
	return s.engine.newMetadata([]transcript.Transcript{textTranscript(s.engine.final, -4.5)}), nil
}

func (s *fakeStream) Free() { s.engine.freed++ }

// textTranscript spells text one token per character, 0.1s apart.
func textTranscript(text string, confidence float64) transcript.Transcript {
	t := transcript.Transcript{Confidence: confidence}
	for i, r := range text {
		t.Tokens = append(t.Tokens, transcript.Token{Text: string(r), StartTime: 0.1 * float64(i)})
	}
	return t
}

func ramp(n int) []int16 {
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(i + 1)
	}
	return pcm
}

func newTestOrchestrator(t *testing.T, engine Engine, cfg OrchestratorConfig) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(engine, cfg, newLogger())
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func TestStreamingEmitsOnlyChangedIntermediates(t *testing.T) {
	engine := &fakeEngine{
		partials: []string{"he", "he", "hello", "hello", "hello world"},
		final:    "hello world",
	}
	o := newTestOrchestrator(t, engine, OrchestratorConfig{Mode: ModeStreaming, StreamChunkFrames: 2})

	var emitted []string
	res, err := o.Decode(context.Background(), ramp(10), func(text string) { emitted = append(emitted, text) })
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want := []string{"he", "hello", "hello world"}; !reflect.DeepEqual(emitted, want) {
		t.Fatalf("emitted %q, want %q", emitted, want)
	}
	if res.Partials != 3 {
		t.Fatalf("expected 3 partials, got %d", res.Partials)
	}
	if res.Text != "hello world" || res.Mode != ModeStreaming {
		t.Fatalf("unexpected result %+v", res)
	}
	if engine.freed != 1 {
		t.Fatalf("expected stream freed once, got %d", engine.freed)
	}
}

func TestStreamingComparesIntermediatesExactly(t *testing.T) {
	for _, mode := range []DecodeMode{ModeStreaming, ModeStreamingMetadata} {
		t.Run(mode.String(), func(t *testing.T) {
			engine := &fakeEngine{
				partials: []string{"hello world", "hello  world", " hello world", " hello world"},
				final:    "hello  world",
			}
			o := newTestOrchestrator(t, engine, OrchestratorConfig{Mode: mode, StreamChunkFrames: 1})

			var emitted []string
			res, err := o.Decode(context.Background(), ramp(4), func(text string) { emitted = append(emitted, text) })
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if want := []string{"hello world", "hello  world", " hello world"}; !reflect.DeepEqual(emitted, want) {
				t.Fatalf("emitted %q, want %q", emitted, want)
			}
			if res.Partials != 3 {
				t.Fatalf("expected 3 partials, got %d", res.Partials)
			}
			if mode == ModeStreaming && res.Text != "hello world" {
				t.Fatalf("final text not normalized: %q", res.Text)
			}
		})
	}
}

func TestStreamingFeedsEveryChunkInOrderBeforeFinish(t *testing.T) {
	engine := &fakeEngine{partials: []string{"x"}, final: "x"}
	o := newTestOrchestrator(t, engine, OrchestratorConfig{Mode: ModeStreaming, StreamChunkFrames: 3})

	pcm := ramp(7)
	if _, err := o.Decode(context.Background(), pcm, nil); err != nil {
		t.Fatalf("decode: %v", err)
	}

	var sizes []int
	var joined []int16
	for _, chunk := range engine.fed {
		sizes = append(sizes, len(chunk))
		joined = append(joined, chunk...)
	}
	if !reflect.DeepEqual(sizes, []int{3, 3, 1}) {
		t.Fatalf("chunk sizes %v", sizes)
	}
	if !reflect.DeepEqual(joined, pcm) {
		t.Fatalf("audio reordered or dropped: %v", joined)
	}

	finishes := 0
	for i, ev := range engine.events {
		if ev == "finish" {
			finishes++
			if i != len(engine.events)-1 {
				t.Fatalf("finish before the last chunk: %v", engine.events)
			}
		}
	}
	if finishes != 1 {
		t.Fatalf("expected exactly one finish, got %d", finishes)
	}
}

func TestStreamingMetadataReleasesEveryIntermediate(t *testing.T) {
	engine := &fakeEngine{
		partials: []string{"op", "open", "open", "open"},
		final:    "open",
	}
	o := newTestOrchestrator(t, engine, OrchestratorConfig{Mode: ModeStreamingMetadata, StreamChunkFrames: 4})

	var emitted []string
	res, err := o.Decode(context.Background(), ramp(16), func(text string) { emitted = append(emitted, text) })
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if engine.allocMeta != 5 {
		t.Fatalf("expected 4 intermediates and 1 final metadata, got %d", engine.allocMeta)
	}
	if engine.liveMeta != 0 {
		t.Fatalf("%d metadata objects were never released", engine.liveMeta)
	}
	if want := []string{"op", "open"}; !reflect.DeepEqual(emitted, want) {
		t.Fatalf("emitted %q, want %q", emitted, want)
	}
	want := `{"metadata":{"confidence":-4.5},"words":[{"word":"open","time":0.0,"duration":0.30000000000000004}]}`
	if res.Text != want {
		t.Fatalf("unexpected final json\n got: %s\nwant: %s", res.Text, want)
	}
	if res.Confidence() != -4.5 {
		t.Fatalf("unexpected confidence %v", res.Confidence())
	}
}

func TestStreamCreationFailureYieldsEmptyResult(t *testing.T) {
	engine := &fakeEngine{createErr: errors.New("no session")}
	o := newTestOrchestrator(t, engine, OrchestratorConfig{Mode: ModeStreaming, StreamChunkFrames: 2})

	res, err := o.Decode(context.Background(), ramp(8), nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !res.Empty() || len(engine.events) != 0 {
		t.Fatalf("expected empty result and no engine calls, got %+v %v", res, engine.events)
	}
}

func TestPlainTextIsNormalized(t *testing.T) {
	engine := &fakeEngine{plain: "  open   tools "}
	o := newTestOrchestrator(t, engine, OrchestratorConfig{Mode: ModePlain})

	res, err := o.Decode(context.Background(), ramp(4), nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Text != "open tools" {
		t.Fatalf("got %q", res.Text)
	}
}

func TestEngineErrorReturnsEmptyResult(t *testing.T) {
	engine := &fakeEngine{plain: "ignored", plainErr: errors.New("engine busy")}
	o := newTestOrchestrator(t, engine, OrchestratorConfig{Mode: ModePlain})

	res, err := o.Decode(context.Background(), ramp(4), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !res.Empty() || res.Mode != ModePlain {
		t.Fatalf("expected empty plain result, got %+v", res)
	}
}

func TestMetadataSilenceIsEmpty(t *testing.T) {
	engine := &fakeEngine{meta: []transcript.Transcript{{Confidence: -1}}}
	o := newTestOrchestrator(t, engine, OrchestratorConfig{Mode: ModeMetadata})

	res, err := o.Decode(context.Background(), ramp(4), nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Empty() || !res.Transcripts.Empty() {
		t.Fatalf("expected empty result, got %+v", res)
	}
	if !reflect.DeepEqual(engine.metaReqs, []int{1}) {
		t.Fatalf("metadata mode must ask for one candidate, asked %v", engine.metaReqs)
	}
	if engine.liveMeta != 0 {
		t.Fatal("metadata not released")
	}
}

func TestJSONRequestsConfiguredCandidates(t *testing.T) {
	engine := &fakeEngine{meta: []transcript.Transcript{
		textTranscript("stop", -1),
		textTranscript("top", -2),
	}}
	o := newTestOrchestrator(t, engine, OrchestratorConfig{Mode: ModeJSON, Candidates: 3})

	res, err := o.Decode(context.Background(), ramp(4), nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(engine.metaReqs, []int{3}) {
		t.Fatalf("asked for %v candidates", engine.metaReqs)
	}
	if !strings.HasPrefix(res.Text, `{"metadata":{"confidence":-1.0},"words":[{"word":"stop"`) ||
		!strings.Contains(res.Text, `"alternatives":[{"metadata":{"confidence":-2.0},"words":[{"word":"top"`) {
		t.Fatalf("unexpected json %s", res.Text)
	}
}

func TestNewOrchestratorNeedsStreamChunk(t *testing.T) {
	for _, mode := range []DecodeMode{ModeStreaming, ModeStreamingMetadata} {
		if _, err := NewOrchestrator(&fakeEngine{}, OrchestratorConfig{Mode: mode}, newLogger()); err == nil {
			t.Fatalf("%s: expected error without chunk size", mode)
		}
	}
}

func tone(rate int, seconds float64, amplitude float64) []int16 {
	n := int(float64(rate) * seconds)
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(amplitude * math.MaxInt16 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return pcm
}

func TestMockEngineDecodesAreRepeatable(t *testing.T) {
	engine := NewMockEngine(16000)
	pcm := tone(16000, 1.5, 0.3)

	for _, mode := range []DecodeMode{ModePlain, ModeMetadata, ModeJSON, ModeStreaming, ModeStreamingMetadata} {
		o := newTestOrchestrator(t, engine, OrchestratorConfig{Mode: mode, StreamChunkFrames: 1600, Candidates: 2})
		first, err := o.Decode(context.Background(), pcm, nil)
		if err != nil {
			t.Fatalf("%s: decode: %v", mode, err)
		}
		second, err := o.Decode(context.Background(), pcm, nil)
		if err != nil {
			t.Fatalf("%s: decode: %v", mode, err)
		}
		if first.Empty() || first.Text != second.Text {
			t.Fatalf("%s: decodes differ or empty: %q vs %q", mode, first.Text, second.Text)
		}
	}
	if engine.LiveMetadata() != 0 || engine.LiveStreams() != 0 {
		t.Fatalf("leaked metadata=%d streams=%d", engine.LiveMetadata(), engine.LiveStreams())
	}
}

func TestMockEngineSilenceIsEmpty(t *testing.T) {
	o := newTestOrchestrator(t, NewMockEngine(16000), OrchestratorConfig{Mode: ModeJSON, Candidates: 3})
	res, err := o.Decode(context.Background(), make([]int16, 16000), nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Empty() {
		t.Fatalf("expected empty result for silence, got %q", res.Text)
	}
}
