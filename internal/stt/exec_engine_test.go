package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/loqalabs/loqa-scribe/internal/wavfile"
)

// TestHelperProcess stands in for the recognizer command. It answers with
// what it was given so callers can check the argument and stdout contract.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	if os.Getenv("HELPER_PROCESS_FAIL") == "1" {
		fmt.Fprint(os.Stderr, "model exploded")
		os.Exit(3)
	}

	var audio string
	partial := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--audio":
			i++
			audio = args[i]
		case "--partial":
			partial = true
		}
	}
	samples, hdr, err := wavfile.ReadFile(audio)
	if err != nil {
		fmt.Fprint(os.Stderr, err)
		os.Exit(2)
	}
	text := fmt.Sprintf("%d samples at %d", len(samples), hdr.SampleRate)
	if partial {
		text = "partial " + text
	}
	out := execResult{
		Text: text,
		Transcripts: []transcript.Transcript{
			{Confidence: -1, Tokens: []transcript.Token{{Text: "o"}, {Text: "k", StartTime: 0.02}}},
			{Confidence: -2, Tokens: []transcript.Token{{Text: "n", StartTime: 0.1}}},
			{Confidence: -3},
		},
	}
	_ = json.NewEncoder(os.Stdout).Encode(out)
}

func newHelperEngine(t *testing.T) *ExecEngine {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	command := fmt.Sprintf("%q -test.run=^TestHelperProcess$ --", os.Args[0])
	engine, err := NewExecEngine(config.STTConfig{Command: command}, 16000)
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	return engine
}

func TestExecEngineArgs(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "model.pbmm")
	scorer := filepath.Join(dir, "kenlm.scorer")
	for _, p := range []string{model, scorer} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}

	tests := []struct {
		name       string
		cfg        config.STTConfig
		scorer     string
		hotWords   []HotWord
		candidates int
		partial    bool
		want       []string
	}{
		{
			name:       "bare",
			cfg:        config.STTConfig{Command: "recognize --quiet"},
			candidates: 1,
			want:       []string{"--quiet", "--audio", "in.wav"},
		},
		{
			name:       "model and language",
			cfg:        config.STTConfig{Command: "recognize", ModelPath: model, Language: "en"},
			candidates: 1,
			want:       []string{"--audio", "in.wav", "--model", model, "--language", "en"},
		},
		{
			name:       "scorer and hot words",
			cfg:        config.STTConfig{Command: "recognize"},
			scorer:     scorer,
			hotWords:   []HotWord{{Word: "genesis", Boost: 5}, {Word: "pro", Boost: -1.5}},
			candidates: 1,
			want:       []string{"--audio", "in.wav", "--scorer", scorer, "--hot-word", "genesis:5", "--hot-word", "pro:-1.5"},
		},
		{
			name:       "candidates and partial",
			cfg:        config.STTConfig{Command: "recognize"},
			candidates: 3,
			partial:    true,
			want:       []string{"--audio", "in.wav", "--candidates", "3", "--partial"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			engine, err := NewExecEngine(tc.cfg, 16000)
			if err != nil {
				t.Fatalf("new exec engine: %v", err)
			}
			if tc.scorer != "" {
				if err := engine.EnableExternalScorer(tc.scorer); err != nil {
					t.Fatalf("enable scorer: %v", err)
				}
			}
			for _, hw := range tc.hotWords {
				if err := engine.AddHotWord(hw.Word, hw.Boost); err != nil {
					t.Fatalf("add hot word: %v", err)
				}
			}
			if got := engine.args("in.wav", tc.candidates, tc.partial); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExecEngineRunsCommand(t *testing.T) {
	engine := newHelperEngine(t)
	ctx := context.Background()
	pcm := ramp(800)

	text, err := engine.SpeechToText(ctx, pcm)
	if err != nil {
		t.Fatalf("speech to text: %v", err)
	}
	if text != "800 samples at 16000" {
		t.Fatalf("unexpected text %q", text)
	}

	md, err := engine.SpeechToTextWithMetadata(ctx, pcm, 2)
	if err != nil {
		t.Fatalf("speech to text with metadata: %v", err)
	}
	defer md.Free()
	set := md.Set()
	if len(set.Transcripts) != 2 {
		t.Fatalf("expected candidates trimmed to 2, got %d", len(set.Transcripts))
	}
	if primary, _ := set.Primary(); transcript.PlainText(primary) != "ok" || primary.Confidence != -1 {
		t.Fatalf("unexpected primary %+v", primary)
	}
}

func TestExecStreamDecodesEverythingFed(t *testing.T) {
	engine := newHelperEngine(t)
	ctx := context.Background()

	stream, err := engine.CreateStream(ctx)
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := stream.FeedAudioContent(ramp(160)); err != nil {
			t.Fatalf("feed: %v", err)
		}
	}
	partial, err := stream.IntermediateDecode(ctx)
	if err != nil {
		t.Fatalf("intermediate: %v", err)
	}
	if partial != "partial 320 samples at 16000" {
		t.Fatalf("unexpected partial %q", partial)
	}
	final, err := stream.FinishStream(ctx)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if final != "320 samples at 16000" {
		t.Fatalf("unexpected final %q", final)
	}
	if err := stream.FeedAudioContent(ramp(1)); err == nil {
		t.Fatal("expected error feeding a finished stream")
	}
}

func TestExecEngineReportsCommandFailure(t *testing.T) {
	engine := newHelperEngine(t)
	t.Setenv("HELPER_PROCESS_FAIL", "1")

	_, err := engine.SpeechToText(context.Background(), ramp(10))
	if err == nil || !strings.Contains(err.Error(), "model exploded") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestTrimCandidates(t *testing.T) {
	ts := make([]transcript.Transcript, 3)
	for _, tc := range []struct{ n, want int }{{0, 3}, {1, 1}, {3, 3}, {5, 3}} {
		if got := len(trimCandidates(ts, tc.n)); got != tc.want {
			t.Fatalf("trim to %d: got %d, want %d", tc.n, got, tc.want)
		}
	}
}
