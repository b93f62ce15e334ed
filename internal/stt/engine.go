package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// ErrStreamingSession marks a stream that could not be opened.
var ErrStreamingSession = errors.New("streaming session unavailable")

// ConfigurationError is a failure while building an engine: model or scorer
// load, or a malformed hot-word list. The engine is unusable.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("stt configuration: %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Metadata is an engine-owned decode result with per-token timing. Free
// releases the engine side and is safe to call more than once.
type Metadata struct {
	Transcripts []transcript.Transcript

	once    sync.Once
	release func()
}

func NewMetadata(transcripts []transcript.Transcript, release func()) *Metadata {
	return &Metadata{Transcripts: transcripts, release: release}
}

func (m *Metadata) Free() {
	if m == nil {
		return
	}
	m.once.Do(func() {
		if m.release != nil {
			m.release()
		}
	})
}

// Set copies the candidates out so they outlive Free.
func (m *Metadata) Set() transcript.Set {
	if m == nil || len(m.Transcripts) == 0 {
		return transcript.Set{}
	}
	return transcript.Set{Transcripts: append([]transcript.Transcript(nil), m.Transcripts...)}
}

// Engine is a loaded speech model. Samples are mono 16-bit at SampleRate.
type Engine interface {
	SampleRate() int
	EnableExternalScorer(path string) error
	AddHotWord(word string, boost float32) error
	SpeechToText(ctx context.Context, samples []int16) (string, error)
	SpeechToTextWithMetadata(ctx context.Context, samples []int16, numCandidates int) (*Metadata, error)
	CreateStream(ctx context.Context) (Stream, error)
	// Close destroys the model.
	Close() error
}

// Stream is a single-owner incremental decode session. Finishing consumes
// it; Free discards an unfinished stream and is a no-op afterwards.
type Stream interface {
	FeedAudioContent(samples []int16) error
	IntermediateDecode(ctx context.Context) (string, error)
	IntermediateDecodeWithMetadata(ctx context.Context, numCandidates int) (*Metadata, error)
	FinishStream(ctx context.Context) (string, error)
	FinishStreamWithMetadata(ctx context.Context, numCandidates int) (*Metadata, error)
	Free()
}

// NewEngine creates the configured engine, then applies the scorer and hot
// words. Any failure is a ConfigurationError and nothing is left open.
func NewEngine(cfg config.STTConfig, sampleRate int, log *slog.Logger) (Engine, error) {
	var (
		engine Engine
		err    error
	)
	switch cfg.Engine {
	case "mock", "":
		engine = NewMockEngine(sampleRate)
	case "exec":
		engine, err = NewExecEngine(cfg, sampleRate)
	default:
		err = fmt.Errorf("unknown engine %q", cfg.Engine)
	}
	if err != nil {
		return nil, &ConfigurationError{Op: "create model", Err: err}
	}

	if cfg.ScorerPath != "" {
		if err := engine.EnableExternalScorer(cfg.ScorerPath); err != nil {
			_ = engine.Close()
			return nil, &ConfigurationError{Op: "enable scorer", Err: err}
		}
	}

	hotWords, err := ParseHotWords(cfg.HotWords)
	if err != nil {
		_ = engine.Close()
		return nil, &ConfigurationError{Op: "parse hot words", Err: err}
	}
	for _, hw := range hotWords {
		if err := engine.AddHotWord(hw.Word, hw.Boost); err != nil {
			_ = engine.Close()
			return nil, &ConfigurationError{Op: "add hot word " + hw.Word, Err: err}
		}
	}

	log.Info("stt engine ready",
		slog.String("engine", cfg.Engine),
		slog.Int("sample_rate", sampleRate),
		slog.Int("hot_words", len(hotWords)),
		slog.Bool("scorer", cfg.ScorerPath != ""))
	return engine, nil
}

func checkReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}
