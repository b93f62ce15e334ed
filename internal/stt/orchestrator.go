package stt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OrchestratorConfig is resolved once when the orchestrator is built.
type OrchestratorConfig struct {
	Mode DecodeMode
	// StreamChunkFrames is the feed size for the streaming modes.
	StreamChunkFrames int
	// Candidates is how many transcripts the JSON mode asks for.
	Candidates int
}

// OrchestratorConfigFrom applies mode precedence to the STT section.
func OrchestratorConfigFrom(cfg config.STTConfig) OrchestratorConfig {
	mode, chunk := ModeFromConfig(cfg)
	return OrchestratorConfig{Mode: mode, StreamChunkFrames: chunk, Candidates: cfg.JSONCandidates}
}

// Result is the outcome of one decode. Text is plain text, or JSON for the
// JSON and streaming-metadata modes. An empty Text means silence or nothing
// the engine was confident about.
type Result struct {
	Mode        DecodeMode
	Text        string
	Transcripts transcript.Set
	Partials    int
	Elapsed     time.Duration
}

func (r Result) Empty() bool { return r.Text == "" }

// Confidence of the primary transcript, zero without metadata.
func (r Result) Confidence() float64 {
	if t, ok := r.Transcripts.Primary(); ok {
		return t.Confidence
	}
	return 0
}

// PartialFunc receives each distinct intermediate transcript in order.
type PartialFunc func(text string)

// Orchestrator drives one engine through the configured decode mode. Each
// streaming decode opens its own session and is its only feeder.
type Orchestrator struct {
	engine  Engine
	cfg     OrchestratorConfig
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *metrics
}

func NewOrchestrator(engine Engine, cfg OrchestratorConfig, log *slog.Logger) (*Orchestrator, error) {
	if cfg.Mode.Streams() && cfg.StreamChunkFrames <= 0 {
		return nil, fmt.Errorf("%s mode needs a positive stream chunk size", cfg.Mode)
	}
	if cfg.Candidates <= 0 {
		cfg.Candidates = 1
	}
	return &Orchestrator{
		engine:  engine,
		cfg:     cfg,
		log:     log.With(slog.String("component", "stt-orchestrator")),
		tracer:  otel.Tracer(instrumentationName),
		metrics: newMetrics(),
	}, nil
}

func (o *Orchestrator) Mode() DecodeMode { return o.cfg.Mode }

func (o *Orchestrator) Engine() Engine { return o.engine }

// Decode runs pcm through the configured mode.
func (o *Orchestrator) Decode(ctx context.Context, pcm []int16, onPartial PartialFunc) (Result, error) {
	return o.DecodeMode(ctx, pcm, o.cfg.Mode, onPartial)
}

// DecodeMode runs pcm through mode. Engine failures come back with an empty
// result; a stream that cannot be opened yields an empty result and no error.
func (o *Orchestrator) DecodeMode(ctx context.Context, pcm []int16, mode DecodeMode, onPartial PartialFunc) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "stt.decode", trace.WithAttributes(
		attribute.String("stt.mode", mode.String()),
		attribute.Int("stt.samples", len(pcm)),
	))
	defer span.End()

	start := time.Now()
	var (
		res Result
		err error
	)
	switch mode {
	case ModeMetadata:
		res, err = o.decodeMetadata(ctx, pcm)
	case ModeJSON:
		res, err = o.decodeJSON(ctx, pcm)
	case ModeStreaming:
		res, err = o.decodeStream(ctx, pcm, false, onPartial)
	case ModeStreamingMetadata:
		res, err = o.decodeStream(ctx, pcm, true, onPartial)
	default:
		mode = ModePlain
		res, err = o.decodePlain(ctx, pcm)
	}
	res.Mode = mode
	res.Elapsed = time.Since(start)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		res = Result{Mode: mode, Elapsed: res.Elapsed}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.Empty():
		outcome = "empty"
	}
	audioSeconds := float64(len(pcm)) / float64(max(o.engine.SampleRate(), 1))
	o.metrics.recordDecode(ctx, mode, outcome, res.Elapsed, audioSeconds)
	o.log.Debug("decode finished",
		slog.String("mode", mode.String()),
		slog.String("outcome", outcome),
		slog.Float64("audio_s", audioSeconds),
		slog.Duration("elapsed", res.Elapsed),
		slog.Int("partials", res.Partials))
	return res, err
}

func (o *Orchestrator) decodePlain(ctx context.Context, pcm []int16) (Result, error) {
	text, err := o.engine.SpeechToText(ctx, pcm)
	if err != nil {
		return Result{}, fmt.Errorf("speech to text: %w", err)
	}
	return Result{Text: transcript.NormalizeSpaces(text)}, nil
}

func (o *Orchestrator) decodeMetadata(ctx context.Context, pcm []int16) (Result, error) {
	md, err := o.engine.SpeechToTextWithMetadata(ctx, pcm, 1)
	if err != nil {
		return Result{}, fmt.Errorf("speech to text with metadata: %w", err)
	}
	defer md.Free()
	set := withoutSilence(md.Set())
	return Result{Text: bestText(set), Transcripts: set}, nil
}

func (o *Orchestrator) decodeJSON(ctx context.Context, pcm []int16) (Result, error) {
	md, err := o.engine.SpeechToTextWithMetadata(ctx, pcm, o.cfg.Candidates)
	if err != nil {
		return Result{}, fmt.Errorf("speech to text with metadata: %w", err)
	}
	defer md.Free()
	set := withoutSilence(md.Set())
	doc, err := transcript.JSON(set)
	if err != nil {
		return Result{}, fmt.Errorf("render transcript json: %w", err)
	}
	return Result{Text: doc, Transcripts: set}, nil
}

// decodeStream feeds pcm in order, one chunk at a time, reporting each
// changed intermediate, and finishes the stream once every chunk is in.
func (o *Orchestrator) decodeStream(ctx context.Context, pcm []int16, withMetadata bool, onPartial PartialFunc) (Result, error) {
	stream, err := o.engine.CreateStream(ctx)
	if err != nil {
		o.log.Warn("stream creation failed", slogError(fmt.Errorf("%w: %v", ErrStreamingSession, err)))
		return Result{}, nil
	}
	defer stream.Free()

	var (
		res     Result
		last    string
		started bool
	)
	chunk := o.cfg.StreamChunkFrames
	for off := 0; off < len(pcm); off += chunk {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		end := min(off+chunk, len(pcm))
		if err := stream.FeedAudioContent(pcm[off:end]); err != nil {
			return Result{}, fmt.Errorf("feed audio: %w", err)
		}

		partial, err := o.intermediate(ctx, stream, withMetadata)
		if err != nil {
			return Result{}, err
		}
		if started && partial == last {
			continue
		}
		last, started = partial, true
		res.Partials++
		o.metrics.recordPartial(ctx, o.modeFor(withMetadata))
		o.log.Info("intermediate transcript", slog.String("text", partial))
		if onPartial != nil {
			onPartial(partial)
		}
	}

	if !withMetadata {
		text, err := stream.FinishStream(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("finish stream: %w", err)
		}
		res.Text = transcript.NormalizeSpaces(text)
		return res, nil
	}

	md, err := stream.FinishStreamWithMetadata(ctx, 1)
	if err != nil {
		return Result{}, fmt.Errorf("finish stream: %w", err)
	}
	defer md.Free()
	res.Transcripts = withoutSilence(md.Set())
	if res.Text, err = transcript.JSON(res.Transcripts); err != nil {
		return Result{}, fmt.Errorf("render transcript json: %w", err)
	}
	return res, nil
}

// intermediate returns an owned copy of the current partial exactly as the
// engine produced it. Metadata is released before returning whether or not
// the text changed.
func (o *Orchestrator) intermediate(ctx context.Context, stream Stream, withMetadata bool) (string, error) {
	if !withMetadata {
		text, err := stream.IntermediateDecode(ctx)
		if err != nil {
			return "", fmt.Errorf("intermediate decode: %w", err)
		}
		return text, nil
	}
	md, err := stream.IntermediateDecodeWithMetadata(ctx, 1)
	if err != nil {
		return "", fmt.Errorf("intermediate decode: %w", err)
	}
	defer md.Free()
	t, ok := md.Set().Primary()
	if !ok {
		return "", nil
	}
	return transcript.PlainText(t), nil
}

func (o *Orchestrator) modeFor(withMetadata bool) DecodeMode {
	if withMetadata {
		return ModeStreamingMetadata
	}
	return ModeStreaming
}

// RecordOverflow counts an ingest fifo overflow seen by a caller.
func (o *Orchestrator) RecordOverflow(ctx context.Context) {
	o.metrics.recordOverflow(ctx)
}

func bestText(set transcript.Set) string {
	t, ok := set.Primary()
	if !ok {
		return ""
	}
	return transcript.NormalizeSpaces(transcript.PlainText(t))
}

// withoutSilence maps a set whose primary candidate has no words to the
// empty set.
func withoutSilence(set transcript.Set) transcript.Set {
	t, ok := set.Primary()
	if !ok || len(t.Words()) == 0 {
		return transcript.Set{}
	}
	return set
}
