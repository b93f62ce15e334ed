package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/denoise"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/wavfile"
)

var version = "0.1.0-dev"

type options struct {
	configPath string
	mode       string
	chunk      int
	candidates int
	denoise    bool
	store      bool
	verbose    bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file (defaults when empty)")
	flag.StringVar(&opts.mode, "mode", "", "Decode mode: plain|metadata|json|streaming|streaming-metadata (overrides config)")
	flag.IntVar(&opts.chunk, "chunk", 0, "Frames fed per streaming step (defaults to the configured stream size)")
	flag.IntVar(&opts.candidates, "candidates", 0, "Candidates requested in json mode (overrides config)")
	flag.BoolVar(&opts.denoise, "denoise", false, "Denoise audio before decoding")
	flag.BoolVar(&opts.store, "store", false, "Record transcripts in the event store")
	flag.BoolVar(&opts.verbose, "v", false, "Log intermediate transcripts and timings")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] file.wav...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed, err := run(ctx, opts, flag.Args(), logger)
	if err != nil {
		logger.Error("transcribe failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// run decodes each file in turn and returns how many could not be
// transcribed. Only setup failures are returned as errors.
func run(ctx context.Context, opts options, files []string, logger *slog.Logger) (int, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return 0, err
	}
	if opts.denoise {
		cfg.Denoise.Enabled = true
	}

	orchCfg := stt.OrchestratorConfigFrom(cfg.STT)
	if opts.mode != "" {
		mode, err := stt.ParseDecodeMode(opts.mode)
		if err != nil {
			return 0, err
		}
		orchCfg.Mode = mode
	}
	if opts.chunk > 0 {
		orchCfg.StreamChunkFrames = opts.chunk
	}
	if orchCfg.Mode.Streams() && orchCfg.StreamChunkFrames <= 0 {
		orchCfg.StreamChunkFrames = max(cfg.STT.StreamSize, cfg.STT.ExtendedStreamSize, cfg.Audio.TargetSampleRate/10)
	}
	if opts.candidates > 0 {
		orchCfg.Candidates = opts.candidates
	}

	engine, err := stt.NewEngine(cfg.STT, cfg.Audio.TargetSampleRate, logger)
	if err != nil {
		return 0, err
	}
	defer engine.Close()

	orch, err := stt.NewOrchestrator(engine, orchCfg, logger)
	if err != nil {
		return 0, err
	}

	store := &eventstore.Store{}
	if opts.store {
		store, err = eventstore.Open(ctx, cfg.EventStore, logger)
		if err != nil {
			return 0, err
		}
		defer store.Close()
	}

	t := &transcriber{
		cfg:      cfg,
		orch:     orch,
		store:    store,
		pipeline: audio.NewPipeline(audio.PipelineConfig{Channels: 1, OutputRate: engine.SampleRate(), MaxInputRate: cfg.Audio.MaxInputSampleRate}),
		log:      logger,
		verbose:  opts.verbose,
	}

	failed := 0
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		if err := t.transcribe(ctx, path); err != nil {
			failed++
			var inErr *wavfile.InputError
			if errors.As(err, &inErr) {
				logger.Warn("skipping file", slog.String("error", err.Error()))
				continue
			}
			logger.Error("decode failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	return failed, nil
}

type transcriber struct {
	cfg      config.Config
	orch     *stt.Orchestrator
	store    *eventstore.Store
	pipeline *audio.Pipeline
	log      *slog.Logger
	verbose  bool
}

func (t *transcriber) transcribe(ctx context.Context, path string) error {
	samples, hdr, err := wavfile.ReadFile(path)
	if err != nil {
		return err
	}

	target := t.orch.Engine().SampleRate()
	if hdr.SampleRate < target {
		t.log.Warn("input sample rate is below the engine rate; accuracy may suffer",
			slog.String("path", path),
			slog.Int("sample_rate", hdr.SampleRate),
			slog.Int("engine_rate", target))
	}
	if hdr.SampleRate != target {
		if err := t.pipeline.Prepare(hdr.SampleRate, t.cfg.Audio.BlockSize); err != nil {
			return &wavfile.InputError{Path: path, Err: err}
		}
		if samples, err = t.pipeline.Resample(samples); err != nil {
			return fmt.Errorf("resample %s: %w", path, err)
		}
	}
	if t.cfg.Denoise.Enabled {
		denoise.Int16(denoise.NewGate(t.cfg.Denoise), samples)
	}

	sessionID := uuid.NewString()
	t.record(ctx, eventstore.Session{ID: sessionID, Source: "file:" + path, Mode: t.orch.Mode().String(), SampleRate: hdr.SampleRate})

	onPartial := func(text string) {
		if t.verbose {
			fmt.Fprintf(os.Stderr, "%s (partial): %s\n", path, text)
		}
	}
	timeout := time.Duration(t.cfg.STT.DecodeTimeoutMS) * time.Millisecond
	decodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := t.orch.Decode(decodeCtx, samples, onPartial)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %s\n", path, res.Text)
	if t.verbose {
		audioSecs := float64(len(samples)) / float64(target)
		t.log.Info("decoded",
			slog.String("path", path),
			slog.String("mode", res.Mode.String()),
			slog.Float64("audio_s", audioSecs),
			slog.Duration("elapsed", res.Elapsed),
			slog.Int("partials", res.Partials))
	}

	entry := eventstore.Entry{
		SessionID:  sessionID,
		Kind:       eventstore.KindFinal,
		Text:       res.Text,
		Confidence: res.Confidence(),
		Partials:   res.Partials,
		AudioMS:    int64(len(samples)) * 1000 / int64(target),
		DecodeMS:   res.Elapsed.Milliseconds(),
	}
	if res.Mode.RendersJSON() {
		entry.Payload = []byte(res.Text)
	}
	storeCtx, storeCancel := context.WithTimeout(ctx, 2*time.Second)
	defer storeCancel()
	if err := t.store.AppendTranscript(storeCtx, entry); err != nil {
		t.log.Warn("failed to store transcript", slog.String("error", err.Error()))
	}
	return nil
}

func (t *transcriber) record(ctx context.Context, sess eventstore.Session) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := t.store.RecordSession(ctx, sess); err != nil {
		t.log.Warn("failed to record session", slog.String("error", err.Error()))
	}
}
