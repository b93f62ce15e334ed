package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/denoise"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/wavfile"
	"github.com/nats-io/nats.go"
)

// Service turns audio frames on the bus into transcripts. Each session gets
// its own ingest pipeline; decodes run off the subscription goroutine.
type Service struct {
	cfg      config.Config
	bus      *bus.Client
	orch     *Orchestrator
	store    *eventstore.Store
	log      *slog.Logger
	sessions map[string]*sessionState
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	sub      *nats.Subscription
	wg       sync.WaitGroup
	ready    atomic.Bool
}

type sessionState struct {
	pipeline     *audio.Pipeline
	collector    *collector
	recorder     *audio.Recorder
	sampleRate   int
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
	finalQueued  bool
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, orch *Orchestrator, store *eventstore.Store, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		orch:     orch,
		store:    store,
		log:      log.With(slog.String("component", "stt-service")),
		sessions: make(map[string]*sessionState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.STT.Enabled {
		return nil
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.ready.Store(true)
	s.log.Info("stt service listening",
		slog.String("subject", subject),
		slog.String("mode", s.orch.Mode().String()))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, state := range s.sessions {
		s.closeRecorder(id, state)
		delete(s.sessions, id)
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.STT.Enabled || s.ready.Load()
}

// Sessions is the number of sessions with buffered audio.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		s.log.Warn("audio frame without session id", slog.String("subject", msg.Subject))
		return
	}
	if err := s.ingest(frame); err != nil {
		var inErr *wavfile.InputError
		switch {
		case errors.As(err, &inErr):
			s.log.Warn("audio frame rejected", slog.String("session_id", frame.SessionID), slogError(err))
			return
		case errors.Is(err, audio.ErrOverflow):
			s.orch.RecordOverflow(s.ctx)
			s.log.Warn("ingest overflow", slog.String("session_id", frame.SessionID), slogError(err))
		default:
			s.log.Warn("audio ingest failed", slog.String("session_id", frame.SessionID), slogError(err))
			return
		}
	}

	if s.cfg.STT.PublishInterim && !frame.Final && s.shouldSchedulePartial(frame.SessionID) {
		s.scheduleTranscription(frame.SessionID, false)
	}
	if frame.Final {
		s.scheduleTranscription(frame.SessionID, true)
	}
}

// ingest runs the frame through the session's pipeline. The subscription
// delivers frames one at a time, so each pipeline has a single pusher.
func (s *Service) ingest(frame protocol.AudioFrame) error {
	if frame.Channels != 1 {
		return &wavfile.InputError{
			Path: frame.SessionID,
			Err:  fmt.Errorf("%w: %d channels, want mono", wavfile.ErrUnsupportedAudio, frame.Channels),
		}
	}
	if frame.SampleRate <= 0 || frame.SampleRate > s.cfg.Audio.MaxInputSampleRate {
		return &wavfile.InputError{
			Path: frame.SessionID,
			Err:  fmt.Errorf("%w: sample rate %d", wavfile.ErrUnsupportedAudio, frame.SampleRate),
		}
	}
	block, err := audio.DecodePCM16(frame.PCM, 1)
	if err != nil {
		return &wavfile.InputError{Path: frame.SessionID, Err: err}
	}

	state, err := s.session(frame.SessionID, frame.SampleRate)
	if err != nil {
		return err
	}
	if state.finalQueued {
		return nil
	}
	if block.Frames() > 0 {
		if err := state.pipeline.Process(block); err != nil {
			return err
		}
	}
	if frame.Final {
		state.finalQueued = true
		s.log.Debug("session audio complete",
			slog.String("session_id", frame.SessionID),
			slog.Int("input_rate", state.pipeline.InputRate()),
			slog.Float64("last_peak", float64(state.pipeline.Level())))
		return state.pipeline.Flush()
	}
	return nil
}

// session returns the state for id, creating it or re-preparing its
// pipeline when the input rate changes. A rate change drops whatever was
// still inside the converter.
func (s *Service) session(id string, sampleRate int) (*sessionState, error) {
	s.mu.Lock()
	state := s.sessions[id]
	s.mu.Unlock()

	if state == nil {
		pipeline := audio.NewPipeline(audio.PipelineConfig{
			Channels:     1,
			OutputRate:   s.orch.Engine().SampleRate(),
			MaxInputRate: s.cfg.Audio.MaxInputSampleRate,
		})
		if err := pipeline.Prepare(sampleRate, s.cfg.Audio.BlockSize); err != nil {
			return nil, err
		}
		state = &sessionState{pipeline: pipeline, collector: &collector{}, sampleRate: sampleRate}
		var w audio.BlockWriter = state.collector
		if s.cfg.Recorder.Enabled {
			rec, err := s.openRecorder(id)
			if err != nil {
				s.log.Warn("recording disabled for session", slog.String("session_id", id), slogError(err))
			} else {
				state.recorder = rec
				w = &teeWriter{primary: state.collector, recorder: rec, log: s.log}
			}
		}
		pipeline.SetWriter(w)

		s.mu.Lock()
		s.sessions[id] = state
		s.mu.Unlock()
		s.recordSession(id, sampleRate)
		return state, nil
	}

	if state.sampleRate != sampleRate {
		if err := state.pipeline.Prepare(sampleRate, s.cfg.Audio.BlockSize); err != nil {
			return nil, err
		}
		s.log.Info("session input rate changed",
			slog.String("session_id", id),
			slog.Int("from", state.sampleRate),
			slog.Int("to", sampleRate))
		state.sampleRate = sampleRate
	}
	return state, nil
}

func (s *Service) openRecorder(sessionID string) (*audio.Recorder, error) {
	name := fmt.Sprintf("%s_%s.wav", filepath.Base(sessionID), uuid.NewString())
	path := filepath.Join(s.cfg.Recorder.Directory, name)
	return audio.NewRecorder(path, s.orch.Engine().SampleRate(), s.cfg.Audio.BlockSize, s.cfg.Recorder.QueueBlocks, s.log)
}

func (s *Service) closeRecorder(id string, state *sessionState) {
	if state == nil || state.recorder == nil {
		return
	}
	state.pipeline.ClearWriter()
	if err := state.recorder.Close(); err != nil {
		s.log.Warn("failed to close recording", slog.String("session_id", id), slogError(err))
		return
	}
	s.log.Info("recording saved",
		slog.String("session_id", id),
		slog.String("path", state.recorder.Path()),
		slog.Int64("frames", state.recorder.Frames()),
		slog.Int64("dropped", state.recorder.Dropped()))
	state.recorder = nil
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil || state.inflight {
		return false
	}
	if state.lastPartial.IsZero() {
		state.lastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.cfg.STT.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(state.lastPartial) >= interval {
		state.lastPartial = time.Now()
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.inflight {
		if final {
			state.pendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	pcm := state.collector.Samples()
	state.inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timeout := time.Duration(s.cfg.STT.DecodeTimeoutMS) * time.Millisecond
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()

		if final {
			s.decodeFinal(ctx, sessionID, pcm)
		} else {
			s.decodeInterim(ctx, sessionID, pcm)
		}

		s.mu.Lock()
		state := s.sessions[sessionID]
		var pendingFinal bool
		if state != nil {
			state.inflight = false
			pendingFinal = state.pendingFinal
			if !final {
				state.lastPartial = time.Now()
			}
			if final {
				s.closeRecorder(sessionID, state)
				delete(s.sessions, sessionID)
			}
		}
		s.mu.Unlock()

		if pendingFinal && !final {
			s.scheduleTranscription(sessionID, true)
		}
	}()
}

// decodeInterim is a plain decode of everything collected so far.
func (s *Service) decodeInterim(ctx context.Context, sessionID string, pcm []int16) {
	if len(pcm) == 0 {
		return
	}
	res, err := s.orch.DecodeMode(ctx, pcm, ModePlain, nil)
	if err != nil {
		s.log.Warn("stt interim decode failed", slog.String("session_id", sessionID), slogError(err))
		return
	}
	s.publishTranscript(sessionID, res, res.Text, true, s.audioMS(pcm))
}

func (s *Service) decodeFinal(ctx context.Context, sessionID string, pcm []int16) {
	if s.cfg.Denoise.Enabled && len(pcm) > 0 {
		denoise.Int16(denoise.NewGate(s.cfg.Denoise), pcm)
	}
	audioMS := s.audioMS(pcm)
	onPartial := func(text string) {
		s.publishTranscript(sessionID, Result{Mode: s.orch.Mode()}, text, true, audioMS)
	}
	res, err := s.orch.Decode(ctx, pcm, onPartial)
	if err != nil {
		s.log.Warn("stt transcription failed", slog.String("session_id", sessionID), slogError(err))
		return
	}
	text := res.Text
	if res.Mode.RendersJSON() {
		text = bestText(res.Transcripts)
	}
	s.publishTranscript(sessionID, res, text, false, audioMS)
}

func (s *Service) publishTranscript(sessionID string, res Result, text string, partial bool, audioMS int64) {
	if text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	kind := eventstore.KindPartial
	if !partial {
		subject = protocol.SubjectTranscriptFinal
		kind = eventstore.KindFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		NodeID:     s.cfg.Node.ID,
		Mode:       res.Mode.String(),
		Text:       text,
		Partial:    partial,
		Partials:   res.Partials,
		AudioMS:    audioMS,
		DecodeMS:   res.Elapsed.Milliseconds(),
		Timestamp:  time.Now().UTC(),
		Confidence: res.Confidence(),
	}
	if !partial && res.Mode.RendersJSON() && res.Text != "" {
		msg.Document = json.RawMessage(res.Text)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("failed to marshal transcript", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}

	entry := eventstore.Entry{
		SessionID:  sessionID,
		Kind:       kind,
		Text:       text,
		Confidence: msg.Confidence,
		Partials:   msg.Partials,
		AudioMS:    audioMS,
		DecodeMS:   msg.DecodeMS,
		Payload:    msg.Document,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.AppendTranscript(ctx, entry); err != nil {
		s.log.Warn("failed to store transcript", slog.String("session_id", sessionID), slogError(err))
	}
}

func (s *Service) recordSession(id string, sampleRate int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess := eventstore.Session{ID: id, Source: "bus", Mode: s.orch.Mode().String(), SampleRate: sampleRate}
	if err := s.store.RecordSession(ctx, sess); err != nil {
		s.log.Warn("failed to record session", slog.String("session_id", id), slogError(err))
	}
}

func (s *Service) audioMS(pcm []int16) int64 {
	rate := max(s.orch.Engine().SampleRate(), 1)
	return int64(len(pcm)) * 1000 / int64(rate)
}

// collector accumulates converted mono audio for a session.
type collector struct {
	mu      sync.Mutex
	samples []int16
}

func (c *collector) WriteBlock(block audio.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = audio.AppendMonoInt16(c.samples, block)
	return nil
}

// Samples returns a copy of everything collected.
func (c *collector) Samples() []int16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int16(nil), c.samples...)
}

// teeWriter hands blocks to the collector and a recorder. A recorder that
// cannot keep up loses blocks; the transcript never does.
type teeWriter struct {
	primary  audio.BlockWriter
	recorder *audio.Recorder
	log      *slog.Logger
	warned   bool
}

func (t *teeWriter) WriteBlock(block audio.Block) error {
	if err := t.primary.WriteBlock(block); err != nil {
		return err
	}
	if err := t.recorder.WriteBlock(block); err != nil && !t.warned {
		t.warned = true
		t.log.Warn("recording is dropping audio", slog.String("path", t.recorder.Path()), slogError(err))
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
