package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/loqalabs/loqa-scribe/internal/wavfile"
	"github.com/mattn/go-shellwords"
)

// ExecEngine runs an external recognizer per decode. The command receives a
// temporary WAV file and prints one JSON object:
//
//	{"text": "...", "transcripts": [{"confidence": -3.1, "tokens": [{"text": "h", "start_time": 0.12}]}]}
type ExecEngine struct {
	cmd        []string
	cfg        config.STTConfig
	sampleRate int

	mu       sync.Mutex
	scorer   string
	hotWords []HotWord
}

type execResult struct {
	Text        string                  `json:"text"`
	Transcripts []transcript.Transcript `json:"transcripts"`
}

func NewExecEngine(cfg config.STTConfig, sampleRate int) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	if cfg.ModelPath != "" {
		if err := checkReadable(cfg.ModelPath); err != nil {
			return nil, fmt.Errorf("load model: %w", err)
		}
	}
	return &ExecEngine{cmd: args, cfg: cfg, sampleRate: sampleRate}, nil
}

func (e *ExecEngine) SampleRate() int { return e.sampleRate }

func (e *ExecEngine) EnableExternalScorer(path string) error {
	if err := checkReadable(path); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scorer = path
	return nil
}

func (e *ExecEngine) AddHotWord(word string, boost float32) error {
	if word == "" {
		return fmt.Errorf("empty hot word")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hotWords = append(e.hotWords, HotWord{Word: word, Boost: boost})
	return nil
}

func (e *ExecEngine) SpeechToText(ctx context.Context, samples []int16) (string, error) {
	res, err := e.run(ctx, samples, 1, false)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (e *ExecEngine) SpeechToTextWithMetadata(ctx context.Context, samples []int16, numCandidates int) (*Metadata, error) {
	res, err := e.run(ctx, samples, numCandidates, false)
	if err != nil {
		return nil, err
	}
	return NewMetadata(trimCandidates(res.Transcripts, numCandidates), nil), nil
}

func (e *ExecEngine) CreateStream(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &execStream{engine: e}, nil
}

func (e *ExecEngine) Close() error { return nil }

func (e *ExecEngine) run(ctx context.Context, samples []int16, candidates int, partial bool) (execResult, error) {
	file, err := os.CreateTemp("", "loqa_stt_*.wav")
	if err != nil {
		return execResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := wavfile.Encode(file, samples, e.sampleRate, 1); err != nil {
		return execResult{}, err
	}

	command := exec.CommandContext(ctx, e.cmd[0], e.args(file.Name(), candidates, partial)...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return execResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return execResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return resp, nil
}

func (e *ExecEngine) args(audioPath string, candidates int, partial bool) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", audioPath)
	if e.cfg.ModelPath != "" {
		args = append(args, "--model", e.cfg.ModelPath)
	}
	if e.scorer != "" {
		args = append(args, "--scorer", e.scorer)
	}
	for _, hw := range e.hotWords {
		args = append(args, "--hot-word", hw.Word+":"+strconv.FormatFloat(float64(hw.Boost), 'f', -1, 32))
	}
	if e.cfg.Language != "" {
		args = append(args, "--language", e.cfg.Language)
	}
	if candidates > 1 {
		args = append(args, "--candidates", strconv.Itoa(candidates))
	}
	if partial {
		args = append(args, "--partial")
	}
	return args
}

func trimCandidates(ts []transcript.Transcript, n int) []transcript.Transcript {
	if n > 0 && len(ts) > n {
		return ts[:n]
	}
	return ts
}

// execStream buffers fed audio and re-runs the command on everything fed so
// far for each decode.
type execStream struct {
	engine *ExecEngine
	buf    []int16
	done   bool
}

func (s *execStream) FeedAudioContent(samples []int16) error {
	if s.done {
		return fmt.Errorf("stream already finished")
	}
	s.buf = append(s.buf, samples...)
	return nil
}

func (s *execStream) IntermediateDecode(ctx context.Context) (string, error) {
	res, err := s.engine.run(ctx, s.buf, 1, true)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (s *execStream) IntermediateDecodeWithMetadata(ctx context.Context, numCandidates int) (*Metadata, error) {
	res, err := s.engine.run(ctx, s.buf, numCandidates, true)
	if err != nil {
		return nil, err
	}
	return NewMetadata(trimCandidates(res.Transcripts, numCandidates), nil), nil
}

func (s *execStream) FinishStream(ctx context.Context) (string, error) {
	if s.done {
		return "", fmt.Errorf("stream already finished")
	}
	defer s.Free()
	res, err := s.engine.run(ctx, s.buf, 1, false)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (s *execStream) FinishStreamWithMetadata(ctx context.Context, numCandidates int) (*Metadata, error) {
	if s.done {
		return nil, fmt.Errorf("stream already finished")
	}
	defer s.Free()
	res, err := s.engine.run(ctx, s.buf, numCandidates, false)
	if err != nil {
		return nil, err
	}
	return NewMetadata(trimCandidates(res.Transcripts, numCandidates), nil), nil
}

func (s *execStream) Free() {
	s.done = true
	s.buf = nil
}
