package protocol

import (
	"encoding/json"
	"time"
)

// AudioFrame carries little-endian 16-bit PCM streamed from an edge device.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript is STT output broadcast on the bus. For the JSON-rendering
// modes Document holds the word-level transcript and Text its plain form.
type Transcript struct {
	SessionID  string          `json:"session_id"`
	NodeID     string          `json:"node_id,omitempty"`
	Mode       string          `json:"mode,omitempty"`
	Text       string          `json:"text"`
	Document   json.RawMessage `json:"document,omitempty"`
	Partial    bool            `json:"partial"`
	Partials   int             `json:"partials,omitempty"`
	AudioMS    int64           `json:"audio_ms,omitempty"`
	DecodeMS   int64           `json:"decode_ms,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Confidence float64         `json:"confidence,omitempty"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
)

// AudioFrameSubject is the subject a device publishes a session's frames on.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}
