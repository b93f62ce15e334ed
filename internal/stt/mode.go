package stt

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// DecodeMode selects exactly one decode strategy.
type DecodeMode int

const (
	ModePlain DecodeMode = iota
	ModeMetadata
	ModeJSON
	ModeStreaming
	ModeStreamingMetadata
)

var modeNames = map[DecodeMode]string{
	ModePlain:             "plain",
	ModeMetadata:          "metadata",
	ModeJSON:              "json",
	ModeStreaming:         "streaming",
	ModeStreamingMetadata: "streaming-metadata",
}

func (m DecodeMode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Streams reports whether the mode feeds a streaming session.
func (m DecodeMode) Streams() bool {
	return m == ModeStreaming || m == ModeStreamingMetadata
}

// RendersJSON reports whether the mode's output text is JSON.
func (m DecodeMode) RendersJSON() bool {
	return m == ModeJSON || m == ModeStreamingMetadata
}

// ParseDecodeMode accepts the names printed by String.
func ParseDecodeMode(s string) (DecodeMode, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for mode, name := range modeNames {
		if name == want {
			return mode, nil
		}
	}
	return ModePlain, fmt.Errorf("unknown decode mode %q", s)
}

// ModeFromConfig resolves the mode flags once. When several are set the
// first in this order wins: extended metadata, JSON, stream size, extended
// stream size, otherwise plain.
func ModeFromConfig(cfg config.STTConfig) (DecodeMode, int) {
	switch {
	case cfg.ExtendedMetadata:
		return ModeMetadata, 0
	case cfg.JSONOutput:
		return ModeJSON, 0
	case cfg.StreamSize > 0:
		return ModeStreaming, cfg.StreamSize
	case cfg.ExtendedStreamSize > 0:
		return ModeStreamingMetadata, cfg.ExtendedStreamSize
	default:
		return ModePlain, 0
	}
}
