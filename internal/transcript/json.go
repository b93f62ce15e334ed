package transcript

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// decimal always renders with a fractional part, so 0 is written as 0.0.
type decimal float64

func (d decimal) MarshalJSON() ([]byte, error) {
	s := strconv.FormatFloat(float64(d), 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return []byte(s), nil
}

type jsonMetadata struct {
	Confidence decimal `json:"confidence"`
}

type jsonWord struct {
	Word     string  `json:"word"`
	Time     decimal `json:"time"`
	Duration decimal `json:"duration"`
}

type jsonTranscript struct {
	Metadata     jsonMetadata     `json:"metadata"`
	Words        []jsonWord       `json:"words"`
	Alternatives []jsonTranscript `json:"alternatives,omitempty"`
}

func toJSONTranscript(t Transcript) jsonTranscript {
	words := t.Words()
	out := jsonTranscript{
		Metadata: jsonMetadata{Confidence: decimal(t.Confidence)},
		Words:    make([]jsonWord, 0, len(words)),
	}
	for _, w := range words {
		out.Words = append(out.Words, jsonWord{Word: w.Text, Time: decimal(w.StartTime), Duration: decimal(w.Duration)})
	}
	return out
}

// JSON renders the primary transcript as
// {"metadata":{"confidence":c},"words":[{"word":w,"time":t,"duration":d}]}
// with any further candidates nested under "alternatives" in engine order.
// An empty set renders as an empty string.
func JSON(s Set) (string, error) {
	primary, ok := s.Primary()
	if !ok {
		return "", nil
	}
	doc := toJSONTranscript(primary)
	for _, alt := range s.Transcripts[1:] {
		doc.Alternatives = append(doc.Alternatives, toJSONTranscript(alt))
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
