// Package transcript turns engine token streams into time-aligned words and
// renders them as plain text or JSON.
package transcript

import (
	"regexp"
	"strings"
)

// Token is one engine output unit. A token whose text is a single space
// marks a word boundary.
type Token struct {
	Text      string  `json:"text"`
	StartTime float64 `json:"start_time"`
}

// Word is a run of non-space tokens.
type Word struct {
	Text      string  `json:"word"`
	StartTime float64 `json:"time"`
	Duration  float64 `json:"duration"`
}

// Transcript is one engine candidate.
type Transcript struct {
	Confidence float64 `json:"confidence"`
	Tokens     []Token `json:"tokens"`
}

// Set holds the candidates of one decode in engine order; the first is primary.
type Set struct {
	Transcripts []Transcript `json:"transcripts"`
}

func (s Set) Empty() bool {
	return len(s.Transcripts) == 0
}

// Primary returns the best candidate, if any.
func (s Set) Primary() (Transcript, bool) {
	if len(s.Transcripts) == 0 {
		return Transcript{}, false
	}
	return s.Transcripts[0], true
}

// Words segments t.Tokens.
func (t Transcript) Words() []Word {
	return TokensToWords(t.Tokens)
}

// TokensToWords groups tokens into words. A space token or the last token
// closes the current word; a non-space last token belongs to that word.
// Duration is the closing token's start minus the word's start, never negative.
func TokensToWords(tokens []Token) []Word {
	var (
		words   []Word
		current strings.Builder
		start   float64
	)
	for i, tok := range tokens {
		if tok.Text != " " {
			if current.Len() == 0 {
				start = tok.StartTime
			}
			current.WriteString(tok.Text)
		}
		if tok.Text == " " || i == len(tokens)-1 {
			if current.Len() > 0 {
				words = append(words, Word{
					Text:      current.String(),
					StartTime: start,
					Duration:  max(tok.StartTime-start, 0),
				})
				current.Reset()
			}
		}
	}
	return words
}

// PlainText concatenates token texts unchanged.
func PlainText(t Transcript) string {
	var b strings.Builder
	for _, tok := range t.Tokens {
		b.WriteString(tok.Text)
	}
	return b.String()
}

var spaceRuns = regexp.MustCompile(`^ +| +$|( ) +`)

// NormalizeSpaces trims leading and trailing spaces and collapses runs of
// spaces to one.
func NormalizeSpaces(s string) string {
	return spaceRuns.ReplaceAllString(s, "$1")
}
