package transcript

import (
	"math"
	"testing"
)

func sameWord(a, b Word) bool {
	return a.Text == b.Text && math.Abs(a.StartTime-b.StartTime) < 1e-9 && math.Abs(a.Duration-b.Duration) < 1e-9
}

func TestTokensToWords(t *testing.T) {
	tokens := []Token{
		{Text: "a", StartTime: 0.2},
		{Text: "b", StartTime: 0.4},
		{Text: " ", StartTime: 1.0},
		{Text: "c", StartTime: 1.1},
		{Text: "d", StartTime: 1.3},
	}
	words := TokensToWords(tokens)
	if len(words) != 2 {
		t.Fatalf("expected 2 words, got %d: %+v", len(words), words)
	}
	if !sameWord(words[0], Word{Text: "ab", StartTime: 0.2, Duration: 0.8}) {
		t.Fatalf("unexpected first word %+v", words[0])
	}
	if !sameWord(words[1], Word{Text: "cd", StartTime: 1.1, Duration: 0.2}) {
		t.Fatalf("unexpected second word %+v", words[1])
	}
}

func TestTokensToWordsEdges(t *testing.T) {
	cases := []struct {
		name   string
		tokens []Token
		want   []Word
	}{
		{"empty", nil, nil},
		{"single token", []Token{{Text: "x", StartTime: 0.5}}, []Word{{Text: "x", StartTime: 0.5}}},
		{"only spaces", []Token{{Text: " ", StartTime: 0}, {Text: " ", StartTime: 1}}, nil},
		{
			"trailing space",
			[]Token{{Text: "h", StartTime: 0.1}, {Text: "i", StartTime: 0.2}, {Text: " ", StartTime: 0.3}},
			[]Word{{Text: "hi", StartTime: 0.1, Duration: 0.2}},
		},
		{
			"negative duration clamps",
			[]Token{{Text: "o", StartTime: 2.0}, {Text: " ", StartTime: 1.5}},
			[]Word{{Text: "o", StartTime: 2.0, Duration: 0}},
		},
		{
			"double space",
			[]Token{{Text: "a", StartTime: 0}, {Text: " ", StartTime: 0.1}, {Text: " ", StartTime: 0.2}, {Text: "b", StartTime: 0.3}},
			[]Word{{Text: "a", StartTime: 0, Duration: 0.1}, {Text: "b", StartTime: 0.3, Duration: 0}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := TokensToWords(tc.tokens)
			if len(got) != len(tc.want) {
				t.Fatalf("expected %d words, got %+v", len(tc.want), got)
			}
			for i := range got {
				if !sameWord(got[i], tc.want[i]) {
					t.Fatalf("word %d: got %+v want %+v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestPlainTextKeepsEngineSpacing(t *testing.T) {
	tr := Transcript{Tokens: []Token{{Text: "h"}, {Text: "i"}, {Text: " "}, {Text: " "}, {Text: "y"}, {Text: "o"}}}
	if got := PlainText(tr); got != "hi  yo" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestNormalizeSpaces(t *testing.T) {
	cases := map[string]string{
		"  open   the  door ": "open the door",
		"hello":              "hello",
		"":                   "",
		"   ":                "",
		"a b":                "a b",
	}
	for in, want := range cases {
		if got := NormalizeSpaces(in); got != want {
			t.Fatalf("NormalizeSpaces(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJSONSingleTranscript(t *testing.T) {
	set := Set{Transcripts: []Transcript{{
		Confidence: 0.87,
		Tokens: []Token{
			{Text: "h", StartTime: 0.0},
			{Text: "e", StartTime: 0.1},
			{Text: "l", StartTime: 0.2},
			{Text: "l", StartTime: 0.3},
			{Text: "o", StartTime: 0.42},
		},
	}}}
	got, err := JSON(set)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	want := `{"metadata":{"confidence":0.87},"words":[{"word":"hello","time":0.0,"duration":0.42}]}`
	if got != want {
		t.Fatalf("unexpected json\n got: %s\nwant: %s", got, want)
	}
}

func TestJSONAlternativesKeepOrder(t *testing.T) {
	set := Set{Transcripts: []Transcript{
		{Confidence: -1.5, Tokens: []Token{{Text: "a", StartTime: 1}}},
		{Confidence: -2, Tokens: []Token{{Text: "b", StartTime: 1}}},
		{Confidence: -3.25, Tokens: nil},
	}}
	got, err := JSON(set)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	want := `{"metadata":{"confidence":-1.5},"words":[{"word":"a","time":1.0,"duration":0.0}],` +
		`"alternatives":[{"metadata":{"confidence":-2.0},"words":[{"word":"b","time":1.0,"duration":0.0}]},` +
		`{"metadata":{"confidence":-3.25},"words":[]}]}`
	if got != want {
		t.Fatalf("unexpected json\n got: %s\nwant: %s", got, want)
	}
}

func TestJSONEmptySet(t *testing.T) {
	got, err := JSON(Set{})
	if err != nil || got != "" {
		t.Fatalf("expected empty output, got %q (%v)", got, err)
	}
}
