package stt

import (
	"fmt"
	"strconv"
	"strings"
)

// HotWord biases the engine towards Word.
type HotWord struct {
	Word  string
	Boost float32
}

// SplitList splits s on delim and drops empty fields.
func SplitList(s, delim string) []string {
	var out []string
	for _, part := range strings.Split(s, delim) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseHotWords reads "word:boost[,word:boost...]". Boosts may only use the
// characters -.0123456789.
func ParseHotWords(list string) ([]HotWord, error) {
	var out []HotWord
	for _, entry := range SplitList(list, ",") {
		pair := SplitList(entry, ":")
		if len(pair) != 2 {
			return nil, fmt.Errorf("hot word %q must be word:boost", entry)
		}
		word, boostText := pair[0], pair[1]
		if strings.Trim(boostText, "-.0123456789") != "" {
			return nil, fmt.Errorf("hot word %q has non-numeric boost %q", word, boostText)
		}
		boost, err := strconv.ParseFloat(boostText, 32)
		if err != nil {
			return nil, fmt.Errorf("hot word %q boost: %w", word, err)
		}
		out = append(out, HotWord{Word: word, Boost: float32(boost)})
	}
	return out, nil
}
