package analysis

import (
	"strings"
	"unicode"
)

// EntryType enumerates the classifications produced for study content.
type EntryType string

const (
	// EntryTypeWord marks a single vocabulary item.
	EntryTypeWord EntryType = "word"
	// EntryTypeSentence marks anything longer than one word.
	EntryTypeSentence EntryType = "sentence"
)

// String returns the wire representation.
func (t EntryType) String() string {
	return string(t)
}

// Classify reports whether text is a single word or a sentence. Punctuation other than
// hyphens is ignored so "well-known," still counts as one word.
func Classify(text string) EntryType {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '-' || r == '_' {
			return r
		}
		return -1
	}, strings.TrimSpace(text))
	if len(strings.Fields(cleaned)) == 1 {
		return EntryTypeWord
	}
	return EntryTypeSentence
}

func buildTags(entryType EntryType, fields map[string]any, source string) []string {
	var raw []string
	switch entryType {
	case EntryTypeWord:
		raw = append(raw, stringField(fields, "part_of_speech"), "vocabulary")
	default:
		lead := "expression"
		if function := strings.Fields(stringField(fields, "function")); len(function) > 0 {
			lead = function[0]
		}
		raw = append(raw, string(EntryTypeSentence), lead)
	}
	if trimmed := strings.TrimSpace(source); trimmed != "" {
		raw = append(raw, strings.ToLower(trimmed))
	}

	tags := make([]string, 0, len(raw))
	for _, tag := range raw {
		if trimmed := strings.TrimSpace(tag); trimmed != "" {
			tags = append(tags, trimmed)
		}
	}
	return tags
}

func stringField(fields map[string]any, key string) string {
	value, ok := fields[key].(string)
	if !ok {
		return ""
	}
	return value
}
