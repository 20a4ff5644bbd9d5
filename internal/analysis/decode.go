package analysis

import (
	"encoding/json"
	"fmt"
)

// WordAnalysis is the structured view of a word payload.
type WordAnalysis struct {
	Word            string   `json:"word"`
	PartOfSpeech    string   `json:"part_of_speech"`
	Definition      string   `json:"definition"`
	Collocations    []string `json:"collocations"`
	ExampleSentence string   `json:"example_sentence"`
}

// SentenceAnalysis is the structured view of a sentence payload.
type SentenceAnalysis struct {
	Sentence        string   `json:"sentence"`
	Function        string   `json:"function"`
	Pattern         string   `json:"pattern"`
	WhyGood         string   `json:"why_good"`
	RewriteExamples []string `json:"rewrite_examples"`
}

// Decoded holds exactly one of Word or Sentence depending on the entry type.
type Decoded struct {
	Type     EntryType
	Word     *WordAnalysis
	Sentence *SentenceAnalysis
}

// Decode interprets a stored payload for display. Entries carry the payload as an opaque string;
// only presentation code needs the typed form.
func Decode(entryType string, payload string) (Decoded, error) {
	switch EntryType(entryType) {
	case EntryTypeWord:
		var word WordAnalysis
		if err := json.Unmarshal([]byte(payload), &word); err != nil {
			return Decoded{}, fmt.Errorf("analysis: decode word payload: %w", err)
		}
		return Decoded{Type: EntryTypeWord, Word: &word}, nil
	case EntryTypeSentence:
		var sentence SentenceAnalysis
		if err := json.Unmarshal([]byte(payload), &sentence); err != nil {
			return Decoded{}, fmt.Errorf("analysis: decode sentence payload: %w", err)
		}
		return Decoded{Type: EntryTypeSentence, Sentence: &sentence}, nil
	default:
		return Decoded{}, fmt.Errorf("analysis: unknown entry type %q", entryType)
	}
}
