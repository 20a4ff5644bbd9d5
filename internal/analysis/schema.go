package analysis

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	wordSchemaURL     = "http://wordbank.local/schema/word.json"
	sentenceSchemaURL = "http://wordbank.local/schema/sentence.json"
)

const wordSchema = `{
  "type": "object",
  "required": ["word", "part_of_speech", "definition"],
  "properties": {
    "word": {"type": "string", "minLength": 1},
    "part_of_speech": {"type": "string", "minLength": 1},
    "definition": {"type": "string", "minLength": 1},
    "collocations": {"type": "array", "items": {"type": "string"}},
    "example_sentence": {"type": "string"}
  }
}`

const sentenceSchema = `{
  "type": "object",
  "required": ["function", "pattern"],
  "properties": {
    "sentence": {"type": "string"},
    "function": {"type": "string", "minLength": 1},
    "pattern": {"type": "string", "minLength": 1},
    "why_good": {"type": "string"},
    "rewrite_examples": {"type": "array", "items": {"type": "string"}}
  }
}`

type payloadValidator struct {
	word     *jsonschema.Schema
	sentence *jsonschema.Schema
}

func newPayloadValidator() (*payloadValidator, error) {
	compiler := jsonschema.NewCompiler()
	for url, source := range map[string]string{wordSchemaURL: wordSchema, sentenceSchemaURL: sentenceSchema} {
		document, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", url, err)
		}
		if err := compiler.AddResource(url, document); err != nil {
			return nil, fmt.Errorf("register %s: %w", url, err)
		}
	}
	word, err := compiler.Compile(wordSchemaURL)
	if err != nil {
		return nil, err
	}
	sentence, err := compiler.Compile(sentenceSchemaURL)
	if err != nil {
		return nil, err
	}
	return &payloadValidator{word: word, sentence: sentence}, nil
}

// Validate checks a provider document against the schema for its entry type.
func (v *payloadValidator) Validate(entryType EntryType, document string) error {
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(document))
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	schema := v.sentence
	if entryType == EntryTypeWord {
		schema = v.word
	}
	return schema.Validate(instance)
}
