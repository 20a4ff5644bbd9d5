package similarity

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/philippgille/chromem-go"
	openai "github.com/sashabaranov/go-openai"
)

// HashDimensions is the width of the feature-hashing embedding.
const HashDimensions = 384

// HashEmbedding returns a deterministic, unit-length embedding built from hashed word tokens and
// character trigrams. It needs no network access, so it is the default.
func HashEmbedding() chromem.EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		return hashVector(text), nil
	}
}

func hashVector(text string) []float32 {
	vector := make([]float32, HashDimensions)
	for _, token := range tokenize(text) {
		addFeature(vector, "w:"+token, 1)
		padded := "^" + token + "$"
		runes := []rune(padded)
		for index := 0; index+3 <= len(runes); index++ {
			addFeature(vector, "c:"+string(runes[index:index+3]), 0.5)
		}
	}

	var norm float64
	for _, value := range vector {
		norm += float64(value) * float64(value)
	}
	if norm == 0 {
		vector[0] = 1
		return vector
	}
	scale := float32(1 / math.Sqrt(norm))
	for index := range vector {
		vector[index] *= scale
	}
	return vector
}

func addFeature(vector []float32, feature string, weight float32) {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(feature))
	sum := hasher.Sum32()
	bucket := sum % HashDimensions
	if sum&(1<<31) != 0 {
		weight = -weight
	}
	vector[bucket] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
}

// EmbeddingClient is the subset of go-openai used for remote embeddings.
type EmbeddingClient interface {
	CreateEmbeddings(ctx context.Context, request openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// OpenAIEmbedding embeds text through an OpenAI-compatible embeddings endpoint.
func OpenAIEmbedding(client EmbeddingClient, model string) chromem.EmbeddingFunc {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return func(ctx context.Context, text string) ([]float32, error) {
		response, err := client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: openai.EmbeddingModel(model),
		})
		if err != nil {
			return nil, fmt.Errorf("create embedding: %w", err)
		}
		if len(response.Data) == 0 {
			return nil, errors.New("create embedding: no data returned")
		}
		return response.Data[0].Embedding, nil
	}
}

// NewOpenAIEmbedding builds an embedding func from credentials.
func NewOpenAIEmbedding(apiKey, baseURL, model string) (chromem.EmbeddingFunc, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("similarity: embedding api key is required")
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return OpenAIEmbedding(openai.NewClientWithConfig(config), model), nil
}
