package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "WORDBANK"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "wordbank.db"
	defaultLogLevel           = "info"
	defaultTokenIssuer        = "wordbank-auth"
	defaultTokenAudience      = "wordbank-api"
	defaultTokenTTL           = 720 * time.Hour
	defaultAnalysisProvider   = ProviderHeuristic
	defaultAnalysisBaseURL    = "https://api.deepseek.com"
	defaultRequestsPerMinute  = 30
	defaultSimilarityLimit    = 5
	defaultSimilarityEmbedder = EmbeddingHash
)

// Analysis providers.
const (
	ProviderHeuristic = "heuristic"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Similarity embedding sources.
const (
	EmbeddingHash   = "hash"
	EmbeddingOpenAI = "openai"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration

	AnalysisProvider          string
	AnalysisAPIKey            string
	AnalysisBaseURL           string
	AnalysisModel             string
	AnalysisRequestsPerMinute int

	SimilarityLimit     int
	SimilarityEmbedding string
	SimilarityAPIKey    string
	SimilarityBaseURL   string
	SimilarityModel     string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("analysis.provider", defaultAnalysisProvider)
	configViper.SetDefault("analysis.base_url", defaultAnalysisBaseURL)
	configViper.SetDefault("analysis.requests_per_minute", defaultRequestsPerMinute)
	configViper.SetDefault("similarity.limit", defaultSimilarityLimit)
	configViper.SetDefault("similarity.embedding", defaultSimilarityEmbedder)

	applyClientDefaults(configViper)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:               configViper.GetString("http.address"),
		DatabasePath:              configViper.GetString("database.path"),
		LogLevel:                  configViper.GetString("log.level"),
		SigningSecret:             configViper.GetString("auth.signing_secret"),
		TokenIssuer:               configViper.GetString("auth.issuer"),
		TokenAudience:             configViper.GetString("auth.audience"),
		TokenTTL:                  configViper.GetDuration("auth.token_ttl"),
		AnalysisProvider:          strings.ToLower(strings.TrimSpace(configViper.GetString("analysis.provider"))),
		AnalysisAPIKey:            configViper.GetString("analysis.api_key"),
		AnalysisBaseURL:           configViper.GetString("analysis.base_url"),
		AnalysisModel:             configViper.GetString("analysis.model"),
		AnalysisRequestsPerMinute: configViper.GetInt("analysis.requests_per_minute"),
		SimilarityLimit:           configViper.GetInt("similarity.limit"),
		SimilarityEmbedding:       strings.ToLower(strings.TrimSpace(configViper.GetString("similarity.embedding"))),
		SimilarityAPIKey:          configViper.GetString("similarity.api_key"),
		SimilarityBaseURL:         configViper.GetString("similarity.base_url"),
		SimilarityModel:           configViper.GetString("similarity.model"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadTokenSettings reads only the auth keys, for tooling that mints tokens without running the server.
func LoadTokenSettings(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenIssuer:   configViper.GetString("auth.issuer"),
		TokenAudience: configViper.GetString("auth.audience"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),
	}
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return AppConfig{}, fmt.Errorf("auth.signing_secret is required")
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.AnalysisProvider {
	case ProviderHeuristic:
	case ProviderOpenAI, ProviderAnthropic:
		if strings.TrimSpace(c.AnalysisAPIKey) == "" {
			return fmt.Errorf("analysis.api_key is required for provider %s", c.AnalysisProvider)
		}
	default:
		return fmt.Errorf("analysis.provider %q is not supported", c.AnalysisProvider)
	}
	switch c.SimilarityEmbedding {
	case EmbeddingHash:
	case EmbeddingOpenAI:
		if strings.TrimSpace(c.SimilarityAPIKey) == "" {
			return fmt.Errorf("similarity.api_key is required for openai embeddings")
		}
	default:
		return fmt.Errorf("similarity.embedding %q is not supported", c.SimilarityEmbedding)
	}
	if c.SimilarityLimit <= 0 {
		return fmt.Errorf("similarity.limit must be positive")
	}
	return nil
}
