// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "ASKREPO"

// Error reports configuration that cannot be corrected at runtime, such as a
// missing credential or a malformed setting. It is never retried.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Specification holds all runtime configuration, populated from ASKREPO_*
// environment variables.
type Specification struct {
	DatabaseURL    string `envconfig:"DB_URL"`
	GithubToken    string `envconfig:"GITHUB_TOKEN"`
	OpenAIAPIKey   string `envconfig:"OPENAI_API_KEY"`
	EmbedModel     string `envconfig:"EMBED_MODEL" default:"text-embedding-3-small"`
	EmbedDim       int    `envconfig:"EMBED_DIM" default:"1536"`
	ChatModel      string `envconfig:"CHAT_MODEL" default:"gpt-4o-mini"`
	EmbedBatchSize int    `envconfig:"EMBED_BATCH_SIZE" default:"256"`
	MaxFileSize    int64  `envconfig:"MAX_FILE_SIZE" default:"1048576"`
	FetchWorkers   int    `envconfig:"FETCH_WORKERS" default:"4"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads the specification from the environment. The unprefixed
// OPENAI_API_KEY and GITHUB_TOKEN variables are honored as fallbacks so the
// usual provider conventions keep working.
func Load() (Specification, error) {
	var cfg Specification
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Specification{}, fmt.Errorf("process env: %w", err)
	}
	if cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.GithubToken == "" {
		cfg.GithubToken = os.Getenv("GITHUB_TOKEN")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Specification{}, &Error{Field: "ASKREPO_DB_URL", Reason: "required"}
	}
	if cfg.EmbedDim <= 0 {
		return Specification{}, &Error{Field: "ASKREPO_EMBED_DIM", Reason: "must be positive"}
	}
	return cfg, nil
}
