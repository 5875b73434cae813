// Package config provides configuration management for memgate. Settings come
// from environment variables, optionally overlaid by a YAML file pointed to by
// MEMGATE_CONFIG (file values only fill fields the environment left unset).
//
// The package also owns mode selection: exactly one backend binding results
// from the credentials present in the environment, decided once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Mode identifies which backend binding is active for the process lifetime.
type Mode string

const (
	// ModeCloud routes all tool calls to the hosted memory API.
	ModeCloud Mode = "cloud"
	// ModeLocal routes all tool calls to the in-process embedder + vector store.
	ModeLocal Mode = "local"
)

// ErrNoCredentials is returned when neither MEM0_API_KEY nor OPENAI_API_KEY
// is set. There is no credential-free mode; main treats this as fatal.
var ErrNoCredentials = errors.New("no backend credentials: set MEM0_API_KEY (cloud) or OPENAI_API_KEY (local)")

// Config holds all configuration for the memgate process.
type Config struct {
	Cloud    CloudConfig    `yaml:"cloud"`
	Local    LocalConfig    `yaml:"local"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Journal  JournalConfig  `yaml:"journal"`
}

// CloudConfig configures the hosted memory API client.
type CloudConfig struct {
	APIKey    string `yaml:"-"`        // MEM0_API_KEY; never read from file
	BaseURL   string `yaml:"base_url"` // MEM0_BASE_URL (default: https://api.mem0.ai)
	OrgID     string `yaml:"org_id"`   // ORG_ID; attached to every cloud request
	ProjectID string `yaml:"project_id"`
}

// LocalConfig configures the in-process embedding + vector store pipeline.
type LocalConfig struct {
	OpenAIAPIKey  string          `yaml:"-"` // OPENAI_API_KEY; never read from file
	OpenAIBaseURL string          `yaml:"openai_base_url"`
	Embedding     EmbeddingConfig `yaml:"embedding"`
	VectorDB      VectorDBConfig  `yaml:"vector_db"`
}

// EmbeddingConfig selects the embedding model used in local mode.
type EmbeddingConfig struct {
	Model string `yaml:"model"` // EMBEDDING_MODEL (default: text-embedding-3-small)
	Dims  int    `yaml:"dims"`  // EMBEDDING_MODEL_DIMS (default: 1536)
}

// VectorDBConfig selects and configures the local-mode vector store provider.
type VectorDBConfig struct {
	Provider   string `yaml:"provider"` // VECTOR_DB_PROVIDER: memory (default), qdrant, pgvector
	URL        string `yaml:"url"`      // VECTOR_DB_URL: qdrant endpoint or postgres DSN
	APIKey     string `yaml:"-"`        // VECTOR_DB_API_KEY; never read from file
	Collection string `yaml:"collection"`
}

// DefaultsConfig holds identifiers applied to tool calls that omit them.
type DefaultsConfig struct {
	UserID    string `yaml:"user_id"`    // DEFAULT_USER_ID
	SessionID string `yaml:"session_id"` // RUN_ID, falling back to SESSION_ID
}

// JournalConfig configures the optional diagnostic write journal.
type JournalConfig struct {
	Path string `yaml:"path"` // MEMGATE_JOURNAL_PATH; empty disables the journal
}

// Load builds a Config from environment variables, then overlays the YAML
// file named by MEMGATE_CONFIG (if any) into fields the environment left
// empty. Secrets are only ever read from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Cloud: CloudConfig{
			APIKey:    os.Getenv("MEM0_API_KEY"),
			BaseURL:   getEnv("MEM0_BASE_URL", "https://api.mem0.ai"),
			OrgID:     os.Getenv("ORG_ID"),
			ProjectID: os.Getenv("PROJECT_ID"),
		},
		Local: LocalConfig{
			OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
			OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
			Embedding: EmbeddingConfig{
				Model: getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
				Dims:  getEnvInt("EMBEDDING_MODEL_DIMS", 1536),
			},
			VectorDB: VectorDBConfig{
				Provider:   getEnv("VECTOR_DB_PROVIDER", "memory"),
				URL:        os.Getenv("VECTOR_DB_URL"),
				APIKey:     os.Getenv("VECTOR_DB_API_KEY"),
				Collection: getEnv("VECTOR_DB_COLLECTION_NAME", "memories"),
			},
		},
		Defaults: DefaultsConfig{
			UserID:    os.Getenv("DEFAULT_USER_ID"),
			SessionID: getEnv("RUN_ID", os.Getenv("SESSION_ID")),
		},
		Journal: JournalConfig{
			Path: os.Getenv("MEMGATE_JOURNAL_PATH"),
		},
	}

	if path := os.Getenv("MEMGATE_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, fmt.Errorf("config: overlay %s: %w", path, err)
		}
	}

	if cfg.Local.Embedding.Dims <= 0 {
		return nil, fmt.Errorf("config: EMBEDDING_MODEL_DIMS must be positive, got %d", cfg.Local.Embedding.Dims)
	}

	return cfg, nil
}

// Mode selects the backend binding. The cloud credential wins when both are
// present; neither present is an error, not a degraded mode.
func (c *Config) Mode() (Mode, error) {
	switch {
	case c.Cloud.APIKey != "":
		return ModeCloud, nil
	case c.Local.OpenAIAPIKey != "":
		return ModeLocal, nil
	default:
		return "", ErrNoCredentials
	}
}

// overlayFile fills empty (env-unset) fields from a YAML file. Environment
// values always win over file values.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	fillString(&c.Cloud.BaseURL, file.Cloud.BaseURL, "https://api.mem0.ai")
	fillString(&c.Cloud.OrgID, file.Cloud.OrgID, "")
	fillString(&c.Cloud.ProjectID, file.Cloud.ProjectID, "")
	fillString(&c.Local.OpenAIBaseURL, file.Local.OpenAIBaseURL, "https://api.openai.com")
	fillString(&c.Local.Embedding.Model, file.Local.Embedding.Model, "text-embedding-3-small")
	if c.Local.Embedding.Dims == 1536 && file.Local.Embedding.Dims > 0 {
		c.Local.Embedding.Dims = file.Local.Embedding.Dims
	}
	fillString(&c.Local.VectorDB.Provider, file.Local.VectorDB.Provider, "memory")
	fillString(&c.Local.VectorDB.URL, file.Local.VectorDB.URL, "")
	fillString(&c.Local.VectorDB.Collection, file.Local.VectorDB.Collection, "memories")
	fillString(&c.Defaults.UserID, file.Defaults.UserID, "")
	fillString(&c.Defaults.SessionID, file.Defaults.SessionID, "")
	fillString(&c.Journal.Path, file.Journal.Path, "")

	return nil
}

// fillString replaces *dst with src when dst still holds its default (env
// unset) and src is non-empty.
func fillString(dst *string, src, defaultValue string) {
	if (*dst == "" || *dst == defaultValue) && src != "" {
		*dst = src
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
