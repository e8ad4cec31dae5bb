package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LLM struct {
		BaseURL          string  `yaml:"base_url"`
		Model            string  `yaml:"model"`
		EmbeddingModel   string  `yaml:"embedding_model"`
		EmbeddingVersion int     `yaml:"embedding_version"`
		MaxTokens        int     `yaml:"max_tokens"`
		Temperature      float64 `yaml:"temperature"`
	} `yaml:"llm"`

	Database struct {
		Backend     string `yaml:"backend"` // "postgres" or "sqlite"
		URL         string `yaml:"url"`
		SQLitePath  string `yaml:"sqlite_path"`
		TablePrefix string `yaml:"table_prefix"`
		VectorDim   int    `yaml:"vector_dim"`
		BatchSize   int    `yaml:"batch_size"`
	} `yaml:"database"`

	Migration struct {
		Mode               string `yaml:"mode"` // "single", "dual" or "shadow"
		SecondaryBackend   string `yaml:"secondary_backend"`
		SecondaryURL       string `yaml:"secondary_url"`
		SecondarySQLite    string `yaml:"secondary_sqlite_path"`
		ShadowReadPercent  int    `yaml:"shadow_read_percent"`
		BreakerThreshold   int    `yaml:"breaker_threshold"`
		BreakerCooldownSec int    `yaml:"breaker_cooldown_secs"`
	} `yaml:"migration"`

	Processor struct {
		ChunkSize      int `yaml:"chunk_size"` // word budget per chunk
		ChunkOverlap   int `yaml:"chunk_overlap"`
		MinChunkLength int `yaml:"min_chunk_length"`
	} `yaml:"processor"`

	Ingest struct {
		MaxRetries      int     `yaml:"max_retries"`
		BackoffBaseSec  int     `yaml:"backoff_base_secs"`
		BackoffCapSec   int     `yaml:"backoff_cap_secs"`
		PollIntervalSec int     `yaml:"poll_interval_secs"`
		Workers         int     `yaml:"workers"`
		EmbedRate       float64 `yaml:"embed_rate"` // embedding calls per second
		StepTimeoutSec  int     `yaml:"step_timeout_secs"`
		MaxContentSize  int     `yaml:"max_content_size"`
	} `yaml:"ingest"`

	Search struct {
		RRFK             int     `yaml:"rrf_k"`
		VectorWeight     float64 `yaml:"vector_weight"`
		KeywordWeight    float64 `yaml:"keyword_weight"`
		RerankCandidates int     `yaml:"rerank_candidates"`
		SideTimeoutSec   int     `yaml:"side_timeout_secs"`
	} `yaml:"search"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/capture/config.yaml"),
			"/etc/capture/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %v", err)
	}

	// Merge with environment variables
	mergeWithEnv(&config)

	// Apply defaults for unset values
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	applyDefaults(config)
	mergeWithEnv(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.LLM.Model == "" {
		config.LLM.Model = "gemma3n:e4b"
	}
	if config.LLM.EmbeddingModel == "" {
		config.LLM.EmbeddingModel = "nomic-embed-text:latest"
	}
	if config.LLM.EmbeddingVersion == 0 {
		config.LLM.EmbeddingVersion = 1
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.7
	}
	if config.LLM.BaseURL == "" {
		config.LLM.BaseURL = "http://localhost:11434"
	}

	if config.Database.Backend == "" {
		config.Database.Backend = "postgres"
	}
	if config.Database.SQLitePath == "" {
		config.Database.SQLitePath = "capture.db"
	}
	if config.Database.TablePrefix == "" {
		config.Database.TablePrefix = "capture"
	}
	if config.Database.VectorDim == 0 {
		config.Database.VectorDim = 768
	}
	if config.Database.BatchSize == 0 {
		config.Database.BatchSize = 100
	}

	if config.Migration.Mode == "" {
		config.Migration.Mode = "single"
	}
	if config.Migration.BreakerThreshold == 0 {
		config.Migration.BreakerThreshold = 5
	}
	if config.Migration.BreakerCooldownSec == 0 {
		config.Migration.BreakerCooldownSec = 30
	}

	if config.Processor.ChunkSize == 0 {
		config.Processor.ChunkSize = 200
	}
	if config.Processor.ChunkOverlap == 0 {
		config.Processor.ChunkOverlap = 40
	}
	if config.Processor.MinChunkLength == 0 {
		config.Processor.MinChunkLength = 10
	}

	if config.Ingest.MaxRetries == 0 {
		config.Ingest.MaxRetries = 3
	}
	if config.Ingest.BackoffBaseSec == 0 {
		config.Ingest.BackoffBaseSec = 2
	}
	if config.Ingest.BackoffCapSec == 0 {
		config.Ingest.BackoffCapSec = 300
	}
	if config.Ingest.PollIntervalSec == 0 {
		config.Ingest.PollIntervalSec = 5
	}
	if config.Ingest.Workers == 0 {
		config.Ingest.Workers = 4
	}
	if config.Ingest.EmbedRate == 0 {
		config.Ingest.EmbedRate = 5.0
	}
	if config.Ingest.StepTimeoutSec == 0 {
		config.Ingest.StepTimeoutSec = 60
	}
	if config.Ingest.MaxContentSize == 0 {
		config.Ingest.MaxContentSize = 1_000_000
	}

	if config.Search.RRFK == 0 {
		config.Search.RRFK = 60
	}
	if config.Search.VectorWeight == 0 {
		config.Search.VectorWeight = 0.7
	}
	if config.Search.KeywordWeight == 0 {
		config.Search.KeywordWeight = 0.3
	}
	if config.Search.RerankCandidates == 0 {
		config.Search.RerankCandidates = 20
	}
	if config.Search.SideTimeoutSec == 0 {
		config.Search.SideTimeoutSec = 10
	}

	if config.Server.Port == "" {
		config.Server.Port = "8080"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if path := os.Getenv("SQLITE_DB_PATH"); path != "" {
		config.Database.SQLitePath = path
	}
	if port := os.Getenv("PORT"); port != "" {
		config.Server.Port = port
	}
}
