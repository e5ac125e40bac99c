package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/gamma-omg/calendar-rag/llm"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ProviderConfig struct {
	Model  string `yaml:"model"`
	ApiKey string `yaml:"api_key"`
}

type Config struct {
	LogFile      string `yaml:"log"`
	SnapshotPath string `yaml:"snapshot_path"`
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap *int   `yaml:"chunk_overlap"`
	RequestSize  int    `yaml:"request_size"`
	Results      int    `yaml:"results"`
	ServerAddr   string `yaml:"server_addr"`
	Inbox        struct {
		Dir           string `yaml:"dir"`
		OCR           bool   `yaml:"ocr"`
		MergeEventsMs int    `yaml:"write_debounce_ms"`
	} `yaml:"inbox"`
	OCR struct {
		DPI int `yaml:"dpi"`
	} `yaml:"ocr"`
	Embeddings struct {
		RequestsPerSecond float64         `yaml:"requests_per_second"`
		OpenAI            *ProviderConfig `yaml:"open_ai"`
		Gemini            *ProviderConfig `yaml:"gemini"`
	} `yaml:"embeddings"`
	Generation struct {
		Temperature *float64        `yaml:"temperature"`
		MaxTokens   int             `yaml:"max_tokens"`
		OpenAI      *ProviderConfig `yaml:"open_ai"`
		Gemini      *ProviderConfig `yaml:"gemini"`
	} `yaml:"generation"`
}

func readConfig(cfgPath string) (*Config, error) {
	// a missing .env is fine, keys may come from the environment or the config
	_ = godotenv.Load()

	cfgFile, err := os.Open(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("unable to open config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := &Config{}
	dec := yaml.NewDecoder(cfgFile)
	err = dec.Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SnapshotPath == "" {
		c.SnapshotPath = "./vector_store"
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkOverlap == nil {
		o := 200
		c.ChunkOverlap = &o
	}
	if c.Results == 0 {
		c.Results = 4
	}
	if c.ServerAddr == "" {
		c.ServerAddr = "localhost:8080"
	}
	if c.Inbox.MergeEventsMs == 0 {
		c.Inbox.MergeEventsMs = 500
	}
	if c.OCR.DPI == 0 {
		c.OCR.DPI = 300
	}
	if c.Generation.Temperature == nil {
		t := llm.DefaultTemperature
		c.Generation.Temperature = &t
	}
	if c.Generation.MaxTokens == 0 {
		c.Generation.MaxTokens = llm.DefaultMaxTokens
	}

	// with no provider configured anywhere, fall back to Gemini for both
	if c.Embeddings.OpenAI == nil && c.Embeddings.Gemini == nil {
		c.Embeddings.Gemini = &ProviderConfig{}
	}
	if c.Generation.OpenAI == nil && c.Generation.Gemini == nil {
		c.Generation.Gemini = &ProviderConfig{}
	}

	fillKey(c.Embeddings.Gemini, "GOOGLE_API_KEY")
	fillKey(c.Generation.Gemini, "GOOGLE_API_KEY")
	fillKey(c.Embeddings.OpenAI, "OPENAI_API_KEY")
	fillKey(c.Generation.OpenAI, "OPENAI_API_KEY")

	if c.Generation.Gemini != nil && c.Generation.Gemini.Model == "" {
		c.Generation.Gemini.Model = llm.DefaultGeminiModel
	}
	if c.Generation.OpenAI != nil && c.Generation.OpenAI.Model == "" {
		c.Generation.OpenAI.Model = llm.DefaultOpenAIModel
	}
}

func fillKey(p *ProviderConfig, env string) {
	if p != nil && p.ApiKey == "" {
		p.ApiKey = os.Getenv(env)
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize))
	}
	if *c.ChunkOverlap < 0 || *c.ChunkOverlap >= c.ChunkSize {
		errs = append(errs, fmt.Errorf("chunk_overlap must be in [0, chunk_size), got %d", *c.ChunkOverlap))
	}
	if c.Results < 1 {
		errs = append(errs, fmt.Errorf("results must be at least 1, got %d", c.Results))
	}
	if c.RequestSize < 0 {
		errs = append(errs, fmt.Errorf("request_size must not be negative, got %d", c.RequestSize))
	}
	if c.Embeddings.OpenAI != nil && c.Embeddings.Gemini != nil {
		errs = append(errs, errors.New("configure exactly one embeddings provider"))
	}
	if c.Generation.OpenAI != nil && c.Generation.Gemini != nil {
		errs = append(errs, errors.New("configure exactly one generation provider"))
	}

	return errors.Join(errs...)
}
