package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	pkgRetry "gwi.com/docchat/internal/pkg/retry"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
)

type Config struct {
	HTTPPort      string `env:"HTTP_PORT" envDefault:"8080"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL   string `env:"DATABASE_URL" envDefault:"docchat.db"`
	UploadDir     string `env:"UPLOAD_DIR" envDefault:"uploads"`
	MaxUploadSize int64  `env:"MAX_UPLOAD_SIZE" envDefault:"10485760"`

	// Optional. When set, /api routes other than health require a bearer token.
	JWTSecret string `env:"JWT_SECRET"`

	GeminiAPIKey string `env:"GEMINI_API_KEY"`
	OpenAIAPIKey string `env:"OPENAI_API_KEY"`

	LLM     LLMConfig     `envPrefix:"LLM_"`
	RAG     RAGConfig     `envPrefix:"RAG_"`
	Extract ExtractConfig `envPrefix:"EXTRACT_"`

	// EnvFileLoaded reports whether a .env file was read. Not parsed from the environment.
	EnvFileLoaded bool
}

type LLMConfig struct {
	Provider          string               `env:"PROVIDER" envDefault:"gemini"`
	ChatModel         string               `env:"CHAT_MODEL"`
	EmbeddingModel    string               `env:"EMBEDDING_MODEL"`
	TitleModel        string               `env:"TITLE_MODEL"`
	OpenAIBaseURL     string               `env:"OPENAI_BASE_URL"`
	Temperature       float32              `env:"TEMPERATURE" envDefault:"0.7"`
	GenerationTimeout time.Duration        `env:"GENERATION_TIMEOUT" envDefault:"60s"`
	EmbeddingCacheTTL time.Duration        `env:"EMBEDDING_CACHE_TTL" envDefault:"1h"`
	GenerateTitles    bool                 `env:"GENERATE_TITLES" envDefault:"true"`
	Retry             pkgRetry.RetryConfig `envPrefix:"RETRY_"`
}

type RAGConfig struct {
	ChunkSize    int `env:"CHUNK_SIZE" envDefault:"1000"`
	ChunkOverlap int `env:"CHUNK_OVERLAP" envDefault:"200"`
}

type ExtractConfig struct {
	OCREnabled    bool   `env:"OCR_ENABLED" envDefault:"true"`
	TesseractPath string `env:"TESSERACT_PATH" envDefault:"tesseract"`
	PDFToTextPath string `env:"PDFTOTEXT_PATH" envDefault:"pdftotext"`
}

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{EnvFileLoaded: godotenv.Load() == nil}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.LLM.Provider {
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for the gemini provider"))
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai provider"))
		}
	case ProviderMock:
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLM.Provider))
	}

	if c.RAG.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("RAG_CHUNK_SIZE must be positive, got %d", c.RAG.ChunkSize))
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		errs = append(errs, fmt.Errorf("RAG_CHUNK_OVERLAP must be in [0, RAG_CHUNK_SIZE), got %d", c.RAG.ChunkOverlap))
	}
	if c.MaxUploadSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_SIZE must be positive, got %d", c.MaxUploadSize))
	}
	if c.LLM.GenerationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LLM_GENERATION_TIMEOUT must be positive, got %s", c.LLM.GenerationTimeout))
	}

	return errors.Join(errs...)
}
