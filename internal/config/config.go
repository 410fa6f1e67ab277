package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores runtime configuration loaded from environment variables.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	GenerationProvider string
	GeminiKey          string
	GeminiModel        string
	OpenAIKey          string
	OpenAIEndpoint     string
	OpenAIModel        string

	GenerationTimeout    time.Duration
	AnalysisTemperature  float32
	QuestionTemperature  float32
	MaxOutputTokens      int
	MaxKeyPoints         int
	QuestionCount        int
	QuestionsPerUnit     int
	OptionCount          int
	FallbackExcerptChars int
	RenderScannedPages   bool

	Database     string
	HistoryStore string
	PostgresURL  string
	MaxDBConns   int32
	RedisURL     string

	UploadDir      string
	MaxUploadBytes int64

	JWTSecret      string
	JWTExpiry      time.Duration
	OTPTTL         time.Duration
	PhonePrefix    string
	AllowedOrigins []string
}

// Load reads configuration from the environment, providing sensible defaults.
func Load() Config {
	// Load .env file if it exists (useful for development)
	_ = godotenv.Load()
	cfg := Config{
		Port:      getEnv("PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "pretty"),

		GenerationProvider: strings.ToLower(getEnv("GENERATION_PROVIDER", "gemini")),
		GeminiKey:          os.Getenv("GEMINI_API_KEY"),
		GeminiModel:        getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIEndpoint:     getEnv("OPENAI_API_ENDPOINT", "https://api.openai.com/v1"),
		OpenAIModel:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		GenerationTimeout:    time.Duration(getEnvInt("GENERATION_TIMEOUT_SECONDS", 120)) * time.Second,
		AnalysisTemperature:  getEnvFloat("ANALYSIS_TEMPERATURE", 0.4),
		QuestionTemperature:  getEnvFloat("QUESTION_TEMPERATURE", 0.7),
		MaxOutputTokens:      getEnvInt("MAX_OUTPUT_TOKENS", 4096),
		MaxKeyPoints:         getEnvInt("MAX_KEY_POINTS", 40),
		QuestionCount:        getEnvInt("QUESTION_COUNT", 10),
		QuestionsPerUnit:     getEnvInt("QUESTIONS_PER_UNIT", 10),
		OptionCount:          getEnvInt("MCQ_OPTION_COUNT", 4),
		FallbackExcerptChars: getEnvInt("FALLBACK_EXCERPT_CHARS", 500),
		RenderScannedPages:   getEnvBool("RENDER_SCANNED_PAGES", false),

		Database:     getEnv("DATABASE_PATH", "./data/tnpsc.db"),
		HistoryStore: strings.ToLower(getEnv("HISTORY_STORE", "sqlite")),
		PostgresURL:  os.Getenv("POSTGRES_URL"),
		MaxDBConns:   int32(getEnvInt("MAX_DB_CONNS", 8)),
		RedisURL:     os.Getenv("REDIS_URL"),

		UploadDir:      getEnv("UPLOAD_DIR", "./data/uploads"),
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_MB", 25)) << 20,

		JWTSecret:      getEnv("JWT_SECRET", "dev-secret-change-me"),
		JWTExpiry:      time.Duration(getEnvInt("JWT_EXPIRY_HOURS", 72)) * time.Hour,
		OTPTTL:         time.Duration(getEnvInt("OTP_TTL_MINUTES", 5)) * time.Minute,
		PhonePrefix:    getEnv("PHONE_COUNTRY_PREFIX", "+91"),
		AllowedOrigins: splitList(os.Getenv("ALLOWED_ORIGINS")),
	}

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		log.Fatalf("failed to ensure upload dir %s: %v", cfg.UploadDir, err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o755); err != nil {
		log.Fatalf("failed to ensure database dir %s: %v", cfg.Database, err)
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float32) float32 {
	f, err := strconv.ParseFloat(getEnv(key, ""), 32)
	if err != nil || f < 0 {
		return fallback
	}
	return float32(f)
}

func getEnvBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return b
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
