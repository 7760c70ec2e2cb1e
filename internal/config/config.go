// Package config loads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Vision backends.
const (
	VisionBackendGemini = "gemini"
	VisionBackendGRPC   = "grpc"
)

// EnvDevelopment relaxes settings that must be explicit in production.
const EnvDevelopment = "development"

// devJWTSecret is only used when APP_ENV=development and JWT_SECRET is unset.
const devJWTSecret = "dev-secret"

type Config struct {
	// Env is APP_ENV, "production" unless set.
	Env      string
	LogLevel string
	HTTP     HTTPConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Vision   VisionConfig
	Image    ImageConfig
	Matching MatchingConfig
	Kafka    KafkaConfig
}

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	DSN          string
	MaxIdleConns int
	MaxOpenConns int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// AnalysisTTL is how long a vision analysis stays cached per image URL.
	AnalysisTTL time.Duration
}

type AuthConfig struct {
	JWTSecret   string
	JWTAudience string
}

type VisionConfig struct {
	Backend      string
	GeminiAPIKey string
	GeminiModel  string
	GRPCAddr     string
}

type ImageConfig struct {
	FetchTimeout time.Duration
	MaxBytes     int64
	MaxDimension int
	// AllowPrivateNetworks lets the fetcher download from loopback and
	// private addresses.
	AllowPrivateNetworks bool
}

type MatchingConfig struct {
	// MinScore is the lowest composite score listed as a match.
	MinScore float64
	// NotifyScore is the lowest score that publishes a match event.
	NotifyScore float64
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Enabled reports whether match events should be published.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// Load reads the optional env file (".env" when empty) and then the process
// environment. Variables already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	var errs []error
	cfg := &Config{
		Env:      strings.ToLower(getEnvOrDefault("APP_ENV", "production")),
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
		HTTP: HTTPConfig{
			Addr:            getEnvOrDefault("HTTP_ADDR", ":8080"),
			ReadTimeout:     parseDurationEnv("HTTP_READ_TIMEOUT", 10*time.Second, &errs),
			WriteTimeout:    parseDurationEnv("HTTP_WRITE_TIMEOUT", 60*time.Second, &errs),
			IdleTimeout:     parseDurationEnv("HTTP_IDLE_TIMEOUT", 60*time.Second, &errs),
			ShutdownTimeout: parseDurationEnv("SHUTDOWN_TIMEOUT", 15*time.Second, &errs),
		},
		Database: DatabaseConfig{
			DSN:          getEnvOrDefault("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=lostfound port=5432 sslmode=disable"),
			MaxIdleConns: parseIntEnv("DATABASE_MAX_IDLE_CONNS", 5, &errs),
			MaxOpenConns: parseIntEnv("DATABASE_MAX_OPEN_CONNS", 10, &errs),
		},
		Redis: RedisConfig{
			Addr:        getEnvOrDefault("REDIS_ADDR", "redis:6379"),
			Password:    os.Getenv("REDIS_PASSWORD"),
			DB:          parseIntEnv("REDIS_DB", 0, &errs),
			AnalysisTTL: parseDurationEnv("ANALYSIS_CACHE_TTL", 24*time.Hour, &errs),
		},
		Auth: AuthConfig{
			JWTSecret:   strings.TrimSpace(os.Getenv("JWT_SECRET")),
			JWTAudience: os.Getenv("JWT_AUDIENCE"),
		},
		Vision: VisionConfig{
			Backend:      strings.ToLower(getEnvOrDefault("VISION_BACKEND", VisionBackendGemini)),
			GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
			GeminiModel:  os.Getenv("GEMINI_MODEL"),
			GRPCAddr:     getEnvOrDefault("VISION_GRPC_ADDR", "vision-service:50051"),
		},
		Image: ImageConfig{
			FetchTimeout: parseDurationEnv("IMAGE_FETCH_TIMEOUT", 30*time.Second, &errs),
			MaxBytes:     int64(parseIntEnv("IMAGE_MAX_BYTES", 10*1024*1024, &errs)),
			MaxDimension: parseIntEnv("IMAGE_MAX_DIMENSION", 1024, &errs),

			AllowPrivateNetworks: parseBoolEnv("IMAGE_ALLOW_PRIVATE_NETWORKS", false, &errs),
		},
		Matching: MatchingConfig{
			MinScore:    parseFloatEnv("MATCH_MIN_SCORE", 50, &errs),
			NotifyScore: parseFloatEnv("MATCH_NOTIFY_SCORE", 80, &errs),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   getEnvOrDefault("KAFKA_TOPIC", "lostfound.matches"),
		},
	}

	if cfg.Auth.JWTSecret == "" {
		if cfg.Env == EnvDevelopment {
			cfg.Auth.JWTSecret = devJWTSecret
		} else {
			errs = append(errs, errors.New("JWT_SECRET is required unless APP_ENV=development"))
		}
	}

	switch cfg.Vision.Backend {
	case VisionBackendGemini:
		if cfg.Vision.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required when VISION_BACKEND=gemini"))
		}
	case VisionBackendGRPC:
	default:
		errs = append(errs, fmt.Errorf("VISION_BACKEND: unknown backend %q", cfg.Vision.Backend))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnvOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationEnv(key string, fallback time.Duration, errs *[]error) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return fallback
	}
	return d
}

func parseIntEnv(key string, fallback int, errs *[]error) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q", key, raw))
		return fallback
	}
	return v
}

func parseFloatEnv(key string, fallback float64, errs *[]error) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 100 {
		*errs = append(*errs, fmt.Errorf("%s: invalid score %q", key, raw))
		return fallback
	}
	return v
}

func parseBoolEnv(key string, fallback bool, errs *[]error) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid boolean %q", key, raw))
		return fallback
	}
	return v
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
