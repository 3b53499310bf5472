package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for the API, workers and CLI.
type Config struct {
	Port string

	AuthToken string

	DatabaseURL string

	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisStream        string
	RedisDLQ           string
	RedisGroup         string
	RedisConsumer      string
	RedisDelayedSet    string
	QueueBufferSize    int
	WorkerEnabled      bool
	WorkerConcurrency  int
	RetryMaxAttempts   int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	IdentitySealKeyB64 string

	RateLimitRPS   float64
	RateLimitBurst int

	HomeCountry        string
	ForeignPostalCode  string
	SubmissionSource   string
	StampWithClaimTime bool
	PolicyFile         string

	StorageBackend string
	TempDir        string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	StructuredBaseURL      string
	StructuredAPIKey       string
	IntakeBaseURL          string
	IntakeAPIKey           string
	AlternateIntakeBaseURL string
	AlternateIntakeAPIKey  string
	ChannelTimeout         time.Duration
	ChannelRPS             float64
	ChannelBurst           int

	NotifyWebhookURL string
	NotifyTimeout    time.Duration
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		AuthToken: getEnv("API_AUTH_TOKEN", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		RedisStream:        getEnv("REDIS_STREAM", "claim_submissions"),
		RedisDLQ:           getEnv("REDIS_DLQ_STREAM", "claim_submissions_dlq"),
		RedisGroup:         getEnv("REDIS_GROUP", "submission_workers"),
		RedisConsumer:      getEnv("REDIS_CONSUMER", "worker-1"),
		RedisDelayedSet:    getEnv("REDIS_DELAYED_SET", "claim_submissions_delayed"),
		QueueBufferSize:    getEnvInt("QUEUE_BUFFER_SIZE", 512),
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 4),
		RetryMaxAttempts:   getEnvInt("RETRY_MAX_ATTEMPTS", 14),
		RetryBaseDelay:     getEnvDuration("RETRY_BASE_DELAY", 2*time.Second),
		RetryMaxDelay:      getEnvDuration("RETRY_MAX_DELAY", 30*time.Minute),
		IdentitySealKeyB64: getEnv("IDENTITY_SEAL_KEY", ""),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		HomeCountry:        getEnv("HOME_COUNTRY", "USA"),
		ForeignPostalCode:  getEnv("FOREIGN_POSTAL_CODE", "00000"),
		SubmissionSource:   getEnv("SUBMISSION_SOURCE", "va.gov"),
		StampWithClaimTime: getEnvBool("STAMP_WITH_CLAIM_TIME", true),
		PolicyFile:         getEnv("POLICY_FILE", ""),

		StorageBackend: getEnv("STORAGE_BACKEND", "tempdir"),
		TempDir:        getEnv("DOCUMENT_TEMP_DIR", ""),
		MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "claim-documents"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		StructuredBaseURL:      getEnv("STRUCTURED_BASE_URL", ""),
		StructuredAPIKey:       getEnv("STRUCTURED_API_KEY", ""),
		IntakeBaseURL:          getEnv("INTAKE_BASE_URL", ""),
		IntakeAPIKey:           getEnv("INTAKE_API_KEY", ""),
		AlternateIntakeBaseURL: getEnv("ALTERNATE_INTAKE_BASE_URL", ""),
		AlternateIntakeAPIKey:  getEnv("ALTERNATE_INTAKE_API_KEY", ""),
		ChannelTimeout:         getEnvDuration("CHANNEL_TIMEOUT", 30*time.Second),
		ChannelRPS:             getEnvFloat("CHANNEL_RPS", 5),
		ChannelBurst:           getEnvInt("CHANNEL_BURST", 10),

		NotifyWebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
		NotifyTimeout:    getEnvDuration("NOTIFY_TIMEOUT", 5*time.Second),
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go duration strings ("250ms", "2m") or a plain
// number of milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	millis, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return time.Duration(millis) * time.Millisecond
}
