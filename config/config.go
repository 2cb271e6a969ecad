// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Env      string
	HTTPAddr string

	AWSConfig      AWSConfig
	DynamoDBConfig DynamoDBConfig
	S3Config       S3Config
	RedisConfig    RedisConfig
	UploadConfig   UploadConfig
	ServiceConfig  ServiceConfig

	Tracing     bool
	TracingAddr string
}

type AWSConfig struct {
	Region    string
	AccountID string
}

func (c AWSConfig) Validate() error {
	if c.Region == "" {
		return errors.New("AWS_REGION is required")
	}
	return nil
}

type DynamoDBConfig struct {
	UploadsTableName string
}

type S3Config struct {
	Bucket string
}

func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3_BUCKET is required")
	}
	return nil
}

type RedisConfig struct {
	Host string
}

type ServiceConfig struct {
	// UploadsNotificationsQueueName names the FIFO queue completion
	// events are published to. Empty disables publishing.
	UploadsNotificationsQueueName string

	JWTSecret string

	// RequestsPerMinute bounds requests per owner, enforced by the
	// rate-limit guard. Zero disables the guard.
	RequestsPerMinute int
}

type UploadConfig struct {
	MaxFileSize      int64
	DefaultChunkSize int64
	MinChunkSize     int64
	MaxChunkSize     int64
	PresignTTL       time.Duration
	StatusCacheTTL   time.Duration
}

func LoadConfig() Config {
	return Config{
		Env:      getEnv("APP_ENV", "dev"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		AWSConfig: AWSConfig{
			Region:    getEnv("AWS_REGION", "us-east-1"),
			AccountID: getEnv("AWS_ACCOUNT_ID", ""),
		},
		DynamoDBConfig: DynamoDBConfig{
			UploadsTableName: getEnv("DYNAMODB_UPLOADS_TABLE", "uploads"),
		},
		S3Config: S3Config{
			Bucket: getEnv("S3_BUCKET", ""),
		},
		RedisConfig: RedisConfig{
			Host: getEnv("REDIS_HOST", ""),
		},
		UploadConfig: UploadConfig{
			MaxFileSize:      getEnvInt64("MAX_FILE_SIZE", 5*1024*1024*1024),
			DefaultChunkSize: getEnvInt64("DEFAULT_CHUNK_SIZE", 5*1024*1024),
			MinChunkSize:     getEnvInt64("MIN_CHUNK_SIZE", 1024*1024),
			MaxChunkSize:     getEnvInt64("MAX_CHUNK_SIZE", 100*1024*1024),
			PresignTTL:       getEnvDuration("PRESIGN_TTL", time.Hour),
			StatusCacheTTL:   getEnvDuration("STATUS_CACHE_TTL", 5*time.Second),
		},
		ServiceConfig: ServiceConfig{
			UploadsNotificationsQueueName: getEnv("UPLOADS_NOTIFICATIONS_QUEUE", ""),
			JWTSecret:                     getEnv("JWT_SECRET_KEY", ""),
			RequestsPerMinute:             int(getEnvInt64("REQUESTS_PER_MINUTE", 120)),
		},

		Tracing:     getEnvBool("TRACING_ENABLED", false),
		TracingAddr: getEnv("TRACING_ADDR", "localhost:4318"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
