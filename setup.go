package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/blobvault/uploads-service/config"
	"github.com/blobvault/uploads-service/metrics"
	"github.com/blobvault/uploads-service/tracing"
)

type App struct {
	Server *http.Server

	DynamoDB *dynamodb.Client
	S3       *s3.Client
	Redis    *redis.Client
	Sqs      *sqs.Client

	Config    config.Config
	AwsConfig aws.Config

	Services       *Services
	Metrics        *metrics.UploadMetrics
	TracerProvider *sdktrace.TracerProvider
}

func SetupApp() (*App, error) {
	cfg := config.LoadConfig()

	if err := cfg.AWSConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.S3Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	initLogging(cfg.Env)

	awsCfg, err := initAWS(cfg.AWSConfig)
	if err != nil {
		return nil, err
	}

	app := &App{
		DynamoDB: dynamodb.NewFromConfig(awsCfg),
		S3:       s3.NewFromConfig(awsCfg),
		Sqs:      sqs.NewFromConfig(awsCfg),
		Redis:    initRedis(cfg.RedisConfig),

		Config:    cfg,
		AwsConfig: awsCfg,
		Metrics:   metrics.InitMetrics("uploads"),
	}

	if cfg.Tracing {
		tp, err := tracing.InitTracer(context.Background(), "uploads", cfg.TracingAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to start tracing: %w", err)
		}
		app.TracerProvider = tp
		log.Info().Str("addr", cfg.TracingAddr).Msg("tracing enabled")
	}

	app.Services = BuildServices(app)

	return app, nil
}

func (a *App) Run() error {
	handler := a.Services.Router
	if a.TracerProvider != nil {
		handler = otelhttp.NewHandler(handler, "uploads")
	}

	a.Server = &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", a.Config.HTTPAddr).Msg("http server started")
	return a.Server.ListenAndServe()
}

func (a *App) Shutdown(ctx context.Context) error {
	log.Info().Msg("starting graceful shutdown")

	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http shutdown error")
		}
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			log.Error().Err(err).Msg("redis close error")
		}
	}

	if a.TracerProvider != nil {
		if err := a.TracerProvider.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("tracer shutdown error")
		}
	}

	log.Info().Msg("graceful shutdown complete")
	return nil
}

func initLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func initAWS(cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	if cfg.Host == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr: cfg.Host,
	})
}
