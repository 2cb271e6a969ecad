package main

import (
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blobvault/uploads-service/caching"
	"github.com/blobvault/uploads-service/handlers"
	"github.com/blobvault/uploads-service/health"
	"github.com/blobvault/uploads-service/queues"
	"github.com/blobvault/uploads-service/services"
	"github.com/blobvault/uploads-service/store"
)

type Stores struct {
	uploads store.UploadStore
	objects store.ObjectStore
}

type Services struct {
	Uploads services.UploadService
	Stores  *Stores
	Router  http.Handler
}

func BuildServices(app *App) *Services {
	uploadStore := store.NewDynamoDbUploadStoreImpl(app.DynamoDB, app.Config.DynamoDBConfig.UploadsTableName)
	objectStore := store.NewS3ObjectStoreImpl(
		app.S3,
		s3.NewPresignClient(app.S3),
		app.Config.S3Config.Bucket,
		app.Config.UploadConfig.PresignTTL,
	)

	var cachingSvc caching.CachingService = caching.NewNullCachingService()
	if app.Redis != nil {
		cachingSvc = caching.NewRedisCachingService(app.Redis)
	}

	var notifier queues.Notifier = queues.NewNullNotifier()
	if q := app.Config.ServiceConfig.UploadsNotificationsQueueName; q != "" {
		queueUrl := fmt.Sprintf(
			"https://sqs.%s.amazonaws.com/%s/%s.fifo",
			app.Config.AWSConfig.Region,
			app.Config.AWSConfig.AccountID,
			q,
		)
		notifier = queues.NewSQSNotifierImpl(app.Sqs, queueUrl)
	}

	uploadSvc := services.NewUploadServiceImpl(
		uploadStore,
		objectStore,
		cachingSvc,
		notifier,
		app.Metrics,
		app.Config.UploadConfig,
	)

	checks := []health.ReadinessCheck{uploadStore, objectStore}
	metricsHandler := promhttp.HandlerFor(app.Metrics.Registry(), promhttp.HandlerOpts{})
	handler := handlers.NewUploadHandler(uploadSvc, checks, metricsHandler)

	guardChain := handlers.Chain(
		handlers.NewAuthGuard(app.Config.ServiceConfig.JWTSecret),
		handlers.NewRateLimitGuard(cachingSvc, app.Config.ServiceConfig.RequestsPerMinute),
	)

	return &Services{
		Uploads: uploadSvc,
		Stores: &Stores{
			uploads: uploadStore,
			objects: objectStore,
		},
		Router: handler.Routes(guardChain),
	}
}
