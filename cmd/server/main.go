package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/echofind/echofind/internal/config"
	"github.com/echofind/echofind/internal/handlers"
	"github.com/echofind/echofind/internal/matching"
	"github.com/echofind/echofind/internal/services"
	"github.com/echofind/echofind/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	setupLogger(cfg.Log)

	log.Info().
		Str("host", cfg.Server.Host).
		Str("port", cfg.Server.Port).
		Str("store", cfg.Store.Driver).
		Str("dispatch", cfg.Matching.Dispatch).
		Msg("Starting EchoFind")

	store, err := openStore(cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("Failed to initialize store")
	}
	defer store.Close()

	opts := handlers.Options{
		Store:     store,
		JWTSecret: cfg.JWT.Secret,
		Checks:    map[string]handlers.HealthChecker{},
	}

	if cfg.MinIO.Enabled {
		minioStorage, err := storage.NewMinIOStorage(
			cfg.MinIO.Endpoint,
			cfg.MinIO.PublicEndpoint,
			cfg.MinIO.AccessKey,
			cfg.MinIO.SecretKey,
			cfg.MinIO.Bucket,
			cfg.MinIO.UseSSL,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize MinIO storage")
		}
		opts.Images = minioStorage
		opts.Checks["minio"] = minioStorage
	} else {
		log.Warn().Msg("MinIO disabled - image upload is unavailable")
	}

	vision := services.NewVisionService(cfg.Vision.APIKey, cfg.Vision.Endpoint, cfg.Vision.Model)
	var extractor matching.IdentifierExtractor
	if vision.Enabled() {
		extractor = vision
		opts.Vision = vision
		opts.Checks["vision"] = vision
	} else {
		log.Warn().Msg("Vision API key not configured - AI identifier pass and image analysis disabled")
	}

	notifiers := matching.MultiNotifier{matching.LogNotifier{}}

	var publisher *services.RabbitMQPublisher
	if cfg.RabbitMQ.Enabled {
		publisher, err = services.NewRabbitMQPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize RabbitMQ publisher")
		}
		defer publisher.Close()

		notifiers = append(notifiers, publisher)
		opts.Events = publisher
		opts.Checks["rabbitmq"] = publisher
	}

	finder := matching.NewFinder(store, extractor, cfg.Matching.ExtractorTimeout)
	opts.Finder = finder

	var pool *matching.Pool
	switch cfg.Matching.Dispatch {
	case config.DispatchAMQP:
		consumer, err := services.NewRabbitMQConsumer(
			cfg.RabbitMQ.URL,
			cfg.RabbitMQ.Exchange,
			store,
			finder,
			notifiers,
			cfg.Matching.Workers,
			cfg.Matching.JobTimeout,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize RabbitMQ consumer")
		}
		defer consumer.Close()

		if err := consumer.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start RabbitMQ consumer")
		}
		opts.Checks["matching_consumer"] = consumer
		opts.Dispatcher = publisher
	default:
		pool = matching.NewPool(finder, notifiers, cfg.Matching.Workers, cfg.Matching.QueueSize, cfg.Matching.JobTimeout)
		pool.Start()
		opts.Dispatcher = pool
	}

	router := handlers.NewRouter(handlers.NewHandler(opts))

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("address", srv.Addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// pending match jobs still need the store and publisher
	if pool != nil {
		pool.Shutdown(cfg.Matching.JobTimeout)
	}

	log.Info().Msg("Server exited gracefully")
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func openStore(cfg config.StoreConfig) (storage.Storage, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return storage.NewSQLiteStorage(cfg.SQLitePath)
	case config.DriverMongo:
		return storage.NewMongoStorage(cfg.MongoURI, cfg.MongoDatabase)
	default:
		return storage.NewPostgresStorage(
			cfg.DBHost,
			cfg.DBPort,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBSSLMode,
		)
	}
}
