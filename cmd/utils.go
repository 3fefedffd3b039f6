package cmd

import (
	"context"
	"flag"
	"fmt"
	"log"

	"attribution-backend/internal/config"
	"attribution-backend/internal/messaging"
	"attribution-backend/internal/storage"

	"github.com/joho/godotenv"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	LoadEnv(configPath)
}

// LoadEnv loads the env file at path into the process environment. An empty path is a no-op.
func LoadEnv(path string) {
	if path == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", path)
	if err := godotenv.Load(path); err != nil {
		log.Fatalf("error loading .env file '%s': %v", path, err)
	}
}

func NewStaging(ctx context.Context, cfg config.Config) (*storage.Staging, error) {
	var provider storage.Provider
	switch cfg.Storage {
	case config.StorageS3:
		s3p, err := storage.NewS3Provider(ctx, storage.S3ProviderConfig{
			S3EndpointURL:     cfg.S3EndpointURL,
			S3AccessKeyID:     cfg.S3AccessKeyID,
			S3SecretAccessKey: cfg.S3SecretAccessKey,
			S3Region:          cfg.S3Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 provider: %w", err)
		}
		provider = s3p
	default:
		provider = storage.NewLocalProvider(cfg.StorageDir)
	}
	return storage.NewStaging(ctx, provider, cfg.ArtifactBucket)
}

// NewQueue returns the publisher and receiver for the configured queue. For the in-memory queue
// both are the same value.
func NewQueue(cfg config.Config) (messaging.Publisher, messaging.Reciever, error) {
	if cfg.Queue != config.QueueRabbitMQ {
		queue := messaging.NewInMemoryQueue()
		return queue, queue, nil
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect publisher to RabbitMQ: %w", err)
	}
	reciever, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		publisher.Close()
		return nil, nil, fmt.Errorf("failed to connect receiver to RabbitMQ: %w", err)
	}
	return publisher, reciever, nil
}
