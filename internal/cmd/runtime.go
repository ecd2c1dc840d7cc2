package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/coverscan/internal/config"
	"github.com/3leaps/coverscan/internal/observability"
	"github.com/3leaps/coverscan/pkg/bookstore"
	"github.com/3leaps/coverscan/pkg/extract"
	"github.com/3leaps/coverscan/pkg/extract/ocrservice"
	"github.com/3leaps/coverscan/pkg/extract/openai"
	"github.com/3leaps/coverscan/pkg/imagestore"
	"github.com/3leaps/coverscan/pkg/imagestore/file"
	"github.com/3leaps/coverscan/pkg/imagestore/s3"
	"github.com/3leaps/coverscan/pkg/jobqueue"
	"github.com/3leaps/coverscan/pkg/jobqueue/redisqueue"
	"github.com/3leaps/coverscan/pkg/jobqueue/sqlqueue"
	"github.com/3leaps/coverscan/pkg/pipeline"
	"github.com/3leaps/coverscan/pkg/sqlstore"
)

func dbConfig(c config.DatabaseConfig) sqlstore.Config {
	return sqlstore.Config{
		Driver:    sqlstore.Driver(c.Driver),
		Path:      c.Path,
		URL:       c.URL,
		AuthToken: c.AuthToken,
		DSN:       c.DSN,
		MaxConns:  c.MaxConns,
	}
}

// openQueue opens the configured job store backend.
func openQueue(ctx context.Context, cfg *config.Config) (jobqueue.Store, error) {
	switch cfg.Queue.Backend {
	case config.QueueBackendRedis:
		r := cfg.Queue.Redis
		q, err := redisqueue.Open(ctx, redisqueue.Config{
			Addr:         r.Addr,
			Username:     r.Username,
			Password:     r.Password,
			DB:           r.DB,
			Prefix:       r.Prefix,
			BlockTimeout: r.BlockTimeout,
			Retention:    cfg.Queue.Retention,
		})
		if err != nil {
			return nil, err
		}
		return q, nil
	case config.QueueBackendSQL:
		q, err := sqlqueue.Open(ctx, dbConfig(cfg.Queue.SQL), sqlqueue.Options{})
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

func openBooks(ctx context.Context, cfg *config.Config) (*bookstore.Store, error) {
	return bookstore.Open(ctx, dbConfig(cfg.Store), bookstore.Options{})
}

// openImages opens the configured image store backend.
func openImages(ctx context.Context, cfg *config.Config) (imagestore.Store, error) {
	switch cfg.Images.Backend {
	case config.ImagesBackendS3:
		c := cfg.Images.S3
		st, err := s3.New(ctx, s3.Config{
			Bucket:          c.Bucket,
			Prefix:          c.Prefix,
			Region:          c.Region,
			Endpoint:        c.Endpoint,
			Profile:         c.Profile,
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
			ForcePathStyle:  c.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.ImagesBackendFile:
		st, err := file.New(file.Config{BaseDir: cfg.Images.Dir})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown images backend %q", cfg.Images.Backend)
	}
}

func newUploadFilter(cfg *config.Config) (*imagestore.Filter, error) {
	return imagestore.NewFilter(cfg.Images.Patterns, cfg.Images.MaxBytes)
}

// newExtractor builds the configured extraction client reading from images.
func newExtractor(cfg *config.Config, images imagestore.Getter, logger *zap.Logger) (extract.Extractor, error) {
	x := cfg.Extraction
	switch x.Provider {
	case config.ProviderOpenAI:
		c, err := openai.New(openai.Config{
			BaseURL:       x.OpenAI.BaseURL,
			APIKey:        x.OpenAI.APIKey,
			Model:         x.OpenAI.Model,
			Temperature:   x.OpenAI.Temperature,
			Timeout:       x.Timeout,
			MaxImageBytes: cfg.Images.MaxBytes,
			Logger:        logger,
		}, images)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.ProviderOCRService:
		c, err := ocrservice.New(ocrservice.Config{
			BaseURL:       x.OCRService.BaseURL,
			Path:          x.OCRService.Path,
			APIKey:        x.OCRService.APIKey,
			Timeout:       x.Timeout,
			MaxImageBytes: cfg.Images.MaxBytes,
			Logger:        logger,
		}, images)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown extraction provider %q", x.Provider)
	}
}

func workerConfig(cfg *config.Config, concurrency int, logger *zap.Logger) pipeline.WorkerConfig {
	if concurrency <= 0 {
		concurrency = cfg.Workers
	}
	return pipeline.WorkerConfig{
		Concurrency:    concurrency,
		RateLimit:      cfg.Extraction.RateLimit,
		ExtractTimeout: cfg.Extraction.Timeout,
		Logger:         logger,
	}
}

// newProcessLogger builds the logger for serve and worker.
func newProcessLogger(cfg *config.Config) (*zap.Logger, error) {
	name := "coverscan"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		name = id.BinaryName
	}
	return observability.NewLogger(observability.LoggingConfig{
		Service: name,
		Level:   cfg.Logging.Level,
		Profile: cfg.Logging.Profile,
	})
}
