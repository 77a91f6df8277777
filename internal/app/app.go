// Package app assembles the upload engine from configuration. Both the HTTP
// server and mediactl run the same engine.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"feed-media/internal/admission"
	"feed-media/internal/backend"
	"feed-media/internal/config"
	natsbroker "feed-media/internal/eventbroker/nats"
	"feed-media/internal/repository/sqlite"
	"feed-media/internal/service"
	"feed-media/internal/storage"
	"feed-media/internal/uploader"
)

// Engine is a running upload manager together with the resources it owns.
type Engine struct {
	Manager uploader.Manager
	Uploads service.UploadService
	Batches *uploader.Registry

	db        *sql.DB
	publisher *natsbroker.Publisher
}

// NewLogger builds the process logger at the configured level.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.Warnf("unknown log level %q, using info", level)
	}
	return logger
}

// Build opens the ledger, connects the backend and fallback store and starts
// the manager. reg may be nil when metrics are not exported.
func Build(ctx context.Context, cfg config.Config, logger *logrus.Logger, reg prometheus.Registerer) (*Engine, error) {
	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	eng := &Engine{db: db, Batches: uploader.NewRegistry()}

	repo := sqlite.NewUploadRepository(db)
	if err := repo.Init(ctx); err != nil {
		eng.Close()
		return nil, fmt.Errorf("init upload repository: %w", err)
	}
	eng.Uploads = service.NewUploadService(repo)

	client, err := backend.NewClient(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.Timeout,
		Logger:  logger,
	})
	if err != nil {
		eng.Close()
		return nil, fmt.Errorf("setup backend client: %w", err)
	}

	blobs, err := BuildStorage(ctx, cfg, logger)
	if err != nil {
		eng.Close()
		return nil, fmt.Errorf("setup storage: %w", err)
	}

	deps := uploader.Deps{
		Backend: client,
		Fallback: storage.NewFallback(blobs, storage.FallbackConfig{
			Category: cfg.Fallback.Category,
			Logger:   logger,
		}),
		Filter: admission.NewFilter(admission.Config{
			AllowedPrefixes: cfg.Upload.AllowedTypes,
			MaxFileSize:     cfg.Upload.MaxFileSize,
			Logger:          logger,
		}),
		Ledger: eng.Uploads,
		Quota:  client,
	}
	if reg != nil {
		deps.Metrics = uploader.MustNewMetrics(reg)
	}
	if cfg.NATS.URL != "" {
		pub, err := natsbroker.NewPublisher(natsbroker.Config{URL: cfg.NATS.URL, Subject: cfg.NATS.Subject}, logger)
		if err != nil {
			eng.Close()
			return nil, err
		}
		eng.publisher = pub
		deps.Notifier = pub
		logger.Infof("publishing completions to %s on %s", cfg.NATS.URL, cfg.NATS.Subject)
	}

	eng.Manager, err = uploader.NewManager(uploader.Config{
		Workers:      cfg.Upload.Workers,
		DisplayGrace: cfg.Upload.DisplayGrace,
		Logger:       logger,
	}, deps)
	if err != nil {
		eng.Close()
		return nil, err
	}
	return eng, nil
}

// Close stops the manager and releases the ledger and broker connections.
func (e *Engine) Close() {
	if e.Manager != nil {
		e.Manager.Shutdown()
	}
	if e.publisher != nil {
		e.publisher.Close()
	}
	if e.db != nil {
		e.db.Close()
	}
}

// BuildStorage returns the blob store selected by fallback.driver.
func BuildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	fb := cfg.Fallback
	switch fb.Driver {
	case config.DriverMinio:
		logger.Infof("using minio bucket %s at %s", fb.Bucket, fb.Minio.Endpoint)
		return storage.NewMinioService(ctx, storage.MinioConfig{
			Endpoint:      fb.Minio.Endpoint,
			AccessKey:     fb.Minio.AccessKey,
			SecretKey:     fb.Minio.SecretKey,
			UseSSL:        fb.Minio.UseSSL,
			Bucket:        fb.Bucket,
			PublicBaseURL: fb.PublicBaseURL,
			URLExpiry:     fb.URLExpiry,
		}, logger)
	case config.DriverS3, "":
		loadOpts := []func(*awscfg.LoadOptions) error{
			awscfg.WithRegion(fb.Region),
		}
		if fb.Profile != "" {
			loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(fb.Profile))
		}
		awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if fb.Endpoint != "" {
				o.BaseEndpoint = aws.String(fb.Endpoint)
				o.UsePathStyle = true
			}
		})
		logger.Infof("using s3 bucket %s (region %s)", fb.Bucket, fb.Region)
		return storage.NewS3Service(client, storage.S3Config{
			Bucket:        fb.Bucket,
			PublicBaseURL: fb.PublicBaseURL,
			URLExpiry:     fb.URLExpiry,
		})
	default:
		return nil, fmt.Errorf("unknown fallback driver %q", fb.Driver)
	}
}
