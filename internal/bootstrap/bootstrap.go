// Package bootstrap builds the engine and its dependencies from configuration.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/nsqio/go-nsq"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"google.golang.org/api/option"

	"github.com/stanstork/stratum-exchange/internal/blob"
	"github.com/stanstork/stratum-exchange/internal/config"
	"github.com/stanstork/stratum-exchange/internal/engine"
	"github.com/stanstork/stratum-exchange/internal/migration"
	"github.com/stanstork/stratum-exchange/internal/notification"
	"github.com/stanstork/stratum-exchange/internal/repository"
	"github.com/stanstork/stratum-exchange/internal/store"
	"github.com/stanstork/stratum-exchange/internal/store/mongostore"
	"github.com/stanstork/stratum-exchange/internal/store/pgstore"
)

// Stack holds everything an orchestrator run needs. Close releases it.
type Stack struct {
	Orchestrator *engine.Orchestrator
	Backend      store.Backend
	Blobs        blob.Store
	// LocalBlobs is set when files are kept on local disk and must be served
	// over HTTP.
	LocalBlobs *blob.LocalStore

	db       *sql.DB
	mongo    *mongo.Client
	producer *nsq.Producer
	logger   zerolog.Logger
}

// Build connects the configured backend, job repository, blob store and
// notifiers. Postgres migrations are applied when migrate is true.
func Build(ctx context.Context, cfg *config.Config, migrate bool, logger zerolog.Logger) (*Stack, error) {
	s := &Stack{logger: logger}
	ok := false
	defer func() {
		if !ok {
			s.Close(context.Background())
		}
	}()

	repo, err := s.openBackend(ctx, cfg, migrate)
	if err != nil {
		return nil, err
	}
	if err := s.openBlobs(ctx, cfg); err != nil {
		return nil, err
	}
	notifier, err := s.openNotifier(cfg)
	if err != nil {
		return nil, err
	}

	s.Orchestrator = engine.New(repo, s.Backend, s.Blobs, notifier, engine.Options{
		TempDir:          cfg.Worker.TempDir,
		DetectTimestamps: cfg.Import.DetectTimestamps,
	}, logger)
	ok = true
	return s, nil
}

func (s *Stack) openBackend(ctx context.Context, cfg *config.Config, migrate bool) (repository.DataJobRepository, error) {
	switch cfg.Store.Backend {
	case config.BackendMongo:
		client, err := mongostore.Connect(ctx, cfg.Store.MongoURI)
		if err != nil {
			return nil, err
		}
		s.mongo = client
		s.Backend = mongostore.New(client, cfg.Store.MongoDatabase, mongostore.Options{
			BatchLimit:    cfg.Store.BatchLimit,
			Transactional: cfg.Store.MongoTransactions,
		}, s.logger)
		repo := repository.NewMongoDataJobRepository(client.Database(cfg.Store.MongoDatabase))
		if err := repository.EnsureMongoIndexes(ctx, client.Database(cfg.Store.MongoDatabase)); err != nil {
			return nil, err
		}
		s.logger.Info().Str("database", cfg.Store.MongoDatabase).Msg("Connected to MongoDB")
		return repo, nil

	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		s.db = db
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}
		if migrate {
			if err := migration.RunMigrations(db, s.logger); err != nil {
				return nil, err
			}
		}
		s.Backend = pgstore.New(db, s.logger)
		s.logger.Info().Msg("Connected to PostgreSQL")
		return repository.NewPostgresDataJobRepository(db), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func (s *Stack) openBlobs(ctx context.Context, cfg *config.Config) error {
	switch cfg.Blob.Provider {
	case config.BlobLocal:
		local, err := blob.NewLocalStore(cfg.Blob.LocalDir, cfg.Blob.BaseURL, []byte(cfg.Blob.SigningKey), cfg.Blob.URLTTL, s.logger)
		if err != nil {
			return err
		}
		s.Blobs, s.LocalBlobs = local, local
		return nil

	case config.BlobGCS:
		var opts []option.ClientOption
		if cfg.Blob.GCSCredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Blob.GCSCredentialsFile))
		}
		if cfg.Blob.GCSEndpoint != "" {
			opts = append(opts, option.WithEndpoint(cfg.Blob.GCSEndpoint), option.WithoutAuthentication())
		}
		gcs, err := blob.NewGCSStore(ctx, cfg.Blob.GCSBucket, s.logger, opts...)
		if err != nil {
			return err
		}
		s.Blobs = gcs
		return nil
	}
	return fmt.Errorf("unknown blob provider %q", cfg.Blob.Provider)
}

// openNotifier always logs job events and also publishes them to NSQ when
// an nsqd address is configured.
func (s *Stack) openNotifier(cfg *config.Config) (notification.Notifier, error) {
	notifiers := []notification.Notifier{notification.NewLogNotifier(s.logger)}
	if cfg.NSQ.NSQDAddress != "" {
		producer, err := notification.NewNSQProducer(cfg.NSQ.NSQDAddress)
		if err != nil {
			return nil, err
		}
		producer.SetLogger(nsqLogger{s.logger.With().Str("component", "nsq").Logger()}, nsq.LogLevelWarning)
		s.producer = producer
		notifiers = append(notifiers, notification.NewNSQNotifier(producer, cfg.NSQ.Topic))
	}
	return notification.NewFanout(s.logger, notifiers...), nil
}

// Close releases connections in reverse order of creation.
func (s *Stack) Close(ctx context.Context) {
	if s.producer != nil {
		s.producer.Stop()
	}
	if s.mongo != nil {
		if err := s.mongo.Disconnect(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("failed to disconnect MongoDB")
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close database")
		}
	}
}

// nsqLogger adapts zerolog to the nsq client's Output logger.
type nsqLogger struct {
	logger zerolog.Logger
}

func (l nsqLogger) Output(_ int, s string) error {
	l.logger.Warn().Msg(s)
	return nil
}
