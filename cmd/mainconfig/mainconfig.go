package mainconfig

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-booking-platform/internal/appointments"
	appconfig "github.com/wolfman30/clinic-booking-platform/internal/config"
	"github.com/wolfman30/clinic-booking-platform/internal/events"
	"github.com/wolfman30/clinic-booking-platform/internal/keylock"
	"github.com/wolfman30/clinic-booking-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

// LoadAWSConfig centralizes AWS SDK initialization so both binaries share the
// same LocalStack/production wiring.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	loaders := []func(*config.LoadOptions) error{config.WithRegion(cfg.AWSRegion)}
	if strings.TrimSpace(cfg.AWSAccessKeyID) != "" && strings.TrimSpace(cfg.AWSSecretAccessKey) != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, err
	}

	if endpoint := cfg.AWSEndpointOverride; endpoint != "" {
		awsCfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
				switch service {
				case sqs.ServiceID, s3.ServiceID:
					return aws.Endpoint{
						URL:               endpoint,
						PartitionID:       "aws",
						SigningRegion:     cfg.AWSRegion,
						HostnameImmutable: true,
					}, nil
				default:
					return aws.Endpoint{}, &aws.EndpointNotFoundError{}
				}
			},
		)
	}

	return awsCfg, nil
}

// NewS3Client builds the asset bucket client. LocalStack needs path-style addressing.
func NewS3Client(awsCfg aws.Config, cfg *appconfig.Config) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.AWSEndpointOverride != ""
	})
}

// ConnectPostgresPool returns a nil pool only when url is empty. A configured database that
// cannot be parsed or reached is an error.
func ConnectPostgresPool(ctx context.Context, url string, maxConns int) (*pgxpool.Pool, error) {
	if strings.TrimSpace(url) == "" {
		return nil, nil
	}
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("mainconfig: invalid DATABASE_URL: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("mainconfig: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("mainconfig: ping postgres: %w", err)
	}
	return pool, nil
}

// NewRedisClient returns nil when the ping fails so callers can degrade to local state.
func NewRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) *redis.Client {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable", "addr", cfg.RedisAddr, "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// Stack is the booking core shared by the API server and the operator CLI.
type Stack struct {
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Repository  appointments.Repository
	Locker      keylock.Locker
	OutboxStore events.Store
	Outbox      *events.BookingOutbox
	Ledger      events.Ledger
	Registry    *prometheus.Registry
	Metrics     *metrics.BookingMetrics
	Engine      *appointments.Engine
}

// Open wires storage, locking and the engine from cfg. Without DATABASE_URL everything lives in
// memory; a DATABASE_URL that does not answer fails the open.
func Open(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*Stack, error) {
	s := &Stack{Registry: prometheus.NewRegistry()}
	s.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.Metrics = metrics.NewBookingMetrics(s.Registry)

	pool, err := ConnectPostgresPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, err
	}
	s.Pool = pool
	if s.Pool != nil {
		s.Repository = appointments.NewPostgresRepository(s.Pool)
		s.OutboxStore = events.NewOutboxStore(s.Pool)
		s.Ledger = events.NewProcessedStore(s.Pool)
	} else {
		logger.Warn("DATABASE_URL not set; using in-memory storage")
		s.Repository = appointments.NewInMemoryRepository()
		s.OutboxStore = events.NewMemoryOutbox()
		s.Ledger = events.NewMemoryProcessedStore()
	}

	if cfg.UsesRedisLocks() {
		s.Redis = NewRedisClient(ctx, cfg, logger)
	}
	if s.Redis != nil {
		s.Locker = keylock.NewRedis(s.Redis, keylock.RedisOptions{TTL: cfg.LockTTL, Wait: cfg.LockWait}, logger)
	} else {
		if cfg.UsesRedisLocks() {
			logger.Warn("LOCK_BACKEND=redis but redis is unreachable; locks are process-local")
		}
		s.Locker = keylock.NewLocal()
	}

	s.Outbox = events.NewBookingOutbox(s.OutboxStore)
	s.Engine = appointments.NewEngine(s.Repository, s.Locker, logger).
		WithOutbox(s.Outbox).
		WithMetrics(s.Metrics)
	return s, nil
}

// Close releases pooled connections.
func (s *Stack) Close() {
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}
