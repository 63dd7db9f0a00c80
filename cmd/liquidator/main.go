// Package main runs the liquidation agent. It drains unhealthy positions
// from Redis or SQS, settles them in batches through the liquidation
// filterer contract, swaps seized collateral back into the repaid assets and
// records every batch in PostgreSQL, SNS and S3 when those are configured.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/archon-research/liquidator/db/migrations"
	"github.com/archon-research/liquidator/db/migrator"
	httpadapter "github.com/archon-research/liquidator/internal/adapters/inbound/http"
	"github.com/archon-research/liquidator/internal/adapters/outbound/ethereum"
	"github.com/archon-research/liquidator/internal/adapters/outbound/memory"
	"github.com/archon-research/liquidator/internal/adapters/outbound/postgres"
	"github.com/archon-research/liquidator/internal/adapters/outbound/redis"
	"github.com/archon-research/liquidator/internal/adapters/outbound/s3"
	"github.com/archon-research/liquidator/internal/adapters/outbound/sns"
	"github.com/archon-research/liquidator/internal/adapters/outbound/sqs"
	"github.com/archon-research/liquidator/internal/adapters/outbound/telemetry"
	"github.com/archon-research/liquidator/internal/config"
	"github.com/archon-research/liquidator/internal/pkg/env"
	"github.com/archon-research/liquidator/internal/ports/outbound"
	"github.com/archon-research/liquidator/internal/services/liquidator"
	"github.com/archon-research/liquidator/internal/services/shared"
)

const (
	shutdownTimeout = 25 * time.Second
	recentReports   = 100
)

func main() {
	skipMigrations := flag.Bool("skip-migrations", false, "Do not apply database migrations on startup")
	stdoutTraces := flag.Bool("stdout-traces", false, "Print spans to stdout when no collector is configured")
	flag.Parse()

	config.LoadDotEnv()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger, *skipMigrations, *stdoutTraces); err != nil {
		logger.Error("liquidator stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, skipMigrations, stdoutTraces bool) error {
	ctx := context.Background()
	identity := telemetry.Identity{
		ServiceName:    "liquidator",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricConfig{
		Identity:     identity,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer flush(logger, "metrics", shutdownMetrics)

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		Identity:     identity,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Stdout:       stdoutTraces,
	})
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer flush(logger, "tracer", shutdownTracer)

	appTelemetry, err := shared.NewAppTelemetry()
	if err != nil {
		return fmt.Errorf("creating metrics recorder: %w", err)
	}

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		loaded, err := loadAWSConfig(ctx, cfg)
		if err != nil {
			return aws.Config{}, err
		}
		awsCfg = &loaded
		return loaded, nil
	}

	source, closeSource, err := buildSource(ctx, cfg, loadAWS, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	sinks, closeSinks, err := buildSinks(ctx, cfg, loadAWS, skipMigrations, logger)
	if err != nil {
		return err
	}
	defer closeSinks()
	sinks.Metrics = appTelemetry

	ethClient, err := ethclient.DialContext(ctx, cfg.RPCEndpoint)
	if err != nil {
		return fmt.Errorf("connecting to Ethereum node: %w", err)
	}
	defer ethClient.Close()
	logger.Info("Ethereum node connected")

	helperConfig := ethereum.ConfigDefaults()
	helperConfig.FiltererAddress = cfg.FiltererAddress
	helperConfig.RouterAddress = cfg.RouterAddress
	helperConfig.GasPrice = cfg.GasPrice
	helperConfig.GasLimit = cfg.GasLimit
	helperConfig.ReceiveUnderlying = cfg.ReceiveUnderlying
	helperConfig.MaxSlippageBps = cfg.MaxSlippageBps
	helperConfig.SwapDeadline = cfg.SwapDeadline
	helperConfig.Logger = logger

	helper, err := ethereum.NewHelper(ctx, ethClient, cfg.SigningKey, helperConfig)
	if err != nil {
		return fmt.Errorf("creating liquidation helper: %w", err)
	}

	loopConfig := liquidator.ConfigDefaults()
	loopConfig.IdleInterval = cfg.IdleInterval
	loopConfig.Rounding = cfg.Rounding
	loopConfig.SwapConcurrency = cfg.SwapConcurrency
	loopConfig.CallTimeout = cfg.CallTimeout
	loopConfig.MaxConsecutiveFailures = cfg.MaxConsecutiveFailures
	loopConfig.HealthTimeout = cfg.HealthTimeout
	loopConfig.Logger = logger

	service, err := liquidator.NewService(loopConfig, source, helper, sinks)
	if err != nil {
		return fmt.Errorf("creating liquidator: %w", err)
	}

	var shuttingDown atomic.Bool
	healthConfig := httpadapter.HealthServerConfigDefaults()
	healthConfig.Addr = cfg.HealthAddr
	healthConfig.Logger = logger
	healthServer := httpadapter.NewHealthServer(healthConfig, service, &shuttingDown)
	healthServer.Start()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("starting liquidator",
		"account", helper.Account().Hex(),
		"source", cfg.Source,
		"filterer", cfg.FiltererAddress.Hex(),
		"router", cfg.RouterAddress.Hex())
	if err := service.Start(runCtx); err != nil {
		return fmt.Errorf("starting liquidator: %w", err)
	}

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down...", "signal", sig)
	case <-service.Done():
		runErr = service.Err()
		logger.Error("liquidation loop exited", "error", runErr)
	}

	shuttingDown.Store(true)
	cancel()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		if err := service.Stop(); err != nil && runErr == nil {
			logger.Error("error stopping liquidator", "error", err)
		}
	}()

	select {
	case <-shutdownDone:
		logger.Info("liquidator stopped")
	case <-time.After(shutdownTimeout):
		runErr = errors.Join(runErr, errors.New("shutdown timed out, in-flight batch abandoned"))
	}

	if err := healthServer.Shutdown(5 * time.Second); err != nil {
		logger.Warn("failed to shut down health server", "error", err)
	}
	return runErr
}

func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWSRegion),
	}
	// Static keys are only used for local stacks; otherwise the default chain applies.
	if id := env.Get("AWS_ACCESS_KEY_ID", ""); id != "" && cfg.AWSEndpoint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, env.Get("AWS_SECRET_ACCESS_KEY", ""), ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

func buildSource(ctx context.Context, cfg *config.Config, loadAWS func() (aws.Config, error), logger *slog.Logger) (outbound.PositionSource, func(), error) {
	switch cfg.Source {
	case config.SourceSQS:
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, nil, err
		}
		consumerConfig := sqs.ConfigDefaults()
		consumerConfig.QueueURL = cfg.SQSQueueURL
		consumer, err := sqs.NewConsumer(awsCfg, consumerConfig, logger, func(o *awssqs.Options) {
			if cfg.AWSEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
			}
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating SQS consumer: %w", err)
		}
		logger.Info("reading positions from SQS", "queue", cfg.SQSQueueURL)
		return sqs.NewPositionSource(consumer, cfg.SQSMaxBatch, logger), closer(logger, "SQS consumer", consumer.Close), nil

	default:
		queueConfig := redis.ConfigDefaults()
		queueConfig.Addr = cfg.RedisAddr
		queueConfig.Password = cfg.RedisPassword
		queueConfig.DB = cfg.RedisDB
		queueConfig.Key = cfg.RedisKey
		queueConfig.BatchSize = cfg.RedisBatch
		queue, err := redis.NewPositionQueue(queueConfig, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("creating Redis position queue: %w", err)
		}
		if err := queue.Ping(ctx); err != nil {
			_ = queue.Close()
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("Redis connected", "addr", cfg.RedisAddr, "key", cfg.RedisKey)
		return queue, closer(logger, "Redis", queue.Close), nil
	}
}

func buildSinks(ctx context.Context, cfg *config.Config, loadAWS func() (aws.Config, error), skipMigrations bool, logger *slog.Logger) (liquidator.Sinks, func(), error) {
	var sinks liquidator.Sinks
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (liquidator.Sinks, func(), error) {
		closeAll()
		return liquidator.Sinks{}, nil, err
	}

	if cfg.DatabaseURL != "" {
		pool, err := postgres.OpenPool(ctx, postgres.DefaultDBConfig(cfg.DatabaseURL))
		if err != nil {
			return fail(err)
		}
		closers = append(closers, pool.Close)
		logger.Info("PostgreSQL connected")

		if !skipMigrations {
			if err := migrator.New(pool, migrations.FS, logger).ApplyAll(ctx); err != nil {
				return fail(fmt.Errorf("applying migrations: %w", err))
			}
		}

		repo, err := postgres.NewOutcomeRepository(pool, logger)
		if err != nil {
			return fail(err)
		}
		sinks.Recorder = repo
	}

	if cfg.SNSTopicARN != "" || cfg.S3Bucket != "" {
		awsCfg, err := loadAWS()
		if err != nil {
			return fail(err)
		}
		if cfg.SNSTopicARN != "" {
			snsConfig := sns.ConfigDefaults()
			snsConfig.TopicARN = cfg.SNSTopicARN
			snsConfig.Logger = logger
			client := awssns.NewFromConfig(awsCfg, func(o *awssns.Options) {
				if cfg.AWSEndpoint != "" {
					o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
				}
			})
			sink, err := sns.NewEventSink(client, snsConfig)
			if err != nil {
				return fail(err)
			}
			closers = append(closers, closer(logger, "SNS event sink", sink.Close))
			sinks.Events = sink
			logger.Info("publishing outcomes to SNS", "topic", cfg.SNSTopicARN)
		}

		if cfg.S3Bucket != "" {
			archive, err := s3.NewArchive(awsCfg, s3.Config{Bucket: cfg.S3Bucket, Prefix: cfg.S3Prefix}, logger,
				func(o *awss3.Options) {
					if cfg.AWSEndpoint != "" {
						o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
						o.UsePathStyle = true
					}
				})
			if err != nil {
				return fail(err)
			}
			sinks.Archive = archive
			logger.Info("archiving reports to S3", "bucket", cfg.S3Bucket)
		}
	}

	if sinks.Recorder == nil {
		sinks.Recorder = memory.NewReportStore(recentReports)
		logger.Warn("DATABASE_URL not set, batch outcomes are kept in memory only", "limit", recentReports)
	}

	return sinks, closeAll, nil
}

func closer(logger *slog.Logger, name string, fn func() error) func() {
	return func() {
		if err := fn(); err != nil {
			logger.Warn("failed to close "+name, "error", err)
		}
	}
}

func flush(logger *slog.Logger, name string, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("failed to flush "+name, "error", err)
	}
}
