package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nimasrn/message-blast/internal/config"
	"github.com/nimasrn/message-blast/internal/dispatcher"
	gateway "github.com/nimasrn/message-blast/internal/gateways"
	"github.com/nimasrn/message-blast/internal/processor"
	"github.com/nimasrn/message-blast/internal/progress"
	"github.com/nimasrn/message-blast/internal/queue"
	"github.com/nimasrn/message-blast/internal/repository"
	"github.com/nimasrn/message-blast/internal/runner"
	"github.com/nimasrn/message-blast/internal/services"
	"github.com/nimasrn/message-blast/pkg/logger"
	"github.com/nimasrn/message-blast/pkg/pg"
	"github.com/nimasrn/message-blast/pkg/prom"
	"github.com/nimasrn/message-blast/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()
	logger.Info("starting blast runner", "version", version, "commit", commit, "date", date)

	db, err := pg.CreateReadWrite(cfg.PostgresReadConfig(), cfg.PostgresWriteConfig(), cfg.AppEnv == "dev")
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{cfg.RedisAddr},
		ClientName: cfg.AppName + "-runner",
		DB:         cfg.RedisDatabase,
		Username:   cfg.RedisUsername,
		Password:   cfg.RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	var providers []gateway.ProviderConfig
	for i, url := range cfg.GatewayProviderUrls() {
		providers = append(providers, gateway.ProviderConfig{
			Name:   []string{"primary", "secondary", "backup"}[i],
			URL:    url,
			Weight: 100 - 20*i,
		})
	}
	client, err := gateway.NewClient(&gateway.Config{
		Providers:               providers,
		Timeout:                 cfg.GatewayRequestTimeout,
		MaxRetries:              3,
		RetryDelay:              time.Millisecond * 100,
		MaxConns:                1000,
		ReadBufferSize:          1024 * 4,
		WriteBufferSize:         1024 * 4,
		HealthCheckInterval:     30 * time.Second,
		EvaluateInterval:        time.Minute,
		CircuitBreakerThreshold: cfg.GatewayBreakerFailures,
		CircuitBreakerTimeout:   cfg.GatewayBreakerCooldown,
	})
	if err != nil {
		logger.Error("failed to create gateway", "error", err)
		return
	}
	defer client.Close()

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	err = prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace)
	if err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}
	go prom.ListenAndServer(cfg.AppDebugMetricsAddr, cfg.AppDebugMetricsURI)

	blastRepo := repository.NewBlastRepository(db)
	targetRepo := repository.NewTargetRepository(db).WithClaimLease(cfg.RunnerClaimLease)
	directory := gateway.NewDirectory(cfg.DirectoryUrl, cfg.DirectoryTimeout)
	aggregator := progress.NewAggregator(blastRepo, targetRepo)

	queueConfig := queue.QueueConfig{
		ConsumerGroup:     cfg.QueueConsumerGroup,
		ConsumerName:      cfg.QueueConsumerName,
		MaxRetries:        cfg.QueueMaxRetries,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		PollInterval:      cfg.QueuePollInterval,
		BatchSize:         cfg.QueueBatchSize,
		MaxLen:            cfg.QueueMaxLen,
		EnableDLQ:         cfg.QueueEnableDLQ,
	}

	eventsConfig := queueConfig
	eventsConfig.Name = cfg.QueueEventsName
	events, err := queue.NewQueue(redisAdap, eventsConfig)
	if err != nil {
		logger.Error("failed creating events queue", "error", err)
		return
	}

	metrics := runner.NewMetrics()
	r, err := runner.New(runner.Deps{
		Blasts:    blastRepo,
		Targets:   targetRepo,
		Directory: directory,
		Executor: dispatcher.New(targetRepo, client, dispatcher.Config{
			SendTimeout: cfg.RunnerSendTimeout,
			SendRate:    cfg.RunnerSendRate,
			SendBurst:   cfg.RunnerSendBurst,
		}),
		Progress: aggregator,
		Locker: runner.NewLocker(redisAdap, runner.LockConfig{
			TTL:       cfg.RunnerLockTTL,
			KeyPrefix: runner.DefaultLockConfig().KeyPrefix,
		}),
		Events:  runner.NewStreamPublisher(events),
		Metrics: metrics,
	}, runner.Config{
		TickInterval:  cfg.RunnerTickInterval,
		Workers:       cfg.RunnerWorkers,
		GaugeCronSpec: cfg.RunnerGaugeCronSpec,
	})
	if err != nil {
		logger.Error("failed to create runner", "error", err)
		return
	}

	var receipts *processor.ProcessorService
	if cfg.RunnerReceiptsEnabled {
		receiptsConfig := queueConfig
		receiptsConfig.Name = cfg.QueueReceiptsName
		receipts, err = processor.NewProcessorService(redisAdap, processor.Config{
			Queue:     receiptsConfig,
			Consumers: 2,
			Workers:   cfg.RunnerWorkers,
		})
		if err != nil {
			logger.Error("failed to create receipts consumer", "error", err)
			return
		}
		blastService := services.NewBlastService(blastRepo, targetRepo, directory, aggregator)
		idempotency := processor.NewIdempotencyService(redisAdap, processor.IdempotencyConfig{MaxRetries: cfg.QueueMaxRetries})
		receipts.RegisterProcessor(processor.NewReceiptProcessor(blastService, idempotency))
		receipts.RegisterReporter("runner", metrics)
		if err := receipts.Start(); err != nil {
			logger.Error("failed to start receipts consumer", "error", err)
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("shutting down blast runner")
	r.Stop()
	cancel()
	if receipts != nil {
		receipts.Stop()
	}
	if err := events.Stop(time.Second); err != nil {
		logger.Warn("events queue stop", "error", err)
	}
	logger.Info("blast runner stopped", "stats", metrics.GetStats())
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
