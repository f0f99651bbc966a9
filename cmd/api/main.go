package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nimasrn/message-blast/internal/config"
	gateway "github.com/nimasrn/message-blast/internal/gateways"
	"github.com/nimasrn/message-blast/internal/handlers"
	"github.com/nimasrn/message-blast/internal/progress"
	"github.com/nimasrn/message-blast/internal/queue"
	"github.com/nimasrn/message-blast/internal/repository"
	"github.com/nimasrn/message-blast/internal/services"
	xhttp "github.com/nimasrn/message-blast/pkg/http"
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
	logger.Info("starting blast api", "version", version, "commit", commit, "date", date)

	// transport (tcp for now)
	opts := xhttp.DefaultServerOption.
		WithTimeouts(config.Get().HttpServerReadTimeout, config.Get().HttpServerWriteTimeout).
		WithBuffers(config.Get().HttpServerReadBufferSize, config.Get().HttpServerWriteBufferSize)
	opts.Name = config.Get().AppName
	s := xhttp.NewServer(opts)
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestIDMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.TimeoutMiddleware(time.Second * 5))
	s.Use(xhttp.CompressMiddleware(6))

	db, err := pg.CreateReadWrite(config.Get().PostgresReadConfig(), config.Get().PostgresWriteConfig(), config.Get().AppEnv == "dev")
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: config.Get().AppName + "-api",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	if hostname, err := os.Hostname(); err == nil {
		if err := prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace); err != nil {
			logger.Error("failed to create prometheus metrics", "error", err)
			return
		}
	}
	if config.Get().AppDebug {
		go prom.ListenAndServer(config.Get().AppDebugMetricsAddr, config.Get().AppDebugMetricsURI)
	}

	blastRepo := repository.NewBlastRepository(db)
	targetRepo := repository.NewTargetRepository(db).WithClaimLease(config.Get().RunnerClaimLease)
	directory := gateway.NewDirectory(config.Get().DirectoryUrl, config.Get().DirectoryTimeout)

	// services
	blastService := services.NewBlastService(blastRepo, targetRepo, directory, progress.NewAggregator(blastRepo, targetRepo)).
		WithStartGrace(config.Get().RunnerStartGrace)
	healthService := services.NewHealthService(map[string]services.Pinger{
		"postgres": db,
		"redis":    redisAdap,
	})

	// v1 handlers
	blastHandler := handlers.NewBlastHandler(blastService)
	if config.Get().RunnerReceiptsEnabled {
		receipts, err := queue.NewQueue(redisAdap, queue.QueueConfig{
			Name:   config.Get().QueueReceiptsName,
			MaxLen: config.Get().QueueMaxLen,
		})
		if err != nil {
			logger.Error("failed creating receipts queue", "error", err)
			return
		}
		blastHandler.WithReceiptQueue(receipts)
	}
	healthHandler := handlers.NewHealthHandler(healthService)

	g := s.Router.Group(config.Get().HttpBaseRequestUrl)
	handlers.RegisterBlastRoutes(g, blastHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	<-c
	s.Shutdown()
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
