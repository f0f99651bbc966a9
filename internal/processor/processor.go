package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nimasrn/message-blast/internal/queue"
	"github.com/nimasrn/message-blast/pkg/logger"
	"github.com/nimasrn/message-blast/pkg/redis"
	"github.com/nimasrn/message-blast/pkg/worker"
)

const (
	DefaultProcessingTimeout = time.Second * 5
	DefaultMetricsInterval   = time.Second * 30
	DefaultHealthInterval    = time.Second * 30
	DefaultShutdownTimeout   = time.Minute
	DefaultLagWarning        = 10_000
)

// Processor handles the messages of one stream.
type Processor interface {
	Process(ctx context.Context, message *queue.Message) error
	GetType() string
}

// StatsReporter contributes extra lines to the periodic metrics log.
type StatsReporter interface {
	GetStats() map[string]interface{}
}

type Config struct {
	Queue             queue.QueueConfig
	Consumers         int
	Workers           int
	ProcessingTimeout time.Duration
	MetricsInterval   time.Duration
	HealthInterval    time.Duration
	ShutdownTimeout   time.Duration
	LagWarning        int64
}

func (c *Config) setDefaults() {
	if c.Consumers < 1 {
		c.Consumers = 1
	}
	if c.Workers < 1 {
		c.Workers = 10
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = DefaultProcessingTimeout
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = DefaultMetricsInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.LagWarning <= 0 {
		c.LagWarning = DefaultLagWarning
	}
}

// ProcessorService consumes a stream with several consumers of one group and
// hands the messages to a worker pool. It also logs metrics and checks redis
// and queue lag in the background.
type ProcessorService struct {
	adapter   redis.RedisAdapter
	config    Config
	queues    []*queue.Queue
	processor Processor
	reporters map[string]StatsReporter
	metrics   *ServiceMetrics
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	worker    *worker.WorkerManager
}

func NewProcessorService(adapter redis.RedisAdapter, config Config) (*ProcessorService, error) {
	if adapter == nil {
		return nil, errors.New("redis adapter is required")
	}
	if config.Queue.Name == "" {
		return nil, errors.New("queue name is required")
	}
	config.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessorService{
		adapter:   adapter,
		config:    config,
		reporters: make(map[string]StatsReporter),
		metrics:   NewServiceMetrics(),
		ctx:       ctx,
		cancel:    cancel,
		worker:    worker.NewWorkerManager(config.Workers*4, config.Workers, nil),
	}, nil
}

// RegisterProcessor sets the processor for the stream.
func (s *ProcessorService) RegisterProcessor(processor Processor) {
	s.processor = processor
	logger.Info("Registered processor", "type", processor.GetType())
}

// RegisterReporter adds stats that are logged along with the consumer metrics.
func (s *ProcessorService) RegisterReporter(name string, r StatsReporter) {
	s.reporters[name] = r
}

func (s *ProcessorService) Metrics() *ServiceMetrics {
	return s.metrics
}

// Start launches the worker pool, the consumers and the background tasks. It
// returns once everything is running.
func (s *ProcessorService) Start() error {
	if s.processor == nil {
		return errors.New("no processor registered")
	}
	logger.Info("Starting processor service", "queue", s.config.Queue.Name)

	s.worker.SetWorker(s.workerHandler)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(s.ctx); err != nil {
			logger.Info("Worker manager stopped", "reason", err)
		}
	}()

	for i := 0; i < s.config.Consumers; i++ {
		queueConfig := s.config.Queue
		queueConfig.ConsumerName = fmt.Sprintf("%s-instance-%d", queueConfig.ConsumerName, i)

		q, err := queue.NewQueue(s.adapter, queueConfig)
		if err != nil {
			return fmt.Errorf("failed to create queue %d: %w", i, err)
		}
		if err := q.Consume(s.messageHandler); err != nil {
			return fmt.Errorf("failed to start consumer %d: %w", i, err)
		}
		s.queues = append(s.queues, q)
	}

	s.wg.Add(2)
	go s.metricsReporter()
	go s.healthChecker()

	logger.Info("Processor service started", "consumers", len(s.queues), "workers", s.config.Workers)
	return nil
}

func (s *ProcessorService) metricsReporter() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportMetrics()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) reportMetrics() {
	stats := s.metrics.GetStats()
	logger.Info("consumer metrics",
		"queue", s.config.Queue.Name,
		"total_processed", stats["total_processed"],
		"total_failed", stats["total_failed"],
		"total_dropped", stats["total_dropped"],
		"rate_per_second", stats["rate_per_second"],
		"avg_duration_ms", stats["avg_duration_ms"],
		"uptime_seconds", stats["uptime_seconds"])

	for name, r := range s.reporters {
		fields := []any{"source", name}
		for k, v := range r.GetStats() {
			fields = append(fields, k, v)
		}
		logger.Info("service metrics", fields...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if len(s.queues) > 0 {
		if qStats, err := s.queues[0].GetStats(ctx); err == nil {
			logger.Info("queue stats", "queue", s.config.Queue.Name, "total", qStats.TotalMessages, "pending", qStats.PendingMessages, "consumers", qStats.ConsumerCount)
		}
	}
}

func (s *ProcessorService) healthChecker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthCheck(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

// performHealthCheck pings redis and warns about queue lag. It reports
// whether everything looked fine.
func (s *ProcessorService) performHealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.adapter.Ping(ctx); err != nil {
		logger.Error("health check failed: redis unreachable", "error", err)
		return false
	}
	if len(s.queues) == 0 {
		return true
	}

	// the consumers share one group, so the first queue sees the whole backlog
	stats, err := s.queues[0].GetStats(ctx)
	if err != nil {
		logger.Warn("health check: queue stats unavailable", "queue", s.config.Queue.Name, "error", err)
		return false
	}
	if stats.PendingMessages > s.config.LagWarning {
		logger.Warn("health check: queue has high lag", "queue", s.config.Queue.Name, "pending_messages", stats.PendingMessages)
		return false
	}
	logger.Debug("health check ok", "queue", s.config.Queue.Name)
	return true
}

// Stop halts the consumers, lets running jobs finish and logs final metrics.
func (s *ProcessorService) Stop() {
	logger.Info("Shutting down processor service", "queue", s.config.Queue.Name)

	var qwg sync.WaitGroup
	for i, q := range s.queues {
		qwg.Add(1)
		go func(index int, q *queue.Queue) {
			defer qwg.Done()
			if err := q.Stop(s.config.ShutdownTimeout); err != nil {
				logger.Error("Error stopping queue", "queue", index, "error", err)
			}
		}(i, q)
	}
	qwg.Wait()

	s.cancel()
	s.worker.Exit()
	s.wg.Wait()

	s.reportMetrics()
	logger.Info("Processor service stopped", "queue", s.config.Queue.Name)
}

type job struct {
	msg    *queue.Message
	result chan error
	ctx    context.Context
}

// messageHandler hands a message to the worker pool and waits for the result
// so the queue can ack or keep it.
func (s *ProcessorService) messageHandler(ctx context.Context, msg *queue.Message) error {
	msgCtx, cancel := context.WithTimeout(ctx, s.config.ProcessingTimeout)
	defer cancel()

	j := &job{
		msg:    msg,
		result: make(chan error, 1),
		ctx:    msgCtx,
	}
	if err := s.worker.Enqueue(msgCtx, j); err != nil {
		s.metrics.RecordDropped()
		return fmt.Errorf("enqueue message: %w", err)
	}

	select {
	case err := <-j.result:
		return err
	case <-msgCtx.Done():
		return fmt.Errorf("timeout waiting for worker to process message: %w", msgCtx.Err())
	}
}

func (s *ProcessorService) workerHandler(workerIndex int, payload interface{}) {
	j, ok := payload.(*job)
	if !ok {
		logger.Error("Invalid job type in worker", "worker", workerIndex)
		return
	}

	if j.ctx.Err() != nil {
		s.metrics.RecordDropped()
		return
	}

	start := time.Now()
	err := s.processor.Process(j.ctx, j.msg)
	if err != nil {
		s.metrics.RecordFailure()
		logger.Warn("Failed to process message", "worker", workerIndex, "queue_id", j.msg.ID, "error", err)
	} else {
		s.metrics.RecordSuccess(time.Since(start))
	}

	// buffered, never blocks
	j.result <- err
}
