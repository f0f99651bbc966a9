package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/nimasrn/message-blast/pkg/logger"
	"github.com/nimasrn/message-blast/pkg/pg"
	"github.com/pkg/errors"
)

const ConfigTagName = "env"
const ConfigDefaultTagName = "default"

var config *Config

// Config holds every configuration value used by the binaries. Only this
// struct must be used to read configuration, no direct access to env or
// any other config source should be made.
type Config struct {
	AppEnv              string `env:"APP_ENV,default=dev"`
	AppName             string `env:"APP_NAME,default=message_blast"`
	AppDebug            bool   `env:"APP_DEBUG,default=true"`
	AppDebugMetricsAddr string `env:"APP_DEBUG_METRIC_ADDR,default=:9100"`
	AppDebugMetricsURI  string `env:"APP_DEBUG_METRIC_URI,default=/metrics"`
	AppBaseUrl          string `env:"APP_BASE_URL"`

	HttpListenAddr            string `env:"HTTP_LISTEN_ADDR,default=:8080"`
	HttpBaseRequestUrl        string `env:"HTTP_BASE_REQUEST_URI,default=/api/v1"`
	HttpServerReadTimeout     int    `env:"HTTP_SERVER_READ_TIMEOUT"`
	HttpServerWriteTimeout    int    `env:"HTTP_SERVER_WRITE_TIMEOUT"`
	HttpServerReadBufferSize  int    `env:"HTTP_SERVER_READ_BUFFER_SIZE"`
	HttpServerWriteBufferSize int    `env:"HTTP_SERVER_WRITE_BUFFER_SIZE"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`
	PostgresSSLMode       string `env:"POSTGRES_SSL_MODE,default=disable"`

	RedisAddr               string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX"`

	PromNamespace string `env:"PROM_NAMESPACE,default=message_blast"`

	// runner
	RunnerTickInterval    time.Duration `env:"RUNNER_TICK_INTERVAL,default=5s"`
	RunnerWorkers         int           `env:"RUNNER_WORKERS,default=8"`
	RunnerLockTTL         time.Duration `env:"RUNNER_LOCK_TTL,default=2m"`
	RunnerSendTimeout     time.Duration `env:"RUNNER_SEND_TIMEOUT,default=10s"`
	RunnerClaimLease      time.Duration `env:"RUNNER_CLAIM_LEASE,default=1m"`
	RunnerSendRate        float64       `env:"RUNNER_SEND_RATE,default=20"`
	RunnerSendBurst       int           `env:"RUNNER_SEND_BURST,default=5"`
	RunnerStartGrace      time.Duration `env:"RUNNER_START_GRACE,default=5m"`
	RunnerGaugeCronSpec   string        `env:"RUNNER_GAUGE_CRON_SPEC,default=@every 30s"`
	RunnerReceiptsEnabled bool          `env:"RUNNER_RECEIPTS_ENABLED,default=true"`

	// message gateway providers
	GatewayPrimaryUrl      string        `env:"GATEWAY_PRIMARY_URL,default=http://localhost:8090"`
	GatewaySecondaryUrl    string        `env:"GATEWAY_SECONDARY_URL"`
	GatewayBackupUrl       string        `env:"GATEWAY_BACKUP_URL"`
	GatewayRequestTimeout  time.Duration `env:"GATEWAY_REQUEST_TIMEOUT,default=5s"`
	GatewayBreakerFailures int           `env:"GATEWAY_BREAKER_FAILURES,default=5"`
	GatewayBreakerCooldown time.Duration `env:"GATEWAY_BREAKER_COOLDOWN,default=30s"`

	DirectoryUrl     string        `env:"DIRECTORY_URL,default=http://localhost:8090"`
	DirectoryTimeout time.Duration `env:"DIRECTORY_TIMEOUT,default=3s"`

	QueueReceiptsName      string        `env:"QUEUE_RECEIPTS_NAME,default=blast:receipts"`
	QueueEventsName        string        `env:"QUEUE_EVENTS_NAME,default=blast:events"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP,default=runner"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME,default=runner-1"`
	QueueMaxRetries        int           `env:"QUEUE_MAX_RETRIES,default=3"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT,default=30s"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL,default=500ms"`
	QueueBatchSize         int64         `env:"QUEUE_BATCH_SIZE,default=50"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN,default=100000"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ,default=true"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		if err := godotenv.Load(path); err != nil {
			return errors.Wrapf(err, "failed to load configuration file %s", path)
		}
	}

	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return errors.Wrap(err, "failed to map env variables to Configuration object")
	}

	config = c
	return nil
}

// Set replaces the global configuration, used by tests and tools that build
// a Config by hand.
func Set(c *Config) {
	config = c
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}

// GatewayProviderUrls returns the configured provider urls in priority order.
func (c *Config) GatewayProviderUrls() []string {
	var urls []string
	for _, u := range []string{c.GatewayPrimaryUrl, c.GatewaySecondaryUrl, c.GatewayBackupUrl} {
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

func (c *Config) PostgresReadConfig() pg.Config {
	return pg.Config{
		User:     c.PostgresReadUser,
		Host:     c.PostgresReadHost,
		Port:     c.PostgresReadPort,
		Password: c.PostgresReadPassword,
		Database: c.PostgresReadDatabase,
		SSLMode:  c.PostgresSSLMode,
	}
}

func (c *Config) PostgresWriteConfig() pg.Config {
	return pg.Config{
		User:     c.PostgresWriteUser,
		Host:     c.PostgresWriteHost,
		Port:     c.PostgresWritePort,
		Password: c.PostgresWritePassword,
		Database: c.PostgresWriteDatabase,
		SSLMode:  c.PostgresSSLMode,
	}
}
