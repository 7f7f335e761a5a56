package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// StorageDriverMemory хранит журнал, заказы и остатки в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres хранит их в PostgreSQL.
	StorageDriverPostgres = "postgres"

	// CounterDriverMemory держит счётчики в памяти процесса.
	CounterDriverMemory = "memory"
	// CounterDriverRedis держит счётчики в Redis.
	CounterDriverRedis = "redis"
)

// Config описывает настройки запуска stock-service.
type Config struct {
	HTTPAddr    string
	MetricsAddr string
	GRPCAddr    string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	// SeedStock - стартовые остатки "product:num,..." для демо и тестов.
	SeedStock string

	CounterDriver string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers          string
	KafkaTopic            string
	KafkaDLQTopic         string
	KafkaConsumerGroup    string
	KafkaConsumerRetries  int
	KafkaConsumerRetryGap time.Duration

	RelayPollInterval time.Duration
	RelayBatchSize    int
	RelayMaxAttempts  int
	RelayRetryDelay   time.Duration
	RelayMaxBacklog   time.Duration

	CheckInterval   time.Duration
	CheckMaxChecks  int
	CheckBaseDelay  time.Duration
	CheckBackoffCap time.Duration
	CheckImmunity   time.Duration

	SweepInterval   time.Duration
	SweepStaleAfter time.Duration
	SweepBatchSize  int

	KnownEmptyTTL time.Duration

	MarkerTTL                   time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	SendTimeout    time.Duration
	LocalTxTimeout time.Duration
}

// DefaultConfig возвращает значения по умолчанию: всё в памяти, без Kafka.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
		GRPCAddr:    ":50051",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		CounterDriver: CounterDriverMemory,
		RedisAddr:     "localhost:6379",

		KafkaTopic:            "stock.decrease",
		KafkaDLQTopic:         "stock.decrease.dlq",
		KafkaConsumerGroup:    "stock-decrease-cg",
		KafkaConsumerRetries:  3,
		KafkaConsumerRetryGap: 100 * time.Millisecond,

		RelayPollInterval: time.Second,
		RelayBatchSize:    100,
		RelayMaxAttempts:  3,
		RelayRetryDelay:   50 * time.Millisecond,
		RelayMaxBacklog:   time.Minute,

		CheckInterval:   5 * time.Second,
		CheckMaxChecks:  15,
		CheckBaseDelay:  5 * time.Second,
		CheckBackoffCap: 5 * time.Minute,
		CheckImmunity:   5 * time.Second,

		SweepInterval:   time.Minute,
		SweepStaleAfter: 10 * time.Minute,
		SweepBatchSize:  100,

		KnownEmptyTTL: time.Minute,

		MarkerTTL:                   24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		SendTimeout:    2 * time.Second,
		LocalTxTimeout: 3 * time.Second,
	}
}

// ConfigFromEnv применяет переменные окружения STOCK_* поверх base.
func ConfigFromEnv(base Config) (Config, error) {
	return configFromLookup(base, os.LookupEnv)
}

func configFromLookup(base Config, lookup func(string) (string, bool)) (Config, error) {
	cfg := base
	p := envParser{lookup: lookup}

	p.str("STOCK_HTTP_ADDR", &cfg.HTTPAddr)
	p.str("STOCK_METRICS_ADDR", &cfg.MetricsAddr)
	p.str("STOCK_GRPC_ADDR", &cfg.GRPCAddr)

	p.str("STOCK_STORAGE_DRIVER", &cfg.StorageDriver)
	p.str("STOCK_POSTGRES_DSN", &cfg.PostgresDSN)
	p.boolean("STOCK_POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	p.str("STOCK_SEED_STOCK", &cfg.SeedStock)

	p.str("STOCK_COUNTER_DRIVER", &cfg.CounterDriver)
	p.str("STOCK_REDIS_ADDR", &cfg.RedisAddr)
	p.str("STOCK_REDIS_PASSWORD", &cfg.RedisPassword)
	p.integer("STOCK_REDIS_DB", &cfg.RedisDB)

	p.str("STOCK_KAFKA_BROKERS", &cfg.KafkaBrokers)
	p.str("STOCK_KAFKA_TOPIC", &cfg.KafkaTopic)
	p.str("STOCK_KAFKA_DLQ_TOPIC", &cfg.KafkaDLQTopic)
	p.str("STOCK_KAFKA_CONSUMER_GROUP", &cfg.KafkaConsumerGroup)
	p.integer("STOCK_KAFKA_CONSUMER_RETRIES", &cfg.KafkaConsumerRetries)
	p.duration("STOCK_KAFKA_CONSUMER_RETRY_DELAY", &cfg.KafkaConsumerRetryGap)

	p.duration("STOCK_RELAY_POLL_INTERVAL", &cfg.RelayPollInterval)
	p.integer("STOCK_RELAY_BATCH_SIZE", &cfg.RelayBatchSize)
	p.integer("STOCK_RELAY_MAX_ATTEMPTS", &cfg.RelayMaxAttempts)
	p.duration("STOCK_RELAY_RETRY_DELAY", &cfg.RelayRetryDelay)
	p.duration("STOCK_RELAY_MAX_BACKLOG_AGE", &cfg.RelayMaxBacklog)

	p.duration("STOCK_CHECK_INTERVAL", &cfg.CheckInterval)
	p.integer("STOCK_CHECK_MAX_CHECKS", &cfg.CheckMaxChecks)
	p.duration("STOCK_CHECK_BASE_DELAY", &cfg.CheckBaseDelay)
	p.duration("STOCK_CHECK_BACKOFF_CAP", &cfg.CheckBackoffCap)
	p.duration("STOCK_CHECK_IMMUNITY", &cfg.CheckImmunity)

	p.duration("STOCK_SWEEP_INTERVAL", &cfg.SweepInterval)
	p.duration("STOCK_SWEEP_STALE_AFTER", &cfg.SweepStaleAfter)
	p.integer("STOCK_SWEEP_BATCH_SIZE", &cfg.SweepBatchSize)

	p.duration("STOCK_KNOWN_EMPTY_TTL", &cfg.KnownEmptyTTL)

	p.duration("STOCK_MARKER_TTL", &cfg.MarkerTTL)
	p.duration("STOCK_IDEMPOTENCY_CLEANUP_INTERVAL", &cfg.IdempotencyCleanupInterval)
	p.integer("STOCK_IDEMPOTENCY_CLEANUP_BATCH_SIZE", &cfg.IdempotencyCleanupBatchSize)

	p.duration("STOCK_SEND_TIMEOUT", &cfg.SendTimeout)
	p.duration("STOCK_LOCAL_TX_TIMEOUT", &cfg.LocalTxTimeout)

	if err := errors.Join(p.errs...); err != nil {
		return base, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http addr is required"))
	}
	if strings.TrimSpace(c.MetricsAddr) == "" {
		errs = append(errs, errors.New("metrics addr is required"))
	}

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres dsn is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	switch c.CounterDriver {
	case CounterDriverMemory:
	case CounterDriverRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("redis addr is required for redis counter"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported counter driver %q", c.CounterDriver))
	}

	if c.KafkaBrokers != "" {
		if c.KafkaTopic == "" || c.KafkaDLQTopic == "" || c.KafkaConsumerGroup == "" {
			errs = append(errs, errors.New("kafka topic, dlq topic and consumer group are required with brokers"))
		}
		if c.KafkaTopic != "" && c.KafkaTopic == c.KafkaDLQTopic {
			errs = append(errs, errors.New("kafka dlq topic must differ from source topic"))
		}
	}
	if c.KafkaConsumerRetries < 0 {
		errs = append(errs, errors.New("kafka consumer retries must be >= 0"))
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"relay poll interval", c.RelayPollInterval},
		{"check interval", c.CheckInterval},
		{"check base delay", c.CheckBaseDelay},
		{"check backoff cap", c.CheckBackoffCap},
		{"sweep interval", c.SweepInterval},
		{"sweep stale after", c.SweepStaleAfter},
		{"known-empty ttl", c.KnownEmptyTTL},
		{"marker ttl", c.MarkerTTL},
		{"idempotency cleanup interval", c.IdempotencyCleanupInterval},
		{"send timeout", c.SendTimeout},
		{"local transaction timeout", c.LocalTxTimeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", p.name))
		}
	}
	if c.RelayRetryDelay < 0 || c.CheckImmunity < 0 {
		errs = append(errs, errors.New("relay retry delay and check immunity must be >= 0"))
	}
	if c.RelayBatchSize <= 0 || c.RelayMaxAttempts <= 0 || c.CheckMaxChecks <= 0 ||
		c.SweepBatchSize <= 0 || c.IdempotencyCleanupBatchSize <= 0 {
		errs = append(errs, errors.New("batch sizes, relay attempts and max checks must be > 0"))
	}
	if c.CheckBackoffCap > 0 && c.CheckBackoffCap < c.CheckBaseDelay {
		errs = append(errs, errors.New("check backoff cap must be >= check base delay"))
	}
	// Sweeper не должен откатывать записи, чья локальная транзакция ещё идёт.
	if c.SweepStaleAfter > 0 && c.SweepStaleAfter <= c.LocalTxTimeout+c.SendTimeout {
		errs = append(errs, errors.New("sweep stale after must exceed send and local transaction timeouts"))
	}

	return errors.Join(errs...)
}

// KafkaBrokerList разбирает список брокеров через запятую.
func (c Config) KafkaBrokerList() []string {
	return splitBrokers(c.KafkaBrokers)
}

func splitBrokers(raw string) []string {
	var brokers []string
	for _, broker := range strings.Split(raw, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

type envParser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *envParser) value(key string) (string, bool) {
	raw, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(raw), true
}

func (p *envParser) str(key string, dst *string) {
	if v, ok := p.value(key); ok {
		*dst = v
	}
}

func (p *envParser) integer(key string, dst *int) {
	v, ok := p.value(key)
	if !ok || v == "" {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = parsed
}

func (p *envParser) boolean(key string, dst *bool) {
	v, ok := p.value(key)
	if !ok || v == "" {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = parsed
}

func (p *envParser) duration(key string, dst *time.Duration) {
	v, ok := p.value(key)
	if !ok || v == "" {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = parsed
}
