package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/opexdev/backoffice/libs/config"
	"github.com/opexdev/backoffice/libs/postgres"
)

type GRPCConfig struct {
	Host string
	Port int
}

type KafkaTopics struct {
	Orders         string
	Trades         string
	RichOrders     string
	RichTrades     string
	WalletTransfer string
	DeadLetter     string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
	MaxAttempts   int
	RetryWindow   time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	LevelTTL time.Duration
}

type OutboxConfig struct {
	Interval       time.Duration
	PageSize       int
	WalletTimeout  time.Duration
	RunTimeout     time.Duration
	ReplayInterval time.Duration
	ReplayPageSize int
}

type Config struct {
	App                base.AppConfig
	DB                 postgres.Config
	GRPC               GRPCConfig
	Kafka              KafkaConfig
	Redis              RedisConfig
	Outbox             OutboxConfig
	ConfigRefresh      time.Duration
	FeeAccount         string
	JWTSecret          string
	ProjectionsEnabled bool
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("CEX_CONFIG"))
	if err != nil {
		return nil, err
	}

	v, err := base.NewViper(os.Getenv("CEX_CONFIG"))
	if err != nil {
		return nil, err
	}

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "accountant-service")
	v.SetDefault("kafka.topics.orders", "accountant.orders")
	v.SetDefault("kafka.topics.trades", "accountant.trades")
	v.SetDefault("kafka.topics.rich_orders", "accountant.rich_orders")
	v.SetDefault("kafka.topics.rich_trades", "accountant.rich_trades")
	v.SetDefault("kafka.topics.wallet_transfer", "wallet.transfer.requests")
	v.SetDefault("kafka.topics.dead_letter", "dead_letter")
	v.SetDefault("kafka.max_attempts", 5)
	v.SetDefault("kafka.retry_window", "10m")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.prefix", "accountant:level:")
	v.SetDefault("redis.level_ttl", "1h")
	v.SetDefault("outbox.interval", "1s")
	v.SetDefault("outbox.page_size", 100)
	v.SetDefault("outbox.wallet_timeout", "5s")
	v.SetDefault("outbox.run_timeout", "30s")
	v.SetDefault("replay.interval", "30s")
	v.SetDefault("replay.page_size", 200)
	v.SetDefault("pair_config.refresh_interval", "1m")
	v.SetDefault("fee_account", "fee-collector")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("projections.enabled", true)

	cfg := &Config{
		App: *appCfg,
		DB: postgres.Config{
			Host:     envString("DB_HOST", envString("POSTGRES_HOST", "localhost")),
			Port:     envInt("DB_PORT", envInt("POSTGRES_PORT", 5432)),
			Name:     envString("DB_NAME", envString("POSTGRES_DB", "accountant")),
			User:     envString("DB_USER", envString("POSTGRES_USER", "cex")),
			Password: envString("DB_PASSWORD", envString("POSTGRES_PASSWORD", "cex")),
			SSLMode:  envString("DB_SSLMODE", envString("POSTGRES_SSLMODE", "disable")),
			MaxConns: int32(envInt("DB_MAX_CONNS", 10)),
		},
		GRPC: GRPCConfig{
			Host: envString("GRPC_HOST", "0.0.0.0"),
			Port: envInt("GRPC_PORT", 9095),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				Orders:         envString("KAFKA_ORDERS_TOPIC", v.GetString("kafka.topics.orders")),
				Trades:         envString("KAFKA_TRADES_TOPIC", v.GetString("kafka.topics.trades")),
				RichOrders:     envString("KAFKA_RICH_ORDERS_TOPIC", v.GetString("kafka.topics.rich_orders")),
				RichTrades:     envString("KAFKA_RICH_TRADES_TOPIC", v.GetString("kafka.topics.rich_trades")),
				WalletTransfer: envString("KAFKA_WALLET_TRANSFER_TOPIC", v.GetString("kafka.topics.wallet_transfer")),
				DeadLetter:     envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
			MaxAttempts: envInt("KAFKA_MAX_ATTEMPTS", v.GetInt("kafka.max_attempts")),
			RetryWindow: envDuration("KAFKA_RETRY_WINDOW", v.GetDuration("kafka.retry_window")),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password: envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:       envInt("REDIS_DB", v.GetInt("redis.db")),
			Prefix:   envString("REDIS_PREFIX", v.GetString("redis.prefix")),
			LevelTTL: envDuration("REDIS_LEVEL_TTL", v.GetDuration("redis.level_ttl")),
		},
		Outbox: OutboxConfig{
			Interval:       envDuration("OUTBOX_INTERVAL", v.GetDuration("outbox.interval")),
			PageSize:       envInt("OUTBOX_PAGE_SIZE", v.GetInt("outbox.page_size")),
			WalletTimeout:  envDuration("OUTBOX_WALLET_TIMEOUT", v.GetDuration("outbox.wallet_timeout")),
			RunTimeout:     envDuration("OUTBOX_RUN_TIMEOUT", v.GetDuration("outbox.run_timeout")),
			ReplayInterval: envDuration("REPLAY_INTERVAL", v.GetDuration("replay.interval")),
			ReplayPageSize: envInt("REPLAY_PAGE_SIZE", v.GetInt("replay.page_size")),
		},
		ConfigRefresh:      envDuration("PAIR_CONFIG_REFRESH_INTERVAL", v.GetDuration("pair_config.refresh_interval")),
		FeeAccount:         envString("FEE_ACCOUNT", v.GetString("fee_account")),
		JWTSecret:          envString("JWT_SECRET", v.GetString("jwt_secret")),
		ProjectionsEnabled: envBool("PROJECTIONS_ENABLED", v.GetBool("projections.enabled")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.GRPC.Port <= 0 {
		return fmt.Errorf("CEX_GRPC_PORT must be positive")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers required")
	}
	if c.Kafka.ConsumerGroup == "" {
		return fmt.Errorf("kafka consumer group required")
	}
	t := c.Kafka.Topics
	if t.Orders == "" || t.Trades == "" || t.WalletTransfer == "" {
		return fmt.Errorf("kafka topics required")
	}
	if c.ProjectionsEnabled && (t.RichOrders == "" || t.RichTrades == "") {
		return fmt.Errorf("projection topics required when projections are enabled")
	}
	if c.Kafka.MaxAttempts <= 0 {
		return fmt.Errorf("kafka max attempts must be positive")
	}
	if c.Outbox.Interval <= 0 {
		return fmt.Errorf("outbox interval must be positive")
	}
	if c.Outbox.PageSize <= 0 || c.Outbox.ReplayPageSize <= 0 {
		return fmt.Errorf("outbox and replay page sizes must be positive")
	}
	if c.Outbox.WalletTimeout <= 0 {
		return fmt.Errorf("wallet timeout must be positive")
	}
	if strings.TrimSpace(c.FeeAccount) == "" {
		return fmt.Errorf("fee account required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt secret required")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv("CEX_" + key); v != "" {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := envString(key, ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := envString(key, ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := envString(key, ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	v := envString(key, "")
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
