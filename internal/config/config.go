package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/caesar-terminal/bookreplay/internal/adapter/kraken"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds all application configuration.
type Config struct {
	Env       string `mapstructure:"env"`
	Log       LogConfig
	HTTP      HTTPConfig
	GRPC      GRPCConfig
	Snapshot  SnapshotConfig
	Feed      FeedConfig
	Broadcast BroadcastConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
}

// LogConfig selects the logger's level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HTTPConfig holds the REST and live streaming listener settings.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// GRPCConfig holds the gRPC query listener settings.
type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// SnapshotConfig controls archival cadence and retention.
type SnapshotConfig struct {
	IntervalSec  int `mapstructure:"interval_sec"`
	RetentionSec int `mapstructure:"retention_sec"`
}

// Interval returns the archival interval.
func (s SnapshotConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}

// Retention returns the retention window.
func (s SnapshotConfig) Retention() time.Duration {
	return time.Duration(s.RetentionSec) * time.Second
}

// FeedConfig holds the upstream feed settings.
type FeedConfig struct {
	URL       string   `mapstructure:"url"`
	Tickers   []string `mapstructure:"tickers"`
	BookDepth int      `mapstructure:"book_depth"`
	Quote     string   `mapstructure:"quote"`
}

// BroadcastConfig sizes the live update channels.
type BroadcastConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// RedisConfig holds Redis connection settings. An empty Addr disables the
// top-of-book mirror.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// KafkaConfig holds snapshot export settings. No brokers disables export.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Enabled reports whether any broker is configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// Load reads an optional .env file, then configuration from environment
// variables prefixed with BOOKREPLAY_.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: read .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("BOOKREPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Listeners
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":9090")

	// Archival
	v.SetDefault("snapshot.interval_sec", 5)
	v.SetDefault("snapshot.retention_sec", 3600)

	// Feed
	v.SetDefault("feed.url", kraken.DefaultURL)
	v.SetDefault("feed.tickers", "ZEC,BTC,ETH,XMR")
	v.SetDefault("feed.book_depth", 1000)
	v.SetDefault("feed.quote", "USD")

	v.SetDefault("broadcast.capacity", 100)

	// Redis and Kafka are off unless an address is given.
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "orderbook.snapshots")

	cfg := &Config{}

	cfg.Env = v.GetString("env")
	cfg.Log = LogConfig{
		Level:  v.GetString("log.level"),
		Format: v.GetString("log.format"),
	}
	cfg.HTTP = HTTPConfig{Addr: v.GetString("http.addr")}
	cfg.GRPC = GRPCConfig{Addr: v.GetString("grpc.addr")}

	cfg.Snapshot = SnapshotConfig{
		IntervalSec:  v.GetInt("snapshot.interval_sec"),
		RetentionSec: v.GetInt("snapshot.retention_sec"),
	}

	cfg.Feed = FeedConfig{
		URL:       v.GetString("feed.url"),
		Tickers:   splitList(v.GetString("feed.tickers"), strings.ToUpper),
		BookDepth: v.GetInt("feed.book_depth"),
		Quote:     strings.ToUpper(v.GetString("feed.quote")),
	}

	cfg.Broadcast = BroadcastConfig{Capacity: v.GetInt("broadcast.capacity")}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.Kafka = KafkaConfig{
		Brokers: splitList(v.GetString("kafka.brokers"), nil),
		Topic:   v.GetString("kafka.topic"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values the core depends on.
func (c *Config) Validate() error {
	if c.Snapshot.IntervalSec <= 0 {
		return fmt.Errorf("%w: snapshot.interval_sec must be positive, got %d", ErrInvalid, c.Snapshot.IntervalSec)
	}
	if c.Snapshot.RetentionSec <= 0 {
		return fmt.Errorf("%w: snapshot.retention_sec must be positive, got %d", ErrInvalid, c.Snapshot.RetentionSec)
	}
	if c.Broadcast.Capacity <= 0 {
		return fmt.Errorf("%w: broadcast.capacity must be positive, got %d", ErrInvalid, c.Broadcast.Capacity)
	}
	if !kraken.ValidDepth(c.Feed.BookDepth) {
		return fmt.Errorf("%w: feed.book_depth %d not one of %v", ErrInvalid, c.Feed.BookDepth, kraken.SupportedDepths)
	}
	if len(c.Feed.Tickers) == 0 {
		return fmt.Errorf("%w: feed.tickers is empty", ErrInvalid)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: log.format must be json or text, got %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

func splitList(s string, norm func(string) string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if norm != nil {
			part = norm(part)
		}
		out = append(out, part)
	}
	return out
}
