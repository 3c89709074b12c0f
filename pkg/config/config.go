package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"CandleFlow/pkg/util"
)

const (
	ModeLive     = "live"
	ModeBackfill = "backfill"

	SourceKraken           = "kraken"
	SourceKrakenHistorical = "kraken_historical"
	SourceBybit            = "bybit"
	SourceFinnhub          = "finnhub"
	SourceKafka            = "kafka"

	SinkKafka      = "kafka"
	SinkClickHouse = "clickhouse"
	SinkPostgres   = "postgres"
)

type Config struct {
	Environment string           `yaml:"environment" default:"development" validate:"required"`
	Log         LogConfig        `yaml:"log"`
	Alerts      AlertsConfig     `yaml:"alerts"`
	Server      ServerConfig     `yaml:"server"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Kraken      KrakenConfig     `yaml:"kraken"`
	Bybit       BybitConfig      `yaml:"bybit"`
	Finnhub     FinnhubConfig    `yaml:"finnhub"`
	Backfill    BackfillConfig   `yaml:"backfill"`
	Kafka       KafkaConfig      `yaml:"kafka"`
	ClickHouse  ClickHouseConfig `yaml:"clickhouse"`
	Postgres    PostgresConfig   `yaml:"postgres"`
	Redis       RedisConfig      `yaml:"redis"`
}

type LogConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"json" validate:"oneof=json console"`
	Output string `yaml:"output" default:"stdout"`
}

type AlertsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Transport      string        `yaml:"transport" default:"kafka" validate:"oneof=kafka redis"`
	Topic          string        `yaml:"topic" default:"alerts"`
	Interval       time.Duration `yaml:"interval" default:"30s"`
	CountThreshold int           `yaml:"count_threshold" default:"100"`
}

type ServerConfig struct {
	Enabled         bool          `yaml:"enabled" default:"true"`
	Port            int           `yaml:"port" default:"8080" validate:"gte=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Path    string `yaml:"path" default:"/metrics"`
}

type PipelineConfig struct {
	Name    string        `yaml:"name" default:"candleflow"`
	Mode    string        `yaml:"mode" default:"live" validate:"oneof=live backfill"`
	Symbols []string      `yaml:"symbols" validate:"required,min=1,dive,required"`
	Window  time.Duration `yaml:"window" default:"1m" validate:"gte=0"`
	Source  struct {
		Type        string `yaml:"type" default:"kraken" validate:"oneof=kraken kraken_historical bybit finnhub kafka"`
		ChannelSize int    `yaml:"channel_size" default:"1024" validate:"gt=0"`
	} `yaml:"source"`
	Batch struct {
		Size         int           `yaml:"size" default:"100" validate:"gt=0"`
		IdleTimeout  time.Duration `yaml:"idle_timeout" default:"5s" validate:"gt=0"`
		MaxAge       time.Duration `yaml:"max_age" validate:"gte=0"`
		MaxRetries   int           `yaml:"max_retries" default:"3" validate:"gte=0"`
		RetryDelay   time.Duration `yaml:"retry_delay" default:"1s" validate:"gte=0"`
		PollInterval time.Duration `yaml:"poll_interval" default:"500ms" validate:"gt=0"`
	} `yaml:"batch"`
	Sink struct {
		Type  string `yaml:"type" default:"kafka" validate:"oneof=kafka clickhouse postgres"`
		Topic string `yaml:"topic" default:"ohlcv"`
	} `yaml:"sink"`
}

type KrakenConfig struct {
	WebSocketURL   string        `yaml:"websocket_url" default:"wss://ws.kraken.com/v2"`
	RestURL        string        `yaml:"rest_url" default:"https://api.kraken.com/0/public/Trades"`
	PingInterval   time.Duration `yaml:"ping_interval" default:"20s"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"5s"`
	MaxReconnects  int           `yaml:"max_reconnects" default:"10"`
	RequestTimeout time.Duration `yaml:"request_timeout" default:"15s"`
}

type BybitConfig struct {
	WebSocketURL   string        `yaml:"websocket_url" default:"wss://stream.bybit.com/v5/public/spot"`
	PingInterval   time.Duration `yaml:"ping_interval" default:"20s"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"5s"`
	MaxReconnects  int           `yaml:"max_reconnects" default:"10"`
}

type FinnhubConfig struct {
	WebSocketURL   string        `yaml:"websocket_url" default:"wss://ws.finnhub.io"`
	APIKey         string        `yaml:"api_key"`
	PingInterval   time.Duration `yaml:"ping_interval" default:"20s"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"5s"`
	MaxReconnects  int           `yaml:"max_reconnects" default:"10"`
}

type BackfillConfig struct {
	JobID             string        `yaml:"job_id" default:"backfill"`
	Start             string        `yaml:"start"`
	End               string        `yaml:"end"`
	RateLimitBackoff  time.Duration `yaml:"rate_limit_backoff" default:"30s"`
	RetryDelay        time.Duration `yaml:"retry_delay" default:"5s"`
	MaxRetries        int           `yaml:"max_retries" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" default:"1" validate:"gt=0"`
	CursorStore       string        `yaml:"cursor_store" default:"memory" validate:"oneof=memory redis"`
}

// Range returns the backfill bounds. A missing end means now.
func (b BackfillConfig) Range(now time.Time) (time.Time, time.Time, error) {
	start, ok := util.ParseTime(b.Start)
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("backfill.start %q is not a valid time", b.Start)
	}
	end := now
	if b.End != "" {
		if end, ok = util.ParseTime(b.End); !ok {
			return time.Time{}, time.Time{}, fmt.Errorf("backfill.end %q is not a valid time", b.End)
		}
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("backfill.end must be after backfill.start")
	}
	return start, end, nil
}

type KafkaConfig struct {
	Brokers      []string `yaml:"brokers" default:"[\"localhost:9092\"]"`
	RequiredAcks int      `yaml:"required_acks" default:"-1"`
	Compression  string   `yaml:"compression" default:"snappy" validate:"oneof=none gzip snappy lz4 zstd"`
	Partitions   int      `yaml:"partitions" default:"3"`
	Replication  int      `yaml:"replication" default:"1"`
	Producer     struct {
		MaxAttempts  int           `yaml:"max_attempts" default:"5"`
		Linger       time.Duration `yaml:"linger" default:"10ms"`
		BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
		BatchSize    int           `yaml:"batch_size" default:"1000"`
		WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
		ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
	} `yaml:"producer"`
	Consumer struct {
		GroupID     string        `yaml:"group_id" default:"candleflow"`
		Topic       string        `yaml:"topic" default:"trades"`
		Payload     string        `yaml:"payload" default:"trade" validate:"oneof=trade candle"`
		PollTimeout time.Duration `yaml:"poll_timeout" default:"1s"`
		ExitOnIdle  time.Duration `yaml:"exit_on_idle"`
		MinBytes    int           `yaml:"min_bytes" default:"1"`
		MaxBytes    int           `yaml:"max_bytes" default:"10485760"`
		StartOffset string        `yaml:"start_offset" default:"earliest" validate:"oneof=earliest latest"`
	} `yaml:"consumer"`
}

type ClickHouseConfig struct {
	Host             string        `yaml:"host" default:"localhost"`
	Port             int           `yaml:"port" default:"9000"`
	Database         string        `yaml:"database" default:"default"`
	User             string        `yaml:"user" default:"default"`
	Password         string        `yaml:"password"`
	UseHTTP          bool          `yaml:"use_http"`
	AsyncInsert      bool          `yaml:"async_insert"`
	WaitForAsync     bool          `yaml:"wait_for_async_insert" default:"true"`
	DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
	WriteTimeout     time.Duration `yaml:"write_timeout" default:"30s"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
	InsertChunk      int           `yaml:"insert_chunk" default:"1000"`
	MaxOpenConns     int           `yaml:"max_open_conns" default:"10"`
	MaxIdleConns     int           `yaml:"max_idle_conns" default:"5"`
	ConnMaxLifetime  time.Duration `yaml:"conn_max_lifetime" default:"1h"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn" default:"host=localhost user=postgres dbname=candleflow sslmode=disable"`
	MaxOpenConns    int           `yaml:"max_open_conns" default:"10"`
	MaxIdleConns    int           `yaml:"max_idle_conns" default:"5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" default:"30m"`
	BatchSize       int           `yaml:"batch_size" default:"500"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr" default:"localhost:6379"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix" default:"candleflow:"`
	TTL          time.Duration `yaml:"ttl"`
	PoolSize     int           `yaml:"pool_size" default:"10"`
	MinIdleConns int           `yaml:"min_idle_conns" default:"2"`
	PoolTimeout  time.Duration `yaml:"pool_timeout" default:"4s"`
}

var validate = validator.New()

// Load reads and parses a YAML configuration file. Defaults are applied
// first so any value present in the file wins.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse builds a validated config from raw YAML.
func Parse(b []byte) (*Config, error) {
	c, err := parse(b)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func parse(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("set defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := parse(b)
	if err != nil {
		return nil, err
	}

	c.applyEnv(os.Getenv)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("SYMBOLS"); v != "" {
		c.Pipeline.Symbols = splitList(v)
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := getenv("PIPELINE_MODE"); v != "" {
		c.Pipeline.Mode = v
	}
	if v := getenv("PIPELINE_SOURCE"); v != "" {
		c.Pipeline.Source.Type = v
	}
	if v := getenv("PIPELINE_SINK"); v != "" {
		c.Pipeline.Sink.Type = v
	}
	if v := getenv("BACKFILL_JOB_ID"); v != "" {
		c.Backfill.JobID = v
	}
	if v := getenv("BACKFILL_START"); v != "" {
		c.Backfill.Start = v
	}
	if v := getenv("BACKFILL_END"); v != "" {
		c.Backfill.End = v
	}
	if v := getenv("FINNHUB_API_KEY"); v != "" {
		c.Finnhub.APIKey = v
	}
	if v := getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := getenv("POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks struct tags and the rules that span several sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return err
	}

	p := c.Pipeline
	if p.Window%time.Millisecond != 0 {
		return fmt.Errorf("pipeline.window must be a whole number of milliseconds, got %s", p.Window)
	}
	if p.Mode == ModeBackfill && p.Source.Type != SourceKrakenHistorical && p.Source.Type != SourceKafka {
		return fmt.Errorf("pipeline.mode backfill needs a bounded source, got '%s'", p.Source.Type)
	}
	if p.Source.Type == SourceKrakenHistorical {
		if p.Mode != ModeBackfill {
			return fmt.Errorf("source '%s' requires pipeline.mode backfill", p.Source.Type)
		}
		if _, _, err := c.Backfill.Range(time.Now()); err != nil {
			return err
		}
	}
	if p.Source.Type == SourceFinnhub && c.Finnhub.APIKey == "" {
		return fmt.Errorf("finnhub.api_key is required for the finnhub source")
	}
	if p.Source.Type == SourceKafka && p.Mode == ModeBackfill && c.Kafka.Consumer.ExitOnIdle <= 0 {
		return fmt.Errorf("kafka source in backfill mode requires kafka.consumer.exit_on_idle")
	}
	if (p.Source.Type == SourceKafka || p.Sink.Type == SinkKafka) && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty")
	}
	if p.Sink.Type == SinkKafka && p.Sink.Topic == "" {
		return fmt.Errorf("pipeline.sink.topic is required for the kafka sink")
	}
	if c.Alerts.Enabled && c.Alerts.Transport == "kafka" && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("alerts need kafka.brokers")
	}
	return nil
}
